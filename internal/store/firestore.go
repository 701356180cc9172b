package store

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is the production Store backed by Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestore connects to the tenant-store project. Credentials follow the
// usual ADC chain unless an option overrides them.
func NewFirestore(ctx context.Context, projectID string, opts ...option.ClientOption) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("store: firestore project id is required")
	}
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (f *FirestoreStore) doc(path string) (*firestore.DocumentRef, error) {
	ref := f.client.Doc(path)
	if ref == nil {
		return nil, fmt.Errorf("store: %q is not a document path", path)
	}
	return ref, nil
}

func (f *FirestoreStore) Get(ctx context.Context, path string) (*Doc, error) {
	ref, err := f.doc(path)
	if err != nil {
		return nil, err
	}
	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", path, err)
	}
	return snapshotDoc(snap), nil
}

func (f *FirestoreStore) Create(ctx context.Context, path string, data map[string]interface{}) error {
	ref, err := f.doc(path)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, translateMap(data))
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}
	if err != nil {
		return fmt.Errorf("store: create %s: %w", path, err)
	}
	return nil
}

func (f *FirestoreStore) Set(ctx context.Context, path string, data map[string]interface{}) error {
	ref, err := f.doc(path)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, translateMap(data)); err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}
	return nil
}

func (f *FirestoreStore) Merge(ctx context.Context, path string, data map[string]interface{}) error {
	ref, err := f.doc(path)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, translateMap(data), firestore.MergeAll); err != nil {
		return fmt.Errorf("store: merge %s: %w", path, err)
	}
	return nil
}

func (f *FirestoreStore) Delete(ctx context.Context, path string) error {
	ref, err := f.doc(path)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}
	return nil
}

func (f *FirestoreStore) Query(ctx context.Context, collectionPath string, q Query) ([]*Doc, error) {
	col := f.client.Collection(collectionPath)
	if col == nil {
		return nil, fmt.Errorf("store: %q is not a collection path", collectionPath)
	}
	return runQuery(ctx, buildQuery(col.Query, q))
}

func (f *FirestoreStore) CollectionGroup(ctx context.Context, collectionID string, q Query) ([]*Doc, error) {
	group := f.client.CollectionGroup(collectionID)
	return runQuery(ctx, buildQuery(group.Query, q))
}

func (f *FirestoreStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return f.client.RunTransaction(ctx, func(ctx context.Context, t *firestore.Transaction) error {
		return fn(&fsTx{f: f, t: t})
	})
}

func (f *FirestoreStore) Batch() Batch {
	return &fsBatch{f: f}
}

func (f *FirestoreStore) Close() error {
	return f.client.Close()
}

type fsTx struct {
	f *FirestoreStore
	t *firestore.Transaction
}

func (tx *fsTx) Get(path string) (*Doc, error) {
	ref, err := tx.f.doc(path)
	if err != nil {
		return nil, err
	}
	snap, err := tx.t.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("store: tx get %s: %w", path, err)
	}
	return snapshotDoc(snap), nil
}

func (tx *fsTx) Create(path string, data map[string]interface{}) error {
	ref, err := tx.f.doc(path)
	if err != nil {
		return err
	}
	return tx.t.Create(ref, translateMap(data))
}

func (tx *fsTx) Set(path string, data map[string]interface{}) error {
	ref, err := tx.f.doc(path)
	if err != nil {
		return err
	}
	return tx.t.Set(ref, translateMap(data))
}

func (tx *fsTx) Merge(path string, data map[string]interface{}) error {
	ref, err := tx.f.doc(path)
	if err != nil {
		return err
	}
	return tx.t.Set(ref, translateMap(data), firestore.MergeAll)
}

func (tx *fsTx) Delete(path string) error {
	ref, err := tx.f.doc(path)
	if err != nil {
		return err
	}
	return tx.t.Delete(ref)
}

type fsOp struct {
	kind  opKind
	path  string
	data  map[string]interface{}
	merge bool
}

type fsBatch struct {
	f   *FirestoreStore
	ops []fsOp
}

func (b *fsBatch) Set(path string, data map[string]interface{}) {
	b.ops = append(b.ops, fsOp{kind: opSet, path: path, data: data})
}

func (b *fsBatch) Merge(path string, data map[string]interface{}) {
	b.ops = append(b.ops, fsOp{kind: opMerge, path: path, data: data, merge: true})
}

func (b *fsBatch) Delete(path string) {
	b.ops = append(b.ops, fsOp{kind: opDelete, path: path})
}

func (b *fsBatch) Len() int { return len(b.ops) }

func (b *fsBatch) Commit(ctx context.Context) error {
	if len(b.ops) > MaxBatchWrites {
		return fmt.Errorf("store: batch of %d exceeds %d writes", len(b.ops), MaxBatchWrites)
	}
	bw := b.f.client.BulkWriter(ctx)
	var jobs []*firestore.BulkWriterJob
	for _, op := range b.ops {
		ref, err := b.f.doc(op.path)
		if err != nil {
			return err
		}
		var job *firestore.BulkWriterJob
		switch op.kind {
		case opDelete:
			job, err = bw.Delete(ref)
		case opMerge:
			job, err = bw.Set(ref, translateMap(op.data), firestore.MergeAll)
		default:
			job, err = bw.Set(ref, translateMap(op.data))
		}
		if err != nil {
			return fmt.Errorf("store: batch enqueue %s: %w", op.path, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("store: batch write %s: %w", b.ops[i].path, err)
		}
	}
	b.ops = nil
	return nil
}

func buildQuery(q firestore.Query, spec Query) firestore.Query {
	for _, f := range spec.Filters {
		q = q.Where(f.Field, f.Op, f.Value)
	}
	if spec.OrderBy != "" {
		dir := firestore.Asc
		if spec.Desc {
			dir = firestore.Desc
		}
		q = q.OrderBy(spec.OrderBy, dir)
	}
	if spec.Limit > 0 {
		q = q.Limit(spec.Limit)
	}
	return q
}

func runQuery(ctx context.Context, q firestore.Query) ([]*Doc, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*Doc
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: query: %w", err)
		}
		out = append(out, snapshotDoc(snap))
	}
	return out, nil
}

func snapshotDoc(snap *firestore.DocumentSnapshot) *Doc {
	return &Doc{
		Path: logicalPath(snap.Ref),
		ID:   snap.Ref.ID,
		Data: snap.Data(),
	}
}

// logicalPath strips the projects/{p}/databases/{d}/documents/ prefix from
// a ref's resource name.
func logicalPath(ref *firestore.DocumentRef) string {
	const marker = "/documents/"
	if i := strings.Index(ref.Path, marker); i >= 0 {
		return ref.Path[i+len(marker):]
	}
	return ref.Path
}

// translateMap rewrites our sentinels into the Firestore SDK's.
func translateMap(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = translateValue(v)
	}
	return out
}

func translateValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case serverTimestampSentinel:
		return firestore.ServerTimestamp
	case incrementSentinel:
		return firestore.Increment(tv.delta)
	case incrementFloatSentinel:
		return firestore.Increment(tv.delta)
	case arrayUnionSentinel:
		return firestore.ArrayUnion(tv.elems...)
	case map[string]interface{}:
		return translateMap(tv)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = translateValue(e)
		}
		return out
	default:
		return v
	}
}
