// Package store abstracts the path-addressed document store behind the
// coordination plane. Documents are addressed by slash-separated paths
// (collection/doc/collection/doc/...); writes are plain maps whose values
// may include the field sentinels below.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("store: document not found")
	ErrAlreadyExists = errors.New("store: document already exists")
)

// MaxBatchWrites is the store's batch-commit ceiling. Control loops bound
// their per-run work to stay under it.
const MaxBatchWrites = 500

// Field sentinels. Drivers resolve them at any nesting depth in a write
// map, so a merge may target a nested field with an increment.
type serverTimestampSentinel struct{}

type incrementSentinel struct{ delta int64 }

type incrementFloatSentinel struct{ delta float64 }

type arrayUnionSentinel struct{ elems []interface{} }

// ServerTimestamp resolves to the store's commit time.
var ServerTimestamp = serverTimestampSentinel{}

// Increment atomically adds delta to a numeric field.
func Increment(delta int64) interface{} { return incrementSentinel{delta: delta} }

// IncrementFloat atomically adds delta to a float field.
func IncrementFloat(delta float64) interface{} { return incrementFloatSentinel{delta: delta} }

// ArrayUnion appends elements not already present in an array field.
func ArrayUnion(elems ...interface{}) interface{} { return arrayUnionSentinel{elems: elems} }

// Doc is one fetched document.
type Doc struct {
	Path string
	ID   string
	Data map[string]interface{}
}

// DataTo unmarshals the document into v via a JSON round-trip. Timestamps
// stored as time.Time decode into time.Time fields.
func (d *Doc) DataTo(v interface{}) error {
	raw, err := json.Marshal(d.Data)
	if err != nil {
		return fmt.Errorf("store: marshal doc %s: %w", d.Path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("store: unmarshal doc %s: %w", d.Path, err)
	}
	return nil
}

// Filter operators.
const (
	OpEqual         = "=="
	OpLess          = "<"
	OpLessEqual     = "<="
	OpGreater       = ">"
	OpGreaterEqual  = ">="
	OpIn            = "in"
	OpArrayContains = "array-contains"
)

// Filter is one field predicate; filters in a query are ANDed.
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

// Where builds a filter.
func Where(field, op string, value interface{}) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query selects documents from a collection. Documents missing the OrderBy
// field are excluded from ordered results, matching document-store
// semantics.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// Tx is the transactional view passed to RunTransaction callbacks. All
// reads must happen before the first write.
type Tx interface {
	Get(path string) (*Doc, error)
	Create(path string, data map[string]interface{}) error
	Set(path string, data map[string]interface{}) error
	Merge(path string, data map[string]interface{}) error
	Delete(path string) error
}

// Batch accumulates writes for a single commit. Callers keep Len() at or
// under MaxBatchWrites.
type Batch interface {
	Set(path string, data map[string]interface{})
	Merge(path string, data map[string]interface{})
	Delete(path string)
	Len() int
	Commit(ctx context.Context) error
}

// Store is the document-store port. Two implementations exist: the
// Firestore driver and the in-memory store used by tests and local runs.
type Store interface {
	// Get fetches one document or ErrNotFound.
	Get(ctx context.Context, path string) (*Doc, error)
	// Create writes a new document, failing with ErrAlreadyExists.
	Create(ctx context.Context, path string, data map[string]interface{}) error
	// Set overwrites a document, creating it if absent.
	Set(ctx context.Context, path string, data map[string]interface{}) error
	// Merge upserts the given fields, deep-merging nested maps.
	Merge(ctx context.Context, path string, data map[string]interface{}) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error
	// Query returns the direct documents of one collection.
	Query(ctx context.Context, collectionPath string, q Query) ([]*Doc, error)
	// CollectionGroup queries every collection with the given ID across
	// all tenants. Control loops filter results by tenant path.
	CollectionGroup(ctx context.Context, collectionID string, q Query) ([]*Doc, error)
	// RunTransaction executes fn atomically, retrying on contention where
	// the backend supports it.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	// Batch starts a write batch.
	Batch() Batch
	// Close releases backend resources.
	Close() error
}

// SplitPath validates a document path and returns its segments.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty path")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("store: malformed path %q", path)
		}
	}
	return segs, nil
}

// IsDocPath reports whether the path addresses a document (even number of
// segments) rather than a collection.
func IsDocPath(path string) bool {
	segs, err := SplitPath(path)
	return err == nil && len(segs)%2 == 0
}

// ParentTenant extracts the tenant UID from a tenant-scoped path, or "".
func ParentTenant(path string) string {
	segs, err := SplitPath(path)
	if err != nil || len(segs) < 2 || segs[0] != "tenants" {
		return ""
	}
	return segs[1]
}
