package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memstore is a full in-memory Store used by tests and local development.
// One lock guards the whole tree; transactions run under the write lock, so
// they are serializable by construction.
type Memstore struct {
	mu   sync.RWMutex
	docs map[string]map[string]interface{}

	// Clock feeds ServerTimestamp resolution. Tests may override it.
	Clock func() time.Time
}

// NewMemstore returns an empty in-memory store.
func NewMemstore() *Memstore {
	return &Memstore{
		docs:  make(map[string]map[string]interface{}),
		Clock: time.Now,
	}
}

func (m *Memstore) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *Memstore) Get(ctx context.Context, path string) (*Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(path)
}

func (m *Memstore) getLocked(path string) (*Doc, error) {
	data, ok := m.docs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	segs, _ := SplitPath(path)
	return &Doc{Path: path, ID: segs[len(segs)-1], Data: copyMap(data)}, nil
}

func (m *Memstore) Create(ctx context.Context, path string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[path]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}
	return m.writeLocked(path, data, false)
}

func (m *Memstore) Set(ctx context.Context, path string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(path, data, false)
}

func (m *Memstore) Merge(ctx context.Context, path string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(path, data, true)
}

func (m *Memstore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, path)
	return nil
}

// writeLocked resolves sentinels and commits the result. merge keeps
// unmentioned fields and deep-merges nested maps; a plain set overwrites,
// so its increments resolve against an absent document.
func (m *Memstore) writeLocked(path string, data map[string]interface{}, merge bool) error {
	if !IsDocPath(path) {
		return fmt.Errorf("store: %q is not a document path", path)
	}
	existing := m.docs[path]

	if merge && existing != nil {
		resolved := resolveSentinels(existing, data, m.now())
		m.docs[path] = deepMerge(copyMap(existing), resolved)
	} else {
		m.docs[path] = resolveSentinels(nil, data, m.now())
	}
	return nil
}

func (m *Memstore) Query(ctx context.Context, collectionPath string, q Query) ([]*Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := collectionPath + "/"
	var docs []*Doc
	for path := range m.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		if strings.Contains(path[len(prefix):], "/") {
			continue // descendant of a subcollection, not a direct child
		}
		docs = append(docs, mustDoc(path, m.docs[path]))
	}
	return applyQuery(docs, q), nil
}

func (m *Memstore) CollectionGroup(ctx context.Context, collectionID string, q Query) ([]*Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []*Doc
	for path := range m.docs {
		segs, err := SplitPath(path)
		if err != nil || len(segs) < 2 {
			continue
		}
		if segs[len(segs)-2] == collectionID {
			docs = append(docs, mustDoc(path, m.docs[path]))
		}
	}
	return applyQuery(docs, q), nil
}

func (m *Memstore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		return err
	}
	for _, w := range tx.writes {
		switch w.kind {
		case opDelete:
			delete(m.docs, w.path)
		case opCreate:
			if _, ok := m.docs[w.path]; ok {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, w.path)
			}
			if err := m.writeLocked(w.path, w.data, false); err != nil {
				return err
			}
		case opMerge:
			if err := m.writeLocked(w.path, w.data, true); err != nil {
				return err
			}
		default:
			if err := m.writeLocked(w.path, w.data, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Memstore) Batch() Batch {
	return &memBatch{m: m}
}

func (m *Memstore) Close() error { return nil }

// Len reports the number of stored documents.
func (m *Memstore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

type opKind int

const (
	opSet opKind = iota
	opMerge
	opCreate
	opDelete
)

type stagedWrite struct {
	kind opKind
	path string
	data map[string]interface{}
}

// memTx runs under the store's write lock. Reads observe committed state
// plus this transaction's staged writes.
type memTx struct {
	m      *Memstore
	writes []stagedWrite
}

func (t *memTx) Get(path string) (*Doc, error) {
	cur, exists := t.m.docs[path]
	var view map[string]interface{}
	if exists {
		view = copyMap(cur)
	}
	for _, w := range t.writes {
		if w.path != path {
			continue
		}
		switch w.kind {
		case opDelete:
			view, exists = nil, false
		case opMerge:
			resolved := resolveSentinels(view, w.data, t.m.now())
			if exists && view != nil {
				view = deepMerge(view, resolved)
			} else {
				view = resolved
			}
			exists = true
		default:
			view = resolveSentinels(nil, w.data, t.m.now())
			exists = true
		}
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return mustDoc(path, view), nil
}

func (t *memTx) Create(path string, data map[string]interface{}) error {
	if _, err := t.Get(path); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}
	t.writes = append(t.writes, stagedWrite{kind: opCreate, path: path, data: copyMap(data)})
	return nil
}

func (t *memTx) Set(path string, data map[string]interface{}) error {
	t.writes = append(t.writes, stagedWrite{kind: opSet, path: path, data: copyMap(data)})
	return nil
}

func (t *memTx) Merge(path string, data map[string]interface{}) error {
	t.writes = append(t.writes, stagedWrite{kind: opMerge, path: path, data: copyMap(data)})
	return nil
}

func (t *memTx) Delete(path string) error {
	t.writes = append(t.writes, stagedWrite{kind: opDelete, path: path})
	return nil
}

type memBatch struct {
	m   *Memstore
	ops []stagedWrite
}

func (b *memBatch) Set(path string, data map[string]interface{}) {
	b.ops = append(b.ops, stagedWrite{kind: opSet, path: path, data: copyMap(data)})
}

func (b *memBatch) Merge(path string, data map[string]interface{}) {
	b.ops = append(b.ops, stagedWrite{kind: opMerge, path: path, data: copyMap(data)})
}

func (b *memBatch) Delete(path string) {
	b.ops = append(b.ops, stagedWrite{kind: opDelete, path: path})
}

func (b *memBatch) Len() int { return len(b.ops) }

func (b *memBatch) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(b.ops) > MaxBatchWrites {
		return fmt.Errorf("store: batch of %d exceeds %d writes", len(b.ops), MaxBatchWrites)
	}
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	for _, w := range b.ops {
		switch w.kind {
		case opDelete:
			delete(b.m.docs, w.path)
		case opMerge:
			if err := b.m.writeLocked(w.path, w.data, true); err != nil {
				return err
			}
		default:
			if err := b.m.writeLocked(w.path, w.data, false); err != nil {
				return err
			}
		}
	}
	b.ops = nil
	return nil
}

func mustDoc(path string, data map[string]interface{}) *Doc {
	segs, _ := SplitPath(path)
	return &Doc{Path: path, ID: segs[len(segs)-1], Data: copyMap(data)}
}

// resolveSentinels rewrites sentinel values against the existing document.
func resolveSentinels(existing, data map[string]interface{}, now time.Time) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch sv := v.(type) {
		case serverTimestampSentinel:
			out[k] = now
		case incrementSentinel:
			out[k] = numericOr(existing[k], 0) + float64(sv.delta)
		case incrementFloatSentinel:
			out[k] = numericOr(existing[k], 0) + sv.delta
		case arrayUnionSentinel:
			out[k] = unionArray(existing[k], sv.elems)
		case map[string]interface{}:
			var inner map[string]interface{}
			if existing != nil {
				inner, _ = existing[k].(map[string]interface{})
			}
			out[k] = resolveSentinels(inner, sv, now)
		default:
			out[k] = copyValue(v)
		}
	}
	return out
}

func numericOr(v interface{}, fallback float64) float64 {
	f, ok := toFloat(v)
	if !ok {
		return fallback
	}
	return f
}

func unionArray(existing interface{}, elems []interface{}) []interface{} {
	var out []interface{}
	if cur, ok := existing.([]interface{}); ok {
		out = append(out, cur...)
	}
	for _, e := range elems {
		found := false
		for _, have := range out {
			if reflect.DeepEqual(have, e) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, copyValue(e))
		}
	}
	return out
}

func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	for k, v := range src {
		if sv, ok := v.(map[string]interface{}); ok {
			if dv, ok := dst[k].(map[string]interface{}); ok {
				dst[k] = deepMerge(dv, sv)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return copyMap(tv)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		out := make([]interface{}, len(tv))
		for i, e := range tv {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

func applyQuery(docs []*Doc, q Query) []*Doc {
	var out []*Doc
	for _, d := range docs {
		if matchesAll(d, q.Filters) {
			out = append(out, d)
		}
	}

	if q.OrderBy != "" {
		filtered := out[:0]
		for _, d := range out {
			if _, ok := fieldValue(d.Data, q.OrderBy); ok {
				filtered = append(filtered, d)
			}
		}
		out = filtered
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := fieldValue(out[i].Data, q.OrderBy)
			b, _ := fieldValue(out[j].Data, q.OrderBy)
			cmp, ok := compareValues(a, b)
			if !ok {
				return out[i].Path < out[j].Path
			}
			if q.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchesAll(d *Doc, filters []Filter) bool {
	for _, f := range filters {
		if !matches(d, f) {
			return false
		}
	}
	return true
}

func matches(d *Doc, f Filter) bool {
	v, ok := fieldValue(d.Data, f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case OpEqual:
		return valuesEqual(v, f.Value)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		cmp, ok := compareValues(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpLess:
			return cmp < 0
		case OpLessEqual:
			return cmp <= 0
		case OpGreater:
			return cmp > 0
		default:
			return cmp >= 0
		}
	case OpIn:
		rv := reflect.ValueOf(f.Value)
		if rv.Kind() != reflect.Slice {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(v, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	case OpArrayContains:
		rv := reflect.ValueOf(v)
		if rv.Kind() != reflect.Slice {
			return false
		}
		for i := 0; i < rv.Len(); i++ {
			if valuesEqual(rv.Index(i).Interface(), f.Value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// fieldValue resolves dotted field paths into nested maps.
func fieldValue(data map[string]interface{}, field string) (interface{}, bool) {
	parts := strings.Split(field, ".")
	var cur interface{} = data
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func valuesEqual(a, b interface{}) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two field values when they share a comparable type.
func compareValues(a, b interface{}) (int, bool) {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(as, bs), true
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if ab == bb {
			return 0, true
		}
		return 1, false
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
