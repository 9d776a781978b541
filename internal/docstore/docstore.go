// Package docstore defines the document-store contract the conversation
// synchronizer is written against. Records live at slash-separated paths
// ("conversations/{cid}/messages/{mid}"); a collection path has an odd number
// of segments and a document path an even number.
package docstore

import (
	"context"
)

// Fields is a record's field set. Values are strings, bools, numbers,
// time.Time, []any, map[string]any, or the ServerTimestamp sentinel on write.
type Fields map[string]any

// Record is a document read from the store.
type Record struct {
	ID   string
	Path string
	Data Fields
}

type serverTimestamp struct{}

// ServerTimestamp is replaced with the store's clock at write time.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

// SetOptions controls Set.
type SetOptions struct {
	Merge bool
}

type SetOption func(*SetOptions)

// Merge makes Set create-or-merge instead of create-or-overwrite. Each
// top-level key replaces that field; a dotted FieldPath key replaces a single
// key of a nested map and leaves its siblings alone.
func Merge() SetOption {
	return func(o *SetOptions) { o.Merge = true }
}

// ApplySetOptions folds opts into a SetOptions value.
func ApplySetOptions(opts []SetOption) SetOptions {
	var o SetOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type Direction int

const (
	Ascending Direction = iota
	Descending
)

type Op string

const (
	OpEqual          Op = "=="
	OpLess           Op = "<"
	OpLessOrEqual    Op = "<="
	OpGreater        Op = ">"
	OpGreaterOrEqual Op = ">="
)

// Filter restricts a query on one field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query is a filtered, ordered, optionally paginated collection read.
// StartAfter positions the result after the given record in query order.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Direction  Direction
	Limit      int
	StartAfter *Record
}

// Where returns a copy of q with an extra filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Tx is the read-modify-write handle passed to RunTransaction. Reads must
// precede writes; writes are buffered and committed atomically.
type Tx interface {
	Get(ctx context.Context, path string) (*Record, error)
	Set(path string, fields Fields) error
	Update(path string, fields Fields) error
}

// Subscription is a live listener registration.
type Subscription interface {
	Release()
}

// SnapshotFunc receives the current document, nil when it does not exist.
type SnapshotFunc func(rec *Record, err error)

// QuerySnapshotFunc receives the full current result set.
type QuerySnapshotFunc func(recs []Record, err error)

// Store is the remote document store.
type Store interface {
	Get(ctx context.Context, path string) (*Record, error)
	Query(ctx context.Context, q Query) ([]Record, error)
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	Set(ctx context.Context, path string, fields Fields, opts ...SetOption) error
	Update(ctx context.Context, path string, fields Fields) error
	Delete(ctx context.Context, path string) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Watch(ctx context.Context, path string, fn SnapshotFunc) (Subscription, error)
	WatchQuery(ctx context.Context, q Query, fn QuerySnapshotFunc) (Subscription, error)
}
