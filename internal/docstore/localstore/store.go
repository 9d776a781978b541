// Package localstore is an in-process docstore.Store with live snapshot
// listeners and serializable transactions. NewMemory keeps everything in
// memory; Open additionally persists every commit to a pebble database so a
// local session survives restarts.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"convsync/internal/docstore"
)

const maxTxAttempts = 5

type doc struct {
	data    docstore.Fields
	version uint64
}

// Store implements docstore.Store.
type Store struct {
	mu       sync.Mutex
	colls    map[string]map[string]*doc
	version  uint64
	lastNow  time.Time
	watchers map[uint64]*watcher
	nextW    uint64

	db     *pebble.DB
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

type Option func(*Store)

// WithClock overrides the clock used to resolve server timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) { s.now = fn }
}

// WithIDGenerator overrides document id generation for Add.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewMemory returns a store that keeps data in memory only.
func NewMemory(opts ...Option) *Store {
	s := &Store{
		colls:    map[string]map[string]*doc{},
		watchers: map[uint64]*watcher{},
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close releases every listener and closes the backing database, if any.
func (s *Store) Close() error {
	s.mu.Lock()
	ws := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		ws = append(ws, w)
	}
	db := s.db
	s.db = nil
	s.mu.Unlock()
	for _, w := range ws {
		w.Release()
	}
	if db != nil {
		return db.Close()
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (*docstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	coll, id, err := docstore.Split(path)
	if err != nil {
		return nil, fmt.Errorf("localstore: Get: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.lookupLocked(coll, id)
	if d == nil {
		return nil, fmt.Errorf("localstore: Get %q: %w", path, docstore.ErrNotFound)
	}
	return &docstore.Record{ID: id, Path: path, Data: docstore.Clone(d.data)}, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !docstore.ValidCollection(q.Collection) {
		return nil, fmt.Errorf("localstore: Query: %w: bad collection %q", docstore.ErrInvalidArgument, q.Collection)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, _ := s.queryLocked(q)
	return recs, nil
}

func (s *Store) Add(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !docstore.ValidCollection(collection) {
		return "", fmt.Errorf("localstore: Add: %w: bad collection %q", docstore.ErrInvalidArgument, collection)
	}
	id := s.newID()
	err := s.commit(func(now time.Time, stage *staging) error {
		if stage.get(collection, id) != nil {
			return docstore.ErrAlreadyExists
		}
		stage.put(collection, id, docstore.ResolveFields(fields, now))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("localstore: Add: %w", err)
	}
	return id, nil
}

func (s *Store) Set(ctx context.Context, path string, fields docstore.Fields, opts ...docstore.SetOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	coll, id, err := docstore.Split(path)
	if err != nil {
		return fmt.Errorf("localstore: Set: %w", err)
	}
	merge := docstore.ApplySetOptions(opts).Merge
	err = s.commit(func(now time.Time, stage *staging) error {
		stage.set(coll, id, docstore.ResolveFields(fields, now), merge)
		return nil
	})
	if err != nil {
		return fmt.Errorf("localstore: Set: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, path string, fields docstore.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	coll, id, err := docstore.Split(path)
	if err != nil {
		return fmt.Errorf("localstore: Update: %w", err)
	}
	err = s.commit(func(now time.Time, stage *staging) error {
		if stage.get(coll, id) == nil {
			return docstore.ErrNotFound
		}
		stage.set(coll, id, docstore.ResolveFields(fields, now), true)
		return nil
	})
	if err != nil {
		return fmt.Errorf("localstore: Update %q: %w", path, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	coll, id, err := docstore.Split(path)
	if err != nil {
		return fmt.Errorf("localstore: Delete: %w", err)
	}
	err = s.commit(func(_ time.Time, stage *staging) error {
		stage.put(coll, id, nil)
		return nil
	})
	if err != nil {
		return fmt.Errorf("localstore: Delete: %w", err)
	}
	return nil
}

// RunTransaction runs fn optimistically: reads record the version they saw
// and the commit fails and retries if any of them changed meanwhile.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &transaction{s: s, reads: map[string]uint64{}}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := s.commit(func(now time.Time, stage *staging) error {
			for path, seen := range tx.reads {
				coll, id, _ := docstore.Split(path)
				var cur uint64
				if d := stage.get(coll, id); d != nil {
					cur = d.version
				}
				if cur != seen {
					return errConflict
				}
			}
			for _, w := range tx.writes {
				if w.update && stage.get(w.coll, w.id) == nil {
					return fmt.Errorf("update %s/%s: %w", w.coll, w.id, docstore.ErrNotFound)
				}
				stage.set(w.coll, w.id, docstore.ResolveFields(w.fields, now), w.update)
			}
			return nil
		})
		if errors.Is(err, errConflict) {
			s.logger.Debug("localstore_tx_conflict", "attempt", attempt)
			continue
		}
		if err != nil {
			return fmt.Errorf("localstore: RunTransaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("localstore: RunTransaction: %w", docstore.ErrAborted)
}

var errConflict = errors.New("localstore: transaction conflict")

// commit runs apply against a staging view under the store lock, persists the
// staged writes, publishes them, then wakes listeners.
func (s *Store) commit(apply func(now time.Time, stage *staging) error) error {
	s.mu.Lock()
	stage := &staging{s: s, writes: map[string]*staged{}}
	if err := apply(s.clockLocked(), stage); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(stage.writes) == 0 {
		s.mu.Unlock()
		return nil
	}
	if err := s.persistLocked(stage); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, w := range stage.order {
		st := stage.writes[w]
		coll := s.colls[st.coll]
		if st.data == nil {
			if coll != nil {
				delete(coll, st.id)
			}
			continue
		}
		if coll == nil {
			coll = map[string]*doc{}
			s.colls[st.coll] = coll
		}
		s.version++
		coll[st.id] = &doc{data: st.data, version: s.version}
	}
	ws := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		ws = append(ws, w)
	}
	s.mu.Unlock()
	for _, w := range ws {
		w.wake()
	}
	return nil
}

// clockLocked returns a strictly increasing server time.
func (s *Store) clockLocked() time.Time {
	now := s.now().UTC()
	if !now.After(s.lastNow) {
		now = s.lastNow.Add(time.Microsecond)
	}
	s.lastNow = now
	return now
}

func (s *Store) lookupLocked(coll, id string) *doc {
	if c := s.colls[coll]; c != nil {
		return c[id]
	}
	return nil
}

type staged struct {
	coll string
	id   string
	data docstore.Fields // nil deletes
}

type staging struct {
	s      *Store
	writes map[string]*staged
	order  []string
}

// get returns the staged view of a document; version is 0 for staged writes.
func (st *staging) get(coll, id string) *doc {
	key := docstore.Join(coll, id)
	if w, ok := st.writes[key]; ok {
		if w.data == nil {
			return nil
		}
		return &doc{data: w.data}
	}
	return st.s.lookupLocked(coll, id)
}

func (st *staging) put(coll, id string, data docstore.Fields) {
	key := docstore.Join(coll, id)
	if _, ok := st.writes[key]; !ok {
		st.order = append(st.order, key)
	}
	st.writes[key] = &staged{coll: coll, id: id, data: data}
}

func (st *staging) set(coll, id string, fields docstore.Fields, merge bool) {
	if !merge {
		st.put(coll, id, docstore.Clone(fields))
		return
	}
	base := docstore.Fields{}
	if d := st.get(coll, id); d != nil {
		base = docstore.Clone(d.data)
	}
	docstore.ApplyMerge(base, docstore.Clone(fields))
	st.put(coll, id, base)
}

type txWrite struct {
	coll, id string
	fields   docstore.Fields
	update   bool
}

type transaction struct {
	s      *Store
	reads  map[string]uint64
	writes []txWrite
}

func (t *transaction) Get(ctx context.Context, path string) (*docstore.Record, error) {
	if len(t.writes) > 0 {
		return nil, fmt.Errorf("localstore: tx Get after write: %w", docstore.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	coll, id, err := docstore.Split(path)
	if err != nil {
		return nil, err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	d := t.s.lookupLocked(coll, id)
	if d == nil {
		t.reads[path] = 0
		return nil, fmt.Errorf("localstore: tx Get %q: %w", path, docstore.ErrNotFound)
	}
	t.reads[path] = d.version
	return &docstore.Record{ID: id, Path: path, Data: docstore.Clone(d.data)}, nil
}

func (t *transaction) Set(path string, fields docstore.Fields) error {
	return t.write(path, fields, false)
}

func (t *transaction) Update(path string, fields docstore.Fields) error {
	return t.write(path, fields, true)
}

func (t *transaction) write(path string, fields docstore.Fields, update bool) error {
	coll, id, err := docstore.Split(path)
	if err != nil {
		return err
	}
	t.writes = append(t.writes, txWrite{coll: coll, id: id, fields: docstore.Clone(fields), update: update})
	return nil
}

func versionString(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func fingerprint(recs []docstore.Record, versions []uint64) string {
	var b strings.Builder
	for i, r := range recs {
		b.WriteString(r.ID)
		b.WriteByte('@')
		b.WriteString(versionString(versions[i]))
		b.WriteByte(';')
	}
	return b.String()
}
