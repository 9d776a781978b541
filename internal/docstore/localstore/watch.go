package localstore

import (
	"context"
	"fmt"
	"sync"

	"convsync/internal/docstore"
)

// watcher re-evaluates its target whenever the store commits and delivers a
// snapshot only when the result changed. Wakeups coalesce.
type watcher struct {
	s     *Store
	id    uint64
	eval  func() (string, func())
	dirty chan struct{}
	stop  chan struct{}
	once  sync.Once
}

func (s *Store) Watch(ctx context.Context, path string, fn docstore.SnapshotFunc) (docstore.Subscription, error) {
	coll, id, err := docstore.Split(path)
	if err != nil {
		return nil, fmt.Errorf("localstore: Watch: %w", err)
	}
	return s.startWatcher(ctx, func() (string, func()) {
		s.mu.Lock()
		d := s.lookupLocked(coll, id)
		if d == nil {
			s.mu.Unlock()
			return "missing", func() { fn(nil, nil) }
		}
		rec := &docstore.Record{ID: id, Path: path, Data: docstore.Clone(d.data)}
		fp := versionString(d.version)
		s.mu.Unlock()
		return fp, func() { fn(rec, nil) }
	}), nil
}

func (s *Store) WatchQuery(ctx context.Context, q docstore.Query, fn docstore.QuerySnapshotFunc) (docstore.Subscription, error) {
	if !docstore.ValidCollection(q.Collection) {
		return nil, fmt.Errorf("localstore: WatchQuery: %w: bad collection %q", docstore.ErrInvalidArgument, q.Collection)
	}
	return s.startWatcher(ctx, func() (string, func()) {
		s.mu.Lock()
		recs, vers := s.queryLocked(q)
		s.mu.Unlock()
		return fingerprint(recs, vers), func() { fn(recs, nil) }
	}), nil
}

func (s *Store) startWatcher(ctx context.Context, eval func() (string, func())) *watcher {
	s.mu.Lock()
	s.nextW++
	w := &watcher{
		s:     s,
		id:    s.nextW,
		eval:  eval,
		dirty: make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	s.watchers[w.id] = w
	s.mu.Unlock()

	w.wake()
	go w.run(ctx)
	return w
}

func (w *watcher) run(ctx context.Context) {
	last, first := "", true
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.Release()
			return
		case <-w.dirty:
		}
		fp, deliver := w.eval()
		if !first && fp == last {
			continue
		}
		first, last = false, fp
		select {
		case <-w.stop:
			return
		default:
		}
		deliver()
	}
}

func (w *watcher) wake() {
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

// Release stops delivery. It does not wait for a callback already in
// progress, so it is safe to call from inside one.
func (w *watcher) Release() {
	w.once.Do(func() {
		close(w.stop)
		w.s.mu.Lock()
		delete(w.s.watchers, w.id)
		w.s.mu.Unlock()
	})
}
