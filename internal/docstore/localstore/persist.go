package localstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"convsync/internal/docstore"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// Open returns a store backed by a pebble database in dir. Existing documents
// are loaded into memory; every later commit is written through with
// pebble.Sync before it becomes visible.
func Open(dir string, opts ...Option) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("localstore: open %q: %w", dir, err)
	}
	s := NewMemory(opts...)
	s.db = db
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("localstore_opened", "path", dir, "collections", len(s.colls))
	return s, nil
}

func (s *Store) load() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("localstore: load: %w", err)
	}
	defer iter.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for iter.First(); iter.Valid(); iter.Next() {
		path := string(iter.Key())
		coll, id, err := docstore.Split(path)
		if err != nil {
			s.logger.Warn("localstore_skip_key", "key", path, "err", err)
			continue
		}
		data, err := decodeFields(iter.Value())
		if err != nil {
			return fmt.Errorf("localstore: load %q: %w", path, err)
		}
		c := s.colls[coll]
		if c == nil {
			c = map[string]*doc{}
			s.colls[coll] = c
		}
		s.version++
		c[id] = &doc{data: data, version: s.version}
	}
	return iter.Error()
}

func (s *Store) persistLocked(stage *staging) error {
	if s.db == nil {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	for _, key := range stage.order {
		w := stage.writes[key]
		if w.data == nil {
			if err := b.Delete([]byte(key), nil); err != nil {
				return fmt.Errorf("localstore: persist delete %q: %w", key, err)
			}
			continue
		}
		val, err := encodeFields(w.data)
		if err != nil {
			return fmt.Errorf("localstore: persist %q: %w", key, err)
		}
		if err := b.Set([]byte(key), val, nil); err != nil {
			return fmt.Errorf("localstore: persist %q: %w", key, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("localstore: persist commit: %w", err)
	}
	return nil
}

func encodeFields(f docstore.Fields) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(map[string]any(f)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFields(b []byte) (docstore.Fields, error) {
	var m map[string]any
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return docstore.Fields(m), nil
}
