package localstore

import (
	"strings"

	"convsync/internal/docstore"
)

// queryLocked evaluates q against the collection and returns matching records
// with their versions.
func (s *Store) queryLocked(q docstore.Query) ([]docstore.Record, []uint64) {
	docs := s.colls[strings.Trim(q.Collection, "/")]
	all := make([]docstore.Record, 0, len(docs))
	for id, d := range docs {
		all = append(all, docstore.Record{ID: id, Path: docstore.Join(q.Collection, id), Data: d.data})
	}
	recs := docstore.Evaluate(q, all)
	vers := make([]uint64, len(recs))
	for i := range recs {
		vers[i] = docs[recs[i].ID].version
		recs[i].Data = docstore.Clone(recs[i].Data)
	}
	return recs, vers
}
