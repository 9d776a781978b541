package docstore

import (
	"sort"
	"strings"
	"time"
)

// Evaluate applies q's filters, ordering, cursor and limit to recs in memory.
// Records missing the order-by field or any filtered field are excluded. Ties
// on the order-by value break by id so cursors are stable.
func Evaluate(q Query, recs []Record) []Record {
	type hit struct {
		rec Record
		key any
	}
	hits := make([]hit, 0, len(recs))
	for _, r := range recs {
		if !MatchesAll(r.Data, q.Filters) {
			continue
		}
		var key any = r.ID
		if q.OrderBy != "" {
			v, ok := Lookup(r.Data, q.OrderBy)
			if !ok {
				continue
			}
			key = v
		}
		hits = append(hits, hit{rec: r, key: key})
	}

	less := func(ak any, aid string, bk any, bid string) bool {
		c := Compare(ak, bk)
		if c == 0 {
			c = strings.Compare(aid, bid)
		}
		if q.Direction == Descending {
			return c > 0
		}
		return c < 0
	}
	sort.Slice(hits, func(i, j int) bool {
		return less(hits[i].key, hits[i].rec.ID, hits[j].key, hits[j].rec.ID)
	})

	if c := q.StartAfter; c != nil {
		var ck any = c.ID
		if q.OrderBy != "" {
			ck, _ = Lookup(c.Data, q.OrderBy)
		}
		i := sort.Search(len(hits), func(i int) bool {
			return less(ck, c.ID, hits[i].key, hits[i].rec.ID)
		})
		hits = hits[i:]
	}
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	out := make([]Record, len(hits))
	for i, h := range hits {
		out[i] = h.rec
	}
	return out
}

// MatchesAll reports whether data satisfies every filter.
func MatchesAll(data Fields, filters []Filter) bool {
	for _, f := range filters {
		v, ok := Lookup(data, f.Field)
		if !ok || !matches(v, f) {
			return false
		}
	}
	return true
}

func matches(v any, f Filter) bool {
	if rank(v) != rank(f.Value) {
		return false
	}
	c := Compare(v, f.Value)
	switch f.Op {
	case OpEqual:
		return c == 0
	case OpLess:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	}
	return false
}

// Lookup resolves a possibly dotted field path inside data.
func Lookup(data Fields, field string) (any, bool) {
	cur := map[string]any(data)
	parts := SplitFieldPath(field)
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// rank orders value kinds: nil < bool < number/time < string < everything else.
// Times and numbers share a rank so a temporal field can be filtered with
// epoch millis.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case string:
		return 3
	}
	if _, ok := Numeric(v); ok {
		return 2
	}
	return 4
}

// Compare orders two stored values, first by kind, then by value.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		fa, _ := Numeric(a)
		fb, _ := Numeric(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return strings.Compare(a.(string), b.(string))
	}
	return 0
}

// Numeric maps numbers to float64 and times to fractional epoch millis.
func Numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case time.Time:
		return float64(t.UnixNano()) / 1e6, true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
