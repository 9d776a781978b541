// Package projector maps raw message records onto domain.Message. It never
// fails on malformed input; only a record without a sender is dropped.
package projector

import (
	"encoding/json"
	"math"
	"time"

	"convsync/internal/docstore"
	"convsync/internal/domain"
)

// Project normalizes rec for the viewer identified by me. It returns nil when
// the record has no sender id.
func Project(rec docstore.Record, me string) *domain.Message {
	sender, _ := rec.Data[domain.FieldSenderID].(string)
	if sender == "" {
		return nil
	}
	m := &domain.Message{
		ID:           rec.ID,
		SenderID:     sender,
		SenderUID:    str(rec.Data[domain.FieldSenderUID]),
		RecipientID:  str(rec.Data[domain.FieldRecipientID]),
		RecipientUID: str(rec.Data[domain.FieldRecipientUID]),
		Text:         str(rec.Data[domain.FieldText]),
		CreatedAt:    Millis(rec.Data[domain.FieldCreatedAt]),
		Edited:       boolean(rec.Data[domain.FieldEdited]),
		EditedAt:     Millis(rec.Data[domain.FieldEditedAt]),
		Narration:    boolean(rec.Data[domain.FieldNarration]),
		StarredBy:    flags(rec.Data[domain.FieldStarredBy]),
		DeliveredBy:  flags(rec.Data[domain.FieldDeliveredBy]),
		ReadBy:       flags(rec.Data[domain.FieldReadBy]),
		Reactions:    Reactions(rec.Data[domain.FieldReactions]),
	}
	m.StarredByMe = m.StarredBy[me]
	m.Delivered = m.DeliveredBy[me]
	m.Read = m.ReadBy[me]
	return m
}

// ProjectAll projects recs in order, skipping records Project rejects.
func ProjectAll(recs []docstore.Record, me string) []domain.Message {
	out := make([]domain.Message, 0, len(recs))
	for _, r := range recs {
		if m := Project(r, me); m != nil {
			out = append(out, *m)
		}
	}
	return out
}

// Millis coerces a stored timestamp to epoch millis. Unknown encodings are 0.
func Millis(v any) int64 {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli()
	case *time.Time:
		if t == nil {
			return 0
		}
		return t.UnixMilli()
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		if uint64(t) > math.MaxInt64 {
			return 0
		}
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return 0
		}
		return int64(t)
	case float32:
		return floatMillis(float64(t))
	case float64:
		return floatMillis(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return floatMillis(f)
		}
	}
	return 0
}

func floatMillis(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0
	}
	return int64(f)
}

// Reactions rebuilds an emoji -> user list map, dropping non-string keys and
// entries and turning non-list values into empty lists.
func Reactions(v any) map[string][]string {
	out := map[string][]string{}
	switch m := v.(type) {
	case map[string]any:
		for emoji, raw := range m {
			out[emoji] = stringList(raw)
		}
	case docstore.Fields:
		for emoji, raw := range m {
			out[emoji] = stringList(raw)
		}
	case map[any]any:
		for k, raw := range m {
			if emoji, ok := k.(string); ok {
				out[emoji] = stringList(raw)
			}
		}
	case map[string][]string:
		for emoji, ids := range m {
			out[emoji] = append([]string{}, ids...)
		}
	}
	return out
}

func stringList(v any) []string {
	out := []string{}
	switch l := v.(type) {
	case []any:
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, l...)
	}
	return out
}

func flags(v any) map[string]bool {
	out := map[string]bool{}
	switch m := v.(type) {
	case map[string]any:
		for k, b := range m {
			if bb, ok := b.(bool); ok && bb {
				out[k] = true
			}
		}
	case docstore.Fields:
		for k, b := range m {
			if bb, ok := b.(bool); ok && bb {
				out[k] = true
			}
		}
	case map[string]bool:
		for k, b := range m {
			if b {
				out[k] = true
			}
		}
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}
