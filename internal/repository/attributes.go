package repository

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"convsync/internal/docstore"
)

// Reserved item attributes. Document fields never use these names.
const (
	attrPK  = "PK"
	attrSK  = "SK"
	attrRev = "_rev"
)

// toAttr converts a stored value to its DynamoDB form. Times become epoch
// millis so ordered queries compare them numerically.
func toAttr(v any) (types.AttributeValue, error) {
	switch t := v.(type) {
	case nil:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case string:
		return &types.AttributeValueMemberS{Value: t}, nil
	case bool:
		return &types.AttributeValueMemberBOOL{Value: t}, nil
	case int:
		return numAttr(int64(t)), nil
	case int32:
		return numAttr(int64(t)), nil
	case int64:
		return numAttr(t), nil
	case uint32:
		return numAttr(int64(t)), nil
	case float32:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(float64(t), 'f', -1, 32)}, nil
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(t, 'f', -1, 64)}, nil
	case time.Time:
		return numAttr(t.UnixMilli()), nil
	case docstore.Fields:
		return mapAttr(t)
	case map[string]any:
		return mapAttr(t)
	case map[string]bool:
		m := make(map[string]types.AttributeValue, len(t))
		for k, b := range t {
			m[k] = &types.AttributeValueMemberBOOL{Value: b}
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	case []string:
		l := make([]types.AttributeValue, len(t))
		for i, s := range t {
			l[i] = &types.AttributeValueMemberS{Value: s}
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	case []any:
		l := make([]types.AttributeValue, len(t))
		for i, e := range t {
			av, err := toAttr(e)
			if err != nil {
				return nil, err
			}
			l[i] = av
		}
		return &types.AttributeValueMemberL{Value: l}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", docstore.ErrInvalidArgument, v)
	}
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func mapAttr(m map[string]any) (types.AttributeValue, error) {
	out := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		av, err := toAttr(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = av
	}
	return &types.AttributeValueMemberM{Value: out}, nil
}

// fromAttr converts back to the plain Go values the rest of the module
// expects. Integral numbers decode as int64, others as float64.
func fromAttr(av types.AttributeValue) any {
	switch t := av.(type) {
	case *types.AttributeValueMemberS:
		return t.Value
	case *types.AttributeValueMemberN:
		if n, err := strconv.ParseInt(t.Value, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(t.Value, 64); err == nil {
			return f
		}
		return nil
	case *types.AttributeValueMemberBOOL:
		return t.Value
	case *types.AttributeValueMemberM:
		m := make(map[string]any, len(t.Value))
		for k, v := range t.Value {
			m[k] = fromAttr(v)
		}
		return m
	case *types.AttributeValueMemberL:
		l := make([]any, len(t.Value))
		for i, v := range t.Value {
			l[i] = fromAttr(v)
		}
		return l
	case *types.AttributeValueMemberSS:
		l := make([]any, len(t.Value))
		for i, s := range t.Value {
			l[i] = s
		}
		return l
	case *types.AttributeValueMemberB:
		return t.Value
	default:
		return nil
	}
}

// itemToRecord splits an item into its document record and revision token.
func itemToRecord(item map[string]types.AttributeValue) (docstore.Record, string, error) {
	pk, err := strAttr(item, attrPK)
	if err != nil {
		return docstore.Record{}, "", err
	}
	sk, err := strAttr(item, attrSK)
	if err != nil {
		return docstore.Record{}, "", err
	}
	rev, _ := strAttr(item, attrRev) // items written outside this package may lack it
	data := make(docstore.Fields, len(item))
	for k, v := range item {
		switch k {
		case attrPK, attrSK, attrRev:
			continue
		}
		data[k] = fromAttr(v)
	}
	return docstore.Record{ID: sk, Path: docstore.Join(pk, sk), Data: data}, rev, nil
}

// recordItem builds a full item for an overwrite.
func recordItem(collection, id, rev string, fields docstore.Fields) (map[string]types.AttributeValue, error) {
	item := make(map[string]types.AttributeValue, len(fields)+3)
	for k, v := range fields {
		av, err := toAttr(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		item[k] = av
	}
	item[attrPK] = &types.AttributeValueMemberS{Value: collection}
	item[attrSK] = &types.AttributeValueMemberS{Value: id}
	item[attrRev] = &types.AttributeValueMemberS{Value: rev}
	return item, nil
}

func keyOf(collection, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: collection},
		attrSK: &types.AttributeValueMemberS{Value: id},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
