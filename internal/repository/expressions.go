package repository

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"convsync/internal/docstore"
)

// exprBuilder hands out placeholders so arbitrary field names and dotted
// field paths are safe in expressions.
type exprBuilder struct {
	names  map[string]string
	byName map[string]string
	values map[string]types.AttributeValue
}

func newExpr() *exprBuilder {
	return &exprBuilder{
		names:  map[string]string{},
		byName: map[string]string{},
		values: map[string]types.AttributeValue{},
	}
}

// path turns "typing.uid" into "#n0.#n1".
func (b *exprBuilder) path(field string) string {
	parts := docstore.SplitFieldPath(field)
	out := make([]string, len(parts))
	for i, p := range parts {
		ph, ok := b.byName[p]
		if !ok {
			ph = fmt.Sprintf("#n%d", len(b.byName))
			b.byName[p] = ph
			b.names[ph] = p
		}
		out[i] = ph
	}
	return strings.Join(out, ".")
}

func (b *exprBuilder) value(av types.AttributeValue) string {
	ph := fmt.Sprintf(":v%d", len(b.values))
	b.values[ph] = av
	return ph
}

func (b *exprBuilder) attrNames() map[string]string {
	if len(b.names) == 0 {
		return nil
	}
	return b.names
}

func (b *exprBuilder) attrValues() map[string]types.AttributeValue {
	if len(b.values) == 0 {
		return nil
	}
	return b.values
}

// setExpression renders "SET a = :v, b.c = :v, _rev = :v" in stable key
// order.
func (b *exprBuilder) setExpression(fields docstore.Fields, rev string) (string, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	clauses := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		av, err := toAttr(fields[k])
		if err != nil {
			return "", fmt.Errorf("field %q: %w", k, err)
		}
		clauses = append(clauses, b.path(k)+" = "+b.value(av))
	}
	clauses = append(clauses, b.path(attrRev)+" = "+b.value(&types.AttributeValueMemberS{Value: rev}))
	return "SET " + strings.Join(clauses, ", "), nil
}

// parentLevels returns, per nesting depth, the intermediate map paths that a
// dotted merge needs to exist. DynamoDB rejects overlapping paths in one
// expression, so each depth is prepared by its own request.
func parentLevels(fields docstore.Fields) [][]string {
	var levels [][]string
	seen := map[string]bool{}
	for k := range fields {
		parts := docstore.SplitFieldPath(k)
		for depth := 1; depth < len(parts); depth++ {
			p := strings.Join(parts[:depth], ".")
			if seen[p] {
				continue
			}
			seen[p] = true
			for len(levels) < depth {
				levels = append(levels, nil)
			}
			levels[depth-1] = append(levels[depth-1], p)
		}
	}
	for _, l := range levels {
		sort.Strings(l)
	}
	return levels
}

// ensureMapsExpression renders "SET p = if_not_exists(p, :empty), ...".
func (b *exprBuilder) ensureMapsExpression(paths []string) string {
	empty := b.value(&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{}})
	clauses := make([]string, len(paths))
	for i, p := range paths {
		ph := b.path(p)
		clauses[i] = fmt.Sprintf("%s = if_not_exists(%s, %s)", ph, ph, empty)
	}
	return "SET " + strings.Join(clauses, ", ")
}

var comparators = map[docstore.Op]string{
	docstore.OpEqual:          "=",
	docstore.OpLess:           "<",
	docstore.OpLessOrEqual:    "<=",
	docstore.OpGreater:        ">",
	docstore.OpGreaterOrEqual: ">=",
}

func (b *exprBuilder) condition(f docstore.Filter) (string, error) {
	cmp, ok := comparators[f.Op]
	if !ok {
		return "", fmt.Errorf("%w: operator %q", docstore.ErrInvalidArgument, f.Op)
	}
	av, err := toAttr(f.Value)
	if err != nil {
		return "", err
	}
	return b.path(f.Field) + " " + cmp + " " + b.value(av), nil
}
