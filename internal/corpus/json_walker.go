package corpus

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// JSONWalker implements Walker for record maps.
type JSONWalker struct{}

func NewJSONWalker() *JSONWalker {
	return &JSONWalker{}
}

// Query implements Walker.
//
// Wildcard selectors ("$[*]") yield one match per element so a node
// template can stamp out a directory per record. Filter selectors
// ("$[?(@.draft == false)]") narrow the record set instead: they yield
// a single match whose context is the list of matching records, so a
// child iterator keeps working under a filter node.
func (w *JSONWalker) Query(root any, selector string) ([]Match, error) {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}

	results := x.Get(root)

	// The "[?" form is the selector grammar's only filter syntax.
	if strings.Contains(selector, "[?") {
		if len(results) == 0 {
			return nil, nil
		}
		return []Match{&jsonMatch{value: results, list: true}}, nil
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = &jsonMatch{value: r}
	}
	return matches, nil
}

type jsonMatch struct {
	value any
	list  bool
}

// Values implements Match.
func (m *jsonMatch) Values() map[string]any {
	v := m.value
	if m.list {
		elems := v.([]any)
		if len(elems) == 0 {
			return map[string]any{}
		}
		v = elems[0]
	}
	switch v := v.(type) {
	case map[string]any:
		return v // preserve nesting
	default:
		return map[string]any{"value": v}
	}
}

// Context implements Match.
func (m *jsonMatch) Context() any {
	return m.value
}

// Scalar implements Match.
func (m *jsonMatch) Scalar() bool {
	return !m.list
}
