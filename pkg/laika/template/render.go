// Package template implements the Template Renderer: it expands
// "${{ expr }}" interpolations in a JSON-shaped payload tree against a
// projection, evaluating each expr in the Script Runtime. The
// regex-driven scan-and-replace shape is adapted from a simpler
// ${var}/$var expander; the scripted-expression evaluation and
// native-type-preservation rules are this renderer's own.
package template

import (
	"encoding/json"
	"regexp"
	"strings"
)

// exprPattern matches "${{ expr }}", capturing the trimmed expr body.
// Non-greedy so "${{ a }} and ${{ b }}" yields two matches, not one.
var exprPattern = regexp.MustCompile(`\$\{\{\s*(.+?)\s*\}\}`)

// Evaluator evaluates a single "${{ expr }}" body against a projection
// and returns its value, or an error. Swapped out in tests to avoid
// depending on a live script engine.
type Evaluator func(expr string, projection map[string]any) (any, error)

// Renderer expands payload templates against a projection.
type Renderer struct {
	eval Evaluator
}

// NewRenderer returns a Renderer that evaluates expressions with eval.
func NewRenderer(eval Evaluator) *Renderer {
	return &Renderer{eval: eval}
}

// Render expands every string leaf of payload against projection and
// returns the resulting JSON-shaped tree ready for byte serialization.
// A string that is a single "${{ expr }}" occurrence with no
// surrounding text is replaced by expr's value with its native JSON type
// preserved (or null if expr is missing/errors); a string with mixed
// text produces a string, JSON-stringifying non-string expr values and
// rendering a missing/erroring expr as empty.
func (r *Renderer) Render(payload any, projection map[string]any) any {
	return r.renderValue(payload, projection)
}

func (r *Renderer) renderValue(v any, projection map[string]any) any {
	switch val := v.(type) {
	case string:
		return r.renderString(val, projection)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = r.renderValue(sub, projection)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = r.renderValue(sub, projection)
		}
		return out
	default:
		return v
	}
}

func (r *Renderer) renderString(s string, projection map[string]any) any {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}

	if soleExpression(s, matches) {
		expr := s[matches[0][2]:matches[0][3]]
		v, err := r.eval(expr, projection)
		if err != nil || v == nil {
			return nil
		}
		return v
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		expr := s[m[2]:m[3]]
		v, err := r.eval(expr, projection)
		if err != nil || v == nil {
			// missing/erroring expr renders as empty string in mixed context
		} else if str, ok := v.(string); ok {
			b.WriteString(str)
		} else {
			b.Write(mustJSONStringify(v))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

// soleExpression reports whether s consists of exactly one ${{ expr }}
// occurrence and nothing else.
func soleExpression(s string, matches [][]int) bool {
	if len(matches) != 1 {
		return false
	}
	m := matches[0]
	return m[0] == 0 && m[1] == len(s)
}

func mustJSONStringify(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
