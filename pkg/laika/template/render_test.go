package template_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/go-laika/laika/pkg/laika/template"
)

func echoEval(vars map[string]any) template.Evaluator {
	return func(expr string, projection map[string]any) (any, error) {
		if v, ok := vars[expr]; ok {
			return v, nil
		}
		return nil, nil
	}
}

func TestSoleExpressionPreservesNativeType(t *testing.T) {
	r := template.NewRenderer(echoEval(map[string]any{"k": 42.0}))
	got := r.Render("${{ k }}", nil)
	assert.Equal(t, 42.0, got)
}

func TestMixedTextProducesString(t *testing.T) {
	r := template.NewRenderer(echoEval(map[string]any{"user": "u1"}))
	got := r.Render("hello ${{ user }}!", nil)
	assert.Equal(t, "hello u1!", got)
}

func TestMixedTextStringifiesNonString(t *testing.T) {
	r := template.NewRenderer(echoEval(map[string]any{"count": 3.0}))
	got := r.Render("total: ${{ count }}", nil)
	assert.Equal(t, "total: 3", got)
}

func TestMissingKeySoleExpressionRendersNull(t *testing.T) {
	r := template.NewRenderer(echoEval(nil))
	got := r.Render("${{ missing }}", nil)
	assert.Nil(t, got)
}

func TestMissingKeyMixedTextRendersEmpty(t *testing.T) {
	r := template.NewRenderer(echoEval(nil))
	got := r.Render("value: [${{ missing }}]", nil)
	assert.Equal(t, "value: []", got)
}

func TestErrorRendersAsMissing(t *testing.T) {
	r := template.NewRenderer(func(expr string, projection map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	assert.Nil(t, r.Render("${{ x }}", nil))
	assert.Equal(t, "pre [] post", r.Render("pre [${{ x }}] post", nil))
}

func TestRendersNestedTree(t *testing.T) {
	r := template.NewRenderer(echoEval(map[string]any{"user": "u1"}))
	payload := map[string]any{
		"greeting": "hi ${{ user }}",
		"list":     []any{"${{ user }}", "literal"},
	}
	got := r.Render(payload, nil).(map[string]any)
	assert.Equal(t, "hi u1", got["greeting"])
	assert.Equal(t, []any{"u1", "literal"}, got["list"])
}
