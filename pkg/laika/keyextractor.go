package laika

import (
	"fmt"
	"sync/atomic"

	"github.com/go-laika/laika/pkg/laika/laikaerr"
)

// KeyExtractor resolves the correlation key for a classified event,
// falling back to a synthetic per-event key for non-correlated types.
type KeyExtractor struct {
	counter atomic.Int64
}

// NewKeyExtractor returns a ready KeyExtractor.
func NewKeyExtractor() *KeyExtractor {
	return &KeyExtractor{}
}

// Extract resolves the correlation key for rec classified as eventType.
// Returns a BadKey error when the configured expression resolves to a
// missing, null, or non-scalar value.
func (k *KeyExtractor) Extract(eventType EventType, rec *Record) (string, error) {
	if eventType.CorrelationKeyExpr == "" {
		n := k.counter.Add(1)
		return fmt.Sprintf("~uncorrelated:%s:%d", rec.Source, n), nil
	}

	val, ok := lookupPath(rec.Parsed, jsonPathToDotted(eventType.CorrelationKeyExpr))
	if !ok {
		return "", &laikaerr.BadKey{
			EventType: eventType.Name,
			Expr:      eventType.CorrelationKeyExpr,
			Reason:    "missing or null",
		}
	}

	switch v := val.(type) {
	case string:
		return v, nil
	case float64:
		return formatNumber(v), nil
	case bool:
		if v {
			return "true", nil
		}
		return "false", nil
	default:
		return "", &laikaerr.BadKey{
			EventType: eventType.Name,
			Expr:      eventType.CorrelationKeyExpr,
			Reason:    "non-scalar value",
		}
	}
}

// jsonPathToDotted strips a leading "$." from a JSONPath expression,
// since lookupPath already operates on dotted segments.
func jsonPathToDotted(expr string) string {
	if len(expr) >= 2 && expr[0] == '$' && expr[1] == '.' {
		return expr[2:]
	}
	return expr
}
