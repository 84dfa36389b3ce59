package laika

import (
	"strconv"
	"strings"
)

// Matcher classifies a parsed record into the set of configured EventTypes
// whose classifier accepts it.
type Matcher struct {
	types          []EventType
	sourceDefaults map[string]Classifier
}

// NewMatcher builds a Matcher over the given event types. Order is
// preserved only for deterministic iteration in tests; matching itself
// considers every type independently. sourceDefaults maps a source name to
// the classifier an EventType with ClassifierIsDefault set inherits when
// records from that source are being classified; it may be nil, in which
// case such types fall back to match-all.
func NewMatcher(types []EventType, sourceDefaults map[string]Classifier) *Matcher {
	cp := make([]EventType, len(types))
	copy(cp, types)
	return &Matcher{types: cp, sourceDefaults: sourceDefaults}
}

// Match returns the names of every EventType whose classifier accepts rec.
// A record that matches nothing returns an empty, non-nil slice; the
// caller is responsible for counting that as a MatchMiss.
func (m *Matcher) Match(rec *Record) []string {
	var matched []string
	for _, t := range m.types {
		if c, ok := m.resolveClassifier(t, rec.Source); ok && classifierAccepts(c, rec.Parsed) {
			matched = append(matched, t.Name)
		}
	}
	if matched == nil {
		matched = []string{}
	}
	return matched
}

// resolveClassifier returns the classifier to apply for t against a record
// from recordSource, inheriting the per-source default when t omitted an
// explicit classifier. A type that omitted its classifier and names a
// Source applies only to records from that source; ok is false for
// records from any other source.
func (m *Matcher) resolveClassifier(t EventType, recordSource string) (Classifier, bool) {
	if !t.ClassifierIsDefault {
		return t.Classifier, true
	}
	if t.Source != "" && t.Source != recordSource {
		return Classifier{}, false
	}
	if def, ok := m.sourceDefaults[recordSource]; ok {
		return def, true
	}
	return Classifier{Kind: ClassifyAll}, true
}

func classifierAccepts(c Classifier, parsed map[string]any) bool {
	switch c.Kind {
	case ClassifyAll:
		return true
	case ClassifyByKey:
		for path, want := range c.Match {
			val, ok := lookupPath(parsed, path)
			if !ok {
				return false
			}
			if want == "*" {
				continue
			}
			if !valueEquals(val, want) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// lookupPath resolves a dotted JSONPath like "a.b.c" against a parsed
// JSON object tree. Array indexing is not supported: classifiers and
// correlation expressions traverse objects only.
func lookupPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur any = root
	for _, seg := range segments {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := obj[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// valueEquals compares a resolved JSON value against a literal string from
// the classifier config, stringifying numbers and booleans for comparison.
func valueEquals(v any, want string) bool {
	switch t := v.(type) {
	case string:
		return t == want
	case bool:
		return (t && want == "true") || (!t && want == "false")
	case float64:
		return formatNumber(t) == want
	default:
		return false
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
