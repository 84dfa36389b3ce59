package config

import (
	"fmt"
	"time"

	"github.com/go-laika/laika/pkg/laika"
	"github.com/go-laika/laika/pkg/laika/laikaerr"
)

// SourceConfig names one ingest connector and its connector-specific
// settings, left as a raw Config for the sources package to interpret.
type SourceConfig struct {
	Name     string
	Kind     string
	Settings Config

	// DefaultClassifier is the classifier an EventType scoped to this
	// source inherits when its own configuration omits one.
	// Zero value (ClassifyAll) when the source declares no default.
	DefaultClassifier laika.Classifier
}

// TargetConfig names one delivery target and its connector-specific
// settings.
type TargetConfig struct {
	Name     string
	Kind     string
	Settings Config
}

// LaikaConfig is the fully validated, cross-referenced configuration a
// Dispatcher is built from.
type LaikaConfig struct {
	Sources []SourceConfig
	Targets []TargetConfig
	Events  []laika.EventType
	Rules   []*laika.Rule

	// TimeToIdle is the background eviction threshold. Zero means the
	// engine falls back to control.DefaultTTI (7 days).
	TimeToIdle time.Duration
	// SweepInterval is how often the time-to-idle sweep scans the store.
	// Zero means control.DefaultSweepInterval.
	SweepInterval time.Duration
	// NumWorkers sizes the dispatcher's worker pool. Zero means the
	// dispatcher default.
	NumWorkers int
}

// LoadLaikaConfig reads and validates a Laika configuration file. Every
// cross-reference — a rule's event types, a rule's target, a correlation
// expression's presence where required — is checked here, so a bad
// configuration fails fast at startup with a *laikaerr.ConfigError rather
// than surfacing as a confusing runtime failure.
func LoadLaikaConfig(path string) (*LaikaConfig, error) {
	raw, err := FromFile(path)
	if err != nil {
		return nil, &laikaerr.ConfigError{Message: err.Error()}
	}
	return parseLaikaConfig(raw)
}

func parseLaikaConfig(raw Config) (*LaikaConfig, error) {
	cfg := &LaikaConfig{
		TimeToIdle:    raw.Duration("time_to_idle", 0),
		SweepInterval: raw.Duration("sweep_interval", 0),
		NumWorkers:    raw.Int("workers", 0),
	}

	for _, item := range rawList(raw, "sources") {
		sc, err := parseConnector(item, "source")
		if err != nil {
			return nil, err
		}
		defaultClassifier, err := parseClassifierMatch(item, "default_match", "sources."+sc.Name+".default_match")
		if err != nil {
			return nil, err
		}
		cfg.Sources = append(cfg.Sources, SourceConfig{Name: sc.Name, Kind: sc.Kind, Settings: sc.Settings, DefaultClassifier: defaultClassifier})
	}

	for _, item := range rawList(raw, "targets") {
		tc, err := parseConnector(item, "target")
		if err != nil {
			return nil, err
		}
		cfg.Targets = append(cfg.Targets, TargetConfig{Name: tc.Name, Kind: tc.Kind, Settings: tc.Settings})
	}

	eventNames := make(map[string]bool)
	for _, item := range rawList(raw, "events") {
		et, err := parseEventType(item)
		if err != nil {
			return nil, err
		}
		eventNames[et.Name] = true
		cfg.Events = append(cfg.Events, et)
	}

	if err := applyCorrelation(raw, cfg, eventNames); err != nil {
		return nil, err
	}

	targetNames := make(map[string]bool)
	for _, t := range cfg.Targets {
		targetNames[t.Name] = true
	}

	for _, item := range rawList(raw, "triggers") {
		rule, err := parseTrigger(item, eventNames, targetNames)
		if err != nil {
			return nil, err
		}
		cfg.Rules = append(cfg.Rules, rule)
	}

	return cfg, nil
}

// applyCorrelation reads the top-level correlation section, which binds a
// key expression to one or more event types:
//
//	correlation:
//	  - events: [A, B, C]
//	    key: $.txn
//
// An event type may also declare correlation_key inline on its own entry;
// the correlation section takes precedence when both are present.
func applyCorrelation(raw Config, cfg *LaikaConfig, eventNames map[string]bool) error {
	for _, item := range rawList(raw, "correlation") {
		c := New(item)
		key := c.String("key", "")
		if key == "" {
			return &laikaerr.ConfigError{Field: "correlation", Message: "key expression is required"}
		}
		names := c.StringSlice("events", nil)
		if len(names) == 0 {
			return &laikaerr.ConfigError{Field: "correlation", Message: "at least one event type is required"}
		}
		for _, name := range names {
			if !eventNames[name] {
				return &laikaerr.ConfigError{Field: "correlation", Message: "unknown event type " + name}
			}
			for i := range cfg.Events {
				if cfg.Events[i].Name == name {
					cfg.Events[i].CorrelationKeyExpr = key
				}
			}
		}
	}
	return nil
}

// connector is the shared (name, kind, settings) shape of a source or
// target entry before it is wrapped into its labeled SourceConfig/
// TargetConfig type.
type connector struct {
	Name, Kind string
	Settings   Config
}

func parseConnector(item map[string]any, kindLabel string) (connector, error) {
	c := New(item)
	name := c.String("name", "")
	if name == "" {
		return connector{}, &laikaerr.ConfigError{Field: kindLabel, Message: "name is required"}
	}
	kind := c.String("kind", "")
	if kind == "" {
		return connector{}, &laikaerr.ConfigError{Field: kindLabel + "." + name, Message: "kind is required"}
	}
	return connector{Name: name, Kind: kind, Settings: c}, nil
}

func parseEventType(item map[string]any) (laika.EventType, error) {
	c := New(item)
	name := c.String("name", "")
	if name == "" {
		return laika.EventType{}, &laikaerr.ConfigError{Field: "events", Message: "name is required"}
	}

	classifier, err := parseClassifierMatch(item, "match", "events."+name+".match")
	if err != nil {
		return laika.EventType{}, err
	}

	return laika.EventType{
		Name: name,
		// An omitted match block leaves classifier at its ClassifyAll
		// zero value; ClassifierIsDefault records that omission so the
		// Matcher can substitute the event's source's default instead
		// of matching everything.
		ClassifierIsDefault: !c.Has("match"),
		Classifier:          classifier,
		Source:              c.String("source", ""),
		CorrelationKeyExpr:  c.String("correlation_key", ""),
	}, nil
}

// parseClassifierMatch reads an optional {path: value} mapping from item's
// key field and turns it into a Classifier, defaulting to ClassifyAll when
// the field is absent. Shared by event type "match" and source
// "default_match" blocks, which have identical shape.
func parseClassifierMatch(item map[string]any, key, fieldPath string) (laika.Classifier, error) {
	matchRaw, ok := item[key]
	if !ok {
		return laika.Classifier{Kind: laika.ClassifyAll}, nil
	}
	matchMap, ok := matchRaw.(map[string]any)
	if !ok {
		return laika.Classifier{}, &laikaerr.ConfigError{Field: fieldPath, Message: "must be a mapping of path to value"}
	}
	match := make(map[string]string, len(matchMap))
	for k, v := range matchMap {
		match[k] = fmt.Sprintf("%v", v)
	}
	return laika.Classifier{Kind: laika.ClassifyByKey, Match: match}, nil
}

// parseTrigger parses one entry of the triggers section. The requirement
// mode is carried by which key the requires block uses:
//
//	requires:
//	  exact: [login, purchase]
//	# or
//	requires:
//	  at_least: [msg]
func parseTrigger(item map[string]any, eventNames, targetNames map[string]bool) (*laika.Rule, error) {
	c := New(item)
	name := c.String("name", "")
	if name == "" {
		return nil, &laikaerr.ConfigError{Field: "triggers", Message: "name is required"}
	}

	requiresRaw, ok := item["requires"].(map[string]any)
	if !ok {
		return nil, &laikaerr.ConfigError{Field: "triggers." + name, Message: "requires block is mandatory"}
	}
	requires := New(requiresRaw)

	var kind laika.RequirementKind
	var types []string
	switch {
	case requires.Has("exact") && requires.Has("at_least"):
		return nil, &laikaerr.ConfigError{Field: "triggers." + name + ".requires", Message: "exact and at_least are mutually exclusive"}
	case requires.Has("exact"):
		kind = laika.RequireExact
		types = requires.StringSlice("exact", nil)
	case requires.Has("at_least"):
		kind = laika.RequireAtLeast
		types = requires.StringSlice("at_least", nil)
	default:
		return nil, &laikaerr.ConfigError{Field: "triggers." + name + ".requires", Message: "must specify exact or at_least"}
	}
	if len(types) == 0 {
		return nil, &laikaerr.ConfigError{Field: "triggers." + name + ".requires", Message: "at least one event type is required"}
	}
	for _, t := range types {
		if !eventNames[t] {
			return nil, &laikaerr.ConfigError{Field: "triggers." + name + ".requires", Message: "unknown event type " + t}
		}
	}

	timing := laika.Timing{}
	if timingRaw, ok := item["timing"].(map[string]any); ok {
		tc := New(timingRaw)
		timing = laika.Timing{
			FromMs:       tc.Duration("from", 0).Milliseconds(),
			CheckEveryMs: tc.Duration("check_every", 0).Milliseconds(),
			UntilMs:      tc.Duration("until", 0).Milliseconds(),
			HasTiming:    true,
		}
	}

	actionRaw, ok := item["action"].(map[string]any)
	if !ok {
		return nil, &laikaerr.ConfigError{Field: "triggers." + name + ".action", Message: "action block is mandatory"}
	}
	ac := New(actionRaw)
	targetID := ac.String("target", "")
	if targetID == "" {
		return nil, &laikaerr.ConfigError{Field: "triggers." + name + ".action.target", Message: "target is required"}
	}
	if !targetNames[targetID] {
		return nil, &laikaerr.ConfigError{Field: "triggers." + name + ".action.target", Message: "unknown target " + targetID}
	}

	return &laika.Rule{
		ID:            name,
		Requirement:   laika.Requirement{Kind: kind, Types: types},
		Timing:        timing,
		FilterExtract: c.String("filterAndExtract", ""),
		Action: laika.Action{
			TargetID: targetID,
			Payload:  ac.Any("payload", map[string]any{}),
		},
	}, nil
}

func rawList(c Config, key string) []map[string]any {
	v, ok := c.Raw()[key]
	if !ok {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
