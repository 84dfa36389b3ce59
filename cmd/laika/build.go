package main

import (
	"fmt"
	"os"

	"github.com/go-laika/laika/pkg/laika/config"
	"github.com/go-laika/laika/pkg/laika/dispatcher"
	"github.com/go-laika/laika/pkg/laika/eventtype"
	"github.com/go-laika/laika/pkg/laika/laikaerr"
	"github.com/go-laika/laika/pkg/laika/script"
	"github.com/go-laika/laika/pkg/laika/sources"
	"github.com/go-laika/laika/pkg/laika/targets"
)

// buildEventTypes populates a Registry from a LaikaConfig's validated event
// type list.
func buildEventTypes(cfg *config.LaikaConfig) (*eventtype.Registry, error) {
	reg := eventtype.New()
	for _, et := range cfg.Events {
		if err := reg.Register(et); err != nil {
			return nil, &laikaerr.ConfigError{Field: "events." + et.Name, Message: err.Error()}
		}
	}
	return reg, nil
}

// compileRules compiles each rule's filter_extract script once at startup,
// so a syntax error in a rule fails the run before any event is ingested
// rather than on first fire.
func compileRules(cfg *config.LaikaConfig) ([]dispatcher.CompiledRule, error) {
	out := make([]dispatcher.CompiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		var compiled *script.Compiled
		if rule.FilterExtract != "" {
			c, err := script.Compile(rule.ID, rule.FilterExtract)
			if err != nil {
				return nil, &laikaerr.ConfigError{Field: "triggers." + rule.ID + ".filterAndExtract", Message: err.Error()}
			}
			compiled = c
		}
		out = append(out, dispatcher.CompiledRule{Rule: rule, Script: compiled})
	}
	return out, nil
}

// buildTargets constructs one concrete Target per configured target entry.
// "stdout" and "http" are the only reference kinds shipped; anything else
// is a ConfigError, since an unroutable action would only surface as a
// runtime delivery failure otherwise.
func buildTargets(cfg *config.LaikaConfig) (map[string]targets.Target, error) {
	out := make(map[string]targets.Target, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		switch tc.Kind {
		case "stdout":
			out[tc.Name] = targets.NewStdoutTarget(tc.Name, os.Stdout)
		case "http":
			url := tc.Settings.String("url", "")
			if url == "" {
				return nil, &laikaerr.ConfigError{Field: "targets." + tc.Name + ".url", Message: "url is required for an http target"}
			}
			headers := map[string]string{}
			if raw, ok := tc.Settings.Any("headers", nil).(map[string]any); ok {
				for k, v := range raw {
					headers[k] = fmt.Sprintf("%v", v)
				}
			}
			out[tc.Name] = targets.NewHTTPTarget(tc.Name, url, headers)
		default:
			return nil, &laikaerr.ConfigError{Field: "targets." + tc.Name + ".kind", Message: "unknown target kind " + tc.Kind}
		}
	}
	return out, nil
}

// buildSources constructs one Source per configured source entry. "file"
// is the only reference connector shipped; real-world connectors live
// outside the engine core.
func buildSources(cfg *config.LaikaConfig) ([]sources.Source, error) {
	out := make([]sources.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		switch sc.Kind {
		case "file":
			path := sc.Settings.String("path", "")
			if path == "" {
				return nil, &laikaerr.ConfigError{Field: "sources." + sc.Name + ".path", Message: "path is required for a file source"}
			}
			out = append(out, sources.NewFileSource(sc.Name, path))
		default:
			return nil, &laikaerr.ConfigError{Field: "sources." + sc.Name + ".kind", Message: "unknown source kind " + sc.Kind}
		}
	}
	return out, nil
}
