// Package config resolves node configuration from built-in defaults, a
// JSONC config file, and command-line flags, in ascending priority.
//
// Grounded on the teacher's pkg/config/config.go Load/ApplyToFlags,
// enriched with github.com/tidwall/jsonc so the file may use comments
// and trailing commas (spec.md's full JSON5 grammar is a named
// non-goal; JSONC is the pragmatic middle ground).
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// Load reads a JSONC config file and returns it as a map.
func Load(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg map[string]interface{}
	if err := json.Unmarshal(jsonc.ToJSON(raw), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyToFlags overrides flag defaults from config for any flag not
// explicitly set on the command line. Call this AFTER flag.Parse().
// Keys in the config can use either hyphens or underscores (e.g.
// "log-level" or "log_level" both match the -log-level flag).
func ApplyToFlags(cfg map[string]interface{}) {
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	flag.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			// Try underscore variant: log-level → log_level
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok {
			return
		}
		switch v := val.(type) {
		case string:
			f.Value.Set(v)
		case float64:
			f.Value.Set(fmt.Sprintf("%v", v))
		case bool:
			f.Value.Set(fmt.Sprintf("%v", v))
		}
	})
}
