package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/fedstream/errors"
)

// durationKeys names the settings decoded from duration strings.
var durationKeys = map[string]bool{
	"connection_timeout":   true,
	"heartbeat_interval":   true,
	"reconnect_delay":      true,
	"idle_timeout":         true,
	"reap_interval":        true,
	"liveness_timeout":     true,
	"connect_timeout":      true,
	"reconnect_interval":   true,
	"poll_interval":        true,
	"debounce":             true,
	"deduplication_window": true,
	"timeout":              true,
}

// Loader builds a Config from defaults, file layers and the environment.
type Loader struct {
	layers     []string
	validation bool
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{validation: true}
}

// AddLayer appends a file merged over the previous layers.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation toggles validation of the final configuration.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads a single file over the defaults.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges every layer over the defaults, applies the environment and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		layer, err := loadRaw(path)
		if err != nil {
			return nil, err
		}
		merged = deepMerge(merged, layer)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "encode merged layers")
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"config", "Load", "decode merged layers")
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Load reads a single JSON or YAML file over the defaults.
func Load(path string) (*Config, error) {
	return NewLoader().LoadFile(path)
}

// loadRaw reads one layer into a generic map with durations converted to
// nanoseconds.
func loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err == nil {
		err = checkNesting(raw, 0)
	}
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"config", "Load", "parse "+path)
	}

	if err := parseDurations(raw); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
			"config", "Load", "parse durations")
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// deepMerge merges override into base. Nested maps merge key by key,
// anything else in override replaces the base value.
func deepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if baseSub, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(baseSub, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// parseDurations replaces duration strings under durationKeys, at any
// depth, with their value in nanoseconds. Numbers are taken as
// nanoseconds already.
func parseDurations(m map[string]any) error {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case string:
			if !durationKeys[k] {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			m[k] = int64(d)
		}
	}
	return nil
}

// parseDurationWithDays extends time.ParseDuration with a whole-day
// suffix such as "7d".
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
