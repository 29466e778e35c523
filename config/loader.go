package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/msakrejda/cartographer/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CARTOGRAPHER"

// durationSuffixes marks the keys whose string values are parsed as
// durations before decoding.
var durationSuffixes = []string{"_timeout", "_interval", "_wait"}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, file layers and environment overrides.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged configuration")
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads one layer into a map, choosing the decoder by extension.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readLayerFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := checkNesting(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds so they decode
// into time.Duration fields.
func parseDurations(data map[string]any) error {
	for key, value := range data {
		switch v := value.(type) {
		case map[string]any:
			if err := parseDurations(v); err != nil {
				return err
			}
		case string:
			if !isDurationKey(key) {
				continue
			}
			d, err := parseDurationWithDays(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			data[key] = d.Nanoseconds()
		}
	}
	return nil
}

func isDurationKey(key string) bool {
	for _, suffix := range durationSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// deepMergeMaps overlays override onto base. Nested maps merge key by key;
// every other value, lists included, replaces the base value.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if overrideMap, ok := v.(map[string]any); ok {
			if baseMap, ok := result[k].(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
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

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var firstErr error
	get := func(name string) string {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if err := checkEnvValue(key, val); err != nil {
			if firstErr == nil {
				firstErr = errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "read "+key)
			}
			return ""
		}
		return val
	}
	list := func(val string) []string {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}

	if val := get("PROXY_LISTEN"); val != "" {
		cfg.Proxy.Listen = val
	}
	if val := get("PROXY_TARGET"); val != "" {
		cfg.Proxy.Target = val
	}
	if val := get("PROXY_PUBLISH"); val != "" {
		cfg.Proxy.Publish = list(val)
	}
	if val := get("RELAY_LISTEN"); val != "" {
		cfg.Relay.Listen = val
	}
	if val := get("VIEWER_SOURCE"); val != "" {
		cfg.Viewer.Source = val
	}
	if val := get("VIEWER_URL"); val != "" {
		cfg.Viewer.WebSocket.URL = val
	}
	if val := get("VIEWER_POLICY"); val != "" {
		cfg.Viewer.Policy = val
	}
	if val := get("NATS_URLS"); val != "" {
		cfg.NATS.URLs = list(val)
	}
	if val := get("NATS_SUBJECT"); val != "" {
		cfg.NATS.Subject = val
	}
	if val := get("NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := get("METRICS_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil && firstErr == nil {
			firstErr = errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_METRICS_ENABLED")
		}
		cfg.Metrics.Enabled = enabled
	}
	if val := get("METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil && firstErr == nil {
			firstErr = errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "parse "+l.envPrefix+"_METRICS_PORT")
		}
		cfg.Metrics.Port = port
	}
	return firstErr
}
