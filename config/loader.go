package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/ofsaga/errors"
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers    []string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "OFSAGA",
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges the defaults, every layer and the environment overrides.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadRaw reads a JSON or YAML layer as a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
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

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies PREFIX_SECTION_FIELD environment variables.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"NATS_USERNAME":          &cfg.NATS.Username,
		"NATS_PASSWORD":          &cfg.NATS.Password,
		"NATS_TOKEN":             &cfg.NATS.Token,
		"STORAGE_MODE":           &cfg.Storage.Mode,
		"SUBJECTS_REQUESTS":      &cfg.Subjects.Requests,
		"SUBJECTS_NOTIFICATIONS": &cfg.Subjects.Notifications,
	}
	ints := map[string]*int{
		"SAGA_RETRY_LIMIT":   &cfg.Saga.RetryLimit,
		"WORKERS_PARTITIONS": &cfg.Workers.Partitions,
		"WORKERS_QUEUE_SIZE": &cfg.Workers.QueueSize,
	}
	durations := map[string]*Duration{
		"SAGA_COMMAND_TIMEOUT": &cfg.Saga.CommandTimeout,
	}
	bools := map[string]*bool{
		"FEATURES_FLOWS_REROUTE_ENABLED":  &cfg.Features.FlowsRerouteEnabled,
		"FEATURES_Y_FLOW_CREATE_ENABLED":  &cfg.Features.YFlowCreateEnabled,
		"FEATURES_Y_FLOW_REROUTE_ENABLED": &cfg.Features.YFlowRerouteEnabled,
		"FEATURES_LAG_ENABLED":            &cfg.Features.LagEnabled,
	}

	if val, ok := l.env("NATS_URLS"); ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	for name, dst := range strs {
		if val, ok := l.env(name); ok {
			*dst = val
		}
	}
	for name, dst := range ints {
		if val, ok := l.env(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				return l.envError(name, err)
			}
			*dst = n
		}
	}
	for name, dst := range durations {
		if val, ok := l.env(name); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				return l.envError(name, err)
			}
			*dst = Duration(d)
		}
	}
	for name, dst := range bools {
		if val, ok := l.env(name); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return l.envError(name, err)
			}
			*dst = b
		}
	}
	return nil
}

// env returns a validated, non-empty override.
func (l *Loader) env(name string) (string, bool) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false
	}
	return val, true
}

func (l *Loader) envError(name string, err error) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s_%s: %v", errors.ErrInvalidConfig, l.envPrefix, name, err),
		"Loader", "applyEnvOverrides", "parse environment override")
}
