package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/c360/ofsaga/errors"
	"github.com/c360/ofsaga/model"
	"github.com/c360/ofsaga/resources"
	"github.com/c360/ofsaga/swmanager"
)

// Storage mode constants
const (
	StorageModeMemory = "memory" // process local, lost on restart
	StorageModeKV     = "kv"     // NATS JetStream KV buckets
)

// Duration is a time.Duration written as a string such as "30s" in config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the complete daemon configuration.
type Config struct {
	NATS      NATSConfig           `json:"nats" yaml:"nats"`
	Subjects  SubjectsConfig       `json:"subjects" yaml:"subjects"`
	Saga      SagaConfig           `json:"saga" yaml:"saga"`
	Workers   WorkersConfig        `json:"workers" yaml:"workers"`
	Resources ResourcesConfig      `json:"resources" yaml:"resources"`
	Storage   StorageConfig        `json:"storage" yaml:"storage"`
	Features  model.FeatureToggles `json:"features" yaml:"features"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`
	TLSCert       string   `json:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey        string   `json:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	TLSCA         string   `json:"tls_ca,omitempty" yaml:"tls_ca,omitempty"`
}

// SubjectsConfig names the NATS subjects of the daemon.
type SubjectsConfig struct {
	Requests      string `json:"requests" yaml:"requests"`
	Responses     string `json:"responses" yaml:"responses"`
	Commands      string `json:"commands" yaml:"commands"`
	Notifications string `json:"notifications" yaml:"notifications"`
	Lifecycle     string `json:"lifecycle" yaml:"lifecycle"`
	History       string `json:"history" yaml:"history"`
}

// SagaConfig bounds command dispatch.
type SagaConfig struct {
	RetryLimit        int      `json:"retry_limit" yaml:"retry_limit"`
	CommandTimeout    Duration `json:"command_timeout" yaml:"command_timeout"`
	MaxParallelSends  int      `json:"max_parallel_sends" yaml:"max_parallel_sends"`
	CommandsPerSecond float64  `json:"commands_per_second" yaml:"commands_per_second"`
	CommandBurst      int      `json:"command_burst" yaml:"command_burst"`
}

// WorkersConfig sizes the partitioned worker pool.
type WorkersConfig struct {
	Partitions int `json:"partitions" yaml:"partitions"`
	QueueSize  int `json:"queue_size" yaml:"queue_size"`
}

// ResourcesConfig holds the id ranges and switch port numbering.
type ResourcesConfig struct {
	MeterMin            uint32 `json:"meter_min" yaml:"meter_min"`
	MeterMax            uint32 `json:"meter_max" yaml:"meter_max"`
	LagPortOffset       uint32 `json:"lag_port_offset" yaml:"lag_port_offset"`
	LagPortMax          uint32 `json:"lag_port_max" yaml:"lag_port_max"`
	BfdDiscriminatorMin uint32 `json:"bfd_discriminator_min" yaml:"bfd_discriminator_min"`
	BfdDiscriminatorMax uint32 `json:"bfd_discriminator_max" yaml:"bfd_discriminator_max"`
	BfdPortOffset       int    `json:"bfd_port_offset" yaml:"bfd_port_offset"`
	BfdPortMaxNumber    int    `json:"bfd_port_max_number" yaml:"bfd_port_max_number"`
}

// Pools returns the resource manager ranges.
func (r ResourcesConfig) Pools() resources.Config {
	return resources.Config{
		Meters:            resources.Range{Min: r.MeterMin, Max: r.MeterMax},
		LagPorts:          resources.Range{Min: r.LagPortOffset, Max: r.LagPortMax},
		BfdDiscriminators: resources.Range{Min: r.BfdDiscriminatorMin, Max: r.BfdDiscriminatorMax},
	}
}

// Switches returns the switch saga numbering.
func (r ResourcesConfig) Switches() swmanager.Config {
	return swmanager.Config{BfdPortOffset: r.BfdPortOffset, BfdPortMaxNumber: r.BfdPortMaxNumber}
}

// StorageConfig selects where entities, resource pools and history live.
type StorageConfig struct {
	Mode            string   `json:"mode" yaml:"mode"`
	FlowsBucket     string   `json:"flows_bucket" yaml:"flows_bucket"`
	YFlowsBucket    string   `json:"y_flows_bucket" yaml:"y_flows_bucket"`
	LagsBucket      string   `json:"lags_bucket" yaml:"lags_bucket"`
	BfdBucket       string   `json:"bfd_bucket" yaml:"bfd_bucket"`
	ResourcesBucket string   `json:"resources_bucket" yaml:"resources_bucket"`
	HistoryStream   string   `json:"history_stream" yaml:"history_stream"`
	HistoryMaxAge   Duration `json:"history_max_age" yaml:"history_max_age"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	pools := resources.DefaultConfig()
	switches := swmanager.DefaultConfig()
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Subjects: SubjectsConfig{
			Requests:      "ofsaga.requests",
			Responses:     "ofsaga.speaker.responses",
			Commands:      "ofsaga.speaker.commands",
			Notifications: "ofsaga.notifications",
			Lifecycle:     "ofsaga.lifecycle",
			History:       "ofsaga.history",
		},
		Saga: SagaConfig{
			RetryLimit:        3,
			CommandTimeout:    Duration(30 * time.Second),
			MaxParallelSends:  16,
			CommandsPerSecond: 500,
			CommandBurst:      100,
		},
		Workers: WorkersConfig{Partitions: 8, QueueSize: 1000},
		Resources: ResourcesConfig{
			MeterMin:            pools.Meters.Min,
			MeterMax:            pools.Meters.Max,
			LagPortOffset:       pools.LagPorts.Min,
			LagPortMax:          pools.LagPorts.Max,
			BfdDiscriminatorMin: pools.BfdDiscriminators.Min,
			BfdDiscriminatorMax: pools.BfdDiscriminators.Max,
			BfdPortOffset:       switches.BfdPortOffset,
			BfdPortMaxNumber:    switches.BfdPortMaxNumber,
		},
		Storage: StorageConfig{
			Mode:            StorageModeMemory,
			FlowsBucket:     "OFSAGA_FLOWS",
			YFlowsBucket:    "OFSAGA_YFLOWS",
			LagsBucket:      "OFSAGA_LAGS",
			BfdBucket:       "OFSAGA_BFD",
			ResourcesBucket: "OFSAGA_RESOURCES",
			HistoryStream:   "OFSAGA_HISTORY",
			HistoryMaxAge:   Duration(14 * 24 * time.Hour),
		},
		Features: model.AllFeatures(),
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "validate config")
	}

	if len(c.NATS.URLs) == 0 {
		return invalid("at least one NATS URL is required")
	}
	for _, url := range c.NATS.URLs {
		if !strings.HasPrefix(url, "nats://") && !strings.HasPrefix(url, "tls://") {
			return invalid("NATS URL %q must use nats:// or tls://", url)
		}
	}

	if (c.NATS.TLSCert == "") != (c.NATS.TLSKey == "") {
		return invalid("nats.tls_cert and nats.tls_key must be set together")
	}

	for name, subject := range map[string]string{
		"requests":      c.Subjects.Requests,
		"responses":     c.Subjects.Responses,
		"commands":      c.Subjects.Commands,
		"notifications": c.Subjects.Notifications,
		"lifecycle":     c.Subjects.Lifecycle,
		"history":       c.Subjects.History,
	} {
		if !isValidSubject(subject) {
			return invalid("subject %s %q is not a literal NATS subject", name, subject)
		}
	}

	if c.Saga.RetryLimit < 0 {
		return invalid("saga.retry_limit must not be negative")
	}
	if c.Saga.CommandTimeout < 0 {
		return invalid("saga.command_timeout must not be negative")
	}
	if c.Saga.CommandsPerSecond < 0 {
		return invalid("saga.commands_per_second must not be negative")
	}
	if c.Workers.Partitions <= 0 || c.Workers.QueueSize <= 0 {
		return invalid("workers.partitions and workers.queue_size must be positive")
	}

	if err := c.Resources.Pools().Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "validate resource ranges")
	}
	if err := c.Resources.Switches().Validate(); err != nil {
		return invalid("resources.bfd_port_offset and resources.bfd_port_max_number must be positive")
	}
	if c.Resources.BfdPortOffset+c.Resources.BfdPortMaxNumber >= int(c.Resources.LagPortOffset) {
		return invalid("BFD logical ports up to %d overlap LAG ports from %d",
			c.Resources.BfdPortOffset+c.Resources.BfdPortMaxNumber, c.Resources.LagPortOffset)
	}

	switch c.Storage.Mode {
	case StorageModeMemory:
	case StorageModeKV:
		for name, bucket := range map[string]string{
			"flows_bucket":     c.Storage.FlowsBucket,
			"y_flows_bucket":   c.Storage.YFlowsBucket,
			"lags_bucket":      c.Storage.LagsBucket,
			"bfd_bucket":       c.Storage.BfdBucket,
			"resources_bucket": c.Storage.ResourcesBucket,
			"history_stream":   c.Storage.HistoryStream,
		} {
			if bucket == "" {
				return invalid("storage.%s is required in kv mode", name)
			}
		}
	default:
		return invalid("storage.mode %q must be %s or %s", c.Storage.Mode, StorageModeMemory, StorageModeKV)
	}
	return nil
}

// isValidSubject reports whether s is a non-empty literal subject: dot
// separated non-empty tokens without wildcards or whitespace.
func isValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" || token == "*" || token == ">" {
			return false
		}
		for _, r := range token {
			if unicode.IsSpace(r) {
				return false
			}
		}
	}
	return true
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	return &clone
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, secret := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *secret != "" {
			*secret = "***"
		}
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
