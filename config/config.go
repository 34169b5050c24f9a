// Package config provides loading and parsing of memory engine YAML
// configuration files, and assembly of a configured engine from one.
//
// Durations are Go duration strings ("30s", "5m"); invalid or absent
// values fall back to documented defaults rather than failing the load.
// Backend selection is per tier, so a deployment can run an in-memory
// recent tier over a Redis intermediate tier and a vector durable tier.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mnemo-ai/mnemo/policy"
)

// Config is the root of a memory engine configuration file.
type Config struct {
	Engine EngineConfig `yaml:"engine,omitempty"`

	Tiers TiersConfig `yaml:"tiers,omitempty"`

	Policy *PolicyConfig `yaml:"policy,omitempty"`
}

// EngineConfig holds scheduler and working-buffer settings.
type EngineConfig struct {
	// ConsolidateInterval is the period between consolidation cycles.
	// Format: Go duration string (e.g., "1m")
	// Default: 1m
	ConsolidateInterval string `yaml:"consolidate_interval,omitempty"`

	// DecayInterval is the period between decay passes.
	// Default: 30s
	DecayInterval string `yaml:"decay_interval,omitempty"`

	// RefreshInterval is the period between working-buffer refreshes.
	// Default: 15s
	RefreshInterval string `yaml:"refresh_interval,omitempty"`

	// ErrorBackoff is the wait after a failed maintenance pass.
	// Default: 5s
	ErrorBackoff string `yaml:"error_backoff,omitempty"`

	// ShutdownTimeout bounds the graceful shutdown wait.
	// Default: 10s
	ShutdownTimeout string `yaml:"shutdown_timeout,omitempty"`

	// BufferCapacity bounds the working buffer.
	// Default: 20
	BufferCapacity int `yaml:"buffer_capacity,omitempty"`

	// BufferMinRelevance drops buffer candidates scoring below it.
	BufferMinRelevance float64 `yaml:"buffer_min_relevance,omitempty"`
}

// TiersConfig configures the three tiers.
type TiersConfig struct {
	Recent       TierConfig `yaml:"recent,omitempty"`
	Intermediate TierConfig `yaml:"intermediate,omitempty"`
	Durable      TierConfig `yaml:"durable,omitempty"`
}

// TierConfig configures one tier's backend and retention policy.
type TierConfig struct {
	Backend BackendConfig `yaml:"backend,omitempty"`

	// Capacity bounds the number of live records. Zero means unbounded.
	Capacity int `yaml:"capacity,omitempty"`

	// DecayRate is the strength lost per second of elapsed decay time.
	DecayRate float64 `yaml:"decay_rate,omitempty"`

	// MinDecayRate is the decay rate used while the strain signal is
	// critical. Zero suspends decay in that state.
	MinDecayRate float64 `yaml:"min_decay_rate,omitempty"`

	// FloorStrength is the eviction floor for decayed records.
	FloorStrength float64 `yaml:"floor_strength,omitempty"`

	// BaseActivation is the consolidation threshold before strain
	// modulation.
	BaseActivation float64 `yaml:"base_activation,omitempty"`

	// Promote is a CEL expression gating promotion out of this tier,
	// e.g. `importance >= 0.6 || access_count >= 3`. Empty promotes
	// everything above the activation threshold.
	Promote string `yaml:"promote,omitempty"`
}

// BackendConfig selects and configures a tier's storage backend.
type BackendConfig struct {
	// Type is one of "inmem", "sqlite", "redis", "etcd", "chromem".
	// Default: inmem
	Type string `yaml:"type,omitempty"`

	// Path is the storage location for file-backed types (sqlite,
	// chromem).
	Path string `yaml:"path,omitempty"`

	// URL is the connection URL for redis.
	URL string `yaml:"url,omitempty"`

	// KeyPrefix namespaces keys for redis and etcd.
	KeyPrefix string `yaml:"key_prefix,omitempty"`

	// Endpoints lists etcd cluster endpoints.
	Endpoints []string `yaml:"endpoints,omitempty"`

	// Username and Password authenticate etcd connections.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// PolicyConfig overrides the destination classification policy.
type PolicyConfig struct {
	LongContentThreshold int      `yaml:"long_content_threshold,omitempty"`
	EpisodicTags         []string `yaml:"episodic_tags,omitempty"`
	SemanticTags         []string `yaml:"semantic_tags,omitempty"`
	TemporalKeys         []string `yaml:"temporal_keys,omitempty"`
	ConceptKeys          []string `yaml:"concept_keys,omitempty"`
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is supplied:
// in-memory backends with modest recent-tier capacity.
func Default() *Config {
	return &Config{
		Tiers: TiersConfig{
			Recent: TierConfig{
				Capacity:       100,
				BaseActivation: 0.5,
			},
			Intermediate: TierConfig{
				Capacity:       10000,
				DecayRate:      1e-5,
				MinDecayRate:   1e-7,
				FloorStrength:  0.05,
				BaseActivation: 0.7,
			},
			Durable: TierConfig{
				DecayRate: 1e-7,
			},
		},
	}
}

var backendTypes = map[string]bool{
	"":        true,
	"inmem":   true,
	"sqlite":  true,
	"redis":   true,
	"etcd":    true,
	"chromem": true,
}

// Validate checks the configuration for structural problems. Promote
// expressions are compiled so a typo fails at load, not mid-cycle.
func (c *Config) Validate() error {
	for name, tc := range map[string]TierConfig{
		"recent":       c.Tiers.Recent,
		"intermediate": c.Tiers.Intermediate,
		"durable":      c.Tiers.Durable,
	} {
		if !backendTypes[tc.Backend.Type] {
			return fmt.Errorf("config: tier %s: unknown backend type %q", name, tc.Backend.Type)
		}
		if tc.DecayRate < 0 || tc.MinDecayRate < 0 {
			return fmt.Errorf("config: tier %s: negative decay rate", name)
		}
		if tc.BaseActivation < 0 || tc.BaseActivation > 1 {
			return fmt.Errorf("config: tier %s: base_activation outside [0,1]", name)
		}
		if tc.FloorStrength < 0 || tc.FloorStrength > 1 {
			return fmt.Errorf("config: tier %s: floor_strength outside [0,1]", name)
		}
		if tc.Promote != "" {
			if _, err := policy.CompilePredicate(tc.Promote); err != nil {
				return fmt.Errorf("config: tier %s: %w", name, err)
			}
		}
	}
	return nil
}

// policyConfig converts to the policy package's configuration.
func (c *Config) policyConfig() policy.Config {
	if c.Policy == nil {
		return policy.Config{}
	}
	return policy.Config{
		LongContentThreshold: c.Policy.LongContentThreshold,
		EpisodicTags:         c.Policy.EpisodicTags,
		SemanticTags:         c.Policy.SemanticTags,
		TemporalKeys:         c.Policy.TemporalKeys,
		ConceptKeys:          c.Policy.ConceptKeys,
	}
}

func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetConsolidateInterval parses the consolidation interval, defaulting
// to one minute.
func (e EngineConfig) GetConsolidateInterval() time.Duration {
	return duration(e.ConsolidateInterval, time.Minute)
}

// GetDecayInterval parses the decay interval, defaulting to 30s.
func (e EngineConfig) GetDecayInterval() time.Duration {
	return duration(e.DecayInterval, 30*time.Second)
}

// GetRefreshInterval parses the buffer refresh interval, defaulting to
// 15s.
func (e EngineConfig) GetRefreshInterval() time.Duration {
	return duration(e.RefreshInterval, 15*time.Second)
}

// GetErrorBackoff parses the maintenance error backoff, defaulting to 5s.
func (e EngineConfig) GetErrorBackoff() time.Duration {
	return duration(e.ErrorBackoff, 5*time.Second)
}

// GetShutdownTimeout parses the shutdown timeout, defaulting to 10s.
func (e EngineConfig) GetShutdownTimeout() time.Duration {
	return duration(e.ShutdownTimeout, 10*time.Second)
}
