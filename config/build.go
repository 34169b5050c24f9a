package config

import (
	"fmt"
	"log/slog"

	"github.com/mnemo-ai/mnemo/backend"
	"github.com/mnemo-ai/mnemo/backend/chromem"
	"github.com/mnemo-ai/mnemo/backend/etcdstore"
	"github.com/mnemo-ai/mnemo/backend/inmem"
	"github.com/mnemo-ai/mnemo/backend/redisstore"
	"github.com/mnemo-ai/mnemo/backend/sqlite"
	"github.com/mnemo-ai/mnemo/engine"
	"github.com/mnemo-ai/mnemo/policy"
	"github.com/mnemo-ai/mnemo/strain"
	"github.com/mnemo-ai/mnemo/telemetry"
	"github.com/mnemo-ai/mnemo/tier"
)

// BuildOptions supplies the runtime collaborators a configuration file
// cannot express.
type BuildOptions struct {
	// Strain supplies the external adjustment signal. Nil means a fixed
	// nominal signal.
	Strain strain.Provider

	// Logger receives engine logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics receives engine counters. Nil disables recording.
	Metrics *telemetry.Metrics
}

// Build assembles a configured engine. The engine is not started; call
// Start on the result. Backends opened before a later tier fails are
// closed.
func (c *Config) Build(opts BuildOptions) (*engine.Engine, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var opened []backend.Backend
	closeOpened := func() {
		for _, be := range opened {
			_ = be.Close()
		}
	}

	tiers := make([]*tier.Tier, 0, 3)
	for _, tc := range []struct {
		level tier.Level
		cfg   TierConfig
	}{
		{tier.Recent, c.Tiers.Recent},
		{tier.Intermediate, c.Tiers.Intermediate},
		{tier.Durable, c.Tiers.Durable},
	} {
		be, err := openBackend(tc.level, tc.cfg.Backend)
		if err != nil {
			closeOpened()
			return nil, fmt.Errorf("config: %s tier: %w", tc.level, err)
		}
		opened = append(opened, be)

		var promote policy.Predicate
		if tc.cfg.Promote != "" {
			promote, err = policy.CompilePredicate(tc.cfg.Promote)
			if err != nil {
				closeOpened()
				return nil, fmt.Errorf("config: %s tier: %w", tc.level, err)
			}
		}

		tiers = append(tiers, tier.New(tc.level, be, tier.Config{
			Capacity:       tc.cfg.Capacity,
			DecayRate:      tc.cfg.DecayRate,
			MinDecayRate:   tc.cfg.MinDecayRate,
			FloorStrength:  tc.cfg.FloorStrength,
			BaseActivation: tc.cfg.BaseActivation,
			Promote:        promote,
		}))
	}

	eng, err := engine.New(tiers[0], tiers[1], tiers[2], engine.Options{
		ConsolidateInterval: c.Engine.GetConsolidateInterval(),
		DecayInterval:       c.Engine.GetDecayInterval(),
		RefreshInterval:     c.Engine.GetRefreshInterval(),
		ErrorBackoff:        c.Engine.GetErrorBackoff(),
		ShutdownTimeout:     c.Engine.GetShutdownTimeout(),
		BufferCapacity:      c.Engine.BufferCapacity,
		BufferMinRelevance:  c.Engine.BufferMinRelevance,
		Policy:              c.policyConfig(),
		Strain:              opts.Strain,
		Logger:              opts.Logger,
		Metrics:             opts.Metrics,
	})
	if err != nil {
		closeOpened()
		return nil, err
	}
	return eng, nil
}

func openBackend(level tier.Level, bc BackendConfig) (backend.Backend, error) {
	switch bc.Type {
	case "", "inmem":
		return inmem.New(), nil

	case "sqlite":
		if bc.Path == "" {
			return nil, fmt.Errorf("sqlite backend requires a path")
		}
		return sqlite.New(bc.Path)

	case "redis":
		prefix := bc.KeyPrefix
		if prefix == "" {
			prefix = "mnemo:" + level.String()
		}
		return redisstore.New(redisstore.Options{
			URL:       bc.URL,
			KeyPrefix: prefix,
		})

	case "etcd":
		prefix := bc.KeyPrefix
		if prefix == "" {
			prefix = "mnemo/" + level.String()
		}
		return etcdstore.New(etcdstore.Options{
			Endpoints: bc.Endpoints,
			KeyPrefix: prefix,
			Username:  bc.Username,
			Password:  bc.Password,
		})

	case "chromem":
		return chromem.New(chromem.Options{
			Path:       bc.Path,
			Collection: "mnemo-" + level.String(),
		})

	default:
		return nil, fmt.Errorf("unknown backend type %q", bc.Type)
	}
}
