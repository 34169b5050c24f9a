package mnemo

import (
	"github.com/mnemo-ai/mnemo/config"
	"github.com/mnemo-ai/mnemo/engine"
)

// New assembles an engine with the default configuration: in-memory
// backends for all three tiers. Maintenance loops are started; the caller
// owns Shutdown.
func New() (*engine.Engine, error) {
	return build(config.Default(), config.BuildOptions{})
}

// Open loads a YAML configuration file, assembles the engine it
// describes, and starts its maintenance loops.
//
// Example:
//
//	eng, err := mnemo.Open("/etc/mnemo/mnemo.yaml", config.BuildOptions{
//	    Logger: logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Shutdown(context.Background())
func Open(path string, opts config.BuildOptions) (*engine.Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return build(cfg, opts)
}

func build(cfg *config.Config, opts config.BuildOptions) (*engine.Engine, error) {
	eng, err := cfg.Build(opts)
	if err != nil {
		return nil, err
	}
	if err := eng.Start(); err != nil {
		return nil, err
	}
	return eng, nil
}
