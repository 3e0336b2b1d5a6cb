// Package omnidb provides the top-level entry point for the cross-engine
// database coordination layer: one call wires the pool manager,
// transaction manager, query optimizer, monitor and event bus together.
//
// Usage:
//
//	import "github.com/BaSui01/omnidb"
//
//	db, err := omnidb.New(
//	    omnidb.WithConfigFile("omnidb.yaml"),
//	    omnidb.WithEngine("cache", types.KindKeyValue,
//	        []types.Capability{types.CapKeyValue}, redisdb.New("localhost:6379", nil)),
//	)
package omnidb

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/omnidb/config"
	"github.com/BaSui01/omnidb/coordinator"
	"github.com/BaSui01/omnidb/engine"
	"github.com/BaSui01/omnidb/types"
)

// Option configures the coordinator created by [New].
type Option func(*options)

type options struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	registerer prometheus.Registerer
	engines    []coordinator.EngineSpec
	observers  []types.Observer
}

// WithConfig uses a pre-built configuration, skipping file and env loading.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithConfigFile loads configuration from a YAML file, with OMNIDB_*
// environment overrides applied on top.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithLogger sets a custom zap logger. Defaults to one built from the Log
// config section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer sets the Prometheus registry for the metric collectors.
// Defaults to unregistered collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithEngine registers an engine during startup.
func WithEngine(id string, kind types.DatabaseKind, caps []types.Capability, adapter engine.Adapter) Option {
	return func(o *options) {
		o.engines = append(o.engines, coordinator.EngineSpec{
			ID:           id,
			Kind:         kind,
			Capabilities: caps,
			Adapter:      adapter,
		})
	}
}

// WithEngineSpec registers an engine with full pool bounds and weight.
func WithEngineSpec(spec coordinator.EngineSpec) Option {
	return func(o *options) { o.engines = append(o.engines, spec) }
}

// WithObserver subscribes an observer to the event bus during startup.
func WithObserver(obs types.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// New builds a fully wired coordinator. Engines registered through options
// are connected before New returns; a failing registration shuts the
// coordinator down and surfaces the error.
func New(opts ...Option) (*coordinator.Coordinator, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.cfg
	if cfg == nil {
		loader := config.NewLoader()
		if o.configPath != "" {
			loader = loader.WithConfigPath(o.configPath)
		}
		loaded, err := loader.Load()
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := o.logger
	if logger == nil {
		built, err := config.BuildLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		logger = built
	}

	c := coordinator.New(cfg, o.registerer, logger)
	for _, obs := range o.observers {
		c.Subscribe(obs)
	}

	for _, spec := range o.engines {
		if err := c.RegisterEngine(context.Background(), spec); err != nil {
			_ = c.Shutdown(context.Background())
			return nil, fmt.Errorf("registering engine %s: %w", spec.ID, err)
		}
	}
	return c, nil
}
