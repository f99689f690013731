package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/roach88/strata/internal/config"
	"github.com/roach88/strata/internal/engine"
	"github.com/roach88/strata/internal/record"
	"github.com/roach88/strata/internal/store"
)

// runtime is an open database with an orchestrator and the configured
// models registered.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	orch   *engine.Orchestrator
	models map[string]*record.Model
}

// loadConfig reads the config file and applies the global flags.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, cfg.Validate()
}

// requireDatabase fails when the database file does not exist yet.
func requireDatabase(path string) error {
	if _, err := os.Stat(path); err != nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", path))
	}
	return nil
}

// openRuntime opens the database and registers the configured models.
// Logs go to logOut. Without create, a missing database file is an error.
// Failures are ExitErrors with ExitCommandError.
func openRuntime(ctx context.Context, opts *RootOptions, logOut io.Writer, create bool) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if !create {
		if err := requireDatabase(cfg.Database.Path); err != nil {
			return nil, err
		}
	}
	logger, err := cfg.NewLogger(logOut)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	models, err := cfg.BuildModels(logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build models", err)
	}

	logger.Debug("opening database", "path", cfg.Database.Path, "driver", cfg.Database.Driver)
	st, err := store.Open(cfg.Database.Path, cfg.StoreOptions(logger)...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	orch, err := engine.New(ctx, store.NewEventStore(st), cfg.EngineOptions(logger)...)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start orchestrator", err)
	}

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		store:  st,
		orch:   orch,
		models: make(map[string]*record.Model, len(models)),
	}
	registered := make([]engine.Model, 0, len(models))
	for _, m := range models {
		registered = append(registered, m)
		rt.models[m.Name()] = m
	}
	if err := orch.Register(ctx, registered...); err != nil {
		_ = rt.Close()
		return nil, WrapExitError(ExitCommandError, "failed to register models", err)
	}
	return rt, nil
}

// Close stops the orchestrator and closes the database.
func (rt *runtime) Close() error {
	return errors.Join(rt.orch.Close(), rt.store.Close())
}

// model looks up a configured model by name.
func (rt *runtime) model(name string) (*record.Model, error) {
	m, ok := rt.models[name]
	if !ok {
		return nil, fmt.Errorf("unknown model %q (configured: %v)", name, rt.modelNames())
	}
	return m, nil
}

// modelNames returns the configured model names in sorted order.
func (rt *runtime) modelNames() []string {
	return sortedKeys(rt.models)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
