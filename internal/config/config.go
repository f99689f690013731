// Package config loads strata configuration from a YAML file and the
// environment.
//
// Values are resolved in order: built-in defaults, the YAML file, then
// STRATA_* environment variables. For example STRATA_DATABASE_PATH
// overrides database.path and STRATA_ENGINE_RETRY_BUDGET overrides
// engine.retry_budget.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/strata/internal/engine"
	"github.com/roach88/strata/internal/queryir"
	"github.com/roach88/strata/internal/record"
	"github.com/roach88/strata/internal/store"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "STRATA_"

// Auto id strategies for record models.
const (
	AutoIDInt  = "int"
	AutoIDUUID = "uuid"
	AutoIDNone = "none"
)

// Config is the complete strata configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database" envPrefix:"DATABASE_"`
	Engine   EngineConfig   `yaml:"engine" envPrefix:"ENGINE_"`
	Log      LogConfig      `yaml:"log" envPrefix:"LOG_"`
	Models   []ModelConfig  `yaml:"models"`
}

// DatabaseConfig selects the SQLite file and driver.
type DatabaseConfig struct {
	Path      string `yaml:"path" env:"PATH"`
	Driver    string `yaml:"driver" env:"DRIVER"`
	ReadConns int    `yaml:"read_conns" env:"READ_CONNS"`
}

// EngineConfig tunes the orchestrator and the event store.
type EngineConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	RetryBudget    int           `yaml:"retry_budget" env:"RETRY_BUDGET"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	BusyRetries    int           `yaml:"busy_retries" env:"BUSY_RETRIES"`
	RecursionLimit int           `yaml:"recursion_limit" env:"RECURSION_LIMIT"`
	MaxSubEvents   int           `yaml:"max_sub_events" env:"MAX_SUB_EVENTS"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// ModelConfig declares a record model.
type ModelConfig struct {
	Name     string `yaml:"name"`
	IDColumn string `yaml:"id_column"`
	AutoID   string `yaml:"auto_id"`
	Schema   string `yaml:"schema"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Path:      "strata.db",
			Driver:    store.DriverMattn,
			ReadConns: 4,
		},
		Engine: EngineConfig{
			PollInterval:   time.Second,
			RetryBudget:    engine.DefaultRetryBudget,
			RetryBackoff:   engine.DefaultRetryBackoff,
			BusyRetries:    5,
			RecursionLimit: engine.DefaultRecursionLimit,
			MaxSubEvents:   engine.DefaultMaxSubEvents,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path (optional when empty), applies the
// environment and validates the result. Relative schema paths are resolved
// against the directory of the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so typos don't pass silently.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg with the STRATA_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) resolvePaths(dir string) {
	for i := range c.Models {
		if s := c.Models[i].Schema; s != "" && !filepath.IsAbs(s) {
			c.Models[i].Schema = filepath.Join(dir, s)
		}
	}
}

// Validate reports every problem in the configuration.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Database.Path == "" {
		add("database.path is required")
	}
	if c.Database.Path == ":memory:" {
		add("database.path must name a file")
	}
	switch c.Database.Driver {
	case store.DriverMattn, store.DriverModernc:
	default:
		add("database.driver %q: must be %q or %q", c.Database.Driver, store.DriverMattn, store.DriverModernc)
	}
	if c.Database.ReadConns < 1 {
		add("database.read_conns must be at least 1")
	}

	if c.Engine.PollInterval <= 0 {
		add("engine.poll_interval must be positive")
	}
	if c.Engine.RetryBudget < 0 {
		add("engine.retry_budget must not be negative")
	}
	if c.Engine.RetryBackoff < 0 {
		add("engine.retry_backoff must not be negative")
	}
	if c.Engine.BusyRetries < 0 {
		add("engine.busy_retries must not be negative")
	}
	if c.Engine.RecursionLimit < 1 {
		add("engine.recursion_limit must be at least 1")
	}
	if c.Engine.MaxSubEvents < 1 {
		add("engine.max_sub_events must be at least 1")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format %q: must be text or json", c.Log.Format)
	}

	seen := make(map[string]bool)
	for i, m := range c.Models {
		switch {
		case m.Name == "":
			add("models[%d]: name is required", i)
		case !queryir.ValidIdent(m.Name):
			add("models[%d]: invalid name %q", i, m.Name)
		case seen[m.Name]:
			add("models[%d]: duplicate model %q", i, m.Name)
		}
		seen[m.Name] = true
		if m.IDColumn != "" && !queryir.ValidIdent(m.IDColumn) {
			add("models[%d]: invalid id_column %q", i, m.IDColumn)
		}
		switch m.AutoID {
		case "", AutoIDInt, AutoIDUUID, AutoIDNone:
		default:
			add("models[%d]: auto_id %q: must be int, uuid or none", i, m.AutoID)
		}
	}
	return errors.Join(errs...)
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return level, nil
}

// NewLogger builds the logger described by the log section.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// StoreOptions returns the store options for the configuration.
func (c Config) StoreOptions(logger *slog.Logger) []store.Option {
	return []store.Option{
		store.WithDriver(c.Database.Driver),
		store.WithReadConns(c.Database.ReadConns),
		store.WithPollInterval(c.Engine.PollInterval),
		store.WithBusyRetries(c.Engine.BusyRetries),
		store.WithLogger(logger),
	}
}

// EngineOptions returns the orchestrator options for the configuration.
func (c Config) EngineOptions(logger *slog.Logger) []engine.Option {
	return []engine.Option{
		engine.WithLogger(logger),
		engine.WithRetryBudget(c.Engine.RetryBudget),
		engine.WithRetryBackoff(c.Engine.RetryBackoff),
		engine.WithRecursionLimit(c.Engine.RecursionLimit),
		engine.WithMaxSubEvents(c.Engine.MaxSubEvents),
	}
}

// RecordOptions translates the model declaration into record options.
func (m ModelConfig) RecordOptions() ([]record.Option, error) {
	var opts []record.Option
	if m.IDColumn != "" {
		opts = append(opts, record.WithIDColumn(m.IDColumn))
	}
	switch m.AutoID {
	case AutoIDUUID:
		opts = append(opts, record.WithIDGenerator(record.UUIDv7Generator{}))
	case AutoIDNone:
		opts = append(opts, record.WithoutAutoID())
	}
	if m.Schema != "" {
		schema, err := record.LoadSchemaFile(m.Name, m.Schema)
		if err != nil {
			return nil, err
		}
		opts = append(opts, record.WithSchema(schema))
	}
	return opts, nil
}

// BuildModels creates the declared record models.
func (c Config) BuildModels(logger *slog.Logger) ([]*record.Model, error) {
	models := make([]*record.Model, 0, len(c.Models))
	for _, mc := range c.Models {
		opts, err := mc.RecordOptions()
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", mc.Name, err)
		}
		m, err := record.New(mc.Name, append(opts, record.WithLogger(logger))...)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}
