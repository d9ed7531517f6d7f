// Package config loads docbind settings from a TOML file and DOCBIND_*
// environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOCBIND_"

type Config struct {
	// DSN names the database, builtin://<name>.
	DSN      string         `toml:"dsn" env:"DSN"`
	Debug    bool           `toml:"debug" env:"DEBUG"`
	Storage  StorageConfig  `toml:"storage" envPrefix:"STORAGE_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
	Dispatch DispatchConfig `toml:"dispatch" envPrefix:"DISPATCH_"`
	Engine   EngineConfig   `toml:"engine" envPrefix:"ENGINE_"`
}

// StorageConfig controls persistence. An empty Path keeps the database in
// memory.
type StorageConfig struct {
	Path            string `toml:"path" env:"PATH"`
	NoSync          bool   `toml:"no_sync" env:"NO_SYNC"`
	CheckpointBytes int64  `toml:"checkpoint_bytes" env:"CHECKPOINT_BYTES"`
}

type LogConfig struct {
	Level string `toml:"level" env:"LEVEL"`
	// Format is "json" or "console".
	Format string `toml:"format" env:"FORMAT"`
	// Engine forwards engine log output to the binding logger.
	Engine bool `toml:"engine" env:"ENGINE"`
}

type DispatchConfig struct {
	// AsyncWorkers bounds concurrently running async calls.
	AsyncWorkers int64 `toml:"async_workers" env:"ASYNC_WORKERS"`
	// Timeout applies to calls whose context has no deadline. Zero waits
	// forever.
	Timeout time.Duration `toml:"timeout" env:"TIMEOUT"`
	// TxFlushBytes is the staged size at which a transaction hands its
	// batch to the engine before commit.
	TxFlushBytes int `toml:"tx_flush_bytes" env:"TX_FLUSH_BYTES"`
}

type EngineConfig struct {
	GCInterval time.Duration `toml:"gc_interval" env:"GC_INTERVAL"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DSN: "builtin://docbind",
		Storage: StorageConfig{
			CheckpointBytes: 64 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Dispatch: DispatchConfig{
			AsyncWorkers: 64,
			TxFlushBytes: 1 << 20,
		},
		Engine: EngineConfig{
			GCInterval: 30 * time.Second,
		},
	}
}

// Load reads path, when set, over the defaults and then applies
// environment overrides.
func Load(path string) (Config, error) {
	return load(path, nil)
}

// load is Load with an explicit environment; nil means the process one.
func load(path string, environ map[string]string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.DSN, "builtin://") || len(c.DSN) == len("builtin://") {
		errs = append(errs, fmt.Errorf("dsn %q: want builtin://<name>", c.DSN))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Dispatch.AsyncWorkers < 1 {
		errs = append(errs, fmt.Errorf("dispatch.async_workers must be positive, got %d", c.Dispatch.AsyncWorkers))
	}
	if c.Dispatch.Timeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.timeout must not be negative"))
	}
	if c.Dispatch.TxFlushBytes < 0 {
		errs = append(errs, fmt.Errorf("dispatch.tx_flush_bytes must not be negative"))
	}
	if c.Storage.CheckpointBytes < 0 {
		errs = append(errs, fmt.Errorf("storage.checkpoint_bytes must not be negative"))
	}
	if c.Engine.GCInterval < 0 {
		errs = append(errs, fmt.Errorf("engine.gc_interval must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel checks a log level name.
func ParseLevel(s string) (string, error) {
	switch l := strings.ToLower(strings.TrimSpace(s)); l {
	case "debug", "info", "warn", "error":
		return l, nil
	}
	return "", fmt.Errorf("log.level %q: want debug, info, warn or error", s)
}
