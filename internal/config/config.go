// Package config holds the codegraph configuration file model.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/southerncoder/codegraph-sub000/internal/extract"
	"github.com/southerncoder/codegraph-sub000/internal/frameworks"
	"github.com/southerncoder/codegraph-sub000/internal/ingestion"
	"github.com/southerncoder/codegraph-sub000/internal/lock"
	"github.com/southerncoder/codegraph-sub000/internal/resolver"
	"github.com/southerncoder/codegraph-sub000/internal/storage"
)

const (
	// StateDir is the per-repository state directory.
	StateDir = ".codegraph"

	FileName = "config.yaml"
	LockName = "sync.lock"
)

// Path returns the config file location for a repository root.
func Path(root string) string {
	return filepath.Join(root, StateDir, FileName)
}

// Config is the root of config.yaml.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Lock       LockConfig       `yaml:"lock"`
	Sync       SyncConfig       `yaml:"sync"`
	Frameworks FrameworksConfig `yaml:"frameworks"`
	Watch      WatchConfig      `yaml:"watch"`
}

// Validate validates every section.
func (c *Config) Validate() error {
	for _, v := range []Validator{&c.Storage, &c.Resolution, &c.Lock, &c.Sync, &c.Frameworks, &c.Watch} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type LogConfig struct {
	Level slog.Level `yaml:"level"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`

	// Path overrides the state directory. Relative paths are taken from the repository root.
	Path          string `yaml:"path"`
	NodeCacheSize int    `yaml:"node_cache_size"`
}

func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(storage.BackendSQLite, storage.BackendBadger)),
		validation.Field(&c.NodeCacheSize, validation.Min(0)),
	)
}

type ResolutionConfig struct {
	Ambiguity   string `yaml:"ambiguity"`
	Unresolved  string `yaml:"unresolved"`
	MaxAttempts int    `yaml:"max_attempts"`
	BatchSize   int    `yaml:"batch_size"`
}

func (c *ResolutionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Ambiguity, validation.Required,
			validation.In(string(resolver.BestEffort), string(resolver.FailClosed))),
		validation.Field(&c.Unresolved, validation.Required,
			validation.In(string(resolver.Retain), string(resolver.Drop), string(resolver.Retry))),
		validation.Field(&c.MaxAttempts, validation.Min(1)),
		validation.Field(&c.BatchSize, validation.Min(1)),
	)
}

type LockConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	StaleAfter time.Duration `yaml:"stale_after"`
	// Heartbeat defaults to StaleAfter/3 when zero.
	Heartbeat    time.Duration `yaml:"heartbeat"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c *LockConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Duration(0))),
		validation.Field(&c.StaleAfter, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.Heartbeat, validation.Min(time.Duration(0))),
		validation.Field(&c.PollInterval, validation.Min(time.Duration(0))),
	); err != nil {
		return err
	}
	if c.Heartbeat != 0 && c.Heartbeat >= c.StaleAfter {
		return fmt.Errorf("lock: heartbeat %s must be shorter than stale_after %s", c.Heartbeat, c.StaleAfter)
	}
	return nil
}

type SyncConfig struct {
	Include     []string `yaml:"include"`
	Exclude     []string `yaml:"exclude"`
	Workers     int      `yaml:"workers"`
	MaxFileSize int64    `yaml:"max_file_size"`
}

func (c *SyncConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Min(1)),
		validation.Field(&c.MaxFileSize, validation.Min(int64(1))),
	); err != nil {
		return err
	}
	var errs []error
	for _, p := range append(append([]string{}, c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("sync: invalid glob %q", p))
		}
	}
	return errors.Join(errs...)
}

type FrameworksConfig struct {
	// Disabled names framework units that are not registered.
	Disabled []string `yaml:"disabled"`
}

func (c *FrameworksConfig) Validate() error {
	known := frameworks.DefaultRegistry().Names()
	for _, name := range c.Disabled {
		if err := validation.Validate(name, validation.In(toAny(known)...)); err != nil {
			return fmt.Errorf("frameworks: unknown unit %q", name)
		}
	}
	return nil
}

type WatchConfig struct {
	Debounce    time.Duration `yaml:"debounce"`
	MinInterval time.Duration `yaml:"min_interval"`
}

func (c *WatchConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.Min(time.Duration(0))),
		validation.Field(&c.MinInterval, validation.Min(time.Duration(0))),
	)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: slog.LevelInfo},
		Storage: StorageConfig{
			Backend:       storage.BackendSQLite,
			NodeCacheSize: storage.DefaultNodeCacheSize,
		},
		Resolution: ResolutionConfig{
			Ambiguity:   string(resolver.BestEffort),
			Unresolved:  string(resolver.Retain),
			MaxAttempts: resolver.DefaultMaxAttempts,
			BatchSize:   resolver.DefaultBatchSize,
		},
		Lock: LockConfig{
			Timeout:      lock.DefaultTimeout,
			StaleAfter:   lock.DefaultStaleAfter,
			PollInterval: lock.DefaultPollInterval,
		},
		Sync: SyncConfig{
			Workers:     4,
			MaxFileSize: 1 << 20,
		},
		Watch: WatchConfig{
			Debounce:    300 * time.Millisecond,
			MinInterval: 2 * time.Second,
		},
	}
}

// LoadRepo returns the defaults overlaid with <root>/.codegraph/config.yaml if it exists.
func LoadRepo(root string) (*Config, error) {
	cfg := Default()
	if err := LoadOptional(Path(root), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StatePath returns the storage state directory for root.
func (c *Config) StatePath(root string) string {
	switch {
	case c.Storage.Path == "":
		return filepath.Join(root, StateDir)
	case filepath.IsAbs(c.Storage.Path):
		return c.Storage.Path
	default:
		return filepath.Join(root, c.Storage.Path)
	}
}

func (c *Config) StorageOptions(root string, logger *slog.Logger) storage.Options {
	return storage.Options{
		Backend:       c.Storage.Backend,
		Path:          c.StatePath(root),
		NodeCacheSize: c.Storage.NodeCacheSize,
		Logger:        logger,
	}
}

func (c *Config) ResolverOptions(logger *slog.Logger) resolver.Options {
	return resolver.Options{
		Ambiguity:   resolver.AmbiguityPolicy(c.Resolution.Ambiguity),
		Retention:   resolver.RetentionPolicy(c.Resolution.Unresolved),
		MaxAttempts: c.Resolution.MaxAttempts,
		BatchSize:   c.Resolution.BatchSize,
		Registry:    frameworks.DefaultRegistry(c.Frameworks.Disabled...),
		Logger:      logger,
	}
}

func (c *Config) LockOptions(root string, logger *slog.Logger) lock.Options {
	return lock.Options{
		Path:         filepath.Join(c.StatePath(root), LockName),
		Timeout:      c.Lock.Timeout,
		StaleAfter:   c.Lock.StaleAfter,
		Heartbeat:    c.Lock.Heartbeat,
		PollInterval: c.Lock.PollInterval,
		Logger:       logger,
	}
}

// ControllerOptions wires a sync controller for root over store and res.
func (c *Config) ControllerOptions(root string, store *storage.Store, res *resolver.Resolver, logger *slog.Logger) ingestion.Options {
	return ingestion.Options{
		Root:        root,
		Store:       store,
		Resolver:    res,
		Registry:    extract.DefaultRegistry(),
		Lock:        c.LockOptions(root, logger),
		Include:     c.Sync.Include,
		Exclude:     c.Sync.Exclude,
		Workers:     c.Sync.Workers,
		MaxFileSize: c.Sync.MaxFileSize,
		Logger:      logger,
	}
}

func (c *Config) WatchOptions() ingestion.WatchOptions {
	return ingestion.WatchOptions{
		Debounce:    c.Watch.Debounce,
		MinInterval: c.Watch.MinInterval,
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
