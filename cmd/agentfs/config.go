package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"gopkg.in/yaml.v3"

	"github.com/mkarimi23/agentfs/compaction"
	"github.com/mkarimi23/agentfs/storage"
)

const defaultModel = "claude-sonnet-4-20250514"

// fileConfig is the YAML configuration file shape.
type fileConfig struct {
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`

	Store struct {
		Backend string `yaml:"backend"` // fs, sqlite or postgres
		Dir     string `yaml:"dir"`     // fs root
		Path    string `yaml:"path"`    // sqlite file
		URL     string `yaml:"url"`     // postgres connection URL
	} `yaml:"store"`

	Compaction struct {
		ThresholdBytes int64  `yaml:"threshold_bytes"`
		KeepTail       int    `yaml:"keep_tail"`
		Model          string `yaml:"model"`
	} `yaml:"compaction"`
}

// loadConfig reads the config file. A missing default file is not an
// error; an explicitly named one must exist.
func loadConfig(path string) (*fileConfig, error) {
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return defaultFileConfig(), nil
		}
		path = filepath.Join(home, ".agentfs.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return defaultFileConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultFileConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultFileConfig() *fileConfig {
	cfg := &fileConfig{Model: defaultModel}
	cfg.Store.Backend = "fs"
	cfg.Store.Dir = ".agentfs"
	cfg.Store.Path = "agentfs.db"
	return cfg
}

// applyFlags lets command-line flags override the file.
func (c *fileConfig) applyFlags() {
	if storeBackend != "" {
		c.Store.Backend = storeBackend
	}
	if storeDir != "" {
		c.Store.Dir = storeDir
	}
	if storePath != "" {
		c.Store.Path = storePath
	}
	if storeURL != "" {
		c.Store.URL = storeURL
	}
	if modelFlag != "" {
		c.Model = modelFlag
	}
	if c.Store.URL == "" {
		c.Store.URL = os.Getenv("DATABASE_URL")
	}
}

// compactionConfig builds the compaction overrides, nil when all default.
func (c *fileConfig) compactionConfig() *compaction.Config {
	if c.Compaction.ThresholdBytes == 0 && c.Compaction.KeepTail == 0 && c.Compaction.Model == "" {
		return nil
	}
	return &compaction.Config{
		ThresholdBytes:  c.Compaction.ThresholdBytes,
		KeepTail:        c.Compaction.KeepTail,
		SummarizerModel: c.Compaction.Model,
	}
}

// openStore constructs the configured backend. The returned cleanup func
// closes pool resources the store does not own.
func openStore(ctx context.Context, cfg *fileConfig) (storage.Store, func(), error) {
	switch cfg.Store.Backend {
	case "fs", "":
		store, err := storage.NewFSStore(cfg.Store.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	case "postgres":
		if cfg.Store.URL == "" {
			return nil, nil, fmt.Errorf("postgres backend needs store.url or DATABASE_URL")
		}
		pool, err := pgxpool.New(ctx, cfg.Store.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		store := storage.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Store.Backend)
	}
}
