// Package config loads the TOML file that describes a conversion project.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Limetric/dbferry/internal/dialect"
	"github.com/Limetric/dbferry/internal/model"
)

// Config holds the full TOML-driven project configuration.
type Config struct {
	Name      string                 `toml:"name"`
	Source    model.ConnectionConfig `toml:"source"`
	Target    model.ConnectionConfig `toml:"target"`
	Migration MigrationConfig        `toml:"migration"`
	Analysis  AnalysisConfig         `toml:"analysis"`
	Hints     HintsConfig            `toml:"hints"`
	Storage   StorageConfig          `toml:"storage"`
	Hooks     HooksConfig            `toml:"hooks"`
	Notify    NotifyConfig           `toml:"notify"`

	// dir is the directory containing the TOML file, used to resolve relative paths.
	dir string
}

// MigrationConfig tunes the executor and the stages after it.
type MigrationConfig struct {
	BatchSize                int           `toml:"batch_size"`
	Workers                  int           `toml:"workers"`
	MaxRetries               int           `toml:"max_retries"`
	RetryBackoff             time.Duration `toml:"retry_backoff"`
	BatchTimeout             time.Duration `toml:"batch_timeout"`
	DisableConstraints       bool          `toml:"disable_constraints"`
	TruncateBeforeLoad       bool          `toml:"truncate_before_load"`
	CreateCompatibilityLayer bool          `toml:"create_compatibility_layer"`
	Validate                 bool          `toml:"validate"`
	SampleSize               int           `toml:"sample_size"`
}

// AnalysisConfig selects what the analyzer introspects.
type AnalysisConfig struct {
	IncludeViews      bool     `toml:"include_views"`
	IncludeProcedures bool     `toml:"include_procedures"`
	IncludeTriggers   bool     `toml:"include_triggers"`
	TableFilter       []string `toml:"table_filter"`
}

// HintsConfig points at the optional sources of planning hints.
type HintsConfig struct {
	File         string        `toml:"file"`
	Endpoint     string        `toml:"endpoint"`
	APIKeyEnv    string        `toml:"api_key_env"`
	Timeout      time.Duration `toml:"timeout"`
	Instructions string        `toml:"instructions"`
}

// StorageConfig chooses where project state is kept. An empty path keeps it
// in memory for the lifetime of the process.
type StorageConfig struct {
	Path string `toml:"path"`
}

// HooksConfig lists SQL files run on the target around the data load.
type HooksConfig struct {
	Pre  []string `toml:"pre"`
	Post []string `toml:"post"`
}

// NotifyConfig configures event delivery beyond the log.
type NotifyConfig struct {
	Webhook string `toml:"webhook"`
}

// Load reads a TOML config file and returns a Config with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Config{
		Migration: MigrationConfig{
			BatchSize:    1000,
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
			Validate:     true,
			SampleSize:   100,
		},
		Analysis: AnalysisConfig{
			IncludeViews:      true,
			IncludeProcedures: true,
			IncludeTriggers:   true,
		},
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.dir = filepath.Dir(absPath)

	if cfg.Migration.Workers <= 0 {
		cfg.Migration.Workers = defaultWorkers()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &cfg, nil
}

var knownDialects = []model.Dialect{model.PostgreSQL, model.MySQL, model.SQLite, model.SQLServer, model.MongoDB}

func (c *Config) validate() error {
	for _, side := range []struct {
		name string
		conn *model.ConnectionConfig
	}{{"source", &c.Source}, {"target", &c.Target}} {
		if side.conn.Dialect == "" {
			return fmt.Errorf("%s.dialect is required", side.name)
		}
		side.conn.Dialect = dialect.Normalize(string(side.conn.Dialect))
		if !slices.Contains(knownDialects, side.conn.Dialect) {
			return fmt.Errorf("%s.dialect must be one of: postgres, mysql, sqlite, mssql, mongodb", side.name)
		}
		if side.conn.Dialect == model.SQLite {
			if side.conn.FilePath == "" && side.conn.DSN == "" {
				return fmt.Errorf("%s.file_path or %s.dsn is required for sqlite", side.name, side.name)
			}
			if side.conn.FilePath != "" && side.conn.FilePath != ":memory:" {
				side.conn.FilePath = c.ResolvePath(side.conn.FilePath)
			}
			continue
		}
		if side.conn.DSN == "" && side.conn.Host == "" {
			return fmt.Errorf("%s.dsn or %s.host is required", side.name, side.name)
		}
	}

	m := c.Migration
	switch {
	case m.BatchSize <= 0:
		return fmt.Errorf("migration.batch_size must be positive")
	case m.MaxRetries < 0:
		return fmt.Errorf("migration.max_retries must not be negative")
	case m.RetryBackoff <= 0:
		return fmt.Errorf("migration.retry_backoff must be positive")
	case m.BatchTimeout < 0:
		return fmt.Errorf("migration.batch_timeout must not be negative")
	case m.SampleSize < 0:
		return fmt.Errorf("migration.sample_size must not be negative")
	}
	if c.Migration.CreateCompatibilityLayer && c.Source.Dialect == model.MongoDB {
		return fmt.Errorf("migration.create_compatibility_layer is not supported for mongodb sources")
	}
	if c.Hints.APIKeyEnv != "" && c.Hints.Endpoint == "" {
		return fmt.Errorf("hints.api_key_env requires hints.endpoint")
	}
	if c.Hints.Timeout < 0 {
		return fmt.Errorf("hints.timeout must not be negative")
	}
	return nil
}

// ResolvePath resolves a path relative to the config file directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

// Options converts the file into project options. Hook files are read and
// split into statements here.
func (c *Config) Options() (model.ProjectOptions, error) {
	pre, err := c.loadScripts(c.Hooks.Pre, "pre")
	if err != nil {
		return model.ProjectOptions{}, err
	}
	post, err := c.loadScripts(c.Hooks.Post, "post")
	if err != nil {
		return model.ProjectOptions{}, err
	}
	m := c.Migration
	return model.ProjectOptions{
		BatchSize:                m.BatchSize,
		Workers:                  m.Workers,
		MaxRetries:               m.MaxRetries,
		RetryBackoff:             m.RetryBackoff,
		BatchTimeout:             m.BatchTimeout,
		DisableConstraints:       m.DisableConstraints,
		TruncateBeforeLoad:       m.TruncateBeforeLoad,
		CreateCompatibilityLayer: m.CreateCompatibilityLayer,
		Validate:                 m.Validate,
		SampleSize:               m.SampleSize,
		IncludeViews:             c.Analysis.IncludeViews,
		IncludeProcedures:        c.Analysis.IncludeProcedures,
		IncludeTriggers:          c.Analysis.IncludeTriggers,
		TableFilter:              slices.Clone(c.Analysis.TableFilter),
		HintInstructions:         c.Hints.Instructions,
		PreScripts:               pre,
		PostScripts:              post,
	}, nil
}

func defaultWorkers() int {
	return min(max(runtime.NumCPU(), 1), 8)
}
