// Package config loads the YAML configuration of the gojostore binary.
package config

import (
	"errors"
	"fmt"
	"os"

	storageengine "github.com/sushant-115/gojostore/core/storage_engine"
	"github.com/sushant-115/gojostore/core/storage_engine/backup"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file.
type Config struct {
	Engine    storageengine.Options `yaml:"engine"`
	Backup    backup.Options        `yaml:"backup"`
	Logger    logger.Config         `yaml:"logger"`
	Telemetry telemetry.Config      `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given. dir is the
// engine directory.
func Default(dir string) Config {
	return Config{
		Engine:    storageengine.DefaultOptions(dir),
		Logger:    logger.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults, so a file only needs the settings it
// changes. A missing file is an error; an empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default("")
	cfg.Engine.WAL.Dir = ""
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	// The log directory follows the engine directory unless set.
	if cfg.Engine.Dir != "" && cfg.Engine.WAL.Dir == "" {
		cfg.Engine = cfg.Engine.WithWALUnderDir()
	}
	return cfg, nil
}

// SetDir moves the engine to dir, keeping the log inside it.
func (c *Config) SetDir(dir string) {
	c.Engine.Dir = dir
	c.Engine.WAL.Dir = ""
	c.Engine = c.Engine.WithWALUnderDir()
}

// Validate reports every invalid section.
func (c Config) Validate() error {
	var err error
	if c.Engine.Dir == "" {
		err = multierr.Append(err, errors.New("engine.dir must be set"))
	} else if verr := c.Engine.Validate(); verr != nil {
		err = multierr.Append(err, fmt.Errorf("engine: %w", verr))
	}
	if c.Backup.RateLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("backup.rate_limit %d is negative", c.Backup.RateLimit))
	}
	if lerr := c.Logger.Validate(); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("logger: %w", lerr))
	}
	if terr := c.Telemetry.Validate(); terr != nil {
		err = multierr.Append(err, fmt.Errorf("telemetry: %w", terr))
	}
	return err
}
