// Package config loads the YAML file that drives the command surface:
// logging, the process-wide pool default, detection and the connections to
// register at startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/koustreak/tsgate/internal/database"
	"github.com/koustreak/tsgate/internal/errs"
	"github.com/koustreak/tsgate/internal/filestore"
	"github.com/koustreak/tsgate/internal/logger"
	"github.com/koustreak/tsgate/internal/pool"
	"go.yaml.in/yaml/v3"
)

const defaultListen = ":8080"

// Config is the application file.
type Config struct {
	Log         logger.Config            `yaml:"log"`
	Pool        pool.Config              `yaml:"pool"`
	Detect      DetectConfig             `yaml:"detect"`
	Server      ServerConfig             `yaml:"server"`
	Connections []*database.DriverConfig `yaml:"connections"`

	// ObjectStore, when set, lets write read payloads from s3:// locations.
	ObjectStore *filestore.Config `yaml:"object_store"`
}

type DetectConfig struct {
	// Timeout bounds each detection probe.
	Timeout time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a config with no connections.
func Default() *Config {
	return &Config{
		Log:    logger.Config{Level: "info", Format: "console", TimeFormat: "rfc3339"},
		Pool:   pool.DefaultConfig(),
		Server: ServerConfig{Listen: defaultListen},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConfiguration, "read config "+path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Wrap(errs.ErrKindConfiguration, "parse config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises family names and checks every connection before any
// I/O happens.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if c.Detect.Timeout < 0 {
		return errs.New(errs.ErrKindConfiguration, "detect timeout must not be negative")
	}
	if c.ObjectStore != nil {
		store := c.ObjectStore.WithDefaults()
		if err := store.Validate(); err != nil {
			return errs.WithOp(err, "object_store")
		}
		c.ObjectStore = &store
	}
	seen := make(map[string]bool, len(c.Connections))
	for i, conn := range c.Connections {
		if conn == nil {
			return errs.Newf(errs.ErrKindConfiguration, "connections[%d] is empty", i)
		}
		if conn.ID == "" {
			return errs.Newf(errs.ErrKindConfiguration, "connections[%d]: id is required", i)
		}
		if seen[conn.ID] {
			return errs.Newf(errs.ErrKindConfiguration, "connections[%d]: duplicate id %q", i, conn.ID)
		}
		seen[conn.ID] = true
		if f, ok := database.ParseFamily(string(conn.Family)); ok {
			conn.Family = f
		}
		if err := conn.Validate(); err != nil {
			return errs.WithConnection(errs.WithOp(err, fmt.Sprintf("connections[%d]", i)), conn.ID)
		}
	}
	return nil
}

// DefaultPool is the pool default the manager applies to every connection.
func (c *Config) DefaultPool() pool.Config {
	return c.Pool.WithDefaults()
}

// Connection returns the connection with the given id.
func (c *Config) Connection(id string) (*database.DriverConfig, error) {
	for _, conn := range c.Connections {
		if conn.ID == id {
			return conn.Clone(), nil
		}
	}
	return nil, &errs.Error{Kind: errs.ErrKindNotFound, ConnectionID: id, Message: "connection not in config"}
}

// ListenAddr is the HTTP listen address of serve.
func (c *Config) ListenAddr() string {
	if c.Server.Listen == "" {
		return defaultListen
	}
	return c.Server.Listen
}
