package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jrife/plover/cache"
	"github.com/jrife/plover/storage/kv/plugins"
	"github.com/pkg/errors"
)

// Duration is a time.Duration written as a
// string such as "10ms" in configuration files
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))

	if err != nil {
		return err
	}

	d.Duration = duration

	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the configuration of a plover cluster
type Config struct {
	LogLevel string        `toml:"log-level"`
	Cluster  ClusterConfig `toml:"cluster"`
	Engine   EngineConfig  `toml:"engine"`
}

// ClusterConfig describes the nodes and their storage
type ClusterConfig struct {
	Nodes      int    `toml:"nodes"`
	Partitions uint32 `toml:"partitions"`
	Backups    int    `toml:"backups"`
	// Plugin names the storage plugin of every node
	Plugin string `toml:"plugin"`
	// DataDir is where durable plugins keep their files.
	// Temporary stores are used if it is empty.
	DataDir string `toml:"data-dir"`
}

// EngineConfig tunes processor execution
type EngineConfig struct {
	Workers            int      `toml:"workers"`
	MaxRoutingAttempts int      `toml:"max-routing-attempts"`
	RoutingBackoff     Duration `toml:"routing-backoff"`
	LockTimeout        Duration `toml:"lock-timeout"`
	// Replication is "ship" or "reexecute"
	Replication string `toml:"replication"`
}

// NewDefaultConfig returns a three node in-memory cluster
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Cluster: ClusterConfig{
			Nodes:      3,
			Partitions: 1024,
			Backups:    1,
			Plugin:     "memory",
		},
		Engine: EngineConfig{
			Workers:            cache.DefaultWorkers,
			MaxRoutingAttempts: cache.DefaultMaxRoutingAttempts,
			RoutingBackoff:     Duration{cache.DefaultRoutingBackoff},
			LockTimeout:        Duration{5 * time.Second},
			Replication:        cache.ReplicationShip.String(),
		},
	}
}

// Load reads a TOML file on top of the defaults
func Load(path string) (*Config, error) {
	config := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, config)

	if err != nil {
		return nil, errors.Wrapf(err, "could not decode %s", path)
	}

	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}

	return config, config.Validate()
}

// Parse reads TOML text on top of the defaults
func Parse(data string) (*Config, error) {
	config := NewDefaultConfig()
	meta, err := toml.Decode(data, config)

	if err != nil {
		return nil, errors.Wrap(err, "could not decode config")
	}

	if err := checkUndecoded(meta); err != nil {
		return nil, err
	}

	return config, config.Validate()
}

func checkUndecoded(meta toml.MetaData) error {
	undecoded := meta.Undecoded()

	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, len(undecoded))

	for i, key := range undecoded {
		keys[i] = key.String()
	}

	return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Cluster.Nodes <= 0 {
		return fmt.Errorf("cluster.nodes must be greater than 0")
	}

	if c.Cluster.Partitions == 0 {
		return fmt.Errorf("cluster.partitions must be greater than 0")
	}

	if c.Cluster.Backups < 0 {
		return fmt.Errorf("cluster.backups must not be negative")
	}

	if c.Cluster.Backups >= c.Cluster.Nodes {
		return fmt.Errorf("cluster.backups must be less than cluster.nodes")
	}

	if plugins.Plugin(c.Cluster.Plugin) == nil {
		return fmt.Errorf("unknown storage plugin %q, expected one of %s", c.Cluster.Plugin, strings.Join(plugins.Names(), ", "))
	}

	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be greater than 0")
	}

	if c.Engine.MaxRoutingAttempts <= 0 {
		return fmt.Errorf("engine.max-routing-attempts must be greater than 0")
	}

	if c.Engine.RoutingBackoff.Duration < 0 || c.Engine.LockTimeout.Duration < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	if _, err := cache.ParseReplicationMode(c.Engine.Replication); err != nil {
		return err
	}

	return nil
}

// ReplicationMode returns the configured replication mode
func (c *Config) ReplicationMode() cache.ReplicationMode {
	mode, _ := cache.ParseReplicationMode(c.Engine.Replication)

	return mode
}
