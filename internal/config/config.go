// Package config loads daemon configuration from an optional YAML file;
// flags in cmd/dbsched override it.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`

	DB struct {
		// Driver is "sqlite" or "postgres".
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"db"`

	Scheduler struct {
		Name              string   `yaml:"name"`
		Workers           int      `yaml:"workers"`
		PollInterval      Duration `yaml:"poll_interval"`
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
		DeadThreshold     Duration `yaml:"dead_threshold"`
	} `yaml:"scheduler"`
}

func Default() Config {
	var c Config
	c.Addr = ":8080"
	c.DB.Driver = "sqlite"
	c.DB.DSN = "dbsched.db"
	c.Scheduler.Workers = 8
	c.Scheduler.PollInterval = Duration(time.Second)
	c.Scheduler.HeartbeatInterval = Duration(30 * time.Second)
	return c
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config %s: %w", path, err)
	}
	if c.DB.Driver != "sqlite" && c.DB.Driver != "postgres" {
		return c, fmt.Errorf("config %s: unknown db driver %q", path, c.DB.Driver)
	}
	return c, nil
}

// Duration accepts "250ms"/"1m" style values in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if v < 0 {
		return fmt.Errorf("duration %q must be >= 0", raw)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
