// Package config loads the server configuration from yaml.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr    string `yaml:"addr"`
	DataDir string `yaml:"data_dir"`

	// Canvas defaults applied to sessions that do not override them.
	MapWidth  float64 `yaml:"map_width"`
	MapHeight float64 `yaml:"map_height"`
	GridPitch float64 `yaml:"grid_pitch"`

	SnapshotEverySec int `yaml:"snapshot_every_sec"`

	Users []UserSpec `yaml:"users"`
}

// UserSpec binds an auth token to an identity.
type UserSpec struct {
	Token       string `yaml:"token"`
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Addr:             ":8080",
		DataDir:          "./data",
		MapWidth:         1600,
		MapHeight:        1200,
		GridPitch:        0,
		SnapshotEverySec: 60,
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if c.SnapshotEverySec <= 0 {
		c.SnapshotEverySec = 60
	}
}

func (c Config) Validate() error {
	if c.MapWidth <= 0 || c.MapHeight <= 0 {
		return fmt.Errorf("map_width/map_height must be > 0")
	}
	if c.GridPitch < 0 {
		return fmt.Errorf("grid_pitch must be >= 0")
	}
	seenTok := map[string]bool{}
	seenID := map[string]bool{}
	for i, u := range c.Users {
		if strings.TrimSpace(u.Token) == "" {
			return fmt.Errorf("users[%d] token must not be empty", i)
		}
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("users[%d] id must not be empty", i)
		}
		if seenTok[u.Token] {
			return fmt.Errorf("duplicate token for user %s", u.ID)
		}
		if seenID[u.ID] {
			return fmt.Errorf("duplicate user id: %s", u.ID)
		}
		seenTok[u.Token] = true
		seenID[u.ID] = true
	}
	return nil
}
