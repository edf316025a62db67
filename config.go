package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server-wide YAML configuration. Durations are millisecond
// integers to match the knobs the browser clients are configured with.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	// MaxGames caps concurrently resident sessions; zero means unlimited.
	MaxGames int `yaml:"max_games"`

	// MaxFPS is the ceiling on per-session tick rate.
	MaxFPS int `yaml:"max_fps"`

	// LobbyTimeoutMillis evicts sessions stuck in WAITING.
	LobbyTimeoutMillis int `yaml:"lobby_timeout_ms"`

	Logger struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logger"`

	Trajectory struct {
		Dir   string `yaml:"dir"`
		Redis struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"trajectory"`

	Consul struct {
		Address     string `yaml:"address"`
		ServiceName string `yaml:"service_name"`
		ServiceID   string `yaml:"service_id"`
		AdvertiseIP string `yaml:"advertise_ip"`
	} `yaml:"consul"`
}

// LoadConfig reads and normalizes a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg.normalized(), nil
}

// normalized returns a config with defaults applied.
func (c Config) normalized() Config {
	normalized := c
	if normalized.Server.Port == 0 {
		normalized.Server.Port = 8080
	}
	if normalized.MaxGames == 0 {
		normalized.MaxGames = 100
	}
	if normalized.MaxFPS == 0 {
		normalized.MaxFPS = 30
	}
	if normalized.LobbyTimeoutMillis == 0 {
		normalized.LobbyTimeoutMillis = 300000
	}
	if normalized.Logger.Level == "" {
		normalized.Logger.Level = "info"
	}
	return normalized
}

// DefaultConfig is the zero-file configuration.
func DefaultConfig() Config {
	return Config{}.normalized()
}

// LobbyTimeout converts the configured lobby wait into a duration.
func (c Config) LobbyTimeout() time.Duration {
	return time.Duration(c.LobbyTimeoutMillis) * time.Millisecond
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
