package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Console     ConsoleConfig     `yaml:"console"`
	Poller      PollerConfig      `yaml:"poller"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Store       StoreConfig       `yaml:"store"`
	NATS        NATSConfig        `yaml:"nats"`
	Identity    IdentityConfig    `yaml:"identity"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Vault       VaultConfig       `yaml:"vault"`
}

type ConsoleConfig struct {
	URL               string        `yaml:"url"`
	Password          string        `yaml:"password"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxFailures int           `yaml:"max_failures"`
}

type TrackerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// IdentityConfig selects how display names are mapped to stable identifiers.
// Mode "local" derives identifiers deterministically in-process, "remote"
// asks an external resolver service over the bus.
type IdentityConfig struct {
	Mode    string        `yaml:"mode"`
	Timeout time.Duration `yaml:"timeout"`
}

type MaintenanceConfig struct {
	Schedule     string        `yaml:"schedule"`
	LogRetention time.Duration `yaml:"log_retention"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

func defaults() Config {
	return Config{
		Console: ConsoleConfig{
			URL:               "ws://127.0.0.1:28016",
			ReconnectInterval: 10 * time.Second,
			RequestTimeout:    5 * time.Second,
		},
		Poller: PollerConfig{
			Interval:    60 * time.Second,
			MaxFailures: 3,
		},
		Tracker: TrackerConfig{
			HeartbeatInterval: 60 * time.Second,
			SessionTimeout:    180 * time.Second,
		},
		Store: StoreConfig{
			Path: "data/playwarden.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Identity: IdentityConfig{
			Mode:    "local",
			Timeout: 5 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Schedule:     "@daily",
			LogRetention: 720 * time.Hour,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("PLAYWARDEN_CONFIG")
	if path == "" {
		path = "config/playwarden.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PLAYWARDEN_CONSOLE_URL"); v != "" {
		cfg.Console.URL = v
	}
	if v := os.Getenv("PLAYWARDEN_CONSOLE_PASSWORD"); v != "" {
		cfg.Console.Password = v
	}
	if v := os.Getenv("PLAYWARDEN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PLAYWARDEN_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("PLAYWARDEN_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("PLAYWARDEN_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tracker.SessionTimeout = d
		}
	}
	if v := os.Getenv("PLAYWARDEN_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tracker.HeartbeatInterval = d
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Poller.MaxFailures < 1 {
		return fmt.Errorf("poller.max_failures must be at least 1, got %d", cfg.Poller.MaxFailures)
	}
	if cfg.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive, got %v", cfg.Poller.Interval)
	}
	if cfg.Tracker.HeartbeatInterval <= 0 {
		return fmt.Errorf("tracker.heartbeat_interval must be positive, got %v", cfg.Tracker.HeartbeatInterval)
	}
	if cfg.Tracker.SessionTimeout <= 0 {
		return fmt.Errorf("tracker.session_timeout must be positive, got %v", cfg.Tracker.SessionTimeout)
	}
	if mode := cfg.Identity.Mode; mode != "local" && mode != "remote" {
		return fmt.Errorf("identity.mode must be local or remote, got %q", mode)
	}
	return nil
}
