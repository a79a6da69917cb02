// Package config provides configuration management for the position ledger.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/maut11/RHTBv5-sub000/internal/broker"
	"github.com/maut11/RHTBv5-sub000/internal/models"
)

// Defaults applied by Validate when optional settings are unset.
const (
	// defaultLockTimeout is how long an exit lock may hold a position
	// before the sweeper reverts it to open.
	defaultLockTimeout = time.Minute
	// defaultSyncInterval is the broker reconciliation period.
	defaultSyncInterval = time.Minute
	// defaultSweepInterval is the expired-lock sweep period.
	defaultSweepInterval = 30 * time.Second
	// defaultBrokerTimeout bounds a single broker HTTP call.
	defaultBrokerTimeout = 15 * time.Second

	defaultDBPath     = "ledger.db"
	defaultServerPort = 8080
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Symbols     SymbolsConfig     `yaml:"symbols"`
	Server      ServerConfig      `yaml:"server"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIToken    string `yaml:"api_token"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	Timeout     string `yaml:"timeout"` // per-request HTTP timeout
}

// LedgerConfig defines the position store and resolution settings.
type LedgerConfig struct {
	DBPath        string `yaml:"db_path"`
	Heuristic     string `yaml:"heuristic"`      // fifo | nearest | profit | largest
	LockTimeout   string `yaml:"lock_timeout"`   // exit lock lifetime
	SyncInterval  string `yaml:"sync_interval"`  // broker reconciliation period
	SweepInterval string `yaml:"sweep_interval"` // expired-lock sweep period
}

// SymbolsConfig defines trader-to-broker symbol aliases, e.g. SPX: SPXW.
type SymbolsConfig struct {
	Aliases map[string]string `yaml:"aliases"`
}

// ServerConfig defines the dashboard HTTP server settings.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// and fills in defaults for optional settings.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation
	if c.Broker.Provider == "" {
		c.Broker.Provider = "robinhood"
	}
	if c.Broker.Provider != "robinhood" {
		return fmt.Errorf("broker.provider %q is not supported", c.Broker.Provider)
	}
	// Paper mode runs against the built-in simulator and needs no credentials.
	if !c.IsPaperTrading() {
		if c.Broker.APIToken == "" {
			return fmt.Errorf("broker.api_token is required in live mode")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required in live mode")
		}
	}
	if c.Broker.APIEndpoint == "" {
		c.Broker.APIEndpoint = broker.DefaultBaseURL
	}
	if c.Broker.Timeout != "" {
		if _, err := time.ParseDuration(c.Broker.Timeout); err != nil {
			return fmt.Errorf("broker.timeout invalid: %w", err)
		}
	}

	// Ledger validation
	if c.Ledger.DBPath == "" {
		c.Ledger.DBPath = defaultDBPath
	}
	if c.Ledger.Heuristic == "" {
		c.Ledger.Heuristic = string(models.HeuristicFIFO)
	}
	if !models.Heuristic(c.Ledger.Heuristic).Valid() {
		return fmt.Errorf("ledger.heuristic must be one of fifo, nearest, profit, largest")
	}
	for key, raw := range map[string]string{
		"ledger.lock_timeout":   c.Ledger.LockTimeout,
		"ledger.sync_interval":  c.Ledger.SyncInterval,
		"ledger.sweep_interval": c.Ledger.SweepInterval,
	} {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", key)
		}
	}

	// Symbols validation
	for trader, brokerSym := range c.Symbols.Aliases {
		if strings.TrimSpace(trader) == "" || strings.TrimSpace(brokerSym) == "" {
			return fmt.Errorf("symbols.aliases entries must map a ticker to a ticker")
		}
	}

	// Server validation
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	return nil
}

// IsPaperTrading returns true if the daemon is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// LockTimeout returns the configured exit lock lifetime.
func (c *Config) LockTimeout() time.Duration {
	return duration(c.Ledger.LockTimeout, defaultLockTimeout)
}

// SyncInterval returns the configured broker reconciliation period.
func (c *Config) SyncInterval() time.Duration {
	return duration(c.Ledger.SyncInterval, defaultSyncInterval)
}

// SweepInterval returns the configured expired-lock sweep period.
func (c *Config) SweepInterval() time.Duration {
	return duration(c.Ledger.SweepInterval, defaultSweepInterval)
}

// BrokerTimeout returns the configured per-request broker timeout.
func (c *Config) BrokerTimeout() time.Duration {
	return duration(c.Broker.Timeout, defaultBrokerTimeout)
}

// Heuristic returns the configured resolution tie-break rule.
func (c *Config) Heuristic() models.Heuristic {
	h := models.Heuristic(c.Ledger.Heuristic)
	if !h.Valid() {
		return models.HeuristicFIFO
	}
	return h
}

func duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
