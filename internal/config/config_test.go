package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{
			Mode:     "paper",
			LogLevel: "info",
		},
		Broker: BrokerConfig{
			Provider:    "robinhood",
			APIToken:    "test-token",
			APIEndpoint: "https://api.robinhood.com",
			AccountID:   "test-account",
			Timeout:     "15s",
		},
		Ledger: LedgerConfig{
			DBPath:        "ledger.db",
			Heuristic:     "fifo",
			LockTimeout:   "60s",
			SyncInterval:  "60s",
			SweepInterval: "30s",
		},
		Symbols: SymbolsConfig{
			Aliases: map[string]string{"SPX": "SPXW"},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func TestLoad(t *testing.T) {
	// Test with example config file (should work for basic structure validation)
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Broker.Provider != "robinhood" {
		t.Errorf("Expected broker.provider robinhood, got %q", cfg.Broker.Provider)
	}
	if got := cfg.Symbols.Aliases["SPX"]; got != "SPXW" {
		t.Errorf("Expected SPX alias SPXW, got %q", got)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("TEST_LEDGER_TOKEN", "expanded-token")

	raw := `
environment:
  mode: paper
broker:
  api_token: ${TEST_LEDGER_TOKEN}
  account_id: acct-1
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected config to load, got error: %v", err)
	}
	if cfg.Broker.APIToken != "expanded-token" {
		t.Errorf("Expected api_token to expand from environment, got %q", cfg.Broker.APIToken)
	}
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	raw := `
environment:
  mode: paper
broker:
  api_token: tok
  account_id: acct-1
  retries: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("Expected strict decoding to reject unknown field, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config := baseConfig()
		if err := config.Validate(); err != nil {
			t.Errorf("Expected valid config, got error: %v", err)
		}
	})

	t.Run("invalid mode", func(t *testing.T) {
		config := baseConfig()
		config.Environment.Mode = "sandbox"

		err := config.Validate()
		if err == nil {
			t.Error("Expected error for unknown environment.mode")
		}
		if !strings.Contains(err.Error(), "environment.mode") {
			t.Errorf("Expected error to name environment.mode, got: %v", err)
		}
	})

	t.Run("live mode requires api token", func(t *testing.T) {
		config := baseConfig()
		config.Environment.Mode = "live"
		config.Broker.APIToken = ""

		err := config.Validate()
		if err == nil {
			t.Error("Expected error when broker.api_token is empty in live mode")
		}
		if !strings.Contains(err.Error(), "broker.api_token is required") {
			t.Errorf("Expected api_token error, got: %v", err)
		}
	})

	t.Run("live mode requires account id", func(t *testing.T) {
		config := baseConfig()
		config.Environment.Mode = "live"
		config.Broker.AccountID = ""

		err := config.Validate()
		if err == nil {
			t.Error("Expected error when broker.account_id is empty in live mode")
		}
	})

	t.Run("paper mode needs no credentials", func(t *testing.T) {
		config := baseConfig()
		config.Broker.APIToken = ""
		config.Broker.AccountID = ""

		if err := config.Validate(); err != nil {
			t.Errorf("Expected paper config without credentials to validate, got error: %v", err)
		}
	})

	t.Run("unsupported provider", func(t *testing.T) {
		config := baseConfig()
		config.Broker.Provider = "etrade"

		err := config.Validate()
		if err == nil {
			t.Error("Expected error for unsupported broker.provider")
		}
	})

	t.Run("invalid heuristic", func(t *testing.T) {
		config := baseConfig()
		config.Ledger.Heuristic = "newest"

		err := config.Validate()
		if err == nil {
			t.Error("Expected error for unknown ledger.heuristic")
		}
		if !strings.Contains(err.Error(), "ledger.heuristic") {
			t.Errorf("Expected error to name ledger.heuristic, got: %v", err)
		}
	})

	t.Run("invalid lock timeout", func(t *testing.T) {
		config := baseConfig()
		config.Ledger.LockTimeout = "sixty seconds"

		err := config.Validate()
		if err == nil {
			t.Error("Expected error for unparsable ledger.lock_timeout")
		}
	})

	t.Run("negative sync interval", func(t *testing.T) {
		config := baseConfig()
		config.Ledger.SyncInterval = "-5s"

		err := config.Validate()
		if err == nil {
			t.Error("Expected error for negative ledger.sync_interval")
		}
	})

	t.Run("port out of range", func(t *testing.T) {
		config := baseConfig()
		config.Server.Port = 70000

		err := config.Validate()
		if err == nil {
			t.Error("Expected error for server.port out of range")
		}
	})

	t.Run("blank alias", func(t *testing.T) {
		config := baseConfig()
		config.Symbols.Aliases = map[string]string{"SPX": "  "}

		err := config.Validate()
		if err == nil {
			t.Error("Expected error for blank alias target")
		}
	})

	t.Run("defaults filled", func(t *testing.T) {
		config := &Config{
			Environment: EnvironmentConfig{Mode: "live"},
			Broker:      BrokerConfig{APIToken: "tok", AccountID: "acct-1"},
		}
		if err := config.Validate(); err != nil {
			t.Fatalf("Expected minimal config to validate, got error: %v", err)
		}
		if config.Broker.Provider != "robinhood" {
			t.Errorf("Expected default provider robinhood, got %q", config.Broker.Provider)
		}
		if config.Broker.APIEndpoint == "" {
			t.Error("Expected default broker.api_endpoint to be filled")
		}
		if config.Ledger.DBPath != "ledger.db" {
			t.Errorf("Expected default db_path ledger.db, got %q", config.Ledger.DBPath)
		}
		if config.Ledger.Heuristic != "fifo" {
			t.Errorf("Expected default heuristic fifo, got %q", config.Ledger.Heuristic)
		}
		if config.Server.Port != 8080 {
			t.Errorf("Expected default port 8080, got %d", config.Server.Port)
		}
	})
}

func TestDurationAccessors(t *testing.T) {
	config := baseConfig()
	config.Ledger.LockTimeout = "90s"
	config.Ledger.SyncInterval = "2m"
	config.Ledger.SweepInterval = ""
	config.Broker.Timeout = "bogus"

	if got := config.LockTimeout(); got != 90*time.Second {
		t.Errorf("Expected lock timeout 90s, got %v", got)
	}
	if got := config.SyncInterval(); got != 2*time.Minute {
		t.Errorf("Expected sync interval 2m, got %v", got)
	}
	if got := config.SweepInterval(); got != 30*time.Second {
		t.Errorf("Expected sweep interval default 30s, got %v", got)
	}
	if got := config.BrokerTimeout(); got != 15*time.Second {
		t.Errorf("Expected broker timeout default when unparsable, got %v", got)
	}
}

func TestHeuristicAccessor(t *testing.T) {
	config := baseConfig()
	config.Ledger.Heuristic = "largest"
	if got := config.Heuristic(); got != "largest" {
		t.Errorf("Expected heuristic largest, got %q", got)
	}

	config.Ledger.Heuristic = ""
	if got := config.Heuristic(); got != "fifo" {
		t.Errorf("Expected fifo fallback for empty heuristic, got %q", got)
	}
}

func TestIsPaperTrading(t *testing.T) {
	config := baseConfig()
	if !config.IsPaperTrading() {
		t.Error("Expected paper mode to report paper trading")
	}
	config.Environment.Mode = "live"
	if config.IsPaperTrading() {
		t.Error("Expected live mode to report not paper trading")
	}
}
