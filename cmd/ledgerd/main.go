package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maut11/RHTBv5-sub000/internal/broker"
	"github.com/maut11/RHTBv5-sub000/internal/config"
	"github.com/maut11/RHTBv5-sub000/internal/dashboard"
	"github.com/maut11/RHTBv5-sub000/internal/executor"
	"github.com/maut11/RHTBv5-sub000/internal/ledger"
	"github.com/maut11/RHTBv5-sub000/internal/mock"
	"github.com/maut11/RHTBv5-sub000/internal/models"
	"github.com/maut11/RHTBv5-sub000/internal/retry"
	"github.com/maut11/RHTBv5-sub000/internal/symbols"
)

// shutdownTimeout bounds how long a drain of the dashboard server may take.
const shutdownTimeout = 10 * time.Second

// syncTimeout bounds one reconciliation pass against the broker.
const syncTimeout = 2 * time.Minute

// Daemon wires the ledger, broker, executor, and dashboard together.
type Daemon struct {
	config   *config.Config
	ledger   *ledger.Ledger
	broker   broker.Broker
	executor *executor.Executor
	hub      *dashboard.Hub
	server   *dashboard.Server
	logger   *log.Logger
	stop     chan struct{}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Create logger
	logger := log.New(os.Stdout, "[LEDGER] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting position ledger in %s mode", cfg.Environment.Mode)
	if cfg.IsPaperTrading() {
		logger.Println("🏳️ PAPER TRADING MODE - No real money at risk")
	} else {
		logger.Println("💰 LIVE TRADING MODE - Real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	// Symbol aliases from config, with SPX/SPXW built in as fallback
	table := symbols.DefaultTable()
	if len(cfg.Symbols.Aliases) > 0 {
		table = symbols.NewTable(cfg.Symbols.Aliases)
	}

	led, err := ledger.Open(cfg.Ledger.DBPath, table, logger)
	if err != nil {
		logger.Fatalf("Failed to open ledger at %s: %v", cfg.Ledger.DBPath, err)
	}

	// Broker client behind a circuit breaker; the retry client and the
	// executor both go through the breaker. Paper mode swaps the live
	// Robinhood client for the in-memory simulator.
	var client broker.Broker
	if cfg.IsPaperTrading() {
		client = mock.NewBroker(logger)
	} else {
		client = broker.NewRobinhoodClientWithBaseURL(cfg.Broker.APIToken, cfg.Broker.AccountID, cfg.Broker.APIEndpoint).
			WithHTTPClient(&http.Client{Timeout: cfg.BrokerTimeout()})
	}
	cb := broker.NewCircuitBreakerBroker(client)
	retrier := retry.NewClient(cb, logger)

	exec := executor.New(led, cb, retrier, table, logger, executor.Config{
		LockTimeout: cfg.LockTimeout(),
		Heuristic:   cfg.Heuristic(),
	})

	daemon := &Daemon{
		config:   cfg,
		ledger:   led,
		broker:   cb,
		executor: exec,
		logger:   logger,
		stop:     make(chan struct{}),
	}

	if cfg.Server.Enabled {
		dashLogger := logrus.New()
		if level, perr := logrus.ParseLevel(cfg.Environment.LogLevel); perr == nil {
			dashLogger.SetLevel(level)
		}

		daemon.hub = dashboard.NewHub(dashLogger)
		exec.SetSink(daemon.hub)

		syncFunc := func(ctx context.Context) (*models.SyncResult, error) {
			return led.SyncFromRobinhood(ctx, cb)
		}
		daemon.server = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Server.Port,
			AuthToken: cfg.Server.AuthToken,
		}, led, exec, syncFunc, daemon.hub, dashLogger)
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Println("Shutdown signal received, stopping daemon...")
		close(daemon.stop)
		cancel()
	}()

	if err := daemon.Run(ctx); err != nil {
		logger.Fatalf("Daemon error: %v", err)
	}

	logger.Println("Daemon stopped successfully")
}

// Run reconciles once, starts the dashboard, and then services the periodic
// sync and lock-sweep tickers until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.hub != nil {
		go d.hub.Run(ctx)
	}

	// Reconcile against the broker before accepting intents so resolution
	// sees every position the account already holds.
	d.logger.Println("Running initial broker reconciliation...")
	d.runSync(ctx)

	summary, err := d.ledger.GetPositionSummary()
	if err != nil {
		return fmt.Errorf("read position summary: %w", err)
	}
	d.logger.Printf("Tracking %d open positions (%d contracts) across %d tickers",
		summary.OpenPositions, summary.TotalOpenContracts, summary.UniqueTickers)

	if d.server != nil {
		go func() {
			d.logger.Printf("Dashboard listening on port %d", d.config.Server.Port)
			if err := d.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Printf("Dashboard server error: %v", err)
			}
		}()
	}

	syncTicker := time.NewTicker(d.config.SyncInterval())
	defer syncTicker.Stop()
	sweepTicker := time.NewTicker(d.config.SweepInterval())
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown()
		case <-d.stop:
			return d.shutdown()
		case <-syncTicker.C:
			d.runSync(ctx)
		case <-sweepTicker.C:
			d.runSweep()
		}
	}
}

// runSync runs one reconciliation pass and broadcasts the outcome.
func (d *Daemon) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	result, err := d.ledger.SyncFromRobinhood(syncCtx, d.broker)
	if err != nil {
		d.logger.Printf("Reconciliation failed: %v", err)
		return
	}

	if d.hub != nil {
		d.hub.Publish(executor.Event{
			Type: executor.EventSync,
			Detail: fmt.Sprintf("added %d, updated %d, orphaned %d",
				result.PositionsAdded, result.PositionsUpdated, result.PositionsOrphaned),
			Time: time.Now().UTC(),
		})
	}
}

// runSweep reverts exit locks older than the configured timeout.
func (d *Daemon) runSweep() {
	released, err := d.ledger.CleanupExpiredLocks(d.config.LockTimeout())
	if err != nil {
		d.logger.Printf("Expired lock sweep failed: %v", err)
		return
	}
	if released == 0 {
		return
	}

	d.logger.Printf("Released %d expired exit locks", released)
	if d.hub != nil {
		d.hub.Publish(executor.Event{
			Type:   executor.EventLockReleased,
			Detail: fmt.Sprintf("sweep released %d expired locks", released),
			Time:   time.Now().UTC(),
		})
	}
}

// shutdown drains the dashboard server and closes the ledger.
func (d *Daemon) shutdown() error {
	d.logger.Println("Shutting down...")

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Printf("Dashboard shutdown error: %v", err)
		}
	}

	if err := d.ledger.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}
