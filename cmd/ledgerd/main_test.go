package main

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maut11/RHTBv5-sub000/internal/broker"
	"github.com/maut11/RHTBv5-sub000/internal/config"
	"github.com/maut11/RHTBv5-sub000/internal/executor"
	"github.com/maut11/RHTBv5-sub000/internal/ledger"
	"github.com/maut11/RHTBv5-sub000/internal/models"
	"github.com/maut11/RHTBv5-sub000/internal/retry"
	"github.com/maut11/RHTBv5-sub000/internal/symbols"
)

// MockBroker for testing - implements broker.Broker interface
type MockBroker struct {
	mock.Mock
}

func NewMockBroker() *MockBroker {
	return &MockBroker{}
}

func (m *MockBroker) GetOpenOptionPositions(ctx context.Context) ([]broker.OptionPosition, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.OptionPosition), args.Error(1)
}

func (m *MockBroker) GetInstrumentDetail(ctx context.Context, instrumentURL string) (*broker.InstrumentDetail, error) {
	args := m.Called(ctx, instrumentURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.InstrumentDetail), args.Error(1)
}

func (m *MockBroker) PlaceOptionBuyOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderResponse), args.Error(1)
}

func (m *MockBroker) PlaceOptionSellOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderResponse), args.Error(1)
}

func (m *MockBroker) GetOrderStatus(ctx context.Context, orderID string) (*broker.OrderResponse, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*broker.OrderResponse), args.Error(1)
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

// TestDaemon wires a daemon against a mocked broker and a temp ledger.
type TestDaemon struct {
	*Daemon
	mockBroker *MockBroker
	ctx        context.Context
	cancel     context.CancelFunc
}

func createTestDaemon(t *testing.T) *TestDaemon {
	mockBroker := NewMockBroker()

	cfg := &config.Config{
		Environment: config.EnvironmentConfig{
			Mode:     "paper",
			LogLevel: "debug",
		},
		Ledger: config.LedgerConfig{
			DBPath:        filepath.Join(t.TempDir(), "ledger.db"),
			Heuristic:     "fifo",
			LockTimeout:   "60s",
			SyncInterval:  "1h",
			SweepInterval: "1h",
		},
	}
	require.NoError(t, cfg.Validate())

	logger := log.New(io.Discard, "", 0)
	table := symbols.DefaultTable()

	led, err := ledger.Open(cfg.Ledger.DBPath, table, logger)
	require.NoError(t, err)

	retrier := retry.NewClient(mockBroker, logger)
	exec := executor.New(led, mockBroker, retrier, table, logger, executor.Config{
		LockTimeout: cfg.LockTimeout(),
		Heuristic:   cfg.Heuristic(),
	})

	daemon := &Daemon{
		config:   cfg,
		ledger:   led,
		broker:   mockBroker,
		executor: exec,
		logger:   logger,
		stop:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &TestDaemon{
		Daemon:     daemon,
		mockBroker: mockBroker,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func TestRunSync_RecoversUntrackedPosition(t *testing.T) {
	td := createTestDaemon(t)
	defer td.cancel()
	defer func() { _ = td.ledger.Close() }()

	url := "https://api.robinhood.com/options/instruments/abc123/"
	td.mockBroker.On("GetOpenOptionPositions", mock.Anything).Return([]broker.OptionPosition{
		{
			ChainSymbol:  "SPY",
			OptionURL:    url,
			Quantity:     decimal.NewFromInt(2),
			AveragePrice: decimal.RequireFromString("1.25"),
			PositionType: "long",
		},
	}, nil)
	td.mockBroker.On("GetInstrumentDetail", mock.Anything, url).Return(&broker.InstrumentDetail{
		URL:            url,
		ChainSymbol:    "SPY",
		StrikePrice:    decimal.RequireFromString("595"),
		ExpirationDate: "2026-03-20",
		Type:           "call",
		State:          "active",
	}, nil)

	td.runSync(td.ctx)

	pos, err := td.ledger.GetPositionByCCID("SPY_20260320_595_C")
	require.NoError(t, err)
	require.NotNil(t, pos, "sync should have recovered the broker position")
	assert.Equal(t, 2, pos.TotalQuantity)
	assert.Equal(t, "manual", pos.Channel)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.True(t, pos.AvgCostBasis.Equal(decimal.RequireFromString("1.25")))
}

func TestRunSweep_ReleasesExpiredLocks(t *testing.T) {
	td := createTestDaemon(t)
	defer td.cancel()
	defer func() { _ = td.ledger.Close() }()

	ccid, err := td.ledger.RecordBuy(ledger.BuyTrade{
		Ticker:     "SPY",
		Strike:     decimal.RequireFromString("595"),
		OptionType: models.OptionCall,
		Expiration: "2026-03-20",
		Price:      decimal.RequireFromString("1.25"),
		Quantity:   2,
		Channel:    "alerts",
	})
	require.NoError(t, err)

	locked, err := td.ledger.LockForExit(ccid, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	// Shrink the timeout so the fresh lock reads as abandoned.
	td.config.Ledger.LockTimeout = "5ms"
	time.Sleep(20 * time.Millisecond)
	td.runSweep()

	pos, err := td.ledger.GetPositionByCCID(ccid)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.Nil(t, pos.PendingExitSince)
}

func TestDaemon_GracefulShutdown(t *testing.T) {
	td := createTestDaemon(t)

	td.mockBroker.On("GetOpenOptionPositions", mock.Anything).Return([]broker.OptionPosition{}, nil).Maybe()

	// Start daemon in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- td.Run(td.ctx)
	}()

	// Give the daemon time to finish its initial reconciliation
	time.Sleep(100 * time.Millisecond)

	// Trigger shutdown
	close(td.stop)
	td.cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not shut down within timeout")
	}
}
