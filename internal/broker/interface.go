// Package broker provides brokerage API clients for reading option positions
// and executing option orders. It includes the Robinhood client implementation
// used by the position ledger plus a circuit breaker wrapper for fault tolerance.
package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// Broker defines the brokerage operations the position ledger depends on.
// Implementations must be safe for concurrent use.
type Broker interface {
	// GetOpenOptionPositions returns every option position with a nonzero
	// quantity in the account, following pagination to the end.
	GetOpenOptionPositions(ctx context.Context) ([]OptionPosition, error)

	// GetInstrumentDetail fetches the option instrument referenced by a
	// position row. instrumentURL comes from OptionPosition.OptionURL.
	GetInstrumentDetail(ctx context.Context, instrumentURL string) (*InstrumentDetail, error)

	// PlaceOptionBuyOrder submits a buy-to-open limit order.
	PlaceOptionBuyOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// PlaceOptionSellOrder submits a sell-to-close limit order.
	PlaceOptionSellOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)

	// GetOrderStatus fetches the current state of a previously placed order.
	GetOrderStatus(ctx context.Context, orderID string) (*OrderResponse, error)

	// CancelOrder requests cancellation of a working order.
	CancelOrder(ctx context.Context, orderID string) error
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// exec is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with sensible defaults
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	})
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// GetOpenOptionPositions implements Broker with circuit breaker protection
func (c *CircuitBreakerBroker) GetOpenOptionPositions(ctx context.Context) ([]OptionPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OptionPosition, error) {
		return b.GetOpenOptionPositions(ctx)
	})
}

// GetInstrumentDetail implements Broker with circuit breaker protection
func (c *CircuitBreakerBroker) GetInstrumentDetail(ctx context.Context, instrumentURL string) (*InstrumentDetail, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*InstrumentDetail, error) {
		return b.GetInstrumentDetail(ctx, instrumentURL)
	})
}

// PlaceOptionBuyOrder implements Broker with circuit breaker protection
func (c *CircuitBreakerBroker) PlaceOptionBuyOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOptionBuyOrder(ctx, req)
	})
}

// PlaceOptionSellOrder implements Broker with circuit breaker protection
func (c *CircuitBreakerBroker) PlaceOptionSellOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOptionSellOrder(ctx, req)
	})
}

// GetOrderStatus implements Broker with circuit breaker protection
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// CancelOrder implements Broker with circuit breaker protection
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// Compile-time interface compliance checks
var (
	_ Broker = (*RobinhoodClient)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)
