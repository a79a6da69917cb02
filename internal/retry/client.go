// Package retry wraps sell-order placement with bounded retries and
// exponential backoff. Only exits are retried: a duplicate sell is capped by
// the position's open quantity, while a duplicate buy would silently grow the
// position.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/maut11/RHTBv5-sub000/internal/broker"
)

// Config controls retry behavior for sell-order placement.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when no config is supplied.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// SellBroker is the slice of the broker API the retry client drives.
type SellBroker interface {
	PlaceOptionSellOrder(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error)
}

// Client retries transient sell-order failures.
type Client struct {
	broker SellBroker
	logger *log.Logger
	config Config
}

// NewClient creates a retry client. Non-positive config fields fall back to
// their defaults.
func NewClient(b SellBroker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// PlaceSellWithRetry places a sell order, retrying transient failures with
// exponential backoff until the order is accepted, a permanent error occurs,
// or the overall timeout elapses.
func (c *Client) PlaceSellWithRetry(ctx context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	sellCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-sellCtx.Done():
			return nil, fmt.Errorf("sell operation timed out after %v: %w", c.config.Timeout, sellCtx.Err())
		default:
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		c.logger.Printf("Sell attempt %d/%d for %s %s %s",
			attempt+1, c.config.MaxRetries+1, req.Ticker, req.Strike.String(), req.OptionType)

		resp, err := c.broker.PlaceOptionSellOrder(sellCtx, req)
		if err == nil {
			c.logger.Printf("Sell order placed successfully on attempt %d: %s", attempt+1, resp.ID)
			return resp, nil
		}

		lastErr = err
		c.logger.Printf("Sell attempt %d failed: %v", attempt+1, err)

		if c.isTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("Transient error detected, retrying in %v", backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-sellCtx.Done():
				return nil, fmt.Errorf("sell operation timed out during backoff: %w", sellCtx.Err())
			case <-ctx.Done():
				return nil, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
			}
		} else {
			break
		}
	}

	return nil, fmt.Errorf("failed to place sell after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			jitter := time.Duration(jitterVal.Int64())
			backoff += jitter
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError ||
			apiErr.Status == http.StatusTooManyRequests
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
