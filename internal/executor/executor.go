// Package executor turns structured trade intents into broker orders and
// ledger records. It is the only layer that touches both sides of a trade:
// an intent is resolved against the ledger, locked, placed with the broker,
// polled to a terminal state, and only then recorded.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maut11/RHTBv5-sub000/internal/broker"
	"github.com/maut11/RHTBv5-sub000/internal/ledger"
	"github.com/maut11/RHTBv5-sub000/internal/models"
	"github.com/maut11/RHTBv5-sub000/internal/retry"
	"github.com/maut11/RHTBv5-sub000/internal/symbols"
	"github.com/maut11/RHTBv5-sub000/internal/util"
)

// Action is the kind of trade an intent requests.
type Action string

const (
	// ActionBuy opens or adds to a position.
	ActionBuy Action = "buy"
	// ActionTrim sells part of a position.
	ActionTrim Action = "trim"
	// ActionExit sells a position's full remaining quantity.
	ActionExit Action = "exit"
)

// Sentinel errors callers can match with errors.Is.
var (
	// ErrNoPosition means resolution found nothing to sell.
	ErrNoPosition = errors.New("no matching open position")
	// ErrPositionLocked means another exit holds the position's lock.
	ErrPositionLocked = errors.New("position locked by another exit")
	// ErrMissingPrice means the intent carried no usable limit price.
	ErrMissingPrice = errors.New("intent requires a positive limit price")
)

// Intent is one structured trade instruction. Buys must spell out the full
// contract; sells may carry partial hints and lean on resolution.
type Intent struct {
	Action     Action           `json:"action"`
	Ticker     string           `json:"ticker"`
	Strike     *decimal.Decimal `json:"strike,omitempty"`
	OptionType string           `json:"option_type,omitempty"`
	Expiration string           `json:"expiration,omitempty"`
	Quantity   int              `json:"quantity,omitempty"`
	Price      decimal.Decimal  `json:"price,omitempty"`
	Channel    string           `json:"channel,omitempty"`
	TradeID    string           `json:"trade_id,omitempty"`
	ExitAll    bool             `json:"exit_all,omitempty"`
}

// Validate reports whether the intent is executable. It is called by Handle;
// callers that need to reject bad input before queuing can call it directly.
func (i *Intent) Validate() error {
	switch i.Action {
	case ActionBuy, ActionTrim, ActionExit:
	default:
		return fmt.Errorf("unknown action %q", i.Action)
	}
	if i.Ticker == "" {
		return errors.New("intent missing ticker")
	}
	if !i.Price.IsPositive() {
		return ErrMissingPrice
	}
	if i.Quantity < 0 {
		return fmt.Errorf("negative quantity %d", i.Quantity)
	}
	if i.Action == ActionBuy {
		if i.Strike == nil || !i.Strike.IsPositive() {
			return errors.New("buy intent requires a positive strike")
		}
		if _, ok := models.ParseOptionType(i.OptionType); !ok {
			return fmt.Errorf("buy intent has unusable option type %q", i.OptionType)
		}
		if i.Expiration == "" {
			return errors.New("buy intent requires an expiration")
		}
		if i.Quantity == 0 {
			return errors.New("buy intent requires a positive quantity")
		}
	}
	return nil
}

// hints maps the intent's optional contract details onto resolution hints.
func (i *Intent) hints() ledger.Hints {
	return ledger.Hints{
		Strike:     i.Strike,
		OptionType: i.OptionType,
		Expiration: i.Expiration,
		ExitAll:    i.ExitAll,
	}
}

// Fill describes one executed order leg as recorded in the ledger.
type Fill struct {
	CCID     string          `json:"ccid"`
	OrderID  string          `json:"order_id"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Closed   bool            `json:"closed,omitempty"`
}

// Result reports what an intent actually did. Errors holds per-position
// failures from an exit-all; single-position intents surface failures as the
// returned error instead.
type Result struct {
	Action Action   `json:"action"`
	Fills  []Fill   `json:"fills,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// Event types published to the sink.
const (
	EventBuy          = "buy"
	EventSell         = "sell"
	EventSync         = "sync"
	EventLockReleased = "lock_released"
)

// Event is one ledger-affecting occurrence, published for the dashboard feed.
type Event struct {
	Type     string           `json:"type"`
	CCID     string           `json:"ccid,omitempty"`
	Ticker   string           `json:"ticker,omitempty"`
	Quantity int              `json:"quantity,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Closed   bool             `json:"closed,omitempty"`
	Detail   string           `json:"detail,omitempty"`
	Time     time.Time        `json:"time"`
}

// EventSink receives executor events. Implementations must not block.
type EventSink interface {
	Publish(event Event)
}

// Config contains tuning for order polling and lock acquisition.
type Config struct {
	PollInterval time.Duration // delay between order status checks
	FillTimeout  time.Duration // how long to wait for a fill before canceling
	CallTimeout  time.Duration // per-request timeout for status checks
	LockTimeout  time.Duration // exit lock lifetime passed to the ledger
	Heuristic    models.Heuristic
}

// DefaultConfig is the default executor configuration.
var DefaultConfig = Config{
	PollInterval: 5 * time.Second,
	FillTimeout:  5 * time.Minute,
	CallTimeout:  5 * time.Second,
	LockTimeout:  60 * time.Second,
	Heuristic:    models.HeuristicFIFO,
}

// limitTick is the minimum price increment for option limit orders. Intent
// prices may carry more precision than the broker accepts; buys round up to
// the tick and sells round down.
var limitTick = decimal.RequireFromString("0.01")

// Executor drives intents through the broker and the ledger.
type Executor struct {
	ledger  ledger.Store
	broker  broker.Broker
	retrier *retry.Client
	symbols *symbols.Table
	sink    EventSink
	logger  *log.Logger
	config  Config
	now     func() time.Time
}

// New creates an executor. A nil retrier gets a default sell retry client, a
// nil table gets the default symbol aliases, and a nil sink disables events.
func New(
	store ledger.Store,
	b broker.Broker,
	retrier *retry.Client,
	table *symbols.Table,
	logger *log.Logger,
	config ...Config,
) *Executor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = log.New(os.Stderr, "executor: ", log.LstdFlags)
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultConfig.FillTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultConfig.LockTimeout
	}
	if !cfg.Heuristic.Valid() {
		cfg.Heuristic = DefaultConfig.Heuristic
	}

	if store == nil {
		panic("executor.New: ledger store must not be nil")
	}
	if b == nil {
		panic("executor.New: broker must not be nil")
	}
	if retrier == nil {
		retrier = retry.NewClient(b, logger)
	}
	if table == nil {
		table = symbols.DefaultTable()
	}

	return &Executor{
		ledger:  store,
		broker:  b,
		retrier: retrier,
		symbols: table,
		logger:  logger,
		config:  cfg,
		now:     time.Now,
	}
}

// SetSink attaches an event sink. Call before Handle; the executor does not
// synchronize sink swaps.
func (e *Executor) SetSink(sink EventSink) {
	e.sink = sink
}

// Handle executes one intent to completion and reports what happened.
func (e *Executor) Handle(ctx context.Context, intent Intent) (*Result, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}

	switch intent.Action {
	case ActionBuy:
		return e.executeBuy(ctx, intent)
	default:
		if intent.ExitAll {
			return e.executeExitAll(ctx, intent)
		}
		return e.executeSell(ctx, intent)
	}
}

// executeBuy places a limit buy, waits for the fill, and records it. Buys are
// never retried: a duplicate buy would silently grow the position.
func (e *Executor) executeBuy(ctx context.Context, intent Intent) (*Result, error) {
	expiration, ok := models.NormalizeDate(intent.Expiration, e.now())
	if !ok {
		return nil, fmt.Errorf("unparseable expiration %q", intent.Expiration)
	}
	optType, _ := models.ParseOptionType(intent.OptionType)

	req := broker.OrderRequest{
		Ticker:     e.symbols.BrokerSymbol(intent.Ticker),
		Strike:     *intent.Strike,
		OptionType: string(optType),
		Expiration: expiration,
		Quantity:   intent.Quantity,
		LimitPrice: util.CeilToTick(intent.Price, limitTick),
	}

	e.logger.Printf("Placing buy: %dx %s %s %s @ %s",
		req.Quantity, req.Ticker, req.Strike.String(), req.OptionType, req.LimitPrice.String())

	placed, err := e.broker.PlaceOptionBuyOrder(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("place buy order: %w", err)
	}

	final, err := e.waitForFill(ctx, placed)
	if err != nil {
		return nil, err
	}

	price := final.EffectivePrice(req.LimitPrice)
	quantity := intent.Quantity
	if final.ProcessedQuantity.IsPositive() {
		quantity = int(final.ProcessedQuantity.IntPart())
	}

	sourceID := intent.TradeID
	if sourceID == "" {
		sourceID = final.ID
	}

	ccid, err := e.ledger.RecordBuy(ledger.BuyTrade{
		Ticker:        intent.Ticker,
		Strike:        *intent.Strike,
		OptionType:    optType,
		Expiration:    expiration,
		Price:         price,
		Quantity:      quantity,
		SourceTradeID: sourceID,
		Channel:       intent.Channel,
	})
	if err != nil {
		return nil, fmt.Errorf("record buy for order %s: %w", final.ID, err)
	}

	e.logger.Printf("Buy filled: %dx %s @ %s", quantity, ccid, price.String())
	e.publish(Event{Type: EventBuy, CCID: ccid, Ticker: intent.Ticker, Quantity: quantity, Price: &price})

	return &Result{
		Action: intent.Action,
		Fills:  []Fill{{CCID: ccid, OrderID: final.ID, Quantity: quantity, Price: price}},
	}, nil
}

// executeSell resolves a single position, locks it, sells, and records the
// fill. The lock is released on any failure after acquisition; a successful
// RecordSell clears it as part of the write.
func (e *Executor) executeSell(ctx context.Context, intent Intent) (*Result, error) {
	positions, err := e.ledger.ResolvePosition(intent.Ticker, intent.hints(), e.config.Heuristic, false)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", intent.Ticker, err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("%s %s: %w", intent.Action, intent.Ticker, ErrNoPosition)
	}
	pos := positions[0]

	locked, err := e.ledger.LockForExit(pos.CCID, e.config.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", pos.CCID, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", pos.CCID, ErrPositionLocked)
	}

	fill, err := e.sellPosition(ctx, intent, &pos)
	if err != nil {
		e.unlock(pos.CCID)
		return nil, err
	}

	return &Result{Action: intent.Action, Fills: []Fill{*fill}}, nil
}

// executeExitAll sells every resolved position for the ticker. Failures are
// collected per position so one stuck contract cannot strand the rest.
func (e *Executor) executeExitAll(ctx context.Context, intent Intent) (*Result, error) {
	positions, err := e.ledger.ResolvePosition(intent.Ticker, intent.hints(), e.config.Heuristic, true)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", intent.Ticker, err)
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("exit all %s: %w", intent.Ticker, ErrNoPosition)
	}

	result := &Result{Action: intent.Action}
	for _, pos := range positions {
		locked, err := e.ledger.LockForExit(pos.CCID, e.config.LockTimeout)
		if err == nil && !locked {
			err = ErrPositionLocked
		}
		if err != nil {
			e.logger.Printf("Exit all: skipping %s: %v", pos.CCID, err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", pos.CCID, err))
			continue
		}

		exitIntent := intent
		exitIntent.Quantity = 0 // full remaining quantity per position
		fill, err := e.sellPosition(ctx, exitIntent, &pos)
		if err != nil {
			e.unlock(pos.CCID)
			e.logger.Printf("Exit all: %s failed: %v", pos.CCID, err)
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", pos.CCID, err))
			continue
		}
		result.Fills = append(result.Fills, *fill)
	}

	if len(result.Fills) == 0 && len(result.Errors) > 0 {
		return result, fmt.Errorf("exit all %s: all %d positions failed", intent.Ticker, len(result.Errors))
	}
	return result, nil
}

// sellPosition places one sell for an already locked position, waits for the
// fill, and records it. The caller owns lock cleanup on error.
func (e *Executor) sellPosition(ctx context.Context, intent Intent, pos *models.Position) (*Fill, error) {
	quantity := e.sellQuantity(intent, pos)

	// Floor to the tick, but never below one tick: a zero limit is a reject.
	limit := util.FloorToTick(intent.Price, limitTick)
	if limit.LessThan(limitTick) {
		limit = limitTick
	}

	req := broker.OrderRequest{
		Ticker:     e.symbols.BrokerSymbol(pos.Ticker),
		Strike:     pos.Strike,
		OptionType: string(pos.OptionType),
		Expiration: pos.Expiration,
		Quantity:   quantity,
		LimitPrice: limit,
	}

	e.logger.Printf("Placing %s: %dx %s @ %s", intent.Action, quantity, pos.CCID, req.LimitPrice.String())

	placed, err := e.retrier.PlaceSellWithRetry(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("place sell order for %s: %w", pos.CCID, err)
	}

	final, err := e.waitForFill(ctx, placed)
	if err != nil {
		return nil, err
	}

	price := final.EffectivePrice(req.LimitPrice)
	if final.ProcessedQuantity.IsPositive() {
		quantity = int(final.ProcessedQuantity.IntPart())
	}

	closed, err := e.ledger.RecordSell(pos.CCID, quantity, price)
	if err != nil {
		return nil, fmt.Errorf("record sell for %s: %w", pos.CCID, err)
	}

	e.logger.Printf("%s filled: %dx %s @ %s (closed=%t)", intent.Action, quantity, pos.CCID, price.String(), closed)
	e.publish(Event{Type: EventSell, CCID: pos.CCID, Ticker: pos.Ticker, Quantity: quantity, Price: &price, Closed: closed})

	return &Fill{CCID: pos.CCID, OrderID: final.ID, Quantity: quantity, Price: price, Closed: closed}, nil
}

// sellQuantity picks the contract count for a sell. Explicit quantities win
// but are capped at the open quantity so the broker never sees an oversell.
// A trim with no quantity takes half the position, rounded up.
func (e *Executor) sellQuantity(intent Intent, pos *models.Position) int {
	if intent.Quantity > 0 {
		if intent.Quantity > pos.TotalQuantity {
			e.logger.Printf("Warning: %s quantity %d exceeds open %d for %s, clamping",
				intent.Action, intent.Quantity, pos.TotalQuantity, pos.CCID)
			return pos.TotalQuantity
		}
		return intent.Quantity
	}
	if intent.Action == ActionTrim {
		return (pos.TotalQuantity + 1) / 2
	}
	return pos.TotalQuantity
}

// waitForFill polls an order until it fills or dies. On timeout the order is
// canceled best-effort and an error returned; nothing is recorded for orders
// that never filled.
func (e *Executor) waitForFill(ctx context.Context, placed *broker.OrderResponse) (*broker.OrderResponse, error) {
	if placed.Filled() {
		return placed, nil
	}
	if placed.Terminal() {
		return nil, fmt.Errorf("order %s %s before filling", placed.ID, placed.State)
	}

	pollCtx, cancel := context.WithTimeout(ctx, e.config.FillTimeout)
	defer cancel()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			e.cancelOrder(placed.ID)
			return nil, fmt.Errorf("order %s not filled within %s: %w", placed.ID, e.config.FillTimeout, pollCtx.Err())
		case <-ticker.C:
			statusCtx, statusCancel := context.WithTimeout(pollCtx, e.config.CallTimeout)
			status, err := e.broker.GetOrderStatus(statusCtx, placed.ID)
			statusCancel()

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					continue // ticker keeps running; pollCtx.Done catches real expiry
				}
				e.logger.Printf("Order %s status check failed: %v", placed.ID, err)
				continue
			}

			switch {
			case status.Filled():
				return status, nil
			case status.Terminal():
				return nil, fmt.Errorf("order %s %s", placed.ID, status.State)
			}
			e.logger.Printf("Order %s still %s", placed.ID, status.State)
		}
	}
}

// cancelOrder pulls an unfilled order back, best effort. It uses a fresh
// context so cancellation still goes out when the caller's context is dead.
func (e *Executor) cancelOrder(orderID string) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), e.config.CallTimeout)
	defer cancel()

	if err := e.broker.CancelOrder(cancelCtx, orderID); err != nil {
		e.logger.Printf("Cancel order %s failed: %v", orderID, err)
	} else {
		e.logger.Printf("Canceled unfilled order %s", orderID)
	}
}

// unlock releases an exit lock after a failed sell attempt.
func (e *Executor) unlock(ccid string) {
	if _, err := e.ledger.UnlockPosition(ccid); err != nil {
		e.logger.Printf("Unlock %s failed: %v", ccid, err)
		return
	}
	e.publish(Event{Type: EventLockReleased, CCID: ccid})
}

func (e *Executor) publish(event Event) {
	if e.sink == nil {
		return
	}
	event.Time = e.now().UTC()
	e.sink.Publish(event)
}
