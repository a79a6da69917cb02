// Package mock provides an in-memory broker simulator. It stands in for the
// live Robinhood API in paper trading mode and in end-to-end checks: orders
// fill immediately at their limit price, and holdings stay consistent with
// those fills so reconciliation sees the simulator as a coherent account.
package mock

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/maut11/RHTBv5-sub000/internal/broker"
)

// holding is one simulated option contract position.
type holding struct {
	detail   broker.InstrumentDetail
	quantity decimal.Decimal
	// avgPrice is the volume-weighted per-share premium, the same unit the
	// executor records fills in.
	avgPrice decimal.Decimal
}

// Broker simulates the slice of the Robinhood options API the system uses.
type Broker struct {
	mu       sync.Mutex
	logger   *log.Logger
	holdings map[string]*holding // keyed by instrument URL
	orders   map[string]*broker.OrderResponse
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker creates an empty simulated account.
func NewBroker(logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.Default()
	}
	return &Broker{
		logger:   logger,
		holdings: make(map[string]*holding),
		orders:   make(map[string]*broker.OrderResponse),
	}
}

// SeedPosition installs a holding as if it had been bought outside the
// ledger, for reconciliation scenarios. Returns the instrument URL.
func (b *Broker) SeedPosition(ticker, expiration string, strike decimal.Decimal, optionType string, quantity int, avgPrice decimal.Decimal) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.newHolding(broker.OrderRequest{
		Ticker:     ticker,
		Strike:     strike,
		OptionType: optionType,
		Expiration: expiration,
	})
	h.quantity = decimal.NewFromInt(int64(quantity))
	h.avgPrice = avgPrice
	return h.detail.URL
}

// GetOpenOptionPositions returns the simulated nonzero holdings.
func (b *Broker) GetOpenOptionPositions(_ context.Context) ([]broker.OptionPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var positions []broker.OptionPosition
	for url, h := range b.holdings {
		if !h.quantity.IsPositive() {
			continue
		}
		positions = append(positions, broker.OptionPosition{
			ChainSymbol:  h.detail.ChainSymbol,
			OptionURL:    url,
			Quantity:     h.quantity,
			AveragePrice: h.avgPrice,
			PositionType: "long",
		})
	}
	// Map iteration order is random; callers expect a stable listing.
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].ChainSymbol != positions[j].ChainSymbol {
			return positions[i].ChainSymbol < positions[j].ChainSymbol
		}
		return positions[i].OptionURL < positions[j].OptionURL
	})
	return positions, nil
}

// GetInstrumentDetail resolves a simulated instrument by URL. Instruments
// survive a full close so late detail lookups still work.
func (b *Broker) GetInstrumentDetail(_ context.Context, instrumentURL string) (*broker.InstrumentDetail, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.holdings[instrumentURL]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: "instrument not found: " + instrumentURL}
	}
	detail := h.detail
	return &detail, nil
}

// PlaceOptionBuyOrder fills a buy immediately at the limit price and folds it
// into the holding's average.
func (b *Broker) PlaceOptionBuyOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.findHolding(req)
	if h == nil {
		h = b.newHolding(req)
	}

	qty := decimal.NewFromInt(int64(req.Quantity))
	newTotal := h.quantity.Add(qty)
	h.avgPrice = h.quantity.Mul(h.avgPrice).Add(qty.Mul(req.LimitPrice)).Div(newTotal)
	h.quantity = newTotal

	b.logger.Printf("Mock fill: buy %d %s %s %s @ $%s",
		req.Quantity, h.detail.ChainSymbol, h.detail.ExpirationDate, h.detail.Type, req.LimitPrice.StringFixed(2))
	return b.recordFill(req), nil
}

// PlaceOptionSellOrder fills a sell immediately at the limit price. Selling
// more than the account holds is rejected the way the live API would.
func (b *Broker) PlaceOptionSellOrder(_ context.Context, req broker.OrderRequest) (*broker.OrderResponse, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.findHolding(req)
	qty := decimal.NewFromInt(int64(req.Quantity))
	if h == nil || h.quantity.LessThan(qty) {
		return nil, &broker.APIError{
			Status: 400,
			Body: fmt.Sprintf("insufficient position to close %d x %s %s %s",
				req.Quantity, strings.ToUpper(req.Ticker), req.Expiration, strings.ToLower(req.OptionType)),
		}
	}
	h.quantity = h.quantity.Sub(qty)

	b.logger.Printf("Mock fill: sell %d %s %s %s @ $%s",
		req.Quantity, h.detail.ChainSymbol, h.detail.ExpirationDate, h.detail.Type, req.LimitPrice.StringFixed(2))
	return b.recordFill(req), nil
}

// GetOrderStatus returns the recorded state of a simulated order.
func (b *Broker) GetOrderStatus(_ context.Context, orderID string) (*broker.OrderResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp, ok := b.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: "order not found: " + orderID}
	}
	clone := *resp
	return &clone, nil
}

// CancelOrder is a no-op for known orders since simulated fills are
// immediate, matching the live API's acceptance of cancels on filled orders.
func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.orders[orderID]; !ok {
		return &broker.APIError{Status: 404, Body: "order not found: " + orderID}
	}
	return nil
}

func validateOrder(req broker.OrderRequest) error {
	if req.Quantity <= 0 {
		return fmt.Errorf("order quantity must be positive, got %d", req.Quantity)
	}
	if !req.LimitPrice.IsPositive() {
		return fmt.Errorf("order limit price must be positive, got %s", req.LimitPrice.String())
	}
	return nil
}

// findHolding matches a request against existing holdings by contract terms.
func (b *Broker) findHolding(req broker.OrderRequest) *holding {
	symbol := strings.ToUpper(req.Ticker)
	optType := strings.ToLower(req.OptionType)
	for _, h := range b.holdings {
		if h.detail.ChainSymbol == symbol &&
			h.detail.ExpirationDate == req.Expiration &&
			h.detail.Type == optType &&
			h.detail.StrikePrice.Equal(req.Strike) {
			return h
		}
	}
	return nil
}

func (b *Broker) newHolding(req broker.OrderRequest) *holding {
	h := &holding{
		detail: broker.InstrumentDetail{
			URL:            "mock://options/instruments/" + uuid.NewString() + "/",
			ChainSymbol:    strings.ToUpper(req.Ticker),
			StrikePrice:    req.Strike,
			ExpirationDate: req.Expiration,
			Type:           strings.ToLower(req.OptionType),
			State:          "active",
		},
	}
	b.holdings[h.detail.URL] = h
	return h
}

func (b *Broker) recordFill(req broker.OrderRequest) *broker.OrderResponse {
	qty := decimal.NewFromInt(int64(req.Quantity))
	premium := req.LimitPrice.Mul(qty).Mul(decimal.NewFromInt(100))
	resp := &broker.OrderResponse{
		ID:                uuid.NewString(),
		State:             broker.OrderStateFilled,
		Price:             req.LimitPrice,
		Quantity:          qty,
		ProcessedQuantity: qty,
		Premium:           premium,
		ProcessedPremium:  premium,
	}
	b.orders[resp.ID] = resp
	clone := *resp
	return &clone
}
