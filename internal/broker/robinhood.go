package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/maut11/RHTBv5-sub000/internal/metrics"
)

// DefaultBaseURL is the production Robinhood API endpoint.
const DefaultBaseURL = "https://api.robinhood.com"

// Order state constants as reported by the options orders endpoint.
const (
	OrderStateQueued          = "queued"
	OrderStateUnconfirmed     = "unconfirmed"
	OrderStateConfirmed       = "confirmed"
	OrderStatePartiallyFilled = "partially_filled"
	OrderStateFilled          = "filled"
	OrderStateCancelled       = "cancelled"
	OrderStateRejected        = "rejected"
	OrderStateFailed          = "failed"
)

// maxPositionPages bounds pagination when walking the positions list.
const maxPositionPages = 50

// defaultHTTPTimeout applies when no custom client is supplied.
const defaultHTTPTimeout = 15 * time.Second

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// OptionPosition is one row from the broker's open option positions list.
// Numeric fields arrive as JSON strings and are decoded into decimals.
type OptionPosition struct {
	ChainSymbol  string          `json:"chain_symbol"`
	OptionURL    string          `json:"option"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	PositionType string          `json:"type"` // "long" or "short"
}

// InstrumentDetail describes a single option instrument.
type InstrumentDetail struct {
	URL            string          `json:"url"`
	ChainSymbol    string          `json:"chain_symbol"`
	StrikePrice    decimal.Decimal `json:"strike_price"`
	ExpirationDate string          `json:"expiration_date"` // YYYY-MM-DD
	Type           string          `json:"type"`            // "call" or "put"
	State          string          `json:"state"`
}

// OrderRequest describes a single-leg option limit order.
type OrderRequest struct {
	Ticker     string          // broker chain symbol, e.g. "SPXW"
	Strike     decimal.Decimal // per-share strike price
	OptionType string          // "call" or "put"
	Expiration string          // YYYY-MM-DD
	Quantity   int
	LimitPrice decimal.Decimal // per-share premium
}

// OrderResponse is the broker's view of a placed order.
type OrderResponse struct {
	ID                string          `json:"id"`
	State             string          `json:"state"`
	Price             decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal `json:"quantity"`
	ProcessedQuantity decimal.Decimal `json:"processed_quantity"`
	Premium           decimal.Decimal `json:"premium"`
	ProcessedPremium  decimal.Decimal `json:"processed_premium"`
}

// Filled reports whether the order has fully executed.
func (o *OrderResponse) Filled() bool {
	return o.State == OrderStateFilled
}

// Terminal reports whether the order has reached a final state.
func (o *OrderResponse) Terminal() bool {
	switch o.State {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateFailed:
		return true
	}
	return false
}

// EffectivePrice returns the realized per-share premium for the processed
// quantity. It falls back to the order's limit price, then to fallback, when
// the broker has not reported execution details yet.
func (o *OrderResponse) EffectivePrice(fallback decimal.Decimal) decimal.Decimal {
	if o.ProcessedPremium.IsPositive() && o.ProcessedQuantity.IsPositive() {
		return o.ProcessedPremium.Div(o.ProcessedQuantity).Div(decimal.NewFromInt(100))
	}
	if o.Price.IsPositive() {
		return o.Price
	}
	return fallback
}

// RobinhoodClient talks to the Robinhood options REST API.
type RobinhoodClient struct {
	client     *http.Client
	token      string
	baseURL    string
	accountURL string
}

// NewRobinhoodClient creates a client against the production API.
func NewRobinhoodClient(token, accountID string) *RobinhoodClient {
	return NewRobinhoodClientWithBaseURL(token, accountID, DefaultBaseURL)
}

// NewRobinhoodClientWithBaseURL creates a client against a custom endpoint.
// Tests use this to point the client at an httptest server.
func NewRobinhoodClientWithBaseURL(token, accountID, baseURL string) *RobinhoodClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &RobinhoodClient{
		client:     &http.Client{Timeout: defaultHTTPTimeout},
		token:      token,
		baseURL:    baseURL,
		accountURL: baseURL + "/accounts/" + accountID + "/",
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (r *RobinhoodClient) WithHTTPClient(c *http.Client) *RobinhoodClient {
	if c != nil {
		r.client = c
	}
	return r
}

type positionsPage struct {
	Results []OptionPosition `json:"results"`
	Next    string           `json:"next"`
}

type instrumentsPage struct {
	Results []InstrumentDetail `json:"results"`
	Next    string             `json:"next"`
}

// GetOpenOptionPositions returns all nonzero option positions, following the
// paginated results list to the end.
func (r *RobinhoodClient) GetOpenOptionPositions(ctx context.Context) ([]OptionPosition, error) {
	endpoint := r.baseURL + "/options/positions/?nonzero=true"
	var all []OptionPosition
	for page := 0; endpoint != ""; page++ {
		if page >= maxPositionPages {
			return nil, fmt.Errorf("positions pagination exceeded %d pages", maxPositionPages)
		}
		var resp positionsPage
		if err := r.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp, "positions"); err != nil {
			return nil, err
		}
		all = append(all, resp.Results...)
		endpoint = resp.Next
	}
	return all, nil
}

// GetInstrumentDetail fetches an option instrument by its URL.
func (r *RobinhoodClient) GetInstrumentDetail(ctx context.Context, instrumentURL string) (*InstrumentDetail, error) {
	if instrumentURL == "" {
		return nil, fmt.Errorf("instrument URL is empty")
	}
	var detail InstrumentDetail
	if err := r.makeRequestCtx(ctx, http.MethodGet, instrumentURL, nil, &detail, "instrument"); err != nil {
		return nil, err
	}
	return &detail, nil
}

// findOptionInstrument resolves the tradable instrument for a contract.
func (r *RobinhoodClient) findOptionInstrument(ctx context.Context, req OrderRequest) (*InstrumentDetail, error) {
	q := url.Values{}
	q.Set("chain_symbol", strings.ToUpper(req.Ticker))
	q.Set("expiration_dates", req.Expiration)
	q.Set("strike_price", req.Strike.StringFixed(4))
	q.Set("type", strings.ToLower(req.OptionType))
	q.Set("state", "active")

	endpoint := r.baseURL + "/options/instruments/?" + q.Encode()
	var resp instrumentsPage
	if err := r.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp, "instrument"); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("no active instrument for %s %s %s %s",
			req.Ticker, req.Expiration, req.Strike.String(), req.OptionType)
	}
	return &resp.Results[0], nil
}

type orderLeg struct {
	Option         string `json:"option"`
	Side           string `json:"side"`
	PositionEffect string `json:"position_effect"`
	RatioQuantity  int    `json:"ratio_quantity"`
}

type orderPayload struct {
	Account     string     `json:"account"`
	Direction   string     `json:"direction"`
	Legs        []orderLeg `json:"legs"`
	Price       string     `json:"price"`
	Quantity    string     `json:"quantity"`
	RefID       string     `json:"ref_id"`
	TimeInForce string     `json:"time_in_force"`
	Trigger     string     `json:"trigger"`
	Type        string     `json:"type"`
}

// PlaceOptionBuyOrder submits a buy-to-open limit order.
func (r *RobinhoodClient) PlaceOptionBuyOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return r.placeOrder(ctx, req, "debit", "buy", "open")
}

// PlaceOptionSellOrder submits a sell-to-close limit order.
func (r *RobinhoodClient) PlaceOptionSellOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return r.placeOrder(ctx, req, "credit", "sell", "close")
}

func (r *RobinhoodClient) placeOrder(ctx context.Context, req OrderRequest, direction, side, effect string) (*OrderResponse, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %d", req.Quantity)
	}
	if !req.LimitPrice.IsPositive() {
		return nil, fmt.Errorf("order limit price must be positive, got %s", req.LimitPrice.String())
	}

	instrument, err := r.findOptionInstrument(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resolve instrument: %w", err)
	}

	payload := orderPayload{
		Account:   r.accountURL,
		Direction: direction,
		Legs: []orderLeg{{
			Option:         instrument.URL,
			Side:           side,
			PositionEffect: effect,
			RatioQuantity:  1,
		}},
		Price:       req.LimitPrice.StringFixed(2),
		Quantity:    strconv.Itoa(req.Quantity),
		RefID:       uuid.NewString(),
		TimeInForce: "gfd",
		Trigger:     "immediate",
		Type:        "limit",
	}

	var resp OrderResponse
	endpoint := r.baseURL + "/options/orders/"
	if err := r.makeRequestCtx(ctx, http.MethodPost, endpoint, payload, &resp, "orders"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOrderStatus fetches the current state of an order.
func (r *RobinhoodClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderResponse, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order ID is empty")
	}
	var resp OrderResponse
	endpoint := r.baseURL + "/options/orders/" + url.PathEscape(orderID) + "/"
	if err := r.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &resp, "order_status"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrder requests cancellation of a working order. Cancellation is
// asynchronous on the broker side; callers should poll GetOrderStatus.
func (r *RobinhoodClient) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("order ID is empty")
	}
	endpoint := r.baseURL + "/options/orders/" + url.PathEscape(orderID) + "/cancel/"
	return r.makeRequestCtx(ctx, http.MethodPost, endpoint, nil, nil, "order_cancel")
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (r *RobinhoodClient) makeRequestCtx(ctx context.Context, method, endpoint string,
	payload, response interface{}, metricName string) error {
	var body io.Reader = http.NoBody
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	req.Header.Add("Authorization", "Bearer "+r.token)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "rhtbv5-ledger/1.0 (+robinhood)")

	resp, err := r.client.Do(req)
	if err != nil {
		metrics.BrokerRequests.WithLabelValues(metricName, "error").Inc()
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			// Log error but don't fail the operation
			log.Printf("Failed to close response body: %v", err)
		}
	}()
	metrics.BrokerRequests.WithLabelValues(metricName, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if readErr != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		ct := resp.Header.Get("Content-Type")
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s (retry-after: %s)", method, endpoint, ct, string(errBody), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s (%s) -> %s", method, endpoint, ct, string(errBody))}
	}

	if resp.StatusCode == http.StatusNoContent || response == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
