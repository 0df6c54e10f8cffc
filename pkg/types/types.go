// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — order parameters,
// symbol metadata, the tool result envelope, and WebSocket event payloads.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Allowlist
// ————————————————————————————————————————————————————————————————————————

// AllowedSymbols is the hardcoded trading allowlist. Every symbol argument
// accepted anywhere in the system must normalize into this set.
var AllowedSymbols = map[string]bool{
	"BTCUSDT": true,
	"ETHUSDT": true,
}

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the reduce-only exit side for this entry side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the order types the client accepts.
type OrderType string

const (
	OrderTypeLimit              OrderType = "LIMIT"
	OrderTypeMarket             OrderType = "MARKET"
	OrderTypeStop               OrderType = "STOP"
	OrderTypeStopMarket         OrderType = "STOP_MARKET"
	OrderTypeTakeProfit         OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

// IsMarketFamily reports whether the type uses market-step overrides for
// quantity rounding instead of the symbol's standard step size.
func (t OrderType) IsMarketFamily() bool {
	switch t {
	case OrderTypeMarket, OrderTypeStopMarket, OrderTypeTakeProfitMarket, OrderTypeTrailingStopMarket:
		return true
	default:
		return false
	}
}

// IsStopFamily reports whether the type requires a stop price.
func (t OrderType) IsStopFamily() bool {
	switch t {
	case OrderTypeStop, OrderTypeStopMarket, OrderTypeTakeProfit, OrderTypeTakeProfitMarket, OrderTypeTrailingStopMarket:
		return true
	default:
		return false
	}
}

// TimeInForce enumerates supported order time-in-force values.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
	TIFGTX TimeInForce = "GTX" // post-only
)

// PositionSide enumerates hedge-mode position sides.
type PositionSide string

const (
	PositionBoth  PositionSide = "BOTH"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// WorkingType selects the price source exit/stop orders trigger against.
type WorkingType string

const (
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
)

// OrderStatus mirrors the exchange's order status field.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status represents a finished order —
// anything except NEW or PARTIALLY_FILLED.
func (s OrderStatus) IsTerminal() bool {
	return s != StatusNew && s != StatusPartiallyFilled
}

// ————————————————————————————————————————————————————————————————————————
// Tool result envelope (§6)
// ————————————————————————————————————————————————————————————————————————

// ErrorKind is the closed taxonomy of error shapes a tool may surface (§7).
type ErrorKind string

const (
	ErrValidation       ErrorKind = "validation_error"
	ErrAPI              ErrorKind = "api_error"
	ErrOrderNotFound    ErrorKind = "order_not_found"
	ErrInvalidOrderType ErrorKind = "invalid_order_type"
	ErrPositionExists   ErrorKind = "position_exists"
	ErrCancelFailed     ErrorKind = "cancel_failed"
	ErrEntryFailed      ErrorKind = "entry_failed"
	ErrCannotCancel     ErrorKind = "cannot_cancel"
	ErrNotFound         ErrorKind = "not_found"
	ErrDataError        ErrorKind = "data_error"
	ErrRetryExhausted   ErrorKind = "retry_exhausted"
	ErrToolError        ErrorKind = "tool_error"
)

// ToolError is the structured error attached to a failed envelope.
type ToolError struct {
	Kind    ErrorKind   `json:"type"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Kind) + ": " + e.Message
}

// NewError builds a ToolError of the given kind.
func NewError(kind ErrorKind, message string) *ToolError {
	return &ToolError{Kind: kind, Message: message}
}

// NewErrorDetails builds a ToolError with attached structured details.
func NewErrorDetails(kind ErrorKind, message string, details interface{}) *ToolError {
	return &ToolError{Kind: kind, Message: message, Details: details}
}

// Result is the uniform envelope every tool returns (§6).
//
//	{success, data?, error?, timestamp, raw_response?}
//
// Analytic tools additionally stamp CacheHit/TsMs/QualityFlags.
// Orchestrator tools additionally stamp JobID.
type Result struct {
	Success     bool        `json:"success"`
	Data        interface{} `json:"data,omitempty"`
	Error       *ToolError  `json:"error,omitempty"`
	TimestampMs int64       `json:"timestamp"`
	RawResponse interface{} `json:"raw_response,omitempty"`

	// Analytics-only fields.
	CacheHit     *bool    `json:"_cache_hit,omitempty"`
	TsMs         int64    `json:"ts_ms,omitempty"`
	QualityFlags []string `json:"quality_flags,omitempty"`

	// Orchestrator-only field.
	JobID string `json:"job_id,omitempty"`
}

// Ok builds a successful envelope.
func Ok(data interface{}) Result {
	return Result{Success: true, Data: data, TimestampMs: nowMs()}
}

// Fail builds a failed envelope from a ToolError.
func Fail(err *ToolError) Result {
	return Result{Success: false, Error: err, TimestampMs: nowMs()}
}

// WithJobID attaches a job id to an envelope (orchestrator initiation).
func (r Result) WithJobID(id string) Result {
	r.JobID = id
	return r
}

// WithCacheHit stamps the analytics cache-hit flag.
func (r Result) WithCacheHit(hit bool) Result {
	r.CacheHit = &hit
	r.TsMs = r.TimestampMs
	return r
}

// WithQualityFlags attaches up to 6 quality flags to an analytics envelope.
func (r Result) WithQualityFlags(flags ...string) Result {
	if len(flags) > 6 {
		flags = flags[:6]
	}
	r.QualityFlags = flags
	return r
}

func nowMs() int64 { return time.Now().UnixMilli() }

// ————————————————————————————————————————————————————————————————————————
// Symbol rules
// ————————————————————————————————————————————————————————————————————————

// LeverageTier is one row of a symbol's leverage bracket table.
type LeverageTier struct {
	Tier             int     `json:"tier"`
	NotionalFloor    float64 `json:"notional_floor"`
	NotionalCap      float64 `json:"notional_cap"`
	MaxLeverage      int     `json:"max_leverage"`
	MaintMarginRatio float64 `json:"maint_margin_ratio"`
	CumulativeTerm   float64 `json:"cum"`
}

// SymbolRules is the parsed, cached exchange-filter set for one symbol.
type SymbolRules struct {
	Symbol             string
	TickSize           string // decimal string, e.g. "0.10"
	StepSize           string
	MinQty             string
	MaxQty             string
	MinNotional        string
	MarketStepSize     string // market-order step override, "" if none
	MarketMinQty       string
	MarketMaxQty       string
	PricePrecision     int
	QuantityPrecision  int
	Status             string // TRADING, BREAK, ...
	LeverageBrackets   []LeverageTier
	CommissionMakerBps float64
	CommissionTakerBps float64
	FetchedAt          time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order plans
// ————————————————————————————————————————————————————————————————————————

// TakeProfitSpec describes one take-profit leg of an order plan. Exactly
// one of Quantity or Percentage should be set; if neither is set on the
// last leg, it absorbs the remaining entry quantity.
type TakeProfitSpec struct {
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`

	// RoundedPrice/RoundedQuantity are populated by rules.ValidateOrderPlan.
	RoundedPrice    float64 `json:"-"`
	RoundedQuantity float64 `json:"-"`
}

// OrderPlan is the caller-supplied description of a bracket trade.
type OrderPlan struct {
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	EntryType   OrderType        `json:"entry_type"`
	EntryPrice  float64          `json:"entry_price,omitempty"`
	Quantity    float64          `json:"quantity"`
	StopLoss    float64          `json:"stop_loss,omitempty"`
	TakeProfits []TakeProfitSpec `json:"take_profits,omitempty"`
	WorkingType WorkingType      `json:"working_type,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Aggregated trades
// ————————————————————————————————————————————————————————————————————————

// AggTrade is one normalized aggregated-trade record, sourced from either
// the WebSocket stream or REST /fapi/v1/aggTrades.
type AggTrade struct {
	AggID        int64   `json:"a"`
	Price        float64 `json:"-"`
	PriceStr     string  `json:"p"`
	Qty          float64 `json:"-"`
	QtyStr       string  `json:"q"`
	FirstTradeID int64   `json:"f"`
	LastTradeID  int64   `json:"l"`
	EventTimeMs  int64   `json:"T"`
	BuyerIsMaker bool    `json:"m"`
}

// AggressorIsSeller reports whether the trade's aggressor (taker) was the
// seller, derived from the wire's buyer-was-maker flag.
func (t AggTrade) AggressorIsSeller() bool { return t.BuyerIsMaker }

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// DepthResponse is the REST GET /fapi/v1/depth response shape.
type DepthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	EventTimeMs  int64       `json:"E"`
	TradeTimeMs  int64       `json:"T"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// PriceLevelF is a parsed price/qty level.
type PriceLevelF struct {
	Price float64
	Qty   float64
}

// OrderBookSnapshot is the parsed, symbol-tagged view of a depth response.
type OrderBookSnapshot struct {
	Symbol     string
	SequenceID int64
	CapturedAt time.Time
	Bids       []PriceLevelF // descending by price
	Asks       []PriceLevelF // ascending by price
}

// BestBidAsk returns the best bid/ask, mid, spread, spread bps, and
// whether the book is crossed (best bid >= best ask).
func (s OrderBookSnapshot) BestBidAsk() (bid, ask, mid, spread, spreadBps float64, crossed, ok bool) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0, 0, 0, 0, 0, false, false
	}
	bid = s.Bids[0].Price
	ask = s.Asks[0].Price
	mid = (bid + ask) / 2
	spread = ask - bid
	if mid > 0 {
		spreadBps = spread / mid * 10000
	}
	crossed = bid >= ask
	return bid, ask, mid, spread, spreadBps, crossed, true
}

// ————————————————————————————————————————————————————————————————————————
// Jobs
// ————————————————————————————————————————————————————————————————————————

// BracketStatus enumerates the states of a bracket job.
type BracketStatus string

const (
	BracketActive            BracketStatus = "active"
	BracketEntryFailed       BracketStatus = "entry_failed"
	BracketCancelled         BracketStatus = "cancelled"
	BracketMonitoringTimeout BracketStatus = "monitoring_timeout"
	BracketCompleted         BracketStatus = "completed"
	BracketError             BracketStatus = "error"
)

// TTLStatus enumerates the states of a TTL cancel job.
type TTLStatus string

const (
	TTLScheduled TTLStatus = "scheduled"
	TTLWaiting   TTLStatus = "waiting"
	TTLExecuting TTLStatus = "executing"
	TTLCompleted TTLStatus = "completed"
	TTLCancelled TTLStatus = "cancelled"
	TTLError     TTLStatus = "error"
)
