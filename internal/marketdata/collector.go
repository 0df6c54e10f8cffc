package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/segmentio/encoding/json"

	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/pkg/types"
)

const (
	depthCacheTTL = 500 * time.Millisecond
	tradeCacheTTL = 500 * time.Millisecond
	markCacheTTL  = 1 * time.Second
)

// Collector implements the REST reads of §4.7, sharing one content
// cache keyed the same way internal/ratectl.ParamCache is keyed
// elsewhere, and one persistent trade ring buffer per symbol.
type Collector struct {
	client  *exchange.Client
	limiter *ratectl.Limiter
	cache   *ratectl.ParamCache
	logger  *slog.Logger

	buffersMu sync.Mutex
	buffers   map[string]*TradeBuffer
}

// NewCollector builds the market-data collector.
func NewCollector(client *exchange.Client, limiter *ratectl.Limiter, logger *slog.Logger) *Collector {
	return &Collector{
		client:  client,
		limiter: limiter,
		cache:   ratectl.NewParamCache(),
		logger:  logger.With("component", "marketdata_collector"),
		buffers: make(map[string]*TradeBuffer),
	}
}

// Run starts the periodic front-pruning loop (§4.6 ring buffer upkeep);
// it blocks until ctx is cancelled, so callers run it in a goroutine.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-tradeBufferMaxAge).UnixMilli()
			c.buffersMu.Lock()
			buffers := make([]*TradeBuffer, 0, len(c.buffers))
			for _, b := range c.buffers {
				buffers = append(buffers, b)
			}
			c.buffersMu.Unlock()
			for _, b := range buffers {
				before := b.Len()
				b.PruneOlderThan(cutoff)
				if pruned := before - b.Len(); pruned > 0 {
					c.logger.Debug("pruned stale trades from ring buffer",
						"pruned", humanize.Comma(int64(pruned)), "remaining", humanize.Comma(int64(b.Len())))
				}
			}
		}
	}
}

func (c *Collector) bufferFor(symbol string) *TradeBuffer {
	c.buffersMu.Lock()
	defer c.buffersMu.Unlock()
	b, ok := c.buffers[symbol]
	if !ok {
		b = NewTradeBuffer()
		c.buffers[symbol] = b
	}
	return b
}

func normalizeSymbol(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if !types.AllowedSymbols[sym] {
		return "", fmt.Errorf("symbol %q is not allowlisted", sym)
	}
	return sym, nil
}

// FetchOrderbook returns a depth snapshot, cached per (symbol, limit)
// for depthCacheTTL (§4.7).
func (c *Collector) FetchOrderbook(ctx context.Context, symbol string, limit int) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}
	if !validDepthLimit(limit) {
		return types.Fail(types.NewError(types.ErrValidation, "limit must be one of 5,10,20,50,100,500,1000"))
	}

	key := ratectl.Key("fetch_orderbook", map[string]interface{}{"symbol": sym, "limit": limit})
	if hit, cached := c.cache.Get(key); hit {
		return cached.(types.Result).WithCacheHit(true)
	}

	body, apiErr := exchange.RateLimited(ctx, c.limiter, "marketdata", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return c.client.Depth(ctx, sym, limit)
	})
	if apiErr != nil {
		return types.Fail(types.NewErrorDetails(types.ErrAPI, apiErr.Message, map[string]interface{}{"code": apiErr.Code}))
	}

	var raw types.DepthResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.Fail(types.NewError(types.ErrDataError, "parse depth response: "+err.Error()))
	}

	snapshot := types.OrderBookSnapshot{
		Symbol:     sym,
		SequenceID: raw.LastUpdateID,
		CapturedAt: time.Now(),
		Bids:       parseLevels(raw.Bids),
		Asks:       parseLevels(raw.Asks),
	}

	result := types.Ok(snapshot).WithCacheHit(false)
	c.cache.Set(key, result, depthCacheTTL)
	return result
}

func validDepthLimit(limit int) bool {
	switch limit {
	case 5, 10, 20, 50, 100, 500, 1000:
		return true
	default:
		return false
	}
}

func parseLevels(raw [][2]string) []types.PriceLevelF {
	out := make([]types.PriceLevelF, 0, len(raw))
	for _, pair := range raw {
		price, _ := strconv.ParseFloat(pair[0], 64)
		qty, _ := strconv.ParseFloat(pair[1], 64)
		out = append(out, types.PriceLevelF{Price: price, Qty: qty})
	}
	return out
}

// FetchRecentTrades returns the most recent aggregated trades, cached
// per (symbol, limit) for tradeCacheTTL, and pushes every record into
// the symbol's ring buffer in addition to returning the slice (§4.7).
func (c *Collector) FetchRecentTrades(ctx context.Context, symbol string, limit int) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}
	if limit <= 0 || limit > 1000 {
		return types.Fail(types.NewError(types.ErrValidation, "limit must be in (0, 1000]"))
	}

	key := ratectl.Key("fetch_recent_trades", map[string]interface{}{"symbol": sym, "limit": limit})
	if hit, cached := c.cache.Get(key); hit {
		return cached.(types.Result).WithCacheHit(true)
	}

	trades, apiErr := c.fetchAggTrades(ctx, sym, 0, 0, 0, limit)
	if apiErr != nil {
		return types.Fail(types.NewErrorDetails(types.ErrAPI, apiErr.Message, map[string]interface{}{"code": apiErr.Code}))
	}

	buf := c.bufferFor(sym)
	for _, tr := range trades {
		buf.Append(tr)
	}

	result := types.Ok(trades).WithCacheHit(false)
	c.cache.Set(key, result, tradeCacheTTL)
	return result
}

// FetchHistoricalTrades paginates by advancing startMs just past the
// last returned trade's event time until endMs is reached or a short
// page comes back; every fetched trade is pushed into the ring buffer.
// Not cached (§4.7).
func (c *Collector) FetchHistoricalTrades(ctx context.Context, symbol string, startMs, endMs int64, perBatch int) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}
	if perBatch <= 0 || perBatch > 1000 {
		perBatch = 1000
	}

	buf := c.bufferFor(sym)
	var all []types.AggTrade
	cursor := startMs

	for {
		trades, apiErr := c.fetchAggTrades(ctx, sym, 0, cursor, endMs, perBatch)
		if apiErr != nil {
			return types.Fail(types.NewErrorDetails(types.ErrAPI, apiErr.Message, map[string]interface{}{"code": apiErr.Code}))
		}
		for _, tr := range trades {
			buf.Append(tr)
		}
		all = append(all, trades...)

		if len(trades) < perBatch {
			break
		}
		last := trades[len(trades)-1]
		if endMs > 0 && last.EventTimeMs >= endMs {
			break
		}
		cursor = last.EventTimeMs + 1
	}

	return types.Ok(all)
}

func (c *Collector) fetchAggTrades(ctx context.Context, symbol string, fromID, startMs, endMs int64, limit int) ([]types.AggTrade, *exchange.APIError) {
	body, apiErr := exchange.RateLimited(ctx, c.limiter, "marketdata", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return c.client.AggTrades(ctx, symbol, fromID, startMs, endMs, limit)
	})
	if apiErr != nil {
		return nil, apiErr
	}

	var raw []types.AggTrade
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &exchange.APIError{Code: exchange.CodeConnection, Message: "parse aggTrades: " + err.Error()}
	}
	for i := range raw {
		raw[i].Price, _ = strconv.ParseFloat(raw[i].PriceStr, 64)
		raw[i].Qty, _ = strconv.ParseFloat(raw[i].QtyStr, 64)
	}
	return raw, nil
}

// markPriceResponse is the /fapi/v1/premiumIndex response shape.
type markPriceResponse struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// MarkPrice is the parsed, float-typed mark price view.
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice"`
	IndexPrice      float64 `json:"indexPrice"`
	LastFundingRate float64 `json:"lastFundingRate"`
	NextFundingTime int64   `json:"nextFundingTime"`
	TimeMs          int64   `json:"time"`
}

// FetchMarkPrice returns the current mark price, cached for
// markCacheTTL (§4.7).
func (c *Collector) FetchMarkPrice(ctx context.Context, symbol string) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	key := ratectl.Key("fetch_mark_price", map[string]interface{}{"symbol": sym})
	if hit, cached := c.cache.Get(key); hit {
		return cached.(types.Result).WithCacheHit(true)
	}

	body, apiErr := exchange.RateLimited(ctx, c.limiter, "marketdata", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return c.client.PremiumIndex(ctx, sym)
	})
	if apiErr != nil {
		return types.Fail(types.NewErrorDetails(types.ErrAPI, apiErr.Message, map[string]interface{}{"code": apiErr.Code}))
	}

	var raw markPriceResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.Fail(types.NewError(types.ErrDataError, "parse premiumIndex: "+err.Error()))
	}

	markPrice, _ := strconv.ParseFloat(raw.MarkPrice, 64)
	indexPrice, _ := strconv.ParseFloat(raw.IndexPrice, 64)
	fundingRate, _ := strconv.ParseFloat(raw.LastFundingRate, 64)

	result := types.Ok(MarkPrice{
		Symbol:          sym,
		MarkPrice:       markPrice,
		IndexPrice:      indexPrice,
		LastFundingRate: fundingRate,
		NextFundingTime: raw.NextFundingTime,
		TimeMs:          raw.Time,
	}).WithCacheHit(false)
	c.cache.Set(key, result, markCacheTTL)
	return result
}

// EnsureTradeHistory backfills the ring buffer with one historical
// fetch starting at now-lookback, unless the buffer's oldest entry
// already covers that window (§4.7).
func (c *Collector) EnsureTradeHistory(ctx context.Context, symbol string, lookbackSeconds int) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	cutoff := time.Now().Add(-time.Duration(lookbackSeconds) * time.Second).UnixMilli()
	buf := c.bufferFor(sym)
	if oldest := buf.OldestTimestampMs(); oldest > 0 && oldest <= cutoff {
		return types.Ok(map[string]interface{}{"backfilled": false, "buffered": buf.Len()})
	}

	return c.FetchHistoricalTrades(ctx, sym, cutoff, 0, 1000)
}

// GetBufferedTrades is a pure buffer read over the last lookbackSeconds
// (§4.7).
func (c *Collector) GetBufferedTrades(symbol string, lookbackSeconds int) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	cutoff := time.Now().Add(-time.Duration(lookbackSeconds) * time.Second).UnixMilli()
	trades := c.bufferFor(sym).Since(cutoff)
	return types.Ok(trades)
}

// Buffer exposes the ring buffer for a symbol, used by internal/stream
// to push live aggTrade events and by internal/analytics to read them.
func (c *Collector) Buffer(symbol string) *TradeBuffer {
	return c.bufferFor(symbol)
}
