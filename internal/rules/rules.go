// Package rules implements the symbol rules engine (§4.2): fetching and
// caching exchange filter metadata, and the pure validators/rounders
// built on top of it.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"

	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/pkg/types"
)

const cacheTTL = 5 * time.Minute

// Engine fetches, caches, and interprets symbol metadata, process-lifetime
// resident with a 5 minute staleness TTL (§3).
type Engine struct {
	mu     sync.Mutex
	client *exchange.Client
	cache  map[string]*types.SymbolRules
	logger *slog.Logger
}

// NewEngine builds a rules engine over a signed client.
func NewEngine(client *exchange.Client, logger *slog.Logger) *Engine {
	return &Engine{
		client: client,
		cache:  make(map[string]*types.SymbolRules),
		logger: logger.With("component", "rules_engine"),
	}
}

// GetSymbolInfo returns parsed rules for symbol, refetching the full
// exchange-info blob on a cache miss or when the cached entry is stale.
func (e *Engine) GetSymbolInfo(ctx context.Context, symbol string) (*types.SymbolRules, error) {
	e.mu.Lock()
	cached, ok := e.cache[symbol]
	stale := ok && time.Since(cached.FetchedAt) > cacheTTL
	e.mu.Unlock()

	if ok && !stale {
		return cached, nil
	}

	if err := e.refresh(ctx); err != nil {
		if ok {
			e.logger.Warn("exchangeInfo refresh failed, serving stale rules", "symbol", symbol, "error", err)
			return cached, nil
		}
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rules, ok := e.cache[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
	}
	return rules, nil
}

// Invalidate forces the next GetSymbolInfo call to refetch.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*types.SymbolRules)
}

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol  string         `json:"symbol"`
	Status  string         `json:"status"`
	Filters []filterObject `json:"filters"`
}

type filterObject struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	Notional    string `json:"notional"`
	MinNotional string `json:"minNotional"`
}

func (e *Engine) refresh(ctx context.Context) error {
	body, apiErr := e.client.ExchangeInfo(ctx)
	if apiErr != nil {
		return apiErr
	}

	var parsed exchangeInfoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("parse exchangeInfo: %w", err)
	}

	now := time.Now()
	fresh := make(map[string]*types.SymbolRules, len(parsed.Symbols))
	for _, sym := range parsed.Symbols {
		if !types.AllowedSymbols[sym.Symbol] {
			continue
		}
		rules := &types.SymbolRules{
			Symbol:    sym.Symbol,
			Status:    sym.Status,
			FetchedAt: now,
		}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rules.TickSize = f.TickSize
			case "LOT_SIZE":
				rules.StepSize = f.StepSize
				rules.MinQty = f.MinQty
				rules.MaxQty = f.MaxQty
			case "MARKET_LOT_SIZE":
				rules.MarketStepSize = f.StepSize
				rules.MarketMinQty = f.MinQty
				rules.MarketMaxQty = f.MaxQty
			case "MIN_NOTIONAL":
				if f.Notional != "" {
					rules.MinNotional = f.Notional
				} else {
					rules.MinNotional = f.MinNotional
				}
			}
		}
		rules.PricePrecision = decimalPlaces(rules.TickSize)
		rules.QuantityPrecision = decimalPlaces(rules.StepSize)
		fresh[sym.Symbol] = rules
	}

	e.mu.Lock()
	for sym, r := range fresh {
		e.cache[sym] = r
	}
	e.mu.Unlock()
	return nil
}

// LoadLeverageBrackets fetches and attaches the leverage bracket table
// for symbol, merging it into the already-cached SymbolRules.
func (e *Engine) LoadLeverageBrackets(ctx context.Context, symbol string) error {
	body, apiErr := e.client.LeverageBrackets(ctx, symbol)
	if apiErr != nil {
		return apiErr
	}

	var rows []struct {
		Symbol   string `json:"symbol"`
		Brackets []struct {
			Bracket         int     `json:"bracket"`
			InitialLeverage int     `json:"initialLeverage"`
			NotionalCap     float64 `json:"notionalCap"`
			NotionalFloor   float64 `json:"notionalFloor"`
			MaintMarginRate float64 `json:"maintMarginRatio"`
			Cum             float64 `json:"cum"`
		} `json:"brackets"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("parse leverageBracket: %w", err)
	}

	var tiers []types.LeverageTier
	for _, row := range rows {
		if row.Symbol != symbol {
			continue
		}
		for _, b := range row.Brackets {
			tiers = append(tiers, types.LeverageTier{
				Tier:             b.Bracket,
				NotionalFloor:    b.NotionalFloor,
				NotionalCap:      b.NotionalCap,
				MaxLeverage:      b.InitialLeverage,
				MaintMarginRatio: b.MaintMarginRate,
				CumulativeTerm:   b.Cum,
			})
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rules, ok := e.cache[symbol]; ok {
		rules.LeverageBrackets = tiers
	}
	return nil
}

// LoadCommissionRate fetches and attaches the maker/taker commission rate
// for symbol, merging it into the already-cached SymbolRules (same cache,
// same TTL as the exchange-info filters — a passthrough fetched once and
// reused by EstimateCommission rather than a standalone tool).
func (e *Engine) LoadCommissionRate(ctx context.Context, symbol string) error {
	body, apiErr := e.client.CommissionRate(ctx, symbol)
	if apiErr != nil {
		return apiErr
	}

	var row struct {
		Symbol              string `json:"symbol"`
		MakerCommissionRate string `json:"makerCommissionRate"`
		TakerCommissionRate string `json:"takerCommissionRate"`
	}
	if err := json.Unmarshal(body, &row); err != nil {
		return fmt.Errorf("parse commissionRate: %w", err)
	}

	makerBps := parseRateBps(row.MakerCommissionRate)
	takerBps := parseRateBps(row.TakerCommissionRate)

	e.mu.Lock()
	defer e.mu.Unlock()
	if rules, ok := e.cache[symbol]; ok {
		rules.CommissionMakerBps = makerBps
		rules.CommissionTakerBps = takerBps
	}
	return nil
}

// LeverageForNotional finds the tier whose [floor, cap) window contains
// notional, returning its max leverage, maintenance margin ratio,
// cumulative term, and tier index.
func LeverageForNotional(rules *types.SymbolRules, notional float64) (tier types.LeverageTier, index int, found bool) {
	for i, t := range rules.LeverageBrackets {
		if notional >= t.NotionalFloor && notional < t.NotionalCap {
			return t, i, true
		}
	}
	if len(rules.LeverageBrackets) > 0 {
		last := rules.LeverageBrackets[len(rules.LeverageBrackets)-1]
		if notional >= last.NotionalCap {
			return last, len(rules.LeverageBrackets) - 1, true
		}
	}
	return types.LeverageTier{}, -1, false
}

// parseRateBps converts a decimal commission rate string (e.g. "0.0004")
// into basis points. Malformed input yields 0 rather than failing the
// whole refresh — a missing commission rate just means EstimateCommission
// reports zero fees, not that symbol rules become unusable.
func parseRateBps(rate string) float64 {
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return 0
	}
	bps, _ := d.Mul(decimal.NewFromInt(10000)).Float64()
	return bps
}

func decimalPlaces(tickOrStep string) int {
	if tickOrStep == "" {
		return 0
	}
	dotIdx := -1
	for i, c := range tickOrStep {
		if c == '.' {
			dotIdx = i
			break
		}
	}
	if dotIdx == -1 {
		return 0
	}
	frac := tickOrStep[dotIdx+1:]
	trimmed := 0
	for i := len(frac) - 1; i >= 0; i-- {
		if frac[i] != '0' {
			trimmed = i + 1
			break
		}
	}
	return trimmed
}
