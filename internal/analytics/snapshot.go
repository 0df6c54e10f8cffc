package analytics

import (
	"context"
	"math"

	"github.com/binancefutures/coreagent/pkg/types"
)

// SnapshotInput is the get_snapshot argument set.
type SnapshotInput struct {
	Symbol          string
	LookbackSeconds int
}

// SnapshotResult bundles book imbalance, spread, and a short expected-move
// estimate into one lightweight envelope.
type SnapshotResult struct {
	Symbol          string  `json:"symbol"`
	MidPrice        float64 `json:"mid_price"`
	SpreadBps       float64 `json:"spread_bps"`
	OBI             float64 `json:"obi"`
	RealizedVolBps  float64 `json:"realized_vol_bps"`
	ExpectedMoveBps float64 `json:"expected_move_bps"`
	HorizonSeconds  int     `json:"horizon_seconds"`
}

const snapshotHorizonSeconds = 60

// Snapshot returns a cheap combined view of book imbalance, spread, and a
// short expected-move estimate (sigma*sqrt(t) off recent realized
// volatility), reusing the same depth+trade-buffer inputs the other
// kernels already fetch.
func (k *Kernels) Snapshot(ctx context.Context, in SnapshotInput) types.Result {
	lookback := clampInt(in.LookbackSeconds, 5, 300)

	depthRes := k.market.FetchOrderbook(ctx, in.Symbol, 20)
	if !depthRes.Success {
		return depthRes
	}
	book := depthRes.Data.(types.OrderBookSnapshot)

	_, _, mid, _, spreadBps, _, ok := book.BestBidAsk()
	if !ok {
		return types.Fail(types.NewError(types.ErrDataError, "order book has no two-sided quote"))
	}

	tradesRes := k.market.GetBufferedTrades(in.Symbol, lookback)
	trades, _ := tradesRes.Data.([]types.AggTrade)

	var flags []string
	if len(trades) < 5 {
		flags = append(flags, "thin_trade_sample")
	}

	realizedVolBps := realizedVolatilityBps(trades, mid)
	expectedMoveBps := realizedVolBps * math.Sqrt(float64(snapshotHorizonSeconds)/float64(lookback))

	result := types.Ok(SnapshotResult{
		Symbol:          in.Symbol,
		MidPrice:        mid,
		SpreadBps:       spreadBps,
		OBI:             obiWindow(book, 0, 5),
		RealizedVolBps:  realizedVolBps,
		ExpectedMoveBps: expectedMoveBps,
		HorizonSeconds:  snapshotHorizonSeconds,
	}).WithCacheHit(false)
	if len(flags) > 0 {
		result = result.WithQualityFlags(flags...)
	}
	return result
}

// realizedVolatilityBps computes the standard deviation of consecutive
// trade-to-trade log returns, in basis points of mid price.
func realizedVolatilityBps(trades []types.AggTrade, mid float64) float64 {
	if len(trades) < 2 || mid <= 0 {
		return 0
	}
	returns := make([]float64, 0, len(trades)-1)
	for i := 1; i < len(trades); i++ {
		prev, cur := trades[i-1].Price, trades[i].Price
		if prev <= 0 || cur <= 0 {
			continue
		}
		returns = append(returns, math.Log(cur/prev))
	}
	return stdev(returns) * 10000
}
