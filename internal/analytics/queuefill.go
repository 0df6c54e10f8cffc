package analytics

import (
	"context"

	"github.com/binancefutures/coreagent/internal/marketdata"
	"github.com/binancefutures/coreagent/pkg/types"
)

// QueueFillInput is the estimate_queue_fill argument set.
type QueueFillInput struct {
	Symbol          string
	Side            types.Side
	Prices          []float64
	TargetQty       float64
	LookbackSeconds int
}

// QueueFillLevel is the per-price-level result.
type QueueFillLevel struct {
	Price            float64  `json:"price"`
	QueueAheadQty    float64  `json:"queue_ahead_qty"`
	QueueAheadUSD    float64  `json:"queue_ahead_usd"`
	FillProb30s      float64  `json:"fill_prob_30s"`
	FillProb60s      float64  `json:"fill_prob_60s"`
	EtaP50Seconds    float64  `json:"eta_p50_seconds"`
	EtaP95Seconds    float64  `json:"eta_p95_seconds"`
	AdverseSelection float64  `json:"adverse_selection_score"`
	Notes            []string `json:"notes,omitempty"`
}

// QueueFillGlobal is the book-wide health section alongside the per-level
// estimates.
type QueueFillGlobal struct {
	MicroHealthScore float64 `json:"micro_health_score"`
	SpreadBps        float64 `json:"spread_bps"`
	OBIMean          float64 `json:"obi_mean"`
	OBIStdev         float64 `json:"obi_stdev"`
	WallRisk         string  `json:"wall_risk"`
	Recommendation   float64 `json:"recommended_price"`
}

// QueueFillResult is the estimate_queue_fill output envelope payload.
type QueueFillResult struct {
	Symbol string           `json:"symbol"`
	Side   types.Side       `json:"side"`
	Levels []QueueFillLevel `json:"levels"`
	Global QueueFillGlobal  `json:"global"`
}

// EstimateQueueFill computes per-level fill probability and ETA from the
// live order book and recent opposite-side trade flow (§4.9.1).
func (k *Kernels) EstimateQueueFill(ctx context.Context, in QueueFillInput) types.Result {
	if len(in.Prices) == 0 || len(in.Prices) > 5 {
		return types.Fail(types.NewError(types.ErrValidation, "prices must contain between 1 and 5 levels"))
	}
	if in.Side != types.BUY && in.Side != types.SELL {
		return types.Fail(types.NewError(types.ErrValidation, "side must be BUY or SELL"))
	}
	lookback := clampInt(in.LookbackSeconds, 5, 300)

	depthRes := k.market.FetchOrderbook(ctx, in.Symbol, 100)
	if !depthRes.Success {
		return depthRes
	}
	book := depthRes.Data.(types.OrderBookSnapshot)

	markRes := k.market.FetchMarkPrice(ctx, in.Symbol)
	if !markRes.Success {
		return markRes
	}
	mark := markRes.Data.(marketdata.MarkPrice)

	tradesRes := k.market.GetBufferedTrades(in.Symbol, lookback)
	trades, _ := tradesRes.Data.([]types.AggTrade)

	var flags []string
	if len(trades) == 0 {
		flags = append(flags, "no_trade_flow_in_lookback")
	}

	lambda := opposingArrivalRate(trades, in.Side, lookback)

	levels := make([]QueueFillLevel, 0, len(in.Prices))
	for _, p := range in.Prices {
		q := queueAheadQty(book, in.Side, p) + in.TargetQty
		queueUSD := q * mark.MarkPrice

		adverse, notes := adverseSelectionScore(trades, book, in.Side)

		levels = append(levels, QueueFillLevel{
			Price:            p,
			QueueAheadQty:    q,
			QueueAheadUSD:    queueUSD,
			FillProb30s:      fillProbabilityExponential(lambda, q, 30),
			FillProb60s:      fillProbabilityExponential(lambda, q, 60),
			EtaP50Seconds:    etaAtPercentile(lambda, q, 0.50),
			EtaP95Seconds:    etaAtPercentile(lambda, q, 0.95),
			AdverseSelection: adverse,
			Notes:            notes,
		})
	}

	global := queueFillGlobal(book, levels, in.Side)

	result := types.Ok(QueueFillResult{
		Symbol: in.Symbol,
		Side:   in.Side,
		Levels: levels,
		Global: global,
	}).WithCacheHit(false)
	if len(flags) > 0 {
		result = result.WithQualityFlags(flags...)
	}
	return result
}

// opposingArrivalRate is the mean qty/second of trades whose aggressor
// sits on the opposite side from in.Side, over the lookback window — the
// rate at which our resting order's queue would be consumed.
func opposingArrivalRate(trades []types.AggTrade, side types.Side, lookbackSeconds int) float64 {
	consumed := 0.0
	for _, tr := range trades {
		sellerAggressor := tr.AggressorIsSeller()
		if side == types.BUY && sellerAggressor {
			consumed += tr.Qty
		} else if side == types.SELL && !sellerAggressor {
			consumed += tr.Qty
		}
	}
	if lookbackSeconds <= 0 {
		return 0
	}
	return consumed / float64(lookbackSeconds)
}

// queueAheadQty sums resting same-side quantity that would be filled
// before a hypothetical order resting at price p: for BUY, bids priced
// at or above p; for SELL, asks priced at or below p.
func queueAheadQty(book types.OrderBookSnapshot, side types.Side, p float64) float64 {
	sum := 0.0
	if side == types.BUY {
		for _, lvl := range book.Bids {
			if lvl.Price >= p {
				sum += lvl.Qty
			}
		}
	} else {
		for _, lvl := range book.Asks {
			if lvl.Price <= p {
				sum += lvl.Qty
			}
		}
	}
	return sum
}

// adverseSelectionScore blends short-window trade-flow direction, book
// imbalance, and the presence of outsized opposing trades into a 0-100
// score, with up to two explanatory notes (§4.9.1).
func adverseSelectionScore(trades []types.AggTrade, book types.OrderBookSnapshot, side types.Side) (float64, []string) {
	score := 0.0
	var notes []string

	buyQty, sellQty := 0.0, 0.0
	for _, tr := range trades {
		if tr.AggressorIsSeller() {
			sellQty += tr.Qty
		} else {
			buyQty += tr.Qty
		}
	}
	total := buyQty + sellQty
	if total > 0 {
		flowAgainstUs := sellQty / total
		if side == types.SELL {
			flowAgainstUs = buyQty / total
		}
		if flowAgainstUs > 0.6 {
			score += 35
			notes = append(notes, "recent flow running against this side")
		}
	}

	obi := obiWindow(book, 0, 5)
	if (side == types.BUY && obi < -0.3) || (side == types.SELL && obi > 0.3) {
		score += 30
		notes = append(notes, "book imbalance opposes this side")
	}

	if total > 0 {
		meanQty := total / float64(len(trades))
		for _, tr := range trades {
			against := tr.AggressorIsSeller() && side == types.BUY
			against = against || (!tr.AggressorIsSeller() && side == types.SELL)
			if against && tr.Qty > meanQty*5 {
				score += 35
				notes = append(notes, "outsized opposing trade observed")
				break
			}
		}
	}

	if len(notes) > 2 {
		notes = notes[:2]
	}
	return clampFloat(score, 0, 100), notes
}

func queueFillGlobal(book types.OrderBookSnapshot, levels []QueueFillLevel, side types.Side) QueueFillGlobal {
	_, _, _, _, spreadBps, _, ok := book.BestBidAsk()
	if !ok {
		spreadBps = 0
	}

	obis := make([]float64, 0, 5)
	for i := 0; i < 5; i++ {
		obis = append(obis, obiWindow(book, i*5, 5))
	}

	opposite := book.Asks
	if side == types.SELL {
		opposite = book.Bids
	}
	risk := wallRiskLevel(opposite, 20)

	spreadHealth := clampFloat(100-spreadBps*2, 0, 100)
	obiHealth := clampFloat((1-absF(mean(obis)))*100, 0, 100)
	microHealth := clampFloat(spreadHealth*0.5+obiHealth*0.5, 0, 100)

	best := 0.0
	bestScore := -1e18
	for _, lvl := range levels {
		s := lvl.FillProb60s*100 - lvl.AdverseSelection
		if s > bestScore {
			bestScore = s
			best = lvl.Price
		}
	}

	return QueueFillGlobal{
		MicroHealthScore: microHealth,
		SpreadBps:        spreadBps,
		OBIMean:          mean(obis),
		OBIStdev:         stdev(obis),
		WallRisk:         risk,
		Recommendation:   best,
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
