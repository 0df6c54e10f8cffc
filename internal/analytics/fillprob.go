package analytics

import (
	"context"
	"math"
	"time"

	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/pkg/types"
)

const fillProbCacheTTL = 30 * time.Second

// QueuePosition selects where in the resting queue the caller's order is
// assumed to sit for fill-probability purposes.
type QueuePosition string

const (
	QueuePositionBestCase  QueuePosition = "best_case"
	QueuePositionMid       QueuePosition = "mid"
	QueuePositionWorstCase QueuePosition = "worst_case"
)

// FillProbInput is the estimate_fill_probability argument set.
type FillProbInput struct {
	Symbol          string
	Side            types.Side
	Price           float64
	TargetQty       float64
	LookbackSeconds int
	Horizons        []int
	QueuePosition   QueuePosition
}

// FillProbHorizon is one {horizon seconds -> probability} entry.
type FillProbHorizon struct {
	Seconds     int     `json:"seconds"`
	Probability float64 `json:"probability"`
}

// FillProbResult is the estimate_fill_probability output envelope payload.
type FillProbResult struct {
	Symbol        string            `json:"symbol"`
	Side          types.Side        `json:"side"`
	Price         float64           `json:"price"`
	QueuePosition QueuePosition     `json:"queue_position"`
	Horizons      []FillProbHorizon `json:"horizons"`
	Confidence    float64           `json:"confidence"`
}

var defaultHorizons = []int{60, 300, 900}

// EstimateFillProbability computes cumulative Poisson fill probability
// across multiple horizons, cached per argument set for 30s (§4.9.2).
func (k *Kernels) EstimateFillProbability(ctx context.Context, in FillProbInput) types.Result {
	if in.Side != types.BUY && in.Side != types.SELL {
		return types.Fail(types.NewError(types.ErrValidation, "side must be BUY or SELL"))
	}
	horizons := in.Horizons
	if len(horizons) == 0 {
		horizons = defaultHorizons
	}
	if len(horizons) > 5 {
		horizons = horizons[:5]
	}
	queuePos := in.QueuePosition
	if queuePos == "" {
		queuePos = QueuePositionMid
	}
	lookback := clampInt(in.LookbackSeconds, 5, 300)

	key := ratectl.Key("estimate_fill_probability", map[string]interface{}{
		"symbol": in.Symbol, "side": in.Side, "price": in.Price, "qty": in.TargetQty,
		"lookback": lookback, "horizons": horizons, "queue_position": queuePos,
	})
	if hit, cached := k.cache.Get(key); hit {
		return cached.(types.Result).WithCacheHit(true)
	}

	depthRes := k.market.FetchOrderbook(ctx, in.Symbol, 100)
	if !depthRes.Success {
		return depthRes
	}
	book := depthRes.Data.(types.OrderBookSnapshot)

	tradesRes := k.market.GetBufferedTrades(in.Symbol, lookback)
	trades, _ := tradesRes.Data.([]types.AggTrade)

	lambda := opposingArrivalRate(trades, in.Side, lookback)
	qFull := queueAheadQty(book, in.Side, in.Price) + in.TargetQty
	q := queueAtPosition(qFull, queuePos)

	out := make([]FillProbHorizon, 0, len(horizons))
	for _, h := range horizons {
		out = append(out, FillProbHorizon{
			Seconds:     h,
			Probability: poissonCumulativeFill(lambda, q, float64(h)),
		})
	}

	confidence := fillProbConfidence(len(trades), book)

	var flags []string
	if len(trades) < 10 {
		flags = append(flags, "thin_trade_sample")
	}

	result := types.Ok(FillProbResult{
		Symbol:        in.Symbol,
		Side:          in.Side,
		Price:         in.Price,
		QueuePosition: queuePos,
		Horizons:      out,
		Confidence:    confidence,
	}).WithCacheHit(false)
	if len(flags) > 0 {
		result = result.WithQualityFlags(flags...)
	}
	k.cache.Set(key, result, fillProbCacheTTL)
	return result
}

func queueAtPosition(qFull float64, pos QueuePosition) float64 {
	switch pos {
	case QueuePositionBestCase:
		return 0
	case QueuePositionWorstCase:
		return qFull
	default:
		return qFull / 2
	}
}

// poissonCumulativeFill returns P(fill) = 1 - sum_{k<Q} e^-lambda*t (lambda*t)^k / k!,
// the discrete cumulative Poisson arrival model, falling back to the normal
// approximation 1 - Phi((Q-lambda*t)/sqrt(lambda*t)) =
// Phi((lambda*t-Q)/sqrt(lambda*t)) when lambda*t is large
// enough that the factorial sum would be numerically unstable (§4.9.2).
func poissonCumulativeFill(lambda, q, t float64) float64 {
	if q <= 0 {
		return 1.0
	}
	if lambda <= 0 {
		return 0.0
	}
	lt := lambda * t
	if lt > 50 {
		return normalCDF((lt - q) / math.Sqrt(lt))
	}

	// Q arrivals needed to clear the queue; sum the Poisson PMF for
	// k = 0..ceil(Q)-1, the probability fewer than Q orders arrive (no fill).
	kMax := int(math.Ceil(q))
	noFill := 0.0
	term := math.Exp(-lt)
	noFill += term
	for k := 1; k < kMax; k++ {
		term *= lt / float64(k)
		noFill += term
	}
	return clampFloat(1-noFill, 0, 1)
}

// normalCDF is the standard normal cumulative distribution function.
func normalCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

func fillProbConfidence(sampleSize int, book types.OrderBookSnapshot) float64 {
	sampleScore := clampFloat(float64(sampleSize)/50, 0, 1)

	_, _, _, _, spreadBps, _, ok := book.BestBidAsk()
	spreadScore := 0.5
	if ok {
		spreadScore = clampFloat(1-spreadBps/20, 0, 1)
	}

	depthCoverage := clampFloat(float64(len(book.Bids)+len(book.Asks))/200, 0, 1)

	return clampFloat(sampleScore*0.4+spreadScore*0.3+depthCoverage*0.3, 0, 1)
}
