// Package analytics implements the bounded-output analytics kernels
// (§4.9): queue-fill estimation, multi-horizon fill probability, wall
// persistence/spoof scoring, and volume profile. Every kernel reads
// from internal/marketdata (depth, trades, mark price) and returns a
// strictly bounded, scalar summary — never raw depth rows, raw trades,
// or full histograms.
package analytics

import (
	"log/slog"
	"math"
	"sort"

	"github.com/binancefutures/coreagent/internal/marketdata"
	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/pkg/types"
)

// Kernels bundles the dependencies every analytics operation needs.
type Kernels struct {
	market *marketdata.Collector
	cache  *ratectl.ParamCache
	logger *slog.Logger
}

// NewKernels builds the analytics kernel set over a market-data collector.
func NewKernels(market *marketdata.Collector, logger *slog.Logger) *Kernels {
	return &Kernels{
		market: market,
		cache:  ratectl.NewParamCache(),
		logger: logger.With("component", "analytics_kernels"),
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	sumSq := 0.0
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

// percentile returns the value at percentile p (0..1) using nearest-rank,
// over a COPY of xs sorted ascending.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// niceBinTiers are the snapping tiers for dynamic bin width selection
// (§4.9.4 step 1).
var niceBinTiers = []float64{50, 10, 5, 1, 0.1, 0.01}

func roundToNiceBin(raw float64) float64 {
	for _, tier := range niceBinTiers {
		if raw >= tier {
			return tier
		}
	}
	return niceBinTiers[len(niceBinTiers)-1]
}

// fillProbabilityExponential evaluates the exponential time-to-first-advance
// model P(fill <= t) = 1 - exp(-lambda*t/Q) (§4.9.1), with the documented
// edge cases: Q=0 -> 1.0, lambda=0 -> 0.0.
func fillProbabilityExponential(lambda, q, t float64) float64 {
	if q <= 0 {
		return 1.0
	}
	if lambda <= 0 {
		return 0.0
	}
	return 1 - math.Exp(-lambda*t/q)
}

// etaAtPercentile returns -ln(1-p)*Q/lambda, or -1 (no ETA) if lambda<=0.
func etaAtPercentile(lambda, q, p float64) float64 {
	if lambda <= 0 {
		return -1
	}
	if q <= 0 {
		return 0
	}
	return -math.Log(1-p) * q / lambda
}

// obiWindow computes order-book imbalance (bidQty-askQty)/(bidQty+askQty)
// over the first n levels starting at offset.
func obiWindow(book types.OrderBookSnapshot, offset, n int) float64 {
	bidQty := sumQty(book.Bids, offset, n)
	askQty := sumQty(book.Asks, offset, n)
	total := bidQty + askQty
	if total == 0 {
		return 0
	}
	return (bidQty - askQty) / total
}

func sumQty(levels []types.PriceLevelF, offset, n int) float64 {
	sum := 0.0
	for i := offset; i < offset+n && i < len(levels); i++ {
		sum += levels[i].Qty
	}
	return sum
}

// wallRiskLevel classifies max/mean size ratio over the top n opposite
// levels into low/medium/high (§4.9.1 Global section).
func wallRiskLevel(levels []types.PriceLevelF, n int) string {
	if len(levels) == 0 {
		return "low"
	}
	if n > len(levels) {
		n = len(levels)
	}
	qtys := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		qtys = append(qtys, levels[i].Qty)
	}
	m := mean(qtys)
	if m == 0 {
		return "low"
	}
	max := 0.0
	for _, q := range qtys {
		if q > max {
			max = q
		}
	}
	ratio := max / m
	switch {
	case ratio >= 6:
		return "high"
	case ratio >= 3:
		return "medium"
	default:
		return "low"
	}
}
