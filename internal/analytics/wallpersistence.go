package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/pkg/types"
)

const wallPersistenceCacheTTL = 60 * time.Second

// WallPersistenceInput is the detect_wall_persistence argument set.
type WallPersistenceInput struct {
	Symbol           string
	DepthLimit       int
	WindowSeconds    int
	SampleIntervalMs int
	TopN             int
	WallThresholdUSD float64
}

// WallTracker is one observed wall's persistence summary.
type WallTracker struct {
	Price            float64 `json:"price"`
	Side             string  `json:"side"`
	PresentCount     int     `json:"-"`
	PresenceRatio    float64 `json:"presence_ratio"`
	AvgNotionalUSD   float64 `json:"avg_notional_usd"`
	NotionalVarRatio float64 `json:"notional_variance_ratio"`
	LifeSeconds      float64 `json:"life_seconds"`
	PersistenceScore float64 `json:"persistence_score"`
}

// AvoidZone is a price span where liquidity is both thin and unstable.
type AvoidZone struct {
	LowPrice  float64 `json:"low_price"`
	HighPrice float64 `json:"high_price"`
}

// WallPersistenceResult is the detect_wall_persistence output payload.
type WallPersistenceResult struct {
	Symbol         string         `json:"symbol"`
	SamplesTaken   int            `json:"samples_taken"`
	SpoofScoreBid  float64        `json:"spoof_score_bid"`
	SpoofScoreAsk  float64        `json:"spoof_score_ask"`
	SpoofScore     float64        `json:"spoof_score"`
	MagnetLevels   []WallTracker  `json:"magnet_levels"`
	AvoidZones     []AvoidZone    `json:"avoid_zones"`
}

type priceObservation struct {
	presentCount int
	notionals    []float64
	firstSeenMs  int64
	lastSeenMs   int64
}

// DetectWallPersistence blocks for WindowSeconds sampling the order book
// at SampleIntervalMs, tracking which large orders survive across
// samples versus flicker in and out (spoofing), and surfaces durable
// magnet levels and thin/unstable avoid zones (§4.9.3). Result cached
// for 60s.
func (k *Kernels) DetectWallPersistence(ctx context.Context, in WallPersistenceInput) types.Result {
	depthLimit := clampInt(in.DepthLimit, 5, 100)
	window := clampInt(in.WindowSeconds, 1, 300)
	intervalMs := in.SampleIntervalMs
	if intervalMs < 500 {
		intervalMs = 500
	}
	topN := clampInt(in.TopN, 1, 10)
	threshold := in.WallThresholdUSD
	if threshold < 10000 {
		threshold = 10000
	}

	key := ratectl.Key("detect_wall_persistence", map[string]interface{}{
		"symbol": in.Symbol, "depth_limit": depthLimit, "window": window,
		"interval_ms": intervalMs, "top_n": topN, "threshold": threshold,
	})
	if hit, cached := k.cache.Get(key); hit {
		return cached.(types.Result).WithCacheHit(true)
	}

	bidObs := map[float64]*priceObservation{}
	askObs := map[float64]*priceObservation{}

	interval := time.Duration(intervalMs) * time.Millisecond
	deadline := time.Now().Add(time.Duration(window) * time.Second)
	samples := 0

	for {
		depthRes := k.market.FetchOrderbook(ctx, in.Symbol, depthLimit)
		if !depthRes.Success {
			return depthRes
		}
		book := depthRes.Data.(types.OrderBookSnapshot)

		nowMs := time.Now().UnixMilli()
		observeWalls(bidObs, book.Bids, threshold, nowMs, depthLimit)
		observeWalls(askObs, book.Asks, threshold, nowMs, depthLimit)
		samples++

		if ctx.Err() != nil {
			return types.Fail(types.NewError(types.ErrAPI, "context cancelled during wall-persistence sampling"))
		}
		if time.Now().Add(interval).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return types.Fail(types.NewError(types.ErrAPI, "context cancelled during wall-persistence sampling"))
		case <-time.After(interval):
		}
	}

	windowSecF := float64(window)
	bidTrackers := buildTrackers(bidObs, "BID", samples, windowSecF)
	askTrackers := buildTrackers(askObs, "ASK", samples, windowSecF)

	spoofBid := spoofScore(bidTrackers)
	spoofAsk := spoofScore(askTrackers)

	all := append(append([]WallTracker{}, bidTrackers...), askTrackers...)
	sort.Slice(all, func(i, j int) bool {
		return all[i].PersistenceScore*all[i].AvgNotionalUSD > all[j].PersistenceScore*all[j].AvgNotionalUSD
	})

	var magnets []WallTracker
	for _, tr := range all {
		if tr.PersistenceScore >= 70 {
			magnets = append(magnets, tr)
		}
		if len(magnets) >= 6 {
			break
		}
	}

	avoidCandidates := make([]float64, 0)
	for _, tr := range all {
		if tr.NotionalVarRatio > 0.3 && tr.PersistenceScore < 50 {
			avoidCandidates = append(avoidCandidates, tr.Price)
		}
	}
	zones := buildAvoidZones(avoidCandidates)
	if len(zones) > 4 {
		zones = zones[:4]
	}

	var flags []string
	if samples < 3 {
		flags = append(flags, "insufficient_samples")
	}

	result := types.Ok(WallPersistenceResult{
		Symbol:        in.Symbol,
		SamplesTaken:  samples,
		SpoofScoreBid: spoofBid,
		SpoofScoreAsk: spoofAsk,
		SpoofScore:    (spoofBid + spoofAsk) / 2,
		MagnetLevels:  magnets,
		AvoidZones:    zones,
	}).WithCacheHit(false)
	if len(flags) > 0 {
		result = result.WithQualityFlags(flags...)
	}
	k.cache.Set(key, result, wallPersistenceCacheTTL)
	return result
}

func observeWalls(obs map[float64]*priceObservation, levels []types.PriceLevelF, thresholdUSD float64, nowMs int64, limit int) {
	n := limit
	if n > len(levels) {
		n = len(levels)
	}
	for i := 0; i < n; i++ {
		lvl := levels[i]
		notional := lvl.Price * lvl.Qty
		if notional < thresholdUSD {
			continue
		}
		o, ok := obs[lvl.Price]
		if !ok {
			o = &priceObservation{firstSeenMs: nowMs}
			obs[lvl.Price] = o
		}
		o.presentCount++
		o.notionals = append(o.notionals, notional)
		o.lastSeenMs = nowMs
	}
}

func buildTrackers(obs map[float64]*priceObservation, side string, samples int, windowSec float64) []WallTracker {
	out := make([]WallTracker, 0, len(obs))
	for price, o := range obs {
		presence := float64(o.presentCount) / float64(samples)
		avgNotional := mean(o.notionals)
		varRatio := 0.0
		if avgNotional > 0 {
			sd := stdev(o.notionals)
			varRatio = (sd * sd) / (avgNotional * avgNotional)
		}
		lifeSec := float64(o.lastSeenMs-o.firstSeenMs) / 1000
		score := 40*presence + 30*stabilityBand(varRatio) + 30*clampFloat(lifeSec/windowSec, 0, 1)
		out = append(out, WallTracker{
			Price:            price,
			Side:             side,
			PresentCount:     o.presentCount,
			PresenceRatio:    presence,
			AvgNotionalUSD:   avgNotional,
			NotionalVarRatio: varRatio,
			LifeSeconds:      lifeSec,
			PersistenceScore: score,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

func stabilityBand(varRatio float64) float64 {
	switch {
	case varRatio < 0.05:
		return 1
	case varRatio < 0.2:
		return 2.0 / 3
	case varRatio < 0.5:
		return 1.0 / 3
	default:
		return 0
	}
}

func spoofScore(trackers []WallTracker) float64 {
	if len(trackers) == 0 {
		return 0
	}
	brief, unstable, flickerCount, flickerObsSum := 0, 0, 0, 0
	for _, tr := range trackers {
		if tr.PresenceRatio < 0.3 {
			brief++
		}
		if tr.NotionalVarRatio > 0.3 {
			unstable++
		}
		if tr.PresenceRatio < 0.2 {
			flickerCount++
			flickerObsSum += tr.PresentCount
		}
	}
	score := 0.0
	briefRatio := float64(brief) / float64(len(trackers))
	switch {
	case briefRatio > 0.5:
		score += 40
	case briefRatio > 0.3:
		score += 20
	}
	unstableRatio := float64(unstable) / float64(len(trackers))
	switch {
	case unstableRatio > 0.5:
		score += 40
	case unstableRatio > 0.3:
		score += 20
	}
	if flickerCount >= 5 && float64(flickerObsSum)/float64(flickerCount) < 2 {
		score += 20
	}
	return clampFloat(score, 0, 100)
}

// buildAvoidZones groups adjacent avoid-candidate prices (gap < 0.1% of
// price) into contiguous zones.
func buildAvoidZones(prices []float64) []AvoidZone {
	if len(prices) == 0 {
		return nil
	}
	sort.Float64s(prices)
	var zones []AvoidZone
	lo, hi := prices[0], prices[0]
	for _, p := range prices[1:] {
		if p-hi < hi*0.001 {
			hi = p
			continue
		}
		zones = append(zones, AvoidZone{LowPrice: lo, HighPrice: hi})
		lo, hi = p, p
	}
	zones = append(zones, AvoidZone{LowPrice: lo, HighPrice: hi})
	return zones
}
