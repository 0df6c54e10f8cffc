package analytics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/pkg/types"
)

const volumeProfileFallbackCacheTTL = 45 * time.Second

// VolumeProfileSource selects where trades are sourced from.
type VolumeProfileSource string

const (
	VolumeProfileSourceREST      VolumeProfileSource = "rest"
	VolumeProfileSourceWebSocket VolumeProfileSource = "websocket"
	VolumeProfileSourceFallback  VolumeProfileSource = "fallback"
)

// VolumeProfileInput is the compute_volume_profile argument set.
type VolumeProfileInput struct {
	Symbol        string
	WindowMinutes int
	Source        VolumeProfileSource
}

type volumeBin struct {
	priceLo, priceHi, priceMid float64
	volume, buyVolume, sellVolume float64
	tradeCount int
}

// PriceZone is a contiguous [low, high] price span.
type PriceZone struct {
	LowPrice  float64 `json:"low_price"`
	HighPrice float64 `json:"high_price"`
}

// VolumeProfileResult is the compute_volume_profile output payload. Never
// includes per-bin data (§4.9.4).
type VolumeProfileResult struct {
	Symbol        string               `json:"symbol"`
	Source        VolumeProfileSource  `json:"source"`
	TradeCount    int                  `json:"trade_count"`
	BinSize       float64              `json:"bin_size"`
	VPOC          float64              `json:"vpoc"`
	VAH           float64              `json:"vah"`
	VAL           float64              `json:"val"`
	HVN           []float64            `json:"hvn"`
	LVN           []float64            `json:"lvn"`
	SinglePrints  []PriceZone          `json:"single_print_zones"`
	MagnetLevels  []float64            `json:"magnet_levels"`
	AvoidZones    []PriceZone          `json:"avoid_zones"`
	Confidence    float64              `json:"confidence"`
}

// ComputeVolumeProfile builds a volume profile from trade history sourced
// according to in.Source (§4.9.4):
//
//   - REST: paginates aggTrades over the full window.
//   - WebSocket: ring-buffer only; under 100 trades yields
//     insufficient_trade_data with a quality flag and never falls back
//     to REST.
//   - Fallback: REST-sourced, cached 45s, used when the REST variant
//     would be rate-limited; output is the same shape, just served from
//     a longer-lived cache.
func (k *Kernels) ComputeVolumeProfile(ctx context.Context, in VolumeProfileInput) types.Result {
	windowMinutes := in.WindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = 60
	}
	source := in.Source
	if source == "" {
		source = VolumeProfileSourceREST
	}

	switch source {
	case VolumeProfileSourceWebSocket:
		return k.volumeProfileFromBuffer(in.Symbol, windowMinutes, source)
	case VolumeProfileSourceFallback:
		return k.volumeProfileFallback(ctx, in.Symbol, windowMinutes)
	default:
		return k.volumeProfileFromREST(ctx, in.Symbol, windowMinutes, source)
	}
}

func (k *Kernels) volumeProfileFromBuffer(symbol string, windowMinutes int, source VolumeProfileSource) types.Result {
	res := k.market.GetBufferedTrades(symbol, windowMinutes*60)
	if !res.Success {
		return res
	}
	trades, _ := res.Data.([]types.AggTrade)

	if len(trades) < 100 {
		result := types.Ok(VolumeProfileResult{
			Symbol:     symbol,
			Source:     source,
			TradeCount: len(trades),
		}).WithCacheHit(false)
		return result.WithQualityFlags("insufficient_trade_data")
	}

	payload, flags := buildVolumeProfilePayload(symbol, source, trades, windowMinutes, true)
	result := types.Ok(payload).WithCacheHit(false)
	if len(flags) > 0 {
		result = result.WithQualityFlags(flags...)
	}
	return result
}

func (k *Kernels) volumeProfileFromREST(ctx context.Context, symbol string, windowMinutes int, source VolumeProfileSource) types.Result {
	startMs := time.Now().Add(-time.Duration(windowMinutes) * time.Minute).UnixMilli()
	res := k.market.FetchHistoricalTrades(ctx, symbol, startMs, 0, 1000)
	if !res.Success {
		return res
	}
	trades, _ := res.Data.([]types.AggTrade)

	payload, flags := buildVolumeProfilePayload(symbol, source, trades, windowMinutes, true)
	result := types.Ok(payload).WithCacheHit(false)
	if len(flags) > 0 {
		result = result.WithQualityFlags(flags...)
	}
	return result
}

func (k *Kernels) volumeProfileFallback(ctx context.Context, symbol string, windowMinutes int) types.Result {
	key := ratectl.Key("compute_volume_profile_fallback", map[string]interface{}{"symbol": symbol, "window": windowMinutes})
	if hit, cached := k.cache.Get(key); hit {
		return cached.(types.Result).WithCacheHit(true)
	}

	result := k.volumeProfileFromREST(ctx, symbol, windowMinutes, VolumeProfileSourceFallback)
	if result.Success {
		k.cache.Set(key, result, volumeProfileFallbackCacheTTL)
	}
	return result
}

func buildVolumeProfilePayload(symbol string, source VolumeProfileSource, trades []types.AggTrade, windowMinutes int, wsConnected bool) (VolumeProfileResult, []string) {
	var flags []string
	if len(trades) == 0 {
		return VolumeProfileResult{Symbol: symbol, Source: source}, []string{"insufficient_trade_data"}
	}

	minP, maxP := trades[0].Price, trades[0].Price
	for _, tr := range trades {
		if tr.Price < minP {
			minP = tr.Price
		}
		if tr.Price > maxP {
			maxP = tr.Price
		}
	}

	binSize := roundToNiceBin((maxP - minP) / 50)
	if binSize <= 0 {
		binSize = niceBinTiers[len(niceBinTiers)-1]
	}

	lo := math.Floor(minP/binSize) * binSize
	hi := math.Ceil(maxP/binSize) * binSize
	numBins := int((hi-lo)/binSize) + 1
	if numBins < 1 {
		numBins = 1
	}

	bins := make([]volumeBin, numBins)
	for i := range bins {
		bins[i].priceLo = lo + float64(i)*binSize
		bins[i].priceHi = bins[i].priceLo + binSize
		bins[i].priceMid = (bins[i].priceLo + bins[i].priceHi) / 2
	}

	for _, tr := range trades {
		idx := int((tr.Price - lo) / binSize)
		if idx < 0 {
			idx = 0
		}
		if idx >= numBins {
			idx = numBins - 1
		}
		bins[idx].volume += tr.Qty
		bins[idx].tradeCount++
		if tr.AggressorIsSeller() {
			bins[idx].sellVolume += tr.Qty
		} else {
			bins[idx].buyVolume += tr.Qty
		}
	}

	vpocIdx := 0
	for i, b := range bins {
		if b.volume > bins[vpocIdx].volume {
			vpocIdx = i
		}
	}

	totalVolume := 0.0
	volumes := make([]float64, numBins)
	for i, b := range bins {
		totalVolume += b.volume
		volumes[i] = b.volume
	}

	vahIdx, valIdx := valueArea(bins, vpocIdx, totalVolume)

	p75 := percentile(nonZero(volumes), 0.75)
	p25 := percentile(nonZero(volumes), 0.25)

	var hvn, lvnIdx []int
	for i, b := range bins {
		if b.volume >= p75 && b.volume > 0 {
			hvn = append(hvn, i)
		}
		if b.volume > 0 && b.volume <= p25 {
			lvnIdx = append(lvnIdx, i)
		}
	}
	sort.Slice(hvn, func(i, j int) bool { return bins[hvn[i]].volume > bins[hvn[j]].volume })
	if len(hvn) > 3 {
		hvn = hvn[:3]
	}
	sort.Slice(lvnIdx, func(i, j int) bool { return bins[lvnIdx[i]].volume < bins[lvnIdx[j]].volume })
	if len(lvnIdx) > 3 {
		lvnIdx = lvnIdx[:3]
	}

	meanVolume := totalVolume / float64(numBins)
	singlePrints := singlePrintZones(bins, meanVolume)
	if len(singlePrints) > 3 {
		singlePrints = singlePrints[:3]
	}

	magnets := magnetLevels(bins, vpocIdx, vahIdx, valIdx, meanVolume)

	avoid := avoidZones(singlePrints, bins, lvnIdx)
	if len(avoid) > 3 {
		avoid = avoid[:3]
	}

	confidence := volumeProfileConfidence(len(trades), windowMinutes, wsConnected)
	if confidence < 0.5 {
		flags = append(flags, "low_confidence")
	}

	hvnPrices := make([]float64, len(hvn))
	for i, idx := range hvn {
		hvnPrices[i] = bins[idx].priceMid
	}
	lvnPrices := make([]float64, len(lvnIdx))
	for i, idx := range lvnIdx {
		lvnPrices[i] = bins[idx].priceMid
	}

	return VolumeProfileResult{
		Symbol:       symbol,
		Source:       source,
		TradeCount:   len(trades),
		BinSize:      binSize,
		VPOC:         bins[vpocIdx].priceMid,
		VAH:          bins[vahIdx].priceHi,
		VAL:          bins[valIdx].priceLo,
		HVN:          hvnPrices,
		LVN:          lvnPrices,
		SinglePrints: singlePrints,
		MagnetLevels: magnets,
		AvoidZones:   avoid,
		Confidence:   confidence,
	}, flags
}

func nonZero(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if x > 0 {
			out = append(out, x)
		}
	}
	return out
}

// valueArea greedily expands from the VPOC bin, each step adding whichever
// neighbor (above or below the current range) carries more volume, until
// 70% of total volume is enclosed (§4.9.4).
func valueArea(bins []volumeBin, vpocIdx int, totalVolume float64) (vahIdx, valIdx int) {
	lo, hi := vpocIdx, vpocIdx
	enclosed := bins[vpocIdx].volume
	target := totalVolume * 0.70

	for enclosed < target && (lo > 0 || hi < len(bins)-1) {
		belowVol, aboveVol := -1.0, -1.0
		if lo > 0 {
			belowVol = bins[lo-1].volume
		}
		if hi < len(bins)-1 {
			aboveVol = bins[hi+1].volume
		}
		if aboveVol >= belowVol {
			hi++
			enclosed += bins[hi].volume
		} else {
			lo--
			enclosed += bins[lo].volume
		}
	}
	return hi, lo
}

// singlePrintZones groups runs of 2+ consecutive bins each under 10% of
// mean volume into price zones.
func singlePrintZones(bins []volumeBin, meanVolume float64) []PriceZone {
	var zones []PriceZone
	runStart := -1
	threshold := meanVolume * 0.10
	for i, b := range bins {
		thin := b.volume < threshold
		if thin && runStart == -1 {
			runStart = i
		}
		if !thin && runStart != -1 {
			if i-runStart >= 2 {
				zones = append(zones, PriceZone{LowPrice: bins[runStart].priceLo, HighPrice: bins[i-1].priceHi})
			}
			runStart = -1
		}
	}
	if runStart != -1 && len(bins)-runStart >= 2 {
		zones = append(zones, PriceZone{LowPrice: bins[runStart].priceLo, HighPrice: bins[len(bins)-1].priceHi})
	}
	return zones
}

// magnetLevels surfaces VPOC/VAH/VAL plus any bin carrying outsized
// volume with a strong buy/sell imbalance (§4.9.4).
func magnetLevels(bins []volumeBin, vpocIdx, vahIdx, valIdx int, meanVolume float64) []float64 {
	seen := map[float64]bool{}
	var out []float64
	add := func(p float64) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(bins[vpocIdx].priceMid)
	add(bins[vahIdx].priceHi)
	add(bins[valIdx].priceLo)

	type candidate struct {
		price float64
		vol   float64
	}
	var extra []candidate
	for _, b := range bins {
		total := b.buyVolume + b.sellVolume
		if total == 0 || meanVolume == 0 {
			continue
		}
		deltaPct := (b.buyVolume - b.sellVolume) / total * 100
		if b.volume >= meanVolume*1.5 && math.Abs(deltaPct) > 25 {
			extra = append(extra, candidate{price: b.priceMid, vol: b.volume})
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].vol > extra[j].vol })
	for _, c := range extra {
		if len(out) >= 6 {
			break
		}
		add(c.price)
	}
	if len(out) > 6 {
		out = out[:6]
	}
	return out
}

// avoidZones prefers existing single-print zones and falls back to the
// lowest-volume LVN bins when no single-print runs exist.
func avoidZones(singlePrints []PriceZone, bins []volumeBin, lvnIdx []int) []PriceZone {
	if len(singlePrints) > 0 {
		return singlePrints
	}
	var zones []PriceZone
	for _, idx := range lvnIdx {
		zones = append(zones, PriceZone{LowPrice: bins[idx].priceLo, HighPrice: bins[idx].priceHi})
	}
	return zones
}

func volumeProfileConfidence(tradeCount, windowMinutes int, wsConnected bool) float64 {
	sampleBand := clampFloat(float64(tradeCount)/500, 0, 1)
	coverageBand := clampFloat(float64(windowMinutes)/60, 0, 1)
	connBand := 1.0
	if !wsConnected {
		connBand = 0.5
	}
	return clampFloat(sampleBand*0.4+coverageBand*0.3+connBand*0.3, 0, 1)
}
