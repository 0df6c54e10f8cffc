package analytics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/binancefutures/coreagent/internal/config"
	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/internal/marketdata"
	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/pkg/types"
)

func testKernels(t *testing.T, handler http.HandlerFunc) (*Kernels, *marketdata.Collector, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	cfg := &config.Config{APIKey: "key", APISecret: "secret", RecvWindow: 5000}
	auth := exchange.NewAuth(cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := exchange.NewClient(cfg, auth, logger)
	client.SetBaseURL(srv.URL)

	limiter := ratectl.NewLimiter(1200, 60)
	collector := marketdata.NewCollector(client, limiter, logger)
	return NewKernels(collector, logger), collector, srv
}

const depthFixture = `{"lastUpdateId":1,"E":100,"T":100,` +
	`"bids":[["50000.0","2.0"],["49990.0","1.0"],["49980.0","1.0"],["49970.0","1.0"],["49960.0","1.0"]],` +
	`"asks":[["50010.0","2.0"],["50020.0","1.0"],["50030.0","1.0"],["50040.0","1.0"],["50050.0","1.0"]]}`

const markFixture = `{"symbol":"BTCUSDT","markPrice":"50005.0","indexPrice":"50004.0","lastFundingRate":"0.0001","nextFundingTime":0,"time":100}`

func multiplexHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case contains(r.URL.Path, "depth"):
			w.Write([]byte(depthFixture))
		case contains(r.URL.Path, "premiumIndex"):
			w.Write([]byte(markFixture))
		case contains(r.URL.Path, "aggTrades"):
			w.Write([]byte(`[]`))
		default:
			t.Fatalf("unexpected request: %s", r.URL.Path)
		}
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestEstimateQueueFillRejectsTooManyPrices(t *testing.T) {
	k, _, srv := testKernels(t, multiplexHandler(t))
	defer srv.Close()

	res := k.EstimateQueueFill(t.Context(), QueueFillInput{
		Symbol: "BTCUSDT", Side: types.BUY,
		Prices: []float64{1, 2, 3, 4, 5, 6}, TargetQty: 1, LookbackSeconds: 60,
	})
	if res.Success {
		t.Fatal("expected validation failure for 6 price levels")
	}
}

func TestEstimateQueueFillEmptyQueueAlwaysFills(t *testing.T) {
	k, _, srv := testKernels(t, multiplexHandler(t))
	defer srv.Close()

	res := k.EstimateQueueFill(t.Context(), QueueFillInput{
		Symbol: "BTCUSDT", Side: types.BUY,
		Prices: []float64{60000}, TargetQty: 0, LookbackSeconds: 60,
	})
	if !res.Success {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	payload := res.Data.(QueueFillResult)
	if payload.Levels[0].FillProb30s != 1.0 {
		t.Fatalf("expected fill prob 1.0 for an empty queue, got %v", payload.Levels[0].FillProb30s)
	}
}

func TestEstimateFillProbabilityDefaultsHorizons(t *testing.T) {
	k, _, srv := testKernels(t, multiplexHandler(t))
	defer srv.Close()

	res := k.EstimateFillProbability(t.Context(), FillProbInput{
		Symbol: "BTCUSDT", Side: types.SELL, Price: 50020, TargetQty: 1, LookbackSeconds: 60,
	})
	if !res.Success {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	payload := res.Data.(FillProbResult)
	if len(payload.Horizons) != 3 {
		t.Fatalf("expected 3 default horizons, got %d", len(payload.Horizons))
	}
}

func TestEstimateFillProbabilityCachesWithinTTL(t *testing.T) {
	calls := 0
	k, _, srv := testKernels(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		multiplexHandler(t)(w, r)
	})
	defer srv.Close()

	in := FillProbInput{Symbol: "BTCUSDT", Side: types.BUY, Price: 49990, TargetQty: 1, LookbackSeconds: 60}
	res1 := k.EstimateFillProbability(t.Context(), in)
	res2 := k.EstimateFillProbability(t.Context(), in)
	if !res1.Success || !res2.Success {
		t.Fatalf("unexpected error: %v / %v", res1.Error, res2.Error)
	}
	if res2.CacheHit == nil || !*res2.CacheHit {
		t.Fatal("expected second fill-probability call to be a cache hit")
	}
}

func TestPoissonCumulativeFillMatchesExponentialAtLowLambdaT(t *testing.T) {
	// For very small lambda*t the discrete Poisson sum should approach
	// the continuous exponential model's small-Q behaviour.
	p := poissonCumulativeFill(0.01, 1, 1)
	if p < 0 || p > 0.05 {
		t.Fatalf("expected near-zero probability for tiny lambda*t, got %v", p)
	}
}

func TestPoissonCumulativeFillZeroQueueAlwaysFills(t *testing.T) {
	if p := poissonCumulativeFill(1, 0, 10); p != 1.0 {
		t.Fatalf("expected probability 1.0 for empty queue, got %v", p)
	}
}

func TestComputeVolumeProfileWebSocketInsufficientData(t *testing.T) {
	k, collector, srv := testKernels(t, multiplexHandler(t))
	defer srv.Close()

	collector.Buffer("BTCUSDT").Append(types.AggTrade{AggID: 1, Price: 50000, Qty: 1, EventTimeMs: 1})

	res := k.ComputeVolumeProfile(t.Context(), VolumeProfileInput{
		Symbol: "BTCUSDT", WindowMinutes: 60, Source: VolumeProfileSourceWebSocket,
	})
	if !res.Success {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	found := false
	for _, f := range res.QualityFlags {
		if f == "insufficient_trade_data" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected insufficient_trade_data quality flag, got %v", res.QualityFlags)
	}
}

func TestComputeVolumeProfileBuildsBinsFromBufferedTrades(t *testing.T) {
	k, collector, srv := testKernels(t, multiplexHandler(t))
	defer srv.Close()

	buf := collector.Buffer("BTCUSDT")
	nowMs := time.Now().UnixMilli()
	for i := 0; i < 150; i++ {
		price := 50000.0 + float64(i%10)*5
		buf.Append(types.AggTrade{AggID: int64(i), Price: price, Qty: 1, EventTimeMs: nowMs + int64(i)})
	}

	res := k.ComputeVolumeProfile(t.Context(), VolumeProfileInput{
		Symbol: "BTCUSDT", WindowMinutes: 60, Source: VolumeProfileSourceWebSocket,
	})
	if !res.Success {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	payload := res.Data.(VolumeProfileResult)
	if payload.VPOC == 0 {
		t.Fatal("expected a non-zero VPOC")
	}
	if payload.TradeCount != 150 {
		t.Fatalf("expected trade count 150, got %d", payload.TradeCount)
	}
}

func TestRoundToNiceBinSnapsToTiers(t *testing.T) {
	cases := map[float64]float64{100: 50, 20: 10, 7: 5, 2: 1, 0.5: 0.1, 0.001: 0.01}
	for raw, want := range cases {
		if got := roundToNiceBin(raw); got != want {
			t.Fatalf("roundToNiceBin(%v) = %v, want %v", raw, got, want)
		}
	}
}
