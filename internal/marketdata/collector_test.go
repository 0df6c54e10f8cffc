package marketdata

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/binancefutures/coreagent/internal/config"
	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/pkg/types"
)

func testCollector(t *testing.T, handler http.HandlerFunc) (*Collector, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	cfg := &config.Config{APIKey: "key", APISecret: "secret", RecvWindow: 5000}
	auth := exchange.NewAuth(cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := exchange.NewClient(cfg, auth, logger)
	client.SetBaseURL(srv.URL)

	limiter := ratectl.NewLimiter(1200, 60)
	return NewCollector(client, limiter, logger), srv
}

func TestFetchOrderbookRejectsInvalidLimit(t *testing.T) {
	collector, srv := testCollector(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for an invalid limit")
	})
	defer srv.Close()

	res := collector.FetchOrderbook(t.Context(), "BTCUSDT", 7)
	if res.Success {
		t.Fatal("expected validation failure for limit=7")
	}
}

func TestFetchOrderbookCachesWithinTTL(t *testing.T) {
	calls := 0
	collector, srv := testCollector(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"lastUpdateId":1,"E":100,"T":100,"bids":[["50000.0","1.0"]],"asks":[["50010.0","2.0"]]}`))
	})
	defer srv.Close()

	res1 := collector.FetchOrderbook(t.Context(), "BTCUSDT", 5)
	if !res1.Success {
		t.Fatalf("unexpected error: %v", res1.Error)
	}
	res2 := collector.FetchOrderbook(t.Context(), "BTCUSDT", 5)
	if !res2.Success {
		t.Fatalf("unexpected error: %v", res2.Error)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls)
	}
	if res2.CacheHit == nil || !*res2.CacheHit {
		t.Fatal("expected second fetch to be a cache hit")
	}
}

func TestFetchRecentTradesPopulatesBuffer(t *testing.T) {
	tradeMs := time.Now().UnixMilli()
	collector, srv := testCollector(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"a":1,"p":"50000.0","q":"0.5","f":1,"l":1,"T":%d,"m":false}]`, tradeMs)
	})
	defer srv.Close()

	res := collector.FetchRecentTrades(t.Context(), "BTCUSDT", 10)
	if !res.Success {
		t.Fatalf("unexpected error: %v", res.Error)
	}

	buffered := collector.GetBufferedTrades("BTCUSDT", 3600)
	if !buffered.Success {
		t.Fatalf("unexpected error: %v", buffered.Error)
	}
	trades, ok := buffered.Data.([]types.AggTrade)
	if !ok || len(trades) != 1 {
		t.Fatalf("expected one buffered trade, got %+v", buffered.Data)
	}
	if trades[0].Price != 50000.0 {
		t.Fatalf("expected parsed price 50000.0, got %v", trades[0].Price)
	}
}

func TestEnsureTradeHistorySkipsWhenAlreadyCovered(t *testing.T) {
	calls := 0
	collector, srv := testCollector(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`[{"a":1,"p":"50000.0","q":"0.5","f":1,"l":1,"T":1000,"m":false}]`))
	})
	defer srv.Close()

	collector.FetchRecentTrades(t.Context(), "BTCUSDT", 10)
	if calls != 1 {
		t.Fatalf("expected 1 call after seed fetch, got %d", calls)
	}

	res := collector.EnsureTradeHistory(t.Context(), "BTCUSDT", 1)
	if !res.Success {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if calls != 1 {
		t.Fatalf("expected no backfill fetch when the buffer already covers the lookback, got %d calls", calls)
	}
}

func TestRingBufferAppendAndPrune(t *testing.T) {
	buf := NewTradeBuffer()
	buf.Append(makeTrade(1, 1000))
	buf.Append(makeTrade(2, 2000))
	buf.Append(makeTrade(3, 3000))

	if buf.Len() != 3 {
		t.Fatalf("expected 3 buffered trades, got %d", buf.Len())
	}

	buf.PruneOlderThan(2000)
	if buf.Len() != 2 {
		t.Fatalf("expected 2 trades after pruning, got %d", buf.Len())
	}
	if buf.OldestTimestampMs() != 2000 {
		t.Fatalf("expected oldest timestamp 2000, got %d", buf.OldestTimestampMs())
	}

	since := buf.Since(2500)
	if len(since) != 1 || since[0].EventTimeMs != 3000 {
		t.Fatalf("unexpected Since() result: %+v", since)
	}
}

func makeTrade(id int64, tsMs int64) types.AggTrade {
	return types.AggTrade{AggID: id, EventTimeMs: tsMs}
}
