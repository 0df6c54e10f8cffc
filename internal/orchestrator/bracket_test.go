package orchestrator

import (
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/binancefutures/coreagent/pkg/types"
)

const exchangeInfoFixture = `{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.10"},
	{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
	{"filterType":"MIN_NOTIONAL","notional":"5"}
]}]}`

// TestInitiateBracketMarketPlacesExitsSynchronously covers §4.4 step 5:
// a MARKET entry is immediately FILLED, so exits are placed without a
// background monitor.
func TestInitiateBracketMarketPlacesExitsSynchronously(t *testing.T) {
	var orderSeq int64
	var mu sync.Mutex
	placedTypes := []string{}

	tools, srv := testOrdersTools(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/fapi/v1/exchangeInfo":
			w.Write([]byte(exchangeInfoFixture))
		case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodPost:
			r.ParseForm()
			id := atomic.AddInt64(&orderSeq, 1)
			mu.Lock()
			placedTypes = append(placedTypes, r.Form.Get("type"))
			mu.Unlock()
			status := "NEW"
			if r.Form.Get("type") == "MARKET" {
				status = "FILLED"
			}
			w.Write([]byte(`{"orderId":` + itoa(id) + `,"status":"` + status + `","executedQty":"0.01","origQty":"0.01"}`))
		case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodGet:
			w.Write([]byte(`{"status":"NEW","executedQty":"0","origQty":"0.01"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer srv.Close()

	brackets := NewBrackets(tools, rulesEngineFor(t, srv), testLogger())

	res := brackets.InitiateBracket(t.Context(), types.OrderPlan{
		Symbol:     "BTCUSDT",
		Side:       types.BUY,
		EntryType:  types.OrderTypeMarket,
		Quantity:   0.01,
		StopLoss:   50000,
		TakeProfits: []types.TakeProfitSpec{
			{Price: 70000},
		},
	}, true)

	if !res.Success {
		t.Fatalf("expected success, got %v", res.Error)
	}
	if res.JobID == "" {
		t.Fatal("expected a job id to be attached")
	}

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(placedTypes) < 3 {
		t.Fatalf("expected entry + SL + TP placed, got %v", placedTypes)
	}
}

// TestInitiateBracketAccruesEstimatedFee covers the commission-estimate
// wiring: each placed leg (entry + SL + TP) adds to EstFeeUSD.
func TestInitiateBracketAccruesEstimatedFee(t *testing.T) {
	var orderSeq int64

	tools, srv := testOrdersTools(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/fapi/v1/exchangeInfo":
			w.Write([]byte(exchangeInfoFixture))
		case r.URL.Path == "/fapi/v1/commissionRate":
			w.Write([]byte(`{"symbol":"BTCUSDT","makerCommissionRate":"0.0002","takerCommissionRate":"0.0004"}`))
		case r.URL.Path == "/fapi/v1/leverageBracket":
			w.Write([]byte(`[{"symbol":"BTCUSDT","brackets":[{"bracket":0,"initialLeverage":20,"notionalCap":50000,"notionalFloor":0,"maintMarginRatio":0.005,"cum":0}]}]`))
		case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodPost:
			r.ParseForm()
			id := atomic.AddInt64(&orderSeq, 1)
			status := "NEW"
			if r.Form.Get("type") == "MARKET" {
				status = "FILLED"
			}
			w.Write([]byte(`{"orderId":` + itoa(id) + `,"status":"` + status + `","executedQty":"0.01","origQty":"0.01"}`))
		case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodGet:
			w.Write([]byte(`{"status":"NEW","executedQty":"0","origQty":"0.01"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer srv.Close()

	brackets := NewBrackets(tools, rulesEngineFor(t, srv), testLogger())

	res := brackets.InitiateBracket(t.Context(), types.OrderPlan{
		Symbol:    "BTCUSDT",
		Side:      types.BUY,
		EntryType: types.OrderTypeMarket,
		Quantity:  0.01,
		StopLoss:  50000,
		TakeProfits: []types.TakeProfitSpec{
			{Price: 70000},
		},
	}, true)
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Error)
	}

	time.Sleep(50 * time.Millisecond)

	status := brackets.GetBracketJobStatus(res.JobID)
	snap := status.Data.(BracketSnapshot)
	if snap.EstFeeUSD <= 0 {
		t.Fatalf("expected a positive accrued fee from taker-rate SL/TP legs, got %v", snap.EstFeeUSD)
	}
}

// TestCancelBracketJobRejectsTerminalJob covers §8: cancelling an
// already-terminal job returns cannot_cancel and never re-issues cancels.
func TestCancelBracketJobRejectsTerminalJob(t *testing.T) {
	var orderSeq int64
	var cancelCount int64

	tools, srv := testOrdersTools(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/fapi/v1/exchangeInfo":
			w.Write([]byte(exchangeInfoFixture))
		case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodPost:
			id := atomic.AddInt64(&orderSeq, 1)
			w.Write([]byte(`{"orderId":` + itoa(id) + `,"status":"NEW","executedQty":"0","origQty":"0.01"}`))
		case r.URL.Path == "/fapi/v1/order" && r.Method == http.MethodDelete:
			atomic.AddInt64(&cancelCount, 1)
			w.Write([]byte(`{"orderId":1,"status":"CANCELED"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	defer srv.Close()

	brackets := NewBrackets(tools, rulesEngineFor(t, srv), testLogger())

	res := brackets.InitiateBracket(t.Context(), types.OrderPlan{
		Symbol:      "BTCUSDT",
		Side:        types.BUY,
		EntryType:   types.OrderTypeLimit,
		EntryPrice:  60000,
		Quantity:    0.01,
		StopLoss:    50000,
		TakeProfits: []types.TakeProfitSpec{{Price: 70000}},
	}, true)
	if !res.Success {
		t.Fatalf("expected success, got %v", res.Error)
	}

	first := brackets.CancelBracketJob(t.Context(), res.JobID)
	if !first.Success {
		t.Fatalf("expected first cancel to succeed while active, got %v", first.Error)
	}
	cancelsAfterFirst := atomic.LoadInt64(&cancelCount)
	if cancelsAfterFirst == 0 {
		t.Fatal("expected the first cancel to issue at least one cancel call")
	}

	second := brackets.CancelBracketJob(t.Context(), res.JobID)
	if second.Success {
		t.Fatal("expected second cancel to fail, job already cancelled")
	}
	if second.Error.Kind != types.ErrCannotCancel {
		t.Fatalf("expected cannot_cancel, got %s", second.Error.Kind)
	}
	if atomic.LoadInt64(&cancelCount) != cancelsAfterFirst {
		t.Fatal("expected no additional cancel calls to be issued for a terminal job")
	}
}

func TestGetBracketJobStatusNotFound(t *testing.T) {
	tools, srv := testOrdersTools(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(exchangeInfoFixture))
	})
	defer srv.Close()

	brackets := NewBrackets(tools, rulesEngineFor(t, srv), testLogger())
	res := brackets.GetBracketJobStatus("brkt_missing")
	if res.Success {
		t.Fatal("expected not_found for unknown job id")
	}
	if res.Error.Kind != types.ErrNotFound {
		t.Fatalf("expected not_found kind, got %s", res.Error.Kind)
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
