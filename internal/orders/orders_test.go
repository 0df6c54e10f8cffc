package orders

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/binancefutures/coreagent/internal/config"
	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/internal/rules"
)

func testTools(t *testing.T, handler http.HandlerFunc) (*Tools, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	cfg := &config.Config{APIKey: "key", APISecret: "secret", RecvWindow: 5000}
	auth := exchange.NewAuth(cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := exchange.NewClient(cfg, auth, logger)
	client.SetBaseURL(srv.URL)

	rulesEngine := rules.NewEngine(client, logger)
	limiter := ratectl.NewLimiter(1200, 60)
	tools := NewTools(client, rulesEngine, limiter, logger)

	return tools, srv
}

func TestPlaceOrderRejectsUnlistedSymbol(t *testing.T) {
	tools, srv := testTools(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for an unlisted symbol")
	})
	defer srv.Close()

	res := tools.PlaceOrder(t.Context(), PlaceOrderParams{
		Symbol:   "DOGEUSDT",
		Side:     "BUY",
		Type:     "LIMIT",
		Price:    0.1,
		Quantity: 100,
	})
	if res.Success {
		t.Fatal("expected failure for unlisted symbol")
	}
	if res.Error.Kind != "validation_error" {
		t.Fatalf("expected validation_error, got %s", res.Error.Kind)
	}
}

func TestPlaceOrderRejectsPostOnlyMarket(t *testing.T) {
	tools, srv := testTools(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called")
	})
	defer srv.Close()

	res := tools.PlaceOrder(t.Context(), PlaceOrderParams{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     "MARKET",
		Quantity: 0.01,
		PostOnly: true,
	})
	if res.Success {
		t.Fatal("expected failure for post_only MARKET order")
	}
}

func TestPlaceOrderRejectsStopFamilyWithoutStopPrice(t *testing.T) {
	tools, srv := testTools(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called")
	})
	defer srv.Close()

	res := tools.PlaceOrder(t.Context(), PlaceOrderParams{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     "STOP_MARKET",
		Quantity: 0.01,
	})
	if res.Success {
		t.Fatal("expected failure for missing stop price")
	}
}
