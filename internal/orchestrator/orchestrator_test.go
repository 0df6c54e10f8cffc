package orchestrator

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/binancefutures/coreagent/internal/config"
	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/internal/orders"
	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/internal/rules"
)

func testOrdersTools(t *testing.T, handler http.HandlerFunc) (*orders.Tools, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	cfg := &config.Config{APIKey: "key", APISecret: "secret", RecvWindow: 5000}
	auth := exchange.NewAuth(cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := exchange.NewClient(cfg, auth, logger)
	client.SetBaseURL(srv.URL)

	rulesEngine := rules.NewEngine(client, logger)
	limiter := ratectl.NewLimiter(1200, 60)
	tools := orders.NewTools(client, rulesEngine, limiter, logger)

	return tools, srv
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rulesEngineFor(t *testing.T, srv *httptest.Server) *rules.Engine {
	t.Helper()
	cfg := &config.Config{APIKey: "key", APISecret: "secret", RecvWindow: 5000}
	auth := exchange.NewAuth(cfg)
	client := exchange.NewClient(cfg, auth, testLogger())
	client.SetBaseURL(srv.URL)
	return rules.NewEngine(client, testLogger())
}
