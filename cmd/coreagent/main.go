// Binance USDⓈ-M futures trading-automation core — a tool-callable
// backend exposing order placement, bracket/TTL orchestration, market
// data, and analytics kernels over the exchange's signed REST+WS APIs.
//
// Architecture:
//
//	main.go                    — entry point: loads config, wires every layer, waits for SIGINT/SIGTERM
//	internal/config            — environment-only configuration (§6)
//	internal/exchange          — signed REST client + HMAC auth
//	internal/ratectl           — rate limiter, retry-with-backoff, parameter cache
//	internal/rules             — exchange filter cache + order-plan validation
//	internal/orders            — order placement/cancellation/status lifecycle tools
//	internal/orchestrator      — bracket (entry + SL/TP) and TTL-cancel job state machines
//	internal/marketdata        — REST order book/trade/mark-price collector + ring buffers
//	internal/stream            — aggTrade WebSocket feed
//	internal/analytics         — queue-fill, fill-probability, wall-persistence, volume-profile, snapshot kernels
//
// There is no dashboard or tool-dispatch HTTP server here — this process
// wires the library layers and keeps them running; hosting the tool
// surface itself is out of scope (spec.md §1 Non-goals). A caller (an
// MCP-style tool host or an in-process test harness) imports App and
// drives its Orders/Brackets/TTL/Market/Analytics fields directly.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/binancefutures/coreagent/internal/analytics"
	"github.com/binancefutures/coreagent/internal/config"
	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/internal/marketdata"
	"github.com/binancefutures/coreagent/internal/orchestrator"
	"github.com/binancefutures/coreagent/internal/orders"
	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/internal/rules"
	"github.com/binancefutures/coreagent/internal/stream"
	"github.com/binancefutures/coreagent/pkg/types"
)

// requestWeightLimit and limiterWindowSec bound Binance's futures REST
// weight budget (§4.1): 2400 weight per rolling minute, kept at half to
// leave headroom for order-endpoint weight spikes alongside market-data
// polling.
const (
	requestWeightLimit = 1200
	limiterWindowSec   = 60
)

// App bundles every wired layer behind the tool surface: order
// lifecycle, bracket/TTL orchestration, market data, and analytics.
type App struct {
	Orders    *orders.Tools
	Brackets  *orchestrator.Brackets
	TTL       *orchestrator.TTLCanceller
	Market    *marketdata.Collector
	Feed      *stream.Stream
	Analytics *analytics.Kernels
}

// newApp wires every layer in dependency order: config -> signed
// client -> rate limiter -> rules -> orders -> orchestrator, and
// separately config -> client -> market data -> stream -> analytics.
func newApp(cfg *config.Config, logger *slog.Logger) *App {
	auth := exchange.NewAuth(cfg)
	client := exchange.NewClient(cfg, auth, logger)
	limiter := ratectl.NewLimiter(requestWeightLimit, limiterWindowSec)

	rulesEngine := rules.NewEngine(client, logger)
	ordersTools := orders.NewTools(client, rulesEngine, limiter, logger)

	collector := marketdata.NewCollector(client, limiter, logger)
	feed := stream.New(cfg.WSBaseURL(), collector, logger)

	return &App{
		Orders:    ordersTools,
		Brackets:  orchestrator.NewBrackets(ordersTools, rulesEngine, logger),
		TTL:       orchestrator.NewTTLCanceller(ordersTools, logger),
		Market:    collector,
		Feed:      feed,
		Analytics: analytics.NewKernels(collector, logger),
	}
}

// run starts the background collector and stream loops and subscribes
// every allowlisted symbol to the aggTrade feed. Blocks until ctx is
// cancelled.
func (a *App) run(ctx context.Context, logger *slog.Logger) {
	go a.Market.Run(ctx)
	go a.Feed.Run(ctx)

	for symbol := range types.AllowedSymbols {
		if err := a.Feed.Subscribe(symbol); err != nil {
			logger.Warn("failed to subscribe symbol to aggtrade feed", "symbol", symbol, "error", err)
		}
	}
	<-ctx.Done()
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	app := newApp(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.run(ctx, logger)

	logger.Info("coreagent started",
		"testnet", cfg.Testnet,
		"rest_base_url", cfg.RESTBaseURL(),
		"ws_base_url", cfg.WSBaseURL(),
		"weight_limit", humanize.Comma(int64(requestWeightLimit)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
}
