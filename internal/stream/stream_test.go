package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/binancefutures/coreagent/internal/config"
	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/internal/marketdata"
	"github.com/binancefutures/coreagent/internal/ratectl"
)

func testCollector(t *testing.T) *marketdata.Collector {
	t.Helper()
	cfg := &config.Config{APIKey: "key", APISecret: "secret", RecvWindow: 5000}
	auth := exchange.NewAuth(cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := exchange.NewClient(cfg, auth, logger)
	limiter := ratectl.NewLimiter(1200, 60)
	return marketdata.NewCollector(client, limiter, logger)
}

func TestStreamReceivesAggTradeAndFillsBuffer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connected := make(chan *websocket.Conn, 1)
	requestPaths := make(chan string, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestPaths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		connected <- conn
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	collector := testCollector(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(wsURL, collector, logger)

	ctx, cancelFn := context.WithCancel(t.Context())
	defer cancelFn()

	go s.Run(ctx)

	if err := s.Subscribe("BTCUSDT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := s.WaitForConnection(ctx, 2*time.Second); err != nil {
		t.Fatalf("wait for connection: %v", err)
	}

	var serverConn *websocket.Conn
	select {
	case serverConn = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a connection")
	}

	select {
	case path := <-requestPaths:
		if !strings.HasPrefix(path, "/ws/") {
			t.Fatalf("expected dial path to start with /ws/, got %q", path)
		}
	default:
		t.Fatal("expected to observe the dial request path")
	}

	msg := `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1000,"s":"BTCUSDT","a":5,"p":"50000.50","q":"0.25","f":1,"l":1,"T":1000,"m":false}}`
	if err := serverConn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if collector.Buffer("BTCUSDT").Len() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	buf := collector.Buffer("BTCUSDT")
	if buf.Len() != 1 {
		t.Fatalf("expected 1 buffered trade, got %d", buf.Len())
	}
	trades := buf.Since(0)
	if trades[0].Price != 50000.50 {
		t.Fatalf("expected price 50000.50, got %v", trades[0].Price)
	}
}

