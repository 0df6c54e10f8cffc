// Package stream implements the aggregated-trade WebSocket feed (§4.6):
// one persistent connection to the futures combined-stream endpoint,
// dynamic SUBSCRIBE/UNSUBSCRIBE control frames, and automatic
// reconnection with exponential backoff — grounded on the teacher's
// internal/exchange/ws.go WSFeed (single connection, subscription set
// re-sent on reconnect, ping loop, exponential backoff), generalized
// from the teacher's dual public/private channel split to this
// domain's single public aggTrade channel.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/valyala/fastjson"

	"github.com/binancefutures/coreagent/internal/marketdata"
	"github.com/binancefutures/coreagent/pkg/types"
)

const (
	baseBackoff  = 1 * time.Second
	maxBackoff   = 60 * time.Second
	pingInterval = 20 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
)

// Stream maintains one WebSocket connection subscribed to the aggTrade
// stream of every tracked symbol, handing parsed trades to a
// marketdata.Collector's per-symbol ring buffers.
type Stream struct {
	wsBaseURL string
	collector *marketdata.Collector
	logger    *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	stateMu     sync.Mutex
	connected   bool
	connectedCh chan struct{}

	triggerCh chan struct{}
	reqID     int64
}

// New builds a Stream against wsBaseURL (already resolved to
// prod/testnet at process start per §4.6 "read once from environment").
func New(wsBaseURL string, collector *marketdata.Collector, logger *slog.Logger) *Stream {
	return &Stream{
		wsBaseURL:   wsBaseURL,
		collector:   collector,
		logger:      logger.With("component", "aggtrade_stream"),
		subscribed:  make(map[string]bool),
		connectedCh: make(chan struct{}),
		triggerCh:   make(chan struct{}, 1),
	}
}

// Subscribe adds symbols to the tracked set. If already connected, a
// SUBSCRIBE control frame is sent; otherwise the connect loop is woken
// (§4.6 Subscription).
func (s *Stream) Subscribe(symbols ...string) error {
	added := s.addSymbols(symbols, true)
	if len(added) == 0 {
		return nil
	}

	if s.isConnected() {
		return s.sendControl("SUBSCRIBE", streamNames(added))
	}

	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
	return nil
}

// Unsubscribe removes symbols from the tracked set and sends an
// UNSUBSCRIBE control frame if connected.
func (s *Stream) Unsubscribe(symbols ...string) error {
	removed := s.addSymbols(symbols, false)
	if len(removed) == 0 || !s.isConnected() {
		return nil
	}
	return s.sendControl("UNSUBSCRIBE", streamNames(removed))
}

func (s *Stream) addSymbols(symbols []string, add bool) []string {
	s.subscribedMu.Lock()
	defer s.subscribedMu.Unlock()

	var changed []string
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		if add {
			if !s.subscribed[sym] {
				s.subscribed[sym] = true
				changed = append(changed, sym)
			}
		} else {
			if s.subscribed[sym] {
				delete(s.subscribed, sym)
				changed = append(changed, sym)
			}
		}
	}
	return changed
}

func streamNames(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, sym := range symbols {
		out[i] = strings.ToLower(sym) + "@aggTrade"
	}
	return out
}

func (s *Stream) currentStreamNames() []string {
	s.subscribedMu.RLock()
	defer s.subscribedMu.RUnlock()
	symbols := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		symbols = append(symbols, sym)
	}
	return streamNames(symbols)
}

// WaitForConnection blocks until connected or timeout elapses (§4.6
// Connection readiness).
func (s *Stream) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	s.stateMu.Lock()
	if s.connected {
		s.stateMu.Unlock()
		return nil
	}
	ch := s.connectedCh
	s.stateMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for stream connection after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) isConnected() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.connected
}

func (s *Stream) setConnected(connected bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if connected == s.connected {
		return
	}
	s.connected = connected
	if connected {
		close(s.connectedCh)
	} else {
		s.connectedCh = make(chan struct{})
	}
}

// Run connects and maintains the connection with exponential backoff
// (1s base, 60s cap, reset on successful connect), reconnecting
// whenever the set of tracked symbols is non-empty. Blocks until ctx is
// cancelled.
func (s *Stream) Run(ctx context.Context) {
	backoff := baseBackoff

	for {
		if len(s.currentStreamNames()) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.triggerCh:
			}
			continue
		}

		err := s.connectAndRead(ctx)
		wasConnected := s.isConnected()
		s.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if wasConnected {
			backoff = baseBackoff
		}

		s.logger.Warn("aggtrade stream disconnected, reconnecting",
			"error", err, "backoff", humanize.RelTime(time.Now(), time.Now().Add(backoff), "", ""))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	streams := s.currentStreamNames()
	url := s.wsBaseURL + "/ws/" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.setConnected(true)
	s.logger.Info("aggtrade stream connected", "streams", streams)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(msg)
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				s.logger.Warn("aggtrade stream ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) sendControl(method string, params []string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("aggtrade stream not connected")
	}
	id := atomic.AddInt64(&s.reqID, 1)
	msg := map[string]interface{}{"method": method, "params": params, "id": id}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// dispatch sniffs the event type with fastjson before paying for a full
// decode, then hands a parsed aggTrade record to the collector's ring
// buffer for the uppercased symbol (§4.6 Message contract).
func (s *Stream) dispatch(data []byte) {
	var parser fastjson.Parser
	val, err := parser.ParseBytes(data)
	if err != nil {
		return
	}

	payload := val
	if d := val.Get("data"); d != nil {
		payload = d
	}

	eventType := string(payload.GetStringBytes("e"))
	if eventType != "aggTrade" {
		return
	}

	var wire wireAggTrade
	if err := json.Unmarshal(payload.MarshalTo(nil), &wire); err != nil {
		s.logger.Error("unmarshal aggTrade event", "error", err)
		return
	}

	trade := types.AggTrade{
		AggID:        wire.AggID,
		PriceStr:     wire.PriceStr,
		QtyStr:       wire.QtyStr,
		FirstTradeID: wire.FirstTradeID,
		LastTradeID:  wire.LastTradeID,
		EventTimeMs:  wire.TradeTimeMs,
		BuyerIsMaker: wire.BuyerIsMaker,
	}
	trade.Price, _ = strconv.ParseFloat(wire.PriceStr, 64)
	trade.Qty, _ = strconv.ParseFloat(wire.QtyStr, 64)

	symbol := strings.ToUpper(wire.Symbol)
	s.collector.Buffer(symbol).Append(trade)
}

type wireAggTrade struct {
	EventType    string `json:"e"`
	EventTimeMs  int64  `json:"E"`
	Symbol       string `json:"s"`
	AggID        int64  `json:"a"`
	PriceStr     string `json:"p"`
	QtyStr       string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTimeMs  int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}
