// Package marketdata implements the REST market-data collector (§4.7):
// orderbook/trade/mark-price reads under a short-TTL content cache, plus
// the persistent per-symbol trade ring buffer shared with the aggTrade
// stream.
package marketdata

import (
	"sync"
	"time"

	"github.com/binancefutures/coreagent/pkg/types"
)

const (
	tradeBufferCapacity = 500_000
	tradeBufferMaxAge   = 360 * time.Minute
	pruneInterval       = 60 * time.Second
)

// TradeBuffer is a fixed-capacity ring of AggTrade records for one
// symbol: O(1) append (overwriting the oldest entry once full),
// periodic front-pruning by age, and time-ordered range queries.
type TradeBuffer struct {
	mu    sync.Mutex
	data  []types.AggTrade
	start int
	count int
}

// NewTradeBuffer allocates an empty buffer at the standard capacity.
func NewTradeBuffer() *TradeBuffer {
	return &TradeBuffer{data: make([]types.AggTrade, tradeBufferCapacity)}
}

// Append pushes a trade, overwriting the oldest entry if the buffer is
// at capacity.
func (b *TradeBuffer) Append(trade types.AggTrade) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.start + b.count) % tradeBufferCapacity
	b.data[idx] = trade
	if b.count < tradeBufferCapacity {
		b.count++
	} else {
		b.start = (b.start + 1) % tradeBufferCapacity
	}
}

// PruneOlderThan drops every leading entry older than cutoffMs.
func (b *TradeBuffer) PruneOlderThan(cutoffMs int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count > 0 && b.data[b.start].EventTimeMs < cutoffMs {
		b.start = (b.start + 1) % tradeBufferCapacity
		b.count--
	}
}

// Since returns every buffered trade with EventTimeMs >= sinceMs, in
// ascending time order.
func (b *TradeBuffer) Since(sinceMs int64) []types.AggTrade {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.AggTrade, 0, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.start + i) % tradeBufferCapacity
		if b.data[idx].EventTimeMs >= sinceMs {
			out = append(out, b.data[idx])
		}
	}
	return out
}

// OldestTimestampMs returns the event time of the oldest buffered
// trade, or 0 if the buffer is empty.
func (b *TradeBuffer) OldestTimestampMs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0
	}
	return b.data[b.start].EventTimeMs
}

// Len reports the number of buffered trades.
func (b *TradeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
