package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/binancefutures/coreagent/internal/orders"
	"github.com/binancefutures/coreagent/pkg/types"
)

// TTLJob is the mutable state of one TTL cancel job (§4.5).
type TTLJob struct {
	mu sync.Mutex

	ID                string
	Symbol            string
	OrderID           int64
	ScheduledAt       time.Time
	TTLSeconds        int
	Status            types.TTLStatus
	FinalOrderStatus  types.OrderStatus
	Action            string // "cancelled" or "no_action"
	ExecutedQty       float64
	AvgPrice          float64

	cancelled bool
}

func (j *TTLJob) setCancelled() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
}

func (j *TTLJob) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *TTLJob) setStatus(s types.TTLStatus) {
	j.mu.Lock()
	j.Status = s
	j.mu.Unlock()
}

// TTLSnapshot is the observable view returned by GetTTLJobStatus.
type TTLSnapshot struct {
	ID               string            `json:"id"`
	Symbol           string            `json:"symbol"`
	OrderID          int64             `json:"order_id"`
	ScheduledAt      time.Time         `json:"scheduled_at"`
	TTLSeconds       int               `json:"ttl_seconds"`
	Status           types.TTLStatus   `json:"status"`
	FinalOrderStatus types.OrderStatus `json:"final_order_status,omitempty"`
	Action           string            `json:"action,omitempty"`
	ExecutedQty      float64           `json:"executed_qty,omitempty"`
	AvgPrice         float64           `json:"avg_price,omitempty"`
}

func (j *TTLJob) snapshot() TTLSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return TTLSnapshot{
		ID:               j.ID,
		Symbol:           j.Symbol,
		OrderID:          j.OrderID,
		ScheduledAt:      j.ScheduledAt,
		TTLSeconds:       j.TTLSeconds,
		Status:           j.Status,
		FinalOrderStatus: j.FinalOrderStatus,
		Action:           j.Action,
		ExecutedQty:      j.ExecutedQty,
		AvgPrice:         j.AvgPrice,
	}
}

// TTLResult is the result payload shared by both blocking and
// non-blocking completions (§4.5).
type TTLResult struct {
	Action         string            `json:"action"`
	FinalStatus    types.OrderStatus `json:"final_status"`
	ExecutedQty    float64           `json:"executed_qty,omitempty"`
	AvgPrice       float64           `json:"avg_price,omitempty"`
	WaitedSeconds  float64           `json:"waited_seconds,omitempty"`
}

// TTLCanceller orchestrates conditional order cancellation after a
// bounded wait (§4.5).
type TTLCanceller struct {
	registry *Registry[*TTLJob]
	orders   *orders.Tools
	logger   *slog.Logger
}

// NewTTLCanceller builds the TTL cancel orchestrator.
func NewTTLCanceller(ordersTools *orders.Tools, logger *slog.Logger) *TTLCanceller {
	return &TTLCanceller{
		registry: NewRegistry[*TTLJob](),
		orders:   ordersTools,
		logger:   logger.With("component", "ttl_orchestrator"),
	}
}

// resolveOrderID resolves origClientOrderID to an order id up-front, as
// required before scheduling (§4.5 Parameters).
func (t *TTLCanceller) resolveOrderID(ctx context.Context, symbol string, orderID int64, origClientOrderID string) (int64, types.OrderStatus, error) {
	res := t.orders.GetOrderStatus(ctx, symbol, orderID, origClientOrderID)
	if !res.Success {
		return 0, "", fmt.Errorf(res.Error.Message)
	}
	st, ok := res.Data.(orders.OrderStatusResult)
	if !ok {
		return 0, "", fmt.Errorf("unexpected order status payload")
	}
	resolvedID := orderID
	if resolvedID == 0 {
		if raw, ok := st.Raw["orderId"]; ok {
			switch id := raw.(type) {
			case float64:
				resolvedID = int64(id)
			case string:
				if parsed, err := strconv.ParseInt(id, 10, 64); err == nil {
					resolvedID = parsed
				}
			}
		}
	}
	return resolvedID, st.Status, nil
}

// CancelOnTTL schedules (or immediately performs) a conditional cancel
// after ttlSeconds. Pre-check: if the order is already terminal, return
// a synchronous no_action (§4.5 Pre-check).
func (t *TTLCanceller) CancelOnTTL(ctx context.Context, symbol string, orderID int64, origClientOrderID string, ttlSeconds int, blocking bool) types.Result {
	symbol, err := normalizeTTLSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}
	if ttlSeconds <= 0 || ttlSeconds > 600 {
		return types.Fail(types.NewError(types.ErrValidation, "ttl_seconds must be in (0, 600]"))
	}

	resolvedID, status, err := t.resolveOrderID(ctx, symbol, orderID, origClientOrderID)
	if err != nil {
		return types.Fail(types.NewError(types.ErrDataError, err.Error()))
	}
	if status.IsTerminal() {
		return types.Ok(TTLResult{Action: "no_action", FinalStatus: status})
	}

	if blocking {
		return t.runBlocking(ctx, symbol, resolvedID, ttlSeconds)
	}

	job := &TTLJob{
		ID:          newJobID("ttl"),
		Symbol:      symbol,
		OrderID:     resolvedID,
		ScheduledAt: time.Now(),
		TTLSeconds:  ttlSeconds,
		Status:      types.TTLScheduled,
	}
	t.registry.Put(job.ID, job)
	go t.runNonBlocking(ctx, job)

	return types.Ok(job.snapshot()).WithJobID(job.ID)
}

func normalizeTTLSymbol(symbol string) (string, error) {
	if !types.AllowedSymbols[symbol] {
		return "", fmt.Errorf("symbol %q is not allowlisted", symbol)
	}
	return symbol, nil
}

func (t *TTLCanceller) runBlocking(ctx context.Context, symbol string, orderID int64, ttlSeconds int) types.Result {
	start := time.Now()
	select {
	case <-ctx.Done():
		return types.Fail(types.NewError(types.ErrCancelFailed, ctx.Err().Error()))
	case <-time.After(time.Duration(ttlSeconds) * time.Second):
	}

	waited := time.Since(start).Seconds()

	statusRes := t.orders.GetOrderStatus(ctx, symbol, orderID, "")
	if !statusRes.Success {
		return types.Fail(statusRes.Error)
	}
	st, _ := statusRes.Data.(orders.OrderStatusResult)
	if st.Status.IsTerminal() {
		return types.Ok(TTLResult{Action: "no_action", FinalStatus: st.Status, WaitedSeconds: waited})
	}

	cancelRes := t.orders.CancelOrder(ctx, symbol, orderID, "")
	if !cancelRes.Success {
		return cancelRes
	}
	parsed, _ := cancelRes.Data.(map[string]interface{})
	return types.Ok(TTLResult{
		Action:        "cancelled",
		FinalStatus:   orderStatusFromMap(parsed),
		ExecutedQty:   floatFromMap(parsed, "executedQty"),
		AvgPrice:      floatFromMap(parsed, "avgPrice"),
		WaitedSeconds: waited,
	})
}

func (t *TTLCanceller) runNonBlocking(ctx context.Context, job *TTLJob) {
	job.setStatus(types.TTLWaiting)

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(job.TTLSeconds) * time.Second):
	}

	if job.isCancelled() {
		job.setStatus(types.TTLCancelled)
		return
	}

	job.setStatus(types.TTLExecuting)

	statusRes := t.orders.GetOrderStatus(ctx, job.Symbol, job.OrderID, "")
	if !statusRes.Success {
		job.mu.Lock()
		job.Status = types.TTLError
		job.mu.Unlock()
		return
	}
	st, _ := statusRes.Data.(orders.OrderStatusResult)

	if st.Status.IsTerminal() {
		job.mu.Lock()
		job.Action = "no_action"
		job.FinalOrderStatus = st.Status
		job.Status = types.TTLCompleted
		job.mu.Unlock()
		return
	}

	cancelRes := t.orders.CancelOrder(ctx, job.Symbol, job.OrderID, "")

	job.mu.Lock()
	defer job.mu.Unlock()
	if !cancelRes.Success {
		job.Status = types.TTLError
		return
	}
	parsed, _ := cancelRes.Data.(map[string]interface{})
	job.Action = "cancelled"
	job.FinalOrderStatus = orderStatusFromMap(parsed)
	job.ExecutedQty = floatFromMap(parsed, "executedQty")
	job.AvgPrice = floatFromMap(parsed, "avgPrice")
	job.Status = types.TTLCompleted
}

// GetTTLJobStatus snapshots a non-blocking job.
func (t *TTLCanceller) GetTTLJobStatus(id string) types.Result {
	job, ok := t.registry.Get(id)
	if !ok {
		return types.Fail(types.NewError(types.ErrNotFound, fmt.Sprintf("ttl job %s not found", id)))
	}
	return types.Ok(job.snapshot()).WithJobID(id)
}

// CancelTTLJob is valid only when the job is scheduled or waiting
// (§4.5); it flips both the cancelled flag and the terminal status.
func (t *TTLCanceller) CancelTTLJob(id string) types.Result {
	job, ok := t.registry.Get(id)
	if !ok {
		return types.Fail(types.NewError(types.ErrNotFound, fmt.Sprintf("ttl job %s not found", id)))
	}

	job.mu.Lock()
	status := job.Status
	job.mu.Unlock()
	if status != types.TTLScheduled && status != types.TTLWaiting {
		return types.Fail(types.NewError(types.ErrCannotCancel, fmt.Sprintf("ttl job %s is %s, cannot be cancelled", id, status)))
	}

	job.setCancelled()
	job.setStatus(types.TTLCancelled)
	return types.Ok(job.snapshot()).WithJobID(id)
}

func orderStatusFromMap(m map[string]interface{}) types.OrderStatus {
	if m == nil {
		return ""
	}
	s, _ := m["status"].(string)
	return types.OrderStatus(s)
}

func floatFromMap(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}
