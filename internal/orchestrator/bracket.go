package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/binancefutures/coreagent/internal/orders"
	"github.com/binancefutures/coreagent/internal/rules"
	"github.com/binancefutures/coreagent/pkg/types"
)

const (
	bracketPollInterval = 2 * time.Second
	bracketWallClockCap = 1 * time.Hour
)

// exitLeg is one placed reduce-only exit order (the stop-loss or a
// single take-profit leg) tracked for the OCO-like Phase 2 watch.
type exitLeg struct {
	OrderID int64  `json:"order_id"`
	Kind    string `json:"kind"` // "sl" or "tp"
}

// BracketJob is the mutable state of one bracket order (§4.4), guarded
// by its own mutex so the monitor worker and status/cancel queries can
// touch it concurrently.
type BracketJob struct {
	mu sync.Mutex

	ID        string
	Symbol    string
	Side      types.Side
	EntryType types.OrderType
	CreatedAt time.Time

	EntryOrderID int64
	EntryStatus  types.OrderStatus
	FilledQty    float64
	EstFeeUSD    float64
	LeverageTier int
	MaintMargin  float64

	exits          []exitLeg
	SLError        string   `json:"sl_error,omitempty"`
	TPErrors       []string `json:"tp_errors,omitempty"`
	TriggeredExit  int64    `json:"triggered_exit,omitempty"`
	TriggerType    string   `json:"trigger_type,omitempty"`
	CancelledExits []int64  `json:"cancelled_exits,omitempty"`

	Status types.BracketStatus

	cancelled bool
}

func (j *BracketJob) setCancelled() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
}

func (j *BracketJob) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// BracketSnapshot is the observable view returned by GetBracketJobStatus.
type BracketSnapshot struct {
	ID             string               `json:"id"`
	Symbol         string               `json:"symbol"`
	Side           types.Side           `json:"side"`
	Status         types.BracketStatus  `json:"status"`
	EntryOrderID   int64                `json:"entry_order_id"`
	EntryStatus    types.OrderStatus    `json:"entry_status"`
	FilledQty      float64              `json:"filled_qty"`
	EstFeeUSD      float64              `json:"est_fee_usd"`
	LeverageTier   int                  `json:"leverage_tier"`
	MaintMargin    float64              `json:"maint_margin_ratio"`
	SLError        string               `json:"sl_error,omitempty"`
	TPErrors       []string             `json:"tp_errors,omitempty"`
	TriggeredExit  int64                `json:"triggered_exit,omitempty"`
	TriggerType    string               `json:"trigger_type,omitempty"`
	CancelledExits []int64              `json:"cancelled_exits,omitempty"`
	Exits          []exitLeg            `json:"exits"`
	CreatedAt      time.Time            `json:"created_at"`
}

func (j *BracketJob) snapshot() BracketSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return BracketSnapshot{
		ID:             j.ID,
		Symbol:         j.Symbol,
		Side:           j.Side,
		Status:         j.Status,
		EntryOrderID:   j.EntryOrderID,
		EntryStatus:    j.EntryStatus,
		FilledQty:      j.FilledQty,
		EstFeeUSD:      j.EstFeeUSD,
		LeverageTier:   j.LeverageTier,
		MaintMargin:    j.MaintMargin,
		SLError:        j.SLError,
		TPErrors:       append([]string(nil), j.TPErrors...),
		TriggeredExit:  j.TriggeredExit,
		TriggerType:    j.TriggerType,
		CancelledExits: append([]int64(nil), j.CancelledExits...),
		Exits:          append([]exitLeg(nil), j.exits...),
		CreatedAt:      j.CreatedAt,
	}
}

// Brackets orchestrates bracket (entry + SL + TPs) orders (§4.4).
type Brackets struct {
	registry *Registry[*BracketJob]
	orders   *orders.Tools
	rules    *rules.Engine
	logger   *slog.Logger
}

// NewBrackets builds the bracket orchestrator.
func NewBrackets(ordersTools *orders.Tools, rulesEngine *rules.Engine, logger *slog.Logger) *Brackets {
	return &Brackets{
		registry: NewRegistry[*BracketJob](),
		orders:   ordersTools,
		rules:    rulesEngine,
		logger:   logger.With("component", "bracket_orchestrator"),
	}
}

// InitiateBracket validates the plan, submits the entry, and either
// places exits synchronously (entry already filled, or waitForEntry is
// false) or spawns a background monitor (§4.4 Initiation steps 1-5).
func (b *Brackets) InitiateBracket(ctx context.Context, plan types.OrderPlan, waitForEntry bool) types.Result {
	symRules, err := b.rules.GetSymbolInfo(ctx, plan.Symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrDataError, err.Error()))
	}

	if plan.EntryType != types.OrderTypeLimit && plan.EntryType != types.OrderTypeMarket {
		return types.Fail(types.NewError(types.ErrValidation, "entry_type must be LIMIT or MARKET"))
	}

	pv, err := b.rules.ValidateOrderPlan(symRules, plan)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	if err := b.rules.LoadCommissionRate(ctx, plan.Symbol); err != nil {
		b.logger.Warn("commission rate fetch failed, fee estimates will read zero", "symbol", plan.Symbol, "error", err)
	}
	if err := b.rules.LoadLeverageBrackets(ctx, plan.Symbol); err != nil {
		b.logger.Warn("leverage bracket fetch failed, tier will be unset", "symbol", plan.Symbol, "error", err)
	}

	job := &BracketJob{
		ID:        newJobID("brkt"),
		Symbol:    plan.Symbol,
		Side:      plan.Side,
		EntryType: plan.EntryType,
		CreatedAt: time.Now(),
		Status:    types.BracketActive,
	}

	if pv.RoundedEntryPrice > 0 {
		if tier, idx, found := rules.LeverageForNotional(symRules, pv.RoundedEntryPrice*pv.RoundedQuantity); found {
			job.LeverageTier = idx
			job.MaintMargin = tier.MaintMarginRatio
		}
	}

	entryRes := b.orders.PlaceOrder(ctx, orders.PlaceOrderParams{
		Symbol:      plan.Symbol,
		Side:        plan.Side,
		Type:        plan.EntryType,
		Quantity:    pv.RoundedQuantity,
		Price:       pv.RoundedEntryPrice,
		TimeInForce: entryTIF(plan.EntryType),
	})
	if !entryRes.Success {
		job.Status = types.BracketEntryFailed
		b.registry.Put(job.ID, job)
		return types.Fail(entryRes.Error).WithJobID(job.ID)
	}

	entryOrderID, _ := orderIDFrom(entryRes)
	entryStatus := statusFrom(entryRes)
	job.EntryOrderID = entryOrderID
	job.EntryStatus = entryStatus

	b.registry.Put(job.ID, job)

	filled := entryStatus == types.StatusFilled || (entryStatus == types.StatusPartiallyFilled && executedQtyFrom(entryRes) > 0)
	if filled || !waitForEntry {
		filledQty := executedQtyFrom(entryRes)
		if filledQty <= 0 {
			filledQty = pv.RoundedQuantity
		}
		b.placeExits(ctx, job, symRules, pv, filledQty)
		go b.monitorPhase2(ctx, job)
		return types.Ok(job.snapshot()).WithJobID(job.ID)
	}

	go b.monitor(ctx, job, symRules, pv)
	return types.Ok(job.snapshot()).WithJobID(job.ID)
}

func entryTIF(t types.OrderType) types.TimeInForce {
	if t == types.OrderTypeLimit {
		return types.TIFGTC
	}
	return ""
}

// placeExits submits the stop-loss and take-profit legs for a filled
// quantity F, skipping legs whose remaining quantity would be <= 0.
// Individual failures are recorded but never fail the job (§4.4 Exit
// placement procedure).
func (b *Brackets) placeExits(ctx context.Context, job *BracketJob, symRules *types.SymbolRules, pv *rules.PlanValidation, filled float64) {
	exitSide := job.Side.Opposite()

	entryFee := rules.EstimateCommission(symRules, pv.RoundedEntryPrice, filled, job.EntryType == types.OrderTypeLimit)
	job.mu.Lock()
	job.EstFeeUSD += entryFee
	job.mu.Unlock()

	if pv.RoundedStopLoss > 0 {
		res := b.orders.PlaceOrder(ctx, orders.PlaceOrderParams{
			Symbol:      job.Symbol,
			Side:        exitSide,
			Type:        types.OrderTypeStopMarket,
			Quantity:    filled,
			StopPrice:   pv.RoundedStopLoss,
			ReduceOnly:  true,
			WorkingType: types.WorkingTypeMarkPrice,
		})
		job.mu.Lock()
		if !res.Success {
			job.SLError = res.Error.Error()
		} else if id, ok := orderIDFrom(res); ok {
			job.exits = append(job.exits, exitLeg{OrderID: id, Kind: "sl"})
			job.EstFeeUSD += rules.EstimateCommission(symRules, pv.RoundedStopLoss, filled, false)
		}
		job.mu.Unlock()
	}

	remaining := filled
	for _, tp := range pv.TakeProfits {
		qty := tp.RoundedQuantity
		if qty > remaining {
			qty = remaining
		}
		if qty <= 0 {
			remaining -= tp.RoundedQuantity
			continue
		}
		res := b.orders.PlaceOrder(ctx, orders.PlaceOrderParams{
			Symbol:      job.Symbol,
			Side:        exitSide,
			Type:        types.OrderTypeTakeProfitMarket,
			Quantity:    qty,
			StopPrice:   tp.RoundedPrice,
			ReduceOnly:  true,
			WorkingType: types.WorkingTypeMarkPrice,
		})
		job.mu.Lock()
		if !res.Success {
			job.TPErrors = append(job.TPErrors, res.Error.Error())
		} else if id, ok := orderIDFrom(res); ok {
			job.exits = append(job.exits, exitLeg{OrderID: id, Kind: "tp"})
			job.EstFeeUSD += rules.EstimateCommission(symRules, tp.RoundedPrice, qty, false)
		}
		job.mu.Unlock()
		remaining -= tp.RoundedQuantity
	}

	job.mu.Lock()
	job.FilledQty = filled
	job.mu.Unlock()
}

// monitor runs Phase 1 (entry watch) then falls through to Phase 2.
func (b *Brackets) monitor(ctx context.Context, job *BracketJob, symRules *types.SymbolRules, pv *rules.PlanValidation) {
	deadline := time.Now().Add(bracketWallClockCap)
	ticker := time.NewTicker(bracketPollInterval)
	defer ticker.Stop()

	for {
		if job.isCancelled() {
			return
		}
		if time.Now().After(deadline) {
			b.finish(job, types.BracketMonitoringTimeout)
			return
		}

		res := b.orders.GetOrderStatus(ctx, job.Symbol, job.EntryOrderID, "")
		if res.Success {
			st, _ := res.Data.(orders.OrderStatusResult)
			job.mu.Lock()
			job.EntryStatus = st.Status
			job.mu.Unlock()

			filled := executedQtyFromRaw(st)
			switch {
			case st.IsFilled || (st.IsPartiallyFilled && filled > 0):
				b.placeExits(ctx, job, symRules, pv, filled)
				b.monitorPhase2(ctx, job)
				return
			case st.IsCancelled, st.IsExpired:
				b.finish(job, types.BracketEntryFailed)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// monitorPhase2 watches every placed exit leg until the first fill,
// then silently cancels the remaining legs (§4.4 Phase 2).
func (b *Brackets) monitorPhase2(ctx context.Context, job *BracketJob) {
	job.mu.Lock()
	legs := append([]exitLeg(nil), job.exits...)
	job.mu.Unlock()

	if len(legs) == 0 {
		b.finish(job, types.BracketCompleted)
		return
	}

	deadline := time.Now().Add(bracketWallClockCap)
	ticker := time.NewTicker(bracketPollInterval)
	defer ticker.Stop()

	for {
		if job.isCancelled() {
			return
		}
		if time.Now().After(deadline) {
			b.finish(job, types.BracketMonitoringTimeout)
			return
		}

		for _, leg := range legs {
			res := b.orders.GetOrderStatus(ctx, job.Symbol, leg.OrderID, "")
			if !res.Success {
				continue
			}
			st, _ := res.Data.(orders.OrderStatusResult)
			if !st.IsFilled {
				continue
			}

			var cancelled []int64
			for _, other := range legs {
				if other.OrderID == leg.OrderID {
					continue
				}
				b.orders.CancelOrder(ctx, job.Symbol, other.OrderID, "")
				cancelled = append(cancelled, other.OrderID)
			}

			job.mu.Lock()
			job.TriggeredExit = leg.OrderID
			job.TriggerType = leg.Kind
			job.CancelledExits = cancelled
			job.mu.Unlock()
			b.finish(job, types.BracketCompleted)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Brackets) finish(job *BracketJob, status types.BracketStatus) {
	job.mu.Lock()
	job.Status = status
	job.mu.Unlock()
}

// GetBracketJobStatus returns a snapshot of every observable field.
func (b *Brackets) GetBracketJobStatus(id string) types.Result {
	job, ok := b.registry.Get(id)
	if !ok {
		return types.Fail(types.NewError(types.ErrNotFound, fmt.Sprintf("bracket job %s not found", id)))
	}
	return types.Ok(job.snapshot()).WithJobID(id)
}

// CancelBracketJobResult reports per-target cancel outcomes.
type CancelBracketJobResult struct {
	EntryCancelled bool            `json:"entry_cancelled"`
	ExitsCancelled map[string]bool `json:"exits_cancelled"`
}

// CancelBracketJob is valid only while the job is still active (§4.4);
// on a terminal job it returns cannot_cancel without re-issuing cancels.
// Sets the cancelled flag, then best-effort silently cancels the entry
// (if not filled), SL, and each TP.
func (b *Brackets) CancelBracketJob(ctx context.Context, id string) types.Result {
	job, ok := b.registry.Get(id)
	if !ok {
		return types.Fail(types.NewError(types.ErrNotFound, fmt.Sprintf("bracket job %s not found", id)))
	}

	job.mu.Lock()
	status := job.Status
	job.mu.Unlock()
	if status != types.BracketActive {
		return types.Fail(types.NewError(types.ErrCannotCancel, fmt.Sprintf("bracket job %s is %s, cannot be cancelled", id, status)))
	}

	job.setCancelled()

	result := CancelBracketJobResult{ExitsCancelled: map[string]bool{}}

	job.mu.Lock()
	entryStatus := job.EntryStatus
	entryID := job.EntryOrderID
	legs := append([]exitLeg(nil), job.exits...)
	job.mu.Unlock()

	if entryStatus != types.StatusFilled && entryID > 0 {
		res := b.orders.CancelOrder(ctx, job.Symbol, entryID, "")
		result.EntryCancelled = res.Success
	}
	for _, leg := range legs {
		res := b.orders.CancelOrder(ctx, job.Symbol, leg.OrderID, "")
		result.ExitsCancelled[fmt.Sprintf("%d", leg.OrderID)] = res.Success
	}

	b.finish(job, types.BracketCancelled)
	return types.Ok(result).WithJobID(id)
}

func orderIDFrom(res types.Result) (int64, bool) {
	m, ok := res.Data.(map[string]interface{})
	if !ok {
		return 0, false
	}
	v, ok := m["orderId"]
	if !ok {
		return 0, false
	}
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	}
	return 0, false
}

func statusFrom(res types.Result) types.OrderStatus {
	m, ok := res.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m["status"].(string)
	return types.OrderStatus(s)
}

func executedQtyFrom(res types.Result) float64 {
	m, ok := res.Data.(map[string]interface{})
	if !ok {
		return 0
	}
	switch v := m["executedQty"].(type) {
	case float64:
		return v
	case string:
		var f float64
		fmt.Sscanf(v, "%f", &f)
		return f
	}
	return 0
}

func executedQtyFromRaw(st orders.OrderStatusResult) float64 {
	if st.Raw == nil {
		return 0
	}
	switch v := st.Raw["executedQty"].(type) {
	case float64:
		return v
	case string:
		var f float64
		fmt.Sscanf(v, "%f", &f)
		return f
	}
	return 0
}
