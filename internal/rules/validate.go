package rules

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/binancefutures/coreagent/pkg/types"
)

// RoundDownToStep floors value to the nearest multiple of step using
// decimal arithmetic: (value / step).floor() * step (§9 design notes —
// never float, to avoid drift).
func RoundDownToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	quotient := value.Div(step).Floor()
	return quotient.Mul(step)
}

// ValidateAndRoundPrice rounds value down to tick size, failing if
// non-positive or if rounding collapses it to zero (§4.2).
func (e *Engine) ValidateAndRoundPrice(rules *types.SymbolRules, value float64) (float64, error) {
	if value <= 0 {
		return 0, fmt.Errorf("price must be greater than 0")
	}
	tick, err := decimal.NewFromString(rules.TickSize)
	if err != nil {
		return 0, fmt.Errorf("parse tick size: %w", err)
	}
	v := decimal.NewFromFloat(value)
	rounded := RoundDownToStep(v, tick)
	if rounded.IsZero() {
		return 0, fmt.Errorf("price rounds to 0 at tick size %s", rules.TickSize)
	}
	f, _ := rounded.Float64()
	return f, nil
}

// ValidateAndRoundQuantity rounds value down to step size, selecting the
// market-order overrides when isMarket is true, and fails with explicit
// below-minimum/exceeds-maximum messages (§4.2).
func (e *Engine) ValidateAndRoundQuantity(rules *types.SymbolRules, value float64, isMarket bool) (float64, error) {
	if value <= 0 {
		return 0, fmt.Errorf("quantity must be greater than 0")
	}

	stepStr, minStr, maxStr := rules.StepSize, rules.MinQty, rules.MaxQty
	if isMarket && rules.MarketStepSize != "" {
		stepStr, minStr, maxStr = rules.MarketStepSize, rules.MarketMinQty, rules.MarketMaxQty
	}

	step, err := decimal.NewFromString(stepStr)
	if err != nil {
		return 0, fmt.Errorf("parse step size: %w", err)
	}
	v := decimal.NewFromFloat(value)
	rounded := RoundDownToStep(v, step)

	if minStr != "" {
		min, err := decimal.NewFromString(minStr)
		if err == nil && rounded.LessThan(min) {
			return 0, fmt.Errorf("quantity %s below minimum %s", rounded.String(), min.String())
		}
	}
	if maxStr != "" {
		max, err := decimal.NewFromString(maxStr)
		if err == nil && rounded.GreaterThan(max) {
			return 0, fmt.Errorf("quantity %s exceeds maximum %s", rounded.String(), max.String())
		}
	}

	f, _ := rounded.Float64()
	return f, nil
}

// ValidateNotional fails with "below minimum N" if price·qty < min
// notional, and suggests a minimally-compliant quantity.
func (e *Engine) ValidateNotional(rules *types.SymbolRules, price, qty float64) error {
	minNotional, err := decimal.NewFromString(rules.MinNotional)
	if err != nil || minNotional.IsZero() {
		return nil
	}

	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(qty))
	if notional.GreaterThanOrEqual(minNotional) {
		return nil
	}

	step, _ := decimal.NewFromString(rules.StepSize)
	suggested := notional
	if !step.IsZero() && !decimal.NewFromFloat(price).IsZero() {
		rawQty := minNotional.Div(decimal.NewFromFloat(price))
		suggested = rawQty.Div(step).Ceil().Mul(step)
	}

	return fmt.Errorf("notional %s below minimum %s (suggested qty >= %s)",
		notional.StringFixed(8), minNotional.String(), suggested.StringFixed(8))
}

// PlanValidation accumulates the rounded values and reason codes
// produced while validating an order plan (§4.2's "composite" validator).
type PlanValidation struct {
	RoundedEntryPrice float64
	RoundedQuantity   float64
	RoundedStopLoss   float64
	TakeProfits       []types.TakeProfitSpec
	ReasonCodes       []string
}

// ValidateOrderPlan validates and rounds every leg of plan, enforcing
// the directional SL/TP invariants from §3: for LONG, SL < entry <
// min(TP); for SHORT, SL > entry > max(TP); sum of TP quantities must
// not exceed entry quantity.
func (e *Engine) ValidateOrderPlan(rules *types.SymbolRules, plan types.OrderPlan) (*PlanValidation, error) {
	pv := &PlanValidation{}

	isMarketEntry := plan.EntryType.IsMarketFamily()

	qty, err := e.ValidateAndRoundQuantity(rules, plan.Quantity, isMarketEntry)
	if err != nil {
		return nil, fmt.Errorf("quantity: %w", err)
	}
	pv.RoundedQuantity = qty

	var entryPrice float64
	if plan.EntryType != types.OrderTypeMarket {
		entryPrice, err = e.ValidateAndRoundPrice(rules, plan.EntryPrice)
		if err != nil {
			return nil, fmt.Errorf("entry price: %w", err)
		}
		pv.RoundedEntryPrice = entryPrice
		if err := e.ValidateNotional(rules, entryPrice, qty); err != nil {
			return nil, err
		}
	}

	if plan.StopLoss > 0 {
		sl, err := e.ValidateAndRoundPrice(rules, plan.StopLoss)
		if err != nil {
			return nil, fmt.Errorf("stop loss: %w", err)
		}
		pv.RoundedStopLoss = sl
	}

	remaining := qty
	tps := make([]types.TakeProfitSpec, len(plan.TakeProfits))
	for i, tp := range plan.TakeProfits {
		price, err := e.ValidateAndRoundPrice(rules, tp.Price)
		if err != nil {
			return nil, fmt.Errorf("take profit %d price: %w", i, err)
		}

		var tpQty float64
		switch {
		case tp.Quantity > 0:
			tpQty, err = e.ValidateAndRoundQuantity(rules, tp.Quantity, false)
		case tp.Percentage > 0:
			tpQty, err = e.ValidateAndRoundQuantity(rules, qty*tp.Percentage/100.0, false)
		case i == len(plan.TakeProfits)-1:
			tpQty, err = e.ValidateAndRoundQuantity(rules, remaining, false)
		default:
			return nil, fmt.Errorf("take profit %d: must specify quantity or percentage", i)
		}
		if err != nil {
			return nil, fmt.Errorf("take profit %d quantity: %w", i, err)
		}

		remaining -= tpQty
		tps[i] = types.TakeProfitSpec{
			Price:           tp.Price,
			Quantity:        tp.Quantity,
			Percentage:      tp.Percentage,
			RoundedPrice:    price,
			RoundedQuantity: tpQty,
		}
	}
	pv.TakeProfits = tps

	if err := validateDirection(plan.Side, entryPrice, pv.RoundedStopLoss, tps, plan.EntryType); err != nil {
		return nil, err
	}

	sumTP := 0.0
	for _, tp := range tps {
		sumTP += tp.RoundedQuantity
	}
	if sumTP > qty+1e-12 {
		return nil, fmt.Errorf("sum of take-profit quantities %.8f exceeds entry quantity %.8f", sumTP, qty)
	}

	return pv, nil
}

func validateDirection(side types.Side, entry, sl float64, tps []types.TakeProfitSpec, entryType types.OrderType) error {
	if entryType == types.OrderTypeMarket || entry == 0 {
		return nil
	}

	if side == types.BUY {
		if sl > 0 && sl >= entry {
			return fmt.Errorf("long stop loss %.8f must be below entry %.8f", sl, entry)
		}
		for _, tp := range tps {
			if tp.RoundedPrice <= entry {
				return fmt.Errorf("long take profit %.8f must be above entry %.8f", tp.RoundedPrice, entry)
			}
		}
		return nil
	}

	if sl > 0 && sl <= entry {
		return fmt.Errorf("short stop loss %.8f must be above entry %.8f", sl, entry)
	}
	for _, tp := range tps {
		if tp.RoundedPrice >= entry {
			return fmt.Errorf("short take profit %.8f must be below entry %.8f", tp.RoundedPrice, entry)
		}
	}
	return nil
}

// EstimateCommission estimates the fee in quote currency for a fill of
// qty at price, using the cached maker/taker bps rates (supplemented
// feature: the rules cache already carries commission data fetched
// alongside leverage brackets, so exposing it is a thin addition).
func EstimateCommission(rules *types.SymbolRules, price, qty float64, isMaker bool) float64 {
	bps := rules.CommissionTakerBps
	if isMaker {
		bps = rules.CommissionMakerBps
	}
	return price * qty * bps / 10000.0
}

