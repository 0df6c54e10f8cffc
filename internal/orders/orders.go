// Package orders implements the order lifecycle tool family (§4.3): small
// rate-limited wrappers over the signed client that validate inputs
// against the rules engine and return the uniform result envelope.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/internal/ratectl"
	"github.com/binancefutures/coreagent/internal/rules"
	"github.com/binancefutures/coreagent/pkg/types"
)

// Tools bundles the dependencies every lifecycle operation needs.
type Tools struct {
	client  *exchange.Client
	rules   *rules.Engine
	limiter *ratectl.Limiter
	retry   ratectl.RetryPolicy
	logger  *slog.Logger
}

// NewTools builds the order lifecycle tool set.
func NewTools(client *exchange.Client, rulesEngine *rules.Engine, limiter *ratectl.Limiter, logger *slog.Logger) *Tools {
	return &Tools{
		client:  client,
		rules:   rulesEngine,
		limiter: limiter,
		retry:   ratectl.DefaultRetryPolicy(),
		logger:  logger.With("component", "order_tools"),
	}
}

func normalizeSymbol(symbol string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if !types.AllowedSymbols[sym] {
		return "", fmt.Errorf("symbol %q is not allowlisted", sym)
	}
	return sym, nil
}

// PlaceOrderParams is the explicit parameter struct for place_order (§4.3).
type PlaceOrderParams struct {
	Symbol          string
	Side            types.Side
	Type            types.OrderType
	Quantity        float64
	Price           float64
	StopPrice       float64
	TimeInForce     types.TimeInForce
	ReduceOnly      bool
	ClosePosition   bool
	PositionSide    types.PositionSide
	WorkingType     types.WorkingType
	PostOnly        bool
	ClientOrderID   string
	CallbackRate    float64 // trailing stop, 0.1–5
	ActivationPrice float64
	PriceProtect    bool
}

// PlaceOrder validates plan inputs, builds the signed parameter map, and
// submits a single call with at most one time-skew retry (§4.3).
func (t *Tools) PlaceOrder(ctx context.Context, p PlaceOrderParams) types.Result {
	symbol, err := normalizeSymbol(p.Symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	if p.PostOnly {
		if p.Type != types.OrderTypeLimit {
			return types.Fail(types.NewError(types.ErrValidation, "post_only requires type=LIMIT"))
		}
		p.TimeInForce = types.TIFGTX
	}
	if p.Type.IsStopFamily() && p.Type != types.OrderTypeTrailingStopMarket && p.StopPrice <= 0 {
		return types.Fail(types.NewError(types.ErrValidation, "stop-family order type requires a stop price"))
	}

	symRules, err := t.rules.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrDataError, err.Error()))
	}

	qty, err := t.rules.ValidateAndRoundQuantity(symRules, p.Quantity, p.Type.IsMarketFamily())
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	params := url.Values{
		"symbol":   {symbol},
		"side":     {string(p.Side)},
		"type":     {string(p.Type)},
		"quantity": {strconv.FormatFloat(qty, 'f', -1, 64)},
	}
	if p.Price > 0 && p.Type != types.OrderTypeMarket {
		price, err := t.rules.ValidateAndRoundPrice(symRules, p.Price)
		if err != nil {
			return types.Fail(types.NewError(types.ErrValidation, err.Error()))
		}
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
		if err := t.rules.ValidateNotional(symRules, price, qty); err != nil {
			return types.Fail(types.NewError(types.ErrValidation, err.Error()))
		}
	}
	if p.StopPrice > 0 {
		stopPrice, err := t.rules.ValidateAndRoundPrice(symRules, p.StopPrice)
		if err != nil {
			return types.Fail(types.NewError(types.ErrValidation, err.Error()))
		}
		params.Set("stopPrice", strconv.FormatFloat(stopPrice, 'f', -1, 64))
	}
	if p.TimeInForce != "" {
		params.Set("timeInForce", string(p.TimeInForce))
	}
	if p.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if p.ClosePosition {
		params.Set("closePosition", "true")
	}
	if p.PositionSide != "" {
		params.Set("positionSide", string(p.PositionSide))
	}
	if p.WorkingType != "" {
		params.Set("workingType", string(p.WorkingType))
	}
	if p.ClientOrderID != "" {
		params.Set("newClientOrderId", p.ClientOrderID)
	}
	if p.Type == types.OrderTypeTrailingStopMarket {
		if p.CallbackRate < 0.1 || p.CallbackRate > 5 {
			return types.Fail(types.NewError(types.ErrValidation, "callback_rate must be between 0.1 and 5"))
		}
		params.Set("callbackRate", strconv.FormatFloat(p.CallbackRate, 'f', -1, 64))
		if p.ActivationPrice > 0 {
			params.Set("activationPrice", strconv.FormatFloat(p.ActivationPrice, 'f', -1, 64))
		}
	}
	if p.PriceProtect {
		params.Set("priceProtect", "true")
	}

	body, apiErr := t.callPlace(ctx, params)
	if apiErr != nil {
		return apiErrorResult(apiErr, params)
	}

	var parsed map[string]interface{}
	_ = json.Unmarshal(body, &parsed)
	return types.Ok(parsed)
}

// rateLimitedRetryCall wraps a single exchange.Client call with a
// limiter wait and the adaptive retry policy (§4.3, §4.8). Retry
// decisions are keyed purely on the exchange/transport code, not on a
// synthesized Go error, so non-retryable failures bubble out
// immediately per §4.8.
func rateLimitedRetryCall(ctx context.Context, limiter *ratectl.Limiter, retry ratectl.RetryPolicy, category string, call func(ctx context.Context) ([]byte, *exchange.APIError)) ([]byte, *exchange.APIError) {
	var lastErr *exchange.APIError
	var body []byte

	ratectl.WithRetry(ctx, retry, func(ctx context.Context) (bool, int, interface{}, error) {
		b, apiErr := exchange.RateLimited(ctx, limiter, category, call)
		body = b
		if apiErr != nil {
			lastErr = apiErr
			return false, apiErr.Code, nil, nil
		}
		lastErr = nil
		return true, 0, nil, nil
	})

	return body, lastErr
}

func (t *Tools) callPlace(ctx context.Context, params url.Values) ([]byte, *exchange.APIError) {
	return exchange.RateLimited(ctx, t.limiter, "order", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return t.client.PlaceOrder(ctx, params)
	})
}

func apiErrorResult(apiErr *exchange.APIError, params url.Values) types.Result {
	kind := types.ErrAPI
	switch apiErr.Code {
	case -2011:
		kind = types.ErrOrderNotFound
	case -4141:
		kind = types.ErrInvalidOrderType
	case -4048:
		kind = types.ErrPositionExists
	}
	return types.Fail(types.NewErrorDetails(kind, apiErr.Message, map[string]interface{}{
		"code":        apiErr.Code,
		"params_sent": scrubParams(params),
	}))
}

func scrubParams(params url.Values) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if k == "signature" {
			continue
		}
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
