package orders

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/segmentio/encoding/json"

	"github.com/binancefutures/coreagent/internal/exchange"
	"github.com/binancefutures/coreagent/pkg/types"
)

// AmendOrderParams is the explicit parameter struct for amend_order (§4.3).
// Only LIMIT orders may be amended; at least one of Price/Quantity must
// be set.
type AmendOrderParams struct {
	Symbol            string
	Side              types.Side
	OrderID           int64
	OrigClientOrderID string
	Price             float64
	Quantity          float64
}

// AmendOrder modifies the price/quantity of a live LIMIT order.
func (t *Tools) AmendOrder(ctx context.Context, p AmendOrderParams) types.Result {
	symbol, err := normalizeSymbol(p.Symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}
	if p.Price <= 0 && p.Quantity <= 0 {
		return types.Fail(types.NewError(types.ErrValidation, "amend requires at least one of price or quantity"))
	}

	symRules, err := t.rules.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrDataError, err.Error()))
	}

	params := url.Values{"symbol": {symbol}, "side": {string(p.Side)}}
	if p.OrderID > 0 {
		params.Set("orderId", strconv.FormatInt(p.OrderID, 10))
	}
	if p.OrigClientOrderID != "" {
		params.Set("origClientOrderId", p.OrigClientOrderID)
	}
	if p.Price > 0 {
		price, err := t.rules.ValidateAndRoundPrice(symRules, p.Price)
		if err != nil {
			return types.Fail(types.NewError(types.ErrValidation, err.Error()))
		}
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	}
	if p.Quantity > 0 {
		qty, err := t.rules.ValidateAndRoundQuantity(symRules, p.Quantity, false)
		if err != nil {
			return types.Fail(types.NewError(types.ErrValidation, err.Error()))
		}
		params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	}

	body, apiErr := rateLimitedRetryCall(ctx, t.limiter, t.retry, "order", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return t.client.AmendOrder(ctx, params)
	})
	if apiErr != nil {
		return apiErrorResult(apiErr, params)
	}

	var parsed map[string]interface{}
	_ = json.Unmarshal(body, &parsed)
	return types.Ok(parsed)
}

// OrderStatusResult is the normalized, boolean-flag view of an order's
// status (§4.3).
type OrderStatusResult struct {
	Raw               map[string]interface{} `json:"raw"`
	Status            types.OrderStatus      `json:"status"`
	IsFilled          bool                   `json:"isFilled"`
	IsPartiallyFilled bool                   `json:"isPartiallyFilled"`
	IsCancelled       bool                   `json:"isCancelled"`
	IsExpired         bool                   `json:"isExpired"`
	IsActive          bool                   `json:"isActive"`
	FillPercentage    float64                `json:"fillPercentage"`
}

// GetOrderStatus fetches and normalizes the status of a single order.
func (t *Tools) GetOrderStatus(ctx context.Context, symbol string, orderID int64, origClientOrderID string) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	body, apiErr := rateLimitedRetryCall(ctx, t.limiter, t.retry, "order_status", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return t.client.OrderStatus(ctx, sym, orderID, origClientOrderID)
	})
	if apiErr != nil {
		if apiErr.Code == -2013 {
			return types.Fail(types.NewError(types.ErrOrderNotFound, apiErr.Message))
		}
		return apiErrorResult(apiErr, url.Values{"symbol": {sym}})
	}

	var raw map[string]interface{}
	_ = json.Unmarshal(body, &raw)

	status := types.OrderStatus(fmt.Sprint(raw["status"]))
	executedQty := parseFloat(raw["executedQty"])
	origQty := parseFloat(raw["origQty"])

	fillPct := 0.0
	if origQty > 0 {
		fillPct = executedQty / origQty * 100
	}

	return types.Ok(OrderStatusResult{
		Raw:               raw,
		Status:            status,
		IsFilled:          status == types.StatusFilled,
		IsPartiallyFilled: status == types.StatusPartiallyFilled,
		IsCancelled:       status == types.StatusCanceled,
		IsExpired:         status == types.StatusExpired,
		IsActive:          !status.IsTerminal(),
		FillPercentage:    fillPct,
	})
}

func parseFloat(v interface{}) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case string:
		f, _ := strconv.ParseFloat(val, 64)
		return f
	default:
		return 0
	}
}

// CancelOrder cancels a single order by id or client id.
func (t *Tools) CancelOrder(ctx context.Context, symbol string, orderID int64, origClientOrderID string) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	body, apiErr := rateLimitedRetryCall(ctx, t.limiter, t.retry, "cancel", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return t.client.CancelOrder(ctx, sym, orderID, origClientOrderID)
	})
	if apiErr != nil {
		if apiErr.Code == -2011 {
			return types.Fail(types.NewError(types.ErrOrderNotFound, apiErr.Message))
		}
		return types.Fail(types.NewErrorDetails(types.ErrCancelFailed, apiErr.Message, map[string]interface{}{"code": apiErr.Code}))
	}

	var parsed map[string]interface{}
	_ = json.Unmarshal(body, &parsed)
	return types.Ok(parsed)
}

// CancelResult is the per-order outcome reported by CancelMultipleOrders.
type CancelResult struct {
	OrderID           string `json:"orderId,omitempty"`
	OrigClientOrderID string `json:"origClientOrderId,omitempty"`
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
}

// CancelMultipleOrdersResult is the batch summary (§4.3).
type CancelMultipleOrdersResult struct {
	Results        []CancelResult `json:"results"`
	TotalRequested int            `json:"totalRequested"`
	SuccessCount   int            `json:"successCount"`
	FailedCount    int            `json:"failedCount"`
	AllSucceeded   bool           `json:"allSucceeded"`
}

// CancelMultipleOrders cancels up to 10 orders for a symbol. Exactly one
// of orderIDs / origClientOrderIDs must be supplied (§4.3). Acceptance
// of origClientOrderIdList is exchange-version-dependent (§9 Open
// Question) — this tool sends whichever list the caller provided.
func (t *Tools) CancelMultipleOrders(ctx context.Context, symbol string, orderIDs []int64, origClientOrderIDs []string) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}
	if (len(orderIDs) == 0) == (len(origClientOrderIDs) == 0) {
		return types.Fail(types.NewError(types.ErrValidation, "exactly one of orderIdList or origClientOrderIdList is required"))
	}
	total := len(orderIDs) + len(origClientOrderIDs)
	if total == 0 || total > 10 {
		return types.Fail(types.NewError(types.ErrValidation, "batch cancel accepts 1-10 orders"))
	}

	var orderIDsJSON, clientIDsJSON string
	if len(orderIDs) > 0 {
		b, _ := json.Marshal(orderIDs)
		orderIDsJSON = string(b)
	} else {
		b, _ := json.Marshal(origClientOrderIDs)
		clientIDsJSON = string(b)
	}

	body, apiErr := rateLimitedRetryCall(ctx, t.limiter, t.retry, "cancel", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return t.client.BatchCancelOrders(ctx, sym, orderIDsJSON, clientIDsJSON)
	})
	if apiErr != nil {
		return types.Fail(types.NewErrorDetails(types.ErrCancelFailed, apiErr.Message, map[string]interface{}{"code": apiErr.Code}))
	}

	var rows []map[string]interface{}
	_ = json.Unmarshal(body, &rows)

	results := make([]CancelResult, 0, len(rows))
	successCount := 0
	for _, row := range rows {
		res := CancelResult{}
		if id, ok := row["orderId"]; ok {
			res.OrderID = fmt.Sprint(id)
		}
		if cid, ok := row["origClientOrderId"]; ok {
			res.OrigClientOrderID = fmt.Sprint(cid)
		}
		if code, ok := row["code"]; ok {
			res.Success = false
			res.Error = fmt.Sprint(row["msg"])
			_ = code
		} else {
			res.Success = true
			successCount++
		}
		results = append(results, res)
	}

	return types.Ok(CancelMultipleOrdersResult{
		Results:        results,
		TotalRequested: total,
		SuccessCount:   successCount,
		FailedCount:    total - successCount,
		AllSucceeded:   successCount == total,
	})
}

// SetLeverageResult is the outcome of set_leverage (§4.3, §8 idempotence).
type SetLeverageResult struct {
	Leverage   int  `json:"leverage"`
	AlreadySet bool `json:"already_set"`
}

// SetLeverage reads current leverage first, short-circuiting with
// already_set=true when the level already matches; exchange code -4046
// ("no need to change") is also coerced to success.
func (t *Tools) SetLeverage(ctx context.Context, symbol string, leverage int) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	if current, ok := t.currentLeverage(ctx, sym); ok && current == leverage {
		return types.Ok(SetLeverageResult{Leverage: leverage, AlreadySet: true})
	}

	body, apiErr := rateLimitedRetryCall(ctx, t.limiter, t.retry, "account", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return t.client.SetLeverage(ctx, sym, leverage)
	})
	if apiErr != nil {
		if apiErr.Code == -4046 {
			return types.Ok(SetLeverageResult{Leverage: leverage, AlreadySet: true})
		}
		return apiErrorResult(apiErr, url.Values{"symbol": {sym}})
	}

	var parsed map[string]interface{}
	_ = json.Unmarshal(body, &parsed)
	return types.Ok(SetLeverageResult{Leverage: leverage, AlreadySet: false})
}

func (t *Tools) currentLeverage(ctx context.Context, symbol string) (int, bool) {
	body, apiErr := t.client.PositionRisk(ctx, symbol)
	if apiErr != nil {
		return 0, false
	}
	var rows []struct {
		Leverage string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
		return 0, false
	}
	lev, err := strconv.Atoi(rows[0].Leverage)
	if err != nil {
		return 0, false
	}
	return lev, true
}

// SetMarginTypeResult is the outcome of set_margin_type (§4.3).
type SetMarginTypeResult struct {
	MarginType string `json:"marginType"`
	AlreadySet bool   `json:"already_set"`
}

// SetMarginType submits the margin-type change. Exchange code -4048
// ("position exists") becomes the distinct error_kind position_exists;
// code -4046 is coerced to success/already_set, matching SetLeverage's
// idempotent pattern.
func (t *Tools) SetMarginType(ctx context.Context, symbol, marginType string) types.Result {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return types.Fail(types.NewError(types.ErrValidation, err.Error()))
	}

	body, apiErr := rateLimitedRetryCall(ctx, t.limiter, t.retry, "account", func(ctx context.Context) ([]byte, *exchange.APIError) {
		return t.client.SetMarginType(ctx, sym, marginType)
	})
	if apiErr != nil {
		switch apiErr.Code {
		case -4046:
			return types.Ok(SetMarginTypeResult{MarginType: marginType, AlreadySet: true})
		case -4048:
			return types.Fail(types.NewError(types.ErrPositionExists, apiErr.Message))
		default:
			return apiErrorResult(apiErr, url.Values{"symbol": {sym}})
		}
	}

	var parsed map[string]interface{}
	_ = json.Unmarshal(body, &parsed)
	return types.Ok(SetMarginTypeResult{MarginType: marginType, AlreadySet: false})
}
