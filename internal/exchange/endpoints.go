package exchange

import (
	"context"
	"net/url"
	"strconv"

	"github.com/binancefutures/coreagent/internal/ratectl"
)

// ExchangeInfo fetches the full exchange metadata blob — every listed
// symbol's filters and leverage data lives in this single response
// (§4.2: "refetches the full exchange-info blob").
func (c *Client) ExchangeInfo(ctx context.Context) ([]byte, *APIError) {
	return c.Do(ctx, Request{Method: GET, Path: "/fapi/v1/exchangeInfo"})
}

// LeverageBrackets fetches the leverage bracket table for a symbol.
func (c *Client) LeverageBrackets(ctx context.Context, symbol string) ([]byte, *APIError) {
	return c.Do(ctx, Request{
		Method: GET,
		Path:   "/fapi/v1/leverageBracket",
		Params: url.Values{"symbol": {symbol}},
		Signed: true,
	})
}

// CommissionRate fetches the maker/taker commission rate for a symbol.
func (c *Client) CommissionRate(ctx context.Context, symbol string) ([]byte, *APIError) {
	return c.Do(ctx, Request{
		Method: GET,
		Path:   "/fapi/v1/commissionRate",
		Params: url.Values{"symbol": {symbol}},
		Signed: true,
	})
}

// Depth fetches an order-book snapshot (bids/asks) for a symbol.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) ([]byte, *APIError) {
	params := url.Values{"symbol": {symbol}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return c.Do(ctx, Request{Method: GET, Path: "/fapi/v1/depth", Params: params})
}

// AggTrades fetches historical aggregated trades for a symbol.
func (c *Client) AggTrades(ctx context.Context, symbol string, fromID int64, startTime, endTime int64, limit int) ([]byte, *APIError) {
	params := url.Values{"symbol": {symbol}}
	if fromID > 0 {
		params.Set("fromId", intParam(fromID))
	}
	if startTime > 0 {
		params.Set("startTime", intParam(startTime))
	}
	if endTime > 0 {
		params.Set("endTime", intParam(endTime))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	return c.Do(ctx, Request{Method: GET, Path: "/fapi/v1/aggTrades", Params: params})
}

// PremiumIndex fetches mark price / funding info for a symbol.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) ([]byte, *APIError) {
	return c.Do(ctx, Request{
		Method: GET,
		Path:   "/fapi/v1/premiumIndex",
		Params: url.Values{"symbol": {symbol}},
	})
}

// PositionRisk fetches current position information for a symbol,
// preferring v2 and falling back to v3 when v2 is unavailable on the
// target exchange version (§6).
func (c *Client) PositionRisk(ctx context.Context, symbol string) ([]byte, *APIError) {
	params := url.Values{"symbol": {symbol}}
	body, apiErr := c.Do(ctx, Request{Method: GET, Path: "/fapi/v2/positionRisk", Params: params, Signed: true, RetryOnTimeErr: true})
	if apiErr == nil {
		return body, nil
	}
	return c.Do(ctx, Request{Method: GET, Path: "/fapi/v3/positionRisk", Params: params, Signed: true, RetryOnTimeErr: true})
}

// SetLeverage changes the initial leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) ([]byte, *APIError) {
	return c.Do(ctx, Request{
		Method:         POST,
		Path:           "/fapi/v1/leverage",
		Params:         url.Values{"symbol": {symbol}, "leverage": {strconv.Itoa(leverage)}},
		Signed:         true,
		RetryOnTimeErr: true,
	})
}

// SetMarginType changes the margin type (ISOLATED/CROSSED) for a symbol.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) ([]byte, *APIError) {
	return c.Do(ctx, Request{
		Method:         POST,
		Path:           "/fapi/v1/marginType",
		Params:         url.Values{"symbol": {symbol}, "marginType": {marginType}},
		Signed:         true,
		RetryOnTimeErr: true,
	})
}

// PlaceOrder submits a new order.
func (c *Client) PlaceOrder(ctx context.Context, params url.Values) ([]byte, *APIError) {
	return c.Do(ctx, Request{
		Method:         POST,
		Path:           "/fapi/v1/order",
		Params:         params,
		Signed:         true,
		RetryOnTimeErr: true,
	})
}

// AmendOrder modifies the price/quantity of a live order.
func (c *Client) AmendOrder(ctx context.Context, params url.Values) ([]byte, *APIError) {
	return c.Do(ctx, Request{
		Method:         PUT,
		Path:           "/fapi/v1/order",
		Params:         params,
		Signed:         true,
		RetryOnTimeErr: true,
	})
}

// CancelOrder cancels a single order by orderId or origClientOrderId.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64, origClientOrderID string) ([]byte, *APIError) {
	params := url.Values{"symbol": {symbol}}
	if orderID > 0 {
		params.Set("orderId", intParam(orderID))
	}
	if origClientOrderID != "" {
		params.Set("origClientOrderId", origClientOrderID)
	}
	return c.Do(ctx, Request{Method: DELETE, Path: "/fapi/v1/order", Params: params, Signed: true, RetryOnTimeErr: true})
}

// OrderStatus fetches the current status of an order.
func (c *Client) OrderStatus(ctx context.Context, symbol string, orderID int64, origClientOrderID string) ([]byte, *APIError) {
	params := url.Values{"symbol": {symbol}}
	if orderID > 0 {
		params.Set("orderId", intParam(orderID))
	}
	if origClientOrderID != "" {
		params.Set("origClientOrderId", origClientOrderID)
	}
	return c.Do(ctx, Request{Method: GET, Path: "/fapi/v1/order", Params: params, Signed: true, RetryOnTimeErr: true})
}

// BatchCancelOrders cancels up to 10 orders for a symbol in a single call.
// Each non-empty JSON list is sent whole as its own parameter
// (orderIdList, origClientOrderIdList); identifiers are not mixed within
// one list.
func (c *Client) BatchCancelOrders(ctx context.Context, symbol string, orderIDsJSON, origClientOrderIDsJSON string) ([]byte, *APIError) {
	params := url.Values{"symbol": {symbol}}
	if orderIDsJSON != "" {
		params.Set("orderIdList", orderIDsJSON)
	}
	if origClientOrderIDsJSON != "" {
		params.Set("origClientOrderIdList", origClientOrderIDsJSON)
	}
	return c.Do(ctx, Request{Method: DELETE, Path: "/fapi/v1/batchOrders", Params: params, Signed: true, RetryOnTimeErr: true})
}

// RateLimited wraps a limiter wait before issuing a request — used by
// callers in internal/orders and internal/marketdata rather than by
// Client itself, so Client stays a pure transport (§4.1 concurrency).
func RateLimited(ctx context.Context, limiter *ratectl.Limiter, category string, fn func(ctx context.Context) ([]byte, *APIError)) ([]byte, *APIError) {
	if err := limiter.WaitIfNeeded(ctx, category); err != nil {
		return nil, &APIError{Code: CodeConnection, Message: err.Error()}
	}
	return fn(ctx)
}
