// Package exchange implements the signed REST client against Binance
// USDⓈ-M perpetual futures (§4.1).
//
// Client wraps a resty HTTP client with HMAC request signing, clock-skew
// recovery on error −1021, and a normalized (success, payload) return
// shape. Rate limiting is not done here — callers pass requests through
// an injected *ratectl.Limiter before calling Client, and retries are
// layered on top via ratectl.WithRetry; Client itself is a single,
// stateless-per-call transport.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/segmentio/encoding/json"

	"github.com/binancefutures/coreagent/internal/config"
)

// Method is the HTTP verb of a request.
type Method string

const (
	GET    Method = "GET"
	POST   Method = "POST"
	PUT    Method = "PUT"
	DELETE Method = "DELETE"
)

// APIError is the normalized exchange/transport failure shape returned
// by Client methods (§4.1 failure taxonomy).
type APIError struct {
	Code    int
	Message string
	Raw     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
}

const (
	CodeTimeout           = -1001
	CodeConnection        = -1002
	CodeUnsupportedMethod = -1
	CodeTimestampSkew     = -1021
)

// Client is the signed Binance USDⓈ-M futures REST client.
type Client struct {
	http   *resty.Client
	auth   *Auth
	logger *slog.Logger
}

// NewClient builds a Client against the configured base URL (prod or
// testnet, selected once at startup per §4.1).
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL()).
		SetTimeout(10 * time.Second).
		SetHeader("X-MBX-APIKEY", auth.APIKey())

	return &Client{
		http:   httpClient,
		auth:   auth,
		logger: logger.With("component", "exchange_client"),
	}
}

// SetBaseURL overrides the REST base URL. Exposed for tests that point
// Client at an httptest server.
func (c *Client) SetBaseURL(url string) {
	c.http.SetBaseURL(url)
}

// Request describes a single call (§4.1 contract).
type Request struct {
	Method         Method
	Path           string
	Params         url.Values
	Signed         bool
	RetryOnTimeErr bool
}

// Do executes a request, handling signing and one clock-skew recovery
// retry on error −1021. It returns the parsed JSON payload as raw bytes
// on success, or an *APIError describing the failure.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, *APIError) {
	body, apiErr := c.doOnce(ctx, req)
	if apiErr == nil {
		return body, nil
	}

	if req.Signed && req.RetryOnTimeErr && apiErr.Code == CodeTimestampSkew {
		if syncErr := c.SyncTime(ctx); syncErr != nil {
			c.logger.Warn("clock resync after -1021 failed", "error", syncErr)
			return body, apiErr
		}
		return c.doOnce(ctx, req)
	}

	return body, apiErr
}

func (c *Client) doOnce(ctx context.Context, req Request) ([]byte, *APIError) {
	if req.Params == nil {
		req.Params = url.Values{}
	}

	query := req.Params
	if req.Signed {
		encoded := c.auth.Sign(req.Params)
		var err error
		query, err = url.ParseQuery(encoded)
		if err != nil {
			return nil, &APIError{Code: CodeUnsupportedMethod, Message: "encode signed params: " + err.Error()}
		}
	}

	r := c.http.R().SetContext(ctx)

	var resp *resty.Response
	var err error

	switch req.Method {
	case GET:
		resp, err = r.SetQueryParamsFromValues(query).Get(req.Path)
	case DELETE:
		resp, err = r.SetQueryParamsFromValues(query).Delete(req.Path)
	case POST:
		resp, err = r.SetFormDataFromValues(query).Post(req.Path)
	case PUT:
		resp, err = r.SetFormDataFromValues(query).Put(req.Path)
	default:
		return nil, &APIError{Code: CodeUnsupportedMethod, Message: "unsupported method: " + string(req.Method)}
	}

	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode() == http.StatusOK {
		return resp.Body(), nil
	}

	return resp.Body(), parseExchangeError(resp.Body(), resp.StatusCode())
}

func classifyTransportError(err error) *APIError {
	msg := err.Error()
	switch {
	case isTimeoutErr(err):
		return &APIError{Code: CodeTimeout, Message: msg}
	default:
		return &APIError{Code: CodeConnection, Message: msg}
	}
}

func isTimeoutErr(err error) bool {
	type timeoutErr interface{ Timeout() bool }
	te, ok := err.(timeoutErr)
	return ok && te.Timeout()
}

func parseExchangeError(body []byte, statusCode int) *APIError {
	var payload struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if unmarshalErr := json.Unmarshal(body, &payload); unmarshalErr != nil || payload.Code == 0 {
		return &APIError{
			Code:    statusCode,
			Message: fmt.Sprintf("unexpected status %d", statusCode),
			Raw:     string(body),
		}
	}
	return &APIError{Code: payload.Code, Message: payload.Msg, Raw: string(body)}
}

// SyncTime refetches server time and installs a fresh clock offset
// (§4.1, §3 clock offset lifecycle).
func (c *Client) SyncTime(ctx context.Context) error {
	body, apiErr := c.Do(ctx, Request{Method: GET, Path: "/fapi/v1/time"})
	if apiErr != nil {
		return apiErr
	}

	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("parse server time: %w", err)
	}

	offset := payload.ServerTime - time.Now().UnixMilli()
	c.auth.SetClockOffset(offset)
	c.logger.Info("clock resynced", "offset_ms", offset)
	return nil
}

// EnsureTimeSynced resyncs the clock if the cached offset is older than
// ttl (§3: TTL ≈ 5 min).
func (c *Client) EnsureTimeSynced(ctx context.Context, ttl time.Duration) error {
	if !c.auth.ClockStale(ttl) {
		return nil
	}
	return c.SyncTime(ctx)
}

func intParam(v int64) string {
	return strconv.FormatInt(v, 10)
}
