package exchange

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/binancefutures/coreagent/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	cfg := &config.Config{APIKey: "key", APISecret: "secret", RecvWindow: 5000}
	auth := NewAuth(cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := NewClient(cfg, auth, logger)
	client.SetBaseURL(srv.URL)

	return client, srv
}

func TestDoReturnsBodyOn200(t *testing.T) {
	client, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"serverTime":1700000000000}`))
	})
	defer srv.Close()

	body, apiErr := client.Do(t.Context(), Request{Method: GET, Path: "/fapi/v1/time"})
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if string(body) != `{"serverTime":1700000000000}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestDoParsesExchangeError(t *testing.T) {
	client, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`))
	})
	defer srv.Close()

	_, apiErr := client.Do(t.Context(), Request{Method: GET, Path: "/fapi/v1/order", Signed: true})
	if apiErr == nil {
		t.Fatal("expected an API error")
	}
	if apiErr.Code != CodeTimestampSkew {
		t.Fatalf("expected code %d, got %d", CodeTimestampSkew, apiErr.Code)
	}
}

func TestDoResyncsClockOnTimestampSkew(t *testing.T) {
	calls := 0
	client, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case r.URL.Path == "/fapi/v1/time":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"serverTime":1700000000000}`))
		case calls == 1:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1021,"msg":"stale timestamp"}`))
		default:
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"orderId":1}`))
		}
	})
	defer srv.Close()

	_, apiErr := client.Do(t.Context(), Request{
		Method:         GET,
		Path:           "/fapi/v1/order",
		Signed:         true,
		RetryOnTimeErr: true,
	})
	if apiErr != nil {
		t.Fatalf("expected recovery to succeed, got %v", apiErr)
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 calls (fail, resync, retry), got %d", calls)
	}
}

func TestSignedRequestCarriesAPIKeyHeader(t *testing.T) {
	var gotHeader string
	client, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(APIKeyHeader)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	})
	defer srv.Close()

	_, apiErr := client.Do(t.Context(), Request{Method: GET, Path: "/fapi/v1/order", Signed: true})
	if apiErr != nil {
		t.Fatalf("unexpected error: %v", apiErr)
	}
	if gotHeader != "key" {
		t.Fatalf("expected API key header %q, got %q", "key", gotHeader)
	}
}

func TestUnsupportedMethodReturnsError(t *testing.T) {
	client, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called for unsupported method")
	})
	defer srv.Close()

	_, apiErr := client.Do(t.Context(), Request{Method: "PATCH", Path: "/fapi/v1/order"})
	if apiErr == nil || apiErr.Code != CodeUnsupportedMethod {
		t.Fatalf("expected CodeUnsupportedMethod, got %v", apiErr)
	}
}
