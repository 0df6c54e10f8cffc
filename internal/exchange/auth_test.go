package exchange

import (
	"net/url"
	"testing"
	"time"

	"github.com/binancefutures/coreagent/internal/config"
)

func testAuth() *Auth {
	return NewAuth(&config.Config{
		APIKey:     "key123",
		APISecret:  "secret456",
		RecvWindow: 5000,
	})
}

func TestSignProducesSignatureParam(t *testing.T) {
	a := testAuth()
	a.SetClockOffset(0)

	params := url.Values{"symbol": {"BTCUSDT"}, "side": {"BUY"}}
	sig1 := a.Sign(params)

	if sig1 == "" {
		t.Fatal("expected non-empty signed query string")
	}
	if !containsParam(sig1, "signature") {
		t.Fatal("signed query string missing signature param")
	}
}

func TestSignDoesNotMutateInput(t *testing.T) {
	a := testAuth()
	params := url.Values{"symbol": {"ETHUSDT"}}
	_ = a.Sign(params)

	if _, ok := params["timestamp"]; ok {
		t.Fatal("Sign must not mutate the caller's params")
	}
	if _, ok := params["signature"]; ok {
		t.Fatal("Sign must not mutate the caller's params")
	}
}

func TestClockOffsetAppliesToNow(t *testing.T) {
	a := testAuth()
	before := time.Now().UnixMilli()
	a.SetClockOffset(5000)
	now := a.Now()

	if now < before+4000 {
		t.Fatalf("expected Now() to reflect the clock offset, got %d vs baseline %d", now, before)
	}
}

func TestClockStaleWhenNeverSynced(t *testing.T) {
	a := testAuth()
	if !a.ClockStale(5 * time.Minute) {
		t.Fatal("expected clock to be stale before any sync")
	}
}

func TestClockNotStaleWithinTTLAfterSync(t *testing.T) {
	a := testAuth()
	a.SetClockOffset(0)
	if a.ClockStale(time.Hour) {
		t.Fatal("expected freshly synced clock to not be stale")
	}
}

func containsParam(encoded, key string) bool {
	values, err := url.ParseQuery(encoded)
	if err != nil {
		return false
	}
	_, ok := values[key]
	return ok
}
