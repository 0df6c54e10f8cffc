package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/binancefutures/coreagent/internal/config"
)

// Auth holds the API key/secret pair and the shared clock-offset scalar
// used to sign every private request (§4.1). A single Auth is shared by
// every caller of Client; ClockOffset is the only mutable state and is
// updated atomically so concurrent signed requests never race.
type Auth struct {
	apiKey      string
	apiSecret   string
	recvWindow  int
	clockOffset atomic.Int64 // milliseconds added to local time
	lastSyncAt  atomic.Int64 // unix millis of last successful resync
}

// NewAuth builds an Auth from a loaded config. The clock offset starts at
// zero; SyncTime (or the first −1021 recovery) establishes it.
func NewAuth(cfg *config.Config) *Auth {
	return &Auth{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		recvWindow: cfg.RecvWindow,
	}
}

// ClockOffset returns the current signed millisecond offset applied to
// outgoing timestamps.
func (a *Auth) ClockOffset() int64 {
	return a.clockOffset.Load()
}

// SetClockOffset installs a freshly resynced offset.
func (a *Auth) SetClockOffset(offsetMs int64) {
	a.clockOffset.Store(offsetMs)
	a.lastSyncAt.Store(time.Now().UnixMilli())
}

// ClockStale reports whether the offset hasn't been refreshed within
// the given TTL (§3: refreshed when age > 5 min, or on −1021).
func (a *Auth) ClockStale(ttl time.Duration) bool {
	last := a.lastSyncAt.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.UnixMilli(last)) > ttl
}

// Now returns local time adjusted by the current clock offset, in
// milliseconds — the value every signed request uses for `timestamp`.
func (a *Auth) Now() int64 {
	return time.Now().UnixMilli() + a.clockOffset.Load()
}

// Sign builds the final, signed query string for a private request:
// params sorted, url-encoded, timestamp/recvWindow appended, then HMAC
// signed with the API secret (§4.1). params is not mutated.
func (a *Auth) Sign(params url.Values) string {
	signed := cloneValues(params)
	signed.Set("timestamp", strconv.FormatInt(a.Now(), 10))
	if a.recvWindow > 0 {
		signed.Set("recvWindow", strconv.Itoa(a.recvWindow))
	}

	encoded := encodeSorted(signed)
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(encoded))
	signature := hex.EncodeToString(mac.Sum(nil))

	signed.Set("signature", signature)
	return encodeSorted(signed)
}

// APIKeyHeader is the header name Binance expects the API key under.
const APIKeyHeader = "X-MBX-APIKEY"

// APIKey returns the configured API key, sent as a header on every
// request (signed or not).
func (a *Auth) APIKey() string {
	return a.apiKey
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		cp := make([]string, len(vals))
		copy(cp, vals)
		out[k] = cp
	}
	return out
}

// encodeSorted url-encodes params in key-sorted order, matching the
// canonical query string Binance expects to be signed and replayed
// verbatim as the request body/query.
func encodeSorted(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	encoded := url.Values{}
	for _, k := range keys {
		for _, val := range v[k] {
			encoded.Add(k, val)
		}
	}
	return encoded.Encode()
}
