package ratectl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParamCacheKeyIsOrderIndependent(t *testing.T) {
	k1 := Key("queue_fill", map[string]interface{}{"symbol": "BTCUSDT", "side": "BUY"})
	k2 := Key("queue_fill", map[string]interface{}{"side": "BUY", "symbol": "BTCUSDT"})
	require.Equal(t, k1, k2)
}

func TestParamCacheKeyDiffersByTool(t *testing.T) {
	args := map[string]interface{}{"symbol": "BTCUSDT"}
	k1 := Key("queue_fill", args)
	k2 := Key("multi_horizon", args)
	require.NotEqual(t, k1, k2)
}

func TestParamCacheGetSetTTL(t *testing.T) {
	c := NewParamCache()
	key := Key("walls", map[string]interface{}{"symbol": "ETHUSDT"})

	hit, _ := c.Get(key)
	require.False(t, hit)

	c.Set(key, map[string]int{"n": 1}, 20*time.Millisecond)
	hit, val := c.Get(key)
	require.True(t, hit)
	require.Equal(t, map[string]int{"n": 1}, val)

	time.Sleep(30 * time.Millisecond)
	hit, _ = c.Get(key)
	require.False(t, hit, "entry should have expired")
	require.Equal(t, 0, c.Size(), "expired entry should be evicted on read")
}

func TestParamCacheInvalidate(t *testing.T) {
	c := NewParamCache()
	key := Key("vp", map[string]interface{}{"symbol": "BTCUSDT"})
	c.Set(key, 42, time.Minute)
	c.Invalidate(key)
	hit, _ := c.Get(key)
	require.False(t, hit)
}
