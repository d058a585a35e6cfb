package clustercache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

const testFingerprint = "52fdfc072182654f163f5f0f9a621d72"

func testTiers() map[string]ledger.Tier {
	return map[string]ledger.Tier{
		"btc_binance":  ledger.TierAPlus,
		"btc_coinbase": ledger.TierA,
		"btc_scraper":  ledger.TierD,
	}
}

// both backends must behave identically apart from expiry mechanics.
func runCacheTests(t *testing.T, cache Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		_, err := cache.Get(ctx, testFingerprint)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("put then get", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, testFingerprint, testTiers()))

		e, err := cache.Get(ctx, testFingerprint)
		require.NoError(t, err)
		assert.Equal(t, testTiers(), e.Tiers)
		assert.NotZero(t, e.ComputedAtMs)
	})

	t.Run("invalidate clears everything", func(t *testing.T) {
		require.NoError(t, cache.Put(ctx, testFingerprint, testTiers()))
		require.NoError(t, cache.Put(ctx, "another_fingerprint", testTiers()))

		require.NoError(t, cache.Invalidate(ctx))

		_, err := cache.Get(ctx, testFingerprint)
		assert.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = cache.Get(ctx, "another_fingerprint")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})
}

func TestMemoryCache(t *testing.T) {
	runCacheTests(t, NewMemory(time.Minute))
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedis(context.Background(), mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	runCacheTests(t, cache)
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedis(context.Background(), mr.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, testFingerprint, testTiers()))

	mr.FastForward(2 * time.Second)

	_, err = cache.Get(ctx, testFingerprint)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRedisCacheConnectFailure(t *testing.T) {
	_, err := NewRedis(context.Background(), "127.0.0.1:1", time.Minute)
	assert.Error(t, err)
}

func TestMemoryCacheIsolatesStoredTiers(t *testing.T) {
	cache := NewMemory(time.Minute)
	ctx := context.Background()

	tiers := testTiers()
	require.NoError(t, cache.Put(ctx, testFingerprint, tiers))
	tiers["btc_binance"] = ledger.TierD // caller keeps using its own map

	e, err := cache.Get(ctx, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, ledger.TierAPlus, e.Tiers["btc_binance"])

	// Mutating a returned entry must not leak back into the cache.
	e.Tiers["btc_binance"] = ledger.TierD
	again, err := cache.Get(ctx, testFingerprint)
	require.NoError(t, err)
	assert.Equal(t, ledger.TierAPlus, again.Tiers["btc_binance"])
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemory(time.Nanosecond)
	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, testFingerprint, testTiers()))

	time.Sleep(time.Millisecond)

	_, err := cache.Get(ctx, testFingerprint)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
