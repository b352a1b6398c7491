package gateway

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiptCacheAllocationIsBounded(t *testing.T) {
	cfg := receiptCacheConfig(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, cfg.LifeWindow)
	assert.Equal(t, 5*time.Minute, cfg.CleanWindow)
	assert.Positive(t, cfg.HardMaxCacheSize, "cache must have a hard limit")

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	cache, err := bigcache.New(context.Background(), cfg)
	require.NoError(t, err)
	defer cache.Close()

	runtime.ReadMemStats(&after)
	allocated := after.TotalAlloc - before.TotalAlloc
	assert.Less(t, allocated, uint64(64<<20), "receipt cache preallocated %d MiB", allocated>>20)

	// a receipt with many logs is larger than the sizing hint and still fits
	entry := []byte(strings.Repeat("x", 16*receiptCacheEntrySize))
	require.NoError(t, cache.Set(testHash, entry))
	got, err := cache.Get(testHash)
	require.NoError(t, err)
	assert.Len(t, got, len(entry))
}

func TestReceiptCacheShortTTL(t *testing.T) {
	cfg := receiptCacheConfig(time.Second)
	assert.Equal(t, time.Second, cfg.CleanWindow, "clean window never drops below one second")
}
