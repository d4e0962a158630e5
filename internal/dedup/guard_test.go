package dedup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreClaimOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	claimed, err := store.Claim(ctx, 12345, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.Claim(ctx, 12345, time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)

	// A different id is unaffected.
	claimed, err = store.Claim(ctx, 67890, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMemoryStoreConcurrentClaimsExactlyOneWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const claimers = 64
	var winners atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := store.Claim(ctx, 99999, time.Hour)
			assert.NoError(t, err)
			if claimed {
				winners.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()
	assert.Equal(t, int64(1), winners.Load())
}

func TestMemoryStoreClaimExpires(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }
	ctx := context.Background()

	claimed, err := store.Claim(ctx, 555, time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	// Within the TTL the claim holds.
	now = now.Add(59 * time.Minute)
	claimed, err = store.Claim(ctx, 555, time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Past the TTL the id is claimable again.
	now = now.Add(2 * time.Minute)
	claimed, err = store.Claim(ctx, 555, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMemoryStoreRelease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	claimed, err := store.Claim(ctx, 321, time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, store.Release(ctx, 321))

	claimed, err = store.Claim(ctx, 321, time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMemoryStoreSweepDropsExpired(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }
	ctx := context.Background()

	for id := int64(1); id <= 10; id++ {
		_, err := store.Claim(ctx, id, time.Minute)
		require.NoError(t, err)
	}
	assert.Equal(t, 10, store.Len())

	// Advance past both the TTL and the sweep interval; the next claim
	// triggers the sweep.
	now = now.Add(5 * time.Minute)
	_, err := store.Claim(ctx, 11, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestGuardClaimAndRelease(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	claimed, err := guard.Claim(ctx, 777)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = guard.Claim(ctx, 777)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, guard.Release(ctx, 777))

	claimed, err = guard.Claim(ctx, 777)
	require.NoError(t, err)
	assert.True(t, claimed)
}
