package otp

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounterMonotonic(t *testing.T) {
	c := NewMemoryCounter(41)

	first, err := c.NextCounter(context.Background())
	require.NoError(t, err)
	second, err := c.NextCounter(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(42), first)
	assert.Equal(t, int64(43), second)
	assert.Equal(t, int64(43), c.Current())
}

func TestMemoryCounterConcurrentUnique(t *testing.T) {
	c := NewMemoryCounter(0)

	const workers, perWorker = 8, 100
	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				v, err := c.NextCounter(context.Background())
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[v], "counter %d reused", v)
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestMemoryCounterCancelled(t *testing.T) {
	c := NewMemoryCounter(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.NextCounter(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), c.Current(), "cancelled request must not consume a value")
}

func TestCounterKey(t *testing.T) {
	assert.Equal(t, "securecall:otp:v1:+15550001111", counterKey("", " +15550001111 "))
	assert.Equal(t, "custom:+1", counterKey("custom", "+1"))
}

func TestNewRedisCounterValidation(t *testing.T) {
	_, err := NewRedisCounter(context.Background(), RedisOptions{Identity: "+1"})
	assert.Error(t, err)

	_, err = NewRedisCounter(context.Background(), RedisOptions{Addr: "localhost:6379"})
	assert.Error(t, err)
}

func TestRedisCounterNil(t *testing.T) {
	var c *RedisCounter
	_, err := c.NextCounter(context.Background())
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}
