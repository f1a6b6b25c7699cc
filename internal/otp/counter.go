// Package otp provides the one-time-password counters that authenticate
// signaling requests. A counter only ever moves forward; concurrent calls may
// share a provider because every implementation serializes access.
package otp

import (
	"context"
	"sync/atomic"
)

// CounterProvider hands out the next OTP counter value for the local identity.
type CounterProvider interface {
	NextCounter(ctx context.Context) (int64, error)
}

// MemoryCounter is a process-local counter.
type MemoryCounter struct {
	value atomic.Int64
}

// NewMemoryCounter starts counting after seed.
func NewMemoryCounter(seed int64) *MemoryCounter {
	c := &MemoryCounter{}
	c.value.Store(seed)
	return c
}

func (c *MemoryCounter) NextCounter(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.value.Add(1), nil
}

// Current returns the last value handed out.
func (c *MemoryCounter) Current() int64 {
	return c.value.Load()
}
