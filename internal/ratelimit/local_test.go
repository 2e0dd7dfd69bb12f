package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_BurstThenDeny(t *testing.T) {
	l := NewLocalLimiter(1, 2)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		d, err := l.Allow(context.Background(), "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "突发容量内应放行")
	}

	d, err := l.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, time.Second, d.RetryAfter, float64(10*time.Millisecond))

	other, err := l.Allow(context.Background(), "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "不同key互不影响")
}

func TestLocalLimiter_RefillsOverTime(t *testing.T) {
	l := NewLocalLimiter(10, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	d, _ := l.Allow(context.Background(), "k")
	require.True(t, d.Allowed)
	d, _ = l.Allow(context.Background(), "k")
	require.False(t, d.Allowed)

	now = now.Add(150 * time.Millisecond)
	d, _ = l.Allow(context.Background(), "k")
	assert.True(t, d.Allowed, "150ms后至少补充一个令牌")
}

func TestLocalLimiter_DeniedRequestDoesNotConsume(t *testing.T) {
	l := NewLocalLimiter(10, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "k")
	for i := 0; i < 5; i++ {
		d, _ := l.Allow(context.Background(), "k")
		require.False(t, d.Allowed)
	}

	now = now.Add(150 * time.Millisecond)
	d, _ := l.Allow(context.Background(), "k")
	assert.True(t, d.Allowed, "被拒绝的请求不应预占令牌")
}

func TestLocalLimiter_CleansUpIdleKeys(t *testing.T) {
	l := NewLocalLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "a")
	_, _ = l.Allow(context.Background(), "b")
	assert.Equal(t, 2, l.Size())

	now = now.Add(localClientTTL + time.Minute)
	_, _ = l.Allow(context.Background(), "c")
	assert.Equal(t, 1, l.Size())
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, RetryAfterSeconds(0))
	assert.Equal(t, 1, RetryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 2, RetryAfterSeconds(1100*time.Millisecond))
	assert.Equal(t, 3, RetryAfterSeconds(3*time.Second))
}
