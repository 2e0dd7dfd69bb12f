package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 500")

func newTestBreaker(failures, successes int, open time.Duration) *Breaker {
	return NewBreaker("catalog", config.BreakerConfig{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		OpenDuration:     open,
		Fallback:         config.FallbackConfig{StatusCode: 503, Message: "目录服务暂不可用"},
	}, config.NewNopLogger())
}

func fail() (interface{}, error)    { return nil, errUpstream }
func succeed() (interface{}, error) { return "ok", nil }

func TestBreaker_StartsClosed(t *testing.T) {
	b := newTestBreaker(3, 2, time.Minute)
	snap := b.Snapshot()

	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Nil(t, snap.OpenedAt)
	assert.Equal(t, 3, snap.FailureThreshold)
}

func TestBreaker_OpensAfterExactlyThresholdFailures(t *testing.T) {
	b := newTestBreaker(3, 2, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := b.Execute(fail)
		require.ErrorIs(t, err, errUpstream)
	}
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State, "阈值前不应打开")
	assert.Equal(t, 2, snap.ConsecutiveFailures)

	_, err := b.Execute(fail)
	require.ErrorIs(t, err, errUpstream, "第三次失败本身仍返回原始错误")

	snap = b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	require.NotNil(t, snap.OpenedAt, "打开状态必须记录openedAt")
	assert.Zero(t, snap.ConsecutiveFailures, "状态迁移后计数清零")
	assert.Zero(t, snap.ConsecutiveSuccesses)
}

func TestBreaker_SuccessResetsFailureCounter(t *testing.T) {
	b := newTestBreaker(3, 2, time.Minute)

	_, _ = b.Execute(fail)
	_, _ = b.Execute(fail)
	_, err := b.Execute(succeed)
	require.NoError(t, err)
	assert.Zero(t, b.Snapshot().ConsecutiveFailures, "成功应清零连续失败计数")

	_, _ = b.Execute(fail)
	_, _ = b.Execute(fail)
	assert.Equal(t, StateClosed, b.Snapshot().State, "不累计之前的失败")
}

func TestBreaker_OpenNeverInvokesOperation(t *testing.T) {
	b := newTestBreaker(1, 1, time.Minute)
	_, _ = b.Execute(fail)
	require.Equal(t, StateOpen, b.Snapshot().State)

	var calls int32
	for i := 0; i < 10; i++ {
		_, err := b.Execute(func() (interface{}, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		})
		var openErr *OpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "catalog", openErr.ServiceID)
		assert.Equal(t, 503, openErr.Fallback.StatusCode)
		assert.Equal(t, "目录服务暂不可用", openErr.Fallback.Message)
		assert.GreaterOrEqual(t, openErr.RetryAfterSeconds(), 1)
		assert.LessOrEqual(t, openErr.RetryAfterSeconds(), 60)
	}
	assert.Zero(t, atomic.LoadInt32(&calls), "打开期间不应调用下游")
}

func TestBreaker_LazyHalfOpenThenReopenWithFreshOpenedAt(t *testing.T) {
	b := newTestBreaker(1, 2, 50*time.Millisecond)
	_, _ = b.Execute(fail)
	first := b.Snapshot()
	require.Equal(t, StateOpen, first.State)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateOpen, b.Snapshot().State, "超时后没有请求时不主动迁移")

	var stateDuringCall State
	_, err := b.Execute(func() (interface{}, error) {
		stateDuringCall = b.Snapshot().State
		return nil, errUpstream
	})
	require.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateHalfOpen, stateDuringCall, "执行前应先迁移到半开")

	second := b.Snapshot()
	require.Equal(t, StateOpen, second.State, "半开状态下一次失败立即重新打开")
	require.NotNil(t, second.OpenedAt)
	assert.True(t, second.OpenedAt.After(*first.OpenedAt), "重新打开应刷新openedAt")
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b := newTestBreaker(1, 2, 30*time.Millisecond)
	_, _ = b.Execute(fail)
	time.Sleep(50 * time.Millisecond)

	_, err := b.Execute(succeed)
	require.NoError(t, err)
	snap := b.Snapshot()
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.Equal(t, 1, snap.ConsecutiveSuccesses)

	_, err = b.Execute(succeed)
	require.NoError(t, err)
	snap = b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveSuccesses, "关闭后计数清零")
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Nil(t, snap.OpenedAt)
}

func TestBreaker_HalfOpenRejectsBeyondTrialSlots(t *testing.T) {
	b := newTestBreaker(1, 1, 20*time.Millisecond)
	_, _ = b.Execute(fail)
	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := b.Execute(func() (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
		done <- err
	}()
	<-started

	_, err := b.Execute(succeed)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr, "试探名额用尽时按熔断处理")
	assert.Equal(t, 1, openErr.RetryAfterSeconds())

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func canceled() (interface{}, error) { return nil, context.Canceled }

func TestBreaker_CanceledCallKeepsFailureRun(t *testing.T) {
	b := newTestBreaker(3, 1, time.Minute)

	_, _ = b.Execute(fail)
	_, _ = b.Execute(fail)
	require.Equal(t, 2, b.Snapshot().ConsecutiveFailures)

	_, err := b.Execute(canceled)
	require.ErrorIs(t, err, context.Canceled)

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 2, snap.ConsecutiveFailures, "客户端取消不应清零连续失败计数")
	assert.Zero(t, snap.ConsecutiveSuccesses)

	_, _ = b.Execute(fail)
	assert.Equal(t, StateOpen, b.Snapshot().State, "取消之后的下一次失败应达到阈值")
}

func TestBreaker_CanceledTrialKeepsHalfOpen(t *testing.T) {
	b := newTestBreaker(1, 1, 20*time.Millisecond)

	_, _ = b.Execute(fail)
	require.Equal(t, StateOpen, b.Snapshot().State)
	time.Sleep(40 * time.Millisecond)

	_, err := b.Execute(canceled)
	require.ErrorIs(t, err, context.Canceled)

	snap := b.Snapshot()
	assert.Equal(t, StateHalfOpen, snap.State, "被取消的试探请求不能关闭熔断器")
	assert.Zero(t, snap.ConsecutiveSuccesses)
	assert.Zero(t, snap.ConsecutiveFailures)
}

func TestBreaker_SnapshotConsistentUnderTransitions(t *testing.T) {
	b := newTestBreaker(2, 1, time.Millisecond)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_, _ = b.Execute(fail)
			}
		}
	}()

	for i := 0; i < 500; i++ {
		snap := b.Snapshot()
		if snap.State == StateOpen {
			assert.Zero(t, snap.ConsecutiveFailures, "打开状态的计数属于新一代")
		}
		assert.Less(t, snap.ConsecutiveFailures, 2, "计数不应超过阈值而仍处于旧状态")
	}
	close(stop)
	wg.Wait()
}

func TestBreaker_SnapshotDoesNotTransition(t *testing.T) {
	b := newTestBreaker(1, 1, 10*time.Millisecond)
	_, _ = b.Execute(fail)
	time.Sleep(30 * time.Millisecond)

	for i := 0; i < 5; i++ {
		assert.Equal(t, StateOpen, b.Snapshot().State, "读取状态不应触发半开迁移")
	}
}

func TestBreaker_DefaultsForZeroSettings(t *testing.T) {
	b := NewBreaker("auth", config.BreakerConfig{}, nil)
	s := b.Settings()
	assert.Equal(t, defaultFailureThreshold, s.FailureThreshold)
	assert.Equal(t, defaultSuccessThreshold, s.SuccessThreshold)
	assert.Equal(t, defaultOpenDuration, s.OpenDuration)
}

func TestBreaker_ConcurrentFailures(t *testing.T) {
	b := newTestBreaker(5, 1, time.Minute)

	var wg sync.WaitGroup
	var invoked int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Execute(func() (interface{}, error) {
				atomic.AddInt32(&invoked, 1)
				return nil, errUpstream
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, b.Snapshot().State)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&invoked), int32(5))
}

func TestOpenError_RetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, (&OpenError{}).RetryAfterSeconds())
	assert.Equal(t, 2, (&OpenError{RetryAfter: 1500 * time.Millisecond}).RetryAfterSeconds())
	assert.Equal(t, 30, (&OpenError{RetryAfter: 30 * time.Second}).RetryAfterSeconds())
}
