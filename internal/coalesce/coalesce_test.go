// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gate blocks a pipeline until released and counts invocations.
type gate struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) pipeline(val string, err error) Pipeline {
	return func(ctx context.Context) (string, error) {
		g.calls.Add(1)
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return val, err
	}
}

func waitForWaiters(t *testing.T, c *Coalescer, key string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Waiters(key) == n }, 2*time.Second, time.Millisecond)
}

func TestRunOnce_ConcurrentCallersShareOnePipeline(t *testing.T) {
	c := New(context.Background())
	g := newGate()
	const n = 10

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.RunOnce(context.Background(), "X", g.pipeline("url-X", nil))
		}(i)
	}

	waitForWaiters(t, c, "X", n)
	assert.Equal(t, 1, c.Pending())
	close(g.release)
	wg.Wait()

	assert.Equal(t, int32(1), g.calls.Load(), "pipeline must run exactly once")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "url-X", results[i])
	}
	assert.Equal(t, 0, c.Pending())
}

func TestDo_ReportsLeader(t *testing.T) {
	c := New(context.Background())
	g := newGate()

	leaderCh := make(chan Result, 1)
	go func() {
		r, _ := c.Do(context.Background(), "X", g.pipeline("v", nil))
		leaderCh <- r
	}()
	<-g.started

	followerCh := make(chan Result, 1)
	go func() {
		r, _ := c.Do(context.Background(), "X", g.pipeline("other", nil))
		followerCh <- r
	}()
	waitForWaiters(t, c, "X", 2)
	close(g.release)

	leader, follower := <-leaderCh, <-followerCh
	assert.True(t, leader.Leader)
	assert.False(t, follower.Leader)
	assert.Equal(t, 2, follower.Waiters)
	assert.Equal(t, "v", follower.Value, "attached callers get the installed pipeline's value")
}

func TestRunOnce_FailureDeliveredToAllThenRetryStartsFresh(t *testing.T) {
	c := New(context.Background())
	g := newGate()
	boom := errors.New("fetch failed")

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.RunOnce(context.Background(), "Y", g.pipeline("", boom))
		}(i)
	}
	waitForWaiters(t, c, "Y", 3)
	close(g.release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 0, c.Pending(), "failed entry must be cleared")

	var calls atomic.Int32
	v, err := c.RunOnce(context.Background(), "Y", func(context.Context) (string, error) {
		calls.Add(1)
		return "url-Y", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "url-Y", v)
	assert.Equal(t, int32(1), calls.Load(), "retry must start a new pipeline")
}

func TestRunOnce_DistinctKeysRunIndependently(t *testing.T) {
	c := New(context.Background())
	slow := newGate()

	slowDone := make(chan error, 1)
	go func() {
		_, err := c.RunOnce(context.Background(), "A", slow.pipeline("a", nil))
		slowDone <- err
	}()
	<-slow.started

	v, err := c.RunOnce(context.Background(), "B", func(context.Context) (string, error) {
		return "b", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "b", v, "B must not wait for A")
	assert.Equal(t, 1, c.Pending())

	close(slow.release)
	require.NoError(t, <-slowDone)
}

func TestRunOnce_FailureOfOneKeyDoesNotAffectAnother(t *testing.T) {
	c := New(context.Background())

	_, errA := c.RunOnce(context.Background(), "A", func(context.Context) (string, error) {
		return "", errors.New("A broke")
	})
	vB, errB := c.RunOnce(context.Background(), "B", func(context.Context) (string, error) {
		return "b", nil
	})
	assert.Error(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, "b", vB)
}

func TestRunOnce_CallerCancellationDoesNotStopPipeline(t *testing.T) {
	c := New(context.Background())
	g := newGate()

	ctx1, cancel1 := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := c.RunOnce(ctx1, "X", g.pipeline("url-X", nil))
		firstDone <- err
	}()
	<-g.started

	secondDone := make(chan string, 1)
	go func() {
		v, _ := c.RunOnce(context.Background(), "X", g.pipeline("unused", nil))
		secondDone <- v
	}()
	waitForWaiters(t, c, "X", 2)

	cancel1()
	assert.ErrorIs(t, <-firstDone, context.Canceled)
	assert.Equal(t, 1, c.Pending(), "pipeline must keep running for the other waiter")

	close(g.release)
	assert.Equal(t, "url-X", <-secondDone)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestRunOnce_PipelineOutlivesAllCallers(t *testing.T) {
	c := New(context.Background())
	g := newGate()
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.RunOnce(ctx, "X", func(pctx context.Context) (string, error) {
			defer close(finished)
			return g.pipeline("v", nil)(pctx)
		})
		done <- err
	}()
	<-g.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(g.release)
	<-finished
	require.NoError(t, c.Wait(context.Background()))
}

func TestRunOnce_BaseCancellationStopsPipeline(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	c := New(base)
	g := newGate()

	done := make(chan error, 1)
	go func() {
		_, err := c.RunOnce(context.Background(), "X", g.pipeline("v", nil))
		done <- err
	}()
	<-g.started
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestRunOnce_PipelineKeepsContextValues(t *testing.T) {
	type key struct{}
	c := New(context.Background())
	ctx := context.WithValue(context.Background(), key{}, "req-1")

	v, err := c.RunOnce(ctx, "X", func(pctx context.Context) (string, error) {
		s, _ := pctx.Value(key{}).(string)
		return s, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", v)
}

func TestRunOnce_PanicIsDeliveredAsError(t *testing.T) {
	c := New(context.Background())

	_, err := c.RunOnce(context.Background(), "P", func(context.Context) (string, error) {
		panic("kaboom")
	})
	require.ErrorIs(t, err, ErrPipelinePanic)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, 0, c.Pending())

	v, err := c.RunOnce(context.Background(), "P", func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRunOnce_EntryClearedBeforeDelivery(t *testing.T) {
	c := New(context.Background())

	_, err := c.RunOnce(context.Background(), "X", func(context.Context) (string, error) {
		return "", errors.New("x")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Pending(), "no entry may remain once the outcome is seen")
}

func TestRunOnce_SequentialCallsEachRun(t *testing.T) {
	c := New(context.Background())
	var calls atomic.Int32
	fn := func(context.Context) (string, error) {
		return fmt.Sprint(calls.Add(1)), nil
	}

	v1, _ := c.RunOnce(context.Background(), "X", fn)
	v2, _ := c.RunOnce(context.Background(), "X", fn)
	assert.Equal(t, "1", v1)
	assert.Equal(t, "2", v2)
}

func TestWait_HonorsContext(t *testing.T) {
	c := New(context.Background())
	g := newGate()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.RunOnce(context.Background(), "X", g.pipeline("v", nil))
	}()
	<-g.started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(g.release)
	<-done
}

func TestWait_IdleReturnsImmediately(t *testing.T) {
	c := New(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Wait(ctx), "an idle coalescer is done even on a finished context")
}

func TestWait_WakesWhenLastPipelineFinishes(t *testing.T) {
	c := New(context.Background())
	gx, gy := newGate(), newGate()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = c.RunOnce(context.Background(), "X", gx.pipeline("x", nil))
	}()
	go func() {
		defer wg.Done()
		_, _ = c.RunOnce(context.Background(), "Y", gy.pipeline("y", nil))
	}()
	<-gx.started
	<-gy.started

	waited := make(chan error, 1)
	go func() { waited <- c.Wait(context.Background()) }()

	close(gx.release)
	require.Eventually(t, func() bool { return c.Pending() == 1 }, 2*time.Second, time.Millisecond)
	select {
	case err := <-waited:
		t.Fatalf("Wait returned with a pipeline still in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gy.release)
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not wake after the last pipeline finished")
	}
	wg.Wait()

	// a new pipeline after idle makes Wait block again
	gz := newGate()
	zDone := make(chan struct{})
	go func() {
		defer close(zDone)
		_, _ = c.RunOnce(context.Background(), "Z", gz.pipeline("z", nil))
	}()
	<-gz.started
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
	close(gz.release)
	require.NoError(t, c.Wait(context.Background()))
	<-zDone
}
