// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package coalesce runs at most one pipeline per key at a time and hands its
// outcome to every caller that asked for the key while it was running.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/vidgate/internal/log"
	"github.com/ManuGH/vidgate/internal/metrics"
)

// ErrPipelinePanic is delivered to all waiters when a pipeline panics.
var ErrPipelinePanic = errors.New("pipeline panicked")

// Pipeline produces the value for one key.
type Pipeline func(ctx context.Context) (string, error)

// Result is the outcome seen by one caller.
type Result struct {
	Value string
	// Leader is true for the caller whose pipeline ran.
	Leader bool
	// Waiters is the number of callers attached when this one joined.
	Waiters int
}

type flight struct {
	waiters int
	peak    int
}

// Coalescer deduplicates concurrent pipelines by key.
type Coalescer struct {
	base context.Context

	mu     sync.Mutex // guards active and idle, orders install/attach against cleanup
	sf     singleflight.Group
	active map[string]*flight
	idle   chan struct{} // closed while active is empty
}

// New returns a Coalescer whose pipelines are canceled when base is done.
func New(base context.Context) *Coalescer {
	idle := make(chan struct{})
	close(idle)
	return &Coalescer{
		base:   base,
		active: make(map[string]*flight),
		idle:   idle,
	}
}

// RunOnce returns the outcome of the pipeline for key, starting it only if none
// is in flight. See Do.
func (c *Coalescer) RunOnce(ctx context.Context, key string, fn Pipeline) (string, error) {
	res, err := c.Do(ctx, key, fn)
	return res.Value, err
}

// Do installs fn for key or attaches to the pipeline already running for key.
//
// The pipeline runs on a context that keeps ctx's values but not its
// cancellation; it is canceled only when the Coalescer's base context ends.
// If ctx ends first, Do returns ctx.Err() and the pipeline keeps running for the
// other waiters. The key is released before the outcome is delivered, so a call
// made after a failure always starts a fresh pipeline.
func (c *Coalescer) Do(ctx context.Context, key string, fn Pipeline) (Result, error) {
	c.mu.Lock()
	f, ok := c.active[key]
	leader := !ok
	if leader {
		if len(c.active) == 0 {
			c.idle = make(chan struct{})
		}
		f = &flight{}
		c.active[key] = f
	}
	f.waiters++
	if f.waiters > f.peak {
		f.peak = f.waiters
	}
	waiters := f.waiters
	ch := c.sf.DoChan(key, func() (any, error) {
		return c.run(ctx, key, f, fn)
	})
	c.mu.Unlock()

	defer c.detach(f)

	select {
	case r := <-ch:
		out := Result{Leader: leader, Waiters: waiters}
		if r.Err != nil {
			return out, r.Err
		}
		out.Value = r.Val.(string)
		return out, nil
	case <-ctx.Done():
		return Result{Leader: leader, Waiters: waiters}, ctx.Err()
	}
}

func (c *Coalescer) detach(f *flight) {
	c.mu.Lock()
	f.waiters--
	c.mu.Unlock()
}

// run executes fn for the leader. Its deferred cleanup releases key before
// singleflight delivers the result.
func (c *Coalescer) run(callerCtx context.Context, key string, f *flight, fn Pipeline) (val any, err error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(callerCtx))
	stop := context.AfterFunc(c.base, cancel)
	logger := log.WithComponentFromContext(ctx, "coalesce").With().Str(log.FieldVideoID, key).Logger()
	start := time.Now()

	metrics.PipelineStarted()
	logger.Info().Str(log.FieldEvent, "pipeline.start").Msg("pipeline started")

	result := "success"
	defer func() {
		if p := recover(); p != nil {
			result = "panic"
			err = fmt.Errorf("%w: %v", ErrPipelinePanic, p)
			val = nil
			logger.Error().
				Str(log.FieldEvent, "pipeline.panic").
				Str("panic", fmt.Sprint(p)).
				Bytes("stack", debug.Stack()).
				Msg("pipeline panicked")
		} else if err != nil {
			result = "failure"
		}

		stop()
		cancel()

		c.mu.Lock()
		c.sf.Forget(key)
		delete(c.active, key)
		if len(c.active) == 0 {
			close(c.idle)
		}
		peak := f.peak
		c.mu.Unlock()

		metrics.PipelineFinished(result, peak)
		ev := logger.Info()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str(log.FieldEvent, "pipeline.finish").
			Str("result", result).
			Int(log.FieldWaiters, peak).
			Dur("duration", time.Since(start)).
			Msg("pipeline finished")
	}()

	v, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Pending returns the number of keys with a pipeline in flight.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Waiters returns the number of callers currently waiting on key.
func (c *Coalescer) Waiters(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.active[key]; ok {
		return f.waiters
	}
	return 0
}

// Wait blocks until no pipeline is in flight or ctx is done.
func (c *Coalescer) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		idle, empty := c.idle, len(c.active) == 0
		c.mu.Unlock()
		if empty {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}
