// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package health

import (
	"context"
)

// FuncChecker adapts a probe function. A failing probe reports onFailure.
type FuncChecker struct {
	name      string
	probe     func(ctx context.Context) error
	onFailure Status
	okMessage string
}

// NewFuncChecker creates a checker that is unhealthy when probe fails.
func NewFuncChecker(name string, probe func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, probe: probe, onFailure: StatusUnhealthy, okMessage: "ok"}
}

// NewStorageChecker reports the object store. Readiness depends on it.
func NewStorageChecker(ping func(ctx context.Context) error) *FuncChecker {
	c := NewFuncChecker("storage", ping)
	c.okMessage = "bucket reachable"
	return c
}

// NewFetchToolChecker reports whether the download tool binary resolves.
func NewFetchToolChecker(lookup func() error) *FuncChecker {
	c := NewFuncChecker("fetch_tool", func(context.Context) error { return lookup() })
	c.okMessage = "binary found"
	return c
}

// NewCacheChecker reports the existence cache. A broken cache only degrades
// service since lookups fall through to storage.
func NewCacheChecker(ping func(ctx context.Context) error) *FuncChecker {
	c := NewFuncChecker("cache", ping)
	c.onFailure = StatusDegraded
	return c
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	if err := c.probe(ctx); err != nil {
		return CheckResult{Status: c.onFailure, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: c.okMessage}
}
