// Package hooks runs cross-cutting interceptors around MCP tool
// handlers: tracing, request logging, and provenance audit. The chain
// is assembled once at startup and applied uniformly, so individual
// handlers never reimplement these concerns.
package hooks

import (
	"context"
	"time"
)

// OpInfo describes one tool invocation to the interceptors.
type OpInfo struct {
	// Tool is the MCP tool name.
	Tool string

	// NotebookPath is the target notebook, when the tool has one.
	NotebookPath string

	// AgentID is the calling agent, when provided.
	AgentID string

	// ReadOnly marks tools that observe without mutating; the audit
	// interceptor skips them.
	ReadOnly bool
}

// Interceptor wraps a tool invocation. Before may derive a new context
// (spans, logger fields); After sees the outcome. Either hook may be
// nil.
type Interceptor struct {
	Name   string
	Before func(ctx context.Context, op *OpInfo) context.Context
	After  func(ctx context.Context, op *OpInfo, status string, duration time.Duration, err error)
}

// Chain is an ordered interceptor list.
type Chain struct {
	interceptors []Interceptor
}

// NewChain builds a chain from interceptors in invocation order.
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Use appends an interceptor.
func (c *Chain) Use(i Interceptor) {
	c.interceptors = append(c.interceptors, i)
}

// Run invokes every Before in order, then fn, then every After in
// reverse order. Afters receive "ok" or "error" plus the wall time of
// fn; they run even when fn fails.
func (c *Chain) Run(ctx context.Context, op *OpInfo, fn func(ctx context.Context) error) error {
	for _, i := range c.interceptors {
		if i.Before != nil {
			ctx = i.Before(ctx, op)
		}
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	for j := len(c.interceptors) - 1; j >= 0; j-- {
		if after := c.interceptors[j].After; after != nil {
			after(ctx, op, status, duration, err)
		}
	}
	return err
}
