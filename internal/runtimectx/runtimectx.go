// Package runtimectx defines the minimal handle a listener hands to each
// accepted connection: a cancellation context and a concurrency permit.
package runtimectx

import (
	"context"
	"sync"
)

// RuntimeCtx is implemented by anything that can hand out a shutdown
// context and gate concurrent connection handling behind a permit.
//
// Kept near-verbatim from the teacher's core/iface.RuntimeCtx: it was
// already minimal and domain-agnostic.
type RuntimeCtx interface {
	Context() context.Context
	AcquirePermit() (release func(), ok bool)
}

// Semaphore is a RuntimeCtx backed by a buffered channel, used by
// socksserver.Server.Serve and httpserver.Server.Serve to bound
// per-listener concurrency.
type Semaphore struct {
	ctx context.Context
	sem chan struct{}
}

// NewSemaphore builds a Semaphore with room for max concurrent permits.
// max <= 0 means unbounded.
func NewSemaphore(ctx context.Context, max int) *Semaphore {
	s := &Semaphore{ctx: ctx}
	if max > 0 {
		s.sem = make(chan struct{}, max)
	}
	return s
}

func (s *Semaphore) Context() context.Context { return s.ctx }

// AcquirePermit blocks until a slot is free or the context is done. ok is
// false only when the context was already canceled.
func (s *Semaphore) AcquirePermit() (release func(), ok bool) {
	if s.sem == nil {
		return func() {}, true
	}
	select {
	case s.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.sem }) }, true
	case <-s.ctx.Done():
		return func() {}, false
	}
}
