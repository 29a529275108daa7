package server

import (
	"context"
	"time"
)

// AdmissionGate bounds how many requests may execute CPU-bound handler
// logic concurrently, process-wide. One gate is constructed at startup and
// shared by reference into every connection.
type AdmissionGate struct {
	slots chan struct{}
}

// NewAdmissionGate creates a gate admitting at most n concurrent handler
// executions. n must be positive.
func NewAdmissionGate(n int) *AdmissionGate {
	if n < 1 {
		n = 1
	}
	return &AdmissionGate{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is cancelled. It reports how
// long the caller waited; the wait is surfaced to the access log to expose
// overload from expensive endpoints. The returned release function must be
// called exactly once, on every path including errors.
func (g *AdmissionGate) Acquire(ctx context.Context) (release func(), waited time.Duration, err error) {
	start := time.Now()
	// A free slot always admits, even when ctx is already done: a request
	// that made it through validation should be answered, not dropped.
	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, time.Since(start), nil
	default:
	}
	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, time.Since(start), nil
	case <-ctx.Done():
		return nil, time.Since(start), ctx.Err()
	}
}

// InUse reports the number of currently held slots.
func (g *AdmissionGate) InUse() int {
	return len(g.slots)
}

// Capacity reports the gate size.
func (g *AdmissionGate) Capacity() int {
	return cap(g.slots)
}
