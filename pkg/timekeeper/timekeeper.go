// Package timekeeper measures elapsed time in slices, so a counter can be
// advanced by the time since its previous update.
package timekeeper

import (
	"sync"
	"time"
)

type Elapsing struct {
	mu         sync.Mutex
	checkpoint time.Time
	now        func() time.Time
}

func NewElapsing() *Elapsing {
	return newElapsing(time.Now)
}

func newElapsing(now func() time.Time) *Elapsing {
	// time.Now carries the monotonic clock, so deltas survive wall clock jumps
	return &Elapsing{checkpoint: now(), now: now}
}

// Report returns the time since the previous Report, or since creation, and
// starts a new slice.
func (e *Elapsing) Report() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	d := now.Sub(e.checkpoint)
	e.checkpoint = now
	return d
}

// Reset drops the current slice without reporting it.
func (e *Elapsing) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpoint = e.now()
}
