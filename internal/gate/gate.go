// Package gate provides the bounded-parallelism primitive guarding task
// execution: a counting semaphore with FIFO admission.
//
// The dispatcher reserves slots in dispatch order; a reservation's queue
// position is fixed at Reserve() time, so tasks offered first start first
// even when the launched goroutines are scheduled in arbitrary order.
package gate

import (
	"context"
	"sync"
)

type Gate struct {
	mu      sync.Mutex
	cap     int
	free    int
	waiters []*Slot
}

func New(maxConcurrent int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Gate{cap: maxConcurrent, free: maxConcurrent}
}

func (g *Gate) Cap() int { return g.cap }

// InUse reports the number of currently held slots.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cap - g.free
}

// Waiting reports the number of reservations queued for a slot.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

type slotState int

const (
	stateWaiting slotState = iota
	stateGranted
	stateCancelled
	stateReleased
)

// Slot is a single reservation. Release is idempotent and safe to call on
// every exit path, whether or not the slot was ever granted.
type Slot struct {
	g     *Gate
	ready chan struct{}
	state slotState
}

// Reserve enters the admission queue immediately and returns the reservation.
// If a slot is free it is granted before Reserve returns.
func (g *Gate) Reserve() *Slot {
	s := &Slot{g: g, ready: make(chan struct{})}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.free > 0 {
		g.free--
		s.state = stateGranted
		close(s.ready)
		return s
	}
	g.waiters = append(g.waiters, s)
	return s
}

// Wait blocks until the slot is granted or ctx is done.
// On ctx cancellation the reservation is withdrawn (or, if it was granted
// concurrently, the slot is returned) and ctx.Err() is reported.
func (s *Slot) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
	}

	g := s.g
	g.mu.Lock()
	switch s.state {
	case stateWaiting:
		g.removeLocked(s)
		s.state = stateCancelled
		g.mu.Unlock()
		return ctx.Err()
	case stateGranted:
		// Lost the race: a slot was handed to us while ctx fired.
		g.mu.Unlock()
		s.Release()
		return ctx.Err()
	default:
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release returns a granted slot to the gate, handing it to the oldest waiter
// if any. Calling Release on an ungranted or already released slot is a no-op.
func (s *Slot) Release() {
	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()

	switch s.state {
	case stateGranted:
		s.state = stateReleased
	case stateWaiting:
		// Releasing without waiting: just withdraw the reservation.
		g.removeLocked(s)
		s.state = stateCancelled
		return
	default:
		return
	}

	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		next.state = stateGranted
		close(next.ready)
		return
	}
	g.free++
}

func (g *Gate) removeLocked(s *Slot) {
	for i, w := range g.waiters {
		if w == s {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			return
		}
	}
}
