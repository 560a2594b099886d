// Package clock provides the position sources used as the sale's time axis.
// A position is a monotonically non-decreasing counter such as a block
// height. Consumers only read positions; advancing them is the owner's job.
package clock

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBackwards is returned when a manual clock is asked to move to an
// earlier position.
var ErrBackwards = errors.New("clock: position must not decrease")

// Source supplies the current position.
type Source interface {
	Position() uint64
}

// Func adapts an ordinary function into a Source.
type Func func() uint64

// Position implements Source.
func (f Func) Position() uint64 {
	if f == nil {
		return 0
	}
	return f()
}

// Fixed is a Source pinned to a single position.
type Fixed uint64

// Position implements Source.
func (f Fixed) Position() uint64 { return uint64(f) }

// Manual is a Source advanced explicitly by its owner. It is safe for
// concurrent use.
type Manual struct {
	mu  sync.RWMutex
	pos uint64
}

// NewManual returns a manual clock starting at the supplied position.
func NewManual(start uint64) *Manual {
	return &Manual{pos: start}
}

// Position implements Source.
func (m *Manual) Position() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos
}

// Advance moves the clock forward by n positions and returns the new value.
func (m *Manual) Advance(n uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos+n < m.pos {
		m.pos = ^uint64(0)
		return m.pos
	}
	m.pos += n
	return m.pos
}

// AdvanceTo moves the clock to target. Moving backwards is rejected.
func (m *Manual) AdvanceTo(target uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target < m.pos {
		return fmt.Errorf("%w: at %d, requested %d", ErrBackwards, m.pos, target)
	}
	m.pos = target
	return nil
}

// Wall derives positions from wall-clock time. The anchor instant maps to
// base and every elapsed unit advances one position. Readings never go
// backwards even if the system clock does.
type Wall struct {
	anchor time.Time
	base   uint64
	unit   time.Duration
	now    func() time.Time
	last   atomic.Uint64
}

// NewWall returns a wall clock. now defaults to time.Now.
func NewWall(anchor time.Time, base uint64, unit time.Duration, now func() time.Time) *Wall {
	if unit <= 0 {
		unit = time.Second
	}
	if now == nil {
		now = time.Now
	}
	w := &Wall{anchor: anchor, base: base, unit: unit, now: now}
	w.last.Store(base)
	return w
}

// Position implements Source.
func (w *Wall) Position() uint64 {
	pos := w.base
	if elapsed := w.now().Sub(w.anchor); elapsed > 0 {
		step := PositionsFor(elapsed, w.unit)
		if pos+step < pos {
			pos = ^uint64(0)
		} else {
			pos += step
		}
	}
	for {
		last := w.last.Load()
		if pos <= last {
			return last
		}
		if w.last.CompareAndSwap(last, pos) {
			return pos
		}
	}
}

// PositionsFor converts a wall-clock duration into a whole number of
// positions given the duration of a single position. The result is rounded
// down; a non-positive unit is treated as one second.
func PositionsFor(d time.Duration, unit time.Duration) uint64 {
	if unit <= 0 {
		unit = time.Second
	}
	if d <= 0 {
		return 0
	}
	return uint64(d / unit)
}
