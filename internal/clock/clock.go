// Package clock provides the TimeProvider abstraction the engine uses
// instead of ever reading the OS clock directly, so replay and tests are
// deterministic.
package clock

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// TimeProvider exposes the two clocks the engine consults: a monotonic
// nanosecond counter for ordering/expiry math, and a wall-clock nanosecond
// reading kept only for forensics.
type TimeProvider interface {
	MonoNs() uint64
	WallNs() uint64
}

// Real is the production TimeProvider, backed by benbjohnson/clock's
// real-clock implementation so the rest of the engine never imports
// "time" directly on the hot path.
type Real struct {
	clock clock.Clock
	start time.Time
	mono  time.Time
}

// NewReal returns a TimeProvider backed by the OS clock.
func NewReal() *Real {
	c := clock.New()
	now := c.Now()
	return &Real{clock: c, start: now, mono: now}
}

func (r *Real) MonoNs() uint64 {
	return uint64(r.clock.Now().Sub(r.mono))
}

func (r *Real) WallNs() uint64 {
	return uint64(r.clock.Now().UnixNano())
}

// Mock is a controllable TimeProvider for tests and deterministic replay.
// It never calls the OS clock.
type Mock struct {
	mu      sync.Mutex
	monoNs  uint64
	wallNs  uint64
}

// NewMock returns a Mock clock starting at the given mono/wall readings.
func NewMock(monoNs, wallNs uint64) *Mock {
	return &Mock{monoNs: monoNs, wallNs: wallNs}
}

func (m *Mock) MonoNs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monoNs
}

func (m *Mock) WallNs() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallNs
}

// Advance moves both clocks forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monoNs += uint64(d)
	m.wallNs += uint64(d)
}

// SetTime pins both clocks to absolute readings, e.g. when seeding replay
// from a log's recorded timestamps.
func (m *Mock) SetTime(monoNs, wallNs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monoNs = monoNs
	m.wallNs = wallNs
}
