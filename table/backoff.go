package table

import (
	"fmt"
	"time"
)

// DefaultBackoffFloor and DefaultBackoffCeiling bound the default backoff
// sequence: 1s, 2s, 4s, ... clamped at 1 minute.
const (
	DefaultBackoffFloor   = time.Second
	DefaultBackoffCeiling = time.Minute
)

// BackoffCounter is a stateful accumulator producing the next retry delay
// in a bounded exponential sequence. It has no concurrency guarantees
// beyond those the caller provides; the facade holds one instance per
// table and only ever touches it from the reconnect path, which is
// single-writer by construction.
type BackoffCounter struct {
	floor   time.Duration
	ceiling time.Duration
	current time.Duration
}

// NewBackoffCounter creates a counter starting at floor, doubling on each
// Increment up to ceiling. It panics if floor <= 0 or ceiling < floor,
// since those are compile-time configuration mistakes, not runtime
// conditions.
func NewBackoffCounter(floor, ceiling time.Duration) *BackoffCounter {
	if floor <= 0 {
		panic("table: backoff floor must be positive")
	}
	if ceiling < floor {
		panic("table: backoff ceiling must be >= floor")
	}
	return &BackoffCounter{floor: floor, ceiling: ceiling, current: floor}
}

// NewDefaultBackoffCounter creates a counter using DefaultBackoffFloor and
// DefaultBackoffCeiling.
func NewDefaultBackoffCounter() *BackoffCounter {
	return NewBackoffCounter(DefaultBackoffFloor, DefaultBackoffCeiling)
}

// Current returns the current delay and a human-readable rendering of it
// ("1 sec", "2 sec", ..., "1 min"). CurrentMillis gives the same delay as
// a millisecond count.
func (b *BackoffCounter) Current() (time.Duration, string) {
	return b.current, humanize(b.current)
}

// CurrentMillis returns the current delay in milliseconds.
func (b *BackoffCounter) CurrentMillis() int64 {
	return b.current.Milliseconds()
}

// Increment advances to the next delay in the doubling sequence, clamped
// at the ceiling. Calling Increment once the ceiling has been reached is
// idempotent.
func (b *BackoffCounter) Increment() {
	next := b.current * 2
	if next > b.ceiling || next <= 0 {
		next = b.ceiling
	}
	b.current = next
}

// Reset returns the counter to its floor value.
func (b *BackoffCounter) Reset() {
	b.current = b.floor
}

// humanize renders a duration the way the retry log lines expect: whole
// seconds below a minute, whole minutes at or above it.
func humanize(d time.Duration) string {
	if d < time.Minute {
		secs := int64(d / time.Second)
		if secs == 1 {
			return "1 sec"
		}
		return fmt.Sprintf("%d sec", secs)
	}
	mins := int64(d / time.Minute)
	if mins == 1 {
		return "1 min"
	}
	return fmt.Sprintf("%d min", mins)
}
