package table

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffCounterDoublesAndClamps(t *testing.T) {
	b := NewBackoffCounter(time.Second, 8*time.Second)

	d, human := b.Current()
	assert.Equal(t, time.Second, d)
	assert.Equal(t, "1 sec", human)

	b.Increment()
	d, human = b.Current()
	assert.Equal(t, 2*time.Second, d)
	assert.Equal(t, "2 sec", human)

	b.Increment()
	d, _ = b.Current()
	assert.Equal(t, 4*time.Second, d)

	b.Increment()
	d, _ = b.Current()
	assert.Equal(t, 8*time.Second, d, "clamps at ceiling")

	b.Increment()
	d, _ = b.Current()
	assert.Equal(t, 8*time.Second, d, "stays clamped")
}

func TestBackoffCounterReset(t *testing.T) {
	b := NewBackoffCounter(time.Second, time.Minute)
	b.Increment()
	b.Increment()
	b.Reset()

	d, _ := b.Current()
	assert.Equal(t, time.Second, d)
}

func TestBackoffCounterHumanizeMinutes(t *testing.T) {
	b := NewBackoffCounter(30*time.Second, 4*time.Minute)
	b.Increment() // 1min
	_, human := b.Current()
	assert.Equal(t, "1 min", human)

	b.Increment() // 2min
	_, human = b.Current()
	assert.Equal(t, "2 min", human)
}

func TestNewBackoffCounterPanicsOnBadBounds(t *testing.T) {
	assert.Panics(t, func() { NewBackoffCounter(0, time.Second) })
	assert.Panics(t, func() { NewBackoffCounter(time.Second, 0) })
}

func TestManualSchedulerFireOrder(t *testing.T) {
	s := NewManualScheduler()
	var order []int

	s.Schedule(time.Second, func() { order = append(order, 1) })
	s.Schedule(time.Second, func() { order = append(order, 2) })
	require.Equal(t, 2, s.Pending())

	ran := s.FireOne()
	require.True(t, ran)
	assert.Equal(t, []int{1}, order)
	assert.Equal(t, 1, s.Pending())

	n := s.FireAll()
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 0, s.Pending())
}

func TestManualSchedulerFireAllDrainsRescheduled(t *testing.T) {
	s := NewManualScheduler()
	count := 0
	var reschedule func()
	reschedule = func() {
		count++
		if count < 3 {
			s.Schedule(time.Second, reschedule)
		}
	}
	s.Schedule(time.Second, reschedule)

	fired := s.FireAll()
	assert.Equal(t, 3, fired)
	assert.Equal(t, 3, count)
}
