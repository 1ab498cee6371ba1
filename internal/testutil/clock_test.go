package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeClock_StepsOnEveryNow(t *testing.T) {
	clock := NewFakeClock(start, time.Second)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start.Add(time.Second), clock.Now())
	assert.Equal(t, start.Add(2*time.Second), clock.Peek())
}

func TestFakeClock_ZeroStepIsFrozen(t *testing.T) {
	clock := NewFakeClock(start, 0)

	assert.Equal(t, start, clock.Now())
	assert.Equal(t, start, clock.Now())
}

func TestFakeClock_AdvanceSetReset(t *testing.T) {
	clock := NewFakeClock(start, 0)

	clock.Advance(8 * 24 * time.Hour)
	assert.Equal(t, start.Add(8*24*time.Hour), clock.Now())

	later := start.Add(time.Hour)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())

	clock.Reset()
	assert.Equal(t, start, clock.Now())
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(start, time.Millisecond)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[time.Time]bool)
	)
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				ts := clock.Now()
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, numGoroutines*callsPerGoroutine, "every Now() must be distinct")
	assert.Equal(t, start.Add(numGoroutines*callsPerGoroutine*time.Millisecond), clock.Peek())
}

func TestSequenceIDs(t *testing.T) {
	ids := NewSequenceIDs("P")
	assert.Equal(t, "P1", ids.NewID())
	assert.Equal(t, "P2", ids.NewID())
}
