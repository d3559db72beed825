// Package scheduler tests for retry back-off and timer management.
package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultPolicy verifies reference values.
func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, time.Minute}, p.Ladder)
}

// TestPolicy_Base verifies ladder selection by min(attempt-1, len-1).
func TestPolicy_Base(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 15 * time.Second},
		{4, 30 * time.Second},
		{5, time.Minute},
		{9, time.Minute},
	}
	for _, tt := range tests {
		if got := p.Base(tt.attempt); got != tt.want {
			t.Errorf("Base(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// TestPolicy_Delay_growth verifies delays never decrease without jitter and stay bounded with it.
func TestPolicy_Delay_growth(t *testing.T) {
	p := DefaultPolicy()
	p.JitterFraction = 0

	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Delay(attempt, 0.99)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}

	p.JitterFraction = 0.2
	assert.Equal(t, 5*time.Second, p.Delay(2, 0))
	d := p.Delay(2, 0.999)
	assert.Greater(t, d, 5*time.Second)
	assert.Less(t, d, 6*time.Second)
}

// TestPolicy_Exhausted verifies the attempt cap.
func TestPolicy_Exhausted(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}

// TestPolicy_Validate verifies malformed policies are rejected.
func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"empty ladder", Policy{MaxRetries: 1}},
		{"decreasing", Policy{Ladder: []time.Duration{2 * time.Second, time.Second}, MaxRetries: 1}},
		{"negative", Policy{Ladder: []time.Duration{-time.Second}, MaxRetries: 1}},
		{"zero retries", Policy{Ladder: []time.Duration{time.Second}}},
		{"jitter", Policy{Ladder: []time.Duration{time.Second}, MaxRetries: 1, JitterFraction: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.p.Validate())
		})
	}
}

func fastPolicy() Policy {
	return Policy{Ladder: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, MaxRetries: 3}
}

// TestScheduler_fires verifies an armed timer triggers once.
func TestScheduler_fires(t *testing.T) {
	var fired atomic.Int32
	s := New("ops", fastPolicy(), func() { fired.Add(1) }, nil)
	defer s.Stop()

	s.Arm("op_1", s.Next(1))
	assert.Equal(t, 1, s.Armed())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Armed())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

// TestScheduler_rearm verifies re-arming an id replaces the earlier timer.
func TestScheduler_rearm(t *testing.T) {
	var fired atomic.Int32
	s := New("ops", fastPolicy(), func() { fired.Add(1) }, nil)
	defer s.Stop()

	s.Arm("op_1", 10*time.Millisecond)
	s.Arm("op_1", 40*time.Millisecond)
	assert.Equal(t, 1, s.Armed())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

// TestScheduler_cancel verifies cancelled timers never fire.
func TestScheduler_cancel(t *testing.T) {
	var fired atomic.Int32
	s := New("uploads", fastPolicy(), func() { fired.Add(1) }, nil)
	defer s.Stop()

	s.Arm("a", 10*time.Millisecond)
	s.Arm("b", 10*time.Millisecond)
	s.Cancel("a")
	assert.Equal(t, 1, s.Armed())
	s.CancelAll()
	assert.Equal(t, 0, s.Armed())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	// Still usable after CancelAll.
	s.Arm("c", 5*time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

// TestScheduler_Ensure verifies an armed timer is kept and a missing one is armed.
func TestScheduler_Ensure(t *testing.T) {
	var fired atomic.Int32
	s := New("ops", fastPolicy(), func() { fired.Add(1) }, nil)

	s.Arm("op_1", time.Hour)
	assert.False(t, s.Ensure("op_1", time.Millisecond))
	assert.True(t, s.Ensure("op_2", 5*time.Millisecond))
	assert.Equal(t, 2, s.Armed())

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Armed(), "the hour-long timer for op_1 is untouched")

	s.Stop()
	assert.False(t, s.Ensure("op_3", time.Millisecond))
}

// TestScheduler_safetyLoop verifies periodic triggering and graceful stop.
func TestScheduler_safetyLoop(t *testing.T) {
	var fired atomic.Int32
	s := New("ops", fastPolicy(), func() { fired.Add(1) }, nil)

	s.Start(context.Background(), 5*time.Millisecond)
	s.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() >= 3 }, time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	n := fired.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, fired.Load())

	s.Arm("x", time.Millisecond)
	assert.Equal(t, 0, s.Armed(), "Arm after Stop is ignored")
}

// TestScheduler_jitterSource verifies the injected random source feeds Next.
func TestScheduler_jitterSource(t *testing.T) {
	p := fastPolicy()
	p.JitterFraction = 0.5
	s := New("ops", p, func() {}, nil)
	defer s.Stop()

	s.SetRand(func() float64 { return 0.5 })
	assert.Equal(t, 10*time.Millisecond+2500*time.Microsecond, s.Next(1))
}
