package scheduler

import (
	"fmt"
	"time"
)

// Policy is the retry back-off ladder and attempt cap.
type Policy struct {
	Ladder         []time.Duration
	MaxRetries     int
	JitterFraction float64
}

// DefaultPolicy returns the reference ladder of 1s, 5s, 15s, 30s, 60s with five attempts.
func DefaultPolicy() Policy {
	return Policy{
		Ladder:         []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, 60 * time.Second},
		MaxRetries:     5,
		JitterFraction: 0.2,
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	if len(p.Ladder) == 0 {
		return fmt.Errorf("retry ladder must have at least one step")
	}
	for i, d := range p.Ladder {
		if d < 0 {
			return fmt.Errorf("retry ladder step %d is negative", i)
		}
		if i > 0 && d < p.Ladder[i-1] {
			return fmt.Errorf("retry ladder must be non-decreasing at step %d", i)
		}
	}
	if p.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", p.MaxRetries)
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		return fmt.Errorf("jitter fraction must be within [0, 1], got %v", p.JitterFraction)
	}
	return nil
}

// Base returns the ladder step for attempt, selected by min(attempt-1, len-1).
func (p Policy) Base(attempt int) time.Duration {
	if len(p.Ladder) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	return p.Ladder[min(attempt-1, len(p.Ladder)-1)]
}

// Delay returns the base step plus jitter; r is a sample from [0, 1).
func (p Policy) Delay(attempt int, r float64) time.Duration {
	base := p.Base(attempt)
	return base + time.Duration(r*p.JitterFraction*float64(base))
}

// Exhausted reports whether attempt has used up the retry budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}
