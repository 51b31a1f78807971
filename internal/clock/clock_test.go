package clock

import (
	"testing"
	"time"
)

// steppedTime returns a time source that advances by the next step on each call.
func steppedTime(start time.Time, steps ...time.Duration) func() time.Time {
	cur := start
	i := -1
	return func() time.Time {
		if i >= 0 && i < len(steps) {
			cur = cur.Add(steps[i])
		}
		i++
		return cur
	}
}

func TestNewStartsAtZero(t *testing.T) {
	c := New(steppedTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	if c.Now() != 0 {
		t.Errorf("expected clock 0, got %v", c.Now())
	}
	if c.RateOffset() != 0 {
		t.Errorf("expected rate offset 0, got %v", c.RateOffset())
	}
}

func TestAdvanceAccumulatesElapsed(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(steppedTime(start, 500*time.Millisecond, 250*time.Millisecond))

	if got := c.Advance(); got != 0.5 {
		t.Errorf("first advance: got %v, want 0.5", got)
	}
	if got := c.Advance(); got != 0.75 {
		t.Errorf("second advance: got %v, want 0.75", got)
	}
}

func TestAdvanceAppliesRateOffset(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(steppedTime(start, time.Second))
	c.SetRateOffset(0.5)

	if got := c.Advance(); got != 1.5 {
		t.Errorf("got %v, want 1.5", got)
	}
	if c.RateOffset() != 0.5 {
		t.Errorf("RateOffset: got %v, want 0.5", c.RateOffset())
	}
}

func TestAdvanceIsMonotonic(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	steps := []time.Duration{
		10 * time.Millisecond,
		0,
		-5 * time.Millisecond, // hardware clock stepped back
		16 * time.Millisecond,
		time.Microsecond,
	}
	c := New(steppedTime(start, steps...))

	prev := c.Now()
	for i := range steps {
		got := c.Advance()
		if got < prev {
			t.Fatalf("step %d: clock went backwards: %v < %v", i, got, prev)
		}
		prev = got
	}
}

func TestApplyOffset(t *testing.T) {
	tests := []struct {
		name  string
		start float64
		delta float64
		want  float64
	}{
		{"positive", 1, 0.25, 1.25},
		{"small negative", 1, -0.25, 0.75},
		{"clamps at zero", 0.1, -5, 0},
		{"exactly zero", 2, -2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(steppedTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
			c.clock = tt.start
			c.ApplyOffset(tt.delta)
			if c.Now() != tt.want {
				t.Errorf("got %v, want %v", c.Now(), tt.want)
			}
			if c.Now() < 0 {
				t.Errorf("clock negative: %v", c.Now())
			}
		})
	}
}

func TestIsJump(t *testing.T) {
	tests := []struct {
		delta float64
		want  bool
	}{
		{0, false},
		{0.5, false},
		{0.51, true},
		{-0.51, true},
		{-0.2, false},
		{1200, true},
	}
	for _, tt := range tests {
		if got := IsJump(tt.delta, 0.5); got != tt.want {
			t.Errorf("IsJump(%v, 0.5) = %v, want %v", tt.delta, got, tt.want)
		}
	}
}
