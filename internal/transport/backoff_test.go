package transport

import (
	"testing"
	"time"
)

func TestBackoff_Exponential(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(i); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.5}

	for i := 0; i < 200; i++ {
		d := b.Next(1)
		if d < time.Second || d > 3*time.Second {
			t.Fatalf("delay %v outside [1s, 3s]", d)
		}
	}
	for i := 0; i < 200; i++ {
		if d := b.Next(10); d > 10*time.Second {
			t.Fatalf("delay %v exceeds cap", d)
		}
	}
}

func TestBackoff_ZeroValue(t *testing.T) {
	var b Backoff
	if got := b.Next(0); got != DefaultBackoff().Base {
		t.Errorf("expected default base, got %v", got)
	}
	if got := b.Next(-3); got != DefaultBackoff().Base {
		t.Errorf("negative attempt should clamp, got %v", got)
	}
}
