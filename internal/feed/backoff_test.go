package feed

import (
	"testing"
	"time"
)

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Initial: 1 * time.Second, Max: 60 * time.Second}

	for attempt := 1; attempt <= 10; attempt++ {
		ceiling := b.Initial << (attempt - 1)
		if ceiling > b.Max {
			ceiling = b.Max
		}

		// Jitter is random; sample repeatedly to exercise the range.
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			if d < 0 {
				t.Fatalf("Delay(%d) = %v, negative", attempt, d)
			}
			if d > ceiling {
				t.Fatalf("Delay(%d) = %v, above ceiling %v", attempt, d, ceiling)
			}
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	b := Backoff{Initial: 1 * time.Second, Max: 60 * time.Second}

	// Deep attempt counts must stay under Max instead of overflowing.
	for i := 0; i < 50; i++ {
		if d := b.Delay(40); d > b.Max {
			t.Fatalf("Delay(40) = %v, above max %v", d, b.Max)
		}
	}
}

func TestBackoffDelayClampsAttempt(t *testing.T) {
	b := Backoff{Initial: 1 * time.Second, Max: 60 * time.Second}

	for i := 0; i < 50; i++ {
		if d := b.Delay(0); d > b.Initial {
			t.Fatalf("Delay(0) = %v, above initial %v", d, b.Initial)
		}
	}
}
