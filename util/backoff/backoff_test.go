package backoff

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_Wait(t *testing.T) {
	t.Run("exponential growth", func(t *testing.T) {
		b := New(20*time.Millisecond, 1*time.Second, 2.0)

		if b.CurrentDelay() != 20*time.Millisecond {
			t.Errorf("Expected initial delay 20ms, got %v", b.CurrentDelay())
		}

		ctx := context.Background()
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if b.CurrentDelay() != 40*time.Millisecond {
			t.Errorf("Expected delay 40ms after first wait, got %v", b.CurrentDelay())
		}

		if err := b.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if b.CurrentDelay() != 80*time.Millisecond {
			t.Errorf("Expected delay 80ms after second wait, got %v", b.CurrentDelay())
		}
	})

	t.Run("max delay capping", func(t *testing.T) {
		b := New(50*time.Millisecond, 80*time.Millisecond, 2.0)

		ctx := context.Background()
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		// 50ms * 2 = 100ms, capped at 80ms
		if b.CurrentDelay() != 80*time.Millisecond {
			t.Errorf("Expected delay capped at 80ms, got %v", b.CurrentDelay())
		}

		if err := b.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if b.CurrentDelay() != 80*time.Millisecond {
			t.Errorf("Expected delay to remain at max 80ms, got %v", b.CurrentDelay())
		}
	})

	t.Run("context cancellation during wait", func(t *testing.T) {
		b := New(1*time.Second, 10*time.Second, 2.0)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		err := b.Wait(ctx)
		elapsed := time.Since(start)

		if err == nil {
			t.Fatal("Expected error from cancelled context")
		}
		if elapsed >= 1*time.Second {
			t.Errorf("Expected Wait to return promptly on cancellation, took %v", elapsed)
		}
	})
}

func TestBackoff_Reset(t *testing.T) {
	b := New(10*time.Millisecond, 1*time.Second, 2.0)
	ctx := context.Background()

	if err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if err := b.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if b.CurrentDelay() == 10*time.Millisecond {
		t.Fatal("Expected delay to have grown before reset")
	}

	b.Reset()
	if b.CurrentDelay() != 10*time.Millisecond {
		t.Errorf("Expected delay back at 10ms after Reset, got %v", b.CurrentDelay())
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := New(40*time.Millisecond, 1*time.Second, 1.0).WithJitter(0.5)
	ctx := context.Background()

	// With multiplier 1.0 the nominal delay stays at 40ms; jittered waits
	// must land within ±50% of it.
	for i := 0; i < 5; i++ {
		start := time.Now()
		if err := b.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		elapsed := time.Since(start)
		if elapsed < 15*time.Millisecond || elapsed > 100*time.Millisecond {
			t.Errorf("Jittered wait %d outside expected bounds: %v", i, elapsed)
		}
	}
}

func TestBackoff_JitterFractionClamped(t *testing.T) {
	b := New(10*time.Millisecond, 1*time.Second, 2.0).WithJitter(3.0)
	if b.jitter != 1.0 {
		t.Errorf("Expected jitter clamped to 1.0, got %v", b.jitter)
	}
	b = New(10*time.Millisecond, 1*time.Second, 2.0).WithJitter(-1)
	if b.jitter != 0 {
		t.Errorf("Expected negative jitter clamped to 0, got %v", b.jitter)
	}
}
