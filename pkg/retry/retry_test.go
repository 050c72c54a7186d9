package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestForeverSucceedsEventually(t *testing.T) {
	ctx := context.Background()
	attempts := 0

	err := Forever(ctx, func(int) time.Duration { return time.Millisecond }, func(attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestForeverCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Forever(ctx, func(int) time.Duration { return time.Second }, func(int) error {
		return errors.New("always fails")
	})

	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestBoundedExhausts(t *testing.T) {
	ctx := context.Background()
	attempts := 0

	err := Bounded(ctx, []time.Duration{time.Millisecond, time.Millisecond}, func(int) error {
		attempts++
		return errors.New("fails")
	})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 delays), got %d", attempts)
	}
}

func TestBoundedSucceedsOnLastAttempt(t *testing.T) {
	ctx := context.Background()
	attempts := 0

	err := Bounded(ctx, []time.Duration{time.Millisecond}, func(int) error {
		attempts++
		if attempts == 2 {
			return nil
		}
		return errors.New("fails")
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestDefaultInfiniteSchedule(t *testing.T) {
	cases := map[int]time.Duration{
		1: 0,
		2: 5 * time.Second,
		3: 10 * time.Second,
		4: 30 * time.Second,
		9: 30 * time.Second,
	}
	for attempt, want := range cases {
		if got := DefaultInfiniteSchedule(attempt); got != want {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, want)
		}
	}
}
