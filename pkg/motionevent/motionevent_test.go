package motionevent

import (
	"testing"
	"time"
)

func TestSetThenWaitAndGet(t *testing.T) {
	c := New()
	h := Handle{EventID: 42, Timestamp: time.Now()}

	ok := c.Set(h)
	if !ok {
		t.Fatalf("expected first Set to report no overwrite")
	}

	got, ok := c.WaitAndGet()
	if !ok {
		t.Fatalf("expected a value")
	}
	if got.EventID != 42 {
		t.Fatalf("expected event id 42, got %d", got.EventID)
	}
}

func TestWaitAndGetBlocksUntilSet(t *testing.T) {
	c := New()
	done := make(chan Handle)

	go func() {
		h, _ := c.WaitAndGet()
		done <- h
	}()

	select {
	case <-done:
		t.Fatalf("WaitAndGet returned before Set was called")
	case <-time.After(20 * time.Millisecond):
	}

	c.Set(Handle{EventID: 7})
	select {
	case h := <-done:
		if h.EventID != 7 {
			t.Fatalf("expected event id 7, got %d", h.EventID)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitAndGet never returned after Set")
	}
}

func TestSetOverwritesUnconsumedValue(t *testing.T) {
	c := New()
	c.Set(Handle{EventID: 1})
	ok := c.Set(Handle{EventID: 2})
	if ok {
		t.Fatalf("expected overwrite to report ok=false")
	}

	got, _ := c.WaitAndGet()
	if got.EventID != 2 {
		t.Fatalf("expected the overwriting value to win, got %d", got.EventID)
	}
}
