package clock

import (
	"testing"
	"time"
)

func TestSimulatedFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewSimulated(start)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() {
		fired = append(fired, "b")
		c.AfterFunc(500*time.Millisecond, func() { fired = append(fired, "b2") })
	})

	c.Advance(2600 * time.Millisecond)
	if got := len(fired); got != 3 {
		t.Fatalf("expected 3 callbacks, got %v", fired)
	}
	if fired[0] != "a" || fired[1] != "b" || fired[2] != "b2" {
		t.Fatalf("unexpected order %v", fired)
	}
	if !c.Now().Equal(start.Add(2600 * time.Millisecond)) {
		t.Fatalf("unexpected now %v", c.Now())
	}
	c.Advance(time.Second)
	if len(fired) != 4 || fired[3] != "c" {
		t.Fatalf("expected c to fire, got %v", fired)
	}
}

func TestSimulatedStop(t *testing.T) {
	t.Parallel()

	c := NewSimulated(time.Unix(0, 0))
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	if !timer.Stop() {
		t.Fatal("expected first stop to report true")
	}
	if timer.Stop() {
		t.Fatal("expected second stop to report false")
	}
	c.Advance(2 * time.Second)
	if called {
		t.Fatal("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}

func TestSimulatedNowDuringCallback(t *testing.T) {
	t.Parallel()

	start := time.Unix(100, 0)
	c := NewSimulated(start)
	var seen time.Time
	c.AfterFunc(4*time.Second, func() { seen = c.Now() })
	c.Advance(10 * time.Second)
	if !seen.Equal(start.Add(4 * time.Second)) {
		t.Fatalf("callback saw %v", seen)
	}
}
