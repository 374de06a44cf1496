package capacity

import (
	"testing"
	"time"

	"topstepx-trading-bot/internal/events"
)

func TestAdmitUnderCeiling(t *testing.T) {
	c := NewController("PRAC-1", Config{MaxUnits: 20}, nil)

	if !c.Admit("MES", 5) { // 5 units
		t.Fatal("5 MES should fit under 20")
	}
	if !c.Admit("ES", 1) { // 10 units
		t.Fatal("1 ES should fit, total 15")
	}
	if got := c.Exposure(); got != 15 {
		t.Errorf("exposure = %v, want 15", got)
	}
}

func TestAdmitRejectsOverCeiling(t *testing.T) {
	bus := events.NewBus()
	rejected := make(chan events.CapacityExceeded, 4)
	bus.Subscribe(events.TypeCapacityExceeded, func(e events.Event) {
		rejected <- e.(events.CapacityExceeded)
	})

	c := NewController("PRAC-1", Config{MaxUnits: 10}, bus)
	if !c.Admit("ES", 1) {
		t.Fatal("first ES should fill the ceiling exactly")
	}
	if c.Admit("MES", 1) {
		t.Fatal("even 1 MES over the ceiling must be rejected")
	}

	select {
	case ev := <-rejected:
		if ev.RequestedUnits != 1 || ev.CurrentExposure != 10 || ev.Ceiling != 10 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no CapacityExceeded event published")
	}

	select {
	case ev := <-rejected:
		t.Fatalf("rejection published more than once: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdmitRejectionReservesNothing(t *testing.T) {
	c := NewController("PRAC-1", Config{MaxUnits: 10}, nil)
	c.Admit("ES", 1)
	c.Admit("NQ", 1) // rejected

	if got := c.Exposure(); got != 10 {
		t.Errorf("exposure after rejection = %v, want 10", got)
	}
}

func TestZeroCeilingIsUnlimited(t *testing.T) {
	c := NewController("PRAC-1", Config{MaxUnits: 0}, nil)
	for i := 0; i < 50; i++ {
		if !c.Admit("ES", 10) {
			t.Fatal("unlimited ceiling must never reject")
		}
	}
}

func TestReleaseFreesExposure(t *testing.T) {
	c := NewController("PRAC-1", Config{MaxUnits: 10}, nil)
	c.Admit("ES", 1)
	c.Release("ES", 1)

	if got := c.Exposure(); got != 0 {
		t.Errorf("exposure = %v, want 0", got)
	}
	if !c.Admit("NQ", 1) {
		t.Error("freed capacity should admit again")
	}
}

func TestCanRetry(t *testing.T) {
	c := NewController("PRAC-1", Config{MaxRetries: 2}, nil)
	if !c.CanRetry(0) || !c.CanRetry(1) {
		t.Error("attempts under the budget should be allowed")
	}
	if c.CanRetry(2) {
		t.Error("budget exhausted, retry must be denied")
	}
}

func TestRetryPrices(t *testing.T) {
	c := NewController("PRAC-1", Config{RetryStepTicks: 4, RetryFallbackTicks: 12}, nil)

	stepped, fallback := c.RetryPrices("ES", true, 5000)
	if stepped != 4999 || fallback != 4997 {
		t.Errorf("long retry = %v/%v, want 4999/4997", stepped, fallback)
	}

	stepped, fallback = c.RetryPrices("ES", false, 5000)
	if stepped != 5001 || fallback != 5003 {
		t.Errorf("short retry = %v/%v, want 5001/5003", stepped, fallback)
	}
}

func TestFallbackForcedBeyondStep(t *testing.T) {
	// A fallback configured at or inside the stepped distance is widened.
	c := NewController("PRAC-1", Config{RetryStepTicks: 4, RetryFallbackTicks: 4}, nil)

	stepped, fallback := c.RetryPrices("ES", true, 5000)
	if fallback >= stepped {
		t.Errorf("fallback %v must sit further from price than stepped %v", fallback, stepped)
	}
}
