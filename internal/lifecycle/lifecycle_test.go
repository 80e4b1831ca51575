package lifecycle_test

import (
	"errors"
	"sync"
	"testing"

	"gosuda.org/bbq/internal/lifecycle"
)

func TestOwnerLifecycle(t *testing.T) {
	var m lifecycle.Machine
	if m.Load() != lifecycle.StateUninitialized {
		t.Fatalf("zero machine should be uninitialized, got %s", m.Load())
	}
	for _, s := range []lifecycle.State{
		lifecycle.StateCreated,
		lifecycle.StateRunning,
		lifecycle.StateRunning,
		lifecycle.StateShuttingDown,
		lifecycle.StateTerminated,
	} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("transition to %s failed: %v", s, err)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct {
		from, to lifecycle.State
	}{
		{lifecycle.StateUninitialized, lifecycle.StateRunning},
		{lifecycle.StateCreated, lifecycle.StateAttached},
		{lifecycle.StateRunning, lifecycle.StateCreated},
		{lifecycle.StateTerminated, lifecycle.StateShuttingDown},
		{lifecycle.StateShuttingDown, lifecycle.StateRunning},
	}
	for _, c := range cases {
		if lifecycle.Allowed(c.from, c.to) {
			t.Errorf("%s -> %s should not be allowed", c.from, c.to)
		}
	}

	var m lifecycle.Machine
	if err := m.Transition(lifecycle.StateTerminated); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestShutdownOnce(t *testing.T) {
	var m lifecycle.Machine
	if err := m.Transition(lifecycle.StateAttached); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Transition(lifecycle.StateShuttingDown) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one shutdown, got %d", winners)
	}
}

func TestStateString(t *testing.T) {
	if s := lifecycle.StateShuttingDown.String(); s != "StateShuttingDown" {
		t.Errorf("unexpected name %q", s)
	}
	if s := lifecycle.State(42).String(); s != "State(42)" {
		t.Errorf("unexpected name %q", s)
	}
	if !lifecycle.StateRunning.Active() || lifecycle.StateTerminated.Active() {
		t.Error("Active reports the wrong states")
	}
}
