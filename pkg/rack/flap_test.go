package rack

import (
	"testing"
	"time"
)

// ingestN delivers n alternating add/remove events for key.
func ingestN(t *testing.T, s *Supervisor, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		action := "add"
		if i%2 == 1 {
			action = "remove"
		}
		if _, err := s.Ingest(Event{Action: action, IDPath: key, Devnode: "/dev/ttyUSB0"}); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
}

func TestFlapThresholdNotMetAtFive(t *testing.T) {
	s := testSupervisor(t)
	ingestN(t, s, "quiet-slot", flapThreshold-1)

	info := s.Lookup("quiet-slot").Snapshot()
	if info.Flapping {
		t.Errorf("%d events should not trigger flapping", flapThreshold-1)
	}
}

func TestFlapThresholdExactlyMet(t *testing.T) {
	s := testSupervisor(t)
	ingestN(t, s, "storm-slot", flapThreshold)

	sl := s.Lookup("storm-slot")
	sl.mu.Lock()
	flapping := sl.flapping
	sl.mu.Unlock()
	if !flapping {
		t.Errorf("%d events should trigger flapping", flapThreshold)
	}
}

func TestFlapWindowPruning(t *testing.T) {
	s := testSupervisor(t)
	sl := s.slot("prune-slot")

	now := time.Now()
	sl.mu.Lock()
	sl.eventTimes = []time.Time{
		now.Add(-2 * s.timings.flapWindow), // aged out
		now.Add(-s.timings.flapWindow - time.Second),
		now.Add(-time.Second),
		now,
	}
	s.pruneEventsLocked(sl, now)
	n := len(sl.eventTimes)
	sl.mu.Unlock()

	if n != 2 {
		t.Errorf("window holds %d entries after pruning, want 2", n)
	}
}

func TestStaleFlapClearsAfterCooldownGap(t *testing.T) {
	s := testSupervisor(t)
	sl := s.slot("gap-slot")

	now := time.Now()
	sl.mu.Lock()
	sl.present = true
	sl.flapping = true
	sl.state = StateFlapping
	sl.lastError = "hotplug flapping"
	// Two newest events separated by exactly the cooldown.
	sl.eventTimes = []time.Time{
		now.Add(-s.timings.flapCooldown - time.Millisecond),
		now.Add(-time.Millisecond),
	}
	s.clearStaleFlapLocked(sl)
	flapping, state, lastError := sl.flapping, sl.state, sl.lastError
	sl.mu.Unlock()

	if flapping {
		t.Error("flap should clear after cooldown gap")
	}
	if state != StateIdle {
		t.Errorf("state = %s, want idle (present)", state)
	}
	if lastError != "" {
		t.Errorf("lastError = %q, want cleared", lastError)
	}
}

func TestStaleFlapClearsWhenWindowDrains(t *testing.T) {
	s := testSupervisor(t)
	sl := s.slot("drain-slot")

	sl.mu.Lock()
	sl.present = false
	sl.flapping = true
	sl.state = StateFlapping
	// Every event older than the window: ages out entirely.
	old := time.Now().Add(-2 * s.timings.flapWindow)
	sl.eventTimes = []time.Time{old, old, old, old, old, old}
	s.clearStaleFlapLocked(sl)
	flapping, state := sl.flapping, sl.state
	sl.mu.Unlock()

	if flapping {
		t.Error("flap should clear once the window drains")
	}
	if state != StateAbsent {
		t.Errorf("state = %s, want absent (not present)", state)
	}
}

func TestStaleFlapKeptWhileBursting(t *testing.T) {
	s := testSupervisor(t)
	sl := s.slot("busy-slot")

	now := time.Now()
	sl.mu.Lock()
	sl.flapping = true
	sl.state = StateFlapping
	// Two newest events closer together than the cooldown.
	sl.eventTimes = []time.Time{now.Add(-s.timings.flapCooldown / 2), now}
	s.clearStaleFlapLocked(sl)
	flapping := sl.flapping
	sl.mu.Unlock()

	if !flapping {
		t.Error("flap must not clear while events keep arriving")
	}
}

func TestStaleFlapNotClearedDuringRecovery(t *testing.T) {
	s := testSupervisor(t)
	sl := s.slot("rec-slot")

	sl.mu.Lock()
	sl.flapping = true
	sl.recovering = true
	sl.state = StateRecovering
	sl.eventTimes = nil
	s.clearStaleFlapLocked(sl)
	flapping := sl.flapping
	sl.mu.Unlock()

	if !flapping {
		t.Error("clearance must not run while recovery owns the slot")
	}
}

func TestSnapshotRunsStaleClearance(t *testing.T) {
	s := testSupervisor(t)
	sl := s.slot("snap-slot")

	sl.mu.Lock()
	sl.present = true
	sl.flapping = true
	sl.state = StateFlapping
	sl.eventTimes = nil // fully drained
	sl.mu.Unlock()

	for _, info := range s.Snapshot() {
		if info.SlotKey == "snap-slot" && info.Flapping {
			t.Error("projection read should have cleared the stale flap")
		}
	}
}
