package rack

import (
	"fmt"
	"testing"
	"time"
)

func TestIngestRejectsBadEvents(t *testing.T) {
	s := testSupervisor(t)

	tests := []struct {
		name string
		ev   Event
	}{
		{"bad action", Event{Action: "change", IDPath: "k1"}},
		{"empty action", Event{IDPath: "k1"}},
		{"no identity", Event{Action: "add", Devnode: "/dev/ttyUSB0"}},
	}
	for _, tt := range tests {
		if _, err := s.Ingest(tt.ev); err == nil {
			t.Errorf("%s: Ingest accepted, want error", tt.name)
		}
	}
}

func TestIngestCreatesDynamicSlot(t *testing.T) {
	s := testSupervisor(t)

	res, err := s.Ingest(Event{Action: "add", Devnode: "/dev/ttyUSB0", IDPath: "some-unknown-key"})
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if !res.OK {
		t.Error("result not ok")
	}
	if res.Accepted {
		t.Error("dynamic slot should not be accepted (no tcp_port)")
	}

	sl := s.Lookup("some-unknown-key")
	if sl == nil {
		t.Fatal("dynamic slot not created")
	}
	if !sl.Dynamic {
		t.Error("slot should be marked dynamic")
	}
	info := sl.Snapshot()
	if !info.Present || info.State != StateIdle || info.Devnode != "/dev/ttyUSB0" {
		t.Errorf("after add: present=%v state=%s devnode=%s", info.Present, info.State, info.Devnode)
	}
}

func TestIngestSeqStrictlyIncreasing(t *testing.T) {
	s := testSupervisor(t)

	var last uint64
	for i := 0; i < 5; i++ {
		action := "add"
		if i%2 == 1 {
			action = "remove"
		}
		// Alternate between two slots; the counter is global.
		key := fmt.Sprintf("slot-%d", i%2)
		res, err := s.Ingest(Event{Action: action, IDPath: key, Devnode: "/dev/ttyUSB0"})
		if err != nil {
			t.Fatalf("Ingest error: %v", err)
		}
		if res.Seq <= last {
			t.Errorf("seq %d not strictly greater than %d", res.Seq, last)
		}
		last = res.Seq
	}
}

func TestIngestRemove(t *testing.T) {
	s := testSupervisor(t)

	s.Ingest(Event{Action: "add", IDPath: "k1", Devnode: "/dev/ttyUSB0"})
	s.Ingest(Event{Action: "remove", IDPath: "k1"})

	info := s.Lookup("k1").Snapshot()
	if info.Present {
		t.Error("present should be false after remove")
	}
	if info.State != StateAbsent {
		t.Errorf("state = %s, want absent", info.State)
	}
}

func TestIngestDroppedDuringRecovery(t *testing.T) {
	s := testSupervisor(t)

	s.Ingest(Event{Action: "add", IDPath: "k1", Devnode: "/dev/ttyUSB0"})
	sl := s.Lookup("k1")
	sl.mu.Lock()
	sl.recovering = true
	sl.state = StateRecovering
	sl.mu.Unlock()

	res, err := s.Ingest(Event{Action: "remove", IDPath: "k1"})
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if !res.Recovering {
		t.Error("result should flag recovering")
	}

	// The drop must leave lifecycle state untouched.
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.present {
		t.Error("present changed by dropped event")
	}
	if sl.state != StateRecovering {
		t.Errorf("state = %s, want recovering", sl.state)
	}
	if len(sl.eventTimes) != 1 {
		t.Errorf("event window grew during recovery: %d entries", len(sl.eventTimes))
	}
}

func TestIngestAcceptedForConfiguredSlot(t *testing.T) {
	s := testSupervisor(t)
	s.slots["cfg-key"] = func() *Slot {
		sl := newSlot("cfg-key")
		sl.Label = "esp-a"
		sl.TCPPort = 4001
		return sl
	}()

	res, err := s.Ingest(Event{Action: "add", IDPath: "cfg-key", Devnode: "/dev/ttyUSB7"})
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if !res.Accepted {
		t.Error("configured slot should be accepted")
	}

	// The proxy start runs off the ingest path and fails against the
	// missing executable; the synchronous state must already be set.
	info := s.Lookup("esp-a").Snapshot()
	if !info.Present {
		t.Error("present not set synchronously")
	}
	waitFor(t, time.Second, func() bool {
		return s.Lookup("esp-a").Snapshot().LastError != ""
	})
}

func TestStopProxyIdempotent(t *testing.T) {
	s := testSupervisor(t)
	s.Ingest(Event{Action: "add", IDPath: "k1", Devnode: "/dev/ttyUSB0"})

	if err := s.StopProxy("k1"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := s.StopProxy("k1"); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
	if err := s.StopProxy("nope"); err == nil {
		t.Error("stop of unknown slot should error")
	}
}
