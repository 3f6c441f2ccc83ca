package rack

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labrack/labrack/pkg/gpio"
)

// fakePins records every pin write.
type fakePins struct {
	mu   sync.Mutex
	sets []pinSet
	err  error
}

type pinSet struct {
	pin int
	val gpio.Value
}

func (f *fakePins) Set(pin int, v gpio.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sets = append(f.sets, pinSet{pin, v})
	return nil
}

func (f *fakePins) last(pin int) (gpio.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sets) - 1; i >= 0; i-- {
		if f.sets[i].pin == pin {
			return f.sets[i].val, true
		}
	}
	return 0, false
}

const stormKey = "platform-fd500000.pcie-pci-0000:01:00.0-usb-0:1.3:1.0"

func readSysFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestRecoveryWithGPIO(t *testing.T) {
	s := testSupervisor(t)
	pins := &fakePins{}
	s.pins = pins

	boot, en := 5, 6
	sl := newSlot(stormKey)
	sl.Label = "esp-a"
	sl.GPIOBoot = &boot
	sl.GPIOEn = &en
	s.slots[stormKey] = sl

	ingestN(t, s, stormKey, flapThreshold)

	if !waitFor(t, 2*time.Second, func() bool {
		return sl.Snapshot().State == StateDownloadMode
	}) {
		t.Fatalf("slot never reached download mode, state=%s", sl.Snapshot().State)
	}

	// Kernel-side sequence: unbind then bind of the derived device name.
	if got := readSysFile(t, filepath.Join(s.cfg.SysUSBDriver, "unbind")); got != "1-1.3" {
		t.Errorf("unbind wrote %q, want 1-1.3", got)
	}
	if got := readSysFile(t, filepath.Join(s.cfg.SysUSBDriver, "bind")); got != "1-1.3" {
		t.Errorf("bind wrote %q, want 1-1.3", got)
	}

	// Boot pin held low; enable pin pulsed and left high.
	if v, ok := pins.last(boot); !ok || v != gpio.Low {
		t.Errorf("boot pin last = %v (%v), want low", v, ok)
	}
	if v, ok := pins.last(en); !ok || v != gpio.High {
		t.Errorf("enable pin last = %v (%v), want high", v, ok)
	}

	info := sl.Snapshot()
	if info.Flapping || info.Recovering {
		t.Errorf("bookkeeping not cleared: flapping=%v recovering=%v", info.Flapping, info.Recovering)
	}
	if info.Running {
		t.Error("download mode must not have a running proxy")
	}

	// Release: boot pin to high impedance, back to idle.
	if err := s.Release("esp-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if v, _ := pins.last(boot); v != gpio.HiZ {
		t.Errorf("boot pin after release = %v, want high-z", v)
	}
	if got := sl.Snapshot().State; got != StateIdle {
		t.Errorf("state after release = %s, want idle", got)
	}

	// Second release is a business error: not in download mode anymore.
	if err := s.Release("esp-a"); err == nil {
		t.Error("second Release should fail")
	}
}

func TestRecoveryNoGPIORetriesExhausted(t *testing.T) {
	s := testSupervisor(t)

	sl := newSlot(stormKey)
	s.slots[stormKey] = sl

	// Two unattended recovery cycles succeed and re-arm the slot.
	for cycle := 1; cycle <= noGPIORecoverRetries; cycle++ {
		ingestN(t, s, stormKey, flapThreshold)
		if !waitFor(t, 2*time.Second, func() bool {
			sl.mu.Lock()
			defer sl.mu.Unlock()
			return !sl.recovering && sl.recoverRetries == cycle
		}) {
			t.Fatalf("cycle %d never completed", cycle)
		}
		if got := sl.Snapshot().State; got != StateIdle {
			t.Fatalf("cycle %d: state = %s, want idle", cycle, got)
		}
	}

	// The next storm hits the cap: unbound, parked, operator required.
	ingestN(t, s, stormKey, flapThreshold)
	if !waitFor(t, 2*time.Second, func() bool {
		info := sl.Snapshot()
		return !info.Recovering && strings.Contains(info.LastError, "manual intervention")
	}) {
		t.Fatalf("exhaustion never recorded, lastError=%q", sl.Snapshot().LastError)
	}
	if got := sl.Snapshot().State; got != StateFlapping {
		t.Errorf("state = %s, want flapping after exhaustion", got)
	}

	// Operator override resets the counter and recovers again.
	if err := s.Recover(stormKey); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool {
		sl.mu.Lock()
		defer sl.mu.Unlock()
		return !sl.recovering && sl.recoverRetries == 1 && sl.state == StateIdle
	}) {
		t.Fatal("operator recovery never completed")
	}
}

func TestRecoveryAbortsOnUnparseableKey(t *testing.T) {
	s := testSupervisor(t)
	sl := s.slot("no-usb-identity")

	sl.mu.Lock()
	sl.flapping = true
	sl.state = StateFlapping
	sl.mu.Unlock()

	s.startFlapRecovery(sl)

	info := sl.Snapshot()
	if info.Recovering {
		t.Error("recovery lock must be released after abort")
	}
	if info.State != StateFlapping {
		t.Errorf("state = %s, want flapping", info.State)
	}
	if !strings.Contains(info.LastError, "recovery aborted") {
		t.Errorf("lastError = %q, want abort note", info.LastError)
	}
}

func TestRecoveryAbortsWhenUnbindFails(t *testing.T) {
	s := testSupervisor(t)
	// Point the driver dir somewhere unwritable so the unbind write fails.
	s.cfg.SysUSBDriver = filepath.Join(s.cfg.SysUSBDriver, "does", "not", "exist")

	sl := newSlot(stormKey)
	s.slots[stormKey] = sl
	sl.mu.Lock()
	sl.flapping = true
	sl.state = StateFlapping
	sl.mu.Unlock()

	s.startFlapRecovery(sl)

	info := sl.Snapshot()
	if info.Recovering || info.State != StateFlapping {
		t.Errorf("after failed unbind: recovering=%v state=%s, want parked in flapping",
			info.Recovering, info.State)
	}
}

func TestReleaseRequiresDownloadMode(t *testing.T) {
	s := testSupervisor(t)
	boot := 5
	sl := newSlot("k1")
	sl.GPIOBoot = &boot
	s.slots["k1"] = sl

	if err := s.Release("k1"); err == nil {
		t.Error("Release outside download mode should fail")
	}
	if err := s.Release("unknown"); err == nil {
		t.Error("Release of unknown slot should fail")
	}
}
