package rack

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labrack/labrack/pkg/actlog"
)

// testSupervisor returns a supervisor wired to temp paths with all
// delays shortened so recovery sequences finish in milliseconds.
func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SlotsFile = filepath.Join(dir, "slots.json")
	cfg.PairingFile = filepath.Join(dir, "vm.conf")
	cfg.ProxyExe = filepath.Join(dir, "missing-proxy")
	cfg.SysUSBDriver = filepath.Join(dir, "usb-driver")
	cfg.SysUSBDevices = filepath.Join(dir, "usb-devices")
	cfg.DevDir = filepath.Join(dir, "dev")
	for _, sub := range []string{cfg.SysUSBDriver, cfg.SysUSBDevices, cfg.DevDir} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			t.Fatal(err)
		}
	}

	s := New(cfg, actlog.New(0), nil)
	s.timings.flapCooldown = 20 * time.Millisecond
	s.timings.bootGrace = 10 * time.Millisecond
	s.timings.settleTimeout = 300 * time.Millisecond
	s.timings.spawnGrace = 50 * time.Millisecond
	s.timings.listenTimeout = 300 * time.Millisecond
	s.timings.listenPoll = 20 * time.Millisecond
	s.timings.stopTimeout = 500 * time.Millisecond
	s.timings.enumWait = 10 * time.Millisecond
	s.timings.gpioPulse = time.Millisecond
	s.timings.serialRead = 200 * time.Millisecond
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
