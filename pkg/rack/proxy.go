package rack

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/util"
)

// startProxyLocked launches the RFC2217 proxy child for sl and waits
// until its listen port accepts. Caller holds sl.mu; the slot must be
// configured, have a device node, and not be flapping.
//
// The whole sequence can block for several seconds, which is why the
// ingest path never calls it: hotplug hands it to a background task,
// while the explicit start and serial-reset requests run it inline.
func (s *Supervisor) startProxyLocked(sl *Slot) error {
	if sl.TCPPort == 0 {
		return util.NewPreconditionError("start proxy", sl.Name(), "tcp_port configured", "")
	}
	if sl.devnode == "" {
		return util.NewPreconditionError("start proxy", sl.Name(), "device node known", "")
	}
	if sl.flapping {
		return util.NewPreconditionError("start proxy", sl.Name(), "not flapping", "")
	}
	if sl.running {
		return fmt.Errorf("rack: %s: proxy already running (pid %d)", sl.Name(), sl.pid)
	}

	if _, err := os.Stat(s.cfg.ProxyExe); err != nil {
		sl.lastError = "proxy executable missing: " + s.cfg.ProxyExe
		s.metrics.ProxyStarts.WithLabelValues("error").Inc()
		return fmt.Errorf("rack: proxy executable: %w", err)
	}

	if err := s.waitForDevnode(sl.devnode, sl.openProbe()); err != nil {
		sl.lastError = err.Error()
		s.metrics.ProxyStarts.WithLabelValues("error").Inc()
		return err
	}

	cmd := exec.Command(s.cfg.PythonExe, s.cfg.ProxyExe,
		"-p", strconv.Itoa(sl.TCPPort), sl.devnode)
	// Own process group so stop signals reach the whole subtree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		sl.lastError = "spawn failed: " + err.Error()
		s.metrics.ProxyStarts.WithLabelValues("error").Inc()
		return fmt.Errorf("rack: spawn proxy for %s: %w", sl.Name(), err)
	}
	pid := cmd.Process.Pid

	// Reap in the background so the child never zombies.
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		sl.lastError = fmt.Sprintf("proxy exited immediately: %v", err)
		s.metrics.ProxyStarts.WithLabelValues("error").Inc()
		return fmt.Errorf("rack: proxy for %s exited immediately: %w", sl.Name(), err)
	case <-time.After(s.timings.spawnGrace):
	}

	if err := waitForPort("127.0.0.1", sl.TCPPort, s.timings.listenTimeout, s.timings.listenPoll); err != nil {
		killGroup(pid, syscall.SIGTERM)
		waitGone(pid, s.timings.stopTimeout)
		killGroup(pid, syscall.SIGKILL)
		sl.lastError = fmt.Sprintf("proxy did not accept on port %d", sl.TCPPort)
		s.metrics.ProxyStarts.WithLabelValues("error").Inc()
		return fmt.Errorf("rack: proxy for %s: %w", sl.Name(), err)
	}

	sl.pid = pid
	sl.running = true
	sl.url = fmt.Sprintf("rfc2217://%s:%d", s.HostIP(), sl.TCPPort)
	sl.lastError = ""
	sl.state = StateIdle
	s.metrics.ProxyStarts.WithLabelValues("ok").Inc()
	util.WithSlot(sl.Name()).Infof("rack: proxy up (pid %d, %s)", pid, sl.url)
	s.act.Add(actlog.OK, fmt.Sprintf("%s: proxy listening on %d", sl.Name(), sl.TCPPort))
	return nil
}

// stopProxyLocked terminates the proxy child: SIGTERM to the process
// group, SIGKILL after the grace period. Idempotent. Caller holds sl.mu.
func (s *Supervisor) stopProxyLocked(sl *Slot) {
	if sl.pid == 0 {
		sl.running = false
		sl.url = ""
		return
	}
	pid := sl.pid

	killGroup(pid, syscall.SIGTERM)
	if !waitGone(pid, s.timings.stopTimeout) {
		killGroup(pid, syscall.SIGKILL)
	}

	sl.pid = 0
	sl.running = false
	sl.url = ""
	util.WithSlot(sl.Name()).Infof("rack: proxy stopped (pid %d)", pid)
}

// healthCheckLocked marks the proxy dead when its process is gone.
// Caller holds sl.mu.
func (s *Supervisor) healthCheckLocked(sl *Slot) {
	if !sl.running {
		return
	}
	if processAlive(sl.pid) {
		return
	}
	sl.running = false
	sl.pid = 0
	sl.url = ""
	sl.lastError = "process died"
	if sl.present {
		sl.state = StateIdle
	} else {
		sl.state = StateAbsent
	}
	s.act.Add(actlog.Error, sl.Name()+": proxy process died")
}

// openProbe reports whether the settle probe may open the device node.
// Native-USB CDC nodes must not be opened: asserting the modem-control
// lines interrupts boot on some microcontrollers.
func (sl *Slot) openProbe() bool {
	if sl.ProbeOpen != nil {
		return *sl.ProbeOpen
	}
	return !strings.Contains(sl.devnode, "ttyACM")
}

// waitForDevnode waits for the device node to exist, watching its parent
// directory so appearance is caught without a tight stat loop. When
// openProbe is true the node is additionally opened non-blocking as a
// readiness check.
func (s *Supervisor) waitForDevnode(devnode string, openProbe bool) error {
	deadline := time.Now().Add(s.timings.settleTimeout)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(devnode)); err != nil {
			watcher = nil
		}
	} else {
		watcher = nil
	}

	for {
		if _, err := os.Stat(devnode); err == nil {
			if !openProbe {
				return nil
			}
			f, err := os.OpenFile(devnode, os.O_RDWR|syscall.O_NONBLOCK, 0)
			if err == nil {
				f.Close()
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rack: device node %s not ready after %s", devnode, s.timings.settleTimeout)
		}
		if watcher != nil {
			select {
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-time.After(200 * time.Millisecond):
			}
		} else {
			time.Sleep(200 * time.Millisecond)
		}
	}
}

// waitForPort polls connect() until the port accepts or timeout expires.
func waitForPort(host string, port int, timeout, interval time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rack: %s not accepting after %s", addr, timeout)
		}
		time.Sleep(interval)
	}
}

// killGroup signals the child's process group, falling back to the
// single process when the group is gone.
func killGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		syscall.Kill(pid, sig)
	}
}

// waitGone polls for process exit; true when it is gone.
func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !processAlive(pid)
}

// processAlive checks liveness with a null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
