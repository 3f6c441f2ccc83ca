package rack

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/util"
)

// SerialReset opens the slot's device node directly, pulses the
// modem-control lines to reset the board, collects whatever the device
// prints for the read window, and restarts the proxy if one was running.
func (s *Supervisor) SerialReset(ref string) ([]string, error) {
	sl := s.Lookup(ref)
	if sl == nil {
		return nil, util.ErrNotFound
	}

	sl.mu.Lock()
	if !sl.present || sl.devnode == "" {
		sl.mu.Unlock()
		return nil, util.NewPreconditionError("serial reset", sl.Name(), "device present", "")
	}
	if sl.state != StateIdle {
		state := sl.state
		sl.mu.Unlock()
		return nil, util.NewPreconditionError("serial reset", sl.Name(), "slot idle", string(state))
	}
	wasRunning := sl.running
	s.stopProxyLocked(sl) // release the device node for direct access
	sl.state = StateResetting
	devnode := sl.devnode
	sl.mu.Unlock()

	s.act.Add(actlog.Step, sl.Name()+": serial reset pulse")
	lines, err := s.pulseAndRead(devnode)

	sl.mu.Lock()
	sl.state = StateIdle
	if err != nil {
		sl.lastError = err.Error()
	} else if wasRunning && sl.TCPPort != 0 && !sl.flapping {
		if startErr := s.startProxyLocked(sl); startErr != nil {
			util.WithSlot(sl.Name()).Errorf("rack: proxy restart after reset: %v", startErr)
		}
	}
	sl.mu.Unlock()

	return lines, err
}

// pulseAndRead asserts DTR then RTS with a short dwell each, then reads
// text lines from the node for the read window.
func (s *Supervisor) pulseAndRead(devnode string) ([]string, error) {
	f, err := os.OpenFile(devnode, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("rack: open %s: %w", devnode, err)
	}
	defer f.Close()
	fd := int(f.Fd())

	const dwell = 50 * time.Millisecond
	for _, bit := range []int{unix.TIOCM_DTR, unix.TIOCM_RTS} {
		if err := unix.IoctlSetPointerInt(fd, unix.TIOCMBIS, bit); err != nil {
			return nil, fmt.Errorf("rack: assert modem line on %s: %w", devnode, err)
		}
		time.Sleep(dwell)
		if err := unix.IoctlSetPointerInt(fd, unix.TIOCMBIC, bit); err != nil {
			return nil, fmt.Errorf("rack: release modem line on %s: %w", devnode, err)
		}
	}

	deadline := time.Now().Add(s.timings.serialRead)
	var buf []byte
	tmp := make([]byte, 4096)
	for time.Now().Before(deadline) {
		f.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := f.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil && !os.IsTimeout(err) {
			break
		}
	}
	return splitLines(buf), nil
}

// SerialMonitor connects to the slot's own proxy port and reads lines
// until the pattern appears or the timeout expires. Returns the lines
// read and whether the pattern matched.
func (s *Supervisor) SerialMonitor(ref, pattern string, timeout time.Duration) ([]string, bool, error) {
	sl := s.Lookup(ref)
	if sl == nil {
		return nil, false, util.ErrNotFound
	}

	sl.mu.Lock()
	if !sl.running {
		sl.mu.Unlock()
		return nil, false, util.NewPreconditionError("serial monitor", sl.Name(), "proxy running", "")
	}
	if sl.state != StateIdle {
		state := sl.state
		sl.mu.Unlock()
		return nil, false, util.NewPreconditionError("serial monitor", sl.Name(), "slot idle", string(state))
	}
	sl.state = StateMonitoring
	port := sl.TCPPort
	sl.mu.Unlock()

	defer func() {
		sl.mu.Lock()
		if sl.state == StateMonitoring {
			sl.state = StateIdle
		}
		sl.mu.Unlock()
	}()

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 3*time.Second)
	if err != nil {
		return nil, false, fmt.Errorf("rack: connect proxy port %d: %w", port, err)
	}
	defer conn.Close()

	buf, matched := readUntil(conn, pattern, timeout)
	return splitLines(buf), matched, nil
}

// readUntil accumulates from conn until the substring pattern appears in
// the stream or the timeout elapses. An empty pattern never matches, so
// the full timeout is spent collecting output.
func readUntil(conn net.Conn, pattern string, timeout time.Duration) ([]byte, bool) {
	deadline := time.Now().Add(timeout)
	var buf []byte
	tmp := make([]byte, 4096)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if pattern != "" && strings.Contains(string(buf), pattern) {
				return buf, true
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			break
		}
	}
	return buf, false
}

func splitLines(buf []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Device is one advertised endpoint, the discovery contract used by
// external monitor tooling.
type Device struct {
	URL     string `json:"url"`
	TCPPort int    `json:"tcp_port"`
	Devnode string `json:"devnode,omitempty"`
	Label   string `json:"label,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Product string `json:"product,omitempty"`
}

// Discover lists the slots with a live proxy, enriched with USB
// descriptor strings from sysfs.
func (s *Supervisor) Discover() []Device {
	devices := []Device{}
	for _, info := range s.Snapshot() {
		if !info.Running || info.URL == "" {
			continue
		}
		d := Device{
			URL:     info.URL,
			TCPPort: info.TCPPort,
			Devnode: info.Devnode,
			Label:   info.Label,
		}
		if name, err := USBDeviceName(info.SlotKey); err == nil {
			d.Serial = s.usbAttribute(name, "serial")
			d.Product = s.usbAttribute(name, "product")
		}
		devices = append(devices, d)
	}
	return devices
}
