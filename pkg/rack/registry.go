package rack

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/gpio"
	"github.com/labrack/labrack/pkg/util"
)

// slotsFile is the on-disk shape of the slot configuration.
type slotsFile struct {
	Slots []slotEntry `json:"slots"`
}

type slotEntry struct {
	SlotKey   string `json:"slot_key"`
	Label     string `json:"label"`
	TCPPort   int    `json:"tcp_port"`
	GPIOBoot  *int   `json:"gpio_boot"`
	GPIOEn    *int   `json:"gpio_en"`
	ProbeOpen *bool  `json:"probe_open"`
}

// LoadSlots populates the registry from the slot configuration file.
// A missing file is a warning; a malformed entry is skipped with an
// error log and the remaining entries still load.
func (s *Supervisor) LoadSlots() error {
	data, err := os.ReadFile(s.cfg.SlotsFile)
	if err != nil {
		if os.IsNotExist(err) {
			util.Logger.Warnf("rack: slot configuration %s missing, starting with zero slots", s.cfg.SlotsFile)
			return nil
		}
		return fmt.Errorf("rack: read slot configuration: %w", err)
	}

	var file slotsFile
	if err := json.Unmarshal(data, &file); err != nil {
		util.Logger.Errorf("rack: slot configuration %s unparseable, starting with zero slots: %v", s.cfg.SlotsFile, err)
		return nil
	}

	loaded := 0
	for i, e := range file.Slots {
		if err := validateEntry(e); err != nil {
			util.Logger.Errorf("rack: slot entry %d skipped: %v", i, err)
			continue
		}
		sl := newSlot(e.SlotKey)
		sl.Label = e.Label
		sl.TCPPort = e.TCPPort
		sl.GPIOBoot = e.GPIOBoot
		sl.GPIOEn = e.GPIOEn
		sl.ProbeOpen = e.ProbeOpen

		s.mu.Lock()
		s.slots[e.SlotKey] = sl
		s.mu.Unlock()
		loaded++
	}
	util.Logger.Infof("rack: loaded %d slot(s) from %s", loaded, s.cfg.SlotsFile)
	return nil
}

func validateEntry(e slotEntry) error {
	if e.SlotKey == "" {
		return fmt.Errorf("missing slot_key")
	}
	if e.TCPPort < 0 || e.TCPPort > 65535 {
		return fmt.Errorf("slot %s: tcp_port %d out of range", e.SlotKey, e.TCPPort)
	}
	if e.GPIOBoot != nil && !gpio.Allowed(*e.GPIOBoot) {
		return fmt.Errorf("slot %s: gpio_boot %d not in allowed set", e.SlotKey, *e.GPIOBoot)
	}
	if e.GPIOEn != nil && !gpio.Allowed(*e.GPIOEn) {
		return fmt.Errorf("slot %s: gpio_en %d not in allowed set", e.SlotKey, *e.GPIOEn)
	}
	return nil
}

// BootScan enumerates serial device nodes already present at startup,
// marks matching slots present and starts their proxies. Hotplug events
// only arrive for future changes; this covers devices plugged in while
// the supervisor was down.
func (s *Supervisor) BootScan() {
	var nodes []string
	for _, pattern := range []string{"ttyUSB*", "ttyACM*"} {
		matches, _ := filepath.Glob(filepath.Join(s.cfg.DevDir, pattern))
		nodes = append(nodes, matches...)
	}

	for _, node := range nodes {
		props := s.udevProperties(node)
		key := props["ID_PATH"]
		if key == "" {
			key = props["DEVPATH"]
		}
		if key == "" {
			util.Logger.Warnf("rack: boot scan: no usable identity for %s, skipping", node)
			continue
		}

		sl := s.slot(key)
		sl.mu.Lock()
		sl.present = true
		sl.devnode = node
		if sl.state == StateAbsent {
			sl.state = StateIdle
		}
		serviced := sl.TCPPort != 0
		sl.mu.Unlock()

		util.WithSlot(sl.Name()).Infof("rack: boot scan found %s", node)
		s.act.Add(actlog.Info, fmt.Sprintf("%s: present at boot (%s)", sl.Name(), node))
		if serviced {
			go s.restartProxy(sl)
		}
	}
}

// udevProperties shells out to udevadm for the device properties the
// hotplug producer would have sent.
func (s *Supervisor) udevProperties(devnode string) map[string]string {
	out, err := exec.Command(s.cfg.UdevadmPath, "info", "-q", "property", "-n", devnode).Output()
	if err != nil {
		util.Logger.Warnf("rack: udevadm info %s: %v", devnode, err)
		return nil
	}
	return parseUdevProperties(string(out))
}

func parseUdevProperties(out string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			props[k] = v
		}
	}
	return props
}
