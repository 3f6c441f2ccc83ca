package rack

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// USBDeviceName derives the kernel sysfs device name from a slot key.
// The key's trailing "usb-<bus>:<port_path>:<config.iface>" segment maps
// to "<bus+1>-<port_path>"; the +1 bus offset matches how the kernel
// numbers buses on Raspberry-Pi-class boards.
func USBDeviceName(slotKey string) (string, error) {
	i := strings.LastIndex(slotKey, "usb-")
	if i < 0 {
		return "", fmt.Errorf("rack: no usb segment in slot key %q", slotKey)
	}
	parts := strings.Split(slotKey[i+len("usb-"):], ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("rack: unparseable usb segment in slot key %q", slotKey)
	}
	bus, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", fmt.Errorf("rack: bad usb bus number in slot key %q: %w", slotKey, err)
	}
	return fmt.Sprintf("%d-%s", bus+1, parts[1]), nil
}

// usbUnbind detaches the device from the kernel USB driver, silencing
// the hotplug storm at its source.
func (s *Supervisor) usbUnbind(device string) error {
	return s.usbDriverWrite("unbind", device)
}

// usbBind re-attaches the device, triggering re-enumeration.
func (s *Supervisor) usbBind(device string) error {
	return s.usbDriverWrite("bind", device)
}

func (s *Supervisor) usbDriverWrite(op, device string) error {
	path := filepath.Join(s.cfg.SysUSBDriver, op)
	if err := os.WriteFile(path, []byte(device), 0200); err != nil {
		return fmt.Errorf("rack: usb %s %s: %w", op, device, err)
	}
	return nil
}

// usbAttribute reads a device descriptor attribute (product, serial, ...)
// from sysfs; empty string when unavailable.
func (s *Supervisor) usbAttribute(device, attr string) string {
	data, err := os.ReadFile(filepath.Join(s.cfg.SysUSBDevices, device, attr))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
