// Package gpio drives board-control pins through the Linux GPIO
// character-device interface (/dev/gpiochip0).
//
// The supervisor uses a handful of pins to force misbehaving boards into
// their ROM loader. Pins are requested as whole-line handles; changing a
// pin's direction releases the handle and re-requests the line, because
// the kernel fixes a handle's direction at request time.
package gpio

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Value is the requested state of a pin.
type Value int

const (
	Low  Value = 0
	High Value = 1
	// HiZ releases the pin as an input with the internal pull-up, the
	// board's "hands off" state.
	HiZ Value = 2
)

func (v Value) String() string {
	switch v {
	case Low:
		return "0"
	case High:
		return "1"
	case HiZ:
		return "z"
	}
	return fmt.Sprintf("Value(%d)", int(v))
}

// allowedPins is the set of BCM lines wired to board-control headers.
var allowedPins = map[int]bool{
	5: true, 6: true, 12: true, 13: true, 16: true, 17: true,
	18: true, 19: true, 20: true, 21: true, 22: true, 23: true,
	24: true, 25: true, 26: true, 27: true,
}

// Allowed reports whether pin may be driven.
func Allowed(pin int) bool {
	return allowedPins[pin]
}

// GPIO character-device uAPI (v1 line handles).
const (
	gpioGetLineHandleIoctl     = 0xc16cb403
	gpioHandleSetLineValuesIoc = 0xc040b409

	handleRequestInput      = 1 << 0
	handleRequestOutput     = 1 << 1
	handleRequestBiasPullUp = 1 << 5

	handlesMax = 64
)

// Memory layout of struct gpiohandle_request from <linux/gpio.h>.
type handleRequest struct {
	lineOffsets   [handlesMax]uint32
	flags         uint32
	defaultValues [handlesMax]uint8
	consumerLabel [32]byte
	lines         uint32
	fd            int32
}

type handleData struct {
	values [handlesMax]uint8
}

type lineHandle struct {
	fd     int
	output bool
}

// Chip is a process-wide GPIO chip handle. It is opened lazily on first
// use and never closed; per-pin line handles are released when a pin's
// direction changes or the pin is set to HiZ.
type Chip struct {
	Path string // chip device path, default /dev/gpiochip0

	mu    sync.Mutex
	f     *os.File
	lines map[int]*lineHandle

	// ioctlFn is swappable for tests.
	ioctlFn func(fd uintptr, req uint, arg unsafe.Pointer) error
}

// NewChip returns a Chip for the given device path ("" selects
// /dev/gpiochip0). The device is not touched until the first Set.
func NewChip(path string) *Chip {
	if path == "" {
		path = "/dev/gpiochip0"
	}
	return &Chip{Path: path, lines: make(map[int]*lineHandle), ioctlFn: rawIoctl}
}

func rawIoctl(fd uintptr, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (c *Chip) ensureOpen() error {
	if c.f != nil {
		return nil
	}
	f, err := os.OpenFile(c.Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("gpio: open %s: %w", c.Path, err)
	}
	c.f = f
	return nil
}

// Set drives pin to v. Low/High request (or reuse) an output handle; HiZ
// releases any handle and re-requests the line as input with pull-up.
func (c *Chip) Set(pin int, v Value) error {
	if !Allowed(pin) {
		return fmt.Errorf("gpio: pin %d not in allowed set", pin)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpen(); err != nil {
		return err
	}

	switch v {
	case Low, High:
		if lh, ok := c.lines[pin]; ok && lh.output {
			return c.setValue(lh, v)
		}
		c.release(pin)
		lh, err := c.request(pin, true, v)
		if err != nil {
			return err
		}
		c.lines[pin] = lh
		return nil
	case HiZ:
		c.release(pin)
		lh, err := c.request(pin, false, Low)
		if err != nil {
			return err
		}
		c.lines[pin] = lh
		return nil
	}
	return fmt.Errorf("gpio: invalid value %d for pin %d", int(v), pin)
}

func (c *Chip) release(pin int) {
	if lh, ok := c.lines[pin]; ok {
		unix.Close(lh.fd)
		delete(c.lines, pin)
	}
}

func (c *Chip) request(pin int, output bool, def Value) (*lineHandle, error) {
	req := handleRequest{lines: 1}
	req.lineOffsets[0] = uint32(pin)
	copy(req.consumerLabel[:], "labrackd")
	if output {
		req.flags = handleRequestOutput
		req.defaultValues[0] = uint8(def)
	} else {
		req.flags = handleRequestInput | handleRequestBiasPullUp
	}

	err := c.ioctlFn(c.f.Fd(), gpioGetLineHandleIoctl, unsafe.Pointer(&req))
	if err != nil {
		return nil, fmt.Errorf("gpio: request line %d: %w", pin, err)
	}
	return &lineHandle{fd: int(req.fd), output: output}, nil
}

func (c *Chip) setValue(lh *lineHandle, v Value) error {
	data := handleData{}
	data.values[0] = uint8(v)
	err := c.ioctlFn(uintptr(lh.fd), gpioHandleSetLineValuesIoc, unsafe.Pointer(&data))
	if err != nil {
		return fmt.Errorf("gpio: set line value: %w", err)
	}
	return nil
}
