package rack

import (
	"fmt"
	"time"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/gpio"
	"github.com/labrack/labrack/pkg/util"
)

// startFlapRecovery runs the recovery sequence for a flapping slot. It
// is spawned as a goroutine by flap detection or by the operator
// endpoint; once started it runs to completion and hotplug events are
// dropped until it releases the slot.
func (s *Supervisor) startFlapRecovery(sl *Slot) {
	sl.mu.Lock()
	if sl.recovering || sl.state != StateFlapping {
		sl.mu.Unlock()
		return
	}
	sl.recovering = true
	sl.state = StateRecovering
	withGPIO := sl.GPIOBoot != nil
	sl.mu.Unlock()

	util.WithSlot(sl.Name()).Warn("rack: starting flap recovery")
	s.act.Add(actlog.Step, sl.Name()+": recovery started")

	sl.mu.Lock()
	s.stopProxyLocked(sl)
	sl.mu.Unlock()

	device, err := USBDeviceName(sl.Key)
	if err != nil {
		s.abortRecovery(sl, fmt.Sprintf("recovery aborted: %v", err))
		return
	}
	if err := s.usbUnbind(device); err != nil {
		s.abortRecovery(sl, fmt.Sprintf("recovery aborted: %v", err))
		return
	}
	s.act.Add(actlog.Step, fmt.Sprintf("%s: usb device %s unbound", sl.Name(), device))

	if withGPIO {
		s.recoverWithGPIO(sl, device)
	} else {
		s.recoverNoGPIO(sl, device)
	}
}

// abortRecovery parks the slot back in FLAPPING after a transient kernel
// failure and releases the recovery lock.
func (s *Supervisor) abortRecovery(sl *Slot, msg string) {
	sl.mu.Lock()
	sl.recovering = false
	sl.state = StateFlapping
	sl.lastError = msg
	sl.mu.Unlock()
	s.metrics.Recoveries.WithLabelValues("aborted").Inc()
	util.WithSlot(sl.Name()).Error("rack: " + msg)
	s.act.Add(actlog.Error, sl.Name()+": "+msg)
}

// recoverWithGPIO is the hard path for boards whose firmware will not
// boot: hold the boot pin low, hardware-reset into the ROM loader, and
// leave the slot in DOWNLOAD_MODE for external flashing tooling.
func (s *Supervisor) recoverWithGPIO(sl *Slot, device string) {
	time.Sleep(s.timings.flapCooldown)

	if s.pins == nil {
		s.abortRecovery(sl, "recovery aborted: no gpio driver")
		return
	}
	if err := s.pins.Set(*sl.GPIOBoot, gpio.Low); err != nil {
		s.usbBind(device) // do not leave the device unbound
		s.abortRecovery(sl, fmt.Sprintf("recovery aborted: %v", err))
		return
	}
	s.act.Add(actlog.Step, fmt.Sprintf("%s: boot pin %d held low", sl.Name(), *sl.GPIOBoot))

	if sl.GPIOEn != nil {
		if err := s.pins.Set(*sl.GPIOEn, gpio.Low); err == nil {
			time.Sleep(s.timings.gpioPulse)
			s.pins.Set(*sl.GPIOEn, gpio.High)
			s.act.Add(actlog.Step, fmt.Sprintf("%s: enable pin %d pulsed", sl.Name(), *sl.GPIOEn))
		}
	}

	if err := s.usbBind(device); err != nil {
		s.abortRecovery(sl, fmt.Sprintf("recovery aborted: %v", err))
		return
	}
	time.Sleep(s.timings.enumWait)

	sl.mu.Lock()
	sl.state = StateDownloadMode
	sl.flapping = false
	sl.recoverRetries = 0
	sl.recovering = false
	sl.mu.Unlock()

	s.metrics.Recoveries.WithLabelValues("download_mode").Inc()
	util.WithSlot(sl.Name()).Info("rack: recovery done, slot in download mode")
	s.act.Add(actlog.OK, sl.Name()+": in download mode, awaiting firmware")
}

// recoverNoGPIO lets the device cold-start on rebind and hope it comes
// back stable. If it flaps again, detection restarts the cycle with an
// incremented retry counter, up to the cap.
func (s *Supervisor) recoverNoGPIO(sl *Slot, device string) {
	sl.mu.Lock()
	retries := sl.recoverRetries
	sl.mu.Unlock()

	if retries >= noGPIORecoverRetries {
		sl.mu.Lock()
		sl.lastError = "recovery retries exhausted; needs manual intervention"
		sl.state = StateFlapping
		sl.recovering = false
		sl.mu.Unlock()
		s.metrics.Recoveries.WithLabelValues("exhausted").Inc()
		util.WithSlot(sl.Name()).Error("rack: recovery retries exhausted")
		s.act.Add(actlog.Error, sl.Name()+": recovery retries exhausted, needs manual intervention")
		return
	}

	time.Sleep(s.timings.flapCooldown)

	sl.mu.Lock()
	sl.recoverRetries++
	sl.flapping = false
	sl.eventTimes = nil
	sl.recovering = false
	sl.state = StateIdle
	sl.mu.Unlock()

	if err := s.usbBind(device); err != nil {
		sl.mu.Lock()
		sl.lastError = err.Error()
		sl.mu.Unlock()
		s.metrics.Recoveries.WithLabelValues("aborted").Inc()
		s.act.Add(actlog.Error, sl.Name()+": "+err.Error())
		return
	}
	s.metrics.Recoveries.WithLabelValues("rebound").Inc()
	s.act.Add(actlog.OK, fmt.Sprintf("%s: usb device %s rebound (retry %d)", sl.Name(), device, retries+1))
}

// Recover is the operator override: it resets the retry counter and
// restarts recovery even after the cap was hit.
func (s *Supervisor) Recover(ref string) error {
	sl := s.Lookup(ref)
	if sl == nil {
		return util.ErrNotFound
	}

	sl.mu.Lock()
	if sl.recovering {
		sl.mu.Unlock()
		return util.NewPreconditionError("recover", sl.Name(), "no recovery outstanding", "")
	}
	sl.recoverRetries = 0
	sl.flapping = true
	sl.state = StateFlapping
	sl.mu.Unlock()

	s.act.Add(actlog.Step, sl.Name()+": operator-triggered recovery")
	go s.startFlapRecovery(sl)
	return nil
}

// Release ends DOWNLOAD_MODE after external tooling has flashed the
// device: boot pin to high impedance, optional enable pulse, back to
// IDLE.
func (s *Supervisor) Release(ref string) error {
	sl := s.Lookup(ref)
	if sl == nil {
		return util.ErrNotFound
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.state != StateDownloadMode {
		return util.NewPreconditionError("release", sl.Name(), "slot in download mode", string(sl.state))
	}
	if s.pins == nil || sl.GPIOBoot == nil {
		return util.NewPreconditionError("release", sl.Name(), "gpio_boot configured", "")
	}
	if err := s.pins.Set(*sl.GPIOBoot, gpio.HiZ); err != nil {
		sl.lastError = err.Error()
		return err
	}
	if sl.GPIOEn != nil {
		if err := s.pins.Set(*sl.GPIOEn, gpio.Low); err == nil {
			time.Sleep(s.timings.gpioPulse)
			s.pins.Set(*sl.GPIOEn, gpio.High)
		}
	}

	sl.state = StateIdle
	sl.lastError = ""
	s.act.Add(actlog.OK, sl.Name()+": released from download mode")
	return nil
}
