package rack

import (
	"fmt"
	"time"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/util"
)

// Event is one hotplug notification, normally produced by a udev rule
// POSTing to /api/hotplug.
type Event struct {
	Action  string `json:"action"`
	Devnode string `json:"devnode"`
	IDPath  string `json:"id_path"`
	Devpath string `json:"devpath"`
}

// IngestResult is the synchronous ingest response. Accepted means the
// slot is configured for proxy service; the actual proxy start/stop
// happens in the background.
type IngestResult struct {
	OK         bool   `json:"ok"`
	SlotKey    string `json:"slot_key"`
	Seq        uint64 `json:"seq"`
	Accepted   bool   `json:"accepted"`
	Flapping   bool   `json:"flapping"`
	Recovering bool   `json:"recovering"`
}

// Ingest processes a hotplug notification. It never blocks on proxy or
// recovery work: anything slow is handed to a goroutine that re-acquires
// the slot mutex, so hotplug producers are never backpressured.
func (s *Supervisor) Ingest(ev Event) (IngestResult, error) {
	if ev.Action != "add" && ev.Action != "remove" {
		return IngestResult{}, fmt.Errorf("rack: invalid hotplug action %q", ev.Action)
	}
	key := ev.IDPath
	if key == "" {
		key = ev.Devpath
	}
	if key == "" {
		return IngestResult{}, fmt.Errorf("rack: hotplug event carries neither id_path nor devpath")
	}

	sl := s.slot(key)
	seq := s.nextSeq()
	now := time.Now()
	s.metrics.HotplugEvents.WithLabelValues(ev.Action).Inc()

	sl.mu.Lock()
	defer sl.mu.Unlock()

	sl.seq = seq
	sl.lastAction = ev.Action
	sl.lastEvent = now

	// While a recovery owns the slot, rebind generates synthetic kernel
	// events that must not loop back into lifecycle handling.
	if sl.recovering {
		util.WithSlotSeq(sl.Name(), seq).Infof("rack: dropping %s event during recovery", ev.Action)
		return IngestResult{
			OK: true, SlotKey: key, Seq: seq,
			Accepted: sl.TCPPort != 0, Flapping: sl.flapping, Recovering: true,
		}, nil
	}

	sl.eventTimes = append(sl.eventTimes, now)
	s.pruneEventsLocked(sl, now)
	s.detectFlapLocked(sl)

	switch ev.Action {
	case "add":
		sl.present = true
		if ev.Devnode != "" {
			sl.devnode = ev.Devnode
		}
		if !sl.flapping {
			if sl.state == StateAbsent {
				sl.state = StateIdle
			}
			if sl.TCPPort != 0 {
				go s.restartProxy(sl)
			}
		}
		s.act.Add(actlog.Info, fmt.Sprintf("%s: device added (%s)", sl.Name(), ev.Devnode))

	case "remove":
		sl.present = false
		if !sl.flapping {
			sl.state = StateAbsent
		}
		if sl.running {
			go func() {
				sl.mu.Lock()
				s.stopProxyLocked(sl)
				sl.mu.Unlock()
			}()
		}
		s.act.Add(actlog.Info, sl.Name()+": device removed")
	}

	return IngestResult{
		OK: true, SlotKey: key, Seq: seq,
		Accepted: sl.TCPPort != 0, Flapping: sl.flapping, Recovering: sl.recovering,
	}, nil
}

// restartProxy waits out the USB boot-grace for native CDC devices, then
// replaces any extant proxy under the slot mutex.
func (s *Supervisor) restartProxy(sl *Slot) {
	sl.mu.Lock()
	grace := !sl.openProbe() // ttyACM-style nodes get the boot-grace delay
	sl.mu.Unlock()
	if grace {
		time.Sleep(s.timings.bootGrace)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.flapping || sl.recovering || !sl.present {
		return
	}
	s.stopProxyLocked(sl)
	if err := s.startProxyLocked(sl); err != nil {
		util.WithSlot(sl.Name()).Errorf("rack: proxy start: %v", err)
		s.act.Add(actlog.Error, fmt.Sprintf("%s: proxy start failed: %v", sl.Name(), err))
	}
}

// StartProxy forces a proxy start, used for manual recovery and tests.
// devnode overrides the slot's known node when non-empty.
func (s *Supervisor) StartProxy(ref, devnode string) error {
	sl := s.Lookup(ref)
	if sl == nil {
		return util.ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if devnode != "" {
		sl.devnode = devnode
		sl.present = true
	}
	s.stopProxyLocked(sl)
	return s.startProxyLocked(sl)
}

// StopProxy force-stops a slot's proxy. Idempotent.
func (s *Supervisor) StopProxy(ref string) error {
	sl := s.Lookup(ref)
	if sl == nil {
		return util.ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	s.stopProxyLocked(sl)
	if sl.state == StateIdle && !sl.present {
		sl.state = StateAbsent
	}
	return nil
}
