package rack

import (
	"fmt"
	"time"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/util"
)

// pruneEventsLocked drops window entries older than flapWindow. Caller
// holds sl.mu.
func (s *Supervisor) pruneEventsLocked(sl *Slot, now time.Time) {
	cutoff := now.Add(-s.timings.flapWindow)
	i := 0
	for i < len(sl.eventTimes) && sl.eventTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		sl.eventTimes = append([]time.Time(nil), sl.eventTimes[i:]...)
	}
}

// detectFlapLocked arms recovery when the event window crosses the
// threshold. Caller holds sl.mu.
func (s *Supervisor) detectFlapLocked(sl *Slot) {
	if sl.flapping || len(sl.eventTimes) < flapThreshold {
		return
	}
	sl.flapping = true
	sl.state = StateFlapping
	sl.lastError = fmt.Sprintf("hotplug flapping: %d events in %s",
		len(sl.eventTimes), s.timings.flapWindow)
	s.metrics.FlapsDetected.Inc()
	util.WithSlot(sl.Name()).Warn("rack: flap threshold crossed")
	s.act.Add(actlog.Error, sl.Name()+": hotplug flapping detected")

	// Proxy stop and USB recovery block for seconds; hand the slot to
	// the recovery engine off this path.
	go s.startFlapRecovery(sl)
}

// clearStaleFlapLocked ages out a flap without requiring a new event:
// either the window has drained below two entries, or the two newest
// events are separated by at least the cooldown. Caller holds sl.mu.
func (s *Supervisor) clearStaleFlapLocked(sl *Slot) {
	if !sl.flapping || sl.recovering {
		return
	}
	now := time.Now()
	s.pruneEventsLocked(sl, now)

	n := len(sl.eventTimes)
	quiet := n < 2
	if !quiet {
		gap := sl.eventTimes[n-1].Sub(sl.eventTimes[n-2])
		quiet = gap >= s.timings.flapCooldown
	}
	if !quiet {
		return
	}

	sl.flapping = false
	sl.lastError = ""
	if sl.present {
		sl.state = StateIdle
	} else {
		sl.state = StateAbsent
	}
	util.WithSlot(sl.Name()).Info("rack: flap cleared after quiet period")
	s.act.Add(actlog.OK, sl.Name()+": flapping cleared")
}
