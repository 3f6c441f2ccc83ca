package rack

import (
	"sync"
	"time"

	"github.com/labrack/labrack/pkg/util"
)

// Rendezvous is the human-in-the-loop blocking primitive: a scripted
// caller parks until an operator confirms or cancels, or the timeout
// elapses. At most one request may be outstanding.
type Rendezvous struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending   bool
	message   string
	decided   bool
	confirmed bool
}

// NewRendezvous returns an idle rendezvous.
func NewRendezvous() *Rendezvous {
	r := &Rendezvous{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Request blocks the caller until Resolve is invoked or the timeout
// expires. Returns util.ErrBusy when a request is already pending.
func (r *Rendezvous) Request(message string, timeout time.Duration) (confirmed, timedOut bool, err error) {
	r.mu.Lock()
	if r.pending {
		r.mu.Unlock()
		return false, false, util.ErrBusy
	}
	r.pending = true
	r.message = message
	r.decided = false
	r.confirmed = false

	// The condition variable has no timed wait; a timer broadcast wakes
	// the waiter so it can observe the deadline.
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})

	for !r.decided && time.Now().Before(deadline) {
		r.cond.Wait()
	}
	timer.Stop()

	confirmed = r.confirmed
	timedOut = !r.decided
	r.pending = false
	r.message = ""
	r.mu.Unlock()
	return confirmed, timedOut, nil
}

// Resolve completes the pending request. Returns false when nothing is
// pending (or the waiter already decided).
func (r *Rendezvous) Resolve(confirmed bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pending || r.decided {
		return false
	}
	r.decided = true
	r.confirmed = confirmed
	r.cond.Broadcast()
	return true
}

// Status reports the pending state for UI polling.
func (r *Rendezvous) Status() (pending bool, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, r.message
}
