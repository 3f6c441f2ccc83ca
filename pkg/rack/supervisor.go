package rack

import (
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/tomb.v2"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/gpio"
	"github.com/labrack/labrack/pkg/util"
)

// PinDriver is the slice of the GPIO layer the supervisor needs. A nil
// driver makes every with-GPIO operation fail cleanly.
type PinDriver interface {
	Set(pin int, v gpio.Value) error
}

// timings groups the supervisor's delay knobs. Production values come
// from defaultTimings; tests shrink them.
type timings struct {
	flapWindow    time.Duration // sliding window for flap detection
	flapCooldown  time.Duration // quiet gap that clears a flap
	bootGrace     time.Duration // USB CDC boot-grace before proxy start
	settleTimeout time.Duration // wait for the device node to appear
	spawnGrace    time.Duration // early-exit check after proxy spawn
	listenTimeout time.Duration // wait for the proxy to accept
	listenPoll    time.Duration
	stopTimeout   time.Duration // SIGTERM grace before SIGKILL
	enumWait      time.Duration // post-rebind enumeration wait
	gpioPulse     time.Duration // gpio_en low dwell
	serialRead    time.Duration // serial-reset read window
	healthPeriod  time.Duration // background health-check interval
}

func defaultTimings() timings {
	return timings{
		flapWindow:    30 * time.Second,
		flapCooldown:  10 * time.Second,
		bootGrace:     2 * time.Second,
		settleTimeout: 5 * time.Second,
		spawnGrace:    500 * time.Millisecond,
		listenTimeout: 2 * time.Second,
		listenPoll:    100 * time.Millisecond,
		stopTimeout:   5 * time.Second,
		enumWait:      2 * time.Second,
		gpioPulse:     100 * time.Millisecond,
		serialRead:    5 * time.Second,
		healthPeriod:  15 * time.Second,
	}
}

// flapThreshold is the event count within flapWindow that marks a slot
// as flapping.
const flapThreshold = 6

// noGPIORecoverRetries caps unattended no-GPIO recovery cycles.
const noGPIORecoverRetries = 2

// Supervisor owns all slot state. It is created by main and shared by
// reference with the HTTP layer and background tasks.
type Supervisor struct {
	cfg     Config
	act     *actlog.Log
	pins    PinDriver
	metrics *Metrics

	mu    sync.Mutex // guards slots map membership
	slots map[string]*Slot

	seqMu sync.Mutex
	seq   uint64

	rendezvous *Rendezvous

	hostOnce sync.Once
	hostIP   string
	hostname string

	timings timings
	t       tomb.Tomb
}

// New returns a Supervisor with no slots loaded.
func New(cfg Config, act *actlog.Log, pins PinDriver) *Supervisor {
	if act == nil {
		act = actlog.New(0)
	}
	return &Supervisor{
		cfg:        cfg,
		act:        act,
		pins:       pins,
		metrics:    NewMetrics(),
		slots:      make(map[string]*Slot),
		rendezvous: NewRendezvous(),
		timings:    defaultTimings(),
	}
}

// Metrics returns the supervisor's Prometheus collectors.
func (s *Supervisor) Metrics() *Metrics { return s.metrics }

// Rendezvous returns the human-interaction rendezvous.
func (s *Supervisor) Rendezvous() *Rendezvous { return s.rendezvous }

// Activity returns the shared activity log.
func (s *Supervisor) Activity() *actlog.Log { return s.act }

// nextSeq assigns the globally monotonic hotplug sequence number.
func (s *Supervisor) nextSeq() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	return s.seq
}

// slot returns the slot for key, creating a dynamic entry when unknown.
func (s *Supervisor) slot(key string) *Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[key]; ok {
		return sl
	}
	sl := newSlot(key)
	sl.Dynamic = true
	s.slots[key] = sl
	util.WithSlot(key).Info("rack: tracking new dynamic slot")
	s.act.Add(actlog.Info, "new dynamic slot "+key)
	return sl
}

// Lookup finds a slot by slot_key or label. Returns nil when unknown.
func (s *Supervisor) Lookup(ref string) *Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[ref]; ok {
		return sl
	}
	for _, sl := range s.slots {
		if sl.Label != "" && sl.Label == ref {
			return sl
		}
	}
	return nil
}

// Snapshot projects every slot, sorted by label/key for stable output.
// As a side effect it runs the health check and stale-flap clearance on
// each slot, so a slot that went quiet clears without a new event.
func (s *Supervisor) Snapshot() []Info {
	s.mu.Lock()
	all := make([]*Slot, 0, len(s.slots))
	for _, sl := range s.slots {
		all = append(all, sl)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })

	infos := make([]Info, 0, len(all))
	running := 0
	for _, sl := range all {
		sl.mu.Lock()
		s.healthCheckLocked(sl)
		s.clearStaleFlapLocked(sl)
		info := sl.infoLocked()
		sl.mu.Unlock()
		if info.Running {
			running++
		}
		infos = append(infos, info)
	}
	s.metrics.RunningProxies.Set(float64(running))
	return infos
}

// Summary are the counts reported by /api/info.
type Summary struct {
	Slots    int    `json:"slots"`
	Present  int    `json:"present"`
	Running  int    `json:"running"`
	Flapping int    `json:"flapping"`
	HostIP   string `json:"host_ip"`
	Hostname string `json:"hostname"`
}

// Info summarises the rack.
func (s *Supervisor) Info() Summary {
	sum := Summary{HostIP: s.HostIP(), Hostname: s.Hostname()}
	for _, info := range s.Snapshot() {
		sum.Slots++
		if info.Present {
			sum.Present++
		}
		if info.Running {
			sum.Running++
		}
		if info.Flapping {
			sum.Flapping++
		}
	}
	return sum
}

// HostIP returns the primary non-loopback IPv4 address, used to build
// advertised rfc2217:// endpoints.
func (s *Supervisor) HostIP() string {
	s.resolveHost()
	return s.hostIP
}

// Hostname returns the cached hostname.
func (s *Supervisor) Hostname() string {
	s.resolveHost()
	return s.hostname
}

func (s *Supervisor) resolveHost() {
	s.hostOnce.Do(func() {
		s.hostIP = primaryIP()
		if h, err := os.Hostname(); err == nil {
			s.hostname = h
		}
	})
}

func primaryIP() string {
	// Routing trick: no packet is sent for UDP "dials".
	if conn, err := net.Dial("udp", "10.255.255.255:1"); err == nil {
		ip := conn.LocalAddr().(*net.UDPAddr).IP.String()
		conn.Close()
		return ip
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}

// StartHealthLoop begins the periodic health-check / stale-flap sweep.
func (s *Supervisor) StartHealthLoop() {
	s.t.Go(func() error {
		ticker := time.NewTicker(s.timings.healthPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-s.t.Dying():
				return nil
			case <-ticker.C:
				s.Snapshot()
			}
		}
	})
}

// Shutdown stops the health loop and every proxy child.
func (s *Supervisor) Shutdown() {
	s.t.Kill(nil)
	s.t.Wait()

	s.mu.Lock()
	all := make([]*Slot, 0, len(s.slots))
	for _, sl := range s.slots {
		all = append(all, sl)
	}
	s.mu.Unlock()

	for _, sl := range all {
		sl.mu.Lock()
		s.stopProxyLocked(sl)
		sl.mu.Unlock()
	}
	util.Logger.Info("rack: supervisor shut down")
}
