package rack

import (
	"sync"
	"time"
)

// State is a slot's lifecycle state.
type State string

const (
	StateAbsent       State = "absent"
	StateIdle         State = "idle"
	StateResetting    State = "resetting"
	StateMonitoring   State = "monitoring"
	StateFlapping     State = "flapping"
	StateRecovering   State = "recovering"
	StateDownloadMode State = "download_mode"
)

// Slot is one physical USB position on the rack. The identifying fields
// are fixed at creation; everything else is guarded by mu, which also
// serialises state transitions.
type Slot struct {
	Key       string // stable topological identifier (ID_PATH or DEVPATH)
	Label     string
	TCPPort   int // 0 = tracked but not serviced
	GPIOBoot  *int
	GPIOEn    *int
	ProbeOpen *bool // overrides the ttyACM open-probe heuristic
	Dynamic   bool  // created from an unknown hotplug event

	mu sync.Mutex

	present bool
	devnode string

	running bool
	pid     int
	url     string

	state          State
	flapping       bool
	recovering     bool
	recoverRetries int
	eventTimes     []time.Time

	seq        uint64
	lastAction string
	lastEvent  time.Time
	lastError  string
}

func newSlot(key string) *Slot {
	return &Slot{Key: key, state: StateAbsent}
}

// Name returns the label when set, else the slot key.
func (sl *Slot) Name() string {
	if sl.Label != "" {
		return sl.Label
	}
	return sl.Key
}

// Info is the external projection of a slot. Private bookkeeping (mutex,
// raw event window) is excluded.
type Info struct {
	SlotKey    string     `json:"slot_key"`
	Label      string     `json:"label,omitempty"`
	TCPPort    int        `json:"tcp_port,omitempty"`
	GPIOBoot   *int       `json:"gpio_boot,omitempty"`
	GPIOEn     *int       `json:"gpio_en,omitempty"`
	Present    bool       `json:"present"`
	Devnode    string     `json:"devnode,omitempty"`
	Running    bool       `json:"running"`
	PID        int        `json:"pid,omitempty"`
	URL        string     `json:"url,omitempty"`
	State      State      `json:"state"`
	Flapping   bool       `json:"flapping"`
	Recovering bool       `json:"recovering"`
	Seq        uint64     `json:"seq"`
	LastAction string     `json:"last_action,omitempty"`
	LastEvent  *time.Time `json:"last_event_ts,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Dynamic    bool       `json:"dynamic,omitempty"`
}

// infoLocked builds the projection; caller holds sl.mu.
func (sl *Slot) infoLocked() Info {
	info := Info{
		SlotKey:    sl.Key,
		Label:      sl.Label,
		TCPPort:    sl.TCPPort,
		GPIOBoot:   sl.GPIOBoot,
		GPIOEn:     sl.GPIOEn,
		Present:    sl.present,
		Devnode:    sl.devnode,
		Running:    sl.running,
		PID:        sl.pid,
		URL:        sl.url,
		State:      sl.state,
		Flapping:   sl.flapping,
		Recovering: sl.recovering,
		Seq:        sl.seq,
		LastAction: sl.lastAction,
		LastError:  sl.lastError,
		Dynamic:    sl.Dynamic,
	}
	if !sl.lastEvent.IsZero() {
		t := sl.lastEvent
		info.LastEvent = &t
	}
	return info
}

// Snapshot returns the slot projection.
func (sl *Slot) Snapshot() Info {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.infoLocked()
}
