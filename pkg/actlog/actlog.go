// Package actlog implements the supervisor's bounded activity log and the
// UDP sink that absorbs free-form device logs.
package actlog

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/labrack/labrack/pkg/util"
)

// Category classifies an activity entry.
type Category string

const (
	Info  Category = "info"
	OK    Category = "ok"
	Error Category = "error"
	Step  Category = "step"
)

// Entry is a single timestamped activity record.
type Entry struct {
	Time     time.Time `json:"ts"`
	Message  string    `json:"message"`
	Category Category  `json:"category"`
}

// DefaultCapacity is the number of newest entries retained.
const DefaultCapacity = 200

// Log is a bounded, newest-last activity ring. Writes are serialised with
// reads by a single mutex.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
	mirror  *RedisMirror
}

// New returns a Log retaining at most capacity entries.
// capacity <= 0 selects DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{cap: capacity}
}

// SetMirror attaches an optional Redis mirror. Safe to call once at startup.
func (l *Log) SetMirror(m *RedisMirror) {
	l.mu.Lock()
	l.mirror = m
	l.mu.Unlock()
}

// Add appends an entry, evicting the oldest when full.
func (l *Log) Add(cat Category, msg string) {
	e := Entry{Time: time.Now(), Message: msg, Category: cat}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
	m := l.mirror
	l.mu.Unlock()

	if m != nil {
		m.publish(e)
	}
}

// Since returns entries strictly newer than t, oldest first.
func (l *Log) Since(t time.Time) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Entries are appended in time order; find the first strictly-newer one.
	i := len(l.entries)
	for i > 0 && l.entries[i-1].Time.After(t) {
		i--
	}
	out := make([]Entry, len(l.entries)-i)
	copy(out, l.entries[i:])
	return out
}

// Snapshot returns all retained entries, oldest first.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// RedisMirror forwards activity entries to a Redis stream so an off-host
// collector can tail lab activity. Entirely optional; failures are logged
// and dropped.
type RedisMirror struct {
	client *redis.Client
	stream string
}

// NewRedisMirror connects to addr and mirrors entries onto stream.
func NewRedisMirror(addr, stream string) *RedisMirror {
	if stream == "" {
		stream = "labrack:activity"
	}
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		stream: stream,
	}
}

// Close releases the underlying Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) publish(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: m.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"ts":       e.Time.Format(time.RFC3339Nano),
			"category": string(e.Category),
			"message":  e.Message,
		},
	}).Err()
	if err != nil {
		util.Logger.Debugf("actlog: redis mirror: %v", err)
	}
}
