package actlog

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

func TestLogBounded(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.Add(Info, fmt.Sprintf("entry %d", i))
	}

	entries := l.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("retained %d entries, want 3", len(entries))
	}
	if entries[0].Message != "entry 2" || entries[2].Message != "entry 4" {
		t.Errorf("wrong entries survived: %v", entries)
	}
}

func TestLogSinceStrictlyNewer(t *testing.T) {
	l := New(0)
	l.Add(Info, "old")
	cut := time.Now()
	time.Sleep(2 * time.Millisecond)
	l.Add(OK, "new")

	got := l.Since(cut)
	if len(got) != 1 || got[0].Message != "new" {
		t.Fatalf("Since returned %v, want only the new entry", got)
	}

	// since = timestamp of the newest entry returns nothing.
	if got := l.Since(got[0].Time); len(got) != 0 {
		t.Errorf("Since(own timestamp) returned %v, want none", got)
	}
}

func TestLogSinceImmediatelyAfterWrite(t *testing.T) {
	l := New(0)
	before := time.Now()
	time.Sleep(2 * time.Millisecond)
	l.Add(Step, "just written")

	if got := l.Since(before); len(got) != 1 {
		t.Errorf("write not visible to immediate read, got %v", got)
	}
}

func TestLogCategories(t *testing.T) {
	l := New(0)
	for _, cat := range []Category{Info, OK, Error, Step} {
		l.Add(cat, string(cat))
	}
	entries := l.Snapshot()
	if len(entries) != 4 {
		t.Fatalf("got %d entries", len(entries))
	}
	for i, cat := range []Category{Info, OK, Error, Step} {
		if entries[i].Category != cat {
			t.Errorf("entry %d category = %s, want %s", i, entries[i].Category, cat)
		}
	}
}

func TestUDPSink(t *testing.T) {
	l := New(0)
	sink, err := StartUDPSink(0, l)
	if err != nil {
		t.Fatalf("StartUDPSink: %v", err)
	}
	defer sink.Stop()

	// Send over IPv4 loopback so the source address is 127.0.0.1.
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", sink.Addr().Port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Two lines plus invalid UTF-8 that must be replaced, not dropped.
	conn.Write([]byte("boot ok\r\nwifi connected\n"))
	conn.Write([]byte{0xff, 0xfe, 'x', '\n'})

	ok := pollFor(2*time.Second, func() bool { return len(sink.Lines()) == 3 })
	if !ok {
		t.Fatalf("sink holds %d lines, want 3", len(sink.Lines()))
	}

	lines := sink.Lines()
	if lines[0] != "boot ok" || lines[1] != "wifi connected" {
		t.Errorf("lines = %v", lines)
	}
	if !strings.Contains(lines[2], "x") {
		t.Errorf("invalid UTF-8 line mangled: %q", lines[2])
	}

	// Each line is mirrored into the activity log with the source IP.
	entries := l.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("activity log has %d entries, want 3", len(entries))
	}
	if !strings.HasPrefix(entries[0].Message, "127.0.0.1: ") {
		t.Errorf("entry not prefixed with source IP: %q", entries[0].Message)
	}
	if entries[0].Category != Info {
		t.Errorf("mirrored category = %s, want info", entries[0].Category)
	}
}

func TestUDPSinkStopResponsive(t *testing.T) {
	sink, err := StartUDPSink(0, New(0))
	if err != nil {
		t.Fatalf("StartUDPSink: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sink.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return within the read-timeout window")
	}
}

func pollFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
