package util

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetLogOutput(&buf)
	t.Cleanup(func() { SetLogOutput(os.Stderr) })
	return &buf
}

func TestWithSlot(t *testing.T) {
	buf := captureLog(t)

	WithSlot("esp-a").Info("proxy up")
	out := buf.String()
	if !strings.Contains(out, "slot=esp-a") {
		t.Errorf("slot field missing: %q", out)
	}
	if !strings.Contains(out, "proxy up") {
		t.Errorf("message missing: %q", out)
	}
}

func TestWithSlotSeq(t *testing.T) {
	buf := captureLog(t)

	WithSlotSeq("esp-a", 42).Info("event dropped")
	out := buf.String()
	for _, want := range []string{"slot=esp-a", "seq=42", "event dropped"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}
