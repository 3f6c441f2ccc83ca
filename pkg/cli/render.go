// Package cli renders labrackd API objects for the operator terminal:
// colored slot states, the aligned devices table, activity-log lines.
package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/labrack/labrack/pkg/rack"
)

// ANSI SGR codes used by the renderers.
const (
	sgrReset  = "\033[0m"
	sgrBold   = "\033[1m"
	sgrRed    = "\033[31m"
	sgrGreen  = "\033[32m"
	sgrYellow = "\033[33m"
)

func paint(code, s string) string {
	return code + s + sgrReset
}

// Bold emphasises a heading.
func Bold(s string) string {
	return paint(sgrBold, s)
}

// SlotName returns the operator-facing name of a slot: its label, or
// the raw key for unlabeled dynamic slots.
func SlotName(sl rack.Info) string {
	if sl.Label != "" {
		return sl.Label
	}
	return sl.SlotKey
}

// StateCell colors a slot's state for the devices table: green when the
// proxy is serving, red while a storm is being handled, yellow for a
// board parked in download mode.
func StateCell(sl rack.Info) string {
	state := string(sl.State)
	switch {
	case sl.State == rack.StateIdle && sl.Running:
		return paint(sgrGreen, state)
	case sl.State == rack.StateFlapping || sl.State == rack.StateRecovering:
		return paint(sgrRed, state)
	case sl.State == rack.StateDownloadMode:
		return paint(sgrYellow, state)
	}
	return state
}

// CategoryCell colors an activity-log category.
func CategoryCell(category string) string {
	switch category {
	case "error":
		return paint(sgrRed, category)
	case "ok":
		return paint(sgrGreen, category)
	case "step":
		return paint(sgrYellow, category)
	}
	return category
}

// LogLine formats one activity entry: local time, padded colored
// category, message.
func LogLine(ts time.Time, category, message string) string {
	cell := CategoryCell(category)
	if pad := 5 - len(category); pad > 0 {
		cell += strings.Repeat(" ", pad)
	}
	return fmt.Sprintf("%s  %s  %s", ts.Format("15:04:05"), cell, message)
}
