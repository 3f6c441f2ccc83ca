package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Logger is the shared daemon logger.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// InitLogging applies the verbosity flag and picks the output format:
// human-readable text on a terminal, JSON when stderr is redirected
// (journald, pipes), so log collectors never scrape the text formatter.
func InitLogging(verbose bool) {
	if verbose {
		Logger.SetLevel(logrus.DebugLevel)
	}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		Logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05Z07:00",
		})
	}
}

// SetLogOutput redirects log output, mainly for tests.
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// WithSlot tags entries with the slot a message concerns.
func WithSlot(slot string) *logrus.Entry {
	return Logger.WithField("slot", slot)
}

// WithSlotSeq tags a slot together with the hotplug sequence number.
// Event-driven messages carry both so a storm can be reconstructed from
// the log afterwards.
func WithSlotSeq(slot string, seq uint64) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{"slot": slot, "seq": seq})
}
