package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/labrack/labrack/pkg/rack"
)

// Table writes column-aligned rows to a terminal. Widths are computed
// over visible runes only, so colored cells from StateCell line up, and
// rows wider than the terminal are truncated rather than wrapped.
type Table struct {
	out     io.Writer
	headers []string
	rows    [][]string
}

// NewTable returns a table writing to stdout on Flush.
func NewTable(headers ...string) *Table {
	return &Table{out: os.Stdout, headers: headers}
}

// Row appends one row; missing trailing cells render empty.
func (t *Table) Row(cells ...string) {
	row := make([]string, len(t.headers))
	copy(row, cells)
	t.rows = append(t.rows, row)
}

// Flush writes the headers, a divider and every row. An empty table
// prints nothing.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if w := visibleWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	limit := outputWidth()
	t.writeRow(t.headers, widths, limit)

	divider := make([]string, len(t.headers))
	for i, w := range widths {
		divider[i] = strings.Repeat("-", w)
	}
	t.writeRow(divider, widths, limit)

	for _, row := range t.rows {
		t.writeRow(row, widths, limit)
	}
}

func (t *Table) writeRow(cells []string, widths []int, limit int) {
	var b strings.Builder
	for i, cell := range cells {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(cell)
		if i < len(cells)-1 {
			for n := visibleWidth(cell); n < widths[i]; n++ {
				b.WriteByte(' ')
			}
		}
	}
	line := b.String()
	if limit > 0 && visibleWidth(line) > limit {
		line = truncateVisible(line, limit-1) + "…"
	}
	fmt.Fprintln(t.out, line)
}

// visibleWidth counts runes, skipping ANSI SGR sequences.
func visibleWidth(s string) int {
	n, esc := 0, false
	for _, r := range s {
		switch {
		case esc:
			if r == 'm' {
				esc = false
			}
		case r == 0x1b:
			esc = true
		default:
			n++
		}
	}
	return n
}

// truncateVisible cuts s after width visible runes. Escape sequences
// are carried through and a reset is appended so an open color never
// bleeds past the cut.
func truncateVisible(s string, width int) string {
	var b strings.Builder
	n, esc := 0, false
	for _, r := range s {
		switch {
		case esc:
			b.WriteRune(r)
			if r == 'm' {
				esc = false
			}
		case r == 0x1b:
			esc = true
			b.WriteRune(r)
		default:
			if n == width {
				b.WriteString(sgrReset)
				return b.String()
			}
			b.WriteRune(r)
			n++
		}
	}
	return b.String()
}

// outputWidth returns the terminal column budget. COLUMNS overrides
// detection; 0 means unconstrained (stdout is not a terminal).
func outputWidth() int {
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if n, err := strconv.Atoi(cols); err == nil && n > 0 {
			return n
		}
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 0
	}
	return w
}

// SlotTable builds the devices view: one row per slot in the API's
// order with colored state, the advertised endpoint and any last error
// trailing.
func SlotTable(slots []rack.Info) *Table {
	t := NewTable("SLOT", "STATE", "PRESENT", "URL", "LAST ERROR")
	for _, sl := range slots {
		present := "-"
		if sl.Present {
			present = "yes"
		}
		t.Row(SlotName(sl), StateCell(sl), present, sl.URL, sl.LastError)
	}
	return t
}
