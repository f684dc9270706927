// Package vterm provides the fast-attach VT snapshot used by C4.7
// resync: a subscriber attaching with no stored byte offset gets a
// rendered-screen snapshot (scrollback + grid + cursor) instead of
// replaying the whole cast tail.
package vterm

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

// DefaultScrollbackLines bounds memory use per session; a forwarder
// keeps one Emulator alongside its cast writer for as long as the
// session runs.
const DefaultScrollbackLines = 10000

// Emulator feeds PTY output through a headless VT emulator and
// captures scrolled-off lines into a bounded ring so Snapshot can
// reconstruct a faithful reconnect payload.
type Emulator struct {
	emu        *vt.Emulator
	scrollback []string
	sbHead     int
	sbLen      int

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// New creates an Emulator with the given dimensions and the default
// scrollback cap.
func New(cols, rows int) *Emulator {
	return NewWithScrollback(cols, rows, DefaultScrollbackLines)
}

// NewWithScrollback creates an Emulator with an explicit scrollback
// ring size.
func NewWithScrollback(cols, rows, scrollbackLines int) *Emulator {
	e := &Emulator{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, scrollbackLines),
		cols:       cols,
		rows:       rows,
	}
	e.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if e.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if e.sbLen == len(e.scrollback) {
					e.scrollback[e.sbHead] = ""
				}
				e.scrollback[e.sbHead] = rendered
				e.sbHead = (e.sbHead + 1) % len(e.scrollback)
				if e.sbLen < len(e.scrollback) {
					e.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range e.scrollback {
				e.scrollback[i] = ""
			}
			e.sbLen = 0
			e.sbHead = 0
		},
		AltScreen: func(on bool) {
			e.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			e.cursorHidden = !visible
		},
	})
	return e
}

// Write feeds PTY output bytes to the emulator.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Write(p)
}

// Resize changes the terminal dimensions, mirroring the forwarder's
// own resize handling (internal/forwarder/control.go).
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emu.Resize(cols, rows)
	e.cols = cols
	e.rows = rows
}

// Snapshot renders a reconnect payload: scrollback lines, enough
// trailing blank lines to guarantee the replay has scrolled fully off
// the attaching terminal's visible screen before the live grid is
// painted at row 1, a style reset and grid repaint, and cursor
// position/visibility restore. The result is valid ANSI any terminal
// emulator can consume directly as the body of a fast-attach
// STDOUT_DATA frame (spec.md §4.7).
//
// The padding is sized to the shortfall between the replayed history
// and the session's own row count, not a fixed screen height: a
// reconnect after thousands of scrollback lines has already scrolled
// the client's screen clean by the time replay finishes, so padding
// past that point would only waste scrollback rows on blank lines.
func (e *Emulator) Snapshot() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	var buf strings.Builder

	lines := e.scrollbackLinesLocked()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if len(lines) > 0 {
		if pad := e.rows - len(lines); pad > 0 {
			for range pad {
				buf.WriteByte('\n')
			}
		}
	}

	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(e.emu.Render())

	pos := e.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)

	if e.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}

	return []byte(buf.String())
}

// ScrollbackLen reports the number of scrollback lines currently held.
func (e *Emulator) ScrollbackLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sbLen
}

// Close releases the underlying emulator.
func (e *Emulator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu.Close()
}

// scrollbackLinesLocked returns scrollback lines oldest-first. Caller
// must hold mu.
func (e *Emulator) scrollbackLinesLocked() []string {
	if e.sbLen == 0 {
		return nil
	}
	lines := make([]string, e.sbLen)
	start := (e.sbHead - e.sbLen + len(e.scrollback)) % len(e.scrollback)
	for i := range e.sbLen {
		lines[i] = e.scrollback[(start+i)%len(e.scrollback)]
	}
	return lines
}
