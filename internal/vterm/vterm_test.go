package vterm

import (
	"fmt"
	"strings"
	"testing"

	"github.com/charmbracelet/x/vt"
)

func TestEmulatorBasicOutput(t *testing.T) {
	e := New(80, 24)
	defer e.Close()

	e.Write([]byte("hello world"))
	snap := e.Snapshot()
	if !strings.Contains(string(snap), "hello world") {
		t.Errorf("snapshot missing basic output, got:\n%s", snap)
	}
}

func TestEmulatorScrollbackCapture(t *testing.T) {
	e := New(80, 10)
	defer e.Close()

	for i := range 50 {
		e.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}

	if got := e.ScrollbackLen(); got != 41 {
		t.Errorf("scrollback len = %d, want 41", got)
	}
}

func TestEmulatorScrollbackRingWrap(t *testing.T) {
	e := NewWithScrollback(80, 10, 500)
	defer e.Close()

	total := 500 + 200
	for i := range total {
		e.Write([]byte(fmt.Sprintf("line %06d\r\n", i)))
	}

	if got := e.ScrollbackLen(); got != 500 {
		t.Errorf("scrollback len = %d, want 500 (ring cap)", got)
	}

	snap := string(e.Snapshot())
	// 691 lines scroll out (9 stay on the 10-row screen above the blank
	// cursor row), so the 500-line ring keeps lines 191..690.
	if strings.Contains(snap, "line 000190") {
		t.Error("snapshot should not contain line 000190 (dropped by ring)")
	}
	if !strings.Contains(snap, "line 000191") {
		t.Error("snapshot should contain line 000191 (oldest surviving)")
	}
}

func TestEmulatorANSIColors(t *testing.T) {
	e := New(80, 10)
	defer e.Close()

	for i := range 15 {
		e.Write([]byte(fmt.Sprintf("\x1b[31mred line %d\x1b[m\r\n", i)))
	}

	snap := string(e.Snapshot())
	if !strings.Contains(snap, "\x1b[31m") {
		t.Error("snapshot missing color SGR in scrollback")
	}
}

func TestEmulatorCursorPosition(t *testing.T) {
	e := New(80, 24)
	defer e.Close()

	e.Write([]byte("\x1b[5;10H"))
	snap := string(e.Snapshot())

	if !strings.Contains(snap, "\x1b[5;10H") {
		t.Errorf("snapshot missing cursor restore at row 5 col 10, got:\n%s", snap)
	}
}

func TestEmulatorScreenClear(t *testing.T) {
	e := New(80, 10)
	defer e.Close()

	for i := range 20 {
		e.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}
	sbBefore := e.ScrollbackLen()

	e.Write([]byte("\x1b[2J"))

	if got := e.ScrollbackLen(); got != sbBefore {
		t.Errorf("ESC[2J changed scrollback len from %d to %d", sbBefore, got)
	}
}

func TestEmulatorScrollbackClear(t *testing.T) {
	e := New(80, 10)
	defer e.Close()

	for i := range 20 {
		e.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}
	if e.ScrollbackLen() == 0 {
		t.Fatal("scrollback should have lines before clear")
	}

	e.Write([]byte("\x1b[3J"))

	if got := e.ScrollbackLen(); got != 0 {
		t.Errorf("scrollback len after ESC[3J = %d, want 0", got)
	}
}

func TestEmulatorFullReset(t *testing.T) {
	e := New(80, 10)
	defer e.Close()

	for i := range 20 {
		e.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}
	if e.ScrollbackLen() == 0 {
		t.Fatal("scrollback should have lines before reset")
	}

	e.Write([]byte("\x1bc"))

	if got := e.ScrollbackLen(); got != 0 {
		t.Errorf("scrollback len after ESC c = %d, want 0", got)
	}
}

func TestEmulatorAltScreen(t *testing.T) {
	e := New(80, 10)
	defer e.Close()

	for i := range 15 {
		e.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}
	sbBefore := e.ScrollbackLen()

	e.Write([]byte("\x1b[?1049h"))

	for i := range 20 {
		e.Write([]byte(fmt.Sprintf("alt %d\r\n", i)))
	}

	if got := e.ScrollbackLen(); got != sbBefore {
		t.Errorf("alt screen scrollback = %d, want %d (unchanged)", got, sbBefore)
	}

	e.Write([]byte("\x1b[?1049l"))

	if got := e.ScrollbackLen(); got != sbBefore {
		t.Errorf("after alt screen exit scrollback = %d, want %d", got, sbBefore)
	}
}

func TestEmulatorResize(t *testing.T) {
	e := New(80, 24)
	defer e.Close()

	e.Write([]byte("before resize\r\n"))
	e.Resize(120, 40)
	e.Write([]byte("after resize"))

	snap := string(e.Snapshot())
	if !strings.Contains(snap, "before resize") {
		t.Error("snapshot missing content from before resize")
	}
	if !strings.Contains(snap, "after resize") {
		t.Error("snapshot missing content from after resize")
	}
}

func TestEmulatorCursorVisibility(t *testing.T) {
	e := New(80, 24)
	defer e.Close()

	e.Write([]byte("\x1b[?25l"))
	snap := string(e.Snapshot())
	if !strings.Contains(snap, "\x1b[?25l") {
		t.Error("snapshot should contain cursor hide when cursor is hidden")
	}

	e.Write([]byte("\x1b[?25h"))
	snap = string(e.Snapshot())
	if !strings.Contains(snap, "\x1b[?25h") {
		t.Error("snapshot should contain cursor show when cursor is visible")
	}
}

func TestEmulatorRoundTrip(t *testing.T) {
	e1 := New(80, 24)
	defer e1.Close()

	for i := range 40 {
		e1.Write([]byte(fmt.Sprintf("line %02d: some content here\r\n", i)))
	}
	e1.Write([]byte("\x1b[5;10Hcursor here"))

	snap := e1.Snapshot()

	e2 := New(80, 24)
	defer e2.Close()
	e2.Write(snap)

	e1.mu.Lock()
	render1 := e1.emu.Render()
	e1.mu.Unlock()

	e2.mu.Lock()
	render2 := e2.emu.Render()
	e2.mu.Unlock()

	if render1 != render2 {
		t.Errorf("grid mismatch after round-trip\n--- e1 ---\n%s\n--- e2 ---\n%s", render1, render2)
	}
}

func TestEmulatorMultiLineScroll(t *testing.T) {
	e := New(80, 5)
	defer e.Close()

	var buf strings.Builder
	for i := range 20 {
		fmt.Fprintf(&buf, "bulk line %d\r\n", i)
	}
	e.Write([]byte(buf.String()))

	if got := e.ScrollbackLen(); got == 0 {
		t.Error("expected scrollback lines after bulk write")
	}
}

func TestEmulatorEmptySnapshot(t *testing.T) {
	e := New(80, 24)
	defer e.Close()

	snap := e.Snapshot()
	if len(snap) == 0 {
		t.Error("empty Emulator snapshot should not be zero-length")
	}
	s := string(snap)
	if !strings.Contains(s, "\x1b[H") {
		t.Error("snapshot missing home cursor")
	}
	if !strings.Contains(s, "\x1b[?25h") {
		t.Error("snapshot missing cursor visibility restore")
	}
}

func TestEmulatorSnapshotFormat(t *testing.T) {
	e := New(80, 5)
	defer e.Close()

	for i := range 10 {
		e.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}

	snap := string(e.Snapshot())

	if !strings.Contains(snap, "\x1b[m\x1b[H") {
		t.Error("snapshot missing style reset + home cursor sequence")
	}
}

// TestEmulatorSnapshotPaddingScalesToShortfall verifies a reconnect
// after scrollback deeper than the session's row count pays no padding
// tax, while a shallow reconnect still gets pushed off-screen.
func TestEmulatorSnapshotPaddingScalesToShortfall(t *testing.T) {
	shallow := New(80, 24)
	defer shallow.Close()
	// Write a few lines past the screen height so a handful of lines
	// scroll into history, well short of the row count.
	for i := range 26 {
		shallow.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
	}
	shallowBlankRun := countTrailingBlankLines(string(shallow.Snapshot()))
	if shallowBlankRun == 0 {
		t.Error("shallow reconnect should still pad to push replay off-screen")
	}

	deep := New(80, 5)
	defer deep.Close()
	for i := range 50 {
		deep.Write([]byte(fmt.Sprintf("bulk line %d\r\n", i)))
	}
	deepBlankRun := countTrailingBlankLines(string(deep.Snapshot()))
	if deepBlankRun != 0 {
		t.Errorf("deep reconnect should pay no padding once replay exceeds the row count, got %d blank lines", deepBlankRun)
	}
}

// countTrailingBlankLines counts the run of bare "\n" lines immediately
// before the style-reset + home sequence that precedes the grid render.
func countTrailingBlankLines(snap string) int {
	idx := strings.Index(snap, "\x1b[m\x1b[H")
	if idx < 0 {
		return 0
	}
	n := 0
	for i := idx - 1; i >= 0 && snap[i] == '\n' && (i == 0 || snap[i-1] != '\r'); i-- {
		n++
	}
	return n
}

func TestEmulatorConcurrentWriteResize(t *testing.T) {
	e := New(80, 24)
	defer e.Close()

	done := make(chan struct{})

	go func() {
		for i := range 1000 {
			e.Write([]byte(fmt.Sprintf("line %d\r\n", i)))
		}
		close(done)
	}()

	for range 100 {
		e.Resize(81, 25)
		e.Resize(80, 24)
	}

	<-done

	snap := e.Snapshot()
	if len(snap) == 0 {
		t.Error("snapshot should not be empty after concurrent writes")
	}
}

// TestEmulatorSnapshotGridMatchesEmulator verifies the snapshot grid section
// matches what the underlying emulator renders.
func TestEmulatorSnapshotGridMatchesEmulator(t *testing.T) {
	e := New(40, 10)
	defer e.Close()

	e.Write([]byte("row 1 content\r\n"))
	e.Write([]byte("row 2 content\r\n"))
	e.Write([]byte("\x1b[31mcolored row 3\x1b[m"))

	e.mu.Lock()
	gridRender := e.emu.Render()
	e.mu.Unlock()

	snap := string(e.Snapshot())

	if !strings.Contains(snap, gridRender) {
		t.Errorf("snapshot doesn't contain exact grid render\n--- grid ---\n%q\n--- snap ---\n%q", gridRender, snap)
	}
}

// TestEmulatorWithRealVT feeds a snapshot to the upstream VT library's
// emulator and verifies it produces a correct grid, simulating a client
// attaching fresh.
func TestEmulatorWithRealVT(t *testing.T) {
	e := New(80, 24)
	defer e.Close()

	for i := range 30 {
		e.Write([]byte(fmt.Sprintf("history line %d\r\n", i)))
	}
	e.Write([]byte("current prompt $ "))

	snap := e.Snapshot()

	client := vt.NewEmulator(80, 24)
	defer client.Close()
	client.Write(snap)

	grid := client.Render()
	if !strings.Contains(grid, "current prompt $") {
		t.Errorf("client simulation grid missing prompt content:\n%s", grid)
	}
}
