package castfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vibetunnel/vtcore/internal/vtlog"
)

// DefaultSyncHardCap is the hard cap above which the synchronous
// truncator refuses to run and returns TooLargeError, forcing callers
// onto the streaming (async) path (spec.md §4.2.1).
const DefaultSyncHardCap = 50 * 1024 * 1024

// TooLargeError is returned by TruncateSync when the file exceeds the
// hard cap.
type TooLargeError struct {
	Size, HardCap int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("castfile: file size %d exceeds synchronous hard cap %d", e.Size, e.HardCap)
}

// truncateResult reports what a truncation pass did, for callers that
// need to bump a truncation epoch or log dropped-event counts.
type truncateResult struct {
	DroppedEvents int
	NewSize       int64
}

// Truncate rewrites the cast file at path, preserving line 1 (the
// header) and a sliding suffix of subsequent lines whose total size is
// <= target = maxSize*targetPct, with an optional synthetic marker
// event recording how many events were dropped. The most recent event
// line is always kept, even when it alone exceeds target. The rewrite happens
// via a temp file plus atomic rename (spec.md §4.2.1).
func Truncate(path string, maxSize int64, targetPct float64) (truncateResult, error) {
	target := int64(float64(maxSize) * targetPct)
	if target <= 0 {
		target = maxSize
	}

	f, err := os.Open(path)
	if err != nil {
		return truncateResult{}, fmt.Errorf("castfile: open for truncation: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	var headerLine []byte
	if scanner.Scan() {
		headerLine = append([]byte(nil), scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return truncateResult{}, fmt.Errorf("castfile: read header for truncation: %w", err)
	}

	// Sliding window of (line, size-with-newline) kept in arrival
	// order; bounded by target bytes so memory use stays proportional
	// to target rather than file size.
	type line struct {
		data []byte
		size int64
	}
	var window []line
	var windowSize int64
	dropped := 0

	for scanner.Scan() {
		raw := scanner.Bytes()
		l := line{data: append([]byte(nil), raw...), size: int64(len(raw)) + 1}
		window = append(window, l)
		windowSize += l.size
		for windowSize > target && len(window) > 1 {
			windowSize -= window[0].size
			window = window[1:]
			dropped++
		}
	}
	if err := scanner.Err(); err != nil {
		return truncateResult{}, fmt.Errorf("castfile: scan for truncation: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s.tmp-*", filepath.Base(path)))
	if err != nil {
		return truncateResult{}, fmt.Errorf("castfile: create truncation temp file: %w", err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	if len(headerLine) > 0 {
		w.Write(headerLine)
		w.WriteByte('\n')
	}
	var newSize int64 = int64(len(headerLine)) + 1
	if dropped > 0 {
		marker := Event{
			T:    0,
			Kind: KindMarker,
			Data: fmt.Sprintf("[Truncated %d events]", dropped),
		}
		data, _ := marker.Encode()
		w.Write(data)
		newSize += int64(len(data))
	}
	for _, l := range window {
		w.Write(l.data)
		w.WriteByte('\n')
		newSize += l.size
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return truncateResult{}, fmt.Errorf("castfile: write truncated file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return truncateResult{}, fmt.Errorf("castfile: sync truncated file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return truncateResult{}, fmt.Errorf("castfile: close truncated file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return truncateResult{}, fmt.Errorf("castfile: rename truncated file: %w", err)
	}

	return truncateResult{DroppedEvents: dropped, NewSize: newSize}, nil
}

// TruncateSync is the synchronous variant used at startup: it refuses
// files above hardCap, forcing the caller onto the async Truncate path.
func TruncateSync(path string, maxSize int64, targetPct float64, hardCap int64) (truncateResult, error) {
	if hardCap <= 0 {
		hardCap = DefaultSyncHardCap
	}
	info, err := os.Stat(path)
	if err != nil {
		return truncateResult{}, fmt.Errorf("castfile: stat for sync truncation: %w", err)
	}
	if info.Size() > hardCap {
		return truncateResult{}, &TooLargeError{Size: info.Size(), HardCap: hardCap}
	}
	return Truncate(path, maxSize, targetPct)
}

// runSizeChecker is the writer's background loop: every checkInterval
// it compares the tracked position against the actual file size,
// resyncing on drift, and triggers a truncation pass when the file
// exceeds maxSize.
func (w *Writer) runSizeChecker() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCheck:
			return
		case <-ticker.C:
			w.checkSizeAndDrift()
		}
	}
}

func (w *Writer) checkSizeAndDrift() {
	w.mu.Lock()
	info, err := w.f.Stat()
	w.mu.Unlock()
	if err != nil {
		return
	}

	tracked := w.bytesWritten.Load()
	actual := info.Size()
	if diff := actual - tracked; diff > driftThreshold || diff < -driftThreshold {
		w.errCount.Add(1)
		w.bytesWritten.Store(actual)
	}

	if actual <= w.maxSize {
		return
	}
	w.triggerTruncation()
}

func (w *Writer) triggerTruncation() {
	// Pause appending, flush the queue, hand off to the truncator,
	// then resume by re-opening the file in append mode (spec.md
	// §4.2). The mutex held across Truncate serializes against
	// concurrent WriteOutput/Close calls, matching "pauses appending."
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if err := w.f.Sync(); err != nil {
		vtlog.For("castwriter").Warn("pre-truncation sync failed", "error", err)
	}
	if err := w.f.Close(); err != nil {
		vtlog.For("castwriter").Error("pre-truncation close failed", "error", err)
		return
	}

	result, truncErr := Truncate(w.path, w.maxSize, w.truncTargetPct)
	if truncErr != nil {
		vtlog.For("castwriter").Error("truncation failed", "error", truncErr)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		vtlog.For("castwriter").Error("reopen after truncation failed", "error", err)
		return
	}
	w.f = f
	if truncErr != nil {
		return
	}
	w.bytesWritten.Store(result.NewSize)

	if w.OnTruncate != nil {
		w.OnTruncate()
	}
}
