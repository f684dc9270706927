package castfile

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vibetunnel/vtcore/internal/vtlog"
)

const (
	// DefaultMaxSize is MAX_CAST_SIZE (spec.md §4.2).
	DefaultMaxSize = 10 * 1024 * 1024

	// DefaultCheckInterval is CHECK_INTERVAL.
	DefaultCheckInterval = 30 * time.Second

	// DefaultTruncationTargetPct is TRUNCATION_TARGET_PERCENTAGE.
	DefaultTruncationTargetPct = 0.8

	// queueDepth is the hard bound on pending writes (spec.md §5).
	queueDepth = 1024

	// driftThreshold is the byte drift beyond which Writer resyncs its
	// tracked position to the actual file size and counts an error.
	driftThreshold = 100
)

type writeJob struct {
	data []byte
	done chan error
}

// Writer is the single-writer append-only cast file writer (spec.md
// §4.2). All public methods are safe for concurrent use; writes are
// serialized through a single background goroutine so ordering is
// preserved regardless of how many goroutines call Write*.
type Writer struct {
	path   string
	header Header
	start  time.Time

	mu     sync.Mutex
	f      *os.File
	carry  []byte
	closed bool

	bytesWritten atomic.Int64
	pendingBytes atomic.Int64

	queue chan writeJob
	wg    sync.WaitGroup

	maxSize        int64
	checkInterval  time.Duration
	truncTargetPct float64

	errCount atomic.Int64

	stopCheck chan struct{}

	// OnTruncate, if set, is invoked after a successful truncation so
	// the caller can bump session.json's truncation_epoch. Errors are
	// logged, not propagated, since the cast file itself is already
	// consistent at that point.
	OnTruncate func()
}

// Options configures a new Writer. Zero values fall back to defaults.
type Options struct {
	MaxSize             int64
	CheckInterval       time.Duration
	TruncationTargetPct float64
}

// New opens (or creates) the cast file at path and writes the header
// if the file is new/empty. An existing non-empty file is opened in
// append mode without rewriting the header.
func New(path string, header Header, opts Options) (*Writer, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.TruncationTargetPct <= 0 {
		opts.TruncationTargetPct = DefaultTruncationTargetPct
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("castfile: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("castfile: stat %s: %w", path, err)
	}

	w := &Writer{
		path:           path,
		header:         header,
		start:          time.Now(),
		f:              f,
		queue:          make(chan writeJob, queueDepth),
		maxSize:        opts.MaxSize,
		checkInterval:  opts.CheckInterval,
		truncTargetPct: opts.TruncationTargetPct,
		stopCheck:      make(chan struct{}),
	}

	if info.Size() == 0 {
		data, err := header.Encode()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("castfile: encode header: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return nil, fmt.Errorf("castfile: write header: %w", err)
		}
		w.bytesWritten.Store(int64(len(data)))
	} else {
		w.bytesWritten.Store(info.Size())
	}

	w.wg.Add(2)
	go w.runQueue()
	go w.runSizeChecker()

	return w, nil
}

// Position reports the writer's tracked byte position and the number
// of bytes still queued but not yet committed.
func (w *Writer) Position() (bytesWritten, pendingBytes int64) {
	return w.bytesWritten.Load(), w.pendingBytes.Load()
}

// ErrorCount returns the number of counted errors observed so far
// (position drift resyncs, etc).
func (w *Writer) ErrorCount() int64 {
	return w.errCount.Load()
}

func (w *Writer) elapsed() float64 {
	return time.Since(w.start).Seconds()
}

// WriteOutput appends PTY output bytes as "o" events, carrying any
// trailing incomplete escape sequence or UTF-8 code point to the next
// call rather than splitting it (spec.md §4.2).
func (w *Writer) WriteOutput(b []byte) error {
	return w.writeChunked(KindOutput, b)
}

// WriteInput appends input bytes as "i" events, under the same
// escape/UTF-8-safe chunking as WriteOutput.
func (w *Writer) WriteInput(b []byte) error {
	return w.writeChunked(KindInput, b)
}

func (w *Writer) writeChunked(kind EventKind, b []byte) error {
	w.mu.Lock()
	combined := append(w.carry, b...)
	emit, carry := safeSplit(combined)
	w.carry = append([]byte(nil), carry...)
	w.mu.Unlock()

	if len(emit) == 0 {
		return nil
	}

	ev := Event{T: w.elapsed(), Kind: kind, Data: string(emit)}
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("castfile: encode event: %w", err)
	}
	return w.enqueue(data)
}

// WriteResize appends an "r" event with data "COLSxROWS".
func (w *Writer) WriteResize(cols, rows int) error {
	ev := Event{T: w.elapsed(), Kind: KindResize, Data: fmt.Sprintf("%dx%d", cols, rows)}
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("castfile: encode resize event: %w", err)
	}
	return w.enqueue(data)
}

// WriteMarker appends a synthetic "m" marker event.
func (w *Writer) WriteMarker(text string) error {
	ev := Event{T: w.elapsed(), Kind: KindMarker, Data: text}
	data, err := ev.Encode()
	if err != nil {
		return fmt.Errorf("castfile: encode marker event: %w", err)
	}
	return w.enqueue(data)
}

// WriteExitRecord appends the trailing raw exit-record JSON line.
// Must be the last write before Close.
func (w *Writer) WriteExitRecord(exitCode int, exitedAt time.Time) error {
	rec := ExitRecord{ExitCode: exitCode, ExitedAt: exitedAt}
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("castfile: encode exit record: %w", err)
	}
	return w.enqueue(data)
}

func (w *Writer) enqueue(data []byte) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("castfile: write after close")
	}
	w.mu.Unlock()

	w.pendingBytes.Add(int64(len(data)))
	job := writeJob{data: data, done: make(chan error, 1)}
	w.queue <- job
	return <-job.done
}

func (w *Writer) runQueue() {
	defer w.wg.Done()
	for job := range w.queue {
		err := w.commit(job.data)
		job.done <- err
	}
}

func (w *Writer) commit(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.f.Write(data)
	w.pendingBytes.Add(-int64(len(data)))
	if err != nil {
		w.errCount.Add(1)
		vtlog.For("castwriter").Error("write failed", "error", err)
		return fmt.Errorf("castfile: write: %w", err)
	}
	w.bytesWritten.Add(int64(n))

	if err := w.f.Sync(); err != nil {
		// Sync failures are logged but never fail the write (spec.md
		// §4.2): the in-memory position has already advanced.
		vtlog.For("castwriter").Warn("fsync failed", "error", err)
	}
	return nil
}

// Reopen closes the current file handle and reopens path in append
// mode, for recovery after a mid-session write failure (spec.md
// §4.4). The background queue and size-checker goroutines keep
// running across the swap.
func (w *Writer) Reopen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("castfile: reopen after close")
	}
	if w.f != nil {
		w.f.Close()
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		w.errCount.Add(1)
		return fmt.Errorf("castfile: reopen %s: %w", w.path, err)
	}
	w.f = f
	return nil
}

// Close flushes any carried partial bytes using the safe
// byte-preserving fallback (they are emitted as-is even if they form
// an incomplete code point or escape sequence), stops background
// workers, and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	leftover := w.carry
	w.carry = nil
	w.mu.Unlock()

	if len(leftover) > 0 {
		ev := Event{T: w.elapsed(), Kind: KindOutput, Data: string(leftover)}
		data, err := ev.Encode()
		if err == nil {
			w.queue <- writeJob{data: data, done: make(chan error, 1)}
		}
	}

	close(w.queue)
	close(w.stopCheck)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
