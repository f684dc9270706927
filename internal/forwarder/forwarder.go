// Package forwarder implements the per-session forwarder (C4): it
// owns a single PTY, writes the cast file, and serves the session's
// ipc.sock. One Forwarder runs per OS process, started by
// sessionmgr.Manager.Create via the vtd binary's hidden "forward"
// subcommand (spec.md §4.4).
package forwarder

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/vibetunnel/vtcore/internal/activity"
	"github.com/vibetunnel/vtcore/internal/castfile"
	"github.com/vibetunnel/vtcore/internal/fanout"
	"github.com/vibetunnel/vtcore/internal/sessiondata"
	"github.com/vibetunnel/vtcore/internal/vtconfig"
	"github.com/vibetunnel/vtcore/internal/vterm"
	"github.com/vibetunnel/vtcore/internal/vtlog"
)

// Notifier is the forwarder's hook into the control socket (C6):
// Notify is called with a category/action/data triple for events like
// "session.created", "session.closed", "session-monitor.notification".
type Notifier interface {
	Notify(category, action string, data any)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string, any) {}

// Forwarder owns one session's PTY and IPC socket for its entire
// lifetime, ending at the exit path (exit.go).
type Forwarder struct {
	cfg vtconfig.Config
	id  string
	dir string

	notifier Notifier

	mu       sync.Mutex
	sess     *sessiondata.Session
	ptmx     *os.File
	child    *exec.Cmd
	listener net.Listener

	castWriter   *castfile.Writer
	fan          *fanout.Fanout
	detector     *activity.Detector
	vt           *vterm.Emulator
	castErrCount int

	resizeLimiter    *rate.Limiter
	resizeFlushTimer *time.Timer
	pendingResize    struct {
		cols, rows int
		have       bool
	}

	conns map[uint64]*connection
	nextConnID uint64

	exitOnce sync.Once
}

// resizeCoalesceWindow bounds both the resizeLimiter's token interval
// and the flush delay for a resize stashed in pendingResize: the first
// request of a burst is applied at once, and the later requests landing
// inside the window collapse into one deferred PTY resize syscall
// carrying the last geometry requested (spec.md §8).
const resizeCoalesceWindow = 50 * time.Millisecond

// maxCastIOFailures is the number of consecutive cast-file reopen
// failures the forwarder tolerates before giving up and exiting the
// session with a cast-io error (spec.md §4.4).
const maxCastIOFailures = 3

// Option configures optional Forwarder behavior.
type Option func(*Forwarder)

// WithNotifier overrides the control-socket notification hook.
func WithNotifier(n Notifier) Option {
	return func(f *Forwarder) { f.notifier = n }
}

// New loads the session record written by the manager and constructs
// a Forwarder ready to Run.
func New(cfg vtconfig.Config, id string, opts ...Option) (*Forwarder, error) {
	dir := cfg.SessionDir(id)
	sess, err := sessiondata.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("forwarder: load session.json: %w", err)
	}

	f := &Forwarder{
		cfg:           cfg,
		id:            id,
		dir:           dir,
		sess:          sess,
		notifier:      noopNotifier{},
		resizeLimiter: rate.NewLimiter(rate.Every(resizeCoalesceWindow), 1),
		conns:         make(map[uint64]*connection),
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Run executes the full startup sequence (spec.md §4.4 steps 4-6) and
// blocks until the session exits or ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	if err := f.openPTY(); err != nil {
		return f.failStartup(err)
	}

	castPath := filepath.Join(f.dir, "stdout")
	header := castfile.NewHeader(f.sess.Cols, f.sess.Rows, joinArgv(f.sess.Command), f.sess.Title, f.sess.Env)
	writer, err := castfile.New(castPath, header, f.castOptions())
	if err != nil {
		return f.failStartup(err)
	}
	writer.OnTruncate = func() {
		f.mu.Lock()
		f.sess.TruncationEpoch++
		sess := *f.sess
		f.mu.Unlock()
		if err := sess.Save(f.dir); err != nil {
			vtlog.For("forwarder").Error("failed to persist truncation epoch", "session", f.id, "error", err)
		}
	}
	f.castWriter = writer
	f.fan = fanout.New(writer)
	f.detector = activity.New(0, f.cfg.ClaudeTurnDebounce)
	f.vt = vterm.New(f.sess.Cols, f.sess.Rows)

	stdinPath := filepath.Join(f.dir, "stdin")
	if err := syscall.Mkfifo(stdinPath, 0600); err != nil && !os.IsExist(err) {
		return f.failStartup(fmt.Errorf("create stdin fifo: %w", err))
	}

	sockPath := filepath.Join(f.dir, "ipc.sock")
	os.Remove(sockPath)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return f.failStartup(fmt.Errorf("listen ipc.sock: %w", err))
	}
	os.Chmod(sockPath, 0755)
	f.listener = ln

	f.mu.Lock()
	f.sess.Status = sessiondata.StatusRunning
	f.sess.ChildPID = f.child.Process.Pid
	sessCopy := *f.sess
	f.mu.Unlock()
	if err := sessCopy.Save(f.dir); err != nil {
		return f.failStartup(err)
	}

	f.notifier.Notify("session", "created", f.id)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); f.readPTY(ctx) }()
	go func() { defer wg.Done(); f.watchStdin(ctx, stdinPath) }()
	go func() { defer wg.Done(); f.acceptLoop(ctx) }()
	go func() { defer wg.Done(); f.pollActivity(ctx) }()

	wg.Wait()
	return nil
}

// pollActivity drives Detector.Poll on a fixed tick so an idle
// transition and a claude-turn debounce expiry are both detected
// during genuine silence, not only retroactively when the next chunk
// of output happens to arrive (spec.md §4.9).
func (f *Forwarder) pollActivity(ctx context.Context) {
	ticker := time.NewTicker(activity.DefaultIdleThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range f.detector.Poll(now) {
				f.notifier.Notify("session-monitor", "notification", map[string]any{
					"kind":      string(ev.Kind),
					"sessionId": f.id,
				})
			}
		}
	}
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// castOptions resolves the cast writer's size/truncation tunables from
// the forwarder's own cfg, which cmd/vtd's "forward" subcommand loads
// via vtconfig.Load the same way "serve" does, so VIBETUNNEL_* env
// vars and <root>/config.yaml apply uniformly across both processes.
// Zero values fall back to castfile's own defaults.
func (f *Forwarder) castOptions() castfile.Options {
	return castfile.Options{
		MaxSize:             f.cfg.MaxCastSize,
		CheckInterval:       f.cfg.CastCheckInterval,
		TruncationTargetPct: f.cfg.TruncationTargetPct,
	}
}

// handleCastIOFailure implements the cast-writer mid-session failure
// contract (spec.md §4.4): each publish failure attempts an
// append-mode reopen of the cast file. A successful reopen clears the
// streak; three consecutive failed reopens report that the session
// should transition to the exit path with a cast-io error.
func (f *Forwarder) handleCastIOFailure() bool {
	writer := f.castWriter
	if writer == nil {
		return false
	}

	if err := writer.Reopen(); err != nil {
		f.mu.Lock()
		f.castErrCount++
		count := f.castErrCount
		f.mu.Unlock()
		vtlog.For("forwarder").Error("cast file reopen failed", "session", f.id, "attempt", count, "error", err)
		return count >= maxCastIOFailures
	}

	f.mu.Lock()
	f.castErrCount = 0
	f.mu.Unlock()
	return false
}

func (f *Forwarder) openPTY() error {
	cmd := exec.Command(f.sess.Command[0], f.sess.Command[1:]...)
	cmd.Dir = f.sess.Cwd
	cmd.Env = mergeEnv(f.sess.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(f.sess.Rows),
		Cols: uint16(f.sess.Cols),
	})
	if err != nil {
		return fmt.Errorf("spawn pty: %w", err)
	}

	f.mu.Lock()
	f.ptmx = ptmx
	f.child = cmd
	f.mu.Unlock()
	return nil
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (f *Forwarder) failStartup(cause error) error {
	vtlog.For("forwarder").Error("startup failed", "session", f.id, "error", cause)
	code := -1
	f.mu.Lock()
	f.sess.Status = sessiondata.StatusExited
	f.sess.ExitCode = &code
	sessCopy := *f.sess
	f.mu.Unlock()
	sessCopy.Save(f.dir)
	f.notifier.Notify("session-monitor", "notification", map[string]any{
		"kind":      "session-exit",
		"sessionId": f.id,
		"error":     cause.Error(),
	})
	return cause
}

// watchStdin watches the stdin FIFO for writes via fsnotify instead of
// holding a blocking read loop open on a pipe with no writer, grounded
// on the pack's noppefoxwolf-vibetunnel port's startStdinWatcher.
func (f *Forwarder) watchStdin(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		vtlog.For("forwarder").Error("fsnotify init failed", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		vtlog.For("forwarder").Error("fsnotify watch failed", "error", err)
		return
	}

	fifoFile, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		vtlog.For("forwarder").Error("open stdin fifo failed", "error", err)
		return
	}
	defer fifoFile.Close()

	buf := make([]byte, 32*1024)
	drain := func() {
		for {
			n, err := fifoFile.Read(buf)
			if n > 0 {
				f.mu.Lock()
				ptmx := f.ptmx
				f.mu.Unlock()
				if ptmx != nil {
					ptmx.Write(buf[:n])
				}
				if f.castWriter != nil {
					f.castWriter.WriteInput(buf[:n])
				}
			}
			if err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == filepath.Clean(path) && event.Op&fsnotify.Write != 0 {
				drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			vtlog.For("forwarder").Warn("fsnotify error", "error", err)
		}
	}
}

func (f *Forwarder) readPTY(ctx context.Context) {
	defer f.beginExit("pty-eof", 0)

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f.mu.Lock()
		ptmx := f.ptmx
		f.mu.Unlock()
		if ptmx == nil {
			return
		}

		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if f.vt != nil {
				f.vt.Write(chunk)
			}
			if pubErr := f.fan.Publish(chunk); pubErr != nil {
				vtlog.For("forwarder").Error("cast writer publish failed", "session", f.id, "error", pubErr)
				if f.handleCastIOFailure() {
					f.beginExit("cast-io", -1)
					return
				}
			}
			for _, ev := range f.detector.Inspect(chunk, time.Now()) {
				f.notifier.Notify("session-monitor", "notification", map[string]any{
					"kind":      string(ev.Kind),
					"sessionId": f.id,
				})
			}
		}
		if err != nil {
			return
		}
	}
}
