package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaspardpetit/vocero/internal/bridge"
	"github.com/gaspardpetit/vocero/internal/lineio"
	"github.com/gaspardpetit/vocero/internal/logx"
	"github.com/gaspardpetit/vocero/internal/metrics"
)

// passthroughEnv lists host variables the backend inherits. Everything else
// is withheld; the backend gets an explicit, controlled environment.
var passthroughEnv = []string{"HOME", "PATH", "TMPDIR", "USER", "LANG", "HF_HOME", "HF_HUB_OFFLINE"}

// ExitInfo describes one backend process exit.
type ExitInfo struct {
	Code    int
	Stopped bool
	Err     error
}

// Options configures a Supervisor.
type Options struct {
	// FFmpegPath is handed to the backend for media conversion. Empty means
	// the backend falls back to its own PATH lookup.
	FFmpegPath string
	// StopGrace is the delay between SIGTERM and SIGKILL on Stop.
	StopGrace time.Duration
	// OnExit is invoked from the watcher goroutine after any process exit.
	OnExit func(ExitInfo)
}

// Supervisor owns the backend child process: it launches the process with a
// controlled environment, wires its pipes into the engine, and detects
// termination. It performs no restarts; once the process dies the bridge is
// unusable until Start is called again.
type Supervisor struct {
	engine *bridge.Engine
	opts   Options

	mu   sync.Mutex
	proc *proc
}

type proc struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	alive   atomic.Bool
	stopped atomic.Bool
	tail    *stderrTail
}

// New constructs a Supervisor bound to the given engine.
func New(engine *bridge.Engine, opts Options) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Supervisor{engine: engine, opts: opts}
}

// IsRunning reports whether a live backend process exists.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && s.proc.alive.Load()
}

// LastStderr returns the retained tail of the backend's error stream, for
// diagnostics after a crash.
func (s *Supervisor) LastStderr() string {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil {
		return ""
	}
	return p.tail.String()
}

// Start launches the backend with the given runtime and entry script. A
// no-op when a live process already exists. On success the engine owns the
// process's stdio pipes.
func (s *Supervisor) Start(runtimePath, entryScript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil && s.proc.alive.Load() {
		return nil
	}

	if _, err := os.Stat(runtimePath); err != nil {
		return fmt.Errorf("runtime not found: %w", err)
	}
	if _, err := os.Stat(entryScript); err != nil {
		return fmt.Errorf("entry script not found: %w", err)
	}

	cmd := exec.Command(runtimePath, entryScript)
	cmd.Env = s.buildEnv()
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("wire stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("wire stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("wire stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn backend: %w", err)
	}

	p := &proc{cmd: cmd, stdin: stdin, tail: newStderrTail(32)}
	p.alive.Store(true)
	s.proc = p

	if err := s.engine.Attach(stdin, stdout); err != nil {
		// A dead engine connection should have been detached by its own
		// watcher; treat this as a startup failure and reap the child.
		_ = cmd.Process.Kill()
		go func() { _ = cmd.Wait() }()
		p.alive.Store(false)
		s.proc = nil
		return fmt.Errorf("attach engine: %w", err)
	}

	go s.drainStderr(p, stderr)
	go s.watch(p)

	metrics.RecordBackendStart()
	logx.Log.Info().Str("runtime", runtimePath).Str("script", entryScript).Int("pid", cmd.Process.Pid).Msg("backend started")
	return nil
}

// Stop requests graceful termination. Always safe to call; it cancels all
// pending calls, closes the backend's stdin, signals the process group, and
// returns without waiting for exit. A kill follows after the grace period if
// the process lingers.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()
	if p == nil || !p.alive.Load() {
		return
	}
	p.stopped.Store(true)

	s.engine.CancelAll(bridge.ErrTerminated)
	// Closing stdin lets the backend's read loop finish cleanly.
	_ = p.stdin.Close()

	pid := p.cmd.Process.Pid
	terminate(p.cmd)
	time.AfterFunc(s.opts.StopGrace, func() {
		if p.alive.Load() {
			logx.Log.Warn().Int("pid", pid).Msg("backend ignored termination, killing")
			kill(p.cmd)
		}
	})
	logx.Log.Info().Int("pid", pid).Msg("backend stop requested")
}

// watch blocks on process exit, then marks the handle dead and cancels every
// in flight call so no caller waits on a disappeared process.
func (s *Supervisor) watch(p *proc) {
	err := p.cmd.Wait()
	p.alive.Store(false)

	info := ExitInfo{Stopped: p.stopped.Load(), Err: err}
	if ee, ok := err.(*exec.ExitError); ok {
		info.Code = ee.ExitCode()
	}

	cause := bridge.ErrTerminated
	if err != nil {
		cause = fmt.Errorf("%w: %v", bridge.ErrTerminated, err)
	}
	s.engine.Detach(cause)

	if info.Stopped {
		metrics.RecordBackendExit("stopped")
		logx.Log.Info().Int("code", info.Code).Msg("backend exited")
	} else {
		metrics.RecordBackendExit("crashed")
		tail := p.tail.String()
		logx.Log.Error().Int("code", info.Code).Str("stderr", tail).Msg("backend exited unexpectedly")
	}
	if s.opts.OnExit != nil {
		s.opts.OnExit(info)
	}
}

func (s *Supervisor) drainStderr(p *proc, r io.Reader) {
	for line := range lineio.ReadLines(r) {
		p.tail.Add(line)
		logx.Log.Debug().Str("component", "backend").Msg(line)
	}
}

// buildEnv assembles the backend's environment: a passthrough allowlist plus
// the variables the protocol requires.
func (s *Supervisor) buildEnv() []string {
	vars := make([]string, 0, len(passthroughEnv)+2)
	vars = append(vars, passthroughEnv...)
	vars = append(vars, "PYTHONUNBUFFERED=1")
	if s.opts.FFmpegPath != "" {
		vars = append(vars, "VOCERO_FFMPEG_PATH="+s.opts.FFmpegPath)
	}
	return expandEnv(vars)
}

// expandEnv turns a mixed list of "KEY" passthrough names and explicit
// "KEY=value" entries into a complete environment.
func expandEnv(vars []string) []string {
	var out []string
	for _, v := range vars {
		if strings.Contains(v, "=") {
			out = append(out, v)
			continue
		}
		if val, ok := os.LookupEnv(v); ok {
			out = append(out, fmt.Sprintf("%s=%s", v, val))
		}
	}
	return out
}

// stderrTail retains the last lines of the backend's error stream.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
