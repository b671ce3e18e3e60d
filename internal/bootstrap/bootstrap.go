package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gaspardpetit/vocero/internal/backoff"
	"github.com/gaspardpetit/vocero/internal/logx"
	"github.com/gaspardpetit/vocero/internal/metrics"
)

const defaultAttempts = 3

// criticalImports are the modules whose absence breaks the backend at
// startup. A zero installer exit is not trusted; these are imported with the
// environment interpreter after every install.
var criticalImports = []string{"huggingface_hub", "numpy", "soundfile", "mlx_audio"}

// Options configure the environment machine. VenvDir, VenvPython,
// FingerprintPath and RequirementsFile come from the application config.
type Options struct {
	// VenvDir is where the managed environment lives.
	VenvDir string
	// VenvPython is the interpreter path inside VenvDir.
	VenvPython string
	// FingerprintPath is where the manifest fingerprint is persisted.
	FingerprintPath string
	// RequirementsFile is the dependency manifest.
	RequirementsFile string
	// WheelsDir optionally holds pre-built wheels preferred during installs.
	WheelsDir string
	// BundledRuntime optionally points at an interpreter shipped with the
	// application. When present it is used as-is and nothing is provisioned.
	BundledRuntime string
	// Candidates overrides the interpreter search list.
	Candidates []string
	// Attempts bounds installer retries. Defaults to 3.
	Attempts int
	// OnState observes every state change.
	OnState func(State)
	// Runner executes external commands. Defaults to os/exec.
	Runner Runner
}

// Machine provisions and validates the python runtime environment. One
// instance exists per daemon; Run may be invoked again after a failure.
type Machine struct {
	opts Options
	wait func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	running bool
}

func New(opts Options) *Machine {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if len(opts.Candidates) == 0 {
		opts.Candidates = defaultCandidates()
	}
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	return &Machine{opts: opts, wait: sleepCtx, state: State{Stage: StageChecking}}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the last published state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run drives the machine to Ready or Failed and returns the terminal state.
// Every invocation starts over from Checking, so a failed run can be retried.
// Concurrent calls coalesce: while a run is in flight, Run returns the
// current state untouched.
func (m *Machine) Run(ctx context.Context) State {
	m.mu.Lock()
	if m.running {
		st := m.state
		m.mu.Unlock()
		return st
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	began := time.Now()
	st := m.run(ctx)
	m.setState(st)
	switch st.Stage {
	case StageReady:
		logx.Log.Info().Str("python", st.RuntimePath).Msg("Environment ready")
		metrics.RecordBootstrap("ready")
	case StageFailed:
		logx.Log.Error().Str("reason", st.Message).Msg("Environment setup failed")
		metrics.RecordBootstrap("failed")
	}
	metrics.ObserveBootstrapDuration(time.Since(began))
	return st
}

func (m *Machine) run(ctx context.Context) State {
	m.setState(State{Stage: StageChecking})

	if p := m.opts.BundledRuntime; p != "" {
		if _, err := os.Stat(p); err == nil {
			logx.Log.Info().Str("python", p).Msg("Using bundled runtime")
			return State{Stage: StageReady, RuntimePath: p}
		}
		logx.Log.Warn().Str("python", p).Msg("Bundled runtime missing; provisioning an environment")
	}

	manifest, err := os.ReadFile(m.opts.RequirementsFile)
	if err != nil {
		return State{Stage: StageFailed, Message: fmt.Sprintf("read dependency manifest: %v", err)}
	}
	want := Fingerprint(manifest)

	if m.venvPresent() {
		if m.storedFingerprint() == want {
			logx.Log.Info().Str("python", m.opts.VenvPython).Msg("Environment up to date")
			return State{Stage: StageReady, RuntimePath: m.opts.VenvPython}
		}
		if st, ok := m.repair(ctx, want); ok {
			return st
		}
	}

	return m.rebuild(ctx, manifest, want)
}

// repair attempts an in-place dependency update of an environment whose
// fingerprint is missing or stale. Any failure logs its cause and falls
// through to a full rebuild.
func (m *Machine) repair(ctx context.Context, want string) (State, bool) {
	logx.Log.Info().Str("python", m.opts.VenvPython).Msg("Environment stale; updating dependencies")
	m.setState(State{Stage: StageSettingUp, Phase: PhaseUpdatingDependencies})
	if err := m.pipInstall(ctx, nil); err != nil {
		logx.Log.Warn().Err(err).Msg("Dependency update failed; rebuilding environment")
		return State{}, false
	}
	if err := m.validateImports(ctx); err != nil {
		logx.Log.Warn().Err(err).Msg("Import check failed after update; rebuilding environment")
		return State{}, false
	}
	if err := m.persistFingerprint(want); err != nil {
		logx.Log.Warn().Err(err).Msg("Could not persist environment fingerprint; rebuilding environment")
		return State{}, false
	}
	return State{Stage: StageReady, RuntimePath: m.opts.VenvPython}, true
}

func (m *Machine) rebuild(ctx context.Context, manifest []byte, want string) State {
	if err := ctx.Err(); err != nil {
		return State{Stage: StageFailed, Message: err.Error()}
	}

	m.setState(State{Stage: StageSettingUp, Phase: PhaseLocatingRuntime})
	python, err := m.locatePython(ctx)
	if err != nil {
		return State{Stage: StageFailed, Message: err.Error()}
	}
	logx.Log.Info().Str("python", python).Msg("Selected interpreter")

	if err := os.RemoveAll(m.opts.VenvDir); err != nil {
		return State{Stage: StageFailed, Message: fmt.Sprintf("remove stale environment: %v", err)}
	}
	m.setState(State{Stage: StageSettingUp, Phase: PhaseCreatingEnvironment})
	if out, err := m.opts.Runner.Output(ctx, python, "-m", "venv", m.opts.VenvDir); err != nil {
		return State{Stage: StageFailed, Message: fmt.Sprintf("create environment: %v: %s", err, lastLine(out))}
	}
	if out, err := m.opts.Runner.Output(ctx, m.opts.VenvPython, "-m", "pip", "install", "--upgrade", "pip"); err != nil {
		return State{Stage: StageFailed, Message: fmt.Sprintf("upgrade pip: %v: %s", err, lastLine(out))}
	}

	total := CountRequirements(manifest)
	m.setState(State{Stage: StageSettingUp, Phase: PhaseInstallingDependencies, Total: total})
	seen := make(map[string]struct{})
	track := func(pkg string) {
		if _, dup := seen[pkg]; dup {
			return
		}
		seen[pkg] = struct{}{}
		m.setState(State{Stage: StageSettingUp, Phase: PhaseInstallingDependencies, Installed: len(seen), Total: total})
	}
	if err := m.pipInstall(ctx, track); err != nil {
		return State{Stage: StageFailed, Message: fmt.Sprintf("install dependencies: %v", err)}
	}
	if err := m.validateImports(ctx); err != nil {
		return State{Stage: StageFailed, Message: err.Error()}
	}
	if err := m.persistFingerprint(want); err != nil {
		return State{Stage: StageFailed, Message: fmt.Sprintf("persist environment fingerprint: %v", err)}
	}
	return State{Stage: StageReady, RuntimePath: m.opts.VenvPython}
}

// locatePython probes the candidate interpreters in preference order and
// returns the first one reporting a supported version.
func (m *Machine) locatePython(ctx context.Context) (string, error) {
	for _, cand := range m.opts.Candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := m.opts.Runner.Output(ctx, cand, "--version")
		if err != nil {
			logx.Log.Debug().Str("python", cand).Msg("Interpreter not present")
			continue
		}
		major, minor, ok := parsePythonVersion(out)
		if !ok || !versionSupported(major, minor) {
			logx.Log.Debug().Str("python", cand).Str("version", strings.TrimSpace(out)).Msg("Interpreter unsupported")
			continue
		}
		return cand, nil
	}
	return "", errors.New("no supported Python interpreter found; install Python 3.11, 3.12 or 3.13 (for example: brew install python@3.12)")
}

// defaultCandidates lists interpreters in preference order: versioned names
// on PATH, then the usual Homebrew and /usr/local install locations. The bare
// OS python3 is deliberately absent: on macOS running /usr/bin/python3 can
// pop the developer tools installer when invoked outside a terminal.
func defaultCandidates() []string {
	cands := []string{"python3.13", "python3.12", "python3.11"}
	for _, dir := range []string{"/opt/homebrew/bin", "/usr/local/bin"} {
		for _, ver := range []string{"3.13", "3.12", "3.11"} {
			cands = append(cands, filepath.Join(dir, "python"+ver))
		}
	}
	return cands
}

// pipInstall runs the manifest install with bounded retries. track, when set,
// receives each distinct package the installer reports as handled.
func (m *Machine) pipInstall(ctx context.Context, track func(string)) error {
	args := []string{"-m", "pip", "install"}
	if m.opts.WheelsDir != "" {
		if _, err := os.Stat(m.opts.WheelsDir); err == nil {
			args = append(args, "--find-links", m.opts.WheelsDir)
		}
	}
	args = append(args, "-r", m.opts.RequirementsFile)

	onLine := func(line string) {
		logx.Log.Debug().Str("component", "pip").Msg(line)
		if track == nil {
			return
		}
		if pkg, ok := parseInstallerLine(line); ok {
			track(pkg)
		}
	}

	var lastErr error
	for attempt := 0; attempt < m.opts.Attempts; attempt++ {
		if attempt > 0 {
			delay := backoff.Delay(attempt - 1)
			logx.Log.Warn().Err(lastErr).Dur("retry_in", delay).Msg("Dependency install failed; retrying")
			if err := m.wait(ctx, delay); err != nil {
				return err
			}
		}
		if lastErr = m.opts.Runner.Stream(ctx, onLine, m.opts.VenvPython, args...); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// validateImports loads the backend's core modules with the environment
// interpreter.
func (m *Machine) validateImports(ctx context.Context) error {
	stmt := "import " + strings.Join(criticalImports, ", ")
	if out, err := m.opts.Runner.Output(ctx, m.opts.VenvPython, "-c", stmt); err != nil {
		return fmt.Errorf("environment import check failed: %v: %s", err, lastLine(out))
	}
	return nil
}

func (m *Machine) venvPresent() bool {
	_, err := os.Stat(m.opts.VenvPython)
	return err == nil
}

func (m *Machine) storedFingerprint() string {
	b, err := os.ReadFile(m.opts.FingerprintPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// persistFingerprint records the fingerprint of the manifest that was
// actually installed, not a re-read of the file.
func (m *Machine) persistFingerprint(want string) error {
	return os.WriteFile(m.opts.FingerprintPath, []byte(want+"\n"), 0o644)
}

func (m *Machine) setState(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	evt := logx.Log.Info()
	if st.Phase == PhaseInstallingDependencies && st.Installed > 0 {
		evt = logx.Log.Debug()
	}
	evt.Str("state", st.String()).Msg("Environment state")
	if m.opts.OnState != nil {
		m.opts.OnState(st)
	}
}

// lastLine extracts the most informative line of a failed command's output.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
