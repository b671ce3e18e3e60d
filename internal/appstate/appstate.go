package appstate

import (
	"sync"
	"time"

	"github.com/gaspardpetit/vocero/internal/bootstrap"
	"github.com/gaspardpetit/vocero/internal/bridge"
)

// VersionInfo is the daemon build metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// BackendState is the observable condition of the inference child process.
type BackendState struct {
	Running  bool   `json:"running"`
	Ready    bool   `json:"ready"`
	Version  string `json:"version,omitempty"`
	LastExit string `json:"last_exit,omitempty"`
}

// Snapshot is one consistent observation of the application.
type Snapshot struct {
	Version   VersionInfo      `json:"version"`
	Env       bootstrap.State  `json:"env"`
	Backend   BackendState     `json:"backend"`
	Model     string           `json:"model,omitempty"`
	Progress  *bridge.Progress `json:"progress,omitempty"`
	StartedAt time.Time        `json:"started_at"`
}

// Store holds the observable application state. It is constructed once in the
// daemon and injected; writers are the bootstrap machine, the supervisor and
// the engine observer, readers are the control plane handlers.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot

	subMu sync.Mutex
	subs  map[int]chan struct{}
	next  int
}

func New() *Store {
	return &Store{
		snap: Snapshot{
			Version:   VersionInfo{Version: "dev", BuildSHA: "unknown", BuildDate: "unknown"},
			Env:       bootstrap.State{Stage: bootstrap.StageChecking},
			StartedAt: time.Now(),
		},
		subs: make(map[int]chan struct{}),
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe returns a channel that receives a tick after every state change,
// plus a cancel function. Ticks collapse: a slow reader sees at least one tick
// per burst of changes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) SetBuildInfo(version, sha, date string) {
	s.mu.Lock()
	s.snap.Version = VersionInfo{Version: version, BuildSHA: sha, BuildDate: date}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) GetVersionInfo() VersionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Version
}

func (s *Store) SetEnvState(st bootstrap.State) {
	s.mu.Lock()
	s.snap.Env = st
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetBackendRunning(running bool) {
	s.mu.Lock()
	s.snap.Backend.Running = running
	if !running {
		s.snap.Backend.Ready = false
		s.snap.Backend.Version = ""
		s.snap.Model = ""
		s.snap.Progress = nil
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetBackendReady(version string) {
	s.mu.Lock()
	s.snap.Backend.Ready = true
	s.snap.Backend.Version = version
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetBackendExit(desc string) {
	s.mu.Lock()
	s.snap.Backend.LastExit = desc
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetModel(id string) {
	s.mu.Lock()
	s.snap.Model = id
	s.mu.Unlock()
	s.notify()
}

func (s *Store) SetProgress(p *bridge.Progress) {
	s.mu.Lock()
	s.snap.Progress = p
	s.mu.Unlock()
	s.notify()
}
