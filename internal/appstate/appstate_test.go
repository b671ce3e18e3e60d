package appstate

import (
	"testing"
	"time"

	"github.com/gaspardpetit/vocero/internal/bootstrap"
	"github.com/gaspardpetit/vocero/internal/bridge"
)

func TestSnapshotIsolated(t *testing.T) {
	s := New()
	s.SetModel("pro_custom")
	snap := s.Snapshot()
	s.SetModel("pro_design")
	if snap.Model != "pro_custom" {
		t.Errorf("snapshot should not change after the fact, got %q", snap.Model)
	}
	if got := s.Snapshot().Model; got != "pro_design" {
		t.Errorf("model: got %q", got)
	}
}

func TestBackendStoppedClearsDerivedState(t *testing.T) {
	s := New()
	s.SetBackendRunning(true)
	s.SetBackendReady("1.0.0")
	s.SetModel("pro_clone")
	s.SetProgress(&bridge.Progress{Percent: 40, Message: "Generating audio..."})

	s.SetBackendRunning(false)
	snap := s.Snapshot()
	if snap.Backend.Ready || snap.Backend.Version != "" {
		t.Errorf("readiness should clear with the process, got %+v", snap.Backend)
	}
	if snap.Model != "" || snap.Progress != nil {
		t.Errorf("model and progress should clear with the process, got %+v", snap)
	}
}

func TestSubscribeNotifies(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.SetEnvState(bootstrap.State{Stage: bootstrap.StageReady, RuntimePath: "/py"})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no tick after state change")
	}

	// Bursts collapse into at least one pending tick.
	s.SetModel("a")
	s.SetModel("b")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no tick after burst")
	}
}

func TestUnsubscribeStopsTicks(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	cancel()
	s.SetModel("pro_custom")
	select {
	case <-ch:
		t.Fatal("tick after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}
