package bootstrap

import "fmt"

// Stage is the coarse condition of the managed environment.
type Stage string

const (
	StageChecking  Stage = "checking"
	StageSettingUp Stage = "setting_up"
	StageReady     Stage = "ready"
	StageFailed    Stage = "failed"
)

// Phase narrows StageSettingUp to the step currently running.
type Phase string

const (
	PhaseNone                   Phase = ""
	PhaseLocatingRuntime        Phase = "locating_runtime"
	PhaseCreatingEnvironment    Phase = "creating_environment"
	PhaseInstallingDependencies Phase = "installing_dependencies"
	PhaseUpdatingDependencies   Phase = "updating_dependencies"
)

// State is one observation of the environment machine. Installed and Total
// carry install progress during PhaseInstallingDependencies, RuntimePath is
// set on StageReady and Message on StageFailed.
type State struct {
	Stage       Stage  `json:"stage"`
	Phase       Phase  `json:"phase,omitempty"`
	Installed   int    `json:"installed,omitempty"`
	Total       int    `json:"total,omitempty"`
	RuntimePath string `json:"runtime,omitempty"`
	Message     string `json:"message,omitempty"`
}

// IsReady reports whether the environment is usable.
func (s State) IsReady() bool { return s.Stage == StageReady }

func (s State) String() string {
	switch s.Stage {
	case StageSettingUp:
		if s.Phase == PhaseInstallingDependencies && s.Total > 0 {
			return fmt.Sprintf("%s(%s %d/%d)", s.Stage, s.Phase, s.Installed, s.Total)
		}
		return fmt.Sprintf("%s(%s)", s.Stage, s.Phase)
	case StageFailed:
		return fmt.Sprintf("%s: %s", s.Stage, s.Message)
	}
	return string(s.Stage)
}
