//go:build windows

package supervisor

import "os/exec"

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no SIGTERM; both paths end the process outright.
func terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
