package bootstrap

import (
	"context"
	"io"
	"os/exec"

	"github.com/gaspardpetit/vocero/internal/lineio"
)

// Runner executes external provisioning commands. Tests substitute a scripted
// implementation.
type Runner interface {
	// Output runs a command to completion and returns its combined output.
	Output(ctx context.Context, name string, args ...string) (string, error)
	// Stream runs a command and delivers each output line as it is produced.
	Stream(ctx context.Context, onLine func(string), name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

func (execRunner) Stream(ctx context.Context, onLine func(string), name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range lineio.ReadLines(pr) {
			onLine(line)
		}
	}()
	err := cmd.Wait()
	pw.Close()
	<-done
	return err
}
