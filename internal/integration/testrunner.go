package integration

import (
	"context"
	"os/exec"
	"time"
)

// testRunTimeout caps a best-effort test invocation. A slow suite is
// reported as unavailable, not as a task failure.
const testRunTimeout = 30 * time.Second

// TestRunner invokes the project's test command and reports whether it
// passed. Any invocation problem means "tests unavailable".
type TestRunner interface {
	Run(ctx context.Context, repoPath string) (passed bool, err error)
}

type execTestRunner struct {
	command string
	args    []string
}

// NewTestRunner creates a TestRunner for the given command line. An empty
// command disables the runner (Run always reports unavailable).
func NewTestRunner(command string, args ...string) TestRunner {
	return &execTestRunner{command: command, args: args}
}

func (r *execTestRunner) Run(ctx context.Context, repoPath string) (bool, error) {
	if r.command == "" {
		return false, context.Canceled
	}

	ctx, cancel := context.WithTimeout(ctx, testRunTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Dir = repoPath
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil // ran to completion, tests failed
		}
		return false, err // could not run at all
	}
	return true, nil
}
