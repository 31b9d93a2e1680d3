// Package integration shells out to external tools (git, test runners) for
// optional enrichment signals. Every failure here is non-fatal: callers
// treat errors as "signal unavailable" and fall back to neutral values.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// probeTimeout bounds every external invocation. Probes are best-effort;
// a hung subprocess must not stall a scoring pass.
const probeTimeout = 5 * time.Second

// GitClient provides read-only version-control signals for a repository.
type GitClient interface {
	// ChangedFiles returns the names of files changed since the given time.
	ChangedFiles(ctx context.Context, repoPath string, since time.Time) ([]string, error)
	// CommitCount returns the number of commits since the given time whose
	// message mentions the task id.
	CommitCount(ctx context.Context, repoPath, taskID string, since time.Time) (int, error)
}

type gitClient struct{}

// NewGitClient creates a GitClient that shells out to the git CLI.
func NewGitClient() GitClient {
	return gitClient{}
}

func (gitClient) ChangedFiles(ctx context.Context, repoPath string, since time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := runGit(ctx, repoPath,
		"log", "--since", since.Format(time.RFC3339), "--name-only", "--pretty=format:")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		files = append(files, line)
	}
	return files, nil
}

func (gitClient) CommitCount(ctx context.Context, repoPath, taskID string, since time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := runGit(ctx, repoPath,
		"log", "--since", since.Format(time.RFC3339), "--oneline", "--grep", taskID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count, nil
}

func runGit(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
