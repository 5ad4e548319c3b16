package diff

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultContextLines is the -U value used for audit diffs.
const DefaultContextLines = 3

// Git reads branches and diffs from a local checkout by shelling out to git.
type Git struct {
	Binary       string
	ContextLines int
	Logger       *slog.Logger
}

// NewGit returns a Git source with default settings.
func NewGit(logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{Binary: "git", ContextLines: DefaultContextLines, Logger: logger}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("git %s: %w", args[0], err)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return string(out), nil
}

// BaseBranch returns the remote's default branch, e.g. "main", from
// refs/remotes/origin/HEAD.
func (g *Git) BaseBranch(ctx context.Context, workDir string) (string, error) {
	out, err := g.run(ctx, workDir, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(out)
	return strings.TrimPrefix(ref, "origin/"), nil
}

// ChangedFiles lists paths changed on HEAD since it diverged from base.
func (g *Git) ChangedFiles(ctx context.Context, workDir, base string) ([]string, error) {
	out, err := g.run(ctx, workDir, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	g.Logger.Debug("changed files", "work_dir", workDir, "base", base, "count", len(files))
	return files, nil
}

// Diff returns the unified diff of files between base and HEAD.
func (g *Git) Diff(ctx context.Context, workDir, base string, files []string) (string, error) {
	args := []string{"diff", fmt.Sprintf("-U%d", g.contextLines()), base + "...HEAD"}
	if len(files) > 0 {
		args = append(args, "--")
		args = append(args, files...)
	}
	return g.run(ctx, workDir, args...)
}

func (g *Git) contextLines() int {
	if g.ContextLines < 0 {
		return DefaultContextLines
	}
	return g.ContextLines
}
