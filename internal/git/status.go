// Package git captures working tree state for session binding and
// checkpoint snapshots. All functions degrade to empty results outside a
// git repository.
package git

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/savecontext/savecontext/internal/types"
)

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// CurrentBranch returns the checked-out branch, or "" outside a repo or on
// a detached HEAD.
func CurrentBranch(ctx context.Context, dir string) string {
	branch, err := run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || branch == "HEAD" {
		return ""
	}
	return branch
}

// Status snapshots the working tree: branch, changed files by state, and
// the staged diff. Returns an empty snapshot outside a repo.
func Status(ctx context.Context, dir string) *types.GitStatus {
	status := &types.GitStatus{Branch: CurrentBranch(ctx, dir)}

	porcelain, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return status
	}
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		code, file := line[:2], line[3:]
		switch {
		case code == "??":
			status.Untracked = append(status.Untracked, file)
		case strings.ContainsAny(code, "D"):
			status.Deleted = append(status.Deleted, file)
		case strings.ContainsAny(code, "A"):
			status.Added = append(status.Added, file)
		default:
			status.Modified = append(status.Modified, file)
		}
	}

	if diff, err := run(ctx, dir, "diff", "--cached", "--stat"); err == nil {
		status.StagedDiff = diff
	}
	return status
}

// Summarize renders a short one-line description like "3 modified, 1 added"
// for checkpoint records.
func Summarize(status *types.GitStatus) string {
	if status == nil {
		return ""
	}
	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, strconv.Itoa(n)+" "+label)
		}
	}
	add(len(status.Modified), "modified")
	add(len(status.Added), "added")
	add(len(status.Deleted), "deleted")
	add(len(status.Untracked), "untracked")
	if len(parts) == 0 {
		return "clean"
	}
	return strings.Join(parts, ", ")
}
