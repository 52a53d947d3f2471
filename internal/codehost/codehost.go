// Package codehost shells over the code-host CLI (`gh`) to list,
// create, close, and merge pull requests. It is a thin,
// soft-failing wrapper: every call is time-bounded and any error is
// caught and reported as a boolean/ok result, never propagated as
// fatal, so the Manager's tick can always continue to its next step.
package codehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/dustin/go-humanize"
)

// PullRequest is the subset of `gh pr` JSON fields the core consumes.
type PullRequest struct {
	Number      int       `json:"number"`
	HeadRefName string    `json:"headRefName"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"createdAt"`
	MergedAt    time.Time `json:"mergedAt"`
	ClosedAt    time.Time `json:"closedAt"`
}

// Gateway shells to the `gh` CLI in a given repo directory.
type Gateway struct {
	// Timeout bounds every shell-out call.
	Timeout time.Duration
	logger  *slog.Logger
}

// New returns a Gateway with the given per-call timeout.
func New(timeout time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{Timeout: timeout, logger: logger}
}

func (g *Gateway) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", args...) // #nosec G204 -- args are built from internal fields, not raw user input
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("codehost: gh %v: %w: %s", args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ListOpenPRs lists open PRs for the repo at repoDir. repoSlug, when
// non-empty, is passed as `--repo` to target a different slug than the
// one `gh` would infer from repoDir's git remote.
func (g *Gateway) ListOpenPRs(ctx context.Context, repoDir, repoSlug string) ([]PullRequest, error) {
	return g.listPRs(ctx, repoDir, repoSlug, "open", 0)
}

// ListMergedPRs lists up to limit merged PRs, most recently merged first.
func (g *Gateway) ListMergedPRs(ctx context.Context, repoDir, repoSlug string, limit int) ([]PullRequest, error) {
	return g.listPRs(ctx, repoDir, repoSlug, "merged", limit)
}

// ListClosedPRs lists up to limit closed (not merged) PRs.
func (g *Gateway) ListClosedPRs(ctx context.Context, repoDir string, limit int) ([]PullRequest, error) {
	return g.listPRs(ctx, repoDir, "", "closed", limit)
}

func (g *Gateway) listPRs(ctx context.Context, repoDir, repoSlug, state string, limit int) ([]PullRequest, error) {
	args := []string{"pr", "list", "--state", state, "--json", "number,headRefName,url,title,createdAt,mergedAt,closedAt"}
	if repoSlug != "" {
		args = append(args, "--repo", repoSlug)
	}
	if limit > 0 {
		args = append(args, "--limit", fmt.Sprint(limit))
	}
	out, err := g.run(ctx, repoDir, args...)
	if err != nil {
		g.logger.Warn("codehost: list PRs failed", "state", state, "error", err)
		return nil, err
	}
	var prs []PullRequest
	if err := json.Unmarshal(out, &prs); err != nil {
		return nil, fmt.Errorf("codehost: decode pr list: %w", err)
	}
	return prs, nil
}

// ClosePR closes a PR. Failure is soft: it is logged and reported as
// false, never returned as an error.
func (g *Gateway) ClosePR(ctx context.Context, repoDir string, number int) bool {
	_, err := g.run(ctx, repoDir, "pr", "close", fmt.Sprint(number))
	if err != nil {
		g.logger.Warn("codehost: close PR failed", "number", number, "error", err)
		return false
	}
	return true
}

// CreatePR opens a PR from head into base. If the host reports an
// existing PR for the branch, that PR is returned instead of erroring.
func (g *Gateway) CreatePR(ctx context.Context, repoDir, head, base, title, body string) (PullRequest, error) {
	out, err := g.run(ctx, repoDir, "pr", "create", "--head", head, "--base", base, "--title", title, "--body", body, "--json", "number,headRefName,url,title,createdAt")
	if err != nil {
		if existing, findErr := g.findPRForBranch(ctx, repoDir, head); findErr == nil {
			return existing, nil
		}
		return PullRequest{}, err
	}
	var pr PullRequest
	if err := json.Unmarshal(out, &pr); err != nil {
		return PullRequest{}, fmt.Errorf("codehost: decode created pr: %w", err)
	}
	return pr, nil
}

func (g *Gateway) findPRForBranch(ctx context.Context, repoDir, head string) (PullRequest, error) {
	out, err := g.run(ctx, repoDir, "pr", "view", head, "--json", "number,headRefName,url,title,createdAt")
	if err != nil {
		return PullRequest{}, err
	}
	var pr PullRequest
	if err := json.Unmarshal(out, &pr); err != nil {
		return PullRequest{}, fmt.Errorf("codehost: decode existing pr: %w", err)
	}
	return pr, nil
}

// MergePR merges a PR using the given strategy ("merge", "squash",
// "rebase"). Failure is soft: logged and reported as false.
func (g *Gateway) MergePR(ctx context.Context, repoDir string, number int, strategy string) bool {
	flag := "--merge"
	switch strategy {
	case "squash":
		flag = "--squash"
	case "rebase":
		flag = "--rebase"
	}
	_, err := g.run(ctx, repoDir, "pr", "merge", fmt.Sprint(number), flag, "--delete-branch")
	if err != nil {
		g.logger.Warn("codehost: merge PR failed", "number", number, "error", err)
		return false
	}
	return true
}

// IsOlderThan reports whether a PR's CreatedAt is older than maxAge
// at the given instant, used by the Manager's PR-sync age-skip step.
// The humanized age is returned for operator-facing log lines.
func IsOlderThan(pr PullRequest, maxAge time.Duration, now time.Time) (bool, string) {
	return now.Sub(pr.CreatedAt) > maxAge, humanize.RelTime(pr.CreatedAt, now, "ago", "from now")
}
