// Package worktree creates and removes the dedicated git working tree
// each agent develops in: a tree at repos/<team_id>-<agent_id>
// tracking branch agent/<agent_id>.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// Manager creates worktrees for agents rooted under workspaceRoot/repos.
type Manager struct {
	workspaceRoot string
}

// New returns a Manager rooting every created worktree under
// workspaceRoot/repos.
func New(workspaceRoot string) *Manager {
	return &Manager{workspaceRoot: workspaceRoot}
}

// BranchName returns the dedicated branch an agent's worktree tracks.
func BranchName(agentID string) string {
	return "agent/" + agentID
}

// Create creates (or, on a naming collision, attaches to) a worktree
// for agentID at repos/<teamID>-<agentID>, tracking branch
// agent/<agentID> off repoPath's current branch. It returns the
// absolute worktree path.
func (m *Manager) Create(ctx context.Context, agentID, teamID, repoPath string) (string, error) {
	dirName := fmt.Sprintf("%s-%s", teamID, agentID)
	worktreePath := filepath.Join(m.workspaceRoot, "repos", dirName)
	absPath, err := filepath.Abs(worktreePath)
	if err != nil {
		return "", fmt.Errorf("worktree: resolve path for %s: %w", dirName, err)
	}

	if _, err := os.Stat(absPath); err == nil {
		// Already created (e.g. a prior spawn attempt that died after
		// creating the worktree but before persisting the agent row).
		return absPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o750); err != nil {
		return "", fmt.Errorf("worktree: create parent dir for %s: %w", dirName, err)
	}

	branch := BranchName(agentID)
	if m.branchExists(ctx, repoPath, branch) {
		// Collision: branch already exists (a previous worktree for
		// the same agent id was removed but the branch survived).
		// Attach rather than fail.
		if err := m.runGit(ctx, repoPath, "worktree", "add", absPath, branch); err != nil {
			return "", fmt.Errorf("worktree: attach existing branch %s: %w", branch, err)
		}
		return absPath, nil
	}

	if err := m.runGit(ctx, repoPath, "worktree", "add", "-b", branch, absPath); err != nil {
		// A second collision mode: the directory didn't exist but git
		// still refused the branch name (e.g. a stale lockfile from a
		// crashed worktree add). Disambiguate the branch and retry once.
		altBranch := branch + "-" + uuid.NewString()[:8]
		if retryErr := m.runGit(ctx, repoPath, "worktree", "add", "-b", altBranch, absPath); retryErr != nil {
			return "", fmt.Errorf("worktree: create %s: %w (retry with %s also failed: %v)", dirName, err, altBranch, retryErr)
		}
	}

	return absPath, nil
}

// Remove best-effort destroys a worktree: it never returns an error
// the caller must treat as fatal;
// the caller inspects the returned error only to decide whether to
// emit a WORKTREE_REMOVAL_FAILED event.
func (m *Manager) Remove(ctx context.Context, worktreePath string) error {
	if worktreePath == "" {
		return nil
	}
	if err := m.runGit(ctx, worktreePath, "worktree", "remove", "--force", worktreePath); err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("worktree: remove %s: git failed (%v) and rm failed: %w", worktreePath, err, rmErr)
		}
	}
	return nil
}

func (m *Manager) branchExists(ctx context.Context, repoPath, branch string) bool {
	return m.runGit(ctx, repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch) == nil
}

func (m *Manager) runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...) // #nosec G204 -- args built from internal fields/branch names, not raw user input
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return nil
}
