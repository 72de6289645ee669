// Package workspace prepares one isolated clone and git branch per session.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/plonhq/plon-orchestrator/internal/domain"
)

// maxBranchAttempts bounds the numeric-suffix search when the branch name
// collides with an existing remote branch.
const maxBranchAttempts = 20

// Workspace is an isolated directory, clone, and branch for one session
type Workspace struct {
	Dir    string
	Branch string
}

// Manager creates and releases session workspaces under a root directory.
// No two sessions may hold the same workspace directory concurrently.
type Manager struct {
	root string

	mu    sync.Mutex
	inUse map[string]bool
}

// NewManager creates a Manager rooted at dir
func NewManager(root string) *Manager {
	return &Manager{
		root:  root,
		inUse: make(map[string]bool),
	}
}

// BranchName returns the session branch name for a task
func BranchName(task domain.TaskSnapshot) string {
	return fmt.Sprintf("claude/%s-%s", task.ShortID(), task.Slug())
}

// DirName returns the workspace directory name for a task
func DirName(task domain.TaskSnapshot) string {
	return fmt.Sprintf("task-%s-%s", task.ShortID(), task.Slug())
}

// Prepare clones the repository into the task's workspace directory and
// creates the session branch. A stale directory left by a previous failed
// run is deleted before reuse. If the branch name collides with an
// existing remote branch, a deterministic numeric suffix (-2, -3, ...) is
// appended; the search is bounded by maxBranchAttempts.
func (m *Manager) Prepare(ctx context.Context, cfg *domain.AgentConfig, task domain.TaskSnapshot) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, &domain.WorkspaceError{Op: "mkdir", Err: err}
	}

	dir := filepath.Join(m.root, DirName(task))
	if err := m.acquire(dir); err != nil {
		return nil, err
	}

	ws, err := m.prepare(ctx, cfg, task, dir)
	if err != nil {
		m.release(dir)
		return nil, err
	}
	return ws, nil
}

func (m *Manager) prepare(ctx context.Context, cfg *domain.AgentConfig, task domain.TaskSnapshot, dir string) (*Workspace, error) {
	// stale leftover from a previous failed run
	if err := os.RemoveAll(dir); err != nil {
		return nil, &domain.WorkspaceError{Op: "cleanup", Err: err}
	}

	cloneCmd := exec.CommandContext(ctx, "git", "clone", cfg.RepoCloneURL(), dir)
	if out, err := cloneCmd.CombinedOutput(); err != nil {
		return nil, &domain.WorkspaceError{Op: "clone", Err: fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)}
	}

	// Base branch checkout is best effort; the clone's HEAD is the
	// fallback when the configured base does not exist locally.
	checkout := exec.CommandContext(ctx, "git", "checkout", cfg.BaseBranch)
	checkout.Dir = dir
	checkout.Run()

	branch, err := m.pickBranch(ctx, dir, BranchName(task))
	if err != nil {
		return nil, err
	}

	branchCmd := exec.CommandContext(ctx, "git", "checkout", "-b", branch)
	branchCmd.Dir = dir
	if out, err := branchCmd.CombinedOutput(); err != nil {
		return nil, &domain.WorkspaceError{Op: "branch", Err: fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err)}
	}

	return &Workspace{Dir: dir, Branch: branch}, nil
}

// pickBranch returns the first non-colliding branch name: the base name,
// then base-2, base-3, up to maxBranchAttempts.
func (m *Manager) pickBranch(ctx context.Context, dir, base string) (string, error) {
	for i := 1; i <= maxBranchAttempts; i++ {
		candidate := base
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d", base, i)
		}
		exists, err := remoteBranchExists(ctx, dir, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", &domain.WorkspaceError{Op: "branch", Err: fmt.Errorf("no free branch name for %s after %d attempts", base, maxBranchAttempts)}
}

func remoteBranchExists(ctx context.Context, dir, branch string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", "--heads", "origin", branch)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return false, &domain.WorkspaceError{Op: "ls-remote", Err: err}
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// Release frees the workspace directory for reuse by a later session.
// The directory itself is kept; the next Prepare deletes it.
func (m *Manager) Release(ws *Workspace) {
	if ws != nil {
		m.release(ws.Dir)
	}
}

// Remove deletes the workspace directory and frees it
func (m *Manager) Remove(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	defer m.release(ws.Dir)
	if err := os.RemoveAll(ws.Dir); err != nil {
		return &domain.WorkspaceError{Op: "remove", Err: err}
	}
	return nil
}

func (m *Manager) acquire(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inUse[dir] {
		return &domain.WorkspaceError{Op: "acquire", Err: fmt.Errorf("workspace directory %s already in use", dir)}
	}
	m.inUse[dir] = true
	return nil
}

func (m *Manager) release(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inUse, dir)
}
