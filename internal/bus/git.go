package bus

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"voyager/internal/logging"
)

// GitCommitIntegration commits the mission workspace after each completed
// stage or cycle, preserving a per-turn history of agent artifacts.
type GitCommitIntegration struct {
	workspace string
	timeout   time.Duration
}

// NewGitCommitIntegration creates the git integration for workspace.
// Subprocess calls are bounded by timeout.
func NewGitCommitIntegration(workspace string, timeout time.Duration) *GitCommitIntegration {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitCommitIntegration{workspace: workspace, timeout: timeout}
}

func (g *GitCommitIntegration) Name() string       { return "git_commit" }
func (g *GitCommitIntegration) Priority() Priority { return PriorityHigh }

func (g *GitCommitIntegration) Subscriptions() []EventType {
	return []EventType{EventStageCompleted, EventCycleCompleted}
}

// Available requires a git binary and a repository at the workspace root.
func (g *GitCommitIntegration) Available() bool {
	if _, err := exec.LookPath("git"); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(g.workspace, ".git"))
	return err == nil
}

func (g *GitCommitIntegration) HandleEvent(ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if err := g.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}

	msg := fmt.Sprintf("voyager: %s", ev.Type)
	if ev.Stage != "" {
		msg = fmt.Sprintf("voyager: %s (%s)", ev.Type, ev.Stage)
	}

	if err := g.run(ctx, "commit", "-m", msg); err != nil {
		// Nothing staged is the common case; do not surface it as an error.
		if strings.Contains(err.Error(), "nothing to commit") {
			logging.BusDebug("git commit skipped: nothing to commit")
			return nil
		}
		return fmt.Errorf("git commit failed: %w", err)
	}

	logging.BusDebug("git commit created: %s", msg)
	return nil
}

func (g *GitCommitIntegration) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
