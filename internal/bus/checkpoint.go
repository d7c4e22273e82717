package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"voyager/internal/logging"
)

// CheckpointIntegration snapshots the mission record after every stage,
// cycle, and mission completion so a crashed run can resume from the last
// known-good state.
type CheckpointIntegration struct {
	missionPath    string
	checkpointsDir string

	mu      sync.Mutex
	counter int
}

// NewCheckpointIntegration creates the checkpoint integration. missionPath
// is the mission JSON file; checkpoints land in checkpointsDir.
func NewCheckpointIntegration(missionPath, checkpointsDir string) *CheckpointIntegration {
	return &CheckpointIntegration{
		missionPath:    missionPath,
		checkpointsDir: checkpointsDir,
	}
}

func (c *CheckpointIntegration) Name() string       { return "checkpoint" }
func (c *CheckpointIntegration) Priority() Priority { return PriorityCritical }

func (c *CheckpointIntegration) Subscriptions() []EventType {
	return []EventType{EventStageCompleted, EventCycleCompleted, EventMissionCompleted}
}

// Available requires the mission record to exist on disk.
func (c *CheckpointIntegration) Available() bool {
	_, err := os.Stat(c.missionPath)
	return err == nil
}

func (c *CheckpointIntegration) HandleEvent(ev Event) error {
	data, err := os.ReadFile(c.missionPath)
	if err != nil {
		return fmt.Errorf("failed to read mission record: %w", err)
	}

	if err := os.MkdirAll(c.checkpointsDir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoints dir: %w", err)
	}

	c.mu.Lock()
	c.counter++
	n := c.counter
	c.mu.Unlock()

	name := fmt.Sprintf("%s_%04d.json", sanitizeID(ev.MissionID), n)
	path := filepath.Join(c.checkpointsDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	logging.BusDebug("checkpoint %s written after %s", name, ev.Type)
	return nil
}

func sanitizeID(id string) string {
	if id == "" {
		return "mission"
	}
	return id
}

// checkpointView is the subset of the mission record the recovery note
// needs. Kept local so bus does not import the mission package.
type checkpointView struct {
	MissionID    string `json:"mission_id"`
	CurrentStage string `json:"current_stage"`
	Iteration    int    `json:"iteration"`
	CurrentCycle int    `json:"current_cycle"`
	CycleBudget  int    `json:"cycle_budget"`
	LastUpdated  string `json:"last_updated"`
}

// RecoveryProvider exposes a crash-recovery note derived from the newest
// checkpoint. The prompt factory splices the note into the next prompt so
// the agent knows it is resuming after an interruption.
type RecoveryProvider struct {
	checkpointsDir string

	// sessionStart gates the note: checkpoints written by the current
	// process are not crash evidence.
	sessionStart time.Time
}

// NewRecoveryProvider creates a provider over checkpointsDir.
func NewRecoveryProvider(checkpointsDir string) *RecoveryProvider {
	return &RecoveryProvider{
		checkpointsDir: checkpointsDir,
		sessionStart:   time.Now(),
	}
}

// RecoveryNote returns a human-readable recovery summary and true when a
// pre-session checkpoint exists; otherwise false.
func (r *RecoveryProvider) RecoveryNote() (string, bool) {
	entries, err := os.ReadDir(r.checkpointsDir)
	if err != nil || len(entries) == 0 {
		return "", false
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	newest := names[len(names)-1]

	path := filepath.Join(r.checkpointsDir, newest)
	info, err := os.Stat(path)
	if err != nil || !info.ModTime().Before(r.sessionStart) {
		return "", false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var view checkpointView
	if err := json.Unmarshal(data, &view); err != nil {
		return "", false
	}

	note := fmt.Sprintf(
		"A previous run was interrupted. Last checkpoint: stage %s, cycle %d of %d, iteration %d (saved %s). Resume from where that run left off; do not redo completed work.",
		view.CurrentStage, view.CurrentCycle, view.CycleBudget, view.Iteration, view.LastUpdated)
	return note, true
}
