package bus

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// SnapshotIntegration records a listing of the mission's artifacts
// directory at the end of each cycle, so cycle-over-cycle output growth is
// inspectable without walking git history.
type SnapshotIntegration struct {
	artifactsDir string
	snapshotsDir string
}

// NewSnapshotIntegration creates the snapshot integration.
func NewSnapshotIntegration(artifactsDir, snapshotsDir string) *SnapshotIntegration {
	return &SnapshotIntegration{artifactsDir: artifactsDir, snapshotsDir: snapshotsDir}
}

func (s *SnapshotIntegration) Name() string       { return "snapshot" }
func (s *SnapshotIntegration) Priority() Priority { return PriorityLow }

func (s *SnapshotIntegration) Subscriptions() []EventType {
	return []EventType{EventCycleCompleted}
}

func (s *SnapshotIntegration) Available() bool { return s.artifactsDir != "" }

type snapshotEntry struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime string `json:"mod_time"`
}

type snapshotDoc struct {
	MissionID string          `json:"mission_id"`
	Stage     string          `json:"stage"`
	TakenAt   string          `json:"taken_at"`
	Entries   []snapshotEntry `json:"entries"`
}

func (s *SnapshotIntegration) HandleEvent(ev Event) error {
	doc := snapshotDoc{
		MissionID: ev.MissionID,
		Stage:     ev.Stage,
		TakenAt:   time.Now().UTC().Format(time.RFC3339),
	}

	err := filepath.WalkDir(s.artifactsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil // missing artifacts dir is fine: empty snapshot
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		rel, _ := filepath.Rel(s.artifactsDir, path)
		doc.Entries = append(doc.Entries, snapshotEntry{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to walk artifacts: %w", err)
	}

	if err := os.MkdirAll(s.snapshotsDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshots dir: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s.json", time.Now().UTC().Format("20060102T150405"))
	return os.WriteFile(filepath.Join(s.snapshotsDir, name), data, 0644)
}
