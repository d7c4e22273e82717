package bus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMissionFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "mission.json")
	doc := `{"mission_id":"m-7","current_stage":"BUILDING","iteration":2,"current_cycle":1,"cycle_budget":3,"last_updated":"2026-08-20T10:00:00Z"}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

func TestCheckpointCopiesMissionRecord(t *testing.T) {
	dir := t.TempDir()
	missionPath := writeMissionFile(t, dir)
	cpDir := filepath.Join(dir, "checkpoints")

	c := NewCheckpointIntegration(missionPath, cpDir)
	require.True(t, c.Available())

	ev := NewEvent(EventStageCompleted, "BUILDING", "m-7", "test", nil)
	require.NoError(t, c.HandleEvent(ev))
	require.NoError(t, c.HandleEvent(ev))

	entries, err := os.ReadDir(cpDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "m-7_0001.json", entries[0].Name())
	assert.Equal(t, "m-7_0002.json", entries[1].Name())

	data, err := os.ReadFile(filepath.Join(cpDir, "m-7_0001.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mission_id":"m-7"`)
}

func TestCheckpointUnavailableWithoutMissionFile(t *testing.T) {
	c := NewCheckpointIntegration(filepath.Join(t.TempDir(), "nope.json"), t.TempDir())
	assert.False(t, c.Available())
}

func TestRecoveryNoteFromPreSessionCheckpoint(t *testing.T) {
	dir := t.TempDir()
	missionPath := writeMissionFile(t, dir)
	cpDir := filepath.Join(dir, "checkpoints")

	c := NewCheckpointIntegration(missionPath, cpDir)
	require.NoError(t, c.HandleEvent(NewEvent(EventStageCompleted, "BUILDING", "m-7", "test", nil)))

	// Age the checkpoint so it predates the provider's session start.
	cpPath := filepath.Join(cpDir, "m-7_0001.json")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(cpPath, past, past))

	p := NewRecoveryProvider(cpDir)
	note, ok := p.RecoveryNote()
	require.True(t, ok)
	assert.True(t, strings.Contains(note, "stage BUILDING"))
	assert.True(t, strings.Contains(note, "cycle 1 of 3"))
}

func TestRecoveryNoteIgnoresCurrentSessionCheckpoints(t *testing.T) {
	dir := t.TempDir()
	missionPath := writeMissionFile(t, dir)
	cpDir := filepath.Join(dir, "checkpoints")

	p := NewRecoveryProvider(cpDir)

	// Checkpoint written after the session started is not crash evidence.
	c := NewCheckpointIntegration(missionPath, cpDir)
	require.NoError(t, c.HandleEvent(NewEvent(EventStageCompleted, "BUILDING", "m-7", "test", nil)))

	_, ok := p.RecoveryNote()
	assert.False(t, ok)
}

func TestRecoveryNoteEmptyDir(t *testing.T) {
	p := NewRecoveryProvider(filepath.Join(t.TempDir(), "missing"))
	_, ok := p.RecoveryNote()
	assert.False(t, ok)
}

func TestDriftValidatorEmitsOnMismatch(t *testing.T) {
	b := New()
	var drift []Event
	sink := &fakeIntegration{name: "sink", priority: PriorityBackground, subs: []EventType{EventDriftDetected}, available: true}
	sink.onEvent = func(ev Event) { drift = append(drift, ev) }
	b.Register(sink)

	d := NewDriftValidatorIntegration(b, func() string { return "TESTING" })
	b.Register(d)

	b.Emit(NewEvent(EventStageStarted, "BUILDING", "m-7", "test", nil))
	require.Len(t, drift, 1)
	assert.Equal(t, "BUILDING", drift[0].Data["event_stage"])
	assert.Equal(t, "TESTING", drift[0].Data["store_stage"])

	drift = nil
	b.Emit(NewEvent(EventStageStarted, "TESTING", "m-7", "test", nil))
	assert.Empty(t, drift, "agreement must not raise drift")
}

func TestSnapshotListsArtifacts(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "artifacts")
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "plan.md"), []byte("plan"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, "sub", "notes.md"), []byte("notes"), 0644))

	snapDir := filepath.Join(dir, "snapshots")
	s := NewSnapshotIntegration(artifacts, snapDir)
	require.NoError(t, s.HandleEvent(NewEvent(EventCycleCompleted, "CYCLE_END", "m-7", "test", nil)))

	entries, err := os.ReadDir(snapDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(snapDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "plan.md")
	assert.Contains(t, string(data), filepath.ToSlash(filepath.Join("sub", "notes.md")))
}
