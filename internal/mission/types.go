// Package mission defines the mission record and its state store.
//
// A mission is the whole run driven by a single problem statement. It spans
// a budgeted number of cycles, each cycle being one full pass through the
// PLANNING..CYCLE_END workflow. The state store is the single source of
// truth for the record on disk; all mutations go through it and every
// persisted mutation is an atomic write.
package mission

import (
	"time"

	"github.com/google/uuid"
)

// Stage is one of the six workflow stages.
type Stage string

const (
	StagePlanning  Stage = "PLANNING"
	StageBuilding  Stage = "BUILDING"
	StageTesting   Stage = "TESTING"
	StageAnalyzing Stage = "ANALYZING"
	StageCycleEnd  Stage = "CYCLE_END"
	StageComplete  Stage = "COMPLETE"
)

// AllStages lists the stages in workflow order.
func AllStages() []Stage {
	return []Stage{
		StagePlanning,
		StageBuilding,
		StageTesting,
		StageAnalyzing,
		StageCycleEnd,
		StageComplete,
	}
}

// ValidStage reports whether name is a known stage.
func ValidStage(name string) bool {
	switch Stage(name) {
	case StagePlanning, StageBuilding, StageTesting, StageAnalyzing, StageCycleEnd, StageComplete:
		return true
	}
	return false
}

// HistoryEntry is one append-only history line on the mission record.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     Stage     `json:"stage"`
	Event     string    `json:"event"`
	Details   string    `json:"details,omitempty"`
}

// CycleSummary records one completed cycle.
type CycleSummary struct {
	Cycle              int       `json:"cycle"`
	Report             string    `json:"report,omitempty"`
	ContinuationPrompt string    `json:"continuation_prompt,omitempty"`
	Iterations         int       `json:"iterations"`
	CompletedAt        time.Time `json:"completed_at"`
}

// Record is the mission record, one per run.
type Record struct {
	MissionID                string `json:"mission_id"`
	ProblemStatement         string `json:"problem_statement"`
	OriginalProblemStatement string `json:"original_problem_statement"`

	CurrentStage Stage `json:"current_stage"`

	// Iteration counts revision back-edges taken in the current cycle.
	// It increments only when ANALYZING routes back to BUILDING or
	// PLANNING, and resets to 0 when the cycle advances.
	Iteration    int `json:"iteration"`
	CurrentCycle int `json:"current_cycle"`
	CycleBudget  int `json:"cycle_budget"`

	History      []HistoryEntry `json:"history"`
	CycleHistory []CycleSummary `json:"cycle_history"`

	Preferences     string `json:"preferences,omitempty"`
	SuccessCriteria string `json:"success_criteria,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`

	MissionWorkspace string `json:"mission_workspace"`
	MissionDir       string `json:"mission_dir"`

	// Extra carries reply keys the schema does not model, so they survive
	// a round trip through the store.
	Extra map[string]any `json:"extra,omitempty"`
}

// NewRecord creates a fresh mission record in PLANNING at cycle 1.
func NewRecord(problem, workspace, missionDir string, cycleBudget int) *Record {
	if cycleBudget < 1 {
		cycleBudget = 1
	}
	now := time.Now().UTC()
	return &Record{
		MissionID:                uuid.New().String(),
		ProblemStatement:         problem,
		OriginalProblemStatement: problem,
		CurrentStage:             StagePlanning,
		Iteration:                0,
		CurrentCycle:             1,
		CycleBudget:              cycleBudget,
		History:                  []HistoryEntry{},
		CycleHistory:             []CycleSummary{},
		CreatedAt:                now,
		LastUpdated:              now,
		MissionWorkspace:         workspace,
		MissionDir:               missionDir,
	}
}
