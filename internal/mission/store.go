package mission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"voyager/internal/logging"
)

// Store owns the mission record on disk. It loads the JSON document on
// first access, caches it, and persists every mutation atomically
// (write temp sibling, fsync, rename). When autoSave is off, mutations
// are buffered until Flush.
type Store struct {
	mu       sync.Mutex
	path     string
	autoSave bool

	record *Record
	loaded bool
	dirty  bool

	// defaults used when the file is missing or unreadable
	defaultProblem string
	defaultBudget  int
}

// NewStore creates a store for the mission JSON at path. The file is not
// touched until the first access.
func NewStore(path string, autoSave bool) *Store {
	return &Store{
		path:          path,
		autoSave:      autoSave,
		defaultBudget: 1,
	}
}

// SetDefaults sets the problem statement and cycle budget used when a
// default record has to be materialized.
func (s *Store) SetDefaults(problem string, cycleBudget int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultProblem = problem
	if cycleBudget > 0 {
		s.defaultBudget = cycleBudget
	}
}

// Load reads the mission record from disk. A missing file materializes a
// default record; a malformed file logs and returns a default record.
// Load never fails the caller.
func (s *Store) Load() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() *Record {
	if s.loaded {
		return s.record
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.MissionWarn("failed to read mission record %s: %v", s.path, err)
		}
		s.record = s.defaultRecord()
		s.loaded = true
		s.dirty = true
		return s.record
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		logging.MissionWarn("malformed mission record %s, using defaults: %v", s.path, err)
		s.record = s.defaultRecord()
		s.loaded = true
		s.dirty = true
		return s.record
	}

	if rec.CurrentStage == "" {
		rec.CurrentStage = StagePlanning
	}
	if rec.CurrentCycle < 1 {
		rec.CurrentCycle = 1
	}
	if rec.CycleBudget < rec.CurrentCycle {
		rec.CycleBudget = rec.CurrentCycle
	}

	s.record = &rec
	s.loaded = true
	logging.MissionDebug("loaded mission %s (stage=%s cycle=%d/%d iteration=%d)",
		rec.MissionID, rec.CurrentStage, rec.CurrentCycle, rec.CycleBudget, rec.Iteration)
	return s.record
}

func (s *Store) defaultRecord() *Record {
	workspace := filepath.Dir(filepath.Dir(s.path))
	return NewRecord(s.defaultProblem, workspace, filepath.Dir(s.path), s.defaultBudget)
}

// Save persists the cached record to disk atomically. Write errors
// propagate; loss of persistence is not silently tolerated.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mission record: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create mission dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write mission record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync mission record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename mission record: %w", err)
	}

	s.dirty = false
	return nil
}

// mutate stamps LastUpdated, applies fn, and persists when autoSave is on.
func (s *Store) mutate(fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	fn(s.record)
	s.record.LastUpdated = time.Now().UTC()
	s.dirty = true

	if s.autoSave {
		return s.saveLocked()
	}
	return nil
}

// Flush persists buffered mutations when autoSave is off.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || !s.dirty {
		return nil
	}
	return s.saveLocked()
}

// Snapshot returns a deep-enough copy of the record for read-only use.
func (s *Store) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *s.loadLocked()
	rec.History = append([]HistoryEntry(nil), rec.History...)
	rec.CycleHistory = append([]CycleSummary(nil), rec.CycleHistory...)
	return rec
}

// GetField reads a named record field, returning def when the key is
// unknown or unset.
func (s *Store) GetField(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.loadLocked()

	switch key {
	case "mission_id":
		return rec.MissionID
	case "problem_statement":
		return rec.ProblemStatement
	case "original_problem_statement":
		return rec.OriginalProblemStatement
	case "current_stage":
		return string(rec.CurrentStage)
	case "iteration":
		return rec.Iteration
	case "current_cycle":
		return rec.CurrentCycle
	case "cycle_budget":
		return rec.CycleBudget
	case "preferences":
		if rec.Preferences == "" {
			return def
		}
		return rec.Preferences
	case "success_criteria":
		if rec.SuccessCriteria == "" {
			return def
		}
		return rec.SuccessCriteria
	case "mission_workspace":
		return rec.MissionWorkspace
	case "mission_dir":
		return rec.MissionDir
	}

	if v, ok := rec.Extra[key]; ok {
		return v
	}
	return def
}

// SetField writes a named record field. Unknown keys land in Extra so
// nothing the agent reports is dropped.
func (s *Store) SetField(key string, value any) error {
	return s.mutate(func(rec *Record) {
		switch key {
		case "problem_statement":
			rec.ProblemStatement = fmt.Sprintf("%v", value)
		case "preferences":
			rec.Preferences = fmt.Sprintf("%v", value)
		case "success_criteria":
			rec.SuccessCriteria = fmt.Sprintf("%v", value)
		case "mission_workspace":
			rec.MissionWorkspace = fmt.Sprintf("%v", value)
		case "mission_dir":
			rec.MissionDir = fmt.Sprintf("%v", value)
		default:
			if rec.Extra == nil {
				rec.Extra = make(map[string]any)
			}
			rec.Extra[key] = value
		}
	})
}

// LogHistory appends an entry to the mission history.
func (s *Store) LogHistory(stage Stage, event, details string) error {
	return s.mutate(func(rec *Record) {
		rec.History = append(rec.History, HistoryEntry{
			Timestamp: time.Now().UTC(),
			Stage:     stage,
			Event:     event,
			Details:   details,
		})
	})
}

// IncrementIteration bumps the revision counter for the current cycle and
// returns the new value.
func (s *Store) IncrementIteration() (int, error) {
	var n int
	err := s.mutate(func(rec *Record) {
		rec.Iteration++
		n = rec.Iteration
	})
	if err != nil {
		return 0, err
	}
	logging.MissionDebug("iteration incremented to %d", n)
	return n, nil
}

// AdvanceCycle moves to the next cycle: stores the continuation prompt as
// the new problem statement, resets the iteration counter, and returns the
// new cycle number. It never crosses the cycle budget.
func (s *Store) AdvanceCycle(continuationPrompt string) (int, error) {
	s.mu.Lock()
	rec := s.loadLocked()
	if rec.CurrentCycle >= rec.CycleBudget {
		cur := rec.CurrentCycle
		s.mu.Unlock()
		return cur, fmt.Errorf("cycle budget exhausted (%d/%d)", cur, rec.CycleBudget)
	}
	s.mu.Unlock()

	var n int
	err := s.mutate(func(rec *Record) {
		rec.CurrentCycle++
		rec.Iteration = 0
		if continuationPrompt != "" {
			rec.ProblemStatement = continuationPrompt
		}
		rec.History = append(rec.History, HistoryEntry{
			Timestamp: time.Now().UTC(),
			Stage:     rec.CurrentStage,
			Event:     "cycle_advanced",
			Details:   fmt.Sprintf("cycle %d of %d", rec.CurrentCycle, rec.CycleBudget),
		})
		n = rec.CurrentCycle
	})
	if err != nil {
		return 0, err
	}
	logging.Mission("advanced to cycle %d", n)
	return n, nil
}

// AppendCycleSummary records a completed cycle. The store is the single
// owner of cycle history; the cycle manager writes through here.
func (s *Store) AppendCycleSummary(summary CycleSummary) error {
	return s.mutate(func(rec *Record) {
		rec.CycleHistory = append(rec.CycleHistory, summary)
	})
}

// UpdateStage transitions to newStage, logs a history entry, and returns
// the previous stage. A COMPLETE mission refuses further transitions; only
// Reset may leave COMPLETE.
func (s *Store) UpdateStage(newStage Stage) (Stage, error) {
	s.mu.Lock()
	rec := s.loadLocked()
	old := rec.CurrentStage
	s.mu.Unlock()

	if !ValidStage(string(newStage)) {
		return old, fmt.Errorf("unknown stage %q", newStage)
	}
	if old == StageComplete && newStage != StageComplete {
		return old, fmt.Errorf("mission is COMPLETE; use reset to restart")
	}

	err := s.mutate(func(rec *Record) {
		rec.CurrentStage = newStage
		rec.History = append(rec.History, HistoryEntry{
			Timestamp: time.Now().UTC(),
			Stage:     newStage,
			Event:     "stage_transition",
			Details:   fmt.Sprintf("%s -> %s", old, newStage),
		})
	})
	if err != nil {
		return old, err
	}
	logging.Mission("stage %s -> %s", old, newStage)
	return old, nil
}

// Reset returns a COMPLETE mission to PLANNING at cycle 1, preserving the
// original problem statement and history.
func (s *Store) Reset() error {
	return s.mutate(func(rec *Record) {
		rec.CurrentStage = StagePlanning
		rec.Iteration = 0
		rec.CurrentCycle = 1
		rec.ProblemStatement = rec.OriginalProblemStatement
		rec.History = append(rec.History, HistoryEntry{
			Timestamp: time.Now().UTC(),
			Stage:     StagePlanning,
			Event:     "mission_reset",
		})
	})
}

// Path returns the on-disk location of the mission record.
func (s *Store) Path() string { return s.path }

// Workspace returns the mission workspace directory.
func (s *Store) Workspace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked().MissionWorkspace
}

// MissionDir returns the mission artifacts directory.
func (s *Store) MissionDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked().MissionDir
}
