// Package cycle tracks the mission's cycle budget and builds the
// continuation prompt that seeds each new cycle. Cycle history itself lives
// in the mission record; this package writes through the store and never
// keeps its own copy.
package cycle

import (
	"fmt"
	"strings"
	"time"

	"voyager/internal/logging"
	"voyager/internal/mission"
)

// Manager wraps the store's cycle bookkeeping with budget checks and
// continuation-prompt synthesis.
type Manager struct {
	store *mission.Store
}

// NewManager creates a cycle manager over the given store.
func NewManager(store *mission.Store) *Manager {
	return &Manager{store: store}
}

// CurrentCycle returns the 1-based cycle number.
func (m *Manager) CurrentCycle() int {
	rec := m.store.Snapshot()
	return rec.CurrentCycle
}

// CycleBudget returns the total number of cycles allowed.
func (m *Manager) CycleBudget() int {
	rec := m.store.Snapshot()
	return rec.CycleBudget
}

// HasMoreCycles reports whether at least one cycle remains after the
// current one.
func (m *Manager) HasMoreCycles() bool {
	rec := m.store.Snapshot()
	return rec.CurrentCycle < rec.CycleBudget
}

// RecordCycleCompletion appends the finished cycle's summary to the mission
// record.
func (m *Manager) RecordCycleCompletion(report, continuationPrompt string) error {
	rec := m.store.Snapshot()
	return m.store.AppendCycleSummary(mission.CycleSummary{
		Cycle:              rec.CurrentCycle,
		Report:             report,
		ContinuationPrompt: continuationPrompt,
		Iterations:         rec.Iteration,
		CompletedAt:        time.Now().UTC(),
	})
}

// BuildContinuationPrompt synthesizes the problem statement for the next
// cycle. It always carries the original mission statement so later cycles
// cannot drift away from it, plus the last cycle's report and focus.
func (m *Manager) BuildContinuationPrompt(report, nextFocus string) string {
	rec := m.store.Snapshot()
	next := rec.CurrentCycle + 1

	var b strings.Builder
	fmt.Fprintf(&b, "Cycle %d of %d of an ongoing mission.\n\n", next, rec.CycleBudget)
	fmt.Fprintf(&b, "Original mission:\n%s\n", rec.OriginalProblemStatement)
	if report != "" {
		fmt.Fprintf(&b, "\nPrevious cycle's report:\n%s\n", report)
	}
	if nextFocus != "" {
		fmt.Fprintf(&b, "\nFocus for this cycle:\n%s\n", nextFocus)
	}
	return b.String()
}

// Advance records the finished cycle and rolls the mission into the next
// one. It returns the new cycle number. A non-empty continuation becomes
// the next cycle's problem statement verbatim; when the agent supplied
// none, one is composed from the report and focus. Calling Advance on the
// final cycle is an error; callers must check HasMoreCycles first.
func (m *Manager) Advance(report, nextFocus, continuation string) (int, error) {
	if !m.HasMoreCycles() {
		rec := m.store.Snapshot()
		return rec.CurrentCycle, fmt.Errorf("no cycles remain (%d/%d)", rec.CurrentCycle, rec.CycleBudget)
	}

	if continuation == "" {
		logging.Cycle("cycle report carried no continuation prompt, composing one")
		continuation = m.BuildContinuationPrompt(report, nextFocus)
	}
	if err := m.RecordCycleCompletion(report, continuation); err != nil {
		return 0, fmt.Errorf("failed to record cycle summary: %w", err)
	}

	n, err := m.store.AdvanceCycle(continuation)
	if err != nil {
		return 0, err
	}
	logging.Cycle("cycle advanced to %d/%d", n, m.CycleBudget())
	return n, nil
}
