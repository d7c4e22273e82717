// Package conductor runs the mission: the orchestrator turns agent replies
// into stage transitions, the loop drives the external agent process, the
// classifier sorts agent failures, and the handoff writer preserves context
// across agent restarts.
package conductor

import (
	"fmt"

	"voyager/internal/bus"
	"voyager/internal/config"
	"voyager/internal/cycle"
	"voyager/internal/logging"
	"voyager/internal/mission"
	"voyager/internal/prompt"
	"voyager/internal/stage"
)

// Orchestrator owns stage transitions. All stage changes flow through it;
// nothing else writes current_stage.
type Orchestrator struct {
	cfg     *config.Config
	store   *mission.Store
	reg     *stage.Registry
	bus     *bus.Bus
	factory *prompt.Factory
	cycles  *cycle.Manager
}

// NewOrchestrator wires the orchestrator.
func NewOrchestrator(cfg *config.Config, store *mission.Store, reg *stage.Registry, b *bus.Bus, factory *prompt.Factory, cycles *cycle.Manager) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		bus:     b,
		factory: factory,
		cycles:  cycles,
	}
}

// Store exposes the mission store for status reporting.
func (o *Orchestrator) Store() *mission.Store { return o.store }

// stageContext snapshots the record into the read-only view handlers get.
func (o *Orchestrator) stageContext() stage.StageContext {
	rec := o.store.Snapshot()
	return stage.StageContext{
		MissionID:                rec.MissionID,
		ProblemStatement:         rec.ProblemStatement,
		OriginalProblemStatement: rec.OriginalProblemStatement,
		Stage:                    rec.CurrentStage,
		Iteration:                rec.Iteration,
		CurrentCycle:             rec.CurrentCycle,
		CycleBudget:              rec.CycleBudget,
		Workspace:                rec.MissionWorkspace,
		MissionDir:               rec.MissionDir,
		Preferences:              rec.Preferences,
		SuccessCriteria:          rec.SuccessCriteria,
		History:                  rec.History,
	}
}

// StartMission announces the mission on the bus. Called once per run.
func (o *Orchestrator) StartMission() {
	rec := o.store.Snapshot()
	o.bus.Emit(bus.NewEvent(bus.EventMissionStarted, string(rec.CurrentStage), rec.MissionID, "orchestrator", map[string]any{
		"cycle":        rec.CurrentCycle,
		"cycle_budget": rec.CycleBudget,
	}))
}

// BuildPrompt assembles the prompt for the current stage.
func (o *Orchestrator) BuildPrompt() string {
	rec := o.store.Snapshot()
	handler := o.reg.Get(rec.CurrentStage)
	body := handler.GetPrompt(o.stageContext())
	p := o.factory.Build(rec, body)

	o.bus.Emit(bus.NewEvent(bus.EventPromptGenerated, string(rec.CurrentStage), rec.MissionID, "orchestrator", map[string]any{
		"bytes": len(p),
	}))
	return p
}

// ProcessResponse routes one agent reply through the current stage's
// handler and applies the resulting transition. A nil reply is coerced to
// an empty map so handlers see a missing status, not a panic. A handler
// panic or an illegal transition degrades to staying in the current stage
// with a stage_failed event; the mission never dies to a bad reply.
func (o *Orchestrator) ProcessResponse(reply map[string]any) (result stage.StageResult, err error) {
	if reply == nil {
		reply = map[string]any{}
	}

	rec := o.store.Snapshot()
	current := rec.CurrentStage
	handler := o.reg.Get(current)
	ctx := o.stageContext()

	defer func() {
		if r := recover(); r != nil {
			logging.ConductorError("handler for %s panicked: %v", current, r)
			o.bus.Emit(bus.NewEvent(bus.EventStageFailed, string(current), rec.MissionID, "orchestrator", map[string]any{
				"panic": fmt.Sprintf("%v", r),
			}))
			result = stage.StageResult{
				Success:   false,
				NextStage: current,
				Message:   fmt.Sprintf("handler panic: %v", r),
			}
			err = nil
		}
	}()

	result = handler.ProcessResponse(reply, ctx)

	for _, ev := range result.Events {
		o.bus.Emit(ev)
	}

	if inc, ok := result.OutputData[stage.KeyIncrementIteration].(bool); ok && inc {
		if _, ierr := o.store.IncrementIteration(); ierr != nil {
			logging.ConductorWarn("failed to increment iteration: %v", ierr)
		}
	}

	if !result.Success {
		o.bus.Emit(bus.NewEvent(bus.EventStageFailed, string(current), rec.MissionID, "orchestrator", map[string]any{
			"status":  result.Status,
			"message": result.Message,
		}))
	}

	o.store.LogHistory(current, "response_processed",
		fmt.Sprintf("status=%s next=%s", result.Status, result.NextStage))

	if result.NextStage == current {
		return result, nil
	}

	// A CYCLE_END -> PLANNING transition with budget left is a cycle roll,
	// not a plain stage change.
	if current == mission.StageCycleEnd && result.NextStage == mission.StagePlanning && o.cycles.HasMoreCycles() {
		report := stringField(result.OutputData, "report")
		focus := stringField(result.OutputData, "next_cycle_focus")
		continuation := stringField(result.OutputData, "continuation_prompt")
		if aerr := o.AdvanceToNextCycle(report, focus, continuation); aerr != nil {
			return result, aerr
		}
		return result, nil
	}

	if _, uerr := o.UpdateStage(result.NextStage); uerr != nil {
		logging.ConductorWarn("transition %s -> %s rejected: %v", current, result.NextStage, uerr)
		o.bus.Emit(bus.NewEvent(bus.EventStageFailed, string(current), rec.MissionID, "orchestrator", map[string]any{
			"rejected_transition": string(result.NextStage),
			"error":               uerr.Error(),
		}))
		result.NextStage = current
		result.Success = false
		return result, nil
	}

	return result, nil
}

// UpdateStage validates and applies a stage transition, emitting
// stage_completed for the stage being left and stage_started for the stage
// being entered. COMPLETE is terminal, not a working stage: entering it
// emits mission_completed (exactly once per mission) instead of
// stage_started.
func (o *Orchestrator) UpdateStage(newStage mission.Stage) (mission.Stage, error) {
	if !mission.ValidStage(string(newStage)) {
		return "", fmt.Errorf("unknown stage %q", newStage)
	}

	ctx := o.stageContext()
	target := o.reg.Get(newStage)
	if !target.ValidateTransition(ctx.Stage, ctx) {
		return ctx.Stage, fmt.Errorf("illegal transition %s -> %s", ctx.Stage, newStage)
	}

	old, err := o.store.UpdateStage(newStage)
	if err != nil {
		return old, err
	}

	rec := o.store.Snapshot()
	if old != "" && old != newStage {
		o.bus.Emit(bus.NewEvent(bus.EventStageCompleted, string(old), rec.MissionID, "orchestrator", map[string]any{
			"next_stage": string(newStage),
		}))
	}
	if newStage == mission.StageComplete {
		o.bus.Emit(bus.NewEvent(bus.EventMissionCompleted, string(newStage), rec.MissionID, "orchestrator", map[string]any{
			"cycles_used": rec.CurrentCycle,
		}))
		logging.Conductor("mission %s completed after %d cycle(s)", rec.MissionID, rec.CurrentCycle)
	} else {
		o.bus.Emit(bus.NewEvent(bus.EventStageStarted, string(newStage), rec.MissionID, "orchestrator", map[string]any{
			"previous_stage": string(old),
		}))
	}

	return old, nil
}

// AdvanceToNextCycle records the finished cycle, rolls the record into the
// next one, and restarts at PLANNING. The agent's continuation prompt, when
// it supplied one, becomes the next cycle's problem statement. Emits
// cycle_completed for the finished cycle and cycle_started for the new one.
func (o *Orchestrator) AdvanceToNextCycle(report, nextFocus, continuation string) error {
	rec := o.store.Snapshot()
	finished := rec.CurrentCycle

	o.bus.Emit(bus.NewEvent(bus.EventCycleCompleted, string(rec.CurrentStage), rec.MissionID, "orchestrator", map[string]any{
		"cycle":  finished,
		"report": report,
	}))

	n, err := o.cycles.Advance(report, nextFocus, continuation)
	if err != nil {
		return fmt.Errorf("failed to advance cycle: %w", err)
	}

	if _, err := o.UpdateStage(mission.StagePlanning); err != nil {
		return fmt.Errorf("failed to enter PLANNING for cycle %d: %w", n, err)
	}

	rec = o.store.Snapshot()
	o.bus.Emit(bus.NewEvent(bus.EventCycleStarted, string(rec.CurrentStage), rec.MissionID, "orchestrator", map[string]any{
		"cycle": n,
	}))
	logging.Conductor("cycle %d started (budget %d)", n, rec.CycleBudget)
	return nil
}

// GetStageRestrictions returns the current stage's restriction profile.
func (o *Orchestrator) GetStageRestrictions() stage.Restrictions {
	rec := o.store.Snapshot()
	return o.reg.Get(rec.CurrentStage).GetRestrictions()
}

// IsToolAllowed checks a tool name against the current stage.
func (o *Orchestrator) IsToolAllowed(tool string) bool {
	return o.GetStageRestrictions().IsToolAllowed(tool)
}

// IsWriteAllowed checks a write path against the current stage.
func (o *Orchestrator) IsWriteAllowed(path string) bool {
	return o.GetStageRestrictions().IsWriteAllowed(path)
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
