package stage

import (
	"fmt"

	"voyager/internal/bus"
	"voyager/internal/logging"
	"voyager/internal/mission"
)

// CycleEndHandler drives the CYCLE_END stage, which has two modes depending
// on remaining budget. With cycles left, the agent writes a cycle report and
// the mission rolls into the next cycle's PLANNING; on the final cycle, the
// agent writes the mission-level report and the mission completes.
type CycleEndHandler struct {
	restrictions Restrictions
}

// NewCycleEndHandler creates the CYCLE_END handler.
func NewCycleEndHandler() *CycleEndHandler {
	return &CycleEndHandler{
		restrictions: Restrictions{
			AllowedWritePaths: []string{
				"**/artifacts/**",
				"**/research/**",
				"*report*.md",
				"**/mission_logs/**",
			},
			AllowBash: false,
		},
	}
}

func (h *CycleEndHandler) finalCycle(ctx StageContext) bool {
	return ctx.CurrentCycle >= ctx.CycleBudget
}

func (h *CycleEndHandler) GetPrompt(ctx StageContext) string {
	if h.finalCycle(ctx) {
		return fmt.Sprintf(`=== STAGE: CYCLE_END (final cycle %d of %d) ===

This is the last cycle of the mission. Write the final mission report to
%s/artifacts/mission_report.md: what was attempted across all cycles, what
was achieved, what remains, and what a follow-up mission should start with.

Reply with a single JSON object:
{"status": "mission_complete", "report": "<one-paragraph mission summary>"}`,
			ctx.CurrentCycle, ctx.CycleBudget, ctx.MissionDir)
	}

	return fmt.Sprintf(`=== STAGE: CYCLE_END (cycle %d of %d) ===

Cycle %d is finished and budget remains. Write a cycle report to
%s/artifacts/cycle_%d_report.md: what this cycle achieved, what it learned,
and what the next cycle should focus on.

Reply with a single JSON object:
{"status": "cycle_complete",
 "report": "<one-paragraph cycle summary>",
 "next_cycle_focus": "<what the next cycle should pursue>",
 "continuation_prompt": "<full problem statement for the next cycle; leave empty to let the engine compose one>"}`,
		ctx.CurrentCycle, ctx.CycleBudget, ctx.CurrentCycle, ctx.MissionDir, ctx.CurrentCycle)
}

func (h *CycleEndHandler) ProcessResponse(reply map[string]any, ctx StageContext) StageResult {
	status := replyString(reply, "status")
	out := copyReply(reply)
	events := []bus.Event{responseEvent(ctx, status)}

	if h.finalCycle(ctx) {
		if status == "mission_complete" {
			events = append(events, bus.NewEvent(bus.EventCycleCompleted, string(ctx.Stage), ctx.MissionID, "stage_handler", map[string]any{
				"cycle":  ctx.CurrentCycle,
				"report": replyString(reply, "report"),
			}))
			return StageResult{
				Success:    true,
				NextStage:  mission.StageComplete,
				Status:     status,
				OutputData: out,
				Events:     events,
				Message:    "final cycle done, mission complete",
			}
		}
		logging.StageDebug("CYCLE_END (final) unexpected status %q, staying put", status)
		return StageResult{
			Success:    false,
			NextStage:  mission.StageCycleEnd,
			Status:     status,
			OutputData: out,
			Events:     events,
			Message:    "mission report not ready, staying in CYCLE_END",
		}
	}

	if status == "cycle_complete" {
		return StageResult{
			Success:    true,
			NextStage:  mission.StagePlanning,
			Status:     status,
			OutputData: out,
			Events:     events,
			Message:    fmt.Sprintf("cycle %d complete, rolling into next cycle", ctx.CurrentCycle),
		}
	}

	logging.StageDebug("CYCLE_END unexpected status %q, staying put", status)
	return StageResult{
		Success:    false,
		NextStage:  mission.StageCycleEnd,
		Status:     status,
		OutputData: out,
		Events:     events,
		Message:    "cycle report not ready, staying in CYCLE_END",
	}
}

func (h *CycleEndHandler) GetRestrictions() Restrictions { return h.restrictions }

// SetRestrictions applies a config-driven override.
func (h *CycleEndHandler) SetRestrictions(r Restrictions) { h.restrictions = r }

func (h *CycleEndHandler) ValidateTransition(from mission.Stage, ctx StageContext) bool {
	switch from {
	case mission.StageAnalyzing, mission.StageCycleEnd:
		return true
	}
	return false
}
