package stage

import (
	"fmt"

	"voyager/internal/bus"
	"voyager/internal/logging"
	"voyager/internal/mission"
)

// PlanningHandler drives the PLANNING stage: the agent studies the mission
// and produces an implementation plan before any code is written.
type PlanningHandler struct {
	restrictions Restrictions
}

// NewPlanningHandler creates the PLANNING handler with its default
// restriction profile.
func NewPlanningHandler() *PlanningHandler {
	return &PlanningHandler{
		restrictions: Restrictions{
			AllowedWritePaths: []string{
				"**/artifacts/**",
				"**/research/**",
				"*implementation_plan.md",
			},
			ForbiddenWritePaths: []string{"*.py", "*.js", "*.ts"},
			BlockedTools:        []string{"NotebookEdit"},
			AllowBash:           true,
		},
	}
}

func (h *PlanningHandler) GetPrompt(ctx StageContext) string {
	return fmt.Sprintf(`=== STAGE: PLANNING ===

You are in the planning stage of cycle %d of %d.

Your job this turn:
1. Understand the mission and its success criteria.
2. Consult any knowledge-base learnings and prior research injected above.
3. Write a concrete implementation plan to %s/artifacts/implementation_plan.md
   covering architecture, file layout, risks, and a test strategy.
4. Do NOT implement anything yet. No source files.

When the plan is written, reply with a single JSON object:
{"status": "plan_complete", "summary": "<one-paragraph plan summary>"}

If you need another planning turn, reply with:
{"status": "plan_in_progress", "summary": "<what remains>"}`,
		ctx.CurrentCycle, ctx.CycleBudget, ctx.MissionDir)
}

func (h *PlanningHandler) ProcessResponse(reply map[string]any, ctx StageContext) StageResult {
	status := replyString(reply, "status")
	out := copyReply(reply)

	events := []bus.Event{responseEvent(ctx, status)}

	if status == "plan_complete" {
		return StageResult{
			Success:    true,
			NextStage:  mission.StageBuilding,
			Status:     status,
			OutputData: out,
			Events:     events,
			Message:    "plan complete, moving to BUILDING",
		}
	}

	logging.StageDebug("PLANNING staying put (status=%q)", status)
	return StageResult{
		Success:    false,
		NextStage:  mission.StagePlanning,
		Status:     status,
		OutputData: out,
		Events:     events,
		Message:    "plan not complete, staying in PLANNING",
	}
}

func (h *PlanningHandler) GetRestrictions() Restrictions { return h.restrictions }

// SetRestrictions applies a config-driven override.
func (h *PlanningHandler) SetRestrictions(r Restrictions) { h.restrictions = r }

func (h *PlanningHandler) ValidateTransition(from mission.Stage, ctx StageContext) bool {
	switch from {
	case "", mission.StagePlanning, mission.StageAnalyzing, mission.StageCycleEnd:
		return true
	}
	return false
}
