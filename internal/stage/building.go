package stage

import (
	"fmt"

	"voyager/internal/bus"
	"voyager/internal/logging"
	"voyager/internal/mission"
)

// BuildingHandler drives the BUILDING stage: the agent implements the plan.
// Writes are unrestricted here.
type BuildingHandler struct {
	restrictions Restrictions
}

// NewBuildingHandler creates the BUILDING handler.
func NewBuildingHandler() *BuildingHandler {
	return &BuildingHandler{
		restrictions: Restrictions{AllowBash: true},
	}
}

func (h *BuildingHandler) GetPrompt(ctx StageContext) string {
	revisionNote := ""
	if ctx.Iteration > 0 {
		revisionNote = fmt.Sprintf(
			"\nThis is revision %d of this cycle. Read the analysis report in %s/artifacts/ before changing anything.\n",
			ctx.Iteration, ctx.MissionDir)
	}

	return fmt.Sprintf(`=== STAGE: BUILDING ===

Implement the plan in %s/artifacts/implementation_plan.md.
%s
Rules for this stage:
- Follow the plan; deviations must be noted in your reply.
- Keep the workspace building at every step.
- Relevant prior code snippets, if any, are injected above.

Reply with a single JSON object:
{"status": "build_complete", "ready_for_testing": true,
 "files_created": [...], "files_modified": [...], "summary": "..."}

Use "build_in_progress" if you need another turn, or "build_blocked"
with "issues_found" if you cannot proceed.`,
		ctx.MissionDir, revisionNote)
}

func (h *BuildingHandler) ProcessResponse(reply map[string]any, ctx StageContext) StageResult {
	status := replyString(reply, "status")
	out := copyReply(reply)
	events := []bus.Event{responseEvent(ctx, status)}

	switch status {
	case "build_complete":
		return StageResult{
			Success:    true,
			NextStage:  mission.StageTesting,
			Status:     status,
			OutputData: out,
			Events:     events,
			Message:    "build complete, moving to TESTING",
		}
	case "build_in_progress":
		return StageResult{
			Success:    true,
			NextStage:  mission.StageBuilding,
			Status:     status,
			OutputData: out,
			Events:     events,
			Message:    "build in progress",
		}
	case "build_blocked":
		logging.StageWarn("BUILDING blocked: %v", reply["issues_found"])
		return StageResult{
			Success:    false,
			NextStage:  mission.StageBuilding,
			Status:     status,
			OutputData: out,
			Events:     events,
			Message:    "build blocked",
		}
	}

	logging.StageDebug("BUILDING unexpected status %q, staying put", status)
	return StageResult{
		Success:    false,
		NextStage:  mission.StageBuilding,
		Status:     status,
		OutputData: out,
		Events:     events,
		Message:    "unexpected status, staying in BUILDING",
	}
}

func (h *BuildingHandler) GetRestrictions() Restrictions { return h.restrictions }

// SetRestrictions applies a config-driven override.
func (h *BuildingHandler) SetRestrictions(r Restrictions) { h.restrictions = r }

func (h *BuildingHandler) ValidateTransition(from mission.Stage, ctx StageContext) bool {
	switch from {
	case mission.StagePlanning, mission.StageBuilding, mission.StageAnalyzing:
		return true
	}
	return false
}
