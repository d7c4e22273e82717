package stage

import (
	"fmt"

	"voyager/internal/bus"
	"voyager/internal/logging"
	"voyager/internal/mission"
)

// AnalyzingHandler drives the ANALYZING stage: the agent reads the test
// results and decides whether the cycle's work is done, needs revision, or
// needs a new plan. The reply is routed through a fixed decision table,
// evaluated top to bottom with first match winning:
//
//	status=success                    -> CYCLE_END
//	recommendation=COMPLETE           -> CYCLE_END
//	status=needs_revision             -> BUILDING  (iteration++)
//	recommendation=BUILDING           -> BUILDING  (iteration++)
//	status=needs_replanning           -> PLANNING  (iteration++)
//	recommendation=PLANNING           -> PLANNING  (iteration++)
//	anything else                     -> CYCLE_END (logged)
type AnalyzingHandler struct {
	restrictions Restrictions
}

// NewAnalyzingHandler creates the ANALYZING handler. Writes are limited to
// analysis artifacts; source files must not change during analysis.
func NewAnalyzingHandler() *AnalyzingHandler {
	return &AnalyzingHandler{
		restrictions: Restrictions{
			AllowedWritePaths: []string{
				"**/artifacts/**",
				"**/research/**",
				"*analysis_report.md",
				"*test_results.md",
			},
			ForbiddenWritePaths: []string{"*.py", "*.js", "*.ts", "*.go", "*.rs", "*.java"},
			AllowBash:           false,
		},
	}
}

func (h *AnalyzingHandler) GetPrompt(ctx StageContext) string {
	return fmt.Sprintf(`=== STAGE: ANALYZING ===

Read %s/artifacts/test_results.md and judge the state of this cycle's work
against the success criteria.

Write your findings to %s/artifacts/analysis_report.md: what passed, what
failed, root causes, and your recommendation. Do not modify source files in
this stage.

Reply with a single JSON object:
{"status": "success" | "needs_revision" | "needs_replanning",
 "recommendation": "COMPLETE" | "BUILDING" | "PLANNING",
 "summary": "..."}

Use "success" only when the success criteria are met. Use "needs_revision"
when the plan is sound but the implementation needs fixes. Use
"needs_replanning" when the plan itself is wrong.`,
		ctx.MissionDir, ctx.MissionDir)
}

func (h *AnalyzingHandler) ProcessResponse(reply map[string]any, ctx StageContext) StageResult {
	status := replyString(reply, "status")
	recommendation := replyString(reply, "recommendation")
	out := copyReply(reply)
	events := []bus.Event{responseEvent(ctx, status)}

	route := func(next mission.Stage, increment bool, msg string) StageResult {
		if increment {
			out[KeyIncrementIteration] = true
		}
		return StageResult{
			Success:    true,
			NextStage:  next,
			Status:     status,
			OutputData: out,
			Events:     events,
			Message:    msg,
		}
	}

	switch {
	case status == "success":
		return route(mission.StageCycleEnd, false, "analysis reports success, moving to CYCLE_END")
	case recommendation == "COMPLETE":
		return route(mission.StageCycleEnd, false, "analysis recommends COMPLETE, moving to CYCLE_END")
	case status == "needs_revision":
		return route(mission.StageBuilding, true, "analysis requests revision, back to BUILDING")
	case recommendation == "BUILDING":
		return route(mission.StageBuilding, true, "analysis recommends BUILDING, back to BUILDING")
	case status == "needs_replanning":
		return route(mission.StagePlanning, true, "analysis requests replanning, back to PLANNING")
	case recommendation == "PLANNING":
		return route(mission.StagePlanning, true, "analysis recommends PLANNING, back to PLANNING")
	}

	logging.StageWarn("ANALYZING unrecognized reply (status=%q recommendation=%q), defaulting to CYCLE_END",
		status, recommendation)
	return StageResult{
		Success:    true,
		NextStage:  mission.StageCycleEnd,
		Status:     status,
		OutputData: out,
		Events:     events,
		Message:    "unrecognized analysis reply, defaulting to CYCLE_END",
	}
}

func (h *AnalyzingHandler) GetRestrictions() Restrictions { return h.restrictions }

// SetRestrictions applies a config-driven override.
func (h *AnalyzingHandler) SetRestrictions(r Restrictions) { h.restrictions = r }

func (h *AnalyzingHandler) ValidateTransition(from mission.Stage, ctx StageContext) bool {
	switch from {
	case mission.StageTesting, mission.StageAnalyzing:
		return true
	}
	return false
}
