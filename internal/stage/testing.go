package stage

import (
	"fmt"

	"voyager/internal/bus"
	"voyager/internal/logging"
	"voyager/internal/mission"
)

// TestingHandler drives the TESTING stage. Any test outcome, pass or fail,
// moves the mission forward to ANALYZING; the analysis stage decides what the
// results mean.
type TestingHandler struct {
	restrictions Restrictions
}

// NewTestingHandler creates the TESTING handler.
func NewTestingHandler() *TestingHandler {
	return &TestingHandler{
		restrictions: Restrictions{AllowBash: true},
	}
}

func (h *TestingHandler) GetPrompt(ctx StageContext) string {
	return fmt.Sprintf(`=== STAGE: TESTING ===

Run the test suite for the work built this cycle and record the results.

Rules for this stage:
- Execute the tests named in %s/artifacts/implementation_plan.md, plus any
  suite the project already carries.
- Write a full results file to %s/artifacts/test_results.md: commands run,
  pass/fail counts, and the complete output of every failure.
- Do NOT fix failures here. Recording them is this stage's whole job.

Reply with a single JSON object:
{"status": "tests_passed" | "tests_failed" | "tests_error",
 "tests_run": <n>, "tests_passed": <n>, "tests_failed": <n>,
 "summary": "..."}`,
		ctx.MissionDir, ctx.MissionDir)
}

func (h *TestingHandler) ProcessResponse(reply map[string]any, ctx StageContext) StageResult {
	status := replyString(reply, "status")
	out := copyReply(reply)
	events := []bus.Event{responseEvent(ctx, status)}

	switch status {
	case "tests_passed", "tests_failed", "tests_error":
		return StageResult{
			Success:    true,
			NextStage:  mission.StageAnalyzing,
			Status:     status,
			OutputData: out,
			Events:     events,
			Message:    fmt.Sprintf("testing finished (%s), moving to ANALYZING", status),
		}
	}

	logging.StageDebug("TESTING unexpected status %q, staying put", status)
	return StageResult{
		Success:    false,
		NextStage:  mission.StageTesting,
		Status:     status,
		OutputData: out,
		Events:     events,
		Message:    "unexpected status, staying in TESTING",
	}
}

func (h *TestingHandler) GetRestrictions() Restrictions { return h.restrictions }

// SetRestrictions applies a config-driven override.
func (h *TestingHandler) SetRestrictions(r Restrictions) { h.restrictions = r }

func (h *TestingHandler) ValidateTransition(from mission.Stage, ctx StageContext) bool {
	switch from {
	case mission.StageBuilding, mission.StageTesting:
		return true
	}
	return false
}
