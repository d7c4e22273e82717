package stage

import (
	"voyager/internal/bus"
	"voyager/internal/mission"
)

// CompleteHandler is the terminal stage. The mission is read-only here: no
// writes, no tools, no bash. Any response leaves the mission in COMPLETE.
type CompleteHandler struct {
	restrictions Restrictions
}

// NewCompleteHandler creates the COMPLETE handler.
func NewCompleteHandler() *CompleteHandler {
	return &CompleteHandler{
		restrictions: Restrictions{
			BlockedTools: []string{"Write", "Edit", "MultiEdit", "NotebookEdit", "Bash"},
			ReadOnly:     true,
			AllowBash:    false,
		},
	}
}

func (h *CompleteHandler) GetPrompt(ctx StageContext) string {
	return `=== STAGE: COMPLETE ===

The mission is finished. No further work is expected. If you were invoked in
this stage, reply with:
{"status": "mission_already_complete"}`
}

func (h *CompleteHandler) ProcessResponse(reply map[string]any, ctx StageContext) StageResult {
	status := replyString(reply, "status")
	return StageResult{
		Success:    true,
		NextStage:  mission.StageComplete,
		Status:     status,
		OutputData: copyReply(reply),
		Events:     []bus.Event{responseEvent(ctx, status)},
		Message:    "mission is complete, no transition",
	}
}

func (h *CompleteHandler) GetRestrictions() Restrictions { return h.restrictions }

// SetRestrictions applies a config-driven override.
func (h *CompleteHandler) SetRestrictions(r Restrictions) { h.restrictions = r }

func (h *CompleteHandler) ValidateTransition(from mission.Stage, ctx StageContext) bool {
	switch from {
	case mission.StageCycleEnd, mission.StageComplete:
		return true
	}
	return false
}
