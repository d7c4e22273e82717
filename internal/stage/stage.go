// Package stage implements the per-stage handlers of the mission workflow:
// prompt bodies, reply interpretation, restriction profiles, and transition
// validation. Handlers are looked up through the Registry; the orchestrator
// never hardcodes stage behavior.
package stage

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"voyager/internal/bus"
	"voyager/internal/mission"
)

// KeyIncrementIteration is the sentinel flag in StageResult.OutputData that
// tells the orchestrator to bump the mission's iteration counter.
const KeyIncrementIteration = "_increment_iteration"

// StageContext is a read-only snapshot of mission state handed to handlers.
type StageContext struct {
	MissionID                string
	ProblemStatement         string
	OriginalProblemStatement string
	Stage                    mission.Stage
	Iteration                int
	CurrentCycle             int
	CycleBudget              int
	Workspace                string
	MissionDir               string
	Preferences              string
	SuccessCriteria          string
	History                  []mission.HistoryEntry
}

// StageResult is what a handler makes of one agent reply.
type StageResult struct {
	Success    bool
	NextStage  mission.Stage
	Status     string
	OutputData map[string]any
	Events     []bus.Event
	Message    string
}

// Restrictions is a stage's allow/deny policy for tools and write paths.
// Paths are doublestar glob patterns.
type Restrictions struct {
	AllowedTools        []string `yaml:"allowed_tools"`
	BlockedTools        []string `yaml:"blocked_tools"`
	AllowedWritePaths   []string `yaml:"allowed_write_paths"`
	ForbiddenWritePaths []string `yaml:"forbidden_write_paths"`
	AllowBash           bool     `yaml:"allow_bash"`
	ReadOnly            bool     `yaml:"read_only"`
}

// IsToolAllowed checks the blocked list first, then (when an allowed list
// exists) membership in it.
func (r Restrictions) IsToolAllowed(tool string) bool {
	for _, blocked := range r.BlockedTools {
		if strings.EqualFold(blocked, tool) {
			return false
		}
	}
	if len(r.AllowedTools) == 0 {
		return true
	}
	for _, allowed := range r.AllowedTools {
		if strings.EqualFold(allowed, tool) {
			return true
		}
	}
	return false
}

// IsWriteAllowed checks a candidate write path against the profile:
// forbidden patterns veto, then a non-empty allowed list must match.
// Patterns match against the slashed path and, for convenience, its base
// name (so "*implementation_plan.md" works anywhere in the tree).
func (r Restrictions) IsWriteAllowed(path string) bool {
	if r.ReadOnly {
		return false
	}
	p := filepath.ToSlash(path)
	base := filepath.Base(p)

	for _, pat := range r.ForbiddenWritePaths {
		if globMatch(pat, p) || globMatch(pat, base) {
			return false
		}
	}
	if len(r.AllowedWritePaths) == 0 {
		return true
	}
	for _, pat := range r.AllowedWritePaths {
		if globMatch(pat, p) || globMatch(pat, base) {
			return true
		}
	}
	return false
}

func globMatch(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// Handler is the pluggable logic for one stage.
type Handler interface {
	// GetPrompt produces the stage-specific prompt body.
	GetPrompt(ctx StageContext) string
	// ProcessResponse interprets the agent's reply. A nil reply is valid:
	// handlers treat missing fields as an unexpected status.
	ProcessResponse(reply map[string]any, ctx StageContext) StageResult
	// GetRestrictions returns the stage's restriction profile.
	GetRestrictions() Restrictions
	// ValidateTransition reports whether entering this stage from
	// fromStage is legal.
	ValidateTransition(from mission.Stage, ctx StageContext) bool
}

// replyString reads a string field from a reply, tolerating nil maps and
// non-string values.
func replyString(reply map[string]any, key string) string {
	if reply == nil {
		return ""
	}
	v, ok := reply[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// replyBool reads a truthy field from a reply.
func replyBool(reply map[string]any, key string) bool {
	if reply == nil {
		return false
	}
	switch v := reply[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

// copyReply duplicates the reply so unknown keys ride along in OutputData.
func copyReply(reply map[string]any) map[string]any {
	out := make(map[string]any, len(reply)+1)
	for k, v := range reply {
		out[k] = v
	}
	return out
}

// responseEvent is the per-turn breadcrumb every handler emits.
func responseEvent(ctx StageContext, status string) bus.Event {
	return bus.NewEvent(bus.EventResponseReceived, string(ctx.Stage), ctx.MissionID, "stage_handler", map[string]any{
		"status": status,
	})
}
