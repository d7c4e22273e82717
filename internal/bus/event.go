// Package bus implements the integration event bus: priority-ordered,
// failure-isolated dispatch of mission lifecycle events to cross-cutting
// integrations (checkpoints, git commits, analytics, drift validation,
// snapshots).
package bus

import "time"

// EventType is the closed enum of lifecycle event types.
type EventType string

const (
	EventStageStarted      EventType = "stage_started"
	EventStageCompleted    EventType = "stage_completed"
	EventStageFailed       EventType = "stage_failed"
	EventCycleStarted      EventType = "cycle_started"
	EventCycleCompleted    EventType = "cycle_completed"
	EventMissionStarted    EventType = "mission_started"
	EventMissionCompleted  EventType = "mission_completed"
	EventMissionFailed     EventType = "mission_failed"
	EventResponseReceived  EventType = "response_received"
	EventPromptGenerated   EventType = "prompt_generated"
	EventStateSaved        EventType = "state_saved"
	EventStateLoaded       EventType = "state_loaded"
	EventCheckpointCreated EventType = "checkpoint_created"
	EventSnapshotCreated   EventType = "snapshot_created"
	EventDriftDetected     EventType = "drift_detected"
	EventLearningExtracted EventType = "learning_extracted"
)

// Priority orders integration delivery. Lower runs first.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 10
	PriorityNormal     Priority = 20
	PriorityLow        Priority = 30
	PriorityBackground Priority = 40
)

// Event is an immutable lifecycle event. Events are shared by value and
// never mutated after emission.
type Event struct {
	Type      EventType      `json:"type"`
	Stage     string         `json:"stage,omitempty"`
	MissionID string         `json:"mission_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(typ EventType, stage, missionID, source string, data map[string]any) Event {
	return Event{
		Type:      typ,
		Stage:     stage,
		MissionID: missionID,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
	}
}

// Integration is a cross-cutting subscriber to lifecycle events.
type Integration interface {
	// Name uniquely identifies the integration on the bus.
	Name() string
	// Priority orders delivery among subscribers to the same event.
	Priority() Priority
	// Subscriptions lists the event types this integration wants.
	Subscriptions() []EventType
	// Available reports whether the integration can currently handle
	// events. Unavailable integrations are skipped, not unregistered.
	Available() bool
	// HandleEvent processes one event. Errors are counted and logged by
	// the bus; they never propagate to the emitter.
	HandleEvent(ev Event) error
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	EventsEmitted      int `json:"events_emitted"`
	HandlersInvoked    int `json:"handlers_invoked"`
	ErrorsHandled      int `json:"errors_handled"`
	HandlersRegistered int `json:"handlers_registered"`
	HandlersAvailable  int `json:"handlers_available"`
}

// IntegrationInfo is a diagnostic record for one registered integration.
type IntegrationInfo struct {
	Name          string      `json:"name"`
	Priority      Priority    `json:"priority"`
	Subscriptions []EventType `json:"subscriptions"`
	Available     bool        `json:"available"`
	Reloadable    bool        `json:"reloadable"`
}
