package bus

import (
	"voyager/internal/logging"
)

// DriftValidatorIntegration cross-checks completed-stage events against the
// state store's view of the current stage. Disagreement means some path
// mutated state without going through the orchestrator; it is surfaced as
// a drift_detected event rather than corrected.
type DriftValidatorIntegration struct {
	bus          *Bus
	currentStage func() string
}

// NewDriftValidatorIntegration creates the drift validator. currentStage
// reads the authoritative stage from the state store.
func NewDriftValidatorIntegration(b *Bus, currentStage func() string) *DriftValidatorIntegration {
	return &DriftValidatorIntegration{bus: b, currentStage: currentStage}
}

func (d *DriftValidatorIntegration) Name() string       { return "drift_validator" }
func (d *DriftValidatorIntegration) Priority() Priority { return PriorityNormal }

func (d *DriftValidatorIntegration) Subscriptions() []EventType {
	return []EventType{EventStageStarted}
}

func (d *DriftValidatorIntegration) Available() bool { return d.currentStage != nil }

func (d *DriftValidatorIntegration) HandleEvent(ev Event) error {
	actual := d.currentStage()
	if actual == ev.Stage {
		return nil
	}

	logging.BusWarn("stage drift: event says %q, store says %q", ev.Stage, actual)
	d.bus.Emit(NewEvent(EventDriftDetected, actual, ev.MissionID, "drift_validator", map[string]any{
		"event_stage": ev.Stage,
		"store_stage": actual,
	}))
	return nil
}
