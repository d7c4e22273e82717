package stage

import (
	"sync"

	"voyager/internal/config"
	"voyager/internal/logging"
	"voyager/internal/mission"
)

// overridable is implemented by every built-in handler so the registry can
// apply config overrides after construction.
type overridable interface {
	SetRestrictions(Restrictions)
	GetRestrictions() Restrictions
}

// Registry maps stage names to their handlers. Handlers are built lazily on
// first lookup and cached; an explicit constructor table replaces any form
// of reflective discovery so the set of stages is closed and auditable.
type Registry struct {
	mu           sync.Mutex
	constructors map[mission.Stage]func() Handler
	cache        map[mission.Stage]Handler
	overrides    map[string]config.StageOverride
}

// NewRegistry creates a registry with the six built-in stages registered.
// overrides (usually Config.Stages) replace restriction profiles per stage.
func NewRegistry(overrides map[string]config.StageOverride) *Registry {
	r := &Registry{
		constructors: map[mission.Stage]func() Handler{
			mission.StagePlanning:  func() Handler { return NewPlanningHandler() },
			mission.StageBuilding:  func() Handler { return NewBuildingHandler() },
			mission.StageTesting:   func() Handler { return NewTestingHandler() },
			mission.StageAnalyzing: func() Handler { return NewAnalyzingHandler() },
			mission.StageCycleEnd:  func() Handler { return NewCycleEndHandler() },
			mission.StageComplete:  func() Handler { return NewCompleteHandler() },
		},
		cache:     make(map[mission.Stage]Handler),
		overrides: overrides,
	}
	return r
}

// RegisterConstructor adds or replaces a stage constructor. The cached
// instance (if any) is dropped so the next lookup rebuilds.
func (r *Registry) RegisterConstructor(st mission.Stage, ctor func() Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[st] = ctor
	delete(r.cache, st)
}

// Get returns the handler for a stage. Unknown stage names fall back to the
// PLANNING handler so a corrupted state file degrades to replanning instead
// of halting the mission.
func (r *Registry) Get(st mission.Stage) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.cache[st]; ok {
		return h
	}

	ctor, ok := r.constructors[st]
	if !ok {
		logging.StageWarn("no handler for stage %q, falling back to PLANNING", st)
		st = mission.StagePlanning
		if h, ok := r.cache[st]; ok {
			return h
		}
		ctor = r.constructors[st]
	}

	h := ctor()
	r.applyOverride(st, h)
	r.cache[st] = h
	return h
}

// Stages lists the registered stage names.
func (r *Registry) Stages() []mission.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mission.Stage, 0, len(r.constructors))
	for st := range r.constructors {
		out = append(out, st)
	}
	return out
}

func (r *Registry) applyOverride(st mission.Stage, h Handler) {
	ov, ok := r.overrides[string(st)]
	if !ok {
		return
	}
	oh, ok := h.(overridable)
	if !ok {
		return
	}

	cur := oh.GetRestrictions()
	if ov.AllowedTools != nil {
		cur.AllowedTools = ov.AllowedTools
	}
	if ov.BlockedTools != nil {
		cur.BlockedTools = ov.BlockedTools
	}
	if ov.AllowedWritePaths != nil {
		cur.AllowedWritePaths = ov.AllowedWritePaths
	}
	if ov.ForbiddenWritePaths != nil {
		cur.ForbiddenWritePaths = ov.ForbiddenWritePaths
	}
	if ov.AllowBash != nil {
		cur.AllowBash = *ov.AllowBash
	}
	if ov.ReadOnly != nil {
		cur.ReadOnly = *ov.ReadOnly
	}
	oh.SetRestrictions(cur)
	logging.StageDebug("applied config override for stage %s", st)
}
