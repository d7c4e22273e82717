package bus

import (
	"fmt"
	"sort"
	"sync"

	"voyager/internal/logging"
)

// Constructor builds a fresh instance of an integration. Registering one
// alongside the integration makes it reloadable at runtime without any
// runtime code loading.
type Constructor func() (Integration, error)

type registration struct {
	integration Integration
	constructor Constructor
	order       int // registration order, tie-breaker within a priority
}

// Bus dispatches events to registered integrations, in ascending priority
// order, sequentially, on the emitter's goroutine. A failing integration
// never prevents delivery to the rest.
type Bus struct {
	mu       sync.Mutex
	byName   map[string]*registration
	ordered  []*registration // sorted by (priority, order)
	nextOrd  int
	counters Stats
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{byName: make(map[string]*registration)}
}

// Register adds an integration. An existing integration with the same name
// is unregistered first (replace semantics).
func (b *Bus) Register(in Integration) {
	b.RegisterWithConstructor(in, nil)
}

// RegisterWithConstructor adds an integration along with a constructor that
// can rebuild it for ReloadIntegration.
func (b *Bus) RegisterWithConstructor(in Integration, ctor Constructor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.byName[in.Name()]; exists {
		b.removeLocked(in.Name())
		logging.BusDebug("replacing integration %q", in.Name())
	}

	reg := &registration{integration: in, constructor: ctor, order: b.nextOrd}
	b.nextOrd++
	b.byName[in.Name()] = reg
	b.ordered = append(b.ordered, reg)
	b.sortLocked()

	logging.Bus("registered integration %q (priority=%d)", in.Name(), in.Priority())
}

// Unregister removes an integration by name. Unknown names are a no-op.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byName[name]; ok {
		b.removeLocked(name)
		logging.Bus("unregistered integration %q", name)
	}
}

func (b *Bus) removeLocked(name string) {
	delete(b.byName, name)
	kept := b.ordered[:0]
	for _, reg := range b.ordered {
		if reg.integration.Name() != name {
			kept = append(kept, reg)
		}
	}
	b.ordered = kept
}

func (b *Bus) sortLocked() {
	sort.SliceStable(b.ordered, func(i, j int) bool {
		pi, pj := b.ordered[i].integration.Priority(), b.ordered[j].integration.Priority()
		if pi != pj {
			return pi < pj
		}
		return b.ordered[i].order < b.ordered[j].order
	})
}

// Emit delivers ev to every subscribed, available integration in priority
// order. Handler errors (and panics) are counted, logged, and swallowed.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	b.counters.EventsEmitted++
	targets := make([]Integration, 0, len(b.ordered))
	for _, reg := range b.ordered {
		if subscribes(reg.integration, ev.Type) {
			targets = append(targets, reg.integration)
		}
	}
	b.mu.Unlock()

	for _, in := range targets {
		if !in.Available() {
			logging.BusDebug("skipping unavailable integration %q for %s", in.Name(), ev.Type)
			continue
		}
		b.invoke(in, ev)
	}
}

func (b *Bus) invoke(in Integration, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.counters.ErrorsHandled++
			b.mu.Unlock()
			logging.BusWarn("integration %q panicked on %s: %v", in.Name(), ev.Type, r)
		}
	}()

	b.mu.Lock()
	b.counters.HandlersInvoked++
	b.mu.Unlock()

	if err := in.HandleEvent(ev); err != nil {
		b.mu.Lock()
		b.counters.ErrorsHandled++
		b.mu.Unlock()
		logging.BusWarn("integration %q failed on %s: %v", in.Name(), ev.Type, err)
	}
}

func subscribes(in Integration, typ EventType) bool {
	for _, sub := range in.Subscriptions() {
		if sub == typ {
			return true
		}
	}
	return false
}

// ReloadIntegration rebuilds a registered integration from its constructor.
// On any failure the original stays registered. Returns true on success.
func (b *Bus) ReloadIntegration(name string) bool {
	b.mu.Lock()
	reg, ok := b.byName[name]
	b.mu.Unlock()
	if !ok {
		logging.BusWarn("reload requested for unknown integration %q", name)
		return false
	}
	if reg.constructor == nil {
		logging.BusWarn("integration %q is not reloadable", name)
		return false
	}

	fresh, err := reg.constructor()
	if err != nil {
		logging.BusWarn("reload of %q failed, keeping original: %v", name, err)
		return false
	}

	b.Unregister(name)
	b.RegisterWithConstructor(fresh, reg.constructor)
	logging.Bus("reloaded integration %q", name)
	return true
}

// ReloadAll reloads every reloadable integration, returning the number
// successfully reloaded.
func (b *Bus) ReloadAll() int {
	b.mu.Lock()
	names := make([]string, 0, len(b.ordered))
	for _, reg := range b.ordered {
		if reg.constructor != nil {
			names = append(names, reg.integration.Name())
		}
	}
	b.mu.Unlock()

	reloaded := 0
	for _, name := range names {
		if b.ReloadIntegration(name) {
			reloaded++
		}
	}
	return reloaded
}

// AddIntegrationDynamically registers an integration built by ctor.
func (b *Bus) AddIntegrationDynamically(ctor Constructor) error {
	in, err := ctor()
	if err != nil {
		return fmt.Errorf("failed to construct integration: %w", err)
	}
	b.RegisterWithConstructor(in, ctor)
	return nil
}

// GetStats returns a snapshot of the bus counters.
func (b *Bus) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.counters
	st.HandlersRegistered = len(b.ordered)
	for _, reg := range b.ordered {
		if reg.integration.Available() {
			st.HandlersAvailable++
		}
	}
	return st
}

// GetIntegrationInfo returns a diagnostic record for name, or false when
// no such integration is registered.
func (b *Bus) GetIntegrationInfo(name string) (IntegrationInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, ok := b.byName[name]
	if !ok {
		return IntegrationInfo{}, false
	}
	in := reg.integration
	return IntegrationInfo{
		Name:          in.Name(),
		Priority:      in.Priority(),
		Subscriptions: append([]EventType(nil), in.Subscriptions()...),
		Available:     in.Available(),
		Reloadable:    reg.constructor != nil,
	}, true
}

// Names lists registered integrations in delivery order.
func (b *Bus) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, len(b.ordered))
	for i, reg := range b.ordered {
		names[i] = reg.integration.Name()
	}
	return names
}
