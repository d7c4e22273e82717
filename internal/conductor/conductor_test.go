package conductor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voyager/internal/bus"
	"voyager/internal/config"
	"voyager/internal/cycle"
	"voyager/internal/mission"
	"voyager/internal/prompt"
	"voyager/internal/stage"
	"voyager/internal/watcher"
)

type recordingIntegration struct {
	events []bus.Event
}

func (r *recordingIntegration) Name() string           { return "recorder" }
func (r *recordingIntegration) Priority() bus.Priority { return bus.PriorityBackground }
func (r *recordingIntegration) Available() bool        { return true }
func (r *recordingIntegration) Subscriptions() []bus.EventType {
	return []bus.EventType{
		bus.EventStageStarted, bus.EventStageCompleted, bus.EventStageFailed,
		bus.EventCycleStarted, bus.EventCycleCompleted,
		bus.EventMissionStarted, bus.EventMissionCompleted, bus.EventMissionFailed,
	}
}
func (r *recordingIntegration) HandleEvent(ev bus.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingIntegration) count(typ bus.EventType) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	orch     *Orchestrator
	store    *mission.Store
	recorder *recordingIntegration
	bus      *bus.Bus
}

func newFixture(t *testing.T, cycleBudget int) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := mission.NewStore(filepath.Join(dir, ".voyager", "mission.json"), true)
	store.SetDefaults("build a rate limiter", cycleBudget)
	store.Load()

	b := bus.New()
	rec := &recordingIntegration{}
	b.Register(rec)

	cfg := config.DefaultConfig()
	cfg.Mission.CycleBudget = cycleBudget

	reg := stage.NewRegistry(nil)
	cycles := cycle.NewManager(store)
	factory := prompt.NewFactory(prompt.Options{Provider: "test", GroundRulesDir: filepath.Join(dir, "rules")})

	return &fixture{
		orch:     NewOrchestrator(cfg, store, reg, b, factory, cycles),
		store:    store,
		recorder: rec,
		bus:      b,
	}
}

// scriptedInvoke answers each prompt based on the stage banner inside it.
func scriptedInvoke() InvokeFunc {
	return func(_ context.Context, p string, _ time.Duration) (string, string) {
		switch {
		case strings.Contains(p, "STAGE: PLANNING"):
			return `{"status": "plan_complete", "summary": "plan"}`, ""
		case strings.Contains(p, "STAGE: BUILDING"):
			return `{"status": "build_complete", "ready_for_testing": true}`, ""
		case strings.Contains(p, "STAGE: TESTING"):
			return `{"status": "tests_passed", "tests_run": 12}`, ""
		case strings.Contains(p, "STAGE: ANALYZING"):
			return `{"status": "success", "recommendation": "COMPLETE"}`, ""
		case strings.Contains(p, "STAGE: CYCLE_END (final"):
			return `{"status": "mission_complete", "report": "shipped"}`, ""
		case strings.Contains(p, "STAGE: CYCLE_END"):
			return `{"status": "cycle_complete", "report": "good cycle", "next_cycle_focus": "polish"}`, ""
		}
		return "", fmt.Sprintf("exception: unexpected prompt: %.60s", p)
	}
}

func newTestConductor(f *fixture, invoke InvokeFunc, budget int) *Conductor {
	c := NewConductor(f.orch, nil, nil, f.bus, invoke, nil, LoopOptions{
		RestartBudget: budget,
		LLMTimeout:    time.Second,
		MaxTurns:      50,
	})
	c.sleep = func(time.Duration) {}
	return c
}

func TestFullMissionSingleCycle(t *testing.T) {
	f := newFixture(t, 1)
	c := newTestConductor(f, scriptedInvoke(), 3)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("mission should complete: %v", err)
	}

	rec := f.store.Snapshot()
	if rec.CurrentStage != mission.StageComplete {
		t.Errorf("expected COMPLETE, got %s", rec.CurrentStage)
	}
	if got := f.recorder.count(bus.EventMissionCompleted); got != 1 {
		t.Errorf("expected exactly one mission_completed, got %d", got)
	}
	if got := f.recorder.count(bus.EventCycleCompleted); got != 1 {
		t.Errorf("expected one cycle_completed on a one-cycle mission, got %d", got)
	}
	if f.recorder.count(bus.EventMissionFailed) != 0 {
		t.Error("no mission_failed expected on the happy path")
	}
	for _, ev := range f.recorder.events {
		if ev.Type == bus.EventStageStarted && ev.Stage == string(mission.StageComplete) {
			t.Error("COMPLETE must announce mission_completed only, not stage_started")
		}
	}
}

func TestMultiCycleMissionRollsOver(t *testing.T) {
	f := newFixture(t, 2)
	c := newTestConductor(f, scriptedInvoke(), 3)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("mission should complete: %v", err)
	}

	rec := f.store.Snapshot()
	if rec.CurrentStage != mission.StageComplete {
		t.Fatalf("expected COMPLETE, got %s", rec.CurrentStage)
	}
	if rec.CurrentCycle != 2 {
		t.Errorf("expected to finish on cycle 2, got %d", rec.CurrentCycle)
	}
	if got := f.recorder.count(bus.EventCycleCompleted); got != 2 {
		t.Errorf("expected two cycle_completed events, got %d", got)
	}
	if got := f.recorder.count(bus.EventCycleStarted); got != 1 {
		t.Errorf("expected one cycle_started for the second cycle, got %d", got)
	}
	if len(rec.CycleHistory) != 1 {
		t.Errorf("expected one recorded cycle summary, got %d", len(rec.CycleHistory))
	}
	if got := f.recorder.count(bus.EventMissionCompleted); got != 1 {
		t.Errorf("expected exactly one mission_completed, got %d", got)
	}
}

func TestContinuationPromptCarriesOriginalMission(t *testing.T) {
	f := newFixture(t, 3)
	if err := f.orch.AdvanceToNextCycle("made progress", "finish the tests", ""); err != nil {
		t.Fatal(err)
	}

	rec := f.store.Snapshot()
	if rec.CurrentCycle != 2 {
		t.Fatalf("expected cycle 2, got %d", rec.CurrentCycle)
	}
	if !strings.Contains(rec.ProblemStatement, "Cycle 2 of 3") {
		t.Errorf("continuation should name the cycle, got %q", rec.ProblemStatement)
	}
	if !strings.Contains(rec.ProblemStatement, "build a rate limiter") {
		t.Error("continuation must carry the original mission statement")
	}
	if !strings.Contains(rec.ProblemStatement, "finish the tests") {
		t.Error("continuation should carry the next-cycle focus")
	}
	if rec.OriginalProblemStatement != "build a rate limiter" {
		t.Error("original problem statement must never change")
	}
}

func TestCycleEndReplyContinuationBecomesNextProblem(t *testing.T) {
	f := newFixture(t, 2)
	f.store.UpdateStage(mission.StageCycleEnd)

	_, err := f.orch.ProcessResponse(map[string]any{
		"status":              "cycle_complete",
		"report":              "limiter core done",
		"continuation_prompt": "Focus entirely on the sliding-window variant next.",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := f.store.Snapshot()
	if rec.CurrentCycle != 2 {
		t.Fatalf("expected cycle 2, got %d", rec.CurrentCycle)
	}
	if rec.ProblemStatement != "Focus entirely on the sliding-window variant next." {
		t.Errorf("agent continuation must be used verbatim, got %q", rec.ProblemStatement)
	}
	if rec.OriginalProblemStatement != "build a rate limiter" {
		t.Error("original problem statement must never change")
	}
}

func TestCycleEndReplyWithoutContinuationComposesOne(t *testing.T) {
	f := newFixture(t, 2)
	f.store.UpdateStage(mission.StageCycleEnd)

	_, err := f.orch.ProcessResponse(map[string]any{
		"status": "cycle_complete",
		"report": "limiter core done",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := f.store.Snapshot()
	if !strings.Contains(rec.ProblemStatement, "Cycle 2 of 2") {
		t.Errorf("composed continuation should name the cycle, got %q", rec.ProblemStatement)
	}
	if !strings.Contains(rec.ProblemStatement, "build a rate limiter") {
		t.Error("composed continuation must carry the original mission statement")
	}
}

func TestRateLimitHaltsImmediately(t *testing.T) {
	f := newFixture(t, 1)
	calls := 0
	invoke := func(context.Context, string, time.Duration) (string, string) {
		calls++
		return "", "You've hit your limit. It resets at 6pm"
	}
	c := newTestConductor(f, invoke, 5)

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("rate limit must halt the mission")
	}
	if !strings.Contains(err.Error(), "[FATAL]") || !strings.Contains(err.Error(), "rate_limited") {
		t.Errorf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("rate limit must not be retried, got %d calls", calls)
	}
	if f.recorder.count(bus.EventMissionFailed) != 1 {
		t.Error("expected a mission_failed event")
	}
}

func TestGracefulFailuresDoNotConsumeBudget(t *testing.T) {
	f := newFixture(t, 1)
	failures := 0
	happy := scriptedInvoke()
	invoke := func(ctx context.Context, p string, d time.Duration) (string, string) {
		if failures < 4 {
			failures++
			return "", "prompt is too long for the context window"
		}
		return happy(ctx, p, d)
	}
	// Budget of 1 would die on the first retriable failure; four context
	// overflows must sail through because they are graceful.
	c := newTestConductor(f, invoke, 1)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("graceful failures must not exhaust the budget: %v", err)
	}
	if got := f.store.Snapshot().CurrentStage; got != mission.StageComplete {
		t.Errorf("expected COMPLETE, got %s", got)
	}
}

func TestRetriableFailuresExhaustBudget(t *testing.T) {
	f := newFixture(t, 1)
	calls := 0
	invoke := func(context.Context, string, time.Duration) (string, string) {
		calls++
		return "", "cli_error: exit status 2"
	}
	c := newTestConductor(f, invoke, 2)

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected budget exhaustion")
	}
	if !strings.Contains(err.Error(), "restart budget exhausted") {
		t.Errorf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("budget 2 allows exactly 2 failed calls, got %d", calls)
	}
	if f.recorder.count(bus.EventMissionFailed) != 1 {
		t.Error("expected a mission_failed event")
	}
}

func TestTimeoutsConsumeRestartBudget(t *testing.T) {
	f := newFixture(t, 1)
	calls := 0
	invoke := func(context.Context, string, time.Duration) (string, string) {
		calls++
		return "", "timeout: agent exceeded 60s"
	}
	c := newTestConductor(f, invoke, 2)

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("endless timeouts must exhaust the budget, not loop forever")
	}
	if !strings.Contains(err.Error(), "restart budget exhausted") {
		t.Errorf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("budget 2 allows exactly 2 timed-out calls, got %d", calls)
	}
}

func TestProcessResponseNilReplyStaysPut(t *testing.T) {
	f := newFixture(t, 1)
	res, err := f.orch.ProcessResponse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NextStage != mission.StagePlanning {
		t.Errorf("nil reply should stay in PLANNING, got %s", res.NextStage)
	}
	if f.recorder.count(bus.EventStageFailed) == 0 {
		t.Error("expected a stage_failed breadcrumb for an empty reply")
	}
}

func TestProcessResponseIncrementsIterationOnRevision(t *testing.T) {
	f := newFixture(t, 1)
	f.store.UpdateStage(mission.StageBuilding)
	f.store.UpdateStage(mission.StageTesting)
	f.store.UpdateStage(mission.StageAnalyzing)

	_, err := f.orch.ProcessResponse(map[string]any{"status": "needs_revision"})
	if err != nil {
		t.Fatal(err)
	}
	rec := f.store.Snapshot()
	if rec.CurrentStage != mission.StageBuilding {
		t.Errorf("expected BUILDING, got %s", rec.CurrentStage)
	}
	if rec.Iteration != 1 {
		t.Errorf("expected iteration 1 after revision, got %d", rec.Iteration)
	}
}

func TestHandlerPanicDegradesToStageFailed(t *testing.T) {
	f := newFixture(t, 1)
	f.orch.reg.RegisterConstructor(mission.StagePlanning, func() stage.Handler {
		return panicHandler{}
	})

	res, err := f.orch.ProcessResponse(map[string]any{"status": "plan_complete"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("panicked handler must not report success")
	}
	if res.NextStage != mission.StagePlanning {
		t.Errorf("panic must keep the mission in place, got %s", res.NextStage)
	}
	if f.recorder.count(bus.EventStageFailed) != 1 {
		t.Error("expected a stage_failed event for the panic")
	}
}

type panicHandler struct{}

func (panicHandler) GetPrompt(stage.StageContext) string { return "boom stage" }
func (panicHandler) ProcessResponse(map[string]any, stage.StageContext) stage.StageResult {
	panic("handler exploded")
}
func (panicHandler) GetRestrictions() stage.Restrictions { return stage.Restrictions{} }
func (panicHandler) ValidateTransition(mission.Stage, stage.StageContext) bool { return true }

func TestUpdateStageRejectsIllegalTransition(t *testing.T) {
	f := newFixture(t, 1)
	// PLANNING -> TESTING skips BUILDING.
	if _, err := f.orch.UpdateStage(mission.StageTesting); err == nil {
		t.Fatal("expected illegal transition to be rejected")
	}
	if got := f.store.Snapshot().CurrentStage; got != mission.StagePlanning {
		t.Errorf("stage must be unchanged, got %s", got)
	}
}

func TestTimeHandoffPreemptsSlowTurn(t *testing.T) {
	f := newFixture(t, 1)
	w, err := watcher.New(watcher.Options{
		PollInterval:     10 * time.Millisecond,
		TimeHandoffAfter: 30 * time.Millisecond,
	}, func(string) (string, error) { return "", fmt.Errorf("no transcripts") })
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var kills []bool
	kill := func(_ string, graceful bool) error {
		mu.Lock()
		kills = append(kills, graceful)
		mu.Unlock()
		return nil
	}

	happy := scriptedInvoke()
	first := true
	invoke := func(ctx context.Context, p string, d time.Duration) (string, string) {
		if first {
			first = false
			time.Sleep(300 * time.Millisecond)
			return "", "exception: preempted turn"
		}
		return happy(ctx, p, d)
	}

	h := NewHandoffWriter(t.TempDir())
	c := NewConductor(f.orch, w, h, f.bus, invoke, kill, LoopOptions{
		RestartBudget: 3,
		LLMTimeout:    5 * time.Second,
		MaxTurns:      20,
	})
	c.sleep = func(time.Duration) {}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("mission should complete after the handoff: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kills) == 0 {
		t.Fatal("the in-flight session must be stopped when a handoff signal fires")
	}
	if !kills[0] {
		t.Error("a time-based handoff stops the session gracefully")
	}
	data, err := os.ReadFile(h.Path())
	if err != nil {
		t.Fatalf("expected a handoff note: %v", err)
	}
	if CountSections(string(data)) != 1 {
		t.Errorf("expected exactly one handoff section, got %d", CountSections(string(data)))
	}
}

func TestDrainSignalsEmptiesBacklog(t *testing.T) {
	ch := make(chan watcher.HandoffSignal, 4)
	ch <- watcher.HandoffSignal{SessionID: "old-1"}
	ch <- watcher.HandoffSignal{SessionID: "old-2"}

	drainSignals(ch)

	select {
	case sig := <-ch:
		t.Fatalf("expected an empty channel, got signal for %s", sig.SessionID)
	default:
	}

	// A nil channel is a no-op, not a hang.
	drainSignals(nil)
}

func TestParseReplyToleratesProseWrapping(t *testing.T) {
	reply := parseReply("Here is my answer:\n```json\n{\"status\": \"plan_complete\"}\n```\nDone.")
	if reply["status"] != "plan_complete" {
		t.Errorf("expected embedded JSON extraction, got %v", reply)
	}
	if len(parseReply("no json here")) != 0 {
		t.Error("non-JSON reply should yield an empty map")
	}
	if len(parseReply("")) != 0 {
		t.Error("empty reply should yield an empty map")
	}
}
