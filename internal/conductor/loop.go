package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"voyager/internal/bus"
	"voyager/internal/logging"
	"voyager/internal/mission"
	"voyager/internal/watcher"
)

// InvokeFunc runs one agent turn. It returns the agent's reply text, or a
// non-empty errText describing the failure. The implementation owns the
// agent process; the conductor never sees it directly.
type InvokeFunc func(ctx context.Context, prompt string, timeout time.Duration) (reply string, errText string)

// KillFunc terminates the agent session. graceful asks for a clean
// shutdown first; implementations escalate to a hard kill after the grace
// period.
type KillFunc func(sessionID string, graceful bool) error

// Conductor drives the agent through the mission: one prompt per turn,
// watching for context exhaustion, classifying failures, and restarting
// within budget.
type Conductor struct {
	orch    *Orchestrator
	watch   *watcher.ContextWatcher
	handoff *HandoffWriter
	bus     *bus.Bus
	invoke  InvokeFunc
	kill    KillFunc

	restartBudget int
	llmTimeout    time.Duration
	maxTurns      int // 0 means unlimited

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(time.Duration)
}

// LoopOptions configures the conductor.
type LoopOptions struct {
	RestartBudget int
	LLMTimeout    time.Duration
	MaxTurns      int
}

// NewConductor wires the conductor.
func NewConductor(orch *Orchestrator, w *watcher.ContextWatcher, h *HandoffWriter, b *bus.Bus, invoke InvokeFunc, kill KillFunc, opts LoopOptions) *Conductor {
	if opts.RestartBudget <= 0 {
		opts.RestartBudget = 3
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = 10 * time.Minute
	}
	if kill == nil {
		kill = func(string, bool) error { return nil }
	}
	return &Conductor{
		orch:          orch,
		watch:         w,
		handoff:       h,
		bus:           b,
		invoke:        invoke,
		kill:          kill,
		restartBudget: opts.RestartBudget,
		llmTimeout:    opts.LLMTimeout,
		maxTurns:      opts.MaxTurns,
		sleep:         time.Sleep,
	}
}

type turnResult struct {
	reply   string
	errText string
}

// Run drives the mission until it completes, the context is cancelled, or
// a blocking failure halts it. Restart accounting: failures classified as
// graceful never consume the budget; retriable failures do; blocking
// failures halt immediately.
func (c *Conductor) Run(ctx context.Context) error {
	rec := c.orch.Store().Snapshot()
	logging.Conductor("mission %s starting at stage %s (cycle %d/%d)",
		rec.MissionID, rec.CurrentStage, rec.CurrentCycle, rec.CycleBudget)
	c.orch.StartMission()

	if c.watch != nil {
		c.watch.Start()
		defer c.watch.Stop()
	}

	attempts := 0
	turns := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec = c.orch.Store().Snapshot()
		if rec.CurrentStage == mission.StageComplete {
			logging.Conductor("mission %s is COMPLETE", rec.MissionID)
			return nil
		}
		if c.maxTurns > 0 && turns >= c.maxTurns {
			return fmt.Errorf("turn limit reached (%d) before mission completed", c.maxTurns)
		}
		turns++

		signal, res, err := c.runTurn(ctx)
		if err != nil {
			return err
		}

		if signal != nil {
			c.handleHandoff(*signal)
			continue
		}

		if res.errText != "" {
			cl := Classify(res.errText)
			switch cl.Severity {
			case SeverityBlocking:
				msg := fmt.Sprintf("[FATAL] %s: %s", cl.Reason, cl.Detail)
				if cl.ResetTime != "" {
					msg += fmt.Sprintf(" (resets at %s)", cl.ResetTime)
				}
				logging.ConductorError("%s", msg)
				c.bus.Emit(bus.NewEvent(bus.EventMissionFailed, string(rec.CurrentStage), rec.MissionID, "conductor", map[string]any{
					"reason": string(cl.Reason),
					"detail": cl.Detail,
				}))
				return fmt.Errorf("%s", msg)

			case SeverityGraceful:
				logging.ConductorWarn("[RESTART:%s] %s", cl.Reason, cl.Detail)
				c.sleep(Backoff(cl, 1))
				continue

			default:
				attempts++
				if attempts >= c.restartBudget {
					msg := fmt.Sprintf("[FATAL] restart budget exhausted after %d attempts (%s)", attempts, cl.Reason)
					logging.ConductorError("%s", msg)
					c.bus.Emit(bus.NewEvent(bus.EventMissionFailed, string(rec.CurrentStage), rec.MissionID, "conductor", map[string]any{
						"reason": string(cl.Reason),
						"detail": cl.Detail,
					}))
					return fmt.Errorf("%s", msg)
				}
				logging.ConductorWarn("[ERROR:%s] %s (attempt %d/%d)", cl.Reason, cl.Detail, attempts, c.restartBudget)
				c.sleep(Backoff(cl, attempts))
				continue
			}
		}

		attempts = 0
		reply := parseReply(res.reply)
		if _, perr := c.orch.ProcessResponse(reply); perr != nil {
			logging.ConductorWarn("failed to process response: %v", perr)
		}
	}
}

// runTurn registers a session, invokes the agent once, and races the
// result against handoff signals. Exactly one of signal and result is
// meaningful.
func (c *Conductor) runTurn(ctx context.Context) (*watcher.HandoffSignal, turnResult, error) {
	rec := c.orch.Store().Snapshot()

	var sessionID string
	if c.watch != nil {
		id, err := c.watch.Watch(rec.MissionWorkspace)
		if err != nil {
			logging.ConductorWarn("failed to watch session: %v", err)
		} else {
			sessionID = id
			defer func() {
				c.watch.StopWatching(sessionID)
				drainSignals(c.watch.Signals())
			}()
		}
	}

	prompt := c.orch.BuildPrompt()

	g, gctx := errgroup.WithContext(ctx)
	resCh := make(chan turnResult, 1)
	g.Go(func() error {
		reply, errText := c.invoke(gctx, prompt, c.llmTimeout)
		resCh <- turnResult{reply: reply, errText: errText}
		return nil
	})

	var signals <-chan watcher.HandoffSignal
	if c.watch != nil {
		signals = c.watch.Signals()
	}

	select {
	case <-ctx.Done():
		_ = g.Wait()
		return nil, turnResult{}, ctx.Err()

	case sig := <-signals:
		graceful := sig.Level != watcher.LevelEmergency
		if kerr := c.kill(sig.SessionID, graceful); kerr != nil {
			logging.ConductorWarn("failed to stop session %s: %v", sig.SessionID, kerr)
		}
		_ = g.Wait()
		return &sig, turnResult{}, nil

	case res := <-resCh:
		_ = g.Wait()
		// A signal that raced the reply is authoritative over it.
		select {
		case sig := <-signals:
			return &sig, turnResult{}, nil
		default:
		}
		return nil, res, nil
	}
}

// drainSignals discards signals left over from a finished session so they
// cannot satisfy a later turn.
func drainSignals(ch <-chan watcher.HandoffSignal) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// handleHandoff records the handoff and leaves the mission where it is;
// the next turn resumes the same stage with a fresh session. Handoffs are
// expected context rotation, never a failure, and never consume the
// restart budget.
func (c *Conductor) handleHandoff(sig watcher.HandoffSignal) {
	rec := c.orch.Store().Snapshot()
	logging.Conductor("handling %s handoff for session %s (stage %s)", sig.Level, sig.SessionID, rec.CurrentStage)

	if c.handoff != nil {
		note := HandoffNote{
			SessionID:  sig.SessionID,
			Level:      string(sig.Level),
			Stage:      string(rec.CurrentStage),
			Cycle:      rec.CurrentCycle,
			TokensUsed: sig.TokensUsed,
			Summary: fmt.Sprintf("Session handed off (%s) with cache_read=%d cache_creation=%d after %.1f minutes.",
				sig.Level, sig.CacheRead, sig.CacheCreation, sig.ElapsedMinutes),
			NextSteps: fmt.Sprintf("Resume the %s stage of cycle %d. Re-read the latest artifacts before acting.",
				rec.CurrentStage, rec.CurrentCycle),
		}
		if _, err := c.handoff.Append(note); err != nil {
			logging.ConductorError("failed to write handoff note: %v", err)
		}
	}

	c.orch.Store().LogHistory(rec.CurrentStage, "session_handoff",
		fmt.Sprintf("level=%s session=%s tokens=%d", sig.Level, sig.SessionID, sig.TokensUsed))
}

// parseReply extracts the agent's JSON object from its reply text. Agents
// often wrap the object in prose or code fences; the outermost braces of
// the last JSON-looking region win. Unparseable replies yield an empty
// map, which handlers treat as an unexpected status.
func parseReply(text string) map[string]any {
	text = strings.TrimSpace(text)
	if text == "" {
		return map[string]any{}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil {
			return out
		}
	}

	logging.ConductorDebug("reply was not JSON (%d bytes), passing empty map", len(text))
	return map[string]any{}
}
