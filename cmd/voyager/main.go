package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"voyager/internal/bus"
	"voyager/internal/conductor"
	"voyager/internal/config"
	"voyager/internal/cycle"
	"voyager/internal/logging"
	"voyager/internal/mission"
	"voyager/internal/prompt"
	"voyager/internal/stage"
	"voyager/internal/watcher"
)

var (
	verbose     bool
	workspace   string
	cycleBudget int
	maxTurns    int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "voyager",
	Short: "voyager - autonomous research and development missions",
	Long: `voyager drives an external coding agent through multi-cycle
research-and-development missions: plan, build, test, analyze, repeat.

Mission state lives in <workspace>/.voyager/mission.json and survives
agent restarts, context handoffs, and crashes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [problem statement]",
	Short: "Start or resume a mission",
	Long: `Starts a new mission with the given problem statement, or resumes an
existing one when <workspace>/.voyager/mission.json already exists.

Example:
  voyager run "Build a rate limiter package with sliding-window support" --cycles 3`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMission,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current mission state",
	RunE:  showStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Return a completed mission to PLANNING at cycle 1",
	RunE:  resetMission,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "mission workspace directory")

	runCmd.Flags().IntVar(&cycleBudget, "cycles", 0, "cycle budget (overrides config)")
	runCmd.Flags().IntVar(&maxTurns, "max-turns", 0, "halt after this many agent turns (0 = unlimited)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runMission(cmd *cobra.Command, args []string) error {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace: %w", err)
	}

	cfg, err := config.Load(ws)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cycleBudget > 0 {
		cfg.Mission.CycleBudget = cycleBudget
	}
	logging.Initialize(ws)

	problem := ""
	if len(args) > 0 {
		problem = args[0]
	}

	missionDir := filepath.Join(ws, ".voyager")
	statePath := filepath.Join(ws, cfg.Mission.StatePath)

	store := mission.NewStore(statePath, cfg.Mission.AutoSave)
	store.SetDefaults(problem, cfg.Mission.CycleBudget)
	rec := store.Load()
	if problem == "" && rec.ProblemStatement == "" {
		return fmt.Errorf("no problem statement given and no mission to resume at %s", statePath)
	}
	logger.Info("mission loaded",
		zap.String("mission_id", rec.MissionID),
		zap.String("stage", string(rec.CurrentStage)),
		zap.Int("cycle", rec.CurrentCycle),
		zap.Int("cycle_budget", rec.CycleBudget))

	b := bus.New()
	registerIntegrations(b, cfg, ws, missionDir, statePath, store)

	reg := stage.NewRegistry(cfg.Stages)
	cycles := cycle.NewManager(store)

	factory := prompt.NewFactory(prompt.Options{
		Provider:        cfg.Prompt.Provider,
		GroundRulesDir:  filepath.Join(ws, cfg.Prompt.GroundRulesDir),
		HistoryTail:     cfg.Prompt.HistoryTail,
		KnowledgeTopK:   cfg.Prompt.KnowledgeTopK,
		KnowledgeMaxLen: cfg.Prompt.KnowledgeMaxLen,
	})
	factory.SetRecoveryProvider(bus.NewRecoveryProvider(filepath.Join(missionDir, "checkpoints")))

	orch := conductor.NewOrchestrator(cfg, store, reg, b, factory, cycles)

	w, err := watcher.New(watcher.Options{
		PollInterval:        cfg.Watcher.PollInterval.Std(),
		GracefulThreshold:   cfg.Watcher.GracefulThreshold,
		EmergencyThreshold:  cfg.Watcher.EmergencyThreshold,
		LowCacheRead:        cfg.Watcher.LowCacheRead,
		TimeHandoffAfter:    cfg.Watcher.TimeHandoffAfter.Std(),
		StaleSessionTimeout: cfg.Watcher.StaleSessionTimeout.Std(),
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to create context watcher: %w", err)
	}

	handoff := conductor.NewHandoffWriter(missionDir)
	invoke, kill := providerInvoke(cfg.Prompt.Provider, ws)

	cond := conductor.NewConductor(orch, w, handoff, b, invoke, kill, conductor.LoopOptions{
		RestartBudget: cfg.Conductor.RestartBudget,
		LLMTimeout:    cfg.Conductor.LLMTimeout.Std(),
		MaxTurns:      maxTurns,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := cond.Run(ctx)
	if ferr := store.Flush(); ferr != nil {
		logger.Warn("failed to flush mission state", zap.Error(ferr))
	}
	if runErr != nil {
		return runErr
	}

	final := store.Snapshot()
	logger.Info("mission finished",
		zap.String("mission_id", final.MissionID),
		zap.String("stage", string(final.CurrentStage)),
		zap.Int("cycles_used", final.CurrentCycle))
	return nil
}

func registerIntegrations(b *bus.Bus, cfg *config.Config, ws, missionDir, statePath string, store *mission.Store) {
	if cfg.Bus.Checkpoints {
		ctor := func() (bus.Integration, error) {
			return bus.NewCheckpointIntegration(statePath, filepath.Join(missionDir, "checkpoints")), nil
		}
		in, _ := ctor()
		b.RegisterWithConstructor(in, ctor)
	}
	if cfg.Bus.GitCommit {
		ctor := func() (bus.Integration, error) {
			return bus.NewGitCommitIntegration(ws, cfg.Bus.GitTimeout.Std()), nil
		}
		in, _ := ctor()
		b.RegisterWithConstructor(in, ctor)
	}
	if cfg.Bus.DriftValidator {
		b.Register(bus.NewDriftValidatorIntegration(b, func() string {
			return string(store.Snapshot().CurrentStage)
		}))
	}
	if cfg.Bus.Snapshots {
		b.Register(bus.NewSnapshotIntegration(
			filepath.Join(missionDir, "artifacts"),
			filepath.Join(missionDir, "snapshots")))
	}
	if cfg.Bus.Analytics {
		b.Register(bus.NewAnalyticsIntegration(filepath.Join(ws, cfg.Bus.AnalyticsPath)))
	}
}

// termGracePeriod is how long a gracefully stopped agent gets between
// SIGTERM and SIGKILL.
const termGracePeriod = 5 * time.Second

// providerInvoke builds the InvokeFunc and KillFunc for the configured
// agent CLI. The agent reads the prompt on stdin and writes its reply to
// stdout. It runs in its own process group so a kill reaches any children
// it spawned.
func providerInvoke(provider, ws string) (conductor.InvokeFunc, conductor.KillFunc) {
	bin := provider
	if bin == "" {
		bin = "claude"
	}

	var mu sync.Mutex
	var current *exec.Cmd

	invoke := func(ctx context.Context, p string, timeout time.Duration) (string, string) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(cctx, bin, "-p", "--output-format", "text")
		cmd.Dir = ws
		cmd.Stdin = strings.NewReader(p)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		mu.Lock()
		current = cmd
		mu.Unlock()
		out, err := cmd.Output()
		mu.Lock()
		current = nil
		mu.Unlock()

		if cctx.Err() == context.DeadlineExceeded {
			return "", fmt.Sprintf("timeout: agent exceeded %s", timeout)
		}
		if err != nil {
			detail := err.Error()
			if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
				detail = string(ee.Stderr)
			}
			return "", fmt.Sprintf("cli_error: %s", detail)
		}
		return string(out), ""
	}

	kill := func(_ string, graceful bool) error {
		mu.Lock()
		cmd := current
		mu.Unlock()
		if cmd == nil || cmd.Process == nil {
			return nil
		}
		pgid := -cmd.Process.Pid
		if !graceful {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return err
		}
		time.AfterFunc(termGracePeriod, func() { _ = syscall.Kill(pgid, syscall.SIGKILL) })
		return nil
	}

	return invoke, kill
}

func showStatus(cmd *cobra.Command, args []string) error {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return err
	}
	statePath := filepath.Join(ws, cfg.Mission.StatePath)
	if _, err := os.Stat(statePath); err != nil {
		return fmt.Errorf("no mission found at %s", statePath)
	}

	store := mission.NewStore(statePath, false)
	rec := store.Snapshot()

	out := map[string]any{
		"mission_id":        rec.MissionID,
		"problem_statement": rec.ProblemStatement,
		"stage":             rec.CurrentStage,
		"cycle":             fmt.Sprintf("%d/%d", rec.CurrentCycle, rec.CycleBudget),
		"iteration":         rec.Iteration,
		"history_entries":   len(rec.History),
		"cycles_recorded":   len(rec.CycleHistory),
		"last_updated":      rec.LastUpdated,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func resetMission(cmd *cobra.Command, args []string) error {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return err
	}
	statePath := filepath.Join(ws, cfg.Mission.StatePath)
	if _, err := os.Stat(statePath); err != nil {
		return fmt.Errorf("no mission found at %s", statePath)
	}

	store := mission.NewStore(statePath, true)
	rec := store.Snapshot()
	if rec.CurrentStage != mission.StageComplete {
		return fmt.Errorf("mission is %s, not COMPLETE; refusing to reset", rec.CurrentStage)
	}
	if err := store.Reset(); err != nil {
		return fmt.Errorf("failed to reset mission: %w", err)
	}
	fmt.Printf("mission %s reset to PLANNING (cycle 1)\n", rec.MissionID)
	return nil
}
