// Package prompt assembles the full prompt sent to the agent each turn:
// provider ground rules, mission header, recent history, the stage body,
// and optional injected context from knowledge and recovery providers.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"voyager/internal/logging"
	"voyager/internal/mission"
)

// missionMarker separates preamble (ground rules, injected context) from
// the mission body. Injections splice themselves in before this marker.
const missionMarker = "=== CURRENT MISSION ==="

// Factory builds prompts. Ground rules are loaded once per provider and
// cached; everything else is assembled fresh per turn.
type Factory struct {
	mu             sync.Mutex
	provider       string
	groundRulesDir string
	historyTail    int
	knowledgeTopK  int
	knowledgeMax   int

	groundRules map[string]string // provider -> cached rules text

	knowledge  KnowledgeProvider
	codeMemory CodeMemoryProvider
	recovery   RecoveryProvider
}

// Options configures a Factory.
type Options struct {
	Provider        string
	GroundRulesDir  string
	HistoryTail     int
	KnowledgeTopK   int
	KnowledgeMaxLen int
}

// NewFactory creates a prompt factory.
func NewFactory(opts Options) *Factory {
	if opts.HistoryTail <= 0 {
		opts.HistoryTail = 10
	}
	if opts.KnowledgeTopK <= 0 {
		opts.KnowledgeTopK = 5
	}
	if opts.KnowledgeMaxLen <= 0 {
		opts.KnowledgeMaxLen = knowledgeMaxLen
	}
	return &Factory{
		provider:       opts.Provider,
		groundRulesDir: opts.GroundRulesDir,
		historyTail:    opts.HistoryTail,
		knowledgeTopK:  opts.KnowledgeTopK,
		knowledgeMax:   opts.KnowledgeMaxLen,
		groundRules:    make(map[string]string),
	}
}

// SetKnowledgeProvider wires the knowledge-base injection.
func (f *Factory) SetKnowledgeProvider(p KnowledgeProvider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.knowledge = p
}

// SetCodeMemoryProvider wires the code-memory injection used in BUILDING.
func (f *Factory) SetCodeMemoryProvider(p CodeMemoryProvider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeMemory = p
}

// SetRecoveryProvider wires the crash-recovery injection.
func (f *Factory) SetRecoveryProvider(p RecoveryProvider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovery = p
}

// Build assembles the full prompt for one turn. The assembly order is
// fixed: ground rules, mission header, history tail, stage body,
// preferences, success criteria. Injections run last and never fail the
// build; a provider error only logs.
func (f *Factory) Build(rec mission.Record, stageBody string) string {
	var b strings.Builder

	if rules := f.loadGroundRules(); rules != "" {
		b.WriteString(rules)
		if !strings.HasSuffix(rules, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(missionMarker)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Mission ID: %s\n", rec.MissionID)
	fmt.Fprintf(&b, "Stage: %s | Cycle: %d of %d | Iteration: %d\n\n",
		rec.CurrentStage, rec.CurrentCycle, rec.CycleBudget, rec.Iteration)
	fmt.Fprintf(&b, "Problem statement:\n%s\n", rec.ProblemStatement)

	if tail := f.formatHistory(rec.History); tail != "" {
		b.WriteString("\n=== RECENT HISTORY ===\n")
		b.WriteString(tail)
	}

	b.WriteString("\n")
	b.WriteString(stageBody)

	if rec.Preferences != "" {
		b.WriteString("\n\n=== PREFERENCES ===\n")
		b.WriteString(rec.Preferences)
	}
	if rec.SuccessCriteria != "" {
		b.WriteString("\n\n=== SUCCESS CRITERIA ===\n")
		b.WriteString(rec.SuccessCriteria)
	}

	prompt := b.String()
	prompt = f.injectRecovery(prompt)
	prompt = f.injectKnowledge(prompt, rec)
	prompt = f.injectCodeMemory(prompt, rec)

	logging.PromptDebug("built prompt for stage %s (%d bytes)", rec.CurrentStage, len(prompt))
	return prompt
}

// loadGroundRules reads every .md file under the provider's ground-rules
// directory, sorted by name, concatenated. The result is cached per
// provider; a missing directory caches empty.
func (f *Factory) loadGroundRules() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if rules, ok := f.groundRules[f.provider]; ok {
		return rules
	}

	dir := filepath.Join(f.groundRulesDir, f.provider)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.PromptWarn("failed to read ground rules dir %s: %v", dir, err)
		}
		f.groundRules[f.provider] = ""
		return ""
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logging.PromptWarn("failed to read ground rule %s: %v", name, err)
			continue
		}
		b.Write(data)
		b.WriteString("\n")
	}

	rules := b.String()
	f.groundRules[f.provider] = rules
	logging.Prompt("loaded %d ground rule files for provider %s", len(names), f.provider)
	return rules
}

// formatHistory renders the last historyTail entries, oldest first, as
// "[timestamp] stage: event" lines.
func (f *Factory) formatHistory(history []mission.HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	start := 0
	if len(history) > f.historyTail {
		start = len(history) - f.historyTail
	}

	var b strings.Builder
	for _, h := range history[start:] {
		fmt.Fprintf(&b, "[%s] %s: %s", h.Timestamp.UTC().Format("2006-01-02 15:04:05"), h.Stage, h.Event)
		if h.Details != "" {
			fmt.Fprintf(&b, " (%s)", h.Details)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// spliceBeforeMission inserts block just before the mission marker, or
// appends it when the marker is absent.
func spliceBeforeMission(prompt, block string) string {
	idx := strings.Index(prompt, missionMarker)
	if idx < 0 {
		return prompt + "\n" + block
	}
	return prompt[:idx] + block + "\n" + prompt[idx:]
}
