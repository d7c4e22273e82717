package prompt

import (
	"fmt"
	"strings"

	"voyager/internal/logging"
	"voyager/internal/mission"
)

// knowledgeMaxLen caps each injected learning. Truncation keeps the prompt
// bounded regardless of what the knowledge base stores.
const knowledgeMaxLen = 500

// KnowledgeProvider surfaces prior learnings relevant to the current
// problem statement.
type KnowledgeProvider interface {
	// TopLearnings returns up to k learnings relevant to query.
	TopLearnings(query string, k int) ([]string, error)
}

// CodeMemoryProvider surfaces code snippets from earlier cycles. Only the
// BUILDING stage consumes these.
type CodeMemoryProvider interface {
	// RelevantSnippets returns code fragments relevant to query.
	RelevantSnippets(query string, k int) ([]string, error)
}

// RecoveryProvider reports leftover state from a crashed prior run.
type RecoveryProvider interface {
	// RecoveryNote returns a human-readable recovery summary and whether
	// one exists.
	RecoveryNote() (string, bool)
}

func (f *Factory) injectRecovery(prompt string) string {
	f.mu.Lock()
	p := f.recovery
	f.mu.Unlock()
	if p == nil {
		return prompt
	}

	note, ok := p.RecoveryNote()
	if !ok || note == "" {
		return prompt
	}

	block := "=== CRASH RECOVERY ===\n" + note
	if !strings.HasSuffix(block, "\n") {
		block += "\n"
	}
	logging.Prompt("injected crash recovery note")
	return spliceBeforeMission(prompt, block)
}

func (f *Factory) injectKnowledge(prompt string, rec mission.Record) string {
	f.mu.Lock()
	p := f.knowledge
	f.mu.Unlock()
	if p == nil {
		return prompt
	}

	learnings, err := p.TopLearnings(rec.ProblemStatement, f.knowledgeTopK)
	if err != nil {
		logging.PromptWarn("knowledge provider failed, skipping injection: %v", err)
		return prompt
	}
	if len(learnings) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("=== RELEVANT LEARNINGS ===\n")
	for i, l := range learnings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncate(l, f.knowledgeMax))
	}
	logging.Prompt("injected %d learnings", len(learnings))
	return spliceBeforeMission(prompt, b.String())
}

func (f *Factory) injectCodeMemory(prompt string, rec mission.Record) string {
	f.mu.Lock()
	p := f.codeMemory
	f.mu.Unlock()
	if p == nil || rec.CurrentStage != mission.StageBuilding {
		return prompt
	}

	snippets, err := p.RelevantSnippets(rec.ProblemStatement, f.knowledgeTopK)
	if err != nil {
		logging.PromptWarn("code memory provider failed, skipping injection: %v", err)
		return prompt
	}
	if len(snippets) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("=== PRIOR CODE ===\n")
	for _, s := range snippets {
		b.WriteString(s)
		if !strings.HasSuffix(s, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("---\n")
	}
	logging.Prompt("injected %d code snippets", len(snippets))
	return spliceBeforeMission(prompt, b.String())
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
