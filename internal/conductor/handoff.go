package conductor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voyager/internal/logging"
)

// handoffHeader prefixes every section in HANDOFF.md.
const handoffHeader = "## Handoff #"

// HandoffNote is what one agent session leaves for its successor.
type HandoffNote struct {
	SessionID    string
	Level        string
	Stage        string
	Cycle        int
	TokensUsed   int
	Summary      string
	NextSteps    string
}

// HandoffWriter maintains HANDOFF.md in the mission directory. Sections
// are numbered and append-only; the file is rewritten atomically so a
// crash mid-write cannot leave a torn document.
type HandoffWriter struct {
	path string
}

// NewHandoffWriter creates a writer for <missionDir>/HANDOFF.md.
func NewHandoffWriter(missionDir string) *HandoffWriter {
	return &HandoffWriter{path: filepath.Join(missionDir, "HANDOFF.md")}
}

// Path returns the handoff file location.
func (h *HandoffWriter) Path() string { return h.path }

// Append adds a numbered handoff section and returns its number.
func (h *HandoffWriter) Append(note HandoffNote) (int, error) {
	existing, err := os.ReadFile(h.path)
	if err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to read handoff file: %w", err)
	}

	n := CountSections(string(existing)) + 1

	var b strings.Builder
	b.Write(existing)
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		b.WriteString("\n")
	}
	if len(existing) == 0 {
		b.WriteString("# Mission Handoffs\n\n")
	}

	fmt.Fprintf(&b, "%s%d (%s)\n\n", handoffHeader, n, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Session: %s\n", note.SessionID)
	fmt.Fprintf(&b, "- Reason: %s\n", note.Level)
	fmt.Fprintf(&b, "- Stage: %s (cycle %d)\n", note.Stage, note.Cycle)
	fmt.Fprintf(&b, "- Tokens used: %d\n", note.TokensUsed)
	if note.Summary != "" {
		fmt.Fprintf(&b, "\n### What happened\n\n%s\n", strings.TrimSpace(note.Summary))
	}
	if note.NextSteps != "" {
		fmt.Fprintf(&b, "\n### Next steps\n\n%s\n", strings.TrimSpace(note.NextSteps))
	}
	b.WriteString("\n")

	if err := h.writeAtomic([]byte(b.String())); err != nil {
		return 0, err
	}
	logging.Conductor("wrote handoff #%d (%s, session %s)", n, note.Level, note.SessionID)
	return n, nil
}

// Latest returns the text of the newest handoff section, or "" when the
// file is empty or missing.
func (h *HandoffWriter) Latest() string {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return ""
	}
	idx := strings.LastIndex(string(data), handoffHeader)
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(string(data)[idx:])
}

// CountSections counts handoff sections in a HANDOFF.md document.
func CountSections(doc string) int {
	n := 0
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(line, handoffHeader) {
			n++
		}
	}
	return n
}

func (h *HandoffWriter) writeAtomic(data []byte) error {
	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create mission dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "HANDOFF.md.tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp handoff: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write handoff: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync handoff: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp handoff: %w", err)
	}
	if err := os.Rename(tmpName, h.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename handoff: %w", err)
	}
	return nil
}
