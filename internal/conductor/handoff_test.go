package conductor

import (
	"os"
	"strings"
	"testing"
)

func TestHandoffSectionsAreNumbered(t *testing.T) {
	dir := t.TempDir()
	w := NewHandoffWriter(dir)

	n, err := w.Append(HandoffNote{SessionID: "s-1", Level: "graceful", Stage: "BUILDING", Cycle: 1, TokensUsed: 135_000})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("first handoff should be #1, got %d", n)
	}

	n, err = w.Append(HandoffNote{SessionID: "s-2", Level: "time_based", Stage: "BUILDING", Cycle: 1})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("second handoff should be #2, got %d", n)
	}

	data, err := os.ReadFile(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	doc := string(data)
	if CountSections(doc) != 2 {
		t.Errorf("expected 2 sections, got %d", CountSections(doc))
	}
	if !strings.Contains(doc, "## Handoff #1") || !strings.Contains(doc, "## Handoff #2") {
		t.Error("sections must be numbered in order")
	}
	if !strings.Contains(doc, "# Mission Handoffs") {
		t.Error("document should open with a title")
	}
}

func TestHandoffLatestReturnsNewestSection(t *testing.T) {
	dir := t.TempDir()
	w := NewHandoffWriter(dir)

	w.Append(HandoffNote{SessionID: "old", Level: "graceful", Summary: "first note"})
	w.Append(HandoffNote{SessionID: "new", Level: "emergency", Summary: "second note"})

	latest := w.Latest()
	if !strings.Contains(latest, "new") || strings.Contains(latest, "first note") {
		t.Errorf("Latest should return only the newest section, got:\n%s", latest)
	}
}

func TestHandoffLatestEmptyWhenMissing(t *testing.T) {
	w := NewHandoffWriter(t.TempDir())
	if got := w.Latest(); got != "" {
		t.Errorf("expected empty latest for a fresh mission, got %q", got)
	}
}

func TestCountSectionsIgnoresBodyText(t *testing.T) {
	doc := "# Mission Handoffs\n\n## Handoff #1 (t)\n\nthe previous ## Handoff #0 mention is prose\n  ## Handoff #9 indented does not count\n"
	if got := CountSections(doc); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}
