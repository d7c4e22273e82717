package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testOptions() Options {
	return Options{
		PollInterval:        50 * time.Millisecond,
		GracefulThreshold:   130_000,
		EmergencyThreshold:  140_000,
		LowCacheRead:        5_000,
		TimeHandoffAfter:    time.Hour,
		StaleSessionTimeout: 5 * time.Minute,
	}
}

func newTestWatcher(t *testing.T, dir string) *ContextWatcher {
	t.Helper()
	w, err := New(testOptions(), func(string) (string, error) { return dir, nil })
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	t.Cleanup(w.Stop)
	return w
}

func writeTranscript(t *testing.T, dir string, cacheRead, cacheCreation int) string {
	t.Helper()
	line := fmt.Sprintf(`{"type":"assistant","requestId":"req_1","message":{"usage":{"input_tokens":1000,"cache_read_input_tokens":%d,"cache_creation_input_tokens":%d,"output_tokens":500}}}`,
		cacheRead, cacheCreation)
	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte(line+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadTokenStateParsesLastAssistantRecord(t *testing.T) {
	dir := t.TempDir()
	lines := `{"type":"user","message":{}}
{"type":"assistant","requestId":"req_a","message":{"usage":{"input_tokens":10,"cache_read_input_tokens":20,"cache_creation_input_tokens":30,"output_tokens":40}}}
not even json
{"type":"assistant","requestId":"req_b","message":{"usage":{"input_tokens":100,"cache_read_input_tokens":200,"cache_creation_input_tokens":300,"output_tokens":400}}}
`
	path := filepath.Join(dir, "t.jsonl")
	if err := os.WriteFile(path, []byte(lines), 0644); err != nil {
		t.Fatal(err)
	}

	state, offset, found := readTokenState(path, 0)
	if !found {
		t.Fatal("expected an assistant record")
	}
	if state.RequestID != "req_b" {
		t.Errorf("expected last record to win, got %s", state.RequestID)
	}
	if state.Total() != 1000 {
		t.Errorf("expected total 1000, got %d", state.Total())
	}
	if offset != int64(len(lines)) {
		t.Errorf("offset should land at EOF, got %d of %d", offset, len(lines))
	}

	// Nothing new past the offset.
	_, _, found = readTokenState(path, offset)
	if found {
		t.Error("no records expected past EOF offset")
	}
}

func TestExhaustionBoundaries(t *testing.T) {
	cases := []struct {
		name          string
		cacheRead     int
		cacheCreation int
		want          Level // "" means no signal
	}{
		{"healthy session", 50_000, 10_000, ""},
		{"low read below graceful threshold", 4_999, 129_999, ""},
		{"graceful at exact threshold", 4_999, 130_000, LevelGraceful},
		{"read at boundary suppresses", 5_000, 130_000, ""},
		{"emergency at exact threshold", 4_999, 140_000, LevelEmergency},
		{"high creation with healthy cache", 100_000, 140_000, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			w := newTestWatcher(t, dir)

			id, err := w.Watch("/ws")
			if err != nil {
				t.Fatal(err)
			}
			writeTranscript(t, dir, tc.cacheRead, tc.cacheCreation)
			w.checkSession(id)

			select {
			case sig := <-w.Signals():
				if tc.want == "" {
					t.Fatalf("unexpected %s signal", sig.Level)
				}
				if sig.Level != tc.want {
					t.Errorf("expected %s, got %s", tc.want, sig.Level)
				}
				if sig.CacheRead != tc.cacheRead || sig.CacheCreation != tc.cacheCreation {
					t.Errorf("signal tokens mismatch: %+v", sig)
				}
			default:
				if tc.want != "" {
					t.Fatalf("expected %s signal, got none", tc.want)
				}
			}
		})
	}
}

func TestHandoffFiresAtMostOncePerSession(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)

	id, err := w.Watch("/ws")
	if err != nil {
		t.Fatal(err)
	}

	writeTranscript(t, dir, 0, 135_000)
	w.checkSession(id)
	// Worse numbers arrive later; the session already fired.
	writeTranscript(t, dir, 0, 145_000)
	w.checkSession(id)

	var got int
	for {
		select {
		case <-w.Signals():
			got++
			continue
		default:
		}
		break
	}
	if got != 1 {
		t.Fatalf("expected exactly one signal, got %d", got)
	}
}

func TestStopWatchingCancelsTimer(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.TimeHandoffAfter = 30 * time.Millisecond
	w, err := New(opts, func(string) (string, error) { return dir, nil })
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	t.Cleanup(w.Stop)

	id, err := w.Watch("/ws")
	if err != nil {
		t.Fatal(err)
	}
	w.StopWatching(id)
	if w.IsWatching(id) {
		t.Fatal("session should be gone after StopWatching")
	}

	time.Sleep(60 * time.Millisecond)
	select {
	case sig := <-w.Signals():
		t.Fatalf("timer for a stopped session must not fire, got %s", sig.Level)
	default:
	}
}

func TestTimeBasedHandoff(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.TimeHandoffAfter = 20 * time.Millisecond
	w, err := New(opts, func(string) (string, error) { return dir, nil })
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	t.Cleanup(w.Stop)

	if _, err := w.Watch("/ws"); err != nil {
		t.Fatal(err)
	}

	select {
	case sig := <-w.Signals():
		if sig.Level != LevelTimeBased {
			t.Errorf("expected time_based, got %s", sig.Level)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a time-based handoff signal")
	}

	stats := w.GetStats()
	if stats.HandoffsTimeBased != 1 {
		t.Errorf("expected 1 time-based handoff in stats, got %d", stats.HandoffsTimeBased)
	}
}

func TestTranscriptRotationResetsCursor(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)

	id, err := w.Watch("/ws")
	if err != nil {
		t.Fatal(err)
	}

	writeTranscript(t, dir, 50_000, 10_000)
	w.checkSession(id)

	// A newer file replaces the old one; the cursor must follow it.
	line := `{"type":"assistant","requestId":"req_new","message":{"usage":{"input_tokens":1,"cache_read_input_tokens":2,"cache_creation_input_tokens":3,"output_tokens":4}}}`
	newer := filepath.Join(dir, "session2.jsonl")
	if err := os.WriteFile(newer, []byte(line+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(newer, future, future); err != nil {
		t.Fatal(err)
	}

	w.checkSession(id)
	state, ok := w.SessionTokens(id)
	if !ok {
		t.Fatal("session should be tracked")
	}
	if state.RequestID != "req_new" {
		t.Errorf("expected cursor to follow the newest transcript, got %s", state.RequestID)
	}
}
