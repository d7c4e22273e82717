// Package watcher tails session transcripts and raises handoff signals
// when a session's context is close to exhaustion, when it hits its time
// limit, or when it goes stale. It never acts on sessions itself; the
// conductor consumes the signal channel and decides.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"voyager/internal/logging"
)

// Level classifies a handoff signal.
type Level string

const (
	LevelGraceful  Level = "graceful"
	LevelEmergency Level = "emergency"
	LevelTimeBased Level = "time_based"
)

// HandoffSignal tells the conductor one session needs to hand off.
type HandoffSignal struct {
	Level          Level     `json:"level"`
	SessionID      string    `json:"session_id"`
	WorkspacePath  string    `json:"workspace_path"`
	TokensUsed     int       `json:"tokens_used"`
	CacheRead      int       `json:"cache_read"`
	CacheCreation  int       `json:"cache_creation"`
	ElapsedMinutes float64   `json:"elapsed_minutes"`
	Timestamp      time.Time `json:"timestamp"`
}

// TranscriptResolver maps a workspace to the directory holding its session
// transcripts. Returning an error means the transcripts cannot be located;
// the session is still tracked for time-based handoff.
type TranscriptResolver func(workspacePath string) (string, error)

// Options configures the watcher thresholds.
type Options struct {
	PollInterval        time.Duration
	GracefulThreshold   int // cache_creation tokens
	EmergencyThreshold  int // cache_creation tokens
	LowCacheRead        int // cache_read tokens
	TimeHandoffAfter    time.Duration
	StaleSessionTimeout time.Duration
}

// Stats tracks watcher activity.
type Stats struct {
	SessionsStarted    int
	SessionsStopped    int
	HandoffsGraceful   int
	HandoffsEmergency  int
	HandoffsTimeBased  int
	StaleCleanups      int
	Errors             int
	LastSignalTime     time.Time
	LastSignalSession  string
}

type session struct {
	id            string
	workspace     string
	transcriptDir string
	currentFile   string
	offset        int64
	startedAt     time.Time
	lastActivity  time.Time
	handoffFired  bool
	timer         *time.Timer
	tokens        TokenState
}

// ContextWatcher watches registered sessions' transcripts. A filesystem
// watcher wakes the loop early; a poll ticker bounds detection latency at
// one second even when fsnotify misses events.
type ContextWatcher struct {
	mu       sync.RWMutex
	opts     Options
	resolver TranscriptResolver
	fsw      *fsnotify.Watcher
	sessions map[string]*session
	signals  chan HandoffSignal
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stats    Stats
}

// New creates a ContextWatcher. resolver may be nil, in which case
// transcripts are looked for under <workspace>/.voyager/transcripts.
func New(opts Options, resolver TranscriptResolver) (*ContextWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if opts.PollInterval <= 0 || opts.PollInterval > time.Second {
		opts.PollInterval = time.Second
	}
	if resolver == nil {
		resolver = func(workspace string) (string, error) {
			dir := filepath.Join(workspace, ".voyager", "transcripts")
			if _, err := os.Stat(dir); err != nil {
				return "", fmt.Errorf("no transcript dir for %s: %w", workspace, err)
			}
			return dir, nil
		}
	}
	return &ContextWatcher{
		opts:     opts,
		resolver: resolver,
		fsw:      fsw,
		sessions: make(map[string]*session),
		signals:  make(chan HandoffSignal, 16),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Signals is the channel handoff signals are delivered on.
func (w *ContextWatcher) Signals() <-chan HandoffSignal { return w.signals }

// Start launches the watch loop. Idempotent.
func (w *ContextWatcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run()
	logging.Watcher("context watcher started (poll=%s graceful=%d emergency=%d)",
		w.opts.PollInterval, w.opts.GracefulThreshold, w.opts.EmergencyThreshold)
}

// Stop halts the loop and tears down every session.
func (w *ContextWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	for id := range w.sessions {
		w.teardownLocked(id)
	}
	w.mu.Unlock()

	if err := w.fsw.Close(); err != nil {
		logging.WatcherError("error closing filesystem watcher: %v", err)
	}
	logging.Watcher("context watcher stopped")
}

// Watch registers a session for the given workspace and returns its id.
// The time-based handoff timer starts immediately; transcript tailing
// starts as soon as the resolver finds the transcript directory.
func (w *ContextWatcher) Watch(workspacePath string) (string, error) {
	id := uuid.New().String()
	now := time.Now()

	s := &session{
		id:           id,
		workspace:    workspacePath,
		startedAt:    now,
		lastActivity: now,
	}

	dir, err := w.resolver(workspacePath)
	if err != nil {
		logging.WatcherWarn("transcripts not found for %s, time-based handoff only: %v", workspacePath, err)
	} else {
		s.transcriptDir = dir
		if werr := w.fsw.Add(dir); werr != nil {
			logging.WatcherWarn("failed to watch %s, falling back to polling: %v", dir, werr)
		}
	}

	if w.opts.TimeHandoffAfter > 0 {
		s.timer = time.AfterFunc(w.opts.TimeHandoffAfter, func() {
			w.fireTimeHandoff(id)
		})
	}

	w.mu.Lock()
	w.sessions[id] = s
	w.stats.SessionsStarted++
	w.mu.Unlock()

	logging.Watcher("watching session %s (workspace=%s)", id, workspacePath)
	return id, nil
}

// StopWatching unregisters a session and releases its resources.
func (w *ContextWatcher) StopWatching(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.teardownLocked(sessionID)
}

// teardownLocked is the single teardown path, shared by explicit stops,
// stale cleanup, and Stop. Caller holds w.mu.
func (w *ContextWatcher) teardownLocked(sessionID string) {
	s, ok := w.sessions[sessionID]
	if !ok {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(w.sessions, sessionID)
	w.stats.SessionsStopped++

	// Drop the fsnotify watch only when no other session shares the dir.
	if s.transcriptDir != "" {
		shared := false
		for _, other := range w.sessions {
			if other.transcriptDir == s.transcriptDir {
				shared = true
				break
			}
		}
		if !shared {
			if err := w.fsw.Remove(s.transcriptDir); err != nil {
				logging.WatcherDebug("unwatch %s: %v", s.transcriptDir, err)
			}
		}
	}
	logging.Watcher("stopped watching session %s", sessionID)
}

// IsWatching reports whether a session is registered.
func (w *ContextWatcher) IsWatching(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.sessions[sessionID]
	return ok
}

// SessionTokens returns the last token state seen for a session.
func (w *ContextWatcher) SessionTokens(sessionID string) (TokenState, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.sessions[sessionID]
	if !ok {
		return TokenState{}, false
	}
	return s.tokens, true
}

// GetStats returns a copy of the watcher statistics.
func (w *ContextWatcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *ContextWatcher) run() {
	defer close(w.doneCh)

	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()

	stale := time.NewTicker(30 * time.Second)
	defer stale.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.checkSessionsForPath(ev.Name)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.WatcherError("filesystem watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-poll.C:
			w.checkAllSessions()

		case <-stale.C:
			w.cleanupStale()
		}
	}
}

func (w *ContextWatcher) checkSessionsForPath(path string) {
	dir := filepath.Dir(path)
	w.mu.RLock()
	ids := make([]string, 0, 1)
	for id, s := range w.sessions {
		if s.transcriptDir == dir {
			ids = append(ids, id)
		}
	}
	w.mu.RUnlock()

	for _, id := range ids {
		w.checkSession(id)
	}
}

func (w *ContextWatcher) checkAllSessions() {
	w.mu.RLock()
	ids := make([]string, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	w.mu.RUnlock()

	for _, id := range ids {
		w.checkSession(id)
	}
}

// checkSession tails the newest transcript file for a session and applies
// the exhaustion predicate. At most one token-based signal fires per
// session.
func (w *ContextWatcher) checkSession(sessionID string) {
	w.mu.Lock()
	s, ok := w.sessions[sessionID]
	if !ok || s.transcriptDir == "" {
		w.mu.Unlock()
		return
	}
	dir := s.transcriptDir
	curFile := s.currentFile
	offset := s.offset
	w.mu.Unlock()

	newest := newestTranscript(dir)
	if newest == "" {
		return
	}
	if newest != curFile {
		curFile = newest
		offset = 0
	}

	state, newOffset, found := readTokenState(curFile, offset)

	w.mu.Lock()
	s, ok = w.sessions[sessionID]
	if !ok {
		w.mu.Unlock()
		return
	}
	if curFile != s.currentFile || newOffset != s.offset {
		s.lastActivity = time.Now()
	}
	s.currentFile = curFile
	s.offset = newOffset
	if !found {
		w.mu.Unlock()
		return
	}
	s.tokens = state

	if s.handoffFired {
		w.mu.Unlock()
		return
	}

	var level Level
	switch {
	case state.CacheReadTokens < w.opts.LowCacheRead && state.CacheCreationTokens >= w.opts.EmergencyThreshold:
		level = LevelEmergency
	case state.CacheReadTokens < w.opts.LowCacheRead && state.CacheCreationTokens >= w.opts.GracefulThreshold:
		level = LevelGraceful
	default:
		w.mu.Unlock()
		return
	}

	s.handoffFired = true
	sig := HandoffSignal{
		Level:          level,
		SessionID:      s.id,
		WorkspacePath:  s.workspace,
		TokensUsed:     state.Total(),
		CacheRead:      state.CacheReadTokens,
		CacheCreation:  state.CacheCreationTokens,
		ElapsedMinutes: time.Since(s.startedAt).Minutes(),
		Timestamp:      time.Now().UTC(),
	}
	switch level {
	case LevelEmergency:
		w.stats.HandoffsEmergency++
	case LevelGraceful:
		w.stats.HandoffsGraceful++
	}
	w.stats.LastSignalTime = time.Now()
	w.stats.LastSignalSession = s.id
	w.mu.Unlock()

	logging.Watcher("%s handoff for session %s (cache_read=%d cache_creation=%d)",
		level, sessionID, state.CacheReadTokens, state.CacheCreationTokens)
	w.deliver(sig)
}

// fireTimeHandoff runs when a session's wall-clock timer expires. The
// session may already be gone or have fired a token-based handoff; both
// cases are no-ops.
func (w *ContextWatcher) fireTimeHandoff(sessionID string) {
	w.mu.Lock()
	s, ok := w.sessions[sessionID]
	if !ok || s.handoffFired {
		w.mu.Unlock()
		return
	}
	s.handoffFired = true
	sig := HandoffSignal{
		Level:          LevelTimeBased,
		SessionID:      s.id,
		WorkspacePath:  s.workspace,
		TokensUsed:     s.tokens.Total(),
		CacheRead:      s.tokens.CacheReadTokens,
		CacheCreation:  s.tokens.CacheCreationTokens,
		ElapsedMinutes: time.Since(s.startedAt).Minutes(),
		Timestamp:      time.Now().UTC(),
	}
	w.stats.HandoffsTimeBased++
	w.stats.LastSignalTime = time.Now()
	w.stats.LastSignalSession = s.id
	w.mu.Unlock()

	logging.Watcher("time-based handoff for session %s after %.1f minutes", sessionID, sig.ElapsedMinutes)
	w.deliver(sig)
}

// cleanupStale tears down sessions whose transcript has been silent for
// the stale timeout. The session's agent is presumed dead or finished.
// Sessions whose transcripts were never located are exempt: the wall-clock
// timer is their only signal and it must survive.
func (w *ContextWatcher) cleanupStale() {
	if w.opts.StaleSessionTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.opts.StaleSessionTimeout)

	w.mu.Lock()
	defer w.mu.Unlock()
	for id, s := range w.sessions {
		if s.transcriptDir != "" && s.lastActivity.Before(cutoff) {
			logging.Watcher("cleaning up stale session %s (idle since %s)", id, s.lastActivity.Format(time.RFC3339))
			w.stats.StaleCleanups++
			w.teardownLocked(id)
		}
	}
}

func (w *ContextWatcher) deliver(sig HandoffSignal) {
	select {
	case w.signals <- sig:
	default:
		logging.WatcherWarn("signal channel full, dropping %s handoff for %s", sig.Level, sig.SessionID)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
	}
}

// newestTranscript returns the most recently modified .jsonl file in dir,
// or "" when none exist.
func newestTranscript(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	type cand struct {
		path string
		mod  time.Time
	}
	cands := make([]cand, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, cand{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mod.After(cands[j].mod) })
	return cands[0].path
}
