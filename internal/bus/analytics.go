package bus

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"voyager/internal/logging"
)

// AnalyticsIntegration persists every lifecycle event into a SQLite
// database for offline analysis of mission behavior.
type AnalyticsIntegration struct {
	dbPath string

	mu  sync.Mutex
	db  *sql.DB
	err error // sticky open error; keeps Available honest without retry storms
}

// NewAnalyticsIntegration creates the analytics sink writing to dbPath.
// The database is opened lazily on first event.
func NewAnalyticsIntegration(dbPath string) *AnalyticsIntegration {
	return &AnalyticsIntegration{dbPath: dbPath}
}

func (a *AnalyticsIntegration) Name() string       { return "analytics" }
func (a *AnalyticsIntegration) Priority() Priority { return PriorityBackground }

func (a *AnalyticsIntegration) Subscriptions() []EventType {
	return []EventType{
		EventStageStarted, EventStageCompleted, EventStageFailed,
		EventCycleStarted, EventCycleCompleted,
		EventMissionStarted, EventMissionCompleted, EventMissionFailed,
		EventResponseReceived, EventPromptGenerated,
		EventStateSaved, EventStateLoaded,
		EventCheckpointCreated, EventSnapshotCreated,
		EventDriftDetected, EventLearningExtracted,
	}
}

func (a *AnalyticsIntegration) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err == nil
}

func (a *AnalyticsIntegration) HandleEvent(ev Event) error {
	db, err := a.open()
	if err != nil {
		return err
	}

	var data []byte
	if ev.Data != nil {
		data, _ = json.Marshal(ev.Data)
	}

	_, err = db.Exec(
		`INSERT INTO events (type, stage, mission_id, ts, source, data) VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.Type), ev.Stage, ev.MissionID, ev.Timestamp.UnixMilli(), ev.Source, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (a *AnalyticsIntegration) open() (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.db != nil {
		return a.db, nil
	}
	if a.err != nil {
		return nil, a.err
	}

	if err := os.MkdirAll(filepath.Dir(a.dbPath), 0755); err != nil {
		a.err = fmt.Errorf("failed to create analytics dir: %w", err)
		return nil, a.err
	}

	db, err := sql.Open("sqlite", a.dbPath)
	if err != nil {
		a.err = fmt.Errorf("failed to open analytics db: %w", err)
		return nil, a.err
	}

	const schema = `CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		stage TEXT,
		mission_id TEXT,
		ts INTEGER NOT NULL,
		source TEXT,
		data TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		a.err = fmt.Errorf("failed to create events table: %w", err)
		return nil, a.err
	}

	logging.BusDebug("analytics db opened at %s", a.dbPath)
	a.db = db
	return db, nil
}

// Close releases the database handle.
func (a *AnalyticsIntegration) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// EventCount reports the number of stored events, for diagnostics.
func (a *AnalyticsIntegration) EventCount() (int, error) {
	db, err := a.open()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
