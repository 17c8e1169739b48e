package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mindlink-robotics/mindlink/internal/control"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if needed) the run audit database. It stores run
// lifecycle records and dispatched commands, never signal data.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id            TEXT PRIMARY KEY,
			source            TEXT,
			outcome           TEXT,
			detail            TEXT,
			started_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			ended_at          TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS dispatches (
			run_id            TEXT,
			cycle             BIGINT,
			x                 DOUBLE,
			y                 DOUBLE,
			z                 DOUBLE,
			ok                BOOLEAN,
			timestamp         TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY(run_id) REFERENCES runs(run_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// RunLog records one control run. It implements the control loop's recorder
// contract and is only ever called from the loop's goroutine.
type RunLog struct {
	db    *DB
	runID string
}

var _ control.Recorder = (*RunLog)(nil)

// NewRunLog allocates a recorder for one run with a fresh run id.
func (db *DB) NewRunLog() *RunLog {
	return &RunLog{db: db, runID: uuid.NewString()}
}

// RunID reports the id rows for this run are keyed by.
func (r *RunLog) RunID() string {
	return r.runID
}

func (r *RunLog) RunStarted(source string) error {
	_, err := r.db.Exec(
		"INSERT INTO runs (run_id, source) VALUES (?, ?)",
		r.runID, source,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %v", err)
	}
	return nil
}

func (r *RunLog) Dispatch(cycle uint64, x, y, z float64, ok bool) error {
	_, err := r.db.Exec(
		"INSERT INTO dispatches (run_id, cycle, x, y, z, ok) VALUES (?, ?, ?, ?, ?, ?)",
		r.runID, int64(cycle), x, y, z, ok,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch: %v", err)
	}
	return nil
}

func (r *RunLog) RunEnded(state string, runErr error) error {
	detail := ""
	if runErr != nil {
		detail = runErr.Error()
	}
	_, err := r.db.Exec(
		"UPDATE runs SET outcome = ?, detail = ?, ended_at = CURRENT_TIMESTAMP WHERE run_id = ?",
		state, detail, r.runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %v", err)
	}
	return nil
}

type Run struct {
	RunID     string
	Source    string
	Outcome   string
	Detail    string
	StartedAt time.Time
	EndedAt   sql.NullTime
}

// RecentRuns returns the newest runs first.
func (db *DB) RecentRuns(limit int) ([]Run, error) {
	rows, err := db.Query(`
		SELECT run_id, COALESCE(source, ''), COALESCE(outcome, ''), COALESCE(detail, ''), started_at, ended_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %v", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Source, &r.Outcome, &r.Detail, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %v", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type DispatchRow struct {
	RunID     string
	Cycle     int64
	X, Y, Z   float64
	OK        bool
	Timestamp time.Time
}

// RunDispatches returns every command dispatched during one run, in order.
func (db *DB) RunDispatches(runID string) ([]DispatchRow, error) {
	rows, err := db.Query(`
		SELECT run_id, cycle, x, y, z, ok, timestamp
		FROM dispatches WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %v", err)
	}
	defer rows.Close()

	var out []DispatchRow
	for rows.Next() {
		var d DispatchRow
		if err := rows.Scan(&d.RunID, &d.Cycle, &d.X, &d.Y, &d.Z, &d.OK, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %v", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
