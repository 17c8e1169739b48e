package db

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := NewDB(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewDB() = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRunLifecycle(t *testing.T) {
	d := newTestDB(t)
	log := d.NewRunLog()

	if err := log.RunStarted("windowed"); err != nil {
		t.Fatalf("RunStarted() = %v", err)
	}
	if err := log.Dispatch(3, 0.5, 0, 0, true); err != nil {
		t.Fatalf("Dispatch(move) = %v", err)
	}
	if err := log.Dispatch(3, 0, 0, 0, true); err != nil {
		t.Fatalf("Dispatch(stop) = %v", err)
	}
	if err := log.RunEnded("stopped", nil); err != nil {
		t.Fatalf("RunEnded() = %v", err)
	}

	runs, err := d.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns() = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.RunID != log.RunID() || r.Source != "windowed" || r.Outcome != "stopped" || r.Detail != "" {
		t.Errorf("run row = %+v", r)
	}
	if !r.EndedAt.Valid {
		t.Error("ended_at not set")
	}

	dispatches, err := d.RunDispatches(log.RunID())
	if err != nil {
		t.Fatalf("RunDispatches() = %v", err)
	}
	want := []DispatchRow{
		{RunID: log.RunID(), Cycle: 3, X: 0.5, OK: true},
		{RunID: log.RunID(), Cycle: 3, X: 0, OK: true},
	}
	ignoreTime := cmpopts.IgnoreFields(DispatchRow{}, "Timestamp")
	if diff := cmp.Diff(want, dispatches, ignoreTime); diff != "" {
		t.Errorf("dispatch rows mismatch (-want +got):\n%s", diff)
	}
}

func TestFailedRunRecordsDetail(t *testing.T) {
	d := newTestDB(t)
	log := d.NewRunLog()

	if err := log.RunStarted("events"); err != nil {
		t.Fatal(err)
	}
	if err := log.RunEnded("failed", errors.New("stream lost")); err != nil {
		t.Fatal(err)
	}

	runs, err := d.RecentRuns(1)
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].Outcome != "failed" || runs[0].Detail != "stream lost" {
		t.Errorf("run row = %+v, want failed outcome with detail", runs[0])
	}
}

func TestRunIDsAreUnique(t *testing.T) {
	d := newTestDB(t)
	a, b := d.NewRunLog(), d.NewRunLog()
	if a.RunID() == b.RunID() {
		t.Errorf("run ids collide: %s", a.RunID())
	}
}

func TestSchemaSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	d, err := NewDB(path)
	if err != nil {
		t.Fatal(err)
	}
	log := d.NewRunLog()
	if err := log.RunStarted("windowed"); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d2, err := NewDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()
	runs, err := d2.RecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RunID != log.RunID() {
		t.Errorf("reopened runs = %+v", runs)
	}
}
