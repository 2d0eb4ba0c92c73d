package indexdb

import (
	"path/filepath"
	"testing"

	"loreforge.gg/internal/transport/ws"
)

func TestIndex_OpsAndSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	records := []ws.OpRecord{
		{TS: 10, Client: "c1", User: "u1", Op: "PUT", Path: "sessions/alpha/notes"},
		{TS: 20, Client: "c1", User: "u1", Op: "PATCH", Path: "sessions/alpha/tokens/t1"},
		{TS: 30, Client: "c2", User: "u2", Op: "PUT", Path: "sessions/beta/notes"},
		{TS: 40, Client: "c2", User: "u2", Op: "DEL", Path: "not-a-session-path"},
	}
	for _, r := range records {
		if err := idx.Record(r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	idx.RecordSnapshot("/data/snapshots/state-1.snap.zst", 99, 1234)
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen and query the committed rows.
	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	sessions, err := idx.Sessions()
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %+v", sessions)
	}
	// Most recently active first.
	if sessions[0].ID != "beta" || sessions[1].ID != "alpha" {
		t.Fatalf("order = %s, %s", sessions[0].ID, sessions[1].ID)
	}
	if sessions[1].Ops != 2 || sessions[1].FirstSeen != 10 || sessions[1].LastActive != 20 {
		t.Fatalf("alpha row = %+v", sessions[1])
	}

	n, err := idx.OpCount("alpha")
	if err != nil || n != 2 {
		t.Fatalf("opcount alpha = %d, %v", n, err)
	}
	// The non-session path is indexed but attributed to no session.
	n, err = idx.OpCount("")
	if err != nil || n != 1 {
		t.Fatalf("opcount unattributed = %d, %v", n, err)
	}
}

func TestIndex_RecordAfterCloseIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := idx.Record(ws.OpRecord{TS: 1, Op: "PUT", Path: "sessions/s/notes"}); err != nil {
		t.Fatalf("record after close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
}
