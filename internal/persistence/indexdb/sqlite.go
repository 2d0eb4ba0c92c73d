// Package indexdb keeps a queryable sqlite index of accepted mutations and
// written snapshots. It is a secondary view; the JSONL journal and the
// snapshot files remain the source of truth, so index writes may be dropped
// under pressure rather than stall the transport.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"loreforge.gg/internal/session"
	"loreforge.gg/internal/transport/ws"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqOp reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind reqKind

	op       ws.OpRecord
	snapshot snapshotRow
}

type snapshotRow struct {
	Path    string
	SavedAt int64
	Bytes   int64
}

type SessionRow struct {
	ID         string
	FirstSeen  int64
	LastActive int64
	Ops        int64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: a burst of drag commits must not stall the transport.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ops (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			client TEXT NOT NULL,
			user TEXT,
			op TEXT NOT NULL,
			path TEXT NOT NULL,
			session_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ops_session_ts ON ops(session_id, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_ops_user_ts ON ops(user, ts);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			first_seen INTEGER NOT NULL,
			last_active INTEGER NOT NULL,
			ops INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			path TEXT PRIMARY KEY,
			saved_at INTEGER NOT NULL,
			bytes INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_saved_at ON snapshots(saved_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Record queues one accepted mutation. Drops under backpressure; the JSONL
// journal remains complete.
func (s *SQLiteIndex) Record(entry ws.OpRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqOp, op: entry}:
	default:
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, savedAt int64, bytes int64) {
	if s == nil || s.closed.Load() {
		return
	}
	if path == "" {
		return
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: snapshotRow{Path: path, SavedAt: savedAt, Bytes: bytes}}:
	default:
	}
}

// Sessions lists the indexed sessions, most recently active first.
func (s *SQLiteIndex) Sessions() ([]SessionRow, error) {
	rows, err := s.db.Query(`SELECT id, first_seen, last_active, ops FROM sessions ORDER BY last_active DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.FirstSeen, &r.LastActive, &r.Ops); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OpCount reports indexed mutations for one session.
func (s *SQLiteIndex) OpCount(sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ops WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// sessionIDFromPath extracts {id} from sessions/{id}/..., "" otherwise.
func sessionIDFromPath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 2 && parts[0] == session.Root {
		return parts[1]
	}
	return ""
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertOp, _ := s.db.Prepare(`INSERT INTO ops(ts,client,user,op,path,session_id) VALUES(?,?,?,?,?,?)`)
	upsertSession, _ := s.db.Prepare(`INSERT INTO sessions(id,first_seen,last_active,ops) VALUES(?,?,?,1)
		ON CONFLICT(id) DO UPDATE SET last_active=excluded.last_active, ops=ops+1`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(path,saved_at,bytes) VALUES(?,?,?)`)
	defer func() {
		if insertOp != nil {
			_ = insertOp.Close()
		}
		if upsertSession != nil {
			_ = upsertSession.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqOp:
			e := r.op
			if insertOp != nil {
				if _, err := tx.Stmt(insertOp).Exec(e.TS, e.Client, e.User, e.Op, e.Path, sessionIDFromPath(e.Path)); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			if sid := sessionIDFromPath(e.Path); sid != "" && upsertSession != nil {
				if _, err := tx.Stmt(upsertSession).Exec(sid, e.TS, e.TS); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(sn.Path, sn.SavedAt, sn.Bytes); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
