// Package indexdb keeps a queryable SQLite index of viewer sessions and
// chunk load outcomes. Writes are queued and applied by one goroutine; the
// JSONL journal stays the source of truth when the queue overflows.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelview.ai/internal/chunkcache"
)

type SQLiteIndex struct {
	db  *sql.DB
	// rdb serves queries; WAL lets it read while db holds a write tx.
	rdb *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// mu orders enqueue sends against close(ch).
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqSessionStart reqKind = iota + 1
	reqSessionEnd
	reqLoad
)

type req struct {
	kind reqKind

	session SessionRow
	load    loadRow
}

// SessionRow summarizes one viewer session.
type SessionRow struct {
	ID           string
	Source       string
	Levels       int
	Chunks       int
	StartedAt    string
	EndedAt      string
	Ticks        uint64
	Frames       uint64
	Fetches      uint64
	Failures     uint64
	Released     uint64
	PeakResident int
}

type loadRow struct {
	SessionID  string
	Level      int
	ChunkID    string
	Path       string
	Outcome    string
	Bytes      int
	Samples    int
	Faces      int
	DurationMS int64
	Err        string
	RecordedAt string
}

type QueueStats struct {
	QueueDepth    int
	QueueCapacity int
	DroppedTotal  uint64
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
	rdb, err := sql.Open("sqlite", path)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	rdb.SetMaxOpenConns(1)
	rdb.SetMaxIdleConns(1)
	rdb.SetConnMaxLifetime(0)
	if _, err := rdb.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = rdb.Close()
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		rdb: rdb,
		ch:  make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
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
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			levels INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			ticks INTEGER NOT NULL DEFAULT 0,
			frames INTEGER NOT NULL DEFAULT 0,
			fetches INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			released INTEGER NOT NULL DEFAULT 0,
			peak_resident INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS chunk_loads (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			level INTEGER NOT NULL,
			chunk_id TEXT NOT NULL,
			path TEXT NOT NULL,
			outcome TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			samples INTEGER NOT NULL,
			faces INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			err TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_loads_session ON chunk_loads(session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_loads_chunk ON chunk_loads(level, chunk_id, outcome);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		_ = s.rdb.Close()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) StartSession(row SessionRow) {
	if row.StartedAt == "" {
		row.StartedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.enqueue(req{kind: reqSessionStart, session: row})
}

func (s *SQLiteIndex) EndSession(row SessionRow) {
	if row.EndedAt == "" {
		row.EndedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.enqueue(req{kind: reqSessionEnd, session: row})
}

func (s *SQLiteIndex) RecordLoad(sessionID string, ev chunkcache.LoadEvent) {
	s.enqueue(req{kind: reqLoad, load: loadRow{
		SessionID:  sessionID,
		Level:      ev.Key.Level,
		ChunkID:    ev.Key.ChunkID,
		Path:       ev.Path,
		Outcome:    ev.Outcome,
		Bytes:      ev.Bytes,
		Samples:    ev.Samples,
		Faces:      ev.Faces,
		DurationMS: ev.DurationMS,
		Err:        ev.Err,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}})
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DroppedTotal:  s.dropped.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(id,source,levels,chunks,started_at) VALUES(?,?,?,?,?)`)
	endSession, _ := s.db.Prepare(`UPDATE sessions SET ended_at=?, ticks=?, frames=?, fetches=?, failures=?, released=?, peak_resident=? WHERE id=?`)
	insertLoad, _ := s.db.Prepare(`INSERT INTO chunk_loads(session_id,level,chunk_id,path,outcome,bytes,samples,faces,duration_ms,err,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertSession, endSession, insertLoad} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
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

	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	// Commits an idle tx so queries see it without waiting for the next write.
	idle := time.NewTicker(commitMaxWait / 2)
	defer idle.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-idle.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSessionStart:
			se := r.session
			exec(insertSession, se.ID, se.Source, se.Levels, se.Chunks, se.StartedAt)
			// Session rows are read by the stats endpoint; make them visible promptly.
			commit()
		case reqSessionEnd:
			se := r.session
			exec(endSession, se.EndedAt, int64(se.Ticks), int64(se.Frames), int64(se.Fetches),
				int64(se.Failures), int64(se.Released), se.PeakResident, se.ID)
			commit()
		case reqLoad:
			l := r.load
			var errText any
			if l.Err != "" {
				errText = l.Err
			}
			exec(insertLoad, l.SessionID, l.Level, l.ChunkID, l.Path, l.Outcome, l.Bytes,
				l.Samples, l.Faces, l.DurationMS, errText, l.RecordedAt)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}
