package indexdb

import (
	"context"
	"database/sql"

	"voxelview.ai/internal/chunkcache"
)

// OutcomeCounts returns load outcomes for a session, or for every session
// when sessionID is empty.
func (s *SQLiteIndex) OutcomeCounts(ctx context.Context, sessionID string) (map[string]int, error) {
	q := `SELECT outcome, COUNT(*) FROM chunk_loads GROUP BY outcome`
	args := []any{}
	if sessionID != "" {
		q = `SELECT outcome, COUNT(*) FROM chunk_loads WHERE session_id=? GROUP BY outcome`
		args = append(args, sessionID)
	}
	rows, err := s.rdb.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

type FailingChunk struct {
	Level    int    `json:"level"`
	ChunkID  string `json:"chunk_id"`
	Failures int    `json:"failures"`
	LastErr  string `json:"last_err"`
}

// FailingChunks lists the chunks with the most failed loads.
func (s *SQLiteIndex) FailingChunks(ctx context.Context, limit int) ([]FailingChunk, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.rdb.QueryContext(ctx, `
		SELECT level, chunk_id, COUNT(*) AS n,
		       (SELECT err FROM chunk_loads l2
		         WHERE l2.level=l1.level AND l2.chunk_id=l1.chunk_id AND l2.outcome='failed'
		         ORDER BY seq DESC LIMIT 1)
		  FROM chunk_loads l1
		 WHERE outcome='failed'
		 GROUP BY level, chunk_id
		 ORDER BY n DESC, level, chunk_id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FailingChunk
	for rows.Next() {
		var fc FailingChunk
		var lastErr sql.NullString
		if err := rows.Scan(&fc.Level, &fc.ChunkID, &fc.Failures, &lastErr); err != nil {
			return nil, err
		}
		fc.LastErr = lastErr.String
		out = append(out, fc)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Session(ctx context.Context, id string) (SessionRow, bool, error) {
	var (
		row     SessionRow
		endedAt sql.NullString
	)
	err := s.rdb.QueryRowContext(ctx, `
		SELECT id, source, levels, chunks, started_at, ended_at, ticks, frames, fetches, failures, released, peak_resident
		  FROM sessions WHERE id=?`, id).Scan(
		&row.ID, &row.Source, &row.Levels, &row.Chunks, &row.StartedAt, &endedAt,
		&row.Ticks, &row.Frames, &row.Fetches, &row.Failures, &row.Released, &row.PeakResident)
	if err == sql.ErrNoRows {
		return SessionRow{}, false, nil
	}
	if err != nil {
		return SessionRow{}, false, err
	}
	row.EndedAt = endedAt.String
	return row, true, nil
}

// JournaledLoad is one load replayed from the journal.
type JournaledLoad struct {
	SessionID  string
	RecordedAt string
	Event      chunkcache.LoadEvent
}

// Backfill replaces the load rows of every session in loads, bypassing the
// queue. Run it against an index that is not taking live writes.
func (s *SQLiteIndex) Backfill(ctx context.Context, loads []JournaledLoad) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cleared := map[string]bool{}
	n := 0
	for _, l := range loads {
		if !cleared[l.SessionID] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_loads WHERE session_id=?`, l.SessionID); err != nil {
				return 0, err
			}
			cleared[l.SessionID] = true
		}
		ev := l.Event
		var errText any
		if ev.Err != "" {
			errText = ev.Err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunk_loads(session_id,level,chunk_id,path,outcome,bytes,samples,faces,duration_ms,err,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			l.SessionID, ev.Key.Level, ev.Key.ChunkID, ev.Path, ev.Outcome, ev.Bytes, ev.Samples, ev.Faces, ev.DurationMS, errText, l.RecordedAt); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}
