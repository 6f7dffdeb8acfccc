package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/okian/pitchpulse/internal/domain/model"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - matches and events tables
const currentSchemaVersion = 1

// SQLiteLog stores match logs in a SQLite database in WAL mode.
type SQLiteLog struct {
	db   *sql.DB
	opts *options
}

var _ Log = (*SQLiteLog)(nil)

// OpenSQLite creates or opens the database at path and applies the schema.
// Transactions take the write lock up front so that the tail check and the
// insert of an append cannot interleave with another writer.
func OpenSQLite(path string, opts ...Option) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrPersistence, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect to database: %v", ErrPersistence, err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteLog{db: db, opts: newOptions(opts)}, nil
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPersistence, pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("%w: read user_version: %v", ErrPersistence, err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("%w: apply schema: %v", ErrPersistence, err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("%w: set user_version: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteLog) CreateMatch(ctx context.Context, m model.Match) error {
	format, err := json.Marshal(m.Format)
	if err != nil {
		return fmt.Errorf("create match: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO matches (id, tenant_id, team1_id, team2_id, format, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.TenantID, m.Team1ID, m.Team2ID, string(format), m.CreatedAt.UTC().UnixNano())
	if isConstraint(err) {
		return fmt.Errorf("%w: %s", ErrMatchExists, m.ID)
	}
	if err != nil {
		return fmt.Errorf("%w: create match: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteLog) Match(ctx context.Context, matchID string) (model.Match, error) {
	return scanMatch(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, team1_id, team2_id, format, created_at
		FROM matches WHERE id = ?
	`, matchID), matchID)
}

func scanMatch(row *sql.Row, matchID string) (model.Match, error) {
	var (
		m         model.Match
		format    string
		createdAt int64
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.Team1ID, &m.Team2ID, &format, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Match{}, fmt.Errorf("%w: %s", ErrNotFound, matchID)
	}
	if err != nil {
		return model.Match{}, fmt.Errorf("%w: read match: %v", ErrPersistence, err)
	}
	if err := json.Unmarshal([]byte(format), &m.Format); err != nil {
		return model.Match{}, fmt.Errorf("%w: decode format of %s: %v", ErrPersistence, matchID, err)
	}
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	return m, nil
}

func (s *SQLiteLog) Append(ctx context.Context, matchID string, expectedLastSeq uint64, commandID string, payloads ...model.Payload) (recs []model.Record, err error) {
	start := time.Now()
	defer func() { observeAppend(start, recs, err) }()

	if len(payloads) == 0 {
		return nil, ErrEmptyBatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin append: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches WHERE id = ?`, matchID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("%w: append: %v", ErrPersistence, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, matchID)
	}

	var tail uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE match_id = ?`, matchID).Scan(&tail); err != nil {
		return nil, fmt.Errorf("%w: read tail: %v", ErrPersistence, err)
	}
	if tail != expectedLastSeq {
		return nil, fmt.Errorf("%w: expected %d, tail is %d", ErrConflict, expectedLastSeq, tail)
	}

	recs = buildRecords(matchID, tail, commandID, s.opts.stamp(), payloads)
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (match_id, seq, kind, payload, command_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare append: %v", ErrPersistence, err)
	}
	defer stmt.Close()

	for _, r := range recs {
		kind, body, err := model.EncodePayload(r.Payload)
		if err != nil {
			return nil, err
		}
		_, err = stmt.ExecContext(ctx, r.MatchID, r.Seq, string(kind), string(body), r.CommandID, r.RecordedAt.UnixNano())
		if isConstraint(err) {
			return nil, fmt.Errorf("%w: seq %d already written", ErrConflict, r.Seq)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: insert seq %d: %v", ErrPersistence, r.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit append: %v", ErrPersistence, err)
	}
	return recs, nil
}

func (s *SQLiteLog) ReadFrom(ctx context.Context, matchID string, afterSeq uint64) *Cursor {
	return newCursor(ctx, afterSeq, s.opts.pageSize, func(ctx context.Context, after uint64, limit int) ([]model.Record, error) {
		return s.page(ctx, matchID, after, limit)
	})
}

func (s *SQLiteLog) page(ctx context.Context, matchID string, after uint64, limit int) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, payload, command_id, recorded_at
		FROM events
		WHERE match_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, matchID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var (
			rec        = model.Record{MatchID: matchID}
			kind, body string
			recordedAt int64
		)
		if err := rows.Scan(&rec.Seq, &kind, &body, &rec.CommandID, &recordedAt); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrPersistence, err)
		}
		p, err := model.DecodePayload(model.Kind(kind), []byte(body))
		if err != nil {
			return nil, fmt.Errorf("%w: seq %d: %v", ErrPersistence, rec.Seq, err)
		}
		rec.Payload = p
		rec.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %v", ErrPersistence, err)
	}

	if len(out) == 0 {
		if _, err := s.Match(ctx, matchID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteLog) LatestSeq(ctx context.Context, matchID string) (uint64, error) {
	if _, err := s.Match(ctx, matchID); err != nil {
		return 0, err
	}
	var tail uint64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE match_id = ?`, matchID).Scan(&tail); err != nil {
		return 0, fmt.Errorf("%w: read tail: %v", ErrPersistence, err)
	}
	return tail, nil
}

// MatchIDs lists registered match ids in creation order.
func (s *SQLiteLog) MatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM matches ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list matches: %v", ErrPersistence, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan match id: %v", ErrPersistence, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate matches: %v", ErrPersistence, err)
	}
	return ids, nil
}

func (s *SQLiteLog) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func (s *SQLiteLog) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
