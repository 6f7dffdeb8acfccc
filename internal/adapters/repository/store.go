// Package repository provides the append-only match event log and its
// memory, SQLite and PostgreSQL implementations.
package repository

import (
	"context"
	"time"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// Log is the source of truth for every match: one ordered, immutable event
// sequence per match, numbered from 1 without gaps.
type Log interface {
	// CreateMatch registers a match. Returns ErrMatchExists for a duplicate id.
	CreateMatch(ctx context.Context, m model.Match) error

	// Match returns a registered match or ErrNotFound.
	Match(ctx context.Context, matchID string) (model.Match, error)

	// Append atomically appends payloads as consecutive records after
	// expectedLastSeq. Returns ErrConflict when the tail is not
	// expectedLastSeq, in which case nothing is written.
	Append(ctx context.Context, matchID string, expectedLastSeq uint64, commandID string, payloads ...model.Payload) ([]model.Record, error)

	// ReadFrom returns a lazy cursor over records with seq > afterSeq.
	ReadFrom(ctx context.Context, matchID string, afterSeq uint64) *Cursor

	// LatestSeq returns the current tail, 0 for a match with no events.
	LatestSeq(ctx context.Context, matchID string) (uint64, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Lister enumerates registered matches.
type Lister interface {
	MatchIDs(ctx context.Context) ([]string, error)
}

var (
	_ Lister = (*MemoryLog)(nil)
	_ Lister = (*SQLiteLog)(nil)
	_ Lister = (*PostgresLog)(nil)
)

// stamp returns the recording time at the precision every backend keeps.
func (o *options) stamp() time.Time {
	return o.now().UTC().Truncate(time.Microsecond)
}

func buildRecords(matchID string, tail uint64, commandID string, at time.Time, payloads []model.Payload) []model.Record {
	recs := make([]model.Record, len(payloads))
	for i, p := range payloads {
		recs[i] = model.Record{
			MatchID:    matchID,
			Seq:        tail + uint64(i) + 1,
			RecordedAt: at,
			CommandID:  commandID,
			Payload:    p,
		}
	}
	return recs
}

// observeAppend records latency and per-kind counts for a finished append.
func observeAppend(start time.Time, recs []model.Record, err error) {
	metrics.RecordAppendLatency(float64(time.Since(start).Microseconds()) / 1000)
	switch {
	case err == nil:
		for _, r := range recs {
			metrics.RecordEventAppended(string(r.Kind()))
		}
	case isPersistence(err):
		metrics.RecordPersistenceError("append")
	}
}
