package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/pitchpulse/internal/domain/model"
)

// MemoryLog keeps every match log in process memory.
type MemoryLog struct {
	opts *options

	mu      sync.RWMutex
	matches map[string]model.Match
	order   []string
	events  map[string][]model.Record
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog(opts ...Option) *MemoryLog {
	return &MemoryLog{
		opts:    newOptions(opts),
		matches: make(map[string]model.Match),
		events:  make(map[string][]model.Record),
	}
}

func (l *MemoryLog) CreateMatch(_ context.Context, m model.Match) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.matches[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrMatchExists, m.ID)
	}
	l.matches[m.ID] = m
	l.order = append(l.order, m.ID)
	return nil
}

// MatchIDs lists registered match ids in registration order.
func (l *MemoryLog) MatchIDs(context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string{}, l.order...), nil
}

func (l *MemoryLog) Match(_ context.Context, matchID string) (model.Match, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.matches[matchID]
	if !ok {
		return model.Match{}, fmt.Errorf("%w: %s", ErrNotFound, matchID)
	}
	return m, nil
}

func (l *MemoryLog) Append(ctx context.Context, matchID string, expectedLastSeq uint64, commandID string, payloads ...model.Payload) (recs []model.Record, err error) {
	start := time.Now()
	defer func() { observeAppend(start, recs, err) }()

	if len(payloads) == 0 {
		return nil, ErrEmptyBatch
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.matches[matchID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, matchID)
	}
	tail := uint64(len(l.events[matchID]))
	if tail != expectedLastSeq {
		return nil, fmt.Errorf("%w: expected %d, tail is %d", ErrConflict, expectedLastSeq, tail)
	}

	recs = buildRecords(matchID, tail, commandID, l.opts.stamp(), payloads)
	l.events[matchID] = append(l.events[matchID], recs...)
	return append([]model.Record(nil), recs...), nil
}

func (l *MemoryLog) ReadFrom(ctx context.Context, matchID string, afterSeq uint64) *Cursor {
	return newCursor(ctx, afterSeq, l.opts.pageSize, func(_ context.Context, after uint64, limit int) ([]model.Record, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()

		if _, ok := l.matches[matchID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, matchID)
		}
		evs := l.events[matchID]
		if after >= uint64(len(evs)) {
			return nil, nil
		}
		end := min(after+uint64(limit), uint64(len(evs)))
		return append([]model.Record(nil), evs[after:end]...), nil
	})
}

func (l *MemoryLog) LatestSeq(_ context.Context, matchID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.matches[matchID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, matchID)
	}
	return uint64(len(l.events[matchID])), nil
}

func (l *MemoryLog) Ping(context.Context) error { return nil }

func (l *MemoryLog) Close() error { return nil }
