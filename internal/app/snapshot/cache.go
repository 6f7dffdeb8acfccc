// Package snapshot keeps the latest derived MatchState per match so that
// readers and the validator never fold the log on the hot path.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
	"github.com/okian/pitchpulse/pkg/logger"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// Reader is the part of the event log the cache rebuilds from.
type Reader interface {
	Match(ctx context.Context, matchID string) (model.Match, error)
	ReadFrom(ctx context.Context, matchID string, afterSeq uint64) *repository.Cursor
}

type entry struct {
	// mu serializes rebuilds and advances of one match. Readers only load.
	mu    sync.Mutex
	state atomic.Pointer[scoring.MatchState]
}

// Cache maps match ids to immutable state snapshots.
type Cache struct {
	log    Reader
	logger logger.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// Option applies a configuration option to the Cache.
type Option func(*Cache)

// WithLogger sets a custom logger for the cache.
func WithLogger(l logger.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates an empty cache over log.
func New(log Reader, opts ...Option) *Cache {
	c := &Cache{
		log:     log,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("snapshot")
	}
	return c
}

func (c *Cache) entry(matchID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[matchID]
	if !ok {
		e = &entry{}
		c.entries[matchID] = e
		metrics.UpdateCachedMatches(len(c.entries))
	}
	return e
}

// Get returns the latest snapshot of matchID, replaying its log on a miss.
// The returned state must not be modified.
func (c *Cache) Get(ctx context.Context, matchID string) (*scoring.MatchState, error) {
	e := c.entry(matchID)
	if st := e.state.Load(); st != nil {
		metrics.RecordCacheHit()
		return st, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.state.Load(); st != nil {
		metrics.RecordCacheHit()
		return st, nil
	}
	metrics.RecordCacheMiss()

	st, err := c.rebuild(ctx, matchID)
	if err != nil {
		c.drop(matchID, e)
		return nil, err
	}
	e.state.Store(st)
	return st, nil
}

// Peek returns the cached snapshot without touching the log.
func (c *Cache) Peek(matchID string) (*scoring.MatchState, bool) {
	c.mu.Lock()
	e, ok := c.entries[matchID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	st := e.state.Load()
	return st, st != nil
}

// Advance folds freshly appended records into the cached state and returns
// the result. Records already covered by the snapshot are ignored. A batch
// containing a Correction is applied by replaying the whole log instead.
func (c *Cache) Advance(ctx context.Context, matchID string, recs []model.Record) (*scoring.MatchState, error) {
	e := c.entry(matchID)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.Load()
	if cur == nil || scoring.NeedsReplay(recs) {
		return c.reload(ctx, matchID, e)
	}

	st := cur
	for _, r := range recs {
		switch {
		case r.Seq <= st.LastSeq:
			continue
		case r.Seq != st.LastSeq+1:
			c.logger.Warn(ctx, "snapshot gap, replaying",
				logger.MatchID(matchID),
				logger.Uint64("cached", st.LastSeq),
				logger.Seq(r.Seq),
			)
			return c.reload(ctx, matchID, e)
		}
		st = scoring.Reduce(st, r)
	}
	e.state.Store(st)
	return st, nil
}

// Sync brings the cached state up to the log tail. It is used after an
// append conflict, when another writer has moved the log ahead.
func (c *Cache) Sync(ctx context.Context, matchID string) (*scoring.MatchState, error) {
	e := c.entry(matchID)
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.state.Load()
	if cur == nil {
		return c.reload(ctx, matchID, e)
	}

	tail, err := c.log.ReadFrom(ctx, matchID, cur.LastSeq).Collect()
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", matchID, err)
	}
	if len(tail) == 0 {
		return cur, nil
	}
	if scoring.NeedsReplay(tail) {
		return c.reload(ctx, matchID, e)
	}
	st := cur
	for _, r := range tail {
		st = scoring.Reduce(st, r)
	}
	e.state.Store(st)
	return st, nil
}

// Invalidate forgets the snapshot of matchID. The next Get replays the log.
func (c *Cache) Invalidate(matchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[matchID]; ok {
		delete(c.entries, matchID)
		metrics.RecordCacheInvalidation()
		metrics.UpdateCachedMatches(len(c.entries))
	}
}

// Len returns the number of cached matches.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) reload(ctx context.Context, matchID string, e *entry) (*scoring.MatchState, error) {
	st, err := c.rebuild(ctx, matchID)
	if err != nil {
		c.drop(matchID, e)
		return nil, err
	}
	e.state.Store(st)
	return st, nil
}

// drop removes e unless it has been replaced already.
func (c *Cache) drop(matchID string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[matchID] == e {
		delete(c.entries, matchID)
		metrics.UpdateCachedMatches(len(c.entries))
	}
}

// rebuild replays the full log of matchID page by page.
func (c *Cache) rebuild(ctx context.Context, matchID string) (*scoring.MatchState, error) {
	start := time.Now()

	m, err := c.log.Match(ctx, matchID)
	if err != nil {
		return nil, err
	}
	recs, err := c.log.ReadFrom(ctx, matchID, 0).Collect()
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", matchID, err)
	}
	st := scoring.Replay(m, recs)

	elapsed := time.Since(start)
	metrics.RecordReplay(float64(elapsed.Microseconds()) / 1000)
	c.logger.Debug(ctx, "replayed match log",
		logger.MatchID(matchID),
		logger.Seq(st.LastSeq),
		logger.Duration("took", elapsed),
	)
	return st, nil
}
