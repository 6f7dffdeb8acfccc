// Package follower relays events that other processes append to a shared
// event log to the subscribers of this process.
//
// Only matches with local subscribers are watched. Each round compares the
// log tail with the highest seq the hub has published and hands the
// missing records to the hub, which drops anything a subscriber already
// has.
package follower

import (
	"context"
	"sync"
	"time"

	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
	"github.com/okian/pitchpulse/pkg/logger"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// DefaultInterval is the pause between two polls of the log tail.
const DefaultInterval = 500 * time.Millisecond

// Log is the part of the event log the follower reads.
type Log interface {
	LatestSeq(ctx context.Context, matchID string) (uint64, error)
	ReadFrom(ctx context.Context, matchID string, afterSeq uint64) *repository.Cursor
}

// States is the snapshot cache kept in step with the relayed records.
type States interface {
	Sync(ctx context.Context, matchID string) (*scoring.MatchState, error)
}

// Hub is the local fan-out.
type Hub interface {
	Matches() []string
	Published(matchID string) uint64
	Publish(ctx context.Context, matchID string, recs []model.Record)
}

// Follower polls the log tail of subscribed matches.
type Follower struct {
	log      Log
	states   States
	hub      Hub
	interval time.Duration
	logger   logger.Logger

	// mu keeps polls from overlapping.
	mu sync.Mutex
}

// Option applies a configuration option to the Follower.
type Option func(*Follower)

// WithInterval sets the poll period.
func WithInterval(d time.Duration) Option {
	return func(f *Follower) {
		if d > 0 {
			f.interval = d
		}
	}
}

// WithLogger sets a custom logger for the follower.
func WithLogger(l logger.Logger) Option {
	return func(f *Follower) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a follower relaying from log into hub.
func New(log Log, states States, hub Hub, opts ...Option) *Follower {
	f := &Follower{
		log:      log,
		states:   states,
		hub:      hub,
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = logger.Get().Named("follower")
	}
	return f
}

// Interval returns the poll period.
func (f *Follower) Interval() time.Duration { return f.interval }

// Run polls until ctx is done.
func (f *Follower) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Debug(ctx, "following the event log", logger.Duration("interval", f.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Poll(ctx)
		}
	}
}

// Poll relays every record appended after the hub's published seq of each
// subscribed match and returns how many were relayed.
func (f *Follower) Poll(ctx context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	total := 0
	for _, matchID := range f.hub.Matches() {
		if ctx.Err() != nil {
			break
		}
		n, err := f.follow(ctx, matchID)
		if err != nil {
			f.logger.Warn(ctx, "following match failed", logger.MatchID(matchID), logger.Error(err))
			continue
		}
		total += n
	}
	if total > 0 {
		metrics.RecordFollowedEvents(total)
	}
	return total
}

func (f *Follower) follow(ctx context.Context, matchID string) (int, error) {
	from := f.hub.Published(matchID)
	tail, err := f.log.LatestSeq(ctx, matchID)
	if err != nil {
		return 0, err
	}
	if tail <= from {
		return 0, nil
	}

	recs, err := f.log.ReadFrom(ctx, matchID, from).Collect()
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if _, err := f.states.Sync(ctx, matchID); err != nil {
		f.logger.Warn(ctx, "snapshot sync failed", logger.MatchID(matchID), logger.Error(err))
	}
	f.hub.Publish(ctx, matchID, recs)

	f.logger.Debug(ctx, "relayed records",
		logger.MatchID(matchID),
		logger.Seq(recs[len(recs)-1].Seq),
		logger.Int("count", len(recs)),
	)
	return len(recs), nil
}
