// Package coordinator admits scorer commands: it serializes them per match,
// validates them against the latest snapshot and appends the resulting
// events with an optimistic tail check.
package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/domain/dedupe"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/rules"
	"github.com/okian/pitchpulse/internal/domain/scoring"
	"github.com/okian/pitchpulse/pkg/logger"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// Appender is the write side of the event log.
type Appender interface {
	Append(ctx context.Context, matchID string, expectedLastSeq uint64, commandID string, payloads ...model.Payload) ([]model.Record, error)
}

// States is the snapshot cache the coordinator validates against.
type States interface {
	Get(ctx context.Context, matchID string) (*scoring.MatchState, error)
	Advance(ctx context.Context, matchID string, recs []model.Record) (*scoring.MatchState, error)
	Sync(ctx context.Context, matchID string) (*scoring.MatchState, error)
	Invalidate(matchID string)
}

// Publisher receives every accepted batch.
type Publisher interface {
	Publish(ctx context.Context, matchID string, recs []model.Record)
}

// Result describes an accepted command.
type Result struct {
	// Seq is the seq of the last event appended for the command.
	Seq     uint64
	Records []model.Record
	// State is the snapshot after the command, nil if it could not be
	// refreshed.
	State *scoring.MatchState
	// Duplicate is set when the command id was accepted before. Records is
	// empty in that case.
	Duplicate bool
}

type matchLock struct {
	mu   sync.Mutex
	refs int
}

// Coordinator is the single writer per match within a process.
type Coordinator struct {
	log       Appender
	states    States
	publisher Publisher
	deduper   dedupe.Deduper
	logger    logger.Logger

	mu    sync.Mutex
	locks map[string]*matchLock
}

// Option applies a configuration option to the Coordinator.
type Option func(*Coordinator)

// WithPublisher sets where accepted records are broadcast.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithDeduper sets the command id cache.
func WithDeduper(d dedupe.Deduper) Option {
	return func(c *Coordinator) {
		if d != nil {
			c.deduper = d
		}
	}
}

// WithLogger sets a custom logger for the coordinator.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []model.Record) {}

// New creates a coordinator over log and states.
func New(log Appender, states States, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:       log,
		states:    states,
		publisher: nopPublisher{},
		deduper:   dedupe.NewInMemoryDeduper(),
		locks:     make(map[string]*matchLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("coordinator")
	}
	return c
}

// lock acquires the per-match mutex and returns its release function.
func (c *Coordinator) lock(matchID string) func() {
	c.mu.Lock()
	l, ok := c.locks[matchID]
	if !ok {
		l = &matchLock{}
		c.locks[matchID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, matchID)
		}
		c.mu.Unlock()
	}
}

// Submit validates cmd against the latest state of matchID and appends the
// events it produces. When another writer moved the log in between, the
// state is caught up and the command is validated and appended once more;
// a second conflict is returned as repository.ErrConflict.
//
// Errors: *rules.ValidationError, repository.ErrNotFound,
// repository.ErrConflict, repository.ErrPersistence.
func (c *Coordinator) Submit(ctx context.Context, matchID string, cmd model.Command) (Result, error) {
	unlock := c.lock(matchID)
	defer unlock()

	key := ""
	if cmd.CommandID != "" {
		key = matchID + "/" + cmd.CommandID
		if seq, ok := c.deduper.Lookup(ctx, key); ok {
			metrics.RecordCommandDuplicate()
			st, err := c.states.Get(ctx, matchID)
			if err != nil {
				// The command is already in the log; only the state is missing.
				c.logger.Warn(ctx, "snapshot read for duplicate failed",
					logger.MatchID(matchID),
					logger.Seq(seq),
					logger.Error(err),
				)
				st = nil
			}
			return Result{Seq: seq, State: st, Duplicate: true}, nil
		}
	}

	st, err := c.states.Get(ctx, matchID)
	if err != nil {
		return Result{}, err
	}

	var recs []model.Record
	for attempt := 0; ; attempt++ {
		payloads, err := rules.Validate(st, cmd)
		if err != nil {
			var ve *rules.ValidationError
			if errors.As(err, &ve) {
				metrics.RecordCommandRejected(ve.Code)
			}
			return Result{}, err
		}

		recs, err = c.log.Append(ctx, matchID, st.LastSeq, cmd.CommandID, payloads...)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrConflict) {
			// The append may or may not have landed.
			c.states.Invalidate(matchID)
			c.logger.Error(ctx, "append failed",
				logger.MatchID(matchID),
				logger.String("command", string(cmd.Type)),
				logger.Error(err),
			)
			return Result{}, err
		}

		metrics.RecordCommandConflict()
		if attempt > 0 {
			c.logger.Warn(ctx, "append conflict after retry",
				logger.MatchID(matchID),
				logger.Seq(st.LastSeq),
			)
			return Result{}, err
		}
		metrics.RecordCommandRetry()
		if st, err = c.states.Sync(ctx, matchID); err != nil {
			return Result{}, err
		}
	}

	next, err := c.states.Advance(ctx, matchID, recs)
	if err != nil {
		c.states.Invalidate(matchID)
		c.logger.Warn(ctx, "snapshot refresh failed",
			logger.MatchID(matchID),
			logger.Error(err),
		)
		next = nil
	}

	last := recs[len(recs)-1].Seq
	if key != "" {
		c.deduper.Record(ctx, key, last)
	}
	c.publisher.Publish(ctx, matchID, recs)
	metrics.RecordCommandAccepted(string(cmd.Type))

	c.logger.Debug(ctx, "command accepted",
		logger.MatchID(matchID),
		logger.String("command", string(cmd.Type)),
		logger.Seq(last),
		logger.Int("events", len(recs)),
	)
	return Result{Seq: last, Records: recs, State: next}, nil
}

// Pending returns the number of matches with a command in flight.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
