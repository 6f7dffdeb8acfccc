package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/okian/pitchpulse/internal/adapters/mq/queue"
	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// Subscriber receives one match's records in seq order, each exactly once.
// Next must be called from a single goroutine; Ack and Close are safe to
// call from any goroutine.
type Subscriber struct {
	id       string
	matchID  string
	role     model.Role
	hub      *Hub
	queue    *queue.InMemoryQueue
	snapshot *scoring.MatchState

	// Owned by the goroutine calling Next.
	last   uint64
	fill   bool
	cursor *repository.Cursor

	acked     atomic.Uint64
	delivered atomic.Uint64

	mu     sync.Mutex
	reason error
	once   sync.Once
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// MatchID returns the subscribed match.
func (s *Subscriber) MatchID() string { return s.matchID }

// Role returns the role the subscriber connected with.
func (s *Subscriber) Role() model.Role { return s.role }

// Snapshot returns the state the subscription started from, or nil when it
// resumed from a seq.
func (s *Subscriber) Snapshot() *scoring.MatchState { return s.snapshot }

// LastSeq returns the seq of the last record Next returned, or the
// starting point.
func (s *Subscriber) LastSeq() uint64 { return s.last }

// Next blocks until the record after LastSeq is available. Records that
// arrive out of order are filled in from the log, duplicates are dropped.
// After a disconnect it returns the reason: ErrSlowConsumer immediately,
// any other reason once the queued records are drained.
func (s *Subscriber) Next(ctx context.Context) (model.Record, error) {
	for {
		if err := s.err(); errors.Is(err, ErrSlowConsumer) {
			return model.Record{}, err
		}

		if s.fill {
			if s.cursor == nil {
				s.cursor = s.hub.log.ReadFrom(ctx, s.matchID, s.last)
			}
			if s.cursor.Next() {
				rec := s.cursor.Record()
				if rec.Seq <= s.last {
					continue
				}
				s.advance(rec.Seq)
				metrics.RecordCatchUpEvents(1)
				return rec, nil
			}
			err := s.cursor.Err()
			s.cursor = nil
			if err != nil {
				return model.Record{}, err
			}
			s.fill = false
			continue
		}

		select {
		case <-ctx.Done():
			return model.Record{}, ctx.Err()
		case rec, ok := <-s.queue.Dequeue():
			if !ok {
				return model.Record{}, s.err()
			}
			metrics.RecordQueueDequeue()
			switch {
			case rec.Seq <= s.last:
				continue
			case rec.Seq > s.last+1:
				// The log has everything up to rec; read it from there.
				s.fill = true
				continue
			}
			s.advance(rec.Seq)
			return rec, nil
		}
	}
}

// advance moves the read position. Only the Next goroutine and Subscribe
// call it.
func (s *Subscriber) advance(seq uint64) {
	s.last = seq
	s.delivered.Store(seq)
}

// Ack records that the client has processed everything up to seq. It
// returns false when seq does not move the acknowledged position forward,
// and ErrAheadOfLog when seq was never handed out by Next or the snapshot.
func (s *Subscriber) Ack(seq uint64) (bool, error) {
	if top := s.delivered.Load(); seq > top {
		return false, fmt.Errorf("%w: ack %d, delivered %d", ErrAheadOfLog, seq, top)
	}
	for {
		cur := s.acked.Load()
		if seq <= cur {
			return false, nil
		}
		if s.acked.CompareAndSwap(cur, seq) {
			return true, nil
		}
	}
}

// Acked returns the highest acknowledged seq.
func (s *Subscriber) Acked() uint64 { return s.acked.Load() }

// Err returns why the subscriber was disconnected, or nil while live.
func (s *Subscriber) Err() error { return s.err() }

// Close unsubscribes. It is idempotent.
func (s *Subscriber) Close() {
	s.hub.remove(s, ErrUnsubscribed)
}

func (s *Subscriber) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscriber) shutdown(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		_ = s.queue.Close()
	})
}
