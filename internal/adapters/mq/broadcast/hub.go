// Package broadcast fans accepted match records out to live subscribers.
//
// Every subscriber owns a bounded queue. Publishing never blocks: when a
// subscriber's queue is full it is disconnected with ErrSlowConsumer and
// must reconnect with the last seq it saw.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/okian/pitchpulse/internal/adapters/mq/queue"
	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
	"github.com/okian/pitchpulse/internal/domain/types"
	"github.com/okian/pitchpulse/pkg/logger"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// DefaultQueueSize is the per-subscriber backlog before disconnect.
const DefaultQueueSize = 256

// Sentinel kinds for subscription errors.
var (
	ErrSlowConsumer = errors.New("subscriber queue overflowed")
	ErrUnsubscribed = errors.New("subscription closed")
	ErrHubClosed    = errors.New("broadcast hub closed")

	// ErrAheadOfLog rejects a resume or ack seq the log has not reached.
	ErrAheadOfLog = fmt.Errorf("%w: seq is ahead of the log", types.ErrProtocol)
)

// Snapshots supplies the state a fresh subscriber starts from.
type Snapshots interface {
	Get(ctx context.Context, matchID string) (*scoring.MatchState, error)
}

// Reader reads the event log for catch-up and gap filling.
type Reader interface {
	ReadFrom(ctx context.Context, matchID string, afterSeq uint64) *repository.Cursor
	LatestSeq(ctx context.Context, matchID string) (uint64, error)
}

// Hub tracks subscribers per match.
type Hub struct {
	snapshots Snapshots
	log       Reader
	queueSize int
	logger    logger.Logger

	mu      sync.RWMutex
	matches map[string]map[string]*Subscriber
	total   int
	closed  bool

	pubMu     sync.Mutex
	published map[string]uint64
}

// Option applies a configuration option to the Hub.
type Option func(*Hub)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithLogger sets a custom logger for the hub.
func WithLogger(l logger.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHub creates a hub that serves snapshots from snapshots and catch-up
// from log.
func NewHub(snapshots Snapshots, log Reader, opts ...Option) *Hub {
	h := &Hub{
		snapshots: snapshots,
		log:       log,
		queueSize: DefaultQueueSize,
		matches:   make(map[string]map[string]*Subscriber),
		published: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logger.Get().Named("broadcast")
	}
	return h
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*Subscriber)

// WithRole records the caller's role on the subscriber. Spectator when
// not given.
func WithRole(r model.Role) SubscribeOption {
	return func(s *Subscriber) {
		if r != "" {
			s.role = r
		}
	}
}

// Subscribe registers a subscriber on matchID.
//
// With lastSeq == 0 the subscriber starts from the current snapshot, which
// Snapshot returns, and Next yields only later records. With lastSeq > 0
// Next first replays the log after lastSeq and then continues live.
// Registration happens before the snapshot or log is read, so no record
// accepted in between is lost; Next drops the duplicates this produces.
func (h *Hub) Subscribe(ctx context.Context, matchID string, lastSeq uint64, opts ...SubscribeOption) (*Subscriber, error) {
	s := &Subscriber{
		id:      uuid.NewString(),
		matchID: matchID,
		role:    model.RoleSpectator,
		hub:     h,
		queue:   queue.NewInMemoryQueue(queue.WithCapacity(h.queueSize)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := h.add(s); err != nil {
		return nil, err
	}

	st, err := h.snapshots.Get(ctx, matchID)
	if err != nil {
		h.remove(s, ErrUnsubscribed)
		return nil, err
	}
	if lastSeq > st.LastSeq {
		// The snapshot may trail a log written by another node.
		tail, err := h.log.LatestSeq(ctx, matchID)
		if err != nil {
			h.remove(s, ErrUnsubscribed)
			return nil, err
		}
		if lastSeq > tail {
			h.remove(s, ErrUnsubscribed)
			return nil, fmt.Errorf("%w: last_seq %d, log tail %d", ErrAheadOfLog, lastSeq, tail)
		}
	}
	h.mark(matchID, st.LastSeq)
	if lastSeq == 0 {
		s.snapshot = st
		s.advance(st.LastSeq)
	} else {
		s.advance(lastSeq)
		s.fill = true
	}

	h.logger.Debug(ctx, "subscriber joined",
		logger.MatchID(matchID),
		logger.String("subscriber", s.id),
		logger.String("role", string(s.role)),
		logger.Seq(s.last),
	)
	return s, nil
}

func (h *Hub) add(s *Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	subs, ok := h.matches[s.matchID]
	if !ok {
		subs = make(map[string]*Subscriber)
		h.matches[s.matchID] = subs
	}
	subs[s.id] = s
	h.total++
	metrics.UpdateActiveSubscribers(h.total)
	return nil
}

func (h *Hub) remove(s *Subscriber, reason error) {
	h.mu.Lock()
	if subs, ok := h.matches[s.matchID]; ok {
		if _, ok := subs[s.id]; ok {
			delete(subs, s.id)
			h.total--
			metrics.UpdateActiveSubscribers(h.total)
		}
		if len(subs) == 0 {
			delete(h.matches, s.matchID)
			h.pubMu.Lock()
			delete(h.published, s.matchID)
			h.pubMu.Unlock()
		}
	}
	h.mu.Unlock()

	s.shutdown(reason)
}

// Publish enqueues recs for every subscriber of matchID. It never blocks
// on a subscriber; one whose queue overflows is disconnected.
func (h *Hub) Publish(ctx context.Context, matchID string, recs []model.Record) {
	if len(recs) == 0 {
		return
	}
	// Delivery must not depend on the lifetime of the submitting request.
	ctx = context.WithoutCancel(ctx)

	var slow []*Subscriber
	h.mu.RLock()
	if _, ok := h.matches[matchID]; ok {
		h.mark(matchID, recs[len(recs)-1].Seq)
	}
	for _, s := range h.matches[matchID] {
		for _, r := range recs {
			err := s.queue.Enqueue(ctx, r)
			if errors.Is(err, queue.ErrFull) {
				slow = append(slow, s)
			}
			if err != nil {
				break
			}
		}
	}
	h.mu.RUnlock()

	for range recs {
		metrics.RecordEventBroadcast()
	}
	for _, s := range slow {
		metrics.RecordSlowConsumer()
		h.logger.Warn(ctx, "disconnecting slow subscriber",
			logger.MatchID(matchID),
			logger.String("subscriber", s.id),
			logger.Int("queued", s.queue.Len()),
		)
		h.remove(s, ErrSlowConsumer)
	}
}

func (h *Hub) mark(matchID string, seq uint64) {
	h.pubMu.Lock()
	if seq > h.published[matchID] {
		h.published[matchID] = seq
	}
	h.pubMu.Unlock()
}

// Published returns the highest seq the subscribers of matchID are known
// to have, from a snapshot or a publish. It is 0 for a match nobody
// follows.
func (h *Hub) Published(matchID string) uint64 {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	return h.published[matchID]
}

// Matches returns the ids of matches with at least one subscriber.
func (h *Hub) Matches() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.matches))
	for id := range h.matches {
		ids = append(ids, id)
	}
	return ids
}

// Subscribers returns the number of live subscribers of matchID.
func (h *Hub) Subscribers(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.matches[matchID])
}

// Len returns the number of live subscribers across all matches.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscriber
	for _, subs := range h.matches {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	h.matches = make(map[string]map[string]*Subscriber)
	h.total = 0
	h.pubMu.Lock()
	h.published = make(map[string]uint64)
	h.pubMu.Unlock()
	metrics.UpdateActiveSubscribers(0)
	h.mu.Unlock()

	for _, s := range all {
		s.shutdown(ErrHubClosed)
	}
}
