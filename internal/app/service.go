// Package service provides the core business service that implements
// the dependencies required by the HTTP API and the real-time channel.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/pitchpulse/internal/adapters/mq/broadcast"
	workerpool "github.com/okian/pitchpulse/internal/adapters/mq/worker"
	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/app/coordinator"
	"github.com/okian/pitchpulse/internal/app/follower"
	"github.com/okian/pitchpulse/internal/app/snapshot"
	"github.com/okian/pitchpulse/internal/config"
	"github.com/okian/pitchpulse/internal/domain/dedupe"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
	"github.com/okian/pitchpulse/internal/domain/types"
	"github.com/okian/pitchpulse/pkg/logger"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// ErrNotStarted is returned by every operation before Start.
var ErrNotStarted = errors.New("service not started")

// Events page bounds.
const (
	DefaultEventsLimit = 100
	MaxEventsLimit     = 1000
)

// Service implements the API dependencies for live match scoring.
type Service struct {
	mu sync.RWMutex

	// Core components
	log         repository.Log
	cache       *snapshot.Cache
	hub         *broadcast.Hub
	coordinator *coordinator.Coordinator
	deduper     dedupe.Deduper
	follower    *follower.Follower

	// Configuration
	storeDriver   string
	sqlitePath    string
	postgresDSN   string
	readPageSize  int
	queueSize     int
	dedupeSize    int
	warmWorkers   int
	followEvery   time.Duration
	defaultFormat model.Format
	now           func() time.Time

	// State
	started    bool
	ownsLog    bool
	startedAt  time.Time
	stopFollow context.CancelFunc
	followDone chan struct{}

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLog uses an already opened event log instead of opening one on Start.
// The caller keeps ownership and closes it.
func WithLog(l repository.Log) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMemoryStore keeps the event log in memory.
func WithMemoryStore() Option {
	return func(s *Service) {
		s.storeDriver = config.StoreMemory
	}
}

// WithSQLite stores the event log in the SQLite file at path.
func WithSQLite(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.storeDriver = config.StoreSQLite
			s.sqlitePath = path
		}
	}
}

// WithPostgres stores the event log in the PostgreSQL database at dsn.
func WithPostgres(dsn string) Option {
	return func(s *Service) {
		if dsn != "" {
			s.storeDriver = config.StorePostgres
			s.postgresDSN = dsn
		}
	}
}

// WithReadPageSize sets how many events a log cursor fetches per round trip.
func WithReadPageSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.readPageSize = n
		}
	}
}

// WithSubscriberQueueSize bounds each subscriber's outbound queue.
func WithSubscriberQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithDedupeSize sets the size of the command id cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithWarmupWorkers sets how many matches are replayed concurrently on Start.
func WithWarmupWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.warmWorkers = n
		}
	}
}

// WithFollowInterval sets how often the log tail of subscribed matches is
// polled for events appended by other processes. Zero or less turns the
// polling off.
func WithFollowInterval(d time.Duration) Option {
	return func(s *Service) {
		s.followEvery = d
	}
}

// WithDefaultFormat sets the format of matches registered without one.
func WithDefaultFormat(f model.Format) Option {
	return func(s *Service) {
		s.defaultFormat = f
	}
}

// WithClock overrides the registration clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// FromConfig maps process configuration to service options.
func FromConfig(cfg *config.Config) []Option {
	opts := []Option{
		WithReadPageSize(cfg.ReadPageSize),
		WithSubscriberQueueSize(cfg.SubscriberQueueSize),
		WithDedupeSize(cfg.DedupeSize),
		WithDefaultFormat(cfg.DefaultFormat.Format()),
		WithFollowInterval(time.Duration(cfg.FollowIntervalMS) * time.Millisecond),
	}
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		opts = append(opts, WithSQLite(cfg.SQLitePath))
	case config.StorePostgres:
		opts = append(opts, WithPostgres(cfg.PostgresDSN))
	default:
		opts = append(opts, WithMemoryStore())
	}
	return opts
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		storeDriver:   config.StoreMemory,
		readPageSize:  repository.DefaultPageSize,
		queueSize:     broadcast.DefaultQueueSize,
		dedupeSize:    50_000,
		warmWorkers:   runtime.NumCPU(),
		followEvery:   follower.DefaultInterval,
		defaultFormat: model.T20(),
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start opens the event log, wires the components and replays every known
// match into the snapshot cache.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if s.logger == nil {
		s.logger = logger.Get()
	}

	s.logger.Info(ctx, "starting scoring service...",
		logger.String("store", s.storeDriver),
	)

	if s.log == nil {
		l, err := s.openLog()
		if err != nil {
			return err
		}
		s.log = l
		s.ownsLog = true
	}

	s.cache = snapshot.New(s.log, snapshot.WithLogger(s.logger.Named("snapshot")))
	s.hub = broadcast.NewHub(s.cache, s.log,
		broadcast.WithQueueSize(s.queueSize),
		broadcast.WithLogger(s.logger.Named("broadcast")),
	)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.coordinator = coordinator.New(s.log, s.cache,
		coordinator.WithPublisher(s.hub),
		coordinator.WithDeduper(s.deduper),
		coordinator.WithLogger(s.logger.Named("coordinator")),
	)

	s.warmup(ctx)
	s.follow()

	s.started = true
	s.startedAt = s.now()
	s.logger.Info(ctx, "scoring service started",
		logger.Int("cachedMatches", s.cache.Len()),
		logger.Int("queueSize", s.queueSize),
		logger.Int("dedupeSize", s.dedupeSize),
	)

	return nil
}

func (s *Service) openLog() (repository.Log, error) {
	opts := []repository.Option{repository.WithPageSize(s.readPageSize)}
	switch s.storeDriver {
	case config.StoreSQLite:
		return repository.OpenSQLite(s.sqlitePath, opts...)
	case config.StorePostgres:
		return repository.OpenPostgres(s.postgresDSN, opts...)
	case config.StoreMemory:
		return repository.NewMemoryLog(opts...), nil
	}
	return nil, fmt.Errorf("%w: unknown store %q", config.ErrInvalidConfig, s.storeDriver)
}

// follow starts relaying events other processes append to the log. A
// memory log opened here has no other writer.
func (s *Service) follow() {
	if s.followEvery <= 0 || (s.ownsLog && s.storeDriver == config.StoreMemory) {
		return
	}
	s.follower = follower.New(s.log, s.cache, s.hub,
		follower.WithInterval(s.followEvery),
		follower.WithLogger(s.logger.Named("follower")),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.stopFollow = cancel
	s.followDone = done
	go func(f *follower.Follower) {
		defer close(done)
		f.Run(ctx)
	}(s.follower)
}

// warmup replays every registered match so the first reads are served from
// memory. A match that fails to replay is left cold and retried on demand.
func (s *Service) warmup(ctx context.Context) {
	lister, ok := s.log.(repository.Lister)
	if !ok {
		return
	}
	ids, err := lister.MatchIDs(ctx)
	if err != nil {
		s.logger.Warn(ctx, "listing matches for warmup failed", logger.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	pool := workerpool.NewPool(s.warmWorkers, func(ctx context.Context, id string) error {
		_, err := s.cache.Get(ctx, id)
		return err
	},
		workerpool.WithName("warmup"),
		workerpool.WithLogger(s.logger.Named("warmup")),
	)
	if err := pool.RunAll(ctx, ids); err != nil {
		s.logger.Warn(ctx, "snapshot warmup incomplete",
			logger.Int("matches", len(ids)),
			logger.Int("failed", int(pool.Failed())),
			logger.Error(err),
		)
	}
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx := context.Background()
	s.logger.Info(ctx, "stopping scoring service...")

	if s.stopFollow != nil {
		s.stopFollow()
		<-s.followDone
		s.stopFollow = nil
		s.follower = nil
	}
	s.hub.Close()
	if s.ownsLog {
		if err := s.log.Close(); err != nil {
			s.logger.Warn(ctx, "closing event log failed", logger.Error(err))
		}
		s.log = nil
		s.ownsLog = false
	}

	s.started = false
	s.logger.Info(ctx, "scoring service stopped")
}

func (s *Service) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// RegisterMatch creates a match. A missing id is generated and the format
// fields the request leaves out are taken from the default format.
//
// Errors: model.ErrInvalidMatch, repository.ErrMatchExists,
// repository.ErrPersistence.
func (s *Service) RegisterMatch(ctx context.Context, req types.RegisterRequest) (model.Match, error) {
	if err := s.ready(); err != nil {
		return model.Match{}, err
	}

	m := model.Match{
		TenantID:  strings.TrimSpace(req.TenantID),
		ID:        strings.TrimSpace(req.ID),
		Team1ID:   strings.TrimSpace(req.Team1ID),
		Team2ID:   strings.TrimSpace(req.Team2ID),
		Format:    s.defaultFormat,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Format = req.Format.Over(m.Format)
	if err := m.Validate(); err != nil {
		return model.Match{}, err
	}

	if err := s.log.CreateMatch(ctx, m); err != nil {
		return model.Match{}, err
	}
	metrics.RecordMatchRegistered()
	s.logger.Info(ctx, "match registered",
		logger.MatchID(m.ID),
		logger.String("tenant", m.TenantID),
		logger.String("team1", m.Team1ID),
		logger.String("team2", m.Team2ID),
	)
	return m, nil
}

// Match returns a registered match with its current state.
func (s *Service) Match(ctx context.Context, matchID string) (types.MatchView, error) {
	if err := s.ready(); err != nil {
		return types.MatchView{}, err
	}
	st, err := s.cache.Get(ctx, matchID)
	if err != nil {
		return types.MatchView{}, err
	}
	return types.MatchView{Match: st.Match, State: st}, nil
}

// Snapshot returns the current state of matchID.
func (s *Service) Snapshot(ctx context.Context, matchID string) (*scoring.MatchState, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.cache.Get(ctx, matchID)
}

// Submit hands a scorer command to the coordinator.
func (s *Service) Submit(ctx context.Context, matchID string, cmd model.Command) (coordinator.Result, error) {
	if err := s.ready(); err != nil {
		return coordinator.Result{}, err
	}
	return s.coordinator.Submit(ctx, matchID, cmd)
}

// Events returns up to limit records with seq > after. LastSeq of the page
// is the seq of its last record, or after when it is empty.
func (s *Service) Events(ctx context.Context, matchID string, after uint64, limit int) (types.EventsPage, error) {
	if err := s.ready(); err != nil {
		return types.EventsPage{}, err
	}
	switch {
	case limit <= 0:
		limit = DefaultEventsLimit
	case limit > MaxEventsLimit:
		limit = MaxEventsLimit
	}

	page := types.EventsPage{Events: make([]model.Record, 0, min(limit, s.readPageSize)), LastSeq: after}
	cur := s.log.ReadFrom(ctx, matchID, after)
	for len(page.Events) < limit && cur.Next() {
		rec := cur.Record()
		page.Events = append(page.Events, rec)
		page.LastSeq = rec.Seq
	}
	if err := cur.Err(); err != nil {
		return types.EventsPage{}, err
	}
	return page, nil
}

// Subscribe registers a real-time subscriber on matchID. See
// broadcast.Hub.Subscribe for the meaning of lastSeq.
func (s *Service) Subscribe(ctx context.Context, matchID string, lastSeq uint64, opts ...broadcast.SubscribeOption) (*broadcast.Subscriber, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, matchID, lastSeq, opts...)
}

// MatchStats summarizes one match: where its log stands and how many
// clients follow it.
func (s *Service) MatchStats(ctx context.Context, matchID string) (types.MatchStats, error) {
	if err := s.ready(); err != nil {
		return types.MatchStats{}, err
	}
	st, err := s.cache.Get(ctx, matchID)
	if err != nil {
		return types.MatchStats{}, err
	}
	return types.MatchStats{
		MatchID:     matchID,
		Status:      st.Status,
		LastSeq:     st.LastSeq,
		Innings:     len(st.Innings),
		Corrections: len(st.Corrected),
		Subscribers: s.hub.Subscribers(matchID),
	}, nil
}

// Ping reports whether the event log is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.log.Ping(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":    s.started,
		"store":      s.storeDriver,
		"queueSize":  s.queueSize,
		"dedupeSize": s.dedupeSize,
	}

	if s.started {
		cached := s.cache.Len()
		subscribers := s.hub.Len()

		stats["cachedMatches"] = cached
		stats["subscribers"] = subscribers
		stats["pendingCommands"] = s.coordinator.Pending()
		stats["dedupeEntries"] = s.deduper.Size()
		stats["following"] = s.follower != nil
		stats["uptimeSeconds"] = int64(s.now().Sub(s.startedAt).Seconds())

		metrics.UpdateCachedMatches(cached)
		metrics.UpdateActiveSubscribers(subscribers)
	}

	return stats
}
