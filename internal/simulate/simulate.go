// Package simulate drives random but legal matches through the match API.
// It is used to exercise a running server end to end and to check that the
// state it serves always equals a replay of its own log.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okian/pitchpulse/internal/adapters/mq/worker"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/types"
	"github.com/okian/pitchpulse/pkg/logger"
)

// Defaults for Config.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxCommands = 5000
	DefaultTenant      = "simulator"
)

var (
	// ErrInvalidConfig reports an unusable Config.
	ErrInvalidConfig = errors.New("invalid simulation config")
	// ErrUnfinished is returned when a match is still running after
	// MaxCommands commands.
	ErrUnfinished = errors.New("match did not finish")
	// ErrNotDuplicate is returned when a resent command is applied again.
	ErrNotDuplicate = errors.New("resent command was not recognised as a duplicate")
)

// Config controls a simulation run.
type Config struct {
	BaseURL string
	Matches int
	Workers int
	Timeout time.Duration
	// Seed makes runs reproducible. 0 picks a random seed.
	Seed     uint64
	TenantID string
	Team1ID  string
	Team2ID  string
	// Format overrides the server's default format when set.
	Format *model.Format
	// CorrectionRate is the chance that a plain delivery gets corrected.
	CorrectionRate float64
	// DuplicateRate is the chance that a command is sent twice.
	DuplicateRate float64
	MaxCommands   int
	// Verify checks every finished match against a replay of its log.
	Verify bool
	Logger logger.Logger
}

// DefaultConfig returns a config for one verified T20 match.
func DefaultConfig() Config {
	return Config{
		Matches:     1,
		Workers:     1,
		Timeout:     DefaultTimeout,
		TenantID:    DefaultTenant,
		Team1ID:     "HOME",
		Team2ID:     "AWAY",
		MaxCommands: DefaultMaxCommands,
		Verify:      true,
	}
}

func (c *Config) validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	case c.Matches < 1:
		return fmt.Errorf("%w: matches must be positive", ErrInvalidConfig)
	case c.CorrectionRate < 0 || c.CorrectionRate > 1:
		return fmt.Errorf("%w: correction rate must be between 0 and 1", ErrInvalidConfig)
	case c.DuplicateRate < 0 || c.DuplicateRate > 1:
		return fmt.Errorf("%w: duplicate rate must be between 0 and 1", ErrInvalidConfig)
	}
	return nil
}

// Stats summarises a run.
type Stats struct {
	Matches     int64         `json:"matches"`
	Completed   int64         `json:"completed"`
	Verified    int64         `json:"verified"`
	Failed      int64         `json:"failed"`
	Commands    int64         `json:"commands"`
	Events      int64         `json:"events"`
	Corrections int64         `json:"corrections"`
	Duplicates  int64         `json:"duplicates"`
	Duration    time.Duration `json:"duration"`
}

type counters struct {
	matches, completed, verified          atomic.Int64
	commands, events, corrections, resent atomic.Int64
}

type runner struct {
	cfg    Config
	client *Client
	logger logger.Logger
	c      counters
}

// Run plays cfg.Matches matches on cfg.Workers workers. The returned stats
// are valid even when err is not nil.
func Run(ctx context.Context, cfg Config) (Stats, error) {
	start := time.Now()
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxCommands <= 0 {
		cfg.MaxCommands = DefaultMaxCommands
	}
	if cfg.TenantID == "" {
		cfg.TenantID = DefaultTenant
	}
	if cfg.Team1ID == "" || cfg.Team2ID == "" {
		cfg.Team1ID, cfg.Team2ID = "HOME", "AWAY"
	}
	if cfg.Seed == 0 {
		cfg.Seed = rand.Uint64()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Get().Named("simulate")
	}
	if err := cfg.validate(); err != nil {
		return Stats{}, err
	}

	r := &runner{cfg: cfg, client: NewClient(cfg.BaseURL, cfg.Timeout), logger: cfg.Logger}
	r.logger.Info(ctx, "starting simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("matches", cfg.Matches),
		logger.Int("workers", cfg.Workers),
		logger.Uint64("seed", cfg.Seed),
	)

	if err := r.client.Health(ctx); err != nil {
		return Stats{}, fmt.Errorf("service health check failed: %w", err)
	}

	ids := make([]string, cfg.Matches)
	for i := range ids {
		ids[i] = "sim-" + uuid.NewString()
	}
	pool := worker.NewPool(cfg.Workers, r.play,
		worker.WithName("simulate"),
		worker.WithLogger(r.logger),
	)
	err := pool.RunAll(ctx, ids)

	stats := Stats{
		Matches:     r.c.matches.Load(),
		Completed:   r.c.completed.Load(),
		Verified:    r.c.verified.Load(),
		Failed:      pool.Failed(),
		Commands:    r.c.commands.Load(),
		Events:      r.c.events.Load(),
		Corrections: r.c.corrections.Load(),
		Duplicates:  r.c.resent.Load(),
		Duration:    time.Since(start),
	}
	r.logger.Info(ctx, "simulation finished",
		logger.Int("completed", int(stats.Completed)),
		logger.Int("failed", int(stats.Failed)),
		logger.Int("commands", int(stats.Commands)),
		logger.Duration("duration", stats.Duration),
	)
	return stats, err
}

// play registers one match and scores it to the end.
func (r *runner) play(ctx context.Context, matchID string) error {
	req := types.RegisterRequest{
		ID:       matchID,
		TenantID: r.cfg.TenantID,
		Team1ID:  r.cfg.Team1ID,
		Team2ID:  r.cfg.Team2ID,
	}
	if r.cfg.Format != nil {
		req.Format = types.FullFormat(*r.cfg.Format)
	}
	m, err := r.client.Register(ctx, req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	r.c.matches.Add(1)

	rng := rand.New(rand.NewPCG(r.cfg.Seed, seedOf(matchID)))
	sc := NewScorer(m, rng, r.cfg.CorrectionRate)
	for i := 0; i < r.cfg.MaxCommands; i++ {
		cmd, ok := sc.Next()
		if !ok {
			break
		}
		resp, err := r.client.Submit(ctx, matchID, cmd)
		if err != nil {
			return fmt.Errorf("%s %s: %w", cmd.Type, cmd.CommandID, err)
		}
		r.c.commands.Add(1)
		r.c.events.Add(int64(len(resp.Events)))
		if cmd.Type == model.CmdCorrect {
			r.c.corrections.Add(1)
		}
		if err := sc.Apply(resp.Events); err != nil {
			return err
		}

		if r.cfg.DuplicateRate > 0 && rng.Float64() < r.cfg.DuplicateRate {
			if err := r.resend(ctx, matchID, cmd, resp.Seq); err != nil {
				return err
			}
		}
	}
	if !sc.Done() {
		return fmt.Errorf("%w after %d commands", ErrUnfinished, r.cfg.MaxCommands)
	}
	r.c.completed.Add(1)

	st := sc.State()
	r.logger.Debug(ctx, "match finished",
		logger.MatchID(matchID),
		logger.Seq(st.LastSeq),
		logger.String("status", string(st.Status)),
	)

	if !r.cfg.Verify {
		return nil
	}
	rep, err := Verify(ctx, r.client, matchID)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	// The scorer's own fold must agree with the server's log too.
	if err := SameState(rep.State, st); err != nil {
		return fmt.Errorf("verify scorer: %w", err)
	}
	r.c.verified.Add(1)
	return nil
}

// resend submits cmd again and expects the original seq back.
func (r *runner) resend(ctx context.Context, matchID string, cmd model.Command, seq uint64) error {
	resp, err := r.client.Submit(ctx, matchID, cmd)
	if err != nil {
		return fmt.Errorf("resend %s: %w", cmd.CommandID, err)
	}
	if !resp.Duplicate || resp.Seq != seq {
		return fmt.Errorf("%w: %s got seq %d, want %d", ErrNotDuplicate, cmd.CommandID, resp.Seq, seq)
	}
	r.c.resent.Add(1)
	return nil
}

func seedOf(matchID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(matchID))
	return h.Sum64()
}
