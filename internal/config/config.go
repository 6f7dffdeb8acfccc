// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults.
// - Loading functions accept context.Context as the first parameter.
// - External errors are wrapped with this package's sentinel errors.
package config

import (
	"fmt"

	"github.com/okian/pitchpulse/internal/domain/model"
)

// Store drivers understood by the service.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// Addr configures the HTTP listen address, e.g. ":8000".
	Addr string `koanf:"addr"`

	// StoreDriver selects the event log backend: memory, sqlite or postgres.
	StoreDriver string `koanf:"store_driver"`
	// SQLitePath is the database file used when StoreDriver is sqlite.
	SQLitePath string `koanf:"sqlite_path"`
	// PostgresDSN is the connection string used when StoreDriver is postgres.
	PostgresDSN string `koanf:"postgres_dsn"`
	// ReadPageSize bounds how many events a log cursor fetches per round trip.
	ReadPageSize int `koanf:"read_page_size"`

	// SubscriberQueueSize bounds each real-time subscriber's outbound queue.
	SubscriberQueueSize int `koanf:"subscriber_queue_size"`
	// DedupeSize bounds the command idempotency cache.
	DedupeSize int `koanf:"dedupe_size"`
	// FollowIntervalMS is how often the log tail of subscribed matches is
	// polled for events written by other instances. 0 disables it.
	FollowIntervalMS int `koanf:"follow_interval_ms"`

	// PingIntervalMS is the server heartbeat period on real-time connections.
	PingIntervalMS int `koanf:"ping_interval_ms"`
	// ReadTimeoutMS closes a real-time connection that stays silent this long.
	ReadTimeoutMS int `koanf:"read_timeout_ms"`
	// MaxProtocolErrors closes a connection after that many consecutive bad frames.
	MaxProtocolErrors int `koanf:"max_protocol_errors"`

	// DefaultFormat is applied to matches registered without an explicit format.
	DefaultFormat FormatConfig `koanf:"default_format"`
}

// FormatConfig mirrors model.Format for configuration files.
type FormatConfig struct {
	OversPerInnings   int  `koanf:"overs_per_innings"`
	BallsPerOver      int  `koanf:"balls_per_over"`
	WicketsPerInnings int  `koanf:"wickets_per_innings"`
	InningsPerSide    int  `koanf:"innings_per_side"`
	MaxOversPerBowler int  `koanf:"max_overs_per_bowler"`
	WidePenalty       int  `koanf:"wide_penalty"`
	NoBallPenalty     int  `koanf:"no_ball_penalty"`
	AutoCloseOvers    bool `koanf:"auto_close_overs"`
}

// Format converts the configured values to a match format.
func (f FormatConfig) Format() model.Format {
	return model.Format{
		OversPerInnings:   f.OversPerInnings,
		BallsPerOver:      f.BallsPerOver,
		WicketsPerInnings: f.WicketsPerInnings,
		InningsPerSide:    f.InningsPerSide,
		MaxOversPerBowler: f.MaxOversPerBowler,
		WidePenalty:       f.WidePenalty,
		NoBallPenalty:     f.NoBallPenalty,
		AutoCloseOvers:    f.AutoCloseOvers,
	}
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:            "info",
		Addr:                ":8000",
		StoreDriver:         StoreMemory,
		SQLitePath:          "pitchpulse.db",
		ReadPageSize:        200,
		SubscriberQueueSize: 256,
		DedupeSize:          50_000,
		FollowIntervalMS:    500,
		PingIntervalMS:      30_000,
		ReadTimeoutMS:       60_000,
		MaxProtocolErrors:   3,
		DefaultFormat: FormatConfig{
			OversPerInnings:   20,
			BallsPerOver:      6,
			WicketsPerInnings: 10,
			InningsPerSide:    1,
			MaxOversPerBowler: 4,
			WidePenalty:       1,
			NoBallPenalty:     1,
			AutoCloseOvers:    true,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.ReadPageSize < 1:
		return fmt.Errorf("%w: read_page_size must be positive", ErrInvalidConfig)
	case c.SubscriberQueueSize < 1:
		return fmt.Errorf("%w: subscriber_queue_size must be positive", ErrInvalidConfig)
	case c.FollowIntervalMS < 0:
		return fmt.Errorf("%w: follow_interval_ms must not be negative", ErrInvalidConfig)
	case c.PingIntervalMS < 1 || c.ReadTimeoutMS <= c.PingIntervalMS:
		return fmt.Errorf("%w: read_timeout_ms must exceed ping_interval_ms", ErrInvalidConfig)
	case c.DefaultFormat.BallsPerOver < 1 || c.DefaultFormat.OversPerInnings < 1 || c.DefaultFormat.WicketsPerInnings < 1:
		return fmt.Errorf("%w: default_format needs positive overs, balls and wickets", ErrInvalidConfig)
	}

	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%w: sqlite_path must not be empty", ErrStoreDriver)
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres_dsn must not be empty", ErrStoreDriver)
		}
	default:
		return fmt.Errorf("%w: unknown store_driver %q", ErrStoreDriver, c.StoreDriver)
	}
	return nil
}
