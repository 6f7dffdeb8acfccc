package repository

import "time"

// DefaultPageSize is the number of records a cursor fetches per round trip.
const DefaultPageSize = 200

type options struct {
	pageSize int
	now      func() time.Time
}

func newOptions(opts []Option) *options {
	o := &options{pageSize: DefaultPageSize, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option applies a configuration option to a Log implementation.
type Option func(*options)

// WithPageSize sets how many records a cursor reads per page.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithClock overrides the time source used for recorded_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
