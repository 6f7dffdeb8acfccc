package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// pageFunc fetches up to limit records with seq > afterSeq in seq order.
type pageFunc func(ctx context.Context, afterSeq uint64, limit int) ([]model.Record, error)

// Cursor iterates a match's records page by page. It is finite: it stops
// at the tail observed by the last page read. To resume later, open a new
// cursor from the last seq seen.
//
//	cur := log.ReadFrom(ctx, id, 0)
//	for cur.Next() {
//		rec := cur.Record()
//	}
//	if err := cur.Err(); err != nil { ... }
type Cursor struct {
	ctx      context.Context
	fetch    pageFunc
	pageSize int

	last uint64
	buf  []model.Record
	pos  int
	done bool
	cur  model.Record
	err  error
}

func newCursor(ctx context.Context, afterSeq uint64, pageSize int, fetch pageFunc) *Cursor {
	return &Cursor{ctx: ctx, fetch: fetch, pageSize: pageSize, last: afterSeq}
}

// Next advances to the next record. It returns false at the end of the log
// or on error; check Err afterwards.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}
	if c.pos >= len(c.buf) {
		if c.done || !c.load() {
			return false
		}
	}

	rec := c.buf[c.pos]
	c.pos++
	if rec.Seq != c.last+1 {
		c.err = fmt.Errorf("%w: expected %d got %d", ErrSequenceGap, c.last+1, rec.Seq)
		return false
	}
	c.last = rec.Seq
	c.cur = rec
	return true
}

func (c *Cursor) load() bool {
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return false
	}
	page, err := c.fetch(c.ctx, c.last, c.pageSize)
	metrics.RecordLogReadPage()
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrPersistence) {
			err = fmt.Errorf("%w: read: %v", ErrPersistence, err)
		}
		if isPersistence(err) {
			metrics.RecordPersistenceError("read")
		}
		c.err = err
		return false
	}
	if len(page) < c.pageSize {
		c.done = true
	}
	c.buf, c.pos = page, 0
	return len(page) > 0
}

// Record returns the record Next advanced to.
func (c *Cursor) Record() model.Record { return c.cur }

// LastSeq returns the seq of the last record returned, or the starting
// point when none has been.
func (c *Cursor) LastSeq() uint64 { return c.last }

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error { return c.err }

// Collect drains the cursor into a slice.
func (c *Cursor) Collect() ([]model.Record, error) {
	var out []model.Record
	for c.Next() {
		out = append(out, c.Record())
	}
	return out, c.Err()
}
