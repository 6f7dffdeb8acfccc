package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
)

// ErrMismatch is returned when a served state differs from the state
// rebuilt from the match log.
var ErrMismatch = errors.New("state mismatch")

// Report is the outcome of verifying one match.
type Report struct {
	MatchID string              `json:"match_id"`
	Events  int                 `json:"events"`
	LastSeq uint64              `json:"last_seq"`
	Status  model.Status        `json:"status"`
	State   *scoring.MatchState `json:"state"`
}

// Verify fetches the served state of a match and its full log, replays the
// log locally and checks both agree.
func Verify(ctx context.Context, c *Client, matchID string) (Report, error) {
	view, err := c.Match(ctx, matchID)
	if err != nil {
		return Report{}, fmt.Errorf("fetch match: %w", err)
	}
	records, err := c.AllEvents(ctx, matchID)
	if err != nil {
		return Report{}, fmt.Errorf("fetch events: %w", err)
	}
	for i, rec := range records {
		if rec.Seq != uint64(i+1) {
			return Report{}, fmt.Errorf("%w: log has seq %d at position %d", ErrMismatch, rec.Seq, i+1)
		}
	}

	local := scoring.Replay(view.Match, records)
	rep := Report{
		MatchID: matchID,
		Events:  len(records),
		LastSeq: local.LastSeq,
		Status:  local.Status,
		State:   local,
	}
	if view.State == nil {
		return rep, fmt.Errorf("%w: no state served", ErrMismatch)
	}
	// The log may have grown between the two reads.
	if view.State.LastSeq > local.LastSeq {
		return rep, fmt.Errorf("%w: served seq %d is ahead of the log at %d", ErrMismatch, view.State.LastSeq, local.LastSeq)
	}
	if view.State.LastSeq < local.LastSeq {
		local = scoring.Replay(view.Match, records[:view.State.LastSeq])
	}
	if err := SameState(view.State, local); err != nil {
		return rep, err
	}
	return rep, nil
}

// SameState reports through ErrMismatch whether two states differ in any
// field of their JSON form.
func SameState(served, replayed *scoring.MatchState) error {
	a, err := json.Marshal(served)
	if err != nil {
		return fmt.Errorf("encode served state: %w", err)
	}
	b, err := json.Marshal(replayed)
	if err != nil {
		return fmt.Errorf("encode replayed state: %w", err)
	}
	if !bytes.Equal(a, b) {
		return fmt.Errorf("%w at seq %d", ErrMismatch, served.LastSeq)
	}
	return nil
}
