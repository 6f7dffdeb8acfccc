// Package types contains the wire shapes shared by the HTTP API, the
// real-time channel and API clients.
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
)

// ErrProtocol reports a malformed real-time frame.
var ErrProtocol = errors.New("protocol error")

// FrameType tags a real-time frame.
type FrameType string

// Frame types. Snapshot, event and error flow server to client, ack flows
// client to server, ping and pong flow both ways.
const (
	FrameSnapshot FrameType = "snapshot"
	FrameEvent    FrameType = "event"
	FrameError    FrameType = "error"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameAck      FrameType = "ack"
)

// Frame is one real-time message.
type Frame struct {
	Type    FrameType           `json:"type"`
	Seq     uint64              `json:"seq,omitempty"`
	State   *scoring.MatchState `json:"state,omitempty"`
	Event   *model.Record       `json:"event,omitempty"`
	Code    string              `json:"code,omitempty"`
	Message string              `json:"message,omitempty"`
}

// SnapshotFrame carries the state a subscription starts from.
func SnapshotFrame(st *scoring.MatchState) Frame {
	return Frame{Type: FrameSnapshot, Seq: st.LastSeq, State: st}
}

// EventFrame carries one accepted record.
func EventFrame(rec model.Record) Frame {
	return Frame{Type: FrameEvent, Seq: rec.Seq, Event: &rec}
}

// ErrorFrame reports a failure to the client.
func ErrorFrame(code, message string) Frame {
	return Frame{Type: FrameError, Code: code, Message: message}
}

// ParseClientFrame decodes a frame sent by a subscriber. Only ack, ping and
// pong are accepted; an ack needs a positive seq.
func ParseClientFrame(data []byte) (Frame, error) {
	var f Frame
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch f.Type {
	case FramePing, FramePong:
		return f, nil
	case FrameAck:
		if f.Seq == 0 {
			return Frame{}, fmt.Errorf("%w: ack without seq", ErrProtocol)
		}
		return f, nil
	case "":
		return Frame{}, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	return Frame{}, fmt.Errorf("%w: unexpected frame %q", ErrProtocol, f.Type)
}

// RegisterRequest is the body of POST /matches. A missing id is generated.
// Format fields left out keep the server default.
type RegisterRequest struct {
	ID       string        `json:"id,omitempty"`
	TenantID string        `json:"tenant_id"`
	Team1ID  string        `json:"team1_id"`
	Team2ID  string        `json:"team2_id"`
	Format   *FormatFields `json:"format,omitempty"`
}

// FormatFields is a partial model.Format; nil fields are not set.
type FormatFields struct {
	OversPerInnings   *int  `json:"overs_per_innings,omitempty"`
	BallsPerOver      *int  `json:"balls_per_over,omitempty"`
	WicketsPerInnings *int  `json:"wickets_per_innings,omitempty"`
	InningsPerSide    *int  `json:"innings_per_side,omitempty"`
	MaxOversPerBowler *int  `json:"max_overs_per_bowler,omitempty"`
	WidePenalty       *int  `json:"wide_penalty,omitempty"`
	NoBallPenalty     *int  `json:"no_ball_penalty,omitempty"`
	AutoCloseOvers    *bool `json:"auto_close_overs,omitempty"`
}

// FullFormat sets every field of f.
func FullFormat(f model.Format) *FormatFields {
	return &FormatFields{
		OversPerInnings:   &f.OversPerInnings,
		BallsPerOver:      &f.BallsPerOver,
		WicketsPerInnings: &f.WicketsPerInnings,
		InningsPerSide:    &f.InningsPerSide,
		MaxOversPerBowler: &f.MaxOversPerBowler,
		WidePenalty:       &f.WidePenalty,
		NoBallPenalty:     &f.NoBallPenalty,
		AutoCloseOvers:    &f.AutoCloseOvers,
	}
}

// Over returns base with the set fields of f replacing its own.
func (f *FormatFields) Over(base model.Format) model.Format {
	if f == nil {
		return base
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt(&base.OversPerInnings, f.OversPerInnings)
	setInt(&base.BallsPerOver, f.BallsPerOver)
	setInt(&base.WicketsPerInnings, f.WicketsPerInnings)
	setInt(&base.InningsPerSide, f.InningsPerSide)
	setInt(&base.MaxOversPerBowler, f.MaxOversPerBowler)
	setInt(&base.WidePenalty, f.WidePenalty)
	setInt(&base.NoBallPenalty, f.NoBallPenalty)
	if f.AutoCloseOvers != nil {
		base.AutoCloseOvers = *f.AutoCloseOvers
	}
	return base
}

// MatchView is a match with its current derived state.
type MatchView struct {
	Match model.Match         `json:"match"`
	State *scoring.MatchState `json:"state,omitempty"`
}

// CommandResponse acknowledges an accepted command.
type CommandResponse struct {
	Status    string         `json:"status"`
	Seq       uint64         `json:"seq"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Events    []model.Record `json:"events,omitempty"`
}

// EventsPage is a slice of a match log.
type EventsPage struct {
	Events  []model.Record `json:"events"`
	LastSeq uint64         `json:"last_seq"`
}

// MatchStats describes one match for GET /stats?match=id.
type MatchStats struct {
	MatchID     string       `json:"match_id"`
	Status      model.Status `json:"status"`
	LastSeq     uint64       `json:"last_seq"`
	Innings     int          `json:"innings"`
	Corrections int          `json:"corrections"`
	Subscribers int          `json:"subscribers"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
