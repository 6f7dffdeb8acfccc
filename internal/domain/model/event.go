package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind tags the variant carried by a Record.
type Kind string

// Event kinds.
const (
	KindBallDelivered  Kind = "ball_delivered"
	KindOverCompleted  Kind = "over_completed"
	KindInningsStarted Kind = "innings_started"
	KindInningsEnded   Kind = "innings_ended"
	KindMatchStarted   Kind = "match_started"
	KindMatchCompleted Kind = "match_completed"
	KindCorrection     Kind = "correction"
)

// ErrUnknownKind is returned when decoding a payload with an unrecognised tag.
var ErrUnknownKind = errors.New("unknown event kind")

// Payload is implemented only by the event variants of this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

// ExtraType classifies a delivery that concedes extras.
type ExtraType string

// Extra types.
const (
	ExtraWide   ExtraType = "wide"
	ExtraNoBall ExtraType = "no_ball"
	ExtraBye    ExtraType = "bye"
	ExtraLegBye ExtraType = "leg_bye"
)

// Valid reports whether t is a known extra type.
func (t ExtraType) Valid() bool {
	switch t {
	case ExtraWide, ExtraNoBall, ExtraBye, ExtraLegBye:
		return true
	}
	return false
}

// Extra describes runs conceded other than off the bat. Runs excludes the
// wide or no-ball penalty, which comes from the match format.
type Extra struct {
	Type ExtraType `json:"type"`
	Runs int       `json:"runs"`
}

// WicketKind is the mode of dismissal.
type WicketKind string

// Dismissal modes.
const (
	WicketBowled        WicketKind = "bowled"
	WicketCaught        WicketKind = "caught"
	WicketLBW           WicketKind = "lbw"
	WicketRunOut        WicketKind = "run_out"
	WicketStumped       WicketKind = "stumped"
	WicketHitWicket     WicketKind = "hit_wicket"
	WicketObstructField WicketKind = "obstructing_the_field"
)

// Valid reports whether k is a known dismissal mode.
func (k WicketKind) Valid() bool {
	switch k {
	case WicketBowled, WicketCaught, WicketLBW, WicketRunOut, WicketStumped, WicketHitWicket, WicketObstructField:
		return true
	}
	return false
}

// Wicket records a dismissal on a delivery.
type Wicket struct {
	Kind           WicketKind `json:"kind"`
	PlayerOut      string     `json:"player_out"`
	IncomingBatter string     `json:"incoming_batter,omitempty"`
}

// BallDelivered is one delivery, legal or not.
type BallDelivered struct {
	Striker    string  `json:"striker"`
	NonStriker string  `json:"non_striker"`
	Bowler     string  `json:"bowler"`
	Runs       int     `json:"runs"`
	Extra      *Extra  `json:"extra,omitempty"`
	Wicket     *Wicket `json:"wicket,omitempty"`
	Commentary string  `json:"commentary,omitempty"`
}

// Legal reports whether the delivery counts toward the over.
func (b BallDelivered) Legal() bool {
	return b.Extra == nil || (b.Extra.Type != ExtraWide && b.Extra.Type != ExtraNoBall)
}

// RunsRun is the number of runs the batters physically ran, which decides
// strike rotation.
func (b BallDelivered) RunsRun() int {
	n := b.Runs
	if b.Extra != nil {
		n += b.Extra.Runs
	}
	return n
}

// OverCompleted closes the over numbered Over (1-based) bowled by Bowler.
type OverCompleted struct {
	Over   int    `json:"over"`
	Bowler string `json:"bowler"`
}

// InningsStarted opens an innings.
type InningsStarted struct {
	Innings     int    `json:"innings"`
	BattingTeam string `json:"batting_team"`
	BowlingTeam string `json:"bowling_team"`
	Striker     string `json:"striker"`
	NonStriker  string `json:"non_striker"`
	Target      int    `json:"target,omitempty"`
}

// EndReason explains why an innings closed.
type EndReason string

// Innings end reasons.
const (
	EndAllOut         EndReason = "all_out"
	EndOversExhausted EndReason = "overs_exhausted"
	EndTargetReached  EndReason = "target_reached"
	EndDeclared       EndReason = "declared"
	EndForfeited      EndReason = "forfeited"
)

// InningsEnded closes an innings.
type InningsEnded struct {
	Innings int       `json:"innings"`
	Reason  EndReason `json:"reason"`
}

// MatchStarted moves a scheduled match to live.
type MatchStarted struct{}

// Outcome is the final result category of a match.
type Outcome string

// Match outcomes.
const (
	OutcomeWon       Outcome = "won"
	OutcomeTied      Outcome = "tied"
	OutcomeNoResult  Outcome = "no_result"
	OutcomeAbandoned Outcome = "abandoned"
)

// MatchCompleted ends a match. An abandoned outcome moves the match to
// StatusAbandoned, every other outcome to StatusCompleted.
type MatchCompleted struct {
	Outcome Outcome `json:"outcome"`
	Winner  string  `json:"winner,omitempty"`
	Margin  string  `json:"margin,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// Correction nullifies the effect of the event at TargetSeq.
type Correction struct {
	TargetSeq uint64 `json:"target_seq"`
	Reason    string `json:"reason"`
}

func (BallDelivered) Kind() Kind  { return KindBallDelivered }
func (OverCompleted) Kind() Kind  { return KindOverCompleted }
func (InningsStarted) Kind() Kind { return KindInningsStarted }
func (InningsEnded) Kind() Kind   { return KindInningsEnded }
func (MatchStarted) Kind() Kind   { return KindMatchStarted }
func (MatchCompleted) Kind() Kind { return KindMatchCompleted }
func (Correction) Kind() Kind     { return KindCorrection }

func (BallDelivered) isPayload()  {}
func (OverCompleted) isPayload()  {}
func (InningsStarted) isPayload() {}
func (InningsEnded) isPayload()   {}
func (MatchStarted) isPayload()   {}
func (MatchCompleted) isPayload() {}
func (Correction) isPayload()     {}

// Record is an appended event. Records are immutable once written.
type Record struct {
	MatchID    string
	Seq        uint64
	RecordedAt time.Time
	CommandID  string
	Payload    Payload
}

// Kind returns the payload tag, or "" for an empty record.
func (r Record) Kind() Kind {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Kind()
}

type recordJSON struct {
	MatchID    string          `json:"match_id"`
	Seq        uint64          `json:"seq"`
	RecordedAt time.Time       `json:"recorded_at"`
	CommandID  string          `json:"command_id,omitempty"`
	Kind       Kind            `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the record as a tagged envelope.
func (r Record) MarshalJSON() ([]byte, error) {
	kind, body, err := EncodePayload(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordJSON{
		MatchID:    r.MatchID,
		Seq:        r.Seq,
		RecordedAt: r.RecordedAt,
		CommandID:  r.CommandID,
		Kind:       kind,
		Payload:    body,
	})
}

// UnmarshalJSON decodes a tagged envelope.
func (r *Record) UnmarshalJSON(data []byte) error {
	var env recordJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p, err := DecodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	*r = Record{
		MatchID:    env.MatchID,
		Seq:        env.Seq,
		RecordedAt: env.RecordedAt,
		CommandID:  env.CommandID,
		Payload:    p,
	}
	return nil
}

// EncodePayload returns the tag and JSON body used by stores and the wire.
func EncodePayload(p Payload) (Kind, []byte, error) {
	if p == nil {
		return "", nil, fmt.Errorf("%w: nil payload", ErrUnknownKind)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return p.Kind(), body, nil
}

// DecodePayload rebuilds a payload from its tag and JSON body.
func DecodePayload(kind Kind, body []byte) (Payload, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindBallDelivered:
		var v BallDelivered
		err = json.Unmarshal(body, &v)
		p = v
	case KindOverCompleted:
		var v OverCompleted
		err = json.Unmarshal(body, &v)
		p = v
	case KindInningsStarted:
		var v InningsStarted
		err = json.Unmarshal(body, &v)
		p = v
	case KindInningsEnded:
		var v InningsEnded
		err = json.Unmarshal(body, &v)
		p = v
	case KindMatchStarted:
		p = MatchStarted{}
	case KindMatchCompleted:
		var v MatchCompleted
		err = json.Unmarshal(body, &v)
		p = v
	case KindCorrection:
		var v Correction
		err = json.Unmarshal(body, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return p, nil
}
