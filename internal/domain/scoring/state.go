// Package scoring folds match events into the live scoreboard.
//
// MatchState values are treated as immutable: Reduce never mutates its
// input and always returns a fresh state, so published states can be read
// concurrently without locks.
package scoring

import (
	"fmt"
	"maps"
	"slices"

	"github.com/okian/pitchpulse/internal/domain/model"
)

// Extras tallies runs conceded other than off the bat.
type Extras struct {
	Wides   int `json:"wides"`
	NoBalls int `json:"no_balls"`
	Byes    int `json:"byes"`
	LegByes int `json:"leg_byes"`
}

// Total is the sum of all extras.
func (e Extras) Total() int { return e.Wides + e.NoBalls + e.Byes + e.LegByes }

// InningsState is one team's batting turn.
type InningsState struct {
	Number      int    `json:"number"`
	BattingTeam string `json:"batting_team"`
	BowlingTeam string `json:"bowling_team"`
	Target      int    `json:"target,omitempty"`

	Runs           int    `json:"runs"`
	Wickets        int    `json:"wickets"`
	LegalBalls     int    `json:"legal_balls"`
	CompletedOvers int    `json:"completed_overs"`
	BallsInOver    int    `json:"balls_in_over"`
	Extras         Extras `json:"extras"`

	Striker        string         `json:"striker"`
	NonStriker     string         `json:"non_striker"`
	Bowler         string         `json:"bowler,omitempty"`
	PreviousBowler string         `json:"previous_bowler,omitempty"`
	BowlerOvers    map[string]int `json:"bowler_overs"`
	Dismissed      []string       `json:"dismissed,omitempty"`
	// BallSeqs lists the deliveries that currently count in this innings.
	BallSeqs []uint64 `json:"ball_seqs,omitempty"`

	Closed    bool            `json:"closed"`
	EndReason model.EndReason `json:"end_reason,omitempty"`
}

// Overs renders the overs bowled in the usual "overs.balls" notation.
func (in InningsState) Overs() string {
	return fmt.Sprintf("%d.%d", in.CompletedOvers, in.BallsInOver)
}

// IsDismissed reports whether player is already out in this innings.
func (in InningsState) IsDismissed(player string) bool {
	return slices.Contains(in.Dismissed, player)
}

// HasBall reports whether seq is a counted delivery of this innings.
func (in InningsState) HasBall(seq uint64) bool {
	return slices.Contains(in.BallSeqs, seq)
}

func (in InningsState) clone() InningsState {
	out := in
	out.BowlerOvers = maps.Clone(in.BowlerOvers)
	out.Dismissed = slices.Clone(in.Dismissed)
	out.BallSeqs = slices.Clone(in.BallSeqs)
	return out
}

// Result is the final outcome of a match.
type Result struct {
	Outcome model.Outcome `json:"outcome"`
	Winner  string        `json:"winner,omitempty"`
	Margin  string        `json:"margin,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// MatchState is the scoreboard derived from events 1..LastSeq.
type MatchState struct {
	Match   model.Match    `json:"match"`
	Status  model.Status   `json:"status"`
	Innings []InningsState `json:"innings"`
	// Corrected holds the sequence numbers whose effect has been nullified.
	Corrected []uint64 `json:"corrected,omitempty"`
	Result    *Result  `json:"result,omitempty"`
	LastSeq   uint64   `json:"last_seq"`
}

// NewState returns the state of a freshly registered match.
func NewState(m model.Match) *MatchState {
	return &MatchState{Match: m, Status: model.StatusScheduled}
}

// Current returns the open innings, if any.
func (s *MatchState) Current() (InningsState, bool) {
	if n := len(s.Innings); n > 0 && !s.Innings[n-1].Closed {
		return s.Innings[n-1], true
	}
	return InningsState{}, false
}

// IsCorrected reports whether seq has been nullified by a correction.
func (s *MatchState) IsCorrected(seq uint64) bool {
	return slices.Contains(s.Corrected, seq)
}

// TeamRuns sums the runs scored by team across its innings.
func (s *MatchState) TeamRuns(team string) int {
	total := 0
	for _, in := range s.Innings {
		if in.BattingTeam == team {
			total += in.Runs
		}
	}
	return total
}

// TeamInnings counts the innings team has batted or is batting.
func (s *MatchState) TeamInnings(team string) int {
	n := 0
	for _, in := range s.Innings {
		if in.BattingTeam == team {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (s *MatchState) Clone() *MatchState {
	out := *s
	if s.Innings != nil {
		out.Innings = make([]InningsState, len(s.Innings))
		for i, in := range s.Innings {
			out.Innings[i] = in.clone()
		}
	}
	out.Corrected = slices.Clone(s.Corrected)
	if s.Result != nil {
		r := *s.Result
		out.Result = &r
	}
	return &out
}
