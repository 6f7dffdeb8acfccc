package simulate

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
)

// ErrOutOfSync is returned when the server's records do not continue the
// scorer's copy of the log.
var ErrOutOfSync = errors.New("scorer out of sync with the match log")

var commentary = []string{
	"",
	"",
	"pushed into the covers",
	"edged, falls short of slip",
	"driven straight back",
	"pulled in front of square",
	"beaten outside off",
}

// Scorer plays a random but legal match. It mirrors the match log from the
// records the server returns and derives every command from that state, so
// the commands it produces always fit the server's view of the match.
type Scorer struct {
	match          model.Match
	rng            *rand.Rand
	correctionRate float64

	records []model.Record
	state   *scoring.MatchState
	issued  int
	// lastBall is the seq of the previous command's delivery when it
	// produced no other event, 0 otherwise.
	lastBall uint64
}

// NewScorer creates a scorer for m. correctionRate is the chance that a
// plain delivery is corrected by the next command.
func NewScorer(m model.Match, rng *rand.Rand, correctionRate float64) *Scorer {
	return &Scorer{
		match:          m,
		rng:            rng,
		correctionRate: correctionRate,
		state:          scoring.NewState(m),
	}
}

// State returns the scorer's copy of the match state.
func (s *Scorer) State() *scoring.MatchState { return s.state }

// Records returns the records applied so far.
func (s *Scorer) Records() []model.Record { return s.records }

// Done reports whether the match has finished.
func (s *Scorer) Done() bool { return s.state.Status.Terminal() }

// Next returns the next command. It returns false once the match is over.
func (s *Scorer) Next() (model.Command, bool) {
	st := s.state
	var cmd model.Command
	switch st.Status {
	case model.StatusScheduled:
		cmd = model.Command{Type: model.CmdStartMatch}
	case model.StatusLive:
		in, open := st.Current()
		switch {
		case !open:
			cmd = s.startInnings()
		case s.lastBall != 0 && s.rng.Float64() < s.correctionRate:
			cmd = model.Command{Type: model.CmdCorrect, TargetSeq: s.lastBall, Note: "scorer error"}
		case in.BallsInOver >= st.Match.Format.BallsPerOver:
			cmd = model.Command{Type: model.CmdCompleteOver}
		default:
			ball := s.delivery(in)
			cmd = model.Command{Type: model.CmdDeliverBall, Ball: &ball}
		}
	default:
		return model.Command{}, false
	}
	s.issued++
	cmd.CommandID = fmt.Sprintf("%s-%d", s.match.ID, s.issued)
	return cmd, true
}

// Apply folds the records accepted for the last command.
func (s *Scorer) Apply(recs []model.Record) error {
	for i, rec := range recs {
		if want := uint64(len(s.records) + i + 1); rec.Seq != want {
			return fmt.Errorf("%w: got seq %d, want %d", ErrOutOfSync, rec.Seq, want)
		}
	}
	s.records = append(s.records, recs...)

	if scoring.NeedsReplay(recs) {
		s.state = scoring.Replay(s.match, s.records)
	} else {
		for _, rec := range recs {
			s.state = scoring.Reduce(s.state, rec)
		}
	}

	s.lastBall = 0
	if len(recs) == 1 {
		if b, ok := recs[0].Payload.(model.BallDelivered); ok && b.Wicket == nil {
			s.lastBall = recs[0].Seq
		}
	}
	return nil
}

func (s *Scorer) startInnings() model.Command {
	team := s.match.Team1ID
	if len(s.state.Innings)%2 == 1 {
		team = s.match.Team2ID
	}
	return model.Command{
		Type:        model.CmdStartInnings,
		BattingTeam: team,
		Striker:     batter(team, 1),
		NonStriker:  batter(team, 2),
	}
}

func (s *Scorer) delivery(in scoring.InningsState) model.BallDelivered {
	f := s.match.Format
	b := model.BallDelivered{
		Striker:    in.Striker,
		NonStriker: in.NonStriker,
		Bowler:     in.Bowler,
		Commentary: commentary[s.rng.IntN(len(commentary))],
	}
	if b.Bowler == "" {
		b.Bowler = s.nextBowler(in)
	}

	switch r := s.rng.IntN(100); {
	case r < 30:
	case r < 60:
		b.Runs = 1
	case r < 68:
		b.Runs = 2
	case r < 70:
		b.Runs = 3
	case r < 80:
		b.Runs = 4
	case r < 85:
		b.Runs = 6
	case r < 89:
		b.Extra = &model.Extra{Type: model.ExtraWide}
	case r < 92:
		b.Runs = s.rng.IntN(2)
		b.Extra = &model.Extra{Type: model.ExtraNoBall}
	case r < 94:
		b.Extra = &model.Extra{Type: model.ExtraBye, Runs: 1}
	case r < 96:
		b.Extra = &model.Extra{Type: model.ExtraLegBye, Runs: 1}
	default:
		kinds := []model.WicketKind{model.WicketBowled, model.WicketCaught, model.WicketLBW}
		w := &model.Wicket{Kind: kinds[s.rng.IntN(len(kinds))], PlayerOut: in.Striker}
		if in.Wickets+1 < f.WicketsPerInnings {
			// Openers are 1 and 2, so the n-th wicket brings in n+2.
			w.IncomingBatter = batter(in.BattingTeam, in.Wickets+3)
		}
		b.Wicket = w
	}
	return b
}

// nextBowler picks the bowler with the fewest overs who may bowl the next
// over.
func (s *Scorer) nextBowler(in scoring.InningsState) string {
	f := s.match.Format
	n := 2
	if f.MaxOversPerBowler > 0 {
		n = (f.OversPerInnings+f.MaxOversPerBowler-1)/f.MaxOversPerBowler + 1
	}
	pick := ""
	for i := 1; i <= n; i++ {
		name := bowler(in.BowlingTeam, i)
		overs := in.BowlerOvers[name]
		if name == in.PreviousBowler || (f.MaxOversPerBowler > 0 && overs >= f.MaxOversPerBowler) {
			continue
		}
		if pick == "" || overs < in.BowlerOvers[pick] {
			pick = name
		}
	}
	return pick
}

func batter(team string, n int) string { return fmt.Sprintf("%s-%d", team, n) }

func bowler(team string, n int) string { return fmt.Sprintf("%s-bowler-%d", team, n) }
