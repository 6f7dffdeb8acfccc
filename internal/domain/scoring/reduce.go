package scoring

import (
	"github.com/okian/pitchpulse/internal/domain/model"
)

// Reduce applies one record to s and returns the resulting state. It is
// total: a record that does not fit the state (for example a delivery with
// no open innings) only advances LastSeq.
//
// A Correction is recorded but does not by itself undo its target; Replay
// is the only way to obtain the corrected fold.
func Reduce(s *MatchState, rec model.Record) *MatchState {
	next := s.Clone()
	next.LastSeq = rec.Seq

	switch p := rec.Payload.(type) {
	case model.MatchStarted:
		if next.Status == model.StatusScheduled {
			next.Status = model.StatusLive
		}
	case model.InningsStarted:
		next.Innings = append(next.Innings, InningsState{
			Number:      p.Innings,
			BattingTeam: p.BattingTeam,
			BowlingTeam: p.BowlingTeam,
			Target:      p.Target,
			Striker:     p.Striker,
			NonStriker:  p.NonStriker,
			BowlerOvers: map[string]int{},
		})
	case model.BallDelivered:
		if in := next.open(); in != nil {
			applyBall(in, next.Match.Format, p, rec.Seq)
		}
	case model.OverCompleted:
		if in := next.open(); in != nil {
			bowler := p.Bowler
			if bowler == "" {
				bowler = in.Bowler
			}
			in.CompletedOvers++
			in.BallsInOver = 0
			in.Striker, in.NonStriker = in.NonStriker, in.Striker
			if bowler != "" {
				in.BowlerOvers[bowler]++
			}
			in.PreviousBowler = bowler
			in.Bowler = ""
		}
	case model.InningsEnded:
		if in := next.open(); in != nil {
			in.Closed = true
			in.EndReason = p.Reason
		}
	case model.MatchCompleted:
		if p.Outcome == model.OutcomeAbandoned {
			next.Status = model.StatusAbandoned
		} else {
			next.Status = model.StatusCompleted
		}
		next.Result = &Result{Outcome: p.Outcome, Winner: p.Winner, Margin: p.Margin, Reason: p.Reason}
	case model.Correction:
		if !next.IsCorrected(p.TargetSeq) {
			next.Corrected = append(next.Corrected, p.TargetSeq)
		}
	}
	return next
}

func (s *MatchState) open() *InningsState {
	if n := len(s.Innings); n > 0 && !s.Innings[n-1].Closed {
		return &s.Innings[n-1]
	}
	return nil
}

func applyBall(in *InningsState, f model.Format, b model.BallDelivered, seq uint64) {
	// The recorded crease was valid when the ball was admitted; adopting it
	// keeps later deliveries consistent after an earlier one is corrected.
	if b.Striker != "" {
		in.Striker = b.Striker
	}
	if b.NonStriker != "" {
		in.NonStriker = b.NonStriker
	}
	in.Bowler = b.Bowler
	in.BallSeqs = append(in.BallSeqs, seq)

	runs := b.Runs
	if b.Extra != nil {
		switch b.Extra.Type {
		case model.ExtraWide:
			n := f.WidePenalty + b.Extra.Runs
			in.Extras.Wides += n
			runs += n
		case model.ExtraNoBall:
			n := f.NoBallPenalty + b.Extra.Runs
			in.Extras.NoBalls += n
			runs += n
		case model.ExtraBye:
			in.Extras.Byes += b.Extra.Runs
			runs += b.Extra.Runs
		case model.ExtraLegBye:
			in.Extras.LegByes += b.Extra.Runs
			runs += b.Extra.Runs
		}
	}
	in.Runs += runs

	if b.Legal() {
		in.LegalBalls++
		in.BallsInOver++
	}
	if b.RunsRun()%2 == 1 {
		in.Striker, in.NonStriker = in.NonStriker, in.Striker
	}

	if w := b.Wicket; w != nil {
		in.Wickets++
		in.Dismissed = append(in.Dismissed, w.PlayerOut)
		switch w.PlayerOut {
		case in.Striker:
			in.Striker = w.IncomingBatter
		case in.NonStriker:
			in.NonStriker = w.IncomingBatter
		}
	}
}

// Replay folds records from the initial state of m, skipping every record
// targeted by a Correction anywhere in records. Skipped records still
// advance LastSeq.
func Replay(m model.Match, records []model.Record) *MatchState {
	nullified := make(map[uint64]struct{})
	for _, rec := range records {
		if c, ok := rec.Payload.(model.Correction); ok {
			nullified[c.TargetSeq] = struct{}{}
		}
	}

	st := NewState(m)
	for _, rec := range records {
		if _, skip := nullified[rec.Seq]; skip {
			next := st.Clone()
			next.LastSeq = rec.Seq
			st = next
			continue
		}
		st = Reduce(st, rec)
	}
	return st
}

// NeedsReplay reports whether applying records incrementally would diverge
// from Replay, which is the case whenever a Correction is among them.
func NeedsReplay(records []model.Record) bool {
	for _, rec := range records {
		if rec.Kind() == model.KindCorrection {
			return true
		}
	}
	return false
}
