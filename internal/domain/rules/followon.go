package rules

import (
	"fmt"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
)

// withFollowOns previews primary through the reducer and appends the events
// the new state makes mandatory.
func withFollowOns(st *scoring.MatchState, primary model.Payload) []model.Payload {
	out := []model.Payload{primary}
	seq := st.LastSeq + 1
	preview := scoring.Reduce(st, model.Record{Seq: seq, Payload: primary})
	add := func(p model.Payload) {
		out = append(out, p)
		seq++
		preview = scoring.Reduce(preview, model.Record{Seq: seq, Payload: p})
	}

	f := st.Match.Format
	switch primary.(type) {
	case model.BallDelivered, model.OverCompleted:
		in, ok := preview.Current()
		if !ok {
			break
		}
		if _, ball := primary.(model.BallDelivered); ball && f.AutoCloseOvers && in.BallsInOver >= f.BallsPerOver {
			add(model.OverCompleted{Over: in.CompletedOvers + 1, Bowler: in.Bowler})
			in, _ = preview.Current()
		}
		if reason, done := inningsOver(in, f); done {
			add(model.InningsEnded{Innings: in.Number, Reason: reason})
		}
	}

	if _, ended := out[len(out)-1].(model.InningsEnded); ended && matchOver(preview) {
		add(result(preview))
	}
	return out
}

// inningsOver applies the end conditions in precedence order.
func inningsOver(in scoring.InningsState, f model.Format) (model.EndReason, bool) {
	switch {
	case in.Target > 0 && in.Runs >= in.Target:
		return model.EndTargetReached, true
	case in.Wickets >= f.WicketsPerInnings:
		return model.EndAllOut, true
	case in.CompletedOvers >= f.OversPerInnings:
		return model.EndOversExhausted, true
	}
	return "", false
}

func matchOver(st *scoring.MatchState) bool {
	n := len(st.Innings)
	if n == 0 || !st.Innings[n-1].Closed {
		return false
	}
	return n >= st.Match.Format.TotalInnings() ||
		st.Innings[n-1].EndReason == model.EndTargetReached ||
		beatenByInnings(st)
}

// beatenByInnings reports a side that has used both its innings and still
// trails a side that batted once.
func beatenByInnings(st *scoring.MatchState) bool {
	n := len(st.Innings)
	if n != 3 || st.Match.Format.TotalInnings() != 4 {
		return false
	}
	last := st.Innings[n-1]
	return st.TeamRuns(last.BattingTeam) < st.TeamRuns(last.BowlingTeam)
}

func result(st *scoring.MatchState) model.MatchCompleted {
	last := st.Innings[len(st.Innings)-1]
	chasing, defending := last.BattingTeam, last.BowlingTeam
	cr, dr := st.TeamRuns(chasing), st.TeamRuns(defending)
	if beatenByInnings(st) {
		return model.MatchCompleted{
			Outcome: model.OutcomeWon,
			Winner:  defending,
			Margin:  "an innings and " + plural(dr-cr, "run"),
		}
	}
	switch {
	case cr > dr:
		left := st.Match.Format.WicketsPerInnings - last.Wickets
		return model.MatchCompleted{Outcome: model.OutcomeWon, Winner: chasing, Margin: plural(left, "wicket")}
	case dr > cr:
		return model.MatchCompleted{Outcome: model.OutcomeWon, Winner: defending, Margin: plural(dr-cr, "run")}
	}
	return model.MatchCompleted{Outcome: model.OutcomeTied}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
