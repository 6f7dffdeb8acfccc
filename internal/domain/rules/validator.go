// Package rules decides whether a scorer command is legal for the current
// match state and which events it produces.
package rules

import (
	"strings"
	"unicode/utf8"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
)

// Field limits inherited from the public ball schema.
const (
	MaxRuns          = 10
	MaxNameLength    = 100
	MaxCommentLength = 500
)

// Validate checks cmd against st and returns the events to append: the
// command's own event followed by any events it forces (over closed,
// innings ended, match completed). st is not modified.
func Validate(st *scoring.MatchState, cmd model.Command) ([]model.Payload, error) {
	var (
		primary model.Payload
		err     error
	)
	switch cmd.Type {
	case model.CmdStartMatch:
		primary, err = startMatch(st)
	case model.CmdStartInnings:
		primary, err = startInnings(st, cmd)
	case model.CmdDeliverBall:
		primary, err = deliverBall(st, cmd.Ball)
	case model.CmdCompleteOver:
		primary, err = completeOver(st)
	case model.CmdEndInnings:
		primary, err = endInnings(st, cmd.Reason)
	case model.CmdAbandonMatch:
		primary, err = abandonMatch(st, cmd.Note)
	case model.CmdCompleteMatch:
		primary, err = completeMatch(st, cmd)
	case model.CmdCorrect:
		primary, err = correct(st, cmd.TargetSeq, cmd.Note)
	default:
		err = reject(CodeMalformed, "unknown command %q", cmd.Type)
	}
	if err != nil {
		return nil, err
	}
	return withFollowOns(st, primary), nil
}

func requireLive(st *scoring.MatchState) error {
	if st.Status != model.StatusLive {
		return reject(CodeInvalidStatus, "match is %s", st.Status)
	}
	return nil
}

func requireOpenInnings(st *scoring.MatchState) (scoring.InningsState, error) {
	if err := requireLive(st); err != nil {
		return scoring.InningsState{}, err
	}
	in, ok := st.Current()
	if !ok {
		return scoring.InningsState{}, reject(CodeInningsNotOpen, "no innings in progress")
	}
	return in, nil
}

func startMatch(st *scoring.MatchState) (model.Payload, error) {
	if st.Status != model.StatusScheduled {
		return nil, reject(CodeInvalidStatus, "match is %s", st.Status)
	}
	return model.MatchStarted{}, nil
}

func startInnings(st *scoring.MatchState, cmd model.Command) (model.Payload, error) {
	if err := requireLive(st); err != nil {
		return nil, err
	}
	if in, ok := st.Current(); ok {
		return nil, reject(CodeInningsOpen, "innings %d is still open", in.Number)
	}
	f := st.Match.Format
	number := len(st.Innings) + 1
	if number > f.TotalInnings() {
		return nil, reject(CodeNoInningsLeft, "all %d innings have been played", f.TotalInnings())
	}
	if !st.Match.HasTeam(cmd.BattingTeam) {
		return nil, reject(CodeInvalidTeam, "team %q is not playing", cmd.BattingTeam)
	}
	if st.TeamInnings(cmd.BattingTeam) >= f.InningsPerSide {
		return nil, reject(CodeInvalidTeam, "team %q has no innings left", cmd.BattingTeam)
	}
	if number > 1 && st.Innings[number-2].BattingTeam == cmd.BattingTeam && !followOn(st, number, cmd.BattingTeam) {
		return nil, reject(CodeInvalidTeam, "team %q batted the previous innings", cmd.BattingTeam)
	}
	if err := checkName("striker", cmd.Striker); err != nil {
		return nil, err
	}
	if err := checkName("non_striker", cmd.NonStriker); err != nil {
		return nil, err
	}
	if cmd.Striker == cmd.NonStriker {
		return nil, reject(CodeInvalidPlayer, "striker and non-striker must differ")
	}

	bowling := st.Match.Opponent(cmd.BattingTeam)
	target := 0
	if number == f.TotalInnings() {
		target = max(st.TeamRuns(bowling)-st.TeamRuns(cmd.BattingTeam)+1, 1)
	}
	return model.InningsStarted{
		Innings:     number,
		BattingTeam: cmd.BattingTeam,
		BowlingTeam: bowling,
		Striker:     cmd.Striker,
		NonStriker:  cmd.NonStriker,
		Target:      target,
	}, nil
}

// followOn reports whether team may bat again straight away: only in the
// third innings, and only while it trails on first innings.
func followOn(st *scoring.MatchState, number int, team string) bool {
	return number == 3 && st.TeamRuns(team) < st.TeamRuns(st.Match.Opponent(team))
}

func deliverBall(st *scoring.MatchState, ball *model.BallDelivered) (model.Payload, error) {
	in, err := requireOpenInnings(st)
	if err != nil {
		return nil, err
	}
	if ball == nil {
		return nil, reject(CodeMalformed, "deliver_ball requires a ball")
	}
	f := st.Match.Format
	b := *ball

	if in.BallsInOver >= f.BallsPerOver {
		return nil, reject(CodeOverNotCompleted, "over not completed")
	}
	for _, n := range []struct{ field, value string }{
		{"striker", b.Striker}, {"non_striker", b.NonStriker}, {"bowler", b.Bowler},
	} {
		if err := checkName(n.field, n.value); err != nil {
			return nil, err
		}
	}
	if utf8.RuneCountInString(b.Commentary) > MaxCommentLength {
		return nil, reject(CodeCommentaryTooLong, "commentary exceeds %d characters", MaxCommentLength)
	}
	if b.Striker != in.Striker {
		return nil, reject(CodeNotAtCrease, "%s is not on strike", b.Striker)
	}
	if b.NonStriker != in.NonStriker {
		return nil, reject(CodeNotAtCrease, "%s is not the non-striker", b.NonStriker)
	}
	if b.Runs < 0 || b.Runs > MaxRuns {
		return nil, reject(CodeInvalidRuns, "runs must be between 0 and %d", MaxRuns)
	}
	if err := checkExtra(b); err != nil {
		return nil, err
	}
	if err := checkBowler(in, f, b.Bowler); err != nil {
		return nil, err
	}
	if err := checkWicket(in, f, b); err != nil {
		return nil, err
	}
	return b, nil
}

func checkExtra(b model.BallDelivered) error {
	if b.Extra == nil {
		return nil
	}
	if !b.Extra.Type.Valid() {
		return reject(CodeInvalidExtra, "unknown extra type %q", b.Extra.Type)
	}
	if b.Extra.Runs < 0 || b.Extra.Runs > MaxRuns {
		return reject(CodeInvalidExtra, "extra runs must be between 0 and %d", MaxRuns)
	}
	if b.Extra.Type != model.ExtraNoBall && b.Runs != 0 {
		return reject(CodeInvalidRuns, "no runs off the bat on a %s", b.Extra.Type)
	}
	return nil
}

func checkBowler(in scoring.InningsState, f model.Format, bowler string) error {
	if in.Bowler != "" {
		if bowler != in.Bowler {
			return reject(CodeBowlerChange, "%s is bowling this over", in.Bowler)
		}
		return nil
	}
	if bowler == in.PreviousBowler {
		return reject(CodeConsecutiveOvers, "%s bowled the previous over", bowler)
	}
	if f.MaxOversPerBowler > 0 && in.BowlerOvers[bowler] >= f.MaxOversPerBowler {
		return reject(CodeBowlerQuota, "%s has bowled %d overs", bowler, f.MaxOversPerBowler)
	}
	return nil
}

func checkWicket(in scoring.InningsState, f model.Format, b model.BallDelivered) error {
	w := b.Wicket
	if w == nil {
		return nil
	}
	if !w.Kind.Valid() {
		return reject(CodeInvalidWicket, "unknown dismissal %q", w.Kind)
	}
	if b.Extra != nil {
		switch b.Extra.Type {
		case model.ExtraWide:
			if w.Kind != model.WicketStumped && w.Kind != model.WicketRunOut && w.Kind != model.WicketHitWicket {
				return reject(CodeInvalidWicket, "%s is not possible off a wide", w.Kind)
			}
		case model.ExtraNoBall:
			if w.Kind != model.WicketRunOut {
				return reject(CodeInvalidWicket, "%s is not possible off a no-ball", w.Kind)
			}
		}
	}
	switch w.PlayerOut {
	case b.Striker:
	case b.NonStriker:
		if w.Kind != model.WicketRunOut && w.Kind != model.WicketObstructField {
			return reject(CodeInvalidWicket, "the non-striker cannot be out %s", w.Kind)
		}
	default:
		return reject(CodeInvalidWicket, "%s is not at the crease", w.PlayerOut)
	}

	if in.Wickets+1 >= f.WicketsPerInnings {
		return nil
	}
	if w.IncomingBatter == "" {
		return reject(CodeInvalidPlayer, "incoming batter required")
	}
	if err := checkName("incoming_batter", w.IncomingBatter); err != nil {
		return err
	}
	if w.IncomingBatter == b.Striker || w.IncomingBatter == b.NonStriker || in.IsDismissed(w.IncomingBatter) {
		return reject(CodeInvalidPlayer, "%s cannot come in to bat", w.IncomingBatter)
	}
	return nil
}

func completeOver(st *scoring.MatchState) (model.Payload, error) {
	in, err := requireOpenInnings(st)
	if err != nil {
		return nil, err
	}
	if bpo := st.Match.Format.BallsPerOver; in.BallsInOver < bpo {
		return nil, reject(CodeOverNotFull, "over has %d of %d legal balls", in.BallsInOver, bpo)
	}
	return model.OverCompleted{Over: in.CompletedOvers + 1, Bowler: in.Bowler}, nil
}

func endInnings(st *scoring.MatchState, reason model.EndReason) (model.Payload, error) {
	in, err := requireOpenInnings(st)
	if err != nil {
		return nil, err
	}
	if reason != model.EndDeclared && reason != model.EndForfeited {
		return nil, reject(CodeMalformed, "an innings can only be declared or forfeited")
	}
	return model.InningsEnded{Innings: in.Number, Reason: reason}, nil
}

func abandonMatch(st *scoring.MatchState, note string) (model.Payload, error) {
	if st.Status != model.StatusScheduled && st.Status != model.StatusLive {
		return nil, reject(CodeInvalidStatus, "match is %s", st.Status)
	}
	return model.MatchCompleted{Outcome: model.OutcomeAbandoned, Reason: note}, nil
}

func completeMatch(st *scoring.MatchState, cmd model.Command) (model.Payload, error) {
	if err := requireLive(st); err != nil {
		return nil, err
	}
	switch cmd.Outcome {
	case model.OutcomeWon:
		if !st.Match.HasTeam(cmd.Winner) {
			return nil, reject(CodeInvalidOutcome, "winner %q is not playing", cmd.Winner)
		}
	case model.OutcomeTied, model.OutcomeNoResult:
		if cmd.Winner != "" {
			return nil, reject(CodeInvalidOutcome, "%s has no winner", cmd.Outcome)
		}
	default:
		return nil, reject(CodeInvalidOutcome, "outcome must be won, tied or no_result")
	}
	return model.MatchCompleted{Outcome: cmd.Outcome, Winner: cmd.Winner, Margin: cmd.Margin, Reason: cmd.Note}, nil
}

func correct(st *scoring.MatchState, target uint64, note string) (model.Payload, error) {
	if st.Status != model.StatusLive && st.Status != model.StatusAbandoned {
		return nil, reject(CodeInvalidStatus, "match is %s", st.Status)
	}
	if strings.TrimSpace(note) == "" {
		return nil, reject(CodeInvalidCorrection, "a correction needs a reason")
	}
	if target == 0 || target > st.LastSeq {
		return nil, reject(CodeInvalidCorrection, "seq %d does not exist", target)
	}
	if st.IsCorrected(target) {
		return nil, reject(CodeInvalidCorrection, "seq %d is already corrected", target)
	}

	found := false
	if st.Status == model.StatusLive {
		in, ok := st.Current()
		found = ok && in.HasBall(target)
	} else {
		for _, in := range st.Innings {
			if in.HasBall(target) {
				found = true
				break
			}
		}
	}
	if !found {
		return nil, reject(CodeInvalidCorrection, "seq %d is not a delivery of the open innings", target)
	}
	return model.Correction{TargetSeq: target, Reason: note}, nil
}

func checkName(field, v string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(v))
	if n < 1 || utf8.RuneCountInString(v) > MaxNameLength {
		return reject(CodeInvalidPlayer, "%s must be 1 to %d characters", field, MaxNameLength)
	}
	return nil
}
