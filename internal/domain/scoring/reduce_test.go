package scoring_test

import (
	"testing"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
	. "github.com/smartystreets/goconvey/convey"
)

var testMatch = model.Match{
	TenantID: "t1",
	ID:       "m1",
	Team1ID:  "IND",
	Team2ID:  "AUS",
	Format:   model.T20(),
}

func records(payloads ...model.Payload) []model.Record {
	out := make([]model.Record, len(payloads))
	for i, p := range payloads {
		out[i] = model.Record{MatchID: testMatch.ID, Seq: uint64(i + 1), Payload: p}
	}
	return out
}

func opening() []model.Payload {
	return []model.Payload{
		model.MatchStarted{},
		model.InningsStarted{Innings: 1, BattingTeam: "IND", BowlingTeam: "AUS", Striker: "Rohit", NonStriker: "Gill"},
	}
}

// innings builds a plausible stream: an over with runs, extras and a wicket,
// then part of a second over.
func innings() []model.Payload {
	ps := opening()
	ps = append(ps,
		model.BallDelivered{Striker: "Rohit", NonStriker: "Gill", Bowler: "Starc", Runs: 4},
		model.BallDelivered{Striker: "Rohit", NonStriker: "Gill", Bowler: "Starc", Runs: 1},
		model.BallDelivered{Striker: "Gill", NonStriker: "Rohit", Bowler: "Starc", Extra: &model.Extra{Type: model.ExtraWide}},
		model.BallDelivered{Striker: "Gill", NonStriker: "Rohit", Bowler: "Starc", Runs: 2, Extra: &model.Extra{Type: model.ExtraNoBall}},
		model.BallDelivered{Striker: "Gill", NonStriker: "Rohit", Bowler: "Starc",
			Wicket: &model.Wicket{Kind: model.WicketCaught, PlayerOut: "Gill", IncomingBatter: "Kohli"}},
		model.BallDelivered{Striker: "Kohli", NonStriker: "Rohit", Bowler: "Starc", Extra: &model.Extra{Type: model.ExtraLegBye, Runs: 1}},
		model.BallDelivered{Striker: "Rohit", NonStriker: "Kohli", Bowler: "Starc", Runs: 6},
		model.BallDelivered{Striker: "Rohit", NonStriker: "Kohli", Bowler: "Starc", Runs: 0},
		model.OverCompleted{Over: 1, Bowler: "Starc"},
		model.BallDelivered{Striker: "Kohli", NonStriker: "Rohit", Bowler: "Cummins", Runs: 3},
	)
	return ps
}

func fold(recs []model.Record) *scoring.MatchState {
	st := scoring.NewState(testMatch)
	for _, rec := range recs {
		st = scoring.Reduce(st, rec)
	}
	return st
}

func TestReduce(t *testing.T) {
	Convey("Given an innings with runs, extras and a wicket", t, func() {
		recs := records(innings()...)
		st := fold(recs)
		in, ok := st.Current()

		Convey("Then the scoreboard reflects every delivery", func() {
			So(ok, ShouldBeTrue)
			So(st.Status, ShouldEqual, model.StatusLive)
			So(st.LastSeq, ShouldEqual, uint64(len(recs)))
			// 4 + 1 + 1(wd) + 3(nb+2) + 0 + 1(lb) + 6 + 0 + 3
			So(in.Runs, ShouldEqual, 19)
			So(in.Wickets, ShouldEqual, 1)
			So(in.LegalBalls, ShouldEqual, 7)
			So(in.CompletedOvers, ShouldEqual, 1)
			So(in.BallsInOver, ShouldEqual, 1)
			So(in.Overs(), ShouldEqual, "1.1")
			So(in.Extras, ShouldResemble, scoring.Extras{Wides: 1, NoBalls: 1, LegByes: 1})
			So(in.Dismissed, ShouldResemble, []string{"Gill"})
			So(in.BowlerOvers, ShouldResemble, map[string]int{"Starc": 1})
			So(in.PreviousBowler, ShouldEqual, "Starc")
			So(in.Bowler, ShouldEqual, "Cummins")
		})

		Convey("Then strike follows the odd runs", func() {
			So(in.Striker, ShouldEqual, "Rohit")
			So(in.NonStriker, ShouldEqual, "Kohli")
		})

		Convey("Then folding the same events twice gives the same state", func() {
			So(fold(recs), ShouldResemble, st)
			So(scoring.Replay(testMatch, recs), ShouldResemble, scoring.Replay(testMatch, recs))
		})

		Convey("Then a cold replay equals the incremental fold", func() {
			So(scoring.Replay(testMatch, recs), ShouldResemble, st)
		})

		Convey("Then every prefix replays to the incremental state at that point", func() {
			inc := scoring.NewState(testMatch)
			for i, rec := range recs {
				inc = scoring.Reduce(inc, rec)
				So(scoring.Replay(testMatch, recs[:i+1]), ShouldResemble, inc)
			}
		})
	})

	Convey("Given a state", t, func() {
		recs := records(opening()...)
		st := fold(recs)
		before := st.Clone()

		Convey("When a record is reduced", func() {
			next := scoring.Reduce(st, model.Record{Seq: 3, Payload: model.BallDelivered{Striker: "Rohit", NonStriker: "Gill", Bowler: "Starc", Runs: 4}})

			Convey("Then the input is left untouched", func() {
				So(st, ShouldResemble, before)
				So(next.Innings[0].Runs, ShouldEqual, 4)
				So(st.Innings[0].Runs, ShouldEqual, 0)
			})
		})
	})

	Convey("Given a delivery with no innings open", t, func() {
		st := fold(records(model.MatchStarted{}, model.BallDelivered{Striker: "a", NonStriker: "b", Bowler: "c", Runs: 4}))

		Convey("Then only the sequence advances", func() {
			So(st.LastSeq, ShouldEqual, 2)
			So(st.Innings, ShouldBeEmpty)
		})
	})

	Convey("Given a run out of the batter who crossed", t, func() {
		ps := append(opening(), model.BallDelivered{Striker: "Rohit", NonStriker: "Gill", Bowler: "Starc", Runs: 1,
			Wicket: &model.Wicket{Kind: model.WicketRunOut, PlayerOut: "Rohit", IncomingBatter: "Kohli"}})
		in, _ := fold(records(ps...)).Current()

		Convey("Then the new batter takes the end the dismissed batter ran to", func() {
			So(in.Striker, ShouldEqual, "Gill")
			So(in.NonStriker, ShouldEqual, "Kohli")
		})
	})

	Convey("Given match completion events", t, func() {
		abandoned := fold(records(model.MatchStarted{}, model.MatchCompleted{Outcome: model.OutcomeAbandoned, Reason: "rain"}))
		won := fold(records(model.MatchStarted{}, model.MatchCompleted{Outcome: model.OutcomeWon, Winner: "IND", Margin: "3 runs"}))

		Convey("Then the status follows the outcome", func() {
			So(abandoned.Status, ShouldEqual, model.StatusAbandoned)
			So(abandoned.Result.Reason, ShouldEqual, "rain")
			So(won.Status, ShouldEqual, model.StatusCompleted)
			So(won.Result.Winner, ShouldEqual, "IND")
		})
	})
}

func TestCorrectionReplay(t *testing.T) {
	Convey("Given an innings where the six at seq 9 is corrected", t, func() {
		recs := records(append(innings(), model.Correction{TargetSeq: 9, Reason: "short run"})...)
		tail := uint64(len(recs))

		Convey("When replaying the log", func() {
			st := scoring.Replay(testMatch, recs)
			in, _ := st.Current()

			Convey("Then the six no longer counts", func() {
				So(in.Runs, ShouldEqual, 13)
				So(in.LegalBalls, ShouldEqual, 6)
				So(in.HasBall(9), ShouldBeFalse)
				So(st.Corrected, ShouldResemble, []uint64{9})
				So(st.LastSeq, ShouldEqual, tail)
			})
		})

		Convey("When reducing incrementally", func() {
			st := fold(recs)
			in, _ := st.Current()

			Convey("Then the correction is recorded but the six remains", func() {
				So(st.IsCorrected(9), ShouldBeTrue)
				So(in.Runs, ShouldEqual, 19)
				So(scoring.NeedsReplay(recs[len(recs)-1:]), ShouldBeTrue)
				So(scoring.NeedsReplay(recs[:len(recs)-1]), ShouldBeFalse)
			})
		})
	})
}

func TestCorrectingLastBallOfClosedOver(t *testing.T) {
	Convey("Given an innings where the ball that closed the first over is corrected", t, func() {
		// seq 10 is the sixth legal ball; OverCompleted at 11 stays in the log.
		recs := records(append(innings(), model.Correction{TargetSeq: 10, Reason: "dead ball"})...)

		Convey("When replaying the log", func() {
			st := scoring.Replay(testMatch, recs)
			in, _ := st.Current()

			Convey("Then the over stays completed with five legal balls in it", func() {
				So(in.HasBall(10), ShouldBeFalse)
				So(in.CompletedOvers, ShouldEqual, 1)
				So(in.BallsInOver, ShouldEqual, 1)
				So(in.LegalBalls, ShouldEqual, 6)
				So(in.Overs(), ShouldEqual, "1.1")
				So(in.BowlerOvers["Starc"], ShouldEqual, 1)
			})
		})
	})
}
