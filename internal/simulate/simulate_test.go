package simulate_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/pitchpulse/internal/adapters/http/api"
	service "github.com/okian/pitchpulse/internal/app"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/rules"
	"github.com/okian/pitchpulse/internal/domain/types"
	"github.com/okian/pitchpulse/internal/simulate"
	"github.com/okian/pitchpulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func shortFormat() model.Format {
	f := model.T20()
	f.OversPerInnings = 5
	f.MaxOversPerBowler = 2
	return f
}

func testMatch(f model.Format) model.Match {
	return model.Match{
		TenantID:  "club-a",
		ID:        "m1",
		Team1ID:   "IND",
		Team2ID:   "AUS",
		Format:    f,
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

// playLocally scores a match against the validator alone.
func playLocally(sc *simulate.Scorer) int {
	commands := 0
	for {
		cmd, ok := sc.Next()
		if !ok {
			return commands
		}
		commands++
		So(commands, ShouldBeLessThan, simulate.DefaultMaxCommands)

		st := sc.State()
		payloads, err := rules.Validate(st, cmd)
		So(err, ShouldBeNil)

		recs := make([]model.Record, len(payloads))
		for i, p := range payloads {
			recs[i] = model.Record{MatchID: st.Match.ID, Seq: st.LastSeq + uint64(i) + 1, CommandID: cmd.CommandID, Payload: p}
		}
		So(sc.Apply(recs), ShouldBeNil)
	}
}

func TestScorer(t *testing.T) {
	Convey("Given a scorer for a limited-overs match", t, func() {
		Convey("Then every command it issues is legal and the match finishes", func() {
			for seed := uint64(1); seed <= 5; seed++ {
				sc := simulate.NewScorer(testMatch(shortFormat()), rand.New(rand.NewPCG(seed, 0)), 0.2)
				playLocally(sc)

				st := sc.State()
				So(sc.Done(), ShouldBeTrue)
				So(st.Status, ShouldEqual, model.StatusCompleted)
				So(st.Result, ShouldNotBeNil)
				So(st.Innings, ShouldHaveLength, 2)
				So(st.LastSeq, ShouldEqual, uint64(len(sc.Records())))
			}
		})

		Convey("Then a high correction rate produces corrections", func() {
			sc := simulate.NewScorer(testMatch(shortFormat()), rand.New(rand.NewPCG(9, 9)), 0.5)
			playLocally(sc)
			So(sc.State().Corrected, ShouldNotBeEmpty)
		})

		Convey("Then overs are closed by command when auto close is off", func() {
			f := shortFormat()
			f.AutoCloseOvers = false
			sc := simulate.NewScorer(testMatch(f), rand.New(rand.NewPCG(3, 3)), 0)
			playLocally(sc)

			closes := 0
			for _, rec := range sc.Records() {
				if rec.Kind() == model.KindOverCompleted {
					closes++
				}
			}
			So(closes, ShouldBeGreaterThan, 0)
			So(sc.State().Status, ShouldEqual, model.StatusCompleted)
		})

		Convey("Then a two-innings match alternates the batting side", func() {
			f := shortFormat()
			f.InningsPerSide = 2
			sc := simulate.NewScorer(testMatch(f), rand.New(rand.NewPCG(4, 4)), 0)
			playLocally(sc)

			st := sc.State()
			So(st.Status, ShouldEqual, model.StatusCompleted)
			So(st.Innings[0].BattingTeam, ShouldEqual, "IND")
			So(st.Innings[1].BattingTeam, ShouldEqual, "AUS")
		})

		Convey("When records skip a seq", func() {
			sc := simulate.NewScorer(testMatch(shortFormat()), rand.New(rand.NewPCG(1, 1)), 0)
			err := sc.Apply([]model.Record{{Seq: 2, Payload: model.MatchStarted{}}})

			Convey("Then the scorer refuses them", func() {
				So(errors.Is(err, simulate.ErrOutOfSync), ShouldBeTrue)
			})
		})
	})
}

func newServer() (*service.Service, *httptest.Server) {
	svc := service.New(service.WithLogger(logger.Nop()))
	So(svc.Start(context.Background()), ShouldBeNil)

	mux := http.NewServeMux()
	api.NewServer(svc, svc, api.WithLogger(logger.Nop())).Register(context.Background(), mux)
	return svc, httptest.NewServer(mux)
}

func TestRun(t *testing.T) {
	Convey("Given a running API", t, func() {
		svc, srv := newServer()
		defer svc.Stop()
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		Convey("When several matches are simulated concurrently", func() {
			f := shortFormat()
			cfg := simulate.DefaultConfig()
			cfg.BaseURL = srv.URL
			cfg.Matches = 3
			cfg.Workers = 2
			cfg.Seed = 7
			cfg.Format = &f
			cfg.CorrectionRate = 0.05
			cfg.DuplicateRate = 0.05
			cfg.Logger = logger.Nop()

			stats, err := simulate.Run(ctx, cfg)

			Convey("Then every match finishes and verifies", func() {
				So(err, ShouldBeNil)
				So(stats.Matches, ShouldEqual, 3)
				So(stats.Completed, ShouldEqual, 3)
				So(stats.Verified, ShouldEqual, 3)
				So(stats.Failed, ShouldEqual, 0)
				So(stats.Events, ShouldBeGreaterThanOrEqualTo, stats.Commands)
				So(svc.GetStats()["cachedMatches"], ShouldEqual, 3)
			})
		})

		Convey("When the config is incomplete", func() {
			_, err := simulate.Run(ctx, simulate.Config{Matches: 1})

			Convey("Then the run is refused", func() {
				So(errors.Is(err, simulate.ErrInvalidConfig), ShouldBeTrue)
			})
		})
	})
}

func TestClientAndVerify(t *testing.T) {
	Convey("Given a match scored directly on the service", t, func() {
		svc, srv := newServer()
		defer svc.Stop()
		defer srv.Close()
		ctx := context.Background()

		_, err := svc.RegisterMatch(ctx, types.RegisterRequest{ID: "m1", TenantID: "club-a", Team1ID: "IND", Team2ID: "AUS"})
		So(err, ShouldBeNil)
		for _, cmd := range []model.Command{
			{Type: model.CmdStartMatch},
			{Type: model.CmdStartInnings, BattingTeam: "IND", Striker: "A1", NonStriker: "A2"},
			{Type: model.CmdDeliverBall, Ball: &model.BallDelivered{Striker: "A1", NonStriker: "A2", Bowler: "B1", Runs: 4}},
			{Type: model.CmdCorrect, TargetSeq: 3, Note: "short run"},
		} {
			_, err := svc.Submit(ctx, "m1", cmd)
			So(err, ShouldBeNil)
		}

		client := simulate.NewClient(srv.URL, 5*time.Second)

		Convey("Then the served state matches a replay of the log", func() {
			rep, err := simulate.Verify(ctx, client, "m1")
			So(err, ShouldBeNil)
			So(rep.Events, ShouldEqual, 4)
			So(rep.LastSeq, ShouldEqual, 4)
			So(rep.Status, ShouldEqual, model.StatusLive)
			So(rep.State.Innings[0].Runs, ShouldEqual, 0)
		})

		Convey("Then the log can be read in small pages", func() {
			page, err := client.Events(ctx, "m1", 1, 2)
			So(err, ShouldBeNil)
			So(page.Events, ShouldHaveLength, 2)
			So(page.LastSeq, ShouldEqual, 3)
		})

		Convey("Then a rejected command surfaces the API error", func() {
			_, err := client.Submit(ctx, "m1", model.Command{Type: model.CmdStartMatch})
			var apiErr *simulate.APIError
			So(errors.As(err, &apiErr), ShouldBeTrue)
			So(apiErr.Status, ShouldEqual, http.StatusUnprocessableEntity)
			So(apiErr.Code, ShouldEqual, rules.CodeInvalidStatus)
		})

		Convey("Then an unknown match is not found", func() {
			_, err := simulate.Verify(ctx, client, "nope")
			var apiErr *simulate.APIError
			So(errors.As(err, &apiErr), ShouldBeTrue)
			So(apiErr.Status, ShouldEqual, http.StatusNotFound)
		})

		Convey("Then a resent command id is reported as a duplicate", func() {
			cmd := model.Command{Type: model.CmdDeliverBall, CommandID: "c-1", Ball: &model.BallDelivered{Striker: "A1", NonStriker: "A2", Bowler: "B1", Runs: 1}}
			first, err := client.Submit(ctx, "m1", cmd)
			So(err, ShouldBeNil)
			So(first.Status, ShouldEqual, "accepted")

			again, err := client.Submit(ctx, "m1", cmd)
			So(err, ShouldBeNil)
			So(again.Duplicate, ShouldBeTrue)
			So(again.Seq, ShouldEqual, first.Seq)
		})
	})
}

func TestSameState(t *testing.T) {
	Convey("Given two states of the same match", t, func() {
		sc := simulate.NewScorer(testMatch(shortFormat()), rand.New(rand.NewPCG(2, 2)), 0)
		before := sc.State()
		So(sc.Apply([]model.Record{{MatchID: "m1", Seq: 1, Payload: model.MatchStarted{}}}), ShouldBeNil)

		Convey("Then equal states agree", func() {
			So(simulate.SameState(sc.State(), sc.State().Clone()), ShouldBeNil)
		})

		Convey("Then a lagging state is a mismatch", func() {
			So(errors.Is(simulate.SameState(before, sc.State()), simulate.ErrMismatch), ShouldBeTrue)
		})
	})
}
