package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/okian/pitchpulse/internal/adapters/http/api"
	"github.com/okian/pitchpulse/internal/adapters/repository"
	service "github.com/okian/pitchpulse/internal/app"
	"github.com/okian/pitchpulse/internal/app/coordinator"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/types"
	"github.com/okian/pitchpulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

// failingDeps answers every call with err.
type failingDeps struct {
	err error
}

func (f failingDeps) RegisterMatch(context.Context, types.RegisterRequest) (model.Match, error) {
	return model.Match{}, f.err
}

func (f failingDeps) Match(context.Context, string) (types.MatchView, error) {
	return types.MatchView{}, f.err
}

func (f failingDeps) Submit(context.Context, string, model.Command) (coordinator.Result, error) {
	return coordinator.Result{}, f.err
}

func (f failingDeps) Events(context.Context, string, uint64, int) (types.EventsPage, error) {
	return types.EventsPage{}, f.err
}

func (f failingDeps) Ping(context.Context) error { return f.err }

type mockStatsProvider struct {
	stats map[string]interface{}
}

func (m *mockStatsProvider) GetStats() map[string]interface{} {
	return m.stats
}

func (m *mockStatsProvider) MatchStats(context.Context, string) (types.MatchStats, error) {
	return types.MatchStats{}, repository.ErrNotFound
}

func newMux(deps api.Dependencies, stats api.StatsProvider) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, stats, api.WithLogger(logger.Nop())).Register(context.Background(), mux)
	return mux
}

func do(mux http.Handler, method, path, role, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if role != "" {
		req.Header.Set(api.RoleHeader, role)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode[T any](w *httptest.ResponseRecorder) T {
	var v T
	So(json.Unmarshal(w.Body.Bytes(), &v), ShouldBeNil)
	return v
}

func TestServer_Routes(t *testing.T) {
	Convey("Given an API server over a running service", t, func() {
		svc := service.New(service.WithLogger(logger.Nop()))
		So(svc.Start(context.Background()), ShouldBeNil)
		defer svc.Stop()
		mux := newMux(svc, svc)

		Convey("When a scorer registers a match", func() {
			w := do(mux, "POST", "/matches", "scorer", `{"id":"m1","tenant_id":"club-a","team1_id":"IND","team2_id":"AUS"}`)

			Convey("Then it is created with the default format", func() {
				So(w.Code, ShouldEqual, http.StatusCreated)
				view := decode[types.MatchView](w)
				So(view.Match.ID, ShouldEqual, "m1")
				So(view.Match.Format, ShouldResemble, model.T20())
			})

			Convey("And a partial format keeps the defaults it leaves out", func() {
				w := do(mux, "POST", "/matches", "scorer", `{"id":"m2","tenant_id":"club-a","team1_id":"IND","team2_id":"AUS","format":{"overs_per_innings":50,"max_overs_per_bowler":10}}`)
				So(w.Code, ShouldEqual, http.StatusCreated)
				f := decode[types.MatchView](w).Match.Format
				So(f.OversPerInnings, ShouldEqual, 50)
				So(f.MaxOversPerBowler, ShouldEqual, 10)
				So(f.BallsPerOver, ShouldEqual, 6)
				So(f.AutoCloseOvers, ShouldBeTrue)
			})

			Convey("And registering it again conflicts", func() {
				w := do(mux, "POST", "/matches", "scorer", `{"id":"m1","tenant_id":"club-a","team1_id":"IND","team2_id":"AUS"}`)
				So(w.Code, ShouldEqual, http.StatusConflict)
				So(decode[types.ErrorResponse](w).Code, ShouldEqual, "match_exists")
			})

			Convey("And its stats are reported", func() {
				w := do(mux, "GET", "/stats?match=m1", "", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				st := decode[types.MatchStats](w)
				So(st.MatchID, ShouldEqual, "m1")
				So(st.Status, ShouldEqual, model.StatusScheduled)
				So(st.Subscribers, ShouldEqual, 0)

				So(do(mux, "GET", "/stats?match=nope", "", "").Code, ShouldEqual, http.StatusNotFound)
			})

			Convey("And the snapshot is readable by anyone", func() {
				w := do(mux, "GET", "/matches/m1", "", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				view := decode[types.MatchView](w)
				So(view.State, ShouldNotBeNil)
				So(view.State.Status, ShouldEqual, model.StatusScheduled)
			})

			Convey("And scorer commands are accepted in order", func() {
				w := do(mux, "POST", "/matches/m1/commands", "scorer", `{"type":"start_match"}`)
				So(w.Code, ShouldEqual, http.StatusAccepted)
				res := decode[types.CommandResponse](w)
				So(res.Status, ShouldEqual, "accepted")
				So(res.Seq, ShouldEqual, 1)
				So(res.Events, ShouldHaveLength, 1)

				w = do(mux, "POST", "/matches/m1/commands", "scorer",
					`{"type":"start_innings","command_id":"c-2","batting_team":"IND","striker":"A1","non_striker":"A2"}`)
				So(w.Code, ShouldEqual, http.StatusAccepted)

				Convey("Then a repeated command id is acknowledged without a new event", func() {
					w := do(mux, "POST", "/matches/m1/commands", "scorer",
						`{"type":"start_innings","command_id":"c-2","batting_team":"IND","striker":"A1","non_striker":"A2"}`)
					So(w.Code, ShouldEqual, http.StatusOK)
					res := decode[types.CommandResponse](w)
					So(res.Duplicate, ShouldBeTrue)
					So(res.Seq, ShouldEqual, 2)
				})

				Convey("Then an idempotency header is used as the command id", func() {
					send := func() *httptest.ResponseRecorder {
						req := httptest.NewRequest("POST", "/matches/m1/commands",
							strings.NewReader(`{"type":"deliver_ball","ball":{"striker":"A1","non_striker":"A2","bowler":"B1","runs":1}}`))
						req.Header.Set(api.RoleHeader, "scorer")
						req.Header.Set(api.IdempotencyHeader, "ball-1")
						w := httptest.NewRecorder()
						mux.ServeHTTP(w, req)
						return w
					}
					So(send().Code, ShouldEqual, http.StatusAccepted)
					So(send().Code, ShouldEqual, http.StatusOK)
				})

				Convey("Then an illegal command is rejected with its reason", func() {
					w := do(mux, "POST", "/matches/m1/commands", "scorer", `{"type":"start_match"}`)
					So(w.Code, ShouldEqual, http.StatusUnprocessableEntity)
					So(decode[types.ErrorResponse](w).Code, ShouldEqual, "invalid_status")
				})

				Convey("Then the events feed pages the log", func() {
					w := do(mux, "GET", "/matches/m1/events?after=1&limit=5", "", "")
					So(w.Code, ShouldEqual, http.StatusOK)
					page := decode[types.EventsPage](w)
					So(page.Events, ShouldHaveLength, 1)
					So(page.Events[0].Kind(), ShouldEqual, model.KindInningsStarted)
					So(page.LastSeq, ShouldEqual, 2)
				})
			})
		})

		Convey("When a spectator submits a command", func() {
			do(mux, "POST", "/matches", "scorer", `{"id":"m2","tenant_id":"club-a","team1_id":"IND","team2_id":"AUS"}`)
			w := do(mux, "POST", "/matches/m2/commands", "", `{"type":"start_match"}`)

			Convey("Then it is forbidden", func() {
				So(w.Code, ShouldEqual, http.StatusForbidden)
				So(decode[types.ErrorResponse](w).Code, ShouldEqual, "forbidden")
			})
		})

		Convey("When the role header is unknown", func() {
			w := do(mux, "POST", "/matches", "umpire", `{"tenant_id":"club-a","team1_id":"IND","team2_id":"AUS"}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When request bodies are malformed", func() {
			do(mux, "POST", "/matches", "scorer", `{"id":"m3","tenant_id":"club-a","team1_id":"IND","team2_id":"AUS"}`)
			cases := []struct{ path, body string }{
				{"/matches", `{"tenant_id":"club-a",`},
				{"/matches", `{"tenant_id":"club-a","team1_id":"IND","team2_id":"AUS","venue":"MCG"}`},
				{"/matches/m3/commands", `{"type":"teleport"}`},
				{"/matches/m3/commands", `not json`},
			}

			Convey("Then each is a bad request", func() {
				for _, c := range cases {
					w := do(mux, "POST", c.path, "scorer", c.body)
					So(w.Code, ShouldEqual, http.StatusBadRequest)
				}
			})
		})

		Convey("When a registration is invalid", func() {
			w := do(mux, "POST", "/matches", "scorer", `{"tenant_id":"club-a","team1_id":"IND","team2_id":"IND"}`)

			Convey("Then it is a bad request", func() {
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode[types.ErrorResponse](w).Code, ShouldEqual, "invalid_match")
			})
		})

		Convey("When an unknown match is read", func() {
			Convey("Then the snapshot and events are not found", func() {
				So(do(mux, "GET", "/matches/nope", "", "").Code, ShouldEqual, http.StatusNotFound)
				So(do(mux, "GET", "/matches/nope/events", "", "").Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When events paging parameters are invalid", func() {
			Convey("Then they are rejected", func() {
				So(do(mux, "GET", "/matches/m1/events?after=-1", "", "").Code, ShouldEqual, http.StatusBadRequest)
				So(do(mux, "GET", "/matches/m1/events?limit=0", "", "").Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When the health, stats and metrics endpoints are hit", func() {
			Convey("Then they answer", func() {
				w := do(mux, "GET", "/healthz", "", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, `"healthy"`)

				w = do(mux, "GET", "/stats", "", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode[map[string]any](w)["started"], ShouldEqual, true)

				w = do(mux, "GET", "/metrics", "", "")
				So(w.Code, ShouldEqual, http.StatusOK)
				So(w.Body.String(), ShouldContainSubstring, "pitchpulse_")
			})
		})

		Convey("When a route is hit with the wrong method", func() {
			Convey("Then the mux refuses it", func() {
				So(do(mux, "DELETE", "/matches/m1", "scorer", "").Code, ShouldEqual, http.StatusMethodNotAllowed)
			})
		})
	})
}

func TestServer_FailureMapping(t *testing.T) {
	Convey("Given an API over failing dependencies", t, func() {
		cases := []struct {
			err    error
			status int
			code   string
		}{
			{repository.ErrConflict, http.StatusConflict, "conflict"},
			{repository.ErrPersistence, http.StatusServiceUnavailable, "persistence"},
			{repository.ErrNotFound, http.StatusNotFound, "not_found"},
			{errors.New("boom"), http.StatusInternalServerError, "internal"},
		}

		for _, c := range cases {
			mux := newMux(failingDeps{err: c.err}, &mockStatsProvider{})
			w := do(mux, "POST", "/matches/m1/commands", "scorer", `{"type":"start_match"}`)
			So(w.Code, ShouldEqual, c.status)
			So(decode[types.ErrorResponse](w).Code, ShouldEqual, c.code)
		}

		Convey("When the store is down", func() {
			mux := newMux(failingDeps{err: repository.ErrPersistence}, &mockStatsProvider{})
			w := do(mux, "GET", "/healthz", "", "")

			Convey("Then health reports unavailable", func() {
				So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
				So(w.Body.String(), ShouldContainSubstring, `"unhealthy"`)
			})
		})
	})
}

func TestKindErrors(t *testing.T) {
	Convey("Given kind errors", t, func() {
		cause := errors.New("missing brace")
		err := api.WrapKind("api.op", api.ErrBadRequest, cause)

		Convey("Then both the kind and the cause match", func() {
			So(errors.Is(err, api.ErrBadRequest), ShouldBeTrue)
			So(errors.Is(err, cause), ShouldBeTrue)
			So(err.Error(), ShouldEqual, "api.op: bad request: missing brace")
			So(api.NewKind("api.op", api.ErrForbidden).Error(), ShouldEqual, "api.op: forbidden")
		})
	})
}

func TestMiddleware(t *testing.T) {
	Convey("Given a handler behind both middlewares", t, func() {
		h := api.LoggingMiddleware(logger.Nop(), api.MetricsMiddleware(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}, "teapot"))

		Convey("Then the status passes through", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
			So(w.Code, ShouldEqual, http.StatusTeapot)
		})
	})
}
