package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	app "github.com/okian/pitchpulse/internal/app"
	"github.com/okian/pitchpulse/internal/config"
	"github.com/okian/pitchpulse/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func TestMainFunction(t *testing.T) {
	convey.Convey("Given the main application", t, func() {
		convey.Convey("When testing configuration loading", func() {
			_ = os.Setenv("PITCHPULSE_ADDR", ":8080")
			_ = os.Setenv("PITCHPULSE_SUBSCRIBER_QUEUE_SIZE", "64")
			_ = os.Setenv("PITCHPULSE_DEFAULT_FORMAT__OVERS_PER_INNINGS", "50")
			defer func() {
				_ = os.Unsetenv("PITCHPULSE_ADDR")
				_ = os.Unsetenv("PITCHPULSE_SUBSCRIBER_QUEUE_SIZE")
				_ = os.Unsetenv("PITCHPULSE_DEFAULT_FORMAT__OVERS_PER_INNINGS")
			}()

			convey.Convey("Then configuration should be loadable", func() {
				cfg, err := config.Load(context.Background())
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.SubscriberQueueSize, convey.ShouldEqual, 64)
				convey.So(cfg.DefaultFormat.OversPerInnings, convey.ShouldEqual, 50)
			})
		})

		convey.Convey("When testing invalid configuration", func() {
			_ = os.Setenv("PITCHPULSE_STORE_DRIVER", "tape")
			defer func() { _ = os.Unsetenv("PITCHPULSE_STORE_DRIVER") }()

			convey.Convey("Then configuration loading should fail", func() {
				cfg, err := config.Load(context.Background())
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}

func TestNewHandler(t *testing.T) {
	convey.Convey("Given the routed handler over a started service", t, func() {
		cfg := config.New()
		svc := app.New(append(app.FromConfig(cfg), app.WithLogger(logger.Nop()))...)
		convey.So(svc.Start(context.Background()), convey.ShouldBeNil)
		defer svc.Stop()

		h, err := newHandler(context.Background(), cfg, svc, logger.Nop())
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("Then the API routes are mounted", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)

			req := httptest.NewRequest("POST", "/matches", strings.NewReader(`{"tenant_id":"club-a","team1_id":"IND","team2_id":"AUS"}`))
			req.Header.Set("X-Role", "scorer")
			w = httptest.NewRecorder()
			h.ServeHTTP(w, req)
			convey.So(w.Code, convey.ShouldEqual, http.StatusCreated)
		})

		convey.Convey("Then the API description is served", func() {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/openapi.json", nil))
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
		})

		convey.Convey("Then the real-time route refuses plain requests", func() {
			req := httptest.NewRequest("POST", "/matches", strings.NewReader(`{"id":"m1","tenant_id":"club-a","team1_id":"IND","team2_id":"AUS"}`))
			req.Header.Set("X-Role", "scorer")
			h.ServeHTTP(httptest.NewRecorder(), req)

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest("GET", "/matches/m1/ws", nil))
			convey.So(w.Code, convey.ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestMainApplicationComponents(t *testing.T) {
	convey.Convey("Given main application components", t, func() {
		convey.Convey("When testing system metrics updater", func() {
			convey.Convey("Then it returns once the context ends", func() {
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				defer cancel()

				convey.So(func() {
					startSystemMetricsUpdater(ctx)
				}, convey.ShouldNotPanic)
			})
		})

		convey.Convey("When testing service metrics updater", func() {
			svc := app.New(app.WithLogger(logger.Nop()))

			convey.Convey("Then it returns once the context ends", func() {
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				defer cancel()

				convey.So(func() {
					startServiceMetricsUpdater(ctx, svc)
				}, convey.ShouldNotPanic)
			})
		})

		convey.Convey("When testing system metrics update", func() {
			convey.Convey("Then it should update metrics without panicking", func() {
				convey.So(func() {
					updateSystemMetrics()
				}, convey.ShouldNotPanic)
			})
		})
	})
}
