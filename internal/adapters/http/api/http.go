// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/app/coordinator"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/rules"
	"github.com/okian/pitchpulse/internal/domain/types"
	"github.com/okian/pitchpulse/pkg/logger"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// RoleHeader carries the caller's role, scorer or spectator. Requests without
// it are treated as spectators.
const RoleHeader = "X-Role"

// IdempotencyHeader supplies a command id when the body has none.
const IdempotencyHeader = "Idempotency-Key"

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	RegisterMatch(ctx context.Context, req types.RegisterRequest) (model.Match, error)
	Match(ctx context.Context, matchID string) (types.MatchView, error)
	Submit(ctx context.Context, matchID string, cmd model.Command) (coordinator.Result, error)
	Events(ctx context.Context, matchID string, after uint64, limit int) (types.EventsPage, error)
	Ping(ctx context.Context) error
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	matchesHandler  *MatchesHandler
	commandsHandler *CommandsHandler
	realtime        http.HandlerFunc
	logger          logger.Logger
}

// ServerOption applies a configuration option to the Server.
type ServerOption func(*Server)

// WithRealtime mounts the real-time channel at /matches/{id}/ws.
func WithRealtime(h http.HandlerFunc) ServerOption {
	return func(s *Server) {
		s.realtime = h
	}
}

// WithLogger sets a custom logger for the handlers.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...ServerOption) *Server {
	s := &Server{}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("api")
	}
	s.healthHandler = NewHealthHandler(deps)
	s.statsHandler = NewStatsHandler(statsProvider)
	s.matchesHandler = NewMatchesHandler(deps, s.logger)
	s.commandsHandler = NewCommandsHandler(deps, s.logger)
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /matches", MetricsMiddleware(s.matchesHandler.HandleRegister, "matches"))
	mux.HandleFunc("GET /matches/{id}", MetricsMiddleware(s.matchesHandler.HandleGet, "match"))
	mux.HandleFunc("GET /matches/{id}/events", MetricsMiddleware(s.matchesHandler.HandleEvents, "events"))
	mux.HandleFunc("POST /matches/{id}/commands", MetricsMiddleware(s.commandsHandler.HandleSubmit, "commands"))
	if s.realtime != nil {
		mux.HandleFunc("GET /matches/{id}/ws", MetricsMiddleware(s.realtime, "ws"))
	}
}

// roleOf returns the caller's role. A missing header means spectator.
func roleOf(r *http.Request) (model.Role, error) {
	raw := r.Header.Get(RoleHeader)
	if raw == "" {
		return model.RoleSpectator, nil
	}
	role, ok := model.ParseRole(raw)
	if !ok {
		return "", errors.New("unknown role " + raw)
	}
	return role, nil
}

// requireScorer rejects callers that may not write.
func requireScorer(w http.ResponseWriter, r *http.Request, op string) bool {
	role, err := roleOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return false
	}
	if role != model.RoleScorer {
		writeError(w, http.StatusForbidden, "forbidden", NewKind(op, ErrForbidden))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, types.ErrorResponse{Code: code, Message: msg})
}

// writeFailure maps a service error to its HTTP status and error code.
func writeFailure(w http.ResponseWriter, err error) {
	var ve *rules.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, types.ErrorResponse{Code: ve.Code, Message: ve.Reason})
	case errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case errors.Is(err, model.ErrInvalidMatch):
		writeError(w, http.StatusBadRequest, "invalid_match", err)
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, repository.ErrMatchExists):
		writeError(w, http.StatusConflict, "match_exists", err)
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, repository.ErrPersistence), errors.Is(err, repository.ErrSequenceGap):
		writeError(w, http.StatusServiceUnavailable, "persistence", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}
