// Package ws serves the real-time match channel over WebSocket. A
// connection starts with a snapshot (or a catch-up from last_seq) and then
// streams every accepted event of the match in seq order.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/pitchpulse/internal/adapters/mq/broadcast"
	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/types"
	"github.com/okian/pitchpulse/pkg/logger"
	"github.com/okian/pitchpulse/pkg/metrics"
)

// Connection defaults.
const (
	DefaultPingInterval      = 30 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultMaxProtocolErrors = 3
	writeWait                = 10 * time.Second
	maxMessageBytes          = 4 << 10
)

// roleHeader matches the header the command API reads.
const roleHeader = "X-Role"

// Error frame codes.
const (
	CodeProtocol     = "protocol_error"
	CodeSlowConsumer = "slow_consumer"
	CodeShutdown     = "shutting_down"
	CodeUnavailable  = "unavailable"
)

// Subscriptions opens match subscriptions.
type Subscriptions interface {
	Subscribe(ctx context.Context, matchID string, lastSeq uint64, opts ...broadcast.SubscribeOption) (*broadcast.Subscriber, error)
}

// Handler upgrades requests on /matches/{id}/ws.
type Handler struct {
	subs              Subscriptions
	upgrader          websocket.Upgrader
	pingInterval      time.Duration
	readTimeout       time.Duration
	maxProtocolErrors int
	logger            logger.Logger
}

// Option applies a configuration option to the Handler.
type Option func(*Handler)

// WithPingInterval sets how often the server sends a ping frame.
func WithPingInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingInterval = d
		}
	}
}

// WithReadTimeout closes connections that stay silent for d.
func WithReadTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.readTimeout = d
		}
	}
}

// WithMaxProtocolErrors closes a connection after n consecutive bad frames.
func WithMaxProtocolErrors(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxProtocolErrors = n
		}
	}
}

// WithCheckOrigin sets the origin policy of the upgrader. All origins are
// accepted by default.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		if fn != nil {
			h.upgrader.CheckOrigin = fn
		}
	}
}

// WithLogger sets a custom logger for the handler.
func WithLogger(l logger.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandler creates a real-time handler over subs.
func NewHandler(subs Subscriptions, opts ...Option) *Handler {
	h := &Handler{
		subs: subs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval:      DefaultPingInterval,
		readTimeout:       DefaultReadTimeout,
		maxProtocolErrors: DefaultMaxProtocolErrors,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logger.Get().Named("ws")
	}
	return h
}

// ServeHTTP subscribes before upgrading, so an unknown match or a bad
// last_seq is answered with a plain HTTP error.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	matchID := r.PathValue("id")

	var lastSeq uint64
	if raw := r.URL.Query().Get("last_seq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, "bad_request", "last_seq must be a non-negative integer")
			return
		}
		lastSeq = v
	}

	role := model.RoleSpectator
	if raw := r.Header.Get(roleHeader); raw != "" {
		parsed, ok := model.ParseRole(raw)
		if !ok {
			writeHTTPError(w, http.StatusBadRequest, "bad_request", "unknown role "+raw)
			return
		}
		role = parsed
	}

	sub, err := h.subs.Subscribe(r.Context(), matchID, lastSeq, broadcast.WithRole(role))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeHTTPError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.Is(err, types.ErrProtocol):
			metrics.RecordProtocolError()
			writeHTTPError(w, http.StatusBadRequest, CodeProtocol, err.Error())
		default:
			writeHTTPError(w, http.StatusServiceUnavailable, CodeUnavailable, err.Error())
		}
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug(r.Context(), "upgrade failed", logger.MatchID(matchID), logger.Error(err))
		return
	}
	defer conn.Close()

	s := &session{
		conn:    conn,
		sub:     sub,
		handler: h,
		logger: h.logger.With(
			logger.MatchID(matchID),
			logger.String("subscriber", sub.ID()),
		),
	}
	s.run(r.Context())
}

func writeHTTPError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Code: code, Message: msg})
}

// errorCode maps a subscription end to the error frame sent before closing.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, broadcast.ErrSlowConsumer):
		return CodeSlowConsumer, websocket.CloseTryAgainLater
	case errors.Is(err, broadcast.ErrHubClosed):
		return CodeShutdown, websocket.CloseGoingAway
	}
	return CodeUnavailable, websocket.CloseInternalServerErr
}
