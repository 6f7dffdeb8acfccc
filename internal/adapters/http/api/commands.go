package api

import (
	"io"
	"net/http"
	"strings"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/types"
	"github.com/okian/pitchpulse/pkg/logger"
)

// CommandsHandler handles scorer commands.
type CommandsHandler struct {
	deps   Dependencies
	logger logger.Logger
}

// NewCommandsHandler creates a new commands handler.
func NewCommandsHandler(deps Dependencies, l logger.Logger) *CommandsHandler {
	return &CommandsHandler{deps: deps, logger: l}
}

// HandleSubmit handles POST /matches/{id}/commands requests.
func (h *CommandsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	const op = "api.submit_command"
	if !requireScorer(w, r, op) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	cmd, err := model.ParseCommand(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", WrapKind(op, ErrBadRequest, err))
		return
	}
	if cmd.CommandID == "" {
		cmd.CommandID = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	}

	matchID := r.PathValue("id")
	res, err := h.deps.Submit(r.Context(), matchID, cmd)
	if err != nil {
		h.logger.Debug(r.Context(), "command refused",
			logger.MatchID(matchID),
			logger.String("command", string(cmd.Type)),
			logger.Error(err),
		)
		writeFailure(w, err)
		return
	}

	if res.Duplicate {
		writeJSON(w, http.StatusOK, types.CommandResponse{Status: "duplicate", Seq: res.Seq, Duplicate: true})
		return
	}
	writeJSON(w, http.StatusAccepted, types.CommandResponse{Status: "accepted", Seq: res.Seq, Events: res.Records})
}
