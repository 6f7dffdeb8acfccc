package rules

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("validation failed")

// Rejection codes returned to scorers.
const (
	CodeInvalidStatus     = "invalid_status"
	CodeMalformed         = "malformed_command"
	CodeInningsOpen       = "innings_open"
	CodeInningsNotOpen    = "innings_not_open"
	CodeNoInningsLeft     = "no_innings_left"
	CodeInvalidTeam       = "invalid_team"
	CodeInvalidPlayer     = "invalid_player"
	CodeNotAtCrease       = "batter_not_at_crease"
	CodeOverNotCompleted  = "over_not_completed"
	CodeOverNotFull       = "over_not_full"
	CodeInvalidRuns       = "invalid_runs"
	CodeInvalidExtra      = "invalid_extra"
	CodeInvalidWicket     = "invalid_wicket"
	CodeBowlerChange      = "bowler_changed_mid_over"
	CodeConsecutiveOvers  = "consecutive_overs"
	CodeBowlerQuota       = "bowler_quota_exceeded"
	CodeInvalidOutcome    = "invalid_outcome"
	CodeInvalidCorrection = "invalid_correction"
	CodeCommentaryTooLong = "commentary_too_long"
)

// ValidationError is a command rejected against the current match state.
// Nothing is appended when it is returned.
type ValidationError struct {
	Code   string `json:"code"`
	Reason string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
}

// Unwrap makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func reject(code, format string, args ...any) error {
	return &ValidationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
