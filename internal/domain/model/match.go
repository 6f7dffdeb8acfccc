// Package model contains the domain types passed between layers: matches,
// scoring events and scorer commands.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a match.
type Status string

// Match statuses. Completed and Abandoned are terminal.
const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further scoring can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Format describes the playing conditions of a match.
type Format struct {
	OversPerInnings   int  `json:"overs_per_innings"`
	BallsPerOver      int  `json:"balls_per_over"`
	WicketsPerInnings int  `json:"wickets_per_innings"`
	InningsPerSide    int  `json:"innings_per_side"`
	MaxOversPerBowler int  `json:"max_overs_per_bowler"` // 0 means no quota
	WidePenalty       int  `json:"wide_penalty"`
	NoBallPenalty     int  `json:"no_ball_penalty"`
	AutoCloseOvers    bool `json:"auto_close_overs"`
}

// T20 is the default limited-overs format.
func T20() Format {
	return Format{
		OversPerInnings:   20,
		BallsPerOver:      6,
		WicketsPerInnings: 10,
		InningsPerSide:    1,
		MaxOversPerBowler: 4,
		WidePenalty:       1,
		NoBallPenalty:     1,
		AutoCloseOvers:    true,
	}
}

// TotalInnings is the number of innings in the whole match.
func (f Format) TotalInnings() int {
	return 2 * f.InningsPerSide
}

// ErrInvalidMatch reports a malformed match registration.
var ErrInvalidMatch = errors.New("invalid match")

// Validate checks that the format can be played.
func (f Format) Validate() error {
	switch {
	case f.OversPerInnings < 1:
		return fmt.Errorf("%w: overs_per_innings must be positive", ErrInvalidMatch)
	case f.BallsPerOver < 1:
		return fmt.Errorf("%w: balls_per_over must be positive", ErrInvalidMatch)
	case f.WicketsPerInnings < 1:
		return fmt.Errorf("%w: wickets_per_innings must be positive", ErrInvalidMatch)
	case f.InningsPerSide < 1 || f.InningsPerSide > 2:
		return fmt.Errorf("%w: innings_per_side must be 1 or 2", ErrInvalidMatch)
	case f.MaxOversPerBowler < 0:
		return fmt.Errorf("%w: max_overs_per_bowler must not be negative", ErrInvalidMatch)
	case f.WidePenalty < 0 || f.NoBallPenalty < 0:
		return fmt.Errorf("%w: penalties must not be negative", ErrInvalidMatch)
	}
	return nil
}

// Match is the registration record of a fixture. Its live status is derived
// from the event log, never stored here.
type Match struct {
	TenantID  string    `json:"tenant_id"`
	ID        string    `json:"id"`
	Team1ID   string    `json:"team1_id"`
	Team2ID   string    `json:"team2_id"`
	Format    Format    `json:"format"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the registration fields.
func (m Match) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMatch)
	case strings.TrimSpace(m.TenantID) == "":
		return fmt.Errorf("%w: missing tenant_id", ErrInvalidMatch)
	case strings.TrimSpace(m.Team1ID) == "" || strings.TrimSpace(m.Team2ID) == "":
		return fmt.Errorf("%w: both teams are required", ErrInvalidMatch)
	case m.Team1ID == m.Team2ID:
		return fmt.Errorf("%w: a team cannot play itself", ErrInvalidMatch)
	}
	return m.Format.Validate()
}

// HasTeam reports whether teamID plays in the match.
func (m Match) HasTeam(teamID string) bool {
	return teamID == m.Team1ID || teamID == m.Team2ID
}

// Opponent returns the other team, or "" when teamID does not play.
func (m Match) Opponent(teamID string) string {
	switch teamID {
	case m.Team1ID:
		return m.Team2ID
	case m.Team2ID:
		return m.Team1ID
	}
	return ""
}

// Role is the verified principal role attached to inbound requests.
type Role string

// Principal roles.
const (
	RoleScorer    Role = "scorer"
	RoleSpectator Role = "spectator"
)

// ParseRole normalizes a role tag.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleScorer:
		return RoleScorer, true
	case RoleSpectator:
		return RoleSpectator, true
	}
	return "", false
}
