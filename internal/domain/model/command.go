package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CommandType names a scorer command.
type CommandType string

// Command types accepted by the intake.
const (
	CmdStartMatch    CommandType = "start_match"
	CmdStartInnings  CommandType = "start_innings"
	CmdDeliverBall   CommandType = "deliver_ball"
	CmdCompleteOver  CommandType = "complete_over"
	CmdEndInnings    CommandType = "end_innings"
	CmdAbandonMatch  CommandType = "abandon_match"
	CmdCompleteMatch CommandType = "complete_match"
	CmdCorrect       CommandType = "correct"
)

// Command is a scorer's request to record something. Only the fields
// relevant to Type are read.
type Command struct {
	Type CommandType `json:"type"`
	// CommandID makes submission idempotent when set.
	CommandID string `json:"command_id,omitempty"`

	// deliver_ball
	Ball *BallDelivered `json:"ball,omitempty"`

	// start_innings
	BattingTeam string `json:"batting_team,omitempty"`
	Striker     string `json:"striker,omitempty"`
	NonStriker  string `json:"non_striker,omitempty"`

	// end_innings (declared | forfeited)
	Reason EndReason `json:"reason,omitempty"`

	// complete_match
	Outcome Outcome `json:"outcome,omitempty"`
	Winner  string  `json:"winner,omitempty"`
	Margin  string  `json:"margin,omitempty"`

	// abandon_match and correct
	Note string `json:"note,omitempty"`

	// correct
	TargetSeq uint64 `json:"target_seq,omitempty"`
}

// ParseCommand decodes a JSON command body, rejecting unknown fields.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	switch cmd.Type {
	case CmdStartMatch, CmdStartInnings, CmdDeliverBall, CmdCompleteOver,
		CmdEndInnings, CmdAbandonMatch, CmdCompleteMatch, CmdCorrect:
		return cmd, nil
	case "":
		return Command{}, fmt.Errorf("decode command: missing type")
	}
	return Command{}, fmt.Errorf("decode command: unknown type %q", cmd.Type)
}
