package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/okian/pitchpulse/internal/adapters/repository"
	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/domain/scoring"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	MatchID  string
}

// ReplayedMatch is the cold replay of one match log.
type ReplayedMatch struct {
	MatchID string              `json:"match_id"`
	Events  int                 `json:"events"`
	State   *scoring.MatchState `json:"state"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild match state from a SQLite event log",
		Long: `Read every event of a match from a SQLite event log, fold them from the
registered match and print the resulting state. Corrections are applied the
same way the server applies them.

Examples:
  pitchctl replay --db ./pitchpulse.db
  pitchctl replay --db ./pitchpulse.db --match m1 --format json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReplay(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.MatchID, "match", "", "replay one match only")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, out io.Writer) error {
	log, err := repository.OpenSQLite(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer log.Close()

	ids := []string{opts.MatchID}
	if opts.MatchID == "" {
		if ids, err = log.MatchIDs(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to list matches", err)
		}
	}

	replayed := make([]ReplayedMatch, 0, len(ids))
	for _, id := range ids {
		rm, err := replayMatch(ctx, log, id)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay match %s", id), err)
		}
		replayed = append(replayed, rm)
	}

	if opts.Format == "json" {
		return writeJSON(out, replayed)
	}
	if len(replayed) == 0 {
		fmt.Fprintln(out, "No matches found in database.")
		return nil
	}
	for _, rm := range replayed {
		fmt.Fprintf(out, "%s: %s after %d events\n", rm.MatchID, rm.State.Status, rm.Events)
		writeScorecard(out, rm.State)
	}
	return nil
}

func replayMatch(ctx context.Context, log repository.Log, matchID string) (ReplayedMatch, error) {
	m, err := log.Match(ctx, matchID)
	if err != nil {
		return ReplayedMatch{}, err
	}
	records, err := log.ReadFrom(ctx, matchID, 0).Collect()
	if err != nil {
		return ReplayedMatch{}, err
	}
	return ReplayedMatch{
		MatchID: matchID,
		Events:  len(records),
		State:   scoring.Replay(m, records),
	}, nil
}

// writeScorecard prints one line per innings and the result.
func writeScorecard(w io.Writer, st *scoring.MatchState) {
	for _, in := range st.Innings {
		line := fmt.Sprintf("  innings %d: %s %d/%d (%s ov)", in.Number, in.BattingTeam, in.Runs, in.Wickets, in.Overs())
		if in.Target > 0 {
			line += fmt.Sprintf(" target %d", in.Target)
		}
		if in.Closed {
			line += fmt.Sprintf(", %s", in.EndReason)
		}
		fmt.Fprintln(w, line)
	}
	if r := st.Result; r != nil {
		switch r.Outcome {
		case model.OutcomeWon:
			fmt.Fprintf(w, "  result: %s won by %s\n", r.Winner, r.Margin)
		default:
			fmt.Fprintf(w, "  result: %s\n", r.Outcome)
		}
	}
	if len(st.Corrected) > 0 {
		fmt.Fprintf(w, "  corrected: %v\n", st.Corrected)
	}
}
