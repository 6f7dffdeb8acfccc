package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/pitchpulse/internal/simulate"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	URL     string
	Matches []string
	Timeout time.Duration
}

// VerifyResult is the outcome for one match.
type VerifyResult struct {
	MatchID string `json:"match_id"`
	OK      bool   `json:"ok"`
	Events  int    `json:"events"`
	LastSeq uint64 `json:"last_seq"`
	Error   string `json:"error,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a server's match state against its own event log",
		Long: `Fetch the state a server serves for a match together with the match's full
event log, replay the log locally and compare the two.

Exit codes:
  0 - every match agrees
  1 - at least one match differs
  2 - command error (server unreachable, unknown match, etc.)

Examples:
  pitchctl verify --url http://localhost:8080 --match m1
  pitchctl verify --url http://localhost:8080 --match m1 --match m2 --format json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "base URL of the server (required)")
	_ = cmd.MarkFlagRequired("url")
	cmd.Flags().StringSliceVar(&opts.Matches, "match", nil, "match id to verify (repeatable, required)")
	_ = cmd.MarkFlagRequired("match")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", simulate.DefaultTimeout, "HTTP request timeout")

	return cmd
}

func runVerify(ctx context.Context, opts *VerifyOptions, out io.Writer) error {
	client := simulate.NewClient(opts.URL, opts.Timeout)

	results := make([]VerifyResult, 0, len(opts.Matches))
	failed := 0
	for _, id := range opts.Matches {
		rep, err := simulate.Verify(ctx, client, id)
		if err != nil && !errors.Is(err, simulate.ErrMismatch) {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to verify match %s", id), err)
		}
		res := VerifyResult{MatchID: id, OK: err == nil, Events: rep.Events, LastSeq: rep.LastSeq}
		if err != nil {
			res.Error = err.Error()
			failed++
		}
		results = append(results, res)
	}

	if opts.Format == "json" {
		if err := writeJSON(out, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.OK {
				fmt.Fprintf(out, "%s: ok (%d events, seq %d)\n", r.MatchID, r.Events, r.LastSeq)
				continue
			}
			fmt.Fprintf(out, "%s: MISMATCH: %s\n", r.MatchID, r.Error)
		}
	}

	if failed > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d of %d matches differ", failed, len(results))}
	}
	return nil
}
