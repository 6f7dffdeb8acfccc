package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/pitchpulse/internal/domain/model"
	"github.com/okian/pitchpulse/internal/simulate"
	"github.com/okian/pitchpulse/pkg/logger"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	URL         string
	Matches     int
	Workers     int
	Seed        uint64
	Overs       int
	Corrections float64
	Duplicates  float64
	Timeout     time.Duration
	NoVerify    bool
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Score random matches through a server's command API",
		Long: `Register matches on a running server and score each one from the first
ball to the result with random but legal commands. Every finished match is
verified against a replay of its event log unless --no-verify is given.

Examples:
  pitchctl simulate --url http://localhost:8080
  pitchctl simulate --url http://localhost:8080 --matches 50 --workers 8 --overs 5
  pitchctl simulate --url http://localhost:8080 --corrections 0.05 --duplicates 0.1 --seed 42`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "", "base URL of the server (required)")
	_ = cmd.MarkFlagRequired("url")
	cmd.Flags().IntVar(&opts.Matches, "matches", 1, "number of matches to play")
	cmd.Flags().IntVar(&opts.Workers, "workers", runtime.NumCPU(), "matches played at once")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "random seed, 0 picks one")
	cmd.Flags().IntVar(&opts.Overs, "overs", 0, "overs per innings of a T20-style format, 0 keeps the server default")
	cmd.Flags().Float64Var(&opts.Corrections, "corrections", 0, "chance that a delivery is corrected")
	cmd.Flags().Float64Var(&opts.Duplicates, "duplicates", 0, "chance that a command is sent twice")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", simulate.DefaultTimeout, "HTTP request timeout")
	cmd.Flags().BoolVar(&opts.NoVerify, "no-verify", false, "skip verification of finished matches")

	return cmd
}

func runSimulate(ctx context.Context, opts *SimulateOptions, out io.Writer) error {
	cfg := simulate.DefaultConfig()
	cfg.BaseURL = opts.URL
	cfg.Matches = opts.Matches
	cfg.Workers = opts.Workers
	cfg.Seed = opts.Seed
	cfg.CorrectionRate = opts.Corrections
	cfg.DuplicateRate = opts.Duplicates
	cfg.Timeout = opts.Timeout
	cfg.Verify = !opts.NoVerify
	cfg.Logger = logger.Get().Named("simulate")
	if opts.Overs > 0 {
		f := model.T20()
		f.OversPerInnings = opts.Overs
		f.MaxOversPerBowler = (opts.Overs + 4) / 5
		cfg.Format = &f
	}

	stats, err := simulate.Run(ctx, cfg)
	if errors.Is(err, simulate.ErrInvalidConfig) {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	if stats.Matches == 0 && err != nil {
		return WrapExitError(ExitCommandError, "simulation could not start", err)
	}

	if opts.Format == "json" {
		if werr := writeJSON(out, stats); werr != nil {
			return werr
		}
	} else {
		fmt.Fprintf(out, "matches:     %d completed, %d verified, %d failed\n", stats.Completed, stats.Verified, stats.Failed)
		fmt.Fprintf(out, "commands:    %d (%d corrections, %d duplicates)\n", stats.Commands, stats.Corrections, stats.Duplicates)
		fmt.Fprintf(out, "events:      %d\n", stats.Events)
		fmt.Fprintf(out, "duration:    %s\n", stats.Duration.Round(time.Millisecond))
		if secs := stats.Duration.Seconds(); secs > 0 {
			fmt.Fprintf(out, "throughput:  %.1f commands/s\n", float64(stats.Commands)/secs)
		}
	}

	if err != nil {
		return WrapExitError(ExitFailure, "simulation failed", err)
	}
	return nil
}
