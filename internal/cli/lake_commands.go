package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-digitaltwin/go-physicaltwin"
	"github.com/go-digitaltwin/go-physicaltwin/internal/config"
)

// NewExecutionCommand creates the execution command group.
func NewExecutionCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execution",
		Short: "Manage the active execution of the data lake",
	}
	cmd.AddCommand(newExecutionStartCommand(rootOpts))
	cmd.AddCommand(newExecutionShowCommand(rootOpts))
	return cmd
}

func newExecutionStartCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <execution-id>",
		Short: "Start a new execution, replacing the active one",
		Long: `Start makes the given execution the active one. The clock mirror and the
command counter restart from zero; the records of earlier executions stay in
the data lake.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootOpts.context(cmd)
			return rootOpts.withLake(ctx, func(_ *config.Config, lake physicaltwin.DataLake) error {
				if err := lake.StartExecution(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started execution %q\n", args[0])
				return nil
			})
		},
	}
}

func newExecutionShowCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Show the active execution, its clock and its physical twins",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootOpts.context(cmd)
			return rootOpts.withLake(ctx, func(_ *config.Config, lake physicaltwin.DataLake) error {
				id, ok, err := lake.ActiveExecutionID(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return physicaltwin.ErrTwinNotInitialized
				}
				clock, err := lake.Clock(ctx)
				if err != nil {
					return err
				}
				robots, err := lake.Robots(ctx, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Execution: %v\n", id)
				fmt.Fprintf(out, "Clock:     %d\n", clock)
				for _, r := range robots {
					fmt.Fprintf(out, "Robot:     %v\n", r.TwinID)
				}
				return nil
			})
		},
	}
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *rootOptions) *cobra.Command {
	var twinID string

	cmd := &cobra.Command{
		Use:   "send <name> [arguments...]",
		Short: "Queue a command for a twin of the active execution",
		Long: `Send queues a command in the data lake. The driver running the twin dispatches
it after every command queued before it has been dispatched.

For example, to move the arm to its home position:

  ptdriver send --twin braccio HOME`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootOpts.context(cmd)
			return rootOpts.withLake(ctx, func(cfg *config.Config, lake physicaltwin.DataLake) error {
				if twinID == "" {
					twinID = cfg.TwinID
				}
				twin, err := physicaltwin.ResolveTwin(ctx, lake, twinID)
				if err != nil {
					return err
				}
				c, err := lake.EnqueueCommand(ctx, twin, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued command %d for %v\n", c.ID, twin)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&twinID, "twin", "t", "", "twin ID (defaults to twin_id of the configuration)")

	return cmd
}

// NewTimelineCommand creates the timeline command.
func NewTimelineCommand(rootOpts *rootOptions) *cobra.Command {
	var twinID string

	cmd := &cobra.Command{
		Use:   "timeline",
		Short: "Print the timeline, and optionally what a twin recorded on it",
		Long: `Timeline follows the chain of time nodes from the earliest timestamp and
prints one timestamp per line. It fails when the chain is broken.

With --twin, it also prints the snapshots and the command results the twin
recorded during the active execution.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootOpts.context(cmd)
			return rootOpts.withLake(ctx, func(_ *config.Config, lake physicaltwin.DataLake) error {
				chain, err := lake.TimelineChain(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, ts := range chain {
					fmt.Fprintln(out, ts)
				}
				if twinID == "" || len(chain) == 0 {
					return nil
				}

				twin, err := physicaltwin.ResolveTwin(ctx, lake, twinID)
				if err != nil {
					return err
				}
				snapshots, err := lake.SnapshotsInRange(ctx, twin, chain[0], chain[len(chain)-1])
				if err != nil {
					return err
				}
				for _, s := range snapshots {
					fmt.Fprintln(out, s)
				}
				results, err := lake.CommandResults(ctx, twin)
				if err != nil {
					return err
				}
				for _, r := range results {
					fmt.Fprintln(out, r)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&twinID, "twin", "t", "", "also print the records of this twin")

	return cmd
}
