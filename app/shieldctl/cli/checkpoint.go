package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type checkpointView struct {
	LastProcessedBlock *uint64  `json:"lastProcessedBlock"`
	SkippedLogs        []string `json:"skippedLogs"`
}

func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or override the last processed block of the watcher",
	}
	cmd.AddCommand(newCheckpointGetCommand(rootOpts))
	cmd.AddCommand(newCheckpointSetCommand(rootOpts))
	return cmd
}

func newCheckpointGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "get",
		Short:        "Print the checkpoint and the skipped logs",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			var view checkpointView
			block, err := store.GetLastProcessedBlock()
			switch {
			case err == nil:
				view.LastProcessedBlock = &block
			case !errors.Is(err, entities.ErrStoreEntityNotFound):
				return errors.Wrap(err, "getting checkpoint")
			}
			if view.SkippedLogs, err = store.GetSkippedLogs(); err != nil {
				return errors.Wrap(err, "getting skipped logs")
			}

			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, view, func(w io.Writer) {
				if view.LastProcessedBlock == nil {
					fmt.Fprintln(w, "checkpoint: none")
				} else {
					fmt.Fprintf(w, "checkpoint: %d\n", *view.LastProcessedBlock)
				}
				fmt.Fprintf(w, "skipped logs: %d\n", len(view.SkippedLogs))
				for _, ref := range view.SkippedLogs {
					fmt.Fprintf(w, "  %s\n", ref)
				}
			})
		},
	}
}

func newCheckpointSetCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "set <block>",
		Short: "Set the checkpoint. Moving it backwards requires --force",
		Long: `Set the last processed block of the watcher. The service must be stopped.

Moving the checkpoint backwards replays events. Replays are safe: registrations are upserts and
jobs carry deterministic ids. Still, this needs --force.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			block, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return errors.Wrapf(err, "parsing block [%s]", args[0])
			}

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			if force {
				err = store.ForceLastProcessedBlock(block)
			} else {
				err = store.SetLastProcessedBlock(block)
			}
			if errors.Is(err, entities.ErrCheckpointRegression) {
				return errors.Wrap(err, "use --force to move the checkpoint backwards")
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint set to %d\n", block)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "allow moving the checkpoint backwards")
	return cmd
}
