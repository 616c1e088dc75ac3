package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dynamic-shield/shield-oracle/entities"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var jobStates = []entities.JobState{
	entities.JobStatePending,
	entities.JobStateInFlight,
	entities.JobStateDone,
	entities.JobStateFailed,
}

func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the remediation ledger of the worker",
	}
	cmd.AddCommand(newJobsListCommand(rootOpts))
	cmd.AddCommand(newJobsGetCommand(rootOpts))
	return cmd
}

func newJobsListCommand(rootOpts *RootOptions) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List ledger entries",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" && !validJobState(entities.JobState(state)) {
				return errors.Errorf("invalid state [%s]: must be one of %v", state, jobStates)
			}

			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListJobs(entities.JobState(state))
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, records, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATE\tATTEMPTS\tTX\tUPDATED")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", r.ID, r.State, r.Attempts, r.TxHash.Hex(), r.UpdatedAt.Format(time.DateTime))
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only list entries in this state (pending|in-flight|done|failed)")
	return cmd
}

func newJobsGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "get <job-id>",
		Short:        "Print one ledger entry",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.GetJob(args[0])
			if errors.Is(err, entities.ErrStoreEntityNotFound) {
				return errors.Errorf("job [%s] not found", args[0])
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, record, func(w io.Writer) {
				fmt.Fprintf(w, "id:       %s\n", record.ID)
				fmt.Fprintf(w, "state:    %s\n", record.State)
				fmt.Fprintf(w, "attempts: %d\n", record.Attempts)
				if record.PoolID != "" {
					fmt.Fprintf(w, "pool:     %s\n", record.PoolID)
				}
				fmt.Fprintf(w, "tx:       %s\n", record.TxHash.Hex())
				fmt.Fprintf(w, "tokens:   %v\n", record.TokenIDs)
				if record.LastError != "" {
					fmt.Fprintf(w, "error:    %s\n", record.LastError)
				}
				fmt.Fprintf(w, "updated:  %s\n", record.UpdatedAt.Format(time.DateTime))
			})
		},
	}
}

func validJobState(state entities.JobState) bool {
	for _, s := range jobStates {
		if s == state {
			return true
		}
	}
	return false
}
