package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trestle/engine/internal/config"
	"github.com/trestle/engine/internal/store"
)

// newDeadLetterCommand groups the operator-facing dead-letter actions:
// list what needs intervention, acknowledge a letter with a note, or
// retry it (optionally with a replacement input).
func newDeadLetterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dl"},
		Short:   "Inspect and resolve dead-lettered manifests",
	}

	cmd.AddCommand(newDeadLetterListCommand())
	cmd.AddCommand(newDeadLetterAckCommand())
	cmd.AddCommand(newDeadLetterRetryCommand())

	return cmd
}

func newDeadLetterListCommand() *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), config.FromEnv(), false)
			if err != nil {
				return err
			}

			var status *store.DeadLetterStatus
			if statusFlag != "" {
				s := store.DeadLetterStatus(statusFlag)
				status = &s
			}

			letters, err := rt.deadLetters.List(cmd.Context(), status)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tMANIFEST\tSTATUS\tRETRIES\tDEAD-LETTERED\tREASON")
			for _, dl := range letters {
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\n",
					dl.ID, dl.ManifestID, dl.Status, dl.RetryCountAtDeadLetter,
					dl.DeadLetteredAt.Format("2006-01-02 15:04:05"), dl.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", string(store.DeadLetterAwaitingIntervention), "filter by status (AwaitingIntervention, Retried, Acknowledged); empty for all")

	return cmd
}

func newDeadLetterAckCommand() *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge a dead letter without re-running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid dead letter id %q: %w", args[0], err)
			}

			rt, err := newRuntime(cmd.Context(), config.FromEnv(), false)
			if err != nil {
				return err
			}

			if err := rt.deadLetters.Acknowledge(cmd.Context(), id, note); err != nil {
				return err
			}
			fmt.Printf("dead letter %d acknowledged\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&note, "note", "", "resolution note recorded on the dead letter")

	return cmd
}

func newDeadLetterRetryCommand() *cobra.Command {
	var inputJSON string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-enqueue a dead letter's manifest and mark it Retried",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid dead letter id %q: %w", args[0], err)
			}

			var input []byte
			if inputJSON != "" {
				if !json.Valid([]byte(inputJSON)) {
					return fmt.Errorf("--input is not valid JSON")
				}
				input = []byte(inputJSON)
			}

			rt, err := newRuntime(cmd.Context(), config.FromEnv(), false)
			if err != nil {
				return err
			}

			wq, err := rt.deadLetters.Retry(cmd.Context(), id, input)
			if err != nil {
				return err
			}
			fmt.Printf("dead letter %d retried: work queue item %d (%s) queued\n", id, wq.ID, wq.ExternalID)
			return nil
		},
	}

	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON input overriding the manifest's stored properties")

	return cmd
}
