package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trestle/engine/internal/config"
	"github.com/trestle/engine/internal/scheduler"
	"github.com/trestle/engine/internal/store"
)

// newManifestCommand groups the manifest CLI: list registered manifests and
// schedule new ones (cron, interval, on-demand, or dependent on another
// manifest) without going through the HTTP API.
func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "List and schedule workflow manifests",
	}

	cmd.AddCommand(newManifestListCommand())
	cmd.AddCommand(newManifestScheduleCommand())

	return cmd
}

func newManifestListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), config.FromEnv(), false)
			if err != nil {
				return err
			}

			dc, err := rt.factory.New(cmd.Context())
			if err != nil {
				return err
			}
			defer dc.Close(cmd.Context())

			manifests, err := dc.ListManifests(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEXTERNAL-ID\tWORKFLOW\tSCHEDULE\tENABLED\tRETRIES\tLAST-SUCCESS")
			for _, m := range manifests {
				lastRun := "-"
				if m.LastSuccessfulRun != nil {
					lastRun = m.LastSuccessfulRun.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%d\t%s\n",
					m.ID, m.ExternalID, m.Name, describeSchedule(m), m.IsEnabled, m.MaxRetries, lastRun)
			}
			return w.Flush()
		},
	}
}

func describeSchedule(m *store.Manifest) string {
	switch m.ScheduleType {
	case store.ScheduleCron:
		return fmt.Sprintf("cron(%s)", *m.CronExpression)
	case store.ScheduleInterval:
		return fmt.Sprintf("every %ds", *m.IntervalSeconds)
	case store.ScheduleDependent:
		return fmt.Sprintf("after manifest %d", *m.DependsOnManifestID)
	case store.ScheduleOnDemand:
		return "on demand"
	default:
		return string(m.ScheduleType)
	}
}

func newManifestScheduleCommand() *cobra.Command {
	var (
		spec      scheduler.Spec
		inputJSON string
		dependsOn string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create a manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputJSON != "" {
				var v any
				if err := json.Unmarshal([]byte(inputJSON), &v); err != nil {
					return fmt.Errorf("--input is not valid JSON: %w", err)
				}
				spec.Input = v
			}

			rt, err := newRuntime(cmd.Context(), config.FromEnv(), false)
			if err != nil {
				return err
			}

			if dependsOn != "" {
				m, err := rt.scheduler.ThenInclude(cmd.Context(), dependsOn, spec)
				if err != nil {
					return err
				}
				fmt.Printf("manifest %d (%s) scheduled, dependent on %s\n", m.ID, m.ExternalID, dependsOn)
				return nil
			}

			m, err := rt.scheduler.Schedule(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("manifest %d (%s) scheduled\n", m.ID, m.ExternalID)
			return nil
		},
	}

	cmd.Flags().StringVar(&spec.ExternalID, "external-id", "", "stable identifier for the manifest (generated if empty)")
	cmd.Flags().StringVar(&spec.WorkflowName, "workflow", "", "workflow name to run")
	cmd.Flags().StringVar(&spec.PropertyType, "property-type", "", "input type name the stored properties deserialize into")
	cmd.Flags().StringVar(&inputJSON, "input", "", "JSON input passed to every run")
	cmd.Flags().StringVar(&spec.Group, "group", "", "manifest group (default group if empty)")
	cmd.Flags().IntVar(&spec.Priority, "priority", 0, "dispatch priority, clamped to [0,31]")
	cmd.Flags().IntVar(&spec.MaxRetries, "max-retries", 3, "failed runs tolerated before dead-lettering")
	cmd.Flags().StringVar(&spec.Cron, "cron", "", "cron expression cadence")
	cmd.Flags().Int64Var(&spec.IntervalSeconds, "interval", 0, "interval cadence in seconds")
	cmd.Flags().BoolVar(&spec.OnDemand, "on-demand", false, "run only when triggered explicitly")
	cmd.Flags().StringVar(&dependsOn, "depends-on", "", "external id of a parent manifest this one runs after")
	_ = cmd.MarkFlagRequired("workflow")

	spec.IsEnabled = true

	return cmd
}
