package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/jobs"
)

func newListCmd() *cobra.Command {
	opts := &selectOptions{}
	var remote bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the registered cases, or the harness jobs with --jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				return listJobs(cmd)
			}
			selected, err := opts.load()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCATEGORY\tDESCRIPTION")
			for _, tc := range selected {
				fmt.Fprintf(w, "%s\t%s\t%s\n", tc.ID, tc.Category, tc.Description)
			}
			return w.Flush()
		},
	}
	opts.bind(cmd)
	cmd.Flags().BoolVar(&remote, "jobs", false, "list the jobs created by the harness instead")
	return cmd
}

func listJobs(cmd *cobra.Command) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	client, err := jobs.NewClient(cmd.Context(), cfg, core.PrincipalUser)
	if err != nil {
		return err
	}
	list, err := jobs.NewOrchestrator(client, cfg.JobPollInterval, cfg.ServiceIdentity).ListJobs(cmd.Context(), jobNamePrefix)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tNAME")
	for _, j := range list {
		fmt.Fprintf(w, "%d\t%s\n", j.JobID, j.Settings.Name)
	}
	return w.Flush()
}
