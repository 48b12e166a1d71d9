package main

import (
	"github.com/spf13/cobra"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/jobs"
)

func newCancelCmd() *cobra.Command {
	var h jobs.JobHandle
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a remote run, and delete its job when --job-id is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return err
			}
			client, err := jobs.NewClient(cmd.Context(), cfg, core.PrincipalUser)
			if err != nil {
				return err
			}
			orch := jobs.NewOrchestrator(client, cfg.JobPollInterval, cfg.ServiceIdentity)
			if err := orch.Cancel(cmd.Context(), &h); err != nil {
				return err
			}
			if h.JobID != 0 {
				return orch.Retire(cmd.Context(), &h)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&h.RunID, "run-id", 0, "run to cancel")
	cmd.Flags().Int64Var(&h.JobID, "job-id", 0, "job to delete after the cancel")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}
