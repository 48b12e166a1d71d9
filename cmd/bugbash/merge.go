package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/history"
)

func newMergeCmd() *cobra.Command {
	opts := &reportOptions{}
	cmd := &cobra.Command{
		Use:   "merge REPORT...",
		Short: "Merge report artifacts, keeping the latest outcome of every case",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports := make([]*core.RunReport, 0, len(args))
			for _, name := range args {
				r, err := history.ReadReport(name)
				if err != nil {
					return &core.ConfigurationError{Invalid: []string{err.Error()}}
				}
				reports = append(reports, r)
			}
			merged := history.Merge(reports...)
			for _, c := range merged.Collisions {
				zap.L().Info("case reported more than once", zap.String("case", c.ID),
					zap.Any("sources", c.Sources), zap.String("kept", string(c.Kept)))
			}
			return opts.finish(cmd.Context(), cmd, nil, merged)
		},
	}
	opts.bind(cmd)
	return cmd
}
