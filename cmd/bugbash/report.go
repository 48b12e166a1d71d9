package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/artifacts"
	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/history"
	"github.com/dbsql-qa/definer-bugbash/pkg/store"
)

type reportOptions struct {
	dir         string
	jsonPath    string
	printReport bool
}

func (o *reportOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.dir, "out", "", "directory the report is written to (REPORT_DIR by default)")
	cmd.Flags().StringVar(&o.jsonPath, "json", "", "also export the report as one pretty JSON document")
	cmd.Flags().BoolVar(&o.printReport, "print-report", false, "print the report as JSON on stdout, the summary goes to stderr")
}

// finish writes and publishes the report, prints the summary and returns
// the verdict. cfg may be nil, nothing is published then.
func (o *reportOptions) finish(ctx context.Context, cmd *cobra.Command, cfg *config.Config, report *core.RunReport) error {
	dir := o.dir
	if dir == "" && cfg != nil {
		dir = cfg.ReportDir
	}
	if dir == "" {
		dir = "logs"
	}
	path, err := history.WriteReport(dir, report)
	if err != nil {
		return errors.Annotate(err, "write report")
	}
	zap.L().Info("report written", zap.String("path", path))
	if o.jsonPath != "" {
		if err := history.WriteJSON(o.jsonPath, report); err != nil {
			return errors.Annotate(err, "export report")
		}
	}
	if cfg != nil {
		publish(ctx, cfg, path, report)
	}

	out := cmd.OutOrStdout()
	if o.printReport {
		if err := printJSON(out, report); err != nil {
			return errors.Trace(err)
		}
		out = cmd.ErrOrStderr()
	}
	history.PrintSummary(out, report)
	return verdict(report)
}

func printJSON(w io.Writer, report *core.RunReport) error {
	return json.NewEncoder(w).Encode(report)
}

// publish uploads the artifact and stores the report when configured.
// Failures are logged, they never change the verdict.
func publish(ctx context.Context, cfg *config.Config, path string, report *core.RunReport) {
	if cfg.S3.Enabled() {
		if err := upload(ctx, cfg.S3, path); err != nil {
			zap.L().Warn("upload report failed", zap.Error(err))
		}
	}
	if cfg.ResultsDB.Enabled() {
		if err := save(cfg.ResultsDB, report); err != nil {
			zap.L().Warn("save report failed", zap.Error(err))
		}
	}
}

func upload(ctx context.Context, cfg config.S3Config, path string) error {
	c, err := artifacts.NewS3Client(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	object, err := c.UploadReport(ctx, path)
	if err != nil {
		return errors.Trace(err)
	}
	zap.L().Info("report uploaded", zap.String("bucket", cfg.Bucket), zap.String("object", object))
	return nil
}

func save(cfg config.ResultsDBConfig, report *core.RunReport) error {
	db, err := store.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()
	if err := db.SaveReport(report); err != nil {
		return errors.Trace(err)
	}
	zap.L().Info("report saved", zap.String("run", report.RunID), zap.String("dialect", cfg.Dialect))
	return nil
}
