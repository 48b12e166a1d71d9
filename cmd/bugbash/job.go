package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/history"
	"github.com/dbsql-qa/definer-bugbash/pkg/jobs"
)

const jobNamePrefix = "definer-bugbash"

// Job modes.
const (
	modeUser          = "user"
	modeService       = "service"
	modeBidirectional = "bidirectional"
)

type jobOptions struct {
	selectOptions
	report reportOptions

	mode          string
	serviceSchema string
	timeout       time.Duration
	keep          bool
}

func newJobCmd() *cobra.Command {
	opts := &jobOptions{}
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Run cases as remote jobs through the Jobs API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd)
		},
	}
	opts.selectOptions.bind(cmd)
	opts.report.bind(cmd)
	cmd.Flags().StringVar(&opts.mode, "mode", modeUser, "user, service or bidirectional")
	cmd.Flags().StringVar(&opts.serviceSchema, "service-schema", "", "schema of the service identity job in bidirectional mode, <schema>_sp by default")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "local wait per job, JOB_TIMEOUT by default")
	cmd.Flags().BoolVar(&opts.keep, "keep", false, "keep job definitions after their run finished")
	return cmd
}

func (o *jobOptions) principals() ([]core.Principal, error) {
	switch o.mode {
	case modeUser:
		return []core.Principal{core.PrincipalUser}, nil
	case modeService:
		return []core.Principal{core.PrincipalService}, nil
	case modeBidirectional:
		return []core.Principal{core.PrincipalUser, core.PrincipalService}, nil
	}
	return nil, &core.ConfigurationError{Invalid: []string{fmt.Sprintf("--mode %q, expect user, service or bidirectional", o.mode)}}
}

func (o *jobOptions) run(cmd *cobra.Command) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.RequireJobs(); err != nil {
		return err
	}
	principals, err := o.principals()
	if err != nil {
		return err
	}
	if o.mode != modeUser {
		if err := cfg.RequireService(); err != nil {
			return err
		}
	}
	selected, err := o.load()
	if err != nil {
		return err
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = cfg.JobTimeout
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	release := stopOnSignal(cancel, cancel)
	defer release()

	client, err := jobs.NewClient(ctx, cfg, core.PrincipalUser)
	if err != nil {
		return err
	}
	orch := jobs.NewOrchestrator(client, cfg.JobPollInterval, cfg.ServiceIdentity)

	runID := uuid.New().String()
	specs := make([]jobs.JobSpec, 0, len(principals))
	for _, p := range principals {
		specs = append(specs, o.spec(cfg, p, runID, selected, timeout))
	}
	started := time.Now().UTC()
	results := orch.SubmitAll(ctx, specs, timeout)

	reports := make([]*core.RunReport, 0, len(results))
	for i, res := range results {
		report := jobReport(runID, specs[i], res, started)
		o.cleanup(ctx, orch, res)
		if len(results) > 1 {
			path, err := history.WriteReport(o.reportDir(cfg), report)
			if err != nil {
				zap.L().Warn("write job report", zap.String("job", specs[i].Name), zap.Error(err))
			} else {
				zap.L().Info("job report written", zap.String("job", specs[i].Name), zap.String("path", path))
			}
		}
		reports = append(reports, report)
	}
	final := reports[0]
	if len(reports) > 1 {
		final = mergeJobReports(runID, reports)
	}
	return o.report.finish(ctx, cmd, cfg, final)
}

// mergeJobReports merges the reports of jobs run as different principals.
// Every job runs the same cases, so outcome ids are qualified with the
// principal, as in TC-01@service, and one principal's result never
// replaces the other's.
func mergeJobReports(runID string, reports []*core.RunReport) *core.RunReport {
	qualified := make([]*core.RunReport, 0, len(reports))
	for _, r := range reports {
		q := *r
		q.Outcomes = make([]core.Outcome, 0, len(r.Outcomes))
		for _, oc := range r.Outcomes {
			p := oc.Principal
			if p == "" {
				p = r.Principal
			}
			oc.ID = oc.ID + "@" + string(p)
			q.Outcomes = append(q.Outcomes, oc)
		}
		qualified = append(qualified, &q)
	}
	merged := history.Merge(qualified...)
	merged.RunID = runID
	return merged
}

func (o *jobOptions) reportDir(cfg *config.Config) string {
	if o.report.dir != "" {
		return o.report.dir
	}
	return cfg.ReportDir
}

func (o *jobOptions) spec(cfg *config.Config, p core.Principal, runID string, selected []core.TestCase, timeout time.Duration) jobs.JobSpec {
	schema := cfg.Schema
	if o.mode == modeBidirectional && p == core.PrincipalService {
		schema = o.serviceSchema
		if schema == "" {
			schema = cfg.Schema + "_sp"
		}
	}
	categories := make(map[string]core.Category, len(selected))
	for _, tc := range selected {
		categories[tc.ID] = tc.Category
	}
	caseIDs := ids(selected)
	return jobs.JobSpec{
		Name:         fmt.Sprintf("%s-%s-%s", jobNamePrefix, p, runID[:8]),
		NotebookPath: cfg.NotebookPath,
		ClusterID:    cfg.ClusterID,
		Timeout:      timeout,
		MaxRetries:   cfg.JobMaxRetries,
		Parameters: map[string]string{
			"catalog": cfg.Catalog,
			"schema":  schema,
			"caller":  string(p),
			"prefix":  objectPrefix(runID),
			"run_id":  runID,
			"cases":   strings.Join(caseIDs, ","),
		},
		RunAs:         p,
		Schema:        schema,
		ExpectedCases: caseIDs,
		Categories:    categories,
	}
}

// cleanup retires finished jobs. A job whose wait timed out is left alone,
// its run may still finish.
func (o *jobOptions) cleanup(ctx context.Context, orch *jobs.Orchestrator, res jobs.JobResult) {
	if res.Handle == nil {
		return
	}
	if core.IsTimeout(res.Err) {
		zap.L().Warn("job left running, cancel it with `bugbash cancel`",
			zap.Int64("job_id", res.Handle.JobID), zap.Int64("run_id", res.Handle.RunID))
		return
	}
	if o.keep {
		return
	}
	if err := orch.Retire(ctx, res.Handle); err != nil {
		zap.L().Warn("retire job", zap.Int64("job_id", res.Handle.JobID), zap.Error(err))
	}
}

// jobReport builds the report of one job. A job that could not report
// errors every case it was expected to run.
func jobReport(runID string, spec jobs.JobSpec, res jobs.JobResult, started time.Time) *core.RunReport {
	report := &core.RunReport{
		RunID:       fmt.Sprintf("%s-%s", runID, spec.RunAs),
		Environment: core.EnvServerlessJob,
		Principal:   spec.RunAs,
		StartedAt:   started,
		EndedAt:     time.Now().UTC(),
		Outcomes:    res.Outcomes,
	}
	if res.Err == nil {
		return report
	}
	report.Outcomes = nil
	for _, id := range spec.ExpectedCases {
		report.Outcomes = append(report.Outcomes, core.Outcome{
			ID:         id,
			Category:   spec.Categories[id],
			Status:     core.StatusErrored,
			Error:      res.Err.Error(),
			Source:     core.EnvServerlessJob,
			Principal:  spec.RunAs,
			FinishedAt: report.EndedAt,
		})
	}
	return report
}
