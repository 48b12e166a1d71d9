// Copyright 2026 definer-bugbash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jobs submits test suites as remote notebook jobs and turns their
// results back into outcomes.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// Phase is the state of a submission as the harness sees it.
type Phase string

// Phases
const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
	PhaseTimedOut  Phase = "timed-out"
)

// JobSpec describes one remote job.
type JobSpec struct {
	Name         string
	NotebookPath string
	ClusterID    string
	Timeout      time.Duration
	MaxRetries   int
	Parameters   map[string]string
	// RunAs is the principal the job runs as.
	RunAs core.Principal
	// Schema the job works in. Concurrent jobs should not share one.
	Schema string
	// ExpectedCases are the ids the notebook is expected to report.
	ExpectedCases []string
	// Categories of the expected cases, used for outcomes the job itself
	// could not report.
	Categories map[string]core.Category
}

// JobHandle tracks a submitted job until it is retired.
type JobHandle struct {
	Spec        JobSpec
	JobID       int64
	RunID       int64
	SubmittedAt time.Time
}

// JobResult is the end of one job of SubmitAll.
type JobResult struct {
	Handle   *JobHandle
	Outcomes []core.Outcome
	Err      error
}

// Orchestrator drives jobs through the Jobs API.
type Orchestrator struct {
	client *Client
	poll   time.Duration
	// serviceName is the application id used for run_as.
	serviceName string
}

// NewOrchestrator creates an orchestrator polling every poll interval.
func NewOrchestrator(client *Client, poll time.Duration, serviceName string) *Orchestrator {
	if poll <= 0 {
		poll = 15 * time.Second
	}
	return &Orchestrator{client: client, poll: poll, serviceName: serviceName}
}

// Submit creates the job and triggers a run.
func (o *Orchestrator) Submit(ctx context.Context, spec JobSpec) (*JobHandle, error) {
	req := &CreateJobRequest{
		Name: spec.Name,
		Tasks: []Task{{
			TaskKey:           "run_tests",
			ExistingClusterID: spec.ClusterID,
			NotebookTask: &NotebookTask{
				NotebookPath:   spec.NotebookPath,
				BaseParameters: spec.Parameters,
			},
			TimeoutSeconds: int64(spec.Timeout / time.Second),
			MaxRetries:     spec.MaxRetries,
		}},
		TimeoutSeconds:    int64(spec.Timeout / time.Second),
		MaxConcurrentRuns: 1,
		Tags:              map[string]string{"harness": "definer-bugbash"},
	}
	if spec.RunAs == core.PrincipalService {
		if o.serviceName == "" {
			return nil, &core.SubmissionError{Job: spec.Name, Err: errors.New("run as service identity without DATABRICKS_SP_ID")}
		}
		req.RunAs = &RunAs{ServicePrincipalName: o.serviceName}
	}

	jobID, err := o.client.CreateJob(ctx, req)
	if err != nil {
		return nil, &core.SubmissionError{Job: spec.Name, Err: errors.Cause(err)}
	}
	runID, err := o.client.RunNow(ctx, jobID, nil)
	if err != nil {
		// nothing references the job without a handle, so delete it here
		if derr := o.client.DeleteJob(context.WithoutCancel(ctx), jobID); derr != nil {
			zap.L().Warn("delete job after failed run-now", zap.String("job", spec.Name),
				zap.Int64("job_id", jobID), zap.Error(derr))
		}
		return nil, &core.SubmissionError{Job: spec.Name, Err: errors.Cause(err)}
	}
	h := &JobHandle{Spec: spec, JobID: jobID, RunID: runID, SubmittedAt: time.Now().UTC()}
	zap.L().Info("job submitted", zap.String("job", spec.Name), zap.Int64("job_id", jobID),
		zap.Int64("run_id", runID), zap.String("run_as", string(spec.RunAs)))
	return h, nil
}

// Status returns the current state of the run.
func (o *Orchestrator) Status(ctx context.Context, h *JobHandle) (RunState, error) {
	run, err := o.client.GetRun(ctx, h.RunID)
	if err != nil {
		return RunState{}, errors.Trace(err)
	}
	return run.State, nil
}

// AwaitCompletion polls the run until it is terminal or timeout passes.
// On timeout it returns a *core.TimeoutError and leaves the run alone; the
// handle stays valid. Outcomes of a run that did not succeed, or whose
// output cannot be read, are errored outcomes for every expected case.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, h *JobHandle, timeout time.Duration) ([]core.Outcome, error) {
	var run *Run
	err := wait.PollUntilContextTimeout(ctx, o.poll, timeout, true, func(ctx context.Context) (bool, error) {
		r, err := o.client.GetRun(ctx, h.RunID)
		if err != nil {
			// The API is polled again at the next tick.
			zap.L().Warn("poll run failed", zap.Int64("run_id", h.RunID), zap.Error(err))
			return false, nil
		}
		run = r
		zap.L().Debug("run state", zap.Int64("run_id", h.RunID), zap.String("state", r.State.LifeCycleState))
		return r.State.Terminal(), nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		if wait.Interrupted(err) {
			zap.L().Warn("stop waiting for run, it is not cancelled", zap.Int64("run_id", h.RunID), zap.Duration("waited", timeout))
			return nil, &core.TimeoutError{RunID: h.RunID, Waited: timeout}
		}
		return nil, errors.Trace(err)
	}

	phase := run.State.Phase()
	zap.L().Info("run finished", zap.String("job", h.Spec.Name), zap.Int64("run_id", h.RunID),
		zap.String("phase", string(phase)), zap.String("url", run.RunPageURL))
	if phase != PhaseSucceeded {
		return o.erroredAll(h, fmt.Sprintf("job run %d ended %s: %s", h.RunID, phase, run.State.StateMessage)), nil
	}

	taskRun := h.RunID
	if len(run.Tasks) > 0 {
		taskRun = run.Tasks[0].RunID
	}
	out, err := o.client.GetRunOutput(ctx, taskRun)
	if err != nil {
		return o.erroredAll(h, fmt.Sprintf("read output of run %d: %v", h.RunID, errors.Cause(err))), nil
	}
	report, err := parseOutput(out)
	if err != nil {
		return o.erroredAll(h, fmt.Sprintf("unparseable output of run %d: %v", h.RunID, err)), nil
	}
	return o.outcomes(h, report), nil
}

// Cancel asks the platform to cancel the run.
func (o *Orchestrator) Cancel(ctx context.Context, h *JobHandle) error {
	if err := o.client.CancelRun(ctx, h.RunID); err != nil {
		return errors.Trace(err)
	}
	zap.L().Info("run cancel requested", zap.Int64("run_id", h.RunID))
	return nil
}

// Retire deletes the job definition.
func (o *Orchestrator) Retire(ctx context.Context, h *JobHandle) error {
	if err := o.client.DeleteJob(ctx, h.JobID); err != nil {
		return errors.Trace(err)
	}
	zap.L().Info("job retired", zap.Int64("job_id", h.JobID))
	return nil
}

// ListJobs lists the jobs whose name starts with prefix.
func (o *Orchestrator) ListJobs(ctx context.Context, prefix string) ([]Job, error) {
	return o.client.ListJobs(ctx, prefix)
}

// SubmitAll submits and awaits the specs concurrently. Results are in spec
// order and every job keeps its own error.
func (o *Orchestrator) SubmitAll(ctx context.Context, specs []JobSpec, timeout time.Duration) []JobResult {
	checkSchemas(specs)
	results := make([]JobResult, len(specs))
	var g errgroup.Group
	for i := range specs {
		i := i
		g.Go(func() error {
			h, err := o.Submit(ctx, specs[i])
			if err != nil {
				results[i] = JobResult{Err: err}
				return nil
			}
			outcomes, err := o.AwaitCompletion(ctx, h, timeout)
			results[i] = JobResult{Handle: h, Outcomes: outcomes, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func checkSchemas(specs []JobSpec) {
	owner := make(map[string]string)
	for _, s := range specs {
		if s.Schema == "" {
			continue
		}
		if other, ok := owner[strings.ToLower(s.Schema)]; ok {
			zap.L().Warn("concurrent jobs share a schema", zap.String("schema", s.Schema),
				zap.String("job", s.Name), zap.String("other", other))
			continue
		}
		owner[strings.ToLower(s.Schema)] = s.Name
	}
}

func parseOutput(out *RunOutput) (*core.RunReport, error) {
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	if out.NotebookOutput.Truncated {
		return nil, errors.New("notebook output truncated")
	}
	result := strings.TrimSpace(out.NotebookOutput.Result)
	if result == "" {
		return nil, errors.New("empty notebook output")
	}
	var report core.RunReport
	if err := json.Unmarshal([]byte(result), &report); err != nil {
		return nil, errors.Trace(err)
	}
	return &report, nil
}

func (o *Orchestrator) outcomes(h *JobHandle, report *core.RunReport) []core.Outcome {
	seen := make(map[string]bool, len(report.Outcomes))
	outcomes := make([]core.Outcome, 0, len(report.Outcomes))
	for _, oc := range report.Outcomes {
		oc.Source = core.EnvServerlessJob
		if oc.Principal == "" {
			oc.Principal = h.Spec.RunAs
		}
		seen[oc.ID] = true
		outcomes = append(outcomes, oc)
	}
	now := time.Now().UTC()
	for _, id := range h.Spec.ExpectedCases {
		if !seen[id] {
			outcomes = append(outcomes, o.errored(h, id, "not reported by job", now))
		}
	}
	return outcomes
}

func (o *Orchestrator) erroredAll(h *JobHandle, detail string) []core.Outcome {
	now := time.Now().UTC()
	outcomes := make([]core.Outcome, 0, len(h.Spec.ExpectedCases))
	for _, id := range h.Spec.ExpectedCases {
		outcomes = append(outcomes, o.errored(h, id, detail, now))
	}
	return outcomes
}

func (o *Orchestrator) errored(h *JobHandle, id, detail string, at time.Time) core.Outcome {
	category, ok := h.Spec.Categories[id]
	if !ok {
		category = core.CategoryJobsContext
	}
	return core.Outcome{
		ID:         id,
		Category:   category,
		Status:     core.StatusErrored,
		Error:      detail,
		Source:     core.EnvServerlessJob,
		Principal:  h.Spec.RunAs,
		FinishedAt: at,
	}
}
