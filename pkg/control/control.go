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

package control

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// ErrStopped is the detail of outcomes for cases never claimed because the
// run was stopped.
const ErrStopped = "run stopped"

// Session is a core.Session the controller owns and closes.
type Session interface {
	core.Session
	Close() error
}

// Opener opens the sessions of a worker.
type Opener interface {
	OpenSession(ctx context.Context, p core.Principal) (Session, error)
}

// OpenFunc adapts a function to an Opener.
type OpenFunc func(ctx context.Context, p core.Principal) (Session, error)

// OpenSession implements Opener.
func (f OpenFunc) OpenSession(ctx context.Context, p core.Principal) (Session, error) {
	return f(ctx, p)
}

// Controller runs test cases on a bounded pool of workers. Each worker
// owns its sessions; a single collector appends outcomes to the report.
type Controller struct {
	cfg    *Config
	opener Opener

	plugins []Plugin

	stopped atomic.Bool

	// session bookkeeping, read by plugins
	opened        atomic.Int64
	closed        atomic.Int64
	connectedWork atomic.Int32
	failedWork    atomic.Int32
}

// NewController creates a controller.
func NewController(cfg *Config, opener Opener, plugins ...Plugin) *Controller {
	cfg.adjust()
	c := &Controller{
		cfg:     cfg,
		opener:  opener,
		plugins: plugins,
	}
	for _, plugin := range c.plugins {
		plugin.InitPlugin(c)
	}
	return c
}

// Stop asks workers to finish the case at hand and claim nothing more.
// Safe to call from any goroutine, for example a signal handler.
func (c *Controller) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		zap.L().Warn("stop requested, waiting for running cases")
	}
}

// Stopped returns true after Stop.
func (c *Controller) Stopped() bool {
	return c.stopped.Load()
}

// SessionStats returns how many sessions have been opened and closed.
func (c *Controller) SessionStats() (opened, closed int64) {
	return c.opened.Load(), c.closed.Load()
}

// Run executes cases on min(concurrency, len(cases)) workers and returns
// the report. A non-positive concurrency uses the configured default.
// Every case yields exactly one outcome, in completion order.
func (c *Controller) Run(ctx context.Context, cases []core.TestCase, concurrency int) *core.RunReport {
	report := &core.RunReport{
		RunID:       c.cfg.RunID,
		Environment: c.cfg.Environment,
		Principal:   c.cfg.Caller,
		StartedAt:   time.Now().UTC(),
		Outcomes:    make([]core.Outcome, 0, len(cases)),
	}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}
	if concurrency <= 0 {
		concurrency = c.cfg.Concurrency
	}
	n := workers(concurrency, len(cases))
	total := len(cases)

	queue := make(chan core.TestCase, len(cases))
	for _, tc := range cases {
		queue <- tc
	}
	close(queue)

	zap.L().Info("start run", zap.String("run", report.RunID), zap.Int("cases", total),
		zap.Int("workers", n), zap.String("caller", string(c.cfg.Caller)))

	results := make(chan core.Outcome, n)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for o := range results {
			report.Outcomes = append(report.Outcomes, o)
			c.progress(o, len(report.Outcomes), total)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer wg.Done()
			c.work(ctx, id, queue, results)
		}(i)
	}
	wg.Wait()
	close(results)
	<-collected

	// Whatever is left was never claimed.
	for tc := range queue {
		o := c.stoppedOutcome(tc)
		report.Outcomes = append(report.Outcomes, o)
		c.progress(o, len(report.Outcomes), total)
	}

	if c.connectedWork.Load() == 0 && c.failedWork.Load() > 0 {
		report.Fatal = "total connectivity failure: no worker could open a session"
		zap.L().Error(report.Fatal, zap.String("run", report.RunID))
	}
	report.EndedAt = time.Now().UTC()
	for _, plugin := range c.plugins {
		plugin.Finish(report)
	}
	s := report.Summary()
	zap.L().Info("run finished", zap.String("run", report.RunID), zap.Int("passed", s.Passed),
		zap.Int("failed", s.Failed), zap.Int("errored", s.Errored), zap.Duration("elapsed", report.EndedAt.Sub(report.StartedAt)))
	return report
}

func (c *Controller) progress(o core.Outcome, done, total int) {
	fields := []zap.Field{zap.String("case", o.ID), zap.String("status", string(o.Status)), zap.Duration("elapsed", o.Elapsed)}
	if o.Error != "" {
		fields = append(fields, zap.String("error", o.Error))
	}
	zap.L().Info(fmt.Sprintf("[%d/%d] %s %s", done, total, o.ID, o.Status), fields...)
	for _, plugin := range c.plugins {
		plugin.Observe(o)
	}
}

func (c *Controller) work(ctx context.Context, id int, queue <-chan core.TestCase, results chan<- core.Outcome) {
	env := &workerEnv{
		c:        c,
		sessions: make(map[core.Principal]Session),
		failures: make(map[core.Principal]error),
	}
	defer env.close(id)

	for {
		if c.Stopped() || ctx.Err() != nil {
			return
		}
		tc, ok := <-queue
		if !ok {
			return
		}
		// A stop may land between the check and the claim.
		if c.Stopped() || ctx.Err() != nil {
			results <- c.stoppedOutcome(tc)
			return
		}
		results <- c.execute(ctx, env, tc)
	}
}

func (c *Controller) execute(ctx context.Context, env core.Env, tc core.TestCase) (o core.Outcome) {
	start := time.Now()
	o = core.Outcome{
		ID:        tc.ID,
		Category:  tc.Category,
		Source:    c.cfg.Environment,
		Principal: c.cfg.Caller,
	}
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("case panicked", zap.String("case", tc.ID), zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			o.Status = core.StatusErrored
			o.Error = fmt.Sprintf("panic: %v", r)
		}
		o.Elapsed = time.Since(start)
		o.FinishedAt = time.Now().UTC()
	}()

	res, err := tc.Body(ctx, env)
	if res != nil {
		o.Payload = res.Payload
		o.Expected = res.Expected
		o.Actual = res.Actual
	}
	switch {
	case err == nil:
		o.Status = core.StatusPassed
	case core.IsAssertion(err):
		o.Status = core.StatusFailed
		o.Error = err.Error()
		if af, ok := core.AsAssertion(err); ok {
			if o.Expected == "" {
				o.Expected = af.Expected
			}
			if o.Actual == "" {
				o.Actual = af.Actual
			}
		}
	default:
		o.Status = core.StatusErrored
		o.Error = err.Error()
	}
	return o
}

func (c *Controller) stoppedOutcome(tc core.TestCase) core.Outcome {
	return core.Outcome{
		ID:         tc.ID,
		Category:   tc.Category,
		Status:     core.StatusErrored,
		Error:      ErrStopped,
		Source:     c.cfg.Environment,
		Principal:  c.cfg.Caller,
		FinishedAt: time.Now().UTC(),
	}
}

// workerEnv is the core.Env of one worker. It is used by one goroutine.
type workerEnv struct {
	c        *Controller
	sessions map[core.Principal]Session
	failures map[core.Principal]error
	// connected records whether this worker ever opened a session.
	connected bool
	failed    bool
}

func (w *workerEnv) Caller() core.Principal { return w.c.cfg.Caller }

func (w *workerEnv) Fixture() core.Fixture { return w.c.cfg.Fixture }

func (w *workerEnv) Session(ctx context.Context, p core.Principal) (core.Session, error) {
	if s, ok := w.sessions[p]; ok {
		return s, nil
	}
	// Open already retried, do not try again for later cases.
	if err, ok := w.failures[p]; ok {
		return nil, err
	}
	s, err := w.c.opener.OpenSession(ctx, p)
	if err != nil {
		w.failures[p] = err
		if !w.failed && !w.connected {
			w.c.failedWork.Inc()
		}
		w.failed = true
		return nil, err
	}
	w.c.opened.Inc()
	if !w.connected {
		w.connected = true
		w.c.connectedWork.Inc()
		if w.failed {
			w.c.failedWork.Dec()
		}
	}
	w.sessions[p] = s
	return s, nil
}

func (w *workerEnv) close(id int) {
	var result *multierror.Error
	for p, s := range w.sessions {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, errors.Annotatef(err, "close %s session", p))
		}
		w.c.closed.Inc()
	}
	if err := result.ErrorOrNil(); err != nil {
		zap.L().Warn("close worker sessions", zap.Int("worker", id), zap.Error(err))
	}
}
