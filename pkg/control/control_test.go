package control

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/session"
)

type fakeSession struct {
	p core.Principal
}

func (s *fakeSession) Principal() core.Principal            { return s.p }
func (s *fakeSession) Exec(context.Context, string) error { return nil }
func (s *fakeSession) Close() error                         { return nil }
func (s *fakeSession) Query(context.Context, string) (*core.ResultSet, error) {
	return &core.ResultSet{Columns: []string{"current_user()"}, Rows: [][]string{{string(s.p)}}}, nil
}

func fakeOpener(opens *atomic.Int64) Opener {
	return OpenFunc(func(_ context.Context, p core.Principal) (Session, error) {
		opens.Inc()
		return &fakeSession{p: p}, nil
	})
}

func passingCase(id string) core.TestCase {
	return core.TestCase{
		ID:       id,
		Category: core.CategoryCoreImpersonation,
		Body: func(ctx context.Context, env core.Env) (*core.Result, error) {
			s, err := env.Session(ctx, env.Caller())
			if err != nil {
				return nil, err
			}
			rs, err := s.Query(ctx, "SELECT current_user()")
			if err != nil {
				return nil, err
			}
			return &core.Result{Payload: rs}, nil
		},
	}
}

func TestRunMoreCasesThanWorkers(t *testing.T) {
	var opens atomic.Int64
	c := NewController(&Config{}, fakeOpener(&opens))

	var cases []core.TestCase
	for i := 0; i < 25; i++ {
		cases = append(cases, passingCase(fmt.Sprintf("TC-%02d", i)))
	}
	report := c.Run(context.Background(), cases, 4)

	require.Len(t, report.Outcomes, 25)
	seen := make(map[string]bool)
	for _, o := range report.Outcomes {
		require.False(t, seen[o.ID], "duplicate outcome %s", o.ID)
		seen[o.ID] = true
		require.Equal(t, core.StatusPassed, o.Status)
		require.Equal(t, core.EnvLocalWarehouse, o.Source)
		require.False(t, o.FinishedAt.IsZero())
	}
	require.LessOrEqual(t, opens.Load(), int64(4))
	require.Empty(t, report.Fatal)
	require.NotEmpty(t, report.RunID)
}

func TestRunPanicYieldsOneErroredOutcome(t *testing.T) {
	var opens atomic.Int64
	pc := NewPanicCheck(true)
	c := NewController(&Config{}, fakeOpener(&opens), pc)

	cases := []core.TestCase{passingCase("TC-01"), passingCase("TC-02"), {
		ID:       "TC-BOOM",
		Category: core.CategoryNegative,
		Body: func(context.Context, core.Env) (*core.Result, error) {
			panic("boom")
		},
	}, passingCase("TC-03"), passingCase("TC-04")}

	report := c.Run(context.Background(), cases, 2)
	require.Len(t, report.Outcomes, 5)

	s := report.Summary()
	require.Equal(t, 4, s.Passed)
	require.Equal(t, 1, s.Errored)
	o, ok := report.Outcome("TC-BOOM")
	require.True(t, ok)
	require.Equal(t, core.StatusErrored, o.Status)
	require.Equal(t, "panic: boom", o.Error)

	require.Len(t, pc.Records(), 1)
	require.Equal(t, "TC-BOOM", pc.Records()[0].Case)
}

func TestRunClassifiesErrors(t *testing.T) {
	var opens atomic.Int64
	c := NewController(&Config{}, fakeOpener(&opens))
	cases := []core.TestCase{{
		ID:       "TC-FAIL",
		Category: core.CategoryCoreImpersonation,
		Body: func(context.Context, core.Env) (*core.Result, error) {
			return nil, core.Failf("owner", "caller", "definer context not applied")
		},
	}, {
		ID:       "TC-ERR",
		Category: core.CategoryCoreImpersonation,
		Body: func(context.Context, core.Env) (*core.Result, error) {
			return nil, fmt.Errorf("PERMISSION_DENIED")
		},
	}}
	report := c.Run(context.Background(), cases, 0)

	failed, _ := report.Outcome("TC-FAIL")
	require.Equal(t, core.StatusFailed, failed.Status)
	require.Equal(t, "owner", failed.Expected)
	require.Equal(t, "caller", failed.Actual)

	errored, _ := report.Outcome("TC-ERR")
	require.Equal(t, core.StatusErrored, errored.Status)
	require.Contains(t, errored.Error, "PERMISSION_DENIED")
}

func TestRunIsDeterministic(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	cfg := &config.Config{Driver: config.DriverMySQL, ConnectRetries: 1, QueryTimeout: time.Second}
	mgr := session.NewManagerWithDialer(cfg, func(context.Context, core.Principal, string, string) (*sql.DB, error) {
		return db, nil
	})
	opener := OpenFunc(func(ctx context.Context, p core.Principal) (Session, error) {
		s, err := mgr.Open(ctx, p, "", "bugbash")
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	identity := core.TestCase{
		ID:       "TC-01",
		Category: core.CategoryCoreImpersonation,
		Body: func(ctx context.Context, env core.Env) (*core.Result, error) {
			s, err := env.Session(ctx, core.PrincipalUser)
			if err != nil {
				return nil, err
			}
			rs, err := s.Query(ctx, "SELECT current_user()")
			if err != nil {
				return nil, err
			}
			if v, _ := rs.Scalar(); v != "owner@example.com" {
				return nil, core.Failf("owner@example.com", v, "unexpected identity")
			}
			return &core.Result{Payload: rs, Actual: rs.String()}, nil
		},
	}

	var statuses []core.Status
	for i := 0; i < 2; i++ {
		mock.ExpectExec("USE `bugbash`").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT current_user()").
			WillReturnRows(sqlmock.NewRows([]string{"current_user()"}).AddRow("owner@example.com"))
		report := NewController(&Config{}, opener).Run(context.Background(), []core.TestCase{identity}, 1)
		require.Len(t, report.Outcomes, 1)
		statuses = append(statuses, report.Outcomes[0].Status)
	}
	require.Equal(t, []core.Status{core.StatusPassed, core.StatusPassed}, statuses)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStopReportsUnclaimedCases(t *testing.T) {
	var opens atomic.Int64
	var c *Controller
	c = NewController(&Config{}, fakeOpener(&opens))

	stopper := core.TestCase{
		ID:       "TC-STOP",
		Category: core.CategoryConcurrency,
		Body: func(context.Context, core.Env) (*core.Result, error) {
			c.Stop()
			return &core.Result{}, nil
		},
	}
	cases := []core.TestCase{stopper, passingCase("TC-A"), passingCase("TC-B"), passingCase("TC-C")}
	report := c.Run(context.Background(), cases, 1)

	require.True(t, c.Stopped())
	require.Len(t, report.Outcomes, 4)
	first, _ := report.Outcome("TC-STOP")
	require.Equal(t, core.StatusPassed, first.Status)
	for _, id := range []string{"TC-A", "TC-B", "TC-C"} {
		o, ok := report.Outcome(id)
		require.True(t, ok)
		require.Equal(t, core.StatusErrored, o.Status)
		require.Equal(t, ErrStopped, o.Error)
	}
}

func TestConnectionFailureIsNotRetriedPerCase(t *testing.T) {
	var attempts atomic.Int64
	opener := OpenFunc(func(_ context.Context, p core.Principal) (Session, error) {
		attempts.Inc()
		return nil, &core.ConnectionError{Principal: p, Kind: core.ConnUnreachable, Attempts: 3, Err: fmt.Errorf("refused")}
	})
	c := NewController(&Config{}, opener)

	var cases []core.TestCase
	for i := 0; i < 6; i++ {
		cases = append(cases, passingCase(fmt.Sprintf("TC-%d", i)))
	}
	report := c.Run(context.Background(), cases, 2)

	require.Len(t, report.Outcomes, 6)
	for _, o := range report.Outcomes {
		require.Equal(t, core.StatusErrored, o.Status)
		require.True(t, strings.HasPrefix(o.Error, "ConnectionError"), o.Error)
	}
	// one attempt per worker that claimed a case, whatever its case count
	require.GreaterOrEqual(t, attempts.Load(), int64(1))
	require.LessOrEqual(t, attempts.Load(), int64(2))
	require.NotEmpty(t, report.Fatal)
}

func TestPartialConnectivityIsNotFatal(t *testing.T) {
	var opens atomic.Int64
	opener := OpenFunc(func(_ context.Context, p core.Principal) (Session, error) {
		if p == core.PrincipalService {
			return nil, &core.ConnectionError{Principal: p, Kind: core.ConnAuth, Attempts: 1, Err: fmt.Errorf("401")}
		}
		opens.Inc()
		return &fakeSession{p: p}, nil
	})
	service := passingCase("TC-SP")
	service.Body = func(ctx context.Context, env core.Env) (*core.Result, error) {
		if _, err := env.Session(ctx, core.PrincipalUser); err != nil {
			return nil, err
		}
		_, err := env.Session(ctx, core.PrincipalService)
		return nil, err
	}
	leak := &LeakCheck{}
	report := NewController(&Config{}, opener, leak).Run(context.Background(), []core.TestCase{service, passingCase("TC-U")}, 1)

	require.Empty(t, report.Fatal)
	sp, _ := report.Outcome("TC-SP")
	require.Equal(t, core.StatusErrored, sp.Status)
	u, _ := report.Outcome("TC-U")
	require.Equal(t, core.StatusPassed, u.Status)
	require.Equal(t, int64(0), leak.Leaked())
	require.Equal(t, int64(1), opens.Load())
}

func TestWorkersClamp(t *testing.T) {
	require.Equal(t, 1, workers(0, 5))
	require.Equal(t, 3, workers(10, 3))
	require.Equal(t, 4, workers(4, 9))
	require.Equal(t, 1, workers(4, 0))
}
