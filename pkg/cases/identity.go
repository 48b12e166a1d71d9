package cases

import (
	"context"
	"fmt"
	"strconv"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/session"
	"github.com/dbsql-qa/definer-bugbash/util"
)

// grantedCall is a procedure owned by the user and granted to the service
// identity. Statements are plain SQL, already rendered.
type grantedCall struct {
	setup    []string
	call     string
	teardown []string
}

func (g *grantedCall) prepare(ctx context.Context, id string, owner core.Session) (func(), error) {
	cleanup := func() {
		runTeardown(ctx, id, owner, func(i int) (string, error) { return g.teardown[i], nil }, len(g.teardown))
	}
	for i, stmt := range g.setup {
		if err := owner.Exec(ctx, stmt); err != nil {
			cleanup()
			return nil, errors.Annotatef(err, "setup statement %d", i+1)
		}
	}
	return cleanup, nil
}

func sessions(ctx context.Context, env core.Env) (owner, caller core.Session, err error) {
	if owner, err = env.Session(ctx, core.PrincipalUser); err != nil {
		return nil, nil, errors.Trace(err)
	}
	if caller, err = env.Session(ctx, core.PrincipalService); err != nil {
		return nil, nil, errors.Trace(err)
	}
	return owner, caller, nil
}

func scalar(rs *core.ResultSet, what string) (string, error) {
	v, ok := rs.Scalar()
	if !ok {
		return "", core.Failf("a single value", rs.String(), "%s returned an unexpected shape", what)
	}
	return v, nil
}

// identityProcs returns the statements of two procedures that differ only
// in their SQL SECURITY clause and both report CURRENT_USER().
func identityProcs(fx core.Fixture) (definer, invoker string, g grantedCall) {
	definer = FQN(fx, "definer_identity_01")
	invoker = FQN(fx, "invoker_identity_01")
	grantee := session.Quote(fx.ServiceIdentity)
	g = grantedCall{
		setup: []string{
			fmt.Sprintf("CREATE PROCEDURE %s() SQL SECURITY DEFINER BEGIN SELECT CURRENT_USER() AS captured_user; END", definer),
			fmt.Sprintf("CREATE PROCEDURE %s() SQL SECURITY INVOKER BEGIN SELECT CURRENT_USER() AS captured_user; END", invoker),
			fmt.Sprintf("GRANT EXECUTE ON PROCEDURE %s TO %s", definer, grantee),
			fmt.Sprintf("GRANT EXECUTE ON PROCEDURE %s TO %s", invoker, grantee),
		},
		teardown: []string{
			"DROP PROCEDURE IF EXISTS " + definer,
			"DROP PROCEDURE IF EXISTS " + invoker,
		},
	}
	return definer, invoker, g
}

// definerVersusInvoker has the service identity call a DEFINER and an
// otherwise identical INVOKER procedure. The first must report the owner,
// the second the caller.
func definerVersusInvoker(ctx context.Context, env core.Env) (*core.Result, error) {
	fx := env.Fixture()
	definerProc, invokerProc, g := identityProcs(fx)

	owner, caller, err := sessions(ctx, env)
	if err != nil {
		return nil, err
	}
	cleanup, err := g.prepare(ctx, "TC-01", owner)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rs, err := caller.Query(ctx, fmt.Sprintf("CALL %s()", definerProc))
	if err != nil {
		return nil, errors.Annotate(err, "call definer procedure")
	}
	definer, err := scalar(rs, "definer procedure")
	if err != nil {
		return nil, err
	}
	if rs, err = caller.Query(ctx, fmt.Sprintf("CALL %s()", invokerProc)); err != nil {
		return nil, errors.Annotate(err, "call invoker procedure")
	}
	invoker, err := scalar(rs, "invoker procedure")
	if err != nil {
		return nil, err
	}

	payload := &core.ResultSet{Columns: []string{"definer", "invoker"}, Rows: [][]string{{definer, invoker}}}
	switch {
	case definer != fx.User:
		return nil, core.Failf(fx.User, definer, "definer procedure did not run as its owner")
	case invoker != fx.ServiceIdentity:
		return nil, core.Failf(fx.ServiceIdentity, invoker, "invoker procedure did not run as its caller")
	case definer == invoker:
		return nil, core.Failf("owner != caller", payload.String(), "owner and caller are the same identity")
	}
	return &core.Result{Payload: payload, Expected: fx.User, Actual: definer}, nil
}

const (
	revokeRaceCalls = 8
	revokeRaceRows  = 2
)

// concurrentRevoke lets the service identity call a granted procedure in a
// loop while the owner revokes EXECUTE after the first call returns. Every
// call must either see the full table or be denied, and a call after the
// revoke has completed must be denied.
func concurrentRevoke(ctx context.Context, env core.Env) (*core.Result, error) {
	fx := env.Fixture()
	table := FQN(fx, "toctou_26")
	proc := FQN(fx, "toctou_proc_26")
	sp := session.Quote(fx.ServiceIdentity)
	g := grantedCall{
		setup: []string{
			fmt.Sprintf("CREATE TABLE %s (data STRING)", table),
			fmt.Sprintf("INSERT INTO %s VALUES ('a'), ('b')", table),
			fmt.Sprintf("CREATE PROCEDURE %s() SQL SECURITY DEFINER BEGIN SELECT COUNT(*) AS row_count FROM %s; END", proc, table),
			fmt.Sprintf("GRANT EXECUTE ON PROCEDURE %s TO %s", proc, sp),
		},
		call:     fmt.Sprintf("CALL %s()", proc),
		teardown: []string{"DROP PROCEDURE IF EXISTS " + proc, "DROP TABLE IF EXISTS " + table},
	}
	revoke := fmt.Sprintf("REVOKE EXECUTE ON PROCEDURE %s FROM %s", proc, sp)
	want := strconv.Itoa(revokeRaceRows)

	owner, caller, err := sessions(ctx, env)
	if err != nil {
		return nil, err
	}
	cleanup, err := g.prepare(ctx, "TC-26", owner)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var granted, denied int
	firstCall := make(chan struct{})
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for i := 0; i < revokeRaceCalls; i++ {
			rs, err := caller.Query(egCtx, g.call)
			if i == 0 {
				close(firstCall)
			}
			switch {
			case err == nil:
				if got := rs.String(); got != want {
					return core.Failf(want, got, "call %d saw a partial result", i+1)
				}
				granted++
			case util.IsPermissionDenied(err):
				denied++
			default:
				return errors.Annotatef(err, "call %d", i+1)
			}
		}
		return nil
	})
	eg.Go(func() error {
		select {
		case <-firstCall:
		case <-egCtx.Done():
			return egCtx.Err()
		}
		return errors.Annotate(owner.Exec(egCtx, revoke), "revoke")
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	rs, err := caller.Query(ctx, g.call)
	if err == nil {
		return nil, core.Failf("permission denied", rs.String(), "call after revoke still succeeded")
	}
	if !util.IsPermissionDenied(err) {
		return nil, errors.Annotate(err, "call after revoke")
	}
	payload := &core.ResultSet{
		Columns: []string{"granted", "denied"},
		Rows:    [][]string{{strconv.Itoa(granted), strconv.Itoa(denied)}},
	}
	return &core.Result{Payload: payload, Expected: "denied after revoke", Actual: errors.Cause(err).Error()}, nil
}
