package cases

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/session"
)

var done = sqlmock.NewResult(0, 0)

// mockEnv hands out sessions backed by one sqlmock per principal.
type mockEnv struct {
	mgr     *session.Manager
	mocks   map[core.Principal]sqlmock.Sqlmock
	fixture core.Fixture
	caller  core.Principal
	open    map[core.Principal]core.Session
}

func newMockEnv(t *testing.T) *mockEnv {
	cfg := &config.Config{
		Driver:          config.DriverDatabricks,
		ServerHostname:  "example.cloud.databricks.com",
		HTTPPath:        "/sql/1.0/warehouses/abc",
		User:            "alice@example.com",
		UserToken:       "dapi-user",
		ServiceIdentity: "sp-1234",
		ServiceToken:    "dapi-sp",
		Catalog:         "main",
		Schema:          "bugbash",
		QueryTimeout:    time.Second,
		ConnectRetries:  1,
		ConnectBackoff:  time.Millisecond,
	}
	dbs := make(map[core.Principal]*sql.DB)
	env := &mockEnv{
		mocks: make(map[core.Principal]sqlmock.Sqlmock),
		fixture: core.Fixture{
			Catalog:         "main",
			Schema:          "bugbash",
			User:            "alice@example.com",
			ServiceIdentity: "sp-1234",
			Prefix:          "bb_",
		},
		caller: core.PrincipalUser,
		open:   make(map[core.Principal]core.Session),
	}
	for _, p := range []core.Principal{core.PrincipalUser, core.PrincipalService} {
		db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
		require.NoError(t, err)
		dbs[p] = db
		env.mocks[p] = mock
		mock.ExpectExec("USE CATALOG `main`").WillReturnResult(done)
		mock.ExpectExec("USE SCHEMA `bugbash`").WillReturnResult(done)
	}
	env.mgr = session.NewManagerWithDialer(cfg, func(_ context.Context, p core.Principal, _, _ string) (*sql.DB, error) {
		return dbs[p], nil
	})
	return env
}

func (e *mockEnv) Session(ctx context.Context, p core.Principal) (core.Session, error) {
	if s, ok := e.open[p]; ok {
		return s, nil
	}
	s, err := e.mgr.Open(ctx, p, e.fixture.Catalog, e.fixture.Schema)
	if err != nil {
		return nil, err
	}
	e.open[p] = s
	return s, nil
}

func (e *mockEnv) Caller() core.Principal { return e.caller }

func (e *mockEnv) Fixture() core.Fixture { return e.fixture }

func (e *mockEnv) owner() sqlmock.Sqlmock { return e.mocks[core.PrincipalUser] }

func (e *mockEnv) service() sqlmock.Sqlmock { return e.mocks[core.PrincipalService] }

func (e *mockEnv) met(t *testing.T) {
	for p, mock := range e.mocks {
		require.NoError(t, mock.ExpectationsWereMet(), string(p))
	}
}

func builtin(t *testing.T, id string) core.TestCase {
	for _, tc := range Builtin() {
		if tc.ID == id {
			return tc
		}
	}
	t.Fatalf("no built-in case %s", id)
	return core.TestCase{}
}

const (
	definerIdentityProc = "`main`.`bugbash`.`bb_definer_identity_01`"
	invokerIdentityProc = "`main`.`bugbash`.`bb_invoker_identity_01`"
)

func expectIdentitySetup(env *mockEnv) {
	env.owner().ExpectExec("CREATE PROCEDURE " + definerIdentityProc + "() SQL SECURITY DEFINER BEGIN SELECT CURRENT_USER() AS captured_user; END").
		WillReturnResult(done)
	env.owner().ExpectExec("CREATE PROCEDURE " + invokerIdentityProc + "() SQL SECURITY INVOKER BEGIN SELECT CURRENT_USER() AS captured_user; END").
		WillReturnResult(done)
	env.owner().ExpectExec("GRANT EXECUTE ON PROCEDURE " + definerIdentityProc + " TO `sp-1234`").WillReturnResult(done)
	env.owner().ExpectExec("GRANT EXECUTE ON PROCEDURE " + invokerIdentityProc + " TO `sp-1234`").WillReturnResult(done)
	env.owner().ExpectExec("DROP PROCEDURE IF EXISTS " + definerIdentityProc).WillReturnResult(done)
	env.owner().ExpectExec("DROP PROCEDURE IF EXISTS " + invokerIdentityProc).WillReturnResult(done)
}

func expectIdentityCalls(env *mockEnv, definer, invoker string) {
	env.service().ExpectQuery("CALL " + definerIdentityProc + "()").
		WillReturnRows(sqlmock.NewRows([]string{"captured_user"}).AddRow(definer))
	env.service().ExpectQuery("CALL " + invokerIdentityProc + "()").
		WillReturnRows(sqlmock.NewRows([]string{"captured_user"}).AddRow(invoker))
}

func TestDefinerDiffersFromInvoker(t *testing.T) {
	env := newMockEnv(t)
	expectIdentitySetup(env)
	expectIdentityCalls(env, "alice@example.com", "sp-1234")

	res, err := builtin(t, "TC-01").Body(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", res.Expected)
	require.Equal(t, "alice@example.com", res.Actual)
	require.Equal(t, [][]string{{"alice@example.com", "sp-1234"}}, res.Payload.Rows)
	env.met(t)
}

func TestDefinerRunningAsInvokerFails(t *testing.T) {
	env := newMockEnv(t)
	expectIdentitySetup(env)
	expectIdentityCalls(env, "sp-1234", "sp-1234")

	_, err := builtin(t, "TC-01").Body(context.Background(), env)
	fail, ok := core.AsAssertion(err)
	require.True(t, ok, "%v", err)
	require.Equal(t, "alice@example.com", fail.Expected)
	require.Equal(t, "sp-1234", fail.Actual)
	env.met(t)
}

func TestInvokerRunningAsOwnerFails(t *testing.T) {
	env := newMockEnv(t)
	expectIdentitySetup(env)
	expectIdentityCalls(env, "alice@example.com", "alice@example.com")

	_, err := builtin(t, "TC-01").Body(context.Background(), env)
	fail, ok := core.AsAssertion(err)
	require.True(t, ok, "%v", err)
	require.Equal(t, "sp-1234", fail.Expected)
	require.Equal(t, "alice@example.com", fail.Actual)
	env.met(t)
}

func declarative() Spec {
	return Spec{
		ID:       "TC-90",
		Category: string(core.CategoryNegative),
		Caller:   string(core.PrincipalService),
		Setup:    []string{`CREATE TABLE {{fqn "t"}} (id INT)`},
		Test:     `SELECT COUNT(*) FROM {{fqn "t"}} WHERE who = {{literal .Invoker}}`,
		Teardown: []string{`DROP VIEW {{fqn "v"}}`, `DROP TABLE {{fqn "t"}}`},
		Expect:   Expect{Value: "0"},
	}
}

const (
	declSetup = "CREATE TABLE `main`.`bugbash`.`bb_t` (id INT)"
	declTest  = "SELECT COUNT(*) FROM `main`.`bugbash`.`bb_t` WHERE who = 'sp-1234'"
)

func expectDeclTeardown(env *mockEnv) {
	env.owner().ExpectExec("DROP VIEW `main`.`bugbash`.`bb_v`").WillReturnError(fmt.Errorf("view not found"))
	env.owner().ExpectExec("DROP TABLE `main`.`bugbash`.`bb_t`").WillReturnResult(done)
}

func TestDeclarativeTeardownErrorsDoNotFail(t *testing.T) {
	env := newMockEnv(t)
	env.owner().ExpectExec(declSetup).WillReturnResult(done)
	env.service().ExpectQuery(declTest).WillReturnRows(sqlmock.NewRows([]string{"count(1)"}).AddRow(0))
	expectDeclTeardown(env)

	tc, err := declarative().TestCase()
	require.NoError(t, err)
	require.Equal(t, []core.Principal{core.PrincipalUser, core.PrincipalService}, tc.Principals)
	res, err := tc.Body(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, "value=0", res.Expected)
	require.Equal(t, "0", res.Actual)
	env.met(t)
}

func TestDeclarativeMismatchAndSetupError(t *testing.T) {
	env := newMockEnv(t)
	env.owner().ExpectExec(declSetup).WillReturnResult(done)
	env.service().ExpectQuery(declTest).WillReturnRows(sqlmock.NewRows([]string{"count(1)"}).AddRow(4))
	expectDeclTeardown(env)

	tc, err := declarative().TestCase()
	require.NoError(t, err)
	_, err = tc.Body(context.Background(), env)
	fail, ok := core.AsAssertion(err)
	require.True(t, ok, "%v", err)
	require.Equal(t, "0", fail.Expected)
	require.Equal(t, "4", fail.Actual)
	env.met(t)

	env = newMockEnv(t)
	env.owner().ExpectExec(declSetup).WillReturnError(fmt.Errorf("schema is read only"))
	expectDeclTeardown(env)
	_, err = tc.Body(context.Background(), env)
	require.Error(t, err)
	require.False(t, core.IsAssertion(err))
	require.Contains(t, err.Error(), "setup statement 1")
	// the caller session is never needed
	require.Error(t, env.service().ExpectationsWereMet())
	require.NoError(t, env.owner().ExpectationsWereMet())
}

func TestShouldFail(t *testing.T) {
	spec := declarative()
	spec.ShouldFail = true
	spec.Expect = Expect{Contains: "not found"}
	tc, err := spec.TestCase()
	require.NoError(t, err)

	env := newMockEnv(t)
	env.owner().ExpectExec(declSetup).WillReturnResult(done)
	env.service().ExpectQuery(declTest).WillReturnError(fmt.Errorf("[TABLE_OR_VIEW_NOT_FOUND] table Not Found"))
	expectDeclTeardown(env)
	res, err := tc.Body(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, "error", res.Expected)
	require.Contains(t, res.Actual, "TABLE_OR_VIEW_NOT_FOUND")
	env.met(t)

	env = newMockEnv(t)
	env.owner().ExpectExec(declSetup).WillReturnResult(done)
	env.service().ExpectQuery(declTest).WillReturnRows(sqlmock.NewRows([]string{"count(1)"}).AddRow(0))
	expectDeclTeardown(env)
	_, err = tc.Body(context.Background(), env)
	require.True(t, core.IsAssertion(err), "%v", err)
	env.met(t)
}

func TestSpecValidate(t *testing.T) {
	s := Spec{ID: "TC-91", Category: "bogus", Caller: "root", Setup: []string{"{{fqn"}}
	err := s.Validate()
	require.Error(t, err)
	msg := err.Error()
	require.Contains(t, msg, `unknown category "bogus"`)
	require.Contains(t, msg, `unknown principal "root"`)
	require.Contains(t, msg, "empty test statement")
	require.Contains(t, msg, "setup[0]")

	_, err = s.TestCase()
	require.Error(t, err)
}

func TestBuiltinCatalog(t *testing.T) {
	r := core.NewRegistry()
	Register(r)
	all, err := r.LoadAll()
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, tc := range all {
		ids = append(ids, tc.ID)
	}
	require.Equal(t, []string{"TC-01", "TC-02", "TC-03", "TC-04", "TC-07", "TC-09", "TC-11",
		"TC-12", "TC-13", "TC-17", "TC-JOB-01", "TC-26"}, ids)

	fx := core.Fixture{Catalog: "main", Schema: "bugbash", User: "alice@example.com", ServiceIdentity: "sp-1234", Prefix: "bb_"}
	for _, s := range Specs() {
		data := newTemplateData(fx, core.PrincipalService)
		for name, text := range s.templates() {
			_, err := render(s.ID+"/"+name, text, data)
			require.NoError(t, err, "%s %s", s.ID, name)
		}
	}

	stmt, err := render("x", Specs()[4].Test, newTemplateData(fx, core.PrincipalService))
	require.NoError(t, err)
	require.Equal(t, "CALL `main`.`bugbash`.`bb_safe_proc_09`('safe_data'' OR ''1''=''1')", stmt)
}

func TestFQNWithoutCatalog(t *testing.T) {
	require.Equal(t, "`db`.`p_t`", FQN(core.Fixture{Schema: "db", Prefix: "p_"}, "t"))
	require.Equal(t, "'it''s'", Literal("it's"))
}

const revokeProc = "`main`.`bugbash`.`bb_toctou_proc_26`"

func expectRevokeSetup(env *mockEnv) {
	table := "`main`.`bugbash`.`bb_toctou_26`"
	env.owner().ExpectExec("CREATE TABLE " + table + " (data STRING)").WillReturnResult(done)
	env.owner().ExpectExec("INSERT INTO " + table + " VALUES ('a'), ('b')").WillReturnResult(done)
	env.owner().ExpectExec("CREATE PROCEDURE " + revokeProc + "() SQL SECURITY DEFINER BEGIN SELECT COUNT(*) AS row_count FROM " + table + "; END").
		WillReturnResult(done)
	env.owner().ExpectExec("GRANT EXECUTE ON PROCEDURE " + revokeProc + " TO `sp-1234`").WillReturnResult(done)
	env.owner().ExpectExec("REVOKE EXECUTE ON PROCEDURE " + revokeProc + " FROM `sp-1234`").WillReturnResult(done)
	env.owner().ExpectExec("DROP PROCEDURE IF EXISTS " + revokeProc).WillReturnResult(done)
	env.owner().ExpectExec("DROP TABLE IF EXISTS " + table).WillReturnResult(done)
}

func TestConcurrentRevoke(t *testing.T) {
	env := newMockEnv(t)
	expectRevokeSetup(env)
	denied := &mysql.MySQLError{Number: 1370, Message: "execute command denied to user"}
	for i := 0; i < revokeRaceCalls; i++ {
		q := env.service().ExpectQuery("CALL " + revokeProc + "()")
		if i < 3 {
			q.WillReturnRows(sqlmock.NewRows([]string{"row_count"}).AddRow(revokeRaceRows))
		} else {
			q.WillReturnError(denied)
		}
	}
	env.service().ExpectQuery("CALL " + revokeProc + "()").WillReturnError(denied)

	res, err := builtin(t, "TC-26").Body(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"3", "5"}}, res.Payload.Rows)
	require.Contains(t, res.Actual, "denied")
	env.met(t)
}

func TestConcurrentRevokePartialResult(t *testing.T) {
	env := newMockEnv(t)
	expectRevokeSetup(env)
	env.service().ExpectQuery("CALL " + revokeProc + "()").
		WillReturnRows(sqlmock.NewRows([]string{"row_count"}).AddRow(1))

	_, err := builtin(t, "TC-26").Body(context.Background(), env)
	require.True(t, core.IsAssertion(err), "%v", err)
}

const catalog = `
[[case]]
id = "TC-90"
category = "negative"
caller = "service"
setup = ["CREATE TABLE {{fqn \"t\"}} (id INT)"]
test = "SELECT COUNT(*) FROM {{fqn \"t\"}}"
teardown = ["DROP TABLE IF EXISTS {{fqn \"t\"}}"]
[case.expect]
value = "0"

[[case]]
id = "TC-91"
category = "known-issues"
test = "SELECT 1"
should_fail = true
`

func TestDecode(t *testing.T) {
	cases, err := Decode("catalog.toml", catalog)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	require.Equal(t, "TC-90", cases[0].ID)
	require.Equal(t, core.CategoryKnownIssues, cases[1].Category)

	_, err = Decode("bad.toml", "[[case]]\nid = \"TC-92\"\ncategory = \"nope\"\ntest = \"SELECT 1\"\ncolour = \"red\"\n")
	require.True(t, core.IsConfiguration(err))
	require.Contains(t, err.Error(), "unknown keys")
	require.Contains(t, err.Error(), `unknown category "nope"`)

	_, err = Decode("broken.toml", "[[case")
	require.True(t, core.IsConfiguration(err))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.toml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))
	cases, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cases, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.True(t, core.IsConfiguration(err))
}
