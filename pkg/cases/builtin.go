package cases

import (
	"fmt"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// definerProc renders the CREATE statement of a DEFINER procedure.
func definerProc(name, params, body string) string {
	return fmt.Sprintf(`CREATE PROCEDURE {{fqn %q}}(%s)
SQL SECURITY DEFINER
BEGIN
  %s
END`, name, params, body)
}

func grantExecute(name string) string {
	return fmt.Sprintf("GRANT EXECUTE ON PROCEDURE {{fqn %q}} TO {{quote .ServiceIdentity}}", name)
}

func dropProc(name string) string {
	return fmt.Sprintf("DROP PROCEDURE IF EXISTS {{fqn %q}}", name)
}

func dropTable(name string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS {{fqn %q}}", name)
}

// Specs returns the declarative built-in cases.
func Specs() []Spec {
	return []Spec{
		{
			ID:          "TC-02",
			Description: "Permission elevation: a revoked table is readable only through the owner's procedure",
			Category:    string(core.CategoryObjectAccess),
			Caller:      string(core.PrincipalService),
			Setup: []string{
				`CREATE TABLE {{fqn "restricted_02"}} (id INT, secret STRING)`,
				`INSERT INTO {{fqn "restricted_02"}} VALUES (1, 'a'), (2, 'b'), (3, 'c')`,
				`REVOKE ALL PRIVILEGES ON TABLE {{fqn "restricted_02"}} FROM {{quote .ServiceIdentity}}`,
				definerProc("gateway_02", "", `SELECT COUNT(*) AS row_count FROM {{fqn "restricted_02"}};`),
				grantExecute("gateway_02"),
			},
			Test:     `CALL {{fqn "gateway_02"}}()`,
			Teardown: []string{dropProc("gateway_02"), dropTable("restricted_02")},
			Expect:   Expect{Value: "3"},
		},
		{
			ID:          "TC-03",
			Description: "Identity projection: the procedure reports its owner and reads with the owner's grants",
			Category:    string(core.CategoryCoreImpersonation),
			Caller:      string(core.PrincipalService),
			Setup: []string{
				`CREATE TABLE {{fqn "roles_03"}} (role STRING)`,
				`INSERT INTO {{fqn "roles_03"}} VALUES ('reader'), ('writer')`,
				definerProc("whoami_03", "", `SELECT CURRENT_USER() AS definer, COUNT(*) AS roles FROM {{fqn "roles_03"}};`),
				grantExecute("whoami_03"),
			},
			Test:     `CALL {{fqn "whoami_03"}}()`,
			Teardown: []string{dropProc("whoami_03"), dropTable("roles_03")},
			Expect:   Expect{Contains: "{{.User}}", Pattern: ` 2\]\]$`},
		},
		{
			ID:          "TC-04",
			Description: "Read gateway: aggregated access to a table the caller cannot read",
			Category:    string(core.CategoryObjectAccess),
			Caller:      string(core.PrincipalService),
			Setup: []string{
				`CREATE TABLE {{fqn "sales_04"}} (region STRING, amount INT)`,
				`INSERT INTO {{fqn "sales_04"}} VALUES ('east', 100), ('west', 200), ('north', 300)`,
				definerProc("sales_total_04", "", `SELECT SUM(amount) AS total FROM {{fqn "sales_04"}};`),
				grantExecute("sales_total_04"),
			},
			Test:     `CALL {{fqn "sales_total_04"}}()`,
			Teardown: []string{dropProc("sales_total_04"), dropTable("sales_04")},
			Expect:   Expect{Value: "600"},
		},
		{
			ID:          "TC-07",
			Description: "Nested chain: an outer DEFINER procedure calls an inner one the caller has no grant on",
			Category:    string(core.CategoryNested),
			Caller:      string(core.PrincipalService),
			Setup: []string{
				`CREATE TABLE {{fqn "nested_07"}} (level INT)`,
				`INSERT INTO {{fqn "nested_07"}} VALUES (1), (2)`,
				definerProc("inner_07", "", `SELECT COUNT(*) AS levels FROM {{fqn "nested_07"}};`),
				definerProc("outer_07", "", `CALL {{fqn "inner_07"}}();`),
				grantExecute("outer_07"),
			},
			Test:     `CALL {{fqn "outer_07"}}()`,
			Teardown: []string{dropProc("outer_07"), dropProc("inner_07"), dropTable("nested_07")},
			Expect:   Expect{Value: "2"},
		},
		{
			ID:          "TC-09",
			Description: "Injection safety: a quoted payload stays a parameter value",
			Category:    string(core.CategoryInjection),
			Caller:      string(core.PrincipalService),
			Setup: []string{
				`CREATE TABLE {{fqn "injection_09"}} (id INT, data STRING)`,
				`INSERT INTO {{fqn "injection_09"}} VALUES (1, 'safe_data'), (2, 'other_data')`,
				definerProc("safe_proc_09", "user_input STRING",
					`SELECT COUNT(*) AS matched FROM {{fqn "injection_09"}} WHERE data = user_input;`),
				grantExecute("safe_proc_09"),
			},
			Test:     `CALL {{fqn "safe_proc_09"}}({{literal "safe_data' OR '1'='1"}})`,
			Teardown: []string{dropProc("safe_proc_09"), dropTable("injection_09")},
			Expect:   Expect{Value: "0"},
		},
		{
			ID:          "TC-11",
			Description: "Error transparency: a missing object is reported without leaking owner details",
			Category:    string(core.CategoryNegative),
			Caller:      string(core.PrincipalService),
			Setup: []string{
				definerProc("error_proc_11", "", `SELECT * FROM {{fqn "nonexistent_table_11"}};`),
				grantExecute("error_proc_11"),
			},
			Test:       `CALL {{fqn "error_proc_11"}}()`,
			Teardown:   []string{dropProc("error_proc_11")},
			ShouldFail: true,
			Expect:     Expect{Pattern: `(?i)nonexistent|not found|TABLE_OR_VIEW_NOT_FOUND`},
		},
		{
			ID:          "TC-12",
			Description: "Audit attribution: rows written inside the procedure carry the owner's identity",
			Category:    string(core.CategoryObservability),
			Caller:      string(core.PrincipalService),
			Setup: []string{
				`CREATE TABLE {{fqn "audit_12"}} (id INT, who STRING)`,
				definerProc("audit_proc_12", "",
					`INSERT INTO {{fqn "audit_12"}} VALUES (1, CURRENT_USER());
  SELECT who FROM {{fqn "audit_12"}};`),
				grantExecute("audit_proc_12"),
			},
			Test:     `CALL {{fqn "audit_proc_12"}}()`,
			Teardown: []string{dropProc("audit_proc_12"), dropTable("audit_12")},
			Expect:   Expect{Value: "{{.User}}"},
		},
		{
			ID:          "TC-13",
			Description: "Namespace context: the procedure resolves the catalog and schema it was created in",
			Category:    string(core.CategoryUnityCatalog),
			Caller:      string(core.PrincipalService),
			Setup: []string{
				definerProc("namespace_proc_13", "", `SELECT CURRENT_CATALOG() AS catalog, CURRENT_SCHEMA() AS schema;`),
				grantExecute("namespace_proc_13"),
			},
			Test:     `CALL {{fqn "namespace_proc_13"}}()`,
			Teardown: []string{dropProc("namespace_proc_13")},
			Expect:   Expect{Value: "[[{{.Catalog}} {{.Schema}}]]"},
		},
		{
			ID:          "TC-17",
			Description: "No implicit grant: a caller without EXECUTE cannot call the procedure",
			Category:    string(core.CategoryNegative),
			Caller:      string(core.PrincipalService),
			Setup: []string{
				definerProc("private_proc_17", "", `SELECT CURRENT_USER() AS definer;`),
			},
			Test:       `CALL {{fqn "private_proc_17"}}()`,
			Teardown:   []string{dropProc("private_proc_17")},
			ShouldFail: true,
			Expect:     Expect{Pattern: `(?i)permission|privilege|denied|not authorized`},
		},
		{
			ID:          "TC-JOB-01",
			Description: "Jobs context: statements run as the identity the job runs as",
			Category:    string(core.CategoryJobsContext),
			Test:        `SELECT current_user()`,
			Expect:      Expect{Value: "{{.Invoker}}"},
		},
	}
}

// Builtin returns the built-in catalog in registration order.
func Builtin() []core.TestCase {
	out := []core.TestCase{
		{
			ID:          "TC-01",
			Description: "Identity resolution: a DEFINER procedure runs as its owner, an INVOKER one as the caller",
			Category:    core.CategoryCoreImpersonation,
			Principals:  []core.Principal{core.PrincipalUser, core.PrincipalService},
			Body:        definerVersusInvoker,
		},
	}
	for _, s := range Specs() {
		tc, err := s.TestCase()
		if err != nil {
			panic(fmt.Sprintf("built-in case %s: %v", s.ID, err))
		}
		out = append(out, tc)
	}
	return append(out, core.TestCase{
		ID:          "TC-26",
		Description: "Concurrent revoke: calls racing a REVOKE see either the full result or a denial",
		Category:    core.CategoryConcurrency,
		Principals:  []core.Principal{core.PrincipalUser, core.PrincipalService},
		Body:        concurrentRevoke,
	})
}

// Register adds the built-in catalog to r.
func Register(r *core.Registry) {
	r.Add(Builtin()...)
}
