package store

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

func openTestDB(t *testing.T) *DB {
	db, err := Open("sqlite3", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	// one connection keeps the in-memory database alive
	db.DB.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testReport(id string, at time.Time) *core.RunReport {
	return &core.RunReport{
		RunID:       id,
		Environment: core.EnvLocalWarehouse,
		Principal:   core.PrincipalUser,
		StartedAt:   at,
		EndedAt:     at.Add(time.Minute),
		Outcomes: []core.Outcome{
			{ID: "TC-01", Category: core.CategoryCoreImpersonation, Status: core.StatusPassed, Elapsed: time.Second, Source: core.EnvLocalWarehouse, FinishedAt: at},
			{ID: "TC-17", Category: core.CategoryNegative, Status: core.StatusFailed, Expected: "error", Actual: "1", Source: core.EnvLocalWarehouse, FinishedAt: at},
		},
	}
}

func TestSaveAndGetReport(t *testing.T) {
	db := openTestDB(t)
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.SaveReport(testReport("run-a", at)))
	require.NoError(t, db.SaveReport(testReport("run-b", at.Add(time.Hour))))
	// saving again replaces
	require.NoError(t, db.SaveReport(testReport("run-a", at)))

	runs, err := db.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-b", runs[0].RunID)
	require.Equal(t, 2, runs[1].Total)
	require.Equal(t, 1, runs[1].Failed)

	report, err := db.GetReport("run-a")
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	require.Equal(t, "TC-01", report.Outcomes[0].ID)
	require.Equal(t, time.Second, report.Outcomes[0].Elapsed)

	failed, err := db.FindOutcomes("run-a", core.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "TC-17", failed[0].TestID)

	require.Nil(t, report.Outcomes[1].Payload)
	require.Empty(t, report.Collisions)

	_, err = db.GetReport("missing")
	require.True(t, errors.IsNotFound(err))
}

func TestGetReportKeepsPayloadAndCollisions(t *testing.T) {
	db := openTestDB(t)
	at := time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)
	merged := testReport("merged-1", at)
	merged.Environment = core.EnvMerged
	merged.Outcomes[0].Payload = &core.ResultSet{Columns: []string{"definer", "invoker"}, Rows: [][]string{{"alice", "sp-1234"}}}
	merged.Collisions = []core.Collision{{ID: "TC-01", Sources: []core.Environment{core.EnvLocalWarehouse, core.EnvServerlessJob}, Kept: core.EnvServerlessJob}}
	require.NoError(t, db.SaveReport(merged))

	report, err := db.GetReport("merged-1")
	require.NoError(t, err)
	require.Equal(t, merged.Outcomes[0].Payload, report.Outcomes[0].Payload)
	require.Equal(t, merged.Collisions, report.Collisions)
}
