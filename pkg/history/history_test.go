package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

var t0 = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func outcome(id string, status core.Status, src core.Environment, at time.Time) core.Outcome {
	return core.Outcome{
		ID:         id,
		Category:   core.CategoryCoreImpersonation,
		Status:     status,
		Elapsed:    time.Second,
		Source:     src,
		FinishedAt: at,
	}
}

func sampleReport() *core.RunReport {
	return &core.RunReport{
		RunID:       "run-1",
		Environment: core.EnvLocalWarehouse,
		Principal:   core.PrincipalUser,
		StartedAt:   t0,
		EndedAt:     t0.Add(time.Minute),
		Outcomes: []core.Outcome{
			outcome("TC-01", core.StatusPassed, core.EnvLocalWarehouse, t0.Add(10*time.Second)),
			outcome("TC-02", core.StatusFailed, core.EnvLocalWarehouse, t0.Add(20*time.Second)),
			outcome("TC-03", core.StatusErrored, core.EnvLocalWarehouse, t0.Add(30*time.Second)),
		},
	}
}

func TestRecordAndReadReport(t *testing.T) {
	dir := t.TempDir()
	report := sampleReport()
	report.Outcomes[0].Payload = &core.ResultSet{Columns: []string{"current_user()"}, Rows: [][]string{{"owner@example.com"}}}
	report.Outcomes[1].Expected = "owner@example.com"
	report.Outcomes[1].Actual = "caller@example.com"

	name, err := WriteReport(filepath.Join(dir, "logs"), report)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "logs", "local-warehouse-run-1.jsonl"), name)

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	require.Len(t, lines, 5)
	var last map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[4], &last))
	require.Equal(t, KindSummary, last["kind"])

	back, err := ReadReport(name)
	require.NoError(t, err)
	require.Equal(t, report.RunID, back.RunID)
	require.Equal(t, report.Environment, back.Environment)
	require.True(t, report.StartedAt.Equal(back.StartedAt))
	require.Len(t, back.Outcomes, 3)
	require.Equal(t, "owner@example.com", back.Outcomes[0].Payload.String())
	require.Equal(t, "caller@example.com", back.Outcomes[1].Actual)
	require.Equal(t, report.Summary(), back.Summary())
}

func TestReadReportRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "bad.jsonl")
	require.NoError(t, os.WriteFile(name, []byte(`{"kind":"outcome","outcome":{"test_id":"TC-01"}}`+"\n"), 0644))
	_, err := ReadReport(name)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no run record")

	require.NoError(t, os.WriteFile(name, []byte("not json\n"), 0644))
	_, err = ReadReport(name)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad.jsonl:1")
}

func TestMergeWithItselfKeepsSummary(t *testing.T) {
	r := sampleReport()
	merged := Merge(r, r)
	require.Equal(t, r.Summary(), merged.Summary())
	require.Equal(t, core.EnvMerged, merged.Environment)
	require.Len(t, merged.Collisions, 3)
	require.Equal(t, core.PrincipalUser, merged.Principal)
}

func TestMergeKeepsLatestOutcome(t *testing.T) {
	local := sampleReport()
	remote := &core.RunReport{
		RunID:       "run-2",
		Environment: core.EnvServerlessJob,
		Principal:   core.PrincipalService,
		StartedAt:   t0.Add(-time.Minute),
		EndedAt:     t0.Add(2 * time.Minute),
		Outcomes: []core.Outcome{
			outcome("TC-JOB-01", core.StatusPassed, core.EnvServerlessJob, t0.Add(5*time.Second)),
			// later than the local run
			outcome("TC-02", core.StatusPassed, core.EnvServerlessJob, t0.Add(90*time.Second)),
			// earlier than the local run
			outcome("TC-03", core.StatusPassed, core.EnvServerlessJob, t0),
		},
	}

	merged := Merge(local, remote)
	require.Equal(t, []string{"TC-01", "TC-02", "TC-03", "TC-JOB-01"}, ids(merged))
	tc02, _ := merged.Outcome("TC-02")
	require.Equal(t, core.EnvServerlessJob, tc02.Source)
	require.Equal(t, core.StatusPassed, tc02.Status)
	tc03, _ := merged.Outcome("TC-03")
	require.Equal(t, core.EnvLocalWarehouse, tc03.Source)
	require.Equal(t, core.StatusErrored, tc03.Status)

	require.Equal(t, []core.Collision{
		{ID: "TC-02", Sources: []core.Environment{core.EnvLocalWarehouse, core.EnvServerlessJob}, Kept: core.EnvServerlessJob},
		{ID: "TC-03", Sources: []core.Environment{core.EnvLocalWarehouse, core.EnvServerlessJob}, Kept: core.EnvLocalWarehouse},
	}, merged.Collisions)
	require.True(t, merged.StartedAt.Equal(t0.Add(-time.Minute)))
	require.True(t, merged.EndedAt.Equal(t0.Add(2*time.Minute)))
	require.Empty(t, merged.Principal)
}

func TestMergeTieGoesToLaterInput(t *testing.T) {
	a := &core.RunReport{Environment: core.EnvLocalWarehouse, Outcomes: []core.Outcome{
		outcome("TC-01", core.StatusFailed, core.EnvLocalWarehouse, t0),
	}}
	b := &core.RunReport{Environment: core.EnvServerlessJob, Outcomes: []core.Outcome{
		outcome("TC-01", core.StatusPassed, core.EnvServerlessJob, t0),
	}}
	merged := Merge(a, b)
	require.Len(t, merged.Outcomes, 1)
	require.Equal(t, core.StatusPassed, merged.Outcomes[0].Status)
	require.Equal(t, core.StatusFailed, Merge(b, a).Outcomes[0].Status)
}

func TestWriteJSONAndSummary(t *testing.T) {
	dir := t.TempDir()
	report := sampleReport()
	report.Outcomes[2].Error = "ConnectionError: open session for user failed"
	name := filepath.Join(dir, "report.json")
	require.NoError(t, WriteJSON(name, report))

	data, err := os.ReadFile(name)
	require.NoError(t, err)
	var doc struct {
		RunID   string       `json:"run_id"`
		Summary core.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, "run-1", doc.RunID)
	require.Equal(t, 3, doc.Summary.Total)
	require.Equal(t, 1, doc.Summary.Passed)

	var buf bytes.Buffer
	PrintSummary(&buf, report)
	out := buf.String()
	require.Contains(t, out, "Total Tests:   3")
	require.Contains(t, out, "Passed:        1 (33.3%)")
	require.Contains(t, out, "TC-02 [failed]")
	require.Contains(t, out, "Error: ConnectionError")
	require.NotContains(t, out, "TC-01 [")
}

func ids(r *core.RunReport) []string {
	var out []string
	for _, o := range r.Outcomes {
		out = append(out, o.ID)
	}
	return out
}

func TestMergeDoesNotAliasPayload(t *testing.T) {
	r := &core.RunReport{RunID: "p", Environment: core.EnvLocalWarehouse, Outcomes: []core.Outcome{{
		ID: "TC-04", Status: core.StatusPassed, FinishedAt: t0,
		Payload: &core.ResultSet{Columns: []string{"total"}, Rows: [][]string{{"600"}}},
	}}}
	merged := Merge(r)
	merged.Outcomes[0].Payload.Rows[0][0] = "0"
	require.Equal(t, "600", r.Outcomes[0].Payload.Rows[0][0])
}

func TestLatencyOf(t *testing.T) {
	var outcomes []core.Outcome
	for i := 1; i <= 100; i++ {
		outcomes = append(outcomes, core.Outcome{ID: fmt.Sprint(i), Elapsed: time.Duration(i) * time.Millisecond})
	}
	outcomes = append(outcomes, core.Outcome{ID: "stopped"})
	l := LatencyOf(outcomes)
	require.Equal(t, int64(100), l.Count)
	require.InDelta(t, float64(50*time.Millisecond), float64(l.P50), float64(time.Millisecond))
	require.InDelta(t, float64(95*time.Millisecond), float64(l.P95), float64(time.Millisecond))
	require.InDelta(t, float64(100*time.Millisecond), float64(l.Max), float64(time.Millisecond))
	require.Equal(t, int64(0), LatencyOf(nil).Count)
}

func TestTruncateKeepsRunes(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "ab...", truncate("ab€cd", 3))
	require.Equal(t, "ab€...", truncate("ab€cd", 5))
}
