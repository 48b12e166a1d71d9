package apiserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

func (m *Manager) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail(w, errors.NewBadRequest(err, "limit"))
			return
		}
		limit = n
	}
	runs, err := m.DB.ListRuns(limit)
	if err != nil {
		fail(w, err)
		return
	}
	okJSON(w, runs)
}

func (m *Manager) getRun(w http.ResponseWriter, r *http.Request) {
	report, err := m.DB.GetReport(mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	okJSON(w, struct {
		*core.RunReport
		Summary core.Summary `json:"summary"`
	}{report, report.Summary()})
}

func (m *Manager) getOutcomes(w http.ResponseWriter, r *http.Request) {
	var status core.Status
	if v := r.URL.Query().Get("status"); v != "" {
		status = core.Status(v)
		switch status {
		case core.StatusPassed, core.StatusFailed, core.StatusErrored:
		default:
			fail(w, errors.BadRequestf("unknown status %q", v))
			return
		}
	}
	outcomes, err := m.DB.FindOutcomes(mux.Vars(r)["id"], status)
	if err != nil {
		fail(w, err)
		return
	}
	okJSON(w, outcomes)
}

// uploadRun stores a report posted as a JSON document, as written by a
// notebook job.
func (m *Manager) uploadRun(w http.ResponseWriter, r *http.Request) {
	var report core.RunReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		fail(w, errors.NewBadRequest(err, "decode report"))
		return
	}
	if report.RunID == "" {
		fail(w, errors.BadRequestf("report without run_id"))
		return
	}
	if err := m.DB.SaveReport(&report); err != nil {
		fail(w, err)
		return
	}
	zap.L().Info("report stored", zap.String("run", report.RunID), zap.Int("outcomes", len(report.Outcomes)))
	ok(w, "success")
}
