package jobs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	httputil "github.com/dbsql-qa/definer-bugbash/pkg/util/http"
)

// fakeRun finishes after polls calls of runs/get.
type fakeRun struct {
	jobID    int64
	polls    int
	finishAt int
	result   string
	output   string
}

// fakeJobsAPI is an in-memory Jobs API.
type fakeJobsAPI struct {
	mu         sync.Mutex
	nextID     int64
	jobs       map[int64]CreateJobRequest
	runs       map[int64]*fakeRun
	cancelled  []int64
	deleted    []int64
	failCreate bool
	failRunNow bool

	// defaults for new runs
	finishAt int
	result   string
	output   string
}

func newFakeJobsAPI() *fakeJobsAPI {
	return &fakeJobsAPI{
		nextID:   100,
		jobs:     make(map[int64]CreateJobRequest),
		runs:     make(map[int64]*fakeRun),
		finishAt: 2,
		result:   ResultSuccess,
	}
}

func (f *fakeJobsAPI) serve(t *testing.T) (*Client, func()) {
	r := mux.NewRouter()
	api := r.PathPrefix(apiPrefix).Subrouter()
	api.HandleFunc("/create", f.create).Methods(http.MethodPost)
	api.HandleFunc("/run-now", f.runNow).Methods(http.MethodPost)
	api.HandleFunc("/runs/get", f.getRun).Methods(http.MethodGet)
	api.HandleFunc("/runs/get-output", f.getOutput).Methods(http.MethodGet)
	api.HandleFunc("/runs/cancel", f.cancel).Methods(http.MethodPost)
	api.HandleFunc("/delete", f.delete).Methods(http.MethodPost)
	api.HandleFunc("/list", f.list).Methods(http.MethodGet)
	srv := httptest.NewServer(r)
	return NewClientWithHTTP(srv.URL, httputil.NewHTTPClient(srv.Client(), httputil.WithBearerToken("dapi-test"))), srv.Close
}

func (f *fakeJobsAPI) create(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		http.Error(w, `{"error_code":"INVALID_PARAMETER_VALUE"}`, http.StatusBadRequest)
		return
	}
	f.nextID++
	f.jobs[f.nextID] = req
	writeJSON(w, createJobResponse{JobID: f.nextID})
}

func (f *fakeJobsAPI) runNow(w http.ResponseWriter, r *http.Request) {
	var req runNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRunNow {
		http.Error(w, `{"error_code":"TEMPORARILY_UNAVAILABLE"}`, http.StatusInternalServerError)
		return
	}
	if _, ok := f.jobs[req.JobID]; !ok {
		http.Error(w, "no such job", http.StatusNotFound)
		return
	}
	f.nextID++
	f.runs[f.nextID] = &fakeRun{jobID: req.JobID, finishAt: f.finishAt, result: f.result, output: f.output}
	writeJSON(w, runNowResponse{RunID: f.nextID})
}

func (f *fakeJobsAPI) run(r *http.Request) (int64, *fakeRun) {
	id, _ := strconv.ParseInt(r.URL.Query().Get("run_id"), 10, 64)
	return id, f.runs[id]
}

func (f *fakeJobsAPI) getRun(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, run := f.run(r)
	if run == nil {
		http.Error(w, "no such run", http.StatusNotFound)
		return
	}
	run.polls++
	resp := Run{JobID: run.jobID, RunID: id, RunPageURL: fmt.Sprintf("https://example/run/%d", id)}
	if run.polls >= run.finishAt {
		resp.State = RunState{LifeCycleState: LifeCycleTerminated, ResultState: run.result}
	} else {
		resp.State = RunState{LifeCycleState: LifeCycleRunning}
	}
	resp.Tasks = []TaskRun{{RunID: id + 1000, TaskKey: "run_tests", State: resp.State}}
	writeJSON(w, resp)
}

func (f *fakeJobsAPI) getOutput(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := strconv.ParseInt(r.URL.Query().Get("run_id"), 10, 64)
	run := f.runs[id-1000]
	if run == nil {
		http.Error(w, "output is fetched per task run", http.StatusBadRequest)
		return
	}
	writeJSON(w, RunOutput{NotebookOutput: NotebookOutput{Result: run.output}})
}

func (f *fakeJobsAPI) cancel(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, req.RunID)
	if run := f.runs[req.RunID]; run != nil {
		run.finishAt = 0
		run.result = ResultCanceled
	}
	writeJSON(w, struct{}{})
}

func (f *fakeJobsAPI) delete(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, req.JobID)
	f.deleted = append(f.deleted, req.JobID)
	writeJSON(w, struct{}{})
}

// list serves one job per page.
func (f *fakeJobsAPI) list(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id := range f.jobs {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] < ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page_token"))
	var resp listJobsResponse
	if page < len(ids) {
		j := Job{JobID: ids[page]}
		j.Settings.Name = f.jobs[ids[page]].Name
		resp.Jobs = []Job{j}
	}
	if page+1 < len(ids) {
		resp.HasMore = true
		resp.NextPageToken = strconv.Itoa(page + 1)
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
