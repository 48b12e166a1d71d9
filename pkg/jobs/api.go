package jobs

// Wire types of the Jobs API 2.1, only the fields the harness reads or
// writes.

// CreateJobRequest is the body of jobs/create.
type CreateJobRequest struct {
	Name              string            `json:"name"`
	Tasks             []Task            `json:"tasks"`
	TimeoutSeconds    int64             `json:"timeout_seconds,omitempty"`
	MaxConcurrentRuns int               `json:"max_concurrent_runs,omitempty"`
	RunAs             *RunAs            `json:"run_as,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

// Task is one task of a job.
type Task struct {
	TaskKey           string        `json:"task_key"`
	ExistingClusterID string        `json:"existing_cluster_id,omitempty"`
	NotebookTask      *NotebookTask `json:"notebook_task,omitempty"`
	TimeoutSeconds    int64         `json:"timeout_seconds,omitempty"`
	MaxRetries        int           `json:"max_retries"`
}

// NotebookTask runs a workspace notebook.
type NotebookTask struct {
	NotebookPath   string            `json:"notebook_path"`
	BaseParameters map[string]string `json:"base_parameters,omitempty"`
}

// RunAs names the identity a job runs as.
type RunAs struct {
	UserName             string `json:"user_name,omitempty"`
	ServicePrincipalName string `json:"service_principal_name,omitempty"`
}

type createJobResponse struct {
	JobID int64 `json:"job_id"`
}

type runNowRequest struct {
	JobID          int64             `json:"job_id"`
	NotebookParams map[string]string `json:"notebook_params,omitempty"`
}

type runNowResponse struct {
	RunID int64 `json:"run_id"`
}

type runRequest struct {
	RunID int64 `json:"run_id"`
}

type jobRequest struct {
	JobID int64 `json:"job_id"`
}

// Life cycle states reported by runs/get.
const (
	LifeCyclePending       = "PENDING"
	LifeCycleRunning       = "RUNNING"
	LifeCycleTerminating   = "TERMINATING"
	LifeCycleTerminated    = "TERMINATED"
	LifeCycleSkipped       = "SKIPPED"
	LifeCycleInternalError = "INTERNAL_ERROR"
)

// Result states of a terminated run.
const (
	ResultSuccess  = "SUCCESS"
	ResultFailed   = "FAILED"
	ResultTimedOut = "TIMEDOUT"
	ResultCanceled = "CANCELED"
)

// RunState is the state of a run.
type RunState struct {
	LifeCycleState string `json:"life_cycle_state"`
	ResultState    string `json:"result_state,omitempty"`
	StateMessage   string `json:"state_message,omitempty"`
}

// Terminal returns true once the run will not change state again.
func (s RunState) Terminal() bool {
	switch s.LifeCycleState {
	case LifeCycleTerminated, LifeCycleSkipped, LifeCycleInternalError:
		return true
	}
	return false
}

// Phase maps the run state to the submission state.
func (s RunState) Phase() Phase {
	switch s.LifeCycleState {
	case LifeCyclePending:
		return PhasePending
	case LifeCycleRunning, LifeCycleTerminating:
		return PhaseRunning
	case LifeCycleSkipped:
		return PhaseCancelled
	case LifeCycleInternalError:
		return PhaseFailed
	}
	switch s.ResultState {
	case ResultSuccess:
		return PhaseSucceeded
	case ResultTimedOut:
		return PhaseTimedOut
	case ResultCanceled:
		return PhaseCancelled
	case "":
		return PhaseRunning
	}
	return PhaseFailed
}

// Run is the response of runs/get.
type Run struct {
	JobID      int64     `json:"job_id"`
	RunID      int64     `json:"run_id"`
	State      RunState  `json:"state"`
	RunPageURL string    `json:"run_page_url,omitempty"`
	Tasks      []TaskRun `json:"tasks,omitempty"`
}

// TaskRun is one task of a run. Outputs are fetched per task.
type TaskRun struct {
	RunID   int64    `json:"run_id"`
	TaskKey string   `json:"task_key"`
	State   RunState `json:"state"`
}

// RunOutput is the response of runs/get-output.
type RunOutput struct {
	NotebookOutput NotebookOutput `json:"notebook_output"`
	Error          string         `json:"error,omitempty"`
	ErrorTrace     string         `json:"error_trace,omitempty"`
}

// NotebookOutput carries the value passed to dbutils.notebook.exit.
type NotebookOutput struct {
	Result    string `json:"result,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Job is an entry of jobs/list.
type Job struct {
	JobID           int64       `json:"job_id"`
	CreatorUserName string      `json:"creator_user_name,omitempty"`
	CreatedTime     int64       `json:"created_time,omitempty"`
	Settings        JobSettings `json:"settings"`
}

// JobSettings holds the listed settings of a job.
type JobSettings struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags,omitempty"`
}

type listJobsResponse struct {
	Jobs          []Job  `json:"jobs"`
	HasMore       bool   `json:"has_more"`
	NextPageToken string `json:"next_page_token,omitempty"`
}
