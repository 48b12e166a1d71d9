package core

import (
	"fmt"
	"time"
)

// Status is the terminal state of one test case execution.
type Status string

// Statuses
const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusErrored Status = "errored"
)

// Category groups test cases for reporting.
type Category string

// Categories, fixed for a run.
const (
	CategoryCoreImpersonation   Category = "core-impersonation"
	CategoryObjectAccess        Category = "object-access"
	CategoryNested              Category = "nested"
	CategoryInjection           Category = "injection"
	CategoryObservability       Category = "observability"
	CategoryUnityCatalog        Category = "unity-catalog"
	CategoryNegative            Category = "negative"
	CategoryCompliance          Category = "compliance"
	CategoryKnownIssues         Category = "known-issues"
	CategoryConcurrency         Category = "concurrency"
	CategoryPrivilegeEscalation Category = "privilege-escalation"
	CategoryJobsContext         Category = "jobs-context"
)

// Categories returns every known category in reporting order.
func Categories() []Category {
	return []Category{
		CategoryCoreImpersonation,
		CategoryObjectAccess,
		CategoryNested,
		CategoryInjection,
		CategoryObservability,
		CategoryUnityCatalog,
		CategoryNegative,
		CategoryCompliance,
		CategoryKnownIssues,
		CategoryConcurrency,
		CategoryPrivilegeEscalation,
		CategoryJobsContext,
	}
}

// Valid returns true if c is one of Categories.
func (c Category) Valid() bool {
	for _, k := range Categories() {
		if k == c {
			return true
		}
	}
	return false
}

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Principal is an identity recognized by the warehouse.
type Principal string

// Principals
const (
	// PrincipalUser is the interactive user, also the owner of the fixtures.
	PrincipalUser Principal = "user"
	// PrincipalService is the service identity.
	PrincipalService Principal = "service"
)

// ParsePrincipal parses a principal name.
func ParsePrincipal(s string) (Principal, error) {
	switch Principal(s) {
	case PrincipalUser, PrincipalService:
		return Principal(s), nil
	}
	return "", fmt.Errorf("unknown principal %q, expect user or service", s)
}

// Environment says where a report was produced.
type Environment string

// Environments
const (
	EnvLocalWarehouse Environment = "local-warehouse"
	EnvServerlessJob  Environment = "serverless-job"
	EnvMerged         Environment = "merged"
)

// ResultSet is a tabular SQL result with every cell rendered as text.
type ResultSet struct {
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
}

// Scalar returns the only cell of a one-row, one-column result.
func (r *ResultSet) Scalar() (string, bool) {
	if r == nil || len(r.Rows) != 1 || len(r.Rows[0]) != 1 {
		return "", false
	}
	return r.Rows[0][0], true
}

// String formats the result the way it is compared: a scalar for single
// cells, the row list otherwise.
func (r *ResultSet) String() string {
	if r == nil {
		return "<no results>"
	}
	if v, ok := r.Scalar(); ok {
		return v
	}
	return fmt.Sprint(r.Rows)
}

// Outcome is the recorded result of one test case execution.
type Outcome struct {
	ID         string        `json:"test_id"`
	Category   Category      `json:"category"`
	Status     Status        `json:"status"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Payload    *ResultSet    `json:"payload,omitempty"`
	Expected   string        `json:"expected,omitempty"`
	Actual     string        `json:"actual,omitempty"`
	Error      string        `json:"error,omitempty"`
	Source     Environment   `json:"source"`
	Principal  Principal     `json:"principal,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Collision records a test id reported by more than one input report.
type Collision struct {
	ID      string        `json:"test_id"`
	Sources []Environment `json:"sources"`
	Kept    Environment   `json:"kept"`
}

// RunReport is the aggregated collection of outcomes of one invocation.
type RunReport struct {
	RunID       string      `json:"run_id"`
	Environment Environment `json:"environment"`
	Principal   Principal   `json:"principal,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
	Outcomes    []Outcome   `json:"outcomes"`
	Collisions  []Collision `json:"collisions,omitempty"`
	// Fatal is set when the run as a whole could not do its job, for
	// example no worker could open a session.
	Fatal string `json:"fatal,omitempty"`
}

// Outcome finds the outcome of a test id.
func (r *RunReport) Outcome(id string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// Summary computes the summary of the report outcomes.
func (r *RunReport) Summary() Summary {
	return Summarize(r.Outcomes)
}

// Summary holds counts derived from an outcome set.
type Summary struct {
	Total    int           `json:"total"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Errored  int           `json:"errored"`
	PassRate float64       `json:"pass_rate"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// Summarize is a pure function of the outcomes.
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		s.Total++
		s.Elapsed += o.Elapsed
		switch o.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		default:
			s.Errored++
		}
	}
	if s.Total > 0 {
		s.PassRate = float64(s.Passed) / float64(s.Total)
	}
	return s
}
