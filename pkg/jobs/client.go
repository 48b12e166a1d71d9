package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	stdhttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/pkg/util/http"
)

const apiPrefix = "/api/2.1/jobs"

// Client talks to the Jobs API of one workspace as one principal.
type Client struct {
	base string
	cli  *http.Client
}

// NewClient creates a client authenticated as p. The user authenticates
// with its PAT; the service identity with its PAT if set, otherwise with
// an OAuth client-credentials token.
func NewClient(ctx context.Context, cfg *config.Config, p core.Principal) (*Client, error) {
	return newClient(ctx, cfg, p, &stdhttp.Client{Timeout: time.Minute})
}

func newClient(ctx context.Context, cfg *config.Config, p core.Principal, hc *stdhttp.Client) (*Client, error) {
	base := strings.TrimSuffix(cfg.WorkspaceURL(), "/")
	limiter := rate.NewLimiter(rate.Limit(cfg.JobsAPIRPS), 1)

	var auth http.Option
	switch {
	case p == core.PrincipalUser:
		auth = http.WithBearerToken(cfg.UserToken)
	case p == core.PrincipalService && cfg.ServiceToken != "":
		auth = http.WithBearerToken(cfg.ServiceToken)
	case p == core.PrincipalService:
		if err := cfg.RequireService(); err != nil {
			return nil, err
		}
		cc := clientcredentials.Config{
			ClientID:     cfg.ServiceClientID,
			ClientSecret: cfg.ServiceClientSecret,
			TokenURL:     base + "/oidc/v1/token",
			Scopes:       []string{"all-apis"},
		}
		// token requests share the transport of the API calls
		ts := cc.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, hc))
		auth = http.WithAuthorizer(func(req *stdhttp.Request) error {
			tok, err := ts.Token()
			if err != nil {
				return errors.Annotate(err, "service identity token")
			}
			tok.SetAuthHeader(req)
			return nil
		})
	default:
		return nil, errors.Errorf("unknown principal %q", p)
	}
	return NewClientWithHTTP(base, http.NewHTTPClient(hc, auth, http.WithLimiter(limiter))), nil
}

// NewClientWithHTTP creates a client on top of an existing HTTP client.
func NewClientWithHTTP(base string, cli *http.Client) *Client {
	return &Client{base: strings.TrimSuffix(base, "/"), cli: cli}
}

// CreateJob creates a job and returns its id.
func (c *Client) CreateJob(ctx context.Context, req *CreateJobRequest) (int64, error) {
	var resp createJobResponse
	if err := c.post(ctx, "/create", req, &resp); err != nil {
		return 0, err
	}
	return resp.JobID, nil
}

// RunNow triggers a run of the job.
func (c *Client) RunNow(ctx context.Context, jobID int64, params map[string]string) (int64, error) {
	var resp runNowResponse
	if err := c.post(ctx, "/run-now", &runNowRequest{JobID: jobID, NotebookParams: params}, &resp); err != nil {
		return 0, err
	}
	return resp.RunID, nil
}

// GetRun returns the run.
func (c *Client) GetRun(ctx context.Context, runID int64) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/runs/get", url.Values{"run_id": {fmt.Sprint(runID)}}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRunOutput returns the output of a task run.
func (c *Client) GetRunOutput(ctx context.Context, runID int64) (*RunOutput, error) {
	var out RunOutput
	if err := c.get(ctx, "/runs/get-output", url.Values{"run_id": {fmt.Sprint(runID)}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun asks the platform to cancel a run. It does not wait.
func (c *Client) CancelRun(ctx context.Context, runID int64) error {
	return c.post(ctx, "/runs/cancel", &runRequest{RunID: runID}, nil)
}

// DeleteJob deletes a job definition.
func (c *Client) DeleteJob(ctx context.Context, jobID int64) error {
	return c.post(ctx, "/delete", &jobRequest{JobID: jobID}, nil)
}

// ListJobs lists jobs whose name starts with prefix, following pages.
func (c *Client) ListJobs(ctx context.Context, prefix string) ([]Job, error) {
	var (
		jobs  []Job
		token string
	)
	for {
		q := url.Values{"limit": {"100"}}
		if token != "" {
			q.Set("page_token", token)
		}
		var resp listJobsResponse
		if err := c.get(ctx, "/list", q, &resp); err != nil {
			return nil, err
		}
		for _, j := range resp.Jobs {
			if strings.HasPrefix(j.Settings.Name, prefix) {
				jobs = append(jobs, j)
			}
		}
		if !resp.HasMore || resp.NextPageToken == "" {
			return jobs, nil
		}
		token = resp.NextPageToken
	}
}

func (c *Client) post(ctx context.Context, path string, req, resp interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := c.cli.Post(ctx, c.base+apiPrefix+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Annotatef(err, "jobs%s", path)
	}
	return decode(path, data, resp)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, resp interface{}) error {
	data, err := c.cli.Get(ctx, c.base+apiPrefix+path+"?"+q.Encode())
	if err != nil {
		return errors.Annotatef(err, "jobs%s", path)
	}
	return decode(path, data, resp)
}

func decode(path string, data []byte, resp interface{}) error {
	if resp == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, resp); err != nil {
		return errors.Annotatef(err, "decode jobs%s response", path)
	}
	return nil
}
