package http

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pingcap/errors"
	"golang.org/x/time/rate"
)

// StatusError is returned when the server answers with a non-2xx code.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request \"%s\", got %v %s", e.Method, e.URL, e.Code, e.Body)
}

// Client is a wrapper for http.Client.
type Client struct {
	*http.Client

	authorize func(*http.Request) error
	limiter   *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithAuthorizer decorates every request, typically with an
// Authorization header.
func WithAuthorizer(f func(*http.Request) error) Option {
	return func(c *Client) { c.authorize = f }
}

// WithBearerToken sets a static bearer token on every request.
func WithBearerToken(token string) Option {
	return WithAuthorizer(func(req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	})
}

// WithLimiter waits on l before every request.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewHTTPClient creates a HTTP Client.
func NewHTTPClient(c *http.Client, opts ...Option) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	client := &Client{Client: c}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Get sends a HTTP GET request to the specified URL.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, url, "", nil)
}

// Post sends a HTTP POST request to the specified URL.
func (c *Client) Post(ctx context.Context, url string, bodyType string, body io.Reader) ([]byte, error) {
	return c.do(ctx, http.MethodPost, url, bodyType, body)
}

// Put sends a HTTP PUT request to the specified URL.
func (c *Client) Put(ctx context.Context, url string, bodyType string, body io.Reader) ([]byte, error) {
	return c.do(ctx, http.MethodPut, url, bodyType, body)
}

// Delete sends a HTTP DELETE request to the specified URL.
func (c *Client) Delete(ctx context.Context, url string) error {
	_, err := c.do(ctx, http.MethodDelete, url, "", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, url, bodyType string, body io.Reader) ([]byte, error) {
	resp, err := c.httpRequest(ctx, url, method, bodyType, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	res, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "Read %s response failed", method)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: string(res)}
	}
	return res, nil
}

func (c *Client) httpRequest(ctx context.Context, url string, method string, bodyType string, body io.Reader) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limit wait")
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(err, "HTTP request failed")
	}
	if bodyType != "" {
		req.Header.Set("Content-Type", bodyType)
	}
	if c.authorize != nil {
		if err := c.authorize(req); err != nil {
			return nil, errors.Wrap(err, "authorize request")
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, url)
	}
	return resp, nil
}
