package control

import (
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// DefaultConcurrency is the worker count used when none is given.
const DefaultConcurrency = 10

// Config is the configuration for the controller.
type Config struct {
	// RunID names the report, a uuid is generated when empty.
	RunID string
	// Caller is the principal the run acts as.
	Caller core.Principal
	// Environment is stamped on every outcome.
	Environment core.Environment
	// Fixture holds the values case templates are rendered with.
	Fixture core.Fixture
	// Concurrency is the default worker count.
	Concurrency int
}

func (c *Config) adjust() {
	if c.Caller == "" {
		c.Caller = core.PrincipalUser
	}
	if c.Environment == "" {
		c.Environment = core.EnvLocalWarehouse
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
}

// workers clamps the requested worker count to [1, n].
func workers(requested, n int) int {
	if requested > n {
		requested = n
	}
	if requested < 1 {
		requested = 1
	}
	return requested
}
