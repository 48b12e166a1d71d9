package core

import (
	"context"
)

// Session is an authenticated channel bound to one principal.
// Statements on a session execute in program order.
type Session interface {
	// Principal returns the identity the session was opened with.
	Principal() Principal
	// Exec runs a statement and discards any result.
	Exec(ctx context.Context, stmt string) error
	// Query runs a statement and returns the fetched rows.
	Query(ctx context.Context, stmt string) (*ResultSet, error)
}

// Fixture carries the values case templates are rendered with.
type Fixture struct {
	Catalog         string
	Schema          string
	User            string
	ServiceIdentity string
	// Prefix is prepended to every object a case creates, so two jobs
	// sharing a schema do not drop each other's objects.
	Prefix string
}

// Env is what a case body sees while it runs on a worker.
// Sessions handed out by Env belong to the worker and must not be closed
// by the body.
type Env interface {
	// Session returns the worker's session for p, opening it on first use.
	Session(ctx context.Context, p Principal) (Session, error)
	// Caller is the principal of the run.
	Caller() Principal
	// Fixture returns the template values of the run.
	Fixture() Fixture
}

// Result is what a body returns when it finishes without error.
type Result struct {
	Payload  *ResultSet
	Expected string
	Actual   string
}

// Body executes one test case.
// An error carrying AssertionFailure marks the case failed, any other
// error marks it errored.
type Body func(ctx context.Context, env Env) (*Result, error)

// TestCase is a named unit of work.
type TestCase struct {
	ID          string
	Description string
	Category    Category
	// Principals lists the identities the body opens sessions for. It is
	// informational; an empty list means only the caller.
	Principals []Principal
	Body       Body
}
