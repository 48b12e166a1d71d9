// Copyright 2026 definer-bugbash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

// ConfigurationError is fatal and raised before any test executes.
type ConfigurationError struct {
	// Missing lists required variables that are absent.
	Missing []string
	// Invalid lists human readable problems with values that are present.
	Invalid []string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, strings.Join(e.Invalid, "; "))
	}
	return "ConfigurationError: " + strings.Join(parts, "; ")
}

// Empty returns true if nothing was recorded.
func (e *ConfigurationError) Empty() bool {
	return len(e.Missing) == 0 && len(e.Invalid) == 0
}

// ConnectionKind classifies why a session could not be opened.
type ConnectionKind string

// Connection failure kinds.
const (
	ConnAuth        ConnectionKind = "auth"
	ConnUnreachable ConnectionKind = "unreachable"
	ConnTimeout     ConnectionKind = "timeout"
	ConnUnknown     ConnectionKind = "unknown"
)

// ConnectionError is fatal for one session only.
type ConnectionError struct {
	Principal Principal
	Kind      ConnectionKind
	Attempts  int
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ConnectionError: open session for %s failed after %d attempt(s) (%s): %v",
		e.Principal, e.Attempts, e.Kind, e.Err)
}

// Unwrap returns the last underlying error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// AssertionFailure means the observed outcome did not match the expected one.
type AssertionFailure struct {
	Expected string
	Actual   string
	Message  string
}

func (e *AssertionFailure) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "result mismatch"
	}
	return fmt.Sprintf("AssertionFailure: %s (expected %s, actual %s)", msg, e.Expected, e.Actual)
}

// Failf builds an AssertionFailure.
func Failf(expected, actual, format string, args ...interface{}) error {
	return &AssertionFailure{Expected: expected, Actual: actual, Message: fmt.Sprintf(format, args...)}
}

// ExecutionError wraps an unexpected error raised inside a test body.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("ExecutionError: %v", e.Err)
}

// Unwrap returns the cause.
func (e *ExecutionError) Unwrap() error { return e.Err }

// SubmissionError is returned when the Jobs API rejects or fails a submission.
type SubmissionError struct {
	Job string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("SubmissionError: job %s: %v", e.Job, e.Err)
}

// Unwrap returns the cause.
func (e *SubmissionError) Unwrap() error { return e.Err }

// TimeoutError means the local wait gave up. The remote run is left alone
// and may still reach a terminal state later.
type TimeoutError struct {
	RunID  int64
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("TimeoutError: run %d still not terminal after %s", e.RunID, e.Waited)
}

// IsAssertion reports whether err carries an AssertionFailure.
func IsAssertion(err error) bool {
	var a *AssertionFailure
	return as(err, &a)
}

// AsAssertion returns the AssertionFailure carried by err.
func AsAssertion(err error) (*AssertionFailure, bool) {
	var a *AssertionFailure
	if as(err, &a) {
		return a, true
	}
	return nil, false
}

// IsConfiguration reports whether err carries a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return as(err, &c)
}

// IsConnection reports whether err carries a ConnectionError.
func IsConnection(err error) bool {
	var c *ConnectionError
	return as(err, &c)
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return as(err, &t)
}

// as looks through both the Unwrap chain and juju's Cause chain, since
// errors.Trace hides the original behind Cause only.
func as(err error, target interface{}) bool {
	for err != nil {
		if errors.As(err, target) {
			return true
		}
		cause := errors.Cause(err)
		if cause == err {
			return false
		}
		err = cause
	}
	return false
}
