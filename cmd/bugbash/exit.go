package main

import (
	"github.com/juju/errors"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// Process exit codes.
const (
	exitOK        = 0
	exitNotPassed = 1
	exitConfig    = 2
	exitFatal     = 3
)

var errNotPassed = errors.New("not every case passed")

// fatalError means the run could not do its job, the report still exists.
type fatalError struct {
	reason string
}

func (e *fatalError) Error() string { return "run fatal: " + e.reason }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if core.IsConfiguration(err) {
		return exitConfig
	}
	if _, ok := errors.Cause(err).(*fatalError); ok {
		return exitFatal
	}
	return exitNotPassed
}

// verdict maps a finished report to the command result.
func verdict(report *core.RunReport) error {
	if report.Fatal != "" {
		return &fatalError{reason: report.Fatal}
	}
	if s := report.Summary(); s.Passed < s.Total {
		return errNotPassed
	}
	return nil
}
