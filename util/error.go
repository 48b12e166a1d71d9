package util

import (
	"context"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// MySQL error numbers the harness cares about.
const (
	errDBAccessDenied      = 1044
	errAccessDenied        = 1045
	errTableAccessDenied   = 1142
	errProcAccessDenied    = 1370
	errSpecificAccessDenie = 1227
)

// IsErrAccessDenied returns true if a MySQL-compatible server refused the
// statement for lack of privileges.
func IsErrAccessDenied(err error) bool {
	return isMySQLError(err, errDBAccessDenied) ||
		isMySQLError(err, errTableAccessDenied) ||
		isMySQLError(err, errProcAccessDenied) ||
		isMySQLError(err, errSpecificAccessDenie)
}

// IsPermissionDenied returns true if the warehouse refused a statement for
// lack of privileges, on either driver.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if IsErrAccessDenied(err) {
		return true
	}
	msg := strings.ToUpper(originError(err).Error())
	return strings.Contains(msg, "PERMISSION_DENIED") ||
		strings.Contains(msg, "INSUFFICIENT_PERMISSIONS") ||
		strings.Contains(msg, "DOES NOT HAVE")
}

// ClassifyConnError maps an open/ping failure to a connection failure kind.
func ClassifyConnError(err error) core.ConnectionKind {
	err = originError(err)
	if err == nil {
		return core.ConnUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.ConnTimeout
	}
	if isMySQLError(err, errAccessDenied) || isMySQLError(err, errDBAccessDenied) {
		return core.ConnAuth
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.ConnTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return core.ConnUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return core.ConnUnreachable
	}
	// The thrift based drivers only surface HTTP status text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid access token"),
		strings.Contains(msg, "invalid_client"):
		return core.ConnAuth
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return core.ConnTimeout
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "unreachable"):
		return core.ConnUnreachable
	}
	return core.ConnUnknown
}

func isMySQLError(err error, code uint16) bool {
	err = originError(err)
	var e *mysql.MySQLError
	return errors.As(err, &e) && e.Number == code
}

// originError return original error
func originError(err error) error {
	for {
		e := errors.Cause(err)
		if e == err {
			break
		}
		err = e
	}
	return err
}
