package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// Session pins one connection. It never switches identity or namespace
// after Open, and must be used by one goroutine at a time.
type Session struct {
	principal core.Principal
	conn      *sql.Conn
	timeout   time.Duration
}

var _ core.Session = (*Session)(nil)

// Principal implements core.Session.
func (s *Session) Principal() core.Principal { return s.principal }

func (s *Session) use(ctx context.Context, driver, catalog, schema string) error {
	var stmts []string
	if driver == config.DriverMySQL {
		stmts = []string{"USE " + Quote(schema)}
	} else {
		stmts = []string{"USE CATALOG " + Quote(catalog), "USE SCHEMA " + Quote(schema)}
	}
	for _, stmt := range stmts {
		if err := s.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Exec runs stmt under the per-statement timeout.
func (s *Session) Exec(ctx context.Context, stmt string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
		return errors.Annotatef(err, "exec %s", abbrev(stmt))
	}
	return nil
}

// Query runs stmt and renders every cell as text. NULL is rendered as
// "NULL".
func (s *Session) Query(ctx context.Context, stmt string) (*core.ResultSet, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, errors.Annotatef(err, "query %s", abbrev(stmt))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Trace(err)
	}
	rs := &core.ResultSet{Columns: cols}
	for rows.Next() {
		cells := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Trace(err)
		}
		row := make([]string, len(cols))
		for i, c := range cells {
			row[i] = render(c)
		}
		rs.Rows = append(rs.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Annotatef(err, "query %s", abbrev(stmt))
	}
	return rs, nil
}

// CurrentUser returns what the warehouse reports as current_user().
func (s *Session) CurrentUser(ctx context.Context) (string, error) {
	rs, err := s.Query(ctx, "SELECT current_user()")
	if err != nil {
		return "", err
	}
	v, ok := rs.Scalar()
	if !ok {
		return "", errors.Errorf("current_user() returned %s", rs)
	}
	return v, nil
}

// Close releases the pinned connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func render(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func abbrev(stmt string) string {
	const max = 80
	if len(stmt) <= max {
		return stmt
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(stmt[cut]) {
		cut--
	}
	return stmt[:cut] + "..."
}
