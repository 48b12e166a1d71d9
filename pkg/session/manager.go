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

// Package session opens authenticated SQL sessions bound to one principal
// and one catalog/schema pair.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	dbsql "github.com/databricks/databricks-sql-go"
	"github.com/databricks/databricks-sql-go/auth/oauth/m2m"
	"github.com/go-sql-driver/mysql"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/dbsql-qa/definer-bugbash/pkg/config"
	"github.com/dbsql-qa/definer-bugbash/pkg/core"
	"github.com/dbsql-qa/definer-bugbash/util"
)

// Dialer returns a connection pool for a principal. The pool is cached
// by the Manager and closed by Manager.Close.
type Dialer func(ctx context.Context, p core.Principal, catalog, schema string) (*sql.DB, error)

// Manager opens sessions. It is safe for concurrent use; the sessions it
// returns are not.
type Manager struct {
	cfg  *config.Config
	dial Dialer

	mu    sync.Mutex
	pools map[poolKey]*sql.DB
}

type poolKey struct {
	principal core.Principal
	catalog   string
	schema    string
}

// NewManager creates a Manager dialing the driver named in cfg.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{cfg: cfg, pools: make(map[poolKey]*sql.DB)}
	switch cfg.Driver {
	case config.DriverMySQL:
		if err := util.SetMySQLProxy(cfg.SQLProxy); err != nil {
			zap.L().Warn("ignore SQL_PROXY, dialing directly", zap.Error(err))
		}
		m.dial = m.dialMySQL
	default:
		m.dial = m.dialDatabricks
	}
	return m
}

// NewManagerWithDialer creates a Manager with a custom dialer.
func NewManagerWithDialer(cfg *config.Config, dial Dialer) *Manager {
	return &Manager{cfg: cfg, dial: dial, pools: make(map[poolKey]*sql.DB)}
}

// Open opens a session for p bound to catalog and schema. Connection
// attempts are bounded by the configured retries; a failure is returned as
// a *core.ConnectionError. Bad identifiers and missing credentials are
// reported before any network I/O as a *core.ConfigurationError.
func (m *Manager) Open(ctx context.Context, p core.Principal, catalog, schema string) (*Session, error) {
	if err := m.check(p, catalog, schema); err != nil {
		return nil, err
	}

	var conn *sql.Conn
	policy := util.RetryPolicy{
		Attempts: m.cfg.ConnectRetries,
		Min:      m.cfg.ConnectBackoff,
		Max:      8 * m.cfg.ConnectBackoff,
	}
	retryable := func(err error) bool {
		return util.ClassifyConnError(err) != core.ConnAuth
	}
	attempts, err := util.RunWithRetry(ctx, policy, retryable, func() error {
		c, err := m.connect(ctx, p, catalog, schema)
		if err != nil {
			zap.L().Debug("connect attempt failed", zap.String("principal", string(p)), zap.Error(err))
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		cerr := &core.ConnectionError{
			Principal: p,
			Kind:      util.ClassifyConnError(err),
			Attempts:  attempts,
			Err:       errors.Cause(err),
		}
		zap.L().Warn("open session failed", zap.String("principal", string(p)),
			zap.String("kind", string(cerr.Kind)), zap.Int("attempts", attempts), zap.Error(cerr.Err))
		return nil, cerr
	}

	s := &Session{
		principal: p,
		conn:      conn,
		timeout:   m.cfg.QueryTimeout,
	}
	if err := s.use(ctx, m.cfg.Driver, catalog, schema); err != nil {
		conn.Close()
		return nil, &core.ConnectionError{Principal: p, Kind: core.ConnUnknown, Attempts: attempts, Err: err}
	}
	zap.L().Debug("session opened", zap.String("principal", string(p)),
		zap.String("namespace", catalog+"."+schema), zap.Int("attempts", attempts))
	return s, nil
}

func (m *Manager) check(p core.Principal, catalog, schema string) error {
	cerr := &core.ConfigurationError{}
	if m.cfg.Driver != config.DriverMySQL {
		if err := ValidateIdentifier(catalog); err != nil {
			cerr.Invalid = append(cerr.Invalid, "catalog "+err.Error())
		}
	}
	if err := ValidateIdentifier(schema); err != nil {
		cerr.Invalid = append(cerr.Invalid, "schema "+err.Error())
	}
	if p == core.PrincipalService {
		if err := m.cfg.RequireService(); err != nil {
			se := err.(*core.ConfigurationError)
			cerr.Missing = append(cerr.Missing, se.Missing...)
			cerr.Invalid = append(cerr.Invalid, se.Invalid...)
		}
	} else if p != core.PrincipalUser {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("unknown principal %q", p))
	}
	if !cerr.Empty() {
		return cerr
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, p core.Principal, catalog, schema string) (*sql.Conn, error) {
	db, err := m.pool(ctx, p, catalog, schema)
	if err != nil {
		return nil, errors.Trace(err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	defer cancel()
	conn, err := db.Conn(pingCtx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, errors.Trace(err)
	}
	return conn, nil
}

func (m *Manager) pool(ctx context.Context, p core.Principal, catalog, schema string) (*sql.DB, error) {
	key := poolKey{principal: p, catalog: catalog, schema: schema}
	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.pools[key]; ok {
		return db, nil
	}
	db, err := m.dial(ctx, p, catalog, schema)
	if err != nil {
		return nil, err
	}
	m.pools[key] = db
	return db, nil
}

// Close closes every pool. Sessions still open become unusable.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result *multierror.Error
	for key, db := range m.pools {
		if err := db.Close(); err != nil {
			result = multierror.Append(result, errors.Annotatef(err, "close pool of %s", key.principal))
		}
		delete(m.pools, key)
	}
	return result.ErrorOrNil()
}

func (m *Manager) dialDatabricks(_ context.Context, p core.Principal, catalog, schema string) (*sql.DB, error) {
	opts := []dbsql.ConnOption{
		dbsql.WithServerHostname(m.cfg.ServerHostname),
		dbsql.WithPort(443),
		dbsql.WithHTTPPath(m.cfg.HTTPPath),
		dbsql.WithInitialNamespace(unquote(catalog), unquote(schema)),
		dbsql.WithTimeout(m.cfg.QueryTimeout),
		dbsql.WithUserAgentEntry("definer-bugbash"),
	}
	switch {
	case p == core.PrincipalUser:
		opts = append(opts, dbsql.WithAccessToken(m.cfg.UserToken))
	case m.cfg.ServiceToken != "":
		opts = append(opts, dbsql.WithAccessToken(m.cfg.ServiceToken))
	default:
		opts = append(opts, dbsql.WithAuthenticator(
			m2m.NewAuthenticator(m.cfg.ServiceClientID, m.cfg.ServiceClientSecret, m.cfg.ServerHostname)))
	}
	connector, err := dbsql.NewConnector(opts...)
	if err != nil {
		return nil, errors.Annotate(err, "databricks connector")
	}
	return sql.OpenDB(connector), nil
}

func (m *Manager) dialMySQL(_ context.Context, p core.Principal, _, _ string) (*sql.DB, error) {
	dsn := m.cfg.MySQLDSN
	if p == core.PrincipalService {
		dsn = m.cfg.MySQLServiceDSN
	}
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "parse dsn of %s", p)
	}
	if mc.Timeout == 0 {
		mc.Timeout = m.cfg.QueryTimeout
	}
	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, errors.Trace(err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(m.cfg.ConnectRetries)
	return db, nil
}

func unquote(name string) string {
	if quotedIdent.MatchString(name) {
		return name[1 : len(name)-1]
	}
	return name
}
