// Package config builds the run configuration from environment variables.
// It is read once at start-up and passed by reference to every component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// Supported SQL drivers.
const (
	DriverDatabricks = "databricks"
	DriverMySQL      = "mysql"
)

// S3Config is where report artifacts are uploaded. Optional.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// Enabled returns true if uploads are configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// ResultsDBConfig is the optional results database.
type ResultsDBConfig struct {
	Dialect string
	DSN     string
}

// Enabled returns true if a results database is configured.
func (c ResultsDBConfig) Enabled() bool { return c.DSN != "" }

// Config holds everything a run needs to reach the warehouse and the Jobs API.
type Config struct {
	Driver string

	// Warehouse endpoint
	ServerHostname string
	HTTPPath       string

	// Interactive user, also the owner of every fixture object.
	User      string
	UserToken string

	// Service identity. ServiceIdentity is the name SQL reports in
	// current_user(), usually the application id.
	ServiceIdentity     string
	ServiceToken        string
	ServiceClientID     string
	ServiceClientSecret string

	Catalog string
	Schema  string

	// MySQL-compatible targets take a DSN per principal.
	MySQLDSN        string
	MySQLServiceDSN string
	// SQLProxy is a socks5 URL mysql dials go through.
	SQLProxy string

	QueryTimeout   time.Duration
	ConnectRetries int
	ConnectBackoff time.Duration

	// Jobs
	ClusterID       string
	NotebookPath    string
	JobPollInterval time.Duration
	JobTimeout      time.Duration
	JobMaxRetries   int
	JobsAPIRPS      float64

	LogLevel  string
	LogFile   string
	ReportDir string

	S3        S3Config
	ResultsDB ResultsDBConfig
}

// LookupFunc has the shape of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadFromEnv reads the process environment.
func LoadFromEnv() (*Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from lookup and checks the variables every run needs.
// Problems are collected and returned together as a ConfigurationError.
func Load(lookup LookupFunc) (*Config, error) {
	env := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	cerr := &core.ConfigurationError{}

	cfg := &Config{
		Driver:              strings.ToLower(env("SQL_DRIVER")),
		ServerHostname:      env("DATABRICKS_SERVER_HOSTNAME"),
		HTTPPath:            env("DATABRICKS_HTTP_PATH"),
		User:                env("DATABRICKS_USER"),
		UserToken:           env("DATABRICKS_PAT_TOKEN"),
		ServiceIdentity:     env("DATABRICKS_SP_ID"),
		ServiceToken:        env("SERVICE_PRINCIPAL_PAT"),
		ServiceClientID:     env("DATABRICKS_SP_CLIENT_ID"),
		ServiceClientSecret: env("DATABRICKS_SP_CLIENT_SECRET"),
		Catalog:             env("DATABRICKS_CATALOG"),
		Schema:              env("DATABRICKS_SCHEMA"),
		MySQLDSN:            env("MYSQL_DSN"),
		MySQLServiceDSN:     env("MYSQL_SERVICE_DSN"),
		SQLProxy:            env("SQL_PROXY"),
		ClusterID:           env("DATABRICKS_SERVERLESS_CLUSTER_ID"),
		NotebookPath:        env("DATABRICKS_NOTEBOOK_PATH"),
		LogLevel:            env("LOG_LEVEL"),
		LogFile:             env("LOG_FILE"),
		ReportDir:           env("REPORT_DIR"),
		S3: S3Config{
			Endpoint:  env("REPORT_S3_ENDPOINT"),
			Bucket:    env("REPORT_S3_BUCKET"),
			AccessKey: env("REPORT_S3_ACCESS_KEY"),
			SecretKey: env("REPORT_S3_SECRET_KEY"),
			Secure:    parseBoolDefault(env("REPORT_S3_SECURE"), true),
		},
		ResultsDB: ResultsDBConfig{
			Dialect: env("RESULTS_DB_DIALECT"),
			DSN:     env("RESULTS_DB_DSN"),
		},
	}

	// The workspace URL and warehouse id are accepted as fallbacks, they are
	// what the workspace UI shows.
	if cfg.ServerHostname == "" {
		cfg.ServerHostname = strings.TrimSuffix(strings.TrimPrefix(env("DATABRICKS_WORKSPACE_URL"), "https://"), "/")
	}
	if cfg.HTTPPath == "" {
		if id := env("DATABRICKS_WAREHOUSE_ID"); id != "" {
			cfg.HTTPPath = "/sql/1.0/warehouses/" + id
		}
	}
	if cfg.ServiceClientID == "" {
		cfg.ServiceClientID = cfg.ServiceIdentity
	}

	cfg.QueryTimeout = parseDuration(cerr, env, "SQL_QUERY_TIMEOUT", 5*time.Minute)
	cfg.ConnectBackoff = parseDuration(cerr, env, "CONNECT_BACKOFF", 2*time.Second)
	cfg.JobPollInterval = parseDuration(cerr, env, "JOB_POLL_INTERVAL", 15*time.Second)
	cfg.JobTimeout = parseDuration(cerr, env, "JOB_TIMEOUT", time.Hour)
	cfg.ConnectRetries = parseInt(cerr, env, "CONNECT_RETRIES", 3)
	cfg.JobMaxRetries = parseInt(cerr, env, "JOB_MAX_RETRIES", 1)
	cfg.JobsAPIRPS = parseFloat(cerr, env, "JOBS_API_RPS", 5)

	if cfg.Driver == "" {
		cfg.Driver = DriverDatabricks
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ReportDir == "" {
		cfg.ReportDir = "logs"
	}
	if cfg.ResultsDB.Enabled() && cfg.ResultsDB.Dialect == "" {
		cfg.ResultsDB.Dialect = "mysql"
	}
	if cfg.ConnectRetries < 1 {
		cerr.Invalid = append(cerr.Invalid, "CONNECT_RETRIES must be at least 1")
	}

	switch cfg.Driver {
	case DriverDatabricks:
		requireVar(cerr, "DATABRICKS_SERVER_HOSTNAME", cfg.ServerHostname)
		requireVar(cerr, "DATABRICKS_HTTP_PATH", cfg.HTTPPath)
		requireVar(cerr, "DATABRICKS_PAT_TOKEN", cfg.UserToken)
		requireVar(cerr, "DATABRICKS_CATALOG", cfg.Catalog)
	case DriverMySQL:
		requireVar(cerr, "MYSQL_DSN", cfg.MySQLDSN)
	default:
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("SQL_DRIVER %q is not supported, expect databricks or mysql", cfg.Driver))
	}
	requireVar(cerr, "DATABRICKS_SCHEMA", cfg.Schema)
	requireVar(cerr, "DATABRICKS_USER", cfg.User)

	if !cerr.Empty() {
		return nil, cerr
	}
	return cfg, nil
}

// RequireService checks the variables needed to act as the service identity.
func (c *Config) RequireService() error {
	cerr := &core.ConfigurationError{}
	requireVar(cerr, "DATABRICKS_SP_ID", c.ServiceIdentity)
	switch c.Driver {
	case DriverMySQL:
		requireVar(cerr, "MYSQL_SERVICE_DSN", c.MySQLServiceDSN)
	default:
		if c.ServiceToken == "" && c.ServiceClientSecret == "" {
			cerr.Missing = append(cerr.Missing, "DATABRICKS_SP_CLIENT_SECRET or SERVICE_PRINCIPAL_PAT")
		}
	}
	if !cerr.Empty() {
		return cerr
	}
	return nil
}

// RequireJobs checks the variables needed to submit remote jobs.
func (c *Config) RequireJobs() error {
	cerr := &core.ConfigurationError{}
	if c.Driver != DriverDatabricks {
		cerr.Invalid = append(cerr.Invalid, "remote jobs need SQL_DRIVER=databricks")
	}
	requireVar(cerr, "DATABRICKS_SERVERLESS_CLUSTER_ID", c.ClusterID)
	requireVar(cerr, "DATABRICKS_NOTEBOOK_PATH", c.NotebookPath)
	if !cerr.Empty() {
		return cerr
	}
	return nil
}

// WorkspaceURL is the base URL of the REST APIs.
func (c *Config) WorkspaceURL() string {
	return "https://" + c.ServerHostname
}

// Identity returns the name current_user() reports for p.
func (c *Config) Identity(p core.Principal) string {
	if p == core.PrincipalService {
		return c.ServiceIdentity
	}
	return c.User
}

// MarshalLogObject logs the configuration with secrets masked.
func (c *Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("driver", c.Driver)
	enc.AddString("host", c.ServerHostname)
	enc.AddString("http_path", c.HTTPPath)
	enc.AddString("namespace", c.Catalog+"."+c.Schema)
	enc.AddString("user", c.User)
	enc.AddString("service_identity", c.ServiceIdentity)
	enc.AddString("user_token", mask(c.UserToken))
	enc.AddString("service_token", mask(c.ServiceToken))
	enc.AddString("service_secret", mask(c.ServiceClientSecret))
	enc.AddDuration("query_timeout", c.QueryTimeout)
	enc.AddInt("connect_retries", c.ConnectRetries)
	enc.AddString("report_dir", c.ReportDir)
	return nil
}

func mask(secret string) string {
	if secret == "" {
		return "not set"
	}
	return "set (**********)"
}

func requireVar(cerr *core.ConfigurationError, key, value string) {
	if value == "" {
		cerr.Missing = append(cerr.Missing, key)
	}
}

func parseDuration(cerr *core.ConfigurationError, env func(string) string, key string, def time.Duration) time.Duration {
	v := env(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("%s=%q is not a positive duration", key, v))
		return def
	}
	return d
}

func parseInt(cerr *core.ConfigurationError, env func(string) string, key string, def int) int {
	v := env(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return n
}

func parseFloat(cerr *core.ConfigurationError, env func(string) string, key string, def float64) float64 {
	v := env(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		cerr.Invalid = append(cerr.Invalid, fmt.Sprintf("%s=%q is not a positive number", key, v))
		return def
	}
	return f
}

func parseBoolDefault(v string, def bool) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// LoadDotEnv reads a dotenv file and sets variables not already in the
// environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
