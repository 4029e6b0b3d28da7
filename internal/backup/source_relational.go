package backup

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"

	"backup-orchestrator/internal/logging"
)

const relationalPingTimeout = 10 * time.Second

// relationalConn is a parsed mysql:// or postgres:// connection URI.
type relationalConn struct {
	Engine   string
	Host     string
	Port     string
	User     string
	Password string
	Database string
	Raw      string
}

func parseRelationalURI(raw string) (*relationalConn, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connection uri: %w", err)
	}

	conn := &relationalConn{
		Host:     u.Hostname(),
		Port:     u.Port(),
		User:     u.User.Username(),
		Database: strings.TrimPrefix(u.Path, "/"),
		Raw:      raw,
	}
	conn.Password, _ = u.User.Password()

	switch u.Scheme {
	case "mysql", "mariadb":
		conn.Engine = "mysql"
		if conn.Port == "" {
			conn.Port = "3306"
		}
	case "postgres", "postgresql":
		conn.Engine = "postgres"
		if conn.Port == "" {
			conn.Port = "5432"
		}
	default:
		return nil, fmt.Errorf("unsupported relational scheme %q", u.Scheme)
	}
	if conn.Host == "" {
		return nil, fmt.Errorf("connection uri has no host")
	}
	return conn, nil
}

// withDatabase returns the connection retargeted at database, rewriting the raw URI too.
func (c *relationalConn) withDatabase(database string) *relationalConn {
	if database == "" {
		return c
	}
	clone := *c
	clone.Database = database
	if u, err := url.Parse(c.Raw); err == nil {
		u.Path = "/" + database
		clone.Raw = u.String()
	}
	return &clone
}

func (c *relationalConn) mysqlDSN() string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, c.Port)
	cfg.DBName = c.Database
	cfg.Timeout = relationalPingTimeout
	return cfg.FormatDSN()
}

// RelationalAdapter captures MySQL and PostgreSQL databases with their dump tools.
// Scope selects the database to dump; it defaults to the database in the URI.
type RelationalAdapter struct {
	executor CommandExecutor
	logger   *logging.Logger
	openDB   func(driverName, dsn string) (*sql.DB, error)
	pgPing   func(ctx context.Context, connString string) error
}

// NewRelationalAdapter creates the relational-db adapter
func NewRelationalAdapter(executor CommandExecutor, logger *logging.Logger) *RelationalAdapter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &RelationalAdapter{
		executor: executor,
		logger:   logger,
		openDB:   sql.Open,
		pgPing:   pingPostgres,
	}
}

func (a *RelationalAdapter) Type() SourceType { return SourceTypeRelational }

func pingPostgres(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))
	return conn.Ping(ctx)
}

// ping checks reachability before a dump tool is started, so an unreachable
// source fails fast with a clear error instead of a tool exit status.
func (a *RelationalAdapter) ping(ctx context.Context, conn *relationalConn) error {
	ctx, cancel := context.WithTimeout(ctx, relationalPingTimeout)
	defer cancel()

	if conn.Engine == "postgres" {
		return a.pgPing(ctx, conn.Raw)
	}

	db, err := a.openDB("mysql", conn.mysqlDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func (a *RelationalAdapter) Capture(ctx context.Context, source SourceConfig, scope, dest string) (int64, error) {
	conn, err := parseRelationalURI(source.URI)
	if err != nil {
		return 0, NewCaptureError("invalid relational source", err).WithContext("source", source.Name)
	}
	conn = conn.withDatabase(scope)
	if conn.Database == "" {
		return 0, NewCaptureError("no database selected for relational source", nil).WithContext("source", source.Name)
	}

	if err := a.ping(ctx, conn); err != nil {
		return 0, NewCaptureError("source unreachable", err).
			WithContext("source", source.Name).
			WithContext("host", conn.Host)
	}

	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, NewCaptureError("failed to create staging artifact", err)
	}
	defer file.Close()

	cmd := a.dumpCommand(conn, source)
	cmd.Stdout = file
	if _, err := a.executor.Run(ctx, cmd); err != nil {
		return 0, asPipelineError(BackupErrorTypeCapture, "dump tool failed", err)
	}
	if err := file.Sync(); err != nil {
		return 0, NewCaptureError("partial write of staging artifact", err)
	}

	info, err := file.Stat()
	if err != nil {
		return 0, NewCaptureError("failed to stat staging artifact", err)
	}
	if info.Size() == 0 {
		return 0, NewCaptureError("dump tool produced an empty artifact", nil)
	}
	return info.Size(), nil
}

func (a *RelationalAdapter) dumpCommand(conn *relationalConn, source SourceConfig) Command {
	if conn.Engine == "postgres" {
		return Command{
			Name: source.Option("pg_dump_path", "pg_dump"),
			Args: []string{
				"--format=custom",
				"--host=" + conn.Host,
				"--port=" + conn.Port,
				"--username=" + conn.User,
				"--dbname=" + conn.Database,
				"--no-password",
			},
			Env: []string{"PGPASSWORD=" + conn.Password},
		}
	}

	return Command{
		Name: source.Option("mysqldump_path", "mysqldump"),
		Args: []string{
			"--single-transaction",
			"--routines",
			"--triggers",
			"--host=" + conn.Host,
			"--port=" + conn.Port,
			"--user=" + conn.User,
			conn.Database,
		},
		Env: []string{"MYSQL_PWD=" + conn.Password},
	}
}

func (a *RelationalAdapter) Restore(ctx context.Context, target SourceConfig, artifact string, subset []string) error {
	if len(subset) > 0 {
		return NewValidationError("partial restore is not supported for relational sources", nil)
	}
	conn, err := parseRelationalURI(target.URI)
	if err != nil {
		return NewRestoreError("invalid relational restore target", err)
	}
	if conn.Database == "" {
		return NewRestoreError("restore target has no database", nil)
	}

	file, err := os.Open(artifact)
	if err != nil {
		return NewRestoreError("failed to open restore artifact", err)
	}
	defer file.Close()

	var cmd Command
	if conn.Engine == "postgres" {
		cmd = Command{
			Name: target.Option("pg_restore_path", "pg_restore"),
			Args: []string{
				"--clean",
				"--if-exists",
				"--no-owner",
				"--host=" + conn.Host,
				"--port=" + conn.Port,
				"--username=" + conn.User,
				"--dbname=" + conn.Database,
				"--no-password",
			},
			Env:   []string{"PGPASSWORD=" + conn.Password},
			Stdin: file,
		}
	} else {
		cmd = Command{
			Name: target.Option("mysql_path", "mysql"),
			Args: []string{
				"--host=" + conn.Host,
				"--port=" + conn.Port,
				"--user=" + conn.User,
				conn.Database,
			},
			Env:   []string{"MYSQL_PWD=" + conn.Password},
			Stdin: file,
		}
	}

	if _, err := a.executor.Run(ctx, cmd); err != nil {
		return asPipelineError(BackupErrorTypeRestore, "restore tool failed", err)
	}
	return nil
}

// Validate sniffs the dump header: plain SQL from mysqldump or pg_dump's custom archive.
func (a *RelationalAdapter) Validate(ctx context.Context, artifact string) error {
	file, err := os.Open(artifact)
	if err != nil {
		return NewRestoreError("failed to open artifact", err)
	}
	defer file.Close()

	head, err := bufio.NewReader(file).Peek(64)
	if err != nil && len(head) == 0 {
		return NewRestoreError("artifact is empty", err)
	}

	text := string(head)
	switch {
	case strings.HasPrefix(text, "PGDMP"):
		return nil
	case strings.HasPrefix(text, "-- MySQL dump"), strings.HasPrefix(text, "-- MariaDB dump"):
		return nil
	default:
		return NewRestoreError("artifact is not a recognised database dump", nil)
	}
}
