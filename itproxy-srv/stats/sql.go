package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/itproxy/itproxy-srv/logger"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLCollector implements Collector on SQLite or PostgreSQL.
type SQLCollector struct {
	db        *sql.DB
	driver    string
	startTime time.Time
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	return newSQLCollector(db, "sqlite3")
}

// NewPostgreSQLCollector creates a new PostgreSQL-based stats collector
func NewPostgreSQLCollector(connectionString string) (*SQLCollector, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLCollector(db, "postgres")
}

func newSQLCollector(db *sql.DB, driver string) (*SQLCollector, error) {
	c := &SQLCollector{db: db, driver: driver, startTime: time.Now()}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("Initialized stats collector %s", driver)
	return c, nil
}

func (c *SQLCollector) initSchema() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if c.driver == "postgres" {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS connections (
			id ` + idColumn + `,
			uuid TEXT NOT NULL,
			client_ip TEXT NOT NULL,
			target_host TEXT NOT NULL,
			target_port INTEGER NOT NULL,
			protocol TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			status_code INTEGER,
			duration_ms BIGINT,
			close_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS errors (
			id ` + idColumn + `,
			connection_id BIGINT,
			error_type TEXT NOT NULL,
			error_message TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS resolution_misses (
			id ` + idColumn + `,
			host TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_connection_id ON errors(connection_id)`,
	}

	for _, stmt := range statements {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (c *SQLCollector) rebind(query string) string {
	if c.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *SQLCollector) StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	var id int64
	err := c.db.QueryRowContext(ctx, c.rebind(
		`INSERT INTO connections (uuid, client_ip, target_host, target_port, protocol, started_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		connectionUUID, clientIP, targetHost, targetPort, protocol, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

func (c *SQLCollector) EndConnection(ctx context.Context, connectionID int64, statusCode int, duration time.Duration, closeReason string) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`UPDATE connections SET ended_at = ?, status_code = ?, duration_ms = ?, close_reason = ? WHERE id = ?`),
		time.Now().UTC(), statusCode, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

func (c *SQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp) VALUES (?, ?, ?, ?)`),
		connectionID, errorType, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (c *SQLCollector) RecordResolutionMiss(ctx context.Context, host, method, path string) error {
	_, err := c.db.ExecContext(ctx, c.rebind(
		`INSERT INTO resolution_misses (host, method, path, timestamp) VALUES (?, ?, ?, ?)`),
		host, method, path, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record resolution miss: %w", err)
	}
	return nil
}

func (c *SQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	out := &OverviewStats{Uptime: time.Since(c.startTime).Round(time.Second).String()}

	queries := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM connections`, &out.TotalConnections},
		{`SELECT COUNT(*) FROM connections WHERE ended_at IS NULL`, &out.ActiveConnections},
		{`SELECT COUNT(*) FROM errors`, &out.TotalErrors},
		{`SELECT COUNT(*) FROM resolution_misses`, &out.ResolutionMisses},
	}
	for _, q := range queries {
		if err := c.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("failed to query overview stats: %w", err)
		}
	}
	return out, nil
}

func (c *SQLCollector) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *SQLCollector) Close() error {
	return c.db.Close()
}
