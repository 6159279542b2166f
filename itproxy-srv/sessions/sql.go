package sessions

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

// SessionTable is the table the session owner maintains. Columns:
// key, key_type, token, host, port, info.
const SessionTable = "gxitproxy"

const selectSessions = `SELECT key, token, host, port FROM ` + SessionTable

// SQLSource reads the session table from SQLite or PostgreSQL.
type SQLSource struct {
	db     *sql.DB
	driver string
	name   string
}

// NewSQLiteSource opens the SQLite database at path read-only.
func NewSQLiteSource(path string) (*SQLSource, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite session database: %w", err)
	}
	logger.Debug("Opened sqlite session source %s", path)
	return &SQLSource{db: db, driver: "sqlite3", name: "sqlite " + path}, nil
}

// NewPostgresSource connects to the PostgreSQL database at dsn.
func NewPostgresSource(dsn string) (*SQLSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL session database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger.Debug("Opened postgres session source")
	return &SQLSource{db: db, driver: "postgres", name: "postgres"}, nil
}

// NewSQLSourceFromDB wraps an existing handle.
func NewSQLSourceFromDB(db *sql.DB, driver string) *SQLSource {
	return &SQLSource{db: db, driver: driver, name: driver}
}

func (s *SQLSource) Name() string {
	return s.name
}

// Load reads every row of the session table.
func (s *SQLSource) Load(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Error("Error closing session rows: %v", closeErr)
		}
	}()

	table := make(map[string]Entry)
	for rows.Next() {
		var key, token, host, port sql.NullString
		if err := rows.Scan(&key, &token, &host, &port); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if !key.Valid {
			continue
		}

		portNum := 0
		if port.Valid && strings.TrimSpace(port.String) != "" {
			portNum, err = strconv.Atoi(strings.TrimSpace(port.String))
			if err != nil {
				logger.Warn("Skipping session %s with invalid port %q", key.String, port.String)
				continue
			}
		}

		table[key.String] = Entry{
			Token:  token.String,
			Target: Target{Host: host.String, Port: portNum},
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return table, nil
}

// Ping checks database connectivity.
func (s *SQLSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}
