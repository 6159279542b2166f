package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting proxy statistics
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, connectionUUID, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, statusCode int, duration time.Duration, closeReason string) error

	// Error tracking
	RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error
	RecordResolutionMiss(ctx context.Context, host, method, path string) error

	// Queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// Close reasons recorded with EndConnection.
const (
	CloseReasonCompleted     = "completed"
	CloseReasonUpstreamError = "upstream_error"
	CloseReasonPanic         = "panic"
)

// Error types recorded with RecordError.
const (
	ErrorTypeUpstream = "upstream_error"
	ErrorTypeHandler  = "handler_error"
)

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64  `json:"total_connections"`
	ActiveConnections int64  `json:"active_connections"`
	TotalErrors       int64  `json:"total_errors"`
	ResolutionMisses  int64  `json:"resolution_misses"`
	Uptime            string `json:"uptime"`
}
