// Package services contains business logic implementations.
package services

import (
	"context"
	"time"

	"github.com/TFMV/gatekeeper/pkg/models"
)

// AccessService decides whether SQL may run and which objects a user can see.
type AccessService interface {
	ValidateQueryAccess(ctx context.Context, req models.QueryAccessRequest) (*models.AccessDecision, error)
	CheckUserAccess(ctx context.Context, userID, database string, table *string, accessType models.AccessType, connectionID *string) (*models.AccessResult, error)
	FilterDatabases(ctx context.Context, userID string, isAdmin bool, databases []string) ([]string, error)
	FilterTables(ctx context.Context, userID string, isAdmin bool, database string, tables []string) ([]string, error)
}

// PatternCompiler turns raw rule patterns into compiled ones.
type PatternCompiler interface {
	Compile(raw string) models.Pattern
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop() time.Duration
}
