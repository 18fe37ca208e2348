package storage

import (
	"context"
	"errors"
	"time"

	"github.com/raterudder/energysim/pkg/types"
)

// MaxSamplesPerDevice is how many telemetry samples are kept for each device.
const MaxSamplesPerDevice = 1000

var (
	ErrMissingDeviceID = errors.New("deviceID cannot be empty")
)

// Database archives telemetry samples and command records.
type Database interface {
	// Telemetry
	InsertTelemetry(ctx context.Context, samples []types.TelemetrySample) error
	// GetTelemetryHistory returns the samples in [start, end] ordered by
	// timestamp.
	GetTelemetryHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.TelemetrySample, error)

	// Commands
	// UpsertCommand adds a command or replaces the one with the same result id.
	UpsertCommand(ctx context.Context, deviceID string, record types.CommandRecord) error
	// GetCommandHistory returns the most recent limit commands, oldest first.
	GetCommandHistory(ctx context.Context, deviceID string, limit int) ([]types.CommandRecord, error)

	// Lifecycle
	Close() error
}
