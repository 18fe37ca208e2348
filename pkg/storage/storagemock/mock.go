package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/energysim/pkg/storage"
	"github.com/raterudder/energysim/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) InsertTelemetry(ctx context.Context, samples []types.TelemetrySample) error {
	args := m.Called(ctx, samples)
	return args.Error(0)
}

func (m *MockDatabase) GetTelemetryHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.TelemetrySample, error) {
	args := m.Called(ctx, deviceID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.TelemetrySample), args.Error(1)
}

func (m *MockDatabase) UpsertCommand(ctx context.Context, deviceID string, record types.CommandRecord) error {
	args := m.Called(ctx, deviceID, record)
	return args.Error(0)
}

func (m *MockDatabase) GetCommandHistory(ctx context.Context, deviceID string, limit int) ([]types.CommandRecord, error) {
	args := m.Called(ctx, deviceID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.CommandRecord), args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
