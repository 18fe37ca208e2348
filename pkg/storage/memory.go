package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/energysim/pkg/types"
)

// Memory is a process-local Database. Nothing survives a restart.
type Memory struct {
	mu        sync.RWMutex
	telemetry map[string][]types.TelemetrySample
	commands  map[string][]types.CommandRecord
}

var _ Database = (*Memory)(nil)

// NewMemory returns an empty Memory database.
func NewMemory() *Memory {
	return &Memory{
		telemetry: make(map[string][]types.TelemetrySample),
		commands:  make(map[string][]types.CommandRecord),
	}
}

// InsertTelemetry keeps each device's samples sorted by timestamp. A sample
// replaces an existing one with the same timestamp, and only the newest
// MaxSamplesPerDevice are kept.
func (m *Memory) InsertTelemetry(_ context.Context, samples []types.TelemetrySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[string]struct{})
	for _, s := range samples {
		if s.DeviceID == "" {
			return ErrMissingDeviceID
		}
		s.Timestamp = s.Timestamp.UTC()
		list := m.telemetry[s.DeviceID]
		i := sort.Search(len(list), func(i int) bool {
			return !list[i].Timestamp.Before(s.Timestamp)
		})
		if i < len(list) && list[i].Timestamp.Equal(s.Timestamp) {
			list[i] = s
			continue
		}
		list = append(list, types.TelemetrySample{})
		copy(list[i+1:], list[i:])
		list[i] = s
		m.telemetry[s.DeviceID] = list
		touched[s.DeviceID] = struct{}{}
	}
	for id := range touched {
		if list := m.telemetry[id]; len(list) > MaxSamplesPerDevice {
			m.telemetry[id] = append([]types.TelemetrySample(nil), list[len(list)-MaxSamplesPerDevice:]...)
		}
	}
	return nil
}

func (m *Memory) GetTelemetryHistory(_ context.Context, deviceID string, start, end time.Time) ([]types.TelemetrySample, error) {
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.telemetry[deviceID]
	lo := sort.Search(len(list), func(i int) bool {
		return !list[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil, nil
	}
	return append([]types.TelemetrySample(nil), list[lo:hi]...), nil
}

func (m *Memory) UpsertCommand(_ context.Context, deviceID string, record types.CommandRecord) error {
	if deviceID == "" {
		return ErrMissingDeviceID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.commands[deviceID]
	for i := range list {
		if list[i].Result.ID == record.Result.ID {
			list[i] = record
			return nil
		}
	}
	list = append(list, record)
	if len(list) > MaxSamplesPerDevice {
		list = list[len(list)-MaxSamplesPerDevice:]
	}
	m.commands[deviceID] = list
	return nil
}

func (m *Memory) GetCommandHistory(_ context.Context, deviceID string, limit int) ([]types.CommandRecord, error) {
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.commands[deviceID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]types.CommandRecord(nil), list...), nil
}

func (m *Memory) Close() error {
	return nil
}
