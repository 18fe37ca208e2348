package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/raterudder/energysim/pkg/types"
)

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every sample as JSON on "<prefix>.<deviceID>".
type NATSSink struct {
	conn   publisher
	prefix string
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url, prefix string) (*NATSSink, *nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("energysim"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSink{conn: conn, prefix: prefix}, conn, nil
}

// Subject returns the subject samples of deviceID are published on.
func (s *NATSSink) Subject(deviceID string) string {
	return s.prefix + "." + deviceID
}

func (s *NATSSink) Send(_ context.Context, sample types.TelemetrySample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry: %w", err)
	}
	if err := s.conn.Publish(s.Subject(sample.DeviceID), payload); err != nil {
		return fmt.Errorf("failed to publish telemetry: %w", err)
	}
	return nil
}
