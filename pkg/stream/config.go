package stream

import (
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/levenlabs/go-lflag"
	"github.com/nats-io/nats.go"

	"github.com/raterudder/energysim/pkg/sim"
)

// Sinks holds the websocket hub and every external telemetry sink that was
// configured.
type Sinks struct {
	hub    *Hub
	sinks  []sim.Sink
	nats   *nats.Conn
	influx influxdb2.Client
}

// Configured sets up the hub and, if their URLs are set, the NATS and InfluxDB
// sinks.
func Configured() *Sinks {
	natsURL := lflag.String("nats-url", "", "NATS server URL to publish telemetry to (disabled if empty)")
	natsPrefix := lflag.String("nats-subject-prefix", "telemetry", "Subject prefix for published telemetry")
	influxURL := lflag.String("influx-url", "", "InfluxDB URL to write telemetry to (disabled if empty)")
	influxToken := lflag.String("influx-token", "", "InfluxDB API token")
	influxOrg := lflag.String("influx-org", "", "InfluxDB organization")
	influxBucket := lflag.String("influx-bucket", "telemetry", "InfluxDB bucket")

	s := &Sinks{hub: NewHub()}
	s.sinks = append(s.sinks, s.hub)

	lflag.Do(func() {
		if *natsURL != "" {
			sink, conn, err := NewNATSSink(*natsURL, *natsPrefix)
			if err != nil {
				panic(fmt.Sprintf("nats init failed: %v", err))
			}
			s.nats = conn
			s.sinks = append(s.sinks, sink)
		}
		if *influxURL != "" {
			if *influxOrg == "" {
				panic("influx-org is required with influx-url")
			}
			sink, client := NewInfluxSink(*influxURL, *influxToken, *influxOrg, *influxBucket)
			s.influx = client
			s.sinks = append(s.sinks, sink)
		}
	})
	return s
}

// Hub returns the websocket hub.
func (s *Sinks) Hub() *Hub {
	return s.hub
}

// All returns every sink, starting with the hub.
func (s *Sinks) All() []sim.Sink {
	return s.sinks
}

// Close flushes and closes the external connections.
func (s *Sinks) Close() error {
	var err error
	if s.nats != nil {
		err = s.nats.Drain()
	}
	if s.influx != nil {
		s.influx.Close()
	}
	return err
}
