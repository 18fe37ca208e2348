package stream

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/raterudder/energysim/pkg/common"
	"github.com/raterudder/energysim/pkg/types"
)

const influxMeasurement = "telemetry"

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes every sample as a point in an InfluxDB bucket.
type InfluxSink struct {
	writer pointWriter
}

// NewInfluxSink creates a blocking writer for org and bucket.
func NewInfluxSink(url, token, org, bucket string) (*InfluxSink, influxdb2.Client) {
	opts := influxdb2.DefaultOptions().SetHTTPClient(common.HTTPClient(10 * time.Second))
	client := influxdb2.NewClientWithOptions(url, token, opts)
	return &InfluxSink{writer: client.WriteAPIBlocking(org, bucket)}, client
}

func samplePoint(s types.TelemetrySample) *write.Point {
	return influxdb2.NewPoint(influxMeasurement,
		map[string]string{
			"device_id":      s.DeviceID,
			"operation_mode": string(s.OperationMode),
		},
		map[string]interface{}{
			"battery_charge_percent":  s.BatteryChargePercent,
			"battery_kw":              s.BatteryKW,
			"solar_kw":                s.SolarKW,
			"grid_kw":                 s.GridKW,
			"home_kw":                 s.HomeKW,
			"battery_temperature_c":   s.BatteryTemperatureC,
			"state_of_health_percent": s.StateOfHealthPercent,
			"cycles":                  s.Cycles,
			"inverter_temperature_c":  s.InverterTemperatureC,
			"voltage":                 s.Voltage,
			"frequency_hz":            s.FrequencyHz,
			"backup_reserve_percent":  s.BackupReservePercent,
		},
		s.Timestamp,
	)
}

func (s *InfluxSink) Send(ctx context.Context, sample types.TelemetrySample) error {
	if err := s.writer.WritePoint(ctx, samplePoint(sample)); err != nil {
		return fmt.Errorf("failed to write telemetry point: %w", err)
	}
	return nil
}
