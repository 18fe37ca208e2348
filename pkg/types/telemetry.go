package types

import "time"

// TelemetrySample is one tick of simulated device output.
type TelemetrySample struct {
	DeviceID             string    `json:"deviceID"`
	Timestamp            time.Time `json:"timestamp"`
	BatteryChargePercent float64   `json:"batteryChargePercent"` // 0-100
	BatteryKW            float64   `json:"batteryKW"`            // Positive for charge, negative for discharge
	SolarKW              float64   `json:"solarKW"`              // Solar generation (kW)
	GridKW               float64   `json:"gridKW"`               // Grid import/export (kW, + import, - export)
	HomeKW               float64   `json:"homeKW"`               // Home consumption (kW)
	BatteryTemperatureC  float64   `json:"batteryTemperatureC"`
	StateOfHealthPercent float64   `json:"stateOfHealthPercent"`
	Cycles               int       `json:"cycles"`

	InverterTemperatureC float64       `json:"inverterTemperatureC"`
	Voltage              float64       `json:"voltage"`
	FrequencyHz          float64       `json:"frequencyHz"`
	BackupReservePercent float64       `json:"backupReservePercent"`
	OperationMode        OperationMode `json:"operationMode"`
}

// TelemetryHistory is a time-ascending window of samples for one device.
type TelemetryHistory struct {
	DeviceID   string            `json:"deviceID"`
	StartTime  time.Time         `json:"startTime"`
	EndTime    time.Time         `json:"endTime"`
	DataPoints []TelemetrySample `json:"dataPoints"`
}
