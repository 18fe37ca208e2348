package types

import (
	"strings"
	"time"
)

// OperationMode is the battery operating strategy configured on a device.
type OperationMode string

const (
	OperationModeBackup      OperationMode = "backup"
	OperationModeSelfPowered OperationMode = "self_powered"
	OperationModeTimeBased   OperationMode = "time_based_control"
	OperationModeAdvanced    OperationMode = "advanced"
)

// ParseOperationMode accepts either the wire value ("self_powered") or the
// constant-style name ("SELF_POWERED").
func ParseOperationMode(s string) (OperationMode, bool) {
	m := OperationMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case OperationModeBackup, OperationModeSelfPowered, OperationModeTimeBased, OperationModeAdvanced:
		return m, true
	}
	return "", false
}

// DeviceType is the kind of hardware a device represents.
type DeviceType string

const (
	DeviceTypePowerwall     DeviceType = "powerwall"
	DeviceTypeSolarInverter DeviceType = "solar_inverter"
	DeviceTypeWallConnector DeviceType = "wall_connector"
)

// DeviceStatus is the externally visible state of a device.
type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusStandby     DeviceStatus = "standby"
	DeviceStatusCharging    DeviceStatus = "charging"
	DeviceStatusDischarging DeviceStatus = "discharging"
	DeviceStatusFault       DeviceStatus = "fault"
	DeviceStatusUpdating    DeviceStatus = "updating"
)

// Simulated returns true if the periodic tick should advance a device in this
// status. Every other status freezes the power balance.
func (s DeviceStatus) Simulated() bool {
	switch s {
	case DeviceStatusOnline, DeviceStatusCharging, DeviceStatusDischarging:
		return true
	}
	return false
}

// DeviceSpec is the part of a device the simulation reads on every tick.
type DeviceSpec struct {
	ID                   string        `json:"deviceID"`
	BatteryCapacityKWH   float64       `json:"batteryCapacityKWH"`
	SolarCapacityKW      float64       `json:"solarCapacityKW,omitempty"` // 0 if there is no solar array
	BackupReservePercent float64       `json:"backupReservePercent"`      // 0-100
	OperationMode        OperationMode `json:"operationMode"`
	GridChargingEnabled  bool          `json:"gridChargingEnabled"`
}

// Device is a registered installation.
type Device struct {
	DeviceSpec
	SerialNumber    string       `json:"serialNumber"`
	Type            DeviceType   `json:"deviceType"`
	Model           string       `json:"model"`
	Location        string       `json:"location,omitempty"`
	FirmwareVersion string       `json:"firmwareVersion"`
	Status          DeviceStatus `json:"status"`
	InstalledAt     time.Time    `json:"installedAt"`
	LastSeen        time.Time    `json:"lastSeen"`
}

// ControlFlags are the operator overrides consumed by the battery state machine.
type ControlFlags struct {
	Isolated      bool      `json:"isolated"`
	IsolatedSince time.Time `json:"isolatedSince,omitzero"` // zero if unknown
	ChargeFrom    time.Time `json:"chargeFrom,omitzero"`    // start of the forced-charge window, zero if unknown
	ChargeUntil   time.Time `json:"chargeUntil"`            // zero when no forced-charge window is set
	Discharging   bool      `json:"discharging"`
}

// At returns the flags as they were at ts. Overrides that started after ts are
// dropped. An override without a start time applies at every ts.
func (f ControlFlags) At(ts time.Time) ControlFlags {
	if f.Isolated && !f.IsolatedSince.IsZero() && ts.Before(f.IsolatedSince) {
		f.Isolated = false
		f.IsolatedSince = time.Time{}
	}
	if !f.ChargeUntil.IsZero() && !f.ChargeFrom.IsZero() && ts.Before(f.ChargeFrom) {
		f.ChargeFrom = time.Time{}
		f.ChargeUntil = time.Time{}
	}
	return f
}

// ChargeActive returns true if a forced-charge window is open at now.
func (f ControlFlags) ChargeActive(now time.Time) bool {
	return !f.ChargeUntil.IsZero() && f.ChargeUntil.After(now)
}

// ChargeElapsed returns true if a forced-charge window was set but has ended.
func (f ControlFlags) ChargeElapsed(now time.Time) bool {
	return !f.ChargeUntil.IsZero() && !f.ChargeUntil.After(now)
}
