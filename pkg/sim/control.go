package sim

import (
	"math"
	"time"

	"github.com/raterudder/energysim/pkg/types"
)

const (
	MaxChargeKW    = 5.0
	MaxDischargeKW = 5.0

	// forced-charge draws when there is no solar surplus to use
	forcedGridBoostKW  = 2.0
	forcedGridChargeKW = 4.0
	forcedSolarKW      = 2.0
	forcedTrickleKW    = 1.5

	timeBasedDischargeKW  = 2.0
	timeBasedReserveSlack = 10.0

	// statusThresholdKW is the battery power beyond which a device reports
	// charging or discharging instead of online.
	statusThresholdKW = 0.5
)

// Resolution names which rule decided the battery power for a tick.
type Resolution string

const (
	ResolutionForcedCharge    Resolution = "forced_charge"
	ResolutionForcedDischarge Resolution = "forced_discharge"
	ResolutionIsolated        Resolution = "isolated"
	ResolutionModeDefault     Resolution = "mode_default"
)

// ControlInput is everything the battery state machine looks at for one tick.
type ControlInput struct {
	SolarKW       float64
	HomeKW        float64
	Hour          float64
	ChargePercent float64
	Spec          types.DeviceSpec
	Flags         types.ControlFlags
	Now           time.Time
}

// Decision is the outcome of the battery state machine.
type Decision struct {
	// BatteryKW is positive when charging and negative when discharging.
	BatteryKW  float64
	Resolution Resolution
	// ChargeWindowActive is true while a forced-charge window is open, even if
	// the battery is already full.
	ChargeWindowActive bool
	// ChargeWindowElapsed is true if the flags still carry a forced-charge
	// deadline that has passed. The caller clears it.
	ChargeWindowElapsed bool
}

// availableKWH returns the energy stored above the backup reserve.
func availableKWH(chargePercent float64, spec types.DeviceSpec) float64 {
	return math.Max(0, (chargePercent-spec.BackupReservePercent)/100*spec.BatteryCapacityKWH)
}

// ResolveBatteryPower runs the battery state machine. Exactly one of the
// forced-charge, forced-discharge, isolated or mode-default rules applies, in
// that order.
func ResolveBatteryPower(in ControlInput) Decision {
	d := Decision{
		ChargeWindowActive:  in.Flags.ChargeActive(in.Now),
		ChargeWindowElapsed: in.Flags.ChargeElapsed(in.Now),
	}
	charge := in.ChargePercent
	reserve := in.Spec.BackupReservePercent

	switch {
	case d.ChargeWindowActive && charge < 100:
		d.Resolution = ResolutionForcedCharge
		d.BatteryKW = forcedChargeKW(in)
	case in.Flags.Discharging && charge > reserve:
		d.Resolution = ResolutionForcedDischarge
		d.BatteryKW = -min(MaxDischargeKW, 2*availableKWH(charge, in.Spec), math.Abs(in.HomeKW))
	case in.Flags.Isolated:
		d.Resolution = ResolutionIsolated
		d.BatteryKW = isolatedKW(in)
	default:
		d.Resolution = ResolutionModeDefault
		d.BatteryKW = modeKW(in)
	}
	return d
}

func forcedChargeKW(in ControlInput) float64 {
	surplus := math.Max(0, in.SolarKW-in.HomeKW)
	grid := in.Spec.GridChargingEnabled
	switch {
	case surplus > 0:
		kw := min(surplus, MaxChargeKW)
		if grid && kw < MaxChargeKW {
			kw = min(MaxChargeKW, kw+forcedGridBoostKW)
		}
		return kw
	case grid:
		return min(MaxChargeKW, forcedGridChargeKW)
	case in.SolarKW > 0:
		return min(in.SolarKW, MaxChargeKW, forcedSolarKW)
	default:
		return min(MaxChargeKW, forcedTrickleKW)
	}
}

// isolatedKW covers the home from the battery and soaks up any solar surplus,
// both in the same tick.
func isolatedKW(in ControlInput) float64 {
	var kw float64
	charge := in.ChargePercent
	if in.HomeKW > 0 && charge > in.Spec.BackupReservePercent {
		kw = -min(MaxDischargeKW, in.HomeKW, 2*availableKWH(charge, in.Spec))
	}
	if in.SolarKW > in.HomeKW && charge < 100 {
		kw += min(in.SolarKW-in.HomeKW, MaxChargeKW)
	}
	return kw
}

func modeKW(in ControlInput) float64 {
	net := in.SolarKW - in.HomeKW
	charge := in.ChargePercent
	reserve := in.Spec.BackupReservePercent

	switch in.Spec.OperationMode {
	case types.OperationModeBackup:
		// backup mode keeps the reserve untouched and never discharges
		if net > 0 && charge < 100 {
			return min(net, MaxChargeKW)
		}
	case types.OperationModeTimeBased:
		if in.Hour >= 10 && in.Hour <= 14 && charge > reserve+timeBasedReserveSlack {
			return -min(MaxDischargeKW, timeBasedDischargeKW)
		}
		if (in.Hour >= 22 || in.Hour <= 6) && net > 0 && charge < 100 {
			return min(net, MaxChargeKW)
		}
	default:
		// self powered, and advanced until it has its own strategy
		if net > 0 && charge < 100 {
			return min(net, MaxChargeKW)
		}
		if net < 0 && charge > reserve {
			if avail := availableKWH(charge, in.Spec); avail > 0 {
				return -min(-net, MaxDischargeKW, 2*avail)
			}
		}
	}
	return 0
}

// NextStatus returns the status a simulated device reports after a tick.
func NextStatus(batteryKW float64, chargeWindowActive bool) types.DeviceStatus {
	switch {
	case chargeWindowActive, batteryKW > statusThresholdKW:
		return types.DeviceStatusCharging
	case batteryKW < -statusThresholdKW:
		return types.DeviceStatusDischarging
	default:
		return types.DeviceStatusOnline
	}
}

// GridPower balances the home against solar and battery. An isolated device
// never exchanges power with the grid.
func GridPower(isolated bool, solarKW, homeKW, batteryKW float64) float64 {
	if isolated {
		return 0
	}
	return homeKW - solarKW - batteryKW
}
