package sim

import (
	"math"
	"math/rand"
	"time"

	"github.com/raterudder/energysim/pkg/types"
)

const (
	ambientTemperatureC = 22.0
	nominalVoltage      = 240.0
	nominalFrequencyHz  = 60.0
)

type flows struct {
	chargePercent float64
	batteryKW     float64
	solarKW       float64
	homeKW        float64
	gridKW        float64
}

// stateOfHealth degrades linearly by 10% every 10000 cycles and bottoms out
// at 80%.
func stateOfHealth(cycles int) float64 {
	return math.Max(80, 100-float64(cycles)/10000*10)
}

// synthesize packages one tick of power flows with the derived thermal and
// electrical readings.
func synthesize(rng *rand.Rand, spec types.DeviceSpec, ts time.Time, hour float64, cycles int, f flows) types.TelemetrySample {
	temp := ambientTemperatureC +
		math.Abs(f.batteryKW)*0.5 +
		math.Sin((hour-6)*math.Pi/12)*3 +
		uniform(rng, -1, 1)

	return types.TelemetrySample{
		DeviceID:             spec.ID,
		Timestamp:            ts.UTC(),
		BatteryChargePercent: f.chargePercent,
		BatteryKW:            f.batteryKW,
		SolarKW:              f.solarKW,
		GridKW:               f.gridKW,
		HomeKW:               f.homeKW,
		BatteryTemperatureC:  temp,
		StateOfHealthPercent: stateOfHealth(cycles),
		Cycles:               cycles,
		InverterTemperatureC: temp + uniform(rng, 5, 10),
		Voltage:              nominalVoltage + uniform(rng, -2, 2),
		FrequencyHz:          nominalFrequencyHz + uniform(rng, -0.1, 0.1),
		BackupReservePercent: spec.BackupReservePercent,
		OperationMode:        spec.OperationMode,
	}
}

// hourOf returns the fractional hour of day of t in loc.
func hourOf(t time.Time, loc *time.Location) float64 {
	t = t.In(loc)
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}
