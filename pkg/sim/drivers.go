package sim

import (
	"math"
	"math/rand"
)

const (
	solarPeakHour     = 12.0
	solarHalfWidthHrs = 6.0
)

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// Solar returns the solar generation in kW at the given hour of day.
// The output follows a parabola peaking at noon, jittered by 0.8-1.0 and scaled
// by the weather factor. Nothing is generated outside 06:00-20:00.
func Solar(rng *rand.Rand, hour, weatherFactor, capacityKW float64) float64 {
	if capacityKW <= 0 || hour < 6 || hour > 20 {
		return 0
	}
	intensity := math.Max(0, 1-math.Pow((hour-solarPeakHour)/solarHalfWidthHrs, 2))
	intensity *= uniform(rng, 0.8, 1.0)
	intensity *= weatherFactor
	return capacityKW * intensity
}

// consumptionBand returns the multiplier range applied to the baseline home
// load at the given hour.
func consumptionBand(hour float64) (float64, float64) {
	switch {
	case hour >= 7 && hour <= 9:
		// morning peak
		return 1.3, 1.8
	case hour >= 17 && hour <= 21:
		// evening peak
		return 1.5, 2.2
	case hour >= 22 || hour <= 6:
		return 0.5, 0.8
	default:
		return 0.8, 1.2
	}
}

// HomeConsumption returns the home load in kW at the given hour of day. Every
// call draws a fresh multiplier from the hour's band.
func HomeConsumption(rng *rand.Rand, hour, baselineKW float64) float64 {
	lo, hi := consumptionBand(hour)
	return baselineKW * uniform(rng, lo, hi)
}

// nextWeather advances the live weather random walk by at most 0.02.
func nextWeather(rng *rand.Rand, weatherFactor float64) float64 {
	return clamp(weatherFactor+uniform(rng, -0.02, 0.02), 0.3, 1.0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
