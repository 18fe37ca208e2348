package sim

import (
	"math"
	"time"
)

// Direction selects whether Integrate moves the charge forward or backward in
// time.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// Step describes one integration interval for a battery.
type Step struct {
	CapacityKWH    float64
	ReservePercent float64
	Duration       time.Duration
}

// Integrate moves charge by powerKW applied over the step. Forward returns the
// charge at the end of the interval. Reverse treats charge as the end of the
// interval and returns the charge at its start.
//
// Charging never goes past 100% and discharging never goes below the reserve
// (or the starting charge, if that is already below the reserve). When a limit
// cuts the move short the returned power is scaled down to the energy that was
// actually moved, so integrating the other way with it lands on the starting
// charge.
func (s Step) Integrate(charge, powerKW float64, dir Direction) (float64, float64) {
	hours := s.Duration.Hours()
	if hours <= 0 || s.CapacityKWH <= 0 {
		return clamp(charge, 0, 100), 0
	}
	delta := powerKW * hours / s.CapacityKWH * 100

	var raw, next float64
	switch dir {
	case Reverse:
		raw = charge - delta
		next = raw
		if powerKW > 0 {
			next = math.Max(next, math.Min(s.ReservePercent, charge))
		} else if powerKW < 0 {
			next = math.Min(next, 100)
		}
	default:
		raw = charge + delta
		next = raw
		if powerKW > 0 {
			next = math.Min(next, 100)
		} else if powerKW < 0 {
			next = math.Max(next, math.Min(s.ReservePercent, charge))
		}
	}
	next = clamp(next, 0, 100)
	if next == raw {
		return next, powerKW
	}

	moved := next - charge
	if dir == Reverse {
		moved = charge - next
	}
	return next, moved / 100 * s.CapacityKWH / hours
}
