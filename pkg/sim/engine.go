package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/energysim/pkg/log"
	"github.com/raterudder/energysim/pkg/types"
)

// Devices is the part of the device registry the engine needs. Update must
// hold the device's lock while fn runs.
type Devices interface {
	Update(id string, fn func(d *types.Device, f *types.ControlFlags) error) error
	List() []types.Device
}

// Sink receives every sample produced by the periodic tick.
type Sink interface {
	Send(ctx context.Context, sample types.TelemetrySample) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, sample types.TelemetrySample) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, sample types.TelemetrySample) error {
	return f(ctx, sample)
}

// Engine advances every registered device and produces telemetry.
type Engine struct {
	devices Devices
	states  StateStore

	sinksMu sync.RWMutex
	sinks   []Sink

	tickInterval time.Duration
	simTick      time.Duration
	dayCycleStep time.Duration
	historyStep  time.Duration
	maxPoints    int
	seed         int64
	location     *time.Location

	now func() time.Time
}

// Configured sets up the Engine from flags.
func Configured(devices Devices) *Engine {
	e := New(devices, time.Now().UnixNano())

	tickInterval := lflag.Duration("sim-tick-interval", 5*time.Second, "How often every device is advanced")
	simTick := lflag.Duration("sim-tick", 5*time.Minute, "Simulated time integrated per live tick")
	dayCycleStep := lflag.Duration("sim-day-cycle-step", time.Minute, "Simulated time of day advanced per live tick")
	historyStep := lflag.Duration("history-step", time.Minute, "Spacing between backfilled history samples")
	maxPoints := e.maxPoints
	lflag.JSON(&maxPoints, "history-max-points", maxPoints, "Maximum samples backfilled per history request")
	var seed int64
	lflag.JSON(&seed, "sim-seed", seed, "Random seed for the simulation (0 picks one from the clock)")
	location := lflag.String("sim-location", "UTC", "Time zone used to derive the hour of day")

	lflag.Do(func() {
		if err := checkTimings(*tickInterval, *simTick, *dayCycleStep, *historyStep); err != nil {
			panic(err.Error())
		}
		e.tickInterval = *tickInterval
		e.simTick = *simTick
		e.dayCycleStep = *dayCycleStep
		e.historyStep = *historyStep
		if maxPoints <= 0 {
			panic(fmt.Sprintf("history-max-points must be positive: %d", maxPoints))
		}
		e.maxPoints = maxPoints
		if seed != 0 {
			e.seed = seed
		}
		loc, err := time.LoadLocation(*location)
		if err != nil {
			panic(fmt.Sprintf("invalid sim-location %q: %v", *location, err))
		}
		e.location = loc
	})
	return e
}

// checkTimings rejects steps that would stall the ticker or the history
// walk.
func checkTimings(tickInterval, simTick, dayCycleStep, historyStep time.Duration) error {
	switch {
	case tickInterval <= 0:
		return fmt.Errorf("sim-tick-interval must be positive: %s", tickInterval)
	case simTick <= 0:
		return fmt.Errorf("sim-tick must be positive: %s", simTick)
	case historyStep <= 0:
		return fmt.Errorf("history-step must be positive: %s", historyStep)
	case dayCycleStep < 0:
		return fmt.Errorf("sim-day-cycle-step must not be negative: %s", dayCycleStep)
	}
	return nil
}

// New returns an Engine with the default timings.
func New(devices Devices, seed int64) *Engine {
	return &Engine{
		devices:      devices,
		states:       newMemoryStates(),
		tickInterval: 5 * time.Second,
		simTick:      5 * time.Minute,
		dayCycleStep: time.Minute,
		historyStep:  time.Minute,
		maxPoints:    200,
		seed:         seed,
		location:     time.UTC,
		now:          time.Now,
	}
}

// AddSink registers a sink for samples produced by Tick.
func (e *Engine) AddSink(s Sink) {
	e.sinksMu.Lock()
	defer e.sinksMu.Unlock()
	e.sinks = append(e.sinks, s)
}

func (e *Engine) state(d *types.Device, now time.Time) *State {
	return e.states.Load(d.ID, func() *State {
		return newState(e.seed, d.ID, hourOf(now, e.location))
	})
}

// CurrentCharge returns the live charge of a device, initializing its state if
// needed.
func (e *Engine) CurrentCharge(id string) (float64, error) {
	var charge float64
	err := e.devices.Update(id, func(d *types.Device, _ *types.ControlFlags) error {
		charge = e.state(d, e.now()).ChargePercent
		return nil
	})
	return charge, err
}

// Run advances every device each tick interval until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	log.Ctx(ctx).InfoContext(ctx, "starting simulation", slog.Duration("interval", e.tickInterval))
	for {
		select {
		case <-ctx.Done():
			log.Ctx(ctx).InfoContext(ctx, "stopping simulation")
			return nil
		case <-ticker.C:
			// a tick always runs to completion once started
			e.Tick(context.WithoutCancel(ctx))
		}
	}
}

// Tick advances every simulated device once and hands the samples to the
// sinks. Devices in a non-simulated status are skipped.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now().UTC()
	e.sinksMu.RLock()
	sinks := append([]Sink(nil), e.sinks...)
	e.sinksMu.RUnlock()

	var g errgroup.Group
	for _, d := range e.devices.List() {
		if !d.Status.Simulated() {
			continue
		}
		id := d.ID
		g.Go(func() error {
			dctx := log.WithDevice(ctx, id)
			sample, simulated, err := e.advance(id, now)
			if err != nil {
				log.Ctx(dctx).WarnContext(dctx, "failed to advance device", slog.Any("error", err))
				return nil
			}
			if !simulated {
				return nil
			}
			for _, s := range sinks {
				if err := s.Send(dctx, sample); err != nil {
					log.Ctx(dctx).WarnContext(dctx, "failed to send telemetry", slog.Any("error", err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// GenerateSample advances the device by one live tick and returns the sample.
// A device that is not in a simulated status returns its last sample
// re-stamped at now.
func (e *Engine) GenerateSample(ctx context.Context, id string, now time.Time) (types.TelemetrySample, error) {
	if now.IsZero() {
		now = e.now()
	}
	sample, simulated, err := e.advance(id, now.UTC())
	if err != nil {
		return types.TelemetrySample{}, err
	}
	if !simulated {
		log.Ctx(ctx).DebugContext(ctx, "device not simulated, returning frozen sample", slog.String("deviceID", id))
	}
	return sample, nil
}

func (e *Engine) advance(id string, now time.Time) (types.TelemetrySample, bool, error) {
	var sample types.TelemetrySample
	var simulated bool
	err := e.devices.Update(id, func(d *types.Device, f *types.ControlFlags) error {
		st := e.state(d, now)
		if !d.Status.Simulated() {
			sample = frozenSample(st, d.DeviceSpec, f.Isolated, now)
			return nil
		}
		simulated = true

		hour := st.DayHour
		st.WeatherFactor = nextWeather(st.rng, st.WeatherFactor)
		solar := Solar(st.rng, hour, st.WeatherFactor, d.SolarCapacityKW)
		home := HomeConsumption(st.rng, hour, st.BaselineKW)

		dec := ResolveBatteryPower(ControlInput{
			SolarKW:       solar,
			HomeKW:        home,
			Hour:          hour,
			ChargePercent: st.ChargePercent,
			Spec:          d.DeviceSpec,
			Flags:         *f,
			Now:           now,
		})
		if dec.ChargeWindowElapsed {
			f.ChargeFrom = time.Time{}
			f.ChargeUntil = time.Time{}
		}

		step := Step{
			CapacityKWH:    d.BatteryCapacityKWH,
			ReservePercent: d.BackupReservePercent,
			Duration:       e.simTick,
		}
		next, batteryKW := step.Integrate(st.ChargePercent, dec.BatteryKW, Forward)
		st.ThroughputPercent += math.Abs(next - st.ChargePercent)
		st.ChargePercent = next

		sample = synthesize(st.rng, d.DeviceSpec, now, hour, st.Cycles(), flows{
			chargePercent: next,
			batteryKW:     batteryKW,
			solarKW:       solar,
			homeKW:        home,
			gridKW:        GridPower(f.Isolated, solar, home, batteryKW),
		})
		last := sample
		st.last = &last
		st.advanceDay(e.dayCycleStep)

		d.Status = NextStatus(batteryKW, dec.ChargeWindowActive)
		d.LastSeen = now
		return nil
	})
	return sample, simulated, err
}

func frozenSample(st *State, spec types.DeviceSpec, isolated bool, now time.Time) types.TelemetrySample {
	if st.last != nil {
		s := *st.last
		s.Timestamp = now.UTC()
		return s
	}
	return synthesize(st.rng, spec, now, st.DayHour, st.Cycles(), flows{
		chargePercent: st.ChargePercent,
		gridKW:        GridPower(isolated, 0, 0, 0),
	})
}

// normalizeRange converts both ends to UTC, fills in zero values and puts
// them in order.
func (e *Engine) normalizeRange(start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = e.now()
	}
	end = end.UTC()
	if start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}
	start = start.UTC()
	if start.After(end) {
		start, end = end, start
	}
	return start, end
}

// GenerateHistoricalSeries backfills samples ending at end whose last charge
// equals anchor. Samples are spaced by the history step, returned earliest
// first and capped at the configured maximum, so a long range is covered only
// back from end. Each sample carries the battery power over the interval that
// ends at its timestamp.
//
// The device's flags and status are read but never changed.
func (e *Engine) GenerateHistoricalSeries(ctx context.Context, id string, start, end time.Time, anchor float64) ([]types.TelemetrySample, error) {
	start, end = e.normalizeRange(start, end)
	n := min(int(end.Sub(start)/e.historyStep)+1, e.maxPoints)

	var samples []types.TelemetrySample
	err := e.devices.Update(id, func(d *types.Device, f *types.ControlFlags) error {
		st := e.state(d, e.now())
		rng := st.rng
		step := Step{
			CapacityKWH:    d.BatteryCapacityKWH,
			ReservePercent: d.BackupReservePercent,
			Duration:       e.historyStep,
		}
		cycles := st.Cycles()
		var throughput float64

		samples = make([]types.TelemetrySample, n)
		charge := clamp(anchor, 0, 100)
		for i := n - 1; i >= 0; i-- {
			ts := end.Add(-time.Duration(n-1-i) * e.historyStep)
			hour := hourOf(ts, e.location)
			weather := uniform(rng, 0.7, 1.0)
			solar := Solar(rng, hour, weather, d.SolarCapacityKW)
			home := HomeConsumption(rng, hour, st.BaselineKW)

			flags := f.At(ts)
			dec := ResolveBatteryPower(ControlInput{
				SolarKW:       solar,
				HomeKW:        home,
				Hour:          hour,
				ChargePercent: charge,
				Spec:          d.DeviceSpec,
				Flags:         flags,
				Now:           ts,
			})
			prev, batteryKW := step.Integrate(charge, dec.BatteryKW, Reverse)

			samples[i] = synthesize(rng, d.DeviceSpec, ts, hour, max(0, cycles-int(throughput/cyclePercent)), flows{
				chargePercent: charge,
				batteryKW:     batteryKW,
				solarKW:       solar,
				homeKW:        home,
				gridKW:        GridPower(flags.Isolated, solar, home, batteryKW),
			})
			throughput += math.Abs(charge - prev)
			charge = prev
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).DebugContext(ctx, "generated historical series",
		slog.String("deviceID", id),
		slog.Int("points", len(samples)),
		slog.Time("start", start),
		slog.Time("end", end),
	)
	return samples, nil
}
