package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/energysim/pkg/log"
	"github.com/raterudder/energysim/pkg/types"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Devices is the part of the device registry the Processor mutates. Update
// must hold the device's lock while fn runs.
type Devices interface {
	Update(id string, fn func(d *types.Device, f *types.ControlFlags) error) error
}

// Observer is called for every status transition of every command.
type Observer func(ctx context.Context, cmd types.Command, result types.CommandResult)

// Processor applies operator commands to devices.
type Processor struct {
	devices Devices

	latency          time.Duration
	rebootWindow     time.Duration
	firmwareDuration time.Duration
	chargeWindow     time.Duration

	observersMu sync.RWMutex
	observers   []Observer

	// tracks reboot recovery and firmware completion
	wg  sync.WaitGroup
	now func() time.Time
}

// Configured sets up the Processor from flags.
func Configured(devices Devices) *Processor {
	p := New(devices)

	latency := lflag.Duration("command-latency", p.latency, "Simulated time a device takes to acknowledge a command")
	rebootWindow := lflag.Duration("reboot-window", p.rebootWindow, "How long a rebooting device stays in standby")
	firmwareDuration := lflag.Duration("firmware-duration", p.firmwareDuration, "How long a firmware update takes")
	chargeWindow := lflag.Duration("charge-window", p.chargeWindow, "How long charge_now forces charging")

	lflag.Do(func() {
		p.latency = *latency
		p.rebootWindow = *rebootWindow
		p.firmwareDuration = *firmwareDuration
		p.chargeWindow = *chargeWindow
	})
	return p
}

// New returns a Processor with the default timings.
func New(devices Devices) *Processor {
	return &Processor{
		devices:          devices,
		latency:          500 * time.Millisecond,
		rebootWindow:     3 * time.Second,
		firmwareDuration: 3 * time.Second,
		chargeWindow:     30 * time.Minute,
		now:              time.Now,
	}
}

// OnResult registers an observer.
func (p *Processor) OnResult(fn Observer) {
	p.observersMu.Lock()
	defer p.observersMu.Unlock()
	p.observers = append(p.observers, fn)
}

func (p *Processor) notify(ctx context.Context, cmd types.Command, result types.CommandResult) {
	p.observersMu.RLock()
	observers := p.observers
	p.observersMu.RUnlock()
	for _, fn := range observers {
		fn(ctx, cmd, result)
	}
}

// Wait blocks until every scheduled follow-up has finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// params are the validated parameters of a command.
type params struct {
	percent float64
	mode    types.OperationMode
	version string
}

func parsePercent(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func validate(cmd types.Command) (params, error) {
	var p params
	switch cmd.Type {
	case types.CommandSetBackupReserve:
		raw, ok := cmd.Parameters["percent"]
		if !ok {
			return p, fmt.Errorf("%w: percent is required", ErrInvalidParameter)
		}
		percent, err := parsePercent(raw)
		if err != nil {
			return p, fmt.Errorf("%w: percent: %w", ErrInvalidParameter, err)
		}
		// written so NaN fails too
		if !(percent >= 0 && percent <= 100) {
			return p, fmt.Errorf("%w: percent must be between 0 and 100: %v", ErrInvalidParameter, percent)
		}
		p.percent = percent
	case types.CommandSetOperationMode:
		raw, ok := cmd.Parameters["mode"].(string)
		if !ok {
			return p, fmt.Errorf("%w: mode is required", ErrInvalidParameter)
		}
		mode, ok := types.ParseOperationMode(raw)
		if !ok {
			return p, fmt.Errorf("%w: unknown mode: %s", ErrInvalidParameter, raw)
		}
		p.mode = mode
	case types.CommandFirmwareUpdate:
		if raw, ok := cmd.Parameters["version"]; ok {
			version, ok := raw.(string)
			if !ok || version == "" {
				return p, fmt.Errorf("%w: version must be a non-empty string", ErrInvalidParameter)
			}
			p.version = version
		}
	case types.CommandChargeNow, types.CommandStopCharging, types.CommandIsolateFromGrid,
		types.CommandRejoinGrid, types.CommandReboot:
	default:
		return p, fmt.Errorf("%w: unknown command: %s", ErrInvalidParameter, cmd.Type)
	}
	return p, nil
}

// Apply validates and executes cmd against the device. Observers see an
// executing result right away and the final result once the simulated
// latency has passed, or a canceled result if ctx ends first. An unknown
// device is reported before invalid parameters. Nothing is mutated if
// validation fails.
//
// Reboots and firmware updates finish in the background; Apply returns once
// the device has entered standby or updating.
func (p *Processor) Apply(ctx context.Context, deviceID string, cmd types.Command) (types.CommandResult, error) {
	ctx = log.WithDevice(ctx, deviceID)
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = p.now().UTC()
	}
	err := p.devices.Update(deviceID, func(*types.Device, *types.ControlFlags) error {
		return nil
	})
	if err != nil {
		return types.CommandResult{}, err
	}
	prm, err := validate(cmd)
	if err != nil {
		return types.CommandResult{}, err
	}

	result := types.CommandResult{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Command:   cmd.Type,
		Status:    types.CommandStatusExecuting,
		Timestamp: p.now().UTC(),
	}
	ctx = log.WithCommand(ctx, result.ID)
	p.notify(ctx, cmd, result)

	// the device lock is not held while the command is in flight
	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Status = types.CommandStatusCanceled
			result.Message = "Command canceled before it reached the device"
			result.Timestamp = p.now().UTC()
			log.Ctx(ctx).WarnContext(ctx, "command canceled", slog.Any("error", ctx.Err()))
			p.notify(context.WithoutCancel(ctx), cmd, result)
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	err = p.devices.Update(deviceID, func(d *types.Device, f *types.ControlFlags) error {
		now := p.now().UTC()
		result.Status = types.CommandStatusCompleted
		switch cmd.Type {
		case types.CommandChargeNow:
			f.ChargeFrom = now
			f.ChargeUntil = now.Add(p.chargeWindow)
			f.Discharging = false
			if d.Status.Simulated() {
				d.Status = types.DeviceStatusCharging
			}
			result.Message = fmt.Sprintf("Battery charging initiated - will charge for %s or until full", p.chargeWindow)
		case types.CommandStopCharging:
			f.ChargeFrom = time.Time{}
			f.ChargeUntil = time.Time{}
			f.Discharging = false
			if d.Status == types.DeviceStatusCharging {
				d.Status = types.DeviceStatusOnline
			}
			result.Message = "Charging stopped - device returning to normal operation"
		case types.CommandIsolateFromGrid:
			if !f.Isolated {
				f.IsolatedSince = now
			}
			f.Isolated = true
			result.Message = "Device isolated from grid"
		case types.CommandRejoinGrid:
			f.Isolated = false
			f.IsolatedSince = time.Time{}
			result.Message = "Device reconnected to grid"
		case types.CommandSetBackupReserve:
			d.BackupReservePercent = prm.percent
			result.Message = fmt.Sprintf("Backup reserve set to %v%%", prm.percent)
		case types.CommandSetOperationMode:
			d.OperationMode = prm.mode
			result.Message = fmt.Sprintf("Operation mode set to %s", prm.mode)
		case types.CommandReboot:
			d.Status = types.DeviceStatusStandby
			result.Message = "Device rebooting - will be back online in a few seconds"
		case types.CommandFirmwareUpdate:
			d.Status = types.DeviceStatusUpdating
			result.Status = types.CommandStatusInProgress
			result.Message = "Firmware update in progress"
		}
		d.LastSeen = now
		result.Timestamp = now
		return nil
	})
	if err != nil {
		return types.CommandResult{}, err
	}
	log.Ctx(ctx).InfoContext(ctx, "applied command",
		slog.String("command", string(cmd.Type)),
		slog.String("status", string(result.Status)),
	)
	p.notify(ctx, cmd, result)

	bg := context.WithoutCancel(ctx)
	switch cmd.Type {
	case types.CommandReboot:
		p.schedule(bg, p.rebootWindow, func() {
			p.recover(bg, deviceID)
		})
	case types.CommandFirmwareUpdate:
		p.schedule(bg, p.firmwareDuration, func() {
			p.finishFirmware(bg, deviceID, cmd, result, prm.version)
		})
	}
	return result, nil
}

// schedule runs fn after d in the background. Follow-ups outlive the request
// that scheduled them.
func (p *Processor) schedule(ctx context.Context, d time.Duration, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()
		<-timer.C
		fn()
	}()
	log.Ctx(ctx).DebugContext(ctx, "scheduled follow-up", slog.Duration("after", d))
}

// recover brings a rebooted device back online unless something else changed
// its status in the meantime.
func (p *Processor) recover(ctx context.Context, deviceID string) {
	err := p.devices.Update(deviceID, func(d *types.Device, _ *types.ControlFlags) error {
		if d.Status == types.DeviceStatusStandby {
			d.Status = types.DeviceStatusOnline
			d.LastSeen = p.now().UTC()
		}
		return nil
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to recover device after reboot", slog.Any("error", err))
	}
}

func (p *Processor) finishFirmware(ctx context.Context, deviceID string, cmd types.Command, result types.CommandResult, version string) {
	err := p.devices.Update(deviceID, func(d *types.Device, _ *types.ControlFlags) error {
		now := p.now().UTC()
		if version != "" {
			d.FirmwareVersion = version
		}
		d.Status = types.DeviceStatusOnline
		d.LastSeen = now
		result.Timestamp = now
		return nil
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to finish firmware update", slog.Any("error", err))
		return
	}
	result.Status = types.CommandStatusCompleted
	result.Message = "Firmware update completed"
	log.Ctx(ctx).InfoContext(ctx, "firmware update completed", slog.String("version", version))
	p.notify(ctx, cmd, result)
}
