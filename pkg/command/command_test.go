package command

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/energysim/pkg/registry"
	"github.com/raterudder/energysim/pkg/sim"
	"github.com/raterudder/energysim/pkg/types"
)

const testDevice = "PW-001-ABC123"

type recorder struct {
	mu      sync.Mutex
	results []types.CommandResult
}

func (r *recorder) observe(_ context.Context, _ types.Command, result types.CommandResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recorder) statuses() []types.CommandStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.CommandStatus
	for _, res := range r.results {
		out = append(out, res.Status)
	}
	return out
}

func newTestProcessor(t *testing.T) (*Processor, *registry.Registry, *recorder) {
	t.Helper()
	reg := registry.New()
	for _, d := range registry.DefaultFleet(time.Now()) {
		require.NoError(t, reg.Register(d))
	}
	p := New(reg)
	p.latency = time.Millisecond
	p.rebootWindow = 200 * time.Millisecond
	p.firmwareDuration = 200 * time.Millisecond
	rec := &recorder{}
	p.OnResult(rec.observe)
	return p, reg, rec
}

func TestApply(t *testing.T) {
	ctx := context.Background()

	t.Run("Charge Now", func(t *testing.T) {
		p, reg, rec := newTestProcessor(t)
		before := time.Now()
		res, err := p.Apply(ctx, testDevice, types.Command{Type: types.CommandChargeNow})
		require.NoError(t, err)
		assert.Equal(t, types.CommandStatusCompleted, res.Status)
		assert.NotEmpty(t, res.ID)
		assert.Equal(t, testDevice, res.DeviceID)
		assert.Equal(t, []types.CommandStatus{types.CommandStatusExecuting, types.CommandStatusCompleted}, rec.statuses())

		flags, err := reg.Flags(testDevice)
		require.NoError(t, err)
		assert.True(t, flags.ChargeActive(before.Add(29*time.Minute)))
		assert.False(t, flags.ChargeFrom.Before(before))
		// the window does not reach back before the command
		assert.False(t, flags.At(before.Add(-time.Minute)).ChargeActive(before.Add(-time.Minute)))
		assert.False(t, flags.ChargeActive(time.Now().Add(31*time.Minute)))
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStatusCharging, d.Status)
	})

	t.Run("Stop Charging", func(t *testing.T) {
		p, reg, _ := newTestProcessor(t)
		require.NoError(t, reg.MutateFlags(testDevice, func(f *types.ControlFlags) {
			f.Discharging = true
		}))
		_, err := p.Apply(ctx, testDevice, types.Command{Type: types.CommandChargeNow})
		require.NoError(t, err)
		_, err = p.Apply(ctx, testDevice, types.Command{Type: types.CommandStopCharging})
		require.NoError(t, err)

		flags, err := reg.Flags(testDevice)
		require.NoError(t, err)
		assert.True(t, flags.ChargeUntil.IsZero())
		assert.True(t, flags.ChargeFrom.IsZero())
		assert.False(t, flags.Discharging)
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStatusOnline, d.Status)
	})

	t.Run("Stop Charging Leaves Other Status", func(t *testing.T) {
		p, reg, _ := newTestProcessor(t)
		require.NoError(t, reg.SetStatus(testDevice, types.DeviceStatusDischarging))
		_, err := p.Apply(ctx, testDevice, types.Command{Type: types.CommandStopCharging})
		require.NoError(t, err)
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStatusDischarging, d.Status)
	})

	t.Run("Isolate And Rejoin", func(t *testing.T) {
		p, reg, _ := newTestProcessor(t)
		before := time.Now()
		_, err := p.Apply(ctx, testDevice, types.Command{Type: types.CommandIsolateFromGrid})
		require.NoError(t, err)
		flags, err := reg.Flags(testDevice)
		require.NoError(t, err)
		assert.True(t, flags.Isolated)
		since := flags.IsolatedSince
		assert.False(t, since.Before(before))

		// isolating again keeps the original start
		_, err = p.Apply(ctx, testDevice, types.Command{Type: types.CommandIsolateFromGrid})
		require.NoError(t, err)
		flags, err = reg.Flags(testDevice)
		require.NoError(t, err)
		assert.Equal(t, since, flags.IsolatedSince)

		_, err = p.Apply(ctx, testDevice, types.Command{Type: types.CommandRejoinGrid})
		require.NoError(t, err)
		flags, err = reg.Flags(testDevice)
		require.NoError(t, err)
		assert.False(t, flags.Isolated)
		assert.True(t, flags.IsolatedSince.IsZero())
	})

	t.Run("Set Backup Reserve", func(t *testing.T) {
		p, reg, _ := newTestProcessor(t)
		res, err := p.Apply(ctx, testDevice, types.Command{
			Type:       types.CommandSetBackupReserve,
			Parameters: map[string]any{"percent": 35.0},
		})
		require.NoError(t, err)
		assert.Equal(t, "Backup reserve set to 35%", res.Message)
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, 35.0, d.BackupReservePercent)
	})

	t.Run("Set Operation Mode", func(t *testing.T) {
		p, reg, _ := newTestProcessor(t)
		_, err := p.Apply(ctx, testDevice, types.Command{
			Type:       types.CommandSetOperationMode,
			Parameters: map[string]any{"mode": "BACKUP"},
		})
		require.NoError(t, err)
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, types.OperationModeBackup, d.OperationMode)
	})

	t.Run("Invalid Parameters", func(t *testing.T) {
		p, reg, rec := newTestProcessor(t)
		cmds := []types.Command{
			{Type: types.CommandSetBackupReserve},
			{Type: types.CommandSetBackupReserve, Parameters: map[string]any{"percent": "lots"}},
			{Type: types.CommandSetBackupReserve, Parameters: map[string]any{"percent": 101.0}},
			{Type: types.CommandSetBackupReserve, Parameters: map[string]any{"percent": -1}},
			{Type: types.CommandSetBackupReserve, Parameters: map[string]any{"percent": "NaN"}},
			{Type: types.CommandSetBackupReserve, Parameters: map[string]any{"percent": "+Inf"}},
			{Type: types.CommandSetBackupReserve, Parameters: map[string]any{"percent": math.NaN()}},
			{Type: types.CommandSetOperationMode},
			{Type: types.CommandSetOperationMode, Parameters: map[string]any{"mode": "turbo"}},
			{Type: types.CommandFirmwareUpdate, Parameters: map[string]any{"version": 42}},
			{Type: "self_destruct"},
		}
		for _, cmd := range cmds {
			_, err := p.Apply(ctx, testDevice, cmd)
			assert.ErrorIs(t, err, ErrInvalidParameter, "%+v", cmd)
		}
		assert.Empty(t, rec.statuses())
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, 20.0, d.BackupReservePercent)
		assert.Equal(t, types.OperationModeSelfPowered, d.OperationMode)
	})

	t.Run("Not Found", func(t *testing.T) {
		p, _, rec := newTestProcessor(t)
		_, err := p.Apply(ctx, "nope", types.Command{Type: types.CommandReboot})
		assert.ErrorIs(t, err, registry.ErrDeviceNotFound)
		assert.Empty(t, rec.statuses())
	})

	t.Run("Not Found Before Invalid Parameters", func(t *testing.T) {
		p, _, rec := newTestProcessor(t)
		_, err := p.Apply(ctx, "nope", types.Command{Type: types.CommandSetBackupReserve})
		assert.ErrorIs(t, err, registry.ErrDeviceNotFound)
		assert.NotErrorIs(t, err, ErrInvalidParameter)
		assert.Empty(t, rec.statuses())
	})

	t.Run("Canceled During Latency", func(t *testing.T) {
		p, reg, rec := newTestProcessor(t)
		p.latency = time.Hour
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		res, err := p.Apply(ctx, testDevice, types.Command{Type: types.CommandIsolateFromGrid})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, types.CommandStatusCanceled, res.Status)
		flags, err := reg.Flags(testDevice)
		require.NoError(t, err)
		assert.False(t, flags.Isolated)

		// the executing result is always followed by a final one
		assert.Equal(t, []types.CommandStatus{types.CommandStatusExecuting, types.CommandStatusCanceled}, rec.statuses())
		rec.mu.Lock()
		defer rec.mu.Unlock()
		assert.Equal(t, rec.results[0].ID, rec.results[1].ID)
	})

	t.Run("Reboot", func(t *testing.T) {
		p, reg, _ := newTestProcessor(t)
		res, err := p.Apply(ctx, testDevice, types.Command{Type: types.CommandReboot})
		require.NoError(t, err)
		assert.Equal(t, types.CommandStatusCompleted, res.Status)
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStatusStandby, d.Status)

		p.Wait()
		d, err = reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStatusOnline, d.Status)
	})

	t.Run("Reboot Recovery Skips Changed Status", func(t *testing.T) {
		p, reg, _ := newTestProcessor(t)
		_, err := p.Apply(ctx, testDevice, types.Command{Type: types.CommandReboot})
		require.NoError(t, err)
		require.NoError(t, reg.SetStatus(testDevice, types.DeviceStatusFault))

		p.Wait()
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStatusFault, d.Status)
	})

	t.Run("Firmware Update", func(t *testing.T) {
		p, reg, rec := newTestProcessor(t)
		res, err := p.Apply(ctx, testDevice, types.Command{
			Type:       types.CommandFirmwareUpdate,
			Parameters: map[string]any{"version": "24.4.0"},
		})
		require.NoError(t, err)
		assert.Equal(t, types.CommandStatusInProgress, res.Status)
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStatusUpdating, d.Status)
		assert.Equal(t, "23.44.1", d.FirmwareVersion)

		p.Wait()
		d, err = reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStatusOnline, d.Status)
		assert.Equal(t, "24.4.0", d.FirmwareVersion)

		assert.Equal(t, []types.CommandStatus{
			types.CommandStatusExecuting,
			types.CommandStatusInProgress,
			types.CommandStatusCompleted,
		}, rec.statuses())
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, r := range rec.results {
			assert.Equal(t, res.ID, r.ID)
		}
	})

	t.Run("Firmware Update Without Version", func(t *testing.T) {
		p, reg, _ := newTestProcessor(t)
		_, err := p.Apply(ctx, testDevice, types.Command{Type: types.CommandFirmwareUpdate})
		require.NoError(t, err)
		p.Wait()
		d, err := reg.Get(testDevice)
		require.NoError(t, err)
		assert.Equal(t, "23.44.1", d.FirmwareVersion)
		assert.Equal(t, types.DeviceStatusOnline, d.Status)
	})
}

func TestChargeNowInBackupMode(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := newTestProcessor(t)
	engine := sim.New(reg, 7)

	_, err := p.Apply(ctx, testDevice, types.Command{
		Type:       types.CommandSetOperationMode,
		Parameters: map[string]any{"mode": "backup"},
	})
	require.NoError(t, err)
	_, err = p.Apply(ctx, testDevice, types.Command{Type: types.CommandChargeNow})
	require.NoError(t, err)

	charge, err := engine.CurrentCharge(testDevice)
	require.NoError(t, err)
	require.Less(t, charge, 100.0)

	s, err := engine.GenerateSample(ctx, testDevice, time.Now())
	require.NoError(t, err)
	assert.Greater(t, s.BatteryKW, 0.0)
	d, err := reg.Get(testDevice)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusCharging, d.Status)
}
