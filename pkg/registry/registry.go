package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/energysim/pkg/types"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
)

// Configured sets up the Registry and seeds it with the device fleet from the
// "devices" flag.
func Configured() *Registry {
	fleet := DefaultFleet(time.Now())
	lflag.JSON(&fleet, "devices", fleet, "JSON list of devices to simulate")

	r := New()
	lflag.Do(func() {
		for _, d := range fleet {
			if err := r.Register(d); err != nil {
				panic(fmt.Sprintf("invalid device %q: %v", d.ID, err))
			}
		}
	})
	return r
}

// DefaultFleet returns the devices simulated when none are configured.
func DefaultFleet(now time.Time) []types.Device {
	installed := now.Add(-365 * 24 * time.Hour).UTC()
	mk := func(id, serial string, typ types.DeviceType, model, location string, capacityKWH, solarKW float64) types.Device {
		return types.Device{
			DeviceSpec: types.DeviceSpec{
				ID:                   id,
				BatteryCapacityKWH:   capacityKWH,
				SolarCapacityKW:      solarKW,
				BackupReservePercent: 20,
				OperationMode:        types.OperationModeSelfPowered,
			},
			SerialNumber:    serial,
			Type:            typ,
			Model:           model,
			Location:        location,
			FirmwareVersion: "23.44.1",
			Status:          types.DeviceStatusOnline,
			InstalledAt:     installed,
			LastSeen:        now.UTC(),
		}
	}
	return []types.Device{
		mk("PW-001-ABC123", "SN123456789", types.DeviceTypePowerwall, "Powerwall 1", "Garage", 13.5, 8.5),
		mk("PW-002-XYZ789", "SN987654321", types.DeviceTypePowerwall, "Powerwall 2", "Basement", 13.5, 12.0),
		mk("SI-001-SOLAR1", "SN-SOLAR-001", types.DeviceTypeSolarInverter, "Solar Inverter 7.6kW", "Roof", 13.5, 7.6),
	}
}

type entry struct {
	// mu serializes every mutation of this device
	mu     sync.Mutex
	device types.Device
	flags  types.ControlFlags
}

// Registry holds every known device along with its control flags. Each device
// has its own lock so independent devices never wait on each other.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		devices: make(map[string]*entry),
	}
}

// Register adds or replaces a device.
func (r *Registry) Register(d types.Device) error {
	if d.ID == "" {
		return errors.New("missing device id")
	}
	if d.OperationMode == "" {
		d.OperationMode = types.OperationModeSelfPowered
	}
	if err := validateSpec(&d.DeviceSpec); err != nil {
		return err
	}
	if d.Status == "" {
		d.Status = types.DeviceStatusOnline
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = &entry{device: d}
	return nil
}

// validateSpec checks s and normalizes its operation mode.
func validateSpec(s *types.DeviceSpec) error {
	// comparisons are written so NaN fails them
	if !(s.BatteryCapacityKWH > 0) || math.IsInf(s.BatteryCapacityKWH, 0) {
		return fmt.Errorf("battery capacity must be positive: %v", s.BatteryCapacityKWH)
	}
	if !(s.SolarCapacityKW >= 0) || math.IsInf(s.SolarCapacityKW, 0) {
		return fmt.Errorf("solar capacity must not be negative: %v", s.SolarCapacityKW)
	}
	if !(s.BackupReservePercent >= 0 && s.BackupReservePercent <= 100) {
		return fmt.Errorf("backup reserve out of range: %v", s.BackupReservePercent)
	}
	mode, ok := types.ParseOperationMode(string(s.OperationMode))
	if !ok {
		return fmt.Errorf("unknown operation mode: %s", s.OperationMode)
	}
	s.OperationMode = mode
	return nil
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return e, nil
}

// Update runs fn while holding the device's lock. Changes fn makes to the
// device or flags are kept only if fn returns nil.
func (r *Registry) Update(id string, fn func(d *types.Device, f *types.ControlFlags) error) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	d, f := e.device, e.flags
	if err := fn(&d, &f); err != nil {
		return err
	}
	e.device, e.flags = d, f
	return nil
}

// Get returns a copy of the device.
func (r *Registry) Get(id string) (types.Device, error) {
	var d types.Device
	err := r.Update(id, func(dev *types.Device, _ *types.ControlFlags) error {
		d = *dev
		return nil
	})
	return d, err
}

// List returns a copy of every device sorted by id.
func (r *Registry) List() []types.Device {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.devices))
	for _, e := range r.devices {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	list := make([]types.Device, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		list = append(list, e.device)
		e.mu.Unlock()
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

// SetStatus updates the status of a device.
func (r *Registry) SetStatus(id string, status types.DeviceStatus) error {
	return r.Update(id, func(d *types.Device, _ *types.ControlFlags) error {
		d.Status = status
		d.LastSeen = time.Now().UTC()
		return nil
	})
}

// Flags returns a copy of the device's control flags.
func (r *Registry) Flags(id string) (types.ControlFlags, error) {
	var flags types.ControlFlags
	err := r.Update(id, func(_ *types.Device, f *types.ControlFlags) error {
		flags = *f
		return nil
	})
	return flags, err
}

// MutateFlags applies fn to the device's control flags.
func (r *Registry) MutateFlags(id string, fn func(f *types.ControlFlags)) error {
	return r.Update(id, func(_ *types.Device, f *types.ControlFlags) error {
		fn(f)
		return nil
	})
}

// UpdateSpec applies fn to the device's spec. The change is dropped if fn
// returns an error or leaves the spec invalid. The device id cannot change.
func (r *Registry) UpdateSpec(id string, fn func(s *types.DeviceSpec) error) error {
	return r.Update(id, func(d *types.Device, _ *types.ControlFlags) error {
		spec := d.DeviceSpec
		if err := fn(&spec); err != nil {
			return err
		}
		spec.ID = d.ID
		if err := validateSpec(&spec); err != nil {
			return err
		}
		d.DeviceSpec = spec
		return nil
	})
}
