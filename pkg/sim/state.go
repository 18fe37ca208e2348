package sim

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/raterudder/energysim/pkg/types"
)

// cyclePercent is the charge throughput that counts as one full cycle.
const cyclePercent = 200.0

// State is the simulation state of a single device. It is only touched while
// the device's registry lock is held.
type State struct {
	ChargePercent float64
	WeatherFactor float64
	BaselineKW    float64
	// DayHour is the live day-cycle accumulator in [0, 24).
	DayHour    float64
	BaseCycles int
	// ThroughputPercent is the total charge moved in either direction since
	// the state was created.
	ThroughputPercent float64

	last *types.TelemetrySample
	rng  *rand.Rand
}

// Cycles returns the cumulative cycle count.
func (s *State) Cycles() int {
	return s.BaseCycles + int(math.Floor(s.ThroughputPercent/cyclePercent))
}

func (s *State) advanceDay(step time.Duration) {
	s.DayHour = math.Mod(s.DayHour+step.Hours(), 24)
}

// StateStore holds per-device simulation state. Callers must serialize access
// per device id.
type StateStore interface {
	// Load returns the state for id, creating it with init if there is none.
	Load(id string, init func() *State) *State
	Delete(id string)
}

type memoryStates struct {
	mu     sync.Mutex
	states map[string]*State
}

func newMemoryStates() *memoryStates {
	return &memoryStates{states: make(map[string]*State)}
}

func (m *memoryStates) Load(id string, init func() *State) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		s = init()
		m.states[id] = s
	}
	return s
}

func (m *memoryStates) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
}

// deviceSeed mixes the engine seed with the device id so each device gets an
// independent but reproducible random stream.
func deviceSeed(seed int64, id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return seed ^ int64(h.Sum64())
}

// newState draws the initial state of a device.
func newState(seed int64, id string, hour float64) *State {
	rng := rand.New(rand.NewSource(deviceSeed(seed, id)))
	return &State{
		ChargePercent: uniform(rng, 20, 95),
		WeatherFactor: uniform(rng, 0.7, 1.0),
		BaselineKW:    uniform(rng, 1.0, 3.0),
		DayHour:       hour,
		BaseCycles:    500 + rng.Intn(1501),
		rng:           rng,
	}
}
