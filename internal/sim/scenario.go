package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownScenario is returned when no scenario with the given name exists.
var ErrUnknownScenario = fmt.Errorf("sim: unknown scenario")

// Step mutates the vehicle state at an offset from scenario start.
type Step struct {
	At    time.Duration
	Apply func(*Simulator)
}

// Scenario is a named, ordered script of vehicle state changes.
type Scenario struct {
	Name  string
	Steps []Step
}

// BuiltinScenarios returns the stock driving scripts.
func BuiltinScenarios() []Scenario {
	return []Scenario{
		{
			Name: "front-collision",
			Steps: []Step{
				{At: 0, Apply: func(s *Simulator) { _ = s.SetSpeed(60) }},
				{At: 2 * time.Second, Apply: func(s *Simulator) { _ = s.SetSpeed(90) }},
				// Impact: speed collapses, all doors unlock.
				{At: 4 * time.Second, Apply: func(s *Simulator) {
					_ = s.SetSpeed(0)
					s.SetDoors(0x0F)
				}},
			},
		},
		{
			Name: "ice-on-wheel",
			Steps: []Step{
				{At: 0, Apply: func(s *Simulator) { _ = s.SetSpeed(80) }},
				// Wheel speed oscillates as traction drops.
				{At: time.Second, Apply: func(s *Simulator) { _ = s.SetSpeed(110) }},
				{At: 1500 * time.Millisecond, Apply: func(s *Simulator) { _ = s.SetSpeed(70) }},
				{At: 2 * time.Second, Apply: func(s *Simulator) { _ = s.SetSpeed(95) }},
				{At: 3 * time.Second, Apply: func(s *Simulator) { _ = s.SetSpeed(80) }},
			},
		},
	}
}

// ScenarioManager loads one scenario at a time and plays it against a
// simulator. Safe for concurrent use.
type ScenarioManager struct {
	sim *Simulator

	mu      sync.Mutex
	library map[string]Scenario
	loaded  *Scenario
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScenarioManager builds a manager with the built-in library.
func NewScenarioManager(sim *Simulator) *ScenarioManager {
	lib := make(map[string]Scenario)
	for _, sc := range BuiltinScenarios() {
		lib[sc.Name] = sc
	}
	return &ScenarioManager{sim: sim, library: lib}
}

// AddScenario puts sc into the library, replacing any same-named entry.
func (m *ScenarioManager) AddScenario(sc Scenario) {
	m.mu.Lock()
	m.library[sc.Name] = sc
	m.mu.Unlock()
}

// Scenarios lists the library names sorted.
func (m *ScenarioManager) Scenarios() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.library))
	for n := range m.library {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load selects the named scenario for the next Run. Stops any playback.
func (m *ScenarioManager) Load(name string) error {
	m.mu.Lock()
	sc, ok := m.library[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}
	m.Stop()
	m.mu.Lock()
	m.loaded = &sc
	m.mu.Unlock()
	return nil
}

// Run plays the loaded scenario asynchronously. The simulator is started
// if it is not already running.
func (m *ScenarioManager) Run() error {
	m.mu.Lock()
	if m.loaded == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: nothing loaded", ErrUnknownScenario)
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("scenario %q already running", m.loaded.Name)
	}
	sc := *m.loaded
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.sim.Start()
	go m.play(ctx, sc, done)
	return nil
}

func (m *ScenarioManager) play(ctx context.Context, sc Scenario, done chan struct{}) {
	defer close(done)
	start := time.Now()
	for _, step := range sc.Steps {
		wait := step.At - time.Since(start)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if ctx.Err() != nil {
			return
		}
		step.Apply(m.sim)
	}
}

// Stop halts playback, leaving the simulator state where the scenario
// left it. Idempotent.
func (m *ScenarioManager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
