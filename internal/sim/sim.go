// Package sim generates vehicle traffic for a bus without real hardware:
// a speed frame and a door-status frame emitted on a fixed period, with
// scenarios that script the vehicle state over time.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tfitpican/cansim/internal/can"
	"github.com/tfitpican/cansim/internal/errmgr"
	"github.com/tfitpican/cansim/internal/interp"
	"github.com/tfitpican/cansim/internal/logging"
)

// Identifiers and schemas of the simulated traffic.
const (
	SpeedID = 0x100
	DoorsID = 0x101
)

// Simulator status values.
const (
	StatusRunning = "Running"
	StatusStopped = "Stopped"
)

// ErrSpeedRange rejects speeds outside the 16-bit signal.
var ErrSpeedRange = errors.New("sim: speed out of range")

// RegisterVehicleSchemas binds the simulated frame layouts to itp so both
// ends of a virtual bus decode the same traffic.
func RegisterVehicleSchemas(itp *interp.Interpreter) error {
	speed, err := interp.NewSignalSchema("vehicle_speed", 2,
		interp.Signal{Name: "speed_kph", Start: 0, Length: 16})
	if err != nil {
		return err
	}
	if err := itp.Register(SpeedID, speed); err != nil {
		return err
	}
	doors, err := interp.NewSignalSchema("door_status", 1,
		interp.Signal{Name: "door_mask", Start: 0, Length: 8})
	if err != nil {
		return err
	}
	return itp.Register(DoorsID, doors)
}

// Sender transmits one frame; the bus manager's Send satisfies it.
type Sender func(can.Message) error

// Simulator holds the vehicle state and emits it periodically while
// running. Safe for concurrent use.
type Simulator struct {
	itp  *interp.Interpreter
	send Sender
	log  *slog.Logger

	interval time.Duration

	mu     sync.Mutex
	status string
	speed  int64
	doors  int64
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithInterval overrides the emission period.
func WithInterval(d time.Duration) Option {
	return func(s *Simulator) { s.interval = d }
}

// WithLogger overrides the global logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) { s.log = l }
}

// New builds a stopped simulator that emits through send using the frame
// layouts registered in itp.
func New(itp *interp.Interpreter, send Sender, opts ...Option) *Simulator {
	s := &Simulator{
		itp:      itp,
		send:     send,
		log:      logging.L(),
		interval: 100 * time.Millisecond,
		status:   StatusStopped,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Status returns "Running" or "Stopped".
func (s *Simulator) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Speed returns the current speed in km/h.
func (s *Simulator) Speed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Doors returns the door bit mask.
func (s *Simulator) Doors() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doors
}

// SetSpeed updates the emitted speed. Range matches the 16-bit signal.
func (s *Simulator) SetSpeed(kph int64) error {
	if kph < 0 || kph > 0xFFFF {
		return fmt.Errorf("%w: %d", ErrSpeedRange, kph)
	}
	s.mu.Lock()
	s.speed = kph
	s.mu.Unlock()
	return nil
}

// SetDoors updates the door bit mask (bit set = door open).
func (s *Simulator) SetDoors(mask int64) {
	s.mu.Lock()
	s.doors = mask & 0xFF
	s.mu.Unlock()
}

// Start begins periodic emission. Idempotent.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.status = StatusRunning
	go s.loop(ctx, s.done)
	s.log.Info("simulator_started")
}

// Stop halts emission and waits for the loop to exit. Idempotent.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopped
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("simulator_stopped")
}

func (s *Simulator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emit()
		}
	}
}

func (s *Simulator) emit() {
	s.mu.Lock()
	speed, doors := s.speed, s.doors
	s.mu.Unlock()

	if m, err := s.itp.Build(SpeedID, interp.Fields{"speed_kph": speed}); err == nil {
		if err := s.send(m); err != nil {
			s.log.Warn("sim_send_failed", "id", SpeedID, "error", err)
		}
	} else {
		s.log.Error("sim_build_failed", "id", SpeedID, "error", err)
	}
	if m, err := s.itp.Build(DoorsID, interp.Fields{"door_mask": doors}); err == nil {
		if err := s.send(m); err != nil {
			s.log.Warn("sim_send_failed", "id", DoorsID, "error", err)
		}
	} else {
		s.log.Error("sim_build_failed", "id", DoorsID, "error", err)
	}
}

// OnEvent brings the vehicle to an emergency stop on critical faults. Wire
// it as an error-manager listener.
func (s *Simulator) OnEvent(ev errmgr.Event) {
	if ev.Severity < errmgr.SeverityCritical {
		return
	}
	s.mu.Lock()
	s.speed = 0
	s.mu.Unlock()
	s.log.Warn("emergency_stop", "code", ev.Code)
}
