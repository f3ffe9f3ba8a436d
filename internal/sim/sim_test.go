package sim

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tfitpican/cansim/internal/can"
	"github.com/tfitpican/cansim/internal/errmgr"
	"github.com/tfitpican/cansim/internal/interp"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type capture struct {
	mu   sync.Mutex
	msgs []can.Message
}

func (c *capture) send(m can.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
	return nil
}

func (c *capture) byID(id uint32) []can.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []can.Message
	for _, m := range c.msgs {
		if m.ID == id {
			out = append(out, m)
		}
	}
	return out
}

func newTestSim(t *testing.T) (*Simulator, *capture, *interp.Interpreter) {
	t.Helper()
	itp := interp.New()
	if err := RegisterVehicleSchemas(itp); err != nil {
		t.Fatalf("register schemas: %v", err)
	}
	rec := &capture{}
	s := New(itp, rec.send, WithInterval(10*time.Millisecond), WithLogger(quiet()))
	t.Cleanup(s.Stop)
	return s, rec, itp
}

func TestStart(t *testing.T) {
	s, _, _ := newTestSim(t)
	s.Start()
	if got := s.Status(); got != StatusRunning {
		t.Fatalf("status = %q, want %q", got, StatusRunning)
	}
	// Starting twice stays running.
	s.Start()
	if got := s.Status(); got != StatusRunning {
		t.Fatalf("status after second start = %q", got)
	}
}

func TestStop(t *testing.T) {
	s, _, _ := newTestSim(t)
	s.Stop()
	if got := s.Status(); got != StatusStopped {
		t.Fatalf("status = %q, want %q", got, StatusStopped)
	}
	s.Start()
	s.Stop()
	if got := s.Status(); got != StatusStopped {
		t.Fatalf("status after start/stop = %q", got)
	}
	s.Stop()
}

func TestEmitsSpeedAndDoors(t *testing.T) {
	s, rec, itp := newTestSim(t)
	if err := s.SetSpeed(72); err != nil {
		t.Fatalf("set speed: %v", err)
	}
	s.SetDoors(0x03)
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && (len(rec.byID(SpeedID)) == 0 || len(rec.byID(DoorsID)) == 0) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	speeds := rec.byID(SpeedID)
	if len(speeds) == 0 {
		t.Fatal("no speed frames emitted")
	}
	fields, err := itp.Interpret(speeds[len(speeds)-1])
	if err != nil {
		t.Fatalf("interpret speed frame: %v", err)
	}
	if fields["speed_kph"] != 72 {
		t.Fatalf("speed_kph = %d, want 72", fields["speed_kph"])
	}

	doors := rec.byID(DoorsID)
	if len(doors) == 0 {
		t.Fatal("no door frames emitted")
	}
	fields, err = itp.Interpret(doors[len(doors)-1])
	if err != nil {
		t.Fatalf("interpret door frame: %v", err)
	}
	if fields["door_mask"] != 0x03 {
		t.Fatalf("door_mask = %d, want 3", fields["door_mask"])
	}
}

func TestSetSpeedRange(t *testing.T) {
	s, _, _ := newTestSim(t)
	if err := s.SetSpeed(-1); !errors.Is(err, ErrSpeedRange) {
		t.Fatalf("negative speed = %v, want ErrSpeedRange", err)
	}
	if err := s.SetSpeed(0x10000); !errors.Is(err, ErrSpeedRange) {
		t.Fatalf("oversized speed = %v, want ErrSpeedRange", err)
	}
	if err := s.SetSpeed(0xFFFF); err != nil {
		t.Fatalf("max speed rejected: %v", err)
	}
}

func TestEmergencyStopOnCriticalEvent(t *testing.T) {
	s, _, _ := newTestSim(t)
	_ = s.SetSpeed(120)

	s.OnEvent(errmgr.NewEvent(errmgr.CodeBusRead, errmgr.SeverityError, "read failed", nil))
	if got := s.Speed(); got != 120 {
		t.Fatalf("speed changed on non-critical event: %d", got)
	}

	s.OnEvent(errmgr.NewEvent(errmgr.CodeInterfaceDown, errmgr.SeverityCritical, "interface lost", nil))
	if got := s.Speed(); got != 0 {
		t.Fatalf("speed = %d after critical event, want 0", got)
	}
}

func TestScenarioManagerLoadRun(t *testing.T) {
	s, _, _ := newTestSim(t)
	mgr := NewScenarioManager(s)
	t.Cleanup(mgr.Stop)

	if err := mgr.Load("no-such-scenario"); !errors.Is(err, ErrUnknownScenario) {
		t.Fatalf("load unknown = %v, want ErrUnknownScenario", err)
	}
	if err := mgr.Run(); !errors.Is(err, ErrUnknownScenario) {
		t.Fatalf("run without load = %v, want ErrUnknownScenario", err)
	}

	// A short scripted scenario instead of the slow built-ins.
	mgr.AddScenario(Scenario{
		Name: "quick",
		Steps: []Step{
			{At: 0, Apply: func(s *Simulator) { _ = s.SetSpeed(42) }},
		},
	})
	if err := mgr.Load("quick"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := mgr.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Speed() != 42 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := s.Speed(); got != 42 {
		t.Fatalf("speed = %d after scenario, want 42", got)
	}
	if got := s.Status(); got != StatusRunning {
		t.Fatalf("scenario run left simulator %q", got)
	}
	mgr.Stop()
	mgr.Stop()
}

func TestScenarioLibrary(t *testing.T) {
	s, _, _ := newTestSim(t)
	mgr := NewScenarioManager(s)
	names := mgr.Scenarios()
	want := map[string]bool{"front-collision": false, "ice-on-wheel": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("built-in scenario %q missing from %v", n, names)
		}
	}
}
