// Package errmgr is the fault sink for the bus core: components convert
// failures into immutable events and hand them off here. The core only
// reports and propagates; resolving an event is an external decision.
package errmgr

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tfitpican/cansim/internal/logging"
	"github.com/tfitpican/cansim/internal/metrics"
)

// Severity orders fault events from informational to unusable-interface.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Fault codes used across the core.
const (
	CodeBusRead       = 100 // transport receive failure
	CodeBusWrite      = 101 // transport transmit failure
	CodeBusOverflow   = 102 // transmit or receive queue overflow
	CodeConnect       = 103 // connection establishment failure
	CodeInterfaceDown = 104 // interface left unusable
	CodeUnknownSchema = 200 // accepted message with no payload schema
	CodeMalformed     = 201 // undecodable payload for a registered schema
)

// Event is a single fault report. Immutable after creation; ownership
// passes to the Manager it is handed to.
type Event struct {
	Code        int
	Description string
	Severity    Severity
	Time        time.Time
	Err         error // optional underlying cause
}

// NewEvent stamps an event with the current time.
func NewEvent(code int, sev Severity, description string, cause error) Event {
	return Event{Code: code, Description: description, Severity: sev, Time: time.Now(), Err: cause}
}

// Manager is the error sink contract the core components depend on.
type Manager interface {
	// Report records the event (exactly once per hand-off).
	Report(Event)
	// Propagate records the event and fans it out to registered listeners.
	Propagate(Event)
	// Resolve marks an event handled. The core never calls this on its own
	// faults; it exists for the external supervisor.
	Resolve(Event)
}

// Listener receives propagated events in registration order.
type Listener func(Event)

// LogManager is the default Manager: slog at the mapped level plus metrics,
// with an ordered listener list for propagation.
type LogManager struct {
	mu        sync.RWMutex
	logger    *slog.Logger
	listeners []listenerEntry
	next      uint64
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// New returns a LogManager writing through l (global logger when nil).
func New(l *slog.Logger) *LogManager {
	if l == nil {
		l = logging.L()
	}
	return &LogManager{logger: l}
}

// AddListener registers fn and returns a cancel function.
func (m *LogManager) AddListener(fn Listener) (cancel func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
}

// Report logs the event at its mapped level and counts it.
func (m *LogManager) Report(ev Event) {
	metrics.IncEvent(ev.Severity.String())
	args := []any{"code", ev.Code, "severity", ev.Severity.String()}
	if ev.Err != nil {
		args = append(args, "error", ev.Err)
	}
	switch ev.Severity {
	case SeverityInfo:
		m.logger.Info(ev.Description, args...)
	case SeverityWarning:
		m.logger.Warn(ev.Description, args...)
	default:
		m.logger.Error(ev.Description, args...)
	}
}

// Propagate reports the event, then delivers it to listeners in
// registration order. Listener failures are the listener's problem.
func (m *LogManager) Propagate(ev Event) {
	m.Report(ev)
	m.mu.RLock()
	listeners := make([]listenerEntry, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, e := range listeners {
		e.fn(ev)
	}
}

// Resolve logs the external resolution decision.
func (m *LogManager) Resolve(ev Event) {
	m.logger.Info("fault_resolved", "code", ev.Code, "severity", ev.Severity.String())
}
