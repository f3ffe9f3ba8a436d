// Package controller ties the acceptance filters, the payload interpreter,
// and the observer fan-out together. It owns what the bus manager receives
// and what it is allowed to transmit, but never touches the transport
// directly: the manager binds a transmit function after connecting.
package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tfitpican/cansim/internal/busconfig"
	"github.com/tfitpican/cansim/internal/can"
	"github.com/tfitpican/cansim/internal/errmgr"
	"github.com/tfitpican/cansim/internal/filter"
	"github.com/tfitpican/cansim/internal/interp"
	"github.com/tfitpican/cansim/internal/logging"
	"github.com/tfitpican/cansim/internal/metrics"
)

var (
	// ErrNoConfiguration is returned when an operation needs an applied
	// bus configuration and none exists yet.
	ErrNoConfiguration = errors.New("no bus configuration applied")
	// ErrConfiguredWhileConnected rejects configuration changes on a
	// connected interface.
	ErrConfiguredWhileConnected = errors.New("cannot reconfigure while connected")
	// ErrNoTransport is returned by SendOutgoing before a transport has
	// been bound.
	ErrNoTransport = errors.New("no transport bound")
)

// Observer receives every accepted message in registration order. fields
// is nil when no payload schema is registered for the identifier.
type Observer interface {
	OnMessage(m can.Message, fields interp.Fields)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(can.Message, interp.Fields)

func (f ObserverFunc) OnMessage(m can.Message, fields interp.Fields) { f(m, fields) }

// Handle identifies a registered observer for later removal.
type Handle uint64

type observerEntry struct {
	h  Handle
	ob Observer
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger overrides the global logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller is safe for concurrent use. The receive path takes a
// read-locked snapshot of filters and observers, so registration changes
// never block frame processing for long.
type Controller struct {
	mu        sync.RWMutex
	store     *busconfig.Store
	filters   filter.Set
	observers []observerEntry
	nextH     Handle

	itp  *interp.Interpreter
	errs errmgr.Manager
	log  *slog.Logger

	transmit  func(can.Message) error
	connected func() bool
}

// New builds a controller around the given interpreter and error sink.
func New(itp *interp.Interpreter, errs errmgr.Manager, opts ...Option) *Controller {
	c := &Controller{
		store: busconfig.NewStore(),
		itp:   itp,
		errs:  errs,
		log:   logging.L(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Interpreter exposes the schema registry for Register/Deregister calls.
func (c *Controller) Interpreter() *interp.Interpreter { return c.itp }

// Configuration returns the applied configuration, if any.
func (c *Controller) Configuration() (busconfig.Config, bool) { return c.store.Get() }

// SubscribeConfiguration registers fn for configuration changes.
func (c *Controller) SubscribeConfiguration(fn func(busconfig.Config)) (cancel func()) {
	return c.store.Subscribe(fn)
}

// BindTransport installs the transmit function and the connection probe.
// The manager calls this once during wiring.
func (c *Controller) BindTransport(transmit func(can.Message) error, connected func() bool) {
	c.mu.Lock()
	c.transmit = transmit
	c.connected = connected
	c.mu.Unlock()
}

// ApplyConfiguration validates cfg and replaces the active configuration
// atomically. Changing timing parameters under a live connection would
// desynchronize the interface, so the call is rejected while connected.
func (c *Controller) ApplyConfiguration(cfg busconfig.Config) error {
	c.mu.RLock()
	probe := c.connected
	c.mu.RUnlock()
	if probe != nil && probe() {
		return ErrConfiguredWhileConnected
	}
	if err := c.store.Apply(cfg); err != nil {
		return err
	}
	c.log.Info("bus_configuration_applied", "config", cfg.String())
	return nil
}

// AddFilter appends r to the acceptance set. Returns false if an equal
// rule is already present.
func (c *Controller) AddFilter(r filter.Rule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters.Add(r)
}

// RemoveFilter deletes the rule equal to r. Returns false if absent.
func (c *Controller) RemoveFilter(r filter.Rule) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters.Remove(r)
}

// Filters returns a copy of the current acceptance rules.
func (c *Controller) Filters() []filter.Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filters.Rules()
}

// RegisterObserver appends ob to the delivery list and returns its handle.
func (c *Controller) RegisterObserver(ob Observer) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextH++
	h := c.nextH
	c.observers = append(c.observers, observerEntry{h: h, ob: ob})
	metrics.SetObserverFanout(len(c.observers))
	return h
}

// UnregisterObserver removes the observer registered under h.
func (c *Controller) UnregisterObserver(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.observers {
		if e.h == h {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			metrics.SetObserverFanout(len(c.observers))
			return true
		}
	}
	return false
}

// ProcessIncoming runs one received frame through the acceptance filters,
// interprets its payload, and delivers it to every observer in order.
// Filtered frames are dropped silently (counted only). A frame whose
// identifier has no schema is still delivered, with nil fields, after a
// warning event.
func (c *Controller) ProcessIncoming(m can.Message) {
	metrics.IncRx()
	c.mu.RLock()
	accepted := c.filters.Accepts(m)
	observers := make([]observerEntry, len(c.observers))
	copy(observers, c.observers)
	c.mu.RUnlock()

	if !accepted {
		metrics.IncFilterDrop()
		return
	}
	metrics.IncRxAccepted()

	fields, err := c.itp.Interpret(m)
	if err != nil {
		fields = nil
		if errors.Is(err, interp.ErrUnknownSchema) {
			metrics.IncUnknownSchema()
			c.errs.Report(errmgr.NewEvent(errmgr.CodeUnknownSchema, errmgr.SeverityWarning,
				fmt.Sprintf("no schema for id 0x%X", m.ID), err))
		} else {
			metrics.IncMalformed()
			c.errs.Report(errmgr.NewEvent(errmgr.CodeMalformed, errmgr.SeverityWarning,
				fmt.Sprintf("undecodable payload for id 0x%X", m.ID), err))
		}
	}

	for _, e := range observers {
		e.ob.OnMessage(m, fields)
	}
}

// SendOutgoing validates m against the applied configuration and hands it
// to the bound transport. The frame is rejected when its addressing width
// exceeds what the bus is configured for.
func (c *Controller) SendOutgoing(m can.Message) error {
	cfg, ok := c.store.Get()
	if !ok {
		return ErrNoConfiguration
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Extended && !cfg.Extended {
		return fmt.Errorf("%w: extended id 0x%X on a standard bus", can.ErrInvalidID, m.ID)
	}
	c.mu.RLock()
	tx := c.transmit
	c.mu.RUnlock()
	if tx == nil {
		return ErrNoTransport
	}
	if err := tx(m); err != nil {
		return err
	}
	metrics.IncTx()
	return nil
}

// HandleBusError converts a transport failure into exactly one fault
// event on the error sink.
func (c *Controller) HandleBusError(code int, sev errmgr.Severity, desc string, cause error) {
	c.errs.Propagate(errmgr.NewEvent(code, sev, desc, cause))
}
