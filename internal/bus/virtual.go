package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/tfitpican/cansim/internal/busconfig"
	"github.com/tfitpican/cansim/internal/can"
	"github.com/tfitpican/cansim/internal/metrics"
)

// VirtualBus is an in-process broadcast medium. Every frame sent by one
// attached endpoint is delivered to all other endpoints, like a wire with
// no arbitration. Slow consumers lose frames rather than stall the bus.
type VirtualBus struct {
	mu        sync.RWMutex
	endpoints map[*VirtualInterface]struct{}
	closed    bool
}

// NewVirtualBus returns an empty bus.
func NewVirtualBus() *VirtualBus {
	return &VirtualBus{endpoints: make(map[*VirtualInterface]struct{})}
}

// Endpoint creates a new interface attached to the bus once connected.
// buf bounds the per-endpoint receive queue.
func (b *VirtualBus) Endpoint(name string, buf int) *VirtualInterface {
	if buf <= 0 {
		buf = 64
	}
	return &VirtualInterface{name: name, bus: b, buf: buf}
}

// Close detaches all endpoints. Subsequent Connect calls fail.
func (b *VirtualBus) Close() {
	b.mu.Lock()
	b.closed = true
	eps := make([]*VirtualInterface, 0, len(b.endpoints))
	for ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.endpoints = make(map[*VirtualInterface]struct{})
	b.mu.Unlock()
	// Detach outside the bus lock; Disconnect takes ep.mu before b.mu.
	for _, ep := range eps {
		ep.mu.Lock()
		ep.detachLocked()
		ep.mu.Unlock()
	}
}

func (b *VirtualBus) attach(ep *VirtualInterface) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.endpoints[ep] = struct{}{}
	return nil
}

func (b *VirtualBus) detach(ep *VirtualInterface) {
	b.mu.Lock()
	delete(b.endpoints, ep)
	b.mu.Unlock()
}

// broadcast delivers m to every endpoint except the sender.
func (b *VirtualBus) broadcast(from *VirtualInterface, m can.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ep := range b.endpoints {
		if ep == from {
			continue
		}
		select {
		case ep.rx <- m:
		default:
			metrics.IncQueueDrop()
		}
	}
}

// VirtualInterface is one attachment point on a VirtualBus.
type VirtualInterface struct {
	name string
	bus  *VirtualBus
	buf  int

	mu        sync.Mutex
	rx        chan can.Message
	done      chan struct{}
	connected bool
}

var _ Interface = (*VirtualInterface)(nil)

func (v *VirtualInterface) Name() string { return v.name }

// Connect validates cfg and attaches the endpoint to the bus. The virtual
// medium has no timing, so bit rate and sample point are accepted as-is.
func (v *VirtualInterface) Connect(_ context.Context, cfg busconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.connected {
		return fmt.Errorf("endpoint %s already connected", v.name)
	}
	v.rx = make(chan can.Message, v.buf)
	v.done = make(chan struct{})
	if err := v.bus.attach(v); err != nil {
		return err
	}
	v.connected = true
	return nil
}

// Disconnect detaches from the bus. Safe to call repeatedly.
func (v *VirtualInterface) Disconnect(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return nil
	}
	v.bus.detach(v)
	v.detachLocked()
	return nil
}

// detachLocked closes the done channel. Caller holds v.mu.
func (v *VirtualInterface) detachLocked() {
	if v.connected {
		v.connected = false
		close(v.done)
	}
}

func (v *VirtualInterface) Send(m can.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	connected := v.connected
	v.mu.Unlock()
	if !connected {
		return ErrClosed
	}
	v.bus.broadcast(v, m)
	return nil
}

func (v *VirtualInterface) Receive(ctx context.Context) (can.Message, error) {
	v.mu.Lock()
	rx, done := v.rx, v.done
	connected := v.connected
	v.mu.Unlock()
	if !connected {
		return can.Message{}, ErrClosed
	}
	select {
	case m := <-rx:
		return m, nil
	case <-done:
		return can.Message{}, ErrClosed
	case <-ctx.Done():
		return can.Message{}, ctx.Err()
	}
}
