// Package manager owns the connection life-cycle of one bus interface and
// pumps its traffic: a receive loop feeding a bounded queue, a dispatch
// goroutine handing frames to the controller, and an asynchronous
// transmitter for the outgoing path.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tfitpican/cansim/internal/bus"
	"github.com/tfitpican/cansim/internal/can"
	"github.com/tfitpican/cansim/internal/controller"
	"github.com/tfitpican/cansim/internal/errmgr"
	"github.com/tfitpican/cansim/internal/logging"
	"github.com/tfitpican/cansim/internal/metrics"
)

var (
	// ErrNotConnected is returned by Send outside the Connected state.
	ErrNotConnected = errors.New("interface not connected")
	// ErrConnect wraps connection establishment failures.
	ErrConnect = errors.New("connect failed")
	// ErrTxOverflow is returned when the transmit buffer is full.
	ErrTxOverflow = errors.New("tx overflow")
	// ErrWrongState rejects Connect while a connection attempt or an
	// established connection is in progress.
	ErrWrongState = errors.New("connect requires disconnected or faulted state")
)

const (
	defaultConnectTimeout    = 5 * time.Second
	defaultDisconnectTimeout = 5 * time.Second
	defaultReceiveTimeout    = 200 * time.Millisecond
	defaultQueueSize         = 256
	defaultTxBuffer          = 1024

	rxBackoffMin = 10 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond

	// consecutive receive failures before the fault is escalated
	rxErrorEscalation = 3
)

// sleepFn is swapped out by tests to avoid real backoff delays.
var sleepFn = time.Sleep

// Option configures a Manager.
type Option func(*Manager)

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

func WithDisconnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.disconnectTimeout = d }
}

func WithReceiveTimeout(d time.Duration) Option {
	return func(m *Manager) { m.receiveTimeout = d }
}

func WithQueueSize(n int) Option {
	return func(m *Manager) { m.queueSize = n }
}

func WithTxBuffer(n int) Option {
	return func(m *Manager) { m.txBuffer = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager drives one bus.Interface through its connection states and moves
// frames between it and the controller. All exported methods are safe for
// concurrent use.
type Manager struct {
	iface bus.Interface
	ctrl  *controller.Controller
	errs  errmgr.Manager
	log   *slog.Logger

	connectTimeout    time.Duration
	disconnectTimeout time.Duration
	receiveTimeout    time.Duration
	queueSize         int
	txBuffer          int

	state atomic.Int32

	mu       sync.Mutex // guards the per-connection fields below
	cancelRx context.CancelFunc
	queue    chan can.Message
	tx       *bus.Transmitter
	rxWG     sync.WaitGroup
	dispWG   sync.WaitGroup
}

// New wires a manager around iface and ctrl. Faults go to errs; the
// controller's transport is bound here so Send flows through its checks.
func New(iface bus.Interface, ctrl *controller.Controller, errs errmgr.Manager, opts ...Option) *Manager {
	m := &Manager{
		iface:             iface,
		ctrl:              ctrl,
		errs:              errs,
		log:               logging.L(),
		connectTimeout:    defaultConnectTimeout,
		disconnectTimeout: defaultDisconnectTimeout,
		receiveTimeout:    defaultReceiveTimeout,
		queueSize:         defaultQueueSize,
		txBuffer:          defaultTxBuffer,
	}
	for _, o := range opts {
		o(m)
	}
	ctrl.BindTransport(m.transmitFrame, func() bool { return m.State() == Connected })
	return m
}

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	metrics.SetConnectionState(int32(s))
	m.log.Info("connection_state", "state", s.String(), "interface", m.iface.Name())
}

// Connect establishes the physical connection using the applied
// configuration and starts the receive pipeline. Valid from Disconnected
// and, for explicit reconnection, from Faulted; a failed attempt leaves
// the manager Faulted. There is no automatic retry.
func (m *Manager) Connect(ctx context.Context) error {
	cfg, ok := m.ctrl.Configuration()
	if !ok {
		return controller.ErrNoConfiguration
	}
	if !m.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		if !m.state.CompareAndSwap(int32(Faulted), int32(Connecting)) {
			return fmt.Errorf("%w: state %s", ErrWrongState, m.State())
		}
		// Reconnecting after a fault: clear whatever the failed
		// connection left behind before dialing again.
		if err := m.teardownPipeline(ctx); err != nil {
			m.log.Warn("faulted_teardown", "interface", m.iface.Name(), "error", err)
		}
	}
	metrics.SetConnectionState(int32(Connecting))
	m.log.Info("connection_state", "state", Connecting.String(), "interface", m.iface.Name())

	cctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	if err := m.iface.Connect(cctx, cfg); err != nil {
		m.setState(Faulted)
		metrics.IncError(metrics.ErrConnect)
		m.errs.Propagate(errmgr.NewEvent(errmgr.CodeConnect, errmgr.SeverityError,
			fmt.Sprintf("connect %s failed", m.iface.Name()), err))
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	rxCtx, cancelRx := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancelRx = cancelRx
	m.queue = make(chan can.Message, m.queueSize)
	m.tx = bus.NewTransmitter(rxCtx, m.txBuffer, m.iface.Send, bus.TxHooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrBusWrite)
			m.ctrl.HandleBusError(errmgr.CodeBusWrite, errmgr.SeverityError, "bus write failed", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrBusOverflow)
			return ErrTxOverflow
		},
	})
	queue := m.queue
	m.rxWG.Add(1)
	m.dispWG.Add(1)
	m.mu.Unlock()

	go m.receiveLoop(rxCtx, queue)
	go m.dispatchLoop(rxCtx, queue)

	m.setState(Connected)
	return nil
}

// receiveLoop polls the interface with a per-frame timeout so cancellation
// is observed promptly, and feeds accepted traffic into the bounded queue.
// Transient errors back off and escalate after repeated failures; a closed
// interface faults the connection.
func (m *Manager) receiveLoop(ctx context.Context, queue chan<- can.Message) {
	defer m.rxWG.Done()
	backoff := rxBackoffMin
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return
		}
		rctx, cancel := context.WithTimeout(ctx, m.receiveTimeout)
		msg, err := m.iface.Receive(rctx)
		cancel()
		switch {
		case err == nil:
			consecutive = 0
			backoff = rxBackoffMin
			select {
			case queue <- msg:
				metrics.SetQueueDepth(len(queue))
			default:
				metrics.IncQueueDrop()
			}
		case errors.Is(err, context.DeadlineExceeded):
			// Idle bus; keep polling.
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, bus.ErrClosed):
			if ctx.Err() != nil {
				return // orderly disconnect
			}
			m.setState(Faulted)
			m.errs.Propagate(errmgr.NewEvent(errmgr.CodeInterfaceDown, errmgr.SeverityCritical,
				fmt.Sprintf("interface %s closed unexpectedly", m.iface.Name()), err))
			return
		default:
			metrics.IncError(metrics.ErrBusRead)
			consecutive++
			if consecutive == rxErrorEscalation {
				m.errs.Propagate(errmgr.NewEvent(errmgr.CodeBusRead, errmgr.SeverityError,
					fmt.Sprintf("%d consecutive receive failures on %s", consecutive, m.iface.Name()), err))
			} else {
				m.log.Warn("receive_error", "interface", m.iface.Name(), "error", err)
			}
			sleepFn(backoff)
			if backoff *= 2; backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
	}
}

// dispatchLoop hands queued frames to the controller. On cancellation the
// remaining backlog is discarded; the loop exits when the queue closes.
func (m *Manager) dispatchLoop(ctx context.Context, queue <-chan can.Message) {
	defer m.dispWG.Done()
	for msg := range queue {
		if ctx.Err() != nil {
			continue
		}
		m.ctrl.ProcessIncoming(msg)
		metrics.SetQueueDepth(len(queue))
	}
}

// Disconnect tears the pipeline down and detaches from the bus. Safe to
// call repeatedly and from any state; a no-op when already disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	prev := State(m.state.Swap(int32(Disconnected)))
	if prev == Disconnected {
		return nil
	}
	metrics.SetConnectionState(int32(Disconnected))

	if err := m.teardownPipeline(ctx); err != nil {
		metrics.IncError(metrics.ErrDisconnect)
		m.errs.Report(errmgr.NewEvent(errmgr.CodeInterfaceDown, errmgr.SeverityWarning,
			fmt.Sprintf("disconnect %s reported error", m.iface.Name()), err))
		return err
	}
	m.log.Info("connection_state", "state", Disconnected.String(), "interface", m.iface.Name())
	return nil
}

// teardownPipeline stops the receive and dispatch goroutines, closes the
// transmitter and detaches from the bus. Queued-but-unprocessed inbound
// frames are discarded. Safe when no pipeline is running.
func (m *Manager) teardownPipeline(ctx context.Context) error {
	m.mu.Lock()
	cancelRx := m.cancelRx
	queue := m.queue
	tx := m.tx
	m.cancelRx = nil
	m.queue = nil
	m.tx = nil
	m.mu.Unlock()

	if cancelRx != nil {
		cancelRx()
	}
	if tx != nil {
		tx.Close()
	}
	if queue != nil {
		m.rxWG.Wait()
		close(queue)
		m.dispWG.Wait()
	}

	dctx, cancel := context.WithTimeout(ctx, m.disconnectTimeout)
	defer cancel()
	return m.iface.Disconnect(dctx)
}

// Send routes an outgoing frame through the controller's configuration
// and filter checks, then into the async transmitter.
func (m *Manager) Send(msg can.Message) error {
	if m.State() != Connected {
		return fmt.Errorf("%w: state %s", ErrNotConnected, m.State())
	}
	return m.ctrl.SendOutgoing(msg)
}

// transmitFrame is the transport bound to the controller. The state is
// re-checked here so the device is never touched across a disconnect.
func (m *Manager) transmitFrame(msg can.Message) error {
	if m.State() != Connected {
		return fmt.Errorf("%w: state %s", ErrNotConnected, m.State())
	}
	m.mu.Lock()
	tx := m.tx
	m.mu.Unlock()
	if tx == nil {
		return fmt.Errorf("%w: transmitter not running", ErrNotConnected)
	}
	return tx.Send(msg)
}
