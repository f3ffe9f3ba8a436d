package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tfitpican/cansim/internal/can"
)

// ErrTransmitterClosed is returned by Send after Close.
var ErrTransmitterClosed = errors.New("transmitter closed")

// TxHooks customize Transmitter behavior per backend.
type TxHooks struct {
	// OnError is called when send returns a non-nil error (frame not sent).
	OnError func(error)
	// OnAfter is called only after a successful send.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is
	// returned from Send. If nil, the overflow is silent.
	OnDrop func() error
}

// Transmitter funnels outgoing frames through a single goroutine (fan-in)
// with non-blocking enqueue semantics: a full buffer invokes OnDrop and
// returns its error instead of blocking the producer behind a slow or
// wedged device.
//
// Life-cycle:
//
//	t := NewTransmitter(ctx, buf, sendFn, hooks)
//	t.Send(m)
//	t.Close()
type Transmitter struct {
	mu     sync.Mutex
	ch     chan can.Message
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(can.Message) error
	hooks  TxHooks
	closed atomic.Bool
}

// NewTransmitter constructs a Transmitter with a buffered channel of size buf.
func NewTransmitter(parent context.Context, buf int, send func(can.Message) error, hooks TxHooks) *Transmitter {
	ctx, cancel := context.WithCancel(parent)
	t := &Transmitter{
		ch:     make(chan can.Message, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

func (t *Transmitter) loop() {
	defer t.wg.Done()
	for {
		select {
		case m, ok := <-t.ch:
			if !ok {
				return
			}
			if err := t.send(m); err != nil {
				if t.hooks.OnError != nil {
					t.hooks.OnError(err)
				}
				continue
			}
			if t.hooks.OnAfter != nil {
				t.hooks.OnAfter()
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// Send queues a frame for asynchronous transmission or returns the drop
// error if the buffer is full.
func (t *Transmitter) Send(m can.Message) error {
	// Fast-path check so steady-state sends avoid the lock after shutdown.
	if t.closed.Load() {
		return ErrTransmitterClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return ErrTransmitterClosed
	}
	select {
	case t.ch <- m:
		return nil
	default:
		if t.hooks.OnDrop != nil {
			return t.hooks.OnDrop()
		}
		return nil
	}
}

// Close stops the worker and waits for the pending goroutine to exit.
func (t *Transmitter) Close() {
	if t.closed.Swap(true) {
		return
	}
	// Cancel the context to stop the loop, then close the channel under
	// the send lock to avoid races with in-flight Send calls.
	t.cancel()
	t.mu.Lock()
	close(t.ch)
	t.mu.Unlock()
	t.wg.Wait()
}
