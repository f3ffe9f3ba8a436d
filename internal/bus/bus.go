// Package bus holds the physical interface abstraction and its backends:
// an in-process virtual bus, SLCAN adapters over a serial line, and raw
// SocketCAN on Linux.
package bus

import (
	"context"
	"errors"

	"github.com/tfitpican/cansim/internal/busconfig"
	"github.com/tfitpican/cansim/internal/can"
)

var (
	// ErrClosed is returned by Send and Receive once the interface has
	// been disconnected or has failed permanently.
	ErrClosed = errors.New("bus interface closed")
	// ErrUnsupported is returned when the requested backend is not
	// available on this platform.
	ErrUnsupported = errors.New("bus backend unsupported on this platform")
)

// Interface is a single connection-oriented attachment to a CAN bus.
// Implementations are safe for one concurrent reader plus any number of
// writers; Connect and Disconnect serialize against both.
type Interface interface {
	Name() string
	Connect(ctx context.Context, cfg busconfig.Config) error
	Disconnect(ctx context.Context) error
	Send(m can.Message) error
	// Receive blocks until a frame arrives, the context ends, or the
	// interface closes. Implementations wrap deadline expiry in
	// context.DeadlineExceeded so callers can poll.
	Receive(ctx context.Context) (can.Message, error)
}
