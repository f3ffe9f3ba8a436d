//go:build !linux

package bus

import (
	"context"

	"github.com/tfitpican/cansim/internal/busconfig"
	"github.com/tfitpican/cansim/internal/can"
)

// SocketCANInterface is only available on Linux.
type SocketCANInterface struct{ name string }

var _ Interface = (*SocketCANInterface)(nil)

func NewSocketCAN(device string) *SocketCANInterface { return &SocketCANInterface{name: device} }

func (s *SocketCANInterface) Name() string { return s.name }

func (s *SocketCANInterface) Connect(context.Context, busconfig.Config) error { return ErrUnsupported }

func (s *SocketCANInterface) Disconnect(context.Context) error { return nil }

func (s *SocketCANInterface) Send(can.Message) error { return ErrUnsupported }

func (s *SocketCANInterface) Receive(context.Context) (can.Message, error) {
	return can.Message{}, ErrUnsupported
}
