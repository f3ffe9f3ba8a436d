//go:build linux

package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tfitpican/cansim/internal/busconfig"
	"github.com/tfitpican/cansim/internal/can"
)

// SocketCANInterface attaches to a kernel CAN network device via an
// AF_CAN raw socket. Bit timing is owned by the netlink configuration of
// the device (ip link set canX type can bitrate ...); Connect validates
// the requested configuration but cannot program it without CAP_NET_ADMIN,
// so the device is expected to be brought up out of band.
type SocketCANInterface struct {
	name string

	mu sync.Mutex
	fd int
	up bool
}

var _ Interface = (*SocketCANInterface)(nil)

// NewSocketCAN returns an interface for the named kernel device (can0,
// vcan0, ...).
func NewSocketCAN(device string) *SocketCANInterface {
	return &SocketCANInterface{name: device, fd: -1}
}

func (s *SocketCANInterface) Name() string { return s.name }

func (s *SocketCANInterface) Connect(_ context.Context, cfg busconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.up {
		return errors.New("socketcan already connected")
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(s.name)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("if %q: %w", s.name, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind(can@%s): %w", s.name, err)
	}
	s.fd = fd
	s.up = true
	return nil
}

func (s *SocketCANInterface) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.up {
		return nil
	}
	s.up = false
	fd := s.fd
	s.fd = -1
	return unix.Close(fd)
}

func (s *SocketCANInterface) Send(m can.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	fd, up := s.fd, s.up
	s.mu.Unlock()
	if !up {
		return ErrClosed
	}
	buf, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := unix.Write(fd, buf); err != nil {
		return fmt.Errorf("socketcan write: %w", err)
	}
	return nil
}

// Receive reads one classic CAN frame. A context deadline is pushed down
// to the socket as SO_RCVTIMEO so the read wakes up when the deadline
// passes; the resulting EAGAIN surfaces as context.DeadlineExceeded.
func (s *SocketCANInterface) Receive(ctx context.Context) (can.Message, error) {
	s.mu.Lock()
	fd, up := s.fd, s.up
	s.mu.Unlock()
	if !up {
		return can.Message{}, ErrClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		d := time.Until(dl)
		if d <= 0 {
			return can.Message{}, context.DeadlineExceeded
		}
		tv := unix.NsecToTimeval(int64(d))
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return can.Message{}, fmt.Errorf("socketcan rcvtimeo: %w", err)
		}
	}
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return can.Message{}, context.DeadlineExceeded
		}
		s.mu.Lock()
		closed := !s.up
		s.mu.Unlock()
		if closed {
			return can.Message{}, ErrClosed
		}
		return can.Message{}, fmt.Errorf("socketcan read: %w", err)
	}
	if n != unix.CAN_MTU {
		return can.Message{}, fmt.Errorf("short read: %d", n)
	}
	var m can.Message
	if err := m.UnmarshalBinary(buf[:]); err != nil {
		return can.Message{}, err
	}
	return m, nil
}
