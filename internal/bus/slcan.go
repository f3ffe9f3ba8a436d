package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tfitpican/cansim/internal/busconfig"
	"github.com/tfitpican/cansim/internal/can"
	"github.com/tfitpican/cansim/internal/metrics"
)

// SLCAN (Lawicel) framing over a serial line:
//
//	tiiiLdd..   standard data frame (iii = 11-bit id, L = dlc, dd = data hex)
//	Tiiiiiiii.. extended data frame (8 hex id digits)
//	riiiL       standard remote frame
//	RiiiiiiiiL  extended remote frame
//	Sn          set bit rate before open
//	O / C       open / close channel
//
// Every command and frame ends with CR. The adapter answers CR on success
// and BEL on error.

const (
	slcanCR  = '\r'
	slcanBEL = 0x07
)

// slcanRates maps bit rates to Lawicel S-codes.
var slcanRates = map[uint32]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// SLCANCodec converts between frames and SLCAN ASCII lines.
type SLCANCodec struct{}

// Encode renders m as one CR-terminated SLCAN line.
func (SLCANCodec) Encode(m can.Message) []byte {
	var b bytes.Buffer
	switch {
	case m.RTR && m.Extended:
		fmt.Fprintf(&b, "R%08X%d", m.ID, m.Len)
	case m.RTR:
		fmt.Fprintf(&b, "r%03X%d", m.ID, m.Len)
	case m.Extended:
		fmt.Fprintf(&b, "T%08X%d", m.ID, m.Len)
	default:
		fmt.Fprintf(&b, "t%03X%d", m.ID, m.Len)
	}
	if !m.RTR {
		for _, d := range m.Data[:m.Len] {
			fmt.Fprintf(&b, "%02X", d)
		}
	}
	b.WriteByte(slcanCR)
	return b.Bytes()
}

// DecodeStream drains complete lines from in and emits decoded frames via
// out. Undecodable lines are counted and skipped; partial lines stay
// buffered for the next read.
func (SLCANCodec) DecodeStream(in *bytes.Buffer, out func(can.Message)) {
	for {
		data := in.Bytes()
		i := bytes.IndexByte(data, slcanCR)
		if i < 0 {
			return
		}
		line := data[:i]
		in.Next(i + 1)
		if len(line) == 0 {
			continue // bare CR ack
		}
		if line[0] == slcanBEL {
			metrics.IncMalformed()
			continue
		}
		m, err := decodeSLCANLine(line)
		if err != nil {
			metrics.IncMalformed()
			continue
		}
		out(m)
	}
}

func decodeSLCANLine(line []byte) (can.Message, error) {
	var m can.Message
	var idLen int
	switch line[0] {
	case 't':
	case 'T':
		m.Extended = true
	case 'r':
		m.RTR = true
	case 'R':
		m.Extended = true
		m.RTR = true
	default:
		return m, fmt.Errorf("unknown frame type %q", line[0])
	}
	idLen = 3
	if m.Extended {
		idLen = 8
	}
	if len(line) < 1+idLen+1 {
		return m, errors.New("short frame")
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return m, fmt.Errorf("bad id: %w", err)
	}
	m.ID = uint32(id)
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 {
		return m, fmt.Errorf("bad dlc %d", dlc)
	}
	m.Len = uint8(dlc)
	if !m.RTR {
		hex := line[1+idLen+1:]
		if len(hex) != 2*dlc {
			return m, fmt.Errorf("payload length %d, want %d", len(hex), 2*dlc)
		}
		for i := 0; i < dlc; i++ {
			v, err := strconv.ParseUint(string(hex[2*i:2*i+2]), 16, 8)
			if err != nil {
				return m, fmt.Errorf("bad payload byte: %w", err)
			}
			m.Data[i] = byte(v)
		}
	}
	return m, m.Validate()
}

// SLCANInterface drives a Lawicel-compatible adapter on a serial device.
// The sample point is fixed by the adapter firmware and the configured
// value is ignored.
type SLCANInterface struct {
	name   string
	device string
	baud   int
	codec  SLCANCodec

	mu      sync.Mutex
	port    Port
	closed  bool
	rbuf    bytes.Buffer
	pending []can.Message
}

var _ Interface = (*SLCANInterface)(nil)

// NewSLCAN returns an interface for the adapter on device at the given
// serial baud rate (the bit rate of the CAN side comes from Connect).
func NewSLCAN(name, device string, baud int) *SLCANInterface {
	if baud <= 0 {
		baud = 115200
	}
	return &SLCANInterface{name: name, device: device, baud: baud}
}

func (s *SLCANInterface) Name() string { return s.name }

// Connect opens the serial device, programs the bit rate, and opens the
// CAN channel.
func (s *SLCANInterface) Connect(_ context.Context, cfg busconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	code, ok := slcanRates[cfg.BitRate]
	if !ok {
		return fmt.Errorf("%w: bit rate %d has no SLCAN code", busconfig.ErrInvalidConfiguration, cfg.BitRate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return errors.New("slcan already connected")
	}
	p, err := openPort(s.device, s.baud, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.device, err)
	}
	// Close any stale channel, set bit rate, open.
	for _, cmd := range [][]byte{{'C', slcanCR}, {'S', code, slcanCR}, {'O', slcanCR}} {
		if _, err := p.Write(cmd); err != nil {
			_ = p.Close()
			return fmt.Errorf("slcan init: %w", err)
		}
	}
	s.port = p
	s.closed = false
	s.rbuf.Reset()
	s.pending = s.pending[:0]
	return nil
}

// Disconnect closes the CAN channel and the serial device. Idempotent.
func (s *SLCANInterface) Disconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	_, _ = s.port.Write([]byte{'C', slcanCR})
	err := s.port.Close()
	s.port = nil
	s.closed = true
	return err
}

func (s *SLCANInterface) Send(m can.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	p := s.port
	s.mu.Unlock()
	if p == nil {
		return ErrClosed
	}
	if _, err := p.Write(s.codec.Encode(m)); err != nil {
		return fmt.Errorf("slcan write: %w", err)
	}
	return nil
}

// Receive returns the next decoded frame, reading and buffering from the
// serial device as needed. A port read timeout surfaces as
// context.DeadlineExceeded so the caller's poll loop keeps going.
func (s *SLCANInterface) Receive(ctx context.Context) (can.Message, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			m := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return m, nil
		}
		p := s.port
		s.mu.Unlock()
		if p == nil {
			return can.Message{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return can.Message{}, err
		}

		var chunk [256]byte
		n, err := p.Read(chunk[:])
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return can.Message{}, ErrClosed
			}
			return can.Message{}, fmt.Errorf("slcan read: %w", err)
		}
		if n == 0 {
			// Serial read timeout; treat as a poll tick.
			return can.Message{}, context.DeadlineExceeded
		}
		s.mu.Lock()
		s.rbuf.Write(chunk[:n])
		s.codec.DecodeStream(&s.rbuf, func(m can.Message) {
			s.pending = append(s.pending, m)
		})
		s.mu.Unlock()
	}
}
