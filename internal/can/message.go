package can

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// SocketCAN flag bits for the on-wire can_id word (same values as <linux/can.h>).
const (
	EFFFlag = 0x80000000
	RTRFlag = 0x40000000
	ERRFlag = 0x20000000
	SFFMask = 0x7FF
	EFFMask = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("can: identifier out of range")
	ErrInvalidLen = errors.New("can: payload length out of range")
)

// Message is a single classical CAN transmission unit: an 11-bit (standard)
// or 29-bit (extended) identifier plus up to 8 payload bytes. Messages are
// passed by value and never mutated after construction.
//
// Only the first Len bytes of Data are meaningful.
type Message struct {
	ID       uint32
	Extended bool // 29-bit identifier
	RTR      bool // remote transmission request
	Len      uint8
	Data     [8]byte
}

// New builds a standard or extended data message from id and payload.
// Identifiers above the 11-bit range are marked extended automatically.
func New(id uint32, data []byte) (Message, error) {
	var m Message
	if len(data) > 8 {
		return m, ErrInvalidLen
	}
	m.ID = id
	m.Extended = id > SFFMask
	m.Len = uint8(len(data))
	copy(m.Data[:], data)
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks identifier width and payload length.
func (m Message) Validate() error {
	if m.Len > 8 {
		return ErrInvalidLen
	}
	max := uint32(SFFMask)
	if m.Extended {
		max = EFFMask
	}
	if m.ID > max {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, m.ID)
	}
	return nil
}

// Payload returns a copy of the meaningful data bytes.
func (m Message) Payload() []byte {
	p := make([]byte, m.Len)
	copy(p, m.Data[:m.Len])
	return p
}

// String renders "ID [len] bytes", e.g. "100 [2] 01 02".
func (m Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%X [%d]", m.ID, m.Len)
	if m.RTR {
		b.WriteString(" RTR")
	}
	for _, d := range m.Data[:m.Len] {
		fmt.Fprintf(&b, " %02X", d)
	}
	return b.String()
}

// MarshalBinary encodes the message in the Linux SocketCAN struct can_frame
// layout (16 bytes, little-endian can_id word carrying EFF/RTR flags). Used
// by the transports and the persistence path.
func (m Message) MarshalBinary() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	id := m.ID
	if m.Extended {
		id |= EFFFlag
	}
	if m.RTR {
		id |= RTRFlag
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = m.Len
	copy(buf[8:16], m.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a message from the struct can_frame layout.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("can: need 16 bytes, got %d", len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	m.Extended = id&EFFFlag != 0
	m.RTR = id&RTRFlag != 0
	if m.Extended {
		m.ID = id & EFFMask
	} else {
		m.ID = id & SFFMask
	}
	m.Len = data[4]
	copy(m.Data[:], data[8:16])
	return m.Validate()
}
