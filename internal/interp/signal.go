// Package interp is the bidirectional codec between raw CAN payload bytes
// and structured field maps. Schemas are registered per identifier; the
// interpreter itself is schema-agnostic.
package interp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrSignalRange is returned when a field value does not fit its signal width.
var ErrSignalRange = errors.New("interp: value out of signal range")

// Signal describes one field packed into a CAN payload.
//
// Bit addressing: the payload is treated as a 64-bit word. For little-endian
// (Intel) signals Start counts from the LSB of the little-endian word; for
// big-endian (Motorola) signals Start counts from the MSB of the big-endian
// word. Either way the signal occupies Length contiguous bits.
type Signal struct {
	Name      string
	Start     uint8 // bit offset, 0..63
	Length    uint8 // 1..64
	BigEndian bool
	Signed    bool
}

func (s Signal) validate(dlc uint8) error {
	if s.Name == "" {
		return errors.New("interp: signal without name")
	}
	if s.Length == 0 || s.Length > 64 {
		return fmt.Errorf("interp: signal %q: length %d out of range", s.Name, s.Length)
	}
	if int(s.Start)+int(s.Length) > int(dlc)*8 {
		return fmt.Errorf("interp: signal %q: bits [%d,%d) exceed %d-byte payload",
			s.Name, s.Start, int(s.Start)+int(s.Length), dlc)
	}
	return nil
}

func (s Signal) mask() uint64 {
	if s.Length == 64 {
		return ^uint64(0)
	}
	return (1 << s.Length) - 1
}

func (s Signal) shift() uint8 {
	if s.BigEndian {
		return 64 - s.Start - s.Length
	}
	return s.Start
}

// extract pulls the raw signal bits out of an 8-byte payload buffer and
// sign-extends when the signal is signed.
func (s Signal) extract(p *[8]byte) int64 {
	var word uint64
	if s.BigEndian {
		word = binary.BigEndian.Uint64(p[:])
	} else {
		word = binary.LittleEndian.Uint64(p[:])
	}
	raw := (word >> s.shift()) & s.mask()
	if s.Signed && s.Length < 64 && raw&(1<<(s.Length-1)) != 0 {
		raw |= ^s.mask()
	}
	return int64(raw)
}

// insert writes v into the signal's bit range of p, rejecting values that
// do not fit the declared width.
func (s Signal) insert(p *[8]byte, v int64) error {
	if s.Length < 64 {
		if s.Signed {
			lo := -(int64(1) << (s.Length - 1))
			hi := int64(1)<<(s.Length-1) - 1
			if v < lo || v > hi {
				return fmt.Errorf("%w: %q = %d (signed %d bits)", ErrSignalRange, s.Name, v, s.Length)
			}
		} else {
			if v < 0 || uint64(v) > s.mask() {
				return fmt.Errorf("%w: %q = %d (unsigned %d bits)", ErrSignalRange, s.Name, v, s.Length)
			}
		}
	}
	raw := uint64(v) & s.mask()
	var word uint64
	if s.BigEndian {
		word = binary.BigEndian.Uint64(p[:])
	} else {
		word = binary.LittleEndian.Uint64(p[:])
	}
	word = word&^(s.mask()<<s.shift()) | raw<<s.shift()
	if s.BigEndian {
		binary.BigEndian.PutUint64(p[:], word)
	} else {
		binary.LittleEndian.PutUint64(p[:], word)
	}
	return nil
}
