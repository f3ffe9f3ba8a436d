package interp

import (
	"fmt"
)

// Fields is the structured view of a payload: field name to raw value.
type Fields map[string]int64

// Equal reports whether two field maps carry the same entries.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Schema decodes payload bytes into fields and encodes fields back into
// payload bytes. Implementations must satisfy the round-trip law:
// Decode(Encode(f)) == f for every valid field map f.
type Schema interface {
	Name() string
	DLC() uint8
	Decode(payload []byte) (Fields, error)
	Encode(f Fields) ([]byte, error)
}

// SignalSchema is a Schema assembled from packed signals. Byte order and
// bit placement are per signal; signals must not overlap.
type SignalSchema struct {
	name    string
	dlc     uint8
	signals []Signal
}

// NewSignalSchema validates the layout and returns the schema.
func NewSignalSchema(name string, dlc uint8, signals ...Signal) (*SignalSchema, error) {
	if name == "" {
		return nil, fmt.Errorf("interp: schema without name")
	}
	if dlc > 8 {
		return nil, fmt.Errorf("interp: schema %q: dlc %d out of range", name, dlc)
	}
	if len(signals) == 0 {
		return nil, fmt.Errorf("interp: schema %q: no signals", name)
	}
	seen := make(map[string]struct{}, len(signals))
	var used [64]bool
	for _, s := range signals {
		if err := s.validate(dlc); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("interp: schema %q: duplicate signal %q", name, s.Name)
		}
		seen[s.Name] = struct{}{}
		lo := int(s.shift())
		for b := lo; b < lo+int(s.Length); b++ {
			// Map the word bit to its physical payload bit so little- and
			// big-endian signals share one occupancy map.
			phys := b
			if s.BigEndian {
				phys = (7-b/8)*8 + b%8
			}
			if used[phys] {
				return nil, fmt.Errorf("interp: schema %q: signal %q overlaps another signal", name, s.Name)
			}
			used[phys] = true
		}
	}
	cp := make([]Signal, len(signals))
	copy(cp, signals)
	return &SignalSchema{name: name, dlc: dlc, signals: cp}, nil
}

func (s *SignalSchema) Name() string { return s.name }
func (s *SignalSchema) DLC() uint8   { return s.dlc }

// Decode unpacks every signal from payload.
func (s *SignalSchema) Decode(payload []byte) (Fields, error) {
	if len(payload) < int(s.dlc) {
		return nil, fmt.Errorf("interp: schema %q: payload %d bytes, need %d", s.name, len(payload), s.dlc)
	}
	var buf [8]byte
	copy(buf[:], payload[:s.dlc])
	out := make(Fields, len(s.signals))
	for _, sig := range s.signals {
		out[sig.Name] = sig.extract(&buf)
	}
	return out, nil
}

// Encode packs every signal into a fresh payload. The field map must carry
// exactly the schema's signals; missing or unknown fields are errors so a
// build/interpret round trip stays lossless.
func (s *SignalSchema) Encode(f Fields) ([]byte, error) {
	if len(f) != len(s.signals) {
		return nil, fmt.Errorf("interp: schema %q: got %d fields, want %d", s.name, len(f), len(s.signals))
	}
	var buf [8]byte
	for _, sig := range s.signals {
		v, ok := f[sig.Name]
		if !ok {
			return nil, fmt.Errorf("interp: schema %q: missing field %q", s.name, sig.Name)
		}
		if err := sig.insert(&buf, v); err != nil {
			return nil, err
		}
	}
	return buf[:s.dlc], nil
}
