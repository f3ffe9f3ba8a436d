package interp

import (
	"errors"
	"testing"

	"github.com/tfitpican/cansim/internal/can"
)

func speedSchema(t *testing.T) *SignalSchema {
	t.Helper()
	s, err := NewSignalSchema("vehicle_speed", 3,
		Signal{Name: "speed", Start: 0, Length: 16},
		Signal{Name: "gear", Start: 16, Length: 4},
		Signal{Name: "braking", Start: 20, Length: 1},
	)
	if err != nil {
		t.Fatalf("NewSignalSchema: %v", err)
	}
	return s
}

func TestSignalSchema_RoundTrip(t *testing.T) {
	s := speedSchema(t)
	cases := []Fields{
		{"speed": 0, "gear": 0, "braking": 0},
		{"speed": 120, "gear": 3, "braking": 1},
		{"speed": 65535, "gear": 15, "braking": 0},
	}
	for _, f := range cases {
		payload, err := s.Encode(f)
		if err != nil {
			t.Fatalf("Encode(%v): %v", f, err)
		}
		if len(payload) != int(s.DLC()) {
			t.Fatalf("payload length %d, want %d", len(payload), s.DLC())
		}
		got, err := s.Decode(payload)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if !got.Equal(f) {
			t.Fatalf("round trip mismatch: got %v want %v", got, f)
		}
	}
}

func TestSignal_BigEndianAndSigned(t *testing.T) {
	s, err := NewSignalSchema("engine", 8,
		Signal{Name: "rpm", Start: 0, Length: 16, BigEndian: true},
		Signal{Name: "temp", Start: 16, Length: 8, BigEndian: true, Signed: true},
	)
	if err != nil {
		t.Fatalf("NewSignalSchema: %v", err)
	}
	f := Fields{"rpm": 6500, "temp": -40}
	payload, err := s.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Big-endian rpm occupies the first two payload bytes MSB first.
	if payload[0] != byte(6500>>8) || payload[1] != byte(6500&0xFF) {
		t.Fatalf("unexpected big-endian packing: % X", payload[:2])
	}
	got, err := s.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got["temp"] != -40 {
		t.Fatalf("signed decode: temp = %d, want -40", got["temp"])
	}
	if !got.Equal(f) {
		t.Fatalf("round trip mismatch: got %v want %v", got, f)
	}
}

func TestSignal_RangeChecks(t *testing.T) {
	s := speedSchema(t)
	if _, err := s.Encode(Fields{"speed": 65536, "gear": 0, "braking": 0}); !errors.Is(err, ErrSignalRange) {
		t.Fatalf("expected ErrSignalRange for oversized unsigned, got %v", err)
	}
	if _, err := s.Encode(Fields{"speed": -1, "gear": 0, "braking": 0}); !errors.Is(err, ErrSignalRange) {
		t.Fatalf("expected ErrSignalRange for negative unsigned, got %v", err)
	}
}

func TestSignalSchema_RejectsBadLayouts(t *testing.T) {
	if _, err := NewSignalSchema("x", 2, Signal{Name: "a", Start: 8, Length: 16}); err == nil {
		t.Fatalf("expected error for signal exceeding payload")
	}
	if _, err := NewSignalSchema("x", 8,
		Signal{Name: "a", Start: 0, Length: 8},
		Signal{Name: "b", Start: 4, Length: 8},
	); err == nil {
		t.Fatalf("expected error for overlapping signals")
	}
	if _, err := NewSignalSchema("x", 8,
		Signal{Name: "a", Start: 0, Length: 8},
		Signal{Name: "a", Start: 8, Length: 8},
	); err == nil {
		t.Fatalf("expected error for duplicate signal name")
	}
}

func TestSignalSchema_EncodeRejectsWrongFieldSet(t *testing.T) {
	s := speedSchema(t)
	if _, err := s.Encode(Fields{"speed": 1, "gear": 2}); err == nil {
		t.Fatalf("expected error for missing field")
	}
	if _, err := s.Encode(Fields{"speed": 1, "gear": 2, "braking": 0, "bogus": 9}); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestInterpreter_DispatchAndUnknown(t *testing.T) {
	itp := New()
	s := speedSchema(t)
	if err := itp.Register(0x100, s); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := itp.Register(0x100, s); !errors.Is(err, ErrSchemaRegistered) {
		t.Fatalf("expected ErrSchemaRegistered, got %v", err)
	}

	m, err := itp.Build(0x100, Fields{"speed": 88, "gear": 2, "braking": 0})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if m.ID != 0x100 || m.Len != s.DLC() {
		t.Fatalf("built message %v malformed", m)
	}
	f, err := itp.Interpret(m)
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	if f["speed"] != 88 {
		t.Fatalf("speed = %d, want 88", f["speed"])
	}

	// Unknown traffic is a recoverable, classified condition.
	unknown, _ := can.New(0x7FF, []byte{1})
	if _, err := itp.Interpret(unknown); !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema, got %v", err)
	}
	if _, err := itp.Build(0x7FF, Fields{}); !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("expected ErrUnknownSchema from Build, got %v", err)
	}

	itp.Deregister(0x100)
	if _, ok := itp.Lookup(0x100); ok {
		t.Fatalf("Deregister did not remove schema")
	}
}

// The message-level round-trip law: rebuilding from interpreted fields
// reproduces the original payload.
func TestInterpreter_PayloadRoundTrip(t *testing.T) {
	itp := New()
	if err := itp.Register(0x200, speedSchema(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	orig, err := itp.Build(0x200, Fields{"speed": 1234, "gear": 5, "braking": 1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	f, err := itp.Interpret(orig)
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	rebuilt, err := itp.Build(0x200, f)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if rebuilt.Len != orig.Len || rebuilt.Data != orig.Data {
		t.Fatalf("payload mismatch: got % X want % X", rebuilt.Data[:rebuilt.Len], orig.Data[:orig.Len])
	}
}
