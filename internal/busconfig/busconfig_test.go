package busconfig

import (
	"errors"
	"testing"

	"github.com/tfitpican/cansim/internal/can"
)

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "typical", cfg: Config{Channel: "can0", BitRate: 500000, SamplePoint: 0.75}, ok: true},
		{name: "zero bit rate", cfg: Config{BitRate: 0, SamplePoint: 0.5}},
		{name: "sample point zero", cfg: Config{BitRate: 125000, SamplePoint: 0}},
		{name: "sample point one", cfg: Config{BitRate: 125000, SamplePoint: 1}},
		{name: "sample point above", cfg: Config{BitRate: 125000, SamplePoint: 1.5}},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("%s: expected ErrInvalidConfiguration, got %v", tc.name, err)
		}
	}
}

func TestConfig_MaxID(t *testing.T) {
	if got := (Config{}).MaxID(); got != can.SFFMask {
		t.Fatalf("standard MaxID = 0x%X, want 0x%X", got, can.SFFMask)
	}
	if got := (Config{Extended: true}).MaxID(); got != can.EFFMask {
		t.Fatalf("extended MaxID = 0x%X, want 0x%X", got, can.EFFMask)
	}
}

func TestStore_ApplyAndSubscribe(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get(); ok {
		t.Fatalf("fresh store must report no configuration")
	}

	var seen []uint32
	cancel := s.Subscribe(func(c Config) { seen = append(seen, c.BitRate) })

	if err := s.Apply(Config{BitRate: 0, SamplePoint: 0.5}); err == nil {
		t.Fatalf("invalid config must be rejected")
	}
	if _, ok := s.Get(); ok {
		t.Fatalf("rejected Apply must not set the store")
	}
	if len(seen) != 0 {
		t.Fatalf("rejected Apply must not notify")
	}

	if err := s.Apply(Config{Channel: "vcan0", BitRate: 500000, SamplePoint: 0.75}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	cfg, ok := s.Get()
	if !ok || cfg.BitRate != 500000 {
		t.Fatalf("Get = %+v, %v", cfg, ok)
	}
	if len(seen) != 1 || seen[0] != 500000 {
		t.Fatalf("subscriber not notified: %v", seen)
	}

	cancel()
	if err := s.Apply(Config{Channel: "vcan0", BitRate: 250000, SamplePoint: 0.8}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("cancelled subscriber still notified: %v", seen)
	}
}
