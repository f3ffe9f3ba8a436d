// Package busconfig holds the bus timing/addressing configuration value
// object and a small watchable store the rest of the system reads it from.
package busconfig

import (
	"errors"
	"fmt"

	"github.com/tfitpican/cansim/internal/can"
)

// ErrInvalidConfiguration is returned for configurations outside valid ranges.
var ErrInvalidConfiguration = errors.New("busconfig: invalid configuration")

// Config describes bus timing and addressing. It is a plain value: applied
// whole, never patched field by field.
type Config struct {
	Channel     string  // interface/channel identifier, e.g. "can0" or "vcan0"
	BitRate     uint32  // bits per second
	SamplePoint float64 // fraction of the bit time, exclusive (0,1)
	Extended    bool    // bus carries 29-bit identifiers
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.BitRate == 0 {
		return fmt.Errorf("%w: bit rate must be > 0", ErrInvalidConfiguration)
	}
	if c.SamplePoint <= 0 || c.SamplePoint >= 1 {
		return fmt.Errorf("%w: sample point %v outside (0,1)", ErrInvalidConfiguration, c.SamplePoint)
	}
	return nil
}

// MaxID returns the widest identifier the configured addressing admits.
func (c Config) MaxID() uint32 {
	if c.Extended {
		return can.EFFMask
	}
	return can.SFFMask
}

func (c Config) String() string {
	mode := "standard"
	if c.Extended {
		mode = "extended"
	}
	return fmt.Sprintf("%s %d bit/s sp=%.2f %s", c.Channel, c.BitRate, c.SamplePoint, mode)
}
