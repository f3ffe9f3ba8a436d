package interp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tfitpican/cansim/internal/can"
)

var (
	// ErrUnknownSchema marks traffic with no registered schema. Unknown
	// identifiers are routine on a live bus; callers report and move on.
	ErrUnknownSchema = errors.New("interp: no schema registered for identifier")

	// ErrSchemaRegistered is returned when an identifier is claimed twice.
	ErrSchemaRegistered = errors.New("interp: schema already registered for identifier")
)

// Interpreter dispatches on the message identifier to select a payload
// schema. Registration and lookup are safe for concurrent use; schemas can
// be added at runtime without touching interpreter code.
type Interpreter struct {
	mu      sync.RWMutex
	schemas map[uint32]Schema
}

// New returns an empty interpreter.
func New() *Interpreter {
	return &Interpreter{schemas: make(map[uint32]Schema)}
}

// Register binds schema to the identifier.
func (i *Interpreter) Register(id uint32, schema Schema) error {
	if schema == nil {
		return fmt.Errorf("interp: nil schema for 0x%X", id)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, dup := i.schemas[id]; dup {
		return fmt.Errorf("%w: 0x%X", ErrSchemaRegistered, id)
	}
	i.schemas[id] = schema
	return nil
}

// Deregister removes the schema for id; absent id is a no-op.
func (i *Interpreter) Deregister(id uint32) {
	i.mu.Lock()
	delete(i.schemas, id)
	i.mu.Unlock()
}

// Lookup returns the schema registered for id.
func (i *Interpreter) Lookup(id uint32) (Schema, bool) {
	i.mu.RLock()
	s, ok := i.schemas[id]
	i.mu.RUnlock()
	return s, ok
}

// Interpret decodes the payload of m through the schema registered for its
// identifier. Returns ErrUnknownSchema (wrapped with the identifier) when
// no schema is bound.
func (i *Interpreter) Interpret(m can.Message) (Fields, error) {
	s, ok := i.Lookup(m.ID)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%X", ErrUnknownSchema, m.ID)
	}
	return s.Decode(m.Data[:m.Len])
}

// Build encodes fields into a message for the given identifier.
func (i *Interpreter) Build(id uint32, f Fields) (can.Message, error) {
	s, ok := i.Lookup(id)
	if !ok {
		return can.Message{}, fmt.Errorf("%w: 0x%X", ErrUnknownSchema, id)
	}
	payload, err := s.Encode(f)
	if err != nil {
		return can.Message{}, err
	}
	return can.New(id, payload)
}
