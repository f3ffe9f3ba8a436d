package filter

import (
	"errors"
	"testing"

	"github.com/tfitpican/cansim/internal/can"
)

func msg(id uint32, data ...byte) can.Message {
	m, err := can.New(id, data)
	if err != nil {
		panic(err)
	}
	return m
}

func TestRule_MaskMatch(t *testing.T) {
	cases := []struct {
		name  string
		mask  uint32
		match uint32
		id    uint32
		want  bool
	}{
		{name: "exact standard", mask: 0x7FF, match: 0x100, id: 0x100, want: true},
		{name: "exact miss", mask: 0x7FF, match: 0x100, id: 0x101, want: false},
		{name: "range via mask", mask: 0x700, match: 0x100, id: 0x1FF, want: true},
		{name: "range miss", mask: 0x700, match: 0x100, id: 0x200, want: false},
		{name: "wildcard", mask: 0, match: 0, id: 0x7FF, want: true},
		{name: "extended", mask: can.EFFMask, match: 0x18DAF110, id: 0x18DAF110, want: true},
	}
	for _, tc := range cases {
		r, err := NewRule(tc.mask, tc.match)
		if err != nil {
			t.Fatalf("%s: NewRule: %v", tc.name, err)
		}
		if got := r.Matches(msg(tc.id)); got != tc.want {
			t.Fatalf("%s: Matches(0x%X) = %v, want %v", tc.name, tc.id, got, tc.want)
		}
		// Filter correctness law: identical to the raw compare when no predicate set.
		if got := r.Matches(msg(tc.id)); got != ((tc.id & tc.mask) == tc.match) {
			t.Fatalf("%s: Matches disagrees with (id & mask) == match", tc.name)
		}
	}
}

func TestNewRule_ZeroMaskNonZeroMatch(t *testing.T) {
	if _, err := NewRule(0, 0x100); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestRule_DataPredicateShortCircuit(t *testing.T) {
	calls := 0
	r, err := NewDataRule("door-open", 0x7FF, 0x200, func(m can.Message) bool {
		calls++
		return m.Len > 0 && m.Data[0] == 1
	})
	if err != nil {
		t.Fatalf("NewDataRule: %v", err)
	}
	// Identifier miss must not invoke the predicate.
	if r.Matches(msg(0x201, 1)) {
		t.Fatalf("identifier miss should not match")
	}
	if calls != 0 {
		t.Fatalf("predicate invoked on identifier miss")
	}
	if !r.Matches(msg(0x200, 1)) {
		t.Fatalf("expected match with predicate true")
	}
	if r.Matches(msg(0x200, 0)) {
		t.Fatalf("expected no match with predicate false")
	}
	if calls != 2 {
		t.Fatalf("predicate calls = %d, want 2", calls)
	}
}

func TestNewDataRule_RequiresName(t *testing.T) {
	if _, err := NewDataRule("", 0x7FF, 0x100, func(can.Message) bool { return true }); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule for unnamed data rule, got %v", err)
	}
}

func TestSet_AddRemoveSetSemantics(t *testing.T) {
	var s Set
	r1, _ := NewRule(0x7FF, 0x100)
	r2, _ := NewRule(0x7FF, 0x200)

	if !s.Add(r1) || !s.Add(r2) {
		t.Fatalf("first Add should report change")
	}
	if s.Add(r1) {
		t.Fatalf("duplicate Add must be a no-op")
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if s.Remove(r1); s.Len() != 1 {
		t.Fatalf("Remove did not delete rule")
	}
	if s.Remove(r1) {
		t.Fatalf("removing absent rule must be a no-op")
	}
}

func TestSet_Accepts(t *testing.T) {
	var s Set
	// Empty set passes everything through.
	if !s.Accepts(msg(0x7FF)) {
		t.Fatalf("empty set must accept")
	}
	r1, _ := NewRule(0x7FF, 0x100)
	r2, _ := NewRule(0x7FF, 0x200)
	s.Add(r1)
	s.Add(r2)
	// OR semantics: any matching rule admits the message.
	if !s.Accepts(msg(0x100)) || !s.Accepts(msg(0x200)) {
		t.Fatalf("expected acceptance via either rule")
	}
	if s.Accepts(msg(0x101)) {
		t.Fatalf("non-matching message must be rejected")
	}
}

func TestSet_RulesCopy(t *testing.T) {
	var s Set
	r, _ := NewRule(0x7FF, 0x100)
	s.Add(r)
	rules := s.Rules()
	rules[0].Match = 0x300
	if s.Rules()[0].Match != 0x100 {
		t.Fatalf("Rules() must return a copy")
	}
}
