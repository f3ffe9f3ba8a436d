package filter

import "github.com/tfitpican/cansim/internal/can"

// Set is an ordered collection of rules with set semantics on Add/Remove.
// An empty set accepts everything; a non-empty set accepts a message when
// at least one rule matches.
//
// Set is not internally synchronized; the owning controller serializes
// access alongside its configuration.
type Set struct {
	rules []Rule
}

// Add appends r unless an equal rule (by Name/Mask/Match) is already
// present. Returns true when the set changed.
func (s *Set) Add(r Rule) bool {
	k := r.key()
	for _, have := range s.rules {
		if have.key() == k {
			return false
		}
	}
	s.rules = append(s.rules, r)
	return true
}

// Remove deletes the rule equal to r. Removing an absent rule is a no-op.
// Returns true when the set changed.
func (s *Set) Remove(r Rule) bool {
	k := r.key()
	for i, have := range s.rules {
		if have.key() == k {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (s *Set) Len() int { return len(s.rules) }

// Rules returns a copy of the rules in insertion order.
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Accepts applies the acceptance-filter semantics to m.
func (s *Set) Accepts(m can.Message) bool {
	if len(s.rules) == 0 {
		return true
	}
	for _, r := range s.rules {
		if r.Matches(m) {
			return true
		}
	}
	return false
}
