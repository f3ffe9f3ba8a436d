// Package filter implements CAN acceptance filtering: mask/match rules over
// message identifiers with optional payload predicates, combined with
// standard acceptance-filter OR semantics by Set.
package filter

import (
	"errors"
	"fmt"

	"github.com/tfitpican/cansim/internal/can"
)

// ErrInvalidRule is returned for rule definitions that can never match.
var ErrInvalidRule = errors.New("filter: invalid rule")

// Predicate inspects a message that already passed the identifier compare.
// Predicates must be pure: no side effects, no mutation of the message.
type Predicate func(can.Message) bool

// Rule accepts a message when (msg.ID & Mask) == Match and, if a Data
// predicate is set, the predicate returns true. The identifier compare runs
// first so the predicate is only evaluated for candidate messages.
//
// Name distinguishes rules that share a mask/match pair but differ in their
// predicate; Add/Remove set semantics compare (Name, Mask, Match).
type Rule struct {
	Name  string
	Mask  uint32
	Match uint32
	Data  Predicate
}

// NewRule builds an identifier-only rule.
// A zero mask with a non-zero match can never accept anything; that is a
// configuration error, not a silently dead rule.
func NewRule(mask, match uint32) (Rule, error) {
	if mask == 0 && match != 0 {
		return Rule{}, fmt.Errorf("%w: zero mask with match 0x%X can never match", ErrInvalidRule, match)
	}
	return Rule{Mask: mask, Match: match}, nil
}

// NewDataRule builds a rule with a payload predicate. The name is required
// so the rule stays distinguishable for removal.
func NewDataRule(name string, mask, match uint32, pred Predicate) (Rule, error) {
	r, err := NewRule(mask, match)
	if err != nil {
		return Rule{}, err
	}
	if name == "" {
		return Rule{}, fmt.Errorf("%w: data rule requires a name", ErrInvalidRule)
	}
	r.Name = name
	r.Data = pred
	return r, nil
}

// Matches reports whether the rule accepts m.
func (r Rule) Matches(m can.Message) bool {
	if m.ID&r.Mask != r.Match {
		return false
	}
	if r.Data != nil {
		return r.Data(m)
	}
	return true
}

type ruleKey struct {
	name  string
	mask  uint32
	match uint32
}

func (r Rule) key() ruleKey { return ruleKey{name: r.Name, mask: r.Mask, match: r.Match} }
