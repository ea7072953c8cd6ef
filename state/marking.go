package state

import "fmt"

// Marking is the control-flow state of a case: a multiset of anonymous
// tokens over condition identifiers. A condition is marked when it
// holds at least one token.
type Marking map[string]int

// NewMarking creates an empty marking
func NewMarking() Marking {
	return make(Marking)
}

// Count returns the tokens held by a condition
func (m Marking) Count(condition string) int {
	return m[condition]
}

// IsMarked reports whether a condition holds at least one token
func (m Marking) IsMarked(condition string) bool {
	return m[condition] > 0
}

// Produce adds n tokens to a condition
func (m Marking) Produce(condition string, n int) {
	if n <= 0 {
		return
	}
	m[condition] += n
}

// Consume removes n tokens from a condition. Token counts never go
// negative; underflow is an invariant break.
func (m Marking) Consume(condition string, n int) error {
	if m[condition] < n {
		return fmt.Errorf("condition %q holds %d tokens, cannot consume %d", condition, m[condition], n)
	}
	m[condition] -= n
	if m[condition] == 0 {
		delete(m, condition)
	}
	return nil
}

// Drain removes every token from a condition, returning how many were removed
func (m Marking) Drain(condition string) int {
	n := m[condition]
	delete(m, condition)
	return n
}

// Total returns the total token count across all conditions
func (m Marking) Total() int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}

// Clone returns a deep copy
func (m Marking) Clone() Marking {
	out := make(Marking, len(m))
	for c, n := range m {
		out[c] = n
	}
	return out
}

// Equal reports multiset equality
func (m Marking) Equal(other Marking) bool {
	if len(m) != len(other) {
		return false
	}
	for c, n := range m {
		if other[c] != n {
			return false
		}
	}
	return true
}

// Add merges another marking into this one
func (m Marking) Add(other Marking) {
	for c, n := range other {
		m[c] += n
	}
}
