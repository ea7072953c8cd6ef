package workitem

import (
	"fmt"
	"time"
)

// State of a work item. The transition table below is the only source
// of legality; no other transitions exist.
type State string

const (
	StateEnabled   State = "enabled"
	StateOffered   State = "offered"
	StateAllocated State = "allocated"
	StateStarted   State = "started"
	StateDelegated State = "delegated"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
	StateWithdrawn State = "withdrawn"
)

// AllStates lists every state in lifecycle order, for gauges and
// admin listings.
var AllStates = []State{
	StateEnabled, StateOffered, StateAllocated, StateStarted, StateDelegated,
	StateCompleted, StateCancelled, StateFailed, StateWithdrawn,
}

// legal maps each state to the states it may move to.
var legal = map[State][]State{
	StateEnabled:   {StateOffered, StateCancelled, StateFailed},
	StateOffered:   {StateAllocated, StateWithdrawn, StateCancelled},
	StateAllocated: {StateStarted, StateDelegated, StateCompleted, StateFailed, StateCancelled, StateEnabled, StateAllocated},
	StateStarted:   {StateCompleted, StateFailed, StateCancelled, StateAllocated, StateEnabled},
	StateDelegated: {StateAllocated, StateCancelled},
}

// IsTerminal reports whether the state ends the item's lifecycle
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StateWithdrawn:
		return true
	}
	return false
}

// unassigned states carry no assignee.
func (s State) unassigned() bool {
	switch s {
	case StateEnabled, StateOffered, StateCompleted, StateCancelled, StateFailed, StateWithdrawn:
		return true
	}
	return false
}

// Transition is one history entry. History is append-only.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Actor string    `json:"actor"`
	At    time.Time `json:"at"`
}

// WorkItem is the externally observable unit of work produced by firing
// an atomic task. Items refer to their case by ID, never by pointer.
type WorkItem struct {
	ID       string `json:"id"`
	CaseID   string `json:"case_id"`
	TaskID   string `json:"task_id"`
	FiringID string `json:"firing_id"`

	// Present only for multi-instance expansions
	Instance *int `json:"instance,omitempty"`

	State    State          `json:"state"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Assignee string         `json:"assignee,omitempty"`

	SoftDeadline *time.Time `json:"soft_deadline,omitempty"`
	HardDeadline *time.Time `json:"hard_deadline,omitempty"`

	// Lease bookkeeping
	LeaseExpiry      time.Time `json:"lease_expiry,omitempty"`
	MissedHeartbeats int       `json:"missed_heartbeats,omitempty"`
	Attempt          int       `json:"attempt"`
	OutputRetries    int       `json:"output_retries,omitempty"`

	// Compensation marker: set on items spawned into a compensating region
	Compensating bool `json:"compensating,omitempty"`

	History []Transition `json:"history"`

	CreatedAt time.Time `json:"created_at"`
}

// transition moves the item to a new state, enforcing the table and the
// assignee invariant, and appends a history entry.
func (w *WorkItem) transition(to State, actor string, now time.Time) error {
	allowed := false
	for _, next := range legal[w.State] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("work item %s: illegal transition %s -> %s", w.ID, w.State, to)
	}

	w.History = append(w.History, Transition{From: w.State, To: to, Actor: actor, At: now})
	w.State = to
	if to.unassigned() {
		w.Assignee = ""
	}
	return nil
}

// Clone returns a detached copy of the item. Callers handing items
// across a lock boundary clone first so later transitions, heartbeats
// and history appends cannot tear the copy.
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.Instance != nil {
		n := *w.Instance
		c.Instance = &n
	}
	if w.SoftDeadline != nil {
		t := *w.SoftDeadline
		c.SoftDeadline = &t
	}
	if w.HardDeadline != nil {
		t := *w.HardDeadline
		c.HardDeadline = &t
	}
	c.Inputs = CloneValues(w.Inputs)
	c.Outputs = CloneValues(w.Outputs)
	c.History = append([]Transition(nil), w.History...)
	return &c
}

// CloneValues deep-copies the map and slice layers of a JSON-shaped
// value tree. Scalars are immutable and shared.
func CloneValues(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return CloneValues(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// IsLive reports whether the item still occupies its case
func (w *WorkItem) IsLive() bool {
	return !w.State.IsTerminal()
}

// HeldBy reports whether the worker currently holds the item
func (w *WorkItem) HeldBy(workerID string) bool {
	return (w.State == StateAllocated || w.State == StateStarted) && w.Assignee == workerID
}
