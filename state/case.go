package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/fluxwork/yawl/spec"
	"github.com/fluxwork/yawl/workitem"
)

// Lifecycle of a case.
type Lifecycle string

const (
	LifecycleLaunching  Lifecycle = "launching"
	LifecycleExecuting  Lifecycle = "executing"
	LifecycleSuspended  Lifecycle = "suspended"
	LifecycleCompleting Lifecycle = "completing"
	LifecycleCompleted  Lifecycle = "completed"
	LifecycleCancelled  Lifecycle = "cancelled"
	LifecycleFailed     Lifecycle = "failed"
)

// IsTerminal reports whether the lifecycle accepts no further events
func (l Lifecycle) IsTerminal() bool {
	switch l {
	case LifecycleCompleted, LifecycleCancelled, LifecycleFailed:
		return true
	}
	return false
}

// ParentRef locates the enclosing work slot of a sub-case. Sub-cases
// refer to their parent by identifier, never by pointer.
type ParentRef struct {
	CaseID   string `json:"case_id"`
	FiringID string `json:"firing_id"`
	TaskID   string `json:"task_id"`
}

// Firing tracks one in-progress task firing between token consumption
// and token production. The consumed multiset is kept for rollback.
type Firing struct {
	ID       string    `json:"id"`
	TaskID   string    `json:"task_id"`
	Consumed Marking   `json:"consumed"`
	ItemIDs  []string  `json:"item_ids,omitempty"`
	SubCase  string    `json:"sub_case,omitempty"`
	TimerAt  time.Time `json:"timer_at,omitempty"`
	Started  time.Time `json:"started"`
}

// CaseState is one running instance of a specification. Each case
// executes exactly one net; composite tasks launch sub-cases.
type CaseState struct {
	CaseID    string      `json:"case_id"`
	SpecID    spec.SpecID `json:"spec_id"`
	NetName   string      `json:"net"`
	Lifecycle Lifecycle   `json:"lifecycle"`
	Marking   Marking     `json:"marking"`

	Data  map[string]any                `json:"data"`
	Items map[string]*workitem.WorkItem `json:"items"`

	Firings  map[string]*Firing `json:"firings,omitempty"`
	SubCases map[string]string  `json:"sub_cases,omitempty"` // firing ID -> sub-case ID

	Parent *ParentRef `json:"parent,omitempty"`

	// Applied external event IDs; replays are no-ops
	SeenEvents map[string]bool `json:"seen_events,omitempty"`

	DeadlineAt time.Time `json:"deadline_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// Monotonic firing counter. Firing and item identifiers derive from
	// it, so a replayed event sequence regenerates identical IDs.
	NextFiring int `json:"next_firing"`
}

// NewFiringID mints the next deterministic firing identifier
func (cs *CaseState) NewFiringID() string {
	cs.NextFiring++
	return fmt.Sprintf("%s.f%04d", cs.CaseID, cs.NextFiring)
}

// NewCase creates the initial state for a net: one token in the input
// condition, lifecycle Launching.
func NewCase(s *spec.Specification, netName string, data map[string]any, now time.Time) (*CaseState, error) {
	net, err := s.Net(netName)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = make(map[string]any)
	}

	cs := &CaseState{
		CaseID:     uuid.NewString(),
		SpecID:     s.ID,
		NetName:    netName,
		Lifecycle:  LifecycleLaunching,
		Marking:    NewMarking(),
		Data:       data,
		Items:      make(map[string]*workitem.WorkItem),
		Firings:    make(map[string]*Firing),
		SubCases:   make(map[string]string),
		SeenEvents: make(map[string]bool),
		CreatedAt:  now,
	}
	cs.Marking.Produce(net.InputCondition, 1)
	return cs, nil
}

// LiveItems returns items not in a terminal state, in stable ID order
func (cs *CaseState) LiveItems() []*workitem.WorkItem {
	var live []*workitem.WorkItem
	for _, id := range sortedKeys(cs.Items) {
		if it := cs.Items[id]; it.IsLive() {
			live = append(live, it)
		}
	}
	return live
}

// Item returns a work item by ID
func (cs *CaseState) Item(itemID string) (*workitem.WorkItem, bool) {
	it, ok := cs.Items[itemID]
	return it, ok
}

// ItemsForFiring returns the sibling set created by one firing, in
// creation (instance) order.
func (cs *CaseState) ItemsForFiring(firingID string) []*workitem.WorkItem {
	firing, ok := cs.Firings[firingID]
	if !ok {
		return nil
	}
	items := make([]*workitem.WorkItem, 0, len(firing.ItemIDs))
	for _, id := range firing.ItemIDs {
		if it, ok := cs.Items[id]; ok {
			items = append(items, it)
		}
	}
	return items
}

// FiringForItem resolves the firing that created an item
func (cs *CaseState) FiringForItem(itemID string) (*Firing, bool) {
	it, ok := cs.Items[itemID]
	if !ok {
		return nil, false
	}
	f, ok := cs.Firings[it.FiringID]
	return f, ok
}

// MarkEventSeen records an external event ID; returns false if it was
// already applied (idempotent replay).
func (cs *CaseState) MarkEventSeen(eventID string) bool {
	if eventID == "" {
		return true
	}
	if cs.SeenEvents[eventID] {
		return false
	}
	cs.SeenEvents[eventID] = true
	return true
}

// ApplyOutputs merges validated work item outputs into case data
// through the task's out-parameter mappings, as a JSON merge patch so
// nested containers combine instead of being replaced wholesale.
func (cs *CaseState) ApplyOutputs(task *spec.Task, outputs map[string]any) error {
	if len(outputs) == 0 {
		return nil
	}

	current, err := json.Marshal(cs.Data)
	if err != nil {
		return fmt.Errorf("marshal case data: %w", err)
	}
	patch, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return fmt.Errorf("merge outputs into case data: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal(merged, &data); err != nil {
		return fmt.Errorf("unmarshal merged case data: %w", err)
	}
	cs.Data = data
	return nil
}

// IsCompletedMarking reports the successful terminal condition: exactly
// one token in the output condition, no other tokens, no live items,
// no open firings or sub-cases.
func (cs *CaseState) IsCompletedMarking(net *spec.Net) bool {
	if cs.Marking.Total() != 1 || cs.Marking.Count(net.OutputCondition) != 1 {
		return false
	}
	if len(cs.LiveItems()) > 0 {
		return false
	}
	return len(cs.Firings) == 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
