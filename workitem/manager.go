package workitem

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/spec"
	"github.com/fluxwork/yawl/spec/expr"
)

// Manager owns the per-item state machine. It mutates items handed to
// it by the runner; it never touches markings. All methods are pure
// with respect to time: the clock is injected so tests control it.
type Manager struct {
	eval *expr.Evaluator
	log  *logger.Logger

	// Defaults applied when a task declares none
	LeaseTTL      time.Duration
	MaxAttempts   int
	OutputRetries int

	Clock func() time.Time
}

// NewManager creates a work item lifecycle manager
func NewManager(eval *expr.Evaluator, log *logger.Logger, leaseTTL time.Duration, maxAttempts int) *Manager {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{
		eval:          eval,
		log:           log,
		LeaseTTL:      leaseTTL,
		MaxAttempts:   maxAttempts,
		OutputRetries: 2,
		Clock:         time.Now,
	}
}

func (m *Manager) leaseFor(task *spec.Task) time.Duration {
	if task != nil && task.LeaseTTL > 0 {
		return task.LeaseTTL
	}
	return m.LeaseTTL
}

func (m *Manager) attemptsFor(task *spec.Task) int {
	if task != nil && task.MaxAttempts > 0 {
		return task.MaxAttempts
	}
	return m.MaxAttempts
}

// CreateItems materialises work items for an atomic task firing. For
// plain tasks exactly one item is created. Multi-instance tasks expand
// per their creation mode; a static expansion whose cardinality falls
// outside [min, max] is a firing error. The returned slice may be empty
// (static expansion with min = 0 over an empty sequence).
func (m *Manager) CreateItems(caseID, firingID string, task *spec.Task, data map[string]any) ([]*WorkItem, error) {
	now := m.Clock()

	if !task.IsMultiInstance() {
		item := m.newItem(caseID, firingID, task, now, nil, data, nil)
		return []*WorkItem{item}, nil
	}

	mi := task.MultiInstance
	switch mi.Mode {
	case spec.CreationStatic:
		fragments, err := m.selectorFragments(task, data)
		if err != nil {
			return nil, err
		}
		n := len(fragments)
		if n < mi.Min || n > mi.Max {
			return nil, enginerr.Newf(enginerr.KindPreconditionViolated,
				"task %s static expansion yielded %d instances, requires %d..%d", task.ID, n, mi.Min, mi.Max).WithCase(caseID)
		}
		items := make([]*WorkItem, 0, n)
		for i := 0; i < n; i++ {
			idx := i
			items = append(items, m.newItem(caseID, firingID, task, now, &idx, data, fragments[i]))
		}
		return items, nil

	case spec.CreationDynamic:
		items := make([]*WorkItem, 0, mi.Min)
		for i := 0; i < mi.Min; i++ {
			idx := i
			items = append(items, m.newItem(caseID, firingID, task, now, &idx, data, nil))
		}
		return items, nil
	}

	return nil, fmt.Errorf("task %s: unknown creation mode %q", task.ID, mi.Mode)
}

// CreateDynamicInstance creates one more instance of a dynamic
// multi-instance task, up to max. Returns nil when the predicate does
// not ask for another instance or max is reached.
func (m *Manager) CreateDynamicInstance(caseID, firingID string, task *spec.Task, data map[string]any, existing int) (*WorkItem, error) {
	mi := task.MultiInstance
	if mi == nil || mi.Mode != spec.CreationDynamic || mi.More == "" || existing >= mi.Max {
		return nil, nil
	}

	more, err := m.eval.EvaluateBool(mi.More, expr.Activation{Data: data})
	if err != nil {
		return nil, fmt.Errorf("task %s dynamic-creation predicate: %w", task.ID, err)
	}
	if !more {
		return nil, nil
	}

	idx := existing
	return m.newItem(caseID, firingID, task, m.Clock(), &idx, data, nil), nil
}

// CreateCompensationItem spawns a fresh item in the compensating region
// for a cancelled item whose task declares compensation outputs.
func (m *Manager) CreateCompensationItem(cancelled *WorkItem, task *spec.Task) *WorkItem {
	item := m.newItem(cancelled.CaseID, cancelled.FiringID, task, m.Clock(), nil, cancelled.Inputs, nil)
	item.Compensating = true
	return item
}

func (m *Manager) newItem(caseID, firingID string, task *spec.Task, now time.Time, instance *int, data map[string]any, fragment any) *WorkItem {
	inputs := make(map[string]any)
	for _, p := range task.InParameters() {
		if v, ok := data[p.Name]; ok {
			inputs[p.Name] = v
		}
	}
	if fragment != nil {
		inputs["instance"] = fragment
	}

	item := &WorkItem{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		TaskID:    task.ID,
		FiringID:  firingID,
		Instance:  instance,
		State:     StateEnabled,
		Inputs:    inputs,
		CreatedAt: now,
	}

	if task.Timer > 0 {
		deadline := now.Add(task.Timer)
		item.HardDeadline = &deadline
	}

	return item
}

func (m *Manager) selectorFragments(task *spec.Task, data map[string]any) ([]any, error) {
	mi := task.MultiInstance
	if mi.Selector == "" {
		return nil, nil
	}
	val, err := m.eval.EvaluateValue(mi.Selector, expr.Activation{Data: data})
	if err != nil {
		return nil, fmt.Errorf("task %s selector: %w", task.ID, err)
	}
	seq, err := asSequence(val)
	if err != nil {
		return nil, fmt.Errorf("task %s selector: %w", task.ID, err)
	}
	return seq, nil
}

// Offer moves an enabled item into the offered state
func (m *Manager) Offer(item *WorkItem) error {
	return item.transition(StateOffered, "allocator", m.Clock())
}

// Checkout reserves an offered item for a worker and issues its lease
func (m *Manager) Checkout(item *WorkItem, task *spec.Task, workerID string) (map[string]any, time.Time, error) {
	now := m.Clock()

	if item.State == StateAllocated {
		return nil, time.Time{}, enginerr.Newf(enginerr.KindPreconditionViolated,
			"work item already allocated to %s", item.Assignee).WithCase(item.CaseID).WithItem(item.ID)
	}
	if item.State != StateOffered {
		return nil, time.Time{}, enginerr.Newf(enginerr.KindPreconditionViolated,
			"work item not offered (state %s)", item.State).WithCase(item.CaseID).WithItem(item.ID)
	}

	if err := item.transition(StateAllocated, workerID, now); err != nil {
		return nil, time.Time{}, err
	}
	item.Assignee = workerID
	item.LeaseExpiry = now.Add(m.leaseFor(task))
	item.MissedHeartbeats = 0

	m.log.Debug("work item checked out", "item_id", item.ID, "worker", workerID)
	return item.Inputs, item.LeaseExpiry, nil
}

// Start records the worker's acknowledgement that execution has begun
func (m *Manager) Start(item *WorkItem, workerID string) error {
	if !item.HeldBy(workerID) {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"work item not held by %s", workerID).WithCase(item.CaseID).WithItem(item.ID)
	}
	return item.transition(StateStarted, workerID, m.Clock())
}

// Heartbeat renews the worker's lease
func (m *Manager) Heartbeat(item *WorkItem, task *spec.Task, workerID string) (time.Time, error) {
	if !item.HeldBy(workerID) {
		return time.Time{}, enginerr.Newf(enginerr.KindPreconditionViolated,
			"work item not held by %s", workerID).WithCase(item.CaseID).WithItem(item.ID)
	}
	item.LeaseExpiry = m.Clock().Add(m.leaseFor(task))
	item.MissedHeartbeats = 0
	return item.LeaseExpiry, nil
}

// Complete validates and records the worker's outputs. Within the retry
// budget a validation failure leaves the item Allocated with the same
// assignee; beyond it the item fails.
func (m *Manager) Complete(item *WorkItem, task *spec.Task, workerID string, outputs map[string]any) error {
	now := m.Clock()

	if !item.HeldBy(workerID) {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"work item not held by %s (state %s)", workerID, item.State).WithCase(item.CaseID).WithItem(item.ID)
	}

	validated, err := ValidateOutputs(task, outputs)
	if err != nil {
		item.OutputRetries++
		if item.OutputRetries > m.OutputRetries {
			_ = item.transition(StateFailed, workerID, now)
			return enginerr.Wrap(enginerr.KindOutputValidationFailed, err,
				"output validation failed beyond retry budget").WithCase(item.CaseID).WithItem(item.ID)
		}
		// Back to Allocated under the same assignee, carrying the error
		if item.State == StateStarted {
			assignee := item.Assignee
			_ = item.transition(StateAllocated, workerID, now)
			item.Assignee = assignee
		}
		return enginerr.Wrap(enginerr.KindOutputValidationFailed, err,
			"output validation failed").WithCase(item.CaseID).WithItem(item.ID)
	}

	item.Outputs = validated
	return item.transition(StateCompleted, workerID, now)
}

// Fail records an explicit worker failure
func (m *Manager) Fail(item *WorkItem, workerID string, payload map[string]any) error {
	if !item.HeldBy(workerID) {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"work item not held by %s", workerID).WithCase(item.CaseID).WithItem(item.ID)
	}
	item.Outputs = payload
	return item.transition(StateFailed, workerID, m.Clock())
}

// Delegate moves the assignee atomically; history records both actors
// and the lease resets under the new worker.
func (m *Manager) Delegate(item *WorkItem, task *spec.Task, fromWorker, toWorker string) error {
	now := m.Clock()

	if !item.HeldBy(fromWorker) {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"work item not held by %s", fromWorker).WithCase(item.CaseID).WithItem(item.ID)
	}
	if item.State == StateStarted {
		assignee := item.Assignee
		if err := item.transition(StateAllocated, fromWorker, now); err != nil {
			return err
		}
		item.Assignee = assignee
	}
	if err := item.transition(StateDelegated, fromWorker, now); err != nil {
		return err
	}
	if err := item.transition(StateAllocated, toWorker, now); err != nil {
		return err
	}
	item.Assignee = toWorker
	item.LeaseExpiry = now.Add(m.leaseFor(task))
	item.MissedHeartbeats = 0
	return nil
}

// Cancel terminates a live item: Offered items are withdrawn, anything
// further along is cancelled. Terminal items are left untouched.
func (m *Manager) Cancel(item *WorkItem, actor string) error {
	if item.State.IsTerminal() {
		return nil
	}
	now := m.Clock()
	if item.State == StateOffered {
		return item.transition(StateWithdrawn, actor, now)
	}
	return item.transition(StateCancelled, actor, now)
}

// SweepLease checks one item's lease against the clock. A missed
// heartbeat is recorded per elapsed TTL window; after two consecutive
// misses the item is reclaimed to Enabled with an incremented attempt,
// or failed once attempts are exhausted.
//
// Returns (reclaimed, failed).
func (m *Manager) SweepLease(item *WorkItem, task *spec.Task, now time.Time) (bool, bool) {
	if item.State != StateAllocated && item.State != StateStarted {
		return false, false
	}
	if !now.After(item.LeaseExpiry) {
		return false, false
	}

	ttl := m.leaseFor(task)
	for now.After(item.LeaseExpiry) && item.MissedHeartbeats < 2 {
		item.MissedHeartbeats++
		item.LeaseExpiry = item.LeaseExpiry.Add(ttl)
	}
	if item.MissedHeartbeats < 2 {
		return false, false
	}

	log := m.log.WithItemID(item.ID)
	item.Attempt++
	if item.Attempt >= m.attemptsFor(task) {
		if err := item.transition(StateFailed, "lease-sweeper", now); err != nil {
			log.Error("lease sweep could not fail item", "error", err)
			return false, false
		}
		log.Warn("work item failed after lease expiry", "attempt", item.Attempt)
		return false, true
	}

	if err := item.transition(StateEnabled, "lease-sweeper", now); err != nil {
		log.Error("lease sweep could not reclaim item", "error", err)
		return false, false
	}
	item.MissedHeartbeats = 0
	log.Info("work item lease reclaimed", "attempt", item.Attempt)
	return true, false
}

// Multi-instance accounting over the sibling set of one firing.

// CompletedInstances counts siblings that reached Completed
func CompletedInstances(siblings []*WorkItem) int {
	n := 0
	for _, it := range siblings {
		if it.State == StateCompleted {
			n++
		}
	}
	return n
}

// ThresholdMet reports whether enough instances completed
func ThresholdMet(task *spec.Task, siblings []*WorkItem) bool {
	mi := task.MultiInstance
	if mi == nil {
		return CompletedInstances(siblings) == len(siblings)
	}
	return CompletedInstances(siblings) >= mi.Threshold
}

// ThresholdUnreachable reports whether cancellations have made the
// threshold impossible given max minus the cancelled count.
func ThresholdUnreachable(task *spec.Task, siblings []*WorkItem) bool {
	mi := task.MultiInstance
	if mi == nil {
		return false
	}
	cancelled := 0
	for _, it := range siblings {
		if it.State == StateCancelled || it.State == StateFailed || it.State == StateWithdrawn {
			cancelled++
		}
	}
	return mi.Max-cancelled < mi.Threshold
}

// CollectOutputs gathers completed-instance outputs ordered by instance
// index. For a plain task this is the single item's outputs.
func CollectOutputs(task *spec.Task, siblings []*WorkItem) map[string]any {
	if !task.IsMultiInstance() {
		for _, it := range siblings {
			if it.State == StateCompleted {
				return it.Outputs
			}
		}
		return nil
	}

	completed := make([]*WorkItem, 0, len(siblings))
	for _, it := range siblings {
		if it.State == StateCompleted {
			completed = append(completed, it)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return instanceIndex(completed[i]) < instanceIndex(completed[j])
	})

	results := make([]any, 0, len(completed))
	for _, it := range completed {
		results = append(results, it.Outputs)
	}
	return map[string]any{"results": results}
}

func instanceIndex(it *WorkItem) int {
	if it.Instance == nil {
		return 0
	}
	return *it.Instance
}

func asSequence(val any) ([]any, error) {
	switch seq := val.(type) {
	case []any:
		return seq, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("selector yielded %T, want a sequence", val)
	}
}
