package runner

import (
	"context"
	"sort"
	"time"

	"github.com/fluxwork/yawl/allocator"
	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/spec"
	"github.com/fluxwork/yawl/state"
	"github.com/fluxwork/yawl/workitem"
)

// HandleEvent applies one external event to a case and advances the
// token game to quiescence. Events carry an ID; an ID that was already
// applied is acknowledged without effect. Rejected events do not burn
// their ID and may be retried.
func (r *Runner) HandleEvent(ctx context.Context, s *spec.Specification, cs *state.CaseState, ev ExternalEvent) error {
	if cs.Lifecycle.IsTerminal() {
		if ev.Type == ExtCancelCase {
			return nil
		}
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"case %s is %s", cs.CaseID, cs.Lifecycle).WithCase(cs.CaseID).WithEvent(ev.EventID)
	}
	if ev.EventID != "" && cs.SeenEvents[ev.EventID] {
		return nil
	}

	net, err := s.Net(cs.NetName)
	if err != nil {
		return err
	}

	switch ev.Type {
	case ExtCompleteWorkItem:
		err = r.completeWorkItem(ctx, net, cs, ev)
	case ExtFailWorkItem:
		err = r.failWorkItem(ctx, net, cs, ev)
	case ExtCancelWorkItem:
		err = r.cancelWorkItem(ctx, net, cs, ev)
	case ExtDelegateWorkItem:
		err = r.delegateWorkItem(net, cs, ev)
	case ExtCancelCase:
		err = r.CancelCase(ctx, cs, ev.WorkerID)
	case ExtTimerFired:
		err = r.timerFired(ctx, net, cs, ev)
	default:
		err = enginerr.Newf(enginerr.KindPreconditionViolated, "unknown event type %q", ev.Type)
	}

	if err != nil {
		r.m.EventsRejected.WithLabelValues(string(enginerr.KindOf(err))).Inc()
		return err
	}

	cs.MarkEventSeen(ev.EventID)
	return r.Advance(ctx, s, cs)
}

func (r *Runner) completeWorkItem(ctx context.Context, net *spec.Net, cs *state.CaseState, ev ExternalEvent) error {
	item, task, err := r.resolveItem(net, cs, ev.ItemID)
	if err != nil {
		return err
	}

	if err := r.items.Complete(item, task, ev.WorkerID, ev.Outputs); err != nil {
		return err
	}

	if r.alloc != nil {
		r.alloc.Release(item.ID, ev.WorkerID, allocator.OutcomeCompleted)
	}
	r.emit(ctx, LifecycleEvent{Type: EventItemCompleted, CaseID: cs.CaseID, TaskID: item.TaskID, ItemID: item.ID, At: r.Clock()})

	return r.settleFiring(ctx, net, cs, task, item.FiringID)
}

func (r *Runner) failWorkItem(ctx context.Context, net *spec.Net, cs *state.CaseState, ev ExternalEvent) error {
	item, task, err := r.resolveItem(net, cs, ev.ItemID)
	if err != nil {
		return err
	}

	if err := r.items.Fail(item, ev.WorkerID, ev.ErrPayload); err != nil {
		return err
	}

	if r.alloc != nil {
		r.alloc.Release(item.ID, ev.WorkerID, allocator.OutcomeFailed)
	}
	r.emit(ctx, LifecycleEvent{Type: EventItemFailed, CaseID: cs.CaseID, TaskID: item.TaskID, ItemID: item.ID, At: r.Clock(),
		Data: ev.ErrPayload})

	// An explicit failure consumes one attempt. While attempts remain
	// and the task is not multi-instance, a replacement item re-enters
	// the offer cycle; the firing stays open.
	if !task.IsMultiInstance() && item.Attempt+1 < r.attemptsFor(task) {
		firing, ok := cs.Firings[item.FiringID]
		if !ok {
			return enginerr.Newf(enginerr.KindInternalInvariant,
				"item %s has no open firing", item.ID).WithCase(cs.CaseID).WithItem(item.ID)
		}
		replacements, err := r.items.CreateItems(cs.CaseID, firing.ID, task, cs.Data)
		if err != nil {
			return err
		}
		replacements[0].Attempt = item.Attempt + 1
		r.registerItem(ctx, cs, task, firing, replacements[0])
		return nil
	}

	return r.settleFiring(ctx, net, cs, task, item.FiringID)
}

func (r *Runner) cancelWorkItem(ctx context.Context, net *spec.Net, cs *state.CaseState, ev ExternalEvent) error {
	item, ok := cs.Item(ev.ItemID)
	if !ok {
		return enginerr.Newf(enginerr.KindItemNotFound, "work item %s not found", ev.ItemID).
			WithCase(cs.CaseID).WithItem(ev.ItemID)
	}
	if !item.IsLive() {
		return nil
	}
	task, ok := net.Tasks[item.TaskID]
	if !ok {
		return enginerr.Newf(enginerr.KindInternalInvariant, "item %s names unknown task %s", item.ID, item.TaskID)
	}

	begun := item.State == workitem.StateAllocated || item.State == workitem.StateStarted
	r.cancelItem(ctx, cs, item, ev.WorkerID)

	// Work that had begun may owe compensation before the firing
	// settles. Multi-instance siblings settle through the threshold
	// rules instead.
	if begun && len(task.Compensation) > 0 && !item.Compensating && !task.IsMultiInstance() {
		firing, ok := cs.Firings[item.FiringID]
		if ok {
			comp := r.items.CreateCompensationItem(item, task)
			r.registerItem(ctx, cs, task, firing, comp)
			return nil
		}
	}

	return r.settleFiring(ctx, net, cs, task, item.FiringID)
}

func (r *Runner) delegateWorkItem(net *spec.Net, cs *state.CaseState, ev ExternalEvent) error {
	item, task, err := r.resolveItem(net, cs, ev.ItemID)
	if err != nil {
		return err
	}

	if err := r.items.Delegate(item, task, ev.WorkerID, ev.ToWorker); err != nil {
		return err
	}
	if r.alloc != nil {
		if err := r.alloc.Transfer(item.ID, ev.WorkerID, ev.ToWorker); err != nil {
			r.log.Warn("reservation transfer failed", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

func (r *Runner) timerFired(ctx context.Context, net *spec.Net, cs *state.CaseState, ev ExternalEvent) error {
	firing, ok := cs.Firings[ev.TimerID]
	if !ok {
		// Timer raced a completed firing; acknowledge and move on
		return nil
	}
	if firing.TimerAt.IsZero() {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"firing %s holds no timer", ev.TimerID).WithCase(cs.CaseID)
	}
	task, ok := net.Tasks[firing.TaskID]
	if !ok {
		return enginerr.Newf(enginerr.KindInternalInvariant, "firing %s names unknown task %s", firing.ID, firing.TaskID)
	}
	return r.completeFiring(ctx, net, cs, task, firing, nil)
}

// HandleSubCaseDone settles the composite firing a finished sub-case
// belongs to. A completed sub-case maps its outputs through the task's
// out-parameters and fires the split; a failed one takes the error arc
// or escalates.
func (r *Runner) HandleSubCaseDone(ctx context.Context, s *spec.Specification, cs *state.CaseState, firingID string, outputs map[string]any, failed bool) error {
	net, err := s.Net(cs.NetName)
	if err != nil {
		return err
	}
	firing, ok := cs.Firings[firingID]
	if !ok {
		return nil
	}
	task, ok := net.Tasks[firing.TaskID]
	if !ok {
		return enginerr.Newf(enginerr.KindInternalInvariant, "firing %s names unknown task %s", firing.ID, firing.TaskID)
	}

	if failed {
		if err := r.escalateFailure(ctx, net, cs, task, firing, outputs); err != nil {
			return err
		}
		return r.Advance(ctx, s, cs)
	}

	if err := r.completeFiring(ctx, net, cs, task, firing, mappedOutputs(task, outputs)); err != nil {
		return err
	}
	return r.Advance(ctx, s, cs)
}

// settleFiring inspects the sibling set of a firing after an item
// changed state and decides whether the firing completes, fails, rolls
// back, or keeps waiting.
func (r *Runner) settleFiring(ctx context.Context, net *spec.Net, cs *state.CaseState, task *spec.Task, firingID string) error {
	firing, ok := cs.Firings[firingID]
	if !ok {
		return nil
	}
	siblings := cs.ItemsForFiring(firingID)

	if task.IsMultiInstance() {
		return r.settleMultiInstance(ctx, net, cs, task, firing, siblings)
	}

	// Plain task: one live lineage of items (retries, compensation)
	for _, it := range siblings {
		if it.State == workitem.StateCompleted && !it.Compensating {
			return r.completeFiring(ctx, net, cs, task, firing, it.Outputs)
		}
	}
	for _, it := range siblings {
		if it.IsLive() {
			return nil
		}
	}

	// Escalate with the most recent attempt's error payload
	var lastFailed *workitem.WorkItem
	for _, it := range siblings {
		if it.State == workitem.StateFailed {
			lastFailed = it
		}
	}
	if lastFailed != nil {
		return r.escalateFailure(ctx, net, cs, task, firing, lastFailed.Outputs)
	}

	// Everything cancelled or withdrawn: undo the firing so the tokens
	// return and the task may fire again later
	r.rollbackFiring(cs, firing)
	return nil
}

func (r *Runner) settleMultiInstance(ctx context.Context, net *spec.Net, cs *state.CaseState, task *spec.Task, firing *state.Firing, siblings []*workitem.WorkItem) error {
	if workitem.ThresholdMet(task, siblings) {
		// Late siblings are cancelled outright; their results are
		// discarded and no compensation runs past the threshold
		for _, it := range siblings {
			if it.IsLive() {
				r.cancelItem(ctx, cs, it, "threshold")
			}
		}
		return r.completeFiring(ctx, net, cs, task, firing, workitem.CollectOutputs(task, siblings))
	}

	if workitem.ThresholdUnreachable(task, siblings) {
		for _, it := range siblings {
			if it.IsLive() {
				r.cancelItem(ctx, cs, it, "threshold-unreachable")
			}
		}
		return r.escalateFailure(ctx, net, cs, task, firing, firstErrorPayload(siblings))
	}

	// Dynamic mode may grow the sibling set while the threshold is open
	if task.MultiInstance.Mode == spec.CreationDynamic {
		next, err := r.items.CreateDynamicInstance(cs.CaseID, firing.ID, task, cs.Data, len(siblings))
		if err != nil {
			return err
		}
		if next != nil {
			r.registerItem(ctx, cs, task, firing, next)
		}
	}
	return nil
}

// escalateFailure resolves a failed firing: a matching error arc
// produces its token and the case continues; otherwise the case fails.
func (r *Runner) escalateFailure(ctx context.Context, net *spec.Net, cs *state.CaseState, task *spec.Task, firing *state.Firing, payload map[string]any) error {
	arc, err := spec.ErrorFlows(task, net, r.eval, cs.Data, payload)
	if err != nil {
		return r.failCase(ctx, cs, err)
	}
	if arc == nil {
		return r.failCase(ctx, cs, enginerr.Newf(enginerr.KindWorkItemFailed,
			"task %s failed with no error arc", task.ID).WithCase(cs.CaseID))
	}

	if payload != nil {
		cs.Data["error"] = payload
	}
	cs.Marking.Produce(flowTarget(net, arc), 1)
	r.applyCancellationRegion(ctx, net, cs, task)
	delete(cs.Firings, firing.ID)
	delete(cs.SubCases, firing.ID)
	return nil
}

// Sweep runs the periodic maintenance pass on one case: the case
// deadline, due task timers, item hard deadlines, and expired leases.
func (r *Runner) Sweep(ctx context.Context, s *spec.Specification, cs *state.CaseState, now time.Time) error {
	if cs.Lifecycle.IsTerminal() {
		return nil
	}

	if !cs.DeadlineAt.IsZero() && now.After(cs.DeadlineAt) {
		return r.CancelCase(ctx, cs, "deadline")
	}

	net, err := s.Net(cs.NetName)
	if err != nil {
		return err
	}

	// Due task timers fire as if the timer event arrived
	for _, firingID := range sortedFiringIDs(cs) {
		firing, ok := cs.Firings[firingID]
		if !ok || firing.TimerAt.IsZero() || now.Before(firing.TimerAt) {
			continue
		}
		task, ok := net.Tasks[firing.TaskID]
		if !ok {
			continue
		}
		if err := r.completeFiring(ctx, net, cs, task, firing, nil); err != nil {
			return err
		}
	}

	for _, item := range cs.LiveItems() {
		task, ok := net.Tasks[item.TaskID]
		if !ok {
			continue
		}

		if item.HardDeadline != nil && now.After(*item.HardDeadline) {
			r.cancelItem(ctx, cs, item, "hard-deadline")
			if err := r.settleFiring(ctx, net, cs, task, item.FiringID); err != nil {
				return err
			}
			continue
		}

		holder := item.Assignee
		reclaimed, failed := r.items.SweepLease(item, task, now)
		if reclaimed {
			r.m.LeaseReclaims.Inc()
			if r.alloc != nil {
				r.alloc.Release(item.ID, holder, allocator.OutcomeReclaimed)
			}
			r.reoffer(task, item)
		}
		if failed {
			if r.alloc != nil {
				r.alloc.Release(item.ID, holder, allocator.OutcomeFailed)
			}
			r.emit(ctx, LifecycleEvent{Type: EventItemFailed, CaseID: cs.CaseID, TaskID: item.TaskID, ItemID: item.ID, At: now,
				Data: map[string]any{"reason": "lease expired"}})
			if err := r.settleFiring(ctx, net, cs, task, item.FiringID); err != nil {
				return err
			}
		}
	}

	return r.Advance(ctx, s, cs)
}

// reoffer pushes a reclaimed item back through the offer cycle
func (r *Runner) reoffer(task *spec.Task, item *workitem.WorkItem) {
	if err := r.items.Offer(item); err != nil {
		r.log.Warn("could not re-offer reclaimed item", "item_id", item.ID, "error", err)
		return
	}
	if r.alloc == nil {
		return
	}
	result, err := r.alloc.Offer(item.ID, task.Offer, task.Urgent)
	if err != nil {
		r.log.Warn("allocator rejected re-offer", "item_id", item.ID, "error", err)
		return
	}
	if result.PreBound != "" {
		if _, _, err := r.items.Checkout(item, task, result.PreBound); err != nil {
			r.log.Warn("pre-bound checkout failed on re-offer", "item_id", item.ID, "error", err)
		}
	}
}

func (r *Runner) resolveItem(net *spec.Net, cs *state.CaseState, itemID string) (*workitem.WorkItem, *spec.Task, error) {
	item, ok := cs.Item(itemID)
	if !ok {
		return nil, nil, enginerr.Newf(enginerr.KindItemNotFound, "work item %s not found", itemID).
			WithCase(cs.CaseID).WithItem(itemID)
	}
	task, ok := net.Tasks[item.TaskID]
	if !ok {
		return nil, nil, enginerr.Newf(enginerr.KindInternalInvariant,
			"item %s names unknown task %s", item.ID, item.TaskID).WithCase(cs.CaseID).WithItem(item.ID)
	}
	return item, task, nil
}

func (r *Runner) attemptsFor(task *spec.Task) int {
	if task.MaxAttempts > 0 {
		return task.MaxAttempts
	}
	return r.items.MaxAttempts
}

// mappedOutputs filters a sub-case's final data down to the composite
// task's declared out-parameters.
func mappedOutputs(task *spec.Task, data map[string]any) map[string]any {
	params := task.OutParameters()
	if len(params) == 0 {
		return data
	}
	out := make(map[string]any)
	for _, p := range params {
		if v, ok := data[p.Name]; ok {
			out[p.Name] = v
		}
	}
	return out
}

func firstErrorPayload(siblings []*workitem.WorkItem) map[string]any {
	for _, it := range siblings {
		if it.State == workitem.StateFailed && it.Outputs != nil {
			return it.Outputs
		}
	}
	return nil
}

func sortedFiringIDs(cs *state.CaseState) []string {
	ids := make([]string, 0, len(cs.Firings))
	for id := range cs.Firings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
