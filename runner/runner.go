package runner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fluxwork/yawl/allocator"
	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/common/metrics"
	"github.com/fluxwork/yawl/spec"
	"github.com/fluxwork/yawl/spec/expr"
	"github.com/fluxwork/yawl/state"
	"github.com/fluxwork/yawl/workitem"
)

// SubCaseHandler launches and cancels sub-cases on behalf of composite
// task firings. The stateful engine provides one; the stateless variant
// never sees composite tasks (the selector routes those specifications
// to the stateful engine).
type SubCaseHandler interface {
	Launch(ctx context.Context, s *spec.Specification, netName string, parent state.ParentRef, data map[string]any) (string, error)
	Cancel(ctx context.Context, subCaseID string) error
}

// Runner is the token-game state machine: it computes enabled
// transitions from a marking, fires them in a deterministic order, and
// owns case lifecycle. A single runner serves many cases; all per-case
// state lives in the CaseState it is handed, which the caller locks.
type Runner struct {
	eval  *expr.Evaluator
	items *workitem.Manager
	alloc *allocator.Allocator
	sink  EventSink
	log   *logger.Logger
	m     *metrics.Metrics

	subCases SubCaseHandler

	Clock func() time.Time
}

// Opts configures a runner.
type Opts struct {
	Evaluator *expr.Evaluator
	Items     *workitem.Manager
	Allocator *allocator.Allocator
	Sink      EventSink
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	SubCases  SubCaseHandler
}

// New creates a runner
func New(opts Opts) *Runner {
	if opts.Sink == nil {
		opts.Sink = NewMemorySink()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	return &Runner{
		eval:     opts.Evaluator,
		items:    opts.Items,
		alloc:    opts.Allocator,
		sink:     opts.Sink,
		log:      opts.Logger,
		m:        opts.Metrics,
		subCases: opts.SubCases,
		Clock:    time.Now,
	}
}

// SetSubCaseHandler wires the composite-task collaborator. The handler
// usually owns the runner too, so it cannot be passed at construction.
func (r *Runner) SetSubCaseHandler(h SubCaseHandler) {
	r.subCases = h
}

// Start moves a freshly created case from Launching to Executing and
// advances it until no further progress is possible without external
// input.
func (r *Runner) Start(ctx context.Context, s *spec.Specification, cs *state.CaseState) error {
	if cs.Lifecycle != state.LifecycleLaunching {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"case %s is %s, not launching", cs.CaseID, cs.Lifecycle).WithCase(cs.CaseID)
	}
	cs.Lifecycle = state.LifecycleExecuting
	r.emit(ctx, LifecycleEvent{Type: EventCaseLaunched, CaseID: cs.CaseID, At: r.Clock()})
	return r.Advance(ctx, s, cs)
}

// Advance fires enabled transitions until quiescence, then checks for
// case completion. Between two external events the firing order is
// deterministic: tasks bearing a cancellation region fire before
// normal tasks, ties broken by lexicographic task ID.
func (r *Runner) Advance(ctx context.Context, s *spec.Specification, cs *state.CaseState) error {
	if cs.Lifecycle.IsTerminal() {
		return nil
	}

	net, err := s.Net(cs.NetName)
	if err != nil {
		return r.failCase(ctx, cs, err)
	}

	for {
		task := r.nextEnabled(net, cs)
		if task == nil {
			break
		}
		if err := r.fire(ctx, s, net, cs, task); err != nil {
			return err
		}
		if cs.Lifecycle.IsTerminal() {
			return nil
		}
	}

	return r.checkCompletion(ctx, net, cs)
}

// nextEnabled returns the next task to fire under the determinism rule,
// or nil when the case is quiescent.
func (r *Runner) nextEnabled(net *spec.Net, cs *state.CaseState) *spec.Task {
	ids := make([]string, 0, len(net.Tasks))
	for id := range net.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var fallback *spec.Task
	for _, id := range ids {
		task := net.Tasks[id]
		if !r.isEnabled(net, cs, task) {
			continue
		}
		if task.HasCancellationRegion() {
			return task
		}
		if fallback == nil {
			fallback = task
		}
	}
	return fallback
}

// isEnabled applies the task's join code to the current marking.
func (r *Runner) isEnabled(net *spec.Net, cs *state.CaseState, task *spec.Task) bool {
	sources := joinSources(net, task)
	if len(sources) == 0 {
		return false
	}

	switch task.Join {
	case spec.JoinAND:
		for _, place := range sources {
			if !cs.Marking.IsMarked(place) {
				return false
			}
		}
		return true

	case spec.JoinXOR:
		for _, place := range sources {
			if cs.Marking.IsMarked(place) {
				return true
			}
		}
		return false

	case spec.JoinOR:
		anyMarked := false
		for _, place := range sources {
			if cs.Marking.IsMarked(place) {
				anyMarked = true
				break
			}
		}
		if !anyMarked {
			return false
		}
		// Non-local semantics: enabled only when no unmarked source can
		// still receive a token from the residual marking or an open firing.
		return !orJoinPending(net, cs, task)
	}
	return false
}

// fire executes the atomic firing sequence of one task. Steps that fail
// after token consumption roll the marking back and fail the case.
func (r *Runner) fire(ctx context.Context, s *spec.Specification, net *spec.Net, cs *state.CaseState, task *spec.Task) error {
	now := r.Clock()

	consumed, err := r.consumeJoinTokens(net, cs, task)
	if err != nil {
		return r.failCase(ctx, cs, err)
	}

	firing := &state.Firing{
		ID:       cs.NewFiringID(),
		TaskID:   task.ID,
		Consumed: consumed,
		Started:  now,
	}
	cs.Firings[firing.ID] = firing
	r.m.FiringsTotal.WithLabelValues(string(task.Kind)).Inc()

	if err := r.dispatchFiring(ctx, s, net, cs, task, firing); err != nil {
		r.rollbackFiring(cs, firing)
		return r.failCase(ctx, cs, err)
	}
	return nil
}

// dispatchFiring hands the firing to its handler: sub-case launch for
// composite tasks, work item creation for atomic ones, immediate
// completion for automatic routing tasks.
func (r *Runner) dispatchFiring(ctx context.Context, s *spec.Specification, net *spec.Net, cs *state.CaseState, task *spec.Task, firing *state.Firing) error {
	if task.Kind == spec.TaskComposite {
		if r.subCases == nil {
			return fmt.Errorf("composite task %s requires a sub-case handler", task.ID)
		}
		subID, err := r.subCases.Launch(ctx, s, task.Decomposition, state.ParentRef{
			CaseID:   cs.CaseID,
			FiringID: firing.ID,
			TaskID:   task.ID,
		}, subCaseInputs(task, cs.Data))
		if err != nil {
			return fmt.Errorf("launch sub-case for task %s: %w", task.ID, err)
		}
		firing.SubCase = subID
		cs.SubCases[firing.ID] = subID
		r.emit(ctx, LifecycleEvent{Type: EventSubCaseOpened, CaseID: cs.CaseID, TaskID: task.ID, At: r.Clock(),
			Data: map[string]any{"sub_case_id": subID}})
		return nil
	}

	// Pure timer task: no external work, waits for TimerFired
	if task.Timer > 0 && task.Decomposition == "" && !task.IsMultiInstance() {
		firing.TimerAt = r.Clock().Add(task.Timer)
		return nil
	}

	// Automatic routing task: no external work identifier, completes at once
	if task.Decomposition == "" && !task.IsMultiInstance() {
		return r.completeFiring(ctx, net, cs, task, firing, nil)
	}

	items, err := r.items.CreateItems(cs.CaseID, firing.ID, task, cs.Data)
	if err != nil {
		return err
	}

	// Static expansion with zero instances completes immediately with
	// an empty result sequence
	if len(items) == 0 {
		return r.completeFiring(ctx, net, cs, task, firing, map[string]any{"results": []any{}})
	}

	for _, item := range items {
		r.registerItem(ctx, cs, task, firing, item)
	}
	return nil
}

// registerItem records a new item on the case and pushes it to the
// allocator. The item ID is re-minted from the firing so replay
// regenerates the same identifiers the original run handed out.
func (r *Runner) registerItem(ctx context.Context, cs *state.CaseState, task *spec.Task, firing *state.Firing, item *workitem.WorkItem) {
	item.ID = fmt.Sprintf("%s.i%02d", firing.ID, len(firing.ItemIDs))
	cs.Items[item.ID] = item
	firing.ItemIDs = append(firing.ItemIDs, item.ID)
	r.emit(ctx, LifecycleEvent{Type: EventItemCreated, CaseID: cs.CaseID, TaskID: task.ID, ItemID: item.ID, At: r.Clock()})

	if err := r.items.Offer(item); err != nil {
		r.log.Warn("could not offer work item", "item_id", item.ID, "error", err)
		return
	}
	if r.alloc == nil {
		// No allocator wired: the caller's worker host claims offered
		// items directly through events
		return
	}
	result, err := r.alloc.Offer(item.ID, task.Offer, task.Urgent)
	if err != nil {
		r.log.Warn("allocator rejected offer", "item_id", item.ID, "error", err)
		return
	}
	if result.PreBound != "" {
		if _, _, err := r.items.Checkout(item, task, result.PreBound); err != nil {
			r.log.Warn("pre-bound checkout failed", "item_id", item.ID, "worker", result.PreBound, "error", err)
		}
	}
}

// completeFiring applies outputs, evaluates the split, produces tokens,
// applies the cancellation region and removes the firing record. This
// is steps 4 through 6 of the firing sequence.
func (r *Runner) completeFiring(ctx context.Context, net *spec.Net, cs *state.CaseState, task *spec.Task, firing *state.Firing, outputs map[string]any) error {
	if err := cs.ApplyOutputs(task, outputs); err != nil {
		return err
	}

	flows, err := spec.EnabledFlows(task, net, r.eval, cs.Data)
	if err != nil {
		return err
	}
	for _, f := range flows {
		cs.Marking.Produce(flowTarget(net, f), 1)
	}

	r.applyCancellationRegion(ctx, net, cs, task)

	delete(cs.Firings, firing.ID)
	delete(cs.SubCases, firing.ID)

	r.emit(ctx, LifecycleEvent{Type: EventTaskFired, CaseID: cs.CaseID, TaskID: task.ID, At: r.Clock()})
	return nil
}

// applyCancellationRegion removes tokens from the region's conditions
// and cancels live work of tasks in the region, cascading into
// sub-cases. The firing task's own consumption is already done, so a
// region containing the task itself removes nothing extra.
func (r *Runner) applyCancellationRegion(ctx context.Context, net *spec.Net, cs *state.CaseState, task *spec.Task) {
	for _, element := range task.Cancels {
		if net.IsCondition(element) {
			cs.Marking.Drain(element)
			continue
		}

		regionTask, ok := net.Tasks[element]
		if !ok || regionTask.ID == task.ID {
			continue
		}

		// Implicit places feeding the region task lose their tokens too
		for _, f := range net.Incoming(regionTask.ID) {
			if !net.IsCondition(f.From) {
				cs.Marking.Drain(implicitPlace(f))
			}
		}

		for firingID, firing := range cs.Firings {
			if firing.TaskID != regionTask.ID {
				continue
			}
			r.abortFiring(ctx, cs, firingID, "cancellation-region")
		}
	}
}

// abortFiring cancels a firing's live items and sub-case and drops the
// record without producing tokens. Consumed tokens are not restored;
// the region owner decides what happens downstream.
func (r *Runner) abortFiring(ctx context.Context, cs *state.CaseState, firingID, actor string) {
	firing, ok := cs.Firings[firingID]
	if !ok {
		return
	}

	for _, itemID := range firing.ItemIDs {
		item, ok := cs.Items[itemID]
		if !ok || !item.IsLive() {
			continue
		}
		r.cancelItem(ctx, cs, item, actor)
	}

	if firing.SubCase != "" && r.subCases != nil {
		if err := r.subCases.Cancel(ctx, firing.SubCase); err != nil {
			r.log.Warn("sub-case cancellation failed", "sub_case_id", firing.SubCase, "error", err)
		}
	}

	delete(cs.Firings, firingID)
	delete(cs.SubCases, firingID)
}

// cancelItem terminates one live item, releases its reservation, and
// spawns a compensation item when the task declares compensation
// outputs.
func (r *Runner) cancelItem(ctx context.Context, cs *state.CaseState, item *workitem.WorkItem, actor string) {
	wasAllocated := item.State == workitem.StateAllocated || item.State == workitem.StateStarted
	assignee := item.Assignee

	if err := r.items.Cancel(item, actor); err != nil {
		r.log.Warn("item cancellation failed", "item_id", item.ID, "error", err)
		return
	}

	if r.alloc != nil {
		if wasAllocated {
			r.alloc.Release(item.ID, assignee, allocator.OutcomeCancelled)
		} else {
			r.alloc.Withdraw(item.ID)
		}
	}

	r.emit(ctx, LifecycleEvent{Type: EventItemCancelled, CaseID: cs.CaseID, TaskID: item.TaskID, ItemID: item.ID, At: r.Clock()})
}

// rollbackFiring restores the consumed tokens and drops the firing.
func (r *Runner) rollbackFiring(cs *state.CaseState, firing *state.Firing) {
	cs.Marking.Add(firing.Consumed)
	delete(cs.Firings, firing.ID)
	delete(cs.SubCases, firing.ID)
}

// consumeJoinTokens performs step 1 of a firing: consume one token per
// incoming source determined by the join code.
func (r *Runner) consumeJoinTokens(net *spec.Net, cs *state.CaseState, task *spec.Task) (state.Marking, error) {
	consumed := state.NewMarking()

	consume := func(place string) error {
		if err := cs.Marking.Consume(place, 1); err != nil {
			return err
		}
		consumed.Produce(place, 1)
		return nil
	}

	switch task.Join {
	case spec.JoinAND:
		for _, place := range joinSources(net, task) {
			if err := consume(place); err != nil {
				cs.Marking.Add(consumed)
				return nil, fmt.Errorf("AND join of task %s: %w", task.ID, err)
			}
		}

	case spec.JoinXOR:
		// Tie-break multiple marked sources by flow priority, then name
		place, err := r.xorSource(net, cs, task)
		if err != nil {
			return nil, err
		}
		if err := consume(place); err != nil {
			return nil, fmt.Errorf("XOR join of task %s: %w", task.ID, err)
		}

	case spec.JoinOR:
		for _, place := range joinSources(net, task) {
			if cs.Marking.IsMarked(place) {
				if err := consume(place); err != nil {
					cs.Marking.Add(consumed)
					return nil, fmt.Errorf("OR join of task %s: %w", task.ID, err)
				}
			}
		}
	}

	return consumed, nil
}

func (r *Runner) xorSource(net *spec.Net, cs *state.CaseState, task *spec.Task) (string, error) {
	incoming := append([]*spec.Flow(nil), net.Incoming(task.ID)...)
	sort.SliceStable(incoming, func(i, j int) bool {
		if incoming[i].Priority != incoming[j].Priority {
			return incoming[i].Priority < incoming[j].Priority
		}
		return incoming[i].From < incoming[j].From
	})
	for _, f := range incoming {
		place := flowSource(net, f)
		if cs.Marking.IsMarked(place) {
			return place, nil
		}
	}
	return "", fmt.Errorf("XOR join of task %s has no marked source", task.ID)
}

// checkCompletion ends the case when the marking is terminal.
func (r *Runner) checkCompletion(ctx context.Context, net *spec.Net, cs *state.CaseState) error {
	if !cs.IsCompletedMarking(net) {
		return nil
	}

	cs.Lifecycle = state.LifecycleCompleted

	r.m.CasesFinished.WithLabelValues("completed").Inc()
	r.emit(ctx, LifecycleEvent{Type: EventCaseCompleted, CaseID: cs.CaseID, At: r.Clock()})
	return nil
}

// CancelCase applies an external cancellation: terminal lifecycle, all
// live items cancelled or withdrawn, sub-cases cancelled recursively.
func (r *Runner) CancelCase(ctx context.Context, cs *state.CaseState, actor string) error {
	if cs.Lifecycle.IsTerminal() {
		return nil
	}

	cs.Lifecycle = state.LifecycleCancelled

	for _, item := range cs.LiveItems() {
		r.cancelItem(ctx, cs, item, actor)
	}
	for firingID := range cs.Firings {
		r.abortFiring(ctx, cs, firingID, actor)
	}

	r.m.CasesFinished.WithLabelValues("cancelled").Inc()
	r.emit(ctx, LifecycleEvent{Type: EventCaseCancelled, CaseID: cs.CaseID, At: r.Clock()})
	return nil
}

// failCase transitions the case to Failed and refuses further work.
func (r *Runner) failCase(ctx context.Context, cs *state.CaseState, cause error) error {
	if cs.Lifecycle.IsTerminal() {
		return cause
	}

	cs.Lifecycle = state.LifecycleFailed
	for _, item := range cs.LiveItems() {
		r.cancelItem(ctx, cs, item, "case-failure")
	}
	for firingID := range cs.Firings {
		r.abortFiring(ctx, cs, firingID, "case-failure")
	}

	r.log.WithCaseID(cs.CaseID).Error("case failed", "error", cause)
	r.m.CasesFinished.WithLabelValues("failed").Inc()
	r.emit(ctx, LifecycleEvent{Type: EventCaseFailed, CaseID: cs.CaseID, At: r.Clock(),
		Data: map[string]any{"error": cause.Error()}})
	return cause
}

func (r *Runner) emit(ctx context.Context, ev LifecycleEvent) {
	if err := r.sink.Emit(ctx, ev); err != nil {
		r.log.Warn("lifecycle event delivery failed", "type", string(ev.Type), "case_id", ev.CaseID, "error", err)
	}
}

// Place resolution. Flows may connect tasks directly; the token then
// rests in an implicit place named after the edge.

func implicitPlace(f *spec.Flow) string {
	return f.From + "->" + f.To
}

func flowSource(net *spec.Net, f *spec.Flow) string {
	if net.IsCondition(f.From) {
		return f.From
	}
	return implicitPlace(f)
}

func flowTarget(net *spec.Net, f *spec.Flow) string {
	if net.IsCondition(f.To) {
		return f.To
	}
	return implicitPlace(f)
}

// joinSources returns the distinct places feeding a task, in flow order
func joinSources(net *spec.Net, task *spec.Task) []string {
	seen := make(map[string]bool)
	var places []string
	for _, f := range net.Incoming(task.ID) {
		place := flowSource(net, f)
		if !seen[place] {
			seen[place] = true
			places = append(places, place)
		}
	}
	return places
}

// subCaseInputs materialises the data handed to a sub-case
func subCaseInputs(task *spec.Task, data map[string]any) map[string]any {
	inputs := make(map[string]any)
	for _, p := range task.InParameters() {
		if v, ok := data[p.Name]; ok {
			inputs[p.Name] = v
		}
	}
	if len(inputs) == 0 {
		for k, v := range data {
			inputs[k] = v
		}
	}
	return inputs
}
