package engine

import (
	"context"
	"time"

	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/common/metrics"
	"github.com/fluxwork/yawl/runner"
	"github.com/fluxwork/yawl/spec"
	"github.com/fluxwork/yawl/spec/expr"
	"github.com/fluxwork/yawl/state"
	"github.com/fluxwork/yawl/workitem"
)

// Stateless runs the same firing semantics as the stateful engine but
// keeps no case state: every operation is (input state, event) →
// (output state, emitted items, lifecycle delta) over caller-supplied
// bytes. Callers persist the state and serialise events per case.
//
// The selector never routes composite-bearing specifications here, so
// no sub-case handler is wired.
type Stateless struct {
	specs *spec.Cache
	eval  *expr.Evaluator
	items *workitem.Manager
	log   *logger.Logger
	m     *metrics.Metrics

	Clock func() time.Time
}

// StatelessResult is the outcome of one stateless operation.
type StatelessResult struct {
	State     []byte // canonical snapshot of the output state
	CaseID    string
	Lifecycle state.Lifecycle
	Items     []*workitem.WorkItem    // live items after the operation
	Delta     []runner.LifecycleEvent // lifecycle events this operation produced
}

// NewStateless creates the stateless engine
func NewStateless(specs *spec.Cache, eval *expr.Evaluator, items *workitem.Manager, log *logger.Logger, m *metrics.Metrics) *Stateless {
	if m == nil {
		m = metrics.Nop()
	}
	return &Stateless{specs: specs, eval: eval, items: items, log: log, m: m, Clock: time.Now}
}

// LaunchCase creates a case, advances it to quiescence and returns the
// resulting state for the caller to keep.
func (e *Stateless) LaunchCase(ctx context.Context, sp *spec.Specification, data map[string]any, deadline time.Duration) (StatelessResult, error) {
	now := e.Clock()
	cs, err := state.NewCase(sp, sp.Root, data, now)
	if err != nil {
		return StatelessResult{}, err
	}
	if deadline > 0 {
		cs.DeadlineAt = now.Add(deadline)
	}

	run, sink := e.newRun()
	if err := run.Start(ctx, sp, cs); err != nil {
		return StatelessResult{}, err
	}
	return e.result(cs, sink)
}

// ApplyEvent applies one external event to caller-supplied state.
func (e *Stateless) ApplyEvent(ctx context.Context, stateBytes []byte, ev runner.ExternalEvent) (StatelessResult, error) {
	cs, sp, err := e.restore(stateBytes)
	if err != nil {
		return StatelessResult{}, err
	}

	run, sink := e.newRun()
	if err := run.HandleEvent(ctx, sp, cs, ev); err != nil {
		return StatelessResult{}, err
	}
	return e.result(cs, sink)
}

// Sweep applies timer, deadline and lease maintenance at the given
// instant to caller-supplied state.
func (e *Stateless) Sweep(ctx context.Context, stateBytes []byte, now time.Time) (StatelessResult, error) {
	cs, sp, err := e.restore(stateBytes)
	if err != nil {
		return StatelessResult{}, err
	}

	run, sink := e.newRun()
	if err := run.Sweep(ctx, sp, cs, now); err != nil {
		return StatelessResult{}, err
	}
	return e.result(cs, sink)
}

// Checkout allocates an offered item to a worker and issues its lease.
// There is no allocator in the stateless path; the caller's worker host
// does its own matching and claims items here.
func (e *Stateless) Checkout(ctx context.Context, stateBytes []byte, itemID, workerID string) (StatelessResult, map[string]any, time.Time, error) {
	cs, sp, err := e.restore(stateBytes)
	if err != nil {
		return StatelessResult{}, nil, time.Time{}, err
	}
	item, task, err := e.resolveItem(sp, cs, itemID)
	if err != nil {
		return StatelessResult{}, nil, time.Time{}, err
	}

	inputs, lease, err := e.items.Checkout(item, task, workerID)
	if err != nil {
		return StatelessResult{}, nil, time.Time{}, err
	}
	res, err := e.result(cs, runner.NewMemorySink())
	return res, inputs, lease, err
}

// Heartbeat renews a worker's lease on an item
func (e *Stateless) Heartbeat(ctx context.Context, stateBytes []byte, itemID, workerID string) (StatelessResult, time.Time, error) {
	cs, sp, err := e.restore(stateBytes)
	if err != nil {
		return StatelessResult{}, time.Time{}, err
	}
	item, task, err := e.resolveItem(sp, cs, itemID)
	if err != nil {
		return StatelessResult{}, time.Time{}, err
	}

	lease, err := e.items.Heartbeat(item, task, workerID)
	if err != nil {
		return StatelessResult{}, time.Time{}, err
	}
	res, err := e.result(cs, runner.NewMemorySink())
	return res, lease, err
}

func (e *Stateless) resolveItem(sp *spec.Specification, cs *state.CaseState, itemID string) (*workitem.WorkItem, *spec.Task, error) {
	net, err := sp.Net(cs.NetName)
	if err != nil {
		return nil, nil, err
	}
	item, ok := cs.Item(itemID)
	if !ok {
		return nil, nil, enginerr.Newf(enginerr.KindItemNotFound, "work item %s not found", itemID).
			WithCase(cs.CaseID).WithItem(itemID)
	}
	task, ok := net.Tasks[item.TaskID]
	if !ok {
		return nil, nil, enginerr.Newf(enginerr.KindInternalInvariant,
			"item %s names unknown task %s", itemID, item.TaskID).WithCase(cs.CaseID)
	}
	return item, task, nil
}

// newRun builds a fresh runner per call so no state outlives the
// operation. No allocator: items surface as Offered and worker hosts
// claim them through Checkout.
func (e *Stateless) newRun() (*runner.Runner, *runner.MemorySink) {
	sink := runner.NewMemorySink()
	run := runner.New(runner.Opts{
		Evaluator: e.eval,
		Items:     e.items,
		Sink:      sink,
		Logger:    e.log,
		Metrics:   e.m,
	})
	run.Clock = e.Clock
	return run, sink
}

func (e *Stateless) restore(stateBytes []byte) (*state.CaseState, *spec.Specification, error) {
	cs, err := state.Restore(stateBytes, e.specs)
	if err != nil {
		return nil, nil, err
	}
	sp, err := e.specs.Get(cs.SpecID)
	if err != nil {
		return nil, nil, err
	}
	return cs, sp, nil
}

func (e *Stateless) result(cs *state.CaseState, sink *runner.MemorySink) (StatelessResult, error) {
	out, err := state.Snapshot(cs)
	if err != nil {
		return StatelessResult{}, err
	}
	return StatelessResult{
		State:     out,
		CaseID:    cs.CaseID,
		Lifecycle: cs.Lifecycle,
		Items:     cs.LiveItems(),
		Delta:     sink.Events(),
	}, nil
}
