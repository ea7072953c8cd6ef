package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxwork/yawl/allocator"
	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/common/metrics"
	"github.com/fluxwork/yawl/engine/persist"
	"github.com/fluxwork/yawl/runner"
	"github.com/fluxwork/yawl/spec"
	"github.com/fluxwork/yawl/spec/expr"
	"github.com/fluxwork/yawl/state"
	"github.com/fluxwork/yawl/workitem"
)

// logEntry is one durable record: an applied external event, a settled
// sub-case, or a maintenance sweep. Replaying entries over the latest
// snapshot reconstructs the case because firings are deterministic.
type logEntry struct {
	Kind     string                `json:"kind"` // event | subcase | sweep
	Event    *runner.ExternalEvent `json:"event,omitempty"`
	FiringID string                `json:"firing_id,omitempty"`
	Outputs  map[string]any        `json:"outputs,omitempty"`
	Failed   bool                  `json:"failed,omitempty"`
	At       time.Time             `json:"at,omitempty"`
}

const (
	entryEvent   = "event"
	entrySubCase = "subcase"
	entrySweep   = "sweep"
)

// Stateful owns case state: callers pass only a case ID and every
// case-altering operation is durable in the persist store before it
// acknowledges. It also acts as the runner's sub-case handler, keeping
// parent and child cases in the same store.
type Stateful struct {
	specs *spec.Cache
	cases *state.Store
	run   *runner.Runner
	items *workitem.Manager
	alloc *allocator.Allocator
	store persist.Store
	sink  *gateSink
	log   *logger.Logger
	m     *metrics.Metrics

	// SnapshotEvery bounds replay length: a snapshot is cut after this
	// many log entries.
	SnapshotEvery int

	Clock func() time.Time

	recovering atomic.Bool

	mu            sync.Mutex
	sinceSnapshot map[string]int
	notified      map[string]bool
	jobs          []func(ctx context.Context)
}

// StatefulOpts wires the stateful engine's collaborators.
type StatefulOpts struct {
	Specs     *spec.Cache
	Items     *workitem.Manager
	Allocator *allocator.Allocator
	Store     persist.Store
	Sink      runner.EventSink
	Evaluator *expr.Evaluator
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
}

// NewStateful creates the stateful engine and its runner
func NewStateful(opts StatefulOpts) *Stateful {
	if opts.Store == nil {
		opts.Store = persist.NewMemoryStore()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	sink := newGateSink(opts.Sink)

	e := &Stateful{
		specs:         opts.Specs,
		cases:         state.NewStore(),
		items:         opts.Items,
		alloc:         opts.Allocator,
		store:         opts.Store,
		sink:          sink,
		log:           opts.Logger,
		m:             opts.Metrics,
		SnapshotEvery: 32,
		Clock:         time.Now,
		sinceSnapshot: make(map[string]int),
		notified:      make(map[string]bool),
	}

	e.run = runner.New(runner.Opts{
		Evaluator: opts.Evaluator,
		Items:     opts.Items,
		Allocator: opts.Allocator,
		Sink:      sink,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	e.run.SetSubCaseHandler(e)
	return e
}

// LaunchCase creates and starts a case on the root net. The initial
// state is durable before return.
func (e *Stateful) LaunchCase(ctx context.Context, sp *spec.Specification, data map[string]any, deadline time.Duration) (string, error) {
	now := e.Clock()
	cs, err := state.NewCase(sp, sp.Root, data, now)
	if err != nil {
		return "", err
	}
	if deadline > 0 {
		cs.DeadlineAt = now.Add(deadline)
	}
	e.cases.Put(cs)

	runErr := e.cases.WithCase(cs.CaseID, func(cs *state.CaseState) error {
		return e.run.Start(ctx, sp, cs)
	})
	e.drainJobs(ctx)
	if err := e.snapshotCase(ctx, cs.CaseID); err != nil {
		return "", err
	}
	e.settle(ctx, cs.CaseID)
	e.drainJobs(ctx)
	return cs.CaseID, runErr
}

// ApplyEvent applies one external event. The event is appended to the
// durable log after it is accepted and before the call acknowledges.
func (e *Stateful) ApplyEvent(ctx context.Context, caseID string, ev runner.ExternalEvent) error {
	err := e.withSpecCase(caseID, func(sp *spec.Specification, cs *state.CaseState) error {
		if err := e.run.HandleEvent(ctx, sp, cs, ev); err != nil {
			return err
		}
		return e.appendEntry(ctx, caseID, logEntry{Kind: entryEvent, Event: &ev, At: e.Clock()})
	})
	if err != nil {
		return err
	}
	e.drainJobs(ctx)
	e.settle(ctx, caseID)
	e.drainJobs(ctx)
	return nil
}

// Sweep runs timer, deadline and lease maintenance over every live
// case. Sweeps that changed state are logged with their timestamp so
// replay re-runs them at the same instant.
func (e *Stateful) Sweep(ctx context.Context) error {
	now := e.Clock()
	for _, caseID := range e.sortedCaseIDs() {
		err := e.withSpecCase(caseID, func(sp *spec.Specification, cs *state.CaseState) error {
			before, err := state.Snapshot(cs)
			if err != nil {
				return err
			}
			if err := e.run.Sweep(ctx, sp, cs, now); err != nil {
				return err
			}
			after, err := state.Snapshot(cs)
			if err != nil {
				return err
			}
			if bytes.Equal(before, after) {
				return nil
			}
			return e.appendEntry(ctx, caseID, logEntry{Kind: entrySweep, At: now})
		})
		if err != nil && !enginerr.IsKind(err, enginerr.KindCaseNotFound) {
			e.log.Warn("case sweep failed", "case_id", caseID, "error", err)
		}
		e.drainJobs(ctx)
		e.settle(ctx, caseID)
		e.drainJobs(ctx)
	}
	return nil
}

// Checkout reserves an item for a worker through the allocator and
// issues its lease. The allocation is captured in a snapshot so a
// restart does not lose the lease.
func (e *Stateful) Checkout(ctx context.Context, caseID, itemID, workerID string) (map[string]any, time.Time, error) {
	var inputs map[string]any
	var lease time.Time
	err := e.withSpecCase(caseID, func(sp *spec.Specification, cs *state.CaseState) error {
		net, err := sp.Net(cs.NetName)
		if err != nil {
			return err
		}
		item, ok := cs.Item(itemID)
		if !ok {
			return enginerr.Newf(enginerr.KindItemNotFound, "work item %s not found", itemID).WithCase(caseID).WithItem(itemID)
		}
		task, ok := net.Tasks[item.TaskID]
		if !ok {
			return enginerr.Newf(enginerr.KindInternalInvariant, "item %s names unknown task %s", itemID, item.TaskID)
		}
		if e.alloc != nil {
			if err := e.alloc.Reserve(itemID, workerID); err != nil {
				return err
			}
		}
		inputs, lease, err = e.items.Checkout(item, task, workerID)
		if err != nil && e.alloc != nil {
			e.alloc.Release(itemID, workerID, allocator.OutcomeCancelled)
		}
		return err
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	if err := e.snapshotCase(ctx, caseID); err != nil {
		return nil, time.Time{}, err
	}
	return inputs, lease, nil
}

// Heartbeat renews a worker's lease on an item
func (e *Stateful) Heartbeat(ctx context.Context, caseID, itemID, workerID string) (time.Time, error) {
	var lease time.Time
	err := e.withSpecCase(caseID, func(sp *spec.Specification, cs *state.CaseState) error {
		net, err := sp.Net(cs.NetName)
		if err != nil {
			return err
		}
		item, ok := cs.Item(itemID)
		if !ok {
			return enginerr.Newf(enginerr.KindItemNotFound, "work item %s not found", itemID).WithCase(caseID).WithItem(itemID)
		}
		lease, err = e.items.Heartbeat(item, net.Tasks[item.TaskID], workerID)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	if err := e.snapshotCase(ctx, caseID); err != nil {
		return time.Time{}, err
	}
	return lease, nil
}

// View reads a consistent copy of the case for queries
func (e *Stateful) View(caseID string, fn func(*state.CaseState) error) error {
	return e.cases.WithCase(caseID, fn)
}

// Has reports whether the engine houses a case
func (e *Stateful) Has(caseID string) bool {
	return e.cases.Has(caseID)
}

// CountItemStates adds this engine's live work items into counts,
// keyed by state.
func (e *Stateful) CountItemStates(counts map[workitem.State]int) {
	for _, caseID := range e.sortedCaseIDs() {
		_ = e.cases.WithCase(caseID, func(cs *state.CaseState) error {
			for _, it := range cs.LiveItems() {
				counts[it.State]++
			}
			return nil
		})
	}
}

// FindCaseOfItem locates the case housing a work item
func (e *Stateful) FindCaseOfItem(itemID string) (string, bool) {
	for _, caseID := range e.sortedCaseIDs() {
		found := false
		_ = e.cases.WithCase(caseID, func(cs *state.CaseState) error {
			_, found = cs.Item(itemID)
			return nil
		})
		if found {
			return caseID, true
		}
	}
	return "", false
}

// Recover rebuilds every persisted case from its snapshot and log.
// Lifecycle events are not re-published while replaying.
func (e *Stateful) Recover(ctx context.Context) error {
	ids, err := e.store.CaseIDs(ctx)
	if err != nil {
		return err
	}
	sort.Strings(ids)

	e.recovering.Store(true)
	e.sink.mute()
	defer func() {
		e.recovering.Store(false)
		e.sink.unmute()
	}()

	type pendingReplay struct {
		caseID  string
		entries [][]byte
	}
	var replays []pendingReplay

	// Restore all snapshots before replaying any log, so parent entries
	// that reference sub-cases find them in the store.
	for _, caseID := range ids {
		log := e.log.WithCaseID(caseID)
		snapshot, entries, err := e.store.Read(ctx, caseID)
		if err != nil {
			log.Error("could not read persisted case", "error", err)
			continue
		}
		if snapshot != nil {
			cs, err := state.Restore(snapshot, e.specs)
			if err != nil {
				log.Error("could not restore case snapshot", "error", err)
				continue
			}
			e.cases.Put(cs)
		}
		replays = append(replays, pendingReplay{caseID: caseID, entries: entries})
	}

	for _, rp := range replays {
		log := e.log.WithCaseID(rp.caseID)
		for _, raw := range rp.entries {
			var entry logEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				log.Error("corrupt log entry", "error", err)
				continue
			}
			if err := e.replayEntry(ctx, rp.caseID, entry); err != nil {
				log.Error("log replay diverged", "kind", entry.Kind, "error", err)
			}
		}
		e.drainJobs(ctx)
	}

	e.log.Info("recovery complete", "cases", e.cases.Len())
	return nil
}

func (e *Stateful) replayEntry(ctx context.Context, caseID string, entry logEntry) error {
	return e.withSpecCase(caseID, func(sp *spec.Specification, cs *state.CaseState) error {
		switch entry.Kind {
		case entryEvent:
			if entry.Event == nil {
				return nil
			}
			return e.run.HandleEvent(ctx, sp, cs, *entry.Event)
		case entrySubCase:
			return e.run.HandleSubCaseDone(ctx, sp, cs, entry.FiringID, entry.Outputs, entry.Failed)
		case entrySweep:
			return e.run.Sweep(ctx, sp, cs, entry.At)
		}
		return nil
	})
}

// Launch implements runner.SubCaseHandler: it creates the child case
// under a deterministic ID and defers its start until the parent's
// case lock is released.
func (e *Stateful) Launch(ctx context.Context, sp *spec.Specification, netName string, parent state.ParentRef, data map[string]any) (string, error) {
	childID := parent.FiringID + ".sub"
	if e.cases.Has(childID) {
		return childID, nil
	}

	cs, err := state.NewCase(sp, netName, data, e.Clock())
	if err != nil {
		return "", err
	}
	cs.CaseID = childID
	cs.Parent = &parent
	e.cases.Put(cs)

	e.enqueue(func(ctx context.Context) {
		err := e.withSpecCase(childID, func(sp *spec.Specification, cs *state.CaseState) error {
			return e.run.Start(ctx, sp, cs)
		})
		if err != nil {
			e.log.Error("sub-case start failed", "case_id", childID, "error", err)
		}
		if err := e.snapshotCase(ctx, childID); err != nil {
			e.log.Error("sub-case snapshot failed", "case_id", childID, "error", err)
		}
		e.settle(ctx, childID)
	})
	return childID, nil
}

// Cancel implements runner.SubCaseHandler for cancellation regions
// spanning a composite task.
func (e *Stateful) Cancel(ctx context.Context, subCaseID string) error {
	e.enqueue(func(ctx context.Context) {
		err := e.withSpecCase(subCaseID, func(sp *spec.Specification, cs *state.CaseState) error {
			return e.run.CancelCase(ctx, cs, "parent-cancellation")
		})
		if err != nil {
			e.log.Warn("sub-case cancellation failed", "case_id", subCaseID, "error", err)
		}
		e.markNotified(subCaseID) // the parent firing is already gone
		e.settle(ctx, subCaseID)
	})
	return nil
}

// internals

func (e *Stateful) withSpecCase(caseID string, fn func(*spec.Specification, *state.CaseState) error) error {
	return e.cases.WithCase(caseID, func(cs *state.CaseState) error {
		sp, err := e.specs.Get(cs.SpecID)
		if err != nil {
			return enginerr.Wrap(enginerr.KindInvalidSpecification, err, "resolve specification").WithCase(caseID)
		}
		return fn(sp, cs)
	})
}

// settle handles a case that may have just reached a terminal state:
// parent notification for sub-cases, a final snapshot, and the
// snapshot-interval policy.
func (e *Stateful) settle(ctx context.Context, caseID string) {
	var terminal bool
	var parent *state.ParentRef
	var data map[string]any
	var failed bool

	err := e.cases.WithCase(caseID, func(cs *state.CaseState) error {
		terminal = cs.Lifecycle.IsTerminal()
		parent = cs.Parent
		data = cs.Data
		failed = cs.Lifecycle == state.LifecycleFailed || cs.Lifecycle == state.LifecycleCancelled
		return nil
	})
	if err != nil {
		return
	}

	if terminal {
		if err := e.snapshotCase(ctx, caseID); err != nil {
			e.log.Error("terminal snapshot failed", "case_id", caseID, "error", err)
		}
		if parent != nil && !e.markNotified(caseID) {
			ref := *parent
			childData := data
			childFailed := failed
			e.enqueue(func(ctx context.Context) {
				e.notifyParent(ctx, ref, childData, childFailed)
			})
		}
		return
	}

	e.mu.Lock()
	due := e.sinceSnapshot[caseID] >= e.SnapshotEvery
	e.mu.Unlock()
	if due {
		if err := e.snapshotCase(ctx, caseID); err != nil {
			e.log.Error("interval snapshot failed", "case_id", caseID, "error", err)
		}
	}
}

func (e *Stateful) notifyParent(ctx context.Context, ref state.ParentRef, data map[string]any, failed bool) {
	err := e.withSpecCase(ref.CaseID, func(sp *spec.Specification, cs *state.CaseState) error {
		if err := e.run.HandleSubCaseDone(ctx, sp, cs, ref.FiringID, data, failed); err != nil {
			return err
		}
		return e.appendEntry(ctx, ref.CaseID, logEntry{
			Kind: entrySubCase, FiringID: ref.FiringID, Outputs: data, Failed: failed, At: e.Clock(),
		})
	})
	if err != nil {
		e.log.Error("parent notification failed", "case_id", ref.CaseID, "firing_id", ref.FiringID, "error", err)
	}
	e.settle(ctx, ref.CaseID)
}

// markNotified returns whether the case's parent was already notified
func (e *Stateful) markNotified(caseID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.notified[caseID] {
		return true
	}
	e.notified[caseID] = true
	return false
}

func (e *Stateful) appendEntry(ctx context.Context, caseID string, entry logEntry) error {
	if e.recovering.Load() {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := e.store.Append(ctx, caseID, raw); err != nil {
		return enginerr.Wrap(enginerr.KindServiceUnavailable, err, "durable append failed").WithCase(caseID)
	}
	e.mu.Lock()
	e.sinceSnapshot[caseID]++
	e.mu.Unlock()
	return nil
}

func (e *Stateful) snapshotCase(ctx context.Context, caseID string) error {
	if e.recovering.Load() {
		return nil
	}
	snapshot, err := e.cases.Snapshot(caseID)
	if err != nil {
		return err
	}
	if err := e.store.Snapshot(ctx, caseID, snapshot); err != nil {
		return enginerr.Wrap(enginerr.KindServiceUnavailable, err, "durable snapshot failed").WithCase(caseID)
	}
	e.mu.Lock()
	e.sinceSnapshot[caseID] = 0
	e.mu.Unlock()
	return nil
}

func (e *Stateful) enqueue(job func(ctx context.Context)) {
	e.mu.Lock()
	e.jobs = append(e.jobs, job)
	e.mu.Unlock()
}

// drainJobs runs deferred sub-case work. Only called from the top of
// the call stack, with no case lock held, so jobs may take any case
// lock they need.
func (e *Stateful) drainJobs(ctx context.Context) {
	for {
		e.mu.Lock()
		if len(e.jobs) == 0 {
			e.mu.Unlock()
			return
		}
		job := e.jobs[0]
		e.jobs = e.jobs[1:]
		e.mu.Unlock()
		job(ctx)
	}
}

func (e *Stateful) sortedCaseIDs() []string {
	ids := e.cases.CaseIDs()
	sort.Strings(ids)
	return ids
}

// gateSink wraps the outward event sink so recovery can replay without
// re-publishing notifications that already went out.
type gateSink struct {
	inner runner.EventSink
	muted atomic.Bool
}

func newGateSink(inner runner.EventSink) *gateSink {
	if inner == nil {
		inner = runner.NewMemorySink()
	}
	return &gateSink{inner: inner}
}

func (g *gateSink) mute()   { g.muted.Store(true) }
func (g *gateSink) unmute() { g.muted.Store(false) }

func (g *gateSink) Emit(ctx context.Context, ev runner.LifecycleEvent) error {
	if g.muted.Load() {
		return nil
	}
	return g.inner.Emit(ctx, ev)
}
