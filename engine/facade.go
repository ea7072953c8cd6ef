package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxwork/yawl/allocator"
	"github.com/fluxwork/yawl/common/config"
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

// Facade is the public API: it loads specifications, routes launches
// through the selector, and presents a uniform case view regardless of
// which engine variant holds the case.
//
// For stateless cases the facade takes custody of the state blob and
// serialises events per case, which is the caller contract of the
// stateless engine.
type Facade struct {
	cfg       *config.Config
	specs     *spec.Cache
	selector  *Selector
	stateful  *Stateful
	stateless *Stateless
	alloc     *allocator.Allocator
	log       *logger.Logger
	m         *metrics.Metrics

	mu     sync.Mutex
	routed map[string]*routedCase
}

// routedCase records the selection for one case and, for stateless
// cases, holds the state blob under a per-case lock.
type routedCase struct {
	engine config.EngineKind
	reason string

	mu    sync.Mutex
	state []byte
}

// FacadeOpts wires the facade's collaborators. Zero values fall back to
// in-memory implementations.
type FacadeOpts struct {
	Config  *config.Config
	Store   persist.Store
	Sink    runner.EventSink
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// NewFacade builds the full engine stack
func NewFacade(opts FacadeOpts) *Facade {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}

	eval := expr.NewEvaluator()
	specs := spec.NewCache(opts.Config.Engine.SpecCacheSize)
	items := workitem.NewManager(eval, opts.Logger,
		opts.Config.Engine.LeaseDefaultTTL, opts.Config.Engine.MaxAttemptsDefault)
	alloc := allocator.New(opts.Logger, opts.Metrics)

	f := &Facade{
		cfg:    opts.Config,
		specs:  specs,
		alloc:  alloc,
		log:    opts.Logger,
		m:      opts.Metrics,
		routed: make(map[string]*routedCase),
	}
	f.stateful = NewStateful(StatefulOpts{
		Specs:     specs,
		Items:     items,
		Allocator: alloc,
		Store:     opts.Store,
		Sink:      opts.Sink,
		Evaluator: eval,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	f.stateless = NewStateless(specs, eval, items, opts.Logger, opts.Metrics)
	f.selector = NewSelector(opts.Config.Engine, opts.Logger, nil)
	return f
}

// Specs exposes the specification cache
func (f *Facade) Specs() *spec.Cache { return f.specs }

// Allocator exposes worker registration and queue dispatch
func (f *Facade) Allocator() *allocator.Allocator { return f.alloc }

// LoadSpecification parses, validates and interns a specification
func (f *Facade) LoadSpecification(doc []byte) (*spec.Specification, error) {
	sp, err := spec.Load(doc)
	if err != nil {
		return nil, err
	}
	f.specs.Put(sp)
	f.log.Info("specification loaded", "spec", sp.ID.String())
	return sp, nil
}

// Recover rebuilds stateful cases from the persist store
func (f *Facade) Recover(ctx context.Context) error {
	return f.stateful.Recover(ctx)
}

// LaunchRequest describes one case launch.
type LaunchRequest struct {
	SpecRef  string // "name:version"
	Data     map[string]any
	Override config.EngineKind // engine-admin only
	Role     string
}

// LaunchResult reports the launched case and the routing decision.
type LaunchResult struct {
	CaseID string
	Engine config.EngineKind
	Reason string
}

// Launch routes a case launch through the selector and starts it
func (f *Facade) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	sp, err := f.specs.Resolve(req.SpecRef)
	if err != nil {
		return LaunchResult{}, enginerr.Wrap(enginerr.KindInvalidSpecification, err, "resolve specification")
	}

	sel, err := f.selector.Choose(sp, req.Override, req.Role)
	if err != nil {
		return LaunchResult{}, err
	}

	deadline := f.cfg.Engine.CaseDeadlineDefault
	if sp.Profile != nil && sp.Profile.MaxDuration > 0 {
		deadline = sp.Profile.MaxDuration
	}

	var caseID string
	var blob []byte
	switch sel.Engine {
	case config.EngineStateless:
		res, err := f.stateless.LaunchCase(ctx, sp, req.Data, deadline)
		if err != nil {
			return LaunchResult{}, err
		}
		caseID, blob = res.CaseID, res.State
	default:
		caseID, err = f.stateful.LaunchCase(ctx, sp, req.Data, deadline)
		if err != nil {
			return LaunchResult{}, err
		}
	}

	f.mu.Lock()
	f.routed[caseID] = &routedCase{engine: sel.Engine, reason: sel.Reason, state: blob}
	f.mu.Unlock()

	f.m.CasesLaunched.WithLabelValues(string(sel.Engine)).Inc()
	f.log.Info("case launched", "case_id", caseID, "spec", sp.ID.String(),
		"engine", string(sel.Engine), "reason", sel.Reason)
	return LaunchResult{CaseID: caseID, Engine: sel.Engine, Reason: sel.Reason}, nil
}

// CaseView is the uniform read model of a case.
type CaseView struct {
	CaseID          string               `json:"case_id"`
	Lifecycle       state.Lifecycle      `json:"lifecycle"`
	Marking         state.Marking        `json:"marking"`
	Data            map[string]any       `json:"data"`
	LiveItems       []*workitem.WorkItem `json:"live_items"`
	EngineUsed      config.EngineKind    `json:"engine_used"`
	SelectionReason string               `json:"selection_reason"`
}

// GetCase returns the canonical view of a case
func (f *Facade) GetCase(caseID string) (CaseView, error) {
	rc, ok := f.route(caseID)
	if !ok {
		// Sub-cases live in the stateful store without a routing record
		if f.stateful.Has(caseID) {
			rc = &routedCase{engine: config.EngineStateful, reason: "sub-case"}
		} else {
			return CaseView{}, enginerr.Newf(enginerr.KindCaseNotFound, "case %s not found", caseID).WithCase(caseID)
		}
	}

	if rc.engine == config.EngineStateless {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		cs, err := state.Restore(rc.state, f.specs)
		if err != nil {
			return CaseView{}, err
		}
		return f.view(cs, rc), nil
	}

	var view CaseView
	err := f.stateful.View(caseID, func(cs *state.CaseState) error {
		view = f.view(cs, rc)
		return nil
	})
	return view, err
}

// ApplyEvent applies one external event to a case
func (f *Facade) ApplyEvent(ctx context.Context, caseID string, ev runner.ExternalEvent) error {
	rc, ok := f.route(caseID)
	if !ok {
		if f.stateful.Has(caseID) {
			return f.stateful.ApplyEvent(ctx, caseID, ev)
		}
		return enginerr.Newf(enginerr.KindCaseNotFound, "case %s not found", caseID).WithCase(caseID)
	}

	if rc.engine == config.EngineStateless {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		res, err := f.stateless.ApplyEvent(ctx, rc.state, ev)
		if err != nil {
			return err
		}
		rc.state = res.State
		return nil
	}
	return f.stateful.ApplyEvent(ctx, caseID, ev)
}

// Cancel cancels a case; repeating the call is a no-op
func (f *Facade) Cancel(ctx context.Context, caseID string) error {
	return f.ApplyEvent(ctx, caseID, runner.ExternalEvent{
		EventID: uuid.NewString(),
		Type:    runner.ExtCancelCase,
	})
}

// ListLiveWorkItems lists live items for one case, or all cases when
// caseID is empty.
func (f *Facade) ListLiveWorkItems(caseID string) ([]*workitem.WorkItem, error) {
	if caseID != "" {
		view, err := f.GetCase(caseID)
		if err != nil {
			return nil, err
		}
		return view.LiveItems, nil
	}

	var items []*workitem.WorkItem
	for _, id := range f.allCaseIDs() {
		view, err := f.GetCase(id)
		if err != nil {
			continue
		}
		items = append(items, view.LiveItems...)
	}
	return items, nil
}

// Checkout claims an offered item for a worker and issues its lease
func (f *Facade) Checkout(ctx context.Context, itemID, workerID string) (map[string]any, time.Time, error) {
	caseID, rc, err := f.findItem(itemID)
	if err != nil {
		return nil, time.Time{}, err
	}

	if rc != nil && rc.engine == config.EngineStateless {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		res, inputs, lease, err := f.stateless.Checkout(ctx, rc.state, itemID, workerID)
		if err != nil {
			return nil, time.Time{}, err
		}
		rc.state = res.State
		return inputs, lease, nil
	}
	return f.stateful.Checkout(ctx, caseID, itemID, workerID)
}

// Heartbeat renews a worker's lease on an item
func (f *Facade) Heartbeat(ctx context.Context, itemID, workerID string) (time.Time, error) {
	caseID, rc, err := f.findItem(itemID)
	if err != nil {
		return time.Time{}, err
	}

	if rc != nil && rc.engine == config.EngineStateless {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		res, lease, err := f.stateless.Heartbeat(ctx, rc.state, itemID, workerID)
		if err != nil {
			return time.Time{}, err
		}
		rc.state = res.State
		return lease, nil
	}
	return f.stateful.Heartbeat(ctx, caseID, itemID, workerID)
}

// Checkin returns a worker's result for an item: outputs complete it,
// an error payload fails it.
func (f *Facade) Checkin(ctx context.Context, itemID, workerID string, outputs, errPayload map[string]any) error {
	caseID, _, err := f.findItem(itemID)
	if err != nil {
		return err
	}

	ev := runner.ExternalEvent{
		EventID:  uuid.NewString(),
		ItemID:   itemID,
		WorkerID: workerID,
	}
	if errPayload != nil {
		ev.Type = runner.ExtFailWorkItem
		ev.ErrPayload = errPayload
	} else {
		ev.Type = runner.ExtCompleteWorkItem
		ev.Outputs = outputs
	}
	return f.ApplyEvent(ctx, caseID, ev)
}

// Sweep runs periodic maintenance over every case and completes any
// queued allocations that found capacity.
func (f *Facade) Sweep(ctx context.Context) error {
	if err := f.stateful.Sweep(ctx); err != nil {
		return err
	}

	now := time.Now()
	for _, id := range f.statelessCaseIDs() {
		rc, ok := f.route(id)
		if !ok {
			continue
		}
		rc.mu.Lock()
		res, err := f.stateless.Sweep(ctx, rc.state, now)
		if err == nil {
			rc.state = res.State
		}
		rc.mu.Unlock()
		if err != nil {
			f.log.Warn("stateless sweep failed", "case_id", id, "error", err)
		}
	}

	for itemID, workerID := range f.alloc.DispatchQueues() {
		if _, _, err := f.Checkout(ctx, itemID, workerID); err != nil {
			f.log.Warn("queued dispatch checkout failed", "item_id", itemID, "worker", workerID, "error", err)
		}
	}

	f.recountItems()
	return nil
}

// recountItems refreshes the per-state work item gauge across both
// engine variants.
func (f *Facade) recountItems() {
	counts := make(map[workitem.State]int)
	f.stateful.CountItemStates(counts)

	for _, id := range f.statelessCaseIDs() {
		rc, ok := f.route(id)
		if !ok {
			continue
		}
		rc.mu.Lock()
		cs, err := state.Restore(rc.state, f.specs)
		rc.mu.Unlock()
		if err != nil {
			continue
		}
		for _, it := range cs.LiveItems() {
			counts[it.State]++
		}
	}

	for _, st := range workitem.AllStates {
		f.m.ItemsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// internals

func (f *Facade) route(caseID string) (*routedCase, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rc, ok := f.routed[caseID]
	return rc, ok
}

// view detaches the case into a CaseView. Everything mutable is
// copied: the view outlives the case lock and is read (and marshalled)
// while the sweeper and event handlers keep mutating the case.
func (f *Facade) view(cs *state.CaseState, rc *routedCase) CaseView {
	live := cs.LiveItems()
	items := make([]*workitem.WorkItem, len(live))
	for i, it := range live {
		items[i] = it.Clone()
	}
	return CaseView{
		CaseID:          cs.CaseID,
		Lifecycle:       cs.Lifecycle,
		Marking:         cs.Marking.Clone(),
		Data:            workitem.CloneValues(cs.Data),
		LiveItems:       items,
		EngineUsed:      rc.engine,
		SelectionReason: rc.reason,
	}
}

// findItem locates the case housing an item. Stateful items resolve
// through the store scan; stateless items through the custody blobs.
func (f *Facade) findItem(itemID string) (string, *routedCase, error) {
	if caseID, ok := f.stateful.FindCaseOfItem(itemID); ok {
		rc, _ := f.route(caseID)
		return caseID, rc, nil
	}

	for _, id := range f.statelessCaseIDs() {
		rc, ok := f.route(id)
		if !ok {
			continue
		}
		rc.mu.Lock()
		cs, err := state.Restore(rc.state, f.specs)
		rc.mu.Unlock()
		if err != nil {
			continue
		}
		if _, ok := cs.Item(itemID); ok {
			return id, rc, nil
		}
	}
	return "", nil, enginerr.Newf(enginerr.KindItemNotFound, "work item %s not found", itemID).WithItem(itemID)
}

func (f *Facade) allCaseIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, id := range f.stateful.sortedCaseIDs() {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range f.statelessCaseIDs() {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *Facade) statelessCaseIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, rc := range f.routed {
		if rc.engine == config.EngineStateless {
			ids = append(ids, id)
		}
	}
	return ids
}
