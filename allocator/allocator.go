package allocator

import (
	"sort"
	"sync"
	"time"

	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/common/metrics"
	"github.com/fluxwork/yawl/spec"
)

// Worker is an abstract work performer: a participant or an automated
// agent. Load accounting is owned by the allocator.
type Worker struct {
	ID              string
	Capabilities    map[string]bool
	ConcurrentLimit int
	Available       bool
	AvailableSince  time.Time

	currentLoad int
}

// Load returns the worker's current allocated-item count
func (w *Worker) Load() int {
	return w.currentLoad
}

func (w *Worker) hasCapacity() bool {
	return w.Available && w.currentLoad < w.ConcurrentLimit
}

func (w *Worker) matches(rule *spec.AllocationRule) bool {
	for _, cap := range rule.Capabilities {
		if !w.Capabilities[cap] {
			return false
		}
	}
	return true
}

// OfferResult reports where an item went. In single-pick mode PreBound
// names the worker the allocator reserved for; otherwise Eligible lists
// the workers the offer was broadcast to. Queued is set when no worker
// had capacity and the item waits in a tag queue.
type OfferResult struct {
	Eligible []string
	PreBound string
	Queued   bool
}

// Outcome of a released reservation.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	OutcomeReclaimed Outcome = "reclaimed"
)

type offer struct {
	itemID     string
	rule       *spec.AllocationRule
	urgent     bool
	eligible   map[string]bool
	reservedBy string
}

// Allocator matches enabled work items to eligible workers under
// capacity, fairness and lease rules. It holds items only by ID; the
// case owns the item records.
type Allocator struct {
	mu      sync.Mutex
	workers map[string]*Worker
	offers  map[string]*offer
	queues  map[string]*fifo // per capability tag, mode=queue
	pools   map[string]int   // aggregate load cap per tag, 0 = uncapped

	log     *logger.Logger
	metrics *metrics.Metrics
}

// New creates an allocator
func New(log *logger.Logger, m *metrics.Metrics) *Allocator {
	return &Allocator{
		workers: make(map[string]*Worker),
		offers:  make(map[string]*offer),
		queues:  make(map[string]*fifo),
		pools:   make(map[string]int),
		log:     log,
		metrics: m,
	}
}

// RegisterWorker adds or replaces a worker
func (a *Allocator) RegisterWorker(w *Worker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w.Capabilities == nil {
		w.Capabilities = make(map[string]bool)
	}
	if w.ConcurrentLimit <= 0 {
		w.ConcurrentLimit = 1
	}
	a.workers[w.ID] = w
}

// SetAvailability flips a worker's availability
func (a *Allocator) SetAvailability(workerID string, available bool, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.workers[workerID]; ok {
		w.Available = available
		w.AvailableSince = now
	}
}

// SetPoolCap sets an aggregate load cap across workers carrying a tag
func (a *Allocator) SetPoolCap(tag string, cap int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pools[tag] = cap
}

// Worker returns a registered worker by ID
func (a *Allocator) Worker(workerID string) (*Worker, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.workers[workerID]
	return w, ok
}

// Offer computes the eligible workers for an item and records the
// offer. Behaviour depends on the rule's allocation mode:
//
//   - offer-all: broadcast; first Reserve wins.
//   - single-pick: the allocator chooses deterministically and returns
//     a pre-bound reservation.
//   - queue: FIFO per capability tag; urgent items jump to the head.
func (a *Allocator) Offer(itemID string, rule *spec.AllocationRule, urgent bool) (OfferResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if rule == nil {
		rule = &spec.AllocationRule{Mode: spec.ModeOfferAll}
	}

	o := &offer{
		itemID:   itemID,
		rule:     rule,
		urgent:   urgent,
		eligible: make(map[string]bool),
	}

	candidates := a.eligibleWorkers(rule)
	for _, w := range candidates {
		o.eligible[w.ID] = true
	}

	switch rule.Mode {
	case spec.ModeSinglePick:
		if len(candidates) == 0 {
			return a.enqueue(o)
		}
		chosen := a.pick(rule, candidates)
		a.reserveLocked(o, chosen)
		a.offers[itemID] = o
		return OfferResult{Eligible: []string{chosen.ID}, PreBound: chosen.ID}, nil

	case spec.ModeQueue:
		return a.enqueue(o)

	default: // offer-all
		if len(candidates) == 0 {
			return a.enqueue(o)
		}
		a.offers[itemID] = o
		ids := make([]string, 0, len(candidates))
		for _, w := range candidates {
			ids = append(ids, w.ID)
		}
		sort.Strings(ids)
		return OfferResult{Eligible: ids}, nil
	}
}

// Reserve is an atomic test-and-set: exactly one reserve
// succeeds per item in offer-all mode.
func (a *Allocator) Reserve(itemID, workerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.offers[itemID]
	if !ok {
		return enginerr.Newf(enginerr.KindItemNotFound, "no offer recorded for item %s", itemID).WithItem(itemID)
	}
	if o.reservedBy != "" {
		if o.reservedBy == workerID {
			return nil
		}
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"item %s already reserved by %s", itemID, o.reservedBy).WithItem(itemID)
	}
	if !o.eligible[workerID] {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"worker %s not eligible for item %s", workerID, itemID).WithItem(itemID)
	}

	w, ok := a.workers[workerID]
	if !ok || !w.hasCapacity() || !a.poolHasCapacity(w) {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"worker %s has no capacity for item %s", workerID, itemID).WithItem(itemID)
	}

	a.reserveLocked(o, w)
	return nil
}

// Release returns a reservation on checkin or lease loss, decrements
// worker load, and dispatches any queued items that now fit.
func (a *Allocator) Release(itemID, workerID string, outcome Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.offers[itemID]
	if ok && o.reservedBy == workerID {
		if w, exists := a.workers[workerID]; exists && w.currentLoad > 0 {
			w.currentLoad--
		}
		delete(a.offers, itemID)
	} else if ok && o.reservedBy == "" {
		delete(a.offers, itemID)
	}

	a.log.Debug("reservation released", "item_id", itemID, "worker", workerID, "outcome", string(outcome))
	a.dispatchQueuesLocked()
}

// Transfer moves a reservation between workers on delegation. The
// receiving worker is made eligible; delegation overrides the offer's
// original capability match.
func (a *Allocator) Transfer(itemID, fromWorker, toWorker string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.offers[itemID]
	if !ok || o.reservedBy != fromWorker {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"item %s not reserved by %s", itemID, fromWorker).WithItem(itemID)
	}
	to, ok := a.workers[toWorker]
	if !ok {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"worker %s not registered", toWorker).WithItem(itemID)
	}
	if !to.hasCapacity() || !a.poolHasCapacity(to) {
		return enginerr.Newf(enginerr.KindPreconditionViolated,
			"worker %s has no capacity for item %s", toWorker, itemID).WithItem(itemID)
	}

	if from, ok := a.workers[fromWorker]; ok && from.currentLoad > 0 {
		from.currentLoad--
	}
	o.eligible[toWorker] = true
	a.reserveLocked(o, to)
	return nil
}

// Withdraw recalls an offered or queued item before any allocation
func (a *Allocator) Withdraw(itemID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if o, ok := a.offers[itemID]; ok {
		if o.reservedBy != "" {
			if w, exists := a.workers[o.reservedBy]; exists && w.currentLoad > 0 {
				w.currentLoad--
			}
		}
		delete(a.offers, itemID)
	}
	for tag, q := range a.queues {
		q.remove(itemID)
		a.gaugeQueue(tag, q.len())
	}
}

// ReservedBy returns which worker holds an item's reservation
func (a *Allocator) ReservedBy(itemID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.offers[itemID]
	if !ok || o.reservedBy == "" {
		return "", false
	}
	return o.reservedBy, true
}

// DispatchQueues attempts to hand queued items to workers with spare
// capacity. Returns item -> worker bindings made; the caller completes
// the checkout on each binding.
func (a *Allocator) DispatchQueues() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dispatchQueuesLocked()
}

// internals, all called with a.mu held

func (a *Allocator) reserveLocked(o *offer, w *Worker) {
	o.reservedBy = w.ID
	w.currentLoad++
	a.offers[o.itemID] = o
}

func (a *Allocator) eligibleWorkers(rule *spec.AllocationRule) []*Worker {
	var out []*Worker
	for _, w := range a.workers {
		if w.matches(rule) && w.hasCapacity() && a.poolHasCapacity(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// pick chooses deterministically: declared preference order first, then
// least load, then lexicographic ID.
func (a *Allocator) pick(rule *spec.AllocationRule, candidates []*Worker) *Worker {
	for _, preferred := range rule.Preference {
		for _, w := range candidates {
			if w.ID == preferred {
				return w
			}
		}
	}
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.currentLoad < best.currentLoad || (w.currentLoad == best.currentLoad && w.ID < best.ID) {
			best = w
		}
	}
	return best
}

func (a *Allocator) poolHasCapacity(w *Worker) bool {
	for tag, cap := range a.pools {
		if cap <= 0 || !w.Capabilities[tag] {
			continue
		}
		load := 0
		for _, other := range a.workers {
			if other.Capabilities[tag] {
				load += other.currentLoad
			}
		}
		if load >= cap {
			return false
		}
	}
	return true
}

func (a *Allocator) enqueue(o *offer) (OfferResult, error) {
	tag := "*"
	if len(o.rule.Capabilities) > 0 {
		tag = o.rule.Capabilities[0]
	}
	q, ok := a.queues[tag]
	if !ok {
		q = newFIFO()
		a.queues[tag] = q
	}
	if o.urgent {
		q.pushFront(o)
	} else {
		q.pushBack(o)
	}
	a.gaugeQueue(tag, q.len())
	return OfferResult{Queued: true}, nil
}

func (a *Allocator) dispatchQueuesLocked() map[string]string {
	bindings := make(map[string]string)
	tags := make([]string, 0, len(a.queues))
	for tag := range a.queues {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		q := a.queues[tag]
		for {
			o := q.peek()
			if o == nil {
				break
			}
			candidates := a.eligibleWorkers(o.rule)
			if len(candidates) == 0 {
				break
			}
			w := a.pick(o.rule, candidates)
			q.pop()
			o.eligible[w.ID] = true
			a.reserveLocked(o, w)
			bindings[o.itemID] = w.ID
		}
		a.gaugeQueue(tag, q.len())
	}
	return bindings
}

func (a *Allocator) gaugeQueue(tag string, depth int) {
	if a.metrics != nil {
		a.metrics.QueueDepth.WithLabelValues(tag).Set(float64(depth))
	}
}
