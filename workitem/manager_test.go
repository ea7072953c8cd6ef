package workitem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/spec"
	"github.com/fluxwork/yawl/spec/expr"
)

// fixture wires a manager to a controllable clock.
type fixture struct {
	m   *Manager
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		m:   NewManager(expr.NewEvaluator(), logger.New("error", "text"), 30*time.Second, 3),
		now: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
	}
	f.m.Clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func plainTask() *spec.Task {
	return &spec.Task{
		ID:    "review",
		Kind:  spec.TaskAtomic,
		Join:  spec.JoinAND,
		Split: spec.SplitAND,
		Parameters: []*spec.Parameter{
			{Name: "doc", Type: "string", Direction: spec.DirIn},
			{Name: "verdict", Type: "string", Direction: spec.DirOut, Required: true},
			{Name: "score", Type: "int", Direction: spec.DirOut},
		},
	}
}

func TestCreateItemsPlainTask(t *testing.T) {
	f := newFixture(t)
	task := plainTask()
	task.Timer = time.Minute

	items, err := f.m.CreateItems("case-1", "case-1.f0001", task, map[string]any{
		"doc":    "contract.pdf",
		"secret": "not-an-in-parameter",
	})
	require.NoError(t, err)
	require.Len(t, items, 1)

	it := items[0]
	require.Equal(t, StateEnabled, it.State)
	require.Equal(t, "case-1", it.CaseID)
	require.Equal(t, "case-1.f0001", it.FiringID)
	require.Equal(t, map[string]any{"doc": "contract.pdf"}, it.Inputs, "only declared in-parameters pass through")
	require.Nil(t, it.Instance)
	require.NotNil(t, it.HardDeadline)
	require.Equal(t, f.now.Add(time.Minute), *it.HardDeadline)
}

func TestCreateItemsStaticExpansion(t *testing.T) {
	f := newFixture(t)
	task := &spec.Task{
		ID:   "inspect",
		Kind: spec.TaskAtomic,
		MultiInstance: &spec.MultiInstance{
			Min: 1, Max: 5, Threshold: 2,
			Mode:     spec.CreationStatic,
			Selector: "data.parts",
		},
	}

	items, err := f.m.CreateItems("case-1", "f1", task, map[string]any{
		"parts": []any{"hull", "mast", "sail"},
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		require.NotNil(t, it.Instance)
		require.Equal(t, i, *it.Instance)
	}
	require.Equal(t, "hull", items[0].Inputs["instance"])
	require.Equal(t, "sail", items[2].Inputs["instance"])
}

func TestCreateItemsStaticCardinalityBounds(t *testing.T) {
	f := newFixture(t)
	task := &spec.Task{
		ID:   "inspect",
		Kind: spec.TaskAtomic,
		MultiInstance: &spec.MultiInstance{
			Min: 2, Max: 2, Threshold: 1,
			Mode:     spec.CreationStatic,
			Selector: "data.parts",
		},
	}

	_, err := f.m.CreateItems("case-1", "f1", task, map[string]any{
		"parts": []any{"only-one"},
	})
	require.Error(t, err)
	require.Equal(t, enginerr.KindPreconditionViolated, enginerr.KindOf(err))

	// min = 0 over an empty sequence is a legal empty expansion
	task.MultiInstance.Min = 0
	items, err := f.m.CreateItems("case-1", "f1", task, map[string]any{"parts": []any{}})
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestCreateDynamicInstance(t *testing.T) {
	f := newFixture(t)
	task := &spec.Task{
		ID:   "poll",
		Kind: spec.TaskAtomic,
		MultiInstance: &spec.MultiInstance{
			Min: 1, Max: 3, Threshold: 3,
			Mode: spec.CreationDynamic,
			More: "data.pending > 0",
		},
	}

	items, err := f.m.CreateItems("case-1", "f1", task, nil)
	require.NoError(t, err)
	require.Len(t, items, 1, "dynamic mode starts at min instances")

	next, err := f.m.CreateDynamicInstance("case-1", "f1", task, map[string]any{"pending": 2}, 1)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, 1, *next.Instance)

	// Predicate says stop
	none, err := f.m.CreateDynamicInstance("case-1", "f1", task, map[string]any{"pending": 0}, 2)
	require.NoError(t, err)
	require.Nil(t, none)

	// Max reached
	none, err = f.m.CreateDynamicInstance("case-1", "f1", task, map[string]any{"pending": 9}, 3)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestCheckoutLifecycle(t *testing.T) {
	f := newFixture(t)
	task := plainTask()
	items, err := f.m.CreateItems("case-1", "f1", task, map[string]any{"doc": "d"})
	require.NoError(t, err)
	it := items[0]

	// Enabled items cannot be checked out
	_, _, err = f.m.Checkout(it, task, "alice")
	require.Error(t, err)

	require.NoError(t, f.m.Offer(it))
	inputs, lease, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)
	require.Equal(t, "d", inputs["doc"])
	require.Equal(t, f.now.Add(30*time.Second), lease)
	require.True(t, it.HeldBy("alice"))

	// Second checkout is a test-and-set loss
	_, _, err = f.m.Checkout(it, task, "bob")
	require.Error(t, err)
	require.Equal(t, enginerr.KindPreconditionViolated, enginerr.KindOf(err))

	require.NoError(t, f.m.Start(it, "alice"))
	require.Error(t, f.m.Start(it, "bob"))

	require.NoError(t, f.m.Complete(it, task, "alice", map[string]any{"verdict": "ok"}))
	require.Equal(t, StateCompleted, it.State)
	require.Equal(t, "", it.Assignee, "terminal states carry no assignee")
	require.Equal(t, map[string]any{"verdict": "ok"}, it.Outputs)
}

func TestHeartbeatRenewsLease(t *testing.T) {
	f := newFixture(t)
	task := plainTask()
	task.LeaseTTL = 10 * time.Second

	items, _ := f.m.CreateItems("case-1", "f1", task, nil)
	it := items[0]
	require.NoError(t, f.m.Offer(it))
	_, lease, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)
	require.Equal(t, f.now.Add(10*time.Second), lease, "task TTL overrides the default")

	f.advance(8 * time.Second)
	renewed, err := f.m.Heartbeat(it, task, "alice")
	require.NoError(t, err)
	require.Equal(t, f.now.Add(10*time.Second), renewed)

	_, err = f.m.Heartbeat(it, task, "mallory")
	require.Error(t, err)
}

func TestCompleteValidationRetryBudget(t *testing.T) {
	f := newFixture(t)
	task := plainTask()

	items, _ := f.m.CreateItems("case-1", "f1", task, nil)
	it := items[0]
	require.NoError(t, f.m.Offer(it))
	_, _, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)
	require.NoError(t, f.m.Start(it, "alice"))

	bad := map[string]any{"verdict": "ok", "score": "not-an-int"}

	// Two failures stay within the budget: item returns to Allocated
	// under the same assignee.
	for i := 0; i < 2; i++ {
		err = f.m.Complete(it, task, "alice", bad)
		require.Error(t, err)
		require.Equal(t, enginerr.KindOutputValidationFailed, enginerr.KindOf(err))
		require.Equal(t, StateAllocated, it.State)
		require.Equal(t, "alice", it.Assignee)
	}

	// Third failure exhausts the budget
	err = f.m.Complete(it, task, "alice", bad)
	require.Error(t, err)
	require.Equal(t, StateFailed, it.State)
}

func TestCompleteRequiresDeclaredOutputs(t *testing.T) {
	f := newFixture(t)
	task := plainTask()

	items, _ := f.m.CreateItems("case-1", "f1", task, nil)
	it := items[0]
	require.NoError(t, f.m.Offer(it))
	_, _, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)

	// Missing required "verdict"
	err = f.m.Complete(it, task, "alice", map[string]any{"score": float64(3)})
	require.Error(t, err)
	require.Equal(t, StateAllocated, it.State)

	// Undeclared keys are dropped, not rejected
	err = f.m.Complete(it, task, "alice", map[string]any{"verdict": "ok", "rogue": true})
	require.NoError(t, err)
	require.NotContains(t, it.Outputs, "rogue")
}

func TestDelegateMovesAssignee(t *testing.T) {
	f := newFixture(t)
	task := plainTask()

	items, _ := f.m.CreateItems("case-1", "f1", task, nil)
	it := items[0]
	require.NoError(t, f.m.Offer(it))
	_, _, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)
	require.NoError(t, f.m.Start(it, "alice"))

	require.NoError(t, f.m.Delegate(it, task, "alice", "bob"))
	require.True(t, it.HeldBy("bob"))
	require.False(t, it.HeldBy("alice"))
	require.Equal(t, f.now.Add(30*time.Second), it.LeaseExpiry, "lease resets under the new worker")

	require.Error(t, f.m.Delegate(it, task, "alice", "carol"), "only the holder may delegate")
}

func TestCancelByState(t *testing.T) {
	f := newFixture(t)
	task := plainTask()

	offered, _ := f.m.CreateItems("case-1", "f1", task, nil)
	require.NoError(t, f.m.Offer(offered[0]))
	require.NoError(t, f.m.Cancel(offered[0], "engine"))
	require.Equal(t, StateWithdrawn, offered[0].State, "offered items are withdrawn")

	started, _ := f.m.CreateItems("case-1", "f2", task, nil)
	it := started[0]
	require.NoError(t, f.m.Offer(it))
	_, _, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)
	require.NoError(t, f.m.Start(it, "alice"))
	require.NoError(t, f.m.Cancel(it, "engine"))
	require.Equal(t, StateCancelled, it.State)

	// Terminal items are untouched
	require.NoError(t, f.m.Cancel(it, "engine"))
	require.Equal(t, StateCancelled, it.State)
}

func TestSweepLeaseReclaimsAfterTwoMisses(t *testing.T) {
	f := newFixture(t)
	task := plainTask()

	items, _ := f.m.CreateItems("case-1", "f1", task, nil)
	it := items[0]
	require.NoError(t, f.m.Offer(it))
	_, _, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)

	// One missed window records a heartbeat miss but does not reclaim
	f.advance(31 * time.Second)
	reclaimed, failed := f.m.SweepLease(it, task, f.now)
	require.False(t, reclaimed)
	require.False(t, failed)
	require.Equal(t, 1, it.MissedHeartbeats)
	require.Equal(t, StateAllocated, it.State)

	// Second consecutive miss reclaims the item
	f.advance(31 * time.Second)
	reclaimed, failed = f.m.SweepLease(it, task, f.now)
	require.True(t, reclaimed)
	require.False(t, failed)
	require.Equal(t, StateEnabled, it.State)
	require.Equal(t, 1, it.Attempt)
	require.Equal(t, "", it.Assignee)
}

func TestSweepLeaseReclaimsStartedItem(t *testing.T) {
	f := newFixture(t)
	task := plainTask()

	items, _ := f.m.CreateItems("case-1", "f1", task, nil)
	it := items[0]
	require.NoError(t, f.m.Offer(it))
	_, _, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)
	require.NoError(t, f.m.Start(it, "alice"))

	f.advance(2 * 31 * time.Second)
	reclaimed, failed := f.m.SweepLease(it, task, f.now)
	require.True(t, reclaimed)
	require.False(t, failed)
	require.Equal(t, StateEnabled, it.State, "a started item returns to the offer cycle on reclaim")
	require.Equal(t, 1, it.Attempt)
	require.Equal(t, "", it.Assignee)
}

func TestSweepLeaseFailsWhenAttemptsExhausted(t *testing.T) {
	f := newFixture(t)
	task := plainTask()
	task.MaxAttempts = 1

	items, _ := f.m.CreateItems("case-1", "f1", task, nil)
	it := items[0]
	require.NoError(t, f.m.Offer(it))
	_, _, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)

	f.advance(2 * 31 * time.Second)
	reclaimed, failed := f.m.SweepLease(it, task, f.now)
	require.False(t, reclaimed)
	require.True(t, failed)
	require.Equal(t, StateFailed, it.State)
}

func TestThresholdAccounting(t *testing.T) {
	task := &spec.Task{
		ID:   "inspect",
		Kind: spec.TaskAtomic,
		MultiInstance: &spec.MultiInstance{
			Min: 3, Max: 3, Threshold: 2,
			Mode: spec.CreationStatic, Selector: "data.parts",
		},
	}

	idx := func(i int) *int { return &i }
	siblings := []*WorkItem{
		{ID: "a", Instance: idx(0), State: StateCompleted, Outputs: map[string]any{"n": 0}},
		{ID: "b", Instance: idx(1), State: StateStarted},
		{ID: "c", Instance: idx(2), State: StateCompleted, Outputs: map[string]any{"n": 2}},
	}

	require.Equal(t, 2, CompletedInstances(siblings))
	require.True(t, ThresholdMet(task, siblings))
	require.False(t, ThresholdUnreachable(task, siblings))

	out := CollectOutputs(task, siblings)
	results := out["results"].([]any)
	require.Len(t, results, 2)
	require.Equal(t, map[string]any{"n": 0}, results[0], "outputs ordered by instance index")
	require.Equal(t, map[string]any{"n": 2}, results[1])
}

func TestThresholdUnreachable(t *testing.T) {
	task := &spec.Task{
		ID:   "inspect",
		Kind: spec.TaskAtomic,
		MultiInstance: &spec.MultiInstance{
			Min: 3, Max: 3, Threshold: 3,
			Mode: spec.CreationStatic, Selector: "data.parts",
		},
	}

	siblings := []*WorkItem{
		{ID: "a", State: StateCompleted},
		{ID: "b", State: StateCancelled},
		{ID: "c", State: StateStarted},
	}
	require.False(t, ThresholdMet(task, siblings))
	require.True(t, ThresholdUnreachable(task, siblings), "one cancellation makes 3-of-3 impossible")
}

func TestCompensationItemCarriesInputs(t *testing.T) {
	f := newFixture(t)
	task := plainTask()
	task.Compensation = []string{"undo"}

	items, _ := f.m.CreateItems("case-1", "f1", task, map[string]any{"doc": "d"})
	it := items[0]
	require.NoError(t, f.m.Offer(it))
	_, _, err := f.m.Checkout(it, task, "alice")
	require.NoError(t, err)
	require.NoError(t, f.m.Cancel(it, "engine"))

	comp := f.m.CreateCompensationItem(it, task)
	require.True(t, comp.Compensating)
	require.Equal(t, it.FiringID, comp.FiringID)
	require.Equal(t, it.Inputs, comp.Inputs)
	require.Equal(t, StateEnabled, comp.State)
}
