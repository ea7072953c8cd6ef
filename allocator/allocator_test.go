package allocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/spec"
)

func newAllocator() *Allocator {
	return New(logger.New("error", "text"), nil)
}

func registerWorker(a *Allocator, id string, limit int, caps ...string) {
	capSet := make(map[string]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}
	a.RegisterWorker(&Worker{
		ID:              id,
		Capabilities:    capSet,
		ConcurrentLimit: limit,
		Available:       true,
		AvailableSince:  time.Now(),
	})
}

func TestOfferAllBroadcastsToEligible(t *testing.T) {
	a := newAllocator()
	registerWorker(a, "alice", 2, "review")
	registerWorker(a, "bob", 2, "review")
	registerWorker(a, "carol", 2, "shipping")

	res, err := a.Offer("item-1", &spec.AllocationRule{
		Capabilities: []string{"review"},
		Mode:         spec.ModeOfferAll,
	}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, res.Eligible)
	require.Empty(t, res.PreBound)
	require.False(t, res.Queued)
}

func TestReserveIsTestAndSet(t *testing.T) {
	a := newAllocator()
	registerWorker(a, "alice", 1, "review")
	registerWorker(a, "bob", 1, "review")

	rule := &spec.AllocationRule{Capabilities: []string{"review"}, Mode: spec.ModeOfferAll}
	_, err := a.Offer("item-1", rule, false)
	require.NoError(t, err)

	require.NoError(t, a.Reserve("item-1", "alice"))
	require.NoError(t, a.Reserve("item-1", "alice"), "re-reserving by the holder is idempotent")

	err = a.Reserve("item-1", "bob")
	require.Error(t, err)
	require.Equal(t, enginerr.KindPreconditionViolated, enginerr.KindOf(err))

	holder, ok := a.ReservedBy("item-1")
	require.True(t, ok)
	require.Equal(t, "alice", holder)

	w, _ := a.Worker("alice")
	require.Equal(t, 1, w.Load())
}

func TestReserveRejectsIneligibleWorker(t *testing.T) {
	a := newAllocator()
	registerWorker(a, "alice", 1, "review")
	registerWorker(a, "carol", 1, "shipping")

	_, err := a.Offer("item-1", &spec.AllocationRule{
		Capabilities: []string{"review"},
		Mode:         spec.ModeOfferAll,
	}, false)
	require.NoError(t, err)

	require.Error(t, a.Reserve("item-1", "carol"))
	require.Error(t, a.Reserve("missing-item", "alice"))
}

func TestSinglePickPrefersDeclaredOrderThenLoad(t *testing.T) {
	a := newAllocator()
	registerWorker(a, "alice", 2, "review")
	registerWorker(a, "bob", 2, "review")

	// Declared preference wins
	res, err := a.Offer("item-1", &spec.AllocationRule{
		Capabilities: []string{"review"},
		Preference:   []string{"bob"},
		Mode:         spec.ModeSinglePick,
	}, false)
	require.NoError(t, err)
	require.Equal(t, "bob", res.PreBound)

	// No preference: least load, ties broken lexicographically.
	// bob now carries one item, so alice wins.
	res, err = a.Offer("item-2", &spec.AllocationRule{
		Capabilities: []string{"review"},
		Mode:         spec.ModeSinglePick,
	}, false)
	require.NoError(t, err)
	require.Equal(t, "alice", res.PreBound)
}

func TestQueueModeDispatchesFIFOWithUrgentFirst(t *testing.T) {
	a := newAllocator()
	rule := &spec.AllocationRule{Capabilities: []string{"review"}, Mode: spec.ModeQueue}

	// No workers yet: everything queues
	for _, id := range []string{"item-1", "item-2"} {
		res, err := a.Offer(id, rule, false)
		require.NoError(t, err)
		require.True(t, res.Queued)
	}
	res, err := a.Offer("item-urgent", rule, true)
	require.NoError(t, err)
	require.True(t, res.Queued)

	registerWorker(a, "alice", 2, "review")
	bindings := a.DispatchQueues()

	require.Len(t, bindings, 2, "capacity 2 serves two of three queued items")
	require.Equal(t, "alice", bindings["item-urgent"], "urgent items jump the queue")
	require.Equal(t, "alice", bindings["item-1"])
	require.NotContains(t, bindings, "item-2")

	// Releasing one reservation dispatches the next in arrival order
	a.Release("item-urgent", "alice", OutcomeCompleted)
	holder, ok := a.ReservedBy("item-2")
	require.True(t, ok)
	require.Equal(t, "alice", holder)
}

func TestOfferAllQueuesWhenNoCapacity(t *testing.T) {
	a := newAllocator()
	registerWorker(a, "alice", 1, "review")

	rule := &spec.AllocationRule{Capabilities: []string{"review"}, Mode: spec.ModeOfferAll}
	_, err := a.Offer("item-1", rule, false)
	require.NoError(t, err)
	require.NoError(t, a.Reserve("item-1", "alice"))

	res, err := a.Offer("item-2", rule, false)
	require.NoError(t, err)
	require.True(t, res.Queued, "a full worker set parks the offer")
}

func TestPoolCapBoundsAggregateLoad(t *testing.T) {
	a := newAllocator()
	registerWorker(a, "alice", 5, "gpu")
	registerWorker(a, "bob", 5, "gpu")
	a.SetPoolCap("gpu", 1)

	rule := &spec.AllocationRule{Capabilities: []string{"gpu"}, Mode: spec.ModeOfferAll}
	_, err := a.Offer("item-1", rule, false)
	require.NoError(t, err)
	require.NoError(t, a.Reserve("item-1", "alice"))

	// Pool is at cap: bob has personal capacity but no pool room
	res, err := a.Offer("item-2", rule, false)
	require.NoError(t, err)
	require.True(t, res.Queued)

	a.Release("item-1", "alice", OutcomeCompleted)
	holder, ok := a.ReservedBy("item-2")
	require.True(t, ok, "release frees pool room for the queued item")
	require.NotEmpty(t, holder)
}

func TestTransferMovesReservation(t *testing.T) {
	a := newAllocator()
	registerWorker(a, "alice", 1, "review")
	registerWorker(a, "bob", 1, "shipping")

	rule := &spec.AllocationRule{Capabilities: []string{"review"}, Mode: spec.ModeOfferAll}
	_, err := a.Offer("item-1", rule, false)
	require.NoError(t, err)
	require.NoError(t, a.Reserve("item-1", "alice"))

	// Delegation overrides capability matching: bob never matched "review"
	require.NoError(t, a.Transfer("item-1", "alice", "bob"))

	holder, ok := a.ReservedBy("item-1")
	require.True(t, ok)
	require.Equal(t, "bob", holder)

	alice, _ := a.Worker("alice")
	bob, _ := a.Worker("bob")
	require.Equal(t, 0, alice.Load())
	require.Equal(t, 1, bob.Load())

	require.Error(t, a.Transfer("item-1", "alice", "bob"), "only the holder may transfer")
	require.Error(t, a.Transfer("item-1", "bob", "ghost"))
}

func TestWithdrawRecallsOfferAndQueueEntry(t *testing.T) {
	a := newAllocator()
	rule := &spec.AllocationRule{Capabilities: []string{"review"}, Mode: spec.ModeQueue}
	_, err := a.Offer("item-1", rule, false)
	require.NoError(t, err)

	a.Withdraw("item-1")

	registerWorker(a, "alice", 1, "review")
	require.Empty(t, a.DispatchQueues(), "withdrawn items never dispatch")
}

func TestUnavailableWorkerIsNotEligible(t *testing.T) {
	a := newAllocator()
	registerWorker(a, "alice", 1, "review")
	a.SetAvailability("alice", false, time.Now())

	res, err := a.Offer("item-1", &spec.AllocationRule{
		Capabilities: []string{"review"},
		Mode:         spec.ModeOfferAll,
	}, false)
	require.NoError(t, err)
	require.True(t, res.Queued)

	a.SetAvailability("alice", true, time.Now())
	bindings := a.DispatchQueues()
	require.Equal(t, "alice", bindings["item-1"])
}
