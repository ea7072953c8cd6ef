package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxwork/yawl/spec"
)

const twoTaskDoc = `
name: shipping
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: pick
      - id: pack
    flows:
      - {from: start, to: pick}
      - {from: pick, to: pack}
      - {from: pack, to: done}
`

func loadSpec(t *testing.T) *spec.Specification {
	t.Helper()
	s, err := spec.Load([]byte(twoTaskDoc))
	require.NoError(t, err)
	return s
}

func TestMarkingConsumeUnderflow(t *testing.T) {
	m := NewMarking()
	m.Produce("c", 2)

	require.NoError(t, m.Consume("c", 1))
	require.Error(t, m.Consume("c", 2), "consuming below zero must fail")
	require.Equal(t, 1, m.Count("c"))

	require.NoError(t, m.Consume("c", 1))
	require.False(t, m.IsMarked("c"))
	require.Equal(t, 0, m.Total())
}

func TestMarkingDrainAndEqual(t *testing.T) {
	m := NewMarking()
	m.Produce("a", 3)
	m.Produce("b", 1)

	clone := m.Clone()
	require.True(t, m.Equal(clone))

	require.Equal(t, 3, m.Drain("a"))
	require.Equal(t, 0, m.Drain("a"))
	require.False(t, m.Equal(clone))
	require.Equal(t, 1, m.Total())
}

func TestNewCaseStartsAtInputCondition(t *testing.T) {
	s := loadSpec(t)
	cs, err := NewCase(s, "main", map[string]any{"order": "42"}, time.Now())
	require.NoError(t, err)

	require.Equal(t, LifecycleLaunching, cs.Lifecycle)
	require.Equal(t, 1, cs.Marking.Count("start"))
	require.Equal(t, 1, cs.Marking.Total())
	require.Equal(t, "42", cs.Data["order"])

	_, err = NewCase(s, "missing", nil, time.Now())
	require.Error(t, err)
}

func TestNewFiringIDIsDeterministic(t *testing.T) {
	s := loadSpec(t)
	cs, err := NewCase(s, "main", nil, time.Now())
	require.NoError(t, err)
	cs.CaseID = "case-1"

	require.Equal(t, "case-1.f0001", cs.NewFiringID())
	require.Equal(t, "case-1.f0002", cs.NewFiringID())

	// A restored copy continues the same sequence
	data, err := Snapshot(cs)
	require.NoError(t, err)
	restored, err := Restore(data, resolver{s})
	require.NoError(t, err)
	require.Equal(t, "case-1.f0003", restored.NewFiringID())
}

func TestMarkEventSeenIsIdempotent(t *testing.T) {
	s := loadSpec(t)
	cs, err := NewCase(s, "main", nil, time.Now())
	require.NoError(t, err)

	require.True(t, cs.MarkEventSeen("ev-1"))
	require.False(t, cs.MarkEventSeen("ev-1"))
	require.True(t, cs.MarkEventSeen("ev-2"))
	require.True(t, cs.MarkEventSeen(""), "blank IDs are never deduplicated")
	require.True(t, cs.MarkEventSeen(""))
}

func TestApplyOutputsMergesNestedData(t *testing.T) {
	s := loadSpec(t)
	cs, err := NewCase(s, "main", map[string]any{
		"order":     map[string]any{"id": "42", "state": "open"},
		"untouched": true,
	}, time.Now())
	require.NoError(t, err)

	task := s.RootNet().Tasks["pick"]
	err = cs.ApplyOutputs(task, map[string]any{
		"order": map[string]any{"state": "picked"},
	})
	require.NoError(t, err)

	order := cs.Data["order"].(map[string]any)
	require.Equal(t, "picked", order["state"])
	require.Equal(t, "42", order["id"], "merge patch keeps sibling keys")
	require.Equal(t, true, cs.Data["untouched"])
}

func TestSnapshotRestoreIdentity(t *testing.T) {
	s := loadSpec(t)
	cs, err := NewCase(s, "main", map[string]any{"n": float64(7)}, time.Now().UTC())
	require.NoError(t, err)
	cs.Lifecycle = LifecycleExecuting
	cs.Marking.Produce("pick->pack", 1)
	cs.Firings["f1"] = &Firing{ID: "f1", TaskID: "pick", Consumed: Marking{"start": 1}}
	cs.MarkEventSeen("ev-1")

	first, err := Snapshot(cs)
	require.NoError(t, err)

	restored, err := Restore(first, resolver{s})
	require.NoError(t, err)
	require.Equal(t, cs.CaseID, restored.CaseID)
	require.True(t, cs.Marking.Equal(restored.Marking))
	require.Equal(t, cs.Lifecycle, restored.Lifecycle)
	require.Equal(t, "pick", restored.Firings["f1"].TaskID)

	second, err := Snapshot(restored)
	require.NoError(t, err)
	require.Equal(t, first, second, "snapshot of a restored case is byte-identical")
}

func TestRestoreFailsWithoutSpecification(t *testing.T) {
	s := loadSpec(t)
	cs, err := NewCase(s, "main", nil, time.Now())
	require.NoError(t, err)

	data, err := Snapshot(cs)
	require.NoError(t, err)

	_, err = Restore(data, resolver{nil})
	require.Error(t, err)
}

func TestIsCompletedMarking(t *testing.T) {
	s := loadSpec(t)
	net := s.RootNet()
	cs, err := NewCase(s, "main", nil, time.Now())
	require.NoError(t, err)

	require.False(t, cs.IsCompletedMarking(net), "input token alone is not completion")

	cs.Marking.Drain("start")
	cs.Marking.Produce("done", 1)
	require.True(t, cs.IsCompletedMarking(net))

	cs.Firings["f1"] = &Firing{ID: "f1", TaskID: "pick"}
	require.False(t, cs.IsCompletedMarking(net), "open firing blocks completion")
	delete(cs.Firings, "f1")

	cs.Marking.Produce("pick->pack", 1)
	require.False(t, cs.IsCompletedMarking(net), "stray token blocks completion")
}

func TestStoreWithCaseSerialisesAccess(t *testing.T) {
	s := loadSpec(t)
	cs, err := NewCase(s, "main", nil, time.Now())
	require.NoError(t, err)

	store := NewStore()
	store.Put(cs)
	require.True(t, store.Has(cs.CaseID))
	require.False(t, store.Has("nope"))
	require.Equal(t, 1, store.Len())

	err = store.WithCase(cs.CaseID, func(got *CaseState) error {
		got.Lifecycle = LifecycleExecuting
		return nil
	})
	require.NoError(t, err)

	err = store.WithCase("nope", func(*CaseState) error { return nil })
	require.Error(t, err)

	ids := store.CaseIDs()
	require.Equal(t, []string{cs.CaseID}, ids)

	store.Remove(cs.CaseID)
	require.False(t, store.Has(cs.CaseID))
}

// resolver adapts a single specification to the restore interface.
type resolver struct {
	s *spec.Specification
}

func (r resolver) Get(id spec.SpecID) (*spec.Specification, error) {
	if r.s == nil || r.s.ID != id {
		return nil, fmt.Errorf("specification %s not loaded", id)
	}
	return r.s, nil
}
