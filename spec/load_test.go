package spec

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sequentialDoc = `
name: order-fulfilment
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: receive
      - id: pack
      - id: ship
    flows:
      - {from: start, to: receive}
      - {from: receive, to: pack}
      - {from: pack, to: ship}
      - {from: ship, to: done}
`

func TestLoadSequential(t *testing.T) {
	s, err := Load([]byte(sequentialDoc))
	require.NoError(t, err)

	require.Equal(t, "order-fulfilment:1", s.ID.String())
	require.Equal(t, "main", s.Root)

	net := s.RootNet()
	require.NotNil(t, net)
	require.Len(t, net.Tasks, 3)
	require.Equal(t, "start", net.InputCondition)
	require.Equal(t, "done", net.OutputCondition)

	// Defaults: atomic, AND join, AND split
	pack := net.Tasks["pack"]
	require.Equal(t, TaskAtomic, pack.Kind)
	require.Equal(t, JoinAND, pack.Join)
	require.Equal(t, SplitAND, pack.Split)
}

func TestLoadRejectsMissingIdentity(t *testing.T) {
	_, err := Load([]byte("root: main\nnets: []\n"))
	requireRule(t, err, RuleIdentity)
}

func TestLoadRejectsUnknownFlowEndpoint(t *testing.T) {
	doc := `
name: bad
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: a
    flows:
      - {from: start, to: a}
      - {from: a, to: nowhere}
`
	_, err := Load([]byte(doc))
	requireRule(t, err, RuleFlowEndpoints)
}

func TestLoadRejectsDuplicateXORPriorities(t *testing.T) {
	doc := `
name: bad
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    conditions: [c1, c2]
    tasks:
      - id: decide
        split: xor
      - id: left
      - id: right
    flows:
      - {from: start, to: decide}
      - {from: decide, to: c1, predicate: "data.x > 1", priority: 1}
      - {from: decide, to: c2, predicate: "data.x < 1", priority: 1}
      - {from: c1, to: left}
      - {from: c2, to: right}
      - {from: left, to: done}
      - {from: right, to: done}
`
	_, err := Load([]byte(doc))
	requireRule(t, err, RuleXORPriorities)
}

func TestLoadRequiresDefaultArcForPredicatedSplit(t *testing.T) {
	doc := `
name: bad
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    conditions: [c1, c2]
    tasks:
      - id: decide
        split: xor
      - id: left
      - id: right
    flows:
      - {from: start, to: decide}
      - {from: decide, to: c1, predicate: "data.x > 1", priority: 1}
      - {from: decide, to: c2, predicate: "data.x < 1", priority: 2}
      - {from: c1, to: left}
      - {from: c2, to: right}
      - {from: left, to: done}
      - {from: right, to: done}
`
	_, err := Load([]byte(doc))
	requireRule(t, err, RuleDefaultArc)
}

func TestLoadRejectsCompositeCycle(t *testing.T) {
	doc := `
name: bad
version: "1"
root: outer
nets:
  - name: outer
    input: start
    output: done
    tasks:
      - id: sub
        kind: composite
        decomposition: inner
    flows:
      - {from: start, to: sub}
      - {from: sub, to: done}
  - name: inner
    input: start
    output: done
    tasks:
      - id: back
        kind: composite
        decomposition: outer
    flows:
      - {from: start, to: back}
      - {from: back, to: done}
`
	_, err := Load([]byte(doc))
	requireRule(t, err, RuleDecomposition)
}

func TestLoadRejectsBadMultiInstanceBounds(t *testing.T) {
	doc := `
name: bad
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: fan
        multiInstance: {min: 5, max: 2, threshold: 1, mode: static, selector: "data.parts"}
    flows:
      - {from: start, to: fan}
      - {from: fan, to: done}
`
	_, err := Load([]byte(doc))
	requireRule(t, err, RuleMultiInstance)
}

func TestLoadParsesProfileAndTimers(t *testing.T) {
	doc := `
name: profiled
version: "2"
root: main
execution:
  preferred: stateless
  maxDuration: PT5M
  allowHumanTasks: false
  fallbackToStateful: true
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: wait
        timer: 90s
    flows:
      - {from: start, to: wait}
      - {from: wait, to: done}
`
	s, err := Load([]byte(doc))
	require.NoError(t, err)
	require.NotNil(t, s.Profile)
	require.Equal(t, "stateless", s.Profile.Preferred)
	require.Equal(t, 5*time.Minute, s.Profile.MaxDuration)
	require.True(t, s.Profile.FallbackToStateful)
	require.Equal(t, 90*time.Second, s.LongestTimer())
}

func TestSerializeRoundTrip(t *testing.T) {
	original, err := Load([]byte(sequentialDoc))
	require.NoError(t, err)

	out, err := Serialize(original)
	require.NoError(t, err)

	reloaded, err := Load(out)
	require.NoError(t, err)

	require.Equal(t, original.ID, reloaded.ID)
	require.Equal(t, original.Root, reloaded.Root)
	require.Len(t, reloaded.Nets, len(original.Nets))
	for name, net := range original.Nets {
		other := reloaded.Nets[name]
		require.NotNil(t, other, "net %s lost in round trip", name)
		require.Len(t, other.Tasks, len(net.Tasks))
		require.Len(t, other.Flows, len(net.Flows))
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewCache(2)

	a := &Specification{ID: SpecID{Name: "a", Version: "1"}}
	b := &Specification{ID: SpecID{Name: "b", Version: "1"}}
	c := &Specification{ID: SpecID{Name: "c", Version: "1"}}

	cache.Put(a)
	cache.Put(b)
	_, err := cache.Get(a.ID) // touch a, b becomes the eviction candidate
	require.NoError(t, err)

	cache.Put(c)
	require.Equal(t, 2, cache.Len())

	_, err = cache.Get(b.ID)
	require.Error(t, err)
	_, err = cache.Get(a.ID)
	require.NoError(t, err)

	got, err := cache.Resolve("c:1")
	require.NoError(t, err)
	require.Same(t, c, got)
}

func requireRule(t *testing.T, err error, rule string) {
	t.Helper()
	require.Error(t, err)
	var specErr *InvalidSpecError
	require.True(t, errors.As(err, &specErr), "want InvalidSpecError, got %v", err)
	require.Equal(t, rule, specErr.Rule)
}
