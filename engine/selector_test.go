package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxwork/yawl/common/config"
	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/spec"
)

func loadSpec(t *testing.T, doc string) *spec.Specification {
	t.Helper()
	s, err := spec.Load([]byte(doc))
	require.NoError(t, err)
	return s
}

func newTestSelector(statelessUp func() bool) *Selector {
	cfg := config.EngineConfig{
		Default:              config.EngineStateful,
		StatelessEnabled:     true,
		StatelessMaxDuration: 5 * time.Minute,
		OverrideAllowed:      true,
	}
	return NewSelector(cfg, logger.New("error", "text"), statelessUp)
}

const plainSpecDoc = `
name: plain
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: work
        decomposition: svc
    flows:
      - {from: start, to: work}
      - {from: work, to: done}
`

const statelessSpecDoc = `
name: scoring
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: score
        decomposition: svc
    flows:
      - {from: start, to: score}
      - {from: score, to: done}
execution:
  preferred: stateless
  allowHumanTasks: false
  fallbackToStateful: true
`

const statelessNoFallbackDoc = `
name: scoring
version: "2"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: score
        decomposition: svc
    flows:
      - {from: start, to: score}
      - {from: score, to: done}
execution:
  preferred: stateless
  allowHumanTasks: false
  fallbackToStateful: false
`

const humanSpecDoc = `
name: approvals
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: approve
        decomposition: svc
        human: true
    flows:
      - {from: start, to: approve}
      - {from: approve, to: done}
execution:
  preferred: stateless
  allowHumanTasks: %s
  fallbackToStateful: true
`

const compositeSpecDoc = `
name: nested
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: audit
        kind: composite
        decomposition: sub
    flows:
      - {from: start, to: audit}
      - {from: audit, to: done}
  - name: sub
    input: s0
    output: s1
    tasks:
      - id: check
        decomposition: svc
    flows:
      - {from: s0, to: check}
      - {from: check, to: s1}
execution:
  preferred: stateless
  allowHumanTasks: true
  fallbackToStateful: true
`

const longTimerSpecDoc = `
name: escalation
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: wait
        timer: 10m
    flows:
      - {from: start, to: wait}
      - {from: wait, to: done}
execution:
  preferred: stateless
  allowHumanTasks: false
  fallbackToStateful: true
`

func humanDoc(allow string) string {
	return fmt.Sprintf(humanSpecDoc, allow)
}

func TestChooseStatefulWithoutProfile(t *testing.T) {
	sel, err := newTestSelector(nil).Choose(loadSpec(t, plainSpecDoc), "", "")
	require.NoError(t, err)
	require.Equal(t, config.EngineStateful, sel.Engine)
	require.Equal(t, ReasonNoProfile, sel.Reason)
}

func TestChoosePreferredStateless(t *testing.T) {
	sel, err := newTestSelector(nil).Choose(loadSpec(t, statelessSpecDoc), "", "")
	require.NoError(t, err)
	require.Equal(t, config.EngineStateless, sel.Engine)
	require.Equal(t, ReasonStateless, sel.Reason)
}

func TestChooseCompositeRequiresStateful(t *testing.T) {
	sel, err := newTestSelector(nil).Choose(loadSpec(t, compositeSpecDoc), "", "")
	require.NoError(t, err)
	require.Equal(t, config.EngineStateful, sel.Engine)
	require.Equal(t, ReasonCompositeTasks, sel.Reason)
}

func TestChooseRejectsDisallowedHumanTasks(t *testing.T) {
	_, err := newTestSelector(nil).Choose(loadSpec(t, humanDoc("false")), "", "")
	require.True(t, enginerr.IsKind(err, enginerr.KindRoutingRejected))
}

func TestChooseAllowsHumanTasksWhenProfilePermits(t *testing.T) {
	sel, err := newTestSelector(nil).Choose(loadSpec(t, humanDoc("true")), "", "")
	require.NoError(t, err)
	require.Equal(t, config.EngineStateless, sel.Engine)
}

func TestChooseTimerBeyondThresholdRoutesStateful(t *testing.T) {
	// 10m timer against the 5m stateless limit
	sel, err := newTestSelector(nil).Choose(loadSpec(t, longTimerSpecDoc), "", "")
	require.NoError(t, err)
	require.Equal(t, config.EngineStateful, sel.Engine)
	require.Equal(t, ReasonTimerThreshold, sel.Reason)
}

func TestChooseFallsBackWhenStatelessDown(t *testing.T) {
	down := func() bool { return false }

	sel, err := newTestSelector(down).Choose(loadSpec(t, statelessSpecDoc), "", "")
	require.NoError(t, err)
	require.Equal(t, config.EngineStateful, sel.Engine)
	require.Equal(t, ReasonStatelessFallback, sel.Reason)
}

func TestChooseFailsWhenStatelessDownWithoutFallback(t *testing.T) {
	down := func() bool { return false }

	_, err := newTestSelector(down).Choose(loadSpec(t, statelessNoFallbackDoc), "", "")
	require.True(t, enginerr.IsKind(err, enginerr.KindServiceUnavailable))
}

func TestOverrideRequiresAdminRole(t *testing.T) {
	s := newTestSelector(nil)
	sp := loadSpec(t, plainSpecDoc)

	_, err := s.Choose(sp, config.EngineStateless, "")
	require.True(t, enginerr.IsKind(err, enginerr.KindPreconditionViolated))

	_, err = s.Choose(sp, config.EngineStateless, "analyst")
	require.True(t, enginerr.IsKind(err, enginerr.KindPreconditionViolated))
}

func TestOverrideRequiresConfigFlag(t *testing.T) {
	cfg := config.EngineConfig{
		Default:          config.EngineStateful,
		StatelessEnabled: true,
		OverrideAllowed:  false,
	}
	s := NewSelector(cfg, logger.New("error", "text"), nil)

	_, err := s.Choose(loadSpec(t, plainSpecDoc), config.EngineStateless, RoleEngineAdmin)
	require.True(t, enginerr.IsKind(err, enginerr.KindPreconditionViolated))
}

func TestOverrideByAdminIsHonoured(t *testing.T) {
	s := newTestSelector(nil)

	sel, err := s.Choose(loadSpec(t, plainSpecDoc), config.EngineStateless, RoleEngineAdmin)
	require.NoError(t, err)
	require.Equal(t, config.EngineStateless, sel.Engine)
	require.Equal(t, ReasonAdminOverride, sel.Reason)

	// Stateful is always a viable override target
	sel, err = s.Choose(loadSpec(t, statelessSpecDoc), config.EngineStateful, RoleEngineAdmin)
	require.NoError(t, err)
	require.Equal(t, config.EngineStateful, sel.Engine)
	require.Equal(t, ReasonAdminOverride, sel.Reason)
}

func TestOverrideCannotForceCompositeOntoStateless(t *testing.T) {
	_, err := newTestSelector(nil).Choose(loadSpec(t, compositeSpecDoc), config.EngineStateless, RoleEngineAdmin)
	require.True(t, enginerr.IsKind(err, enginerr.KindRoutingRejected))
}
