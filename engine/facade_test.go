package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/fluxwork/yawl/allocator"
	"github.com/fluxwork/yawl/common/config"
	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/state"
	"github.com/fluxwork/yawl/workitem"
)

func testConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{
			Name:      "yawl-test",
			Port:      8080,
			LogLevel:  "error",
			LogFormat: "text",
		},
		Engine: config.EngineConfig{
			Default:              config.EngineStateful,
			StatelessEnabled:     true,
			StatelessMaxDuration: 5 * time.Minute,
			OverrideAllowed:      true,
			LeaseDefaultTTL:      30 * time.Second,
			MaxAttemptsDefault:   3,
			SpecCacheSize:        16,
		},
	}
}

func newTestFacade(t *testing.T, docs ...string) *Facade {
	t.Helper()
	f := NewFacade(FacadeOpts{
		Config: testConfig(),
		Logger: logger.New("error", "text"),
	})
	f.Allocator().RegisterWorker(&allocator.Worker{
		ID:              "w1",
		ConcurrentLimit: 4,
		Available:       true,
		AvailableSince:  time.Now(),
	})
	for _, doc := range docs {
		_, err := f.LoadSpecification([]byte(doc))
		require.NoError(t, err)
	}
	return f
}

func TestFacadeRoutesStatefulByDefault(t *testing.T) {
	f := newTestFacade(t, plainSpecDoc)

	res, err := f.Launch(context.Background(), LaunchRequest{SpecRef: "plain:1"})
	require.NoError(t, err)
	require.Equal(t, config.EngineStateful, res.Engine)
	require.Equal(t, ReasonNoProfile, res.Reason)

	view, err := f.GetCase(res.CaseID)
	require.NoError(t, err)
	require.Equal(t, state.LifecycleExecuting, view.Lifecycle)
	require.Equal(t, config.EngineStateful, view.EngineUsed)
	require.Equal(t, ReasonNoProfile, view.SelectionReason)
	require.Len(t, view.LiveItems, 1)
}

func TestFacadeStatelessCaseCustody(t *testing.T) {
	f := newTestFacade(t, `
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
        parameters:
          - {name: amount, type: number, direction: in}
          - {name: score, type: number, direction: out}
    flows:
      - {from: start, to: score}
      - {from: score, to: done}
execution:
  preferred: stateless
  allowHumanTasks: false
  fallbackToStateful: true
`)
	ctx := context.Background()

	res, err := f.Launch(ctx, LaunchRequest{
		SpecRef: "scoring:1",
		Data:    map[string]any{"amount": 250.0},
	})
	require.NoError(t, err)
	require.Equal(t, config.EngineStateless, res.Engine)
	require.Equal(t, ReasonStateless, res.Reason)

	items, err := f.ListLiveWorkItems(res.CaseID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, workitem.StateOffered, items[0].State)

	inputs, lease, err := f.Checkout(ctx, items[0].ID, "w1")
	require.NoError(t, err)
	require.Equal(t, 250.0, inputs["amount"])
	require.False(t, lease.IsZero())

	renewed, err := f.Heartbeat(ctx, items[0].ID, "w1")
	require.NoError(t, err)
	require.False(t, renewed.IsZero())

	require.NoError(t, f.Checkin(ctx, items[0].ID, "w1", map[string]any{"score": 7.0}, nil))

	view, err := f.GetCase(res.CaseID)
	require.NoError(t, err)
	require.Equal(t, state.LifecycleCompleted, view.Lifecycle)
	require.Equal(t, config.EngineStateless, view.EngineUsed)
	require.Equal(t, 7.0, view.Data["score"])
	require.Empty(t, view.LiveItems)
}

func TestFacadeCancelIsIdempotent(t *testing.T) {
	f := newTestFacade(t, plainSpecDoc)
	ctx := context.Background()

	res, err := f.Launch(ctx, LaunchRequest{SpecRef: "plain:1"})
	require.NoError(t, err)

	require.NoError(t, f.Cancel(ctx, res.CaseID))
	require.NoError(t, f.Cancel(ctx, res.CaseID))

	view, err := f.GetCase(res.CaseID)
	require.NoError(t, err)
	require.Equal(t, state.LifecycleCancelled, view.Lifecycle)
}

func TestFacadeRejectsOverrideWithoutRole(t *testing.T) {
	f := newTestFacade(t, plainSpecDoc)

	_, err := f.Launch(context.Background(), LaunchRequest{
		SpecRef:  "plain:1",
		Override: config.EngineStateless,
	})
	require.True(t, enginerr.IsKind(err, enginerr.KindPreconditionViolated))
}

func TestFacadeCheckinFailureFailsCase(t *testing.T) {
	f := newTestFacade(t, `
name: fragile
version: "1"
root: main
nets:
  - name: main
    input: start
    output: done
    tasks:
      - id: charge
        decomposition: svc
        maxAttempts: 1
    flows:
      - {from: start, to: charge}
      - {from: charge, to: done}
`)
	ctx := context.Background()

	res, err := f.Launch(ctx, LaunchRequest{SpecRef: "fragile:1"})
	require.NoError(t, err)

	items, err := f.ListLiveWorkItems(res.CaseID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, _, err = f.Checkout(ctx, items[0].ID, "w1")
	require.NoError(t, err)
	require.NoError(t, f.Checkin(ctx, items[0].ID, "w1", nil, map[string]any{"code": "E_DECLINED"}))

	view, err := f.GetCase(res.CaseID)
	require.NoError(t, err)
	require.Equal(t, state.LifecycleFailed, view.Lifecycle)
}

func TestFacadeCompositeRunsSubCaseInStatefulEngine(t *testing.T) {
	f := newTestFacade(t, `
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
        parameters:
          - {name: order, type: string, direction: in}
          - {name: approved, type: bool, direction: out}
    flows:
      - {from: start, to: audit}
      - {from: audit, to: done}
  - name: sub
    input: s0
    output: s1
    tasks:
      - id: check
        decomposition: svc
        parameters:
          - {name: approved, type: bool, direction: out}
    flows:
      - {from: s0, to: check}
      - {from: check, to: s1}
execution:
  preferred: stateless
  allowHumanTasks: true
  fallbackToStateful: true
`)
	ctx := context.Background()

	res, err := f.Launch(ctx, LaunchRequest{
		SpecRef: "nested:1",
		Data:    map[string]any{"order": "o-42"},
	})
	require.NoError(t, err)
	require.Equal(t, config.EngineStateful, res.Engine)
	require.Equal(t, ReasonCompositeTasks, res.Reason)

	// The only live item belongs to the sub-case
	items, err := f.ListLiveWorkItems("")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "check", items[0].TaskID)
	require.NotEqual(t, res.CaseID, items[0].CaseID)

	subView, err := f.GetCase(items[0].CaseID)
	require.NoError(t, err)
	require.Equal(t, "sub-case", subView.SelectionReason)

	_, _, err = f.Checkout(ctx, items[0].ID, "w1")
	require.NoError(t, err)
	require.NoError(t, f.Checkin(ctx, items[0].ID, "w1", map[string]any{"approved": true}, nil))

	view, err := f.GetCase(res.CaseID)
	require.NoError(t, err)
	require.Equal(t, state.LifecycleCompleted, view.Lifecycle)
	require.Equal(t, true, view.Data["approved"])
}

func TestSweepRefreshesItemGauge(t *testing.T) {
	f := newTestFacade(t, plainSpecDoc)
	ctx := context.Background()

	_, err := f.Launch(ctx, LaunchRequest{SpecRef: "plain:1"})
	require.NoError(t, err)
	require.NoError(t, f.Sweep(ctx))

	gauge := func(st workitem.State) float64 {
		return testutil.ToFloat64(f.m.ItemsByState.WithLabelValues(string(st)))
	}
	require.Equal(t, 1.0, gauge(workitem.StateOffered))
	require.Equal(t, 0.0, gauge(workitem.StateAllocated))
}

func TestCaseViewIsDetached(t *testing.T) {
	f := newTestFacade(t, plainSpecDoc)

	res, err := f.Launch(context.Background(), LaunchRequest{
		SpecRef: "plain:1",
		Data:    map[string]any{"order": map[string]any{"total": 40.0}},
	})
	require.NoError(t, err)

	view, err := f.GetCase(res.CaseID)
	require.NoError(t, err)
	require.Len(t, view.LiveItems, 1)

	// Scribbling over the view must not reach the live case
	view.Data["order"].(map[string]any)["total"] = -1.0
	view.Data["injected"] = true
	view.Marking["start"] = 99
	view.LiveItems[0].State = workitem.StateFailed
	view.LiveItems[0].Assignee = "mallory"
	view.LiveItems[0].History = append(view.LiveItems[0].History, workitem.Transition{})

	fresh, err := f.GetCase(res.CaseID)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"order": map[string]any{"total": 40.0}}, fresh.Data)
	require.Zero(t, fresh.Marking["start"])
	require.Equal(t, workitem.StateOffered, fresh.LiveItems[0].State)
	require.Equal(t, "", fresh.LiveItems[0].Assignee)
}

func TestFacadeGetCaseUnknown(t *testing.T) {
	f := newTestFacade(t)

	_, err := f.GetCase("nope")
	require.True(t, enginerr.IsKind(err, enginerr.KindCaseNotFound))
}
