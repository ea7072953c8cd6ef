package runner

import (
	"github.com/fluxwork/yawl/spec"
	"github.com/fluxwork/yawl/state"
)

// orJoinPending decides the non-local part of OR-join enablement: the
// join must wait while some unmarked source place could still receive a
// token. Exact reachability over the coloured net is undecidable once
// predicates enter the picture, so this runs a saturating
// over-approximation on the residual net: predicates are ignored and
// every transition structurally able to fire is assumed to. The
// approximation errs on the side of waiting, which preserves the
// at-most-one-activation guarantee of the join.
func orJoinPending(net *spec.Net, cs *state.CaseState, join *spec.Task) bool {
	unmarked := make(map[string]bool)
	for _, place := range joinSources(net, join) {
		if !cs.Marking.IsMarked(place) {
			unmarked[place] = true
		}
	}
	if len(unmarked) == 0 {
		return false
	}

	reachable := saturate(net, cs, join)
	for place := range unmarked {
		if reachable[place] {
			return true
		}
	}
	return false
}

// saturate computes the set of places that can ever hold a token when
// firing forward from the current marking, with the join task itself
// frozen. Open firings count as well: a task between consumption and
// production will produce on its outgoing flows, even though its input
// tokens are no longer in the marking. Token counts are abstracted to
// marked/unmarked, so the fixpoint terminates in at most |places|
// iterations.
func saturate(net *spec.Net, cs *state.CaseState, frozen *spec.Task) map[string]bool {
	reachable := make(map[string]bool, len(cs.Marking))
	for place, n := range cs.Marking {
		if n > 0 {
			reachable[place] = true
		}
	}

	for _, firing := range cs.Firings {
		task, ok := net.Tasks[firing.TaskID]
		if !ok || task.ID == frozen.ID {
			continue
		}
		for _, f := range nonErrorOutgoing(net, task) {
			reachable[flowTarget(net, f)] = true
		}
	}

	for {
		grew := false
		for _, task := range net.Tasks {
			if task.ID == frozen.ID {
				continue
			}
			if !structurallyEnabled(net, reachable, task) {
				continue
			}
			for _, f := range nonErrorOutgoing(net, task) {
				target := flowTarget(net, f)
				if !reachable[target] {
					reachable[target] = true
					grew = true
				}
			}
			// Cancellation regions only remove tokens; removal never
			// adds reachable places, so the over-approximation ignores it.
		}
		if !grew {
			return reachable
		}
	}
}

// structurallyEnabled mirrors isEnabled against an abstract marking,
// with OR joins weakened to "any source reachable" since the abstract
// domain cannot settle their non-local condition.
func structurallyEnabled(net *spec.Net, reachable map[string]bool, task *spec.Task) bool {
	sources := joinSources(net, task)
	if len(sources) == 0 {
		return false
	}

	if task.Join == spec.JoinAND {
		for _, place := range sources {
			if !reachable[place] {
				return false
			}
		}
		return true
	}

	for _, place := range sources {
		if reachable[place] {
			return true
		}
	}
	return false
}

func nonErrorOutgoing(net *spec.Net, task *spec.Task) []*spec.Flow {
	var out []*spec.Flow
	for _, f := range net.Outgoing(task.ID) {
		if !f.ErrorArc {
			out = append(out, f)
		}
	}
	return out
}
