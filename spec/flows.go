package spec

import (
	"fmt"

	"github.com/fluxwork/yawl/spec/expr"
)

// EnabledFlows evaluates a task's outgoing flows against the case data
// and returns those selected by the task's split code. Error arcs are
// excluded; they are only considered by ErrorFlows.
//
//   - AND: every outgoing flow fires.
//   - XOR: flows evaluated in priority order; the first true predicate
//     fires; the default arc covers the no-match case.
//   - OR: every flow with a true predicate fires; the default arc fires
//     when none matched.
func EnabledFlows(task *Task, net *Net, eval *expr.Evaluator, data map[string]any) ([]*Flow, error) {
	outgoing := nonErrorArcs(net.Outgoing(task.ID))
	if len(outgoing) == 0 {
		return nil, fmt.Errorf("task %q has no outgoing flows", task.ID)
	}

	act := expr.Activation{Data: data}

	switch task.Split {
	case SplitAND:
		return outgoing, nil

	case SplitXOR:
		var defaultArc *Flow
		for _, f := range outgoing {
			if f.IsDefault {
				defaultArc = f
				continue
			}
			if f.Predicate == "" {
				return []*Flow{f}, nil
			}
			match, err := eval.EvaluateBool(f.Predicate, act)
			if err != nil {
				return nil, fmt.Errorf("task %q XOR split: %w", task.ID, err)
			}
			if match {
				return []*Flow{f}, nil
			}
		}
		if defaultArc == nil {
			return nil, fmt.Errorf("task %q XOR split matched no flow and has no default arc", task.ID)
		}
		return []*Flow{defaultArc}, nil

	case SplitOR:
		var selected []*Flow
		var defaultArc *Flow
		for _, f := range outgoing {
			if f.IsDefault {
				defaultArc = f
			}
			if f.Predicate == "" {
				if !f.IsDefault {
					selected = append(selected, f)
				}
				continue
			}
			match, err := eval.EvaluateBool(f.Predicate, act)
			if err != nil {
				return nil, fmt.Errorf("task %q OR split: %w", task.ID, err)
			}
			if match {
				selected = append(selected, f)
			}
		}
		if len(selected) == 0 {
			if defaultArc == nil {
				return nil, fmt.Errorf("task %q OR split selected no flow and has no default arc", task.ID)
			}
			selected = []*Flow{defaultArc}
		}
		return selected, nil
	}

	return nil, fmt.Errorf("task %q has unknown split code %q", task.ID, task.Split)
}

// ErrorFlows evaluates the task's error arcs against a failed item's
// error payload. The first matching arc (by priority) fires; nil means
// the failure has no handler and escalates.
func ErrorFlows(task *Task, net *Net, eval *expr.Evaluator, data, errPayload map[string]any) (*Flow, error) {
	for _, f := range net.Outgoing(task.ID) {
		if !f.ErrorArc {
			continue
		}
		if f.Predicate == "" {
			return f, nil
		}
		match, err := eval.EvaluateBool(f.Predicate, expr.Activation{Data: data, Error: errPayload})
		if err != nil {
			return nil, fmt.Errorf("task %q error arc: %w", task.ID, err)
		}
		if match {
			return f, nil
		}
	}
	return nil, nil
}
