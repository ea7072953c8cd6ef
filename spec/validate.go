package spec

import "sort"

// validate runs all load-time structural invariants. Runtime code may
// assume these hold and never re-checks them.
func validate(s *Specification) error {
	if len(s.Nets) == 0 {
		return invalid(RuleRootNet, "specification declares no nets")
	}

	if s.Root == "" {
		return invalid(RuleRootNet, "specification does not mark a root net")
	}
	if _, ok := s.Nets[s.Root]; !ok {
		return invalid(RuleRootNet, "root net %q not declared", s.Root)
	}

	for _, name := range sortedNetNames(s) {
		if err := validateNet(s, s.Nets[name]); err != nil {
			return err
		}
	}

	return validateDecompositionsAcyclic(s)
}

func validateNet(s *Specification, net *Net) error {
	resolve := func(element string) bool {
		if net.IsCondition(element) {
			return true
		}
		_, isTask := net.Tasks[element]
		return isTask
	}

	// Every flow endpoint resolves to a declared element in the same net
	for _, f := range net.Flows {
		if !resolve(f.From) {
			return invalid(RuleFlowEndpoints, "net %q: flow source %q not declared", net.Name, f.From)
		}
		if !resolve(f.To) {
			return invalid(RuleFlowEndpoints, "net %q: flow target %q not declared", net.Name, f.To)
		}
	}

	// Input condition has no incoming flows; output has no outgoing
	if len(net.Incoming(net.InputCondition)) > 0 {
		return invalid(RuleInputCondition, "net %q: input condition %q has incoming flows", net.Name, net.InputCondition)
	}
	if len(net.Outgoing(net.OutputCondition)) > 0 {
		return invalid(RuleOutputCondition, "net %q: output condition %q has outgoing flows", net.Name, net.OutputCondition)
	}

	for _, taskID := range sortedTaskIDs(net) {
		task := net.Tasks[taskID]

		// Every task has at least one incoming and one outgoing flow
		if len(net.Incoming(task.ID)) == 0 {
			return invalid(RuleTaskFlows, "net %q: task %q has no incoming flows", net.Name, task.ID)
		}
		outgoing := net.Outgoing(task.ID)
		if len(outgoing) == 0 {
			return invalid(RuleTaskFlows, "net %q: task %q has no outgoing flows", net.Name, task.ID)
		}

		normal := nonErrorArcs(outgoing)

		// XOR splits define a total priority order over outgoing flows
		if task.Split == SplitXOR && len(normal) > 1 {
			seen := make(map[int]bool, len(normal))
			for _, f := range normal {
				if seen[f.Priority] {
					return invalid(RuleXORPriorities, "net %q: task %q XOR split has duplicate priority %d", net.Name, task.ID, f.Priority)
				}
				seen[f.Priority] = true
			}
		}

		// OR and XOR splits require a default arc when any flow is predicated
		if task.Split == SplitXOR || task.Split == SplitOR {
			predicated := false
			hasDefault := false
			for _, f := range normal {
				if f.Predicate != "" {
					predicated = true
				}
				if f.IsDefault {
					hasDefault = true
				}
			}
			if predicated && !hasDefault {
				return invalid(RuleDefaultArc, "net %q: task %q %s split has predicates but no default arc", net.Name, task.ID, task.Split)
			}
		}

		// Composite tasks reference a declared net
		if task.Kind == TaskComposite {
			if task.Decomposition == "" {
				return invalid(RuleDecomposition, "net %q: composite task %q names no decomposition", net.Name, task.ID)
			}
			if _, ok := s.Nets[task.Decomposition]; !ok {
				return invalid(RuleDecomposition, "net %q: task %q decomposition %q not declared", net.Name, task.ID, task.Decomposition)
			}
		}

		// Cancellation region members must resolve in the same net
		for _, element := range task.Cancels {
			if !resolve(element) {
				return invalid(RuleCancellation, "net %q: task %q cancellation region member %q not declared", net.Name, task.ID, element)
			}
		}

		if mi := task.MultiInstance; mi != nil {
			if mi.Min < 0 || mi.Max < mi.Min {
				return invalid(RuleMultiInstance, "net %q: task %q requires 0 <= min <= max", net.Name, task.ID)
			}
			if mi.Threshold < 0 || mi.Threshold > mi.Max {
				return invalid(RuleMultiInstance, "net %q: task %q requires 0 <= threshold <= max", net.Name, task.ID)
			}
			if mi.Mode == CreationStatic && mi.Selector == "" && mi.Min > 0 {
				return invalid(RuleMultiInstance, "net %q: task %q static multi-instance requires a selector", net.Name, task.ID)
			}
			if mi.Mode != CreationStatic && mi.Mode != CreationDynamic {
				return invalid(RuleMultiInstance, "net %q: task %q unknown creation mode %q", net.Name, task.ID, mi.Mode)
			}
		}
	}

	return nil
}

// validateDecompositionsAcyclic rejects composite reference cycles by DFS
func validateDecompositionsAcyclic(s *Specification) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	states := make(map[string]int, len(s.Nets))

	var visit func(name string) error
	visit = func(name string) error {
		switch states[name] {
		case visiting:
			return invalid(RuleDecomposition, "decomposition cycle through net %q", name)
		case done:
			return nil
		}
		states[name] = visiting

		net := s.Nets[name]
		for _, taskID := range sortedTaskIDs(net) {
			task := net.Tasks[taskID]
			if task.Kind == TaskComposite {
				if err := visit(task.Decomposition); err != nil {
					return err
				}
			}
		}

		states[name] = done
		return nil
	}

	for _, name := range sortedNetNames(s) {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

func nonErrorArcs(flows []*Flow) []*Flow {
	var normal []*Flow
	for _, f := range flows {
		if !f.ErrorArc {
			normal = append(normal, f)
		}
	}
	return normal
}

func sortedNetNames(s *Specification) []string {
	names := make([]string, 0, len(s.Nets))
	for name := range s.Nets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedTaskIDs(n *Net) []string {
	ids := make([]string, 0, len(n.Tasks))
	for id := range n.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
