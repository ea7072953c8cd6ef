package spec

import (
	"fmt"
	"time"
)

// JoinCode determines how incoming flows enable a task.
type JoinCode string

// SplitCode determines which outgoing flows carry tokens after a firing.
type SplitCode string

const (
	JoinAND JoinCode = "and"
	JoinOR  JoinCode = "or"
	JoinXOR JoinCode = "xor"

	SplitAND SplitCode = "and"
	SplitOR  SplitCode = "or"
	SplitXOR SplitCode = "xor"
)

// TaskKind is a closed set: atomic tasks produce work items, composite
// tasks expand into a child net.
type TaskKind string

const (
	TaskAtomic    TaskKind = "atomic"
	TaskComposite TaskKind = "composite"
)

// Direction of a task parameter.
type Direction string

const (
	DirIn    Direction = "in"
	DirOut   Direction = "out"
	DirInOut Direction = "inout"
)

// CreationMode for multi-instance tasks.
type CreationMode string

const (
	CreationStatic  CreationMode = "static"
	CreationDynamic CreationMode = "dynamic"
)

// AllocationMode for work item offers.
type AllocationMode string

const (
	ModeOfferAll   AllocationMode = "offer-all"
	ModeSinglePick AllocationMode = "single-pick"
	ModeQueue      AllocationMode = "queue"
)

// SpecID identifies a specification: (name, version) is globally unique.
type SpecID struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

func (id SpecID) String() string {
	return id.Name + ":" + id.Version
}

// Specification is the immutable, validated container of nets. It is
// never mutated after Load.
type Specification struct {
	ID      SpecID
	Root    string
	Nets    map[string]*Net
	Profile *ExecutionProfile
}

// Net is one decomposition level: places, tasks, flows.
type Net struct {
	Name            string
	InputCondition  string
	OutputCondition string
	Conditions      map[string]bool
	Tasks           map[string]*Task
	Flows           []*Flow

	// Indexed at load time
	incoming map[string][]*Flow
	outgoing map[string][]*Flow
}

// Task carries the join/split semantics and the work description.
type Task struct {
	ID            string
	Kind          TaskKind
	Join          JoinCode
	Split         SplitCode
	Decomposition string
	Parameters    []*Parameter
	MultiInstance *MultiInstance
	Cancels       []string // cancellation region: condition and task IDs
	Timer         time.Duration
	HumanTask     bool
	Urgent        bool
	Offer         *AllocationRule
	Compensation  []string // out-parameter names produced by a compensating item
	MaxAttempts   int      // 0 = engine default
	LeaseTTL      time.Duration
}

// Parameter is a typed input/output slot of a task.
type Parameter struct {
	Name      string
	Type      string // string, int, float, bool, list, map, any
	Direction Direction
	Required  bool
}

// MultiInstance configures expansion of a task into sibling work items.
type MultiInstance struct {
	Min       int
	Max       int
	Threshold int
	Mode      CreationMode
	Selector  string // CEL expression yielding the instance sequence
	More      string // CEL predicate: create another dynamic instance
}

// AllocationRule declares which workers a task's items are offered to.
type AllocationRule struct {
	Capabilities []string
	Preference   []string
	Mode         AllocationMode
}

// Flow is a directed, optionally predicated edge between net elements.
type Flow struct {
	From      string
	To        string
	Predicate string // CEL over case data; empty = unconditional
	Priority  int    // XOR/OR evaluation order, lower first
	IsDefault bool
	ErrorArc  bool // evaluates on the error payload of a failed item
}

// ExecutionProfile hints the engine selector.
type ExecutionProfile struct {
	Preferred          string // "stateful" or "stateless"
	MaxDuration        time.Duration
	AllowHumanTasks    bool
	FallbackToStateful bool
}

// Net lookups. All O(1) against indexes built at load time.

// Incoming returns flows whose target is the given element
func (n *Net) Incoming(element string) []*Flow {
	return n.incoming[element]
}

// Outgoing returns flows whose source is the given element
func (n *Net) Outgoing(element string) []*Flow {
	return n.outgoing[element]
}

// IsCondition reports whether the element names a place in this net
func (n *Net) IsCondition(element string) bool {
	return n.Conditions[element] || element == n.InputCondition || element == n.OutputCondition
}

// Net returns the named net
func (s *Specification) Net(name string) (*Net, error) {
	n, ok := s.Nets[name]
	if !ok {
		return nil, fmt.Errorf("net %q not declared in specification %s", name, s.ID)
	}
	return n, nil
}

// RootNet returns the entry net
func (s *Specification) RootNet() *Net {
	return s.Nets[s.Root]
}

// HasHumanTasks reports whether any net declares a human task
func (s *Specification) HasHumanTasks() bool {
	for _, net := range s.Nets {
		for _, t := range net.Tasks {
			if t.HumanTask {
				return true
			}
		}
	}
	return false
}

// HasCompositeTasks reports whether any net declares a composite task
func (s *Specification) HasCompositeTasks() bool {
	for _, net := range s.Nets {
		for _, t := range net.Tasks {
			if t.Kind == TaskComposite {
				return true
			}
		}
	}
	return false
}

// LongestTimer returns the longest timer declared by any task
func (s *Specification) LongestTimer() time.Duration {
	var longest time.Duration
	for _, net := range s.Nets {
		for _, t := range net.Tasks {
			if t.Timer > longest {
				longest = t.Timer
			}
		}
	}
	return longest
}

// InParameters returns the task's in and inout parameters
func (t *Task) InParameters() []*Parameter {
	var params []*Parameter
	for _, p := range t.Parameters {
		if p.Direction == DirIn || p.Direction == DirInOut {
			params = append(params, p)
		}
	}
	return params
}

// OutParameters returns the task's out and inout parameters
func (t *Task) OutParameters() []*Parameter {
	var params []*Parameter
	for _, p := range t.Parameters {
		if p.Direction == DirOut || p.Direction == DirInOut {
			params = append(params, p)
		}
	}
	return params
}

// IsMultiInstance reports whether the task expands into sibling items
func (t *Task) IsMultiInstance() bool {
	return t.MultiInstance != nil
}

// HasCancellationRegion reports whether the task removes tokens on firing
func (t *Task) HasCancellationRegion() bool {
	return len(t.Cancels) > 0
}
