package spec

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fluxwork/yawl/common/config"
)

// InvalidSpecError names the structural rule a document violated.
// Load never returns a partially constructed specification.
type InvalidSpecError struct {
	Rule   string
	Detail string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid specification: %s: %s", e.Rule, e.Detail)
}

func invalid(rule, format string, args ...any) error {
	return &InvalidSpecError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// Validation rule names, stable for callers and tests.
const (
	RuleDocument         = "document"
	RuleIdentity         = "identity"
	RuleRootNet          = "root-net"
	RuleFlowEndpoints    = "flow-endpoints"
	RuleInputCondition   = "input-condition"
	RuleOutputCondition  = "output-condition"
	RuleTaskFlows        = "task-flows"
	RuleXORPriorities    = "xor-priorities"
	RuleDefaultArc       = "default-arc"
	RuleDecomposition    = "decomposition"
	RuleMultiInstance    = "multi-instance"
	RuleCancellation     = "cancellation-region"
	RuleExecutionProfile = "execution-profile"
)

// Wire document shapes. YAML is the canonical format; JSON documents
// parse through the same path since yaml.v3 accepts JSON.

type specDoc struct {
	Name      string      `yaml:"name"`
	Version   string      `yaml:"version"`
	Root      string      `yaml:"root"`
	Nets      []netDoc    `yaml:"nets"`
	Execution *profileDoc `yaml:"execution,omitempty"`
}

type netDoc struct {
	Name       string    `yaml:"name"`
	Input      string    `yaml:"input"`
	Output     string    `yaml:"output"`
	Conditions []string  `yaml:"conditions,omitempty"`
	Tasks      []taskDoc `yaml:"tasks"`
	Flows      []flowDoc `yaml:"flows"`
}

type taskDoc struct {
	ID            string     `yaml:"id"`
	Kind          string     `yaml:"kind,omitempty"` // defaults to atomic
	Join          string     `yaml:"join,omitempty"` // defaults to and
	Split         string     `yaml:"split,omitempty"`
	Decomposition string     `yaml:"decomposition,omitempty"`
	Parameters    []paramDoc `yaml:"parameters,omitempty"`
	MultiInstance *miDoc     `yaml:"multiInstance,omitempty"`
	Cancels       []string   `yaml:"cancels,omitempty"`
	Timer         string     `yaml:"timer,omitempty"`
	Human         bool       `yaml:"human,omitempty"`
	Urgent        bool       `yaml:"urgent,omitempty"`
	Offer         *offerDoc  `yaml:"offer,omitempty"`
	Compensation  []string   `yaml:"compensation,omitempty"`
	MaxAttempts   int        `yaml:"maxAttempts,omitempty"`
	LeaseTTL      string     `yaml:"leaseTTL,omitempty"`
}

type paramDoc struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Direction string `yaml:"direction"`
	Required  bool   `yaml:"required,omitempty"`
}

type miDoc struct {
	Min       int    `yaml:"min"`
	Max       int    `yaml:"max"`
	Threshold int    `yaml:"threshold"`
	Mode      string `yaml:"mode"`
	Selector  string `yaml:"selector,omitempty"`
	More      string `yaml:"more,omitempty"`
}

type offerDoc struct {
	Capabilities []string `yaml:"capabilities"`
	Preference   []string `yaml:"preference,omitempty"`
	Mode         string   `yaml:"mode,omitempty"`
}

type flowDoc struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Predicate string `yaml:"predicate,omitempty"`
	Priority  int    `yaml:"priority,omitempty"`
	Default   bool   `yaml:"default,omitempty"`
	ErrorArc  bool   `yaml:"errorArc,omitempty"`
}

type profileDoc struct {
	Preferred          string `yaml:"preferred"`
	MaxDuration        string `yaml:"maxDuration,omitempty"`
	AllowHumanTasks    bool   `yaml:"allowHumanTasks"`
	FallbackToStateful bool   `yaml:"fallbackToStateful"`
}

// Load parses and validates a specification document. On success the
// returned specification is immutable and safe for concurrent use.
func Load(data []byte) (*Specification, error) {
	var doc specDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, invalid(RuleDocument, "parse failed: %v", err)
	}

	if doc.Name == "" || doc.Version == "" {
		return nil, invalid(RuleIdentity, "specification requires name and version")
	}

	s := &Specification{
		ID:   SpecID{Name: doc.Name, Version: doc.Version},
		Root: doc.Root,
		Nets: make(map[string]*Net, len(doc.Nets)),
	}

	if doc.Execution != nil {
		profile, err := buildProfile(doc.Execution)
		if err != nil {
			return nil, err
		}
		s.Profile = profile
	}

	for i := range doc.Nets {
		net, err := buildNet(&doc.Nets[i])
		if err != nil {
			return nil, err
		}
		if _, dup := s.Nets[net.Name]; dup {
			return nil, invalid(RuleRootNet, "net %q declared twice", net.Name)
		}
		s.Nets[net.Name] = net
	}

	if err := validate(s); err != nil {
		return nil, err
	}

	return s, nil
}

func buildProfile(doc *profileDoc) (*ExecutionProfile, error) {
	p := &ExecutionProfile{
		Preferred:          doc.Preferred,
		AllowHumanTasks:    doc.AllowHumanTasks,
		FallbackToStateful: doc.FallbackToStateful,
	}
	if p.Preferred != "stateful" && p.Preferred != "stateless" {
		return nil, invalid(RuleExecutionProfile, "preferred must be stateful or stateless, got %q", doc.Preferred)
	}
	if doc.MaxDuration != "" {
		d, err := config.ParseISODuration(doc.MaxDuration)
		if err != nil {
			return nil, invalid(RuleExecutionProfile, "maxDuration: %v", err)
		}
		p.MaxDuration = d
	}
	return p, nil
}

func buildNet(doc *netDoc) (*Net, error) {
	if doc.Name == "" {
		return nil, invalid(RuleRootNet, "net requires a name")
	}
	if doc.Input == "" || doc.Output == "" {
		return nil, invalid(RuleInputCondition, "net %q requires input and output conditions", doc.Name)
	}

	net := &Net{
		Name:            doc.Name,
		InputCondition:  doc.Input,
		OutputCondition: doc.Output,
		Conditions:      make(map[string]bool, len(doc.Conditions)),
		Tasks:           make(map[string]*Task, len(doc.Tasks)),
		incoming:        make(map[string][]*Flow),
		outgoing:        make(map[string][]*Flow),
	}

	for _, c := range doc.Conditions {
		net.Conditions[c] = true
	}

	for i := range doc.Tasks {
		task, err := buildTask(&doc.Tasks[i], doc.Name)
		if err != nil {
			return nil, err
		}
		if _, dup := net.Tasks[task.ID]; dup {
			return nil, invalid(RuleTaskFlows, "net %q: task %q declared twice", doc.Name, task.ID)
		}
		net.Tasks[task.ID] = task
	}

	for i := range doc.Flows {
		fd := &doc.Flows[i]
		flow := &Flow{
			From:      fd.From,
			To:        fd.To,
			Predicate: fd.Predicate,
			Priority:  fd.Priority,
			IsDefault: fd.Default,
			ErrorArc:  fd.ErrorArc,
		}
		net.Flows = append(net.Flows, flow)
		net.incoming[flow.To] = append(net.incoming[flow.To], flow)
		net.outgoing[flow.From] = append(net.outgoing[flow.From], flow)
	}

	// Stable priority order for split evaluation
	for _, flows := range net.outgoing {
		sort.SliceStable(flows, func(i, j int) bool {
			return flows[i].Priority < flows[j].Priority
		})
	}

	return net, nil
}

func buildTask(doc *taskDoc, netName string) (*Task, error) {
	task := &Task{
		ID:            doc.ID,
		Kind:          TaskKind(defaultStr(doc.Kind, string(TaskAtomic))),
		Join:          JoinCode(defaultStr(doc.Join, string(JoinAND))),
		Split:         SplitCode(defaultStr(doc.Split, string(SplitAND))),
		Decomposition: doc.Decomposition,
		Cancels:       doc.Cancels,
		HumanTask:     doc.Human,
		Urgent:        doc.Urgent,
		Compensation:  doc.Compensation,
		MaxAttempts:   doc.MaxAttempts,
	}

	if task.ID == "" {
		return nil, invalid(RuleTaskFlows, "net %q: task requires an id", netName)
	}

	switch task.Kind {
	case TaskAtomic, TaskComposite:
	default:
		return nil, invalid(RuleTaskFlows, "task %q: unknown kind %q", task.ID, task.Kind)
	}

	switch task.Join {
	case JoinAND, JoinOR, JoinXOR:
	default:
		return nil, invalid(RuleTaskFlows, "task %q: unknown join code %q", task.ID, task.Join)
	}

	switch task.Split {
	case SplitAND, SplitOR, SplitXOR:
	default:
		return nil, invalid(RuleTaskFlows, "task %q: unknown split code %q", task.ID, task.Split)
	}

	if doc.Timer != "" {
		d, err := time.ParseDuration(doc.Timer)
		if err != nil {
			return nil, invalid(RuleTaskFlows, "task %q: bad timer %q: %v", task.ID, doc.Timer, err)
		}
		task.Timer = d
	}

	if doc.LeaseTTL != "" {
		d, err := time.ParseDuration(doc.LeaseTTL)
		if err != nil {
			return nil, invalid(RuleTaskFlows, "task %q: bad leaseTTL %q: %v", task.ID, doc.LeaseTTL, err)
		}
		task.LeaseTTL = d
	}

	for _, pd := range doc.Parameters {
		dir := Direction(pd.Direction)
		switch dir {
		case DirIn, DirOut, DirInOut:
		default:
			return nil, invalid(RuleTaskFlows, "task %q: parameter %q has unknown direction %q", task.ID, pd.Name, pd.Direction)
		}
		task.Parameters = append(task.Parameters, &Parameter{
			Name:      pd.Name,
			Type:      defaultStr(pd.Type, "any"),
			Direction: dir,
			Required:  pd.Required,
		})
	}

	if doc.MultiInstance != nil {
		mi := &MultiInstance{
			Min:       doc.MultiInstance.Min,
			Max:       doc.MultiInstance.Max,
			Threshold: doc.MultiInstance.Threshold,
			Mode:      CreationMode(defaultStr(doc.MultiInstance.Mode, string(CreationStatic))),
			Selector:  doc.MultiInstance.Selector,
			More:      doc.MultiInstance.More,
		}
		task.MultiInstance = mi
	}

	if doc.Offer != nil {
		task.Offer = &AllocationRule{
			Capabilities: doc.Offer.Capabilities,
			Preference:   doc.Offer.Preference,
			Mode:         AllocationMode(defaultStr(doc.Offer.Mode, string(ModeOfferAll))),
		}
		switch task.Offer.Mode {
		case ModeOfferAll, ModeSinglePick, ModeQueue:
		default:
			return nil, invalid(RuleTaskFlows, "task %q: unknown allocation mode %q", task.ID, task.Offer.Mode)
		}
	}

	return task, nil
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
