package spec

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Serialize renders the specification back to a YAML document. The
// output reloads to a semantically identical specification; byte
// equality with the original document is not guaranteed.
func Serialize(s *Specification) ([]byte, error) {
	doc := specDoc{
		Name:    s.ID.Name,
		Version: s.ID.Version,
		Root:    s.Root,
	}

	if s.Profile != nil {
		doc.Execution = &profileDoc{
			Preferred:          s.Profile.Preferred,
			AllowHumanTasks:    s.Profile.AllowHumanTasks,
			FallbackToStateful: s.Profile.FallbackToStateful,
		}
		if s.Profile.MaxDuration > 0 {
			doc.Execution.MaxDuration = formatISODuration(s.Profile.MaxDuration)
		}
	}

	for _, netName := range sortedNetNames(s) {
		net := s.Nets[netName]
		nd := netDoc{
			Name:   net.Name,
			Input:  net.InputCondition,
			Output: net.OutputCondition,
		}

		for c := range net.Conditions {
			nd.Conditions = append(nd.Conditions, c)
		}
		sort.Strings(nd.Conditions)

		for _, taskID := range sortedTaskIDs(net) {
			nd.Tasks = append(nd.Tasks, taskToDoc(net.Tasks[taskID]))
		}

		for _, f := range net.Flows {
			nd.Flows = append(nd.Flows, flowDoc{
				From:      f.From,
				To:        f.To,
				Predicate: f.Predicate,
				Priority:  f.Priority,
				Default:   f.IsDefault,
				ErrorArc:  f.ErrorArc,
			})
		}

		doc.Nets = append(doc.Nets, nd)
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize specification %s: %w", s.ID, err)
	}
	return out, nil
}

func taskToDoc(t *Task) taskDoc {
	td := taskDoc{
		ID:            t.ID,
		Kind:          string(t.Kind),
		Join:          string(t.Join),
		Split:         string(t.Split),
		Decomposition: t.Decomposition,
		Cancels:       t.Cancels,
		Human:         t.HumanTask,
		Urgent:        t.Urgent,
		Compensation:  t.Compensation,
		MaxAttempts:   t.MaxAttempts,
	}

	if t.Timer > 0 {
		td.Timer = t.Timer.String()
	}
	if t.LeaseTTL > 0 {
		td.LeaseTTL = t.LeaseTTL.String()
	}

	for _, p := range t.Parameters {
		td.Parameters = append(td.Parameters, paramDoc{
			Name:      p.Name,
			Type:      p.Type,
			Direction: string(p.Direction),
			Required:  p.Required,
		})
	}

	if mi := t.MultiInstance; mi != nil {
		td.MultiInstance = &miDoc{
			Min:       mi.Min,
			Max:       mi.Max,
			Threshold: mi.Threshold,
			Mode:      string(mi.Mode),
			Selector:  mi.Selector,
			More:      mi.More,
		}
	}

	if t.Offer != nil {
		td.Offer = &offerDoc{
			Capabilities: t.Offer.Capabilities,
			Preference:   t.Offer.Preference,
			Mode:         string(t.Offer.Mode),
		}
	}

	return td
}

func formatISODuration(d time.Duration) string {
	d = d.Round(time.Second)
	out := "PT"
	if h := d / time.Hour; h > 0 {
		out += fmt.Sprintf("%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		out += fmt.Sprintf("%dM", m)
		d -= m * time.Minute
	}
	if sec := d / time.Second; sec > 0 || out == "PT" {
		out += fmt.Sprintf("%dS", sec)
	}
	return out
}
