package state

import (
	"encoding/json"
	"fmt"

	"github.com/fluxwork/yawl/spec"
	"github.com/fluxwork/yawl/workitem"
)

// Snapshot serialises the case state. The encoding is canonical: map
// keys marshal in sorted order, so identical states produce identical
// bytes and snapshot-then-restore is an identity.
//
// Callers must hold the case's writer lock; the store's Snapshot method
// does this.
func Snapshot(cs *CaseState) ([]byte, error) {
	data, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("snapshot case %s: %w", cs.CaseID, err)
	}
	return data, nil
}

// SpecResolver resolves a specification ID during restore.
type SpecResolver interface {
	Get(id spec.SpecID) (*spec.Specification, error)
}

// Restore is the inverse of Snapshot. It fails when the embedded
// specification ID cannot be resolved, since a case without its
// specification cannot fire.
func Restore(data []byte, resolver SpecResolver) (*CaseState, error) {
	var cs CaseState
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("restore case state: %w", err)
	}

	if _, err := resolver.Get(cs.SpecID); err != nil {
		return nil, fmt.Errorf("restore case %s: %w", cs.CaseID, err)
	}

	if cs.Marking == nil {
		cs.Marking = NewMarking()
	}
	if cs.Data == nil {
		cs.Data = make(map[string]any)
	}
	if cs.Items == nil {
		cs.Items = make(map[string]*workitem.WorkItem)
	}
	if cs.Firings == nil {
		cs.Firings = make(map[string]*Firing)
	}
	if cs.SubCases == nil {
		cs.SubCases = make(map[string]string)
	}
	if cs.SeenEvents == nil {
		cs.SeenEvents = make(map[string]bool)
	}

	return &cs, nil
}
