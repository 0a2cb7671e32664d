package fleet

import (
	"fmt"
	"slices"

	"github.com/opensandbox/fleetctl/internal/compute"
)

// Stage is a barrier unit of a fleet action: every node in it reaches a
// terminal status or times out before the next stage begins.
type Stage struct {
	Role    Role            `json:"role"`
	Pattern string          `json:"pattern,omitempty"`
	Nodes   []*compute.Node `json:"nodes"`
}

// Planner partitions node sets into ordered stages.
type Planner struct {
	classifier Classifier
	order      []Role
}

// NewPlanner creates a planner. order lists roles in start order; stop
// actions use the reverse.
func NewPlanner(classifier Classifier, order []Role) *Planner {
	return &Planner{classifier: classifier, order: order}
}

// NewTopologyPlanner creates a planner classifying by topology patterns.
func NewTopologyPlanner(t Topology) (*Planner, error) {
	c, err := NewPatternClassifier(t)
	if err != nil {
		return nil, err
	}
	return NewPlanner(c, t.Order()), nil
}

// Plan returns one stage per role, in action order. Empty stages are kept so
// stage indexes mean the same thing for every run. Within a stage nodes keep
// the order they were given in.
func (p *Planner) Plan(nodes []*compute.Node, action Action) ([]Stage, error) {
	order := slices.Clone(p.order)
	if action.Reversed() {
		slices.Reverse(order)
	}

	index := make(map[Role]int, len(order))
	stages := make([]Stage, len(order))
	for i, role := range order {
		index[role] = i
		stages[i] = Stage{Role: role}
		if pc, ok := p.classifier.(interface{ PatternFor(Role) string }); ok {
			stages[i].Pattern = pc.PatternFor(role)
		}
	}

	for _, n := range nodes {
		role := p.classifier.Classify(n.Name)
		i, ok := index[role]
		if !ok {
			return nil, fmt.Errorf("node %s classified as unknown role %q", n.Label(), role)
		}
		stages[i].Nodes = append(stages[i].Nodes, n)
	}
	return stages, nil
}
