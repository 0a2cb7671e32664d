package fleet

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/opensandbox/fleetctl/internal/compute"
)

// Selector resolves the set of nodes a run operates on. It never mutates
// provider state.
type Selector struct {
	inv compute.Inventory
}

// NewSelector creates a selector over inv.
func NewSelector(inv compute.Inventory) *Selector {
	return &Selector{inv: inv}
}

// ByEnvironment returns the nodes tagged with env, restricted to
// autocontrol=true nodes when autocontrolOnly is set. An empty result is
// ErrNoNodesFound, which usually means a mistyped environment name.
func (s *Selector) ByEnvironment(ctx context.Context, env string, autocontrolOnly bool) ([]*compute.Node, error) {
	filters := []compute.TagFilter{compute.EnvironmentFilter(env)}
	if autocontrolOnly {
		filters = append(filters, compute.AutocontrolFilter())
	}

	nodes, err := s.inv.QueryNodes(ctx, filters...)
	if err != nil {
		return nil, fmt.Errorf("query %s environment: %w", env, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w in %s environment", ErrNoNodesFound, env)
	}
	return nodes, nil
}

// ByIdentifiers looks up each identifier by name. Every identifier must match
// exactly one node; failures are returned per identifier and the remaining
// identifiers are still resolved. A node named twice is selected once.
func (s *Selector) ByIdentifiers(ctx context.Context, ids []string) ([]*compute.Node, []error) {
	var nodes []*compute.Node
	var errs []error
	seen := make(map[string]bool)

	for _, id := range ids {
		node, err := s.One(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[node.ID] {
			log.Printf("fleet: %s listed more than once, selecting it once", id)
			continue
		}
		seen[node.ID] = true
		nodes = append(nodes, node)
	}
	return nodes, errs
}

// One resolves a single-host lookup. Zero matches is ErrNodeNotFound and
// more than one is ErrAmbiguousIdentifier; neither picks a node silently.
func (s *Selector) One(ctx context.Context, name string) (*compute.Node, error) {
	matches, err := s.inv.FindByName(ctx, name)
	if err != nil {
		return nil, nodeErr(name, ErrTransientProvider, err)
	}
	switch len(matches) {
	case 0:
		return nil, nodeErr(name, ErrNodeNotFound, nil)
	case 1:
		return matches[0], nil
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return nil, nodeErr(name, ErrAmbiguousIdentifier, fmt.Errorf("matches %s", strings.Join(ids, ", ")))
}
