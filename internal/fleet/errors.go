package fleet

import (
	"errors"
	"fmt"
)

// Error kinds. Per-node and per-identifier failures wrap one of these in a
// NodeError; only ErrNoNodesFound and ErrNoRequests abort a whole run.
var (
	ErrNoNodesFound        = errors.New("no nodes found")
	ErrNoRequests          = errors.New("no nodes requested")
	ErrNodeNotFound        = errors.New("node not found")
	ErrAmbiguousIdentifier = errors.New("identifier matches multiple nodes")
	ErrTransientProvider   = errors.New("provider error")
	ErrConvergenceTimeout  = errors.New("timed out waiting for status")
	ErrNodeErrorState      = errors.New("node in error state")
	ErrResolutionFailed    = errors.New("name resolution failed")
	ErrAddressAssociation  = errors.New("address association failed")
	ErrConfigurationStep   = errors.New("configuration step failed")
	ErrCredentialPhase     = errors.New("credential generation failed")
	ErrAlreadyInstanceType = errors.New("node already has requested instance type")
)

// NodeError ties a failure to the node or identifier it concerns.
type NodeError struct {
	Node string
	Kind error
	Err  error
}

func (e *NodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Node, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Node, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *NodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func nodeErr(node string, kind, err error) *NodeError {
	return &NodeError{Node: node, Kind: kind, Err: err}
}
