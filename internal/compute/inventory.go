package compute

import (
	"context"
	"strconv"
)

// Status is the provider-reported lifecycle state of a node.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusStopping   Status = "stopping" // transitional, never terminal
	StatusStopped    Status = "stopped"
	StatusTerminated Status = "terminated"
	StatusError      Status = "error"
)

// Verb is a lifecycle command issued to the provider.
type Verb string

const (
	VerbStart  Verb = "start"
	VerbStop   Verb = "stop"
	VerbReboot Verb = "reboot"
)

// Well-known tag keys.
const (
	TagName        = "Name"
	TagEnvironment = "environment"
	TagAutocontrol = "autocontrol"
)

// Node represents a provider-managed compute instance.
type Node struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Environment    string `json:"environment,omitempty"`
	Autocontrol    bool   `json:"autocontrol"`
	Status         Status `json:"status"`
	InstanceType   string `json:"instance_type,omitempty"`
	Zone           string `json:"zone,omitempty"`
	VolumeSize     int32  `json:"volume_size,omitempty"` // root volume, GiB
	PublicAddress  string `json:"public_address,omitempty"`
	PrivateAddress string `json:"private_address,omitempty"`
	ElasticAddress string `json:"elastic_address,omitempty"` // set only while associated
}

// Label returns the human identifier of the node, falling back to its ID.
func (n *Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// TagFilter restricts a node query to nodes carrying Key=Value.
type TagFilter struct {
	Key   string
	Value string
}

// EnvironmentFilter matches nodes tagged with the given environment.
func EnvironmentFilter(env string) TagFilter {
	return TagFilter{Key: TagEnvironment, Value: env}
}

// AutocontrolFilter matches nodes tagged autocontrol=true.
func AutocontrolFilter() TagFilter {
	return TagFilter{Key: TagAutocontrol, Value: strconv.FormatBool(true)}
}

// LaunchParams are the parameters for launching a single new node.
type LaunchParams struct {
	Name          string
	ImageID       string
	InstanceType  string
	SecurityGroup string
	Zone          string
	VolumeSize    int32  // root volume size in GiB
	UserData      string // plain text; encoded by the provider implementation
}

// Inventory is the interface for cloud inventory providers. Implementations
// may be slow and eventually consistent; every call can fail transiently.
type Inventory interface {
	QueryNodes(ctx context.Context, filters ...TagFilter) ([]*Node, error)
	// FindByName returns every node whose Name tag equals name, so callers
	// can detect ambiguity.
	FindByName(ctx context.Context, name string) ([]*Node, error)
	Describe(ctx context.Context, id string) (*Node, error)
	SetLifecycle(ctx context.Context, id string, verb Verb) error
	Tag(ctx context.Context, id, key, value string) error
	AssociateAddress(ctx context.Context, id, address string) error
	Launch(ctx context.Context, params LaunchParams) (*Node, error)
	SetInstanceType(ctx context.Context, id, instanceType string) error
}
