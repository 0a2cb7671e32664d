package compute

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Call records a mutating or querying call made against a MemoryInventory.
type Call struct {
	Op     string
	NodeID string
	Arg    string
}

type memoryNode struct {
	node   Node
	script []Status // statuses reported by successive Describe calls; the last one sticks
}

// MemoryInventory is an in-memory Inventory for development and tests.
// Lifecycle verbs move nodes through scripted status sequences so callers can
// simulate slow, stuck, or failing transitions. It is safe for concurrent use.
type MemoryInventory struct {
	mu     sync.Mutex
	nodes  map[string]*memoryNode
	order  []string
	nextID int
	calls  []Call
	fails  map[string]error
	verbs  map[string]map[Verb][]Status

	// LaunchScript returns the statuses a newly launched node reports on
	// successive Describe calls. Defaults to pending then running.
	LaunchScript func(params LaunchParams) []Status
}

// NewMemoryInventory creates an empty in-memory inventory.
func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		nodes: make(map[string]*memoryNode),
		fails: make(map[string]error),
		verbs: make(map[string]map[Verb][]Status),
	}
}

// LoadMemoryInventory seeds an in-memory inventory from a YAML list of nodes.
func LoadMemoryInventory(path string) (*MemoryInventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory seed: %w", err)
	}
	var seed struct {
		Nodes []struct {
			ID           string `yaml:"id"`
			Name         string `yaml:"name"`
			Environment  string `yaml:"environment"`
			Autocontrol  bool   `yaml:"autocontrol"`
			Status       string `yaml:"status"`
			InstanceType string `yaml:"instance_type"`
			Address      string `yaml:"address"`
		} `yaml:"nodes"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse inventory seed %s: %w", path, err)
	}

	inv := NewMemoryInventory()
	for _, n := range seed.Nodes {
		status := Status(n.Status)
		if status == "" {
			status = StatusStopped
		}
		inv.AddNode(Node{
			ID:            n.ID,
			Name:          n.Name,
			Environment:   n.Environment,
			Autocontrol:   n.Autocontrol,
			Status:        status,
			InstanceType:  n.InstanceType,
			PublicAddress: n.Address,
		})
	}
	return inv, nil
}

// AddNode registers a node and returns a copy of it. An ID is assigned if empty.
func (m *MemoryInventory) AddNode(n Node) *Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = m.allocID()
	}
	if n.Status == "" {
		n.Status = StatusStopped
	}
	m.nodes[n.ID] = &memoryNode{node: n}
	m.order = append(m.order, n.ID)
	out := n
	return &out
}

// Script sets the statuses the node reports on its next Describe calls.
func (m *MemoryInventory) Script(id string, statuses ...Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mn, ok := m.nodes[id]; ok {
		mn.script = statuses
	}
}

// ScriptVerb overrides the statuses a node walks through after verb is issued.
func (m *MemoryInventory) ScriptVerb(id string, verb Verb, statuses ...Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verbs[id] == nil {
		m.verbs[id] = make(map[Verb][]Status)
	}
	m.verbs[id][verb] = statuses
}

// Fail makes every call of op against target (a node ID, or a name for
// Launch and FindByName) return err until cleared with a nil err.
func (m *MemoryInventory) Fail(op, target string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := op + ":" + target
	if err == nil {
		delete(m.fails, key)
		return
	}
	m.fails[key] = err
}

// Calls returns a copy of the recorded calls.
func (m *MemoryInventory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallCount returns how many calls of op were recorded.
func (m *MemoryInventory) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Node returns a copy of the node's current recorded state.
func (m *MemoryInventory) Node(id string) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mn, ok := m.nodes[id]
	if !ok {
		return Node{}, false
	}
	return mn.node, true
}

func (m *MemoryInventory) QueryNodes(_ context.Context, filters ...TagFilter) ([]*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("QueryNodes", "", "")
	if err := m.failure("QueryNodes", ""); err != nil {
		return nil, err
	}

	var out []*Node
	for _, id := range m.order {
		n := m.nodes[id].node
		if matchesAll(&n, filters) {
			out = append(out, &n)
		}
	}
	return out, nil
}

func (m *MemoryInventory) FindByName(_ context.Context, name string) ([]*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("FindByName", "", name)
	if err := m.failure("FindByName", name); err != nil {
		return nil, err
	}

	var out []*Node
	for _, id := range m.order {
		n := m.nodes[id].node
		if n.Name == name && n.Status != StatusTerminated {
			out = append(out, &n)
		}
	}
	return out, nil
}

func (m *MemoryInventory) Describe(_ context.Context, id string) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Describe", id, "")
	if err := m.failure("Describe", id); err != nil {
		return nil, err
	}
	mn, ok := m.nodes[id]
	if !ok {
		return nil, &ProviderError{Op: "Describe", NodeID: id, Code: "InvalidInstanceID.NotFound", Retryable: true, Err: fmt.Errorf("instance not visible")}
	}
	if len(mn.script) > 0 {
		mn.node.Status = mn.script[0]
		if len(mn.script) > 1 {
			mn.script = mn.script[1:]
		}
	}
	n := mn.node
	return &n, nil
}

func (m *MemoryInventory) SetLifecycle(_ context.Context, id string, verb Verb) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetLifecycle", id, string(verb))
	if err := m.failure("SetLifecycle", id); err != nil {
		return err
	}
	mn, ok := m.nodes[id]
	if !ok {
		return &ProviderError{Op: "SetLifecycle", NodeID: id, Code: "InvalidInstanceID.NotFound", Err: fmt.Errorf("no such instance")}
	}
	if scripted, ok := m.verbs[id][verb]; ok {
		mn.script = append([]Status(nil), scripted...)
		return nil
	}
	switch verb {
	case VerbStart:
		mn.script = []Status{StatusPending, StatusRunning}
	case VerbStop:
		mn.script = []Status{StatusStopping, StatusStopped}
	case VerbReboot:
		mn.script = []Status{StatusRunning}
	}
	return nil
}

func (m *MemoryInventory) Tag(_ context.Context, id, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Tag", id, key+"="+value)
	if err := m.failure("Tag", id); err != nil {
		return err
	}
	mn, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("memory: no such instance %s", id)
	}
	switch key {
	case TagName:
		mn.node.Name = value
	case TagEnvironment:
		mn.node.Environment = value
	case TagAutocontrol:
		mn.node.Autocontrol, _ = strconv.ParseBool(value)
	}
	return nil
}

func (m *MemoryInventory) AssociateAddress(_ context.Context, id, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AssociateAddress", id, address)
	if err := m.failure("AssociateAddress", id); err != nil {
		return err
	}
	mn, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("memory: no such instance %s", id)
	}
	mn.node.ElasticAddress = address
	mn.node.PublicAddress = address
	return nil
}

func (m *MemoryInventory) Launch(_ context.Context, params LaunchParams) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Launch", "", params.Name)
	if err := m.failure("Launch", params.Name); err != nil {
		return nil, err
	}

	n := Node{
		ID:           m.allocID(),
		Status:       StatusPending,
		InstanceType: params.InstanceType,
		Zone:         params.Zone,
		VolumeSize:   params.VolumeSize,
	}
	n.PrivateAddress = fmt.Sprintf("10.0.%d.%d", m.nextID/256, m.nextID%256)
	script := []Status{StatusPending, StatusRunning}
	if m.LaunchScript != nil {
		script = m.LaunchScript(params)
	}
	m.nodes[n.ID] = &memoryNode{node: n, script: script}
	m.order = append(m.order, n.ID)

	out := n
	out.Name = params.Name
	return &out, nil
}

func (m *MemoryInventory) SetInstanceType(_ context.Context, id, instanceType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetInstanceType", id, instanceType)
	if err := m.failure("SetInstanceType", id); err != nil {
		return err
	}
	mn, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("memory: no such instance %s", id)
	}
	mn.node.InstanceType = instanceType
	return nil
}

func (m *MemoryInventory) allocID() string {
	m.nextID++
	return fmt.Sprintf("i-%08x", m.nextID)
}

func (m *MemoryInventory) record(op, id, arg string) {
	m.calls = append(m.calls, Call{Op: op, NodeID: id, Arg: arg})
}

func (m *MemoryInventory) failure(op, target string) error {
	return m.fails[op+":"+target]
}

func matchesAll(n *Node, filters []TagFilter) bool {
	for _, f := range filters {
		var v string
		switch f.Key {
		case TagName:
			v = n.Name
		case TagEnvironment:
			v = n.Environment
		case TagAutocontrol:
			v = strconv.FormatBool(n.Autocontrol)
		default:
			return false
		}
		if v != f.Value {
			return false
		}
	}
	return true
}
