package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensandbox/fleetctl/internal/compute"
	"github.com/opensandbox/fleetctl/internal/configagent"
)

func fastEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:  time.Millisecond,
		StartTimeout:  time.Second,
		StopTimeout:   time.Second,
		RebootTimeout: time.Second,
		VerbAttempts:  3,
		RetryInterval: time.Millisecond,
	}
}

func fastProvisionerConfig() ProvisionerConfig {
	return ProvisionerConfig{
		PendingInterval:    time.Millisecond,
		PendingMaxInterval: 5 * time.Millisecond,
		LaunchTimeout:      2 * time.Second,
		LaunchAttempts:     3,
		RetryInterval:      time.Millisecond,
	}
}

// addNodes registers nodes by name with the given status and environment.
func addNodes(inv *compute.MemoryInventory, env string, status compute.Status, names ...string) []*compute.Node {
	var out []*compute.Node
	for _, n := range names {
		out = append(out, inv.AddNode(compute.Node{Name: n, Environment: env, Autocontrol: true, Status: status}))
	}
	return out
}

type event struct {
	kind  string
	index int
	node  string
}

// recorder is an Observer that records callbacks in arrival order.
type recorder struct {
	NopObserver
	mu     sync.Mutex
	events []event
	report *Report
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) StageStarted(i int, _ Stage)  { r.add(event{kind: "stage-start", index: i}) }
func (r *recorder) StageFinished(i int, _ Stage) { r.add(event{kind: "stage-end", index: i}) }
func (r *recorder) NodeStarted(n *compute.Node, _ Action) {
	r.add(event{kind: "node-start", node: n.Label()})
}
func (r *recorder) NodeFinished(o Outcome) { r.add(event{kind: "node-end", node: o.Node}) }
func (r *recorder) LaunchFinished(o LaunchOutcome) {
	r.add(event{kind: "launch", node: o.Request.Name})
}
func (r *recorder) ConfigureFinished(o ConfigureOutcome) {
	r.add(event{kind: "configure", node: o.Node})
}
func (r *recorder) RunFinished(rep *Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report = rep
}

func (r *recorder) kinds(kind string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeResolver struct {
	addrs map[string]string
}

func (f fakeResolver) Resolve(_ context.Context, host string) (string, error) {
	if a, ok := f.addrs[host]; ok {
		return a, nil
	}
	return "", fmt.Errorf("lookup %s: no such host", host)
}

// fakeAgent records key generation and distribution calls.
type fakeAgent struct {
	mu        sync.Mutex
	generated [][]string
	sent      []string
	resized   []string
	genResult configagent.Result
	genErr    error
	sendFail  map[string]configagent.Result
	resizeErr map[string]error
	order     []string // "gen" or "send:<name>" in call order
}

func (f *fakeAgent) GenerateKeys(_ context.Context, names []string) (configagent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generated = append(f.generated, append([]string(nil), names...))
	f.order = append(f.order, "gen")
	return f.genResult, f.genErr
}

func (f *fakeAgent) SendKey(_ context.Context, name string) (configagent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, name)
	f.order = append(f.order, "send:"+name)
	if res, ok := f.sendFail[name]; ok {
		return res, nil
	}
	return configagent.Result{Output: "sent " + name + "\n"}, nil
}

func (f *fakeAgent) Resize(_ context.Context, node *compute.Node) (configagent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized = append(f.resized, node.Label())
	if err, ok := f.resizeErr[node.Label()]; ok {
		return configagent.Result{}, err
	}
	return configagent.Result{}, nil
}
