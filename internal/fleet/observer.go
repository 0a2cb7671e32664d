package fleet

import "github.com/opensandbox/fleetctl/internal/compute"

// Observer receives progress callbacks from runs. Callbacks for launch and
// configure outcomes arrive from concurrent goroutines; stage and node
// callbacks arrive in order from a single goroutine.
type Observer interface {
	RunStarted(plan *Plan)
	StageStarted(index int, stage Stage)
	NodeStarted(node *compute.Node, action Action)
	NodePolled(node *compute.Node, status compute.Status)
	NodeFinished(outcome Outcome)
	StageFinished(index int, stage Stage)
	LaunchFinished(outcome LaunchOutcome)
	ConfigureFinished(outcome ConfigureOutcome)
	RunFinished(report *Report)
}

// NopObserver ignores every callback. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) RunStarted(*Plan)                         {}
func (NopObserver) StageStarted(int, Stage)                  {}
func (NopObserver) NodeStarted(*compute.Node, Action)        {}
func (NopObserver) NodePolled(*compute.Node, compute.Status) {}
func (NopObserver) NodeFinished(Outcome)                     {}
func (NopObserver) StageFinished(int, Stage)                 {}
func (NopObserver) LaunchFinished(LaunchOutcome)             {}
func (NopObserver) ConfigureFinished(ConfigureOutcome)       {}
func (NopObserver) RunFinished(*Report)                      {}

// Observers fans callbacks out to each observer in order.
type Observers []Observer

func (o Observers) RunStarted(p *Plan) {
	for _, ob := range o {
		ob.RunStarted(p)
	}
}

func (o Observers) StageStarted(i int, s Stage) {
	for _, ob := range o {
		ob.StageStarted(i, s)
	}
}

func (o Observers) NodeStarted(n *compute.Node, a Action) {
	for _, ob := range o {
		ob.NodeStarted(n, a)
	}
}

func (o Observers) NodePolled(n *compute.Node, s compute.Status) {
	for _, ob := range o {
		ob.NodePolled(n, s)
	}
}

func (o Observers) NodeFinished(out Outcome) {
	for _, ob := range o {
		ob.NodeFinished(out)
	}
}

func (o Observers) StageFinished(i int, s Stage) {
	for _, ob := range o {
		ob.StageFinished(i, s)
	}
}

func (o Observers) LaunchFinished(out LaunchOutcome) {
	for _, ob := range o {
		ob.LaunchFinished(out)
	}
}

func (o Observers) ConfigureFinished(out ConfigureOutcome) {
	for _, ob := range o {
		ob.ConfigureFinished(out)
	}
}

func (o Observers) RunFinished(r *Report) {
	for _, ob := range o {
		ob.RunFinished(r)
	}
}

func orNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}
