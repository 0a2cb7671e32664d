package fleet

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/fleetctl/internal/compute"
)

// actionRetype labels the instance type change step in reports.
const actionRetype Action = "retype"

// Retyper changes the instance type of a single node: stop, modify, start,
// and restore its elastic address.
type Retyper struct {
	selector     *Selector
	engine       *Engine
	inv          compute.Inventory
	pollInterval time.Duration
	observer     Observer
}

// NewRetyper creates a Retyper that polls every pollInterval.
func NewRetyper(inv compute.Inventory, engine *Engine, pollInterval time.Duration, observer Observer) *Retyper {
	return &Retyper{
		selector:     NewSelector(inv),
		engine:       engine,
		inv:          inv,
		pollInterval: pollInterval,
		observer:     orNop(observer),
	}
}

// Retype changes the named node to instanceType. Lookup errors and a node
// that already has the type are returned as errors; everything after the
// node is stopped is recorded in the report.
func (r *Retyper) Retype(ctx context.Context, name, instanceType string) (*Report, error) {
	node, err := r.selector.One(ctx, name)
	if err != nil {
		return nil, err
	}
	if node.InstanceType == instanceType {
		return nil, nodeErr(node.Label(), ErrAlreadyInstanceType, fmt.Errorf("%s", instanceType))
	}

	report := newReport(uuid.NewString(), KindRetype)
	report.Action = actionRetype
	report.Environment = node.Environment
	r.observer.RunStarted(&Plan{RunID: report.RunID, Action: actionRetype, Environment: node.Environment, Identifiers: []string{name}, Nodes: []*compute.Node{node}})
	defer func() {
		report.finish()
		r.observer.RunFinished(report)
	}()

	address := node.ElasticAddress
	log.Printf("fleet: retype %s from %s to %s", node.Label(), node.InstanceType, instanceType)

	stop := r.engine.Converge(ctx, node, ActionStop, WithPollInterval(r.pollInterval))
	r.record(report, stop)
	if stop.Failed() {
		return report, nil
	}

	modify := Outcome{
		Node:    node.Label(),
		NodeID:  node.ID,
		Action:  actionRetype,
		Result:  ResultSucceeded,
		Phase:   PhaseTerminal,
		Initial: stop.Final,
		Final:   stop.Final,
	}
	start := time.Now()
	err = retryProvider(ctx, r.engine.cfg.VerbAttempts, r.engine.cfg.RetryInterval, func() error {
		return r.inv.SetInstanceType(ctx, node.ID, instanceType)
	})
	modify.Duration = time.Since(start)
	if err != nil {
		modify.Result = ResultFailed
		modify.Err = nodeErr(node.Label(), ErrTransientProvider, err)
	}
	r.record(report, modify)

	// Bring the node back even if the modification was rejected.
	stopped := *node
	stopped.Status = stop.Final
	opts := []ConvergeOption{WithPollInterval(r.pollInterval)}
	if address != "" {
		opts = append(opts, WithAddress(address))
	} else {
		opts = append(opts, WithoutAddress())
	}
	r.record(report, r.engine.Converge(ctx, &stopped, ActionStart, opts...))
	return report, nil
}

func (r *Retyper) record(report *Report, out Outcome) {
	report.Outcomes = append(report.Outcomes, out)
	r.observer.NodeFinished(out)
}
