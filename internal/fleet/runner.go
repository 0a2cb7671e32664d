package fleet

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/opensandbox/fleetctl/internal/compute"
)

// Target selects the nodes of a lifecycle run: either every node of an
// environment or an explicit list of names.
type Target struct {
	Environment     string
	AutocontrolOnly bool
	Identifiers     []string
}

// Plan is a selected and staged lifecycle run, ready for confirmation.
type Plan struct {
	RunID           string          `json:"run_id"`
	Action          Action          `json:"action"`
	Environment     string          `json:"environment,omitempty"`
	Identifiers     []string        `json:"identifiers,omitempty"`
	Nodes           []*compute.Node `json:"nodes"`
	Stages          []Stage         `json:"stages"`
	SelectionErrors []error         `json:"-"`
}

// Runner executes fleet-wide lifecycle actions stage by stage.
type Runner struct {
	selector *Selector
	planner  *Planner
	engine   *Engine
	observer Observer
}

// NewRunner creates a runner.
func NewRunner(selector *Selector, planner *Planner, engine *Engine, observer Observer) *Runner {
	return &Runner{selector: selector, planner: planner, engine: engine, observer: orNop(observer)}
}

// Prepare selects and stages the target nodes without touching provider
// state. It fails only when no node could be selected at all.
func (r *Runner) Prepare(ctx context.Context, action Action, target Target) (*Plan, error) {
	plan := &Plan{
		RunID:       uuid.NewString(),
		Action:      action,
		Environment: target.Environment,
		Identifiers: target.Identifiers,
	}

	if target.Environment != "" {
		nodes, err := r.selector.ByEnvironment(ctx, target.Environment, target.AutocontrolOnly)
		if err != nil {
			return nil, err
		}
		plan.Nodes = nodes
	} else {
		if len(target.Identifiers) == 0 {
			return nil, ErrNoRequests
		}
		nodes, errs := r.selector.ByIdentifiers(ctx, target.Identifiers)
		if len(nodes) == 0 {
			return nil, fmt.Errorf("%w: %w", ErrNoNodesFound, multierr.Combine(errs...))
		}
		plan.Nodes = nodes
		plan.SelectionErrors = errs
	}

	stages, err := r.planner.Plan(plan.Nodes, action)
	if err != nil {
		return nil, err
	}
	plan.Stages = stages
	return plan, nil
}

// Execute runs the plan. Each stage is a barrier: every node in it is driven
// to a terminal status or times out before the next stage starts. Nodes are
// handled one at a time in selection order. Once ctx is cancelled no further
// provider calls are made and the remaining nodes are reported as failed.
func (r *Runner) Execute(ctx context.Context, plan *Plan) *Report {
	report := newReport(plan.RunID, KindLifecycle)
	report.Action = plan.Action
	report.Environment = plan.Environment
	report.SelectionErrors = plan.SelectionErrors

	r.observer.RunStarted(plan)
	for i, stage := range plan.Stages {
		r.observer.StageStarted(i, stage)
		for _, node := range stage.Nodes {
			var out Outcome
			if err := ctx.Err(); err != nil {
				out = abandoned(node, plan.Action, err)
			} else {
				out = r.engine.Converge(ctx, node, plan.Action)
			}
			out.Role = stage.Role
			report.Outcomes = append(report.Outcomes, out)
			r.observer.NodeFinished(out)
		}
		r.observer.StageFinished(i, stage)
		log.Printf("fleet: stage %d (%s) complete, %d nodes", i+1, stage.Role, len(stage.Nodes))
	}

	report.finish()
	r.observer.RunFinished(report)
	return report
}

func abandoned(node *compute.Node, action Action, err error) Outcome {
	return Outcome{
		Node:    node.Label(),
		NodeID:  node.ID,
		Action:  action,
		Result:  ResultFailed,
		Phase:   PhasePending,
		Initial: node.Status,
		Final:   node.Status,
		Err:     nodeErr(node.Label(), err, nil),
	}
}
