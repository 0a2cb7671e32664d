package fleet

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opensandbox/fleetctl/internal/compute"
)

// Resolver resolves a hostname to a network address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// Phase is the state of a single convergence.
type Phase int

const (
	PhasePending    Phase = iota // not yet acted on
	PhaseConverging              // verb issued, polling
	PhaseTerminal                // a terminal status was observed
	PhaseTimedOut                // the wait bound elapsed first
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseConverging:
		return "converging"
	case PhaseTerminal:
		return "terminal"
	case PhaseTimedOut:
		return "timed-out"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Result summarises how a convergence ended.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultSatisfied Result = "already satisfied"
	ResultFailed    Result = "failed"
)

// Outcome is the result of driving one node through an action.
type Outcome struct {
	Node     string
	NodeID   string
	Role     Role
	Action   Action
	Result   Result
	Phase    Phase
	Initial  compute.Status
	Final    compute.Status
	Address  string  // elastic address associated after start
	Err      error   // why the node failed
	Warnings []error // best-effort side effects that failed
	Duration time.Duration
}

// Failed reports whether the outcome counts as a per-node failure.
func (o Outcome) Failed() bool { return o.Result == ResultFailed }

// EngineConfig bounds convergence waits.
type EngineConfig struct {
	PollInterval  time.Duration
	StartTimeout  time.Duration
	StopTimeout   time.Duration
	RebootTimeout time.Duration
	VerbAttempts  int           // attempts for retryable verb errors
	RetryInterval time.Duration // initial backoff between verb attempts
}

// DefaultEngineConfig polls once a second, waits 300s for start and reboot
// and 120s for stop.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PollInterval:  time.Second,
		StartTimeout:  300 * time.Second,
		StopTimeout:   120 * time.Second,
		RebootTimeout: 300 * time.Second,
		VerbAttempts:  3,
		RetryInterval: 2 * time.Second,
	}
}

func (c EngineConfig) timeout(a Action) time.Duration {
	switch a {
	case ActionStop:
		return c.StopTimeout
	case ActionReboot:
		return c.RebootTimeout
	}
	return c.StartTimeout
}

type convergeOptions struct {
	pollInterval time.Duration
	timeout      time.Duration
	address      string
	skipAddress  bool
}

// ConvergeOption adjusts a single Converge call.
type ConvergeOption func(*convergeOptions)

// WithPollInterval overrides the poll interval.
func WithPollInterval(d time.Duration) ConvergeOption {
	return func(o *convergeOptions) { o.pollInterval = d }
}

// WithTimeout overrides the wait bound.
func WithTimeout(d time.Duration) ConvergeOption {
	return func(o *convergeOptions) { o.timeout = d }
}

// WithAddress associates addr after a successful start instead of resolving
// the node's name.
func WithAddress(addr string) ConvergeOption {
	return func(o *convergeOptions) { o.address = addr }
}

// WithoutAddress skips address association after start.
func WithoutAddress() ConvergeOption {
	return func(o *convergeOptions) { o.skipAddress = true }
}

// Engine drives single nodes toward the status an action implies.
type Engine struct {
	inv      compute.Inventory
	resolver Resolver
	cfg      EngineConfig
	observer Observer
}

// NewEngine creates a convergence engine. resolver may be nil, in which case
// no address is associated after start unless WithAddress is used.
func NewEngine(inv compute.Inventory, resolver Resolver, cfg EngineConfig, observer Observer) *Engine {
	if cfg.VerbAttempts < 1 {
		cfg.VerbAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Engine{inv: inv, resolver: resolver, cfg: cfg, observer: orNop(observer)}
}

// Converge drives node toward the status implied by action and reports how
// it ended. It never returns early on a per-node problem: provider errors,
// timeouts and error states are reported in the Outcome.
func (e *Engine) Converge(ctx context.Context, node *compute.Node, action Action, opts ...ConvergeOption) Outcome {
	o := convergeOptions{pollInterval: e.cfg.PollInterval, timeout: e.cfg.timeout(action)}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	current := e.refresh(ctx, node)
	out := Outcome{
		Node:    node.Label(),
		NodeID:  node.ID,
		Action:  action,
		Phase:   PhasePending,
		Initial: current,
		Final:   current,
	}
	finish := func() Outcome {
		out.Duration = time.Since(start)
		return out
	}

	if current == compute.StatusError {
		out.Result = ResultFailed
		out.Phase = PhaseTerminal
		out.Err = nodeErr(out.Node, ErrNodeErrorState, nil)
		return finish()
	}
	if action.Satisfied(current) {
		out.Result = ResultSatisfied
		out.Phase = PhaseTerminal
		return finish()
	}

	e.observer.NodeStarted(node, action)

	if err := e.issue(ctx, node.ID, action.Verb()); err != nil {
		out.Result = ResultFailed
		out.Err = nodeErr(out.Node, ErrTransientProvider, err)
		return finish()
	}
	out.Phase = PhaseConverging

	status, phase, err := e.await(ctx, node, current, action, o.pollInterval, o.timeout)
	out.Final = status
	out.Phase = phase

	switch {
	case err != nil:
		out.Result = ResultFailed
		out.Err = nodeErr(out.Node, err, fmt.Errorf("last status %s", status))
	case status == compute.StatusError:
		out.Result = ResultFailed
		out.Err = nodeErr(out.Node, ErrNodeErrorState, nil)
	case !action.Succeeded(status):
		out.Result = ResultFailed
		out.Err = nodeErr(out.Node, ErrNodeErrorState, fmt.Errorf("ended in status %s", status))
	default:
		out.Result = ResultSucceeded
		if action == ActionStart && !o.skipAddress {
			e.associate(ctx, node, o.address, &out)
		}
	}
	return finish()
}

// refresh returns the node's live status. The status recorded at selection
// time is only used when the provider cannot be reached.
func (e *Engine) refresh(ctx context.Context, node *compute.Node) compute.Status {
	current, err := e.inv.Describe(ctx, node.ID)
	if err != nil {
		log.Printf("fleet: refresh %s: %v, using status %s from selection", node.Label(), err, node.Status)
		return node.Status
	}
	return current.Status
}

// issue sends the lifecycle verb, retrying errors the provider marks as
// retryable.
func (e *Engine) issue(ctx context.Context, id string, verb compute.Verb) error {
	return retryProvider(ctx, e.cfg.VerbAttempts, e.cfg.RetryInterval, func() error {
		return e.inv.SetLifecycle(ctx, id, verb)
	})
}

// await polls until the action reaches a terminal status, the timeout elapses,
// or ctx is cancelled. Describe errors are logged and polling continues, since
// the provider is eventually consistent.
func (e *Engine) await(ctx context.Context, node *compute.Node, last compute.Status, action Action, interval, timeout time.Duration) (compute.Status, Phase, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, PhaseConverging, ctx.Err()
		case <-deadline.C:
			return last, PhaseTimedOut, ErrConvergenceTimeout
		case <-ticker.C:
			current, err := e.inv.Describe(ctx, node.ID)
			if err != nil {
				log.Printf("fleet: poll %s: %v", node.Label(), err)
				continue
			}
			last = current.Status
			e.observer.NodePolled(node, last)
			if action.Terminal(last) {
				return last, PhaseTerminal, nil
			}
		}
	}
}

// associate binds the node's address after start. Failures are warnings.
func (e *Engine) associate(ctx context.Context, node *compute.Node, addr string, out *Outcome) {
	if addr == "" {
		if e.resolver == nil {
			return
		}
		resolved, err := e.resolver.Resolve(ctx, node.Name)
		if err != nil {
			out.Warnings = append(out.Warnings, nodeErr(out.Node, ErrResolutionFailed, err))
			return
		}
		addr = resolved
	}

	err := retryProvider(ctx, e.cfg.VerbAttempts, e.cfg.RetryInterval, func() error {
		return e.inv.AssociateAddress(ctx, node.ID, addr)
	})
	if err != nil {
		out.Warnings = append(out.Warnings, nodeErr(out.Node, ErrAddressAssociation, err))
		return
	}
	out.Address = addr
}

// retryProvider runs fn up to attempts times with exponential backoff while
// the error is retryable.
func retryProvider(ctx context.Context, attempts int, initial time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	op := func() error {
		err := fn()
		if err != nil && !compute.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
}
