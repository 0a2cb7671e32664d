package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opensandbox/fleetctl/internal/compute"
)

// actionLaunch labels provisioning runs in reports.
const actionLaunch Action = "launch"

// ProvisionRequest describes one node to launch.
type ProvisionRequest struct {
	Name          string `json:"name"`
	ImageID       string `json:"image_id"`
	InstanceType  string `json:"instance_type"`
	SecurityGroup string `json:"security_group"`
	Environment   string `json:"environment"`
	Zone          string `json:"zone,omitempty"`
	VolumeSize    int32  `json:"volume_size"`
	Autocontrol   bool   `json:"autocontrol"`
}

func (r ProvisionRequest) params() compute.LaunchParams {
	return compute.LaunchParams{
		Name:          r.Name,
		ImageID:       r.ImageID,
		InstanceType:  r.InstanceType,
		SecurityGroup: r.SecurityGroup,
		Zone:          r.Zone,
		VolumeSize:    r.VolumeSize,
		UserData:      r.Name,
	}
}

// LaunchOutcome is the result of one launch task.
type LaunchOutcome struct {
	Request  ProvisionRequest
	Node     *compute.Node // nil when the launch call itself failed
	Status   compute.Status
	Err      error
	Warnings []error // tagging failures
	Duration time.Duration
}

// Launched reports whether the node reached running.
func (o LaunchOutcome) Launched() bool {
	return o.Err == nil && o.Status == compute.StatusRunning
}

func (o LaunchOutcome) MarshalJSON() ([]byte, error) {
	var id string
	if o.Node != nil {
		id = o.Node.ID
	}
	return json.Marshal(struct {
		Name     string           `json:"name"`
		NodeID   string           `json:"node_id,omitempty"`
		Request  ProvisionRequest `json:"request"`
		Status   compute.Status   `json:"status"`
		Launched bool             `json:"launched"`
		Error    string           `json:"error,omitempty"`
		Warnings []string         `json:"warnings,omitempty"`
		Seconds  float64          `json:"seconds"`
	}{
		Name:     o.Request.Name,
		NodeID:   id,
		Request:  o.Request,
		Status:   o.Status,
		Launched: o.Launched(),
		Error:    errString(o.Err),
		Warnings: errStrings(o.Warnings),
		Seconds:  o.Duration.Seconds(),
	})
}

// ProvisionResult partitions launch outcomes. Every request appears in
// exactly one of the two lists; order within a list is completion order.
type ProvisionResult struct {
	Launched []LaunchOutcome
	Failed   []LaunchOutcome
}

// Nodes returns the nodes that reached running.
func (r *ProvisionResult) Nodes() []*compute.Node {
	nodes := make([]*compute.Node, 0, len(r.Launched))
	for _, o := range r.Launched {
		nodes = append(nodes, o.Node)
	}
	return nodes
}

// ProvisionerConfig bounds the launch tasks.
type ProvisionerConfig struct {
	PendingInterval    time.Duration // first wait while a node is pending
	PendingMaxInterval time.Duration
	LaunchTimeout      time.Duration
	LaunchAttempts     int // attempts for retryable launch and tag errors
	RetryInterval      time.Duration
}

// DefaultProvisionerConfig waits 5s between the first pending polls, backing
// off to 30s, for at most ten minutes.
func DefaultProvisionerConfig() ProvisionerConfig {
	return ProvisionerConfig{
		PendingInterval:    5 * time.Second,
		PendingMaxInterval: 30 * time.Second,
		LaunchTimeout:      10 * time.Minute,
		LaunchAttempts:     3,
		RetryInterval:      2 * time.Second,
	}
}

// Provisioner launches new nodes concurrently.
type Provisioner struct {
	inv      compute.Inventory
	cfg      ProvisionerConfig
	observer Observer
}

// NewProvisioner creates a provisioner.
func NewProvisioner(inv compute.Inventory, cfg ProvisionerConfig, observer Observer) *Provisioner {
	return &Provisioner{inv: inv, cfg: cfg, observer: orNop(observer)}
}

var errStillPending = errors.New("still pending")

// Provision launches every request in its own goroutine and waits for all of
// them. A failed task never affects its siblings.
func (p *Provisioner) Provision(ctx context.Context, reqs []ProvisionRequest) (*ProvisionResult, error) {
	if len(reqs) == 0 {
		return nil, ErrNoRequests
	}

	results := make(chan LaunchOutcome, len(reqs))
	var g errgroup.Group
	for _, req := range reqs {
		g.Go(func() error {
			out := p.launch(ctx, req)
			p.observer.LaunchFinished(out)
			results <- out
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	res := &ProvisionResult{}
	for out := range results {
		if out.Launched() {
			res.Launched = append(res.Launched, out)
		} else {
			res.Failed = append(res.Failed, out)
		}
	}
	log.Printf("fleet: provisioned %d of %d nodes", len(res.Launched), len(reqs))
	return res, nil
}

// Run provisions reqs and, when pipeline is non-nil, configures the nodes
// that reached running. The pipeline never sees a failed launch.
func (p *Provisioner) Run(ctx context.Context, reqs []ProvisionRequest, pipeline *Pipeline) (*Report, error) {
	if len(reqs) == 0 {
		return nil, ErrNoRequests
	}
	report := newReport(uuid.NewString(), KindProvision)
	report.Action = actionLaunch
	report.Environment = reqs[0].Environment

	names := make([]string, len(reqs))
	for i, req := range reqs {
		names[i] = req.Name
	}
	p.observer.RunStarted(&Plan{RunID: report.RunID, Action: actionLaunch, Environment: report.Environment, Identifiers: names})

	result, err := p.Provision(ctx, reqs)
	if err != nil {
		return nil, err
	}
	report.Launches = append(append(report.Launches, result.Launched...), result.Failed...)

	if pipeline != nil && len(result.Launched) > 0 {
		pr := pipeline.Run(ctx, result.Nodes())
		report.CredentialErr = pr.CredentialErr
		report.Configured = pr.Outcomes
	}

	report.finish()
	p.observer.RunFinished(report)
	return report, nil
}

func (p *Provisioner) launch(ctx context.Context, req ProvisionRequest) (out LaunchOutcome) {
	start := time.Now()
	out = LaunchOutcome{Request: req, Status: compute.StatusError}
	defer func() { out.Duration = time.Since(start) }()

	var node *compute.Node
	err := retryProvider(ctx, p.cfg.LaunchAttempts, p.cfg.RetryInterval, func() error {
		n, err := p.inv.Launch(ctx, req.params())
		node = n
		return err
	})
	if err != nil {
		out.Err = nodeErr(req.Name, ErrTransientProvider, err)
		return out
	}
	log.Printf("fleet: launched %s as %s", req.Name, node.ID)

	latest, err := p.awaitLaunch(ctx, node)
	out.Node = latest
	out.Status = latest.Status

	// Tags go on once the node has left pending.
	if ctx.Err() == nil && latest.Status != compute.StatusPending {
		out.Warnings = p.tag(ctx, latest, req)
	}
	latest.Name = req.Name
	latest.Environment = req.Environment
	latest.Autocontrol = req.Autocontrol
	if latest.VolumeSize == 0 {
		latest.VolumeSize = req.VolumeSize
	}

	switch {
	case err != nil:
		out.Err = nodeErr(req.Name, err, fmt.Errorf("last status %s", latest.Status))
	case latest.Status == compute.StatusError:
		out.Err = nodeErr(req.Name, ErrNodeErrorState, nil)
	case latest.Status != compute.StatusRunning:
		out.Err = nodeErr(req.Name, ErrNodeErrorState, fmt.Errorf("ended in status %s", latest.Status))
	}
	return out
}

// awaitLaunch waits, with growing intervals, while the node is pending. A
// pending node is expected and is never treated as an error before the launch
// timeout. It always returns the most recent view of the node.
func (p *Provisioner) awaitLaunch(ctx context.Context, node *compute.Node) (*compute.Node, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.PendingInterval
	b.MaxInterval = p.cfg.PendingMaxInterval
	b.MaxElapsedTime = p.cfg.LaunchTimeout

	latest := *node
	op := func() (compute.Status, error) {
		n, err := p.inv.Describe(ctx, node.ID)
		if err != nil {
			if compute.IsRetryable(err) {
				return latest.Status, err
			}
			return latest.Status, backoff.Permanent(err)
		}
		latest = *n
		if n.Status == compute.StatusPending {
			return n.Status, errStillPending
		}
		return n.Status, nil
	}
	notify := func(err error, next time.Duration) {
		if !errors.Is(err, errStillPending) {
			log.Printf("fleet: poll %s: %v, retrying in %s", node.ID, err, next.Round(time.Millisecond))
		}
	}

	_, err := backoff.RetryNotifyWithData(op, backoff.WithContext(b, ctx), notify)
	switch {
	case err == nil:
		return &latest, nil
	case ctx.Err() != nil:
		return &latest, ctx.Err()
	case errors.Is(err, errStillPending) || compute.IsRetryable(err):
		return &latest, ErrConvergenceTimeout
	}
	return &latest, fmt.Errorf("%w: %w", ErrTransientProvider, err)
}

func (p *Provisioner) tag(ctx context.Context, node *compute.Node, req ProvisionRequest) []error {
	tags := [][2]string{
		{compute.TagName, req.Name},
		{compute.TagEnvironment, req.Environment},
		{compute.TagAutocontrol, strconv.FormatBool(req.Autocontrol)},
	}
	var warnings []error
	for _, t := range tags {
		err := retryProvider(ctx, p.cfg.LaunchAttempts, p.cfg.RetryInterval, func() error {
			return p.inv.Tag(ctx, node.ID, t[0], t[1])
		})
		if err != nil {
			warnings = append(warnings, nodeErr(req.Name, ErrTransientProvider, fmt.Errorf("tag %s: %w", t[0], err)))
		}
	}
	return warnings
}
