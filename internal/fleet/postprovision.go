package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opensandbox/fleetctl/internal/compute"
	"github.com/opensandbox/fleetctl/internal/configagent"
)

// KeyAgent generates and distributes node credentials.
type KeyAgent interface {
	GenerateKeys(ctx context.Context, names []string) (configagent.Result, error)
	SendKey(ctx context.Context, name string) (configagent.Result, error)
}

// Resizer grows a node's root filesystem to fill its volume.
type Resizer interface {
	Resize(ctx context.Context, node *compute.Node) (configagent.Result, error)
}

// PipelineConfig configures the post-provision pipeline.
type PipelineConfig struct {
	VolumeFloor int32         // volumes larger than this many GiB are resized
	SettleDelay time.Duration // wait before touching a freshly booted node
	HostsFile   string        // when set, launched nodes are appended to it
}

// Pipeline configures freshly launched nodes: one key generation call for
// all of them, then key distribution to each node in parallel.
type Pipeline struct {
	agent    KeyAgent
	resizer  Resizer
	cfg      PipelineConfig
	observer Observer
}

// NewPipeline creates a pipeline. resizer may be nil to skip resizing.
func NewPipeline(agent KeyAgent, resizer Resizer, cfg PipelineConfig, observer Observer) *Pipeline {
	if cfg.VolumeFloor <= 0 {
		cfg.VolumeFloor = 8
	}
	return &Pipeline{agent: agent, resizer: resizer, cfg: cfg, observer: orNop(observer)}
}

// ConfigureOutcome is the result of configuring one node.
type ConfigureOutcome struct {
	Node     string
	NodeID   string
	Resized  bool
	KeySent  bool
	Output   string
	Err      error
	Duration time.Duration
}

func (o ConfigureOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Node    string  `json:"node"`
		NodeID  string  `json:"node_id"`
		Resized bool    `json:"resized"`
		KeySent bool    `json:"key_sent"`
		Error   string  `json:"error,omitempty"`
		Seconds float64 `json:"seconds"`
	}{o.Node, o.NodeID, o.Resized, o.KeySent, errString(o.Err), o.Duration.Seconds()})
}

// PipelineResult holds the credential phase error, if any, and one outcome
// per node that reached the distribution phase.
type PipelineResult struct {
	CredentialErr error
	Outcomes      []ConfigureOutcome
}

// Run configures nodes. Key generation must finish before any distribution
// starts because distribution reads the keys it writes; if it fails, no
// distribution is attempted. Distribution failures are isolated per node.
func (p *Pipeline) Run(ctx context.Context, nodes []*compute.Node) *PipelineResult {
	result := &PipelineResult{}
	if len(nodes) == 0 {
		return result
	}

	if p.cfg.HostsFile != "" {
		if err := appendHosts(p.cfg.HostsFile, nodes); err != nil {
			log.Printf("fleet: update %s: %v", p.cfg.HostsFile, err)
		}
	}

	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Label()
	}
	res, err := p.agent.GenerateKeys(ctx, names)
	if err = stepErr(res, err); err != nil {
		result.CredentialErr = nodeErr(strings.Join(names, ","), ErrCredentialPhase, err)
		log.Printf("fleet: key generation failed, skipping distribution: %v", err)
		return result
	}

	outcomes := make(chan ConfigureOutcome, len(nodes))
	var g errgroup.Group
	for _, node := range nodes {
		g.Go(func() error {
			out := p.configure(ctx, node)
			p.observer.ConfigureFinished(out)
			outcomes <- out
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)

	for out := range outcomes {
		result.Outcomes = append(result.Outcomes, out)
	}
	return result
}

func (p *Pipeline) configure(ctx context.Context, node *compute.Node) ConfigureOutcome {
	start := time.Now()
	out := ConfigureOutcome{Node: node.Label(), NodeID: node.ID}

	if p.cfg.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			out.Err = nodeErr(out.Node, ErrConfigurationStep, ctx.Err())
			out.Duration = time.Since(start)
			return out
		case <-time.After(p.cfg.SettleDelay):
		}
	}

	var errs error
	var output []string
	if p.resizer != nil && node.VolumeSize > p.cfg.VolumeFloor {
		res, err := p.resizer.Resize(ctx, node)
		output = append(output, res.Output)
		if err = stepErr(res, err); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("resize: %w", err))
		} else {
			out.Resized = true
		}
	}

	// The key is sent even when the resize failed.
	res, err := p.agent.SendKey(ctx, node.Label())
	output = append(output, res.Output)
	if err = stepErr(res, err); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("send key: %w", err))
	} else {
		out.KeySent = true
	}

	if errs != nil {
		out.Err = nodeErr(out.Node, ErrConfigurationStep, errs)
	}
	out.Output = strings.Join(output, "")
	out.Duration = time.Since(start)
	return out
}

func stepErr(res configagent.Result, err error) error {
	if err != nil {
		return err
	}
	return res.Err()
}

// appendHosts adds an "address name" line for every node with a known
// address.
func appendHosts(path string, nodes []*compute.Node) error {
	var b strings.Builder
	for _, n := range nodes {
		addr := n.PublicAddress
		if addr == "" {
			addr = n.PrivateAddress
		}
		if addr == "" {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", addr, n.Label())
	}
	if b.Len() == 0 {
		return nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
