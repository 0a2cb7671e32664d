package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opensandbox/fleetctl/internal/compute"
	"github.com/opensandbox/fleetctl/internal/config"
	"github.com/opensandbox/fleetctl/internal/configagent"
	"github.com/opensandbox/fleetctl/internal/events"
	"github.com/opensandbox/fleetctl/internal/fleet"
	"github.com/opensandbox/fleetctl/internal/lock"
	"github.com/opensandbox/fleetctl/internal/metrics"
	"github.com/opensandbox/fleetctl/internal/resolver"
	"github.com/opensandbox/fleetctl/internal/storage"
)

// app is the set of collaborators one command invocation runs with.
type app struct {
	cfg      *config.Config
	opts     *options
	out      io.Writer // progress stream
	data     io.Writer // final JSON report
	progress *fleet.Progress

	inv    compute.Inventory
	ec2    *compute.EC2Inventory // nil for the memory provider
	awsCfg aws.Config

	observer fleet.Observers
	locker   *lock.Locker
	reports  *storage.ReportStore
	closers  []func()
}

func newApp(ctx context.Context, cmd *cobra.Command, opts *options) (*app, error) {
	cfg := opts.cfg
	a := &app{cfg: cfg, opts: opts, out: cmd.OutOrStdout(), data: cmd.OutOrStdout()}
	if opts.jsonOutput {
		a.out = cmd.ErrOrStderr()
	}

	switch cfg.Provider {
	case "memory":
		inv := compute.NewMemoryInventory()
		if cfg.MemorySeed != "" {
			seeded, err := compute.LoadMemoryInventory(cfg.MemorySeed)
			if err != nil {
				return nil, &exitError{code: fleet.ExitConfigRead, err: err}
			}
			inv = seeded
		}
		a.inv = inv
	default:
		awsCfg, err := compute.LoadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		a.awsCfg = awsCfg
		a.ec2 = compute.NewEC2Inventory(awsCfg, compute.EC2InventoryConfig{
			SubnetID:           cfg.SubnetID,
			KeyName:            cfg.KeyName,
			IAMInstanceProfile: cfg.IAMInstanceProfile,
			RootDevice:         cfg.RootDevice,
		})
		a.inv = a.ec2
	}

	a.progress = fleet.NewProgress(a.out)
	a.observer = fleet.Observers{a.progress, metrics.NewObserver(cfg.PushgatewayURL)}
	if cfg.LogLevel == "debug" {
		a.observer = append(a.observer, pollLogger{})
	}

	if cfg.MetricsAddr != "" {
		srv := metrics.StartMetricsServer(cfg.MetricsAddr)
		a.closers = append(a.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Printf("fleetctl: events disabled: %v", err)
		} else {
			a.observer = append(a.observer, pub)
			a.closers = append(a.closers, pub.Close)
		}
	}

	if cfg.RedisURL != "" {
		locker, err := lock.NewLocker(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("run lock: %w", err)
		}
		a.locker = locker
		a.closers = append(a.closers, func() { locker.Close() })
	}

	if cfg.ReportBucket != "" && a.ec2 != nil {
		a.reports = storage.NewReportStore(a.awsCfg, storage.S3Config{
			Bucket: cfg.ReportBucket,
			Prefix: cfg.ReportPrefix,
		})
	}
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) engineConfig() fleet.EngineConfig {
	ec := fleet.DefaultEngineConfig()
	ec.PollInterval = a.cfg.PollInterval
	ec.StartTimeout = a.cfg.StartTimeout
	ec.StopTimeout = a.cfg.StopTimeout
	ec.RebootTimeout = a.cfg.RebootTimeout
	if a.cfg.VerbAttempts > 0 {
		ec.VerbAttempts = a.cfg.VerbAttempts
	}
	return ec
}

func (a *app) engine() *fleet.Engine {
	return fleet.NewEngine(a.inv, resolver.New(a.cfg.Resolvers, 5*time.Second), a.engineConfig(), a.observer)
}

func (a *app) topology() (fleet.Topology, error) {
	if a.cfg.TopologyPath == "" {
		return fleet.DefaultTopology(), nil
	}
	t, err := fleet.LoadTopology(a.cfg.TopologyPath)
	if err != nil {
		return fleet.Topology{}, &exitError{code: fleet.ExitConfigFormat, err: err}
	}
	return t, nil
}

func (a *app) planner() (*fleet.Planner, error) {
	t, err := a.topology()
	if err != nil {
		return nil, err
	}
	return fleet.NewTopologyPlanner(t)
}

func (a *app) runner() (*fleet.Runner, error) {
	planner, err := a.planner()
	if err != nil {
		return nil, err
	}
	return fleet.NewRunner(fleet.NewSelector(a.inv), planner, a.engine(), a.observer), nil
}

func (a *app) agent() *configagent.ExecAgent {
	return configagent.NewExecAgent(configagent.ExecConfig{
		GenKeyScript:  a.cfg.GenKeyScript,
		SendKeyScript: a.cfg.SendKeyScript,
		RootDevice:    a.cfg.RootDevice,
		Dir:           a.cfg.ScriptDir,
		Timeout:       a.cfg.ScriptTimeout,
		UsePTY:        a.cfg.UsePTY,
		Stream:        a.progress.Writer(),
	})
}

func (a *app) resizer(agent *configagent.ExecAgent) fleet.Resizer {
	if a.cfg.ResizeTransport == "ssm" && a.ec2 != nil {
		return configagent.NewSSMResizer(a.awsCfg, a.cfg.RootDevice)
	}
	return agent
}

// lockEnvironments takes the run lock for every environment in envs. The
// returned release func is safe to call when no locker is configured.
func (a *app) lockEnvironments(ctx context.Context, envs []string) (func(), error) {
	if a.locker == nil {
		return func() {}, nil
	}
	holder := holderName()
	var leases []*lock.Lease
	release := func() {
		for _, l := range leases {
			// The run context may be cancelled already.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.Release(releaseCtx); err != nil {
				log.Printf("fleetctl: %v", err)
			}
			cancel()
		}
	}
	for _, env := range envs {
		lease, err := a.locker.Acquire(ctx, env, holder, a.cfg.LockTTL)
		if err != nil {
			release()
			return nil, err
		}
		leases = append(leases, lease)
	}
	return release, nil
}

// finish emits the JSON report, uploads it, and converts per-node failures
// into the process exit code.
func (a *app) finish(ctx context.Context, report *fleet.Report) error {
	if a.opts.jsonOutput {
		enc := json.NewEncoder(a.data)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	if a.reports != nil {
		uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if key, err := a.reports.Upload(uploadCtx, report); err != nil {
			log.Printf("fleetctl: %v", err)
		} else {
			log.Printf("fleetctl: report stored at s3://%s/%s", a.cfg.ReportBucket, key)
		}
	}
	if code := report.ExitCode(); code != fleet.ExitOK {
		return &silentError{code: code, err: report.Err()}
	}
	if err := ctx.Err(); err != nil {
		return &silentError{code: fleet.ExitNodeFailures, err: err}
	}
	return nil
}

// confirm asks the operator to approve plan. Without a terminal there is
// nobody to ask, so the caller must pass --batch.
func (a *app) confirm(plan *fleet.Plan) error {
	if !a.opts.stdinIsTerm() {
		return fmt.Errorf("stdin is not a terminal; pass --batch to run without confirmation")
	}
	fmt.Fprintf(a.out, "About to %s %d nodes in %s:\n", plan.Action, len(plan.Nodes), plan.Environment)
	for i, st := range plan.Stages {
		names := make([]string, 0, len(st.Nodes))
		for _, n := range st.Nodes {
			names = append(names, n.Label())
		}
		fmt.Fprintf(a.out, "  stage %d (%s): %s\n", i+1, st.Role, strings.Join(names, ", "))
	}
	fmt.Fprint(a.out, "Proceed? [y/N]: ")

	reader := bufio.NewReader(a.opts.stdin)
	input, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read input: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return nil
	}
	fmt.Fprintln(a.out, "Aborted.")
	return &silentError{code: fleet.ExitOK, err: errors.New("aborted by operator")}
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func holderName() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "unknown"
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return fmt.Sprintf("%s@%s (pid %d)", user, host, os.Getpid())
}

func environmentsOf(nodes []*compute.Node) []string {
	seen := make(map[string]bool)
	var envs []string
	for _, n := range nodes {
		if n.Environment != "" && !seen[n.Environment] {
			seen[n.Environment] = true
			envs = append(envs, n.Environment)
		}
	}
	sort.Strings(envs)
	return envs
}

// pollLogger logs every status poll.
type pollLogger struct{ fleet.NopObserver }

func (pollLogger) NodePolled(n *compute.Node, s compute.Status) {
	log.Printf("fleet: poll %s (%s): %s", n.Label(), n.ID, s)
}
