package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensandbox/fleetctl/internal/config"
	"github.com/opensandbox/fleetctl/internal/fleet"
)

// options holds the persistent flags and the configuration they override.
type options struct {
	region      string
	provider    string
	inventory   string
	topology    string
	jsonOutput  bool
	resizeVia   string
	stdin       io.Reader
	stdinIsTerm func() bool
	cfg         *config.Config
}

// silentError carries an exit code for a failure that has already been
// reported to the operator.
type silentError struct {
	code int
	err  error
}

func (e *silentError) Error() string { return e.err.Error() }
func (e *silentError) Unwrap() error { return e.err }
func (e *silentError) ExitCode() int { return e.code }

// exitError attaches an exit code to an error that main should print.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func newRootCmd() *cobra.Command {
	return buildRootCmd(&options{stdin: os.Stdin, stdinIsTerm: stdinIsTerminal})
}

func buildRootCmd(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "fleetctl - Start, stop, launch and resize fleets of cloud nodes",
		Long: `fleetctl drives groups of cloud nodes through lifecycle actions.

Fleet-wide actions run in dependency-ordered stages: data nodes start first
and stop last, edge load balancers start last and stop first. Each node is
polled until it reaches the target status or times out, and the run ends with
a list of the nodes that succeeded and the nodes that failed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.region, "region", "", "cloud region (default $FLEETCTL_REGION or us-east-1)")
	flags.StringVar(&opts.provider, "provider", "", "inventory provider: ec2 or memory (default $FLEETCTL_PROVIDER or ec2)")
	flags.StringVar(&opts.inventory, "inventory-file", "", "YAML node list seeding the memory provider")
	flags.StringVar(&opts.topology, "topology", "", "YAML topology file (default: data, middle, edge)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print the final report as JSON on stdout")

	root.AddCommand(newEnvCmd(opts))
	root.AddCommand(newNodesCmd(opts))
	root.AddCommand(newLaunchCmd(opts))
	root.AddCommand(newRetypeCmd(opts))
	root.AddCommand(newListCmd(opts))
	return root
}

// load reads configuration and applies flag overrides.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.region != "" {
		cfg.Region = o.region
	}
	if o.provider != "" {
		cfg.Provider = o.provider
	}
	if o.inventory != "" {
		cfg.MemorySeed = o.inventory
	}
	if o.topology != "" {
		cfg.TopologyPath = o.topology
	}
	if o.resizeVia != "" {
		cfg.ResizeTransport = o.resizeVia
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch cfg.LogLevel {
	case "quiet":
		log.SetOutput(io.Discard)
	default:
		log.SetOutput(cmd.ErrOrStderr())
	}
	o.cfg = cfg
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, newRootCmd(), os.Args[1:], os.Stderr)
}

func run(ctx context.Context, root *cobra.Command, args []string, stderr io.Writer) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return fleet.ExitOK
	}
	var silent *silentError
	if !errors.As(err, &silent) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return fleet.ExitCode(err)
}
