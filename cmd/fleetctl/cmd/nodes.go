package cmd

import (
	"github.com/spf13/cobra"

	"github.com/opensandbox/fleetctl/internal/fleet"
)

func newNodesCmd(opts *options) *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:   "nodes NAME...",
		Short: "Start, stop or reboot named nodes",
		Long: `Apply a lifecycle action to nodes given by name.

Each name must match exactly one node. Names that match nothing or more than
one node are reported and skipped; the remaining nodes are still processed.`,
		Example: `  fleetctl nodes --action reboot app001 app002`,
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := fleet.ParseAction(action)
			if err != nil {
				return &exitError{code: fleet.ExitConfigFormat, err: err}
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, err := a.runner()
			if err != nil {
				return err
			}

			plan, err := runner.Prepare(ctx, act, fleet.Target{Identifiers: args})
			if err != nil {
				return err
			}

			release, err := a.lockEnvironments(ctx, environmentsOf(plan.Nodes))
			if err != nil {
				return err
			}
			defer release()

			return a.finish(ctx, runner.Execute(ctx, plan))
		},
	}

	cmd.Flags().StringVarP(&action, "action", "a", "", "start, stop or reboot")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
