package cmd

import (
	"github.com/spf13/cobra"

	"github.com/opensandbox/fleetctl/internal/compute"
	"github.com/opensandbox/fleetctl/internal/fleet"
)

func newRetypeCmd(opts *options) *cobra.Command {
	var host, instanceType string

	cmd := &cobra.Command{
		Use:   "retype",
		Short: "Change the instance type of one node",
		Long: `Stop a node, change its instance type and start it again.

The node's elastic address is re-associated once it is running.`,
		Example: `  fleetctl retype --host appdb001 --type m1.xlarge`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			node, err := fleet.NewSelector(a.inv).One(ctx, host)
			if err != nil {
				return err
			}
			release, err := a.lockEnvironments(ctx, environmentsOf([]*compute.Node{node}))
			if err != nil {
				return err
			}
			defer release()

			retyper := fleet.NewRetyper(a.inv, a.engine(), a.cfg.BatchPollInterval, a.observer)
			report, err := retyper.Retype(ctx, host, instanceType)
			if err != nil {
				return err
			}
			return a.finish(ctx, report)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "name of the node to change")
	cmd.Flags().StringVar(&instanceType, "type", "", "new instance type")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
