package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensandbox/fleetctl/internal/fleet"
)

func newListCmd(opts *options) *cobra.Command {
	var (
		env   string
		force bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the nodes of an environment with their role and status",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.topology()
			if err != nil {
				return err
			}
			classifier, err := fleet.NewPatternClassifier(t)
			if err != nil {
				return err
			}

			nodes, err := fleet.NewSelector(a.inv).ByEnvironment(ctx, env, !force)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tID\tROLE\tSTATUS\tTYPE\tAUTOCONTROL\tADDRESS")
			for _, n := range nodes {
				addr := n.PublicAddress
				if addr == "" {
					addr = n.PrivateAddress
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
					n.Label(), n.ID, classifier.Classify(n.Name), n.Status, n.InstanceType, n.Autocontrol, addr)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment tag to list")
	cmd.Flags().BoolVar(&force, "all", false, "include nodes without autocontrol=true")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}
