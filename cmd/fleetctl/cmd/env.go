package cmd

import (
	"github.com/spf13/cobra"

	"github.com/opensandbox/fleetctl/internal/fleet"
)

func newEnvCmd(opts *options) *cobra.Command {
	var (
		env    string
		action string
		batch  bool
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "env",
		Short: "Start, stop or reboot every node of an environment",
		Long: `Apply a lifecycle action to every node tagged with the environment.

Only nodes tagged autocontrol=true are included unless --force is given.
Nodes are processed in stages; each stage finishes before the next begins.`,
		Example: `  fleetctl env --env staging --action stop
  fleetctl env --env production --action start --batch`,
		Args: cobra.NoArgs,
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

			release, err := a.lockEnvironments(ctx, []string{env})
			if err != nil {
				return err
			}
			defer release()

			plan, err := runner.Prepare(ctx, act, fleet.Target{Environment: env, AutocontrolOnly: !force})
			if err != nil {
				return err
			}
			if !batch {
				if err := a.confirm(plan); err != nil {
					return err
				}
			}
			return a.finish(ctx, runner.Execute(ctx, plan))
		},
	}

	cmd.Flags().StringVarP(&env, "env", "e", "", "environment tag to act on")
	cmd.Flags().StringVarP(&action, "action", "a", "", "start, stop or reboot")
	cmd.Flags().BoolVar(&batch, "batch", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&force, "force", false, "include nodes without autocontrol=true")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}
