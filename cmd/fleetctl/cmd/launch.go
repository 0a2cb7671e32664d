package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/opensandbox/fleetctl/internal/fleet"
)

func newLaunchCmd(opts *options) *cobra.Command {
	var (
		imageID       string
		securityGroup string
		instanceType  string
		zone          string
		env           string
		hostsFile     string
		volumeSize    int32
		autocontrol   bool
		configure     bool
	)

	cmd := &cobra.Command{
		Use:   "launch NAME...",
		Short: "Launch and configure new nodes",
		Long: `Launch one node per name, wait for each to run, tag it, and then
generate and distribute credentials to every node that came up.

Launches run concurrently. A node that fails to launch is reported and never
configured; the others are unaffected. The environment tag defaults to the
one mapped from the security group.`,
		Example: `  fleetctl launch --image-id ami-0abc --security-group staging app005 app006
  fleetctl launch --image-id ami-0abc --security-group bm-ops-ec2 --volume-size 100 appdb003`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if imageID == "" {
				return &exitError{code: fleet.ExitNoImage, err: errors.New("no image id given (--image-id)")}
			}
			if securityGroup == "" {
				return &exitError{code: fleet.ExitNoSecurityGrp, err: errors.New("no security group given (--security-group)")}
			}
			if len(args) == 0 {
				return fleet.ErrNoRequests
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.ec2 != nil {
				if err := a.ec2.ValidateRegion(ctx, a.cfg.Region); err != nil {
					return err
				}
				if err := a.ec2.ValidateImage(ctx, imageID); err != nil {
					return err
				}
			}

			if env == "" {
				env = a.cfg.EnvironmentForGroup(securityGroup)
			}
			if instanceType == "" {
				instanceType = a.cfg.DefaultInstanceType
			}
			reqs := make([]fleet.ProvisionRequest, 0, len(args))
			for _, name := range args {
				reqs = append(reqs, fleet.ProvisionRequest{
					Name:          name,
					ImageID:       imageID,
					InstanceType:  instanceType,
					SecurityGroup: securityGroup,
					Environment:   env,
					Zone:          zone,
					VolumeSize:    volumeSize,
					Autocontrol:   autocontrol,
				})
			}

			release, err := a.lockEnvironments(ctx, []string{env})
			if err != nil {
				return err
			}
			defer release()

			pcfg := fleet.DefaultProvisionerConfig()
			pcfg.PendingInterval = a.cfg.BatchPollInterval
			pcfg.LaunchTimeout = a.cfg.LaunchTimeout
			if a.cfg.VerbAttempts > 0 {
				pcfg.LaunchAttempts = a.cfg.VerbAttempts
			}
			provisioner := fleet.NewProvisioner(a.inv, pcfg, a.observer)

			var pipeline *fleet.Pipeline
			if configure {
				if hostsFile == "" {
					hostsFile = a.cfg.HostsFile
				}
				agent := a.agent()
				pipeline = fleet.NewPipeline(agent, a.resizer(agent), fleet.PipelineConfig{
					VolumeFloor: int32(a.cfg.VolumeFloor),
					SettleDelay: a.cfg.SettleDelay,
					HostsFile:   hostsFile,
				}, a.observer)
			}

			report, err := provisioner.Run(ctx, reqs, pipeline)
			if err != nil {
				return err
			}
			return a.finish(ctx, report)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&imageID, "image-id", "", "machine image to launch")
	flags.StringVar(&securityGroup, "security-group", "", "security group for the new nodes")
	flags.StringVar(&instanceType, "instance-type", "", "instance type (default $FLEETCTL_DEFAULT_INSTANCE_TYPE or m1.large)")
	flags.StringVar(&zone, "zone", "", "availability zone")
	flags.StringVar(&env, "env", "", "environment tag (default: mapped from the security group)")
	flags.StringVar(&hostsFile, "hosts-file", "", "append 'address name' lines for launched nodes to this file")
	flags.Int32Var(&volumeSize, "volume-size", 8, "root volume size in GiB; larger volumes are resized after boot")
	flags.BoolVar(&autocontrol, "autocontrol", true, "tag nodes for fleet-wide start and stop")
	flags.BoolVar(&configure, "configure", true, "generate and distribute credentials after launch")
	flags.StringVar(&opts.resizeVia, "resize-via", "", "resize transport: ssh or ssm (default $FLEETCTL_RESIZE_TRANSPORT or ssh)")
	return cmd
}
