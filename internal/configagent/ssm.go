package configagent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/opensandbox/fleetctl/internal/compute"
)

type ssmAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
}

// SSMResizer grows root filesystems through SSM Run Command, for nodes that
// are not reachable over ssh from the operator's machine.
type SSMResizer struct {
	client       ssmAPI
	device       string
	pollInterval time.Duration
	timeout      time.Duration
}

// NewSSMResizer creates a resizer from an AWS config.
func NewSSMResizer(cfg aws.Config, device string) *SSMResizer {
	return newSSMResizer(ssm.NewFromConfig(cfg), device)
}

func newSSMResizer(client ssmAPI, device string) *SSMResizer {
	if device == "" {
		device = "/dev/sda1"
	}
	return &SSMResizer{
		client:       client,
		device:       device,
		pollInterval: 2 * time.Second,
		timeout:      5 * time.Minute,
	}
}

// Resize runs resize2fs on the node and waits for the invocation to finish.
func (r *SSMResizer) Resize(ctx context.Context, node *compute.Node) (Result, error) {
	out, err := r.client.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String("AWS-RunShellScript"),
		InstanceIds:  []string{node.ID},
		Comment:      aws.String("fleetctl resize " + node.Label()),
		Parameters: map[string][]string{
			"commands": {"resize2fs -f " + r.device},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("ssm send command to %s: %w", node.ID, err)
	}
	commandID := aws.ToString(out.Command.CommandId)
	log.Printf("configagent: resize %s as ssm command %s", node.Label(), commandID)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("ssm command %s: %w", commandID, ctx.Err())
		case <-ticker.C:
		}

		inv, err := r.client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
			CommandId:  aws.String(commandID),
			InstanceId: aws.String(node.ID),
		})
		if err != nil {
			// The invocation is not visible until the agent picks it up.
			var notYet *ssmtypes.InvocationDoesNotExist
			if errors.As(err, &notYet) {
				continue
			}
			return Result{}, fmt.Errorf("ssm get invocation %s: %w", commandID, err)
		}

		switch inv.Status {
		case ssmtypes.CommandInvocationStatusPending,
			ssmtypes.CommandInvocationStatusInProgress,
			ssmtypes.CommandInvocationStatusDelayed:
			continue
		case ssmtypes.CommandInvocationStatusSuccess:
			return Result{ExitCode: 0, Output: aws.ToString(inv.StandardOutputContent)}, nil
		}

		code := int(inv.ResponseCode)
		if code == 0 {
			code = 1
		}
		output := aws.ToString(inv.StandardOutputContent) + aws.ToString(inv.StandardErrorContent)
		if output == "" {
			output = string(inv.Status)
		}
		return Result{ExitCode: code, Output: output}, nil
	}
}
