package compute

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const defaultRootDevice = "/dev/sda1"

var (
	ErrRegionNotFound = errors.New("region not found")
	ErrImageNotFound  = errors.New("image not found")
)

// liveStates are the instance states considered by name lookups. Terminated
// instances linger in DescribeInstances for a while and would otherwise make
// a reused name look ambiguous.
var liveStates = []string{"pending", "running", "stopping", "stopped", "shutting-down"}

// ec2API is the subset of the EC2 client used by EC2Inventory.
type ec2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, in *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DescribeAddresses(ctx context.Context, in *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	AssociateAddress(ctx context.Context, in *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error)
	ModifyInstanceAttribute(ctx context.Context, in *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	DescribeRegions(ctx context.Context, in *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
	DescribeImages(ctx context.Context, in *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
}

// EC2InventoryConfig configures the EC2 inventory provider.
type EC2InventoryConfig struct {
	SubnetID           string
	KeyName            string
	IAMInstanceProfile string
	RootDevice         string // block device name of the root volume, default /dev/sda1
}

// EC2Inventory implements Inventory using AWS EC2 instances.
type EC2Inventory struct {
	client ec2API
	cfg    EC2InventoryConfig
}

// LoadAWSConfig builds an AWS config for region. Static keys are used when
// accessKeyID is set; otherwise the default credential chain (instance
// profile, env vars, shared config) applies.
func LoadAWSConfig(ctx context.Context, region, accessKeyID, secretAccessKey string) (aws.Config, error) {
	if accessKeyID != "" {
		return aws.Config{
			Region: region,
			Credentials: credentials.NewStaticCredentialsProvider(
				accessKeyID,
				secretAccessKey,
				"",
			),
		}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

// NewEC2Inventory creates an EC2 inventory provider from an AWS config.
func NewEC2Inventory(awsCfg aws.Config, cfg EC2InventoryConfig) *EC2Inventory {
	return newEC2Inventory(ec2.NewFromConfig(awsCfg), cfg)
}

func newEC2Inventory(client ec2API, cfg EC2InventoryConfig) *EC2Inventory {
	if cfg.RootDevice == "" {
		cfg.RootDevice = defaultRootDevice
	}
	return &EC2Inventory{client: client, cfg: cfg}
}

func (p *EC2Inventory) QueryNodes(ctx context.Context, filters ...TagFilter) ([]*Node, error) {
	input := &ec2.DescribeInstancesInput{}
	for _, f := range filters {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name:   aws.String("tag:" + f.Key),
			Values: []string{f.Value},
		})
	}
	return p.describe(ctx, "DescribeInstances", input)
}

func (p *EC2Inventory) FindByName(ctx context.Context, name string) ([]*Node, error) {
	return p.describe(ctx, "DescribeInstances", &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + TagName), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: liveStates},
		},
	})
}

func (p *EC2Inventory) Describe(ctx context.Context, id string) (*Node, error) {
	nodes, err := p.describe(ctx, "DescribeInstances", &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		// Freshly launched instances may not be visible yet.
		return nil, &ProviderError{
			Op:        "DescribeInstances",
			NodeID:    id,
			Code:      "InvalidInstanceID.NotFound",
			Retryable: true,
			Err:       fmt.Errorf("instance not visible"),
		}
	}
	return nodes[0], nil
}

func (p *EC2Inventory) describe(ctx context.Context, op string, input *ec2.DescribeInstancesInput) ([]*Node, error) {
	var nodes []*Node
	paginator := ec2.NewDescribeInstancesPaginator(p.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapAPIError(op, strings.Join(input.InstanceIds, ","), err)
		}
		for _, res := range page.Reservations {
			for i := range res.Instances {
				nodes = append(nodes, instanceToNode(&res.Instances[i]))
			}
		}
	}
	return nodes, nil
}

func (p *EC2Inventory) SetLifecycle(ctx context.Context, id string, verb Verb) error {
	ids := []string{id}
	var err error
	var op string
	switch verb {
	case VerbStart:
		op = "StartInstances"
		_, err = p.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	case VerbStop:
		op = "StopInstances"
		_, err = p.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids})
	case VerbReboot:
		op = "RebootInstances"
		_, err = p.client.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: ids})
	default:
		return fmt.Errorf("ec2: unknown lifecycle verb %q", verb)
	}
	if err != nil {
		return fmt.Errorf("ec2: %w", wrapAPIError(op, id, err))
	}
	return nil
}

func (p *EC2Inventory) Tag(ctx context.Context, id, key, value string) error {
	_, err := p.client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags: []ec2types.Tag{
			{Key: aws.String(key), Value: aws.String(value)},
		},
	})
	if err != nil {
		return fmt.Errorf("ec2: failed to tag %s with %s: %w", id, key, wrapAPIError("CreateTags", id, err))
	}
	return nil
}

// AssociateAddress binds an elastic address already allocated to the account
// to the instance. VPC addresses are associated by allocation ID.
func (p *EC2Inventory) AssociateAddress(ctx context.Context, id, address string) error {
	out, err := p.client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{
		PublicIps: []string{address},
	})
	if err != nil {
		return fmt.Errorf("ec2: %w", wrapAPIError("DescribeAddresses", id, err))
	}
	if len(out.Addresses) == 0 {
		return fmt.Errorf("ec2: address %s is not allocated to this account", address)
	}

	input := &ec2.AssociateAddressInput{InstanceId: aws.String(id)}
	if alloc := out.Addresses[0].AllocationId; alloc != nil {
		input.AllocationId = alloc
		input.AllowReassociation = aws.Bool(true)
	} else {
		input.PublicIp = aws.String(address)
	}
	if _, err := p.client.AssociateAddress(ctx, input); err != nil {
		return fmt.Errorf("ec2: %w", wrapAPIError("AssociateAddress", id, err))
	}
	return nil
}

func (p *EC2Inventory) Launch(ctx context.Context, params LaunchParams) (*Node, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(params.ImageID),
		InstanceType: ec2types.InstanceType(params.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(params.UserData))),
		BlockDeviceMappings: []ec2types.BlockDeviceMapping{
			{
				DeviceName: aws.String(p.cfg.RootDevice),
				Ebs: &ec2types.EbsBlockDevice{
					VolumeSize:          aws.Int32(params.VolumeSize),
					DeleteOnTermination: aws.Bool(false),
				},
			},
		},
	}

	if params.Zone != "" {
		input.Placement = &ec2types.Placement{AvailabilityZone: aws.String(params.Zone)}
	}
	if sg := params.SecurityGroup; sg != "" {
		if strings.HasPrefix(sg, "sg-") {
			input.SecurityGroupIds = []string{sg}
		} else {
			input.SecurityGroups = []string{sg}
		}
	}
	if p.cfg.SubnetID != "" {
		input.SubnetId = aws.String(p.cfg.SubnetID)
	}
	if p.cfg.KeyName != "" {
		input.KeyName = aws.String(p.cfg.KeyName)
	}
	if p.cfg.IAMInstanceProfile != "" {
		input.IamInstanceProfile = &ec2types.IamInstanceProfileSpecification{
			Name: aws.String(p.cfg.IAMInstanceProfile),
		}
	}

	result, err := p.client.RunInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ec2: RunInstances failed for %s: %w", params.Name, wrapAPIError("RunInstances", "", err))
	}
	if len(result.Instances) == 0 {
		return nil, fmt.Errorf("ec2: no instances returned for %s", params.Name)
	}

	node := instanceToNode(&result.Instances[0])
	if node.Name == "" {
		node.Name = params.Name
	}
	node.VolumeSize = params.VolumeSize
	return node, nil
}

func (p *EC2Inventory) SetInstanceType(ctx context.Context, id, instanceType string) error {
	_, err := p.client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId:   aws.String(id),
		InstanceType: &ec2types.AttributeValue{Value: aws.String(instanceType)},
	})
	if err != nil {
		return fmt.Errorf("ec2: %w", wrapAPIError("ModifyInstanceAttribute", id, err))
	}
	return nil
}

// ValidateRegion checks that region is a region known to the account.
func (p *EC2Inventory) ValidateRegion(ctx context.Context, region string) error {
	out, err := p.client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{AllRegions: aws.Bool(true)})
	if err != nil {
		return fmt.Errorf("ec2: %w", wrapAPIError("DescribeRegions", "", err))
	}
	var names []string
	for _, r := range out.Regions {
		name := aws.ToString(r.RegionName)
		if name == region {
			return nil
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Errorf("%w: %q (valid regions: %s)", ErrRegionNotFound, region, strings.Join(names, ", "))
}

// ValidateImage checks that imageID is an image owned by the account.
func (p *EC2Inventory) ValidateImage(ctx context.Context, imageID string) error {
	out, err := p.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners:   []string{"self"},
		ImageIds: []string{imageID},
	})
	if err != nil {
		return fmt.Errorf("ec2: %w", wrapAPIError("DescribeImages", "", err))
	}
	if len(out.Images) == 0 {
		return fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	return nil
}

func instanceToNode(inst *ec2types.Instance) *Node {
	node := &Node{
		ID:             aws.ToString(inst.InstanceId),
		InstanceType:   string(inst.InstanceType),
		PublicAddress:  aws.ToString(inst.PublicIpAddress),
		PrivateAddress: aws.ToString(inst.PrivateIpAddress),
		Status:         StatusError,
	}

	for _, tag := range inst.Tags {
		switch aws.ToString(tag.Key) {
		case TagName:
			node.Name = aws.ToString(tag.Value)
		case TagEnvironment:
			node.Environment = aws.ToString(tag.Value)
		case TagAutocontrol:
			node.Autocontrol, _ = strconv.ParseBool(aws.ToString(tag.Value))
		}
	}

	if inst.State != nil {
		switch inst.State.Name {
		case ec2types.InstanceStateNamePending:
			node.Status = StatusPending
		case ec2types.InstanceStateNameRunning:
			node.Status = StatusRunning
		case ec2types.InstanceStateNameStopping, ec2types.InstanceStateNameShuttingDown:
			node.Status = StatusStopping
		case ec2types.InstanceStateNameStopped:
			node.Status = StatusStopped
		case ec2types.InstanceStateNameTerminated:
			node.Status = StatusTerminated
		}
	}

	if inst.Placement != nil {
		node.Zone = aws.ToString(inst.Placement.AvailabilityZone)
	}

	// Addresses not owned by "amazon" are elastic.
	for _, ni := range inst.NetworkInterfaces {
		if ni.Association == nil {
			continue
		}
		if owner := aws.ToString(ni.Association.IpOwnerId); owner != "" && owner != "amazon" {
			node.ElasticAddress = aws.ToString(ni.Association.PublicIp)
			break
		}
	}

	return node
}
