package compute

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	ec2API // unimplemented methods panic

	instances   []ec2types.Instance
	describeIn  *ec2.DescribeInstancesInput
	runIn       *ec2.RunInstancesInput
	associateIn *ec2.AssociateAddressInput
	addresses   []ec2types.Address
	regions     []string
	startErr    error
	startedIDs  []string
	modifyIn    *ec2.ModifyInstanceAttributeInput
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.describeIn = in
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: f.instances}},
	}, nil
}

func (f *fakeEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.startedIDs = append(f.startedIDs, in.InstanceIds...)
	return &ec2.StartInstancesOutput{}, f.startErr
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.runIn = in
	return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{{
		InstanceId: aws.String("i-0123"),
		State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
	}}}, nil
}

func (f *fakeEC2) DescribeAddresses(_ context.Context, _ *ec2.DescribeAddressesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	return &ec2.DescribeAddressesOutput{Addresses: f.addresses}, nil
}

func (f *fakeEC2) AssociateAddress(_ context.Context, in *ec2.AssociateAddressInput, _ ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error) {
	f.associateIn = in
	return &ec2.AssociateAddressOutput{}, nil
}

func (f *fakeEC2) ModifyInstanceAttribute(_ context.Context, in *ec2.ModifyInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	f.modifyIn = in
	return &ec2.ModifyInstanceAttributeOutput{}, nil
}

func (f *fakeEC2) DescribeRegions(_ context.Context, _ *ec2.DescribeRegionsInput, _ ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	out := &ec2.DescribeRegionsOutput{}
	for _, r := range f.regions {
		out.Regions = append(out.Regions, ec2types.Region{RegionName: aws.String(r)})
	}
	return out, nil
}

func instance(id, name string, state ec2types.InstanceStateName) ec2types.Instance {
	return ec2types.Instance{
		InstanceId: aws.String(id),
		State:      &ec2types.InstanceState{Name: state},
		Tags: []ec2types.Tag{
			{Key: aws.String(TagName), Value: aws.String(name)},
			{Key: aws.String(TagEnvironment), Value: aws.String("staging")},
			{Key: aws.String(TagAutocontrol), Value: aws.String("true")},
		},
	}
}

func TestInstanceToNode_StatusMapping(t *testing.T) {
	tests := []struct {
		state ec2types.InstanceStateName
		want  Status
	}{
		{ec2types.InstanceStateNamePending, StatusPending},
		{ec2types.InstanceStateNameRunning, StatusRunning},
		{ec2types.InstanceStateNameStopping, StatusStopping},
		{ec2types.InstanceStateNameShuttingDown, StatusStopping},
		{ec2types.InstanceStateNameStopped, StatusStopped},
		{ec2types.InstanceStateNameTerminated, StatusTerminated},
		{ec2types.InstanceStateName("bogus"), StatusError},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			inst := instance("i-1", "app001", tt.state)
			assert.Equal(t, tt.want, instanceToNode(&inst).Status)
		})
	}
}

func TestInstanceToNode_TagsAndElasticAddress(t *testing.T) {
	inst := instance("i-1", "appdb001", ec2types.InstanceStateNameRunning)
	inst.NetworkInterfaces = []ec2types.InstanceNetworkInterface{{
		Association: &ec2types.InstanceNetworkInterfaceAssociation{
			IpOwnerId: aws.String("123456789012"),
			PublicIp:  aws.String("203.0.113.10"),
		},
	}}

	node := instanceToNode(&inst)
	assert.Equal(t, "appdb001", node.Name)
	assert.Equal(t, "staging", node.Environment)
	assert.True(t, node.Autocontrol)
	assert.Equal(t, "203.0.113.10", node.ElasticAddress)
}

func TestInstanceToNode_AmazonOwnedAddressIsNotElastic(t *testing.T) {
	inst := instance("i-1", "app001", ec2types.InstanceStateNameRunning)
	inst.NetworkInterfaces = []ec2types.InstanceNetworkInterface{{
		Association: &ec2types.InstanceNetworkInterfaceAssociation{
			IpOwnerId: aws.String("amazon"),
			PublicIp:  aws.String("198.51.100.7"),
		},
	}}
	assert.Empty(t, instanceToNode(&inst).ElasticAddress)
}

func TestEC2Inventory_QueryNodesBuildsTagFilters(t *testing.T) {
	fake := &fakeEC2{instances: []ec2types.Instance{instance("i-1", "app001", ec2types.InstanceStateNameStopped)}}
	inv := newEC2Inventory(fake, EC2InventoryConfig{})

	nodes, err := inv.QueryNodes(context.Background(), EnvironmentFilter("staging"), AutocontrolFilter())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "app001", nodes[0].Name)

	require.Len(t, fake.describeIn.Filters, 2)
	assert.Equal(t, "tag:environment", aws.ToString(fake.describeIn.Filters[0].Name))
	assert.Equal(t, []string{"staging"}, fake.describeIn.Filters[0].Values)
	assert.Equal(t, "tag:autocontrol", aws.ToString(fake.describeIn.Filters[1].Name))
	assert.Equal(t, []string{"true"}, fake.describeIn.Filters[1].Values)
}

func TestEC2Inventory_FindByNameExcludesTerminated(t *testing.T) {
	fake := &fakeEC2{}
	inv := newEC2Inventory(fake, EC2InventoryConfig{})

	_, err := inv.FindByName(context.Background(), "web1")
	require.NoError(t, err)
	require.Len(t, fake.describeIn.Filters, 2)
	assert.NotContains(t, fake.describeIn.Filters[1].Values, "terminated")
}

func TestEC2Inventory_DescribeMissingIsRetryable(t *testing.T) {
	inv := newEC2Inventory(&fakeEC2{}, EC2InventoryConfig{})

	_, err := inv.Describe(context.Background(), "i-404")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestEC2Inventory_LaunchParameters(t *testing.T) {
	fake := &fakeEC2{}
	inv := newEC2Inventory(fake, EC2InventoryConfig{KeyName: "ops"})

	node, err := inv.Launch(context.Background(), LaunchParams{
		Name:          "acs001",
		ImageID:       "ami-f587569c",
		InstanceType:  "c1.medium",
		SecurityGroup: "staging",
		Zone:          "us-east-1a",
		VolumeSize:    16,
		UserData:      "acs001",
	})
	require.NoError(t, err)
	assert.Equal(t, "i-0123", node.ID)
	assert.Equal(t, "acs001", node.Name)
	assert.Equal(t, StatusPending, node.Status)

	in := fake.runIn
	assert.Equal(t, []string{"staging"}, in.SecurityGroups)
	assert.Empty(t, in.SecurityGroupIds)
	assert.Equal(t, "us-east-1a", aws.ToString(in.Placement.AvailabilityZone))
	assert.Equal(t, "ops", aws.ToString(in.KeyName))
	require.Len(t, in.BlockDeviceMappings, 1)
	assert.Equal(t, defaultRootDevice, aws.ToString(in.BlockDeviceMappings[0].DeviceName))
	assert.Equal(t, int32(16), aws.ToInt32(in.BlockDeviceMappings[0].Ebs.VolumeSize))
	assert.False(t, aws.ToBool(in.BlockDeviceMappings[0].Ebs.DeleteOnTermination))
	assert.Equal(t, "YWNzMDAx", aws.ToString(in.UserData))
}

func TestEC2Inventory_LaunchSecurityGroupID(t *testing.T) {
	fake := &fakeEC2{}
	inv := newEC2Inventory(fake, EC2InventoryConfig{})

	_, err := inv.Launch(context.Background(), LaunchParams{Name: "a1", SecurityGroup: "sg-0abc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sg-0abc"}, fake.runIn.SecurityGroupIds)
	assert.Empty(t, fake.runIn.SecurityGroups)
}

func TestEC2Inventory_AssociateAddressUsesAllocationID(t *testing.T) {
	fake := &fakeEC2{addresses: []ec2types.Address{{
		PublicIp:     aws.String("203.0.113.10"),
		AllocationId: aws.String("eipalloc-1"),
	}}}
	inv := newEC2Inventory(fake, EC2InventoryConfig{})

	require.NoError(t, inv.AssociateAddress(context.Background(), "i-1", "203.0.113.10"))
	assert.Equal(t, "eipalloc-1", aws.ToString(fake.associateIn.AllocationId))
	assert.Nil(t, fake.associateIn.PublicIp)
}

func TestEC2Inventory_AssociateAddressUnknown(t *testing.T) {
	inv := newEC2Inventory(&fakeEC2{}, EC2InventoryConfig{})
	err := inv.AssociateAddress(context.Background(), "i-1", "203.0.113.99")
	assert.Error(t, err)
}

func TestEC2Inventory_SetLifecycleWrapsProviderError(t *testing.T) {
	fake := &fakeEC2{startErr: &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}}
	inv := newEC2Inventory(fake, EC2InventoryConfig{})

	err := inv.SetLifecycle(context.Background(), "i-1", VerbStart)
	require.Error(t, err)
	assert.Equal(t, []string{"i-1"}, fake.startedIDs)
	assert.True(t, IsRetryable(err))

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "RequestLimitExceeded", pe.Code)
}

func TestEC2Inventory_SetInstanceType(t *testing.T) {
	fake := &fakeEC2{}
	inv := newEC2Inventory(fake, EC2InventoryConfig{})

	require.NoError(t, inv.SetInstanceType(context.Background(), "i-1", "m1.xlarge"))
	assert.Equal(t, "m1.xlarge", aws.ToString(fake.modifyIn.InstanceType.Value))
}

func TestEC2Inventory_ValidateRegion(t *testing.T) {
	inv := newEC2Inventory(&fakeEC2{regions: []string{"us-east-1", "us-west-2"}}, EC2InventoryConfig{})

	assert.NoError(t, inv.ValidateRegion(context.Background(), "us-west-2"))

	err := inv.ValidateRegion(context.Background(), "mars-north-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegionNotFound)
	assert.Contains(t, err.Error(), "us-east-1, us-west-2")
}

func TestWrapAPIError_NonRetryable(t *testing.T) {
	err := wrapAPIError("StartInstances", "i-1", &smithy.GenericAPIError{Code: "UnauthorizedOperation", Fault: smithy.FaultClient})
	assert.False(t, IsRetryable(err))

	err = wrapAPIError("StartInstances", "i-1", &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer})
	assert.True(t, IsRetryable(err))
}
