package compute

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInventory_QueryNodesFilters(t *testing.T) {
	inv := NewMemoryInventory()
	inv.AddNode(Node{Name: "app001", Environment: "staging", Autocontrol: true})
	inv.AddNode(Node{Name: "app002", Environment: "staging", Autocontrol: false})
	inv.AddNode(Node{Name: "app003", Environment: "production", Autocontrol: true})

	nodes, err := inv.QueryNodes(context.Background(), EnvironmentFilter("staging"))
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	nodes, err = inv.QueryNodes(context.Background(), EnvironmentFilter("staging"), AutocontrolFilter())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "app001", nodes[0].Name)
}

func TestMemoryInventory_LifecycleWalksScript(t *testing.T) {
	inv := NewMemoryInventory()
	n := inv.AddNode(Node{Name: "app001", Status: StatusStopped})
	ctx := context.Background()

	require.NoError(t, inv.SetLifecycle(ctx, n.ID, VerbStart))

	got, err := inv.Describe(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	for range 3 {
		got, err = inv.Describe(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, got.Status)
	}
}

func TestMemoryInventory_ScriptVerbOverridesDefault(t *testing.T) {
	inv := NewMemoryInventory()
	n := inv.AddNode(Node{Name: "app001", Status: StatusRunning})
	inv.ScriptVerb(n.ID, VerbStop, StatusStopping)
	ctx := context.Background()

	require.NoError(t, inv.SetLifecycle(ctx, n.ID, VerbStop))
	for range 5 {
		got, err := inv.Describe(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusStopping, got.Status)
	}
}

func TestMemoryInventory_FailInjection(t *testing.T) {
	inv := NewMemoryInventory()
	n := inv.AddNode(Node{Name: "app001"})
	boom := errors.New("boom")

	inv.Fail("SetLifecycle", n.ID, boom)
	assert.ErrorIs(t, inv.SetLifecycle(context.Background(), n.ID, VerbStart), boom)

	inv.Fail("SetLifecycle", n.ID, nil)
	assert.NoError(t, inv.SetLifecycle(context.Background(), n.ID, VerbStart))
	assert.Equal(t, 2, inv.CallCount("SetLifecycle"))
}

func TestMemoryInventory_LaunchAndTag(t *testing.T) {
	inv := NewMemoryInventory()
	ctx := context.Background()

	n, err := inv.Launch(ctx, LaunchParams{Name: "web1", InstanceType: "m1.large", VolumeSize: 8})
	require.NoError(t, err)
	assert.Equal(t, "web1", n.Name)
	assert.Equal(t, "10.0.0.1", n.PrivateAddress)

	found, err := inv.FindByName(ctx, "web1")
	require.NoError(t, err)
	assert.Empty(t, found, "untagged nodes are not found by name")

	require.NoError(t, inv.Tag(ctx, n.ID, TagName, "web1"))
	require.NoError(t, inv.Tag(ctx, n.ID, TagAutocontrol, "true"))

	found, err = inv.FindByName(ctx, "web1")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.True(t, found[0].Autocontrol)
}

func TestMemoryInventory_FindByNameSkipsTerminated(t *testing.T) {
	inv := NewMemoryInventory()
	inv.AddNode(Node{Name: "web1", Status: StatusTerminated})
	inv.AddNode(Node{Name: "web1", Status: StatusRunning})

	found, err := inv.FindByName(context.Background(), "web1")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestLoadMemoryInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	seed := `nodes:
  - name: appdb001
    environment: staging
    autocontrol: true
    status: running
  - name: lb001
    environment: staging
    autocontrol: true
`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))

	inv, err := LoadMemoryInventory(path)
	require.NoError(t, err)

	nodes, err := inv.QueryNodes(context.Background(), EnvironmentFilter("staging"))
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, StatusRunning, nodes[0].Status)
	assert.Equal(t, StatusStopped, nodes[1].Status)
}
