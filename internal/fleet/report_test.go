package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/fleetctl/internal/compute"
)

type lockedErr struct{}

func (lockedErr) Error() string { return "locked" }
func (lockedErr) ExitCode() int { return ExitLocked }

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{fmt.Errorf("validate: %w", compute.ErrRegionNotFound), ExitRegionNotFound},
		{compute.ErrImageNotFound, ExitNoImage},
		{ErrNoRequests, ExitNoNodes},
		{fmt.Errorf("%w in staging environment", ErrNoNodesFound), ExitNoHosts},
		{nodeErr("web1", ErrAmbiguousIdentifier, nil), ExitNoHosts},
		{fmt.Errorf("acquire: %w", lockedErr{}), ExitLocked},
		{errors.New("boom"), ExitUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}

func TestReportJSON(t *testing.T) {
	r := newReport("run-1", KindLifecycle)
	r.Action = ActionStop
	r.Environment = "staging"
	r.Outcomes = []Outcome{
		{Node: "lb001", NodeID: "i-1", Role: RoleEdge, Action: ActionStop, Result: ResultSucceeded, Phase: PhaseTerminal, Initial: compute.StatusRunning, Final: compute.StatusStopped},
		{Node: "app001", NodeID: "i-2", Action: ActionStop, Result: ResultFailed, Phase: PhaseTimedOut, Err: nodeErr("app001", ErrConvergenceTimeout, nil)},
	}
	r.SelectionErrors = []error{nodeErr("web1", ErrNodeNotFound, nil)}
	r.finish()

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, float64(ExitNodeFailures), got["exit_code"])
	assert.Equal(t, []any{"web1: node not found"}, got["selection_errors"])

	outcomes := got["outcomes"].([]any)
	require.Len(t, outcomes, 2)
	second := outcomes[1].(map[string]any)
	assert.Equal(t, "timed-out", second["phase"])
	assert.Equal(t, "app001: timed out waiting for status", second["error"])

	assert.Len(t, r.Failures(), 2)
	assert.ErrorIs(t, r.Err(), ErrConvergenceTimeout)
	assert.ErrorIs(t, r.Err(), ErrNodeNotFound)
}

func TestProgressLifecycleOutput(t *testing.T) {
	inv := compute.NewMemoryInventory()
	addNodes(inv, "staging", compute.StatusRunning, "lb001", "app001")
	addNodes(inv, "staging", compute.StatusStopped, "appdb001")

	var buf bytes.Buffer
	r := newTestRunner(t, inv, NewProgress(&buf))
	plan, err := r.Prepare(context.Background(), ActionStop, Target{Environment: "staging", AutocontrolOnly: true})
	require.NoError(t, err)
	r.Execute(context.Background(), plan)

	out := buf.String()
	assert.Contains(t, out, "Stage 1: edge (1 nodes)")
	assert.Contains(t, out, "Stopping lb001..")
	assert.Contains(t, out, "SUCCESS")
	assert.Contains(t, out, "appdb001 is already in state stopped")
	assert.Contains(t, out, "Succeeded: lb001, app001, appdb001")
	assert.Contains(t, out, "Failed:    none")
	assert.Less(t, strings.Index(out, "lb001"), strings.Index(out, "app001"))
}

func TestProgressProvisionSummary(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.RunFinished(&Report{
		Kind: KindProvision,
		Launches: []LaunchOutcome{
			{Request: ProvisionRequest{Name: "node1"}, Node: &compute.Node{ID: "i-1"}, Status: compute.StatusRunning},
			{Request: ProvisionRequest{Name: "node2"}, Status: compute.StatusError, Err: nodeErr("node2", ErrNodeErrorState, nil)},
		},
	})
	assert.Contains(t, buf.String(), "Launched: node1\n")
	assert.Contains(t, buf.String(), "Failed:   node2\n")
	assert.Contains(t, buf.String(), "(exit 1)")
}

func TestProgressWriterClosesOpenNodeLine(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.NodeStarted(&compute.Node{ID: "i-1", Name: "lb001"}, ActionStop)
	fmt.Fprint(p.Writer(), "script says hi\n")
	assert.Equal(t, "Stopping lb001...\nscript says hi\n", buf.String())
}

func TestProgressWriterSharesLock(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	w := p.Writer()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("app%03d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				fmt.Fprintf(w, "%s line %d\n", name, j)
			}
		}()
		go func() {
			defer wg.Done()
			p.ConfigureFinished(ConfigureOutcome{Node: name})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 8*21)
	for _, l := range lines {
		assert.Regexp(t, `^app\d{3} (line \d+|configured .*SUCCESS.*)$`, l)
	}
}

func TestProgressCountsWarnings(t *testing.T) {
	var buf bytes.Buffer
	NewProgress(&buf).RunFinished(&Report{
		Kind: KindLifecycle,
		Outcomes: []Outcome{{
			Node: "app001", Action: ActionStart, Result: ResultSucceeded,
			Warnings: []error{nodeErr("app001", ErrResolutionFailed, nil)},
		}},
	})
	assert.Contains(t, buf.String(), "Succeeded: app001\n")
	assert.Contains(t, buf.String(), "Warnings:  1 (see above)\n")
	assert.NotContains(t, buf.String(), "(exit")
}
