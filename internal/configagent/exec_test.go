package configagent

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestExecAgentGenerateKeys(t *testing.T) {
	dir := t.TempDir()
	gen := writeScript(t, dir, "genkey.sh", `echo "keys for $@"`)

	var stream bytes.Buffer
	agent := NewExecAgent(ExecConfig{GenKeyScript: gen, Dir: dir, Stream: &stream})

	res, err := agent.GenerateKeys(context.Background(), []string{"web001", "web002"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.Err())
	assert.Contains(t, res.Output, "keys for web001 web002")
	assert.Contains(t, stream.String(), "keys for web001 web002")
}

func TestExecAgentSendKeyArguments(t *testing.T) {
	dir := t.TempDir()
	send := writeScript(t, dir, "sendkey.sh", `echo "$1 $2"`)
	agent := NewExecAgent(ExecConfig{SendKeyScript: send, Dir: dir})

	res, err := agent.SendKey(context.Background(), "app001")
	require.NoError(t, err)
	assert.Equal(t, "new app001", strings.TrimSpace(res.Output))
}

func TestExecAgentNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	send := writeScript(t, dir, "sendkey.sh", "echo copying\necho 'permission denied' >&2\nexit 3")
	agent := NewExecAgent(ExecConfig{SendKeyScript: send, Dir: dir})

	res, err := agent.SendKey(context.Background(), "app001")
	require.NoError(t, err, "a script failure is reported in the result")
	assert.Equal(t, 3, res.ExitCode)
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), "permission denied")
}

func TestExecAgentMissingScript(t *testing.T) {
	agent := NewExecAgent(ExecConfig{GenKeyScript: filepath.Join(t.TempDir(), "missing.sh")})
	_, err := agent.GenerateKeys(context.Background(), []string{"a"})
	assert.Error(t, err)
}

func TestExecAgentTimeout(t *testing.T) {
	dir := t.TempDir()
	gen := writeScript(t, dir, "genkey.sh", "sleep 5")
	agent := NewExecAgent(ExecConfig{GenKeyScript: gen, Dir: dir, Timeout: 100 * time.Millisecond})

	start := time.Now()
	_, err := agent.GenerateKeys(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExecAgentPTY(t *testing.T) {
	dir := t.TempDir()
	gen := writeScript(t, dir, "genkey.sh", `if [ -t 1 ]; then echo tty; else echo notty; fi`)
	agent := NewExecAgent(ExecConfig{GenKeyScript: gen, Dir: dir, UsePTY: true})

	res, err := agent.GenerateKeys(context.Background(), nil)
	if err != nil && strings.Contains(err.Error(), "start pty") {
		t.Skipf("no pty available: %v", err)
	}
	require.NoError(t, err)
	assert.Contains(t, res.Output, "tty")
	assert.NotContains(t, res.Output, "notty")
}

func TestResultErr(t *testing.T) {
	assert.NoError(t, Result{}.Err())
	assert.EqualError(t, Result{ExitCode: 2}.Err(), "exit status 2")
	assert.EqualError(t, Result{ExitCode: 1, Output: "a\nb\n"}.Err(), "exit status 1: b")
}
