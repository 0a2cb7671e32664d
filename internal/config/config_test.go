package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"FLEETCTL_PROVIDER", "FLEETCTL_POLL_INTERVAL", "FLEETCTL_RESOLVERS", "FLEETCTL_SECURITY_GROUP_ENVIRONMENTS", "FLEETCTL_SECRETS_ARN"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ec2", cfg.Provider)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.BatchPollInterval)
	assert.Equal(t, 300*time.Second, cfg.StartTimeout)
	assert.Equal(t, 120*time.Second, cfg.StopTimeout)
	assert.Equal(t, 600*time.Second, cfg.LaunchTimeout)
	assert.Equal(t, 15*time.Second, cfg.SettleDelay)
	assert.Equal(t, []string{"8.8.8.8:53", "8.8.4.4:53"}, cfg.Resolvers)
	assert.Equal(t, 8, cfg.VolumeFloor)
	assert.Equal(t, "./genkey.sh", cfg.GenKeyScript)
	assert.Equal(t, "./sendkey.sh", cfg.SendKeyScript)
	assert.Equal(t, "ssh", cfg.ResizeTransport)
	assert.Equal(t, "/dev/sda1", cfg.RootDevice)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLEETCTL_PROVIDER", "memory")
	t.Setenv("FLEETCTL_POLL_INTERVAL", "250ms")
	t.Setenv("FLEETCTL_STOP_TIMEOUT", "90")
	t.Setenv("FLEETCTL_RESOLVERS", "1.1.1.1:53, 9.9.9.9:53")
	t.Setenv("FLEETCTL_USE_PTY", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Provider)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.StopTimeout)
	assert.Equal(t, []string{"1.1.1.1:53", "9.9.9.9:53"}, cfg.Resolvers)
	assert.False(t, cfg.UsePTY)
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"FLEETCTL_POLL_INTERVAL", "soon"},
		{"FLEETCTL_SECURITY_GROUP_ENVIRONMENTS", "staging"},
		{"FLEETCTL_PROVIDER", "gce"},
		{"FLEETCTL_RESIZE_TRANSPORT", "telnet"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)

			var cerr *Error
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, 102, cerr.ExitCode())
		})
	}
}

func TestEnvironmentForGroup(t *testing.T) {
	t.Setenv("FLEETCTL_SECURITY_GROUP_ENVIRONMENTS", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.EnvironmentForGroup("staging"))
	assert.Equal(t, "production", cfg.EnvironmentForGroup("bm-ops-ec2"))
	assert.Equal(t, "production", cfg.EnvironmentForGroup("sg-0abc"))
}

func TestApplySecretsEnvWins(t *testing.T) {
	t.Setenv("FLEETCTL_REDIS_URL", "redis://local:6379")
	t.Setenv("FLEETCTL_NATS_URL", "")
	defer os.Unsetenv("FLEETCTL_NATS_URL")

	applied, total, err := applySecrets(`{"FLEETCTL_REDIS_URL":"redis://secret:6379","FLEETCTL_NATS_URL":"nats://secret:4222"}`)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, applied)
	assert.Equal(t, "redis://local:6379", os.Getenv("FLEETCTL_REDIS_URL"))
	assert.Equal(t, "nats://secret:4222", os.Getenv("FLEETCTL_NATS_URL"))

	_, _, err = applySecrets("not json")
	assert.Error(t, err)
}
