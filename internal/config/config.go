package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Exit codes for configuration problems.
const (
	exitConfigFormat = 102
	exitConfigRead   = 106
)

// Error is a configuration error. It carries the process exit code the CLI
// reports for it.
type Error struct {
	Key  string
	Err  error
	code int
}

func (e *Error) Error() string {
	if e.Key == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("invalid %s: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode returns the exit status for the error.
func (e *Error) ExitCode() int { return e.code }

// Config holds all configuration for fleetctl.
type Config struct {
	LogLevel string // "info", "debug" or "quiet"

	// Provider
	Provider           string // "ec2" or "memory"
	MemorySeed         string // YAML node list for the memory provider
	Region             string
	AccessKeyID        string // empty uses the default credential chain
	SecretAccessKey    string
	SubnetID           string
	KeyName            string
	IAMInstanceProfile string
	RootDevice         string

	// Convergence
	PollInterval      time.Duration // single-node flows
	BatchPollInterval time.Duration // retype and other batch waits
	StartTimeout      time.Duration
	StopTimeout       time.Duration
	RebootTimeout     time.Duration
	LaunchTimeout     time.Duration
	VerbAttempts      int

	// Name resolution
	Resolvers []string

	// Provisioning
	SecurityGroupEnvironments map[string]string // security group name -> environment tag
	DefaultEnvironment        string
	DefaultInstanceType       string
	VolumeFloor               int // GiB; larger root volumes are resized
	SettleDelay               time.Duration
	HostsFile                 string

	// Configuration agent
	GenKeyScript    string
	SendKeyScript   string
	ScriptDir       string
	ScriptTimeout   time.Duration
	UsePTY          bool
	ResizeTransport string // "ssh" or "ssm"

	// Run coordination and reporting
	NATSURL        string
	RedisURL       string
	LockTTL        time.Duration
	ReportBucket   string
	ReportPrefix   string
	PushgatewayURL string
	MetricsAddr    string
	TopologyPath   string

	// AWS Secrets Manager. The secret is a JSON object keyed by env var name;
	// env vars take precedence over secret values.
	SecretsARN string
}

// Load reads configuration from environment variables with sensible defaults.
// If FLEETCTL_SECRETS_ARN is set, secrets are fetched from AWS Secrets Manager
// first, then environment variables are applied on top (env vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("FLEETCTL_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, &Error{Err: fmt.Errorf("failed to load secrets from %s: %w", arn, err), code: exitConfigRead}
		}
	}

	cfg := &Config{
		LogLevel: envOrDefault("FLEETCTL_LOG_LEVEL", "info"),

		Provider:           envOrDefault("FLEETCTL_PROVIDER", "ec2"),
		MemorySeed:         os.Getenv("FLEETCTL_MEMORY_SEED"),
		Region:             envOrDefault("FLEETCTL_REGION", envOrDefault("AWS_REGION", "us-east-1")),
		AccessKeyID:        os.Getenv("FLEETCTL_AWS_ACCESS_KEY_ID"),
		SecretAccessKey:    os.Getenv("FLEETCTL_AWS_SECRET_ACCESS_KEY"),
		SubnetID:           os.Getenv("FLEETCTL_SUBNET_ID"),
		KeyName:            os.Getenv("FLEETCTL_KEY_NAME"),
		IAMInstanceProfile: os.Getenv("FLEETCTL_IAM_INSTANCE_PROFILE"),
		RootDevice:         envOrDefault("FLEETCTL_ROOT_DEVICE", "/dev/sda1"),

		VerbAttempts: envOrDefaultInt("FLEETCTL_VERB_ATTEMPTS", 3),

		Resolvers: splitList(envOrDefault("FLEETCTL_RESOLVERS", "8.8.8.8:53,8.8.4.4:53")),

		DefaultEnvironment:  envOrDefault("FLEETCTL_DEFAULT_ENVIRONMENT", "production"),
		DefaultInstanceType: envOrDefault("FLEETCTL_DEFAULT_INSTANCE_TYPE", "m1.large"),
		VolumeFloor:         envOrDefaultInt("FLEETCTL_VOLUME_FLOOR", 8),
		HostsFile:           os.Getenv("FLEETCTL_HOSTS_FILE"),

		GenKeyScript:    envOrDefault("FLEETCTL_GENKEY_SCRIPT", "./genkey.sh"),
		SendKeyScript:   envOrDefault("FLEETCTL_SENDKEY_SCRIPT", "./sendkey.sh"),
		ScriptDir:       os.Getenv("FLEETCTL_SCRIPT_DIR"),
		UsePTY:          envOrDefaultBool("FLEETCTL_USE_PTY", true),
		ResizeTransport: envOrDefault("FLEETCTL_RESIZE_TRANSPORT", "ssh"),

		NATSURL:        os.Getenv("FLEETCTL_NATS_URL"),
		RedisURL:       os.Getenv("FLEETCTL_REDIS_URL"),
		ReportBucket:   os.Getenv("FLEETCTL_REPORT_BUCKET"),
		ReportPrefix:   envOrDefault("FLEETCTL_REPORT_PREFIX", "fleetctl/reports"),
		PushgatewayURL: os.Getenv("FLEETCTL_PUSHGATEWAY_URL"),
		MetricsAddr:    os.Getenv("FLEETCTL_METRICS_ADDR"),
		TopologyPath:   os.Getenv("FLEETCTL_TOPOLOGY"),

		SecretsARN: os.Getenv("FLEETCTL_SECRETS_ARN"),
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"FLEETCTL_POLL_INTERVAL", &cfg.PollInterval, time.Second},
		{"FLEETCTL_BATCH_POLL_INTERVAL", &cfg.BatchPollInterval, 5 * time.Second},
		{"FLEETCTL_START_TIMEOUT", &cfg.StartTimeout, 300 * time.Second},
		{"FLEETCTL_STOP_TIMEOUT", &cfg.StopTimeout, 120 * time.Second},
		{"FLEETCTL_REBOOT_TIMEOUT", &cfg.RebootTimeout, 300 * time.Second},
		{"FLEETCTL_LAUNCH_TIMEOUT", &cfg.LaunchTimeout, 600 * time.Second},
		{"FLEETCTL_SETTLE_DELAY", &cfg.SettleDelay, 15 * time.Second},
		{"FLEETCTL_SCRIPT_TIMEOUT", &cfg.ScriptTimeout, 10 * time.Minute},
		{"FLEETCTL_LOCK_TTL", &cfg.LockTTL, 30 * time.Minute},
	}
	for _, d := range durations {
		v, err := envOrDefaultDuration(d.key, d.fallback)
		if err != nil {
			return nil, &Error{Key: d.key, Err: err, code: exitConfigFormat}
		}
		*d.dst = v
	}

	groups, err := parseMap(envOrDefault("FLEETCTL_SECURITY_GROUP_ENVIRONMENTS", "staging=staging,bm-ops-ec2=production"))
	if err != nil {
		return nil, &Error{Key: "FLEETCTL_SECURITY_GROUP_ENVIRONMENTS", Err: err, code: exitConfigFormat}
	}
	cfg.SecurityGroupEnvironments = groups

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerated settings. Cobra flags may change fields after
// Load, so commands call it again before use.
func (c *Config) Validate() error {
	switch c.Provider {
	case "ec2", "memory":
	default:
		return &Error{Key: "provider", Err: fmt.Errorf("must be ec2 or memory, got %q", c.Provider), code: exitConfigFormat}
	}
	switch c.ResizeTransport {
	case "ssh", "ssm":
	default:
		return &Error{Key: "resize transport", Err: fmt.Errorf("must be ssh or ssm, got %q", c.ResizeTransport), code: exitConfigFormat}
	}
	switch c.LogLevel {
	case "info", "debug", "quiet":
	default:
		return &Error{Key: "log level", Err: fmt.Errorf("must be info, debug or quiet, got %q", c.LogLevel), code: exitConfigFormat}
	}
	if c.VolumeFloor < 1 {
		return &Error{Key: "volume floor", Err: fmt.Errorf("must be positive, got %d", c.VolumeFloor), code: exitConfigFormat}
	}
	return nil
}

// EnvironmentForGroup returns the environment tag for nodes launched into a
// security group.
func (c *Config) EnvironmentForGroup(group string) string {
	if env, ok := c.SecurityGroupEnvironments[group]; ok {
		return env
	}
	return c.DefaultEnvironment
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envOrDefaultDuration accepts Go durations ("90s", "2m") or whole seconds.
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseMap parses "k1=v1,k2=v2".
func parseMap(s string) (map[string]string, error) {
	m := make(map[string]string)
	for _, pair := range splitList(s) {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		m[k] = v
	}
	return m, nil
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}
	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	applied, total, err := applySecrets(*result.SecretString)
	if err != nil {
		return err
	}
	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, total)
	return nil
}

// applySecrets sets each key of a JSON object as an env var unless already set.
func applySecrets(secret string) (applied, total int, err error) {
	var secrets map[string]string
	if err := json.Unmarshal([]byte(secret), &secrets); err != nil {
		return 0, 0, fmt.Errorf("parse secret JSON: %w", err)
	}
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}
	return applied, len(secrets), nil
}
