package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envPollInterval    = "RS_POLL_INTERVAL"
	envHeadnodeURLs    = "RS_HEADNODE_URLS"
	envCertPath        = "RS_CERT_PATH"
	envKeyPath         = "RS_KEY_PATH"
	envFetchTimeout    = "RS_FETCH_TIMEOUT"
	envTargetsDir      = "RS_TARGETS_DIR"
	envStatePath       = "RS_STATE_PATH"
	envMappingFile     = "RS_MAPPING_FILE"
	envHostname        = "RS_HOSTNAME"
	envClusterName     = "RS_CLUSTER_NAME"
	envSlackWebhookURL = "RS_SLACK_WEBHOOK_URL"
	envWebhookURL      = "RS_WEBHOOK_URL"
	envWebhookTemplate = "RS_WEBHOOK_TEMPLATE"
	envHealthPort      = "RS_HEALTH_PORT"
	envMetricsPort     = "RS_METRICS_PORT"
	envDryRun          = "RS_DRY_RUN"
	envLogLevel        = "RS_LOG_LEVEL"
)

const (
	defaultPollInterval = 30 * time.Second
	defaultFetchTimeout = 10 * time.Second
	defaultCertPath     = "/etc/role-sentinel/client.pem"
	defaultKeyPath      = "/etc/role-sentinel/client.key"
	defaultStatePath    = "/var/lib/role-sentinel/state.json"
	defaultMappingFile  = "/etc/role-sentinel/roles.yaml"
	defaultClusterName  = "default"
)

// Config describes runtime configuration loaded from the environment.
// It is read once at startup and fixed for the daemon's lifetime.
type Config struct {
	PollInterval    time.Duration
	HeadnodeURLs    []string
	CertPath        string
	KeyPath         string
	FetchTimeout    time.Duration
	TargetsDir      string
	StatePath       string
	MappingFile     string
	Hostname        string
	ClusterName     string
	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	HealthPort      int
	MetricsPort     int
	DryRun          bool
	LogLevel        string
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		PollInterval: defaultPollInterval,
		FetchTimeout: defaultFetchTimeout,
		CertPath:     defaultCertPath,
		KeyPath:      defaultKeyPath,
		StatePath:    defaultStatePath,
		MappingFile:  defaultMappingFile,
		ClusterName:  defaultClusterName,
	}

	if value, ok := lookupTrimmed(envPollInterval); ok {
		interval, err := parsePositiveDuration(value, envPollInterval)
		if err != nil {
			return Config{}, err
		}
		cfg.PollInterval = interval
	}

	if value, ok := lookupTrimmed(envFetchTimeout); ok {
		timeout, err := parsePositiveDuration(value, envFetchTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.FetchTimeout = timeout
	}

	if value, ok := lookupTrimmed(envHeadnodeURLs); ok {
		cfg.HeadnodeURLs = splitList(value)
	}

	for _, pair := range []struct {
		key    string
		target *string
	}{
		{envCertPath, &cfg.CertPath},
		{envKeyPath, &cfg.KeyPath},
		{envTargetsDir, &cfg.TargetsDir},
		{envStatePath, &cfg.StatePath},
		{envMappingFile, &cfg.MappingFile},
		{envHostname, &cfg.Hostname},
		{envClusterName, &cfg.ClusterName},
		{envSlackWebhookURL, &cfg.SlackWebhookURL},
		{envWebhookURL, &cfg.WebhookURL},
		{envWebhookTemplate, &cfg.WebhookTemplate},
		{envLogLevel, &cfg.LogLevel},
	} {
		if value, ok := lookupTrimmed(pair.key); ok {
			*pair.target = value
		}
	}

	if value, ok := lookupTrimmed(envHealthPort); ok {
		port, err := parsePort(value, envHealthPort)
		if err != nil {
			return Config{}, err
		}
		cfg.HealthPort = port
	}

	if value, ok := lookupTrimmed(envMetricsPort); ok {
		port, err := parsePort(value, envMetricsPort)
		if err != nil {
			return Config{}, err
		}
		cfg.MetricsPort = port
	}

	if value, ok := lookupTrimmed(envDryRun); ok {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envDryRun, err)
		}
		cfg.DryRun = enabled
	}

	if len(cfg.HeadnodeURLs) == 0 {
		return Config{}, errors.New("RS_HEADNODE_URLS is required")
	}
	for _, headnode := range cfg.HeadnodeURLs {
		if err := validateURL(headnode, envHeadnodeURLs); err != nil {
			return Config{}, err
		}
	}

	if cfg.TargetsDir == "" {
		return Config{}, errors.New("RS_TARGETS_DIR is required")
	}

	return cfg, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}

func parsePositiveDuration(value, name string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero", name)
	}
	return parsed, nil
}

func parsePort(value, name string) (int, error) {
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("%s must be between 0 and 65535", name)
	}
	return port, nil
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: %q must include scheme and host", name, value)
	}
	return nil
}
