// Package config loads Strato control-plane configuration from environment
// variables, with an optional YAML file overlay for deployments that prefer
// checked-in config over env plumbing. Environment variables always win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all control-plane configuration.
type Config struct {
	// Listeners
	HTTPAddr  string // management + enrollment API
	AgentAddr string // mTLS WebSocket listener for agent channels

	// Persistence. DATABASE_URL points at the bbolt database file.
	DatabaseURL string

	// PKI
	CADir           string
	TrustDomain     string
	CertMaxValidity time.Duration // issuance ceiling
	JoinTokenTTL    time.Duration // default mint TTL, capped at 15m

	// Fleet
	HeartbeatWindow time.Duration // liveness window
	SweepInterval   time.Duration // online→offline sweeper period

	// Scheduling
	SchedulingStrategy string // least_loaded, best_fit, round_robin, random
	ScheduleRetries    int    // snapshot-contention retry budget

	// Quota ledger
	ReservationTTL    time.Duration // auto-release horizon for uncommitted reservations
	QuotaCommitPolicy string        // on_running or on_reserve

	// Authorization oracle
	PermissionStoreEndpoint string
	PermissionStoreToken    string

	// Images
	ImageStoragePath string

	// Channel
	CommandTimeout time.Duration // default per-request timeout on agent channels

	// Sessions
	SessionTTL time.Duration

	// Notifications
	WebhookURL  string
	MQTTBroker  string
	MQTTTopic   string
	MQTTUser    string
	MQTTPass    string

	// Metrics
	TextfilePath string // node-exporter textfile collector output, empty = disabled

	// Logging
	LogJSON bool
}

// fileOverlay mirrors the YAML config file schema. Only a subset of options
// makes sense in a file; secrets stay in the environment.
type fileOverlay struct {
	HTTPAddr           string `yaml:"http_addr"`
	AgentAddr          string `yaml:"agent_addr"`
	DatabaseURL        string `yaml:"database_url"`
	CADir              string `yaml:"ca_dir"`
	TrustDomain        string `yaml:"trust_domain"`
	SchedulingStrategy string `yaml:"scheduling_strategy"`
	QuotaCommitPolicy  string `yaml:"quota_commit_policy"`
	ImageStoragePath   string `yaml:"image_storage_path"`
	WebhookURL         string `yaml:"webhook_url"`
	MQTTBroker         string `yaml:"mqtt_broker"`
	MQTTTopic          string `yaml:"mqtt_topic"`
	TextfilePath       string `yaml:"textfile_path"`
}

// Load reads configuration from the environment with defaults, applying the
// optional STRATO_CONFIG_FILE YAML overlay first so env vars override it.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:           ":8080",
		AgentAddr:          ":8443",
		DatabaseURL:        "/data/strato.db",
		CADir:              "/data/ca",
		TrustDomain:        "strato.local",
		SchedulingStrategy: "least_loaded",
		QuotaCommitPolicy:  "on_running",
		ImageStoragePath:   "/data/images",
	}

	if path := os.Getenv("STRATO_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.HTTPAddr = envStr("STRATO_HTTP_ADDR", cfg.HTTPAddr)
	cfg.AgentAddr = envStr("STRATO_AGENT_ADDR", cfg.AgentAddr)
	cfg.DatabaseURL = envStr("DATABASE_URL", cfg.DatabaseURL)
	cfg.CADir = envStr("STRATO_CA_DIR", cfg.CADir)
	cfg.TrustDomain = envStr("STRATO_TRUST_DOMAIN", cfg.TrustDomain)
	cfg.CertMaxValidity = time.Duration(envInt("CERT_MAX_VALIDITY_DAYS", 30)) * 24 * time.Hour
	cfg.JoinTokenTTL = envDuration("STRATO_JOIN_TOKEN_TTL", 15*time.Minute)
	cfg.HeartbeatWindow = time.Duration(envInt("AGENT_HEARTBEAT_WINDOW_SECS", 60)) * time.Second
	cfg.SweepInterval = envDuration("STRATO_SWEEP_INTERVAL", 10*time.Second)
	cfg.SchedulingStrategy = envStr("SCHEDULING_STRATEGY", cfg.SchedulingStrategy)
	cfg.ScheduleRetries = envInt("STRATO_SCHEDULE_RETRIES", 3)
	cfg.ReservationTTL = time.Duration(envInt("RESERVATION_TTL_SECS", 300)) * time.Second
	cfg.QuotaCommitPolicy = envStr("QUOTA_COMMIT_POLICY", cfg.QuotaCommitPolicy)
	cfg.PermissionStoreEndpoint = envStr("PERMISSION_STORE_ENDPOINT", "")
	cfg.PermissionStoreToken = envStr("PERMISSION_STORE_TOKEN", "")
	cfg.ImageStoragePath = envStr("IMAGE_STORAGE_PATH", cfg.ImageStoragePath)
	cfg.CommandTimeout = envDuration("STRATO_COMMAND_TIMEOUT", 30*time.Second)
	cfg.SessionTTL = envDuration("STRATO_SESSION_TTL", 24*time.Hour)
	cfg.WebhookURL = envStr("STRATO_WEBHOOK_URL", cfg.WebhookURL)
	cfg.MQTTBroker = envStr("STRATO_MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTTopic = envStr("STRATO_MQTT_TOPIC", "strato/events")
	cfg.MQTTUser = envStr("STRATO_MQTT_USERNAME", "")
	cfg.MQTTPass = envStr("STRATO_MQTT_PASSWORD", "")
	cfg.TextfilePath = envStr("STRATO_TEXTFILE_PATH", cfg.TextfilePath)
	cfg.LogJSON = envBool("STRATO_LOG_JSON", true)

	return cfg, nil
}

// applyFile merges a YAML overlay into the defaults.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var f fileOverlay
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if f.HTTPAddr != "" {
		c.HTTPAddr = f.HTTPAddr
	}
	if f.AgentAddr != "" {
		c.AgentAddr = f.AgentAddr
	}
	if f.DatabaseURL != "" {
		c.DatabaseURL = f.DatabaseURL
	}
	if f.CADir != "" {
		c.CADir = f.CADir
	}
	if f.TrustDomain != "" {
		c.TrustDomain = f.TrustDomain
	}
	if f.SchedulingStrategy != "" {
		c.SchedulingStrategy = f.SchedulingStrategy
	}
	if f.QuotaCommitPolicy != "" {
		c.QuotaCommitPolicy = f.QuotaCommitPolicy
	}
	if f.ImageStoragePath != "" {
		c.ImageStoragePath = f.ImageStoragePath
	}
	if f.WebhookURL != "" {
		c.WebhookURL = f.WebhookURL
	}
	if f.MQTTBroker != "" {
		c.MQTTBroker = f.MQTTBroker
	}
	if f.MQTTTopic != "" {
		c.MQTTTopic = f.MQTTTopic
	}
	if f.TextfilePath != "" {
		c.TextfilePath = f.TextfilePath
	}
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	switch c.SchedulingStrategy {
	case "least_loaded", "best_fit", "round_robin", "random":
		// valid
	default:
		errs = append(errs, fmt.Errorf("SCHEDULING_STRATEGY must be least_loaded, best_fit, round_robin, or random, got %q", c.SchedulingStrategy))
	}
	switch c.QuotaCommitPolicy {
	case "on_running", "on_reserve":
		// valid
	default:
		errs = append(errs, fmt.Errorf("QUOTA_COMMIT_POLICY must be on_running or on_reserve, got %q", c.QuotaCommitPolicy))
	}
	if c.HeartbeatWindow <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_HEARTBEAT_WINDOW_SECS must be > 0, got %s", c.HeartbeatWindow))
	}
	if c.SweepInterval <= 0 || c.SweepInterval > 10*time.Second {
		errs = append(errs, fmt.Errorf("STRATO_SWEEP_INTERVAL must be in (0, 10s], got %s", c.SweepInterval))
	}
	if c.ReservationTTL <= 0 {
		errs = append(errs, fmt.Errorf("RESERVATION_TTL_SECS must be > 0, got %s", c.ReservationTTL))
	}
	if c.CertMaxValidity <= 0 {
		errs = append(errs, fmt.Errorf("CERT_MAX_VALIDITY_DAYS must be > 0, got %s", c.CertMaxValidity))
	}
	if c.JoinTokenTTL <= 0 || c.JoinTokenTTL > 15*time.Minute {
		errs = append(errs, fmt.Errorf("STRATO_JOIN_TOKEN_TTL must be in (0, 15m], got %s", c.JoinTokenTTL))
	}
	if c.ScheduleRetries < 1 {
		errs = append(errs, fmt.Errorf("STRATO_SCHEDULE_RETRIES must be >= 1, got %d", c.ScheduleRetries))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must not be empty"))
	}
	if c.TrustDomain == "" {
		errs = append(errs, errors.New("STRATO_TRUST_DOMAIN must not be empty"))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
