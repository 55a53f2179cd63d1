// Package config loads bridge configuration from environment variables, with
// an optional YAML file providing defaults that environment variables
// override. This mirrors the teacher's env-first pattern (see
// common/environment) while adding the YAML overlay the Gosuto template
// loader demonstrated elsewhere in the source pack.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oculairmedia/matrix-agent-bridge/common/environment"
)

// StorageMode selects the C1 Storage backend.
type StorageMode string

const (
	StorageModeFile StorageMode = "file"
	StorageModeAPI  StorageMode = "api"
)

// Config holds every recognised option from spec.md §6.
type Config struct {
	// Matrix / homeserver.
	HomeserverURL     string
	ServerName        string
	AdminUsername     string
	AdminPassword     string
	RegistrationToken string
	PasswordSecret    string

	// Storage.
	StorageMode         StorageMode
	StorageAPIURL       string
	StorageInternalKey  string
	StorageFilePath     string

	// Space / invitation policy.
	SpaceName  string
	OwnerMXID  string
	BridgeMXID string
	AdminMXID  string

	// Webhook surface.
	WebhookPort             int
	WebhookSecret           string
	WebhookSkipVerification bool
	AuditNonMatrix          bool

	// Conversation tuning.
	ConversationMaxAge   time.Duration
	MonitorMaxWait       time.Duration
	MonitorPollInterval  time.Duration
	DedupTTL             time.Duration
	CleanupInterval      time.Duration
	SessionMapTTL        time.Duration
	SubscriptionTTL      time.Duration
	MaxConcurrentMonitors int
	AgentReconcileInterval time.Duration

	// Agent service.
	AgentServiceURL   string
	AgentServiceToken string
	OurWebhookURL     string

	// Master key for encrypting tokens/passwords at rest (sqlite-file backend).
	MasterKeyHex string
}

// Load builds a Config from an optional YAML file followed by environment
// variable overrides. path may be empty, in which case only the environment
// is consulted — matching the teacher's cmd/ruriko/main.go loadConfig, which
// never required a file on disk.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if err := applyYAMLFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		StorageMode:           StorageModeFile,
		StorageFilePath:       "./bridge.db",
		SpaceName:             "Letta Agents",
		WebhookPort:           8090,
		ConversationMaxAge:    300 * time.Second,
		MonitorMaxWait:        60 * time.Second,
		MonitorPollInterval:   2 * time.Second,
		DedupTTL:              time.Hour,
		CleanupInterval:       60 * time.Second,
		SessionMapTTL:         time.Hour,
		SubscriptionTTL:       time.Hour,
		MaxConcurrentMonitors: 32,
		AgentReconcileInterval: 30 * time.Second,
	}
}

// yamlConfig mirrors Config's fields using snake_case keys matching spec.md
// §6's configuration option names, so an operator-supplied YAML file reads
// the same vocabulary as the environment variables.
type yamlConfig struct {
	HomeserverURL           string `yaml:"homeserver_url"`
	ServerName              string `yaml:"server_name"`
	AdminUsername           string `yaml:"admin_username"`
	AdminPassword           string `yaml:"admin_password"`
	RegistrationToken       string `yaml:"registration_token"`
	PasswordSecret          string `yaml:"password_secret"`
	StorageMode             string `yaml:"storage_mode"`
	StorageAPIURL           string `yaml:"storage_api_url"`
	StorageInternalKey      string `yaml:"storage_internal_key"`
	StorageFilePath         string `yaml:"storage_file_path"`
	SpaceName               string `yaml:"space_name"`
	OwnerMXID               string `yaml:"owner_mxid"`
	BridgeMXID              string `yaml:"bridge_mxid"`
	AdminMXID               string `yaml:"admin_mxid"`
	WebhookPort             int    `yaml:"webhook_port"`
	WebhookSecret           string `yaml:"webhook_secret"`
	WebhookSkipVerification bool   `yaml:"webhook_skip_verification"`
	AuditNonMatrix          bool   `yaml:"audit_non_matrix"`
	ConversationMaxAgeSec   int    `yaml:"conversation_max_age_sec"`
	MonitorMaxWaitSec       int    `yaml:"monitor_max_wait_sec"`
	MonitorPollIntervalSec  int    `yaml:"monitor_poll_interval_sec"`
	DedupTTLSec             int    `yaml:"dedup_ttl_sec"`
	CleanupIntervalSec      int    `yaml:"cleanup_interval_sec"`
	AgentServiceURL         string `yaml:"agent_service_url"`
	AgentServiceToken       string `yaml:"agent_service_token"`
	OurWebhookURL           string `yaml:"our_webhook_url"`
}

func applyYAMLFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var y yamlConfig
	if err := yaml.Unmarshal(raw, &y); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if y.HomeserverURL != "" {
		cfg.HomeserverURL = y.HomeserverURL
	}
	if y.ServerName != "" {
		cfg.ServerName = y.ServerName
	}
	if y.AdminUsername != "" {
		cfg.AdminUsername = y.AdminUsername
	}
	if y.AdminPassword != "" {
		cfg.AdminPassword = y.AdminPassword
	}
	if y.RegistrationToken != "" {
		cfg.RegistrationToken = y.RegistrationToken
	}
	if y.PasswordSecret != "" {
		cfg.PasswordSecret = y.PasswordSecret
	}
	if y.StorageMode != "" {
		cfg.StorageMode = StorageMode(y.StorageMode)
	}
	if y.StorageAPIURL != "" {
		cfg.StorageAPIURL = y.StorageAPIURL
	}
	if y.StorageInternalKey != "" {
		cfg.StorageInternalKey = y.StorageInternalKey
	}
	if y.StorageFilePath != "" {
		cfg.StorageFilePath = y.StorageFilePath
	}
	if y.SpaceName != "" {
		cfg.SpaceName = y.SpaceName
	}
	if y.OwnerMXID != "" {
		cfg.OwnerMXID = y.OwnerMXID
	}
	if y.BridgeMXID != "" {
		cfg.BridgeMXID = y.BridgeMXID
	}
	if y.AdminMXID != "" {
		cfg.AdminMXID = y.AdminMXID
	}
	if y.WebhookPort != 0 {
		cfg.WebhookPort = y.WebhookPort
	}
	if y.WebhookSecret != "" {
		cfg.WebhookSecret = y.WebhookSecret
	}
	cfg.WebhookSkipVerification = y.WebhookSkipVerification
	cfg.AuditNonMatrix = y.AuditNonMatrix
	if y.ConversationMaxAgeSec > 0 {
		cfg.ConversationMaxAge = time.Duration(y.ConversationMaxAgeSec) * time.Second
	}
	if y.MonitorMaxWaitSec > 0 {
		cfg.MonitorMaxWait = time.Duration(y.MonitorMaxWaitSec) * time.Second
	}
	if y.MonitorPollIntervalSec > 0 {
		cfg.MonitorPollInterval = time.Duration(y.MonitorPollIntervalSec) * time.Second
	}
	if y.DedupTTLSec > 0 {
		cfg.DedupTTL = time.Duration(y.DedupTTLSec) * time.Second
	}
	if y.CleanupIntervalSec > 0 {
		cfg.CleanupInterval = time.Duration(y.CleanupIntervalSec) * time.Second
	}
	if y.AgentServiceURL != "" {
		cfg.AgentServiceURL = y.AgentServiceURL
	}
	if y.AgentServiceToken != "" {
		cfg.AgentServiceToken = y.AgentServiceToken
	}
	if y.OurWebhookURL != "" {
		cfg.OurWebhookURL = y.OurWebhookURL
	}
	return nil
}

// applyEnv overlays environment variables on top of cfg. Environment always
// wins over the YAML file, matching the teacher's env-is-authoritative style.
func applyEnv(cfg *Config) {
	cfg.HomeserverURL = environment.StringOr("HOMESERVER_URL", cfg.HomeserverURL)
	cfg.ServerName = environment.StringOr("SERVER_NAME", cfg.ServerName)
	cfg.AdminUsername = environment.StringOr("ADMIN_USERNAME", cfg.AdminUsername)
	cfg.AdminPassword = environment.StringOr("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.RegistrationToken = environment.StringOr("REGISTRATION_TOKEN", cfg.RegistrationToken)
	cfg.PasswordSecret = environment.StringOr("PASSWORD_SECRET", cfg.PasswordSecret)

	cfg.StorageMode = StorageMode(environment.StringOr("STORAGE_MODE", string(cfg.StorageMode)))
	cfg.StorageAPIURL = environment.StringOr("STORAGE_API_URL", cfg.StorageAPIURL)
	cfg.StorageInternalKey = environment.StringOr("STORAGE_INTERNAL_KEY", cfg.StorageInternalKey)
	cfg.StorageFilePath = environment.StringOr("STORAGE_FILE_PATH", cfg.StorageFilePath)

	cfg.SpaceName = environment.StringOr("SPACE_NAME", cfg.SpaceName)
	cfg.OwnerMXID = environment.StringOr("OWNER_MXID", cfg.OwnerMXID)
	cfg.BridgeMXID = environment.StringOr("BRIDGE_MXID", cfg.BridgeMXID)
	cfg.AdminMXID = environment.StringOr("ADMIN_MXID", cfg.AdminMXID)

	cfg.WebhookPort = environment.IntOr("WEBHOOK_PORT", cfg.WebhookPort)
	cfg.WebhookSecret = environment.StringOr("WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.WebhookSkipVerification = environment.BoolOr("WEBHOOK_SKIP_VERIFICATION", cfg.WebhookSkipVerification)
	cfg.AuditNonMatrix = environment.BoolOr("AUDIT_NON_MATRIX", cfg.AuditNonMatrix)

	cfg.ConversationMaxAge = environment.DurationOr("CONVERSATION_MAX_AGE", cfg.ConversationMaxAge)
	cfg.MonitorMaxWait = environment.DurationOr("MONITOR_MAX_WAIT", cfg.MonitorMaxWait)
	cfg.MonitorPollInterval = environment.DurationOr("MONITOR_POLL_INTERVAL", cfg.MonitorPollInterval)
	cfg.DedupTTL = environment.DurationOr("DEDUP_TTL", cfg.DedupTTL)
	cfg.CleanupInterval = environment.DurationOr("CLEANUP_INTERVAL", cfg.CleanupInterval)
	cfg.SessionMapTTL = environment.DurationOr("SESSION_MAP_TTL", cfg.SessionMapTTL)
	cfg.SubscriptionTTL = environment.DurationOr("SUBSCRIPTION_TTL", cfg.SubscriptionTTL)
	cfg.MaxConcurrentMonitors = environment.IntOr("MAX_CONCURRENT_MONITORS", cfg.MaxConcurrentMonitors)
	cfg.AgentReconcileInterval = environment.DurationOr("AGENT_RECONCILE_INTERVAL", cfg.AgentReconcileInterval)

	cfg.AgentServiceURL = environment.StringOr("AGENT_SERVICE_URL", cfg.AgentServiceURL)
	cfg.AgentServiceToken = environment.StringOr("AGENT_SERVICE_TOKEN", cfg.AgentServiceToken)
	cfg.OurWebhookURL = environment.StringOr("OUR_WEBHOOK_URL", cfg.OurWebhookURL)

	cfg.MasterKeyHex = environment.StringOr("BRIDGE_MASTER_KEY", cfg.MasterKeyHex)
}

// Validate checks the fatal-misconfiguration class of errors from spec.md §7:
// a missing homeserver_url, server_name or password_secret (plus
// storage_api_url and storage_internal_key when storage_mode is "api"), or
// an unknown storage_mode, surfaces immediately rather than failing deep
// inside a handler. The admin password is not checked here.
func (c *Config) Validate() error {
	var missing []string
	if c.HomeserverURL == "" {
		missing = append(missing, "homeserver_url")
	}
	if c.ServerName == "" {
		missing = append(missing, "server_name")
	}
	if c.PasswordSecret == "" {
		missing = append(missing, "password_secret")
	}
	if c.StorageMode == StorageModeAPI {
		if c.StorageAPIURL == "" {
			missing = append(missing, "storage_api_url")
		}
		if c.StorageInternalKey == "" {
			missing = append(missing, "storage_internal_key")
		}
	}
	if c.StorageMode != StorageModeFile && c.StorageMode != StorageModeAPI {
		return fmt.Errorf("config: storage_mode must be %q or %q, got %q", StorageModeFile, StorageModeAPI, c.StorageMode)
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
