package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Identity
	AgentID    string `envconfig:"AGENT_ID"`
	AgentRole  string `envconfig:"AGENT_ROLE"` // defaults to AgentID
	WriterRole string `envconfig:"WRITER_ROLE" default:"local"`
	// Roles that execute approved actions and watch the inbox. Comma-separated.
	ExecutorRoles string `envconfig:"EXECUTOR_ROLES" default:"local"`
	InboxRoles    string `envconfig:"INBOX_ROLES" default:"local"`

	// Paths. StateDir and SecretsDir must never live inside the vault.
	VaultPath  string `envconfig:"VAULT_PATH" default:"./vault"`
	StateDir   string `envconfig:"STATE_DIR" default:"./.agent-state"`
	SecretsDir string `envconfig:"SECRETS_DIR" default:"./.secrets"`

	// Loop
	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"10s"`

	// Sync
	SyncEnabled     bool          `envconfig:"SYNC_ENABLED" default:"true"`
	SyncInterval    time.Duration `envconfig:"SYNC_INTERVAL" default:"60s"`
	SyncRemote      string        `envconfig:"SYNC_REMOTE" default:"origin"`
	SyncBranch      string        `envconfig:"SYNC_BRANCH" default:"main"`
	SyncPushRetries int           `envconfig:"SYNC_PUSH_RETRIES" default:"3"`
	SyncExclude     string        `envconfig:"SYNC_EXCLUDE"` // extra comma-separated globs

	// Health
	HealthInterval         time.Duration `envconfig:"HEALTH_INTERVAL" default:"60s"`
	HealthStaleAfter       time.Duration `envconfig:"HEALTH_STALE_AFTER" default:"5m"`
	HealthUnreachableAfter time.Duration `envconfig:"HEALTH_UNREACHABLE_AFTER" default:"15m"`

	// Workflow
	LeaseTTL         time.Duration `envconfig:"LEASE_TTL" default:"30m"`
	ApprovalTTL      time.Duration `envconfig:"APPROVAL_TTL" default:"24h"`
	CredentialMaxAge time.Duration `envconfig:"CREDENTIAL_MAX_AGE" default:"0"`
	DryRunActions    string        `envconfig:"DRY_RUN_ACTIONS" default:"email_send,email_reply,social_post,payment,file_delete,file_archive,note,calendar_update"`
	RoutingFile      string        `envconfig:"ROUTING_FILE"`

	// Inbox
	InboxPollInterval time.Duration `envconfig:"INBOX_POLL_INTERVAL" default:"30s"`

	// Retry
	RetryMaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"500ms"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s"`

	// Management API
	MgmtEnabled     bool   `envconfig:"MGMT_ENABLED" default:"false"`
	MgmtListenAddr  string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode    string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey      string `envconfig:"MGMT_API_KEY"`
	MgmtIdentity    string `envconfig:"MGMT_IDENTITY" default:"api-key"`
	MgmtJWTSecret   string `envconfig:"MGMT_JWT_SECRET"`
	MgmtCORSOrigins string `envconfig:"MGMT_CORS_ORIGINS"`

	// Slack (optional escalation notifier)
	SlackBotToken          string `envconfig:"SLACK_BOT_TOKEN"`
	SlackEscalationChannel string `envconfig:"SLACK_ESCALATION_CHANNEL"`
}

// Role returns the agent's role, defaulting to its id.
func (c *Config) Role() string {
	if c.AgentRole != "" {
		return c.AgentRole
	}
	return c.AgentID
}

// IsWriter reports whether this agent may write the summary document.
func (c *Config) IsWriter() bool {
	return c.Role() == c.WriterRole
}

// IsExecutor reports whether this agent executes approved actions.
func (c *Config) IsExecutor() bool {
	return contains(splitList(c.ExecutorRoles), c.Role())
}

// WatchesInbox reports whether this agent ingests Inbox/ drops.
func (c *Config) WatchesInbox() bool {
	return contains(splitList(c.InboxRoles), c.Role())
}

// SlackEnabled returns true if Slack escalation is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackEscalationChannel != ""
}

// SyncExcludeList returns the extra exclusion globs.
func (c *Config) SyncExcludeList() []string {
	return splitList(c.SyncExclude)
}

// DryRunActionList returns the actions served by the dry-run adapter.
func (c *Config) DryRunActionList() []string {
	return splitList(c.DryRunActions)
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("AGENT_ID is required")
	}
	if strings.ContainsAny(c.AgentID, `/\ `) {
		return fmt.Errorf("AGENT_ID %q must be a single path segment", c.AgentID)
	}
	if c.HealthStaleAfter >= c.HealthUnreachableAfter {
		return fmt.Errorf("HEALTH_STALE_AFTER (%s) must be below HEALTH_UNREACHABLE_AFTER (%s)",
			c.HealthStaleAfter, c.HealthUnreachableAfter)
	}
	for name, dir := range map[string]string{"STATE_DIR": c.StateDir, "SECRETS_DIR": c.SecretsDir} {
		if within(c.VaultPath, dir) {
			return fmt.Errorf("%s must not be inside VAULT_PATH", name)
		}
	}
	switch c.MgmtAuthMode {
	case "none", "api-key", "jwt":
	default:
		return fmt.Errorf("unknown MGMT_AUTH_MODE %q", c.MgmtAuthMode)
	}
	if c.MgmtEnabled {
		if c.MgmtAuthMode == "api-key" && c.MgmtAPIKey == "" {
			return fmt.Errorf("MGMT_API_KEY is required in api-key mode")
		}
		if c.MgmtAuthMode == "jwt" && c.MgmtJWTSecret == "" {
			return fmt.Errorf("MGMT_JWT_SECRET is required in jwt mode")
		}
	}
	return nil
}

func within(root, path string) bool {
	r, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(r, p)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
