package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the opsrelay gateway.
// Built once at process start and passed in explicitly; no ambient globals.
type Config struct {
	Port    int
	Version string

	// RulesPath is the YAML routing table (ordered, first match wins).
	RulesPath string

	// DataDir is where the in-memory store snapshots state. Empty disables
	// persistence; ignored when Database.URL is set.
	DataDir string

	PublicURL string // externally reachable origin for webhook notification URLs

	Airtable  AirtableConfig
	Google    GoogleConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Registrar RegistrarConfig
	Dispatch  DispatchConfig
	Alerts    AlertConfig
	Retention RetentionConfig
}

type AirtableConfig struct {
	APIKeyRef string // secret ref for the Airtable PAT
	BaseID    string
	// WebhookSecretRef is the MAC secret for inbound signature checks.
	// Empty enables permissive "unverified" mode, meant for local dev only.
	WebhookSecretRef string
}

type GoogleConfig struct {
	ProjectID       string
	CredentialsFile string
	UserEmail       string // mailbox the Gmail watch is attached to
	ChatSpace       string // space for human alerts / approval cards
	ResumesFolderID string // Drive folder watched for resume uploads

	// Topic names for the per-source event bus (short names, project-scoped).
	TopicAirtable string
	TopicGmail    string
	TopicDrive    string
	TopicChat     string

	// SchedulerAudience is the expected audience claim on signed
	// service-identity tokens hitting /internal/scheduler/*.
	SchedulerAudience string
}

type DatabaseConfig struct {
	// URL enables the PostgreSQL store; empty falls back to in-memory.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type RegistrarConfig struct {
	// RenewalWindow: subscriptions expiring within this window are
	// refreshed instead of returned as-is.
	RenewalWindow time.Duration
	MaxRetries    int
	RetryBase     time.Duration
}

type DispatchConfig struct {
	// ActionTimeout bounds a single action invocation, independent of
	// ingress latency.
	ActionTimeout time.Duration
	// GmailFetchTimeout bounds the history-delta fetch inside normalization.
	GmailFetchTimeout time.Duration
	// GmailFetchRetries is the attempt budget for that fetch.
	GmailFetchRetries int
}

type AlertConfig struct {
	// WebhookURL receives HMAC-signed operational alerts. Empty disables
	// the webhook driver; Chat alerts still go to Google.ChatSpace.
	WebhookURL       string
	WebhookSecretRef string
}

type RetentionConfig struct {
	// Interval is how often the audit janitor sweeps.
	Interval time.Duration
	// MaxAge is how long audit records are kept.
	MaxAge time.Duration
	// ArchiveDir enables archive-before-purge to local JSONL files.
	// Empty purges without archiving.
	ArchiveDir string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:      envInt("OPSRELAY_PORT", 8080),
		Version:   envStr("OPSRELAY_VERSION", "0.2.0"),
		RulesPath: envStr("OPSRELAY_RULES_PATH", "event_routing.yaml"),
		DataDir:   envStr("OPSRELAY_DATA_DIR", ""),
		PublicURL: envStr("OPSRELAY_PUBLIC_URL", "http://localhost:8080"),
		Airtable: AirtableConfig{
			APIKeyRef:        envStr("AIRTABLE_API_KEY_REF", "env:AIRTABLE_API_KEY"),
			BaseID:           envStr("AIRTABLE_BASE_ID", ""),
			WebhookSecretRef: envStr("AIRTABLE_WEBHOOK_SECRET_REF", ""),
		},
		Google: GoogleConfig{
			ProjectID:         envStr("GCP_PROJECT_ID", "jetsmx-agent"),
			CredentialsFile:   envStr("GOOGLE_APPLICATION_CREDENTIALS", ""),
			UserEmail:         envStr("GMAIL_USER_EMAIL", "jobs@jetstreammx.com"),
			ChatSpace:         envStr("CHAT_ALERT_SPACE", ""),
			ResumesFolderID:   envStr("DRIVE_FOLDER_RESUMES", ""),
			TopicAirtable:     envStr("TOPIC_AIRTABLE", "events.airtable"),
			TopicGmail:        envStr("TOPIC_GMAIL", "events.gmail"),
			TopicDrive:        envStr("TOPIC_DRIVE", "events.drive"),
			TopicChat:         envStr("TOPIC_CHAT", "events.chat"),
			SchedulerAudience: envStr("SCHEDULER_AUDIENCE", ""),
		},
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "opsrelay"),
		},
		Registrar: RegistrarConfig{
			RenewalWindow: envDur("REGISTRAR_RENEWAL_WINDOW", 48*time.Hour),
			MaxRetries:    envInt("REGISTRAR_MAX_RETRIES", 3),
			RetryBase:     envDur("REGISTRAR_RETRY_BASE", time.Second),
		},
		Dispatch: DispatchConfig{
			ActionTimeout:     envDur("DISPATCH_ACTION_TIMEOUT", 30*time.Second),
			GmailFetchTimeout: envDur("GMAIL_FETCH_TIMEOUT", 10*time.Second),
			GmailFetchRetries: envInt("GMAIL_FETCH_RETRIES", 3),
		},
		Alerts: AlertConfig{
			WebhookURL:       envStr("ALERT_WEBHOOK_URL", ""),
			WebhookSecretRef: envStr("ALERT_WEBHOOK_SECRET_REF", ""),
		},
		Retention: RetentionConfig{
			Interval:   envDur("AUDIT_RETENTION_INTERVAL", 6*time.Hour),
			MaxAge:     envDur("AUDIT_RETENTION_MAX_AGE", 30*24*time.Hour),
			ArchiveDir: envStr("AUDIT_ARCHIVE_DIR", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
