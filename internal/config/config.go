// Package config owns the settings tree for the archiver.
//
// Precedence is fixed: built-in defaults, then the YAML config file, then
// flat environment variables. Validation runs once over the merged result
// and reports every problem it finds, each with an operator-facing hint.
package config

import (
	"time"
)

// Settings is the root of the configuration tree. Section and field names
// mirror the YAML layout one to one.
type Settings struct {
	Server        ServerSettings        `yaml:"server"`
	Zammad        ZammadSettings        `yaml:"zammad"`
	Workflow      WorkflowSettings      `yaml:"workflow"`
	Fields        FieldsSettings        `yaml:"fields"`
	Storage       StorageSettings       `yaml:"storage"`
	PDF           PDFSettings           `yaml:"pdf"`
	Signing       SigningSettings       `yaml:"signing"`
	Observability ObservabilitySettings `yaml:"observability"`
	Hardening     HardeningSettings     `yaml:"hardening"`
	Admin         AdminSettings         `yaml:"admin"`
}

type ServerSettings struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Legacy shared secret, still honored for HMAC verification when the
	// canonical zammad.webhook_hmac_secret is unset.
	WebhookSharedSecret string `yaml:"webhook_shared_secret"`
}

type ZammadSettings struct {
	BaseURL           string  `yaml:"base_url"`
	APIToken          string  `yaml:"api_token"`
	WebhookHMACSecret string  `yaml:"webhook_hmac_secret"`
	TimeoutSeconds    float64 `yaml:"timeout_seconds"`
	VerifyTLS         bool    `yaml:"verify_tls"`
}

// Timeout is the total per-request budget against the upstream API.
func (z ZammadSettings) Timeout() time.Duration {
	return time.Duration(z.TimeoutSeconds * float64(time.Second))
}

type WorkflowSettings struct {
	TriggerTag              string  `yaml:"trigger_tag"`
	RequireTag              bool    `yaml:"require_tag"`
	AcknowledgeOnSuccess    bool    `yaml:"acknowledge_on_success"`
	DeliveryIDTTLSeconds    int     `yaml:"delivery_id_ttl_seconds"`
	ExecutionBackend        string  `yaml:"execution_backend"`
	IdempotencyBackend      string  `yaml:"idempotency_backend"`
	RedisURL                string  `yaml:"redis_url"`
	QueueStream             string  `yaml:"queue_stream"`
	QueueGroup              string  `yaml:"queue_group"`
	QueueConsumer           string  `yaml:"queue_consumer"`
	QueueReadBlockMS        int     `yaml:"queue_read_block_ms"`
	QueueReadCount          int     `yaml:"queue_read_count"`
	QueueRetryMaxAttempts   int     `yaml:"queue_retry_max_attempts"`
	QueueRetryBackoffSecond float64 `yaml:"queue_retry_backoff_seconds"`
	QueueDLQStream          string  `yaml:"queue_dlq_stream"`
	HistoryStream           string  `yaml:"history_stream"`
	HistoryRetentionMaxlen  int     `yaml:"history_retention_maxlen"`
}

func (w WorkflowSettings) DeliveryIDTTL() time.Duration {
	return time.Duration(w.DeliveryIDTTLSeconds) * time.Second
}

func (w WorkflowSettings) QueueRetryBackoff() time.Duration {
	return time.Duration(w.QueueRetryBackoffSecond * float64(time.Second))
}

// FieldsSettings names the Zammad custom fields the archiver reads from the
// ticket object. The values of those fields drive path and user derivation.
type FieldsSettings struct {
	ArchivePath     string `yaml:"archive_path"`
	ArchiveUserMode string `yaml:"archive_user_mode"`
	ArchiveUser     string `yaml:"archive_user"`
}

type SanitizeSettings struct {
	ReplaceWhitespace string `yaml:"replace_whitespace"`
	StripControlChars bool   `yaml:"strip_control_chars"`
}

type PathPolicySettings struct {
	// nil means no allowlist; an empty list rejects every path.
	AllowPrefixes   []string         `yaml:"allow_prefixes"`
	Sanitize        SanitizeSettings `yaml:"sanitize"`
	FilenamePattern string           `yaml:"filename_pattern"`
}

type StorageSettings struct {
	Root        string             `yaml:"root"`
	AtomicWrite bool               `yaml:"atomic_write"`
	Fsync       bool               `yaml:"fsync"`
	PathPolicy  PathPolicySettings `yaml:"path_policy"`
}

type PDFSettings struct {
	TemplateVariant           string `yaml:"template_variant"`
	TemplatesRoot             string `yaml:"templates_root"`
	Locale                    string `yaml:"locale"`
	Timezone                  string `yaml:"timezone"`
	MaxArticles               int    `yaml:"max_articles"`
	ArticleLimitMode          string `yaml:"article_limit_mode"`
	IncludeAttachmentBinary   bool   `yaml:"include_attachment_binary"`
	MaxAttachmentBytesPerFile int64  `yaml:"max_attachment_bytes_per_file"`
	MaxTotalAttachmentBytes   int64  `yaml:"max_total_attachment_bytes"`
}

type PadesSettings struct {
	CertPath    string `yaml:"cert_path"`
	KeyPath     string `yaml:"key_path"`
	KeyPassword string `yaml:"key_password"`
	Reason      string `yaml:"reason"`
	Location    string `yaml:"location"`
}

type RFC3161Settings struct {
	TSAURL         string  `yaml:"tsa_url"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	CABundlePath   string  `yaml:"ca_bundle_path"`
	User           string  `yaml:"user"`
	Password       string  `yaml:"password"`
}

func (r RFC3161Settings) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds * float64(time.Second))
}

type TimestampSettings struct {
	Enabled bool            `yaml:"enabled"`
	RFC3161 RFC3161Settings `yaml:"rfc3161"`
}

type SigningSettings struct {
	Enabled     bool              `yaml:"enabled"`
	PFXPath     string            `yaml:"pfx_path"`
	PFXPassword string            `yaml:"pfx_password"`
	Pades       PadesSettings     `yaml:"pades"`
	Timestamp   TimestampSettings `yaml:"timestamp"`
}

type ObservabilitySettings struct {
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"` // json|human; empty falls back to json_logs
	JSONLogs           bool   `yaml:"json_logs"`
	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	MetricsBearerToken string `yaml:"metrics_bearer_token"`
	HealthzOmitVersion bool   `yaml:"healthz_omit_version"`
}

type RateLimitSettings struct {
	Enabled        bool    `yaml:"enabled"`
	RPS            float64 `yaml:"rps"`
	Burst          int     `yaml:"burst"`
	IncludeMetrics bool    `yaml:"include_metrics"`
	// When set (e.g. "X-Forwarded-For"), the limiter keys on this header's
	// first value instead of the peer address. Trust the proxy that sets it.
	ClientKeyHeader string `yaml:"client_key_header"`
}

type BodySizeLimitSettings struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

type WebhookHardeningSettings struct {
	AllowUnsigned             bool `yaml:"allow_unsigned"`
	AllowUnsignedWhenNoSecret bool `yaml:"allow_unsigned_when_no_secret"`
	RequireDeliveryID         bool `yaml:"require_delivery_id"`
}

type TransportHardeningSettings struct {
	TrustEnv           bool `yaml:"trust_env"`
	AllowInsecureHTTP  bool `yaml:"allow_insecure_http"`
	AllowInsecureTLS   bool `yaml:"allow_insecure_tls"`
	AllowLocalUpstream bool `yaml:"allow_local_upstreams"`
}

type HardeningSettings struct {
	RateLimit     RateLimitSettings          `yaml:"rate_limit"`
	BodySizeLimit BodySizeLimitSettings      `yaml:"body_size_limit"`
	Webhook       WebhookHardeningSettings   `yaml:"webhook"`
	Transport     TransportHardeningSettings `yaml:"transport"`
}

type AdminSettings struct {
	Enabled      bool   `yaml:"enabled"`
	BearerToken  string `yaml:"bearer_token"`
	HistoryLimit int    `yaml:"history_limit"`
}

// WebhookSecret returns the secret used for HMAC verification: the canonical
// zammad.webhook_hmac_secret, falling back to the legacy server-level one.
func (s *Settings) WebhookSecret() string {
	if s.Zammad.WebhookHMACSecret != "" {
		return s.Zammad.WebhookHMACSecret
	}
	return s.Server.WebhookSharedSecret
}

// Default returns a Settings tree with every default applied. Required
// fields (zammad.base_url, zammad.api_token, storage.root) stay empty and
// are enforced by Validate.
func Default() *Settings {
	return &Settings{
		Server: ServerSettings{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Zammad: ZammadSettings{
			TimeoutSeconds: 10.0,
			VerifyTLS:      true,
		},
		Workflow: WorkflowSettings{
			TriggerTag:              "pdf:sign",
			RequireTag:              true,
			AcknowledgeOnSuccess:    true,
			DeliveryIDTTLSeconds:    3600,
			ExecutionBackend:        "inprocess",
			IdempotencyBackend:      "memory",
			QueueStream:             "zammad:jobs",
			QueueGroup:              "zammad:jobs:workers",
			QueueReadBlockMS:        1000,
			QueueReadCount:          10,
			QueueRetryMaxAttempts:   3,
			QueueRetryBackoffSecond: 2.0,
			QueueDLQStream:          "zammad:jobs:dlq",
			HistoryStream:           "zammad:jobs:history",
			HistoryRetentionMaxlen:  5000,
		},
		Fields: FieldsSettings{
			ArchivePath:     "archive_path",
			ArchiveUserMode: "archive_user_mode",
			ArchiveUser:     "archive_user",
		},
		Storage: StorageSettings{
			AtomicWrite: true,
			Fsync:       true,
			PathPolicy: PathPolicySettings{
				Sanitize: SanitizeSettings{
					ReplaceWhitespace: "_",
					StripControlChars: true,
				},
				FilenamePattern: "Ticket-{ticket_number}_{timestamp_utc}.pdf",
			},
		},
		PDF: PDFSettings{
			TemplateVariant:           "default",
			Locale:                    "de_DE",
			Timezone:                  "Europe/Berlin",
			MaxArticles:               250,
			ArticleLimitMode:          "fail",
			MaxAttachmentBytesPerFile: 10 * 1024 * 1024,
			MaxTotalAttachmentBytes:   50 * 1024 * 1024,
		},
		Signing: SigningSettings{
			Pades: PadesSettings{
				Reason:   "Ticket Archivierung",
				Location: "Datacenter",
			},
			Timestamp: TimestampSettings{
				RFC3161: RFC3161Settings{TimeoutSeconds: 10.0},
			},
		},
		Observability: ObservabilitySettings{
			LogLevel: "INFO",
		},
		Hardening: HardeningSettings{
			RateLimit: RateLimitSettings{
				Enabled: true,
				RPS:     5.0,
				Burst:   10,
			},
			BodySizeLimit: BodySizeLimitSettings{MaxBytes: 1024 * 1024},
		},
		Admin: AdminSettings{
			HistoryLimit: 100,
		},
	}
}
