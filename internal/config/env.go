package config

import (
	"fmt"
	"strconv"
	"strings"
)

// AliasWarning records a deprecated environment variable that was honored
// because its canonical replacement was unset.
type AliasWarning struct {
	Old string
	New string
}

type envBinding struct {
	name string
	set  func(*Settings, string) error
}

// deprecatedAliases maps legacy variable names to their canonical
// replacements. A legacy name only applies when the canonical one is unset,
// and every use is reported to the caller.
var deprecatedAliases = map[string]string{
	"ZAMMAD_URL":                    "ZAMMAD_BASE_URL",
	"TEMPLATE_VARIANT":              "PDF_TEMPLATE_VARIANT",
	"RENDER_LOCALE":                 "PDF_LOCALE",
	"RENDER_TIMEZONE":               "PDF_TIMEZONE",
	"OBSERVABILITY_METRICS_ENABLED": "METRICS_ENABLED",
}

// DeprecatedAliases returns the legacy-to-canonical environment variable
// mapping, for the show-deprecated command.
func DeprecatedAliases() map[string]string {
	out := make(map[string]string, len(deprecatedAliases))
	for k, v := range deprecatedAliases {
		out[k] = v
	}
	return out
}

func envBindings() []envBinding {
	str := func(pick func(*Settings) *string) func(*Settings, string) error {
		return func(s *Settings, v string) error {
			*pick(s) = v
			return nil
		}
	}
	boolean := func(pick func(*Settings) *bool) func(*Settings, string) error {
		return func(s *Settings, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			*pick(s) = b
			return nil
		}
	}
	integer := func(pick func(*Settings) *int) func(*Settings, string) error {
		return func(s *Settings, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("not an integer: %q", v)
			}
			*pick(s) = n
			return nil
		}
	}
	integer64 := func(pick func(*Settings) *int64) func(*Settings, string) error {
		return func(s *Settings, v string) error {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return fmt.Errorf("not an integer: %q", v)
			}
			*pick(s) = n
			return nil
		}
	}
	float := func(pick func(*Settings) *float64) func(*Settings, string) error {
		return func(s *Settings, v string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("not a number: %q", v)
			}
			*pick(s) = f
			return nil
		}
	}

	return []envBinding{
		// server
		{"SERVER_HOST", str(func(s *Settings) *string { return &s.Server.Host })},
		{"SERVER_PORT", integer(func(s *Settings) *int { return &s.Server.Port })},
		{"WEBHOOK_SHARED_SECRET", str(func(s *Settings) *string { return &s.Server.WebhookSharedSecret })},
		// zammad
		{"ZAMMAD_BASE_URL", str(func(s *Settings) *string { return &s.Zammad.BaseURL })},
		{"ZAMMAD_API_TOKEN", str(func(s *Settings) *string { return &s.Zammad.APIToken })},
		{"WEBHOOK_HMAC_SECRET", str(func(s *Settings) *string { return &s.Zammad.WebhookHMACSecret })},
		{"ZAMMAD_TIMEOUT_SECONDS", float(func(s *Settings) *float64 { return &s.Zammad.TimeoutSeconds })},
		{"ZAMMAD_VERIFY_TLS", boolean(func(s *Settings) *bool { return &s.Zammad.VerifyTLS })},
		// workflow
		{"WORKFLOW_TRIGGER_TAG", str(func(s *Settings) *string { return &s.Workflow.TriggerTag })},
		{"WORKFLOW_REQUIRE_TAG", boolean(func(s *Settings) *bool { return &s.Workflow.RequireTag })},
		{"WORKFLOW_DELIVERY_ID_TTL_SECONDS", integer(func(s *Settings) *int { return &s.Workflow.DeliveryIDTTLSeconds })},
		{"WORKFLOW_EXECUTION_BACKEND", str(func(s *Settings) *string { return &s.Workflow.ExecutionBackend })},
		{"IDEMPOTENCY_BACKEND", str(func(s *Settings) *string { return &s.Workflow.IdempotencyBackend })},
		{"REDIS_URL", str(func(s *Settings) *string { return &s.Workflow.RedisURL })},
		{"WORKFLOW_QUEUE_STREAM", str(func(s *Settings) *string { return &s.Workflow.QueueStream })},
		{"WORKFLOW_QUEUE_GROUP", str(func(s *Settings) *string { return &s.Workflow.QueueGroup })},
		{"WORKFLOW_QUEUE_CONSUMER", str(func(s *Settings) *string { return &s.Workflow.QueueConsumer })},
		{"WORKFLOW_QUEUE_READ_BLOCK_MS", integer(func(s *Settings) *int { return &s.Workflow.QueueReadBlockMS })},
		{"WORKFLOW_QUEUE_READ_COUNT", integer(func(s *Settings) *int { return &s.Workflow.QueueReadCount })},
		{"WORKFLOW_QUEUE_RETRY_MAX_ATTEMPTS", integer(func(s *Settings) *int { return &s.Workflow.QueueRetryMaxAttempts })},
		{"WORKFLOW_QUEUE_RETRY_BACKOFF_SECONDS", float(func(s *Settings) *float64 { return &s.Workflow.QueueRetryBackoffSecond })},
		{"WORKFLOW_QUEUE_DLQ_STREAM", str(func(s *Settings) *string { return &s.Workflow.QueueDLQStream })},
		{"WORKFLOW_HISTORY_STREAM", str(func(s *Settings) *string { return &s.Workflow.HistoryStream })},
		{"WORKFLOW_HISTORY_RETENTION_MAXLEN", integer(func(s *Settings) *int { return &s.Workflow.HistoryRetentionMaxlen })},
		// fields
		{"FIELDS_ARCHIVE_PATH", str(func(s *Settings) *string { return &s.Fields.ArchivePath })},
		{"FIELDS_ARCHIVE_USER_MODE", str(func(s *Settings) *string { return &s.Fields.ArchiveUserMode })},
		{"FIELDS_ARCHIVE_USER", str(func(s *Settings) *string { return &s.Fields.ArchiveUser })},
		// storage
		{"STORAGE_ROOT", str(func(s *Settings) *string { return &s.Storage.Root })},
		{"STORAGE_ATOMIC_WRITE", boolean(func(s *Settings) *bool { return &s.Storage.AtomicWrite })},
		{"STORAGE_FSYNC", boolean(func(s *Settings) *bool { return &s.Storage.Fsync })},
		// pdf
		{"PDF_TEMPLATE_VARIANT", str(func(s *Settings) *string { return &s.PDF.TemplateVariant })},
		{"TEMPLATES_ROOT", str(func(s *Settings) *string { return &s.PDF.TemplatesRoot })},
		{"PDF_LOCALE", str(func(s *Settings) *string { return &s.PDF.Locale })},
		{"PDF_TIMEZONE", str(func(s *Settings) *string { return &s.PDF.Timezone })},
		{"PDF_MAX_ARTICLES", integer(func(s *Settings) *int { return &s.PDF.MaxArticles })},
		{"PDF_ARTICLE_LIMIT_MODE", str(func(s *Settings) *string { return &s.PDF.ArticleLimitMode })},
		{"PDF_INCLUDE_ATTACHMENT_BINARY", boolean(func(s *Settings) *bool { return &s.PDF.IncludeAttachmentBinary })},
		{"PDF_MAX_ATTACHMENT_BYTES_PER_FILE", integer64(func(s *Settings) *int64 { return &s.PDF.MaxAttachmentBytesPerFile })},
		{"PDF_MAX_TOTAL_ATTACHMENT_BYTES", integer64(func(s *Settings) *int64 { return &s.PDF.MaxTotalAttachmentBytes })},
		// signing
		{"SIGNING_ENABLED", boolean(func(s *Settings) *bool { return &s.Signing.Enabled })},
		{"SIGNING_PFX_PATH", str(func(s *Settings) *string { return &s.Signing.PFXPath })},
		{"SIGNING_PFX_PASSWORD", str(func(s *Settings) *string { return &s.Signing.PFXPassword })},
		{"SIGNING_CERT_PATH", str(func(s *Settings) *string { return &s.Signing.Pades.CertPath })},
		{"SIGNING_KEY_PATH", str(func(s *Settings) *string { return &s.Signing.Pades.KeyPath })},
		{"SIGNING_KEY_PASSWORD", str(func(s *Settings) *string { return &s.Signing.Pades.KeyPassword })},
		{"SIGNING_REASON", str(func(s *Settings) *string { return &s.Signing.Pades.Reason })},
		{"SIGNING_LOCATION", str(func(s *Settings) *string { return &s.Signing.Pades.Location })},
		{"TSA_ENABLED", boolean(func(s *Settings) *bool { return &s.Signing.Timestamp.Enabled })},
		{"TSA_URL", str(func(s *Settings) *string { return &s.Signing.Timestamp.RFC3161.TSAURL })},
		{"TSA_TIMEOUT_SECONDS", float(func(s *Settings) *float64 { return &s.Signing.Timestamp.RFC3161.TimeoutSeconds })},
		{"TSA_CA_BUNDLE_PATH", str(func(s *Settings) *string { return &s.Signing.Timestamp.RFC3161.CABundlePath })},
		{"TSA_USER", str(func(s *Settings) *string { return &s.Signing.Timestamp.RFC3161.User })},
		{"TSA_PASS", str(func(s *Settings) *string { return &s.Signing.Timestamp.RFC3161.Password })},
		// observability
		{"LOG_LEVEL", str(func(s *Settings) *string { return &s.Observability.LogLevel })},
		{"LOG_FORMAT", str(func(s *Settings) *string { return &s.Observability.LogFormat })},
		{"LOG_JSON", boolean(func(s *Settings) *bool { return &s.Observability.JSONLogs })},
		{"METRICS_ENABLED", boolean(func(s *Settings) *bool { return &s.Observability.MetricsEnabled })},
		{"METRICS_BEARER_TOKEN", str(func(s *Settings) *string { return &s.Observability.MetricsBearerToken })},
		{"HEALTHZ_OMIT_VERSION", boolean(func(s *Settings) *bool { return &s.Observability.HealthzOmitVersion })},
		// hardening
		{"RATE_LIMIT_ENABLED", boolean(func(s *Settings) *bool { return &s.Hardening.RateLimit.Enabled })},
		{"RATE_LIMIT_RPS", float(func(s *Settings) *float64 { return &s.Hardening.RateLimit.RPS })},
		{"RATE_LIMIT_BURST", integer(func(s *Settings) *int { return &s.Hardening.RateLimit.Burst })},
		{"RATE_LIMIT_INCLUDE_METRICS", boolean(func(s *Settings) *bool { return &s.Hardening.RateLimit.IncludeMetrics })},
		{"RATE_LIMIT_CLIENT_KEY_HEADER", str(func(s *Settings) *string { return &s.Hardening.RateLimit.ClientKeyHeader })},
		{"MAX_BODY_BYTES", integer64(func(s *Settings) *int64 { return &s.Hardening.BodySizeLimit.MaxBytes })},
		{"HARDENING_WEBHOOK_ALLOW_UNSIGNED", boolean(func(s *Settings) *bool { return &s.Hardening.Webhook.AllowUnsigned })},
		{"HARDENING_WEBHOOK_ALLOW_UNSIGNED_WHEN_NO_SECRET", boolean(func(s *Settings) *bool { return &s.Hardening.Webhook.AllowUnsignedWhenNoSecret })},
		{"HARDENING_WEBHOOK_REQUIRE_DELIVERY_ID", boolean(func(s *Settings) *bool { return &s.Hardening.Webhook.RequireDeliveryID })},
		{"HARDENING_TRANSPORT_TRUST_ENV", boolean(func(s *Settings) *bool { return &s.Hardening.Transport.TrustEnv })},
		{"HARDENING_TRANSPORT_ALLOW_INSECURE_HTTP", boolean(func(s *Settings) *bool { return &s.Hardening.Transport.AllowInsecureHTTP })},
		{"HARDENING_TRANSPORT_ALLOW_INSECURE_TLS", boolean(func(s *Settings) *bool { return &s.Hardening.Transport.AllowInsecureTLS })},
		{"HARDENING_TRANSPORT_ALLOW_LOCAL_UPSTREAMS", boolean(func(s *Settings) *bool { return &s.Hardening.Transport.AllowLocalUpstream })},
		// admin
		{"ADMIN_ENABLED", boolean(func(s *Settings) *bool { return &s.Admin.Enabled })},
		{"ADMIN_BEARER_TOKEN", str(func(s *Settings) *string { return &s.Admin.BearerToken })},
		{"ADMIN_HISTORY_LIMIT", integer(func(s *Settings) *int { return &s.Admin.HistoryLimit })},
	}
}

// deprecatedTargets pairs each legacy variable with the setter of its
// canonical field so the value lands in the same place.
func deprecatedBindings() []envBinding {
	all := envBindings()
	byName := make(map[string]envBinding, len(all))
	for _, b := range all {
		byName[b.name] = b
	}
	out := make([]envBinding, 0, len(deprecatedAliases))
	for old, canonical := range deprecatedAliases {
		if b, ok := byName[canonical]; ok {
			out = append(out, envBinding{name: old, set: b.set})
		}
	}
	return out
}

// applyEnv overlays non-empty environment values onto s. Deprecated aliases
// apply only when their canonical variable is unset and are reported back so
// the caller can log them once a logger exists.
func applyEnv(s *Settings, getenv func(string) string) ([]AliasWarning, error) {
	var issues []Issue

	for _, b := range envBindings() {
		v := getenv(b.name)
		if v == "" {
			continue
		}
		if err := b.set(s, v); err != nil {
			issues = append(issues, Issue{Path: b.name, Message: err.Error()})
		}
	}

	var warnings []AliasWarning
	for _, b := range deprecatedBindings() {
		v := getenv(b.name)
		if v == "" {
			continue
		}
		canonical := deprecatedAliases[b.name]
		if getenv(canonical) != "" {
			continue
		}
		if err := b.set(s, v); err != nil {
			issues = append(issues, Issue{Path: b.name, Message: err.Error()})
			continue
		}
		warnings = append(warnings, AliasWarning{Old: b.name, New: canonical})
	}

	if len(issues) > 0 {
		return warnings, &ValidationError{Issues: issues}
	}
	return warnings, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}
