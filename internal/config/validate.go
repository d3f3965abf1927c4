package config

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// Issue is a single configuration problem, addressed by its YAML path.
// Messages carry the operator hint inline.
type Issue struct {
	Path    string
	Message string
}

// ValidationError aggregates every issue found in one pass so operators fix
// the config in one round trip instead of replaying failures.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	lines := make([]string, 0, len(e.Issues)+1)
	lines = append(lines, "configuration is invalid:")
	for _, issue := range e.Issues {
		lines = append(lines, fmt.Sprintf("- %s: %s", issue.Path, issue.Message))
	}
	return strings.Join(lines, "\n")
}

var logLevels = map[string]bool{
	"CRITICAL": true, "ERROR": true, "WARNING": true, "INFO": true, "DEBUG": true,
}

// Validate checks the merged settings tree and returns a *ValidationError
// listing every violation, or nil.
func (s *Settings) Validate() error {
	var issues []Issue
	add := func(path, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if s.Server.Port < 1 || s.Server.Port > 65535 {
		add("server.port", "must be between 1 and 65535, got %d", s.Server.Port)
	}

	if strings.TrimSpace(s.Zammad.BaseURL) == "" {
		add("zammad.base_url", "missing upstream URL. Set ZAMMAD_BASE_URL or zammad.base_url in the config file.")
	} else if u, err := url.Parse(s.Zammad.BaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		add("zammad.base_url", "must be an absolute http(s) URL, got %q", s.Zammad.BaseURL)
	}
	if strings.TrimSpace(s.Zammad.APIToken) == "" {
		add("zammad.api_token", "missing API token. Set ZAMMAD_API_TOKEN or zammad.api_token in the config file.")
	}
	if s.Zammad.TimeoutSeconds <= 0 {
		add("zammad.timeout_seconds", "must be > 0, got %v", s.Zammad.TimeoutSeconds)
	}

	issues = append(issues, s.Workflow.validate()...)

	if strings.TrimSpace(s.Storage.Root) == "" {
		add("storage.root", "missing archive root directory. Set STORAGE_ROOT or storage.root in the config file.")
	}

	switch s.PDF.TemplateVariant {
	case "default", "minimal":
	default:
		add("pdf.template_variant", "must be 'default' or 'minimal', got %q", s.PDF.TemplateVariant)
	}
	switch s.PDF.ArticleLimitMode {
	case "fail", "cap_and_continue":
	default:
		add("pdf.article_limit_mode", "must be 'fail' or 'cap_and_continue', got %q", s.PDF.ArticleLimitMode)
	}
	if s.PDF.MaxArticles < 0 {
		add("pdf.max_articles", "must be >= 0, got %d", s.PDF.MaxArticles)
	}
	if s.PDF.MaxAttachmentBytesPerFile < 0 {
		add("pdf.max_attachment_bytes_per_file", "must be >= 0, got %d", s.PDF.MaxAttachmentBytesPerFile)
	}
	if s.PDF.MaxTotalAttachmentBytes < 0 {
		add("pdf.max_total_attachment_bytes", "must be >= 0, got %d", s.PDF.MaxTotalAttachmentBytes)
	}

	if s.Signing.Enabled && strings.TrimSpace(s.Signing.PFXPath) == "" {
		add("signing.pfx_path", "signing is enabled but no PKCS#12/PFX bundle is configured. Set SIGNING_PFX_PATH.")
	}
	if s.Signing.Timestamp.Enabled && strings.TrimSpace(s.Signing.Timestamp.RFC3161.TSAURL) == "" {
		add("signing.timestamp.rfc3161.tsa_url", "timestamping is enabled but no TSA URL is configured. Set TSA_URL.")
	}
	if s.Signing.Timestamp.RFC3161.TimeoutSeconds <= 0 {
		add("signing.timestamp.rfc3161.timeout_seconds", "must be > 0, got %v", s.Signing.Timestamp.RFC3161.TimeoutSeconds)
	}

	if !logLevels[strings.ToUpper(s.Observability.LogLevel)] {
		names := make([]string, 0, len(logLevels))
		for k := range logLevels {
			names = append(names, k)
		}
		sort.Strings(names)
		add("observability.log_level", "unsupported log level %q (allowed: %s)", s.Observability.LogLevel, strings.Join(names, ", "))
	}
	switch strings.ToLower(strings.TrimSpace(s.Observability.LogFormat)) {
	case "", "json", "human":
	default:
		add("observability.log_format", "must be 'json' or 'human', got %q", s.Observability.LogFormat)
	}

	if s.Hardening.RateLimit.RPS < 0 {
		add("hardening.rate_limit.rps", "must be >= 0, got %v", s.Hardening.RateLimit.RPS)
	}
	if s.Hardening.RateLimit.Burst < 1 {
		add("hardening.rate_limit.burst", "must be >= 1, got %d", s.Hardening.RateLimit.Burst)
	}
	if s.Hardening.BodySizeLimit.MaxBytes < 0 {
		add("hardening.body_size_limit.max_bytes", "must be >= 0, got %d", s.Hardening.BodySizeLimit.MaxBytes)
	}

	if s.Admin.HistoryLimit < 1 || s.Admin.HistoryLimit > 5000 {
		add("admin.history_limit", "must be between 1 and 5000, got %d", s.Admin.HistoryLimit)
	}

	issues = append(issues, s.transportIssues()...)

	if !s.Hardening.Webhook.AllowUnsigned && strings.TrimSpace(s.WebhookSecret()) == "" {
		add("zammad.webhook_hmac_secret",
			"missing webhook HMAC secret. Set WEBHOOK_HMAC_SECRET (or hardening.webhook.allow_unsigned=true for internal/test use).")
	}
	if s.Hardening.Webhook.RequireDeliveryID && s.Workflow.DeliveryIDTTLSeconds <= 0 {
		add("workflow.delivery_id_ttl_seconds",
			"hardening.webhook.require_delivery_id requires workflow.delivery_id_ttl_seconds to be > 0.")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

func (w WorkflowSettings) validate() []Issue {
	var issues []Issue
	add := func(path, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	backend := strings.ToLower(strings.TrimSpace(w.IdempotencyBackend))
	if backend != "memory" && backend != "redis" {
		add("workflow.idempotency_backend", "must be 'memory' or 'redis', got %q", w.IdempotencyBackend)
	}
	execution := strings.ToLower(strings.TrimSpace(w.ExecutionBackend))
	if execution != "inprocess" && execution != "redis_queue" {
		add("workflow.execution_backend", "must be 'inprocess' or 'redis_queue', got %q", w.ExecutionBackend)
	}
	if backend == "redis" && strings.TrimSpace(w.RedisURL) == "" {
		add("workflow.redis_url", "idempotency_backend=redis requires workflow.redis_url (or REDIS_URL).")
	}
	if execution == "redis_queue" && strings.TrimSpace(w.RedisURL) == "" {
		add("workflow.redis_url", "execution_backend=redis_queue requires workflow.redis_url (or REDIS_URL).")
	}

	if w.DeliveryIDTTLSeconds < 0 {
		add("workflow.delivery_id_ttl_seconds", "must be >= 0, got %d", w.DeliveryIDTTLSeconds)
	}
	if w.QueueReadBlockMS < 100 || w.QueueReadBlockMS > 60000 {
		add("workflow.queue_read_block_ms", "must be between 100 and 60000, got %d", w.QueueReadBlockMS)
	}
	if w.QueueReadCount < 1 || w.QueueReadCount > 1000 {
		add("workflow.queue_read_count", "must be between 1 and 1000, got %d", w.QueueReadCount)
	}
	if w.QueueRetryMaxAttempts < 0 || w.QueueRetryMaxAttempts > 50 {
		add("workflow.queue_retry_max_attempts", "must be between 0 and 50, got %d", w.QueueRetryMaxAttempts)
	}
	if w.QueueRetryBackoffSecond <= 0 {
		add("workflow.queue_retry_backoff_seconds", "must be > 0, got %v", w.QueueRetryBackoffSecond)
	}
	if w.HistoryRetentionMaxlen < 0 || w.HistoryRetentionMaxlen > 1000000 {
		add("workflow.history_retention_maxlen", "must be between 0 and 1000000, got %d", w.HistoryRetentionMaxlen)
	}
	return issues
}

// transportIssues applies the secure-by-default upstream gates: plain HTTP,
// disabled TLS verification and loopback upstreams each need an explicit
// hardening override.
func (s *Settings) transportIssues() []Issue {
	var issues []Issue
	add := func(path, message string) {
		issues = append(issues, Issue{Path: path, Message: message})
	}
	transport := s.Hardening.Transport

	if strings.HasPrefix(strings.ToLower(s.Zammad.BaseURL), "http://") && !transport.AllowInsecureHTTP {
		add("zammad.base_url",
			"plain HTTP upstream is not allowed by default. Use https:// or set hardening.transport.allow_insecure_http=true.")
	}
	if !s.Zammad.VerifyTLS && !transport.AllowInsecureTLS {
		add("zammad.verify_tls",
			"disabling TLS verification is not allowed by default. Set hardening.transport.allow_insecure_tls=true to override (not recommended).")
	}
	if !transport.AllowLocalUpstream && isLocalUpstream(s.Zammad.BaseURL) {
		add("zammad.base_url",
			"loopback/link-local upstream hosts are blocked by default. Set hardening.transport.allow_local_upstreams=true to override.")
	}

	if s.Signing.Timestamp.Enabled {
		tsaURL := s.Signing.Timestamp.RFC3161.TSAURL
		if strings.HasPrefix(strings.ToLower(tsaURL), "http://") && !transport.AllowInsecureHTTP {
			add("signing.timestamp.rfc3161.tsa_url",
				"plain HTTP TSA URL is not allowed by default. Use https:// or set hardening.transport.allow_insecure_http=true.")
		}
		if tsaURL != "" && !transport.AllowLocalUpstream && isLocalUpstream(tsaURL) {
			add("signing.timestamp.rfc3161.tsa_url",
				"loopback/link-local upstream hosts are blocked by default. Set hardening.transport.allow_local_upstreams=true to override.")
		}
	}
	return issues
}

func isLocalUpstream(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "localhost" || host == "localhost.localdomain" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
