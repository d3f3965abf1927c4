package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/config"
)

// writeConfig drops a YAML file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validYAML = `
zammad:
  base_url: https://tickets.example.com
  api_token: tok-123
  webhook_hmac_secret: hook-secret
storage:
  root: /var/lib/archiver
`

func TestDefaults(t *testing.T) {
	s := config.Default()

	assert.Equal(t, "0.0.0.0", s.Server.Host)
	assert.Equal(t, 8080, s.Server.Port)
	assert.Equal(t, "pdf:sign", s.Workflow.TriggerTag)
	assert.True(t, s.Workflow.RequireTag)
	assert.True(t, s.Workflow.AcknowledgeOnSuccess)
	assert.Equal(t, "inprocess", s.Workflow.ExecutionBackend)
	assert.Equal(t, "zammad:jobs", s.Workflow.QueueStream)
	assert.Equal(t, "Ticket-{ticket_number}_{timestamp_utc}.pdf", s.Storage.PathPolicy.FilenamePattern)
	assert.Nil(t, s.Storage.PathPolicy.AllowPrefixes)
	assert.Equal(t, 250, s.PDF.MaxArticles)
	assert.Equal(t, "fail", s.PDF.ArticleLimitMode)
	assert.Equal(t, int64(10*1024*1024), s.PDF.MaxAttachmentBytesPerFile)
	assert.True(t, s.Hardening.RateLimit.Enabled)
	assert.Equal(t, 5.0, s.Hardening.RateLimit.RPS)
	assert.Equal(t, int64(1024*1024), s.Hardening.BodySizeLimit.MaxBytes)
	assert.Equal(t, 100, s.Admin.HistoryLimit)
}

func TestLoadValidFile(t *testing.T) {
	path := writeConfig(t, validYAML)

	s, warnings, err := config.Load(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "https://tickets.example.com", s.Zammad.BaseURL)
	assert.Equal(t, "tok-123", s.Zammad.APIToken)
	assert.Equal(t, "/var/lib/archiver", s.Storage.Root)
	// Untouched defaults survive the file merge.
	assert.Equal(t, "pdf:sign", s.Workflow.TriggerTag)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, validYAML+`
server:
  port: 9000
`)
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("WORKFLOW_TRIGGER_TAG", "archive:now")

	s, _, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, s.Server.Port)
	assert.Equal(t, "archive:now", s.Workflow.TriggerTag)
}

func TestLoadDeprecatedAlias(t *testing.T) {
	path := writeConfig(t, `
zammad:
  api_token: tok-123
  webhook_hmac_secret: hook-secret
storage:
  root: /var/lib/archiver
`)
	t.Setenv("ZAMMAD_BASE_URL", "")
	t.Setenv("ZAMMAD_URL", "https://legacy.example.com")

	s, warnings, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://legacy.example.com", s.Zammad.BaseURL)
	require.Len(t, warnings, 1)
	assert.Equal(t, "ZAMMAD_URL", warnings[0].Old)
	assert.Equal(t, "ZAMMAD_BASE_URL", warnings[0].New)
}

func TestLoadCanonicalWinsOverAlias(t *testing.T) {
	path := writeConfig(t, validYAML)
	t.Setenv("ZAMMAD_URL", "https://legacy.example.com")
	t.Setenv("ZAMMAD_BASE_URL", "https://canonical.example.com")

	s, warnings, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://canonical.example.com", s.Zammad.BaseURL)
	assert.Empty(t, warnings)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrFileNotFound)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, validYAML+`
surprise_section:
  foo: 1
`)
	_, _, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "surprise_section")
}

func TestLoadRejectsNonMappingRoot(t *testing.T) {
	path := writeConfig(t, "- just\n- a\n- list\n")
	_, _, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapping")
}

func TestValidateCollectsAllIssues(t *testing.T) {
	s := config.Default()
	// base_url, api_token, storage.root and the webhook secret are all missing.
	err := s.Validate()
	require.Error(t, err)

	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	require.GreaterOrEqual(t, len(verr.Issues), 4)

	paths := make([]string, 0, len(verr.Issues))
	for _, issue := range verr.Issues {
		paths = append(paths, issue.Path)
	}
	assert.Contains(t, paths, "zammad.base_url")
	assert.Contains(t, paths, "zammad.api_token")
	assert.Contains(t, paths, "storage.root")
	assert.Contains(t, paths, "zammad.webhook_hmac_secret")
	assert.Contains(t, err.Error(), "ZAMMAD_BASE_URL")
}

func validSettings() *config.Settings {
	s := config.Default()
	s.Zammad.BaseURL = "https://tickets.example.com"
	s.Zammad.APIToken = "tok-123"
	s.Zammad.WebhookHMACSecret = "hook-secret"
	s.Storage.Root = "/var/lib/archiver"
	return s
}

func TestValidateTransportGates(t *testing.T) {
	t.Run("plain http blocked by default", func(t *testing.T) {
		s := validSettings()
		s.Zammad.BaseURL = "http://tickets.example.com"
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "allow_insecure_http")

		s.Hardening.Transport.AllowInsecureHTTP = true
		assert.NoError(t, s.Validate())
	})

	t.Run("loopback upstream blocked by default", func(t *testing.T) {
		s := validSettings()
		s.Zammad.BaseURL = "https://localhost:3000"
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "allow_local_upstreams")

		s.Hardening.Transport.AllowLocalUpstream = true
		assert.NoError(t, s.Validate())
	})

	t.Run("disabled tls verify blocked by default", func(t *testing.T) {
		s := validSettings()
		s.Zammad.VerifyTLS = false
		err := s.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "allow_insecure_tls")

		s.Hardening.Transport.AllowInsecureTLS = true
		assert.NoError(t, s.Validate())
	})
}

func TestValidateWebhookSecretRequirement(t *testing.T) {
	s := validSettings()
	s.Zammad.WebhookHMACSecret = ""
	require.Error(t, s.Validate())

	s.Hardening.Webhook.AllowUnsigned = true
	assert.NoError(t, s.Validate())

	// Legacy shared secret also satisfies the requirement.
	s.Hardening.Webhook.AllowUnsigned = false
	s.Server.WebhookSharedSecret = "legacy"
	assert.NoError(t, s.Validate())
	assert.Equal(t, "legacy", s.WebhookSecret())
}

func TestValidateRedisBackendsNeedURL(t *testing.T) {
	s := validSettings()
	s.Workflow.IdempotencyBackend = "redis"
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow.redis_url")

	s.Workflow.RedisURL = "redis://localhost:6379/0"
	assert.NoError(t, s.Validate())

	s = validSettings()
	s.Workflow.ExecutionBackend = "redis_queue"
	require.Error(t, s.Validate())
}

func TestValidateRequireDeliveryIDNeedsTTL(t *testing.T) {
	s := validSettings()
	s.Hardening.Webhook.RequireDeliveryID = true
	s.Workflow.DeliveryIDTTLSeconds = 0
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery_id_ttl_seconds")
}

func TestScrubText(t *testing.T) {
	cases := map[string]struct {
		in       string
		leaked   string
		expected string
	}{
		"authorization bearer": {
			in:     "request failed: Authorization: Bearer abc.def.ghi rejected",
			leaked: "abc.def.ghi",
		},
		"zammad token header": {
			in:     `401 from upstream, header was "Token token=supersecret123"`,
			leaked: "supersecret123",
		},
		"key value": {
			in:     "dial failed password=hunter2 retrying",
			leaked: "hunter2",
		},
		"query param": {
			in:     "GET https://api.example.com/v1?api_token=abcd1234&page=2",
			leaked: "abcd1234",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			out := config.ScrubText(tc.in)
			assert.NotContains(t, out, tc.leaked)
			assert.Contains(t, out, config.RedactedValue)
		})
	}

	assert.Equal(t, "plain message", config.ScrubText("plain message"))
	assert.Equal(t, "", config.ScrubText(""))
}

func TestRedactedDump(t *testing.T) {
	s := validSettings()
	s.Signing.PFXPassword = "pfx-pass"

	tree, err := s.Redacted()
	require.NoError(t, err)

	zammad, ok := tree["zammad"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, config.RedactedValue, zammad["api_token"])
	assert.Equal(t, config.RedactedValue, zammad["webhook_hmac_secret"])
	assert.Equal(t, "https://tickets.example.com", zammad["base_url"])

	signing, ok := tree["signing"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, config.RedactedValue, signing["pfx_password"])

	// Non-secret values survive untouched.
	storage, ok := tree["storage"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/var/lib/archiver", storage["root"])
}

func TestDeprecatedAliasesTable(t *testing.T) {
	aliases := config.DeprecatedAliases()
	assert.Equal(t, "ZAMMAD_BASE_URL", aliases["ZAMMAD_URL"])
	assert.Equal(t, "PDF_TEMPLATE_VARIANT", aliases["TEMPLATE_VARIANT"])
	assert.Equal(t, "METRICS_ENABLED", aliases["OBSERVABILITY_METRICS_ENABLED"])
	assert.Len(t, aliases, 5)
}

func TestEnvBoolParsing(t *testing.T) {
	path := writeConfig(t, validYAML)

	for raw, expected := range map[string]bool{"1": true, "true": true, "YES": true, "off": false, "0": false} {
		t.Setenv("STORAGE_FSYNC", raw)
		s, _, err := config.Load(path)
		require.NoError(t, err, "value %q", raw)
		assert.Equal(t, expected, s.Storage.Fsync, "value %q", raw)
	}

	t.Setenv("STORAGE_FSYNC", "maybe")
	_, _, err := config.Load(path)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "STORAGE_FSYNC"))
}
