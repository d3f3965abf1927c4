package config

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RedactedValue replaces every secret in dumps, scrubbed text and notes.
const RedactedValue = "[redacted]"

var explicitSensitiveKeys = map[string]bool{
	"zammad_api_token":      true,
	"webhook_hmac_secret":   true,
	"pfx_password":          true,
	"tsa_pass":              true,
	"api_token":             true,
	"webhook_shared_secret": true,
	"key_password":          true,
}

var sensitiveKeyFragments = []string{
	"password", "token", "secret", "authorization", "api_key", "apikey",
}

var (
	authzSchemeRE = regexp.MustCompile(`(?i)\b(authorization)\s*[:=]\s*(bearer|token|basic)\s+([^\s,;]+)`)
	tokenTokenRE  = regexp.MustCompile(`(?i)\bToken\s+token=([^\s,;]+)`)
	kvSecretRE    = regexp.MustCompile(`(?i)\b(token|api[_-]?token|access[_-]?token|refresh[_-]?token|webhook[_-]?hmac[_-]?secret|secret|password|passwd|tsa[_-]?pass|pfx[_-]?password|key[_-]?password)\s*[:=]\s*([^\s,;]+)`)
	querySecretRE = regexp.MustCompile(`(?i)([?&](?:api[_-]?token|access[_-]?token|refresh[_-]?token|token|secret)=)([^&\s]+)`)
)

// ScrubText removes credential-shaped substrings from free-form text such as
// error messages before they reach notes, history entries or logs. It is
// deliberately conservative so messages stay readable.
func ScrubText(text string) string {
	if text == "" {
		return text
	}
	out := text
	out = authzSchemeRE.ReplaceAllString(out, "$1: $2 "+RedactedValue)
	out = tokenTokenRE.ReplaceAllString(out, "Token token="+RedactedValue)
	out = kvSecretRE.ReplaceAllString(out, "$1="+RedactedValue)
	out = querySecretRE.ReplaceAllString(out, "${1}"+RedactedValue)
	return out
}

func isSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if explicitSensitiveKeys[normalized] {
		return true
	}
	if strings.HasSuffix(normalized, "_pass") {
		return true
	}
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// Redacted returns the settings as a nested map with every secret replaced,
// suitable for dump-config and startup logging.
func (s *Settings) Redacted() (map[string]any, error) {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("rebuild settings tree: %w", err)
	}
	return redactMap(tree), nil
}

func redactMap(data map[string]any) map[string]any {
	scrubbed := make(map[string]any, len(data))
	for key, value := range data {
		if isSensitiveKey(key) {
			scrubbed[key] = RedactedValue
			continue
		}
		scrubbed[key] = redactValue(value)
	}
	return scrubbed
}

func redactValue(value any) any {
	switch v := value.(type) {
	case string:
		return ScrubText(v)
	case map[string]any:
		return redactMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}
