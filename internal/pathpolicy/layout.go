package pathpolicy

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
)

var prefixSplitRE = regexp.MustCompile(`[>/]`)

func parsePrefixSegments(prefix string) ([]string, error) {
	if strings.TrimSpace(prefix) == "" {
		return nil, domain.Validationf("allow_prefixes entries must be non-empty strings")
	}
	var parts []string
	for _, p := range prefixSplitRE.Split(prefix, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, domain.Validationf("allow_prefixes entry produced no segments")
	}
	return parts, nil
}

// BuildTargetDir computes ROOT/<sanitized user>/<sanitized segments...>.
// Raw inputs are validated before sanitization and the sanitized result is
// validated again; the allowlist (when non-nil) is matched against the
// sanitized segments, prefix-exact. The final path is proven to stay under
// root.
func BuildTargetDir(root, username string, segments []string, allowPrefixes []string) (string, error) {
	if err := ValidateSegments([]string{username}, WithMaxDepth(1)); err != nil {
		return "", err
	}
	if err := ValidateSegments(segments); err != nil {
		return "", err
	}

	userSafe := SanitizeSegment(username)
	segsSafe := make([]string, len(segments))
	for i, seg := range segments {
		segsSafe[i] = SanitizeSegment(seg)
	}

	if err := ValidateSegments([]string{userSafe}, WithMaxDepth(1)); err != nil {
		return "", err
	}
	if err := ValidateSegments(segsSafe); err != nil {
		return "", err
	}

	if allowPrefixes != nil {
		if len(allowPrefixes) == 0 {
			return "", domain.Validationf("allow_prefixes is empty; no path can match")
		}
		matched := false
		for _, prefix := range allowPrefixes {
			parts, err := parsePrefixSegments(prefix)
			if err != nil {
				return "", err
			}
			if err := ValidateSegments(parts); err != nil {
				return "", err
			}
			safe := make([]string, len(parts))
			for i, p := range parts {
				safe[i] = SanitizeSegment(p)
			}
			if err := ValidateSegments(safe); err != nil {
				return "", err
			}
			if hasPrefix(segsSafe, safe) {
				matched = true
				break
			}
		}
		if !matched {
			return "", domain.Validationf("archive_path is not allowed by allow_prefixes policy")
		}
	}

	target := filepath.Join(append([]string{root, userSafe}, segsSafe...)...)
	if err := EnsureWithinRoot(root, target); err != nil {
		return "", err
	}
	return target, nil
}

func hasPrefix(segments, prefix []string) bool {
	if len(prefix) > len(segments) {
		return false
	}
	for i, p := range prefix {
		if segments[i] != p {
			return false
		}
	}
	return true
}

// BuildFilename renders the configured filename pattern. Supported
// placeholders: {ticket_number}, {timestamp_utc} and {date_utc}; the two
// time placeholders carry the same date-only value so filenames stay stable
// across same-day reruns. The rendered name must be a single safe segment.
func BuildFilename(pattern, ticketNumber, dateUTC string) (string, error) {
	if strings.TrimSpace(pattern) == "" {
		return "", domain.Validationf("filename_pattern must be a non-empty string")
	}

	ticketSafe := SanitizeSegment(ticketNumber)
	dateSafe := SanitizeSegment(dateUTC)

	rendered, err := expandPattern(pattern, map[string]string{
		"ticket_number": ticketSafe,
		"timestamp_utc": dateSafe,
		"date_utc":      dateSafe,
	})
	if err != nil {
		return "", err
	}

	rendered = strings.TrimSpace(rendered)
	if rendered == "" {
		return "", domain.Validationf("filename_pattern produced an empty filename")
	}
	if strings.ContainsAny(rendered, `/\`) || strings.ContainsRune(rendered, 0) {
		return "", domain.Validationf("filename_pattern must not include path separators or null bytes")
	}
	if err := ValidateSegments([]string{rendered}, WithMaxDepth(1), WithMaxLength(FilenameMaxLength)); err != nil {
		return "", err
	}
	return rendered, nil
}

// expandPattern substitutes {name} placeholders, rejecting unknown names and
// unbalanced braces.
func expandPattern(pattern string, values map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(pattern); {
		c := pattern[i]
		if c != '{' {
			if c == '}' {
				return "", domain.Validationf("invalid filename_pattern format: unbalanced '}'")
			}
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(pattern[i:], '}')
		if end < 0 {
			return "", domain.Validationf("invalid filename_pattern format: unbalanced '{'")
		}
		name := pattern[i+1 : i+end]
		value, ok := values[name]
		if !ok {
			return "", domain.Validationf("invalid filename_pattern format: unknown placeholder %q", name)
		}
		b.WriteString(value)
		i += end + 1
	}
	return b.String(), nil
}
