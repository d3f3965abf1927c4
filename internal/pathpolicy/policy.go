// Package pathpolicy builds and validates archive paths. Every path that
// reaches the filesystem goes through here: ticket-provided segments are
// validated raw, sanitized to a deterministic ASCII-safe form, validated
// again, checked against the optional prefix allowlist and finally proven to
// stay inside the storage root.
package pathpolicy

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
)

const (
	DefaultMaxDepth  = 10
	DefaultMaxLength = 64

	// Filenames are single segments with the usual filesystem limit.
	FilenameMaxLength = 255
)

// SanitizeSegment reduces seg to [A-Za-z0-9._-]: unicode is NFKD-normalized
// with combining marks stripped (so "ü" becomes "u"), whitespace and every
// other character become "_", and underscore runs collapse. A non-empty
// input always yields a non-empty output.
func SanitizeSegment(seg string) string {
	var b strings.Builder
	b.Grow(len(seg))

	for _, r := range norm.NFKD.String(seg) {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark, dropped after decomposition
		case r >= 128:
			b.WriteByte('_')
		case unicode.IsSpace(r):
			b.WriteByte('_')
		case isAllowedRune(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := collapseUnderscores(b.String())
	if seg != "" && out == "" {
		out = "_"
	}
	return out
}

func isAllowedRune(r rune) bool {
	return r >= 'A' && r <= 'Z' ||
		r >= 'a' && r <= 'z' ||
		r >= '0' && r <= '9' ||
		r == '.' || r == '_' || r == '-'
}

func collapseUnderscores(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prev := false
	for i := 0; i < len(s); i++ {
		if s[i] == '_' {
			if prev {
				continue
			}
			prev = true
		} else {
			prev = false
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

type validateOptions struct {
	maxDepth  int
	maxLength int
}

// ValidateOption adjusts segment validation limits.
type ValidateOption func(*validateOptions)

func WithMaxDepth(depth int) ValidateOption {
	return func(o *validateOptions) { o.maxDepth = depth }
}

func WithMaxLength(length int) ValidateOption {
	return func(o *validateOptions) { o.maxLength = length }
}

// ValidateSegments enforces the structural rules on a segment list: bounded
// depth and length, no empty or dot segments, no separators, no NUL bytes.
// Error messages are load-bearing; the permanent-error code table keys off
// them.
func ValidateSegments(segments []string, opts ...ValidateOption) error {
	o := validateOptions{maxDepth: DefaultMaxDepth, maxLength: DefaultMaxLength}
	for _, opt := range opts {
		opt(&o)
	}

	if len(segments) > o.maxDepth {
		return domain.Validationf("too many path segments (max_depth=%d)", o.maxDepth)
	}
	for _, seg := range segments {
		if err := validateSegment(seg, o.maxLength); err != nil {
			return err
		}
	}
	return nil
}

func validateSegment(seg string, maxLength int) error {
	switch {
	case seg == "":
		return domain.Validationf("empty path segment is not allowed")
	case seg == "." || seg == "..":
		return domain.Validationf("dot segments are not allowed")
	case strings.ContainsRune(seg, 0):
		return domain.Validationf("null bytes are not allowed")
	case strings.ContainsAny(seg, `/\`):
		return domain.Validationf("path separators are not allowed in segments")
	case len(seg) > maxLength:
		return domain.Validationf("path segment too long (max_length=%d)", maxLength)
	}
	return nil
}

// EnsureWithinRoot proves target lies under root by lexical comparison of
// the absolute cleaned paths. Symlink games inside the tree are handled
// separately by the storage writer, which inspects every component.
func EnsureWithinRoot(root, target string) error {
	rootAbs, err := filepath.Abs(filepath.Clean(root))
	if err != nil {
		return domain.Validationf("target path escapes root")
	}
	targetAbs, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return domain.Validationf("target path escapes root")
	}
	if targetAbs == rootAbs {
		return nil
	}
	if !strings.HasPrefix(targetAbs, rootAbs+string(filepath.Separator)) {
		return domain.Validationf("target path escapes root")
	}
	return nil
}
