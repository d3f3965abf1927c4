package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/config"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/zammad"
)

// Errno sets for filesystem and socket failures. Resource exhaustion
// (ENOSPC, EDQUOT) and flapping mounts (ENOENT, ESTALE, EROFS) count as
// transient because an operator can clear them without touching the ticket.
var transientErrnos = errnoSet(
	unix.EAGAIN, unix.EWOULDBLOCK, unix.ETIMEDOUT, unix.ECONNRESET,
	unix.EPIPE, unix.ENOTCONN, unix.ESTALE, unix.EIO,
	unix.ENETDOWN, unix.ENETUNREACH, unix.EHOSTUNREACH,
	unix.ENOENT, unix.ENOSPC, unix.EDQUOT, unix.EROFS,
)

var permanentErrnos = errnoSet(
	unix.EACCES, unix.EPERM, unix.EINVAL,
	unix.ENAMETOOLONG, unix.ENOTDIR, unix.EISDIR,
)

func errnoSet(errnos ...syscall.Errno) map[syscall.Errno]bool {
	m := make(map[syscall.Errno]bool, len(errnos))
	for _, e := range errnos {
		m[e] = true
	}
	return m
}

// Classify wraps err as *TransientError or *PermanentError. Errors that
// already carry a classification pass through unchanged. Anything the policy
// table does not recognize is permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return transient
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return permanent
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		if transientErrnos[errno] {
			return Transient("", err)
		}
		return Permanent("", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient("", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Transient("", err)
	}

	var authErr *zammad.AuthError
	if errors.As(err, &authErr) {
		return Permanent("", err)
	}
	var notFound *zammad.NotFoundError
	if errors.As(err, &notFound) {
		return Permanent("", err)
	}
	var rateLimited *zammad.RateLimitError
	if errors.As(err, &rateLimited) {
		return Transient("", err)
	}
	var serverErr *zammad.ServerError
	if errors.As(err, &serverErr) {
		return Transient("", err)
	}
	var clientErr *zammad.ClientError
	if errors.As(err, &clientErr) {
		return Permanent("", err)
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return Permanent("", err)
	}

	return Permanent("", err)
}

// Classification names the retry class of an already-classified error.
func Classification(err error) string {
	switch {
	case IsTransient(err):
		return "transient"
	case IsPermanent(err):
		return "permanent"
	default:
		return ""
	}
}

// ErrorCodeAndHint maps a permanent failure to a stable machine-readable
// code and a short operator hint, keyed off well-known message fragments.
func ErrorCodeAndHint(err error) (string, string) {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))

	switch {
	case strings.Contains(msg, "archive_path is missing"),
		strings.Contains(msg, "archive_path") && strings.Contains(msg, "missing"):
		return "missing_archive_path", "Set custom_fields.archive_path on the ticket."
	case strings.Contains(msg, "archive_path must not be empty"),
		strings.Contains(msg, "all segments were empty"):
		return "empty_archive_path", "Set archive_path to at least one non-empty segment."
	case strings.Contains(msg, "archive_path must be a string"),
		strings.Contains(msg, "archive_path["):
		return "invalid_archive_path", "Use a string or list of strings for archive_path."
	case strings.Contains(msg, "allow_prefixes") && strings.Contains(msg, "not allowed"):
		return "path_not_allowed", "Check allow_prefixes; archive_path must match a prefix."
	case strings.Contains(msg, "allow_prefixes is empty"):
		return "allow_prefixes_empty", "Configure at least one allow_prefixes entry or leave unset."
	case strings.Contains(msg, "owner.login"), strings.Contains(msg, "updated_by.login"):
		return "missing_user_login", "Ensure ticket has owner/updated_by with login."
	case strings.Contains(msg, "archive_user"):
		return "missing_archive_user", "Set custom_fields.archive_user for fixed mode."
	case strings.Contains(msg, "filename") &&
		(strings.Contains(msg, "pattern") || strings.Contains(msg, "segment") || strings.Contains(msg, "must not")):
		return "invalid_filename", "Check filename_pattern and path policy (no ., .., separators)."
	case strings.Contains(msg, "path segment"),
		strings.Contains(msg, "path separators"),
		strings.Contains(msg, "dot segments"):
		return "path_validation", "Check archive_path segments (no ., .., empty, or separators)."
	}
	return "permanent_error", ""
}

// ActionHint builds the operator-facing next step for an error note.
// classified is the output of Classify for the same error.
func ActionHint(err error, classified error) string {
	if IsTransient(classified) {
		return "Transient failure. Verify Zammad/TSA reachability and storage availability; " +
			"the ticket keeps pdf:sign so a retry can be triggered by saving the ticket " +
			"or reapplying the macro."
	}

	var authErr *zammad.AuthError
	if errors.As(err, &authErr) {
		return "Fix Zammad API token/permissions (HTTP 401/403), then reapply the pdf:sign macro."
	}
	var notFound *zammad.NotFoundError
	if errors.As(err, &notFound) {
		return "Ticket/resource not found in Zammad. Verify the ticket still exists, then reapply pdf:sign."
	}
	var serverErr *zammad.ServerError
	var rateLimited *zammad.RateLimitError
	if errors.As(err, &serverErr) || errors.As(err, &rateLimited) {
		return "Upstream Zammad error was treated as permanent by policy. " +
			"If the issue is resolved, reapply the pdf:sign macro to reprocess."
	}
	var errno syscall.Errno
	if errors.As(err, &errno) && (errno == unix.EACCES || errno == unix.EPERM) {
		return "Storage permission denied. Check network share mount options, ownership, and ACLs, " +
			"then reapply the pdf:sign macro."
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return "Fix ticket fields / path policy validation, then reapply the pdf:sign macro " +
			"(and optionally remove pdf:error for clarity)."
	}
	return "Non-retryable failure by policy. Fix the underlying issue and reapply the pdf:sign macro " +
		"(and optionally remove pdf:error)."
}

// ConciseMessage renders err as "<Type>: <message>", scrubbed of secrets and
// capped at 500 characters, for notes and history entries.
func ConciseMessage(err error) string {
	if err == nil {
		return ""
	}
	text := strings.TrimSpace(fmt.Sprintf("%s: %s", typeName(err), err.Error()))
	text = config.ScrubText(text)
	if len(text) > 500 {
		return text[:500]
	}
	return text
}

func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
