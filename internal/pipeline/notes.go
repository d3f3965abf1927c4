package pipeline

import (
	"fmt"
	"html"
	"strings"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/version"
)

func successNoteSubject() string {
	return fmt.Sprintf("PDF archived (%s)", version.Version)
}

func errorNoteSubject() string {
	return fmt.Sprintf("PDF archiver error (%s)", version.Version)
}

// successNoteHTML builds the internal acknowledgement note. Every
// interpolated value is HTML-escaped; the note links nothing and keeps the
// machine-readable facts in <code> items.
func successNoteHTML(
	storageDir, filename, sidecarPath string,
	sizeBytes int64,
	sha256Hex string,
	requestID, deliveryID, timestampUTC string,
) string {
	if requestID == "" {
		requestID = "unknown"
	}
	if deliveryID == "" {
		deliveryID = "none"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<p><strong>PDF archived (%s)</strong></p>", html.EscapeString(version.Version))
	b.WriteString("<ul>")
	fmt.Fprintf(&b, "<li>path: <code>%s</code></li>", html.EscapeString(storageDir))
	fmt.Fprintf(&b, "<li>filename: <code>%s</code></li>", html.EscapeString(filename))
	fmt.Fprintf(&b, "<li>audit_sidecar: <code>%s</code></li>", html.EscapeString(sidecarPath))
	fmt.Fprintf(&b, "<li>size_bytes: <code>%d</code></li>", sizeBytes)
	fmt.Fprintf(&b, "<li>sha256: <code>%s</code></li>", html.EscapeString(sha256Hex))
	fmt.Fprintf(&b, "<li>request_id: <code>%s</code></li>", html.EscapeString(requestID))
	fmt.Fprintf(&b, "<li>delivery_id: <code>%s</code></li>", html.EscapeString(deliveryID))
	fmt.Fprintf(&b, "<li>time_utc: <code>%s</code></li>", html.EscapeString(timestampUTC))
	b.WriteString("</ul>")
	return b.String()
}

// errorNoteHTML builds the internal failure note. code and hint are only
// present for permanent failures that map to a stable error code.
func errorNoteHTML(
	classification, message, action string,
	requestID, deliveryID, timestampUTC string,
	code, hint string,
) string {
	if requestID == "" {
		requestID = "unknown"
	}
	if deliveryID == "" {
		deliveryID = "none"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<p><strong>PDF archiver error (%s)</strong></p>", html.EscapeString(version.Version))
	b.WriteString("<ul>")
	fmt.Fprintf(&b, "<li>classification: <code>%s</code></li>", html.EscapeString(classification))
	fmt.Fprintf(&b, "<li>error: <code>%s</code></li>", html.EscapeString(message))
	fmt.Fprintf(&b, "<li>action: <code>%s</code></li>", html.EscapeString(action))
	if code != "" {
		fmt.Fprintf(&b, "<li>code: <code>%s</code></li>", html.EscapeString(code))
	}
	if hint != "" {
		fmt.Fprintf(&b, "<li>hint: <code>%s</code></li>", html.EscapeString(hint))
	}
	fmt.Fprintf(&b, "<li>request_id: <code>%s</code></li>", html.EscapeString(requestID))
	fmt.Fprintf(&b, "<li>delivery_id: <code>%s</code></li>", html.EscapeString(deliveryID))
	fmt.Fprintf(&b, "<li>time_utc: <code>%s</code></li>", html.EscapeString(timestampUTC))
	b.WriteString("</ul>")
	return b.String()
}
