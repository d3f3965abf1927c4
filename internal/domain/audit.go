package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// SHA256Hex returns the lowercase hex digest used throughout the audit
// trail.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AuditAttachment records one archived attachment inside the sidecar.
// Field order follows the canonical (alphabetical) key order of the encoded
// document.
type AuditAttachment struct {
	ArticleID    int    `json:"article_id"`
	AttachmentID int    `json:"attachment_id"`
	Filename     string `json:"filename"`
	SHA256       string `json:"sha256"`
	StoragePath  string `json:"storage_path"`
}

type AuditSigning struct {
	CertFingerprint string `json:"cert_fingerprint,omitempty"`
	Enabled         bool   `json:"enabled"`
	TSAUsed         bool   `json:"tsa_used"`
}

type AuditService struct {
	Name    string `json:"name"`
	Runtime string `json:"runtime"`
	Version string `json:"version"`
}

// AuditRecord is the JSON sidecar written next to every archived PDF. The
// encoding is canonical: keys sorted, two-space indent, trailing newline, so
// re-archiving identical inputs yields byte-identical sidecars.
type AuditRecord struct {
	Attachments  []AuditAttachment `json:"attachments,omitempty"`
	CreatedAt    string            `json:"created_at"`
	Service      AuditService      `json:"service"`
	SHA256       string            `json:"sha256"`
	Signing      AuditSigning      `json:"signing"`
	StoragePath  string            `json:"storage_path"`
	TicketID     int               `json:"ticket_id"`
	TicketNumber string            `json:"ticket_number"`
	Title        string            `json:"title"`
}

// NewAuditRecord assembles the sidecar for one archived PDF.
func NewAuditRecord(
	ticketID int,
	ticketNumber, title string,
	createdAt time.Time,
	storagePath, pdfSHA256 string,
	signing AuditSigning,
	serviceName, serviceVersion string,
	attachments []AuditAttachment,
) AuditRecord {
	return AuditRecord{
		Attachments:  attachments,
		CreatedAt:    FormatTimestampUTC(createdAt),
		Service:      AuditService{Name: serviceName, Version: serviceVersion, Runtime: runtime.Version()},
		SHA256:       pdfSHA256,
		Signing:      signing,
		StoragePath:  storagePath,
		TicketID:     ticketID,
		TicketNumber: ticketNumber,
		Title:        strings.TrimSpace(title),
	}
}

// Encode renders the canonical sidecar bytes.
func (r AuditRecord) Encode() ([]byte, error) {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	return append(raw, '\n'), nil
}
