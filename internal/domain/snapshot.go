package domain

import "time"

// PartyRef identifies a user attached to the ticket (owner, customer,
// updater). All fields are optional; the pipeline validates what it needs.
type PartyRef struct {
	ID    int
	Login string
	Email string
	Name  string
}

// TicketMeta is the header of a snapshot: everything about the ticket except
// its articles.
type TicketMeta struct {
	ID           int
	Number       string
	Title        string
	CreatedAt    *time.Time
	UpdatedAt    *time.Time
	Customer     *PartyRef
	Owner        *PartyRef
	Tags         []string
	CustomFields map[string]any
}

// AttachmentMeta describes one article attachment. Content is nil unless
// binary inclusion is enabled and the file fits the configured caps.
type AttachmentMeta struct {
	ArticleID    int
	AttachmentID int
	Filename     string
	Size         int64
	ContentType  string
	Content      []byte
}

// ArticleSnapshot is one communication entry, normalized for rendering:
// BodyHTML is sanitized (or empty when sanitization failed), BodyText is the
// plain-text derivation used by the minimal template.
type ArticleSnapshot struct {
	ID          int
	CreatedAt   *time.Time
	Internal    bool
	Sender      string
	Subject     string
	BodyHTML    string
	BodyText    string
	Attachments []AttachmentMeta
}

// Snapshot is the immutable input to rendering and archiving. Once built,
// nothing downstream talks to the upstream API again except for tag
// transitions and notes.
type Snapshot struct {
	Ticket   TicketMeta
	Articles []ArticleSnapshot
}
