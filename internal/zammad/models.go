package zammad

import (
	"bytes"
	"strconv"
	"time"
)

// UserRef is the slim user reference embedded in ticket payloads.
type UserRef struct {
	ID    int    `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
}

// TicketPreferences carries the per-ticket preference blob; the archiver
// only reads custom_fields out of it.
type TicketPreferences struct {
	CustomFields map[string]any `json:"custom_fields"`
}

// Ticket is the subset of the Zammad ticket object the archiver consumes.
// Unknown fields are ignored.
type Ticket struct {
	ID        int        `json:"id"`
	Number    string     `json:"number"`
	Title     string     `json:"title"`
	Owner     *UserRef   `json:"owner"`
	UpdatedBy *UserRef   `json:"updated_by"`
	Customer  *UserRef   `json:"customer"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`

	Preferences *TicketPreferences `json:"preferences"`
}

// CustomFields returns the ticket's custom field map, never nil.
func (t *Ticket) CustomFields() map[string]any {
	if t == nil || t.Preferences == nil || t.Preferences.CustomFields == nil {
		return map[string]any{}
	}
	return t.Preferences.CustomFields
}

// FlexInt64 decodes a JSON number or a numeric string. Zammad serializes
// attachment sizes either way depending on version.
type FlexInt64 int64

func (n *FlexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = FlexInt64(v)
	return nil
}

// Attachment is the attachment metadata embedded in an article listing.
type Attachment struct {
	ID          int            `json:"id"`
	Filename    string         `json:"filename"`
	Size        FlexInt64      `json:"size"`
	Preferences map[string]any `json:"preferences"`
}

// ContentType reads the MIME type from the attachment preferences.
func (a Attachment) ContentType() string {
	if a.Preferences == nil {
		return ""
	}
	if v, ok := a.Preferences["Content-Type"].(string); ok {
		return v
	}
	if v, ok := a.Preferences["content_type"].(string); ok {
		return v
	}
	return ""
}

// Article is one ticket communication entry as returned by the articles
// endpoint.
type Article struct {
	ID          int          `json:"id"`
	TicketID    int          `json:"ticket_id"`
	CreatedAt   *time.Time   `json:"created_at"`
	Internal    bool         `json:"internal"`
	Sender      string       `json:"sender"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	ContentType string       `json:"content_type"`
	From        string       `json:"from"`
	To          string       `json:"to"`
	Attachments []Attachment `json:"attachments"`
}
