package pipeline

import (
	"fmt"
	"strings"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/pathpolicy"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/zammad"
)

// Archive user modes accepted in the ticket's mode custom field.
const (
	userModeOwner        = "owner"
	userModeCurrentAgent = "current_agent"
	userModeFixed        = "fixed"
)

func requireNonEmpty(value any, field string) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", domain.Validationf("%s must be a string", field)
	}
	out := strings.TrimSpace(s)
	if out == "" {
		return "", domain.Validationf("%s must be non-empty", field)
	}
	return out, nil
}

// DetermineUsername resolves the first path component under the storage root.
// The mode custom field selects the source: the ticket owner's login, the
// acting agent (webhook user, falling back to updated_by), or a fixed value
// from another custom field. Missing mode defaults to owner.
func DetermineUsername(
	ticket *zammad.Ticket,
	payload map[string]any,
	customFields map[string]any,
	modeField, archiveUserField string,
) (string, error) {
	mode := userModeOwner
	if raw, ok := customFields[modeField]; ok && raw != nil {
		mode = strings.TrimSpace(fmt.Sprint(raw))
		if mode == "" {
			mode = userModeOwner
		}
	}

	switch mode {
	case userModeOwner:
		if ticket.Owner == nil {
			return "", domain.Validationf("ticket.owner.login must be a string")
		}
		return requireNonEmpty(ticket.Owner.Login, "ticket.owner.login")

	case userModeCurrentAgent:
		if user, ok := payload["user"].(map[string]any); ok {
			if login, ok := user["login"].(string); ok && strings.TrimSpace(login) != "" {
				return strings.TrimSpace(login), nil
			}
		}
		if ticket.UpdatedBy == nil {
			return "", domain.Validationf("ticket.updated_by.login must be a string")
		}
		return requireNonEmpty(ticket.UpdatedBy.Login, "ticket.updated_by.login")

	case userModeFixed:
		return requireNonEmpty(customFields[archiveUserField], "custom_fields."+archiveUserField)
	}
	return "", domain.Validationf("unsupported archive_user_mode: %q", mode)
}

// ParseArchivePathSegments normalizes the archive_path custom field into
// segments. A string is split on ">"; a list must contain only strings.
// Blank segments are dropped, but a value that yields nothing is an error.
func ParseArchivePathSegments(value any) ([]string, error) {
	if value == nil {
		return nil, domain.Validationf("custom_fields.archive_path is missing")
	}

	var parts []string
	switch v := value.(type) {
	case string:
		for _, p := range strings.Split(v, ">") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	case []any:
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, domain.Validationf("custom_fields.archive_path[%d] must be a string", i)
			}
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
	case []string:
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
	default:
		return nil, domain.Validationf("custom_fields.archive_path must be a string or list of strings")
	}

	if len(parts) == 0 {
		return nil, domain.Validationf(
			"custom_fields.archive_path must not be empty after sanitization " +
				"(all segments were empty or whitespace-only)")
	}
	return parts, nil
}

// attachmentFileName builds the collision-free name an archived attachment
// gets under the target directory's attachments/ folder.
func attachmentFileName(articleID, attachmentID int, filename string) string {
	if filename == "" {
		filename = "bin"
	}
	safe := pathpolicy.SanitizeSegment(fmt.Sprintf("%d_%d_%s", articleID, attachmentID, filename))
	if safe == "" || safe == "_" {
		safe = fmt.Sprintf("article_%d_%d", articleID, attachmentID)
	}
	return safe
}
