package domain

import "strings"

// CoerceTicketID turns a decoded JSON value into a positive ticket id.
// Booleans, negatives, zero and non-digit strings yield false. A leading "+"
// on a string is tolerated because some webhook templates stringify numbers
// that way.
func CoerceTicketID(value any) (int, bool) {
	switch v := value.(type) {
	case bool:
		return 0, false
	case int:
		if v > 0 {
			return v, true
		}
	case int64:
		if v > 0 {
			return int(v), true
		}
	case float64:
		// JSON numbers decode as float64; only accept integral values.
		if v > 0 && v == float64(int(v)) {
			return int(v), true
		}
	case string:
		text := strings.TrimSpace(v)
		text = strings.TrimPrefix(text, "+")
		if text == "" {
			return 0, false
		}
		n := 0
		for _, r := range text {
			if r < '0' || r > '9' {
				return 0, false
			}
			n = n*10 + int(r-'0')
			if n > 1<<31 {
				return 0, false
			}
		}
		if n > 0 {
			return n, true
		}
	}
	return 0, false
}

// ExtractTicketID pulls the ticket id out of a webhook payload. An explicit
// top-level ticket_id wins over a nested ticket.id so senders can override
// what the serialized ticket object carries.
func ExtractTicketID(payload map[string]any) (int, bool) {
	if id, ok := CoerceTicketID(payload["ticket_id"]); ok {
		return id, true
	}
	if ticket, ok := payload["ticket"].(map[string]any); ok {
		if id, ok := CoerceTicketID(ticket["id"]); ok {
			return id, true
		}
	}
	return 0, false
}
