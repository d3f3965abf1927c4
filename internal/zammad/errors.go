package zammad

import (
	"fmt"
	"time"
)

// AuthError covers HTTP 401 and 403 from the upstream API. Retrying cannot
// help until credentials or permissions change.
type AuthError struct {
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("zammad auth failed (HTTP %d): %s", e.Status, e.Msg)
}

// NotFoundError covers HTTP 404: the ticket or resource is gone.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string {
	return "zammad resource not found: " + e.Msg
}

// RateLimitError covers HTTP 429. RetryAfter is zero when the upstream did
// not send a usable Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration
	Msg        string
}

func (e *RateLimitError) Error() string {
	return "zammad rate limited: " + e.Msg
}

// ServerError covers HTTP 5xx responses and exhausted in-client retries.
type ServerError struct {
	Status int
	Msg    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("zammad server error (HTTP %d): %s", e.Status, e.Msg)
}

// ClientError covers the remaining 4xx responses.
type ClientError struct {
	Status int
	Msg    string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("zammad request rejected (HTTP %d): %s", e.Status, e.Msg)
}
