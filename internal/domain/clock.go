package domain

import (
	"context"
	"time"
)

// Clock abstracts time for the pipeline and queue so tests can drive
// backoff and TTL logic without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatTimestampUTC renders t in UTC at second precision with a Z suffix,
// the single timestamp format used in sidecars, notes and filenames.
func FormatTimestampUTC(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}

// FormatDateUTC renders the date part only, for the {date_utc} filename
// placeholder.
func FormatDateUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
