package domain

import (
	"context"
	"slices"
)

// Lifecycle tags. Only the trigger tag is configurable; the other three are
// fixed so dashboards and Zammad overviews can rely on them.
const (
	TagTrigger    = "pdf:sign"
	TagProcessing = "pdf:processing"
	TagDone       = "pdf:signed"
	TagError      = "pdf:error"
)

// TagClient is the slice of the upstream API the state machine needs.
type TagClient interface {
	AddTag(ctx context.Context, ticketID int, tag string) error
	RemoveTag(ctx context.Context, ticketID int, tag string) error
}

// ShouldProcess decides whether a ticket enters the pipeline: never when the
// done tag is already present, and when requireTrigger is set only if the
// trigger tag is there.
func ShouldProcess(tags []string, triggerTag string, requireTrigger bool) bool {
	if slices.Contains(tags, TagDone) {
		return false
	}
	if requireTrigger {
		return slices.Contains(tags, triggerTag)
	}
	return true
}

// ApplyProcessing moves the ticket into the in-progress state: done, error
// and trigger tags are removed before the processing tag is added, so a
// rerun never carries stale state. Stops at the first upstream failure.
func ApplyProcessing(ctx context.Context, tc TagClient, ticketID int, triggerTag string) error {
	for _, tag := range []string{TagDone, TagError, triggerTag} {
		if err := tc.RemoveTag(ctx, ticketID, tag); err != nil {
			return err
		}
	}
	return tc.AddTag(ctx, ticketID, TagProcessing)
}

// ApplyDone marks successful completion. The trigger tag is consumed so the
// same webhook cannot re-fire the pipeline.
func ApplyDone(ctx context.Context, tc TagClient, ticketID int, triggerTag string) error {
	for _, tag := range []string{TagProcessing, TagError, triggerTag} {
		if err := tc.RemoveTag(ctx, ticketID, tag); err != nil {
			return err
		}
	}
	return tc.AddTag(ctx, ticketID, TagDone)
}

// ApplyError marks a failure. keepTrigger re-adds the trigger tag so a
// transient failure retries on the next webhook; permanent failures drop it
// so the ticket stays parked until an operator intervenes.
func ApplyError(ctx context.Context, tc TagClient, ticketID int, triggerTag string, keepTrigger bool) error {
	for _, tag := range []string{TagProcessing, TagDone} {
		if err := tc.RemoveTag(ctx, ticketID, tag); err != nil {
			return err
		}
	}
	if keepTrigger {
		if err := tc.AddTag(ctx, ticketID, triggerTag); err != nil {
			return err
		}
	} else {
		if err := tc.RemoveTag(ctx, ticketID, triggerTag); err != nil {
			return err
		}
	}
	return tc.AddTag(ctx, ticketID, TagError)
}
