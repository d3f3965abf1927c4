package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/config"
)

const (
	historyReadMaxLimit  = 5000
	historyOverFetchCap  = 10000
	historyOverFetchMult = 8
)

// Event is one processing outcome appended to the history stream.
type Event struct {
	Status         string
	TicketID       int // 0 means unknown
	Classification string
	Message        string
	DeliveryID     string
	RequestID      string
}

// HistoryEntry is a normalized history record as served by the ops
// endpoints.
type HistoryEntry struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	TicketID       *int    `json:"ticket_id"`
	Classification *string `json:"classification"`
	Message        string  `json:"message"`
	DeliveryID     *string `json:"delivery_id"`
	RequestID      *string `json:"request_id"`
	CreatedAt      float64 `json:"created_at"`
}

func (q *Queue) historyEnabled() bool {
	return q.cfg.HistoryRetentionMaxlen > 0
}

// RecordEvent appends to the capped history stream. History is best-effort
// everywhere: failures are logged, never propagated into the pipeline.
func (q *Queue) RecordEvent(ctx context.Context, ev Event) bool {
	if !q.historyEnabled() {
		return false
	}

	ticketID := ""
	if ev.TicketID != 0 {
		ticketID = strconv.Itoa(ev.TicketID)
	}
	values := map[string]any{
		"status":         ev.Status,
		"ticket_id":      ticketID,
		"classification": ev.Classification,
		"message":        truncate(config.ScrubText(strings.TrimSpace(ev.Message)), maxStoredErrorLen),
		"delivery_id":    ev.DeliveryID,
		"request_id":     ev.RequestID,
		"created_at":     formatFloat(unixFloat(q.clock.Now())),
	}
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.HistoryStream,
		MaxLen: int64(q.cfg.HistoryRetentionMaxlen),
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		q.log.Warn("history record failed",
			zap.String("status", ev.Status),
			zap.Int("ticket_id", ev.TicketID),
			zap.Error(err))
		return false
	}
	return true
}

// ReadHistory returns up to limit entries, newest first, optionally
// filtered by ticket id. The filtered read over-fetches so sparse streams
// still fill a page.
func (q *Queue) ReadHistory(ctx context.Context, limit int, ticketID *int) ([]HistoryEntry, error) {
	if !q.historyEnabled() {
		return []HistoryEntry{}, nil
	}

	if limit < 1 {
		limit = 1
	}
	if limit > historyReadMaxLimit {
		limit = historyReadMaxLimit
	}
	fetch := limit
	if ticketID != nil {
		fetch = limit * historyOverFetchMult
		if fetch > historyOverFetchCap {
			fetch = historyOverFetchCap
		}
	}

	entries, err := q.rdb.XRevRangeN(ctx, q.cfg.HistoryStream, "+", "-", int64(fetch)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	out := make([]HistoryEntry, 0, limit)
	for _, entry := range entries {
		item := normalizeHistoryEntry(entry.ID, entry.Values)
		if ticketID != nil && (item.TicketID == nil || *item.TicketID != *ticketID) {
			continue
		}
		out = append(out, item)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func normalizeHistoryEntry(id string, values map[string]any) HistoryEntry {
	entry := HistoryEntry{
		ID:        id,
		Status:    stringField(values, "status"),
		Message:   stringField(values, "message"),
		CreatedAt: floatField(values, "created_at"),
	}
	if raw := strings.TrimSpace(stringField(values, "ticket_id")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			entry.TicketID = &n
		}
	}
	if v := strings.TrimSpace(stringField(values, "classification")); v != "" {
		entry.Classification = &v
	}
	if v := strings.TrimSpace(stringField(values, "delivery_id")); v != "" {
		entry.DeliveryID = &v
	}
	if v := strings.TrimSpace(stringField(values, "request_id")); v != "" {
		entry.RequestID = &v
	}
	return entry
}
