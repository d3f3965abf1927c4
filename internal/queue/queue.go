// Package queue is the durable execution backend: a Redis Streams consumer
// group carrying ticket jobs, with scheduled retries, a dead-letter stream
// and a capped history stream for the ops surface.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/config"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/metrics"
)

// DLQ reasons.
const (
	DLQReasonRetryExhausted = "retry_exhausted"
	DLQReasonPermanentError = "permanent_error"
	DLQReasonInvalidMessage = "invalid_message"
)

const (
	maxStoredErrorLen = 500
	drainDLQHardLimit = 1000
)

// Job is one unit of work on the stream.
type Job struct {
	DeliveryID string
	Payload    json.RawMessage
	Attempt    int
	NotBefore  time.Time // zero means immediately
	LastError  string
}

// Envelope is a decoded stream entry.
type Envelope struct {
	MessageID  string
	Payload    json.RawMessage
	DeliveryID string
	Attempt    int
	NotBefore  time.Time
	LastError  string
}

// Queue wraps one Redis connection with the stream topology from the
// workflow settings.
type Queue struct {
	rdb     redis.UniversalClient
	cfg     config.WorkflowSettings
	metrics *metrics.Set
	clock   domain.Clock
	log     *zap.Logger
	ownsRdb bool
}

func New(rdb redis.UniversalClient, cfg config.WorkflowSettings, m *metrics.Set, clock domain.Clock, log *zap.Logger) *Queue {
	if clock == nil {
		clock = domain.RealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{rdb: rdb, cfg: cfg, metrics: m, clock: clock, log: log}
}

// NewFromURL dials workflow.redis_url and owns the resulting client.
func NewFromURL(cfg config.WorkflowSettings, m *metrics.Set, clock domain.Clock, log *zap.Logger) (*Queue, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, fmt.Errorf("workflow.redis_url is required for the redis_queue backend")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse workflow.redis_url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second
	q := New(redis.NewClient(opts), cfg, m, clock, log)
	q.ownsRdb = true
	return q, nil
}

func (q *Queue) Close() error {
	if q.ownsRdb {
		return q.rdb.Close()
	}
	return nil
}

// EnsureGroup creates the consumer group at id 0 so backlog written before
// group creation stays visible. An already existing group is fine.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.QueueStream, q.cfg.QueueGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", q.cfg.QueueGroup, q.cfg.QueueStream, err)
	}
	return nil
}

// Enqueue appends a job to the stream. The payload is re-encoded in
// canonical form (sorted keys, no insignificant whitespace) so identical
// webhooks produce identical stream entries.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	canonical, err := canonicalJSON(job.Payload)
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}

	notBefore := 0.0
	if !job.NotBefore.IsZero() {
		notBefore = unixFloat(job.NotBefore)
	}
	values := map[string]any{
		"payload_json":  canonical,
		"delivery_id":   job.DeliveryID,
		"attempt":       strconv.Itoa(max(0, job.Attempt)),
		"not_before_ts": formatFloat(notBefore),
		"enqueued_at":   formatFloat(unixFloat(q.clock.Now())),
	}
	if job.LastError != "" {
		values["last_error"] = truncate(job.LastError, maxStoredErrorLen)
	}

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.QueueStream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	if q.metrics != nil {
		q.metrics.QueueEnqueuedTotal.Inc()
	}
	return id, nil
}

// ackAndDelete removes a handled message. XDel runs even when the ack
// failed so the stream never accumulates handled entries.
func (q *Queue) ackAndDelete(ctx context.Context, messageID string) {
	if err := q.rdb.XAck(ctx, q.cfg.QueueStream, q.cfg.QueueGroup, messageID).Err(); err != nil {
		q.log.Warn("xack failed", zap.String("message_id", messageID), zap.Error(err))
	}
	if err := q.rdb.XDel(ctx, q.cfg.QueueStream, messageID).Err(); err != nil {
		q.log.Warn("xdel failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

// pushDLQ copies a failed envelope to the dead-letter stream.
func (q *Queue) pushDLQ(ctx context.Context, env Envelope, reason, errorMessage string) {
	canonical, err := canonicalJSON(env.Payload)
	if err != nil {
		canonical = "{}"
	}
	values := map[string]any{
		"payload_json": canonical,
		"delivery_id":  env.DeliveryID,
		"attempt":      strconv.Itoa(env.Attempt),
		"reason":       reason,
		"failed_at":    formatFloat(unixFloat(q.clock.Now())),
	}
	if errorMessage != "" {
		values["error"] = truncate(errorMessage, maxStoredErrorLen)
	}
	if err := q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.QueueDLQStream, Values: values}).Err(); err != nil {
		q.log.Error("failed to push job to dlq",
			zap.String("message_id", env.MessageID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	if q.metrics != nil {
		q.metrics.QueueDLQTotal.Inc()
	}
}

// Stats is the queue health snapshot for the ops endpoints and CLI.
type Stats struct {
	ExecutionBackend       string `json:"execution_backend"`
	QueueEnabled           bool   `json:"queue_enabled"`
	Stream                 string `json:"stream,omitempty"`
	Group                  string `json:"group,omitempty"`
	Consumer               string `json:"consumer,omitempty"`
	QueueDepth             int64  `json:"queue_depth"`
	Pending                int64  `json:"pending"`
	DLQStream              string `json:"dlq_stream,omitempty"`
	DLQDepth               int64  `json:"dlq_depth"`
	RetryMaxAttempts       int    `json:"retry_max_attempts"`
	HistoryStream          string `json:"history_stream,omitempty"`
	HistoryRetentionMaxlen int    `json:"history_retention_maxlen"`
}

// Stats reports depth, pending count and DLQ depth.
func (q *Queue) Stats(ctx context.Context, consumer string) (Stats, error) {
	if err := q.EnsureGroup(ctx); err != nil {
		return Stats{}, err
	}
	depth, err := q.rdb.XLen(ctx, q.cfg.QueueStream).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue depth: %w", err)
	}
	dlqDepth, err := q.rdb.XLen(ctx, q.cfg.QueueDLQStream).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("dlq depth: %w", err)
	}
	var pending int64
	if summary, err := q.rdb.XPending(ctx, q.cfg.QueueStream, q.cfg.QueueGroup).Result(); err == nil {
		pending = summary.Count
	}

	return Stats{
		ExecutionBackend:       "redis_queue",
		QueueEnabled:           true,
		Stream:                 q.cfg.QueueStream,
		Group:                  q.cfg.QueueGroup,
		Consumer:               consumer,
		QueueDepth:             depth,
		Pending:                pending,
		DLQStream:              q.cfg.QueueDLQStream,
		DLQDepth:               dlqDepth,
		RetryMaxAttempts:       q.cfg.QueueRetryMaxAttempts,
		HistoryStream:          q.cfg.HistoryStream,
		HistoryRetentionMaxlen: q.cfg.HistoryRetentionMaxlen,
	}, nil
}

// DrainDLQ deletes up to limit entries from the dead-letter stream and
// returns how many were removed. The limit is capped at 1000 per call.
func (q *Queue) DrainDLQ(ctx context.Context, limit int) (int, error) {
	if limit < 1 {
		return 0, nil
	}
	if limit > drainDLQHardLimit {
		limit = drainDLQHardLimit
	}
	entries, err := q.rdb.XRangeN(ctx, q.cfg.QueueDLQStream, "-", "+", int64(limit)).Result()
	if err != nil {
		return 0, fmt.Errorf("read dlq: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	pipe := q.rdb.Pipeline()
	for _, entry := range entries {
		pipe.XDel(ctx, q.cfg.QueueDLQStream, entry.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("drain dlq: %w", err)
	}
	return len(entries), nil
}

// decodeEnvelope parses one stream entry; malformed entries error out and
// are routed to the DLQ by the worker.
func decodeEnvelope(messageID string, values map[string]any) (Envelope, error) {
	payloadRaw := stringField(values, "payload_json")
	if payloadRaw == "" {
		payloadRaw = "{}"
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payloadRaw), &decoded); err != nil {
		return Envelope{}, fmt.Errorf("payload_json is not an object: %w", err)
	}

	env := Envelope{
		MessageID:  messageID,
		Payload:    json.RawMessage(payloadRaw),
		DeliveryID: strings.TrimSpace(stringField(values, "delivery_id")),
		Attempt:    max(0, intField(values, "attempt")),
		LastError:  strings.TrimSpace(stringField(values, "last_error")),
	}
	if ts := floatField(values, "not_before_ts"); ts > 0 {
		env.NotBefore = timeFromUnixFloat(ts)
	}
	return env, nil
}

// ── field helpers ─────────────────────────────────────────────────────────

func stringField(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func intField(values map[string]any, key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(stringField(values, key)))
	if err != nil {
		return 0
	}
	return n
}

func floatField(values map[string]any, key string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(stringField(values, key)), 64)
	if err != nil {
		return 0
	}
	return f
}

func canonicalJSON(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", err
	}
	// maps marshal with sorted keys
	out, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func unixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromUnixFloat(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
