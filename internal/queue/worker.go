package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// claimIdleMS is the idle threshold after which another consumer's pending
// message counts as abandoned and may be claimed.
const claimIdleMS = 30_000

const loopErrorPause = 300 * time.Millisecond

// Disposition classifies a handled job for the queue's retry logic.
type Disposition int

const (
	DispositionProcessed Disposition = iota
	DispositionSkipped
	DispositionFailedTransient
	DispositionFailedPermanent
)

// ProcessFunc handles one decoded job and reports its disposition plus a
// concise error message for retries and the DLQ.
type ProcessFunc func(ctx context.Context, deliveryID string, payload json.RawMessage) (Disposition, string)

// Worker drains the stream with one consumer-group member: claim abandoned
// messages, revisit its own pending entries, then block for new work.
type Worker struct {
	queue    *Queue
	handle   ProcessFunc
	consumer string
	log      *zap.Logger
}

func NewWorker(q *Queue, handle ProcessFunc, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{queue: q, handle: handle, consumer: ConsumerName(q.cfg.QueueConsumer), log: log}
}

// ConsumerName resolves the consumer-group member name: the configured one,
// or hostname-pid so replicas stay distinguishable.
func ConsumerName(configured string) string {
	if name := strings.TrimSpace(configured); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		host = "archiver"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (w *Worker) Consumer() string { return w.consumer }

// Run loops until ctx is cancelled. Every loop error is logged and paced;
// the worker itself never exits on a Redis hiccup.
func (w *Worker) Run(ctx context.Context) {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		w.log.Error("failed to ensure consumer group", zap.Error(err))
	}
	w.log.Info("queue worker started",
		zap.String("stream", w.queue.cfg.QueueStream),
		zap.String("group", w.queue.cfg.QueueGroup),
		zap.String("consumer", w.consumer))

	for ctx.Err() == nil {
		if err := w.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("queue worker loop error", zap.Error(err))
			_ = w.queue.clock.Sleep(ctx, loopErrorPause)
		}
	}
	w.log.Info("queue worker stopped", zap.String("consumer", w.consumer))
}

func (w *Worker) runOnce(ctx context.Context) error {
	var minDelay time.Duration

	claimed, err := w.claimStalePending(ctx)
	if err != nil {
		return err
	}
	minDelay = mergeMinDelay(minDelay, w.processMessages(ctx, claimed))

	pending, err := w.readPending(ctx, "0", time.Millisecond)
	if err != nil {
		return err
	}
	minDelay = mergeMinDelay(minDelay, w.processMessages(ctx, pending))

	block := w.queue.cfg.QueueReadBlockMS
	blockDur := time.Duration(block) * time.Millisecond
	if len(claimed) > 0 || len(pending) > 0 {
		blockDur = time.Millisecond
	}
	fresh, err := w.readPending(ctx, ">", blockDur)
	if err != nil {
		return err
	}
	minDelay = mergeMinDelay(minDelay, w.processMessages(ctx, fresh))

	if minDelay > 0 {
		if minDelay > time.Second {
			minDelay = time.Second
		}
		return w.queue.clock.Sleep(ctx, minDelay)
	}
	return nil
}

// claimStalePending takes over messages another consumer left pending for
// longer than the idle threshold.
func (w *Worker) claimStalePending(ctx context.Context) ([]redis.XMessage, error) {
	entries, err := w.queue.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: w.queue.cfg.QueueStream,
		Group:  w.queue.cfg.QueueGroup,
		Start:  "-",
		End:    "+",
		Count:  int64(w.queue.cfg.QueueReadCount),
	}).Result()
	if err != nil {
		// no pending entries or group not ready yet; the read path reports
		// real connection trouble
		return nil, nil
	}

	var ids []string
	for _, entry := range entries {
		if entry.ID == "" || entry.Consumer == w.consumer {
			continue
		}
		if entry.Idle < claimIdleMS*time.Millisecond {
			continue
		}
		ids = append(ids, entry.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := w.queue.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   w.queue.cfg.QueueStream,
		Group:    w.queue.cfg.QueueGroup,
		Consumer: w.consumer,
		MinIdle:  claimIdleMS * time.Millisecond,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim stale pending: %w", err)
	}
	return claimed, nil
}

func (w *Worker) readPending(ctx context.Context, cursor string, block time.Duration) ([]redis.XMessage, error) {
	streams, err := w.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.queue.cfg.QueueGroup,
		Consumer: w.consumer,
		Streams:  []string{w.queue.cfg.QueueStream, cursor},
		Count:    int64(w.queue.cfg.QueueReadCount),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read stream %s: %w", w.queue.cfg.QueueStream, err)
	}

	var out []redis.XMessage
	for _, stream := range streams {
		out = append(out, stream.Messages...)
	}
	return out, nil
}

// processMessages handles a batch and returns the smallest positive delay
// of any message that is not yet due.
func (w *Worker) processMessages(ctx context.Context, messages []redis.XMessage) time.Duration {
	var minDelay time.Duration
	for _, msg := range messages {
		env, err := decodeEnvelope(msg.ID, msg.Values)
		if err != nil {
			if w.queue.metrics != nil {
				w.queue.metrics.QueueFailedTotal.Inc()
			}
			w.log.Warn("discarding undecodable queue message",
				zap.String("message_id", msg.ID), zap.Error(err))
			bad := Envelope{MessageID: msg.ID, Payload: json.RawMessage("{}")}
			w.queue.pushDLQ(ctx, bad, DLQReasonInvalidMessage, err.Error())
			w.queue.RecordEvent(ctx, Event{
				Status:         "failed_permanent",
				Classification: "permanent",
				Message:        "invalid_message: " + err.Error(),
			})
			w.queue.ackAndDelete(ctx, msg.ID)
			continue
		}
		minDelay = mergeMinDelay(minDelay, w.handleEnvelope(ctx, env))
	}
	return minDelay
}

// handleEnvelope runs one job. A job scheduled for the future stays
// pending (no ack) and the remaining delay is reported so the loop can
// pace itself instead of spinning.
func (w *Worker) handleEnvelope(ctx context.Context, env Envelope) time.Duration {
	now := w.queue.clock.Now()
	if env.NotBefore.After(now) {
		return env.NotBefore.Sub(now)
	}

	disposition, message := w.handle(ctx, env.DeliveryID, env.Payload)

	switch disposition {
	case DispositionProcessed:
		if w.queue.metrics != nil {
			w.queue.metrics.QueueProcessedTotal.Inc()
		}
	case DispositionFailedTransient:
		if env.Attempt < w.queue.cfg.QueueRetryMaxAttempts {
			delay := retryDelay(w.queue.cfg.QueueRetryBackoff(), env.Attempt)
			lastError := message
			if lastError == "" {
				lastError = env.LastError
			}
			_, err := w.queue.Enqueue(ctx, Job{
				DeliveryID: env.DeliveryID,
				Payload:    env.Payload,
				Attempt:    env.Attempt + 1,
				NotBefore:  w.queue.clock.Now().Add(delay),
				LastError:  lastError,
			})
			if err != nil {
				w.log.Error("failed to re-enqueue job for retry",
					zap.String("message_id", env.MessageID), zap.Error(err))
				w.queue.pushDLQ(ctx, env, DLQReasonRetryExhausted, lastError)
			} else if w.queue.metrics != nil {
				w.queue.metrics.QueueRetriedTotal.Inc()
			}
		} else {
			errorMessage := message
			if errorMessage == "" {
				errorMessage = env.LastError
			}
			w.queue.pushDLQ(ctx, env, DLQReasonRetryExhausted, errorMessage)
		}
	case DispositionFailedPermanent:
		errorMessage := message
		if errorMessage == "" {
			errorMessage = env.LastError
		}
		w.queue.pushDLQ(ctx, env, DLQReasonPermanentError, errorMessage)
	}
	// skipped jobs are acked below without touching the processed counter

	w.queue.ackAndDelete(ctx, env.MessageID)
	return 0
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base * (1 << attempt)
}

func mergeMinDelay(current, candidate time.Duration) time.Duration {
	if candidate <= 0 {
		return current
	}
	if current <= 0 || candidate < current {
		return candidate
	}
	return current
}
