package handler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/pipeline"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/queue"
)

// TicketProcessor runs the archiving pipeline for one delivery.
type TicketProcessor interface {
	Process(ctx context.Context, deliveryID string, payload map[string]any) pipeline.Outcome
}

// Dispatcher hands an accepted webhook payload off for asynchronous
// processing. The HTTP response never waits on the pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, deliveryID string, payload map[string]any) error
}

// TaskTracker counts in-process background runs so shutdown can drain them.
type TaskTracker struct {
	wg sync.WaitGroup
}

func (t *TaskTracker) Go(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// Drain waits for running tasks up to the timeout and reports whether all
// of them finished.
func (t *TaskTracker) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// InprocessDispatcher runs the pipeline on a tracked goroutine, detached
// from the request context so a closed client connection cannot cancel an
// archive run halfway through.
type InprocessDispatcher struct {
	proc    TicketProcessor
	tracker *TaskTracker
	log     *zap.Logger
}

func NewInprocessDispatcher(proc TicketProcessor, tracker *TaskTracker, log *zap.Logger) *InprocessDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &InprocessDispatcher{proc: proc, tracker: tracker, log: log}
}

func (d *InprocessDispatcher) Dispatch(_ context.Context, deliveryID string, payload map[string]any) error {
	d.tracker.Go(func() {
		outcome := d.proc.Process(context.Background(), deliveryID, payload)
		d.log.Debug("inprocess run finished",
			zap.String("status", outcome.Status),
			zap.Int("ticket_id", outcome.TicketID))
	})
	return nil
}

// QueueDispatcher persists the payload on the Redis stream; a worker picks
// it up with at-least-once delivery.
type QueueDispatcher struct {
	queue *queue.Queue
}

func NewQueueDispatcher(q *queue.Queue) *QueueDispatcher {
	return &QueueDispatcher{queue: q}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, deliveryID string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = d.queue.Enqueue(ctx, queue.Job{DeliveryID: deliveryID, Payload: raw})
	return err
}

var (
	_ Dispatcher = (*InprocessDispatcher)(nil)
	_ Dispatcher = (*QueueDispatcher)(nil)
)
