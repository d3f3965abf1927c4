package pipeline

import (
	"context"
	"encoding/json"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/queue"
)

// QueueProcessFunc adapts the processor to the queue worker contract:
// decode the stored payload, run the pipeline, and map the outcome status
// onto the worker's retry disposition.
func QueueProcessFunc(p *Processor) queue.ProcessFunc {
	return func(ctx context.Context, deliveryID string, payload json.RawMessage) (queue.Disposition, string) {
		var decoded map[string]any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return queue.DispositionFailedPermanent, "payload is not a JSON object: " + err.Error()
		}

		outcome := p.Process(ctx, deliveryID, decoded)
		switch outcome.Status {
		case StatusProcessed:
			return queue.DispositionProcessed, ""
		case StatusFailedTransient:
			return queue.DispositionFailedTransient, outcome.Message
		case StatusFailedPermanent:
			return queue.DispositionFailedPermanent, outcome.Message
		default:
			return queue.DispositionSkipped, ""
		}
	}
}
