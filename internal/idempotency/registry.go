package idempotency

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TicketLockTTL bounds how long a crashed worker can hold a distributed
// ticket lock.
const TicketLockTTL = 300 * time.Second

// Registry owns every piece of in-process coordination state: the
// delivery-id dedup store, the optional distributed ticket lock, the local
// in-flight ticket set and the shutdown flag. One Registry exists per
// process; nothing here is a package-level global.
type Registry struct {
	delivery ClaimStore // nil disables delivery dedup
	tickets  ClaimStore // nil means local-only locking

	mu       sync.Mutex
	inflight map[int]struct{}

	shuttingDown atomic.Bool
	log          *zap.Logger
}

func NewRegistry(delivery, tickets ClaimStore, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		delivery: delivery,
		tickets:  tickets,
		inflight: make(map[int]struct{}),
		log:      log,
	}
}

// SetShuttingDown flips the shutdown flag; once set, new deliveries are no
// longer deduplicated and the server stops accepting work.
func (r *Registry) SetShuttingDown(v bool) { r.shuttingDown.Store(v) }

func (r *Registry) ShuttingDown() bool { return r.shuttingDown.Load() }

// ClaimDelivery reports whether this delivery id should be processed. With
// dedup disabled or during shutdown every delivery passes. A failing store
// also lets the delivery pass: duplicate work beats dropped work.
func (r *Registry) ClaimDelivery(ctx context.Context, deliveryID string) bool {
	if r.delivery == nil || deliveryID == "" || r.ShuttingDown() {
		return true
	}
	ok, err := r.delivery.TryClaim(ctx, deliveryID)
	if err != nil {
		r.log.Warn("delivery dedup store unavailable, processing anyway",
			zap.String("delivery_id", deliveryID), zap.Error(err))
		return true
	}
	return ok
}

// AcquireTicket takes the per-ticket lock: the local in-flight set first,
// then the distributed store when configured. A distributed rejection rolls
// the local claim back; an unreachable store degrades to local-only locking
// with a warning.
func (r *Registry) AcquireTicket(ctx context.Context, ticketID int) bool {
	r.mu.Lock()
	if _, busy := r.inflight[ticketID]; busy {
		r.mu.Unlock()
		return false
	}
	r.inflight[ticketID] = struct{}{}
	r.mu.Unlock()

	if r.tickets == nil {
		return true
	}
	ok, err := r.tickets.TryClaim(ctx, strconv.Itoa(ticketID))
	if err != nil {
		r.log.Warn("distributed ticket lock unavailable, falling back to local lock",
			zap.Int("ticket_id", ticketID), zap.Error(err))
		return true
	}
	if !ok {
		r.releaseLocal(ticketID)
		return false
	}
	return true
}

// ReleaseTicket frees the distributed lock and then the local claim. The
// distributed release uses a detached context so it still runs when the
// caller's context is already cancelled during shutdown.
func (r *Registry) ReleaseTicket(ctx context.Context, ticketID int) {
	if r.tickets != nil {
		releaseCtx := ctx
		if ctx == nil || ctx.Err() != nil {
			var cancel context.CancelFunc
			releaseCtx, cancel = context.WithTimeout(context.Background(), redisIOTimeout)
			defer cancel()
		}
		if err := r.tickets.Release(releaseCtx, strconv.Itoa(ticketID)); err != nil {
			r.log.Warn("failed to release distributed ticket lock",
				zap.Int("ticket_id", ticketID), zap.Error(err))
		}
	}
	r.releaseLocal(ticketID)
}

// TicketInFlight reports whether this process is working on the ticket.
func (r *Registry) TicketInFlight(ticketID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, busy := r.inflight[ticketID]
	return busy
}

func (r *Registry) releaseLocal(ticketID int) {
	r.mu.Lock()
	delete(r.inflight, ticketID)
	r.mu.Unlock()
}

// Close shuts both stores down. Safe to call more than once.
func (r *Registry) Close() error {
	var firstErr error
	for _, s := range []ClaimStore{r.delivery, r.tickets} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
