// Package handler is the HTTP surface: webhook intake, ops endpoints, the
// admin API and the Prometheus exposition, assembled on echo with the
// hardening middleware chain in front of the ingest paths.
package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/config"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/pipeline"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/queue"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/version"
)

const (
	historyLimitDefault = 200
	historyLimitMax     = 5000
	dlqDrainDefault     = 100
	dlqDrainMax         = 1000
)

// StatusReporter exposes the in-flight registry to the status endpoints.
type StatusReporter interface {
	ShuttingDown() bool
	TicketInFlight(ticketID int) bool
}

// QueueOps is the slice of the durable queue the ops endpoints need. A nil
// QueueOps means no Redis is configured; the endpoints answer 503.
type QueueOps interface {
	Stats(ctx context.Context, consumer string) (queue.Stats, error)
	DrainDLQ(ctx context.Context, limit int) (int, error)
	ReadHistory(ctx context.Context, limit int, ticketID *int) ([]queue.HistoryEntry, error)
}

// Server bundles the handler dependencies.
type Server struct {
	cfg      *config.Settings
	dispatch Dispatcher
	status   StatusReporter
	queueOps QueueOps
	consumer string
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

func NewServer(
	cfg *config.Settings,
	dispatch Dispatcher,
	status StatusReporter,
	queueOps QueueOps,
	consumer string,
	gatherer prometheus.Gatherer,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		dispatch: dispatch,
		status:   status,
		queueOps: queueOps,
		consumer: consumer,
		gatherer: gatherer,
		log:      log,
	}
}

// apiError writes the uniform error body. code and hint are optional.
func apiError(c echo.Context, status int, detail, code, hint string) error {
	body := map[string]any{"detail": detail}
	if code != "" {
		body["code"] = code
	}
	if hint != "" {
		body["hint"] = hint
	}
	return c.JSON(status, body)
}

// errResponded marks a request whose error body has already been written.
// c.JSON returns nil on a successful write, so helpers that respond and
// return a value need this sentinel to stop their caller from writing a
// second body onto the committed response.
var errResponded = errors.New("response already written")

// respondError writes the uniform error body and returns errResponded.
func respondError(c echo.Context, status int, detail, code, hint string) error {
	if err := apiError(c, status, detail, code, hint); err != nil {
		return err
	}
	return errResponded
}

// swallowResponded turns errResponded into nil so echo's error handler does
// not write on top of an already committed response.
func swallowResponded(err error) error {
	if errors.Is(err, errResponded) {
		return nil
	}
	return err
}

// RegisterRoutes installs the middleware chain and every route on e.
// Middleware order matters: request id first so every rejection carries
// one, then rate limiting, body size, and HMAC last so it reads a bounded
// body.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.Use(RequestIDMiddleware())
	e.Use(RateLimitMiddleware(s.cfg.Hardening.RateLimit, s.log))
	e.Use(BodySizeLimitMiddleware(s.cfg.Hardening.BodySizeLimit.MaxBytes))
	e.Use(HMACVerifyMiddleware(s.cfg, s.log))

	// ── webhook intake ──
	e.POST("/ingest", s.handleIngest())
	e.POST("/ingest/batch", s.handleIngestBatch())
	e.POST("/retry/:ticket_id", s.handleRetry())

	// ── job status and queue ops ──
	jobs := e.Group("/jobs")
	jobs.GET("/queue/stats", s.handleQueueStats())
	jobs.POST("/queue/dlq/drain", s.handleDLQDrain())
	jobs.GET("/history", s.handleHistory())
	jobs.GET("/:ticket_id", s.handleJobStatus())

	// ── admin ──
	s.registerAdminRoutes(e)

	// ── observability ──
	if s.cfg.Observability.MetricsEnabled {
		e.GET("/metrics", s.handleMetrics())
	}
	e.GET("/healthz", s.handleHealthz())
}

// ── intake ──

func (s *Server) decodePayload(c echo.Context) (map[string]any, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func (s *Server) dispatchPayload(c echo.Context, deliveryID string, payload map[string]any) error {
	payload[pipeline.RequestIDKey] = requestIDFrom(c)
	return s.dispatch.Dispatch(c.Request().Context(), deliveryID, payload)
}

func (s *Server) handleIngest() echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.status.ShuttingDown() {
			return apiError(c, http.StatusServiceUnavailable, "shutting_down", "shutting_down", "")
		}
		payload, err := s.decodePayload(c)
		if err != nil {
			return apiError(c, http.StatusUnprocessableEntity, "invalid_payload", "invalid_payload", "")
		}

		var ticketID any
		if id, ok := domain.ExtractTicketID(payload); ok {
			ticketID = id
		}
		deliveryID := strings.TrimSpace(c.Request().Header.Get(DeliveryIDHeader))

		if err := s.dispatchPayload(c, deliveryID, payload); err != nil {
			s.log.Error("dispatch failed",
				zap.String("request_id", requestIDFrom(c)), zap.Error(err))
			return apiError(c, http.StatusServiceUnavailable, "queue_unavailable", "queue_unavailable", "")
		}
		return c.JSON(http.StatusAccepted, map[string]any{
			"status":    "accepted",
			"ticket_id": ticketID,
		})
	}
}

func (s *Server) handleIngestBatch() echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.status.ShuttingDown() {
			return apiError(c, http.StatusServiceUnavailable, "shutting_down", "shutting_down", "")
		}
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return apiError(c, http.StatusUnprocessableEntity, "invalid_payload", "invalid_payload", "")
		}
		var payloads []map[string]any
		if err := json.Unmarshal(body, &payloads); err != nil {
			return apiError(c, http.StatusUnprocessableEntity, "invalid_payload", "invalid_payload", "")
		}

		deliveryID := strings.TrimSpace(c.Request().Header.Get(DeliveryIDHeader))
		count := 0
		for i, payload := range payloads {
			if payload == nil {
				payload = map[string]any{}
			}
			// each batch item gets its own delivery suffix so idempotency
			// keys stay distinct
			itemDelivery := deliveryID
			if itemDelivery != "" && len(payloads) > 1 {
				itemDelivery = deliveryID + "#" + strconv.Itoa(i)
			}
			if err := s.dispatchPayload(c, itemDelivery, payload); err != nil {
				s.log.Error("batch dispatch failed",
					zap.Int("index", i), zap.Error(err))
				continue
			}
			count++
		}
		return c.JSON(http.StatusAccepted, map[string]any{
			"status": "accepted",
			"count":  count,
		})
	}
}

func (s *Server) retryTicket(c echo.Context) (int, error) {
	ticketID, err := strconv.Atoi(c.Param("ticket_id"))
	if err != nil || ticketID <= 0 {
		return 0, respondError(c, http.StatusBadRequest, "invalid_ticket_id", "invalid_ticket_id", "")
	}
	if s.status.ShuttingDown() {
		return 0, respondError(c, http.StatusServiceUnavailable, "shutting_down", "shutting_down", "")
	}
	// manual retries carry no delivery id so the idempotency layer never
	// blocks them
	payload := map[string]any{"ticket_id": ticketID}
	if err := s.dispatchPayload(c, "", payload); err != nil {
		s.log.Error("retry dispatch failed",
			zap.Int("ticket_id", ticketID), zap.Error(err))
		return 0, respondError(c, http.StatusServiceUnavailable, "queue_unavailable", "queue_unavailable", "")
	}
	return ticketID, nil
}

func (s *Server) handleRetry() echo.HandlerFunc {
	return func(c echo.Context) error {
		ticketID, err := s.retryTicket(c)
		if err != nil {
			return swallowResponded(err)
		}
		return c.JSON(http.StatusAccepted, map[string]any{
			"status":    "accepted",
			"ticket_id": ticketID,
		})
	}
}

// ── job status and queue ops ──

func (s *Server) handleJobStatus() echo.HandlerFunc {
	return func(c echo.Context) error {
		ticketID, err := strconv.Atoi(c.Param("ticket_id"))
		if err != nil || ticketID <= 0 {
			return apiError(c, http.StatusBadRequest, "invalid_ticket_id", "invalid_ticket_id", "")
		}
		return c.JSON(http.StatusOK, map[string]any{
			"ticket_id":     ticketID,
			"in_flight":     s.status.TicketInFlight(ticketID),
			"shutting_down": s.status.ShuttingDown(),
		})
	}
}

func (s *Server) queueStats(c echo.Context) (queue.Stats, error) {
	if s.queueOps == nil {
		return queue.Stats{}, respondError(c, http.StatusServiceUnavailable, "queue_unavailable", "queue_unavailable", "")
	}
	stats, err := s.queueOps.Stats(c.Request().Context(), s.consumer)
	if err != nil {
		s.log.Error("queue stats failed", zap.Error(err))
		return queue.Stats{}, respondError(c, http.StatusServiceUnavailable, "queue_unavailable", "queue_unavailable", "")
	}
	return stats, nil
}

func (s *Server) handleQueueStats() echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := s.queueStats(c)
		if err != nil {
			return swallowResponded(err)
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func (s *Server) historyLimit(c echo.Context) int {
	limit := s.cfg.Admin.HistoryLimit
	if limit <= 0 {
		limit = historyLimitDefault
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > historyLimitMax {
		limit = historyLimitMax
	}
	return limit
}

func (s *Server) readHistory(c echo.Context) ([]queue.HistoryEntry, error) {
	if s.queueOps == nil {
		return nil, respondError(c, http.StatusServiceUnavailable, "history_unavailable", "history_unavailable", "")
	}

	var ticketID *int
	if raw := c.QueryParam("ticket_id"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return nil, respondError(c, http.StatusBadRequest, "invalid_ticket_id", "invalid_ticket_id", "")
		}
		ticketID = &parsed
	}

	entries, err := s.queueOps.ReadHistory(c.Request().Context(), s.historyLimit(c), ticketID)
	if err != nil {
		s.log.Error("history read failed", zap.Error(err))
		return nil, respondError(c, http.StatusServiceUnavailable, "history_unavailable", "history_unavailable", "")
	}
	return entries, nil
}

func (s *Server) handleHistory() echo.HandlerFunc {
	return func(c echo.Context) error {
		entries, err := s.readHistory(c)
		if err != nil {
			return swallowResponded(err)
		}
		if entries == nil {
			entries = []queue.HistoryEntry{}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status": "ok",
			"count":  len(entries),
			"items":  entries,
		})
	}
}

func (s *Server) drainDLQ(c echo.Context) (int, error) {
	if s.queueOps == nil {
		return 0, respondError(c, http.StatusServiceUnavailable, "queue_unavailable", "queue_unavailable", "")
	}
	limit := dlqDrainDefault
	if raw := c.QueryParam("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > dlqDrainMax {
		limit = dlqDrainMax
	}

	drained, err := s.queueOps.DrainDLQ(c.Request().Context(), limit)
	if err != nil {
		s.log.Error("dlq drain failed", zap.Error(err))
		return 0, respondError(c, http.StatusServiceUnavailable, "queue_unavailable", "queue_unavailable", "")
	}
	return drained, nil
}

func (s *Server) handleDLQDrain() echo.HandlerFunc {
	return func(c echo.Context) error {
		drained, err := s.drainDLQ(c)
		if err != nil {
			return swallowResponded(err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"drained": drained,
		})
	}
}

// ── observability ──

func (s *Server) handleMetrics() echo.HandlerFunc {
	h := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	wrapped := echo.WrapHandler(h)
	token := s.cfg.Observability.MetricsBearerToken

	return func(c echo.Context) error {
		if token != "" {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !bearerTokenMatches(auth, token) {
				return apiError(c, http.StatusUnauthorized, "unauthorized", "unauthorized", "")
			}
		}
		return wrapped(c)
	}
}

func (s *Server) handleHealthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		body := map[string]any{
			"status": "ok",
			"time":   domain.FormatTimestampUTC(time.Now()),
		}
		if !s.cfg.Observability.HealthzOmitVersion {
			body["service"] = version.Service
			body["version"] = version.Version
		}
		return c.JSON(http.StatusOK, body)
	}
}

func bearerTokenMatches(authorization, token string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return false
	}
	presented := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
