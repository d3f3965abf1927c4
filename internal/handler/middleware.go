package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/config"
)

const (
	RequestIDHeader  = "X-Request-Id"
	SignatureHeader  = "X-Hub-Signature"
	DeliveryIDHeader = "X-Zammad-Delivery"

	// contextRequestID is the echo context key the request id travels under.
	contextRequestID = "request_id"

	rateLimiterMaxEntries = 10_000
)

var requestIDRE = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

func isIngestPath(path string) bool {
	return path == "/ingest" || path == "/ingest/batch"
}

// RequestIDMiddleware accepts a well-formed caller-provided request id or
// generates one, stores it on the context and echoes it on the response.
func RequestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requestID := strings.TrimSpace(c.Request().Header.Get(RequestIDHeader))
			if !requestIDRE.MatchString(requestID) {
				requestID = uuid.NewString()
			}
			c.Set(contextRequestID, requestID)
			c.Response().Header().Set(RequestIDHeader, requestID)
			return next(c)
		}
	}
}

func requestIDFrom(c echo.Context) string {
	if id, ok := c.Get(contextRequestID).(string); ok {
		return id
	}
	return ""
}

// RateLimitMiddleware applies a per-client token bucket to the ingest paths
// (and optionally /metrics). The limiter map is LRU-capped so hostile
// clients cannot grow it without bound.
func RateLimitMiddleware(cfg config.RateLimitSettings, log *zap.Logger) echo.MiddlewareFunc {
	limiters, err := lru.New[string, *rate.Limiter](rateLimiterMaxEntries)
	if err != nil {
		// only possible with a non-positive size
		panic(err)
	}

	limiterFor := func(key string) *rate.Limiter {
		if l, ok := limiters.Get(key); ok {
			return l
		}
		l := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
		limiters.Add(key, l)
		return l
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !cfg.Enabled {
				return next(c)
			}
			path := c.Request().URL.Path
			if !isIngestPath(path) && !(cfg.IncludeMetrics && path == "/metrics") {
				return next(c)
			}

			key := ""
			if cfg.ClientKeyHeader != "" {
				raw := c.Request().Header.Get(cfg.ClientKeyHeader)
				key = strings.TrimSpace(strings.SplitN(raw, ",", 2)[0])
			}
			if key == "" {
				key = c.RealIP()
			}
			if key == "" {
				key = "unknown"
			}

			if !limiterFor(key).Allow() {
				log.Warn("rate limited", zap.String("client", key), zap.String("path", path))
				return apiError(c, http.StatusTooManyRequests, "rate_limited", "rate_limited", "")
			}
			return next(c)
		}
	}
}

// BodySizeLimitMiddleware bounds ingest request bodies. Declared
// Content-Length is rejected up front; otherwise the body is buffered up to
// the cap so downstream middleware can re-read it.
func BodySizeLimitMiddleware(maxBytes int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if maxBytes <= 0 || !isIngestPath(c.Request().URL.Path) {
				return next(c)
			}
			req := c.Request()
			if req.ContentLength > maxBytes {
				return apiError(c, http.StatusRequestEntityTooLarge, "request_too_large", "request_too_large", "")
			}

			body, err := io.ReadAll(io.LimitReader(req.Body, maxBytes+1))
			if err != nil {
				return apiError(c, http.StatusBadRequest, "body_read_failed", "body_read_failed", "")
			}
			if int64(len(body)) > maxBytes {
				return apiError(c, http.StatusRequestEntityTooLarge, "request_too_large", "request_too_large", "")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			return next(c)
		}
	}
}

// HMACVerifyMiddleware authenticates webhook deliveries on the ingest paths.
// The signature header carries "sha1=<hex>" or "sha256=<hex>" over the raw
// body; comparison is constant-time. Running without a secret fails closed
// unless explicitly allowed.
func HMACVerifyMiddleware(cfg *config.Settings, log *zap.Logger) echo.MiddlewareFunc {
	secret := []byte(cfg.WebhookSecret())
	webhook := cfg.Hardening.Webhook
	allowUnsigned := webhook.AllowUnsigned && webhook.AllowUnsignedWhenNoSecret

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost || !isIngestPath(req.URL.Path) {
				return next(c)
			}

			if webhook.RequireDeliveryID &&
				strings.TrimSpace(req.Header.Get(DeliveryIDHeader)) == "" {
				return apiError(c, http.StatusBadRequest, "missing_delivery_id", "missing_delivery_id", "")
			}

			if len(secret) == 0 {
				if allowUnsigned {
					return next(c)
				}
				// running without webhook auth is almost always a production
				// misconfiguration
				return apiError(c, http.StatusServiceUnavailable,
					"webhook_auth_not_configured", "webhook_auth_not_configured", "")
			}

			signature, ok := parseSignature(req.Header.Get(SignatureHeader))
			if !ok {
				return apiError(c, http.StatusForbidden, "forbidden", "forbidden", "")
			}

			body, err := io.ReadAll(req.Body)
			if err != nil {
				return apiError(c, http.StatusForbidden, "forbidden", "forbidden", "")
			}
			req.Body = io.NopCloser(bytes.NewReader(body))

			if !verifySignature(secret, body, signature) {
				log.Warn("webhook signature mismatch",
					zap.String("request_id", requestIDFrom(c)))
				return apiError(c, http.StatusForbidden, "forbidden", "forbidden", "")
			}
			return next(c)
		}
	}
}

type signature struct {
	algorithm string
	digest    []byte
}

func parseSignature(header string) (signature, bool) {
	algorithm, hexDigest, found := strings.Cut(strings.TrimSpace(header), "=")
	if !found {
		return signature{}, false
	}
	algorithm = strings.ToLower(algorithm)

	digest, err := hex.DecodeString(strings.TrimSpace(hexDigest))
	if err != nil {
		return signature{}, false
	}
	switch {
	case algorithm == "sha1" && len(digest) == sha1.Size:
	case algorithm == "sha256" && len(digest) == sha256.Size:
	default:
		return signature{}, false
	}
	return signature{algorithm: algorithm, digest: digest}, true
}

func verifySignature(secret, body []byte, sig signature) bool {
	var expected []byte
	switch sig.algorithm {
	case "sha1":
		mac := hmac.New(sha1.New, secret)
		mac.Write(body)
		expected = mac.Sum(nil)
	case "sha256":
		mac := hmac.New(sha256.New, secret)
		mac.Write(body)
		expected = mac.Sum(nil)
	default:
		return false
	}
	return subtle.ConstantTimeCompare(expected, sig.digest) == 1
}
