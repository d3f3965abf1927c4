// Package zammad is the REST client for the upstream ticket system. It
// exposes exactly the capability set the archiver needs (ticket, tags,
// articles, attachments, internal notes) and maps HTTP failures onto a small
// typed error taxonomy the classifier understands.
package zammad

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = 200 * time.Millisecond
)

// Clock abstracts retry pacing so tests can observe the backoff ladder
// without sleeping. Sleep returns ctx.Err() when the context ends first.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

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

// Client talks to the Zammad REST API with token auth and bounded retries
// for transient upstream failures (timeouts, 5xx, 429).
type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	maxRetries  int
	backoffBase time.Duration
	clock       Clock
	log         *zap.Logger
}

// Option adjusts client construction, mainly for tests.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithRetryPolicy(maxRetries int, backoffBase time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.backoffBase = backoffBase
	}
}

func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithoutProxyEnv drops HTTP(S)_PROXY handling so upstream traffic never
// routes through an environment-provided proxy.
func WithoutProxyEnv() Option {
	return func(c *Client) {
		if t, ok := c.http.Transport.(*http.Transport); ok {
			t.Proxy = nil
		}
	}
}

// NewClient builds a client for baseURL. The base URL must carry scheme and
// host; a path prefix is kept and joined with the api/v1 endpoints.
func NewClient(baseURL, apiToken string, timeout time.Duration, verifyTLS bool, log *zap.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base_url must include scheme and host, e.g. https://zammad.example")
	}
	if log == nil {
		log = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 10
	transport.MaxIdleConnsPerHost = 5
	transport.IdleConnTimeout = 30 * time.Second
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	c := &Client{
		baseURL:     strings.TrimRight(u.String(), "/"),
		token:       apiToken,
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		clock:       realClock{},
		log:         log,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// ── capability surface ────────────────────────────────────────────────────

func (c *Client) GetTicket(ctx context.Context, ticketID int) (*Ticket, error) {
	var ticket Ticket
	path := fmt.Sprintf("api/v1/tickets/%d", ticketID)
	if err := c.requestJSON(ctx, http.MethodGet, path, nil, nil, &ticket); err != nil {
		return nil, err
	}
	return &ticket, nil
}

// ListTags tolerates both response shapes Zammad has shipped: a bare string
// array and an object with a "tags" key.
func (c *Client) ListTags(ctx context.Context, ticketID int) ([]string, error) {
	params := url.Values{"object": {"Ticket"}, "o_id": {strconv.Itoa(ticketID)}}

	var raw json.RawMessage
	if err := c.requestJSON(ctx, http.MethodGet, "api/v1/tags", params, nil, &raw); err != nil {
		return nil, err
	}

	var tags []string
	if err := json.Unmarshal(raw, &tags); err == nil {
		return tags, nil
	}
	var wrapped struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Tags != nil {
		return wrapped.Tags, nil
	}
	return nil, &ClientError{Msg: fmt.Sprintf("Zammad tags response format unexpected for ticket %d", ticketID)}
}

func (c *Client) AddTag(ctx context.Context, ticketID int, tag string) error {
	body := map[string]any{"object": "Ticket", "o_id": ticketID, "item": tag}
	return c.requestJSON(ctx, http.MethodPost, "api/v1/tags/add", nil, body, nil)
}

// RemoveTag uses POST; some deployments are strict about verb routing for
// the documented tags/remove endpoint.
func (c *Client) RemoveTag(ctx context.Context, ticketID int, tag string) error {
	body := map[string]any{"object": "Ticket", "o_id": ticketID, "item": tag}
	return c.requestJSON(ctx, http.MethodPost, "api/v1/tags/remove", nil, body, nil)
}

func (c *Client) ListArticles(ctx context.Context, ticketID int) ([]Article, error) {
	var articles []Article
	path := fmt.Sprintf("api/v1/ticket_articles/by_ticket/%d", ticketID)
	if err := c.requestJSON(ctx, http.MethodGet, path, nil, nil, &articles); err != nil {
		return nil, err
	}
	return articles, nil
}

// CreateInternalNote posts an internal HTML article on the ticket.
func (c *Client) CreateInternalNote(ctx context.Context, ticketID int, subject, bodyHTML string) error {
	body := map[string]any{
		"ticket_id":    ticketID,
		"subject":      subject,
		"body":         bodyHTML,
		"content_type": "text/html",
		"internal":     true,
	}
	return c.requestJSON(ctx, http.MethodPost, "api/v1/ticket_articles", nil, body, nil)
}

// GetAttachmentContent downloads one attachment's raw bytes.
func (c *Client) GetAttachmentContent(ctx context.Context, ticketID, articleID, attachmentID int) ([]byte, error) {
	path := fmt.Sprintf("api/v1/ticket_attachment/%d/%d/%d", ticketID, articleID, attachmentID)
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil, "*/*")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ServerError{Msg: fmt.Sprintf("failed to read attachment body: %v", err)}
	}
	return data, nil
}

// ── transport ─────────────────────────────────────────────────────────────

func (c *Client) requestJSON(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	resp, err := c.do(ctx, method, path, params, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Msg: fmt.Sprintf("invalid JSON from Zammad (status=%d) at %s", resp.StatusCode, path)}
	}
	return nil
}

// do performs one logical request with up to maxRetries retries on network
// errors, 5xx and 429. A 429 honors Retry-After when it parses as a
// non-negative number of seconds.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, accept string) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &ClientError{Msg: fmt.Sprintf("encode request body: %v", err)}
		}
	}

	endpoint := c.baseURL + "/" + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	maxAttempts := c.maxRetries + 1
	for retry := 0; ; retry++ {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, &ClientError{Msg: fmt.Sprintf("build request: %v", err)}
		}
		req.Header.Set("Authorization", "Token token="+c.token)
		req.Header.Set("Accept", accept)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if retry >= c.maxRetries {
				return nil, &ServerError{Msg: fmt.Sprintf("Zammad network error after %d attempts at %s", maxAttempts, path)}
			}
			if sleepErr := c.clock.Sleep(ctx, c.backoff(retry)); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if delay, retryable := c.retryDelayFor(resp, retry); retryable {
			drainAndClose(resp)
			if sleepErr := c.clock.Sleep(ctx, delay); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		drainAndClose(resp)
		return nil, errorForStatus(resp.StatusCode, endpoint, maxAttempts, retry >= c.maxRetries)
	}
}

// retryDelayFor reports whether the response should be retried and with what
// delay. Exhausted retries fall through to errorForStatus.
func (c *Client) retryDelayFor(resp *http.Response, retry int) (time.Duration, bool) {
	if retry >= c.maxRetries {
		return 0, false
	}
	switch {
	case resp.StatusCode >= 500:
		return c.backoff(retry), true
	case resp.StatusCode == http.StatusTooManyRequests:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			return d, true
		}
		return c.backoff(retry), true
	}
	return 0, false
}

func (c *Client) backoff(retry int) time.Duration {
	return c.backoffBase * (1 << retry)
}

func errorForStatus(status int, endpoint string, maxAttempts int, exhausted bool) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status, Msg: "at " + endpoint}
	case status == http.StatusNotFound:
		return &NotFoundError{Msg: "at " + endpoint}
	case status == http.StatusTooManyRequests:
		if exhausted {
			return &RateLimitError{Msg: fmt.Sprintf("after %d attempts", maxAttempts)}
		}
		return &RateLimitError{Msg: "at " + endpoint}
	case status >= 500:
		if exhausted {
			return &ServerError{Status: status, Msg: fmt.Sprintf("after %d attempts", maxAttempts)}
		}
		return &ServerError{Status: status, Msg: "at " + endpoint}
	case status >= 400:
		return &ClientError{Status: status, Msg: "at " + endpoint}
	}
	return &ClientError{Status: status, Msg: "unexpected status at " + endpoint}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
