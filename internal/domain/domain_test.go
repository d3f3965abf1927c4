package domain_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/zammad"
)

// ── classifier ────────────────────────────────────────────────────────────

func TestClassifyPassesThroughClassified(t *testing.T) {
	base := errors.New("boom")
	transient := domain.Transient("fetch failed", base)

	out := domain.Classify(fmt.Errorf("wrapped: %w", transient))
	assert.True(t, domain.IsTransient(out))
	assert.False(t, domain.IsPermanent(out))
	assert.Equal(t, "transient", domain.Classification(out))
}

func TestClassifyErrnos(t *testing.T) {
	transientCases := []error{
		&os.PathError{Op: "write", Path: "/mnt/archive/x", Err: unix.ENOSPC},
		&os.PathError{Op: "open", Path: "/mnt/archive/x", Err: unix.ESTALE},
		&os.SyscallError{Syscall: "connect", Err: unix.ETIMEDOUT},
		&os.PathError{Op: "open", Path: "/mnt/archive", Err: unix.ENOENT},
	}
	for _, err := range transientCases {
		assert.True(t, domain.IsTransient(domain.Classify(err)), "expected transient: %v", err)
	}

	permanentCases := []error{
		&os.PathError{Op: "mkdir", Path: "/mnt/archive/x", Err: unix.EACCES},
		&os.PathError{Op: "open", Path: "/mnt/archive/x", Err: unix.EISDIR},
		&os.SyscallError{Syscall: "open", Err: unix.EINVAL},
	}
	for _, err := range permanentCases {
		assert.True(t, domain.IsPermanent(domain.Classify(err)), "expected permanent: %v", err)
	}
}

func TestClassifyNetworkTimeouts(t *testing.T) {
	assert.True(t, domain.IsTransient(domain.Classify(context.DeadlineExceeded)))

	var netErr net.Error = &net.DNSError{Err: "timeout", IsTimeout: true}
	assert.True(t, domain.IsTransient(domain.Classify(netErr)))
}

func TestClassifyUpstreamErrors(t *testing.T) {
	assert.True(t, domain.IsPermanent(domain.Classify(&zammad.AuthError{Status: 401, Msg: "nope"})))
	assert.True(t, domain.IsPermanent(domain.Classify(&zammad.NotFoundError{Msg: "ticket 9"})))
	assert.True(t, domain.IsPermanent(domain.Classify(&zammad.ClientError{Status: 422, Msg: "bad"})))
	assert.True(t, domain.IsTransient(domain.Classify(&zammad.ServerError{Status: 503, Msg: "down"})))
	assert.True(t, domain.IsTransient(domain.Classify(&zammad.RateLimitError{Msg: "slow down"})))
}

func TestClassifyValidationAndDefault(t *testing.T) {
	assert.True(t, domain.IsPermanent(domain.Classify(domain.Validationf("custom_fields.archive_path is missing"))))
	assert.True(t, domain.IsPermanent(domain.Classify(errors.New("something nobody anticipated"))))
}

func TestErrorCodeAndHint(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{domain.Validationf("custom_fields.archive_path is missing"), "missing_archive_path"},
		{domain.Validationf("custom_fields.archive_path must not be empty after sanitization (all segments were empty or whitespace-only)"), "empty_archive_path"},
		{domain.Validationf("custom_fields.archive_path must be a string or list of strings"), "invalid_archive_path"},
		{domain.Validationf("custom_fields.archive_path[2] must be a string"), "invalid_archive_path"},
		{domain.Validationf("archive_path is not allowed by allow_prefixes policy"), "path_not_allowed"},
		{domain.Validationf("allow_prefixes is empty; no path can match"), "allow_prefixes_empty"},
		{domain.Validationf("ticket.owner.login must be non-empty"), "missing_user_login"},
		{domain.Validationf("custom_fields.archive_user must be non-empty"), "missing_archive_user"},
		{domain.Validationf("filename_pattern produced an empty filename"), "invalid_filename"},
		{domain.Validationf("path segment too long: 300 > 64"), "path_validation"},
		{errors.New("disk exploded"), "permanent_error"},
	}
	for _, tc := range cases {
		code, _ := domain.ErrorCodeAndHint(tc.err)
		assert.Equal(t, tc.code, code, "error: %v", tc.err)
	}
}

func TestActionHint(t *testing.T) {
	transientErr := &zammad.ServerError{Status: 502, Msg: "bad gateway"}
	hint := domain.ActionHint(transientErr, domain.Classify(transientErr))
	assert.Contains(t, hint, "Transient failure")

	authErr := &zammad.AuthError{Status: 403, Msg: "forbidden"}
	hint = domain.ActionHint(authErr, domain.Classify(authErr))
	assert.Contains(t, hint, "token/permissions")

	valErr := domain.Validationf("custom_fields.archive_path is missing")
	hint = domain.ActionHint(valErr, domain.Classify(valErr))
	assert.Contains(t, hint, "path policy validation")
}

func TestConciseMessage(t *testing.T) {
	msg := domain.ConciseMessage(&zammad.AuthError{Status: 401, Msg: `header "Token token=supersecret" rejected`})
	assert.Contains(t, msg, "AuthError")
	assert.NotContains(t, msg, "supersecret")

	long := domain.ConciseMessage(errors.New(strings.Repeat("x", 600)))
	assert.Len(t, long, 500)
}

// ── tag state machine ─────────────────────────────────────────────────────

type tagOp struct {
	action string
	tag    string
}

type mockTagClient struct {
	ops     []tagOp
	failTag string
	failErr error
}

var _ domain.TagClient = (*mockTagClient)(nil)

func (m *mockTagClient) AddTag(_ context.Context, _ int, tag string) error {
	if tag == m.failTag {
		return m.failErr
	}
	m.ops = append(m.ops, tagOp{"add", tag})
	return nil
}

func (m *mockTagClient) RemoveTag(_ context.Context, _ int, tag string) error {
	if tag == m.failTag {
		return m.failErr
	}
	m.ops = append(m.ops, tagOp{"remove", tag})
	return nil
}

func TestShouldProcess(t *testing.T) {
	trigger := domain.TagTrigger

	assert.False(t, domain.ShouldProcess([]string{domain.TagDone, trigger}, trigger, true),
		"done tag always wins")
	assert.True(t, domain.ShouldProcess([]string{trigger}, trigger, true))
	assert.False(t, domain.ShouldProcess([]string{"unrelated"}, trigger, true))
	assert.True(t, domain.ShouldProcess([]string{"unrelated"}, trigger, false),
		"without require_tag any ticket processes")
	assert.False(t, domain.ShouldProcess([]string{domain.TagDone}, trigger, false))
}

func TestApplyProcessingOrder(t *testing.T) {
	tc := &mockTagClient{}
	require.NoError(t, domain.ApplyProcessing(context.Background(), tc, 7, domain.TagTrigger))

	assert.Equal(t, []tagOp{
		{"remove", domain.TagDone},
		{"remove", domain.TagError},
		{"remove", domain.TagTrigger},
		{"add", domain.TagProcessing},
	}, tc.ops)
}

func TestApplyDoneOrder(t *testing.T) {
	tc := &mockTagClient{}
	require.NoError(t, domain.ApplyDone(context.Background(), tc, 7, domain.TagTrigger))

	assert.Equal(t, []tagOp{
		{"remove", domain.TagProcessing},
		{"remove", domain.TagError},
		{"remove", domain.TagTrigger},
		{"add", domain.TagDone},
	}, tc.ops)
}

func TestApplyErrorKeepTrigger(t *testing.T) {
	tc := &mockTagClient{}
	require.NoError(t, domain.ApplyError(context.Background(), tc, 7, domain.TagTrigger, true))

	assert.Equal(t, []tagOp{
		{"remove", domain.TagProcessing},
		{"remove", domain.TagDone},
		{"add", domain.TagTrigger},
		{"add", domain.TagError},
	}, tc.ops)
}

func TestApplyErrorDropTrigger(t *testing.T) {
	tc := &mockTagClient{}
	require.NoError(t, domain.ApplyError(context.Background(), tc, 7, domain.TagTrigger, false))

	assert.Equal(t, []tagOp{
		{"remove", domain.TagProcessing},
		{"remove", domain.TagDone},
		{"remove", domain.TagTrigger},
		{"add", domain.TagError},
	}, tc.ops)
}

func TestApplyStopsOnFirstFailure(t *testing.T) {
	tc := &mockTagClient{failTag: domain.TagError, failErr: errors.New("upstream down")}
	err := domain.ApplyProcessing(context.Background(), tc, 7, domain.TagTrigger)
	require.Error(t, err)
	// Only the first removal happened before the failure.
	assert.Equal(t, []tagOp{{"remove", domain.TagDone}}, tc.ops)
}

// ── ticket id coercion ────────────────────────────────────────────────────

func TestCoerceTicketID(t *testing.T) {
	cases := []struct {
		in   any
		want int
		ok   bool
	}{
		{42, 42, true},
		{int64(42), 42, true},
		{float64(42), 42, true},
		{"42", 42, true},
		{" +42 ", 42, true},
		{true, 0, false},
		{false, 0, false},
		{0, 0, false},
		{-3, 0, false},
		{float64(4.5), 0, false},
		{"", 0, false},
		{"  ", 0, false},
		{"abc", 0, false},
		{"-42", 0, false},
		{"4 2", 0, false},
		{nil, 0, false},
		{[]any{42}, 0, false},
	}
	for _, tc := range cases {
		got, ok := domain.CoerceTicketID(tc.in)
		assert.Equal(t, tc.ok, ok, "input %#v", tc.in)
		assert.Equal(t, tc.want, got, "input %#v", tc.in)
	}
}

func TestExtractTicketIDPrefersExplicit(t *testing.T) {
	payload := map[string]any{
		"ticket_id": float64(99),
		"ticket":    map[string]any{"id": float64(7)},
	}
	id, ok := domain.ExtractTicketID(payload)
	require.True(t, ok)
	assert.Equal(t, 99, id)

	delete(payload, "ticket_id")
	id, ok = domain.ExtractTicketID(payload)
	require.True(t, ok)
	assert.Equal(t, 7, id)

	_, ok = domain.ExtractTicketID(map[string]any{"ticket": "not a map"})
	assert.False(t, ok)
}

// ── audit record ──────────────────────────────────────────────────────────

func TestAuditRecordEncodeCanonical(t *testing.T) {
	created := time.Date(2024, 1, 23, 10, 11, 12, 500, time.UTC)
	rec := domain.NewAuditRecord(
		42, "20240123", "  Printer on fire  ",
		created,
		"/var/lib/archiver/agent/A/B/Ticket-20240123_2024-01-23.pdf",
		"abc123",
		domain.AuditSigning{Enabled: true, TSAUsed: false, CertFingerprint: "ff00"},
		"zammad-ticket-archiver", "1.4.0",
		[]domain.AuditAttachment{{
			ArticleID: 1, AttachmentID: 2, Filename: "scan.pdf", SHA256: "dd", StoragePath: "attachments/1_2_scan.pdf",
		}},
	)
	assert.Equal(t, "Printer on fire", rec.Title)

	out, err := rec.Encode()
	require.NoError(t, err)

	text := string(out)
	assert.True(t, strings.HasSuffix(text, "\n"))
	assert.Contains(t, text, `"created_at": "2024-01-23T10:11:12Z"`)
	assert.Contains(t, text, `"cert_fingerprint": "ff00"`)

	// Canonical key order: attachments < created_at < service < sha256 < signing.
	idxAttachments := strings.Index(text, `"attachments"`)
	idxCreated := strings.Index(text, `"created_at"`)
	idxService := strings.Index(text, `"service"`)
	idxTicketID := strings.Index(text, `"ticket_id"`)
	assert.True(t, idxAttachments < idxCreated && idxCreated < idxService && idxService < idxTicketID)

	// Encoding twice yields identical bytes.
	again, err := rec.Encode()
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestAuditSigningOmitsEmptyFingerprint(t *testing.T) {
	rec := domain.NewAuditRecord(
		1, "1", "t", time.Now(), "/p", "sha",
		domain.AuditSigning{Enabled: false},
		"svc", "0.0.1", nil,
	)
	out, err := rec.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "cert_fingerprint")
	assert.NotContains(t, string(out), `"attachments"`)
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		domain.SHA256Hex(nil))
}

func TestFormatTimestampUTC(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	ts := time.Date(2024, 6, 1, 12, 30, 45, 999999999, berlin)
	assert.Equal(t, "2024-06-01T10:30:45Z", domain.FormatTimestampUTC(ts))
	assert.Equal(t, "2024-06-01", domain.FormatDateUTC(ts))
}

func TestRealClockSleepHonorsContext(t *testing.T) {
	clock := domain.RealClock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := clock.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
