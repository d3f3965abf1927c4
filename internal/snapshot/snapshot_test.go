package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/zammad"
)

type mockReader struct {
	getTicketFn    func(ctx context.Context, id int) (*zammad.Ticket, error)
	listTagsFn     func(ctx context.Context, id int) ([]string, error)
	listArticlesFn func(ctx context.Context, id int) ([]zammad.Article, error)
}

var _ Reader = (*mockReader)(nil)

func (m *mockReader) GetTicket(ctx context.Context, id int) (*zammad.Ticket, error) {
	return m.getTicketFn(ctx, id)
}

func (m *mockReader) ListTags(ctx context.Context, id int) ([]string, error) {
	return m.listTagsFn(ctx, id)
}

func (m *mockReader) ListArticles(ctx context.Context, id int) ([]zammad.Article, error) {
	return m.listArticlesFn(ctx, id)
}

type mockFetcher struct {
	fetchFn func(ctx context.Context, ticketID, articleID, attachmentID int) ([]byte, error)
}

var _ AttachmentFetcher = (*mockFetcher)(nil)

func (m *mockFetcher) GetAttachmentContent(ctx context.Context, ticketID, articleID, attachmentID int) ([]byte, error) {
	return m.fetchFn(ctx, ticketID, articleID, attachmentID)
}

func ts(sec int64) *time.Time {
	t := time.Unix(sec, 0).UTC()
	return &t
}

func TestBuildAssemblesAndSortsArticles(t *testing.T) {
	reader := &mockReader{
		getTicketFn: func(context.Context, int) (*zammad.Ticket, error) {
			return &zammad.Ticket{
				ID: 7, Number: "20260007", Title: "VPN broken",
				Owner:     &zammad.UserRef{Login: "agent1"},
				CreatedAt: ts(100),
				Preferences: &zammad.TicketPreferences{
					CustomFields: map[string]any{"archive_path": "Support"},
				},
			}, nil
		},
		listTagsFn: func(context.Context, int) ([]string, error) {
			return []string{"pdf:sign"}, nil
		},
		listArticlesFn: func(context.Context, int) ([]zammad.Article, error) {
			return []zammad.Article{
				{ID: 3, CreatedAt: ts(300), Body: "later"},
				{ID: 1, CreatedAt: nil, Body: "no timestamp"},
				{ID: 2, CreatedAt: ts(200), Body: "earlier"},
			}, nil
		},
	}

	snap, err := NewBuilder(zap.NewNop()).Build(context.Background(), reader, 7, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 7, snap.Ticket.ID)
	assert.Equal(t, "agent1", snap.Ticket.Owner.Login)
	assert.Equal(t, []string{"pdf:sign"}, snap.Ticket.Tags)
	assert.Equal(t, "Support", snap.Ticket.CustomFields["archive_path"])

	// unknown created_at sorts last
	ids := []int{snap.Articles[0].ID, snap.Articles[1].ID, snap.Articles[2].ID}
	assert.Equal(t, []int{2, 3, 1}, ids)
}

func TestBuildReusesProvidedTicketAndTags(t *testing.T) {
	reader := &mockReader{
		getTicketFn: func(context.Context, int) (*zammad.Ticket, error) {
			t.Fatal("ticket must not be re-fetched")
			return nil, nil
		},
		listTagsFn: func(context.Context, int) ([]string, error) {
			t.Fatal("tags must not be re-fetched")
			return nil, nil
		},
		listArticlesFn: func(context.Context, int) ([]zammad.Article, error) {
			return nil, nil
		},
	}

	ticket := &zammad.Ticket{ID: 1, Number: "1"}
	snap, err := NewBuilder(nil).Build(context.Background(), reader, 1, ticket, []string{"vip"})
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, snap.Ticket.Tags)
}

func TestArticleBodySanitization(t *testing.T) {
	b := NewBuilder(nil)

	// html content type: sanitize, derive text
	art := b.articleToSnapshot(zammad.Article{
		ID:          1,
		ContentType: "text/html",
		Body:        `<p>hello <script>alert(1)</script><a href="javascript:x" title="t">link</a></p>`,
	})
	assert.NotContains(t, art.BodyHTML, "script")
	assert.NotContains(t, art.BodyHTML, "javascript:")
	assert.Contains(t, art.BodyHTML, "hello")
	assert.Contains(t, art.BodyText, "hello")

	// plain text body stays untouched
	art = b.articleToSnapshot(zammad.Article{ID: 2, ContentType: "text/plain", Body: "1 < 2 and 3 > 2"})
	assert.Empty(t, art.BodyHTML)
	assert.Equal(t, "1 < 2 and 3 > 2", art.BodyText)

	// markup hint without content type still triggers sanitization
	art = b.articleToSnapshot(zammad.Article{ID: 3, Body: "<div>block</div>"})
	assert.Contains(t, art.BodyHTML, "<div>")
}

func TestHTMLToTextDerivation(t *testing.T) {
	text := htmlToText("<p>first</p><div>second<br>third</div><style>p{}</style>")
	assert.Equal(t, "first\nsecond\nthird", text)
}

func TestSenderFallsBackToRecipient(t *testing.T) {
	b := NewBuilder(nil)
	art := b.articleToSnapshot(zammad.Article{ID: 1, From: "", To: "help@example.org"})
	assert.Equal(t, "help@example.org", art.Sender)
}

func TestEnrichAttachmentsRespectsCaps(t *testing.T) {
	snap := &domain.Snapshot{
		Ticket: domain.TicketMeta{ID: 5},
		Articles: []domain.ArticleSnapshot{
			{ID: 1, Attachments: []domain.AttachmentMeta{
				{ArticleID: 1, AttachmentID: 10, Size: 4},
				{ArticleID: 1, AttachmentID: 11, Size: 4},
				{ArticleID: 1, AttachmentID: 12, Size: 999}, // over per-file cap, never fetched
			}},
		},
	}
	fetcher := &mockFetcher{
		fetchFn: func(_ context.Context, ticketID, articleID, attachmentID int) ([]byte, error) {
			assert.Equal(t, 5, ticketID)
			return []byte("data"), nil
		},
	}

	NewBuilder(nil).EnrichAttachments(context.Background(), snap, fetcher, EnrichOptions{
		IncludeBinary:   true,
		MaxBytesPerFile: 10,
		MaxTotalBytes:   6, // only the first attachment fits
	})

	atts := snap.Articles[0].Attachments
	assert.Equal(t, []byte("data"), atts[0].Content)
	assert.Nil(t, atts[1].Content, "total cap must reject the second attachment")
	assert.Nil(t, atts[2].Content)
}

func TestEnrichAttachmentsStopsAtTotalCap(t *testing.T) {
	snap := &domain.Snapshot{
		Ticket: domain.TicketMeta{ID: 5},
		Articles: []domain.ArticleSnapshot{
			{ID: 1, Attachments: []domain.AttachmentMeta{
				{ArticleID: 1, AttachmentID: 10, Size: 4},
				{ArticleID: 1, AttachmentID: 11, Size: 8},
			}},
			{ID: 2, Attachments: []domain.AttachmentMeta{
				{ArticleID: 2, AttachmentID: 12, Size: 2},
			}},
		},
	}
	contents := map[int][]byte{
		10: []byte("abcd"),
		11: []byte("abcdefgh"),
		12: []byte("xy"),
	}
	fetcher := &mockFetcher{
		fetchFn: func(_ context.Context, _, _, attachmentID int) ([]byte, error) {
			return contents[attachmentID], nil
		},
	}

	NewBuilder(nil).EnrichAttachments(context.Background(), snap, fetcher, EnrichOptions{
		IncludeBinary:   true,
		MaxBytesPerFile: 10,
		MaxTotalBytes:   6,
	})

	// the second attachment overflows the total cap; inclusion stops there
	// even though the later small attachment would still fit
	assert.Equal(t, []byte("abcd"), snap.Articles[0].Attachments[0].Content)
	assert.Nil(t, snap.Articles[0].Attachments[1].Content)
	assert.Nil(t, snap.Articles[1].Attachments[0].Content, "nothing after the overflow is included")
}

func TestEnrichAttachmentsToleratesFetchErrors(t *testing.T) {
	snap := &domain.Snapshot{
		Ticket: domain.TicketMeta{ID: 5},
		Articles: []domain.ArticleSnapshot{
			{ID: 1, Attachments: []domain.AttachmentMeta{{ArticleID: 1, AttachmentID: 10, Size: 1}}},
		},
	}
	fetcher := &mockFetcher{
		fetchFn: func(context.Context, int, int, int) ([]byte, error) {
			return nil, errors.New("boom")
		},
	}

	NewBuilder(nil).EnrichAttachments(context.Background(), snap, fetcher, EnrichOptions{
		IncludeBinary:   true,
		MaxBytesPerFile: 100,
		MaxTotalBytes:   100,
	})
	assert.Nil(t, snap.Articles[0].Attachments[0].Content)
}

func TestEnrichAttachmentsDisabled(t *testing.T) {
	snap := &domain.Snapshot{
		Ticket: domain.TicketMeta{ID: 5},
		Articles: []domain.ArticleSnapshot{
			{ID: 1, Attachments: []domain.AttachmentMeta{{ArticleID: 1, AttachmentID: 10}}},
		},
	}
	fetcher := &mockFetcher{
		fetchFn: func(context.Context, int, int, int) ([]byte, error) {
			t.Fatal("must not fetch when disabled")
			return nil, nil
		},
	}
	NewBuilder(nil).EnrichAttachments(context.Background(), snap, fetcher, EnrichOptions{IncludeBinary: false})
	assert.Nil(t, snap.Articles[0].Attachments[0].Content)
}
