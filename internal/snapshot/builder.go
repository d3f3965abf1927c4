// Package snapshot turns upstream ticket data into the immutable Snapshot
// the renderer and storage layers consume. Article HTML is sanitized with a
// strict allowlist; attachment binaries are fetched best-effort within byte
// caps.
package snapshot

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/zammad"
)

// attachmentFetchLimit caps concurrent attachment downloads against one
// Zammad instance.
const attachmentFetchLimit = 5

// Reader is the upstream capability set needed to build a snapshot.
type Reader interface {
	GetTicket(ctx context.Context, ticketID int) (*zammad.Ticket, error)
	ListTags(ctx context.Context, ticketID int) ([]string, error)
	ListArticles(ctx context.Context, ticketID int) ([]zammad.Article, error)
}

// AttachmentFetcher downloads one attachment binary.
type AttachmentFetcher interface {
	GetAttachmentContent(ctx context.Context, ticketID, articleID, attachmentID int) ([]byte, error)
}

// Builder assembles snapshots. It is stateless apart from the sanitizer
// policy and safe for concurrent use.
type Builder struct {
	policy sanitizer
	log    *zap.Logger
}

type sanitizer interface {
	Sanitize(string) string
}

func NewBuilder(log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{policy: newSanitizerPolicy(), log: log}
}

// Build fetches whatever parts are not supplied and assembles the snapshot.
// ticket and tags may be passed in when the caller already loaded them, so
// the tag gate and the snapshot see the same data.
func (b *Builder) Build(ctx context.Context, client Reader, ticketID int, ticket *zammad.Ticket, tags []string) (*domain.Snapshot, error) {
	var err error
	if ticket == nil {
		ticket, err = client.GetTicket(ctx, ticketID)
		if err != nil {
			return nil, err
		}
	}
	if tags == nil {
		tags, err = client.ListTags(ctx, ticketID)
		if err != nil {
			return nil, err
		}
	}
	articles, err := client.ListArticles(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	snapArticles := make([]domain.ArticleSnapshot, 0, len(articles))
	for _, a := range articles {
		snapArticles = append(snapArticles, b.articleToSnapshot(a))
	}
	sortArticles(snapArticles)

	return &domain.Snapshot{
		Ticket: domain.TicketMeta{
			ID:           ticket.ID,
			Number:       ticket.Number,
			Title:        ticket.Title,
			CreatedAt:    ticket.CreatedAt,
			UpdatedAt:    ticket.UpdatedAt,
			Customer:     partyFromRef(ticket.Customer),
			Owner:        partyFromRef(ticket.Owner),
			Tags:         append([]string(nil), tags...),
			CustomFields: ticket.CustomFields(),
		},
		Articles: snapArticles,
	}, nil
}

func partyFromRef(ref *zammad.UserRef) *domain.PartyRef {
	if ref == nil {
		return nil
	}
	return &domain.PartyRef{ID: ref.ID, Login: ref.Login, Email: ref.Email}
}

func (b *Builder) articleToSnapshot(a zammad.Article) domain.ArticleSnapshot {
	bodyHTML := ""
	bodyText := ""
	if a.Body != "" {
		if hasHTMLHint(a.ContentType, a.Body) {
			bodyHTML = b.policy.Sanitize(a.Body)
			if bodyHTML != "" {
				bodyText = htmlToText(bodyHTML)
			} else {
				// never fall back to the raw body as HTML
				bodyText = htmlToText(a.Body)
			}
		} else {
			bodyText = a.Body
		}
	}
	if bodyText == "" && a.Body != "" {
		bodyText = a.Body
	}

	sender := a.From
	if sender == "" {
		sender = a.To
	}

	attachments := make([]domain.AttachmentMeta, 0, len(a.Attachments))
	for _, att := range a.Attachments {
		attachments = append(attachments, domain.AttachmentMeta{
			ArticleID:    a.ID,
			AttachmentID: att.ID,
			Filename:     att.Filename,
			Size:         int64(att.Size),
			ContentType:  att.ContentType(),
		})
	}

	return domain.ArticleSnapshot{
		ID:          a.ID,
		CreatedAt:   a.CreatedAt,
		Internal:    a.Internal,
		Sender:      sender,
		Subject:     a.Subject,
		BodyHTML:    bodyHTML,
		BodyText:    bodyText,
		Attachments: attachments,
	}
}

// sortArticles orders by created_at ascending with unknown timestamps last,
// ties broken by id.
func sortArticles(articles []domain.ArticleSnapshot) {
	sort.SliceStable(articles, func(i, j int) bool {
		a, b := articles[i], articles[j]
		switch {
		case a.CreatedAt == nil && b.CreatedAt == nil:
			return a.ID < b.ID
		case a.CreatedAt == nil:
			return false
		case b.CreatedAt == nil:
			return true
		case a.CreatedAt.Equal(*b.CreatedAt):
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(*b.CreatedAt)
	})
}

// EnrichOptions bounds attachment binary inclusion.
type EnrichOptions struct {
	IncludeBinary   bool
	MaxBytesPerFile int64
	MaxTotalBytes   int64
}

// EnrichAttachments downloads attachment binaries into the snapshot. Every
// failure is tolerated: an attachment that cannot be fetched or exceeds a
// cap simply stays metadata-only. The total cap is applied in article order
// so the result is deterministic regardless of download timing.
func (b *Builder) EnrichAttachments(ctx context.Context, snap *domain.Snapshot, fetcher AttachmentFetcher, opts EnrichOptions) {
	if !opts.IncludeBinary || opts.MaxTotalBytes <= 0 || fetcher == nil {
		return
	}

	type key struct{ articleID, attachmentID int }
	var mu sync.Mutex
	fetched := make(map[key][]byte)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(attachmentFetchLimit)
	for ai := range snap.Articles {
		article := &snap.Articles[ai]
		for _, att := range article.Attachments {
			if att.AttachmentID == 0 {
				continue
			}
			if att.Size > 0 && att.Size > opts.MaxBytesPerFile {
				continue
			}
			articleID, attachmentID := article.ID, att.AttachmentID
			g.Go(func() error {
				raw, err := fetcher.GetAttachmentContent(gctx, snap.Ticket.ID, articleID, attachmentID)
				if err != nil {
					b.log.Debug("attachment fetch failed",
						zap.Int("ticket_id", snap.Ticket.ID),
						zap.Int("article_id", articleID),
						zap.Int("attachment_id", attachmentID),
						zap.Error(err))
					return nil
				}
				if int64(len(raw)) > opts.MaxBytesPerFile {
					return nil
				}
				mu.Lock()
				fetched[key{articleID, attachmentID}] = raw
				mu.Unlock()
				return nil
			})
		}
	}
	// workers never return errors; Wait only synchronizes
	_ = g.Wait()

	var total int64
	for ai := range snap.Articles {
		article := &snap.Articles[ai]
		for i := range article.Attachments {
			att := &article.Attachments[i]
			content, ok := fetched[key{article.ID, att.AttachmentID}]
			if !ok || len(content) == 0 {
				continue
			}
			if total+int64(len(content)) > opts.MaxTotalBytes {
				// nothing after the first overflow is included, so the
				// selection is always a prefix of article order
				return
			}
			att.Content = content
			total += int64(len(content))
		}
	}
}
