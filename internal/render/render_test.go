package render

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
)

func sampleSnapshot(articles int) *domain.Snapshot {
	created := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	snap := &domain.Snapshot{
		Ticket: domain.TicketMeta{
			ID:        42,
			Number:    "20260042",
			Title:     "Drucker brennt",
			CreatedAt: &created,
			Owner:     &domain.PartyRef{Login: "agent1"},
			Customer:  &domain.PartyRef{Name: "Erika Muster", Email: "erika@example.org"},
			Tags:      []string{"pdf:sign", "vip"},
		},
	}
	for i := 1; i <= articles; i++ {
		at := created.Add(time.Duration(i) * time.Minute)
		snap.Articles = append(snap.Articles, domain.ArticleSnapshot{
			ID:        i,
			CreatedAt: &at,
			Sender:    "erika@example.org",
			BodyHTML:  fmt.Sprintf("<p>Nachricht %d</p>", i),
			BodyText:  fmt.Sprintf("Nachricht %d", i),
		})
	}
	return snap
}

func TestBuildDocumentDefaultVariant(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	html, err := BuildDocument(sampleSnapshot(2), Options{Timezone: "UTC"}, now)
	require.NoError(t, err)

	assert.Contains(t, html, "Ticket 20260042")
	assert.Contains(t, html, "Drucker brennt")
	assert.Contains(t, html, "Erika Muster &lt;erika@example.org&gt;")
	assert.Contains(t, html, "pdf:sign, vip")
	assert.Contains(t, html, "<p>Nachricht 1</p>", "sanitized HTML body must pass through unescaped")
	assert.Contains(t, html, "2026-03-02 09:00")
}

func TestBuildDocumentMinimalUsesPlainText(t *testing.T) {
	html, err := BuildDocument(sampleSnapshot(1), Options{TemplateVariant: "minimal"}, time.Now())
	require.NoError(t, err)
	assert.NotContains(t, html, "<p>Nachricht 1</p>")
	assert.Contains(t, html, "<pre>Nachricht 1</pre>")
	assert.NotContains(t, html, "Bearbeiter")
}

func TestBuildDocumentTimezoneFormatting(t *testing.T) {
	html, err := BuildDocument(sampleSnapshot(0), Options{Timezone: "Europe/Berlin"}, time.Now())
	require.NoError(t, err)
	// 10:30 UTC on March 1st is 11:30 in Berlin (CET)
	assert.Contains(t, html, "2026-03-01 11:30")
}

func TestBuildDocumentArticleCapFail(t *testing.T) {
	_, err := BuildDocument(sampleSnapshot(5), Options{MaxArticles: 3}, time.Now())
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	assert.Contains(t, err.Error(), "too many articles (5 > 3)")
}

func TestBuildDocumentArticleCapAndContinue(t *testing.T) {
	html, err := BuildDocument(sampleSnapshot(5), Options{
		MaxArticles:      3,
		ArticleLimitMode: LimitModeCapAndContinue,
	}, time.Now())
	require.NoError(t, err)
	assert.Contains(t, html, "3 von 5 Artikeln")
	assert.Equal(t, 3, strings.Count(html, `class="article"`))
}

func TestBuildDocumentUnlimitedWhenCapZero(t *testing.T) {
	html, err := BuildDocument(sampleSnapshot(5), Options{MaxArticles: 0}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(html, `class="article"`))
}

func TestBuildDocumentRejectsUnknownVariant(t *testing.T) {
	_, err := BuildDocument(sampleSnapshot(0), Options{TemplateVariant: "fancy"}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template_variant")
}

func TestBuildDocumentEscapesUntrustedText(t *testing.T) {
	snap := sampleSnapshot(0)
	snap.Ticket.Title = `<script>alert(1)</script>`
	snap.Articles = []domain.ArticleSnapshot{{ID: 1, BodyText: "<b>not html</b>"}}

	html, err := BuildDocument(snap, Options{}, time.Now())
	require.NoError(t, err)
	assert.NotContains(t, html, "<script>")
	assert.Contains(t, html, "&lt;script&gt;")
	assert.Contains(t, html, "&lt;b&gt;not html&lt;/b&gt;")
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "", humanSize(0))
	assert.Equal(t, "512 B", humanSize(512))
	assert.Equal(t, "2.0 KiB", humanSize(2048))
	assert.Equal(t, "1.5 MiB", humanSize(3*1<<20/2))
}
