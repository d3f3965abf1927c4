package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
)

// documentModel is the restricted template context: snapshot data plus the
// few presentation values the templates need, nothing else.
type documentModel struct {
	Ticket      domain.TicketMeta
	Articles    []articleModel
	Meta        metaModel
	Minimal     bool
	Compact     bool
	GeneratedAt string
}

type articleModel struct {
	ID          int
	CreatedAt   string
	Internal    bool
	Sender      string
	Subject     string
	BodyHTML    template.HTML
	BodyText    string
	Attachments []domain.AttachmentMeta
}

type metaModel struct {
	Capped        bool
	ShownArticles int
	TotalArticles int
	TicketCreated string
	TicketUpdated string
	CustomerLabel string
	OwnerLabel    string
}

var templateVariants = map[string]bool{
	"default": true, "minimal": true, "compact": true,
}

// BuildDocument renders the print HTML for a snapshot. The article cap is
// enforced here: mode "fail" rejects oversized snapshots, "cap_and_continue"
// truncates and notes the truncation in the document header.
func BuildDocument(snap *domain.Snapshot, opts Options, now time.Time) (string, error) {
	variant := opts.TemplateVariant
	if variant == "" {
		variant = "default"
	}
	if !templateVariants[variant] {
		return "", domain.Validationf("template_variant must be one of [compact default minimal], got %q", variant)
	}

	articles := snap.Articles
	total := len(articles)
	capped := false
	if opts.MaxArticles > 0 && total > opts.MaxArticles {
		if opts.ArticleLimitMode == LimitModeCapAndContinue {
			articles = articles[:opts.MaxArticles]
			capped = true
		} else {
			return "", domain.Permanent(
				fmt.Sprintf("snapshot has too many articles (%d > %d)", total, opts.MaxArticles), nil)
		}
	}

	loc := locationFor(opts.Timezone)
	model := documentModel{
		Ticket:      snap.Ticket,
		Minimal:     variant == "minimal",
		Compact:     variant == "compact",
		GeneratedAt: formatInZone(&now, loc),
		Meta: metaModel{
			Capped:        capped,
			ShownArticles: len(articles),
			TotalArticles: total,
			TicketCreated: formatInZone(snap.Ticket.CreatedAt, loc),
			TicketUpdated: formatInZone(snap.Ticket.UpdatedAt, loc),
			CustomerLabel: partyLabel(snap.Ticket.Customer),
			OwnerLabel:    partyLabel(snap.Ticket.Owner),
		},
	}
	for _, a := range articles {
		model.Articles = append(model.Articles, articleModel{
			ID:          a.ID,
			CreatedAt:   formatInZone(a.CreatedAt, loc),
			Internal:    a.Internal,
			Sender:      a.Sender,
			Subject:     a.Subject,
			BodyHTML:    template.HTML(a.BodyHTML), // sanitized upstream
			BodyText:    a.BodyText,
			Attachments: a.Attachments,
		})
	}

	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, model); err != nil {
		return "", domain.Permanent("render ticket document", err)
	}
	return buf.String(), nil
}

func locationFor(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func formatInZone(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "—"
	}
	return t.In(loc).Format("2006-01-02 15:04")
}

func partyLabel(p *domain.PartyRef) string {
	if p == nil {
		return "—"
	}
	switch {
	case p.Name != "" && p.Email != "":
		return p.Name + " <" + p.Email + ">"
	case p.Name != "":
		return p.Name
	case p.Login != "":
		return p.Login
	case p.Email != "":
		return p.Email
	}
	return "—"
}

func humanSize(size int64) string {
	switch {
	case size >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(size)/(1<<10))
	case size > 0:
		return fmt.Sprintf("%d B", size)
	}
	return ""
}

var documentTemplate = template.Must(template.New("ticket").Funcs(template.FuncMap{
	"join":      strings.Join,
	"humanSize": humanSize,
}).Parse(documentHTML))
