// Package render turns a ticket snapshot into PDF bytes. Document assembly
// (html/template) and the PDF engine (headless Chrome) are separate so the
// pipeline can be tested against a stub renderer.
package render

import (
	"context"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
)

// Article limit modes.
const (
	LimitModeFail           = "fail"
	LimitModeCapAndContinue = "cap_and_continue"
)

// Options selects the template variant and rendering bounds for one run.
type Options struct {
	TemplateVariant  string // default|minimal|compact
	Locale           string
	Timezone         string
	MaxArticles      int // 0 disables the cap
	ArticleLimitMode string
}

// Renderer produces the archive PDF for a snapshot.
type Renderer interface {
	Render(ctx context.Context, snap *domain.Snapshot, opts Options) ([]byte, error)
}
