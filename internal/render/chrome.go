package render

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
)

// renderTimeout bounds one headless-Chrome session, browser startup
// included.
const renderTimeout = 60 * time.Second

// A4 in inches for page.PrintToPDF.
const (
	paperWidthA4  = 8.27
	paperHeightA4 = 11.69
)

// ChromeRenderer prints the assembled document with headless Chrome. Each
// Render call runs its own browser so a wedged Chrome never outlives the
// ticket that started it.
type ChromeRenderer struct {
	log *zap.Logger
}

func NewChromeRenderer(log *zap.Logger) *ChromeRenderer {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChromeRenderer{log: log}
}

var _ Renderer = (*ChromeRenderer)(nil)

func (r *ChromeRenderer) Render(ctx context.Context, snap *domain.Snapshot, opts Options) ([]byte, error) {
	html, err := BuildDocument(snap, opts, time.Now())
	if err != nil {
		return nil, err
	}

	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()

	chromeCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	chromeCtx, cancel = context.WithTimeout(chromeCtx, renderTimeout)
	defer cancel()

	start := time.Now()
	var pdf []byte
	err = chromedp.Run(chromeCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(c context.Context) error {
			frameTree, err := page.GetFrameTree().Do(c)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(c)
		}),
		chromedp.ActionFunc(func(c context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(paperWidthA4).
				WithPaperHeight(paperHeightA4).
				Do(c)
			return err
		}),
	)
	if err != nil {
		// browser startup and print failures are environment trouble, not
		// ticket trouble
		return nil, domain.Transient("chromedp pdf render failed", err)
	}

	r.log.Debug("pdf rendered",
		zap.Int("ticket_id", snap.Ticket.ID),
		zap.Int("bytes", len(pdf)),
		zap.Duration("took", time.Since(start)))
	return pdf, nil
}
