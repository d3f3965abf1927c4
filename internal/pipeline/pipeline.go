// Package pipeline orchestrates one ticket end to end: lock and dedup, tag
// gate and state machine, snapshot, render, sign, atomic storage commit,
// acknowledgement notes and history. Every upstream surface is an interface
// so the orchestration logic tests without Zammad, Chrome or a filesystem.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sebastianspicker/zammad-ticket-archiver/internal/config"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/domain"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/metrics"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/pathpolicy"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/queue"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/render"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/signing"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/snapshot"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/storage"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/version"
	"github.com/sebastianspicker/zammad-ticket-archiver/internal/zammad"
)

// RequestIDKey is the payload key the HTTP layer injects the request id
// under before dispatching.
const RequestIDKey = "_request_id"

// Outcome statuses.
const (
	StatusProcessed           = "processed"
	StatusSkippedNoTicketID   = "skipped_no_ticket_id"
	StatusSkippedInFlight     = "skipped_in_flight"
	StatusSkippedIdempotency  = "skipped_idempotency"
	StatusSkippedNotTriggered = "skipped_not_triggered"
	StatusFailedTransient     = "failed_transient"
	StatusFailedPermanent     = "failed_permanent"
)

const (
	applyDoneMaxRetries  = 3
	applyDoneBackoffBase = 500 * time.Millisecond
	applyErrorRetryPause = 300 * time.Millisecond
	attachmentsDirName   = "attachments"
	sidecarSuffix        = ".json"
)

// Outcome summarizes one processed delivery for the queue and the intake
// layer.
type Outcome struct {
	Status         string
	TicketID       int // 0 when the payload carried no ticket id
	Classification string
	Message        string
}

// Client is the slice of the upstream API the pipeline needs.
type Client interface {
	snapshot.Reader
	snapshot.AttachmentFetcher
	domain.TagClient
	CreateInternalNote(ctx context.Context, ticketID int, subject, bodyHTML string) error
}

// Locks provides per-ticket mutual exclusion and delivery dedup.
type Locks interface {
	AcquireTicket(ctx context.Context, ticketID int) bool
	ReleaseTicket(ctx context.Context, ticketID int)
	ClaimDelivery(ctx context.Context, deliveryID string) bool
}

// SnapshotBuilder assembles and enriches ticket snapshots.
type SnapshotBuilder interface {
	Build(ctx context.Context, client snapshot.Reader, ticketID int, ticket *zammad.Ticket, tags []string) (*domain.Snapshot, error)
	EnrichAttachments(ctx context.Context, snap *domain.Snapshot, fetcher snapshot.AttachmentFetcher, opts snapshot.EnrichOptions)
}

// ArtifactStore commits a ticket's files under the storage root.
type ArtifactStore interface {
	CommitArtifacts(ticketID int, targetDir string, artifacts []storage.Artifact) error
}

// HistoryRecorder appends processing events; nil disables history.
type HistoryRecorder interface {
	RecordEvent(ctx context.Context, ev queue.Event) bool
}

// Processor runs the ticket pipeline. Construct once, share across workers.
type Processor struct {
	cfg       *config.Settings
	client    Client
	locks     Locks
	snapshots SnapshotBuilder
	renderer  render.Renderer
	signer    signing.Signer // nil when signing is disabled
	store     ArtifactStore
	history   HistoryRecorder // nil when history is disabled
	metrics   *metrics.Set
	clock     domain.Clock
	log       *zap.Logger
}

func NewProcessor(
	cfg *config.Settings,
	client Client,
	locks Locks,
	snapshots SnapshotBuilder,
	renderer render.Renderer,
	signer signing.Signer,
	store ArtifactStore,
	history HistoryRecorder,
	m *metrics.Set,
	clock domain.Clock,
	log *zap.Logger,
) *Processor {
	if clock == nil {
		clock = domain.RealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		cfg:       cfg,
		client:    client,
		locks:     locks,
		snapshots: snapshots,
		renderer:  renderer,
		signer:    signer,
		store:     store,
		history:   history,
		metrics:   m,
		clock:     clock,
		log:       log,
	}
}

// Process handles one webhook delivery. It never panics across the boundary
// and never returns an error: every failure mode is an Outcome, so the queue
// layer can decide between retry and dead-letter.
func (p *Processor) Process(ctx context.Context, deliveryID string, payload map[string]any) Outcome {
	requestID := ""
	if raw, ok := payload[RequestIDKey].(string); ok && strings.TrimSpace(raw) != "" {
		requestID = strings.TrimSpace(raw)
	}

	ticketID, ok := domain.ExtractTicketID(payload)
	if !ok {
		p.log.Info("skipping delivery without ticket id",
			zap.String("request_id", requestID), zap.String("delivery_id", deliveryID))
		p.metrics.SkippedTotal.WithLabelValues(metrics.SkipReasonNoTicketID).Inc()
		p.recordHistory(ctx, queue.Event{
			Status:     StatusSkippedNoTicketID,
			DeliveryID: deliveryID,
			RequestID:  requestID,
		})
		return Outcome{Status: StatusSkippedNoTicketID}
	}

	log := p.log.With(zap.Int("ticket_id", ticketID))
	if deliveryID != "" {
		log = log.With(zap.String("delivery_id", deliveryID))
	}
	if requestID != "" {
		log = log.With(zap.String("request_id", requestID))
	}

	if !p.locks.AcquireTicket(ctx, ticketID) {
		log.Info("skipping ticket already in flight")
		p.metrics.SkippedTotal.WithLabelValues(metrics.SkipReasonTicketLocked).Inc()
		p.recordHistory(ctx, queue.Event{
			Status:     StatusSkippedInFlight,
			TicketID:   ticketID,
			DeliveryID: deliveryID,
			RequestID:  requestID,
		})
		return Outcome{Status: StatusSkippedInFlight, TicketID: ticketID}
	}
	defer p.locks.ReleaseTicket(ctx, ticketID)

	if deliveryID != "" && !p.locks.ClaimDelivery(ctx, deliveryID) {
		log.Info("skipping already-seen delivery id")
		p.metrics.SkippedTotal.WithLabelValues(metrics.SkipReasonDuplicateDelivery).Inc()
		p.recordHistory(ctx, queue.Event{
			Status:     StatusSkippedIdempotency,
			TicketID:   ticketID,
			DeliveryID: deliveryID,
			RequestID:  requestID,
		})
		return Outcome{Status: StatusSkippedIdempotency, TicketID: ticketID}
	}

	return p.runLocked(ctx, log, runInput{
		ticketID:   ticketID,
		deliveryID: deliveryID,
		requestID:  requestID,
		payload:    payload,
	})
}

type runInput struct {
	ticketID   int
	deliveryID string
	requestID  string
	payload    map[string]any
}

func (p *Processor) runLocked(ctx context.Context, log *zap.Logger, in runInput) Outcome {
	triggerTag := strings.TrimSpace(p.cfg.Workflow.TriggerTag)
	if triggerTag == "" {
		triggerTag = domain.TagTrigger
	}

	observeTotal := true
	totalStart := time.Now()
	defer func() {
		if observeTotal {
			p.metrics.TotalSeconds.Observe(time.Since(totalStart).Seconds())
		}
	}()

	outcome, gated, err := p.runPipeline(ctx, log, in, triggerTag)
	if err == nil {
		observeTotal = !gated
		return outcome
	}
	if errors.Is(err, context.Canceled) {
		// shutdown cancellation must not mutate ticket state
		log.Warn("ticket processing canceled", zap.Error(err))
		return Outcome{
			Status:         StatusFailedTransient,
			TicketID:       in.ticketID,
			Classification: "Transient",
			Message:        domain.ConciseMessage(err),
		}
	}
	return p.handleFailure(ctx, log, in, triggerTag, err)
}

// runPipeline is the happy path. The gated return is true when the run
// stopped at the tag gate, which is the one skip that happens after the
// total timer started but should not be observed.
func (p *Processor) runPipeline(
	ctx context.Context,
	log *zap.Logger,
	in runInput,
	triggerTag string,
) (Outcome, bool, error) {
	ticket, err := p.client.GetTicket(ctx, in.ticketID)
	if err != nil {
		return Outcome{}, false, err
	}
	tags, err := p.client.ListTags(ctx, in.ticketID)
	if err != nil {
		return Outcome{}, false, err
	}

	if !domain.ShouldProcess(tags, triggerTag, p.cfg.Workflow.RequireTag) {
		log.Info("skipping ticket: tag gate not satisfied", zap.Strings("tags", tags))
		p.metrics.SkippedTotal.WithLabelValues(metrics.SkipReasonTagGate).Inc()
		p.recordHistory(ctx, queue.Event{
			Status:     StatusSkippedNotTriggered,
			TicketID:   in.ticketID,
			DeliveryID: in.deliveryID,
			RequestID:  in.requestID,
		})
		return Outcome{Status: StatusSkippedNotTriggered, TicketID: in.ticketID}, true, nil
	}

	if err := domain.ApplyProcessing(ctx, p.client, in.ticketID, triggerTag); err != nil {
		return Outcome{}, false, err
	}

	customFields := ticket.CustomFields()
	username, err := DetermineUsername(ticket, in.payload, customFields,
		p.cfg.Fields.ArchiveUserMode, p.cfg.Fields.ArchiveUser)
	if err != nil {
		return Outcome{}, false, err
	}
	segments, err := ParseArchivePathSegments(customFields[p.cfg.Fields.ArchivePath])
	if err != nil {
		return Outcome{}, false, err
	}

	now := p.clock.Now()
	targetDir, err := pathpolicy.BuildTargetDir(
		p.cfg.Storage.Root, username, segments, p.cfg.Storage.PathPolicy.AllowPrefixes)
	if err != nil {
		return Outcome{}, false, err
	}
	filename, err := pathpolicy.BuildFilename(
		p.cfg.Storage.PathPolicy.FilenamePattern, ticket.Number, domain.FormatDateUTC(now))
	if err != nil {
		return Outcome{}, false, err
	}
	targetPath := filepath.Join(targetDir, filename)
	sidecarPath := targetPath + sidecarSuffix

	snap, err := p.snapshots.Build(ctx, p.client, in.ticketID, ticket, tags)
	if err != nil {
		return Outcome{}, false, err
	}
	p.snapshots.EnrichAttachments(ctx, snap, p.client, snapshot.EnrichOptions{
		IncludeBinary:   p.cfg.PDF.IncludeAttachmentBinary,
		MaxBytesPerFile: p.cfg.PDF.MaxAttachmentBytesPerFile,
		MaxTotalBytes:   p.cfg.PDF.MaxTotalAttachmentBytes,
	})

	renderStart := time.Now()
	pdfBytes, err := p.renderer.Render(ctx, snap, render.Options{
		TemplateVariant:  p.cfg.PDF.TemplateVariant,
		Locale:           p.cfg.PDF.Locale,
		Timezone:         p.cfg.PDF.Timezone,
		MaxArticles:      p.cfg.PDF.MaxArticles,
		ArticleLimitMode: p.cfg.PDF.ArticleLimitMode,
	})
	p.metrics.RenderSeconds.Observe(time.Since(renderStart).Seconds())
	if err != nil {
		return Outcome{}, false, err
	}

	if p.signer != nil {
		signStart := time.Now()
		pdfBytes, err = p.signer.Sign(ctx, pdfBytes)
		p.metrics.SignSeconds.Observe(time.Since(signStart).Seconds())
		if err != nil {
			return Outcome{}, false, err
		}
	}

	sha256Hex := domain.SHA256Hex(pdfBytes)
	artifacts, auditAttachments := p.attachmentArtifacts(snap, targetDir)
	record := domain.NewAuditRecord(
		in.ticketID, snap.Ticket.Number, snap.Ticket.Title, now,
		targetPath, sha256Hex, p.auditSigning(),
		version.Service, version.Version, auditAttachments)
	sidecarBytes, err := record.Encode()
	if err != nil {
		return Outcome{}, false, err
	}

	// sidecar last: its presence marks a complete archive
	artifacts = append(artifacts,
		storage.Artifact{RelPath: filename, Data: pdfBytes},
		storage.Artifact{RelPath: filename + sidecarSuffix, Data: sidecarBytes},
	)
	if err := p.store.CommitArtifacts(in.ticketID, targetDir, artifacts); err != nil {
		return Outcome{}, false, err
	}

	if p.cfg.Workflow.AcknowledgeOnSuccess {
		note := successNoteHTML(
			targetDir, filename, sidecarPath,
			int64(len(pdfBytes)), sha256Hex,
			in.requestID, in.deliveryID, domain.FormatTimestampUTC(now))
		if err := p.client.CreateInternalNote(ctx, in.ticketID, successNoteSubject(), note); err != nil {
			return Outcome{}, false, err
		}
	}

	p.applyDoneBestEffort(ctx, log, in.ticketID, triggerTag)

	p.metrics.ProcessedTotal.Inc()
	p.recordHistory(ctx, queue.Event{
		Status:     StatusProcessed,
		TicketID:   in.ticketID,
		DeliveryID: in.deliveryID,
		RequestID:  in.requestID,
	})
	log.Info("ticket archived",
		zap.String("storage_path", targetPath),
		zap.Int("size_bytes", len(pdfBytes)))
	return Outcome{Status: StatusProcessed, TicketID: in.ticketID}, false, nil
}

// attachmentArtifacts collects every attachment whose binary made it into
// the snapshot, in article order, as storage artifacts plus audit entries.
func (p *Processor) attachmentArtifacts(snap *domain.Snapshot, targetDir string) ([]storage.Artifact, []domain.AuditAttachment) {
	var artifacts []storage.Artifact
	var audit []domain.AuditAttachment
	for _, article := range snap.Articles {
		for _, att := range article.Attachments {
			if att.Content == nil {
				continue
			}
			name := attachmentFileName(article.ID, att.AttachmentID, att.Filename)
			artifacts = append(artifacts, storage.Artifact{
				RelPath: filepath.Join(attachmentsDirName, name),
				Data:    att.Content,
			})
			audit = append(audit, domain.AuditAttachment{
				ArticleID:    article.ID,
				AttachmentID: att.AttachmentID,
				Filename:     att.Filename,
				SHA256:       domain.SHA256Hex(att.Content),
				StoragePath:  filepath.Join(targetDir, attachmentsDirName, name),
			})
		}
	}
	return artifacts, audit
}

func (p *Processor) auditSigning() domain.AuditSigning {
	sig := domain.AuditSigning{
		Enabled: p.cfg.Signing.Enabled,
		TSAUsed: p.cfg.Signing.Enabled && p.cfg.Signing.Timestamp.Enabled,
	}
	if p.signer != nil {
		sig.CertFingerprint = p.signer.Fingerprint()
	}
	return sig
}

// applyDoneBestEffort retries the done transition with exponential backoff.
// A ticket whose archive landed on disk must not fail the run over a tag
// update, so the last error is only logged.
func (p *Processor) applyDoneBestEffort(ctx context.Context, log *zap.Logger, ticketID int, triggerTag string) {
	var err error
	for attempt := 0; attempt < applyDoneMaxRetries; attempt++ {
		if err = domain.ApplyDone(ctx, p.client, ticketID, triggerTag); err == nil {
			return
		}
		if attempt < applyDoneMaxRetries-1 {
			if serr := p.clock.Sleep(ctx, applyDoneBackoffBase*(1<<attempt)); serr != nil {
				break
			}
		}
	}
	log.Error("failed to apply done tags", zap.Error(err))
}

// handleFailure is the single error exit: classify, note, tag, history.
func (p *Processor) handleFailure(ctx context.Context, log *zap.Logger, in runInput, triggerTag string, err error) Outcome {
	p.metrics.FailedTotal.Inc()

	classified := domain.Classify(err)
	transient := domain.IsTransient(classified)
	label := "Permanent"
	if transient {
		label = "Transient"
	}
	message := domain.ConciseMessage(err)
	action := domain.ActionHint(err, classified)
	code, hint := "", ""
	if !transient {
		code, hint = domain.ErrorCodeAndHint(err)
	}

	log.Error("ticket processing failed",
		zap.String("classification", label),
		zap.String("code", code),
		zap.Error(err))

	p.postErrorNote(ctx, log, in, label, message, action, code, hint)
	p.applyErrorTags(ctx, log, in.ticketID, triggerTag, transient)

	status := StatusFailedPermanent
	if transient {
		status = StatusFailedTransient
	}
	p.recordHistory(ctx, queue.Event{
		Status:         status,
		TicketID:       in.ticketID,
		Classification: strings.ToLower(label),
		Message:        message,
		DeliveryID:     in.deliveryID,
		RequestID:      in.requestID,
	})
	return Outcome{
		Status:         status,
		TicketID:       in.ticketID,
		Classification: label,
		Message:        message,
	}
}

func (p *Processor) postErrorNote(ctx context.Context, log *zap.Logger, in runInput, label, message, action, code, hint string) {
	note := errorNoteHTML(label, message, action,
		in.requestID, in.deliveryID, domain.FormatTimestampUTC(p.clock.Now()), code, hint)
	if err := p.client.CreateInternalNote(ctx, in.ticketID, errorNoteSubject(), note); err != nil {
		log.Error("failed to post error note", zap.Error(err))
	}
}

// applyErrorTags moves the ticket to the error state (retried once) and
// removes the processing marker. keepTrigger for transient failures so a
// later webhook can retry.
func (p *Processor) applyErrorTags(ctx context.Context, log *zap.Logger, ticketID int, triggerTag string, keepTrigger bool) {
	if err := domain.ApplyError(ctx, p.client, ticketID, triggerTag, keepTrigger); err != nil {
		if serr := p.clock.Sleep(ctx, applyErrorRetryPause); serr == nil {
			err = domain.ApplyError(ctx, p.client, ticketID, triggerTag, keepTrigger)
		}
		if err != nil {
			log.Error("failed to apply error tags", zap.Error(err))
		}
	}

	if err := p.client.RemoveTag(ctx, ticketID, domain.TagProcessing); err != nil {
		log.Warn("failed to remove processing tag", zap.Error(err))
	}
}

func (p *Processor) recordHistory(ctx context.Context, ev queue.Event) {
	if p.history == nil {
		return
	}
	p.history.RecordEvent(ctx, ev)
}
