// Package pipeline validates completed uploads: it fetches the object, hashes
// and sniffs it, scans it, renders a redacted preview and marks the file ready
// or blocked. When both files of a session are ready the session becomes ready.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/errs"
	"github.com/jmdall/fileswap/internal/models"
	"github.com/jmdall/fileswap/internal/notify"
	"github.com/jmdall/fileswap/internal/services"
	"github.com/jmdall/fileswap/internal/storage"
)

type Blobs interface {
	Get(ctx context.Context, key string, maxBytes int64) ([]byte, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

type Scanner interface {
	Scan(ctx context.Context, data []byte) (services.ScanVerdict, error)
}

type Previewer interface {
	Preview(ctx context.Context, data []byte, mimeType, filename string) *services.Artifact
}

type Options struct {
	MaxFileSize    int64
	FetchTimeout   time.Duration
	ScanTimeout    time.Duration
	PreviewTimeout time.Duration
	// AllowUnscanned lets files through as clean+skipped when the scanner is down.
	AllowUnscanned bool
}

// Processor runs the validation steps for one file at a time.
type Processor struct {
	store   storage.Store
	blobs   Blobs
	scanner Scanner
	preview Previewer
	events  notify.Publisher
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

func NewProcessor(store storage.Store, blobs Blobs, scanner Scanner, preview Previewer, events notify.Publisher, opts Options, log *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		blobs:   blobs,
		scanner: scanner,
		preview: preview,
		events:  events,
		opts:    opts,
		log:     log.Named("pipeline"),
		now:     time.Now,
	}
}

// Process drives one claimed upload to ready or blocked. It only returns an
// error when the file could not be loaded or finalised at all; every other
// failure ends as a blocked file.
func (p *Processor) Process(ctx context.Context, fileID string) (err error) {
	file, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("load file %s: %w", fileID, err)
	}
	log := p.log.With(zap.String("file_id", file.ID), zap.String("session_id", file.SessionID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panicked", zap.Any("reason", r))
			err = p.fail(file, fmt.Errorf("internal error: %v", r))
		}
	}()

	data, err := p.fetch(ctx, file)
	if err != nil {
		return p.fail(file, fmt.Errorf("fetch: %w", err))
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	detected := sniff(data)
	if err := p.store.RecordDigest(ctx, file.ID, digest, detected); err != nil {
		return p.fail(file, fmt.Errorf("record digest: %w", err))
	}
	log.Debug("fetched", zap.Int("bytes", len(data)), zap.String("mime", detected))

	if _, err := p.store.MarkScanning(ctx, file.ID); err != nil {
		return p.fail(file, fmt.Errorf("mark scanning: %w", err))
	}

	result, err := p.scan(ctx, data)
	if err != nil {
		log.Warn("scan failed", zap.Error(err))
		return p.block(ctx, file, models.ScanResult{Error: "scan failed: " + err.Error()})
	}
	if !result.Clean {
		log.Info("file infected", zap.String("detail", result.Detail))
		return p.block(ctx, file, result)
	}

	preview := p.renderPreview(ctx, file, data, detected)

	ok, err := p.store.MarkReady(ctx, file.ID, result, preview, p.now())
	if err != nil {
		return p.fail(file, fmt.Errorf("mark ready: %w", err))
	}
	if !ok {
		log.Warn("file left scanning state before it could be marked ready")
		return nil
	}
	p.publish(file, models.Event{Type: models.EventFileReady, FileID: file.ID})
	log.Info("file ready", zap.Bool("preview", preview != nil), zap.Bool("scan_skipped", result.Skipped))

	ready, err := p.store.MarkSessionReady(ctx, file.SessionID, p.now())
	if err != nil {
		log.Error("readiness check failed", zap.Error(err))
		return nil
	}
	if ready {
		p.publish(file, models.Event{Type: models.EventSessionReady})
		log.Info("session ready")
	}
	return nil
}

func (p *Processor) fetch(ctx context.Context, file *models.FileRecord) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, p.opts.FetchTimeout)
	defer cancel()
	return p.blobs.Get(ctx, file.StorageKey, p.opts.MaxFileSize)
}

func (p *Processor) scan(ctx context.Context, data []byte) (models.ScanResult, error) {
	ctx, cancel := withTimeout(ctx, p.opts.ScanTimeout)
	defer cancel()

	verdict, err := p.scanner.Scan(ctx, data)
	if errors.Is(err, errs.ErrScannerUnavailable) && p.opts.AllowUnscanned {
		p.log.Warn("scanner unavailable, accepting unscanned file", zap.Error(err))
		return models.ScanResult{Clean: true, Skipped: true}, nil
	}
	if err != nil {
		return models.ScanResult{}, err
	}
	return models.ScanResult{Clean: verdict.Clean, Detail: verdict.Detail}, nil
}

// renderPreview never fails the file: a missing preview is a valid outcome.
func (p *Processor) renderPreview(ctx context.Context, file *models.FileRecord, data []byte, mimeType string) *storage.Preview {
	ctx, cancel := withTimeout(ctx, p.opts.PreviewTimeout)
	defer cancel()

	art := p.preview.Preview(ctx, data, mimeType, file.Filename)
	if art == nil {
		return nil
	}
	key := fmt.Sprintf("previews/%s/%s_preview.%s", file.SessionID, file.ID, art.Extension)
	if err := p.blobs.Put(ctx, key, bytes.NewReader(art.Data), int64(len(art.Data)), art.MimeType); err != nil {
		p.log.Warn("storing preview failed", zap.String("file_id", file.ID), zap.Error(err))
		return nil
	}
	return &storage.Preview{Key: key, Metadata: art.Metadata}
}

func (p *Processor) block(ctx context.Context, file *models.FileRecord, result models.ScanResult) error {
	ok, err := p.store.MarkBlocked(ctx, file.ID, result, p.now())
	if err != nil {
		return p.fail(file, fmt.Errorf("mark blocked: %w", err))
	}
	if ok {
		p.publish(file, models.Event{Type: models.EventFileBlocked, FileID: file.ID, Reason: result.Reason()})
	}
	return nil
}

// Abandon blocks a claimed file that will not be processed. Files that
// already reached a terminal status are left alone.
func (p *Processor) Abandon(fileID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	file, err := p.store.GetFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("load file %s: %w", fileID, err)
	}
	return p.fail(file, fmt.Errorf("not processed: %w", cause))
}

// fail is the last resort: the file is blocked with the error captured, on a
// fresh context since the job context may be the thing that ran out.
func (p *Processor) fail(file *models.FileRecord, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p.log.Warn("blocking file after failure", zap.String("file_id", file.ID), zap.Error(cause))
	ok, err := p.store.MarkBlocked(ctx, file.ID, models.ScanResult{Error: cause.Error()}, p.now())
	if err != nil {
		return fmt.Errorf("block file %s after %v: %w", file.ID, cause, err)
	}
	if ok {
		p.publish(file, models.Event{Type: models.EventError, FileID: file.ID, Message: cause.Error()})
	}
	return nil
}

func (p *Processor) publish(file *models.FileRecord, ev models.Event) {
	ev.SessionID = file.SessionID
	ev.At = p.now()
	p.events.Publish(file.SessionID, ev)
}

// sniff detects the type from magic bytes, dropping parameters such as charset.
func sniff(data []byte) string {
	mt := mimetype.Detect(data).String()
	if base, _, ok := strings.Cut(mt, ";"); ok {
		return strings.TrimSpace(base)
	}
	return mt
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
