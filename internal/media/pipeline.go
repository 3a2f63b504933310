// Package media implements the upload pipeline for message attachments:
// read the local resource, optionally re-encode images, hash the payload,
// push it to the blob store with bounded retries, and commit immutable
// file metadata once the remote copy is acknowledged.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sethvargo/go-retry"
	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/config"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"github.com/tarekmestiri/souqtalk/internal/remote"
	"github.com/tarekmestiri/souqtalk/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// jpegQuality bounds the size of re-encoded image attachments.
const jpegQuality = 80

// maxImageEdge caps the longer edge of re-encoded images.
const maxImageEdge = 1920

// Request describes one attachment to upload.
type Request struct {
	MessageID   string
	ChatID      string
	URI         string
	FileName    string
	ContentType string
	UploadedBy  string
	DurationMs  int64
}

// FileMetadata is the committed record of an uploaded attachment. Once
// persisted it is immutable.
type FileMetadata struct {
	OriginalName  string
	StoragePath   string
	URL           string
	Size          int64
	ContentType   string
	IntegrityHash string
	RetryCount    int
	DurationMs    int64
	UploadedAt    time.Time
}

// Pipeline uploads attachments. At most one upload is in flight per
// message id; concurrent requests for the same message join the first.
type Pipeline struct {
	fs      remote.FileSystem
	blobs   remote.BlobStore
	db      *store.DB
	bus     *bus.Bus
	tracker *delivery.Tracker
	logger  *zap.Logger

	attempts int
	backoff  time.Duration

	group singleflight.Group

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewPipeline creates an upload pipeline.
func NewPipeline(fs remote.FileSystem, blobs remote.BlobStore, db *store.DB, b *bus.Bus, tracker *delivery.Tracker, cfg config.EngineConfig, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		fs:       fs,
		blobs:    blobs,
		db:       db,
		bus:      b,
		tracker:  tracker,
		logger:   logger,
		attempts: cfg.UploadAttempts,
		backoff:  cfg.UploadBackoff(),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Upload pushes the attachment described by req to the blob store and
// commits its metadata. Transient failures are retried with exponential
// backoff up to the attempt cap; a resubmission while an upload for the
// same message is in flight joins it instead of starting a second one.
func (p *Pipeline) Upload(ctx context.Context, req Request) (*FileMetadata, error) {
	if req.MessageID == "" || req.URI == "" {
		return nil, faults.New(faults.Validation, "media.upload",
			fmt.Errorf("message id and uri are required")).WithChat(req.ChatID)
	}

	v, err, _ := p.group.Do(req.MessageID, func() (any, error) {
		return p.upload(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*FileMetadata), nil
}

// Cancel aborts an in-flight upload for messageID. The local temp resource
// is removed; any partially written remote object is left for server-side
// garbage collection.
func (p *Pipeline) Cancel(messageID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[messageID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pipeline) upload(parent context.Context, req Request) (*FileMetadata, error) {
	// Already committed metadata is immutable; a retried send reuses it.
	if existing, err := p.db.GetFileByMessage(req.MessageID); err == nil && existing != nil {
		return rowToMetadata(existing), nil
	}

	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.cancels[req.MessageID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, req.MessageID)
		p.mu.Unlock()
	}()

	if !p.fs.Exists(req.URI) {
		err := faults.New(faults.Permanent, "media.upload",
			fmt.Errorf("resource not found: %s", req.URI)).
			WithChat(req.ChatID).WithMessage(req.MessageID)
		p.fail(req, 0, err)
		return nil, err
	}

	content, err := p.readContent(req)
	if err != nil {
		p.fail(req, 0, err)
		return nil, err
	}
	content = p.maybeCompress(req, content)

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	storagePath := fmt.Sprintf("%s/%s/%s", req.ChatID, req.MessageID, req.FileName)

	var url string
	retries := 0
	backoff := retry.WithMaxRetries(uint64(p.attempts-1), retry.NewExponential(p.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var upErr error
		url, upErr = p.blobs.Upload(ctx, storagePath, content, req.ContentType)
		if upErr == nil {
			return nil
		}
		if faults.IsTransient(upErr) && ctx.Err() == nil {
			retries++
			if p.logger != nil {
				p.logger.Warn("upload attempt failed",
					zap.String("msg_id", req.MessageID),
					zap.Int("attempt", retries),
					zap.Error(upErr))
			}
			return retry.RetryableError(upErr)
		}
		return upErr
	})
	if err != nil {
		if ctx.Err() != nil {
			// User abort: drop the local temp, leave remote partials to GC.
			_ = p.fs.Delete(req.URI)
			err = faults.New(faults.Transient, "media.upload", ctx.Err()).
				WithChat(req.ChatID).WithMessage(req.MessageID)
			p.emitFailed(req, retries, err)
			return nil, err
		}
		p.fail(req, retries, err)
		return nil, err
	}

	meta := &FileMetadata{
		OriginalName:  req.FileName,
		StoragePath:   storagePath,
		URL:           url,
		Size:          int64(len(content)),
		ContentType:   req.ContentType,
		IntegrityHash: hash,
		RetryCount:    retries,
		DurationMs:    req.DurationMs,
		UploadedAt:    time.Now().UTC(),
	}
	if err := p.db.InsertFile(&store.FileRow{
		ChatID:        req.ChatID,
		MessageID:     req.MessageID,
		UploadedBy:    req.UploadedBy,
		OriginalName:  meta.OriginalName,
		StoragePath:   meta.StoragePath,
		URL:           meta.URL,
		Size:          meta.Size,
		ContentType:   meta.ContentType,
		IntegrityHash: meta.IntegrityHash,
		RetryCount:    meta.RetryCount,
		DurationMs:    meta.DurationMs,
		UploadedAt:    meta.UploadedAt.Unix(),
	}); err != nil {
		return nil, fmt.Errorf("commit file metadata: %w", err)
	}

	// The remote copy is acknowledged, the local temp is no longer needed.
	_ = p.fs.Delete(req.URI)

	if p.logger != nil {
		p.logger.Info("upload committed",
			zap.String("msg_id", req.MessageID),
			zap.String("path", storagePath),
			zap.Int64("size", meta.Size),
			zap.Int("retries", retries))
	}
	if p.bus != nil {
		p.bus.Emit(bus.KindUploadCompleted, Completed{
			MessageID: req.MessageID,
			ChatID:    req.ChatID,
			Metadata:  meta,
		})
	}
	return meta, nil
}

// readContent fetches the resource bytes: direct read first, then the
// chunked base64 spool as fallback. Both failing is fatal.
func (p *Pipeline) readContent(req Request) ([]byte, error) {
	data, primaryErr := p.fs.ReadBytes(req.URI)
	if primaryErr == nil {
		return data, nil
	}

	rc, fallbackErr := p.fs.OpenChunkedEncoded(req.URI)
	if fallbackErr != nil {
		return nil, faults.New(faults.Permanent, "media.read",
			fmt.Errorf("direct read: %v; chunked fallback: %w", primaryErr, fallbackErr)).
			WithChat(req.ChatID).WithMessage(req.MessageID)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, faults.New(faults.Permanent, "media.read",
			fmt.Errorf("decode chunked spool: %w", err)).
			WithChat(req.ChatID).WithMessage(req.MessageID)
	}
	if p.logger != nil {
		p.logger.Debug("read via chunked fallback",
			zap.String("msg_id", req.MessageID),
			zap.Int("bytes", len(data)))
	}
	return data, nil
}

// maybeCompress re-encodes image payloads as bounded-quality JPEG. Any
// failure falls through to the original bytes.
func (p *Pipeline) maybeCompress(req Request, content []byte) []byte {
	if !strings.HasPrefix(req.ContentType, "image/") {
		return content
	}
	img, err := imaging.Decode(bytes.NewReader(content), imaging.AutoOrientation(true))
	if err != nil {
		return content
	}
	if b := img.Bounds(); b.Dx() > maxImageEdge || b.Dy() > maxImageEdge {
		img = imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return content
	}
	if buf.Len() >= len(content) {
		return content
	}
	return buf.Bytes()
}

// fail records exhaustion or a fatal error: the temp stays for a later
// manual retry, the message moves to failed.
func (p *Pipeline) fail(req Request, retries int, err error) {
	p.emitFailed(req, retries, err)
	if p.tracker != nil {
		_ = p.tracker.Fail(req.MessageID)
	}
}

func (p *Pipeline) emitFailed(req Request, retries int, err error) {
	if p.logger != nil {
		p.logger.Error("upload failed",
			zap.String("msg_id", req.MessageID),
			zap.String("chat_id", req.ChatID),
			zap.Int("retries", retries),
			zap.Error(err))
	}
	if p.bus != nil {
		p.bus.Emit(bus.KindUploadFailed, Failed{
			MessageID: req.MessageID,
			ChatID:    req.ChatID,
			Retries:   retries,
			Err:       err,
		})
	}
}

// Completed is the bus payload for a committed upload.
type Completed struct {
	MessageID string
	ChatID    string
	Metadata  *FileMetadata
}

// Failed is the bus payload for an abandoned upload.
type Failed struct {
	MessageID string
	ChatID    string
	Retries   int
	Err       error
}

func rowToMetadata(f *store.FileRow) *FileMetadata {
	return &FileMetadata{
		OriginalName:  f.OriginalName,
		StoragePath:   f.StoragePath,
		URL:           f.URL,
		Size:          f.Size,
		ContentType:   f.ContentType,
		IntegrityHash: f.IntegrityHash,
		RetryCount:    f.RetryCount,
		DurationMs:    f.DurationMs,
		UploadedAt:    time.Unix(f.UploadedAt, 0).UTC(),
	}
}

// Fetch downloads a committed attachment and verifies it against the hash
// recorded at upload time before returning the bytes. A tampered or
// corrupted remote copy surfaces as an integrity fault, never as content.
func (p *Pipeline) Fetch(ctx context.Context, messageID string) ([]byte, error) {
	row, err := p.db.GetFileByMessage(messageID)
	if err != nil {
		return nil, fmt.Errorf("load file metadata: %w", err)
	}
	if row == nil {
		return nil, faults.New(faults.Validation, "media.fetch",
			fmt.Errorf("no committed attachment")).WithMessage(messageID)
	}
	content, err := p.blobs.Download(ctx, row.StoragePath)
	if err != nil {
		return nil, err
	}
	if err := VerifyIntegrity(content, row.IntegrityHash); err != nil {
		if p.logger != nil {
			p.logger.Error("attachment failed integrity check",
				zap.String("msg_id", messageID),
				zap.String("path", row.StoragePath))
		}
		if fe, ok := err.(*faults.Error); ok {
			return nil, fe.WithChat(row.ChatID).WithMessage(messageID)
		}
		return nil, err
	}
	return content, nil
}

// VerifyIntegrity checks a payload against its committed hash. Fetch calls
// this before handing bytes to the renderer.
func VerifyIntegrity(content []byte, expectedHash string) error {
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != expectedHash {
		return faults.New(faults.Integrity, "media.verify",
			fmt.Errorf("payload hash mismatch"))
	}
	return nil
}
