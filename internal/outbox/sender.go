// Package outbox drains the durable send queue: each entry is uploaded (if
// it carries an attachment), committed to the remote document store, and
// acknowledged on the delivery tracker. Entries survive restarts in sqlite,
// so a message queued offline is sent when connectivity returns.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/config"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"github.com/tarekmestiri/souqtalk/internal/media"
	"github.com/tarekmestiri/souqtalk/internal/remote"
	"github.com/tarekmestiri/souqtalk/internal/store"
	"go.uber.org/zap"
)

// pollInterval is how often the sender checks for queued entries.
const pollInterval = 500 * time.Millisecond

// Committer appends committed messages to the remote store.
type Committer interface {
	AppendMessage(ctx context.Context, chatID string, msg *remote.MessageDoc) error
}

// Uploader pushes attachments through the media pipeline.
type Uploader interface {
	Upload(ctx context.Context, req media.Request) (*media.FileMetadata, error)
}

// Sender polls the outbox and commits queued messages to the remote store.
type Sender struct {
	db      *store.DB
	docs    Committer
	uploads Uploader
	tracker *delivery.Tracker
	bus     *bus.Bus
	selfID  string
	logger  *zap.Logger

	commitAttempts int
	networkTimeout time.Duration
	cancel         context.CancelFunc
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, docs Committer, uploads Uploader, tracker *delivery.Tracker, b *bus.Bus, selfID string, cfg config.EngineConfig, logger *zap.Logger) *Sender {
	return &Sender{
		db:             db,
		docs:           docs,
		uploads:        uploads,
		tracker:        tracker,
		bus:            b,
		selfID:         selfID,
		logger:         logger,
		commitAttempts: cfg.CommitAttempts,
		networkTimeout: cfg.NetworkTimeout(),
	}
}

// Start begins polling for queued entries.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the polling loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Retry resets a failed entry and its delivery state for another send. This
// is the manual affordance behind a failed message in the UI.
func (s *Sender) Retry(clientMsgID string) error {
	entry, err := s.db.GetOutbox(clientMsgID)
	if err != nil {
		return err
	}
	if entry == nil {
		return faults.New(faults.Validation, "outbox.retry",
			fmt.Errorf("unknown outbox entry")).WithMessage(clientMsgID)
	}
	if entry.Status != "failed" {
		return faults.New(faults.StateConflict, "outbox.retry",
			fmt.Errorf("entry is %q, only failed entries can be retried", entry.Status)).
			WithMessage(clientMsgID)
	}
	if err := s.tracker.Retry(clientMsgID); err != nil && !faults.IsValidation(err) {
		return err
	}
	return s.db.RequeueOutbox(clientMsgID)
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending drains the queued entries once. Exported so the engine can
// force an immediate drain after Send instead of waiting out a poll tick.
func (s *Sender) ProcessPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("read outbox", zap.Error(err))
		return
	}
	for i := range pending {
		if ctx.Err() != nil {
			return
		}
		s.processEntry(ctx, &pending[i])
	}
}

func (s *Sender) processEntry(ctx context.Context, entry *store.OutboxRow) {
	if entry.Attempts >= s.commitAttempts {
		s.giveUp(entry, fmt.Errorf("attempt budget exhausted after %d tries", entry.Attempts))
		return
	}
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("mark sending", zap.String("msg_id", entry.ClientMsgID), zap.Error(err))
		return
	}

	// A crash-recovered entry may not be tracked yet.
	s.tracker.Track(entry.ClientMsgID, entry.ChatID)

	doc := &remote.MessageDoc{
		ID:        entry.ClientMsgID,
		ChatID:    entry.ChatID,
		SenderID:  s.selfID,
		Text:      entry.Body,
		Type:      entry.ContentType,
		Status:    string(delivery.StatusSent),
		CreatedAt: time.Now().UTC(),
	}

	if entry.AttachmentURI != "" {
		meta, err := s.uploads.Upload(ctx, media.Request{
			MessageID:   entry.ClientMsgID,
			ChatID:      entry.ChatID,
			URI:         entry.AttachmentURI,
			FileName:    entry.AttachmentName,
			ContentType: attachmentMime(entry.ContentType),
			UploadedBy:  s.selfID,
		})
		if err != nil {
			// The pipeline already spent its own retry budget and moved
			// the message to failed.
			s.giveUp(entry, err)
			return
		}
		doc.FileMetadata = &remote.FileDoc{
			OriginalName:  meta.OriginalName,
			StoragePath:   meta.StoragePath,
			URL:           meta.URL,
			Size:          meta.Size,
			ContentType:   meta.ContentType,
			IntegrityHash: meta.IntegrityHash,
			DurationMs:    meta.DurationMs,
		}
		doc.Attachments = []string{meta.URL}
	}

	commitCtx, cancel := context.WithTimeout(ctx, s.networkTimeout)
	err := s.docs.AppendMessage(commitCtx, entry.ChatID, doc)
	cancel()
	if err != nil {
		if faults.IsTransient(err) {
			s.logger.Warn("transient commit failure, requeued",
				zap.String("msg_id", entry.ClientMsgID),
				zap.Int("attempts", entry.Attempts+1),
				zap.Error(err))
			_ = s.db.MarkOutboxQueued(entry.ClientMsgID, err.Error())
			return
		}
		s.giveUp(entry, err)
		return
	}

	if err := s.db.MarkOutboxCommitted(entry.ClientMsgID); err != nil {
		s.logger.Error("mark committed", zap.String("msg_id", entry.ClientMsgID), zap.Error(err))
	}
	if err := s.tracker.Apply(entry.ClientMsgID, delivery.StatusSent); err != nil && !faults.IsStateConflict(err) {
		s.logger.Debug("sent transition not applied",
			zap.String("msg_id", entry.ClientMsgID), zap.Error(err))
	}
	s.logger.Info("message committed",
		zap.String("msg_id", entry.ClientMsgID),
		zap.String("chat_id", entry.ChatID))
	s.bus.Emit(bus.KindOutboxCommitted, map[string]string{
		"chat_id": entry.ChatID,
		"msg_id":  entry.ClientMsgID,
	})
}

// giveUp marks the entry failed and moves its message to the terminal
// failed state awaiting a manual retry.
func (s *Sender) giveUp(entry *store.OutboxRow, cause error) {
	s.logger.Error("send abandoned",
		zap.String("msg_id", entry.ClientMsgID),
		zap.String("chat_id", entry.ChatID),
		zap.Error(cause))
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, cause.Error()); err != nil {
		s.logger.Error("mark failed", zap.String("msg_id", entry.ClientMsgID), zap.Error(err))
	}
	_ = s.tracker.Fail(entry.ClientMsgID)
	s.bus.Emit(bus.KindOutboxFailed, map[string]string{
		"chat_id": entry.ChatID,
		"msg_id":  entry.ClientMsgID,
		"error":   cause.Error(),
	})
}

// attachmentMime maps a content variant to the blob content type used when
// the capture layer did not record one.
func attachmentMime(contentType string) string {
	switch contentType {
	case "voice":
		return "audio/ogg"
	case "image":
		return "image/jpeg"
	case "video":
		return "video/mp4"
	}
	return "application/octet-stream"
}
