// Package ingest consumes the remote change stream and folds it into the
// local projection: message appends, delivery acknowledgements and chat
// document updates all enter the engine here. Ingestion is idempotent, so
// replays after a reconnect are harmless.
package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/tarekmestiri/souqtalk/internal/analyzer"
	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/chatstate"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"github.com/tarekmestiri/souqtalk/internal/remote"
	"github.com/tarekmestiri/souqtalk/internal/store"
	"go.uber.org/zap"
)

// summaryMaxLen bounds the analyzer summary kept per message.
const summaryMaxLen = 120

// checkpointKey names the persisted change-stream cursor. The subscription
// resumes after this sequence, so changes published while the engine was
// down are replayed instead of lost.
const checkpointKey = "ingest.changes_cursor"

// Engine subscribes to the document store's change stream and applies each
// change to the chat projection and the delivery tracker.
type Engine struct {
	docs    remote.DocStore
	chats   *chatstate.Store
	tracker *delivery.Tracker
	db      *store.DB
	bus     *bus.Bus
	selfID  string
	logger  *zap.Logger

	cursor    int64
	cancelSub remote.CancelFunc
	cancel    context.CancelFunc
}

// NewEngine creates an ingestion engine.
func NewEngine(docs remote.DocStore, chats *chatstate.Store, tracker *delivery.Tracker, db *store.DB, b *bus.Bus, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		docs:    docs,
		chats:   chats,
		tracker: tracker,
		db:      db,
		bus:     b,
		selfID:  selfID,
		logger:  logger,
	}
}

// Start restores the change-stream checkpoint and opens the subscription
// after it, then begins ingesting.
func (e *Engine) Start(ctx context.Context) error {
	e.cursor = e.loadCheckpoint()
	ctx, e.cancel = context.WithCancel(ctx)
	changes, cancelSub, err := e.docs.SubscribeChanges(ctx, e.cursor)
	if err != nil {
		return err
	}
	e.cancelSub = cancelSub

	go func() {
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				if change.Seq != 0 && change.Seq <= e.cursor {
					continue
				}
				e.handleChange(change)
				if change.Seq > e.cursor {
					e.cursor = change.Seq
					e.saveCheckpoint(change.Seq)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop tears down the subscription.
func (e *Engine) Stop() {
	if e.cancelSub != nil {
		e.cancelSub()
	}
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleChange(change remote.Change) {
	switch {
	case change.Message != nil:
		e.bus.Emit(bus.KindRemoteMessage, change.Message)
		e.HandleMessage(change.Message)
	case change.Status != nil:
		e.bus.Emit(bus.KindRemoteStatus, change.Status)
		e.HandleStatus(change.Status)
	case change.Chat != nil:
		e.bus.Emit(bus.KindRemoteChat, change.Chat)
		e.HandleChat(change.Chat)
	}
}

// HandleMessage folds a remote message append into the projection. The echo
// of a locally sent message dedupes against the optimistic entry. Analyzer
// tags are computed once, off the ingestion path, and merged when ready.
func (e *Engine) HandleMessage(doc *remote.MessageDoc) {
	msg, err := e.docToMessage(doc)
	if err != nil {
		e.logger.Warn("undecodable remote message",
			zap.String("chat_id", doc.ChatID),
			zap.String("msg_id", doc.ID),
			zap.Error(err))
		return
	}
	if err := e.chats.ApplyIncomingMessage(doc.ChatID, msg); err != nil {
		e.logger.Error("apply incoming message",
			zap.String("chat_id", doc.ChatID),
			zap.String("msg_id", doc.ID),
			zap.Error(err))
		return
	}
	if text := msg.Content.Text(); text != "" {
		go e.analyze(doc.ChatID, doc.ID, text)
	}
}

// HandleStatus applies a delivery acknowledgement. Out-of-order events are
// state conflicts and are dropped without noise; that is the monotonic-rank
// rule doing its job.
func (e *Engine) HandleStatus(st *remote.StatusDoc) {
	status := delivery.Status(st.Status)
	if !delivery.Valid(status) {
		e.logger.Warn("unknown remote delivery status",
			zap.String("msg_id", st.MessageID),
			zap.String("status", st.Status))
		return
	}
	if err := e.tracker.Apply(st.MessageID, status); err != nil {
		if faults.IsStateConflict(err) {
			e.logger.Debug("dropped out-of-order delivery event",
				zap.String("msg_id", st.MessageID),
				zap.String("status", st.Status))
			return
		}
		e.logger.Debug("unapplied delivery event",
			zap.String("msg_id", st.MessageID),
			zap.Error(err))
	}
}

// HandleChat merges a remote chat document into the projection.
func (e *Engine) HandleChat(doc *remote.ChatDoc) {
	chat := &chatstate.Chat{
		ID:        doc.ID,
		Name:      doc.Name,
		Kind:      chatstate.ChatKind(doc.Kind),
		UpdatedAt: doc.UpdatedAt,
	}
	if chat.Kind == "" {
		chat.Kind = chatstate.KindDirect
	}
	if err := e.chats.UpsertChat(chat); err != nil {
		e.logger.Error("upsert remote chat", zap.String("chat_id", doc.ID), zap.Error(err))
	}
}

func (e *Engine) loadCheckpoint() int64 {
	if e.db == nil {
		return 0
	}
	raw, err := e.db.GetSyncState(checkpointKey)
	if err != nil {
		e.logger.Warn("change cursor unreadable, starting cold", zap.Error(err))
		return 0
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.logger.Warn("change cursor malformed, starting cold",
			zap.String("value", raw), zap.Error(err))
		return 0
	}
	return seq
}

func (e *Engine) saveCheckpoint(seq int64) {
	if e.db == nil {
		return
	}
	if err := e.db.SetSyncState(checkpointKey, strconv.FormatInt(seq, 10)); err != nil {
		e.logger.Error("persist change cursor", zap.Int64("seq", seq), zap.Error(err))
	}
}

// analyze computes the content tags for one message and merges them.
func (e *Engine) analyze(chatID, msgID, text string) {
	summary := analyzer.Summarize(text, summaryMaxLen)
	e.chats.MergeAnalysis(chatID, msgID, &chatstate.Analysis{
		Sentiment: analyzer.AnalyzeSentiment(text),
		Urgent:    analyzer.IsUrgent(text),
		Language:  analyzer.DetectLanguage(text),
		Keywords:  summary.Keywords,
	})
}

func (e *Engine) docToMessage(doc *remote.MessageDoc) (*chatstate.Message, error) {
	content, err := docContent(doc)
	if err != nil {
		return nil, err
	}
	status := delivery.Status(doc.Status)
	if !delivery.Valid(status) {
		status = delivery.StatusSent
	}
	msg := &chatstate.Message{
		ID:        doc.ID,
		ChatID:    doc.ChatID,
		SenderID:  doc.SenderID,
		Timestamp: doc.CreatedAt,
		Content:   content,
		ReplyTo:   doc.ReplyTo,
		Status:    status,
		ReadBy:    append([]string(nil), doc.ReadBy...),
	}
	if doc.Text != "" {
		msg.Links = analyzer.ExtractLinks(doc.Text)
		msg.Mentions = analyzer.ExtractMentions(doc.Text)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg, nil
}

// docContent rebuilds the content union from the wire shape. Types this
// client does not understand degrade to text so old clients keep rendering.
func docContent(doc *remote.MessageDoc) (chatstate.Content, error) {
	fm := doc.FileMetadata
	switch chatstate.ContentType(doc.Type) {
	case chatstate.ContentVoice:
		if fm != nil {
			return chatstate.NewVoice(fm.URL, time.Duration(fm.DurationMs)*time.Millisecond)
		}
	case chatstate.ContentImage:
		if fm != nil {
			return chatstate.NewImage(fm.URL, fm.ThumbnailURL, doc.Text, 0, 0)
		}
	case chatstate.ContentVideo:
		if fm != nil {
			return chatstate.NewVideo(fm.URL, fm.ThumbnailURL, doc.Text, time.Duration(fm.DurationMs)*time.Millisecond)
		}
	case chatstate.ContentFile:
		if fm != nil {
			return chatstate.NewFile(fm.OriginalName, fm.Size, fm.URL)
		}
	}
	return chatstate.NewText(doc.Text)
}
