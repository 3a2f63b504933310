// Package engine exposes the UI-facing surface of the messaging engine:
// sending, retries, presence subscriptions, projection snapshots and
// conversation export. The UI collaborator only ever talks to this facade;
// the components behind it communicate over the bus.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/chatstate"
	"github.com/tarekmestiri/souqtalk/internal/config"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/export"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"github.com/tarekmestiri/souqtalk/internal/outbox"
	"github.com/tarekmestiri/souqtalk/internal/presence"
	"github.com/tarekmestiri/souqtalk/internal/remote"
	"github.com/tarekmestiri/souqtalk/internal/store"
	"go.uber.org/zap"
)

// Attachments is the slice of the media pipeline the facade drives
// directly: verified downloads and upload cancellation.
type Attachments interface {
	Fetch(ctx context.Context, messageID string) ([]byte, error)
	Cancel(messageID string)
}

// Engine is the facade handed to the UI collaborator.
type Engine struct {
	chats       *chatstate.Store
	tracker     *delivery.Tracker
	sender      *outbox.Sender
	docs        remote.DocStore
	attachments Attachments
	monitor     *presence.Monitor
	exporter    *export.Exporter
	db          *store.DB
	bus         *bus.Bus
	cfg         config.EngineConfig
	selfID      string
	logger      *zap.Logger

	pmu   sync.Mutex
	peers map[string]remote.CancelFunc
}

// NewEngine wires the facade over its collaborators.
func NewEngine(chats *chatstate.Store, tracker *delivery.Tracker, sender *outbox.Sender, docs remote.DocStore, attachments Attachments, monitor *presence.Monitor, exporter *export.Exporter, db *store.DB, b *bus.Bus, cfg config.EngineConfig, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		chats:       chats,
		tracker:     tracker,
		sender:      sender,
		docs:        docs,
		attachments: attachments,
		monitor:     monitor,
		exporter:    exporter,
		db:          db,
		bus:         b,
		cfg:         cfg,
		selfID:      selfID,
		logger:      logger,
		peers:       make(map[string]remote.CancelFunc),
	}
}

// Subscribe streams sorted projection snapshots. A snapshot is emitted on
// every chat update; a slow consumer skips intermediate snapshots rather
// than stalling the engine.
func (e *Engine) Subscribe() (<-chan []chatstate.Chat, remote.CancelFunc) {
	events, cancelBus := e.bus.Subscribe(bus.KindChatUpdated, e.cfg.SnapshotBuffer)
	out := make(chan []chatstate.Chat, 1)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				snap := e.chats.Snapshot()
				// Coalesce: replace a pending snapshot instead of queueing.
				select {
				case out <- snap:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- snap:
					default:
					}
				}
			}
		}
	}()

	cancel := remote.MakeCancel(func() {
		cancelBus()
		close(done)
	})
	return out, cancel
}

// Send queues a message for delivery and returns its id immediately. The
// optimistic entry shows up in the projection before any network I/O.
func (e *Engine) Send(chatID string, content chatstate.Content) (string, error) {
	if chatID == "" {
		return "", faults.New(faults.Validation, "engine.send",
			fmt.Errorf("chat id is required"))
	}
	if content.Type() == "" {
		return "", faults.New(faults.Validation, "engine.send",
			fmt.Errorf("content must come from a constructor")).WithChat(chatID)
	}

	msgID := uuid.NewString()
	row := &store.OutboxRow{
		ClientMsgID: msgID,
		ChatID:      chatID,
		Body:        content.Text(),
		ContentType: string(content.Type()),
	}
	if content.IsMedia() || content.Type() == chatstate.ContentFile {
		row.AttachmentURI = content.URL()
		row.AttachmentName = content.FileName()
		if row.AttachmentName == "" {
			row.AttachmentName = msgID
		}
	}
	if err := e.db.QueueOutbox(row); err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}

	e.tracker.Track(msgID, chatID)
	if err := e.chats.ApplyIncomingMessage(chatID, &chatstate.Message{
		ID:        msgID,
		SenderID:  e.selfID,
		Timestamp: time.Now().UTC(),
		Content:   content,
		Status:    delivery.StatusSending,
	}); err != nil {
		return "", err
	}

	go e.sender.ProcessPending(context.Background())
	return msgID, nil
}

// RetryDelivery requeues a failed message for another send attempt.
func (e *Engine) RetryDelivery(messageID string) error {
	if err := e.sender.Retry(messageID); err != nil {
		return err
	}
	go e.sender.ProcessPending(context.Background())
	return nil
}

// RetryUpload re-runs a failed attachment send. The entry carries its
// attachment, so requeueing drives the upload pipeline again.
func (e *Engine) RetryUpload(messageID string) error {
	return e.RetryDelivery(messageID)
}

// SetPeerSubscription opens or closes the presence stream for a peer.
// Enabling an already subscribed peer is a no-op, as is disabling an
// unsubscribed one.
func (e *Engine) SetPeerSubscription(ctx context.Context, peerID string, enabled bool) error {
	if peerID == "" {
		return faults.New(faults.Validation, "engine.peer_subscription",
			fmt.Errorf("peer id is required"))
	}

	e.pmu.Lock()
	defer e.pmu.Unlock()

	cancel, active := e.peers[peerID]
	if enabled == active {
		return nil
	}
	if !enabled {
		cancel()
		delete(e.peers, peerID)
		return nil
	}

	updates, cancelSub, err := e.monitor.Subscribe(ctx, peerID)
	if err != nil {
		return err
	}
	// Presence reaches the projection through the bus; this drain just
	// keeps the channel from sitting full.
	go func() {
		for range updates {
		}
	}()
	e.peers[peerID] = cancelSub
	return nil
}

// DownloadAttachment fetches a committed attachment's bytes, verified
// against the integrity hash recorded when the upload was committed.
func (e *Engine) DownloadAttachment(ctx context.Context, messageID string) ([]byte, error) {
	return e.attachments.Fetch(ctx, messageID)
}

// CancelUpload aborts an in-flight attachment upload for messageID.
func (e *Engine) CancelUpload(messageID string) {
	e.attachments.Cancel(messageID)
}

// Export renders a conversation's history.
func (e *Engine) Export(chatID string, opts export.Options) (string, error) {
	return e.exporter.Export(chatID, opts)
}

// MarkChatRead marks every message in the chat as read locally and
// propagates the read receipt to the remote store best-effort.
func (e *Engine) MarkChatRead(chatID string) {
	e.chats.MarkChatRead(chatID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NetworkTimeout())
		defer cancel()
		err := e.docs.UpdateChatFields(ctx, chatID, map[string]any{"last_read_by": e.selfID})
		if err != nil {
			e.logger.Debug("read receipt not propagated",
				zap.String("chat_id", chatID), zap.Error(err))
		}
	}()
}

// TogglePinned flips the chat's pinned flag.
func (e *Engine) TogglePinned(chatID string) { e.chats.TogglePinned(chatID) }

// ToggleMuted flips the chat's muted flag.
func (e *Engine) ToggleMuted(chatID string) { e.chats.ToggleMuted(chatID) }

// ToggleArchived flips the chat's archived flag.
func (e *Engine) ToggleArchived(chatID string) { e.chats.ToggleArchived(chatID) }

// ToggleFavorite flips the chat's favorite flag.
func (e *Engine) ToggleFavorite(chatID string) { e.chats.ToggleFavorite(chatID) }

// Snapshot returns the current sorted projection.
func (e *Engine) Snapshot() []chatstate.Chat { return e.chats.Snapshot() }

// Search runs a full-text search over the message history.
func (e *Engine) Search(query string, limit int) ([]store.SearchResult, error) {
	return e.db.Search(query, limit)
}

// Close tears down every active peer subscription.
func (e *Engine) Close() {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	for id, cancel := range e.peers {
		cancel()
		delete(e.peers, id)
	}
}
