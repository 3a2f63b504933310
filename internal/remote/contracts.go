// Package remote defines the contracts of the external collaborators the
// engine consumes: the realtime document store holding chat documents and
// message sub-collections, the blob store holding media, and the device
// filesystem holding local resources. The stores themselves are out of
// scope; adapters here only speak their wire contracts.
package remote

import (
	"context"
	"io"
	"sync"
	"time"
)

// ChatDoc is the remote chat document.
type ChatDoc struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	LastMessage string    `json:"last_message,omitempty"`
	LastSender  string    `json:"last_sender,omitempty"`
	LastReadBy  string    `json:"last_read_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FileDoc mirrors the committed FileMetadata attached to a message.
type FileDoc struct {
	OriginalName  string `json:"original_name"`
	StoragePath   string `json:"storage_path"`
	URL           string `json:"url"`
	Size          int64  `json:"size"`
	ContentType   string `json:"content_type"`
	IntegrityHash string `json:"integrity_hash"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
	ThumbnailURL  string `json:"thumbnail_url,omitempty"`
}

// MessageDoc is an entry in a chat's message sub-collection.
type MessageDoc struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id"`
	SenderID     string    `json:"sender_id"`
	Text         string    `json:"text"`
	Type         string    `json:"type"`
	Attachments  []string  `json:"attachments,omitempty"`
	Status       string    `json:"status"`
	ReadBy       []string  `json:"read_by,omitempty"`
	ReplyTo      string    `json:"reply_to,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	FileMetadata *FileDoc  `json:"file_metadata,omitempty"`
}

// StatusDoc is a remote delivery acknowledgement for a message.
type StatusDoc struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	ReaderID  string `json:"reader_id,omitempty"`
}

// Change is one entry on the document store's change stream. Seq is the
// store-assigned position of the change; consumers checkpoint it so a
// restart resumes where the previous session stopped. Zero means the
// producer assigned no position.
type Change struct {
	Seq     int64       `json:"seq,omitempty"`
	Message *MessageDoc `json:"message,omitempty"`
	Status  *StatusDoc  `json:"status,omitempty"`
	Chat    *ChatDoc    `json:"chat,omitempty"`
}

// PresenceEvent is one update on a peer's presence stream.
type PresenceEvent struct {
	PeerID        string    `json:"peer_id"`
	Status        string    `json:"status"`
	LastSeen      time.Time `json:"last_seen"`
	IsTyping      bool      `json:"is_typing"`
	TypingPreview string    `json:"typing_preview,omitempty"`
}

// CancelFunc tears down a subscription. Implementations must make it safe
// to call more than once.
type CancelFunc func()

// MakeCancel wraps fn so repeated calls run it exactly once.
func MakeCancel(fn func()) CancelFunc {
	var once sync.Once
	return func() { once.Do(fn) }
}

// DocStore is the realtime document store contract: point reads,
// change subscriptions, batched field updates and sub-collection appends.
// SubscribeChanges replays retained changes with Seq greater than afterSeq
// before streaming live ones, so a consumer that checkpoints Seq does not
// lose changes across a restart.
type DocStore interface {
	GetChat(ctx context.Context, chatID string) (*ChatDoc, error)
	UpdateChatFields(ctx context.Context, chatID string, fields map[string]any) error
	AppendMessage(ctx context.Context, chatID string, msg *MessageDoc) error
	SubscribeChanges(ctx context.Context, afterSeq int64) (<-chan Change, CancelFunc, error)
	SubscribePresence(ctx context.Context, peerID string) (<-chan PresenceEvent, CancelFunc, error)
}

// BlobStore is the blob storage contract for media payloads.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (url string, err error)
	Download(ctx context.Context, path string) ([]byte, error)
	DownloadURL(ctx context.Context, path string) (string, error)
}

// FileSystem is the device filesystem contract for local message resources.
type FileSystem interface {
	ReadBytes(uri string) ([]byte, error)
	// OpenChunkedEncoded opens the chunked base64-encoded spool form of a
	// resource as a streaming decoder, bounding peak memory for large files.
	OpenChunkedEncoded(uri string) (io.ReadCloser, error)
	Delete(uri string) error
	Exists(uri string) bool
}
