package store

// ChatRow is the persisted projection of one conversation.
type ChatRow struct {
	ID               string
	Name             string
	Kind             string
	Pinned           bool
	Muted            bool
	Archived         bool
	Favorite         bool
	Priority         int
	Encrypted        bool
	Verified         bool
	Blocked          bool
	SelfDestructSecs int
	Category         string
	Tags             string // JSON array
	Sentiment        string
	LastMsgID        string
	LastMsgPreview   string
	LastMsgSender    string
	LastMsgAt        int64
	DeliveryStatus   string
	UpdatedAt        int64
}

// MessageRow is one persisted message.
type MessageRow struct {
	RowID        int64
	ChatID       string
	MsgID        string
	SenderID     string
	Body         string
	ContentType  string
	Status       string
	ReadBy       string // JSON array of reader ids
	Mentions     string // JSON array
	Links        string // JSON array
	IsEdited     bool
	IsForwarded  bool
	ReplyTo      string
	DurationMs   int64
	FileSize     int64
	FileName     string
	ThumbnailURL string
	Sentiment    string
	Urgent       bool
	Language     string
	Keywords     string // JSON array
	Timestamp    int64
}

// FileRow is committed file metadata, immutable once the upload is
// acknowledged.
type FileRow struct {
	RowID         int64
	ChatID        string
	MessageID     string
	UploadedBy    string
	OriginalName  string
	StoragePath   string
	URL           string
	Size          int64
	ContentType   string
	IntegrityHash string
	RetryCount    int
	DurationMs    int64
	ThumbnailURL  string
	UploadedAt    int64
}

// OutboxRow is one pending outgoing message.
type OutboxRow struct {
	RowID          int64
	ClientMsgID    string
	ChatID         string
	Body           string
	ContentType    string
	AttachmentURI  string
	AttachmentName string
	Attempts       int
	Status         string // queued, sending, committed, failed
	ErrorMessage   string
}

// SearchResult pairs a matching message with its snippet.
type SearchResult struct {
	Message MessageRow
	Snippet string
}
