// Package chatstate maintains the chat projection: the sorted,
// de-duplicated summary of every conversation exposed to the UI. It is the
// aggregation root of the engine; the delivery tracker, presence monitor,
// upload pipeline and analyzer all feed it through the bus, and nothing
// else mutates it.
package chatstate

import (
	"time"

	"github.com/tarekmestiri/souqtalk/internal/analyzer"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/presence"
)

// ChatKind classifies a conversation.
type ChatKind string

const (
	KindDirect  ChatKind = "direct"
	KindGroup   ChatKind = "group"
	KindChannel ChatKind = "channel"
	KindBot     ChatKind = "bot"
)

// Counts are the per-chat tallies. Every field is derived locally from the
// known message set; remote count fields are never trusted.
type Counts struct {
	Unread   int
	Mentions int
	Total    int
	Media    int
	Files    int
	Replies  int
}

// Settings are the user-controlled chat toggles.
type Settings struct {
	Pinned   bool
	Muted    bool
	Archived bool
	Favorite bool
	Priority int
}

// Security carries advisory security flags. They describe what the server
// claims about the conversation; nothing here is cryptographically enforced.
type Security struct {
	Encrypted         bool
	Verified          bool
	Blocked           bool
	SelfDestructTimer time.Duration
}

// Metadata is derived annotation for prioritization and filtering.
type Metadata struct {
	Category  string
	Tags      []string
	Sentiment analyzer.Sentiment
}

// SyncState describes the delivery and connectivity picture of a chat.
type SyncState struct {
	DeliveryStatus delivery.Status
	NetworkQuality string
	IsSyncing      bool
}

// Chat is one conversation in the projection.
type Chat struct {
	ID          string
	Name        string
	Kind        ChatKind
	Presence    presence.Data
	LastMessage *Message
	Counts      Counts
	Settings    Settings
	Security    Security
	Metadata    Metadata
	Sync        SyncState
	UpdatedAt   time.Time
}

// Analysis is the analyzer output merged once into a message.
type Analysis struct {
	Sentiment analyzer.Sentiment
	Urgent    bool
	Language  string
	Keywords  []string
}

// Message is one entry in a conversation.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	Timestamp   time.Time
	Content     Content
	Reactions   map[string][]string // emoji -> reacting user ids
	Mentions    []string
	Links       []string
	IsEdited    bool
	IsForwarded bool
	ReplyTo     string
	Status      delivery.Status
	ReadBy      []string
	Analysis    *Analysis
}

// ReadByUser reports whether userID has read the message.
func (m *Message) ReadByUser(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// MentionsUser reports whether userID is mentioned in the message.
func (m *Message) MentionsUser(userID string) bool {
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}
