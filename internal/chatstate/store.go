package chatstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tarekmestiri/souqtalk/internal/analyzer"
	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"github.com/tarekmestiri/souqtalk/internal/media"
	"github.com/tarekmestiri/souqtalk/internal/presence"
	"github.com/tarekmestiri/souqtalk/internal/store"
	"go.uber.org/zap"
)

// Store is the single owner of the chat projection. All mutations to one
// chat run through a per-chat serialized queue; mutations to different
// chats interleave freely.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	messages map[string]map[string]*Message // chat id -> message id

	qmu      sync.Mutex
	queues   map[string]chan func()
	closed   bool
	inflight sync.WaitGroup

	db     *store.DB
	bus    *bus.Bus
	selfID string
	logger *zap.Logger
}

// NewStore creates an empty projection store writing through to db.
func NewStore(db *store.DB, b *bus.Bus, selfID string, logger *zap.Logger) *Store {
	return &Store{
		chats:    make(map[string]*Chat),
		messages: make(map[string]map[string]*Message),
		queues:   make(map[string]chan func()),
		db:       db,
		bus:      b,
		selfID:   selfID,
		logger:   logger,
	}
}

// Load rebuilds the projection from the sqlite cache so history survives a
// restart. Presence and sync state start cold; they are session-scoped.
func (s *Store) Load() error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.ListChats(true)
	if err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rows {
		c := chatFromRow(&rows[i])
		s.chats[c.ID] = c
		msgRows, err := s.db.MessagesAsc(c.ID)
		if err != nil {
			return fmt.Errorf("load messages for %s: %w", c.ID, err)
		}
		set := make(map[string]*Message, len(msgRows))
		for j := range msgRows {
			m := messageFromRow(&msgRows[j])
			set[m.ID] = m
			if c.LastMessage == nil || !m.Timestamp.Before(c.LastMessage.Timestamp) {
				c.LastMessage = m
			}
		}
		s.messages[c.ID] = set
		c.Counts = s.recountLocked(c.ID)
	}
	return nil
}

// Close stops the per-chat queues. Pending operations finish first: the
// closed flag stops new enqueues, and the queues are only closed once every
// caller that passed the flag check has completed its send.
func (s *Store) Close() {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return
	}
	s.closed = true
	s.qmu.Unlock()

	s.inflight.Wait()
	s.qmu.Lock()
	for _, q := range s.queues {
		close(q)
	}
	s.qmu.Unlock()
}

// do runs op on chatID's serialized queue and waits for it to complete.
// The inflight count is taken under qmu, before the closed flag can flip,
// so Close never closes a queue out from under a blocked sender.
func (s *Store) do(chatID string, op func()) {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return
	}
	s.inflight.Add(1)
	q, ok := s.queues[chatID]
	if !ok {
		q = make(chan func(), 32)
		s.queues[chatID] = q
		go func() {
			for fn := range q {
				fn()
			}
		}()
	}
	s.qmu.Unlock()
	defer s.inflight.Done()

	done := make(chan struct{})
	q <- func() {
		op()
		close(done)
	}
	<-done
}

// UpsertChat inserts or merges a chat by id. Server-timestamped fields use
// last-writer-wins by UpdatedAt; counts are always recomputed locally and
// never taken from the incoming document.
func (s *Store) UpsertChat(incoming *Chat) error {
	if incoming == nil || incoming.ID == "" {
		return faults.New(faults.Validation, "chatstate.upsert",
			fmt.Errorf("chat id is required"))
	}

	s.do(incoming.ID, func() {
		s.mu.Lock()
		existing, ok := s.chats[incoming.ID]
		if !ok {
			c := *incoming
			c.Counts = Counts{}
			s.chats[c.ID] = &c
			if s.messages[c.ID] == nil {
				s.messages[c.ID] = make(map[string]*Message)
			}
			c.Counts = s.recountLocked(c.ID)
			s.mu.Unlock()
			s.persistChat(&c)
			s.publish(&c)
			return
		}

		if !incoming.UpdatedAt.Before(existing.UpdatedAt) {
			existing.Name = incoming.Name
			if incoming.Kind != "" {
				existing.Kind = incoming.Kind
			}
			existing.Security = incoming.Security
			existing.Metadata.Category = incoming.Metadata.Category
			existing.Metadata.Tags = append([]string(nil), incoming.Metadata.Tags...)
			existing.UpdatedAt = incoming.UpdatedAt
		}
		existing.Counts = s.recountLocked(existing.ID)
		snapshot := *existing
		s.mu.Unlock()
		s.persistChat(&snapshot)
		s.publish(&snapshot)
	})
	return nil
}

// ApplyIncomingMessage appends or dedupes a message by id, updates the
// last-message preview and recomputes the chat's counts. A message for an
// unknown chat creates it, matching the first-exchange lifecycle.
func (s *Store) ApplyIncomingMessage(chatID string, msg *Message) error {
	if chatID == "" || msg == nil || msg.ID == "" {
		return faults.New(faults.Validation, "chatstate.apply_message",
			fmt.Errorf("chat id and message id are required")).WithChat(chatID)
	}

	s.do(chatID, func() {
		s.mu.Lock()
		chat, ok := s.chats[chatID]
		if !ok {
			chat = &Chat{ID: chatID, Kind: KindDirect, UpdatedAt: msg.Timestamp}
			s.chats[chatID] = chat
		}
		set := s.messages[chatID]
		if set == nil {
			set = make(map[string]*Message)
			s.messages[chatID] = set
		}

		m := *msg
		m.ChatID = chatID
		if prev, dup := set[m.ID]; dup {
			// The canonical remote copy supersedes the optimistic entry,
			// but the merged analysis is computed once and kept.
			if m.Analysis == nil {
				m.Analysis = prev.Analysis
			}
			if delivery.Rank(prev.Status) > delivery.Rank(m.Status) {
				m.Status = prev.Status
			}
		}
		set[m.ID] = &m

		if chat.LastMessage == nil || !m.Timestamp.Before(chat.LastMessage.Timestamp) {
			chat.LastMessage = &m
			chat.Sync.DeliveryStatus = m.Status
		}
		chat.Counts = s.recountLocked(chatID)
		snapshot := *chat
		s.mu.Unlock()

		s.persistMessage(&m)
		s.persistChat(&snapshot)
		if s.bus != nil {
			s.bus.Emit(bus.KindMessageUpserted, m)
		}
		s.publish(&snapshot)
	})
	return nil
}

// MarkChatRead stamps the local user into every message's read set and
// zeroes the derived unread count.
func (s *Store) MarkChatRead(chatID string) {
	s.do(chatID, func() {
		s.mu.Lock()
		chat, ok := s.chats[chatID]
		if !ok {
			s.mu.Unlock()
			s.logUnknown("mark_read", chatID)
			return
		}
		var changed []*Message
		for _, m := range s.messages[chatID] {
			if m.SenderID != s.selfID && !m.ReadByUser(s.selfID) {
				m.ReadBy = append(m.ReadBy, s.selfID)
				changed = append(changed, m)
			}
		}
		chat.Counts = s.recountLocked(chatID)
		snapshot := *chat
		s.mu.Unlock()

		for _, m := range changed {
			s.persistMessage(m)
		}
		s.persistChat(&snapshot)
		s.publish(&snapshot)
	})
}

// TogglePinned flips the pinned flag. Pinned chats always sort first.
func (s *Store) TogglePinned(chatID string) {
	s.toggle(chatID, "pin", func(c *Chat) { c.Settings.Pinned = !c.Settings.Pinned })
}

// ToggleMuted flips the muted flag.
func (s *Store) ToggleMuted(chatID string) {
	s.toggle(chatID, "mute", func(c *Chat) { c.Settings.Muted = !c.Settings.Muted })
}

// ToggleArchived flips the archived flag. Chats are never hard-deleted.
func (s *Store) ToggleArchived(chatID string) {
	s.toggle(chatID, "archive", func(c *Chat) { c.Settings.Archived = !c.Settings.Archived })
}

// ToggleFavorite flips the favorite flag.
func (s *Store) ToggleFavorite(chatID string) {
	s.toggle(chatID, "favorite", func(c *Chat) { c.Settings.Favorite = !c.Settings.Favorite })
}

func (s *Store) toggle(chatID, op string, flip func(*Chat)) {
	s.do(chatID, func() {
		s.mu.Lock()
		chat, ok := s.chats[chatID]
		if !ok {
			s.mu.Unlock()
			s.logUnknown(op, chatID)
			return
		}
		flip(chat)
		snapshot := *chat
		s.mu.Unlock()
		s.persistChat(&snapshot)
		s.publish(&snapshot)
	})
}

// MergeAnalysis attaches analyzer output to a message. The analysis is
// computed once; a second merge for the same message is ignored.
func (s *Store) MergeAnalysis(chatID, msgID string, a *Analysis) {
	if a == nil {
		return
	}
	s.do(chatID, func() {
		s.mu.Lock()
		chat, ok := s.chats[chatID]
		m := s.messages[chatID][msgID]
		if !ok || m == nil {
			s.mu.Unlock()
			s.logUnknown("merge_analysis", chatID)
			return
		}
		if m.Analysis != nil {
			s.mu.Unlock()
			return
		}
		m.Analysis = a
		if chat.LastMessage != nil && chat.LastMessage.ID == msgID {
			chat.Metadata.Sentiment = a.Sentiment
		}
		msgCopy := *m
		snapshot := *chat
		s.mu.Unlock()

		s.persistMessage(&msgCopy)
		s.persistChat(&snapshot)
		s.publish(&snapshot)
	})
}

// ApplyTransition updates a message's delivery status from an accepted
// tracker transition.
func (s *Store) ApplyTransition(tr delivery.Transition) {
	if tr.ChatID == "" {
		return
	}
	s.do(tr.ChatID, func() {
		s.mu.Lock()
		chat, ok := s.chats[tr.ChatID]
		if !ok {
			s.mu.Unlock()
			s.logUnknown("transition", tr.ChatID)
			return
		}
		m := s.messages[tr.ChatID][tr.MessageID]
		if m != nil {
			m.Status = tr.To
		}
		if chat.LastMessage != nil && chat.LastMessage.ID == tr.MessageID {
			chat.LastMessage.Status = tr.To
			chat.Sync.DeliveryStatus = tr.To
		}
		chat.Counts = s.recountLocked(tr.ChatID)
		var msgCopy *Message
		if m != nil {
			cp := *m
			msgCopy = &cp
		}
		snapshot := *chat
		s.mu.Unlock()

		if msgCopy != nil {
			s.persistMessage(msgCopy)
		}
		s.persistChat(&snapshot)
		s.publish(&snapshot)
	})
}

// ApplyPresence updates the peer snapshot of the direct chat keyed by the
// peer id. Presence is session-scoped and never persisted.
func (s *Store) ApplyPresence(d presence.Data) {
	s.do(d.PeerID, func() {
		s.mu.Lock()
		chat, ok := s.chats[d.PeerID]
		if !ok {
			s.mu.Unlock()
			return
		}
		chat.Presence = d
		snapshot := *chat
		s.mu.Unlock()
		s.publish(&snapshot)
	})
}

// ApplyUploadCompleted attaches the durable URL of a committed upload to
// the optimistic message that referenced a local resource.
func (s *Store) ApplyUploadCompleted(ev media.Completed) {
	if ev.Metadata == nil {
		return
	}
	s.do(ev.ChatID, func() {
		s.mu.Lock()
		m := s.messages[ev.ChatID][ev.MessageID]
		chat := s.chats[ev.ChatID]
		if m == nil || chat == nil {
			s.mu.Unlock()
			return
		}
		m.Content = m.Content.withURL(ev.Metadata.URL)
		msgCopy := *m
		snapshot := *chat
		s.mu.Unlock()

		s.persistMessage(&msgCopy)
		s.publish(&snapshot)
	})
}

// SetNetwork updates the connectivity picture on every chat.
func (s *Store) SetNetwork(quality string, syncing bool) {
	s.mu.Lock()
	var snapshots []*Chat
	for _, c := range s.chats {
		c.Sync.NetworkQuality = quality
		c.Sync.IsSyncing = syncing
		cp := *c
		snapshots = append(snapshots, &cp)
	}
	s.mu.Unlock()
	for _, c := range snapshots {
		s.publish(c)
	}
}

// Chat returns a copy of one chat.
func (s *Store) Chat(chatID string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return *c, true
}

// Message returns a copy of one message.
func (s *Store) Message(chatID, msgID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.messages[chatID][msgID]
	if m == nil {
		return Message{}, false
	}
	return *m, true
}

// Snapshot returns the sorted projection: pinned first, then most recent
// message, ties broken by chat id for determinism.
func (s *Store) Snapshot() []Chat {
	s.mu.RLock()
	out := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		cp := *c
		if c.LastMessage != nil {
			lm := *c.LastMessage
			cp.LastMessage = &lm
		}
		cp.Metadata.Tags = append([]string(nil), c.Metadata.Tags...)
		out = append(out, cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Settings.Pinned != b.Settings.Pinned {
			return a.Settings.Pinned
		}
		at, bt := lastTimestamp(&a), lastTimestamp(&b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.ID < b.ID
	})
	return out
}

// Run consumes projection-relevant bus events until ctx is done.
func (s *Store) Run(ctx context.Context, bufSize int) {
	events, cancel := s.bus.Subscribe("", bufSize)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			s.dispatch(evt)
		}
	}
}

func (s *Store) dispatch(evt bus.Event) {
	switch evt.Kind {
	case bus.KindDeliveryChanged:
		if tr, ok := evt.Payload.(delivery.Transition); ok {
			s.ApplyTransition(tr)
		}
	case bus.KindPresenceUpdated:
		if d, ok := evt.Payload.(presence.Data); ok {
			s.ApplyPresence(d)
		}
	case bus.KindUploadCompleted:
		if ev, ok := evt.Payload.(media.Completed); ok {
			s.ApplyUploadCompleted(ev)
		}
	}
}

func lastTimestamp(c *Chat) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.Timestamp
}

// recountLocked derives the chat's counts from the known message set.
// Callers hold s.mu.
func (s *Store) recountLocked(chatID string) Counts {
	var counts Counts
	for _, m := range s.messages[chatID] {
		counts.Total++
		incoming := m.SenderID != s.selfID
		unread := incoming && !m.ReadByUser(s.selfID)
		if unread {
			counts.Unread++
			if m.MentionsUser(s.selfID) {
				counts.Mentions++
			}
		}
		if m.Content.IsMedia() {
			counts.Media++
		}
		if m.Content.Type() == ContentFile {
			counts.Files++
		}
		if m.ReplyTo != "" {
			counts.Replies++
		}
	}
	return counts
}

func (s *Store) publish(c *Chat) {
	if s.bus != nil {
		s.bus.Emit(bus.KindChatUpdated, *c)
	}
}

func (s *Store) logUnknown(op, chatID string) {
	if s.logger != nil {
		s.logger.Warn("operation on unknown chat",
			zap.String("op", op),
			zap.String("chat_id", chatID))
	}
}

func (s *Store) persistChat(c *Chat) {
	if s.db == nil {
		return
	}
	if err := s.db.UpsertChat(chatToRow(c)); err != nil && s.logger != nil {
		s.logger.Error("persist chat", zap.String("chat_id", c.ID), zap.Error(err))
	}
}

func (s *Store) persistMessage(m *Message) {
	if s.db == nil {
		return
	}
	if err := s.db.UpsertMessage(messageToRow(m)); err != nil && s.logger != nil {
		s.logger.Error("persist message",
			zap.String("chat_id", m.ChatID),
			zap.String("msg_id", m.ID),
			zap.Error(err))
	}
}

func chatToRow(c *Chat) *store.ChatRow {
	row := &store.ChatRow{
		ID:               c.ID,
		Name:             c.Name,
		Kind:             string(c.Kind),
		Pinned:           c.Settings.Pinned,
		Muted:            c.Settings.Muted,
		Archived:         c.Settings.Archived,
		Favorite:         c.Settings.Favorite,
		Priority:         c.Settings.Priority,
		Encrypted:        c.Security.Encrypted,
		Verified:         c.Security.Verified,
		Blocked:          c.Security.Blocked,
		SelfDestructSecs: int(c.Security.SelfDestructTimer / time.Second),
		Category:         c.Metadata.Category,
		Tags:             marshalStrings(c.Metadata.Tags),
		Sentiment:        string(c.Metadata.Sentiment),
		DeliveryStatus:   string(c.Sync.DeliveryStatus),
		UpdatedAt:        c.UpdatedAt.UnixMilli(),
	}
	if c.LastMessage != nil {
		row.LastMsgID = c.LastMessage.ID
		row.LastMsgPreview = c.LastMessage.Content.Preview()
		row.LastMsgSender = c.LastMessage.SenderID
		row.LastMsgAt = c.LastMessage.Timestamp.UnixMilli()
	}
	return row
}

func chatFromRow(r *store.ChatRow) *Chat {
	return &Chat{
		ID:   r.ID,
		Name: r.Name,
		Kind: ChatKind(r.Kind),
		Settings: Settings{
			Pinned:   r.Pinned,
			Muted:    r.Muted,
			Archived: r.Archived,
			Favorite: r.Favorite,
			Priority: r.Priority,
		},
		Security: Security{
			Encrypted:         r.Encrypted,
			Verified:          r.Verified,
			Blocked:           r.Blocked,
			SelfDestructTimer: time.Duration(r.SelfDestructSecs) * time.Second,
		},
		Metadata: Metadata{
			Category:  r.Category,
			Tags:      unmarshalStrings(r.Tags),
			Sentiment: sentimentFrom(r.Sentiment),
		},
		Sync:      SyncState{DeliveryStatus: delivery.Status(r.DeliveryStatus)},
		UpdatedAt: time.UnixMilli(r.UpdatedAt),
	}
}

func messageToRow(m *Message) *store.MessageRow {
	row := &store.MessageRow{
		ChatID:       m.ChatID,
		MsgID:        m.ID,
		SenderID:     m.SenderID,
		Body:         m.Content.Text(),
		ContentType:  string(m.Content.Type()),
		Status:       string(m.Status),
		ReadBy:       marshalStrings(m.ReadBy),
		Mentions:     marshalStrings(m.Mentions),
		Links:        marshalStrings(m.Links),
		IsEdited:     m.IsEdited,
		IsForwarded:  m.IsForwarded,
		ReplyTo:      m.ReplyTo,
		DurationMs:   m.Content.Duration().Milliseconds(),
		FileSize:     m.Content.FileSize(),
		FileName:     m.Content.FileName(),
		ThumbnailURL: m.Content.ThumbnailURL(),
		Timestamp:    m.Timestamp.UnixMilli(),
	}
	if row.ThumbnailURL == "" {
		row.ThumbnailURL = m.Content.URL()
	}
	if m.Analysis != nil {
		row.Sentiment = string(m.Analysis.Sentiment)
		row.Urgent = m.Analysis.Urgent
		row.Language = m.Analysis.Language
		row.Keywords = marshalStrings(m.Analysis.Keywords)
	}
	return row
}

func messageFromRow(r *store.MessageRow) *Message {
	m := &Message{
		ID:          r.MsgID,
		ChatID:      r.ChatID,
		SenderID:    r.SenderID,
		Timestamp:   time.UnixMilli(r.Timestamp),
		Content:     contentFromRow(r),
		Mentions:    unmarshalStrings(r.Mentions),
		Links:       unmarshalStrings(r.Links),
		IsEdited:    r.IsEdited,
		IsForwarded: r.IsForwarded,
		ReplyTo:     r.ReplyTo,
		Status:      delivery.Status(r.Status),
		ReadBy:      unmarshalStrings(r.ReadBy),
	}
	if r.Sentiment != "" || r.Urgent || r.Language != "" {
		m.Analysis = &Analysis{
			Sentiment: sentimentFrom(r.Sentiment),
			Urgent:    r.Urgent,
			Language:  r.Language,
			Keywords:  unmarshalStrings(r.Keywords),
		}
	}
	return m
}

// contentFromRow rebuilds the content union from persisted columns. Rows
// written by this process always round-trip; malformed rows degrade to text.
func contentFromRow(r *store.MessageRow) Content {
	switch ContentType(r.ContentType) {
	case ContentVoice:
		if c, err := NewVoice(r.ThumbnailURL, time.Duration(r.DurationMs)*time.Millisecond); err == nil {
			return c
		}
	case ContentImage:
		if c, err := NewImage(r.ThumbnailURL, r.ThumbnailURL, r.Body, 0, 0); err == nil {
			return c
		}
	case ContentVideo:
		if c, err := NewVideo(r.ThumbnailURL, r.ThumbnailURL, r.Body, time.Duration(r.DurationMs)*time.Millisecond); err == nil {
			return c
		}
	case ContentFile:
		if c, err := NewFile(r.FileName, r.FileSize, r.ThumbnailURL); err == nil {
			return c
		}
	}
	c, err := NewText(r.Body)
	if err != nil {
		return Content{typ: ContentText}
	}
	return c
}

func sentimentFrom(s string) analyzer.Sentiment {
	switch analyzer.Sentiment(s) {
	case analyzer.SentimentPositive, analyzer.SentimentNegative, analyzer.SentimentNeutral:
		return analyzer.Sentiment(s)
	}
	return ""
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	if len(v) == 0 {
		return nil
	}
	return v
}
