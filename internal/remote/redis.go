package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"go.uber.org/zap"
)

const (
	changesChannel        = "souqtalk.changes"
	changesSeqKey         = "souqtalk.changes.seq"
	changesLogKey         = "souqtalk.changes.log"
	presenceChannelPrefix = "souqtalk.presence."
)

// changesLogMax bounds the retained change backlog used for resume.
const changesLogMax = 4096

// RedisStore implements DocStore over redis: chat documents live in hashes,
// message sub-collections in lists, and the change/presence streams ride
// pub/sub channels.
type RedisStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisStore connects a DocStore adapter to the given redis client.
func NewRedisStore(rdb *redis.Client, logger *zap.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger}
}

func chatKey(chatID string) string     { return "chat:" + chatID }
func messagesKey(chatID string) string { return "chat:" + chatID + ":messages" }
func presenceKey(peerID string) string { return "presence:" + peerID }

// GetChat point-reads a chat document.
func (s *RedisStore) GetChat(ctx context.Context, chatID string) (*ChatDoc, error) {
	raw, err := s.rdb.HGet(ctx, chatKey(chatID), "doc").Result()
	if err == redis.Nil {
		return nil, faults.New(faults.Permanent, "remote.get_chat",
			fmt.Errorf("chat not found")).WithChat(chatID)
	}
	if err != nil {
		return nil, faults.New(faults.Transient, "remote.get_chat", err).WithChat(chatID)
	}
	var doc ChatDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, faults.New(faults.Permanent, "remote.get_chat", err).WithChat(chatID)
	}
	return &doc, nil
}

// UpdateChatFields applies a batched field update to the chat hash and
// notifies the change stream.
func (s *RedisStore) UpdateChatFields(ctx context.Context, chatID string, fields map[string]any) error {
	doc, err := s.GetChat(ctx, chatID)
	if err != nil {
		if faults.KindOf(err) != faults.Permanent {
			return err
		}
		doc = &ChatDoc{ID: chatID}
	}
	applyChatFields(doc, fields)
	doc.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(doc)
	if err != nil {
		return faults.New(faults.Permanent, "remote.update_chat", err).WithChat(chatID)
	}
	if err := s.rdb.HSet(ctx, chatKey(chatID), "doc", raw).Err(); err != nil {
		return faults.New(faults.Transient, "remote.update_chat", err).WithChat(chatID)
	}
	s.publishChange(ctx, Change{Chat: doc})
	return nil
}

// AppendMessage appends to the chat's message sub-collection and notifies
// the change stream.
func (s *RedisStore) AppendMessage(ctx context.Context, chatID string, msg *MessageDoc) error {
	if msg == nil || msg.ID == "" {
		return faults.New(faults.Validation, "remote.append_message",
			fmt.Errorf("message without id")).WithChat(chatID)
	}
	msg.ChatID = chatID
	raw, err := json.Marshal(msg)
	if err != nil {
		return faults.New(faults.Permanent, "remote.append_message", err).WithChat(chatID).WithMessage(msg.ID)
	}
	if err := s.rdb.RPush(ctx, messagesKey(chatID), raw).Err(); err != nil {
		return faults.New(faults.Transient, "remote.append_message", err).WithChat(chatID).WithMessage(msg.ID)
	}
	s.publishChange(ctx, Change{Message: msg})
	return nil
}

// SubscribeChanges streams chat/message/status changes. The retained
// backlog is replayed first, skipping entries at or below afterSeq, so a
// consumer resuming from a checkpoint sees the changes it missed while it
// was down. Live pub/sub events follow, deduplicated against the replay.
func (s *RedisStore) SubscribeChanges(ctx context.Context, afterSeq int64) (<-chan Change, CancelFunc, error) {
	sub := s.rdb.Subscribe(ctx, changesChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, faults.New(faults.Transient, "remote.subscribe_changes", err)
	}

	backlog, err := s.rdb.LRange(ctx, changesLogKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		_ = sub.Close()
		return nil, nil, faults.New(faults.Transient, "remote.subscribe_changes", err)
	}

	out := make(chan Change, 256)
	done := make(chan struct{})
	go func() {
		defer close(out)
		last := afterSeq
		emit := func(change Change) bool {
			if change.Seq != 0 && change.Seq <= last {
				return true
			}
			select {
			case out <- change:
				if change.Seq > last {
					last = change.Seq
				}
				return true
			case <-done:
				return false
			case <-ctx.Done():
				return false
			}
		}
		for _, raw := range backlog {
			var change Change
			if err := json.Unmarshal([]byte(raw), &change); err != nil {
				s.logger.Warn("undecodable retained change", zap.Error(err))
				continue
			}
			if !emit(change) {
				return
			}
		}
		src := sub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					s.logger.Warn("undecodable change event", zap.Error(err))
					continue
				}
				if !emit(change) {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := MakeCancel(func() {
		close(done)
		_ = sub.Close()
	})
	return out, cancel, nil
}

// SubscribePresence streams one peer's presence updates. The current stored
// snapshot, if any, is emitted first so subscribers start from known state.
func (s *RedisStore) SubscribePresence(ctx context.Context, peerID string) (<-chan PresenceEvent, CancelFunc, error) {
	sub := s.rdb.Subscribe(ctx, presenceChannelPrefix+peerID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, faults.New(faults.Transient, "remote.subscribe_presence", err)
	}

	out := make(chan PresenceEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		if raw, err := s.rdb.Get(ctx, presenceKey(peerID)).Result(); err == nil {
			var evt PresenceEvent
			if json.Unmarshal([]byte(raw), &evt) == nil {
				out <- evt
			}
		}
		src := sub.Channel()
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				var evt PresenceEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					s.logger.Warn("undecodable presence event",
						zap.String("peer", peerID), zap.Error(err))
					continue
				}
				select {
				case out <- evt:
				case <-done:
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := MakeCancel(func() {
		close(done)
		_ = sub.Close()
	})
	return out, cancel, nil
}

func (s *RedisStore) publishChange(ctx context.Context, change Change) {
	seq, err := s.rdb.Incr(ctx, changesSeqKey).Result()
	if err != nil {
		// An unsequenced change still reaches live subscribers; it just
		// cannot be replayed from a checkpoint.
		s.logger.Warn("change sequence unavailable", zap.Error(err))
	} else {
		change.Seq = seq
	}
	raw, err := json.Marshal(change)
	if err != nil {
		return
	}
	if err := s.rdb.RPush(ctx, changesLogKey, raw).Err(); err != nil {
		s.logger.Warn("change log append failed", zap.Error(err))
	} else if err := s.rdb.LTrim(ctx, changesLogKey, -changesLogMax, -1).Err(); err != nil {
		s.logger.Warn("change log trim failed", zap.Error(err))
	}
	if err := s.rdb.Publish(ctx, changesChannel, raw).Err(); err != nil {
		s.logger.Warn("change publish failed", zap.Error(err))
	}
}

func applyChatFields(doc *ChatDoc, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				doc.Name = s
			}
		case "kind":
			if s, ok := v.(string); ok {
				doc.Kind = s
			}
		case "last_message":
			if s, ok := v.(string); ok {
				doc.LastMessage = s
			}
		case "last_sender":
			if s, ok := v.(string); ok {
				doc.LastSender = s
			}
		case "last_read_by":
			if s, ok := v.(string); ok {
				doc.LastReadBy = s
			}
		}
	}
}
