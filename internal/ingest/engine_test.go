package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tarekmestiri/souqtalk/internal/analyzer"
	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/chatstate"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/remote"
	"github.com/tarekmestiri/souqtalk/internal/store"
	"go.uber.org/zap"
)

type fakeDocs struct {
	changes  chan remote.Change
	afterSeq int64
}

func (f *fakeDocs) GetChat(ctx context.Context, chatID string) (*remote.ChatDoc, error) {
	return nil, nil
}

func (f *fakeDocs) UpdateChatFields(ctx context.Context, chatID string, fields map[string]any) error {
	return nil
}

func (f *fakeDocs) AppendMessage(ctx context.Context, chatID string, msg *remote.MessageDoc) error {
	return nil
}

func (f *fakeDocs) SubscribeChanges(ctx context.Context, afterSeq int64) (<-chan remote.Change, remote.CancelFunc, error) {
	f.afterSeq = afterSeq
	return f.changes, remote.MakeCancel(func() {}), nil
}

func (f *fakeDocs) SubscribePresence(ctx context.Context, peerID string) (<-chan remote.PresenceEvent, remote.CancelFunc, error) {
	return nil, remote.MakeCancel(func() {}), nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeDocs, *chatstate.Store, *delivery.Tracker) {
	t.Helper()
	b := bus.New()
	chats := chatstate.NewStore(nil, b, "me", nil)
	t.Cleanup(chats.Close)
	tracker := delivery.NewTracker(b, nil)
	docs := &fakeDocs{changes: make(chan remote.Change)}
	e := NewEngine(docs, chats, tracker, nil, b, "me", zap.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(e.Stop)
	return e, docs, chats, tracker
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newCheckpointedEngine wires the engine over a real store so the
// change cursor round-trips through sync_state.
func newCheckpointedEngine(t *testing.T, db *store.DB) (*Engine, *fakeDocs, *chatstate.Store) {
	t.Helper()
	b := bus.New()
	chats := chatstate.NewStore(nil, b, "me", nil)
	t.Cleanup(chats.Close)
	tracker := delivery.NewTracker(b, nil)
	docs := &fakeDocs{changes: make(chan remote.Change)}
	e := NewEngine(docs, chats, tracker, db, b, "me", zap.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(e.Stop)
	return e, docs, chats
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRemoteMessageEntersProjection(t *testing.T) {
	_, docs, chats, _ := newTestEngine(t)

	docs.changes <- remote.Change{Message: &remote.MessageDoc{
		ID:        "m1",
		ChatID:    "c1",
		SenderID:  "peer",
		Text:      "is the bike still available?",
		Type:      "text",
		Status:    "sent",
		CreatedAt: time.Now(),
	}}

	waitFor(t, func() bool {
		_, ok := chats.Message("c1", "m1")
		return ok
	}, "message in projection")

	c, _ := chats.Chat("c1")
	if c.Counts.Unread != 1 {
		t.Errorf("Unread = %d, want 1", c.Counts.Unread)
	}
}

func TestAnalysisMergedAsynchronously(t *testing.T) {
	_, docs, chats, _ := newTestEngine(t)

	docs.changes <- remote.Change{Message: &remote.MessageDoc{
		ID:        "m1",
		ChatID:    "c1",
		SenderID:  "peer",
		Text:      "This is great, thank you!",
		Type:      "text",
		CreatedAt: time.Now(),
	}}

	waitFor(t, func() bool {
		m, ok := chats.Message("c1", "m1")
		return ok && m.Analysis != nil
	}, "merged analysis")

	m, _ := chats.Message("c1", "m1")
	if m.Analysis.Sentiment != analyzer.SentimentPositive {
		t.Errorf("Sentiment = %q, want positive", m.Analysis.Sentiment)
	}
	if m.Analysis.Language != "en" {
		t.Errorf("Language = %q, want en", m.Analysis.Language)
	}
}

func TestIngestionIsIdempotent(t *testing.T) {
	_, docs, chats, _ := newTestEngine(t)

	doc := &remote.MessageDoc{
		ID: "m1", ChatID: "c1", SenderID: "peer",
		Text: "hello", Type: "text", CreatedAt: time.Now(),
	}
	docs.changes <- remote.Change{Message: doc}
	docs.changes <- remote.Change{Message: doc}

	waitFor(t, func() bool {
		c, ok := chats.Chat("c1")
		return ok && c.Counts.Total >= 1
	}, "chat in projection")

	c, _ := chats.Chat("c1")
	if c.Counts.Total != 1 {
		t.Errorf("Total = %d after replay, want 1", c.Counts.Total)
	}
}

func TestOutOfOrderStatusDroppedSilently(t *testing.T) {
	_, docs, chats, tracker := newTestEngine(t)
	tracker.Track("m1", "c1")

	docs.changes <- remote.Change{Message: &remote.MessageDoc{
		ID: "m1", ChatID: "c1", SenderID: "me",
		Text: "selling", Type: "text", Status: "sending", CreatedAt: time.Now(),
	}}
	waitFor(t, func() bool {
		_, ok := chats.Message("c1", "m1")
		return ok
	}, "message in projection")

	docs.changes <- remote.Change{Status: &remote.StatusDoc{
		ChatID: "c1", MessageID: "m1", Status: "delivered",
	}}
	waitFor(t, func() bool {
		s, _ := tracker.Status("m1")
		return s == delivery.StatusDelivered
	}, "delivered status")

	// A late "sent" ack must not move the status backwards.
	docs.changes <- remote.Change{Status: &remote.StatusDoc{
		ChatID: "c1", MessageID: "m1", Status: "sent",
	}}
	time.Sleep(50 * time.Millisecond)
	if s, _ := tracker.Status("m1"); s != delivery.StatusDelivered {
		t.Errorf("status = %q after stale ack, want delivered", s)
	}
}

func TestRemoteChatDocUpserts(t *testing.T) {
	_, docs, chats, _ := newTestEngine(t)

	docs.changes <- remote.Change{Chat: &remote.ChatDoc{
		ID:        "c9",
		Name:      "Spare Parts Group",
		Kind:      "group",
		UpdatedAt: time.Now(),
	}}

	waitFor(t, func() bool {
		_, ok := chats.Chat("c9")
		return ok
	}, "chat upserted")

	c, _ := chats.Chat("c9")
	if c.Name != "Spare Parts Group" || c.Kind != chatstate.KindGroup {
		t.Errorf("chat = %+v", c)
	}
}

func TestMediaMessageRebuildsContent(t *testing.T) {
	_, docs, chats, _ := newTestEngine(t)

	docs.changes <- remote.Change{Message: &remote.MessageDoc{
		ID: "m1", ChatID: "c1", SenderID: "peer", Type: "voice",
		CreatedAt: time.Now(),
		FileMetadata: &remote.FileDoc{
			URL:        "https://blobs.local/c1/m1/note.ogg",
			DurationMs: 4000,
		},
	}}

	waitFor(t, func() bool {
		m, ok := chats.Message("c1", "m1")
		return ok && m.Content.Type() == chatstate.ContentVoice
	}, "voice content")

	c, _ := chats.Chat("c1")
	if c.Counts.Media != 1 {
		t.Errorf("Media = %d, want 1", c.Counts.Media)
	}
}

func TestChangeCursorPersistedPerChange(t *testing.T) {
	db := openTestDB(t)
	_, docs, chats := newCheckpointedEngine(t, db)

	docs.changes <- remote.Change{Seq: 3, Message: &remote.MessageDoc{
		ID: "m1", ChatID: "c1", SenderID: "peer",
		Text: "hello", Type: "text", CreatedAt: time.Now(),
	}}

	waitFor(t, func() bool {
		_, ok := chats.Message("c1", "m1")
		return ok
	}, "message in projection")
	waitFor(t, func() bool {
		v, _ := db.GetSyncState("ingest.changes_cursor")
		return v == "3"
	}, "cursor persisted")
}

func TestSubscriptionResumesAfterStoredCursor(t *testing.T) {
	db := openTestDB(t)
	if err := db.SetSyncState("ingest.changes_cursor", "17"); err != nil {
		t.Fatal(err)
	}

	_, docs, _ := newCheckpointedEngine(t, db)
	if docs.afterSeq != 17 {
		t.Errorf("subscription opened after seq %d, want 17", docs.afterSeq)
	}
}

func TestChangesAtOrBelowCursorSkipped(t *testing.T) {
	db := openTestDB(t)
	if err := db.SetSyncState("ingest.changes_cursor", "5"); err != nil {
		t.Fatal(err)
	}
	_, docs, chats := newCheckpointedEngine(t, db)

	docs.changes <- remote.Change{Seq: 4, Message: &remote.MessageDoc{
		ID: "stale", ChatID: "c1", SenderID: "peer",
		Text: "already ingested", Type: "text", CreatedAt: time.Now(),
	}}
	docs.changes <- remote.Change{Seq: 6, Message: &remote.MessageDoc{
		ID: "fresh", ChatID: "c1", SenderID: "peer",
		Text: "new arrival", Type: "text", CreatedAt: time.Now(),
	}}

	waitFor(t, func() bool {
		_, ok := chats.Message("c1", "fresh")
		return ok
	}, "post-cursor message")

	if _, ok := chats.Message("c1", "stale"); ok {
		t.Error("change at seq 4 applied despite cursor at 5")
	}
	if v, _ := db.GetSyncState("ingest.changes_cursor"); v != "6" {
		t.Errorf("cursor = %q, want 6", v)
	}
}
