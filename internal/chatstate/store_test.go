package chatstate

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tarekmestiri/souqtalk/internal/analyzer"
	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"github.com/tarekmestiri/souqtalk/internal/presence"
	"github.com/tarekmestiri/souqtalk/internal/store"
)

const self = "me"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(nil, bus.New(), self, nil)
	t.Cleanup(s.Close)
	return s
}

func textMsg(t *testing.T, id, sender string, ts time.Time, body string) *Message {
	t.Helper()
	content, err := NewText(body)
	if err != nil {
		t.Fatalf("NewText: %v", err)
	}
	return &Message{
		ID:        id,
		SenderID:  sender,
		Timestamp: ts,
		Content:   content,
		Status:    delivery.StatusSent,
	}
}

func TestUpsertChatRequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertChat(&Chat{Name: "no id"})
	if !faults.IsValidation(err) {
		t.Errorf("UpsertChat without id = %v, want validation error", err)
	}
}

func TestUpsertChatNeverTrustsRemoteCounts(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	if err := s.UpsertChat(&Chat{ID: "c1", Name: "Buyer", UpdatedAt: base}); err != nil {
		t.Fatalf("UpsertChat: %v", err)
	}
	if err := s.ApplyIncomingMessage("c1", textMsg(t, "m1", "peer", base, "hi")); err != nil {
		t.Fatalf("ApplyIncomingMessage: %v", err)
	}

	// A remote document claiming inflated counts must not stick.
	if err := s.UpsertChat(&Chat{
		ID:        "c1",
		Name:      "Buyer",
		Counts:    Counts{Unread: 99, Total: 99},
		UpdatedAt: base.Add(time.Second),
	}); err != nil {
		t.Fatalf("UpsertChat: %v", err)
	}

	c, _ := s.Chat("c1")
	if c.Counts.Total != 1 || c.Counts.Unread != 1 {
		t.Errorf("counts = %+v, want locally derived total=1 unread=1", c.Counts)
	}
}

func TestUpsertChatLastWriterWins(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	_ = s.UpsertChat(&Chat{ID: "c1", Name: "new name", UpdatedAt: base.Add(time.Minute)})
	_ = s.UpsertChat(&Chat{ID: "c1", Name: "stale name", UpdatedAt: base})

	c, _ := s.Chat("c1")
	if c.Name != "new name" {
		t.Errorf("Name = %q, stale write must lose", c.Name)
	}
}

func TestApplyIncomingMessageDedupes(t *testing.T) {
	s := newTestStore(t)
	ts := time.Now()

	m := textMsg(t, "m1", "peer", ts, "hello")
	_ = s.ApplyIncomingMessage("c1", m)
	_ = s.ApplyIncomingMessage("c1", m)

	c, ok := s.Chat("c1")
	if !ok {
		t.Fatal("chat should be created on first exchange")
	}
	if c.Counts.Total != 1 {
		t.Errorf("Total = %d after duplicate apply, want 1", c.Counts.Total)
	}
}

func TestCountsDeriveFromMessages(t *testing.T) {
	s := newTestStore(t)
	ts := time.Now()

	_ = s.ApplyIncomingMessage("c1", textMsg(t, "m1", "peer", ts, "plain"))

	mention := textMsg(t, "m2", "peer", ts.Add(time.Second), "hey @me look")
	mention.Mentions = []string{self}
	_ = s.ApplyIncomingMessage("c1", mention)

	voice, err := NewVoice("file:///v.ogg", 4*time.Second)
	if err != nil {
		t.Fatalf("NewVoice: %v", err)
	}
	_ = s.ApplyIncomingMessage("c1", &Message{
		ID: "m3", SenderID: "peer", Timestamp: ts.Add(2 * time.Second), Content: voice,
	})

	doc, err := NewFile("invoice.pdf", 1024, "file:///i.pdf")
	if err != nil {
		t.Fatalf("NewFile: %v", err)
	}
	reply := &Message{
		ID: "m4", SenderID: self, Timestamp: ts.Add(3 * time.Second),
		Content: doc, ReplyTo: "m1",
	}
	_ = s.ApplyIncomingMessage("c1", reply)

	c, _ := s.Chat("c1")
	want := Counts{Unread: 3, Mentions: 1, Total: 4, Media: 1, Files: 1, Replies: 1}
	if c.Counts != want {
		t.Errorf("Counts = %+v, want %+v", c.Counts, want)
	}
}

func TestMarkChatReadZeroesUnread(t *testing.T) {
	s := newTestStore(t)
	ts := time.Now()

	mention := textMsg(t, "m1", "peer", ts, "@me urgent")
	mention.Mentions = []string{self}
	_ = s.ApplyIncomingMessage("c1", mention)
	_ = s.ApplyIncomingMessage("c1", textMsg(t, "m2", "peer", ts.Add(time.Second), "more"))

	c, _ := s.Chat("c1")
	if c.Counts.Unread != 2 || c.Counts.Mentions != 1 {
		t.Fatalf("precondition counts = %+v", c.Counts)
	}

	s.MarkChatRead("c1")

	c, _ = s.Chat("c1")
	if c.Counts.Unread != 0 {
		t.Errorf("Unread = %d after mark read, want 0", c.Counts.Unread)
	}
	if c.Counts.Mentions != 0 {
		t.Errorf("Mentions = %d, mentions only count unread ones", c.Counts.Mentions)
	}
	m, _ := s.Message("c1", "m1")
	if !m.ReadByUser(self) {
		t.Error("read set must be stamped with the local user")
	}
}

func TestTogglesAreIdempotentFlips(t *testing.T) {
	s := newTestStore(t)
	_ = s.UpsertChat(&Chat{ID: "c1", UpdatedAt: time.Now()})

	s.TogglePinned("c1")
	c, _ := s.Chat("c1")
	if !c.Settings.Pinned {
		t.Error("pinned should flip on")
	}
	s.TogglePinned("c1")
	c, _ = s.Chat("c1")
	if c.Settings.Pinned {
		t.Error("pinned should flip back off")
	}

	// Unknown chat ids are logged no-ops, never fatal.
	s.ToggleMuted("ghost")
	s.ToggleArchived("ghost")
}

func TestSnapshotSortOrder(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	_ = s.ApplyIncomingMessage("b-older", textMsg(t, "m1", "peer", base.Add(-time.Hour), "x"))
	_ = s.ApplyIncomingMessage("a-newest", textMsg(t, "m2", "peer", base, "x"))
	_ = s.ApplyIncomingMessage("c-pinned", textMsg(t, "m3", "peer", base.Add(-2*time.Hour), "x"))
	s.TogglePinned("c-pinned")

	// Same timestamp as a-newest: the id breaks the tie.
	_ = s.ApplyIncomingMessage("z-newest", textMsg(t, "m4", "peer", base, "x"))

	var ids []string
	for _, c := range s.Snapshot() {
		ids = append(ids, c.ID)
	}
	want := []string{"c-pinned", "a-newest", "z-newest", "b-older"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
}

func TestTransitionUpdatesLastMessageStatus(t *testing.T) {
	s := newTestStore(t)
	m := textMsg(t, "m1", self, time.Now(), "selling this")
	m.Status = delivery.StatusSending
	_ = s.ApplyIncomingMessage("c1", m)

	s.ApplyTransition(delivery.Transition{
		MessageID: "m1", ChatID: "c1",
		From: delivery.StatusSending, To: delivery.StatusDelivered,
	})

	c, _ := s.Chat("c1")
	if c.Sync.DeliveryStatus != delivery.StatusDelivered {
		t.Errorf("Sync.DeliveryStatus = %q, want delivered", c.Sync.DeliveryStatus)
	}
	got, _ := s.Message("c1", "m1")
	if got.Status != delivery.StatusDelivered {
		t.Errorf("message status = %q, want delivered", got.Status)
	}
}

func TestMergeAnalysisHappensOnce(t *testing.T) {
	s := newTestStore(t)
	_ = s.ApplyIncomingMessage("c1", textMsg(t, "m1", "peer", time.Now(), "great deal!"))

	s.MergeAnalysis("c1", "m1", &Analysis{Sentiment: analyzer.SentimentPositive, Language: "en"})
	s.MergeAnalysis("c1", "m1", &Analysis{Sentiment: analyzer.SentimentNegative})

	m, _ := s.Message("c1", "m1")
	if m.Analysis == nil || m.Analysis.Sentiment != analyzer.SentimentPositive {
		t.Errorf("analysis = %+v, second merge must be ignored", m.Analysis)
	}
	c, _ := s.Chat("c1")
	if c.Metadata.Sentiment != analyzer.SentimentPositive {
		t.Errorf("chat sentiment rollup = %q", c.Metadata.Sentiment)
	}
}

func TestApplyPresenceUpdatesDirectChat(t *testing.T) {
	s := newTestStore(t)
	_ = s.UpsertChat(&Chat{ID: "peer-1", Kind: KindDirect, UpdatedAt: time.Now()})

	s.ApplyPresence(presence.Data{PeerID: "peer-1", Status: presence.StatusOnline, IsTyping: true})

	c, _ := s.Chat("peer-1")
	if c.Presence.Status != presence.StatusOnline || !c.Presence.IsTyping {
		t.Errorf("presence = %+v", c.Presence)
	}

	// Presence for a peer without a chat is dropped quietly.
	s.ApplyPresence(presence.Data{PeerID: "stranger"})
}

func TestMutationsPublishChatUpdated(t *testing.T) {
	b := bus.New()
	s := NewStore(nil, b, self, nil)
	t.Cleanup(s.Close)

	events, cancel := b.Subscribe(bus.KindChatUpdated, 8)
	defer cancel()

	_ = s.ApplyIncomingMessage("c1", textMsg(t, "m1", "peer", time.Now(), "hi"))

	select {
	case evt := <-events:
		c, ok := evt.Payload.(Chat)
		if !ok || c.ID != "c1" {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no chat.updated event")
	}
}

func TestProjectionSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := NewStore(db, bus.New(), self, nil)
	ts := time.Now().Truncate(time.Millisecond)
	mention := textMsg(t, "m1", "peer", ts, "@me ping")
	mention.Mentions = []string{self}
	_ = s.ApplyIncomingMessage("c1", mention)
	s.TogglePinned("c1")
	s.Close()
	_ = db.Close()

	db2, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })

	s2 := NewStore(db2, bus.New(), self, nil)
	t.Cleanup(s2.Close)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	c, ok := s2.Chat("c1")
	if !ok {
		t.Fatal("chat lost across restart")
	}
	if !c.Settings.Pinned {
		t.Error("pinned flag lost across restart")
	}
	if c.Counts.Unread != 1 || c.Counts.Mentions != 1 {
		t.Errorf("counts = %+v after reload, want unread=1 mentions=1", c.Counts)
	}
	m, ok := s2.Message("c1", "m1")
	if !ok || m.Content.Text() != "@me ping" {
		t.Errorf("message lost or mangled: %+v", m)
	}
}

func TestMessageUpsertedEventEmitted(t *testing.T) {
	b := bus.New()
	events, cancel := b.Subscribe(bus.KindMessageUpserted, 8)
	defer cancel()

	s := NewStore(nil, b, self, nil)
	t.Cleanup(s.Close)

	if err := s.ApplyIncomingMessage("c1", textMsg(t, "m1", "peer", time.Now(), "hello")); err != nil {
		t.Fatalf("ApplyIncomingMessage: %v", err)
	}

	select {
	case evt := <-events:
		m, ok := evt.Payload.(Message)
		if !ok {
			t.Fatalf("payload = %T, want Message", evt.Payload)
		}
		if m.ID != "m1" || m.ChatID != "c1" {
			t.Errorf("event message = %s/%s, want c1/m1", m.ChatID, m.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no message.upserted event")
	}
}

func TestCloseWaitsForBlockedEnqueues(t *testing.T) {
	s := NewStore(nil, bus.New(), self, nil)

	gate := make(chan struct{})
	occupied := make(chan struct{})
	go s.do("c1", func() {
		close(occupied)
		<-gate
	})
	<-occupied

	// More ops than the queue buffers, so some goroutines sit blocked on
	// the channel send when Close runs.
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.do("c1", func() {})
		}()
	}

	closed := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Close()
		close(closed)
	}()

	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	ran := false
	s.do("c1", func() { ran = true })
	if ran {
		t.Error("op ran after Close")
	}
}
