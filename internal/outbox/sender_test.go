package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/config"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"github.com/tarekmestiri/souqtalk/internal/media"
	"github.com/tarekmestiri/souqtalk/internal/remote"
	"github.com/tarekmestiri/souqtalk/internal/store"
	"go.uber.org/zap"
)

type fakeCommitter struct {
	mu        sync.Mutex
	calls     int
	transient int
	permanent bool
	last      *remote.MessageDoc
}

func (f *fakeCommitter) AppendMessage(ctx context.Context, chatID string, msg *remote.MessageDoc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.permanent {
		return faults.New(faults.Permanent, "remote.append_message", errors.New("rejected"))
	}
	if f.calls <= f.transient {
		return faults.New(faults.Transient, "remote.append_message", errors.New("connection reset"))
	}
	f.last = msg
	return nil
}

func (f *fakeCommitter) lastDoc() *remote.MessageDoc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeUploader struct {
	meta *media.FileMetadata
	err  error
}

func (f *fakeUploader) Upload(ctx context.Context, req media.Request) (*media.FileMetadata, error) {
	return f.meta, f.err
}

func newTestSender(t *testing.T, docs Committer, uploads Uploader) (*Sender, *store.DB, *delivery.Tracker, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	tracker := delivery.NewTracker(b, nil)
	cfg := config.EngineConfig{CommitAttempts: 3, NetworkTimeoutSecs: 5}
	s := NewSender(db, docs, uploads, tracker, b, "me", cfg, zap.NewNop())
	return s, db, tracker, b
}

func queueText(t *testing.T, db *store.DB, msgID, chatID, body string) {
	t.Helper()
	err := db.QueueOutbox(&store.OutboxRow{
		ClientMsgID: msgID,
		ChatID:      chatID,
		Body:        body,
		ContentType: "text",
	})
	if err != nil {
		t.Fatalf("QueueOutbox: %v", err)
	}
}

func TestCommitQueuedEntry(t *testing.T) {
	docs := &fakeCommitter{}
	s, db, tracker, b := newTestSender(t, docs, &fakeUploader{})

	events, cancel := b.Subscribe(bus.KindOutboxCommitted, 8)
	defer cancel()

	queueText(t, db, "m1", "c1", "is this still for sale?")
	s.ProcessPending(context.Background())

	entry, _ := db.GetOutbox("m1")
	if entry.Status != "committed" {
		t.Errorf("outbox status = %q, want committed", entry.Status)
	}
	if st, _ := tracker.Status("m1"); st != delivery.StatusSent {
		t.Errorf("tracker status = %q, want sent", st)
	}
	doc := docs.lastDoc()
	if doc == nil || doc.SenderID != "me" || doc.Text != "is this still for sale?" {
		t.Errorf("committed doc = %+v", doc)
	}

	select {
	case <-events:
	default:
		t.Error("no outbox.committed event")
	}
}

func TestTransientCommitFailureRequeues(t *testing.T) {
	docs := &fakeCommitter{transient: 1}
	s, db, tracker, _ := newTestSender(t, docs, &fakeUploader{})

	queueText(t, db, "m1", "c1", "hello")
	s.ProcessPending(context.Background())

	entry, _ := db.GetOutbox("m1")
	if entry.Status != "queued" || entry.Attempts != 1 {
		t.Fatalf("entry = %+v, want queued with 1 attempt", entry)
	}
	if st, _ := tracker.Status("m1"); st != delivery.StatusSending {
		t.Errorf("tracker status = %q, a transient error must not fail the message", st)
	}

	s.ProcessPending(context.Background())
	entry, _ = db.GetOutbox("m1")
	if entry.Status != "committed" {
		t.Errorf("status = %q after retry, want committed", entry.Status)
	}
}

func TestAttemptBudgetExhaustionFails(t *testing.T) {
	docs := &fakeCommitter{transient: 100}
	s, db, tracker, b := newTestSender(t, docs, &fakeUploader{})

	events, cancel := b.Subscribe(bus.KindOutboxFailed, 8)
	defer cancel()

	queueText(t, db, "m1", "c1", "hello")
	for i := 0; i < 4; i++ {
		s.ProcessPending(context.Background())
	}

	entry, _ := db.GetOutbox("m1")
	if entry.Status != "failed" {
		t.Fatalf("status = %q, want failed after budget exhaustion", entry.Status)
	}
	if st, _ := tracker.Status("m1"); st != delivery.StatusFailed {
		t.Errorf("tracker status = %q, want failed", st)
	}
	select {
	case <-events:
	default:
		t.Error("no outbox.failed event")
	}
}

func TestPermanentCommitFailureFailsImmediately(t *testing.T) {
	docs := &fakeCommitter{permanent: true}
	s, db, tracker, _ := newTestSender(t, docs, &fakeUploader{})

	queueText(t, db, "m1", "c1", "hello")
	s.ProcessPending(context.Background())

	entry, _ := db.GetOutbox("m1")
	if entry.Status != "failed" {
		t.Errorf("status = %q, want failed", entry.Status)
	}
	if st, _ := tracker.Status("m1"); st != delivery.StatusFailed {
		t.Errorf("tracker status = %q, want failed", st)
	}
}

func TestAttachmentCommittedWithMetadata(t *testing.T) {
	docs := &fakeCommitter{}
	uploads := &fakeUploader{meta: &media.FileMetadata{
		OriginalName:  "photo.jpg",
		StoragePath:   "c1/m1/photo.jpg",
		URL:           "https://blobs.local/c1/m1/photo.jpg",
		Size:          2048,
		ContentType:   "image/jpeg",
		IntegrityHash: "abc123",
	}}
	s, db, _, _ := newTestSender(t, docs, uploads)

	err := db.QueueOutbox(&store.OutboxRow{
		ClientMsgID:    "m1",
		ChatID:         "c1",
		Body:           "check this out",
		ContentType:    "image",
		AttachmentURI:  "/tmp/photo.jpg",
		AttachmentName: "photo.jpg",
	})
	if err != nil {
		t.Fatalf("QueueOutbox: %v", err)
	}
	s.ProcessPending(context.Background())

	doc := docs.lastDoc()
	if doc == nil || doc.FileMetadata == nil {
		t.Fatalf("doc = %+v, want attached metadata", doc)
	}
	if doc.FileMetadata.IntegrityHash != "abc123" || len(doc.Attachments) != 1 {
		t.Errorf("metadata = %+v attachments = %v", doc.FileMetadata, doc.Attachments)
	}
}

func TestUploadFailureAbandonsEntry(t *testing.T) {
	docs := &fakeCommitter{}
	uploads := &fakeUploader{err: faults.New(faults.Permanent, "media.upload", errors.New("gone"))}
	s, db, _, _ := newTestSender(t, docs, uploads)

	err := db.QueueOutbox(&store.OutboxRow{
		ClientMsgID:   "m1",
		ChatID:        "c1",
		ContentType:   "image",
		AttachmentURI: "/tmp/gone.jpg",
	})
	if err != nil {
		t.Fatalf("QueueOutbox: %v", err)
	}
	s.ProcessPending(context.Background())

	entry, _ := db.GetOutbox("m1")
	if entry.Status != "failed" {
		t.Errorf("status = %q, want failed", entry.Status)
	}
	if docs.lastDoc() != nil {
		t.Error("nothing may be committed when the upload fails")
	}
}

func TestRetryRequeuesFailedEntry(t *testing.T) {
	docs := &fakeCommitter{permanent: true}
	s, db, tracker, _ := newTestSender(t, docs, &fakeUploader{})

	queueText(t, db, "m1", "c1", "hello")
	s.ProcessPending(context.Background())

	if err := s.Retry("m1"); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	entry, _ := db.GetOutbox("m1")
	if entry.Status != "queued" || entry.Attempts != 0 {
		t.Errorf("entry = %+v, want requeued with attempts reset", entry)
	}
	if st, _ := tracker.Status("m1"); st != delivery.StatusSending {
		t.Errorf("tracker status = %q, want sending after retry", st)
	}

	if err := s.Retry("m1"); !faults.IsStateConflict(err) {
		t.Errorf("Retry on queued entry = %v, want state conflict", err)
	}
	if err := s.Retry("ghost"); !faults.IsValidation(err) {
		t.Errorf("Retry on unknown entry = %v, want validation error", err)
	}
}
