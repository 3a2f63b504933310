package export

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tarekmestiri/souqtalk/internal/faults"
	"github.com/tarekmestiri/souqtalk/internal/store"
)

func testDB(t *testing.T) *store.DB {
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

func seedChat(t *testing.T, db *store.DB, chatID string, n int) {
	t.Helper()
	if err := db.UpsertChat(&store.ChatRow{ID: chatID, Name: "Bike Sale", Kind: "direct"}); err != nil {
		t.Fatalf("upsert chat: %v", err)
	}
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	for i := 0; i < n; i++ {
		sender := "buyer"
		if i%2 == 1 {
			sender = "seller"
		}
		err := db.UpsertMessage(&store.MessageRow{
			ChatID:      chatID,
			MsgID:       fmt.Sprintf("m%03d", i),
			SenderID:    sender,
			Body:        fmt.Sprintf("message number %d", i),
			ContentType: "text",
			Status:      "read",
			ReadBy:      "[]",
			Mentions:    "[]",
			Links:       "[]",
			Keywords:    "[]",
			Timestamp:   base + int64(i*1000),
		})
		if err != nil {
			t.Fatalf("upsert message %d: %v", i, err)
		}
	}
}

func TestExportRoundTripPreservesCountAndOrder(t *testing.T) {
	db := testDB(t)
	seedChat(t, db, "c1", 50)
	e := NewExporter(db)

	out, err := e.Export("c1", Options{
		IncludeTimestamps: true,
		IncludeUserNames:  true,
		IncludeMedia:      true,
		Format:            FormatText,
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 50 {
		t.Fatalf("exported %d lines, want 50", len(lines))
	}
	for i, line := range lines {
		want := fmt.Sprintf("message number %d", i)
		if !strings.HasSuffix(line, want) {
			t.Fatalf("line %d = %q, original order not preserved", i, line)
		}
		if !strings.HasPrefix(line, "[2026-03-01") {
			t.Errorf("line %d missing timestamp: %q", i, line)
		}
		if !strings.Contains(line, "buyer:") && !strings.Contains(line, "seller:") {
			t.Errorf("line %d missing sender: %q", i, line)
		}
	}
}

func TestExportIsDeterministic(t *testing.T) {
	db := testDB(t)
	seedChat(t, db, "c1", 10)
	e := NewExporter(db)
	opts := Options{IncludeTimestamps: true, IncludeUserNames: true, Format: FormatText}

	a, err := e.Export("c1", opts)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	b, err := e.Export("c1", opts)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if a != b {
		t.Error("two exports of the same chat differ")
	}
}

func TestExportTogglesTrimLines(t *testing.T) {
	db := testDB(t)
	seedChat(t, db, "c1", 1)
	e := NewExporter(db)

	out, err := e.Export("c1", Options{Format: FormatText})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	line := strings.TrimRight(out, "\n")
	if line != "message number 0" {
		t.Errorf("bare export line = %q", line)
	}
}

func TestExportMediaPlaceholders(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertChat(&store.ChatRow{ID: "c1", Name: "x"}); err != nil {
		t.Fatal(err)
	}
	err := db.UpsertMessage(&store.MessageRow{
		ChatID: "c1", MsgID: "m1", SenderID: "peer",
		ContentType: "voice", DurationMs: 4000,
		ReadBy: "[]", Mentions: "[]", Links: "[]", Keywords: "[]",
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	e := NewExporter(db)

	out, _ := e.Export("c1", Options{IncludeMedia: true, Format: FormatText})
	if !strings.Contains(out, "[voice message 4s]") {
		t.Errorf("media metadata missing: %q", out)
	}

	out, _ = e.Export("c1", Options{IncludeMedia: false, Format: FormatText})
	if !strings.Contains(out, "[media omitted]") {
		t.Errorf("omission placeholder missing: %q", out)
	}
}

func TestExportMarkdownFormat(t *testing.T) {
	db := testDB(t)
	seedChat(t, db, "c1", 2)
	e := NewExporter(db)

	out, err := e.Export("c1", Options{IncludeUserNames: true, Format: FormatMarkdown})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.HasPrefix(out, "# Bike Sale\n") {
		t.Errorf("missing title: %q", out)
	}
	if !strings.Contains(out, "- **buyer**: message number 0") {
		t.Errorf("markdown line malformed: %q", out)
	}
}

func TestExportUnknownChat(t *testing.T) {
	db := testDB(t)
	e := NewExporter(db)
	_, err := e.Export("ghost", Options{})
	if !faults.IsValidation(err) {
		t.Errorf("Export(unknown) = %v, want validation error", err)
	}
}
