// Package export renders a conversation's message history as text or
// markdown. The rendering is deterministic: messages are ordered by
// timestamp with the message id as tiebreak, so exporting the same chat
// twice yields byte-identical output.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/tarekmestiri/souqtalk/internal/faults"
	"github.com/tarekmestiri/souqtalk/internal/store"
)

// Format selects the output rendering.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// Options control what each exported line carries.
type Options struct {
	IncludeTimestamps bool
	IncludeUserNames  bool
	IncludeMedia      bool
	Format            Format
}

// Exporter renders conversations from the message history.
type Exporter struct {
	db *store.DB
}

// NewExporter creates an exporter over the projection database.
func NewExporter(db *store.DB) *Exporter {
	return &Exporter{db: db}
}

// Export renders the full history of chatID, one line per message, oldest
// first. Unknown chats are a validation error.
func (e *Exporter) Export(chatID string, opts Options) (string, error) {
	if chatID == "" {
		return "", faults.New(faults.Validation, "export",
			fmt.Errorf("chat id is required"))
	}
	chat, err := e.db.GetChat(chatID)
	if err != nil {
		return "", fmt.Errorf("load chat: %w", err)
	}
	if chat == nil {
		return "", faults.New(faults.Validation, "export",
			fmt.Errorf("unknown chat")).WithChat(chatID)
	}
	msgs, err := e.db.MessagesAsc(chatID)
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}

	var b strings.Builder
	if opts.Format == FormatMarkdown {
		title := chat.Name
		if title == "" {
			title = chat.ID
		}
		fmt.Fprintf(&b, "# %s\n\n", title)
	}
	for i := range msgs {
		b.WriteString(e.renderLine(&msgs[i], opts))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (e *Exporter) renderLine(m *store.MessageRow, opts Options) string {
	var parts []string
	if opts.IncludeTimestamps {
		ts := time.UnixMilli(m.Timestamp).UTC().Format("2006-01-02 15:04:05")
		parts = append(parts, "["+ts+"]")
	}
	if opts.IncludeUserNames {
		name := m.SenderID
		if opts.Format == FormatMarkdown {
			name = "**" + name + "**"
		}
		parts = append(parts, name+":")
	}
	parts = append(parts, body(m, opts))

	line := strings.Join(parts, " ")
	if opts.Format == FormatMarkdown {
		line = "- " + line
	}
	return line
}

// body renders the message payload. Newlines collapse to spaces so the
// output stays one line per message and re-parses by line count.
func body(m *store.MessageRow, opts Options) string {
	if m.ContentType == "text" || m.ContentType == "" {
		return flatten(m.Body)
	}
	if !opts.IncludeMedia {
		return "[media omitted]"
	}
	switch m.ContentType {
	case "voice":
		d := time.Duration(m.DurationMs) * time.Millisecond
		return fmt.Sprintf("[voice message %s]", d.Round(time.Second))
	case "image":
		if m.Body != "" {
			return fmt.Sprintf("[photo] %s", flatten(m.Body))
		}
		return "[photo]"
	case "video":
		d := time.Duration(m.DurationMs) * time.Millisecond
		return fmt.Sprintf("[video %s]", d.Round(time.Second))
	case "file":
		return fmt.Sprintf("[file %s, %d bytes]", m.FileName, m.FileSize)
	case "location":
		return "[location]"
	case "contact":
		return "[contact]"
	}
	return "[" + m.ContentType + "]"
}

func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
