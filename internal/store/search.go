package store

import (
	"fmt"
	"strings"
)

// Search runs a full-text query over message bodies, newest first.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	ftsQuery := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := db.Query(`
		SELECT m.id, m.chat_id, m.msg_id, m.sender_id, m.body, m.content_type, m.status,
			m.read_by, m.mentions, m.links, m.is_edited, m.is_forwarded, m.reply_to,
			m.duration_ms, m.file_size, m.file_name, m.thumbnail_url,
			m.sentiment, m.urgent, m.language, m.keywords, m.timestamp,
			snippet(messages_fts, 0, '[', ']', '…', 12)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE messages_fts MATCH ?
		ORDER BY m.timestamp DESC
		LIMIT ?`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		m := &r.Message
		if err := rows.Scan(&m.RowID, &m.ChatID, &m.MsgID, &m.SenderID, &m.Body,
			&m.ContentType, &m.Status, &m.ReadBy, &m.Mentions, &m.Links,
			&m.IsEdited, &m.IsForwarded, &m.ReplyTo, &m.DurationMs, &m.FileSize,
			&m.FileName, &m.ThumbnailURL, &m.Sentiment, &m.Urgent, &m.Language,
			&m.Keywords, &m.Timestamp, &r.Snippet); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// sanitizeFTSQuery quotes each term so user input cannot inject FTS syntax.
func sanitizeFTSQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}
