package store

import "time"

// UpsertMessage inserts or updates a message, idempotent on chat_id+msg_id.
// The insert timestamp is preserved across updates.
func (db *DB) UpsertMessage(m *MessageRow) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, sender_id, body, content_type, status,
			read_by, mentions, links, is_edited, is_forwarded, reply_to,
			duration_ms, file_size, file_name, thumbnail_url,
			sentiment, urgent, language, keywords, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			body = excluded.body,
			content_type = excluded.content_type,
			status = excluded.status,
			read_by = excluded.read_by,
			mentions = excluded.mentions,
			links = excluded.links,
			is_edited = excluded.is_edited,
			is_forwarded = excluded.is_forwarded,
			reply_to = excluded.reply_to,
			duration_ms = excluded.duration_ms,
			file_size = excluded.file_size,
			file_name = excluded.file_name,
			thumbnail_url = excluded.thumbnail_url,
			sentiment = excluded.sentiment,
			urgent = excluded.urgent,
			language = excluded.language,
			keywords = excluded.keywords,
			timestamp = excluded.timestamp`,
		m.ChatID, m.MsgID, m.SenderID, m.Body, m.ContentType, m.Status,
		m.ReadBy, m.Mentions, m.Links, m.IsEdited, m.IsForwarded, m.ReplyTo,
		m.DurationMs, m.FileSize, m.FileName, m.ThumbnailURL,
		m.Sentiment, m.Urgent, m.Language, m.Keywords, m.Timestamp, now)
	return err
}

const messageColumns = `id, chat_id, msg_id, sender_id, body, content_type, status,
	read_by, mentions, links, is_edited, is_forwarded, reply_to,
	duration_ms, file_size, file_name, thumbnail_url,
	sentiment, urgent, language, keywords, timestamp`

func scanMessage(row interface{ Scan(...any) error }) (*MessageRow, error) {
	var m MessageRow
	err := row.Scan(&m.RowID, &m.ChatID, &m.MsgID, &m.SenderID, &m.Body, &m.ContentType,
		&m.Status, &m.ReadBy, &m.Mentions, &m.Links, &m.IsEdited, &m.IsForwarded,
		&m.ReplyTo, &m.DurationMs, &m.FileSize, &m.FileName, &m.ThumbnailURL,
		&m.Sentiment, &m.Urgent, &m.Language, &m.Keywords, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a chat using keyset pagination by
// timestamp, newest first.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []MessageRow
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MessagesAsc returns the full message history of a chat in chronological
// order, ties broken by message id for a deterministic rendering.
func (db *DB) MessagesAsc(chatID string) ([]MessageRow, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp ASC, msg_id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []MessageRow
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
