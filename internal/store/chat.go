package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or replaces a chat projection row.
func (db *DB) UpsertChat(c *ChatRow) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, name, kind, pinned, muted, archived, favorite, priority,
			encrypted, verified, blocked, self_destruct_secs, category, tags, sentiment,
			last_msg_id, last_msg_preview, last_msg_sender, last_msg_at, delivery_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			pinned = excluded.pinned,
			muted = excluded.muted,
			archived = excluded.archived,
			favorite = excluded.favorite,
			priority = excluded.priority,
			encrypted = excluded.encrypted,
			verified = excluded.verified,
			blocked = excluded.blocked,
			self_destruct_secs = excluded.self_destruct_secs,
			category = excluded.category,
			tags = excluded.tags,
			sentiment = excluded.sentiment,
			last_msg_id = excluded.last_msg_id,
			last_msg_preview = excluded.last_msg_preview,
			last_msg_sender = excluded.last_msg_sender,
			last_msg_at = excluded.last_msg_at,
			delivery_status = excluded.delivery_status,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Kind, c.Pinned, c.Muted, c.Archived, c.Favorite, c.Priority,
		c.Encrypted, c.Verified, c.Blocked, c.SelfDestructSecs, c.Category, c.Tags, c.Sentiment,
		c.LastMsgID, c.LastMsgPreview, c.LastMsgSender, c.LastMsgAt, c.DeliveryStatus, now)
	return err
}

const chatColumns = `id, name, kind, pinned, muted, archived, favorite, priority,
	encrypted, verified, blocked, self_destruct_secs, category, tags, sentiment,
	last_msg_id, last_msg_preview, last_msg_sender, last_msg_at, delivery_status, updated_at`

func scanChat(row interface{ Scan(...any) error }) (*ChatRow, error) {
	var c ChatRow
	err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.Pinned, &c.Muted, &c.Archived, &c.Favorite,
		&c.Priority, &c.Encrypted, &c.Verified, &c.Blocked, &c.SelfDestructSecs,
		&c.Category, &c.Tags, &c.Sentiment, &c.LastMsgID, &c.LastMsgPreview,
		&c.LastMsgSender, &c.LastMsgAt, &c.DeliveryStatus, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetChat returns a single chat by id, or nil when unknown.
func (db *DB) GetChat(id string) (*ChatRow, error) {
	c, err := scanChat(db.QueryRow(`SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListChats returns chats pinned first, then by last message timestamp
// descending, ties broken by id. Archived chats are skipped unless
// includeArchived is set.
func (db *DB) ListChats(includeArchived bool) ([]ChatRow, error) {
	where := `WHERE archived = 0`
	if includeArchived {
		where = ``
	}
	rows, err := db.Query(`SELECT ` + chatColumns + ` FROM chats ` + where + `
		ORDER BY pinned DESC, last_msg_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []ChatRow
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}
