package store

import (
	"database/sql"
	"time"
)

// QueueOutbox adds an outgoing message to the send outbox.
func (db *DB) QueueOutbox(o *OutboxRow) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, chat_id, body, content_type, attachment_uri,
			attachment_name, attempts, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 'queued', ?, ?)`,
		o.ClientMsgID, o.ChatID, o.Body, o.ContentType, o.AttachmentURI, o.AttachmentName, now, now)
	return err
}

// MarkOutboxSending flips an entry to 'sending' and bumps its attempt count.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxCommitted records a successful remote commit.
func (db *DB) MarkOutboxCommitted(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'committed', error_message = '', updated_at = ?
		WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxQueued returns an entry to the queue after a transient failure.
func (db *DB) MarkOutboxQueued(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', error_message = ?, updated_at = ?
		WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// MarkOutboxFailed records a permanently failed entry.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// RequeueOutbox resets a failed entry for an explicit manual retry.
func (db *DB) RequeueOutbox(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'queued', attempts = 0, error_message = '', updated_at = ?
		WHERE client_msg_id = ? AND status = 'failed'`, now, clientMsgID)
	return err
}

// PendingOutbox returns queued entries oldest first.
func (db *DB) PendingOutbox() ([]OutboxRow, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, chat_id, body, content_type, attachment_uri,
			attachment_name, attempts, status, error_message
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxRow
	for rows.Next() {
		var o OutboxRow
		if err := rows.Scan(&o.RowID, &o.ClientMsgID, &o.ChatID, &o.Body, &o.ContentType,
			&o.AttachmentURI, &o.AttachmentName, &o.Attempts, &o.Status, &o.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, o)
	}
	return entries, rows.Err()
}

// GetOutbox returns one entry by client message id, or nil.
func (db *DB) GetOutbox(clientMsgID string) (*OutboxRow, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, chat_id, body, content_type, attachment_uri,
			attachment_name, attempts, status, error_message
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var o OutboxRow
	if err := rows.Scan(&o.RowID, &o.ClientMsgID, &o.ChatID, &o.Body, &o.ContentType,
		&o.AttachmentURI, &o.AttachmentName, &o.Attempts, &o.Status, &o.ErrorMessage); err != nil {
		return nil, err
	}
	return &o, nil
}

// SetSyncState stores a named sync checkpoint.
func (db *DB) SetSyncState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetSyncState retrieves a named sync checkpoint, empty when unset.
func (db *DB) GetSyncState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
