package store

import (
	"database/sql"
	"fmt"
)

// InsertFile persists committed file metadata. The row is immutable: a
// second insert for the same message id is rejected.
func (db *DB) InsertFile(f *FileRow) error {
	existing, err := db.GetFileByMessage(f.MessageID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("file metadata for message %s already committed", f.MessageID)
	}
	_, err = db.Exec(`
		INSERT INTO files (chat_id, message_id, uploaded_by, original_name, storage_path,
			url, size, content_type, integrity_hash, retry_count, duration_ms, thumbnail_url, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ChatID, f.MessageID, f.UploadedBy, f.OriginalName, f.StoragePath,
		f.URL, f.Size, f.ContentType, f.IntegrityHash, f.RetryCount,
		f.DurationMs, f.ThumbnailURL, f.UploadedAt)
	return err
}

// GetFileByMessage returns the committed metadata for a message, or nil.
func (db *DB) GetFileByMessage(messageID string) (*FileRow, error) {
	var f FileRow
	err := db.QueryRow(`
		SELECT id, chat_id, message_id, uploaded_by, original_name, storage_path,
			url, size, content_type, integrity_hash, retry_count, duration_ms, thumbnail_url, uploaded_at
		FROM files WHERE message_id = ?`, messageID).
		Scan(&f.RowID, &f.ChatID, &f.MessageID, &f.UploadedBy, &f.OriginalName,
			&f.StoragePath, &f.URL, &f.Size, &f.ContentType, &f.IntegrityHash,
			&f.RetryCount, &f.DurationMs, &f.ThumbnailURL, &f.UploadedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}
