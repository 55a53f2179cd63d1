package storage

import (
	"context"
	"database/sql"
)

// SaveNextBatch and friends give FileBackend the SyncTokenStore behavior the
// teacher's DBSyncStore implemented directly against mautrix.SyncStore. Here
// the mautrix-specific id.UserID marshaling lives one layer up in
// internal/bridge/clients, which adapts this plain string-keyed store to the
// mautrix.SyncStore interface — storage stays free of the matrix wire types.
func (f *FileBackend) SaveFilterID(ctx context.Context, userID, filterID string) error {
	return f.saveSyncKey(ctx, userID, "filter_id", filterID)
}

func (f *FileBackend) LoadFilterID(ctx context.Context, userID string) (string, error) {
	return f.loadSyncKey(ctx, userID, "filter_id")
}

func (f *FileBackend) SaveNextBatch(ctx context.Context, userID, token string) error {
	return f.saveSyncKey(ctx, userID, "next_batch", token)
}

func (f *FileBackend) LoadNextBatch(ctx context.Context, userID string) (string, error) {
	return f.loadSyncKey(ctx, userID, "next_batch")
}

func (f *FileBackend) saveSyncKey(ctx context.Context, userID, key, value string) error {
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value
	`, userID, key, value)
	return err
}

// loadSyncKey returns ("", nil) when no row exists yet — first run for this
// identity, nothing to resume from.
func (f *FileBackend) loadSyncKey(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := f.db.QueryRowContext(ctx, `
		SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?
	`, userID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
