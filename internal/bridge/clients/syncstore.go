package clients

import (
	"context"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// Compile-time assertion that storeAdapter satisfies mautrix.SyncStore.
var _ mautrix.SyncStore = (*storeAdapter)(nil)

// storeAdapter adapts the plain string-keyed storage.SyncTokenStore (which
// knows nothing about Matrix wire types) to mautrix.SyncStore, which wants
// id.UserID. This is the one place the two vocabularies meet.
type storeAdapter struct {
	tokens storage.SyncTokenStore
}

func (s *storeAdapter) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.tokens.SaveFilterID(ctx, userID.String(), filterID)
}

func (s *storeAdapter) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.tokens.LoadFilterID(ctx, userID.String())
}

func (s *storeAdapter) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.tokens.SaveNextBatch(ctx, userID.String(), nextBatchToken)
}

func (s *storeAdapter) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.tokens.LoadNextBatch(ctx, userID.String())
}
