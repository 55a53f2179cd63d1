package storage

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by any Backend method when the underlying store
// cannot be reached. Per spec.md §4.1 and §7 this is a transient condition;
// callers should retry rather than treat it as a permanent failure.
var ErrUnavailable = errors.New("storage: backend unavailable")

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("storage: not found")

// Backend is the narrow persistence contract shared by the local sqlite-file
// store and the remote HTTP API client. Every method takes a context and
// returns an error so callers never need to special-case which backend is
// active; the two implementations differ only in where the bytes end up and
// in how they classify failures (ErrUnavailable on network trouble for the
// API backend; the file backend wraps its sqlite errors but never reports
// them as ErrUnavailable).
//
// The spec's "synchronous reads for the local backend" clause has no direct
// analogue in Go, where every call already blocks the calling goroutine
// until it returns — there is no implicit async/await to opt out of. The
// distinction that matters operationally is latency: FileBackend reads never
// leave the machine, so they complete without a network round trip, while
// APIBackend reads always do. Both are "synchronous" in the Go sense.
type Backend interface {
	// Local reports whether this backend is the in-process sqlite-file store
	// (true) or the remote HTTP API (false). Some callers (e.g. the
	// ClientPool's sync-token persistence) only have a home on the local
	// backend and degrade gracefully when this is false.
	Local() bool

	GetIdentity(ctx context.Context, id string) (*Identity, error)
	GetIdentityByMXID(ctx context.Context, mxid string) (*Identity, error)
	PutIdentity(ctx context.Context, identity *Identity) error
	ListIdentities(ctx context.Context) ([]*Identity, error)
	DeleteIdentity(ctx context.Context, id string) error

	GetDMRoom(ctx context.Context, key DMRoomKey) (*DMRoom, error)
	PutDMRoom(ctx context.Context, room *DMRoom) error

	GetAgentRoom(ctx context.Context, agentID string) (*AgentRoom, error)
	PutAgentRoom(ctx context.Context, room *AgentRoom) error
	ListAgentRooms(ctx context.Context) ([]*AgentRoom, error)
	DeleteAgentRoom(ctx context.Context, agentID string) error

	GetSpaceConfig(ctx context.Context) (*SpaceConfig, error)
	PutSpaceConfig(ctx context.Context, cfg *SpaceConfig) error

	Close() error
}

// SyncTokenStore persists per-identity Matrix /sync state (next_batch,
// filter ID) so a ClientPool client resumes instead of replaying room
// history after a restart. Only the sqlite-file backend implements this
// durably; see FileBackend's SaveNextBatch/LoadNextBatch/SaveFilterID/
// LoadFilterID in synctokens.go.
type SyncTokenStore interface {
	SaveNextBatch(ctx context.Context, userID, token string) error
	LoadNextBatch(ctx context.Context, userID string) (string, error)
	SaveFilterID(ctx context.Context, userID, filterID string) error
	LoadFilterID(ctx context.Context, userID string) (string, error)
}

// DMKey builds the symmetric DM room key for two MXIDs, sorting them so the
// key is the same regardless of call order — getOrCreateDM(a,b) and
// getOrCreateDM(b,a) must resolve to the one stored room.
func DMKey(a, b string) DMRoomKey {
	if a > b {
		a, b = b, a
	}
	return DMRoomKey(a + "|" + b)
}
