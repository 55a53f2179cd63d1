package webhook

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/clients"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// selectSender implements §4.5.2 step 6: prefer the identity named
// "letta_<agentId>" (an agent's own Matrix account); if that client isn't
// running, fall back to the first pool member already joined to roomID.
func selectSender(ctx context.Context, pool *clients.Pool, agentID string, roomID id.RoomID) *clients.Client {
	preferredID := string(storage.KindLetta) + "_" + agentID
	if c, ok := pool.Get(preferredID); ok {
		return c
	}

	for _, c := range pool.All() {
		if c.IsJoined(ctx, roomID) {
			return c
		}
	}
	return nil
}
