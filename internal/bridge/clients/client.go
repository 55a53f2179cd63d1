// Package clients implements the C3 ClientPool: a keyed set of per-identity
// mautrix.Client sync loops, one per provisioned agent account, so the
// bridge can act as any of its agents on the Matrix network concurrently.
package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// EventHandler receives Matrix events observed by any client in the pool.
// identityID identifies which pool member the event arrived on, so routing
// code (internal/bridge/convo) can tell which agent account received it.
type EventHandler func(ctx context.Context, identityID string, evt *event.Event)

// MembershipHandler receives room-membership changes (invites, joins,
// leaves) for a client's own user ID.
type MembershipHandler func(ctx context.Context, identityID string, evt *event.Event)

// Client wraps one identity's mautrix.Client and its background sync loop.
type Client struct {
	identityID string
	mxid       id.UserID
	raw        *mautrix.Client
	stopCh     chan struct{}
	stopped    bool
}

// UserID returns the Matrix user ID this client acts as.
func (c *Client) UserID() id.UserID { return c.mxid }

// Raw exposes the underlying mautrix client for calls the pool doesn't wrap
// directly (room creation, state events, profile updates).
func (c *Client) Raw() *mautrix.Client { return c.raw }

// SendText sends a plain-text message to roomID.
func (c *Client) SendText(ctx context.Context, roomID id.RoomID, body string) (id.EventID, error) {
	resp, err := c.raw.SendText(ctx, roomID, body)
	if err != nil {
		return "", fmt.Errorf("clients: send text to %s as %s: %w", roomID, c.identityID, err)
	}
	return resp.EventID, nil
}

// ReplyText sends a plain-text message that m.relates_to.m.in_reply_to the
// given event, matching the reply-threading contract of spec.md §4.5.
func (c *Client) ReplyText(ctx context.Context, roomID id.RoomID, inReplyTo id.EventID, body string) (id.EventID, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: inReplyTo},
		},
	}
	resp, err := c.raw.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("clients: reply to %s in %s as %s: %w", inReplyTo, roomID, c.identityID, err)
	}
	return resp.EventID, nil
}

// JoinRoom joins roomID. Joining a room the user already belongs to
// succeeds on the homeserver, so that case needs no special handling; any
// error, including M_FORBIDDEN, is returned.
func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.raw.JoinRoomByID(ctx, roomID)
	if err != nil {
		return fmt.Errorf("clients: join %s as %s: %w", roomID, c.identityID, err)
	}
	return nil
}

// IsJoined reports whether this client's user is currently a member of
// roomID, used by the sender-selection fallback in spec.md §4.5.3 step 6.
func (c *Client) IsJoined(ctx context.Context, roomID id.RoomID) bool {
	joined, err := c.raw.JoinedRooms(ctx)
	if err != nil {
		return false
	}
	for _, r := range joined.Rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

// stop halts the sync loop and closes the underlying connection's stop
// channel exactly once.
func (c *Client) stop() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
	c.raw.StopSync()
}

// newClient builds a Client for ident, wiring its event handlers and sync
// store, but does not start the sync loop — the caller (Pool.Acquire)
// decides when to start it.
func newClient(ident *storage.Identity, homeserverURL string, syncStore mautrix.SyncStore, onEvent EventHandler, onMembership MembershipHandler) (*Client, error) {
	mxid := id.UserID(ident.MXID)
	raw, err := mautrix.NewClient(homeserverURL, mxid, ident.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("clients: create mautrix client for %s: %w", ident.ID, err)
	}
	raw.Store = syncStore

	c := &Client{
		identityID: ident.ID,
		mxid:       mxid,
		raw:        raw,
		stopCh:     make(chan struct{}),
	}

	syncer := raw.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if evt.Sender == mxid {
			return
		}
		if onEvent != nil {
			onEvent(ctx, ident.ID, evt)
		}
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		if evt.GetStateKey() != mxid.String() {
			return
		}
		if onMembership != nil {
			onMembership(ctx, ident.ID, evt)
		}
	})

	return c, nil
}

// run starts the exponential-backoff reconnecting sync loop. It blocks
// until the client is stopped or the sync goroutine exits cleanly; callers
// run it in its own goroutine.
func (c *Client) run(onTokenInvalid func(identityID string)) {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.raw.Sync()
		if err == nil {
			return
		}
		select {
		case <-c.stopCh:
			return
		default:
		}

		if isTokenInvalid(err) && onTokenInvalid != nil {
			slog.Warn("clients: access token invalid, requesting relogin", "identity", c.identityID, "err", err)
			onTokenInvalid(c.identityID)
			return
		}

		slog.Error("clients: sync stopped, reconnecting", "identity", c.identityID, "err", err, "backoff", backoff)
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func isTokenInvalid(err error) bool {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.RespError != nil {
		return httpErr.RespError.ErrCode == "M_UNKNOWN_TOKEN"
	}
	return false
}
