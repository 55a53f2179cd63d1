// Package rooms implements the C4 RoomOrchestrator: DM room lookup/creation,
// per-agent room provisioning, and the parent "agents" space that every
// agent room is filed under.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/clients"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// Sentinel errors matching spec.md §4.4's failure taxonomy.
var (
	ErrRoomUnreachable  = errors.New("rooms: room unreachable")
	ErrSpaceUnavailable = errors.New("rooms: space unavailable")
	ErrPermissionDenied = errors.New("rooms: permission denied")
)

// spaceChildContent and spaceParentContent mirror the m.space.child /
// m.space.parent event shapes; mautrix's event package does not export
// typed structs for them, so they're modeled directly here the way the
// teacher models small ad hoc content types inline where no SDK type
// exists.
type spaceChildContent struct {
	Via       []string `json:"via,omitempty"`
	Order     string   `json:"order,omitempty"`
	Suggested bool     `json:"suggested,omitempty"`
}

type spaceParentContent struct {
	Via       []string `json:"via,omitempty"`
	Canonical bool     `json:"canonical,omitempty"`
}

// Config configures the RoomOrchestrator.
type Config struct {
	ServerName     string
	SpaceName      string
	BridgeBotMXID  string
	AdminMXIDs     []string
	AutoAcceptMXIDs map[string]bool // admin + bridge identities that auto-join agent room invites
}

// Orchestrator implements RoomOrchestrator.
type Orchestrator struct {
	cfg   Config
	store storage.Backend
	pool  *clients.Pool
}

// New creates an Orchestrator.
func New(cfg Config, store storage.Backend, pool *clients.Pool) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: store, pool: pool}
}

// GetOrCreateDM returns the stored room for the symmetric (from, to) pair,
// creating a trusted-private-chat the first time the pair is seen.
func (o *Orchestrator) GetOrCreateDM(ctx context.Context, from, to *clients.Client) (id.RoomID, error) {
	key := storage.DMKey(string(from.UserID()), string(to.UserID()))

	if existing, err := o.store.GetDMRoom(ctx, key); err == nil {
		return id.RoomID(existing.RoomID), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("rooms: lookup dm room: %w", err)
	}

	resp, err := from.Raw().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{to.UserID()},
		Preset:   "trusted_private_chat",
		IsDirect: true,
		PowerLevelOverride: &event.PowerLevelsEventContent{
			UsersDefault:  100,
			EventsDefault: 100,
			Users: map[id.UserID]int{
				from.UserID(): 100,
				to.UserID():   100,
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: create dm room: %v", ErrRoomUnreachable, err)
	}

	o.markDirect(ctx, from, to.UserID(), resp.RoomID)
	o.markDirect(ctx, to, from.UserID(), resp.RoomID)

	if err := o.store.PutDMRoom(ctx, &storage.DMRoom{
		Key:            key,
		RoomID:         string(resp.RoomID),
		ParticipantA:   string(from.UserID()),
		ParticipantB:   string(to.UserID()),
		CreatedAt:      time.Now(),
		LastActivityAt: time.Now(),
	}); err != nil {
		slog.Warn("rooms: persist dm room failed", "room", resp.RoomID, "err", err)
	}

	return resp.RoomID, nil
}

// markDirect updates the m.direct account-data event for who, adding
// roomID under the peer's MXID. Failures are logged, not fatal — an
// incomplete m.direct event only affects client UI grouping, not delivery.
func (o *Orchestrator) markDirect(ctx context.Context, who *clients.Client, peer id.UserID, roomID id.RoomID) {
	var direct map[id.UserID][]id.RoomID
	_ = who.Raw().GetAccountData(ctx, "m.direct", &direct)
	if direct == nil {
		direct = map[id.UserID][]id.RoomID{}
	}
	for _, r := range direct[peer] {
		if r == roomID {
			return
		}
	}
	direct[peer] = append(direct[peer], roomID)
	if err := who.Raw().SetAccountData(ctx, "m.direct", direct); err != nil {
		slog.Warn("rooms: set m.direct failed", "user", who.UserID(), "err", err)
	}
}

// GetOrCreateAgentRoom implements spec.md §4.4's two-path agent room
// algorithm: reuse-and-reinvite when a mapping already exists, or create a
// fresh room owned by the agent's own client otherwise. Either way the
// room ends up filed under the parent space before this returns.
func (o *Orchestrator) GetOrCreateAgentRoom(ctx context.Context, agentID, agentName string, agent, caller *clients.Client) (id.RoomID, error) {
	invitees := o.inviteeSet(caller.UserID())

	existing, err := o.store.GetAgentRoom(ctx, agentID)
	if err == nil {
		roomID := id.RoomID(existing.RoomID)
		if joinErr := agent.JoinRoom(ctx, roomID); joinErr == nil {
			o.ensureInvited(ctx, existing, roomID, agent, invitees)
			if spaceErr := o.addToSpace(ctx, agent, roomID); spaceErr != nil {
				slog.Warn("rooms: add existing room to space failed", "room", roomID, "err", spaceErr)
			}
			return roomID, nil
		}
		slog.Warn("rooms: stored agent room no longer reachable, recreating", "agent", agentID, "room", roomID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("rooms: lookup agent room: %w", err)
	}

	resp, err := agent.Raw().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   agentName,
		Invite: invitees,
		Preset: "private_chat",
		InitialState: []*event.Event{
			{
				Type:    event.StateHistoryVisibility,
				Content: event.Content{Parsed: &event.HistoryVisibilityEventContent{HistoryVisibility: event.HistoryVisibilityShared}},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: create agent room: %v", ErrRoomUnreachable, err)
	}

	status := map[string]storage.InvitationState{}
	for _, invitee := range invitees {
		status[string(invitee)] = storage.InvitationInvited
	}

	record := &storage.AgentRoom{
		AgentID:          agentID,
		AgentName:        agentName,
		RoomID:           string(resp.RoomID),
		AgentMXID:        string(agent.UserID()),
		InvitationStatus: status,
		RoomCreatedByUs:  true,
		CreatedAt:        time.Now(),
	}
	if err := o.store.PutAgentRoom(ctx, record); err != nil {
		slog.Warn("rooms: persist agent room failed", "agent", agentID, "err", err)
	}

	if err := o.addToSpace(ctx, agent, resp.RoomID); err != nil {
		slog.Warn("rooms: add new room to space failed", "room", resp.RoomID, "err", err)
	}

	return resp.RoomID, nil
}

// inviteeSet builds the standard four-party invite list: the caller, the
// bridge bot, every configured admin, and (implicitly) the owner — the
// agent itself is the room creator so it needs no invite.
func (o *Orchestrator) inviteeSet(caller id.UserID) []id.UserID {
	seen := map[id.UserID]bool{caller: true}
	out := []id.UserID{caller}
	add := func(mxid string) {
		uid := id.UserID(mxid)
		if uid == "" || seen[uid] {
			return
		}
		seen[uid] = true
		out = append(out, uid)
	}
	add(o.cfg.BridgeBotMXID)
	for _, admin := range o.cfg.AdminMXIDs {
		add(admin)
	}
	return out
}

// ensureInvited re-invites any invitee not already tracked as invited or
// joined, per the §4.4 reuse path, and persists any newly observed status.
func (o *Orchestrator) ensureInvited(ctx context.Context, record *storage.AgentRoom, roomID id.RoomID, agent *clients.Client, invitees []id.UserID) {
	changed := false
	for _, invitee := range invitees {
		if state, ok := record.InvitationStatus[string(invitee)]; ok && (state == storage.InvitationInvited || state == storage.InvitationJoined) {
			continue
		}
		_, err := agent.Raw().InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: invitee})
		switch {
		case err == nil:
			record.InvitationStatus[string(invitee)] = storage.InvitationInvited
			changed = true
		case errors.Is(err, mautrix.MForbidden):
			slog.Debug("rooms: invite already-present", "room", roomID, "user", invitee)
		default:
			record.InvitationStatus[string(invitee)] = storage.InvitationFailed
			changed = true
			slog.Warn("rooms: invite failed", "room", roomID, "user", invitee, "err", err)
		}
	}
	if changed {
		if err := o.store.PutAgentRoom(ctx, record); err != nil {
			slog.Warn("rooms: persist invitation status failed", "agent", record.AgentID, "err", err)
		}
	}
}

// EnsureSpace returns the parent space room ID, creating it if none is
// recorded yet or the recorded one is no longer reachable.
func (o *Orchestrator) EnsureSpace(ctx context.Context, owner *clients.Client) (id.RoomID, error) {
	name := o.cfg.SpaceName
	if name == "" {
		name = "Letta Agents"
	}

	if cfg, err := o.store.GetSpaceConfig(ctx); err == nil {
		roomID := id.RoomID(cfg.SpaceID)
		if owner.IsJoined(ctx, roomID) {
			return roomID, nil
		}
		if joinErr := owner.JoinRoom(ctx, roomID); joinErr == nil {
			return roomID, nil
		}
		slog.Warn("rooms: stored space no longer reachable, recreating", "space", roomID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: lookup space config: %v", ErrSpaceUnavailable, err)
	}

	resp, err := owner.Raw().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name: name,
		CreationContent: map[string]interface{}{
			"type": event.RoomTypeSpace,
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: create space: %v", ErrSpaceUnavailable, err)
	}

	if err := o.store.PutSpaceConfig(ctx, &storage.SpaceConfig{
		SpaceID:   string(resp.RoomID),
		Name:      name,
		CreatedAt: time.Now(),
	}); err != nil {
		slog.Warn("rooms: persist space config failed", "err", err)
	}

	if err := o.migrateAgentRoomsToSpace(ctx, owner, resp.RoomID); err != nil {
		slog.Warn("rooms: migrate agent rooms to new space failed", "err", err)
	}

	return resp.RoomID, nil
}

// addToSpace files roomID under the parent space, publishing the
// m.space.child event in the space and the reciprocal m.space.parent event
// in the child — both carry via: [server-name] per spec.md §4.4.
func (o *Orchestrator) addToSpace(ctx context.Context, owner *clients.Client, roomID id.RoomID) error {
	spaceID, err := o.EnsureSpace(ctx, owner)
	if err != nil {
		return err
	}
	via := []string{o.cfg.ServerName}

	if _, err := owner.Raw().SendStateEvent(ctx, spaceID, event.StateSpaceChild, roomID.String(), &spaceChildContent{Via: via}); err != nil {
		return fmt.Errorf("send m.space.child: %w", err)
	}
	if _, err := owner.Raw().SendStateEvent(ctx, roomID, event.StateSpaceParent, spaceID.String(), &spaceParentContent{Via: via, Canonical: true}); err != nil {
		return fmt.Errorf("send m.space.parent: %w", err)
	}
	return nil
}

// migrateAgentRoomsToSpace files every known agent room under a freshly
// created space, used whenever EnsureSpace creates one (first creation or
// replacement of an unreachable space).
func (o *Orchestrator) migrateAgentRoomsToSpace(ctx context.Context, owner *clients.Client, spaceID id.RoomID) error {
	agentRooms, err := o.store.ListAgentRooms(ctx)
	if err != nil {
		return err
	}
	via := []string{o.cfg.ServerName}
	for _, ar := range agentRooms {
		roomID := id.RoomID(ar.RoomID)
		if _, err := owner.Raw().SendStateEvent(ctx, spaceID, event.StateSpaceChild, roomID.String(), &spaceChildContent{Via: via}); err != nil {
			slog.Warn("rooms: migrate room to space failed", "room", roomID, "err", err)
			continue
		}
		if _, err := owner.Raw().SendStateEvent(ctx, roomID, event.StateSpaceParent, spaceID.String(), &spaceParentContent{Via: via, Canonical: true}); err != nil {
			slog.Warn("rooms: set space parent during migration failed", "room", roomID, "err", err)
		}
	}
	return nil
}

// HandleInvite implements the auto-accept policy: admin and bridge
// identities join automatically on invite; everyone else is left alone.
func (o *Orchestrator) HandleInvite(ctx context.Context, self *clients.Client, evt *event.Event) {
	if !o.cfg.AutoAcceptMXIDs[string(self.UserID())] {
		return
	}
	if evt.Content.AsMember() == nil || evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	if err := self.JoinRoom(ctx, evt.RoomID); err != nil {
		slog.Warn("rooms: auto-accept join failed", "room", evt.RoomID, "user", self.UserID(), "err", err)
	}
}
