// Package storage implements the C1 persistence contract of the bridge: a
// narrow set of durable mappings (identities, DM rooms, agent rooms, the
// space singleton) behind one Backend interface with two interchangeable
// implementations — a local sqlite-file store and a remote HTTP API client.
package storage

import "time"

// IdentityKind tags the three identity-derivation strategies.
type IdentityKind string

const (
	KindLetta    IdentityKind = "letta"
	KindOpencode IdentityKind = "opencode"
	KindCustom   IdentityKind = "custom"
)

// Identity is a provisioned Matrix account for an external agent, session,
// or gossip-mesh participant. (id, mxid) are both unique keys.
type Identity struct {
	ID          string
	MXID        string
	DisplayName string
	AvatarURL   string
	AccessToken string
	Password    string
	Kind        IdentityKind
	CreatedAt   time.Time
	LastUsedAt  time.Time
	// Deactivated marks an identity whose homeserver account has been torn
	// down. FileBackend.ListIdentities always excludes deactivated
	// identities; there is no option to include them.
	Deactivated bool
}

// DMRoomKey is the symmetric two-party key used to look up a DM room: the
// two participant MXIDs, lexicographically sorted and joined with "|".
type DMRoomKey string

// DMRoom records a one-to-one direct-message room between two MXIDs.
type DMRoom struct {
	Key            DMRoomKey
	RoomID         string
	ParticipantA   string
	ParticipantB   string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// InvitationState is the per-member invitation lifecycle tracked on an
// AgentRoom, keyed by MXID.
type InvitationState string

const (
	InvitationInvited InvitationState = "invited"
	InvitationJoined  InvitationState = "joined"
	InvitationFailed  InvitationState = "failed"
)

// AgentRoom is the agent-owned Matrix room mapping: exactly one per agentID
// in the live set.
type AgentRoom struct {
	AgentID           string
	AgentName         string
	RoomID            string
	AgentMXID         string
	AgentPassword     string
	InvitationStatus  map[string]InvitationState
	CreatedAt         time.Time
	RoomCreatedByUs   bool
}

// SpaceConfig is the singleton parent-space record. Exactly one exists after
// the first successful space creation.
type SpaceConfig struct {
	SpaceID   string
	Name      string
	CreatedAt time.Time
}
