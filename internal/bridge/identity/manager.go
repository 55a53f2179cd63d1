// Package identity implements the C2 IdentityManager: deterministic Matrix
// account provisioning, re-login after token loss, and room membership
// upkeep for agent-owned accounts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/synapseadmin"

	"github.com/oculairmedia/matrix-agent-bridge/common/retry"
	"github.com/oculairmedia/matrix-agent-bridge/common/trace"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// ErrUnrecoverable is returned by GetOrCreate when every recovery path
// (fresh password login, reset ladder, historical password) has failed.
// Callers should surface this as a fatal per-identity error, not retry
// indefinitely.
var ErrUnrecoverable = errors.New("identity: account unrecoverable")

// Config configures the Manager.
type Config struct {
	HomeserverURL string
	ServerName    string
	AdminUserID   string
	AdminPassword string
	// PasswordSecret keys the deterministic password derivation (§4.2).
	PasswordSecret string
	// AdminRoomAlias is the admin command room used as the first rung of
	// the password-reset ladder (e.g. "#admins:example.org").
	AdminRoomAlias string
	// RegistrationToken, when set, enables the m.login.registration_token
	// auth flow instead of open (m.login.dummy) registration.
	RegistrationToken string
}

// Manager provisions and maintains Matrix identities for external agents.
// One Manager is shared by the whole bridge process; individual identity
// records are looked up and mutated through the storage.Backend it wraps.
type Manager struct {
	cfg   Config
	store storage.Backend

	// admin is the bridge operator's own client, used to register new
	// accounts and to drive the password-reset ladder's admin-room step.
	admin      *mautrix.Client
	adminAdmin *synapseadmin.Client

	adminRoomID id.RoomID // resolved lazily on first ladder attempt
}

// New creates a Manager. It does not perform any network calls; the admin
// client logs in lazily on first use so a misconfigured homeserver doesn't
// block process startup.
func New(cfg Config, store storage.Backend) (*Manager, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("identity: homeserver URL is required")
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("identity: server name is required")
	}
	if cfg.PasswordSecret == "" {
		return nil, fmt.Errorf("identity: password secret is required")
	}

	cli, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.AdminUserID), "")
	if err != nil {
		return nil, fmt.Errorf("identity: create admin client: %w", err)
	}

	return &Manager{
		cfg:        cfg,
		store:      store,
		admin:      cli,
		adminAdmin: &synapseadmin.Client{Client: cli},
	}, nil
}

// ensureAdminLogin logs the admin client in with its configured password if
// it doesn't already hold an access token. The admin account's own password
// is static config, not derived — it predates the bridge.
func (m *Manager) ensureAdminLogin(ctx context.Context) error {
	if m.admin.AccessToken != "" {
		return nil
	}
	if m.cfg.AdminPassword == "" {
		return fmt.Errorf("identity: admin password not configured, cannot log in %s", m.cfg.AdminUserID)
	}
	resp, err := m.admin.Login(ctx, &mautrix.ReqLogin{
		Type:             mautrix.AuthTypePassword,
		Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: m.cfg.AdminUserID},
		Password:         m.cfg.AdminPassword,
		StoreCredentials: true,
	})
	if err != nil {
		return fmt.Errorf("identity: admin login failed: %w", err)
	}
	m.admin.AccessToken = resp.AccessToken
	return nil
}

// mxidFor builds the full MXID for a derived localpart on the configured
// homeserver.
func (m *Manager) mxidFor(localpart string) id.UserID {
	return id.UserID(fmt.Sprintf("@%s:%s", localpart, m.cfg.ServerName))
}

// GetOrCreate returns the Identity for (kind, externalKey), provisioning a
// fresh Matrix account on first use and re-authenticating only when the
// stored record has no usable access token (§4.2 step sequence):
//
//  1. If a stored record exists and still holds a usable access token,
//     return it as-is — callers that need a fresh client should use
//     ClientPool, which re-validates lazily on first sync error.
//  2. Otherwise derive (localpart, password) and try a password login.
//  3. On login failure, register the account (idempotent: M_USER_IN_USE is
//     treated as "already exists, fall through to the reset ladder").
//  4. If registration also reports the account exists, run the
//     password-reset ladder, then retry login.
//  5. If the ladder fails, fall back to any historically stored password.
//  6. Exhausting every path returns ErrUnrecoverable.
func (m *Manager) GetOrCreate(ctx context.Context, kind storage.IdentityKind, externalKey, displayName string) (*storage.Identity, error) {
	traceID := trace.FromContext(ctx)
	deriver, err := deriverFor(kind)
	if err != nil {
		return nil, err
	}
	localpart, err := deriver.Derive(externalKey)
	if err != nil {
		return nil, err
	}
	password := derivePassword(localpart, m.cfg.PasswordSecret)
	mxid := m.mxidFor(localpart)
	identityID := string(kind) + "_" + externalKey

	existing, err := m.store.GetIdentity(ctx, identityID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("identity: lookup %s: %w", identityID, err)
	}
	if existing != nil && existing.AccessToken != "" && !existing.Deactivated {
		return existing, nil
	}

	slog.Info("identity: provisioning", "id", identityID, "mxid", mxid, "trace", traceID)

	token, loginErr := m.passwordLogin(ctx, mxid, password)
	if loginErr == nil {
		return m.persist(ctx, identityID, mxid, displayName, password, token, kind)
	}

	token, regErr := m.register(ctx, localpart, password, displayName)
	if regErr == nil {
		return m.persist(ctx, identityID, mxid, displayName, password, token, kind)
	}
	if !isUserInUse(regErr) {
		return nil, fmt.Errorf("identity: register %s: %w", identityID, regErr)
	}

	slog.Warn("identity: account exists but login failed, running reset ladder", "id", identityID, "mxid", mxid)
	if err := m.resetPassword(ctx, localpart, mxid, password); err != nil {
		slog.Warn("identity: reset ladder exhausted", "id", identityID, "err", err)
	} else if token, err := m.passwordLogin(ctx, mxid, password); err == nil {
		return m.persist(ctx, identityID, mxid, displayName, password, token, kind)
	}

	if existing != nil && existing.Password != "" && existing.Password != password {
		if token, err := m.passwordLogin(ctx, mxid, existing.Password); err == nil {
			return m.persist(ctx, identityID, mxid, displayName, existing.Password, token, kind)
		}
	}

	return nil, fmt.Errorf("%w: %s (%s)", ErrUnrecoverable, identityID, mxid)
}

// Relogin re-authenticates an already-provisioned identity after its access
// token was invalidated (M_UNKNOWN_TOKEN from a ClientPool sync error). It
// reuses GetOrCreate's full recovery ladder rather than duplicating it.
func (m *Manager) Relogin(ctx context.Context, ident *storage.Identity) (*storage.Identity, error) {
	stale := *ident
	stale.AccessToken = ""
	if err := m.store.PutIdentity(ctx, &stale); err != nil {
		return nil, fmt.Errorf("identity: clear stale token for %s: %w", ident.ID, err)
	}
	kind := ident.Kind
	externalKey := strings.TrimPrefix(ident.ID, string(kind)+"_")
	return m.GetOrCreate(ctx, kind, externalKey, ident.DisplayName)
}

func (m *Manager) passwordLogin(ctx context.Context, mxid id.UserID, password string) (string, error) {
	cli, err := mautrix.NewClient(m.cfg.HomeserverURL, mxid, "")
	if err != nil {
		return "", err
	}
	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypePassword,
		Identifier:               mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: string(mxid)},
		Password:                 password,
		InitialDeviceDisplayName: "matrix-agent-bridge",
	})
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

func (m *Manager) register(ctx context.Context, localpart, password, displayName string) (string, error) {
	if err := m.ensureAdminLogin(ctx); err != nil {
		return "", err
	}

	req := &mautrix.ReqRegister{
		Username:                 localpart,
		Password:                 password,
		InitialDeviceDisplayName: displayName,
	}
	if m.cfg.RegistrationToken != "" {
		req.Auth = struct {
			Type    string `json:"type"`
			Token   string `json:"token"`
			Session string `json:"session,omitempty"`
		}{Type: "m.login.registration_token", Token: m.cfg.RegistrationToken}
		resp, _, err := m.admin.Register(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.AccessToken, nil
	}

	resp, err := m.admin.RegisterDummy(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

func (m *Manager) persist(ctx context.Context, identityID string, mxid id.UserID, displayName, password, token string, kind storage.IdentityKind) (*storage.Identity, error) {
	now := time.Now()
	ident := &storage.Identity{
		ID:          identityID,
		MXID:        string(mxid),
		DisplayName: displayName,
		AccessToken: token,
		Password:    password,
		Kind:        kind,
		LastUsedAt:  now,
	}
	if existing, err := m.store.GetIdentity(ctx, identityID); err == nil {
		ident.CreatedAt = existing.CreatedAt
		ident.AvatarURL = existing.AvatarURL
	} else {
		ident.CreatedAt = now
	}
	if err := retry.Do(ctx, retry.DefaultConfig, func() error {
		return m.store.PutIdentity(ctx, ident)
	}); err != nil {
		return nil, fmt.Errorf("identity: persist %s: %w", identityID, err)
	}
	return ident, nil
}

// InviteToRooms invites userID to every room in rooms. M_FORBIDDEN (most
// commonly a room the account already belongs to) is ignored; every other
// per-room failure is collected rather than aborting the whole batch.
func (m *Manager) InviteToRooms(ctx context.Context, userID id.UserID, rooms []string) []error {
	var errs []error
	for _, roomID := range rooms {
		_, err := m.admin.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{UserID: userID})
		if err != nil && !errors.Is(err, mautrix.MForbidden) {
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
		}
	}
	return errs
}

// RemoveFromRooms kicks userID from every room in rooms, aggregating
// per-room errors the same way InviteToRooms does.
func (m *Manager) RemoveFromRooms(ctx context.Context, userID id.UserID, rooms []string) []error {
	var errs []error
	for _, roomID := range rooms {
		_, err := m.admin.KickUser(ctx, id.RoomID(roomID), &mautrix.ReqKickUser{
			UserID: userID,
			Reason: "identity deprovisioned",
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
		}
	}
	return errs
}

// Deactivate tears down a Matrix account via the Synapse admin API.
func (m *Manager) Deactivate(ctx context.Context, mxid id.UserID, erase bool) error {
	if err := m.ensureAdminLogin(ctx); err != nil {
		return err
	}
	if err := m.adminAdmin.DeactivateAccount(ctx, mxid, synapseadmin.ReqDeleteUser{Erase: erase}); err != nil {
		return fmt.Errorf("identity: deactivate %s: %w", mxid, err)
	}
	return nil
}

func isUserInUse(err error) bool {
	var mErr mautrix.HTTPError
	if errors.As(err, &mErr) && mErr.RespError != nil {
		return mErr.RespError.ErrCode == "M_USER_IN_USE"
	}
	return strings.Contains(err.Error(), "M_USER_IN_USE")
}
