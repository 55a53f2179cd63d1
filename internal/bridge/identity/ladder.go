package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/oculairmedia/matrix-agent-bridge/common/retry"
)

// ladderWait is the bounded interval the admin-command-room step waits for
// the homeserver to apply the reset before the caller retries login.
const ladderWait = 1500 * time.Millisecond

// resetPassword runs the password-reset ladder of §4.2 in strict order,
// stopping at the first step that completes without error: the admin
// command-room message, then the Synapse v1 admin endpoint, then the v2
// fallback. Each step gets its own short retry budget of two attempts;
// errors are not classified, so a non-transient error (bad request,
// permission denied) is retried the same as a transient one.
func (m *Manager) resetPassword(ctx context.Context, localpart string, mxid id.UserID, newPassword string) error {
	steps := []struct {
		name string
		fn   func(context.Context, string, id.UserID, string) error
	}{
		{"admin-command-room", m.resetViaAdminRoom},
		{"synapse-admin-v1", m.resetViaSynapseV1},
		{"synapse-admin-v2", m.resetViaSynapseV2},
	}

	var lastErr error
	for _, step := range steps {
		err := retry.Do(ctx, retry.Config{MaxAttempts: 2, InitialDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}, func() error {
			return step.fn(ctx, localpart, mxid, newPassword)
		})
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s: %w", step.name, err)
	}
	return lastErr
}

// resetViaAdminRoom sends the "!admin users reset-password" command to the
// resolved admin room and waits a bounded interval for it to take effect.
// This never fails the ladder outright on a send error — it returns the
// error so the ladder proceeds to the Synapse admin API steps, which don't
// depend on a command bot being present in the room.
func (m *Manager) resetViaAdminRoom(ctx context.Context, localpart string, mxid id.UserID, newPassword string) error {
	if err := m.ensureAdminLogin(ctx); err != nil {
		return err
	}
	roomID, err := m.resolveAdminRoom(ctx)
	if err != nil {
		return err
	}
	body := fmt.Sprintf("!admin users reset-password %s %s", localpart, newPassword)
	if _, err := m.admin.SendText(ctx, roomID, body); err != nil {
		return fmt.Errorf("send reset command: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ladderWait):
	}
	return nil
}

// resolveAdminRoom joins/resolves the admin room alias once and caches the
// room ID for subsequent ladder attempts.
func (m *Manager) resolveAdminRoom(ctx context.Context) (id.RoomID, error) {
	if m.adminRoomID != "" {
		return m.adminRoomID, nil
	}
	if m.cfg.AdminRoomAlias == "" {
		return "", fmt.Errorf("admin room alias not configured")
	}
	resp, err := m.admin.ResolveAlias(ctx, id.RoomAlias(m.cfg.AdminRoomAlias))
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", m.cfg.AdminRoomAlias, err)
	}
	if _, err := m.admin.JoinRoomByID(ctx, resp.RoomID); err != nil {
		// An M_FORBIDDEN join is accepted and the room ID cached; any other
		// failure blocks sending the command.
		if httpErr, ok := err.(mautrix.HTTPError); !ok || httpErr.RespError == nil || httpErr.RespError.ErrCode != "M_FORBIDDEN" {
			return "", fmt.Errorf("join admin room: %w", err)
		}
	}
	m.adminRoomID = resp.RoomID
	return resp.RoomID, nil
}

// resetViaSynapseV1 calls POST /_synapse/admin/v1/reset_password/<mxid>.
// This is a raw HTTP call rather than a synapseadmin.Client method: the
// shared-secret registration and deactivate-account endpoints the teacher
// already wired have typed helpers in that package, but password reset
// does not, so the request is built directly against the homeserver base
// URL the same way synapseadmin.Client does internally.
func (m *Manager) resetViaSynapseV1(ctx context.Context, localpart string, mxid id.UserID, newPassword string) error {
	if err := m.ensureAdminLogin(ctx); err != nil {
		return err
	}
	path := "/_synapse/admin/v1/reset_password/" + string(mxid)
	return m.synapseAdminRequest(ctx, http.MethodPost, path, map[string]interface{}{
		"new_password":   newPassword,
		"logout_devices": false,
	})
}

// resetViaSynapseV2 calls PUT /_synapse/admin/v2/users/<mxid>, the
// general-purpose user-update endpoint, as a further fallback when v1 is
// unavailable on older Synapse deployments.
func (m *Manager) resetViaSynapseV2(ctx context.Context, localpart string, mxid id.UserID, newPassword string) error {
	if err := m.ensureAdminLogin(ctx); err != nil {
		return err
	}
	path := "/_synapse/admin/v2/users/" + string(mxid)
	return m.synapseAdminRequest(ctx, http.MethodPut, path, map[string]interface{}{
		"password": newPassword,
	})
}

// synapseAdminRequest issues one authenticated JSON request against the
// homeserver's admin API and surfaces non-2xx responses as errors.
func (m *Manager) synapseAdminRequest(ctx context.Context, method, path string, body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal admin request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(m.cfg.HomeserverURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.admin.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return fmt.Errorf("admin request %s %s -> %d: %s", method, path, resp.StatusCode, snippet)
	}
	return nil
}
