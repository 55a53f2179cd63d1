package storage_test

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

func newTestBackend(t *testing.T, masterKey []byte) *storage.FileBackend {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bridge-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	fb, err := storage.NewFileBackend(f.Name(), masterKey)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	t.Cleanup(func() { fb.Close() })

	return fb
}

func TestNewFileBackend_RejectsShortMasterKey(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "bridge-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	if _, err := storage.NewFileBackend(f.Name(), []byte("too-short")); err == nil {
		t.Fatal("expected error for undersized master key, got nil")
	}
}

func TestPutAndGetIdentity(t *testing.T) {
	fb := newTestBackend(t, nil)
	ctx := context.Background()

	ident := &storage.Identity{
		ID:          "letta:agent-1",
		MXID:        "@letta_agent_1:example.org",
		DisplayName: "Agent One",
		AccessToken: "syt_abc123",
		Password:    "hunter2",
		Kind:        storage.KindLetta,
	}
	if err := fb.PutIdentity(ctx, ident); err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}

	got, err := fb.GetIdentity(ctx, "letta:agent-1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.MXID != ident.MXID {
		t.Errorf("MXID: got %q, want %q", got.MXID, ident.MXID)
	}
	if got.AccessToken != "syt_abc123" {
		t.Errorf("AccessToken: got %q, want %q", got.AccessToken, "syt_abc123")
	}
	if got.Password != "hunter2" {
		t.Errorf("Password: got %q, want %q", got.Password, "hunter2")
	}
	if got.Kind != storage.KindLetta {
		t.Errorf("Kind: got %q, want %q", got.Kind, storage.KindLetta)
	}
}

func TestGetIdentity_NotFound(t *testing.T) {
	fb := newTestBackend(t, nil)
	if _, err := fb.GetIdentity(context.Background(), "nonexistent"); err == nil {
		t.Fatal("expected error for missing identity, got nil")
	}
}

// TestPutIdentity_EncryptsSecretsAtRest confirms that with a master key
// configured, the access token and password land on disk as something
// other than their plaintext values, and still round-trip correctly
// through the backend's own Get path.
func TestPutIdentity_EncryptsSecretsAtRest(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	path := tempDBPath(t)
	fb, err := storage.NewFileBackend(path, key)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	t.Cleanup(func() { fb.Close() })

	ctx := context.Background()
	ident := &storage.Identity{
		ID:          "opencode:sess-1",
		MXID:        "@oc_sess_1:example.org",
		AccessToken: "syt_plaintext_token",
		Password:    "correct-horse-battery-staple",
		Kind:        storage.KindOpencode,
	}
	if err := fb.PutIdentity(ctx, ident); err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}

	rawToken, rawPassword := readRawIdentitySecrets(t, fb.DB(), ident.ID)
	if rawToken == ident.AccessToken {
		t.Error("access_token stored in plaintext with a master key configured")
	}
	if rawPassword == ident.Password {
		t.Error("password stored in plaintext with a master key configured")
	}
	if strings.Contains(rawToken, "plaintext") {
		t.Error("stored access_token leaks the plaintext value")
	}

	got, err := fb.GetIdentity(ctx, ident.ID)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.AccessToken != ident.AccessToken {
		t.Errorf("AccessToken round-trip: got %q, want %q", got.AccessToken, ident.AccessToken)
	}
	if got.Password != ident.Password {
		t.Errorf("Password round-trip: got %q, want %q", got.Password, ident.Password)
	}
}

// TestGetIdentity_PlaintextFallback_WhenKeyConfiguredLate confirms rows
// written before a master key existed still read back unchanged instead of
// failing base64 decode, per FileBackend.openSecret's documented fallback.
func TestGetIdentity_PlaintextFallback_WhenKeyConfiguredLate(t *testing.T) {
	path := tempDBPath(t)
	fb, err := storage.NewFileBackend(path, nil)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	ctx := context.Background()
	ident := &storage.Identity{ID: "custom:bridge", MXID: "@bridge:example.org", AccessToken: "syt_old", Password: "old-pass", Kind: storage.KindCustom}
	if err := fb.PutIdentity(ctx, ident); err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}
	fb.Close()

	key := make([]byte, 32)
	fb2, err := storage.NewFileBackend(path, key)
	if err != nil {
		t.Fatalf("reopen NewFileBackend: %v", err)
	}
	t.Cleanup(func() { fb2.Close() })

	got, err := fb2.GetIdentity(ctx, ident.ID)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.AccessToken != "syt_old" {
		t.Errorf("AccessToken: got %q, want %q", got.AccessToken, "syt_old")
	}
	if got.Password != "old-pass" {
		t.Errorf("Password: got %q, want %q", got.Password, "old-pass")
	}
}

func TestListIdentities(t *testing.T) {
	fb := newTestBackend(t, nil)
	ctx := context.Background()

	for _, id := range []string{"letta:a", "letta:b", "opencode:c"} {
		if err := fb.PutIdentity(ctx, &storage.Identity{ID: id, MXID: "@" + id + ":example.org", Kind: storage.KindLetta}); err != nil {
			t.Fatalf("PutIdentity(%s): %v", id, err)
		}
	}

	all, err := fb.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 identities, got %d", len(all))
	}
}

func TestPutAndGetAgentRoom(t *testing.T) {
	fb := newTestBackend(t, nil)
	ctx := context.Background()

	room := &storage.AgentRoom{
		AgentID:       "agent-1",
		AgentName:     "Agent One",
		RoomID:        "!room1:example.org",
		AgentMXID:     "@letta_agent_1:example.org",
		AgentPassword: "hunter2",
	}
	if err := fb.PutAgentRoom(ctx, room); err != nil {
		t.Fatalf("PutAgentRoom: %v", err)
	}

	got, err := fb.GetAgentRoom(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgentRoom: %v", err)
	}
	if got.RoomID != room.RoomID {
		t.Errorf("RoomID: got %q, want %q", got.RoomID, room.RoomID)
	}
	if got.AgentPassword != "hunter2" {
		t.Errorf("AgentPassword: got %q, want %q", got.AgentPassword, "hunter2")
	}
}

func TestGetSpaceConfig_NotFoundBeforeFirstPut(t *testing.T) {
	fb := newTestBackend(t, nil)
	if _, err := fb.GetSpaceConfig(context.Background()); err == nil {
		t.Fatal("expected error before any space config is stored, got nil")
	}
}

func TestPutAndGetSpaceConfig(t *testing.T) {
	fb := newTestBackend(t, nil)
	ctx := context.Background()

	cfg := &storage.SpaceConfig{SpaceID: "!space:example.org", Name: "Agents"}
	if err := fb.PutSpaceConfig(ctx, cfg); err != nil {
		t.Fatalf("PutSpaceConfig: %v", err)
	}

	got, err := fb.GetSpaceConfig(ctx)
	if err != nil {
		t.Fatalf("GetSpaceConfig: %v", err)
	}
	if got.SpaceID != cfg.SpaceID {
		t.Errorf("SpaceID: got %q, want %q", got.SpaceID, cfg.SpaceID)
	}
}

func tempDBPath(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "bridge-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()
	return f.Name()
}

func readRawIdentitySecrets(t *testing.T, db *sql.DB, id string) (accessToken, password string) {
	t.Helper()
	row := db.QueryRow(`SELECT access_token, password FROM identities WHERE id = ?`, id)
	if err := row.Scan(&accessToken, &password); err != nil {
		t.Fatalf("read raw identity row: %v", err)
	}
	return accessToken, password
}
