package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/oculairmedia/matrix-agent-bridge/common/crypto"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// FileBackend is the local sqlite-file Storage backend. Each logical
// "document" from spec.md §4.1 (identities, DM mappings, agent rooms, the
// space singleton) is a table, and every mutation is wrapped in one SQL
// transaction — the "rewritten atomically on every mutation" contract is
// satisfied by the transaction boundary instead of a temp-file-rename
// dance. See SPEC_FULL.md §4.1 for the rationale.
//
// SQLite is single-writer by design; like the teacher's store.Store, a
// single shared connection is kept so concurrent callers are serialized by
// database/sql instead of fighting for write locks across connections.
type FileBackend struct {
	db        *sql.DB
	masterKey []byte
}

// NewFileBackend opens (creating if necessary) the sqlite file at path and
// runs any pending migrations. masterKey encrypts Identity.Password and
// Identity.AccessToken at rest; pass nil to store them in plaintext (only
// acceptable for local development — see common/crypto.LoadMasterKey).
func NewFileBackend(path string, masterKey []byte) (*FileBackend, error) {
	if masterKey != nil && len(masterKey) != crypto.KeySize {
		return nil, fmt.Errorf("storage: master key must be %d bytes, got %d", crypto.KeySize, len(masterKey))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: set pragma %q: %w", p, err)
		}
	}

	fb := &FileBackend{db: db, masterKey: masterKey}
	if err := fb.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return fb, nil
}

func (f *FileBackend) Local() bool { return true }

func (f *FileBackend) Close() error { return f.db.Close() }

// DB exposes the underlying connection, e.g. for tests that inspect raw
// rows. Sync tokens do not go through it: FileBackend's own SyncTokenStore
// methods (synctokens.go) persist them on the same connection.
func (f *FileBackend) DB() *sql.DB { return f.db }

func (f *FileBackend) runMigrations() error {
	if _, err := f.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := f.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	seen := make(map[int]string, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return fmt.Errorf("duplicate migration version %04d: %q and %q", version, prev, e.Name())
		}
		seen[version] = e.Name()
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(e.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", e.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		tx, err := f.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		slog.Info("storage: applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}
	return nil
}

// ---- identities ------------------------------------------------------------

// sealSecret encrypts plaintext with the backend's master key and returns a
// base64 string suitable for a TEXT column. With no master key configured it
// passes plaintext through unchanged.
func (f *FileBackend) sealSecret(plaintext string) (string, error) {
	if f.masterKey == nil || plaintext == "" {
		return plaintext, nil
	}
	ciphertext, err := crypto.Encrypt(f.masterKey, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("storage: seal secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// openSecret reverses sealSecret. Values written before a master key was
// configured are not valid base64-of-ciphertext; in that case the stored
// value is returned as-is rather than failing the read.
func (f *FileBackend) openSecret(stored string) (string, error) {
	if f.masterKey == nil || stored == "" {
		return stored, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return stored, nil
	}
	plaintext, err := crypto.Decrypt(f.masterKey, ciphertext)
	if err != nil {
		return "", fmt.Errorf("storage: open secret: %w", err)
	}
	return string(plaintext), nil
}

func (f *FileBackend) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	return f.scanIdentity(f.db.QueryRowContext(ctx, `
		SELECT id, mxid, display_name, avatar_url, access_token, password, kind, created_at, last_used_at, deactivated
		FROM identities WHERE id = ?`, id))
}

func (f *FileBackend) GetIdentityByMXID(ctx context.Context, mxid string) (*Identity, error) {
	return f.scanIdentity(f.db.QueryRowContext(ctx, `
		SELECT id, mxid, display_name, avatar_url, access_token, password, kind, created_at, last_used_at, deactivated
		FROM identities WHERE mxid = ?`, mxid))
}

func (f *FileBackend) scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		id, mxid, displayName, avatarURL, accessToken, password, kind string
		createdAt, lastUsedAt                                         time.Time
		deactivated                                                   int
	)
	err := row.Scan(&id, &mxid, &displayName, &avatarURL, &accessToken, &password, &kind, &createdAt, &lastUsedAt, &deactivated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan identity: %w", err)
	}
	openedToken, err := f.openSecret(accessToken)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt identity %s access token: %w", id, err)
	}
	openedPassword, err := f.openSecret(password)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt identity %s password: %w", id, err)
	}
	return &Identity{
		ID: id, MXID: mxid, DisplayName: displayName, AvatarURL: avatarURL,
		AccessToken: openedToken, Password: openedPassword, Kind: IdentityKind(kind),
		CreatedAt: createdAt, LastUsedAt: lastUsedAt, Deactivated: deactivated != 0,
	}, nil
}

// PutIdentity upserts by id, matching IdentityManager's getOrCreate which
// persists once on first provisioning and again whenever the token or
// display name changes.
func (f *FileBackend) PutIdentity(ctx context.Context, ident *Identity) error {
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now()
	}
	sealedToken, err := f.sealSecret(ident.AccessToken)
	if err != nil {
		return fmt.Errorf("storage: put identity %s: %w", ident.ID, err)
	}
	sealedPassword, err := f.sealSecret(ident.Password)
	if err != nil {
		return fmt.Errorf("storage: put identity %s: %w", ident.ID, err)
	}
	_, err = f.db.ExecContext(ctx, `
		INSERT INTO identities (id, mxid, display_name, avatar_url, access_token, password, kind, created_at, last_used_at, deactivated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mxid = excluded.mxid,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			access_token = excluded.access_token,
			password = excluded.password,
			kind = excluded.kind,
			last_used_at = excluded.last_used_at,
			deactivated = excluded.deactivated
	`, ident.ID, ident.MXID, ident.DisplayName, ident.AvatarURL, sealedToken, sealedPassword,
		string(ident.Kind), ident.CreatedAt, ident.LastUsedAt, boolToInt(ident.Deactivated))
	if err != nil {
		return fmt.Errorf("storage: put identity %s: %w", ident.ID, err)
	}
	return nil
}

func (f *FileBackend) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT id, mxid, display_name, avatar_url, access_token, password, kind, created_at, last_used_at, deactivated
		FROM identities WHERE deactivated = 0 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		var (
			id, mxid, displayName, avatarURL, accessToken, password, kind string
			createdAt, lastUsedAt                                         time.Time
			deactivated                                                   int
		)
		if err := rows.Scan(&id, &mxid, &displayName, &avatarURL, &accessToken, &password, &kind, &createdAt, &lastUsedAt, &deactivated); err != nil {
			return nil, fmt.Errorf("storage: scan identity row: %w", err)
		}
		openedToken, err := f.openSecret(accessToken)
		if err != nil {
			return nil, fmt.Errorf("storage: decrypt identity %s access token: %w", id, err)
		}
		openedPassword, err := f.openSecret(password)
		if err != nil {
			return nil, fmt.Errorf("storage: decrypt identity %s password: %w", id, err)
		}
		out = append(out, &Identity{
			ID: id, MXID: mxid, DisplayName: displayName, AvatarURL: avatarURL,
			AccessToken: openedToken, Password: openedPassword, Kind: IdentityKind(kind),
			CreatedAt: createdAt, LastUsedAt: lastUsedAt, Deactivated: deactivated != 0,
		})
	}
	return out, rows.Err()
}

func (f *FileBackend) DeleteIdentity(ctx context.Context, id string) error {
	_, err := f.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete identity %s: %w", id, err)
	}
	return nil
}

// ---- DM rooms ---------------------------------------------------------------

func (f *FileBackend) GetDMRoom(ctx context.Context, key DMRoomKey) (*DMRoom, error) {
	var (
		k, roomID, a, b       string
		createdAt, lastActive time.Time
	)
	err := f.db.QueryRowContext(ctx, `
		SELECT key, room_id, participant_a, participant_b, created_at, last_activity_at
		FROM dm_rooms WHERE key = ?`, string(key)).Scan(&k, &roomID, &a, &b, &createdAt, &lastActive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get dm room: %w", err)
	}
	return &DMRoom{Key: DMRoomKey(k), RoomID: roomID, ParticipantA: a, ParticipantB: b, CreatedAt: createdAt, LastActivityAt: lastActive}, nil
}

func (f *FileBackend) PutDMRoom(ctx context.Context, room *DMRoom) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	if room.LastActivityAt.IsZero() {
		room.LastActivityAt = room.CreatedAt
	}
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO dm_rooms (key, room_id, participant_a, participant_b, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			room_id = excluded.room_id,
			last_activity_at = excluded.last_activity_at
	`, string(room.Key), room.RoomID, room.ParticipantA, room.ParticipantB, room.CreatedAt, room.LastActivityAt)
	if err != nil {
		return fmt.Errorf("storage: put dm room %s: %w", room.Key, err)
	}
	return nil
}

// ---- agent rooms --------------------------------------------------------------

func (f *FileBackend) GetAgentRoom(ctx context.Context, agentID string) (*AgentRoom, error) {
	var (
		id, name, roomID, mxid, password, statusJSON string
		createdByUs                                  int
		createdAt                                     time.Time
	)
	err := f.db.QueryRowContext(ctx, `
		SELECT agent_id, agent_name, room_id, agent_mxid, agent_password, invitation_status, room_created_by_us, created_at
		FROM agent_rooms WHERE agent_id = ?`, agentID).
		Scan(&id, &name, &roomID, &mxid, &password, &statusJSON, &createdByUs, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get agent room: %w", err)
	}
	openedPassword, err := f.openSecret(password)
	if err != nil {
		return nil, fmt.Errorf("storage: decrypt agent room %s password: %w", id, err)
	}
	password = openedPassword
	status := map[string]InvitationState{}
	if statusJSON != "" {
		raw := map[string]string{}
		if jsonErr := json.Unmarshal([]byte(statusJSON), &raw); jsonErr == nil {
			for k, v := range raw {
				status[k] = InvitationState(v)
			}
		}
	}
	return &AgentRoom{
		AgentID: id, AgentName: name, RoomID: roomID, AgentMXID: mxid, AgentPassword: password,
		InvitationStatus: status, RoomCreatedByUs: createdByUs != 0, CreatedAt: createdAt,
	}, nil
}

// PutAgentRoom upserts the whole record, including invitation_status,
// matching the invariant that "if a room becomes inaccessible the mapping is
// rewritten atomically with the replacement" — one statement, one tx.
func (f *FileBackend) PutAgentRoom(ctx context.Context, room *AgentRoom) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	raw := make(map[string]string, len(room.InvitationStatus))
	for k, v := range room.InvitationStatus {
		raw[k] = string(v)
	}
	statusJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("storage: marshal invitation_status: %w", err)
	}
	sealedPassword, err := f.sealSecret(room.AgentPassword)
	if err != nil {
		return fmt.Errorf("storage: put agent room %s: %w", room.AgentID, err)
	}
	_, err = f.db.ExecContext(ctx, `
		INSERT INTO agent_rooms (agent_id, agent_name, room_id, agent_mxid, agent_password, invitation_status, room_created_by_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_name = excluded.agent_name,
			room_id = excluded.room_id,
			agent_mxid = excluded.agent_mxid,
			agent_password = excluded.agent_password,
			invitation_status = excluded.invitation_status,
			room_created_by_us = excluded.room_created_by_us
	`, room.AgentID, room.AgentName, room.RoomID, room.AgentMXID, sealedPassword,
		string(statusJSON), boolToInt(room.RoomCreatedByUs), room.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: put agent room %s: %w", room.AgentID, err)
	}
	return nil
}

func (f *FileBackend) ListAgentRooms(ctx context.Context) ([]*AgentRoom, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT agent_id, agent_name, room_id, agent_mxid, agent_password, invitation_status, room_created_by_us, created_at
		FROM agent_rooms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent rooms: %w", err)
	}
	defer rows.Close()

	var out []*AgentRoom
	for rows.Next() {
		var (
			id, name, roomID, mxid, password, statusJSON string
			createdByUs                                  int
			createdAt                                     time.Time
		)
		if err := rows.Scan(&id, &name, &roomID, &mxid, &password, &statusJSON, &createdByUs, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan agent room row: %w", err)
		}
		openedPassword, err := f.openSecret(password)
		if err != nil {
			return nil, fmt.Errorf("storage: decrypt agent room %s password: %w", id, err)
		}
		password = openedPassword
		status := map[string]InvitationState{}
		raw := map[string]string{}
		if statusJSON != "" {
			_ = json.Unmarshal([]byte(statusJSON), &raw)
		}
		for k, v := range raw {
			status[k] = InvitationState(v)
		}
		out = append(out, &AgentRoom{
			AgentID: id, AgentName: name, RoomID: roomID, AgentMXID: mxid, AgentPassword: password,
			InvitationStatus: status, RoomCreatedByUs: createdByUs != 0, CreatedAt: createdAt,
		})
	}
	return out, rows.Err()
}

func (f *FileBackend) DeleteAgentRoom(ctx context.Context, agentID string) error {
	_, err := f.db.ExecContext(ctx, `DELETE FROM agent_rooms WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("storage: delete agent room %s: %w", agentID, err)
	}
	return nil
}

// ---- space config -------------------------------------------------------------

func (f *FileBackend) GetSpaceConfig(ctx context.Context) (*SpaceConfig, error) {
	var spaceID, name string
	var createdAt time.Time
	err := f.db.QueryRowContext(ctx, `SELECT space_id, name, created_at FROM space_config WHERE id = 1`).
		Scan(&spaceID, &name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get space config: %w", err)
	}
	return &SpaceConfig{SpaceID: spaceID, Name: name, CreatedAt: createdAt}, nil
}

func (f *FileBackend) PutSpaceConfig(ctx context.Context, cfg *SpaceConfig) error {
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO space_config (id, space_id, name, created_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET space_id = excluded.space_id, name = excluded.name
	`, cfg.SpaceID, cfg.Name, cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: put space config: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
