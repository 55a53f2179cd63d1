// Command bridged is the matrix-agent-bridge process entrypoint: it loads
// configuration, wires the C1-C5 components together, and runs the HTTP
// surface and Matrix sync loops until it receives a termination signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/oculairmedia/matrix-agent-bridge/common/crypto"
	"github.com/oculairmedia/matrix-agent-bridge/common/observability"
	"github.com/oculairmedia/matrix-agent-bridge/common/version"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/agentsvc"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/clients"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/config"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/convo"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/identity"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/metrics"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/proxy"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/rooms"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/webhook"
)

func main() {
	configPath := flag.String("config", os.Getenv("BRIDGE_CONFIG_FILE"), "path to an optional YAML config file")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	logFormat := flag.String("log-format", envOr("LOG_FORMAT", "text"), "log format: text or json")
	flag.Parse()

	observability.Setup(*logLevel, *logFormat)
	slog.Info("matrix-agent-bridge starting", "version", version.Version, "commit", version.GitCommit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	masterKey, err := loadMasterKey(cfg)
	if err != nil {
		slog.Error("master key load failed", "err", err)
		os.Exit(1)
	}

	store, err := buildStorage(cfg, masterKey)
	if err != nil {
		slog.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	identityMgr, err := identity.New(identity.Config{
		HomeserverURL:     cfg.HomeserverURL,
		ServerName:        cfg.ServerName,
		AdminUserID:       cfg.AdminUsername,
		AdminPassword:     cfg.AdminPassword,
		PasswordSecret:    cfg.PasswordSecret,
		AdminRoomAlias:    "#admins:" + cfg.ServerName,
		RegistrationToken: cfg.RegistrationToken,
	}, store)
	if err != nil {
		slog.Error("identity manager init failed", "err", err)
		os.Exit(1)
	}

	tracker := convo.NewTracker(cfg.ConversationMaxAge)
	dedup := convo.NewDedupCache(cfg.DedupTTL)
	sessions := convo.NewSessionStore(cfg.SessionMapTTL)

	agentSvc := agentsvc.New(cfg.AgentServiceURL, cfg.AgentServiceToken)
	counters := &metrics.Counters{}
	ingress := webhook.NewIngress(store, agentSvc, dedup, tracker, counters)

	var pool *clients.Pool
	var orchestrator *rooms.Orchestrator
	onEvent := func(ctx context.Context, identityID string, evt *event.Event) {
		ingress.Handle(ctx, identityID, evt)
	}
	onMembership := func(ctx context.Context, identityID string, evt *event.Event) {
		c, ok := pool.Get(identityID)
		if !ok || orchestrator == nil {
			return
		}
		orchestrator.HandleInvite(ctx, c, evt)
	}
	pool = clients.NewPool(cfg.HomeserverURL, store, identityMgr.Relogin, onEvent, onMembership)

	autoAccept := map[string]bool{cfg.BridgeMXID: true, cfg.AdminMXID: true}
	orchestrator = rooms.New(rooms.Config{
		ServerName:      cfg.ServerName,
		SpaceName:       cfg.SpaceName,
		BridgeBotMXID:   cfg.BridgeMXID,
		AdminMXIDs:      []string{cfg.AdminMXID, cfg.OwnerMXID},
		AutoAcceptMXIDs: autoAccept,
	}, store, pool)

	webhookCfg := webhook.Config{
		WebhookSecret:             cfg.WebhookSecret,
		SkipSignatureVerification: cfg.WebhookSkipVerification,
		AuditNonMatrix:            cfg.AuditNonMatrix,
		ServiceName:               "matrix-agent-bridge",
	}
	webhookServer, err := webhook.New(webhookCfg, store, pool, agentSvc, tracker, dedup, sessions, counters)
	if err != nil {
		slog.Error("webhook server init failed", "err", err)
		os.Exit(1)
	}

	sweeper := &convo.Sweeper{
		Dedup:     dedup,
		Sessions:  sessions,
		Tracker:   tracker,
		Interval:  cfg.CleanupInterval,
		GCRetain:  15 * time.Minute,
		OnTimeout: webhookServer.PostTimeoutReply,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridgeSelf, err := bootstrapBridgeIdentity(ctx, identityMgr, pool, orchestrator)
	if err != nil {
		slog.Warn("bridge identity/space bootstrap incomplete; continuing without a space owner", "err", err)
	}

	go sweeper.Run(ctx)

	if bridgeSelf != nil {
		reconciler := rooms.NewReconciler(agentSvc, identityMgr, pool, orchestrator, bridgeSelf, rooms.ReconcilerConfig{
			Interval: cfg.AgentReconcileInterval,
		})
		go reconciler.Run(ctx)
	} else {
		slog.Warn("agent reconciler disabled; no bridge identity to act as room caller")
	}

	mux := webhookServer.Mux()

	var handler http.Handler = mux
	if cfg.OurWebhookURL != "" {
		mcpProxy, err := proxy.New(cfg.OurWebhookURL, sessions)
		if err != nil {
			slog.Warn("mcp proxy init failed; proceeding without session-aware proxying", "err", err)
		} else {
			mux.Handle("/mcp/", http.StripPrefix("/mcp", mcpProxy))
		}
	}

	addr := fmt.Sprintf(":%d", cfg.WebhookPort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("webhook surface listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("webhook surface stopped", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("webhook surface shutdown error", "err", err)
	}

	pool.StopAll()
	slog.Info("matrix-agent-bridge stopped")
}

// loadMasterKey resolves the at-rest encryption key for the sqlite-file
// storage backend. An API-mode backend does not need one.
func loadMasterKey(cfg *config.Config) ([]byte, error) {
	if cfg.StorageMode != config.StorageModeFile {
		return nil, nil
	}
	if cfg.MasterKeyHex == "" {
		slog.Warn("BRIDGE_MASTER_KEY not set; identity passwords and tokens will be stored in plaintext")
		return nil, nil
	}
	return crypto.ParseMasterKey(cfg.MasterKeyHex)
}

func buildStorage(cfg *config.Config, masterKey []byte) (storage.Backend, error) {
	switch cfg.StorageMode {
	case config.StorageModeAPI:
		return storage.NewAPIBackend(cfg.StorageAPIURL, cfg.StorageInternalKey), nil
	default:
		return storage.NewFileBackend(cfg.StorageFilePath, masterKey)
	}
}

// bootstrapBridgeIdentity provisions (or recovers) the bridge's own service
// account, starts its sync loop, and ensures the parent agents space exists,
// matching §4.4's "space is created once, lazily, by whichever identity
// first needs it" policy — here that's always the bridge's own account.
func bootstrapBridgeIdentity(ctx context.Context, mgr *identity.Manager, pool *clients.Pool, orchestrator *rooms.Orchestrator) (*clients.Client, error) {
	ident, err := mgr.GetOrCreate(ctx, storage.KindCustom, "bridge", "Matrix Agent Bridge")
	if err != nil {
		return nil, fmt.Errorf("provision bridge identity: %w", err)
	}
	self, err := pool.Acquire(ctx, ident)
	if err != nil {
		return nil, fmt.Errorf("start bridge identity sync: %w", err)
	}
	if _, err := orchestrator.EnsureSpace(ctx, self); err != nil {
		return self, fmt.Errorf("ensure agents space: %w", err)
	}
	return self, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
