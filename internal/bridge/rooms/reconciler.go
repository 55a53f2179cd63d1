package rooms

import (
	"context"
	"log/slog"
	"time"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/agentsvc"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/clients"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/identity"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/storage"
)

// DefaultReconcileInterval mirrors the teacher's runtime.Reconciler default
// tick when no interval is configured.
const DefaultReconcileInterval = 30 * time.Second

// ReconcilerConfig configures the agent-room Reconciler, named and shaped
// after the teacher's runtime.ReconcilerConfig.
type ReconcilerConfig struct {
	Interval time.Duration
	// AlertFunc, when set, is called instead of a bare warn log whenever an
	// agent fails to provision or get a room on a given pass.
	AlertFunc func(agentID, message string)
}

// Reconciler drives the two halves of C4 that nothing else in the bridge
// calls on its own: discovering agents from the agent service and turning
// each one into a live Matrix identity with its own agent room. Grounded on
// the teacher's runtime.Reconciler (list from store, compare against
// runtime handles, reconcile per-agent, alert on anomaly), adapted from
// "container state" to "agent identity + room" as the thing being
// reconciled.
type Reconciler struct {
	agentSvc *agentsvc.Client
	identity *identity.Manager
	pool     *clients.Pool
	rooms    *Orchestrator
	caller   *clients.Client
	cfg      ReconcilerConfig
}

// NewReconciler creates a Reconciler. caller is the Matrix client invited
// into every agent room alongside the bridge bot and admins — normally the
// bridge's own bootstrapped identity.
func NewReconciler(agentSvc *agentsvc.Client, mgr *identity.Manager, pool *clients.Pool, orchestrator *Orchestrator, caller *clients.Client, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	return &Reconciler{
		agentSvc: agentSvc,
		identity: mgr,
		pool:     pool,
		rooms:    orchestrator,
		caller:   caller,
		cfg:      cfg,
	}
}

// Run ticks Reconcile on cfg.Interval until ctx is cancelled, logging (never
// panicking) on a failed pass so one bad agent-service response doesn't kill
// the loop.
func (r *Reconciler) Run(ctx context.Context) {
	slog.Info("rooms: agent reconciler starting", "interval", r.cfg.Interval)
	defer slog.Info("rooms: agent reconciler stopped")

	if err := r.Reconcile(ctx); err != nil {
		slog.Warn("rooms: initial agent reconcile failed", "err", err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				slog.Warn("rooms: agent reconcile pass failed", "err", err)
			}
		}
	}
}

// Reconcile lists every agent the agent service knows about and ensures
// each one has a provisioned Matrix identity, a running client in the pool,
// and an agent room filed under the parent space — the driver the C4
// operations GetOrCreateAgentRoom/identity.GetOrCreate otherwise have no
// caller for.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	agents, err := r.agentSvc.ListAgents(ctx)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		return nil
	}

	for _, agent := range agents {
		if err := r.reconcileOne(ctx, agent); err != nil {
			r.alert(agent.ID, err.Error())
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, agent agentsvc.Agent) error {
	ident, err := r.identity.GetOrCreate(ctx, storage.KindLetta, agent.ID, agent.Name)
	if err != nil {
		return err
	}

	agentClient, err := r.pool.Acquire(ctx, ident)
	if err != nil {
		return err
	}

	if _, err := r.rooms.GetOrCreateAgentRoom(ctx, agent.ID, agent.Name, agentClient, r.caller); err != nil {
		return err
	}
	return nil
}

func (r *Reconciler) alert(agentID, message string) {
	if r.cfg.AlertFunc != nil {
		r.cfg.AlertFunc(agentID, message)
		return
	}
	slog.Warn("rooms: agent reconcile failed", "agent", agentID, "err", message)
}
