package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/agentsvc"
	"github.com/oculairmedia/matrix-agent-bridge/internal/bridge/convo"
)

// DefaultPollInterval and DefaultMaxWait are the §4.5.3 fallback-monitor
// defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxWait      = 60 * time.Second
)

// DefaultMonitorCap bounds the number of concurrently running monitors;
// beyond it, new monitor requests are answered "busy" and rely on the next
// sweep/poll cycle instead (§5 back-pressure policy).
const DefaultMonitorCap = 200

// monitor is a single cancellable polling task watching for an agent's
// tool-attached run to produce its first matching assistant message.
type monitor struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (m *monitor) Cancel() {
	m.once.Do(func() {
		m.cancel()
	})
}

// monitorManager owns the live set of monitors, keyed by origin event ID
// (the same key the conversation tracker uses), so a completion webhook can
// cancel the monitor racing it to deliver the same conversation's reply.
type monitorManager struct {
	mu           sync.Mutex
	monitors     map[string]*monitor
	cap          int
	pollInterval time.Duration
	maxWait      time.Duration
	agentSvc     *agentsvc.Client
	deliver      func(ctx context.Context, c *convo.ConversationState, text string) error
	stockReply   func(ctx context.Context, c *convo.ConversationState) error
	tracker      *convo.Tracker
}

func newMonitorManager(
	agentSvc *agentsvc.Client,
	tracker *convo.Tracker,
	deliver func(ctx context.Context, c *convo.ConversationState, text string) error,
	stockReply func(ctx context.Context, c *convo.ConversationState) error,
) *monitorManager {
	return &monitorManager{
		monitors:     make(map[string]*monitor),
		cap:          DefaultMonitorCap,
		pollInterval: DefaultPollInterval,
		maxWait:      DefaultMaxWait,
		agentSvc:     agentSvc,
		deliver:      deliver,
		stockReply:   stockReply,
		tracker:      tracker,
	}
}

// errBusy is returned by Start when the concurrent-monitor soft cap is hit.
var errBusy = fmt.Errorf("webhook: busy")

// Start launches a monitor for c if one isn't already running for its
// origin event, polling the agent service until a matching response
// arrives or maxWait elapses.
func (m *monitorManager) Start(parent context.Context, c *convo.ConversationState) error {
	m.mu.Lock()
	if len(m.monitors) >= m.cap {
		m.mu.Unlock()
		return errBusy
	}
	if _, exists := m.monitors[c.OriginEventID]; exists {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	mon := &monitor{cancel: cancel}
	m.monitors[c.OriginEventID] = mon
	m.mu.Unlock()

	go m.run(ctx, c, mon)
	return nil
}

// Cancel stops the monitor for originEventID, if one is running. Idempotent.
func (m *monitorManager) Cancel(originEventID string) {
	m.mu.Lock()
	mon, ok := m.monitors[originEventID]
	delete(m.monitors, originEventID)
	m.mu.Unlock()
	if ok {
		mon.Cancel()
	}
}

func (m *monitorManager) run(ctx context.Context, c *convo.ConversationState, mon *monitor) {
	defer func() {
		m.mu.Lock()
		delete(m.monitors, c.OriginEventID)
		m.mu.Unlock()
	}()

	deadline := time.Now().Add(m.maxWait)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				m.timeout(ctx, c)
				return
			}
			if m.poll(ctx, c) {
				return
			}
		}
	}
}

// poll fetches recent messages for the conversation's agent and looks for
// the first assistant message matching the active run, posted after the
// conversation started. Returns true once a response has been delivered
// (success or an unrecoverable error that ends the monitor early).
func (m *monitorManager) poll(ctx context.Context, c *convo.ConversationState) bool {
	current, err := m.tracker.Get(c.OriginEventID)
	if err != nil || current.Status != convo.StatusActive {
		return true
	}

	messages, err := m.agentSvc.ListMessages(ctx, current.AgentID, 20)
	if err != nil {
		slog.Warn("webhook: monitor poll failed, will retry", "agent", current.AgentID, "err", err)
		return false
	}

	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		if msg.RunID != current.RunID {
			continue
		}
		if !msg.CreatedAt.After(current.CreatedAt) {
			continue
		}
		if isRelayContent(msg.Content) {
			continue
		}
		if err := m.deliver(ctx, current, msg.Content); err != nil {
			slog.Error("webhook: monitor delivery failed", "agent", current.AgentID, "err", err)
			return false
		}
		return true
	}
	return false
}

func (m *monitorManager) timeout(ctx context.Context, c *convo.ConversationState) {
	current, err := m.tracker.Get(c.OriginEventID)
	if err != nil {
		return
	}
	if current.Status == convo.StatusCompleted || current.Status == convo.StatusTimeout {
		return
	}
	if err := m.stockReply(ctx, current); err != nil {
		slog.Error("webhook: monitor timeout reply failed", "agent", current.AgentID, "err", err)
	}
	_ = m.tracker.SweepTimeouts(time.Now())
}
