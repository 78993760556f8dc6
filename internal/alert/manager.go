package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentwarden/ai-gateway-agent/internal/clock"
	"github.com/agentwarden/ai-gateway-agent/internal/config"
)

// Alert types.
const (
	TypeRequestBlocked = "request_blocked"
	TypeRateLimited    = "rate_limited"
	TypeInternalError  = "internal_error"
)

// Alert represents a notification to be sent.
type Alert struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`     // request_blocked, rate_limited, internal_error
	Severity  string                 `json:"severity"` // info, warning, critical
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	ClientID  string                 `json:"client_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Manager orchestrates alert delivery with deduplication.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // dedupKey → lastSent
	dedupTTL time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// Sender is an interface for alert delivery channels.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// NewManager creates an alert manager with the senders cfg configures.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		clock:    clock.Real{},
		logger:   logger.With("component", "alert.Manager"),
	}

	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}

	return m
}

// AddSender registers an extra delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	m.senders = append(m.senders, s)
	m.mu.Unlock()
}

// SetClock replaces the clock used for timestamps and deduplication.
func (m *Manager) SetClock(c clock.Clock) {
	m.mu.Lock()
	m.clock = c
	m.mu.Unlock()
}

// Send dispatches an alert to all configured channels. Alerts of the same
// type for the same client and reason are sent at most once per dedup TTL.
func (m *Manager) Send(alert Alert) {
	m.mu.Lock()
	now := m.clock.Now()
	dedupKey := alert.Type + "|" + alert.ClientID + "|" + alert.Reason
	if lastSent, ok := m.dedup[dedupKey]; ok && now.Sub(lastSent) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert deduplicated", "type", alert.Type, "key", dedupKey)
		return
	}
	m.dedup[dedupKey] = now
	senders := append([]Sender(nil), m.senders...)
	m.mu.Unlock()

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.Timestamp = now

	for _, sender := range senders {
		m.inflight.Add(1)
		go func(s Sender) {
			defer m.inflight.Done()
			if err := s.Send(alert); err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"alert_id", alert.ID,
					"error", err,
				)
			}
		}(sender)
	}
}

// Wait blocks until every dispatched alert has been delivered or failed.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// PruneDedup removes old dedup entries. Call periodically.
func (m *Manager) PruneDedup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
			n++
		}
	}
	return n
}

// HasSenders returns true if any alert channels are configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}
