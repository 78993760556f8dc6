package cost

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ClientUsage is the running total for one client identity.
type ClientUsage struct {
	ClientID string    `json:"client_id"`
	Requests int64     `json:"requests"`
	Tokens   int64     `json:"tokens"`
	CostUSD  float64   `json:"cost_usd"`
	LastSeen time.Time `json:"last_seen"`
}

// Tracker accumulates estimated spend per client for admitted requests.
type Tracker struct {
	mu      sync.RWMutex
	clients map[string]*ClientUsage
	total   ClientUsage
	logger  *slog.Logger
}

// NewTracker creates a new cost tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		clients: make(map[string]*ClientUsage),
		logger:  logger.With("component", "cost.Tracker"),
	}
}

// RecordUsage adds one admitted request to the client's totals.
func (t *Tracker) RecordUsage(clientID, model string, tokens int, costUSD float64, at time.Time) {
	t.mu.Lock()
	u, ok := t.clients[clientID]
	if !ok {
		u = &ClientUsage{ClientID: clientID}
		t.clients[clientID] = u
	}
	u.Requests++
	u.Tokens += int64(tokens)
	u.CostUSD += costUSD
	u.LastSeen = at
	t.total.Requests++
	t.total.Tokens += int64(tokens)
	t.total.CostUSD += costUSD
	clientTotal := u.CostUSD
	t.mu.Unlock()

	t.logger.Debug("cost recorded",
		"client_id", clientID,
		"model", model,
		"tokens", tokens,
		"cost_usd", costUSD,
		"client_total", clientTotal,
	)
}

// GetClientUsage returns the totals for a client.
func (t *Tracker) GetClientUsage(clientID string) (ClientUsage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.clients[clientID]
	if !ok {
		return ClientUsage{}, false
	}
	return *u, true
}

// Totals returns the totals across all clients.
func (t *Tracker) Totals() ClientUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// TopClients returns up to n clients ordered by estimated spend.
func (t *Tracker) TopClients(n int) []ClientUsage {
	t.mu.RLock()
	out := make([]ClientUsage, 0, len(t.clients))
	for _, u := range t.clients {
		out = append(out, *u)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CostUSD != out[j].CostUSD {
			return out[i].CostUSD > out[j].CostUSD
		}
		return out[i].ClientID < out[j].ClientID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Prune forgets clients not seen since cutoff and returns how many were
// removed. Totals are kept.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, u := range t.clients {
		if u.LastSeen.Before(cutoff) {
			delete(t.clients, id)
			n++
		}
	}
	return n
}
