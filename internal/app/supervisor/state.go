package supervisor

import (
	"time"
)

// State is a market connection lifecycle state.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateAuthenticated State = "AUTHENTICATED"
	StateError         State = "ERROR"
	StateMaintenance   State = "MAINTENANCE"
)

// Connected reports whether the market has a live session.
func (s State) Connected() bool {
	return s == StateConnected || s == StateAuthenticated
}

// RequestStats counts outbound requests.
type RequestStats struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Snapshot is an immutable view of one market's connection state.
type Snapshot struct {
	MarketID          string       `json:"marketId"`
	Transport         string       `json:"transport"`
	State             State        `json:"state"`
	ReconnectAttempts int          `json:"reconnectAttempts"`
	Abandoned         bool         `json:"abandoned"`
	LastHeartbeat     time.Time    `json:"lastHeartbeat,omitempty"`
	LastConnectedAt   time.Time    `json:"lastConnectedAt,omitempty"`
	LastError         string       `json:"lastError,omitempty"`
	Requests          RequestStats `json:"requests"`
	// UptimeRatio is the share of time since the worker started spent connected.
	UptimeRatio float64   `json:"uptimeRatio"`
	Since       time.Time `json:"since"`
}

// Connected reports whether the snapshot state has a live session.
func (s Snapshot) Connected() bool { return s.State.Connected() }

// base is the actor-published part of a snapshot. Heartbeat and request counters are merged in at
// read time.
type base struct {
	marketID        string
	transport       string
	state           State
	attempts        int
	abandoned       bool
	lastConnectedAt time.Time
	lastError       string
	startedAt       time.Time
	stateSince      time.Time
	// uptime accumulated by sessions that already ended.
	uptime         time.Duration
	connectedSince time.Time
}

func (b *base) snapshot(now, heartbeat time.Time, req RequestStats) Snapshot {
	uptime := b.uptime
	if b.state.Connected() && !b.connectedSince.IsZero() {
		uptime += now.Sub(b.connectedSince)
	}
	ratio := 0.0
	if elapsed := now.Sub(b.startedAt); elapsed > 0 {
		ratio = float64(uptime) / float64(elapsed)
		if ratio > 1 {
			ratio = 1
		}
	}
	return Snapshot{
		MarketID:          b.marketID,
		Transport:         b.transport,
		State:             b.state,
		ReconnectAttempts: b.attempts,
		Abandoned:         b.abandoned,
		LastHeartbeat:     heartbeat,
		LastConnectedAt:   b.lastConnectedAt,
		LastError:         b.lastError,
		Requests:          req,
		UptimeRatio:       ratio,
		Since:             b.stateSince,
	}
}
