// Package market defines the immutable per-market configuration consumed by the connector.
package market

import (
	"sort"
	"strings"
	"time"

	"github.com/coachpo/voltlink/internal/domain/schema"
)

// Kind classifies the electricity market segment.
type Kind string

const (
	KindSpot      Kind = "spot"
	KindDayAhead  Kind = "day_ahead"
	KindIntraday  Kind = "intraday"
	KindBalancing Kind = "balancing"
	KindAncillary Kind = "ancillary"
	KindCapacity  Kind = "capacity"
	KindBilateral Kind = "bilateral"
)

// Valid reports whether k is a recognised market kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSpot, KindDayAhead, KindIntraday, KindBalancing, KindAncillary, KindCapacity, KindBilateral:
		return true
	default:
		return false
	}
}

// Transport identifies the physical protocol used to reach a market.
type Transport string

const (
	TransportREST      Transport = "rest"
	TransportWebSocket Transport = "websocket"
	TransportBatchFile Transport = "batch_file"
)

// Valid reports whether t is a supported transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportREST, TransportWebSocket, TransportBatchFile:
		return true
	default:
		return false
	}
}

// Endpoints groups the network locations of a market.
type Endpoints struct {
	BaseURL   string                     `json:"baseUrl,omitempty" yaml:"baseUrl"`
	StreamURL string                     `json:"streamUrl,omitempty" yaml:"streamUrl"`
	OrdersURL string                     `json:"ordersUrl,omitempty" yaml:"ordersUrl"`
	Paths     map[schema.DataKind]string `json:"paths,omitempty" yaml:"paths"`
	Bucket    string                     `json:"bucket,omitempty" yaml:"bucket"`
	Region    string                     `json:"region,omitempty" yaml:"region"`
}

// CredentialKind identifies how outbound calls are authenticated.
type CredentialKind string

const (
	CredentialNone              CredentialKind = "none"
	CredentialBearer            CredentialKind = "bearer"
	CredentialAPIKey            CredentialKind = "api_key"
	CredentialOAuth2ClientCreds CredentialKind = "oauth2_client_credentials"
)

// Credential describes how to acquire a token for a market.
type Credential struct {
	Kind   CredentialKind    `json:"kind" yaml:"kind"`
	Params map[string]string `json:"params,omitempty" yaml:"params"`
}

// RequiresAuth reports whether outbound calls must carry credentials.
func (c Credential) RequiresAuth() bool {
	return c.Kind != "" && c.Kind != CredentialNone
}

// Param returns a trimmed credential parameter.
func (c Credential) Param(key string) string {
	return strings.TrimSpace(c.Params[key])
}

// StreamConfig describes the message envelope of a streaming market.
type StreamConfig struct {
	// TypeField is the top-level JSON field holding the provider message type.
	TypeField    string                     `json:"typeField,omitempty" yaml:"typeField"`
	MessageTypes map[string]schema.DataKind `json:"messageTypes,omitempty" yaml:"messageTypes"`
	// Subscribe overrides the default subscribe frame. The token "{channels}" is replaced by the channel list.
	Subscribe map[string]any `json:"subscribe,omitempty" yaml:"subscribe"`
}

// KindFor resolves a provider message type into a data kind.
func (s StreamConfig) KindFor(messageType string) (schema.DataKind, bool) {
	kind, ok := s.MessageTypes[messageType]
	return kind, ok
}

// Settings carries the per-market timing and budget options.
type Settings struct {
	ConnectionTimeout    time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	RateLimitRequests    int
	RateLimitWindow      time.Duration
	PollIntervals        map[schema.DataKind]time.Duration
	PollFailureThreshold int
}

const (
	DefaultConnectionTimeout    = 30 * time.Second
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultReconnectBase        = time.Second
	DefaultReconnectMax         = time.Minute
	DefaultMaxReconnectAttempts = 5
	DefaultRateLimitRequests    = 60
	DefaultRateLimitWindow      = time.Minute
	DefaultPollInterval         = 5 * time.Second
	DefaultPollFailureThreshold = 3
)

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		ConnectionTimeout:    DefaultConnectionTimeout,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ReconnectBase:        DefaultReconnectBase,
		ReconnectMax:         DefaultReconnectMax,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		RateLimitRequests:    DefaultRateLimitRequests,
		RateLimitWindow:      DefaultRateLimitWindow,
		PollIntervals:        nil,
		PollFailureThreshold: DefaultPollFailureThreshold,
	}
}

// WithDefaults fills zero-valued settings.
func (s Settings) WithDefaults() Settings {
	def := DefaultSettings()
	if s.ConnectionTimeout <= 0 {
		s.ConnectionTimeout = def.ConnectionTimeout
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = def.HeartbeatInterval
	}
	if s.ReconnectBase <= 0 {
		s.ReconnectBase = def.ReconnectBase
	}
	if s.ReconnectMax <= 0 {
		s.ReconnectMax = def.ReconnectMax
	}
	if s.ReconnectMax < s.ReconnectBase {
		s.ReconnectMax = s.ReconnectBase
	}
	if s.MaxReconnectAttempts <= 0 {
		s.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if s.RateLimitRequests <= 0 {
		s.RateLimitRequests = def.RateLimitRequests
	}
	if s.RateLimitWindow <= 0 {
		s.RateLimitWindow = def.RateLimitWindow
	}
	if s.PollFailureThreshold <= 0 {
		s.PollFailureThreshold = def.PollFailureThreshold
	}
	return s
}

// PollInterval returns the poll cadence for kind.
func (s Settings) PollInterval(kind schema.DataKind) time.Duration {
	if d, ok := s.PollIntervals[kind]; ok && d > 0 {
		return d
	}
	return DefaultPollInterval
}

// HeartbeatTimeout is the silence tolerated before a connection is declared dead.
func (s Settings) HeartbeatTimeout() time.Duration {
	return 2 * s.HeartbeatInterval
}

// Config is the immutable description of one market.
type Config struct {
	ID             string
	Name           string
	Kind           Kind
	Transport      Transport
	Endpoints      Endpoints
	Credential     Credential
	Mapping        FieldMapping
	Orders         OrderMapping
	Stream         StreamConfig
	Emits          []schema.DataKind
	TradingEnabled bool
	Priority       int
	Active         bool
	Settings       Settings
}

// Normalize trims identifiers and fills defaults in place.
func (c *Config) Normalize() {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = c.ID
	}
	c.Kind = Kind(strings.ToLower(strings.TrimSpace(string(c.Kind))))
	c.Transport = Transport(strings.ToLower(strings.TrimSpace(string(c.Transport))))
	if c.Credential.Kind == "" {
		c.Credential.Kind = CredentialNone
	}
	if c.Stream.TypeField == "" {
		c.Stream.TypeField = "type"
	}
	if len(c.Emits) == 0 {
		c.Emits = c.Mapping.Kinds()
	}
	c.Settings = c.Settings.WithDefaults()
}

// EmitsKind reports whether the market claims to emit kind.
func (c Config) EmitsKind(kind schema.DataKind) bool {
	for _, k := range c.Emits {
		if k == kind {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := c
	out.Endpoints.Paths = cloneMap(c.Endpoints.Paths)
	out.Credential.Params = cloneMap(c.Credential.Params)
	out.Mapping = c.Mapping.Clone()
	out.Orders.Fields = cloneMap(c.Orders.Fields)
	out.Stream.MessageTypes = cloneMap(c.Stream.MessageTypes)
	if c.Stream.Subscribe != nil {
		out.Stream.Subscribe = make(map[string]any, len(c.Stream.Subscribe))
		for k, v := range c.Stream.Subscribe {
			out.Stream.Subscribe[k] = v
		}
	}
	out.Emits = append([]schema.DataKind(nil), c.Emits...)
	out.Settings.PollIntervals = cloneMap(c.Settings.PollIntervals)
	return out
}

// SortByPriority orders configs by descending priority then ID.
func SortByPriority(configs []Config) {
	sort.SliceStable(configs, func(i, j int) bool {
		if configs[i].Priority != configs[j].Priority {
			return configs[i].Priority > configs[j].Priority
		}
		return configs[i].ID < configs[j].ID
	})
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
