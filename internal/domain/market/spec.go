package market

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/schema"
)

// Options carries the recognised per-market timing options in milliseconds.
type Options struct {
	ConnectionTimeoutMs  int            `json:"connectionTimeoutMs,omitempty" yaml:"connectionTimeoutMs"`
	HeartbeatIntervalMs  int            `json:"heartbeatIntervalMs,omitempty" yaml:"heartbeatIntervalMs"`
	ReconnectBaseMs      int            `json:"reconnectBaseMs,omitempty" yaml:"reconnectBaseMs"`
	ReconnectMaxMs       int            `json:"reconnectMaxMs,omitempty" yaml:"reconnectMaxMs"`
	MaxReconnectAttempts int            `json:"maxReconnectAttempts,omitempty" yaml:"maxReconnectAttempts"`
	RateLimitRequests    int            `json:"rateLimitRequests,omitempty" yaml:"rateLimitRequests"`
	RateLimitWindowMs    int            `json:"rateLimitWindowMs,omitempty" yaml:"rateLimitWindowMs"`
	PollIntervalsMs      map[string]int `json:"pollIntervalsMs,omitempty" yaml:"pollIntervalsMs"`
	PollFailureThreshold int            `json:"pollFailureThreshold,omitempty" yaml:"pollFailureThreshold"`
}

// Spec is the serialised form of a market, as stored in YAML or in the markets table.
type Spec struct {
	ID             string                       `json:"id" yaml:"id"`
	Name           string                       `json:"name,omitempty" yaml:"name"`
	Kind           string                       `json:"kind" yaml:"kind"`
	Transport      string                       `json:"transport" yaml:"transport"`
	Active         *bool                        `json:"active,omitempty" yaml:"active"`
	Priority       int                          `json:"priority,omitempty" yaml:"priority"`
	TradingEnabled bool                         `json:"tradingEnabled,omitempty" yaml:"tradingEnabled"`
	Endpoints      EndpointSpec                 `json:"endpoints" yaml:"endpoints"`
	Credential     Credential                   `json:"credential,omitempty" yaml:"credential"`
	Mapping        map[string]map[string]string `json:"mapping,omitempty" yaml:"mapping"`
	Orders         OrderMapping                 `json:"orders,omitempty" yaml:"orders"`
	Stream         StreamSpec                   `json:"stream,omitempty" yaml:"stream"`
	Emits          []string                     `json:"emits,omitempty" yaml:"emits"`
	Options        Options                      `json:"options,omitempty" yaml:"options"`
}

// EndpointSpec is the serialised form of Endpoints with string-keyed paths.
type EndpointSpec struct {
	BaseURL   string            `json:"baseUrl,omitempty" yaml:"baseUrl"`
	StreamURL string            `json:"streamUrl,omitempty" yaml:"streamUrl"`
	OrdersURL string            `json:"ordersUrl,omitempty" yaml:"ordersUrl"`
	Paths     map[string]string `json:"paths,omitempty" yaml:"paths"`
	Bucket    string            `json:"bucket,omitempty" yaml:"bucket"`
	Region    string            `json:"region,omitempty" yaml:"region"`
}

// StreamSpec is the serialised form of StreamConfig with string-valued kinds.
type StreamSpec struct {
	TypeField    string            `json:"typeField,omitempty" yaml:"typeField"`
	MessageTypes map[string]string `json:"messageTypes,omitempty" yaml:"messageTypes"`
	Subscribe    map[string]any    `json:"subscribe,omitempty" yaml:"subscribe"`
}

// IsActive reports whether the spec should be loaded. Markets are active unless disabled explicitly.
func (s Spec) IsActive() bool {
	return s.Active == nil || *s.Active
}

// Build converts the spec into a normalized, validated Config.
// Credential parameters and endpoint URLs expand ${ENV} references.
func (s Spec) Build() (Config, error) {
	id := strings.TrimSpace(s.ID)
	var problems []string

	paths := make(map[schema.DataKind]string, len(s.Endpoints.Paths))
	for raw, path := range s.Endpoints.Paths {
		kind, ok := schema.ParseDataKind(raw)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown data kind %q in paths", raw))
			continue
		}
		paths[kind] = strings.TrimSpace(path)
	}

	mapping := make(FieldMapping, len(s.Mapping))
	for raw, fields := range s.Mapping {
		kind, ok := schema.ParseDataKind(raw)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown data kind %q in mapping", raw))
			continue
		}
		converted := make(map[CanonicalField]string, len(fields))
		for field, path := range fields {
			converted[CanonicalField(strings.ToLower(strings.TrimSpace(field)))] = strings.TrimSpace(path)
		}
		mapping[kind] = converted
	}

	messageTypes := make(map[string]schema.DataKind, len(s.Stream.MessageTypes))
	for msgType, raw := range s.Stream.MessageTypes {
		kind, ok := schema.ParseDataKind(raw)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown data kind %q for message type %q", raw, msgType))
			continue
		}
		messageTypes[msgType] = kind
	}

	emits := make([]schema.DataKind, 0, len(s.Emits))
	seen := make(map[schema.DataKind]struct{}, len(s.Emits))
	for _, raw := range s.Emits {
		kind, ok := schema.ParseDataKind(raw)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown emitted data kind %q", raw))
			continue
		}
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		emits = append(emits, kind)
	}
	sort.SliceStable(emits, func(i, j int) bool { return kindOrder(emits[i]) < kindOrder(emits[j]) })

	settings, settingProblems := s.Options.settings()
	problems = append(problems, settingProblems...)

	params := make(map[string]string, len(s.Credential.Params))
	for k, v := range s.Credential.Params {
		params[k] = os.ExpandEnv(v)
	}

	cfg := Config{
		ID:        id,
		Name:      s.Name,
		Kind:      Kind(s.Kind),
		Transport: Transport(s.Transport),
		Endpoints: Endpoints{
			BaseURL:   os.ExpandEnv(strings.TrimSpace(s.Endpoints.BaseURL)),
			StreamURL: os.ExpandEnv(strings.TrimSpace(s.Endpoints.StreamURL)),
			OrdersURL: os.ExpandEnv(strings.TrimSpace(s.Endpoints.OrdersURL)),
			Paths:     paths,
			Bucket:    strings.TrimSpace(s.Endpoints.Bucket),
			Region:    strings.TrimSpace(s.Endpoints.Region),
		},
		Credential: Credential{
			Kind:   CredentialKind(strings.ToLower(strings.TrimSpace(string(s.Credential.Kind)))),
			Params: params,
		},
		Mapping: mapping,
		Orders:  OrderMapping{Fields: cloneMap(s.Orders.Fields), ResponseIDPath: s.Orders.ResponseIDPath, ResponseErrorPath: s.Orders.ResponseErrorPath},
		Stream: StreamConfig{
			TypeField:    strings.TrimSpace(s.Stream.TypeField),
			MessageTypes: messageTypes,
			Subscribe:    s.Stream.Subscribe,
		},
		Emits:          emits,
		TradingEnabled: s.TradingEnabled,
		Priority:       s.Priority,
		Active:         s.IsActive(),
		Settings:       settings,
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		var e *errs.E
		if errors.As(err, &e) && e.Message != "" {
			problems = append(problems, e.Message)
		} else {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return Config{}, errs.New(id, errs.CodeConfiguration, errs.WithMessage(strings.Join(problems, "; ")))
	}
	return cfg, nil
}

func (o Options) settings() (Settings, []string) {
	var problems []string
	negative := func(name string, v int) {
		if v < 0 {
			problems = append(problems, fmt.Sprintf("%s must be >= 0", name))
		}
	}
	negative("connectionTimeoutMs", o.ConnectionTimeoutMs)
	negative("heartbeatIntervalMs", o.HeartbeatIntervalMs)
	negative("reconnectBaseMs", o.ReconnectBaseMs)
	negative("reconnectMaxMs", o.ReconnectMaxMs)
	negative("maxReconnectAttempts", o.MaxReconnectAttempts)
	negative("rateLimitRequests", o.RateLimitRequests)
	negative("rateLimitWindowMs", o.RateLimitWindowMs)
	negative("pollFailureThreshold", o.PollFailureThreshold)

	intervals := make(map[schema.DataKind]time.Duration, len(o.PollIntervalsMs))
	for raw, ms := range o.PollIntervalsMs {
		kind, ok := schema.ParseDataKind(raw)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown data kind %q in pollIntervalsMs", raw))
			continue
		}
		negative("pollIntervalsMs."+raw, ms)
		intervals[kind] = millis(ms)
	}

	return Settings{
		ConnectionTimeout:    millis(o.ConnectionTimeoutMs),
		HeartbeatInterval:    millis(o.HeartbeatIntervalMs),
		ReconnectBase:        millis(o.ReconnectBaseMs),
		ReconnectMax:         millis(o.ReconnectMaxMs),
		MaxReconnectAttempts: o.MaxReconnectAttempts,
		RateLimitRequests:    o.RateLimitRequests,
		RateLimitWindow:      millis(o.RateLimitWindowMs),
		PollIntervals:        intervals,
		PollFailureThreshold: o.PollFailureThreshold,
	}, problems
}

func millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func kindOrder(kind schema.DataKind) int {
	for i, k := range schema.AllDataKinds() {
		if k == kind {
			return i
		}
	}
	return len(schema.AllDataKinds())
}
