// Package errs provides structured error types and helpers for voltlink services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the failure class of a connector error.
type Code string

const (
	// CodeConfiguration indicates an invalid or incomplete market configuration.
	CodeConfiguration Code = "configuration"
	// CodeConnection indicates a connect or authentication failure.
	CodeConnection Code = "connection"
	// CodeHeartbeatTimeout indicates a silently dead connection.
	CodeHeartbeatTimeout Code = "heartbeat_timeout"
	// CodeIngestion indicates a malformed inbound frame.
	CodeIngestion Code = "ingestion"
	// CodePrecondition indicates an order rejected before any network call.
	CodePrecondition Code = "precondition"
	// CodeProvider indicates the provider received the request and failed it.
	CodeProvider Code = "provider"
	// CodeInternal indicates an unexpected connector failure.
	CodeInternal Code = "internal"
)

// CanonicalCode narrows a failure to a provider-agnostic reason.
type CanonicalCode string

const (
	CanonicalUnknown           CanonicalCode = "unknown"
	CanonicalMarketNotFound    CanonicalCode = "market_not_found"
	CanonicalNotConnected      CanonicalCode = "not_connected"
	CanonicalTradingDisabled   CanonicalCode = "trading_disabled"
	CanonicalRateLimited       CanonicalCode = "rate_limited"
	CanonicalInvalidOrder      CanonicalCode = "invalid_order"
	CanonicalCapabilityMissing CanonicalCode = "capability_missing"
	CanonicalMaintenance       CanonicalCode = "maintenance"
	CanonicalTimeout           CanonicalCode = "timeout"
)

// E captures structured error information produced across the connector.
type E struct {
	Market    string
	Code      Code
	Canonical CanonicalCode
	HTTP      int
	Message   string
	Provider  string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the market and error code.
func New(market string, code Code, opts ...Option) *E {
	e := &E{
		Market:    strings.TrimSpace(market),
		Code:      code,
		Canonical: CanonicalUnknown,
		HTTP:      0,
		Message:   "",
		Provider:  "",
		Fields:    nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the provider HTTP status.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithProviderDetail captures the provider's own error text.
func WithProviderDetail(detail string) Option {
	return func(e *E) {
		e.Provider = detail
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical reason.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single diagnostic key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		k := strings.TrimSpace(key)
		if k == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[k] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 8)

	market := e.Market
	if market == "" {
		market = "unknown"
	}
	parts = append(parts, "market="+market)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := string(e.Canonical); cc != "" && e.Canonical != CanonicalUnknown {
		parts = append(parts, "canonical="+cc)
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Provider != "" {
		parts = append(parts, "provider="+strconv.Quote(e.Provider))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries the supplied code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *E
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}

// CanonicalOf returns the canonical reason attached to err, or CanonicalUnknown.
func CanonicalOf(err error) CanonicalCode {
	var e *E
	if !errors.As(err, &e) {
		return CanonicalUnknown
	}
	return e.Canonical
}

// Precondition builds an order rejection raised before any network call.
func Precondition(market string, reason CanonicalCode, msg string) *E {
	return New(market, CodePrecondition, WithCanonicalCode(reason), WithMessage(msg))
}

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(market, msg string) *E {
	return New(market, CodeProvider, WithMessage(msg), WithCanonicalCode(CanonicalCapabilityMissing))
}
