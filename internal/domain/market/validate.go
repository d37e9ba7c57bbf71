package market

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/schema"
)

// Validate checks a normalized config. The returned error is a configuration *errs.E
// listing every problem found.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.ID == "" {
		add("market id required")
	}
	if !c.Kind.Valid() {
		add("unsupported market kind %q", c.Kind)
	}
	if !c.Transport.Valid() {
		add("unsupported transport %q", c.Transport)
	}

	switch c.Transport {
	case TransportREST:
		if !validURL(c.Endpoints.BaseURL, "http", "https") {
			add("rest transport requires http(s) base_url")
		}
		for _, kind := range c.Emits {
			if strings.TrimSpace(c.Endpoints.Paths[kind]) == "" {
				add("rest transport requires a poll path for %s", kind)
			}
		}
	case TransportWebSocket:
		if !validURL(c.Endpoints.StreamURL, "ws", "wss") {
			add("websocket transport requires ws(s) stream_url")
		}
		covered := make(map[schema.DataKind]bool, len(c.Stream.MessageTypes))
		for msgType, kind := range c.Stream.MessageTypes {
			if !kind.Valid() {
				add("message type %q maps to unknown data kind %q", msgType, kind)
				continue
			}
			covered[kind] = true
		}
		for _, kind := range c.Emits {
			if !covered[kind] {
				add("no stream message type routes to %s", kind)
			}
		}
	case TransportBatchFile:
		if strings.TrimSpace(c.Endpoints.Bucket) == "" {
			add("batch_file transport requires bucket")
		}
		for _, kind := range c.Emits {
			if strings.TrimSpace(c.Endpoints.Paths[kind]) == "" {
				add("batch_file transport requires an object prefix for %s", kind)
			}
		}
		if c.TradingEnabled {
			add("batch_file transport cannot enable trading")
		}
	}

	if c.Endpoints.OrdersURL != "" && !validURL(c.Endpoints.OrdersURL, "http", "https") {
		add("orders_url must be http(s)")
	}

	if len(c.Emits) == 0 {
		add("market emits no data kinds")
	}
	for _, kind := range c.Emits {
		if !kind.Valid() {
			add("unknown emitted data kind %q", kind)
			continue
		}
		if _, ok := c.Mapping[kind]; !ok {
			add("field mapping missing for %s", kind)
			continue
		}
		if missing := c.Mapping.Missing(kind); len(missing) > 0 {
			add("field mapping for %s missing %s", kind, joinFields(missing))
		}
	}
	for kind := range c.Mapping {
		if !kind.Valid() {
			add("field mapping for unknown data kind %q", kind)
			continue
		}
		if unknown := c.Mapping.Unknown(kind); len(unknown) > 0 {
			add("field mapping for %s has unknown fields %s", kind, joinFields(unknown))
		}
	}

	switch c.Credential.Kind {
	case CredentialNone:
	case CredentialBearer:
		if c.Credential.Param("token") == "" {
			add("bearer credential requires token")
		}
	case CredentialAPIKey:
		if c.Credential.Param("key") == "" {
			add("api_key credential requires key")
		}
	case CredentialOAuth2ClientCreds:
		for _, p := range []string{"client_id", "client_secret", "token_url"} {
			if c.Credential.Param(p) == "" {
				add("oauth2 credential requires %s", p)
			}
		}
	default:
		add("unsupported credential kind %q", c.Credential.Kind)
	}

	for kind, d := range c.Settings.PollIntervals {
		if !kind.Valid() {
			add("poll interval for unknown data kind %q", kind)
		}
		if d < 0 {
			add("negative poll interval for %s", kind)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errs.New(c.ID, errs.CodeConfiguration, errs.WithMessage(strings.Join(problems, "; ")))
}

func validURL(raw string, schemes ...string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return true
		}
	}
	return false
}

func joinFields(fields []CanonicalField) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = string(f)
	}
	return strings.Join(parts, ",")
}
