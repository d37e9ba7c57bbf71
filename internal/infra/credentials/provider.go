// Package credentials turns market credential descriptors into request decorations.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
)

// DefaultAPIKeyHeader is used when an api_key credential names no header.
const DefaultAPIKeyHeader = "X-API-Key"

// Token decorates outbound requests with credentials. The zero Token applies nothing.
type Token struct {
	header http.Header
	query  url.Values
	Expiry time.Time
}

// Header returns a copy of the headers the token sets.
func (t Token) Header() http.Header {
	if t.header == nil {
		return http.Header{}
	}
	return t.header.Clone()
}

// Apply attaches the token to req.
func (t Token) Apply(req *http.Request) {
	if req == nil {
		return
	}
	for k, values := range t.header {
		for _, v := range values {
			req.Header.Set(k, v)
		}
	}
	if len(t.query) > 0 && req.URL != nil {
		q := req.URL.Query()
		for k, values := range t.query {
			for _, v := range values {
				q.Set(k, v)
			}
		}
		req.URL.RawQuery = q.Encode()
	}
}

// Provider acquires credentials for a market.
type Provider interface {
	Acquire(ctx context.Context, marketID string, cred market.Credential) (Token, error)
	// Invalidate drops cached credentials for marketID once the provider has refused them.
	Invalidate(marketID string)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithLogger sets the resolver logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Resolver handles every credential kind. OAuth2 tokens are cached per market until expiry.
type Resolver struct {
	httpClient *http.Client
	logger     *zap.Logger

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

// NewResolver builds a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		httpClient: nil,
		logger:     zap.NewNop(),
		mu:         sync.Mutex{},
		tokens:     make(map[string]*oauth2.Token),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Acquire resolves cred into a Token.
func (r *Resolver) Acquire(ctx context.Context, marketID string, cred market.Credential) (Token, error) {
	switch cred.Kind {
	case "", market.CredentialNone:
		return Token{}, nil
	case market.CredentialBearer:
		token := cred.Param("token")
		if token == "" {
			return Token{}, credentialError(marketID, "bearer token missing", nil)
		}
		return Token{header: http.Header{"Authorization": {"Bearer " + token}}}, nil
	case market.CredentialAPIKey:
		return apiKeyToken(marketID, cred)
	case market.CredentialOAuth2ClientCreds:
		return r.oauth2Token(ctx, marketID, cred)
	default:
		return Token{}, credentialError(marketID, fmt.Sprintf("unsupported credential kind %q", cred.Kind), nil)
	}
}

// Invalidate drops any cached token for marketID.
func (r *Resolver) Invalidate(marketID string) {
	r.mu.Lock()
	delete(r.tokens, marketID)
	r.mu.Unlock()
}

func apiKeyToken(marketID string, cred market.Credential) (Token, error) {
	key := cred.Param("key")
	if key == "" {
		return Token{}, credentialError(marketID, "api key missing", nil)
	}
	if param := cred.Param("query"); param != "" {
		return Token{query: url.Values{param: {key}}}, nil
	}
	header := cred.Param("header")
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	return Token{header: http.Header{http.CanonicalHeaderKey(header): {key}}}, nil
}

func (r *Resolver) oauth2Token(ctx context.Context, marketID string, cred market.Credential) (Token, error) {
	r.mu.Lock()
	cached := r.tokens[marketID]
	r.mu.Unlock()
	if cached.Valid() {
		return bearerFromOAuth(cached), nil
	}

	cfg := clientcredentials.Config{
		ClientID:     cred.Param("client_id"),
		ClientSecret: cred.Param("client_secret"),
		TokenURL:     cred.Param("token_url"),
		Scopes:       splitScopes(cred.Param("scopes")),
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TokenURL == "" {
		return Token{}, credentialError(marketID, "oauth2 client credentials incomplete", nil)
	}
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return Token{}, credentialError(marketID, "oauth2 token request failed", err)
	}
	r.mu.Lock()
	r.tokens[marketID] = tok
	r.mu.Unlock()
	r.logger.Debug("oauth2 token acquired", zap.String("market", marketID), zap.Time("expiry", tok.Expiry))
	return bearerFromOAuth(tok), nil
}

func bearerFromOAuth(tok *oauth2.Token) Token {
	typ := tok.Type()
	return Token{header: http.Header{"Authorization": {typ + " " + tok.AccessToken}}, Expiry: tok.Expiry}
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	return fields
}

func credentialError(marketID, msg string, cause error) error {
	return errs.New(marketID, errs.CodeConnection, errs.WithMessage(msg), errs.WithCause(cause), errs.WithField("stage", "credentials"))
}

var _ Provider = (*Resolver)(nil)
