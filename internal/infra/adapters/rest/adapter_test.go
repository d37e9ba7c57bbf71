package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/app/ratelimit"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
	"github.com/coachpo/voltlink/internal/infra/credentials"
)

type listener struct {
	mu         sync.Mutex
	frames     []shared.Frame
	heartbeats int
	requests   []bool
	failures   []error
}

func (l *listener) OnFrame(f shared.Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *listener) OnHeartbeat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.heartbeats++
}

func (l *listener) OnRequest(ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, ok)
}

func (l *listener) OnFailure(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *listener) heartbeatCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heartbeats
}

func (l *listener) counts() (frames, failures int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames), len(l.failures)
}

func restConfig(baseURL string) market.Config {
	cfg := market.Config{
		ID:        "nordpool",
		Kind:      market.KindDayAhead,
		Transport: market.TransportREST,
		Endpoints: market.Endpoints{
			BaseURL: baseURL,
			Paths:   map[schema.DataKind]string{schema.DataKindPrice: "/prices"},
		},
		Mapping: market.FieldMapping{schema.DataKindPrice: {market.FieldPrice: "p"}},
		Settings: market.Settings{
			PollIntervals: map[schema.DataKind]time.Duration{schema.DataKindPrice: 20 * time.Millisecond},
		},
	}
	cfg.Normalize()
	return cfg
}

func TestPollsAreGatedByGovernor(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/prices", r.URL.Path)
		hits.Add(1)
		_, _ = w.Write([]byte(`{"p":"42.1"}`))
	}))
	defer srv.Close()

	gov := ratelimit.NewGovernor()
	gov.Configure("nordpool", ratelimit.Limits{Requests: 2, Window: time.Minute})

	adapter, err := New(restConfig(srv.URL), shared.Deps{Governor: gov, HTTPClient: srv.Client()})
	require.NoError(t, err)
	l := &listener{}
	require.NoError(t, adapter.Connect(context.Background(), l))
	require.NoError(t, adapter.Subscribe(context.Background(), []schema.DataKind{schema.DataKindPrice}))

	require.Eventually(t, func() bool { return hits.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, int32(2), hits.Load(), "third and later ticks are rejected before any request")
	require.True(t, adapter.Live(), "rejected ticks are not failures")
	require.Greater(t, l.heartbeatCount(), 2, "rejected ticks still signal liveness")

	frames, failures := l.counts()
	require.Equal(t, 2, frames)
	require.Zero(t, failures)
	require.Equal(t, schema.DataKindPrice, l.frames[0].Kind)
	require.JSONEq(t, `{"p":"42.1"}`, string(l.frames[0].Body))
	require.NoError(t, adapter.Disconnect(context.Background()))
	require.False(t, adapter.Live())
}

func TestConsecutiveFailuresEndSessionOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	adapter, err := New(restConfig(srv.URL), shared.Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)
	l := &listener{}
	require.NoError(t, adapter.Connect(context.Background(), l))
	require.NoError(t, adapter.Subscribe(context.Background(), []schema.DataKind{schema.DataKindPrice}))

	require.Eventually(t, func() bool {
		_, failures := l.counts()
		return failures == 1
	}, time.Second, 5*time.Millisecond)
	require.False(t, adapter.Live())
	time.Sleep(100 * time.Millisecond)
	_, failures := l.counts()
	require.Equal(t, 1, failures)
	require.Equal(t, int32(market.DefaultPollFailureThreshold), hits.Load(), "polling stops after the session fails")
	require.True(t, errs.Is(l.failures[0], errs.CodeConnection))
}

func TestSubscribeRequiresSession(t *testing.T) {
	adapter, err := New(restConfig("http://127.0.0.1:1"), shared.Deps{})
	require.NoError(t, err)
	err = adapter.Subscribe(context.Background(), []schema.DataKind{schema.DataKindPrice})
	require.Equal(t, errs.CanonicalNotConnected, errs.CanonicalOf(err))
}

func TestSubmitPostsToOrdersEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/orders", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ord-1"}`))
	}))
	defer srv.Close()

	adapter, err := New(restConfig(srv.URL), shared.Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)
	require.NoError(t, adapter.Connect(context.Background(), &listener{}))
	resp, err := adapter.Submit(context.Background(), map[string]any{"symbol": "NO1"})
	require.NoError(t, err)
	require.True(t, resp.OK())
	require.JSONEq(t, `{"id":"ord-1"}`, string(resp.Body))
}

type countingCredentials struct {
	invalidated atomic.Int32
}

func (*countingCredentials) Acquire(context.Context, string, market.Credential) (credentials.Token, error) {
	return credentials.Token{}, nil
}

func (c *countingCredentials) Invalidate(string) { c.invalidated.Add(1) }

func TestRejectedCredentialsAreInvalidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &countingCredentials{}
	adapter, err := New(restConfig(srv.URL), shared.Deps{HTTPClient: srv.Client(), Credentials: creds})
	require.NoError(t, err)
	l := &listener{}
	require.NoError(t, adapter.Connect(context.Background(), l))
	defer adapter.Disconnect(context.Background())

	resp, err := adapter.Submit(context.Background(), map[string]any{"symbol": "NO1"})
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.Status)
	require.Equal(t, int32(1), creds.invalidated.Load())

	require.NoError(t, adapter.Subscribe(context.Background(), []schema.DataKind{schema.DataKindPrice}))
	require.Eventually(t, func() bool { return creds.invalidated.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestConnectFailsOnCredentialError(t *testing.T) {
	cfg := restConfig("http://127.0.0.1:1")
	cfg.Credential = market.Credential{Kind: market.CredentialBearer}
	adapter, err := New(cfg, shared.Deps{})
	require.NoError(t, err)
	require.Error(t, adapter.Connect(context.Background(), &listener{}))
	require.False(t, adapter.Live())
}
