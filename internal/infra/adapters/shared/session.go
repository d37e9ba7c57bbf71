package shared

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/infra/credentials"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 4 << 20

// Session holds the per-Connect state shared by adapter implementations: the listener, the
// session context and a latch that delivers OnFailure exactly once.
type Session struct {
	listener Listener
	ctx      context.Context
	cancel   context.CancelFunc
	live     atomic.Bool
	failOnce sync.Once
	wg       sync.WaitGroup
}

// NewSession binds listener to a fresh session context derived from parent.
func NewSession(parent context.Context, listener Listener) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		live:     atomic.Bool{},
		failOnce: sync.Once{},
		wg:       sync.WaitGroup{},
	}
	s.live.Store(true)
	return s
}

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

// Listener returns the bound listener.
func (s *Session) Listener() Listener { return s.listener }

// Live reports whether the session has neither failed nor been closed.
func (s *Session) Live() bool { return s != nil && s.live.Load() }

// Go runs fn as a session goroutine awaited by Close.
func (s *Session) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Fail ends the session and reports err once. Failures after Close are swallowed.
func (s *Session) Fail(err error) {
	s.failOnce.Do(func() {
		wasLive := s.live.Swap(false)
		s.cancel()
		if wasLive && s.listener != nil {
			s.listener.OnFailure(err)
		}
	})
}

// Close ends the session without reporting a failure and waits for session goroutines.
func (s *Session) Close() {
	s.failOnce.Do(func() {
		s.live.Store(false)
		s.cancel()
	})
	s.wg.Wait()
}

// PostJSON submits wire as a JSON POST with token applied. Transport failures return an error;
// any HTTP response, including 4xx/5xx, is returned to the caller.
func PostJSON(ctx context.Context, client *http.Client, url string, token credentials.Token, wire map[string]any) (SubmitResponse, error) {
	payload, err := json.Marshal(wire)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("encode order: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	token.Apply(req)

	resp, err := client.Do(req)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("submit order: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("read order response: %w", err)
	}
	return SubmitResponse{Status: resp.StatusCode, Body: body}, nil
}

// StatusError is a non-2xx answer to a GET.
type StatusError struct {
	Path   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("get %s: status %d", e.Path, e.Status)
}

// AuthRejected reports whether status means the provider refused the request credentials.
func AuthRejected(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// Get performs an authenticated GET and returns the body of a 2xx response.
func Get(ctx context.Context, client *http.Client, url string, token credentials.Token) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	token.Apply(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Path: req.URL.Path, Status: resp.StatusCode}
	}
	return body, nil
}

// OrdersURL resolves the order entry endpoint: OrdersURL, else BaseURL + "/orders".
func OrdersURL(endpoints market.Endpoints) string {
	if u := strings.TrimSpace(endpoints.OrdersURL); u != "" {
		return u
	}
	if base := strings.TrimRight(strings.TrimSpace(endpoints.BaseURL), "/"); base != "" {
		return base + "/orders"
	}
	return ""
}

// JoinURL joins base and path with exactly one slash.
func JoinURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// ConnectError wraps a connect-time failure for marketID.
func ConnectError(marketID, msg string, cause error) error {
	return errs.New(marketID, errs.CodeConnection, errs.WithMessage(msg), errs.WithCause(cause))
}
