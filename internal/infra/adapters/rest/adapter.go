// Package rest implements the polling transport: one poll loop per subscribed data kind.
package rest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
	"github.com/coachpo/voltlink/internal/infra/credentials"
)

// Adapter polls REST endpoints. Every poll passes the rate governor first; a rejected tick is
// skipped. PollFailureThreshold consecutive failed polls end the session.
type Adapter struct {
	cfg    market.Config
	deps   shared.Deps
	logger *zap.Logger

	mu      sync.Mutex
	session *shared.Session
	kinds   *shared.KindSet

	consecutiveFailures atomic.Int64
}

// New is the shared.Factory for market.TransportREST.
func New(cfg market.Config, deps shared.Deps) (shared.Adapter, error) {
	if cfg.Transport != market.TransportREST {
		return nil, fmt.Errorf("rest adapter: unexpected transport %q", cfg.Transport)
	}
	deps = deps.WithDefaults()
	return &Adapter{
		cfg:                 cfg,
		deps:                deps,
		logger:              deps.Logger.With(zap.String("market", cfg.ID), zap.String("transport", string(cfg.Transport))),
		mu:                  sync.Mutex{},
		session:             nil,
		kinds:               shared.NewKindSet(),
		consecutiveFailures: atomic.Int64{},
	}, nil
}

var errAlreadyConnected = errors.New("rest adapter: already connected")

// Connect validates credentials. REST has no persistent socket; liveness is proven by polls.
func (a *Adapter) Connect(ctx context.Context, listener shared.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return errAlreadyConnected
	}
	if _, err := a.token(ctx); err != nil {
		return err
	}
	// The session outlives ctx, which only bounds the connect attempt.
	a.session = shared.NewSession(context.WithoutCancel(ctx), listener)
	return nil
}

// Subscribe starts a poll loop for each kind not already polled.
func (a *Adapter) Subscribe(_ context.Context, kinds []schema.DataKind) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if !session.Live() {
		return errs.Precondition(a.cfg.ID, errs.CanonicalNotConnected, "subscribe requires a live session")
	}
	for _, kind := range kinds {
		if _, ok := a.cfg.Endpoints.Paths[kind]; !ok {
			return errs.NotSupported(a.cfg.ID, fmt.Sprintf("no poll path for %s", kind))
		}
	}
	for _, kind := range a.kinds.Add(kinds) {
		kind := kind
		session.Go(func(ctx context.Context) { a.pollLoop(ctx, session, kind) })
	}
	return nil
}

// Submit POSTs the wire document to the order endpoint.
func (a *Adapter) Submit(ctx context.Context, wire map[string]any) (shared.SubmitResponse, error) {
	url := shared.OrdersURL(a.cfg.Endpoints)
	if url == "" {
		return shared.SubmitResponse{}, errs.NotSupported(a.cfg.ID, "market has no order endpoint")
	}
	token, err := a.token(ctx)
	if err != nil {
		return shared.SubmitResponse{}, err
	}
	resp, err := shared.PostJSON(ctx, a.deps.HTTPClient, url, token, wire)
	if err == nil && shared.AuthRejected(resp.Status) {
		a.deps.Credentials.Invalidate(a.cfg.ID)
	}
	return resp, err
}

// Disconnect stops every poll loop. It is idempotent.
func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session != nil {
		session.Close()
	}
	return nil
}

// Live reports whether the session is active.
func (a *Adapter) Live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Live()
}

func (a *Adapter) token(ctx context.Context) (credentials.Token, error) {
	token, err := a.deps.Credentials.Acquire(ctx, a.cfg.ID, a.cfg.Credential)
	if err != nil {
		return credentials.Token{}, fmt.Errorf("rest adapter: credentials: %w", err)
	}
	return token, nil
}

func (a *Adapter) pollLoop(ctx context.Context, session *shared.Session, kind schema.DataKind) {
	interval := a.cfg.Settings.PollInterval(kind)
	url := shared.JoinURL(a.cfg.Endpoints.BaseURL, a.cfg.Endpoints.Paths[kind])
	ticker := a.deps.Clock.NewTicker(interval)
	defer ticker.Stop()

	a.poll(ctx, session, kind, url)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			a.poll(ctx, session, kind, url)
		}
	}
}

func (a *Adapter) poll(ctx context.Context, session *shared.Session, kind schema.DataKind, url string) {
	if ctx.Err() != nil {
		return
	}
	if !a.deps.Governor.Admit(a.cfg.ID) {
		a.logger.Debug("poll skipped by rate governor", zap.String("data_kind", string(kind)))
		// throttling is local; the session is still alive
		session.Listener().OnHeartbeat()
		return
	}
	listener := session.Listener()
	body, err := a.fetch(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		listener.OnRequest(false)
		var status *shared.StatusError
		if errors.As(err, &status) && shared.AuthRejected(status.Status) {
			a.deps.Credentials.Invalidate(a.cfg.ID)
		}
		failures := a.consecutiveFailures.Add(1)
		a.logger.Warn("poll failed", zap.String("data_kind", string(kind)), zap.Int64("consecutive", failures), zap.Error(err))
		if failures >= int64(a.cfg.Settings.PollFailureThreshold) {
			session.Fail(errs.New(a.cfg.ID, errs.CodeConnection,
				errs.WithMessage(fmt.Sprintf("%d consecutive poll failures", failures)),
				errs.WithCause(err)))
		}
		return
	}
	a.consecutiveFailures.Store(0)
	listener.OnRequest(true)
	listener.OnHeartbeat()
	listener.OnFrame(shared.Frame{Kind: kind, Body: body, ReceivedAt: a.deps.Clock.Now()})
}

func (a *Adapter) fetch(ctx context.Context, url string) ([]byte, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, err
	}
	return shared.Get(ctx, a.deps.HTTPClient, url, token)
}

var _ shared.Adapter = (*Adapter)(nil)
