// Package stream implements the WebSocket transport.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
)

const (
	readLimit           = 2 * 1024 * 1024
	controlWriteTimeout = 5 * time.Second
	// Outbound control frames (subscribe, ping) are paced per connection.
	controlRate   = rate.Limit(5)
	controlBurst  = 1
	channelsToken = "{channels}"
)

// Adapter holds one WebSocket connection. Every inbound text frame and every pong counts as a
// heartbeat; a read or ping error ends the session through a single OnFailure.
type Adapter struct {
	cfg    market.Config
	deps   shared.Deps
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	session *shared.Session
	kinds   *shared.KindSet
	control *rate.Limiter
}

// New is the shared.Factory for market.TransportWebSocket.
func New(cfg market.Config, deps shared.Deps) (shared.Adapter, error) {
	if cfg.Transport != market.TransportWebSocket {
		return nil, fmt.Errorf("stream adapter: unexpected transport %q", cfg.Transport)
	}
	deps = deps.WithDefaults()
	return &Adapter{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(zap.String("market", cfg.ID), zap.String("transport", string(cfg.Transport))),
		mu:      sync.Mutex{},
		conn:    nil,
		session: nil,
		kinds:   shared.NewKindSet(),
		control: rate.NewLimiter(controlRate, controlBurst),
	}, nil
}

// Connect dials the stream endpoint with credential headers attached and starts the read and ping loops.
func (a *Adapter) Connect(ctx context.Context, listener shared.Listener) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return errors.New("stream adapter: already connected")
	}
	token, err := a.deps.Credentials.Acquire(ctx, a.cfg.ID, a.cfg.Credential)
	if err != nil {
		return fmt.Errorf("stream adapter: credentials: %w", err)
	}
	conn, resp, err := websocket.Dial(ctx, a.cfg.Endpoints.StreamURL, &websocket.DialOptions{
		HTTPClient: a.deps.HTTPClient,
		HTTPHeader: token.Header(),
	})
	if err != nil {
		if resp != nil && shared.AuthRejected(resp.StatusCode) {
			a.deps.Credentials.Invalidate(a.cfg.ID)
		}
		return shared.ConnectError(a.cfg.ID, "dial stream", err)
	}
	conn.SetReadLimit(readLimit)

	session := shared.NewSession(context.WithoutCancel(ctx), listener)
	a.conn = conn
	a.session = session
	session.Go(func(ctx context.Context) {
		if err := a.readLoop(ctx, conn, listener); err != nil {
			session.Fail(errs.New(a.cfg.ID, errs.CodeConnection, errs.WithMessage("stream read failed"), errs.WithCause(err)))
		}
	})
	session.Go(func(ctx context.Context) {
		if err := a.pingLoop(ctx, conn, listener); err != nil {
			session.Fail(errs.New(a.cfg.ID, errs.CodeConnection, errs.WithMessage("stream ping failed"), errs.WithCause(err)))
		}
	})
	// Close the socket when the session ends so a blocked Read returns.
	session.Go(func(ctx context.Context) {
		<-ctx.Done()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

// Subscribe sends a subscribe frame for kinds not yet requested.
func (a *Adapter) Subscribe(ctx context.Context, kinds []schema.DataKind) error {
	a.mu.Lock()
	conn, session := a.conn, a.session
	a.mu.Unlock()
	if !session.Live() {
		return errs.Precondition(a.cfg.ID, errs.CanonicalNotConnected, "subscribe requires a live session")
	}
	for _, kind := range kinds {
		if len(messageTypesFor(a.cfg.Stream, kind)) == 0 {
			return errs.NotSupported(a.cfg.ID, fmt.Sprintf("no stream message type routes to %s", kind))
		}
	}
	var channels []string
	for _, kind := range a.kinds.Add(kinds) {
		channels = append(channels, messageTypesFor(a.cfg.Stream, kind)...)
	}
	if len(channels) == 0 {
		return nil
	}
	frame := subscribeFrame(a.cfg.Stream.Subscribe, channels)
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("stream adapter: encode subscribe: %w", err)
	}
	if err := a.control.Wait(ctx); err != nil {
		return fmt.Errorf("stream adapter: pace subscribe: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("stream adapter: write subscribe: %w", err)
	}
	a.logger.Info("stream subscribed", zap.Strings("channels", channels))
	return nil
}

// Submit sends orders over the market's REST order endpoint when one is configured.
func (a *Adapter) Submit(ctx context.Context, wire map[string]any) (shared.SubmitResponse, error) {
	if a.cfg.Endpoints.OrdersURL == "" {
		return shared.SubmitResponse{}, errs.NotSupported(a.cfg.ID, "streaming market has no order endpoint")
	}
	token, err := a.deps.Credentials.Acquire(ctx, a.cfg.ID, a.cfg.Credential)
	if err != nil {
		return shared.SubmitResponse{}, fmt.Errorf("stream adapter: credentials: %w", err)
	}
	resp, err := shared.PostJSON(ctx, a.deps.HTTPClient, a.cfg.Endpoints.OrdersURL, token, wire)
	if err == nil && shared.AuthRejected(resp.Status) {
		a.deps.Credentials.Invalidate(a.cfg.ID)
	}
	return resp, err
}

// Disconnect closes the socket. It is idempotent.
func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session != nil {
		session.Close()
	}
	return nil
}

// Live reports whether the socket is open.
func (a *Adapter) Live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Live()
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, listener shared.Listener) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		listener.OnHeartbeat()
		listener.OnFrame(shared.Frame{Kind: "", Body: data, ReceivedAt: a.deps.Clock.Now()})
	}
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn, listener shared.Listener) error {
	ticker := a.deps.Clock.NewTicker(a.cfg.Settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := a.control.Wait(ctx); err != nil {
				return nil
			}
			pingCtx, cancel := context.WithTimeout(ctx, a.cfg.Settings.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("ping: %w", err)
			}
			listener.OnHeartbeat()
		}
	}
}

// messageTypesFor lists the provider message types routed to kind, sorted.
func messageTypesFor(stream market.StreamConfig, kind schema.DataKind) []string {
	var out []string
	for msgType, k := range stream.MessageTypes {
		if k == kind {
			out = append(out, msgType)
		}
	}
	sort.Strings(out)
	return out
}

// subscribeFrame renders the subscribe document. Without a template the frame is
// {"op":"subscribe","channels":[...]}; a template has every "{channels}" value replaced.
func subscribeFrame(template map[string]any, channels []string) map[string]any {
	if len(template) == 0 {
		return map[string]any{"op": "subscribe", "channels": channels}
	}
	return substitute(template, channels).(map[string]any)
}

func substitute(node any, channels []string) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = substitute(child, channels)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = substitute(child, channels)
		}
		return out
	case string:
		if v == channelsToken {
			return channels
		}
		return v
	default:
		return v
	}
}

var _ shared.Adapter = (*Adapter)(nil)
