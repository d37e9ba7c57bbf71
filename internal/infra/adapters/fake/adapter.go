// Package fake provides a scriptable in-memory adapter for exercising the supervisor and gateway.
package fake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
)

// ErrNotConnected is returned by Emit and Fail before Connect succeeds.
var ErrNotConnected = errors.New("fake adapter: not connected")

// Script drives the adapters built by a Provider.
type Script struct {
	// ConnectErrs are returned by successive Connect calls across adapters; nil entries succeed.
	// Once exhausted every Connect succeeds.
	ConnectErrs []error
	// ConnectDelay blocks Connect until it elapses or ctx is done.
	ConnectDelay time.Duration
	// SubmitResponse is returned by Submit when SubmitErr is nil.
	SubmitResponse shared.SubmitResponse
	SubmitErr      error
	// SubmitHook runs inside Submit before the scripted answer is returned.
	SubmitHook func(ctx context.Context, wire map[string]any)
}

// Provider is a shared.Factory source that records every adapter it builds.
type Provider struct {
	mu       sync.Mutex
	script   Script
	connects int
	adapters []*Adapter
}

// NewProvider returns a provider running script.
func NewProvider(script Script) *Provider {
	if script.SubmitResponse.Status == 0 {
		script.SubmitResponse = shared.SubmitResponse{Status: 200, Body: []byte(`{"id":"ack-1"}`)}
	}
	return &Provider{
		mu:       sync.Mutex{},
		script:   script,
		connects: 0,
		adapters: nil,
	}
}

// Factory builds fake adapters for any transport.
func (p *Provider) Factory() shared.Factory {
	return func(cfg market.Config, _ shared.Deps) (shared.Adapter, error) {
		a := &Adapter{
			provider: p,
			cfg:      cfg,
			mu:       sync.Mutex{},
			session:  nil,
			kinds:    shared.NewKindSet(),
			submits:  nil,
		}
		p.mu.Lock()
		p.adapters = append(p.adapters, a)
		p.mu.Unlock()
		return a, nil
	}
}

// SetScript replaces the script for subsequent calls.
func (p *Provider) SetScript(script Script) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if script.SubmitResponse.Status == 0 {
		script.SubmitResponse = p.script.SubmitResponse
	}
	p.script = script
	p.connects = 0
}

// Connects returns the number of Connect calls observed.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Adapters returns every adapter built so far, oldest first.
func (p *Provider) Adapters() []*Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Adapter(nil), p.adapters...)
}

// Last returns the most recently built adapter, or nil.
func (p *Provider) Last() *Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.adapters) == 0 {
		return nil
	}
	return p.adapters[len(p.adapters)-1]
}

// Submits counts Submit calls across every adapter.
func (p *Provider) Submits() int {
	total := 0
	for _, a := range p.Adapters() {
		total += len(a.Submitted())
	}
	return total
}

func (p *Provider) nextConnect() (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.connects
	p.connects++
	if idx < len(p.script.ConnectErrs) {
		return p.script.ConnectDelay, p.script.ConnectErrs[idx]
	}
	return p.script.ConnectDelay, nil
}

func (p *Provider) submitScript() Script {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.script
}

// Adapter is one scripted session.
type Adapter struct {
	provider *Provider
	cfg      market.Config

	mu      sync.Mutex
	session *shared.Session
	kinds   *shared.KindSet
	submits []map[string]any
}

// Connect succeeds or fails according to the script.
func (a *Adapter) Connect(ctx context.Context, listener shared.Listener) error {
	delay, err := a.provider.nextConnect()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = shared.NewSession(context.WithoutCancel(ctx), listener)
	return nil
}

// Subscribe records kinds.
func (a *Adapter) Subscribe(_ context.Context, kinds []schema.DataKind) error {
	if !a.Live() {
		return errs.Precondition(a.cfg.ID, errs.CanonicalNotConnected, "subscribe requires a live session")
	}
	a.kinds.Add(kinds)
	return nil
}

// Submit records wire and returns the scripted answer.
func (a *Adapter) Submit(ctx context.Context, wire map[string]any) (shared.SubmitResponse, error) {
	a.mu.Lock()
	a.submits = append(a.submits, wire)
	a.mu.Unlock()
	script := a.provider.submitScript()
	if script.SubmitHook != nil {
		script.SubmitHook(ctx, wire)
	}
	if err := ctx.Err(); err != nil {
		return shared.SubmitResponse{}, err
	}
	if script.SubmitErr != nil {
		return shared.SubmitResponse{}, script.SubmitErr
	}
	return script.SubmitResponse, nil
}

// Disconnect ends the session silently.
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

// Emit delivers body as a frame of kind, preceded by a heartbeat.
func (a *Adapter) Emit(kind schema.DataKind, body []byte) error {
	session := a.current()
	if !session.Live() {
		return ErrNotConnected
	}
	listener := session.Listener()
	listener.OnHeartbeat()
	listener.OnFrame(shared.Frame{Kind: kind, Body: body, ReceivedAt: time.Now()})
	return nil
}

// Heartbeat signals liveness without a frame.
func (a *Adapter) Heartbeat() {
	if session := a.current(); session.Live() {
		session.Listener().OnHeartbeat()
	}
}

// Fail ends the session and reports err, as a dropped connection would.
func (a *Adapter) Fail(err error) error {
	session := a.current()
	if !session.Live() {
		return ErrNotConnected
	}
	session.Fail(err)
	return nil
}

// Subscribed lists the kinds requested so far.
func (a *Adapter) Subscribed() []schema.DataKind {
	return a.kinds.List()
}

// Submitted returns recorded wire documents.
func (a *Adapter) Submitted() []map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]map[string]any(nil), a.submits...)
}

func (a *Adapter) current() *shared.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

var _ shared.Adapter = (*Adapter)(nil)
