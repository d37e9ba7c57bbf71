package supervisor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/voltlink/errs"
	"github.com/coachpo/voltlink/internal/domain/market"
	"github.com/coachpo/voltlink/internal/domain/schema"
	"github.com/coachpo/voltlink/internal/infra/adapters/shared"
	"github.com/coachpo/voltlink/internal/infra/telemetry"
)

const (
	teardownTimeout = 5 * time.Second

	reasonManual           = "manual"
	reasonMaintenance      = "maintenance"
	reasonConnectionLost   = "connection_lost"
	reasonHeartbeatTimeout = "heartbeat_timeout"
	reasonRestart          = "config_changed"
)

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdEnterMaintenance
	cmdExitMaintenance
	cmdRebind
)

type command struct {
	kind  commandKind
	cfg   market.Config
	reply chan error
}

// signal is posted to the actor by attempt goroutines, listeners and timers. Signals carrying a
// stale epoch are discarded.
type signal struct {
	epoch   uint64
	retry   bool
	adapter shared.Adapter
	result  bool
	err     error
}

type inbound struct {
	epoch uint64
	cfg   market.Config
	frame shared.Frame
}

type live struct {
	adapter shared.Adapter
	ctx     context.Context
}

type worker struct {
	sup *Supervisor
	id  string

	cmds    chan command
	signals chan signal
	frames  chan inbound

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	epoch     atomic.Uint64
	heartbeat atomic.Int64
	current   atomic.Pointer[live]
	total     atomic.Int64
	succeeded atomic.Int64

	mu    sync.RWMutex
	state base

	// actor-owned
	cfg           market.Config
	adapter       shared.Adapter
	attemptCancel context.CancelFunc
	sessionCancel context.CancelFunc
	retry         clockwork.Timer
	ticker        clockwork.Ticker
	// earlyFailure is a session failure reported before Connect returned.
	earlyFailure error
}

func newWorker(s *Supervisor, cfg market.Config) *worker {
	ctx, cancel := context.WithCancel(s.ctx)
	now := s.clock.Now()
	return &worker{
		sup:     s,
		id:      cfg.ID,
		cmds:    make(chan command),
		signals: make(chan signal, 16),
		frames:  make(chan inbound, s.frameBuffer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		wg:      sync.WaitGroup{},
		mu:      sync.RWMutex{},
		state: base{
			marketID:        cfg.ID,
			transport:       string(cfg.Transport),
			state:           StateDisconnected,
			attempts:        0,
			abandoned:       false,
			lastConnectedAt: time.Time{},
			lastError:       "",
			startedAt:       now,
			stateSince:      now,
			uptime:          0,
			connectedSince:  time.Time{},
		},
		cfg:           cfg,
		adapter:       nil,
		attemptCancel: nil,
		sessionCancel: nil,
		retry:         nil,
		ticker:        nil,
		earlyFailure:  nil,
	}
}

func (w *worker) start() {
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.ingest()
	}()
	go func() {
		defer w.wg.Done()
		defer close(w.done)
		w.run()
	}()
}

func (w *worker) stop() {
	w.cancel()
	w.wg.Wait()
}

// call hands cmd to the actor and waits for its reply.
func (w *worker) call(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case w.cmds <- cmd:
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) rebind(cfg market.Config) {
	select {
	case w.cmds <- command{kind: cmdRebind, cfg: cfg, reply: make(chan error, 1)}:
	case <-w.done:
	}
}

// post delivers sig without ever blocking the caller; adapter goroutines report through here
// while the actor may be waiting on them.
func (w *worker) post(sig signal) {
	select {
	case w.signals <- sig:
		return
	default:
	}
	go func() {
		select {
		case w.signals <- sig:
		case <-w.ctx.Done():
		}
	}()
}

func (w *worker) run() {
	defer w.shutdown()
	for {
		var tick <-chan time.Time
		if w.ticker != nil {
			tick = w.ticker.Chan()
		}
		select {
		case <-w.ctx.Done():
			return
		case cmd := <-w.cmds:
			cmd.reply <- w.handle(cmd)
		case sig := <-w.signals:
			w.handleSignal(sig)
		case <-tick:
			w.checkHeartbeat()
		}
	}
}

func (w *worker) handle(cmd command) error {
	switch cmd.kind {
	case cmdConnect:
		return w.connect()
	case cmdDisconnect:
		w.disconnect()
		return nil
	case cmdEnterMaintenance:
		w.enterMaintenance()
		return nil
	case cmdExitMaintenance:
		w.exitMaintenance()
		return nil
	case cmdRebind:
		w.applyConfig(cmd.cfg)
		return nil
	default:
		return nil
	}
}

func (w *worker) connect() error {
	switch w.currentState() {
	case StateConnecting, StateConnected, StateAuthenticated:
		return nil
	case StateMaintenance:
		return errs.Precondition(w.id, errs.CanonicalMaintenance, "market is in maintenance")
	}
	w.mu.Lock()
	w.state.attempts = 0
	w.state.abandoned = false
	w.mu.Unlock()
	w.stopRetry()
	w.startAttempt()
	return nil
}

func (w *worker) startAttempt() {
	epoch := w.epoch.Add(1)
	w.earlyFailure = nil
	w.transition(StateConnecting)

	cfg := w.cfg
	adapter, err := w.sup.builder.Build(cfg, w.sup.deps)
	if err != nil {
		w.attemptFailed(err)
		return
	}
	ctx, cancel := context.WithCancel(w.ctx)
	w.attemptCancel = cancel
	listener := &listener{w: w, epoch: epoch, cfg: cfg, ctx: ctx}
	go func() {
		begin := w.sup.clock.Now()
		connectCtx, stop := context.WithTimeout(ctx, cfg.Settings.ConnectionTimeout)
		defer stop()
		err := adapter.Connect(connectCtx, listener)
		if err == nil && len(cfg.Emits) > 0 {
			if err = adapter.Subscribe(connectCtx, cfg.Emits); err != nil {
				w.release(adapter)
			}
		}
		if err != nil && ctx.Err() == nil && errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			err = errs.New(w.id, errs.CodeConnection,
				errs.WithCanonicalCode(errs.CanonicalTimeout),
				errs.WithMessage("connect timed out after "+cfg.Settings.ConnectionTimeout.String()),
				errs.WithCause(err))
		}
		w.observeConnect(w.sup.clock.Since(begin), err)
		w.post(signal{epoch: epoch, result: true, adapter: adapter, err: err})
	}()
}

func (w *worker) handleSignal(sig signal) {
	if sig.epoch != w.epoch.Load() {
		if sig.result && sig.err == nil && sig.adapter != nil {
			go w.release(sig.adapter)
		}
		return
	}
	switch {
	case sig.retry:
		if w.currentState() == StateError {
			w.startAttempt()
		}
	case sig.result:
		if sig.err != nil {
			if w.attemptCancel != nil {
				w.attemptCancel()
				w.attemptCancel = nil
			}
			w.attemptFailed(sig.err)
			return
		}
		w.connected(sig.adapter)
		if w.earlyFailure != nil {
			w.lost(reasonConnectionLost, w.earlyFailure)
		}
	default:
		if w.currentState() == StateConnecting {
			w.earlyFailure = sig.err
			return
		}
		w.lost(reasonConnectionLost, sig.err)
	}
}

func (w *worker) connected(adapter shared.Adapter) {
	now := w.sup.clock.Now()
	sessionCtx, cancel := context.WithCancel(w.ctx)
	w.adapter = adapter
	w.sessionCancel = cancel
	w.current.Store(&live{adapter: adapter, ctx: sessionCtx})
	w.heartbeat.Store(now.UnixNano())

	w.mu.Lock()
	w.state.attempts = 0
	w.state.abandoned = false
	w.state.lastConnectedAt = now
	w.state.lastError = ""
	w.mu.Unlock()

	w.transition(StateConnected)
	if w.cfg.Credential.RequiresAuth() {
		w.transition(StateAuthenticated)
	}
	w.ticker = w.sup.clock.NewTicker(w.cfg.Settings.HeartbeatInterval)
	w.recordAttempt(telemetry.ResultSuccess)
	w.sup.logger.Info("market connected", zap.String("market", w.id), zap.String("transport", string(w.cfg.Transport)))
	w.sup.publish(schema.NewLifecycleEvent(schema.EventMarketConnected, w.id, now, schema.Lifecycle{
		State: string(w.currentState()),
	}))
}

func (w *worker) attemptFailed(err error) {
	w.mu.Lock()
	w.state.attempts++
	attempts := w.state.attempts
	w.state.lastError = err.Error()
	abandon := attempts >= w.cfg.Settings.MaxReconnectAttempts
	if abandon {
		w.state.abandoned = true
	}
	w.mu.Unlock()

	w.transition(StateError)
	w.recordAttempt(telemetry.ResultFailure)
	now := w.sup.clock.Now()
	var delay time.Duration
	if !abandon {
		delay = reconnectDelay(w.cfg.Settings.ReconnectBase, w.cfg.Settings.ReconnectMax, attempts)
	}
	w.sup.logger.Warn("market connect attempt failed",
		zap.String("market", w.id), zap.Int("attempt", attempts), zap.Duration("next_retry", delay), zap.Error(err))
	w.sup.publish(schema.NewLifecycleEvent(schema.EventConnectionError, w.id, now, schema.Lifecycle{
		State:     string(StateError),
		Attempt:   attempts,
		Error:     err.Error(),
		NextRetry: delay,
	}))
	if abandon {
		w.sup.logger.Error("market connection abandoned", zap.String("market", w.id), zap.Int("attempts", attempts))
		w.sup.publish(schema.NewLifecycleEvent(schema.EventConnectionAbandoned, w.id, now, schema.Lifecycle{
			State:   string(StateError),
			Attempt: attempts,
			Error:   err.Error(),
		}))
		return
	}
	epoch := w.epoch.Load()
	w.retry = w.sup.clock.AfterFunc(delay, func() {
		w.post(signal{epoch: epoch, retry: true})
	})
}

// lost handles the end of an established session and starts reconnecting at once.
func (w *worker) lost(reason string, cause error) {
	if !w.currentState().Connected() {
		return
	}
	w.epoch.Add(1)
	w.teardown()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	w.mu.Lock()
	w.state.lastError = msg
	w.mu.Unlock()
	w.transition(StateDisconnected)
	w.sup.logger.Warn("market connection lost", zap.String("market", w.id), zap.String("reason", reason), zap.Error(cause))
	w.sup.publish(schema.NewLifecycleEvent(schema.EventMarketDisconnected, w.id, w.sup.clock.Now(), schema.Lifecycle{
		State:  string(StateDisconnected),
		Reason: reason,
		Error:  msg,
	}))
	w.startAttempt()
}

func (w *worker) checkHeartbeat() {
	if !w.currentState().Connected() {
		return
	}
	last := time.Unix(0, w.heartbeat.Load())
	silence := w.sup.clock.Since(last)
	if silence <= w.cfg.Settings.HeartbeatTimeout() {
		return
	}
	w.lost(reasonHeartbeatTimeout, errs.New(w.id, errs.CodeHeartbeatTimeout,
		errs.WithMessage("no heartbeat for "+silence.Truncate(time.Millisecond).String()),
		errs.WithCanonicalCode(errs.CanonicalTimeout)))
}

func (w *worker) disconnect() {
	if w.currentState() == StateDisconnected {
		return
	}
	w.epoch.Add(1)
	w.stopRetry()
	w.teardown()
	w.transition(StateDisconnected)
	w.sup.logger.Info("market disconnected", zap.String("market", w.id))
	w.sup.publish(schema.NewLifecycleEvent(schema.EventMarketDisconnected, w.id, w.sup.clock.Now(), schema.Lifecycle{
		State:  string(StateDisconnected),
		Reason: reasonManual,
	}))
}

func (w *worker) enterMaintenance() {
	if w.currentState() == StateMaintenance {
		return
	}
	w.epoch.Add(1)
	w.stopRetry()
	w.teardown()
	w.transition(StateMaintenance)
	w.sup.logger.Info("market entered maintenance", zap.String("market", w.id))
	w.sup.publish(schema.NewLifecycleEvent(schema.EventMarketDisconnected, w.id, w.sup.clock.Now(), schema.Lifecycle{
		State:  string(StateMaintenance),
		Reason: reasonMaintenance,
	}))
}

func (w *worker) exitMaintenance() {
	if w.currentState() != StateMaintenance {
		return
	}
	w.transition(StateDisconnected)
	w.sup.logger.Info("market left maintenance", zap.String("market", w.id))
	_ = w.connect()
}

// applyConfig swaps the market config. An active session is restarted when the config changed.
func (w *worker) applyConfig(cfg market.Config) {
	if reflect.DeepEqual(w.cfg, cfg) {
		return
	}
	w.cfg = cfg
	w.mu.Lock()
	w.state.transport = string(cfg.Transport)
	w.mu.Unlock()
	switch w.currentState() {
	case StateConnecting, StateConnected, StateAuthenticated:
		w.epoch.Add(1)
		w.stopRetry()
		w.teardown()
		w.sup.logger.Info("market config changed; restarting session", zap.String("market", w.id))
		w.mu.Lock()
		w.state.attempts = 0
		w.mu.Unlock()
		w.transition(StateDisconnected)
		w.sup.publish(schema.NewLifecycleEvent(schema.EventMarketDisconnected, w.id, w.sup.clock.Now(), schema.Lifecycle{
			State:  string(StateDisconnected),
			Reason: reasonRestart,
		}))
		w.startAttempt()
	}
}

// teardown ends the in-flight attempt and the live session, if any.
func (w *worker) teardown() {
	if w.attemptCancel != nil {
		w.attemptCancel()
		w.attemptCancel = nil
	}
	if w.sessionCancel != nil {
		w.sessionCancel()
		w.sessionCancel = nil
	}
	if w.ticker != nil {
		w.ticker.Stop()
		w.ticker = nil
	}
	w.current.Store(nil)
	if w.adapter != nil {
		adapter := w.adapter
		w.adapter = nil
		go w.release(adapter)
	}
}

func (w *worker) release(adapter shared.Adapter) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), teardownTimeout)
	defer cancel()
	if err := adapter.Disconnect(ctx); err != nil {
		w.sup.logger.Debug("adapter disconnect", zap.String("market", w.id), zap.Error(err))
	}
}

func (w *worker) stopRetry() {
	if w.retry != nil {
		w.retry.Stop()
		w.retry = nil
	}
}

func (w *worker) shutdown() {
	w.epoch.Add(1)
	w.stopRetry()
	if w.attemptCancel != nil {
		w.attemptCancel()
		w.attemptCancel = nil
	}
	if w.sessionCancel != nil {
		w.sessionCancel()
		w.sessionCancel = nil
	}
	if w.ticker != nil {
		w.ticker.Stop()
		w.ticker = nil
	}
	w.current.Store(nil)
	if w.adapter != nil {
		w.release(w.adapter)
		w.adapter = nil
	}
	w.transition(StateDisconnected)
	if w.sup.handler != nil {
		if forgetter, ok := w.sup.handler.(interface{ Forget(string) }); ok {
			forgetter.Forget(w.id)
		}
	}
}

func (w *worker) transition(next State) {
	now := w.sup.clock.Now()
	w.mu.Lock()
	prev := w.state.state
	if prev == next {
		w.mu.Unlock()
		return
	}
	if prev.Connected() && !next.Connected() && !w.state.connectedSince.IsZero() {
		w.state.uptime += now.Sub(w.state.connectedSince)
		w.state.connectedSince = time.Time{}
	}
	if next.Connected() && !prev.Connected() {
		w.state.connectedSince = now
	}
	w.state.state = next
	w.state.stateSince = now
	transport := w.state.transport
	w.mu.Unlock()

	if w.sup.transitionsCounter != nil {
		w.sup.transitionsCounter.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.ConnectionAttributes(w.id, transport, string(next))...))
	}
	w.sup.logger.Debug("market state transition",
		zap.String("market", w.id), zap.String("from", string(prev)), zap.String("to", string(next)))
}

func (w *worker) recordAttempt(result string) {
	if w.sup.attemptsCounter == nil {
		return
	}
	w.sup.attemptsCounter.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.OperationAttributes(w.id, "connect", result)...))
}

func (w *worker) observeConnect(elapsed time.Duration, err error) {
	if w.sup.connectDuration == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultFailure
	}
	w.sup.connectDuration.Record(context.Background(), float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(telemetry.OperationAttributes(w.id, "connect", result)...))
}

func (w *worker) currentState() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.state
}

func (w *worker) snapshot() Snapshot {
	var heartbeat time.Time
	if ns := w.heartbeat.Load(); ns != 0 {
		heartbeat = time.Unix(0, ns).UTC()
	}
	total := w.total.Load()
	ok := w.succeeded.Load()
	req := RequestStats{Total: total, Succeeded: ok, Failed: total - ok}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.snapshot(w.sup.clock.Now(), heartbeat, req)
}

func (w *worker) session() (shared.Adapter, context.Context, bool) {
	cur := w.current.Load()
	if cur == nil || cur.ctx.Err() != nil || !cur.adapter.Live() {
		return nil, nil, false
	}
	return cur.adapter, cur.ctx, true
}

func (w *worker) recordRequest(ok bool) {
	w.total.Add(1)
	if ok {
		w.succeeded.Add(1)
	}
}

func (w *worker) touch() {
	w.heartbeat.Store(w.sup.clock.Now().UnixNano())
}

// ingest forwards frames to the handler serially so per-market arrival order is kept.
func (w *worker) ingest() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case item := <-w.frames:
			if item.epoch != w.epoch.Load() || w.sup.handler == nil {
				continue
			}
			if _, err := w.sup.handler.Handle(w.ctx, item.cfg, item.frame); err != nil {
				w.sup.logger.Debug("frame dropped", zap.String("market", w.id), zap.Error(err))
			}
		}
	}
}

// listener binds adapter callbacks to one connection attempt.
type listener struct {
	w     *worker
	epoch uint64
	cfg   market.Config
	ctx   context.Context
}

func (l *listener) stale() bool { return l.epoch != l.w.epoch.Load() }

func (l *listener) OnFrame(frame shared.Frame) {
	if l.stale() {
		return
	}
	select {
	case l.w.frames <- inbound{epoch: l.epoch, cfg: l.cfg, frame: frame}:
	case <-l.ctx.Done():
	}
}

func (l *listener) OnHeartbeat() {
	if !l.stale() {
		l.w.touch()
	}
}

func (l *listener) OnRequest(ok bool) {
	l.w.recordRequest(ok)
}

func (l *listener) OnFailure(err error) {
	if l.stale() {
		return
	}
	l.w.post(signal{epoch: l.epoch, err: err})
}

var _ shared.Listener = (*listener)(nil)
