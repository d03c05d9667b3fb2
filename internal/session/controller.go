// Package session drives one duplex voice conversation at a time: it
// acquires the audio devices, dials the realtime transport, routes inbound
// audio to playback, handles barge-in, and tears everything down in a fixed
// order on Stop or failure.
//
// Every state change goes through a single transition function that checks a
// table of legal moves and notifies observers in order. One coordinator
// goroutine per session consumes transport messages and device loss, so an
// interruption is fully handled (playback cancelled, state back to Active)
// before the next message is read.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/livecoach/internal/capture"
	"github.com/MrWong99/livecoach/internal/observe"
	"github.com/MrWong99/livecoach/internal/playback"
	"github.com/MrWong99/livecoach/pkg/transport"
	"github.com/MrWong99/livecoach/pkg/types"
)

// DefaultStopTimeout bounds each release step during teardown.
const DefaultStopTimeout = 3 * time.Second

// ErrReleaseTimeout is logged when a release step overruns the stop timeout.
// The step's goroutine is abandoned and teardown continues.
var ErrReleaseTimeout = errors.New("session: release timed out")

// errSkip vetoes a transition that another path already owns.
var errSkip = errors.New("session: transition superseded")

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers o for state changes. May be given multiple times.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithStopTimeout bounds each device and transport release step.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics sink. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithProviderName labels session metrics with the realtime backend name.
func WithProviderName(name string) Option {
	return func(c *Controller) {
		if name != "" {
			c.provider = name
		}
	}
}

// run is one started session: the transport and its coordinator.
type run struct {
	id     string
	tr     transport.Transport
	cancel context.CancelFunc
	done   chan struct{} // closed when the coordinator returns

	once sync.Once
	err  error
}

// pendingStart tracks a Start in progress so Stop can abort it.
type pendingStart struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller owns the session lifecycle.
//
// All methods are safe for concurrent use.
type Controller struct {
	dialer   transport.Dialer
	capture  *capture.Service
	playback *playback.Scheduler

	observers   []Observer
	stopTimeout time.Duration
	log         *slog.Logger
	metrics     *observe.Metrics
	provider    string

	stopMu sync.Mutex // serialises Stop calls

	mu      sync.Mutex // guards the fields below
	state   State
	id      string
	lastErr error
	run     *run
	pending *pendingStart

	// obsMu is taken before mu is released in transition so observers see
	// changes in the order they happened.
	obsMu sync.Mutex
}

// NewController creates an idle controller. Nothing is acquired until Start.
func NewController(dialer transport.Dialer, capt *capture.Service, play *playback.Scheduler, opts ...Option) *Controller {
	c := &Controller{
		dialer:      dialer,
		capture:     capt,
		playback:    play,
		stopTimeout: DefaultStopTimeout,
		log:         slog.Default(),
		metrics:     observe.DefaultMetrics(),
		provider:    "realtime",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the ID minted by the most recent Start, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// LastError returns the error that moved the session to Failed, or nil.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start acquires the devices, dials the transport, and begins streaming.
//
// A denied or missing device returns a DeviceError and leaves the controller
// Idle. A dial or handshake failure returns a ConnectionError and leaves it
// Failed. A concurrent Stop aborts Start, which then releases what it
// acquired and returns a canceled error. Start from Connecting, Active,
// Interrupted or Closing returns an InvalidStateError without side effects.
func (c *Controller) Start(ctx context.Context, cfg transport.SessionConfig) (err error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, span := observe.StartSpan(ctx, "session.Start")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(types.KindOf(err)))
		}
		span.End()
	}()

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &pendingStart{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.pending != nil || (c.state != Idle && !c.state.Terminal()) {
		st := c.state
		c.mu.Unlock()
		return types.InvalidStateError("session: start", st)
	}
	c.pending = p
	rearm := c.state != Idle
	prev := c.run
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		close(p.done)
	}()

	if rearm {
		// Failed is published before its teardown runs. Finish it, or the old
		// run would release the devices this Start is about to acquire.
		if prev != nil {
			c.teardown(prev, false)
		}
		if startCtx.Err() != nil {
			return types.CanceledError("session: start", startCtx.Err())
		}
		if _, err := c.transition(Idle, nil, nil); err != nil {
			return err
		}
	}
	id := uuid.NewString()
	c.mu.Lock()
	c.id, c.lastErr, c.run = id, nil, nil
	c.mu.Unlock()
	span.SetAttributes(attribute.String("session.id", id), attribute.String("session.voice", string(cfg.Voice)))
	log := c.log.With("session_id", id)

	if err := c.capture.Open(startCtx); err != nil {
		return c.abortStart(startCtx, err, nil)
	}
	if err := c.playback.Open(startCtx); err != nil {
		return c.abortStart(startCtx, err, nil)
	}

	if _, err := c.transition(Connecting, nil, nil); err != nil {
		return c.abortStart(startCtx, err, nil)
	}
	tr, err := c.dialer.Dial(startCtx, cfg)
	if err != nil {
		if types.KindOf(err) == types.KindUnknown && startCtx.Err() == nil {
			err = types.ConnectionError("session: dial", err)
		}
		return c.abortStart(startCtx, err, nil)
	}

	coordCtx, coordCancel := context.WithCancel(context.Background())
	r := &run{id: id, tr: tr, cancel: coordCancel, done: make(chan struct{})}
	if _, err := c.transition(Active, nil, func(State) error {
		if startCtx.Err() != nil {
			return types.CanceledError("session: start", startCtx.Err())
		}
		c.run = r
		return nil
	}); err != nil {
		coordCancel()
		close(r.done)
		return c.abortStart(startCtx, err, tr)
	}

	c.metrics.SessionsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", c.provider)))
	c.metrics.ActiveSessions.Add(ctx, 1)
	go c.coordinate(coordCtx, r)
	if err := c.capture.Start(tr); err != nil {
		c.failRun(r, err)
		return err
	}
	log.Info("session: streaming", "voice", cfg.Voice)
	return nil
}

// abortStart releases whatever Start acquired and settles the state. A
// cancelled start leaves the state for Stop to finish; a dial failure moves
// to Failed; a device failure stays Idle.
func (c *Controller) abortStart(startCtx context.Context, cause error, tr transport.Transport) error {
	c.releaseAll(tr)

	if startCtx.Err() != nil {
		if types.KindOf(cause) != types.KindCanceled {
			cause = types.CanceledError("session: start", startCtx.Err())
		}
		c.log.Info("session: start aborted")
		return cause
	}
	if types.KindOf(cause) == types.KindDevice {
		c.log.Warn("session: device unavailable", "err", cause)
		return cause
	}
	c.log.Error("session: connect failed", "err", cause)
	if _, err := c.transition(Failed, cause, nil); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Stop ends the session. Stop is total and idempotent: every release step
// runs even if an earlier one fails or times out, and the controller ends
// Closed (or stays Failed when the session had already failed). An in-flight
// Start is cancelled first.
func (c *Controller) Stop(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "session.Stop")
	defer span.End()

	c.stopMu.Lock()
	defer c.stopMu.Unlock()

	c.mu.Lock()
	p := c.pending
	c.mu.Unlock()
	if p != nil {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			return types.CanceledError("session: stop", ctx.Err())
		}
	}

	var r *run
	_, err := c.transition(Closing, nil, func(from State) error {
		r = c.run
		if from == Closing || from.Terminal() {
			return errSkip
		}
		return nil
	})
	switch {
	case errors.Is(err, errSkip):
		// Already closed, or a failure or remote close owns teardown.
		if r != nil {
			c.teardown(r, false)
		}
		return nil
	case err != nil:
		return err
	}

	if r != nil {
		err = c.teardown(r, false)
	} else {
		err = c.releaseAll(nil)
	}
	if err != nil {
		c.log.Warn("session: teardown incomplete", "err", err)
	}
	if _, err := c.transition(Closed, nil, nil); err != nil {
		return err
	}
	return nil
}

// coordinate consumes transport messages and device loss for r until the
// stream ends.
func (c *Controller) coordinate(ctx context.Context, r *run) {
	defer close(r.done)
	msgs := r.tr.Messages()
	lost := c.capture.Err()
	log := c.log.With("session_id", r.id)

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			c.failRun(r, types.DeviceError("session: microphone lost", err))
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			switch m.Kind {
			case transport.KindAudioChunk:
				// Undecodable chunks are logged and counted by the scheduler.
				_, _ = c.playback.Enqueue(m.Audio)
			case transport.KindInterrupted:
				c.interrupt(r)
			case transport.KindTurnComplete:
				log.Debug("session: turn complete")
			case transport.KindClosed:
				c.closeRun(r)
				return
			case transport.KindError:
				err := m.Err
				if types.KindOf(err) == types.KindUnknown || err == nil {
					err = types.ConnectionError("session: transport", err)
				}
				c.failRun(r, err)
				return
			}
		}
	}
}

// interrupt handles barge-in: Active -> Interrupted, cancel playback,
// Interrupted -> Active. Capture keeps running throughout.
func (c *Controller) interrupt(r *run) {
	owned := func(from State) error {
		if c.run != r {
			return errSkip
		}
		return nil
	}
	if _, err := c.transition(Interrupted, nil, owned); err != nil {
		return
	}
	n := c.playback.CancelAll()
	c.metrics.Interruptions.Add(context.Background(), 1)
	c.log.Debug("session: interrupted", "session_id", r.id, "cancelled", n)
	_, _ = c.transition(Active, nil, owned)
}

// failRun moves r to Failed and tears it down, unless Stop got there first.
// Observers see Failed before the release; a Start that re-arms meanwhile
// waits for it in teardown.
func (c *Controller) failRun(r *run, cause error) {
	if _, err := c.transition(Failed, cause, func(from State) error {
		if c.run != r || !from.Streaming() {
			return errSkip
		}
		return nil
	}); err != nil {
		return
	}
	c.log.Error("session: failed", "session_id", r.id, "kind", types.KindOf(cause), "err", cause)
	c.teardown(r, true)
}

// closeRun handles a normal remote close: Closing, teardown, Closed.
func (c *Controller) closeRun(r *run) {
	if _, err := c.transition(Closing, nil, func(from State) error {
		if c.run != r || !from.Streaming() {
			return errSkip
		}
		return nil
	}); err != nil {
		return
	}
	c.log.Info("session: remote closed", "session_id", r.id)
	c.teardown(r, true)
	_, _ = c.transition(Closed, nil, nil)
}

// teardown releases r's resources exactly once. Callers other than the
// coordinator also wait for the coordinator to exit.
func (c *Controller) teardown(r *run, fromCoordinator bool) error {
	r.once.Do(func() {
		r.err = c.releaseAll(r.tr)
		r.cancel()
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	})
	if !fromCoordinator {
		select {
		case <-r.done:
		case <-time.After(c.stopTimeout):
			c.log.Warn("session: coordinator did not exit", "session_id", r.id)
		}
	}
	return r.err
}

// releaseAll runs the release steps in order: capture, playback, output
// device, transport. Every step runs; each is bounded by the stop timeout.
func (c *Controller) releaseAll(tr transport.Transport) error {
	var errs []error
	errs = append(errs, c.bounded("capture stop", c.capture.Stop))
	c.playback.CancelAll()
	errs = append(errs, c.bounded("output close", c.playback.Close))
	if tr != nil {
		errs = append(errs, c.bounded("transport close", tr.Close))
	}
	return errors.Join(errs...)
}

// bounded runs fn, giving up after the stop timeout. A timed-out fn keeps
// running in the background and its resource is logged as leaked.
func (c *Controller) bounded(step string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	t := time.NewTimer(c.stopTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		if err != nil {
			c.log.Warn("session: release failed", "step", step, "err", err)
		}
		return err
	case <-t.C:
		c.log.Warn("session: release timed out, leaking resource", "step", step, "timeout", c.stopTimeout)
		return fmt.Errorf("%s: %w", step, ErrReleaseTimeout)
	}
}

// transition moves to `to` if the table allows it. check, when non-nil, runs
// under the lock first and may veto the move by returning an error. It
// returns the previous state.
func (c *Controller) transition(to State, cause error, check func(from State) error) (State, error) {
	c.mu.Lock()
	from := c.state
	if check != nil {
		if err := check(from); err != nil {
			c.mu.Unlock()
			return from, err
		}
	}
	if !canTransition(from, to) {
		c.mu.Unlock()
		return from, types.InvalidStateError(fmt.Sprintf("session: %s -> %s", from, to), from)
	}
	c.state = to
	if cause != nil {
		c.lastErr = cause
	}
	if from.Streaming() && !to.Streaming() {
		c.capture.Pause()
	}
	ch := Change{SessionID: c.id, From: from, To: to, Err: cause, At: time.Now()}

	c.obsMu.Lock()
	c.mu.Unlock()
	defer c.obsMu.Unlock()

	c.metrics.RecordTransition(context.Background(), from.String(), to.String())
	c.log.Debug("session: state changed", "session_id", ch.SessionID, "from", from, "to", to)
	for _, o := range c.observers {
		o.OnStateChange(ch)
	}
	return from, nil
}
