package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quadruped-control/qcc/internal/command"
	"github.com/quadruped-control/qcc/internal/config"
	"github.com/quadruped-control/qcc/internal/device"
	"github.com/quadruped-control/qcc/internal/telemetry"
)

// State is the supervisor's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateLive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Status is a point-in-time view of the supervisor for status polls.
type Status struct {
	State      State  `json:"state"`
	Generation uint64 `json:"generation"`
	Connected  bool   `json:"connected"`
}

// Supervisor drives the session lifecycle. It is the sole owner of the
// device connection; callers reach the robot only through the dispatcher
// and the hub.
type Supervisor struct {
	cfg        *config.Config
	dialer     device.Dialer
	dispatcher *command.Dispatcher
	hub        *telemetry.Hub
	logger     *slog.Logger

	generation atomic.Uint64
	state      atomic.Int32
	reconnect  chan struct{}
}

// New creates a supervisor. Run must be called for anything to happen.
func New(cfg *config.Config, dialer device.Dialer, dispatcher *command.Dispatcher, hub *telemetry.Hub, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		dialer:     dialer,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger,
		reconnect:  make(chan struct{}, 1),
	}
}

// State returns the current supervisor state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Generation returns the generation of the most recent session.
func (s *Supervisor) Generation() uint64 {
	return s.generation.Load()
}

// Status returns a snapshot for status polls.
func (s *Supervisor) Status() Status {
	state := s.State()
	return Status{
		State:      state,
		Generation: s.generation.Load(),
		Connected:  state == StateLive,
	}
}

// Reconnect wakes a supervisor parked in the disconnected state. It is a
// no-op while connecting or live.
func (s *Supervisor) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Run drives the state machine until ctx is cancelled, then drains and
// returns. It must be called exactly once.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.drain()

	for ctx.Err() == nil {
		s.transition(StateConnecting)
		conn, err := s.connectWithBackoff(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// Reconnect budget exhausted: fail everything queued and park
			// until something external asks for another round.
			s.dispatcher.FailAll(device.ErrDisconnected)
			s.transition(StateDisconnected)
			select {
			case <-s.reconnect:
				continue
			case <-ctx.Done():
			}
			break
		}

		sess := device.NewSession(s.generation.Add(1), conn)
		s.transition(StateLive)
		s.logger.Info("session live", "generation", sess.Generation)

		s.runLive(ctx, sess)

		s.logger.Info("session ended", "generation", sess.Generation)
	}
	return nil
}

// transition records and logs a state change.
func (s *Supervisor) transition(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Info("supervisor state", "from", prev.String(), "to", next.String())
	}
}

// connectWithBackoff attempts up to MaxReconnectAttempts connects with
// exponential backoff between failures.
func (s *Supervisor) connectWithBackoff(ctx context.Context) (device.Conn, error) {
	delay := s.cfg.BackoffInitial
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, err := s.dialer.Connect(connectCtx)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("connect attempt failed",
			"attempt", attempt,
			"max", s.cfg.MaxReconnectAttempts,
			"backoff", delay,
			"error", err)

		if attempt == s.cfg.MaxReconnectAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay = time.Duration(float64(delay) * s.cfg.BackoffFactor)
		if delay > s.cfg.BackoffMax {
			delay = s.cfg.BackoffMax
		}
	}
	return nil, fmt.Errorf("reconnect budget exhausted after %d attempts: %w", s.cfg.MaxReconnectAttempts, lastErr)
}

// runLive runs the read loop and the command loop against one session and
// returns once the session is retired or ctx is cancelled.
func (s *Supervisor) runLive(ctx context.Context, sess *device.Session) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(sessCtx, sess, cancel)
	}()
	go func() {
		defer wg.Done()
		s.commandLoop(sessCtx, sess, cancel)
	}()
	wg.Wait()

	sess.Retire()
	if err := sess.Conn.Close(); err != nil {
		s.logger.Debug("session close", "generation", sess.Generation, "error", err)
	}
}

// readLoop pulls updates off the connection and publishes them to the
// hub. Publish never blocks longer than a bounded buffer operation, so
// slow hub subscribers cannot stall this loop.
func (s *Supervisor) readLoop(ctx context.Context, sess *device.Session, retire context.CancelFunc) {
	for {
		update, err := sess.Conn.NextUpdate(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("session read failed", "generation", sess.Generation, "error", err)
			}
			if sess.Retire() {
				retire()
			}
			return
		}
		sess.Touch()
		switch {
		case update.Sample != nil:
			s.hub.PublishSample(*update.Sample)
		case update.Frame != nil:
			s.hub.PublishFrame(*update.Frame)
		}
	}
}

// commandLoop drains the dispatcher one request at a time against the
// current session. Command-scoped failures resolve only that command; a
// disconnect retires the session so nothing further is sent on it.
func (s *Supervisor) commandLoop(ctx context.Context, sess *device.Session, retire context.CancelFunc) {
	for {
		pending, ok := s.dispatcher.Next(ctx)
		if !ok {
			return
		}
		req := pending.Request()

		if sess.Retired() {
			pending.Resolve(device.Result{}, device.NewCommandError(device.ErrDisconnected, req.Name, nil))
			return
		}

		// The execution context carries only the request deadline. An
		// already-sent command cannot be recalled; it finishes or times
		// out even while the supervisor is draining.
		deadline := req.Deadline
		if deadline.IsZero() {
			deadline = time.Now().Add(s.cfg.CommandDeadline)
		}
		execCtx, cancelExec := context.WithDeadline(context.Background(), deadline)
		result, err := sess.Conn.SendCommand(execCtx, req)
		cancelExec()
		sess.Touch()

		switch {
		case err == nil && result.Code == 0:
			pending.Resolve(result, nil)
		case err == nil:
			// The robot answered with a non-zero status: scoped to this
			// command, the session stays live.
			pending.Resolve(result, device.NewCommandError(device.ErrRejected, req.Name,
				fmt.Errorf("device status code %d", result.Code)))
		case errors.Is(err, context.DeadlineExceeded):
			pending.Resolve(device.Result{}, device.NewCommandError(device.ErrTimeout, req.Name, err))
		case errors.Is(err, device.ErrDisconnected):
			pending.Resolve(device.Result{}, device.NewCommandError(device.ErrDisconnected, req.Name, err))
			if sess.Retire() {
				retire()
			}
			return
		default:
			pending.Resolve(device.Result{}, device.NewCommandError(device.ErrRejected, req.Name, err))
		}
	}
}

// drain is the terminal shutdown path: reject new submissions, fail what
// is still queued, and record the state.
func (s *Supervisor) drain() {
	s.transition(StateDraining)
	s.dispatcher.Drain()
	s.dispatcher.FailAll(device.ErrDisconnected)
	s.transition(StateDisconnected)
}
