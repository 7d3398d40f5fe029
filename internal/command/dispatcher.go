package command

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"

	"github.com/quadruped-control/qcc/internal/device"
)

// Pending lifecycle states.
const (
	stateQueued int32 = iota
	stateStarted
	stateResolved
)

// Pending is the single-use result slot for one submitted command. The
// caller owns it: Wait blocks until the dispatcher resolves it or the
// caller's context expires.
type Pending struct {
	req   device.CommandRequest
	state atomic.Int32
	done  chan struct{}
	once  sync.Once

	result device.Result
	err    error
}

// Request returns the command descriptor this slot belongs to.
func (p *Pending) Request() device.CommandRequest {
	return p.req
}

// Wait blocks until the command resolves or ctx is done. A ctx expiry does
// not cancel the command; use Cancel for that.
func (p *Pending) Wait(ctx context.Context) (device.Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return device.Result{}, ctx.Err()
	}
}

// Cancel withdraws the command if it has not started executing. A command
// already sent to the robot cannot be recalled; it runs to completion or
// deadline.
func (p *Pending) Cancel() {
	if p.state.CompareAndSwap(stateQueued, stateResolved) {
		p.complete(device.Result{}, device.NewCommandError(device.ErrCancelled, p.req.Name, nil))
	}
}

// begin claims the slot for execution. It fails when the caller cancelled
// the command while it sat in the queue.
func (p *Pending) begin() bool {
	return p.state.CompareAndSwap(stateQueued, stateStarted)
}

// Resolve records the outcome. Subsequent calls are no-ops: ownership of
// the result slot passes back to the caller exactly once.
func (p *Pending) Resolve(result device.Result, err error) {
	p.state.Store(stateResolved)
	p.complete(result, err)
}

func (p *Pending) complete(result device.Result, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Dispatcher owns the bounded FIFO command queue. Any number of goroutines
// may Submit; exactly one consumer (the supervisor's command loop) calls
// Next.
type Dispatcher struct {
	mu       sync.Mutex
	pending  *queue.Queue
	depth    int
	draining bool
	notify   chan struct{}
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with the given maximum queue depth.
func NewDispatcher(depth int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		pending: queue.New(),
		depth:   depth,
		notify:  make(chan struct{}, 1),
		logger:  logger,
	}
}

// Submit validates and enqueues a command, returning the pending handle
// the caller waits on. Submissions fail fast with OVERLOADED when the
// queue is full and with REJECTED once the dispatcher is draining.
func (d *Dispatcher) Submit(name string, parameter any, deadline time.Time) (*Pending, error) {
	apiID, ok := device.CommandMap[name]
	if !ok {
		return nil, device.NewCommandError(device.ErrRejected, name, nil)
	}

	p := &Pending{
		req: device.CommandRequest{
			ID:        uuid.NewString(),
			Name:      name,
			APIID:     apiID,
			Parameter: parameter,
			Deadline:  deadline,
		},
		done: make(chan struct{}),
	}

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return nil, device.NewCommandError(device.ErrRejected, name, nil)
	}
	if d.pending.Length() >= d.depth {
		d.mu.Unlock()
		return nil, device.NewCommandError(device.ErrOverloaded, name, nil)
	}
	d.pending.Add(p)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	return p, nil
}

// Next blocks until a live command is available and claims it for
// execution. Requests that were cancelled or whose deadline elapsed while
// queued are resolved on the way and never returned. Next returns false
// only when ctx is done.
func (d *Dispatcher) Next(ctx context.Context) (*Pending, bool) {
	for {
		if p := d.dequeue(); p != nil {
			return p, true
		}
		select {
		case <-d.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// dequeue pops entries until one can start executing. Expired and
// cancelled entries are resolved inline.
func (d *Dispatcher) dequeue() *Pending {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for d.pending.Length() > 0 {
		p := d.pending.Remove().(*Pending)
		if p.req.Expired(now) {
			p.Resolve(device.Result{}, device.NewCommandError(device.ErrTimeout, p.req.Name, nil))
			d.logger.Debug("command expired in queue", "command", p.req.Name, "id", p.req.ID)
			continue
		}
		if !p.begin() {
			// Cancelled while queued; already resolved.
			continue
		}
		return p
	}
	return nil
}

// FailAll resolves every queued command with the given reason. Used when
// the reconnect budget is exhausted or the container shuts down.
func (d *Dispatcher) FailAll(reason error) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	failed := 0
	for d.pending.Length() > 0 {
		p := d.pending.Remove().(*Pending)
		if !p.begin() {
			continue
		}
		p.Resolve(device.Result{}, device.NewCommandError(reason, p.req.Name, nil))
		failed++
	}
	if failed > 0 {
		d.logger.Info("queued commands failed", "count", failed, "reason", reason)
	}
	return failed
}

// Drain switches the dispatcher into shutdown mode: new submissions are
// rejected, already queued commands remain for the supervisor to finish
// or fail.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
}

// Len returns the number of queued (not yet executing) commands.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Length()
}
