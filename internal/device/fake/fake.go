// Package fake provides an instrumented fake device connection for
// testing. The fake scripts telemetry and video delivery, injects
// connect/read/command failures, and records reentrant SendCommand calls
// so tests can prove that no two commands ever execute concurrently on
// one session.
package fake

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quadruped-control/qcc/internal/device"
)

// Dialer hands out fake connections. Failure injection applies to the
// next connect attempts in order.
type Dialer struct {
	mu           sync.Mutex
	connects     int
	failConnects int
	script       Script
	conns        []*Conn
}

// Script configures the behavior of connections produced by a Dialer.
type Script struct {
	// Updates are delivered in order from NextUpdate; when exhausted,
	// NextUpdate blocks until the conn is closed or the ctx is done.
	Updates []device.Update

	// FailReadAt makes the Nth NextUpdate call (1-based) return
	// ErrDisconnected instead of an update. Zero disables.
	FailReadAt int

	// CommandDelay is how long each SendCommand takes to "execute".
	CommandDelay time.Duration

	// CommandFunc overrides the default success reply when set.
	CommandFunc func(req device.CommandRequest) (device.Result, error)
}

// NewDialer creates a fake dialer whose connections follow the script.
func NewDialer(script Script) *Dialer {
	return &Dialer{script: script}
}

// FailNextConnects makes the next n Connect calls fail with ConnectError.
func (d *Dialer) FailNextConnects(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failConnects = n
}

// Connects returns how many Connect calls have been made.
func (d *Dialer) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// Conns returns every connection handed out so far, in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Connect implements device.Dialer.
func (d *Dialer) Connect(ctx context.Context) (device.Conn, error) {
	d.mu.Lock()
	d.connects++
	if d.failConnects > 0 {
		d.failConnects--
		d.mu.Unlock()
		return nil, &device.ConnectError{Reason: "fake connect refused"}
	}
	conn := NewConn(d.script)
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// Conn is a scripted fake device connection.
type Conn struct {
	mu       sync.Mutex
	updates  []device.Update
	reads    int
	failAt   int
	closed   chan struct{}
	closeOne sync.Once
	extra    chan device.Update

	commandDelay time.Duration
	commandFunc  func(req device.CommandRequest) (device.Result, error)

	// Instrumentation.
	inFlight  atomic.Int32
	reentrant atomic.Bool
	sent      []device.CommandRequest
}

// NewConn creates a fake connection following the script.
func NewConn(script Script) *Conn {
	return &Conn{
		updates:      append([]device.Update(nil), script.Updates...),
		failAt:       script.FailReadAt,
		closed:       make(chan struct{}),
		extra:        make(chan device.Update, 16),
		commandDelay: script.CommandDelay,
		commandFunc:  script.CommandFunc,
	}
}

// Push queues an additional update for delivery after the scripted ones.
func (c *Conn) Push(u device.Update) {
	select {
	case c.extra <- u:
	case <-c.closed:
	}
}

// SendCommand implements device.Conn. It trips the reentrancy flag when a
// second caller enters while another send is in flight.
func (c *Conn) SendCommand(ctx context.Context, req device.CommandRequest) (device.Result, error) {
	if c.inFlight.Add(1) > 1 {
		c.reentrant.Store(true)
	}
	defer c.inFlight.Add(-1)

	select {
	case <-c.closed:
		return device.Result{}, device.ErrDisconnected
	default:
	}

	if c.commandDelay > 0 {
		select {
		case <-time.After(c.commandDelay):
		case <-ctx.Done():
			return device.Result{}, ctx.Err()
		case <-c.closed:
			return device.Result{}, device.ErrDisconnected
		}
	}

	c.mu.Lock()
	c.sent = append(c.sent, req)
	c.mu.Unlock()

	if c.commandFunc != nil {
		return c.commandFunc(req)
	}
	return device.Result{Code: 0}, nil
}

// NextUpdate implements device.Conn.
func (c *Conn) NextUpdate(ctx context.Context) (device.Update, error) {
	c.mu.Lock()
	c.reads++
	if c.failAt > 0 && c.reads >= c.failAt {
		c.mu.Unlock()
		c.Close()
		return device.Update{}, device.ErrDisconnected
	}
	if len(c.updates) > 0 {
		u := c.updates[0]
		c.updates = c.updates[1:]
		c.mu.Unlock()
		return u, nil
	}
	c.mu.Unlock()

	select {
	case u := <-c.extra:
		return u, nil
	case <-c.closed:
		return device.Update{}, device.ErrDisconnected
	case <-ctx.Done():
		return device.Update{}, ctx.Err()
	}
}

// Close implements device.Conn.
func (c *Conn) Close() error {
	c.closeOne.Do(func() { close(c.closed) })
	return nil
}

// SawReentrantSend reports whether two SendCommand calls ever overlapped.
func (c *Conn) SawReentrantSend() bool {
	return c.reentrant.Load()
}

// Sent returns the commands delivered to the device, in wire order.
func (c *Conn) Sent() []device.CommandRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]device.CommandRequest, len(c.sent))
	copy(out, c.sent)
	return out
}

// Compile-time assertions that the fakes satisfy the device contracts.
var (
	_ device.Conn   = (*Conn)(nil)
	_ device.Dialer = (*Dialer)(nil)
)
