package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quadruped-control/qcc/internal/command"
	"github.com/quadruped-control/qcc/internal/config"
	"github.com/quadruped-control/qcc/internal/device"
	"github.com/quadruped-control/qcc/internal/device/fake"
	"github.com/quadruped-control/qcc/internal/telemetry"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ConnectTimeout = time.Second
	cfg.CommandDeadline = time.Second
	cfg.MaxReconnectAttempts = 5
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	return cfg
}

// rig bundles a running supervisor over a fake dialer.
type rig struct {
	cfg        *config.Config
	dialer     *fake.Dialer
	dispatcher *command.Dispatcher
	hub        *telemetry.Hub
	sup        *Supervisor
	cancel     context.CancelFunc
	done       chan struct{}
}

func startRig(t *testing.T, cfg *config.Config, script fake.Script) *rig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := &rig{
		cfg:        cfg,
		dialer:     fake.NewDialer(script),
		dispatcher: command.NewDispatcher(cfg.CommandQueueDepth, logger),
		hub:        telemetry.NewHub(cfg.VideoBufferDepth),
	}
	r.sup = New(cfg, r.dialer, r.dispatcher, r.hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.sup.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return r
}

func (r *rig) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.sup.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("supervisor state = %v, want %v", r.sup.State(), want)
}

func (r *rig) waitConnects(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.dialer.Connects() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("connect attempts = %d, want at least %d", r.dialer.Connects(), n)
}

func submit(t *testing.T, d *command.Dispatcher, name string) *command.Pending {
	t.Helper()
	p, err := d.Submit(name, nil, time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("Submit(%q) failed: %v", name, err)
	}
	return p
}

func TestCommandsExecuteInSubmissionOrder(t *testing.T) {
	r := startRig(t, testConfig(), fake.Script{CommandDelay: 10 * time.Millisecond})
	r.waitState(t, StateLive)

	names := []string{"stand", "crouch", "sit"}
	pendings := make([]*command.Pending, 0, len(names))
	for _, name := range names {
		pendings = append(pendings, submit(t, r.dispatcher, name))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, p := range pendings {
		result, err := p.Wait(ctx)
		if err != nil {
			t.Fatalf("command %q failed: %v", names[i], err)
		}
		if result.Code != 0 {
			t.Errorf("command %q code = %d, want 0", names[i], result.Code)
		}
	}

	conns := r.dialer.Conns()
	if len(conns) != 1 {
		t.Fatalf("dialer produced %d conns, want 1", len(conns))
	}
	sent := conns[0].Sent()
	if len(sent) != len(names) {
		t.Fatalf("device saw %d commands, want %d", len(sent), len(names))
	}
	for i, req := range sent {
		if req.Name != names[i] {
			t.Errorf("wire position %d = %q, want %q", i, req.Name, names[i])
		}
		if want := device.CommandMap[names[i]]; req.APIID != want {
			t.Errorf("command %q sent api id %d, want %d", req.Name, req.APIID, want)
		}
	}
	if conns[0].SawReentrantSend() {
		t.Error("commands overlapped on the wire")
	}
}

func TestNoReentrantSendUnderConcurrentSubmits(t *testing.T) {
	r := startRig(t, testConfig(), fake.Script{CommandDelay: 5 * time.Millisecond})
	r.waitState(t, StateLive)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := r.dispatcher.Submit("stand", nil, time.Now().Add(5*time.Second))
			if err != nil {
				t.Errorf("Submit() failed: %v", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := p.Wait(ctx); err != nil {
				t.Errorf("Wait() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	conns := r.dialer.Conns()
	if got := len(conns[0].Sent()); got != n {
		t.Errorf("device saw %d commands, want %d", got, n)
	}
	if conns[0].SawReentrantSend() {
		t.Error("concurrent submissions produced overlapping sends")
	}
}

func TestReconnectAfterLinkDrop(t *testing.T) {
	r := startRig(t, testConfig(), fake.Script{})
	r.waitState(t, StateLive)
	if gen := r.sup.Generation(); gen != 1 {
		t.Fatalf("generation = %d, want 1", gen)
	}

	// Drop the link; make the next two connect attempts fail so the
	// supervisor has to work through its backoff schedule.
	r.dialer.FailNextConnects(2)
	r.dialer.Conns()[0].Close()

	// Two failed attempts happen before the one that succeeds. Once the
	// second attempt has started, the old session's loops are gone.
	r.waitConnects(t, 3)

	// A command submitted during the outage waits in the queue and
	// executes on the next session rather than being dropped.
	p := submit(t, r.dispatcher, "stand")

	r.waitState(t, StateLive)
	if gen := r.sup.Generation(); gen != 2 {
		t.Errorf("generation = %d after reconnect, want 2", gen)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("command across reconnect failed: %v", err)
	}
	if result.Code != 0 {
		t.Errorf("command code = %d, want 0", result.Code)
	}

	conns := r.dialer.Conns()
	if len(conns) != 2 {
		t.Fatalf("dialer produced %d conns, want 2", len(conns))
	}
	if got := len(conns[1].Sent()); got != 1 {
		t.Errorf("second conn saw %d commands, want 1", got)
	}
}

func TestCommandTimeoutIsScopedToCommand(t *testing.T) {
	r := startRig(t, testConfig(), fake.Script{CommandDelay: 200 * time.Millisecond})
	r.waitState(t, StateLive)

	slow, err := r.dispatcher.Submit("stand", nil, time.Now().Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := slow.Wait(ctx); !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("slow command error = %v, want TIMEOUT", err)
	}

	// The timeout fails only its own command; the session stays live and
	// the next command succeeds.
	if r.sup.State() != StateLive {
		t.Fatalf("state = %v after command timeout, want live", r.sup.State())
	}
	next := submit(t, r.dispatcher, "sit")
	if _, err := next.Wait(ctx); err != nil {
		t.Fatalf("command after timeout failed: %v", err)
	}
	if gen := r.sup.Generation(); gen != 1 {
		t.Errorf("generation = %d, want 1 (no reconnect)", gen)
	}
}

func TestDeviceRejectionIsScopedToCommand(t *testing.T) {
	var failOnce sync.Once
	script := fake.Script{
		CommandFunc: func(req device.CommandRequest) (device.Result, error) {
			code := 0
			failOnce.Do(func() { code = 3203 })
			return device.Result{Code: code}, nil
		},
	}
	r := startRig(t, testConfig(), script)
	r.waitState(t, StateLive)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := submit(t, r.dispatcher, "shake")
	result, err := first.Wait(ctx)
	if !errors.Is(err, device.ErrRejected) {
		t.Fatalf("first command error = %v, want REJECTED", err)
	}
	if result.Code != 3203 {
		t.Errorf("first command code = %d, want 3203", result.Code)
	}

	second := submit(t, r.dispatcher, "shake")
	if _, err := second.Wait(ctx); err != nil {
		t.Fatalf("second command failed: %v", err)
	}
	if r.sup.State() != StateLive {
		t.Errorf("state = %v after device rejection, want live", r.sup.State())
	}
}

func TestReconnectBudgetExhaustionParksAndFailsQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := fake.NewDialer(fake.Script{})
	dialer.FailNextConnects(2)
	dispatcher := command.NewDispatcher(cfg.CommandQueueDepth, logger)
	hub := telemetry.NewHub(cfg.VideoBufferDepth)
	sup := New(cfg, dialer, dispatcher, hub, logger)

	// Queued before anything is live; must not be silently dropped.
	p := submit(t, dispatcher, "stand")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if _, err := p.Wait(waitCtx); !errors.Is(err, device.ErrDisconnected) {
		t.Fatalf("queued command error = %v, want DISCONNECTED", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for sup.State() != StateDisconnected && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if sup.State() != StateDisconnected {
		t.Fatalf("state = %v after budget exhaustion, want disconnected", sup.State())
	}
	if dialer.Connects() != 2 {
		t.Errorf("connect attempts = %d, want 2", dialer.Connects())
	}

	// An explicit reconnect request revives the parked supervisor.
	sup.Reconnect()
	for sup.State() != StateLive && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if sup.State() != StateLive {
		t.Fatalf("state = %v after Reconnect(), want live", sup.State())
	}
	if !sup.Status().Connected {
		t.Error("Status().Connected = false while live")
	}
}

func TestUpdatesFlowToHub(t *testing.T) {
	script := fake.Script{Updates: []device.Update{
		{Sample: &device.TelemetrySample{Timestamp: time.Now(), Topic: device.TopicBattery, SOC: 73}},
		{Frame: &device.VideoFrame{Timestamp: time.Now(), Source: "front", Seq: 1, Payload: []byte{0x01}}},
	}}

	// Subscribe before driving the rig so the frame is not published into
	// an empty hub.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := fake.NewDialer(script)
	cfg := testConfig()
	dispatcher := command.NewDispatcher(cfg.CommandQueueDepth, logger)
	hub := telemetry.NewHub(cfg.VideoBufferDepth)
	sub := hub.SubscribeVideo()
	defer sub.Close()
	sup := New(cfg, dialer, dispatcher, hub, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	pullCtx, pullCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pullCancel()
	frame, err := sub.Pull(pullCtx)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if frame.Seq != 1 || frame.Source != "front" {
		t.Errorf("frame = %+v, want seq 1 from front", frame)
	}

	sample, ok := hub.Latest(device.TopicBattery)
	if !ok {
		t.Fatal("no battery sample published")
	}
	if sample.SOC != 73 {
		t.Errorf("sample SOC = %d, want 73", sample.SOC)
	}
}

func TestCancelDrainsAndRejectsNewSubmissions(t *testing.T) {
	cfg := testConfig()
	r := startRig(t, cfg, fake.Script{})
	r.waitState(t, StateLive)

	r.cancel()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if r.sup.State() != StateDisconnected {
		t.Errorf("state = %v after drain, want disconnected", r.sup.State())
	}
	if _, err := r.dispatcher.Submit("stand", nil, time.Now().Add(time.Second)); !errors.Is(err, device.ErrRejected) {
		t.Errorf("Submit() after drain = %v, want REJECTED", err)
	}
}
