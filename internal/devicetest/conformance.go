// Package devicetest provides a transport-agnostic conformance suite for
// device connection implementations. Any Conn/Dialer pair wired into the
// supervisor must pass it; the fake passes it in-tree and serves as the
// reference.
package devicetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quadruped-control/qcc/internal/device"
)

// Harness supplies a fresh connectable dialer plus a way to kill the
// current link from the device side.
type Harness struct {
	// Dial returns a dialer whose next Connect succeeds.
	Dial func() device.Dialer

	// KillLink forcibly terminates the most recently connected link,
	// simulating a device dropout.
	KillLink func()

	// ExpectedUpdates is how many scripted updates a fresh conn delivers
	// before blocking. Zero skips the update test.
	ExpectedUpdates int
}

// RunConformance exercises the device connection contract.
func RunConformance(t *testing.T, h Harness) {
	t.Run("ConnectAndClose", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := h.Dial().Connect(ctx)
		if err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}
		if err := conn.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	})

	t.Run("CommandRoundTrip", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := h.Dial().Connect(ctx)
		if err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}
		defer conn.Close()

		result, err := conn.SendCommand(ctx, device.CommandRequest{
			ID:       "conformance-1",
			Name:     "stand",
			APIID:    device.SportStandUp,
			Deadline: time.Now().Add(time.Second),
		})
		if err != nil {
			t.Fatalf("SendCommand() failed: %v", err)
		}
		if result.Code != 0 {
			t.Errorf("SendCommand() code = %d, want 0", result.Code)
		}
	})

	t.Run("UpdateDelivery", func(t *testing.T) {
		if h.ExpectedUpdates == 0 {
			t.Skip("harness scripts no updates")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := h.Dial().Connect(ctx)
		if err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}
		defer conn.Close()

		for i := 0; i < h.ExpectedUpdates; i++ {
			update, err := conn.NextUpdate(ctx)
			if err != nil {
				t.Fatalf("NextUpdate() %d failed: %v", i, err)
			}
			if update.Sample == nil && update.Frame == nil {
				t.Fatalf("NextUpdate() %d returned empty update", i)
			}
		}
	})

	t.Run("DisconnectSignal", func(t *testing.T) {
		if h.KillLink == nil {
			t.Skip("harness cannot kill the link")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := h.Dial().Connect(ctx)
		if err != nil {
			t.Fatalf("Connect() failed: %v", err)
		}

		// Drain scripted updates so the next read observes the dropout.
		for i := 0; i < h.ExpectedUpdates; i++ {
			if _, err := conn.NextUpdate(ctx); err != nil {
				t.Fatalf("NextUpdate() during drain failed: %v", err)
			}
		}

		h.KillLink()

		if _, err := conn.NextUpdate(ctx); !errors.Is(err, device.ErrDisconnected) {
			t.Fatalf("NextUpdate() after kill = %v, want ErrDisconnected", err)
		}

		// A dead conn must not carry further commands.
		if _, err := conn.SendCommand(ctx, device.CommandRequest{
			Name: "stand", APIID: device.SportStandUp,
		}); !errors.Is(err, device.ErrDisconnected) {
			t.Fatalf("SendCommand() after kill = %v, want ErrDisconnected", err)
		}
	})
}
