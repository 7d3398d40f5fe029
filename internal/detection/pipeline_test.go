package detection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quadruped-control/qcc/internal/device"
	"github.com/quadruped-control/qcc/internal/telemetry"
)

// stubDetector flags every frame whose payload is non-empty.
type stubDetector struct {
	calls atomic.Int64
	fail  bool
}

func (d *stubDetector) Detect(frame device.VideoFrame) ([]Detection, error) {
	d.calls.Add(1)
	if d.fail {
		return nil, errors.New("inference backend unavailable")
	}
	if len(frame.Payload) == 0 {
		return nil, nil
	}
	return []Detection{{Class: "person", Confidence: 0.9}}, nil
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestPipelineLogsDetectedFrames(t *testing.T) {
	hub := telemetry.NewHub(4)
	logger, _ := newTestLogger(t, 0)
	detector := &stubDetector{}
	pipe := NewPipeline(hub, detector, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pipe.Run(ctx) }()

	// Give the subscriber a moment to register before publishing.
	waitFor(t, "subscriber registration", func() bool {
		return hub.Stats().Subscribers == 1
	})

	hub.PublishFrame(device.VideoFrame{Seq: 1, Source: "front", Payload: []byte("jpeg")})
	hub.PublishFrame(device.VideoFrame{Seq: 2, Source: "front"}) // empty payload, no hit

	waitFor(t, "both frames consumed", func() bool {
		return detector.calls.Load() == 2
	})
	if got := logger.Stats().Total; got != 1 {
		t.Errorf("logged entries = %d, want 1", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() = %v, want nil on cancel", err)
	}
}

func TestPipelineDetectorErrorScopedToFrame(t *testing.T) {
	hub := telemetry.NewHub(4)
	logger, _ := newTestLogger(t, 0)
	detector := &stubDetector{fail: true}
	pipe := NewPipeline(hub, detector, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pipe.Run(ctx) }()

	waitFor(t, "subscriber registration", func() bool {
		return hub.Stats().Subscribers == 1
	})

	for i := 1; i <= 3; i++ {
		hub.PublishFrame(device.VideoFrame{Seq: uint64(i), Payload: []byte("jpeg")})
	}

	// All three frames are attempted; none stops the loop.
	waitFor(t, "all frames attempted", func() bool {
		return detector.calls.Load() == 3
	})
	select {
	case err := <-done:
		t.Fatalf("Run() returned early: %v", err)
	default:
	}
	if got := logger.Stats().Total; got != 0 {
		t.Errorf("logged entries = %d, want 0", got)
	}
}

func TestPipelineStopsWhenHubCloses(t *testing.T) {
	hub := telemetry.NewHub(4)
	logger, _ := newTestLogger(t, 0)
	pipe := NewPipeline(hub, &stubDetector{}, logger, nil)

	done := make(chan error, 1)
	go func() { done <- pipe.Run(context.Background()) }()

	waitFor(t, "subscriber registration", func() bool {
		return hub.Stats().Subscribers == 1
	})
	hub.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil after hub close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after hub close")
	}
}
