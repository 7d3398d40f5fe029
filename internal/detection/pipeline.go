package detection

import (
	"context"
	"errors"
	"log/slog"

	"github.com/quadruped-control/qcc/internal/device"
	"github.com/quadruped-control/qcc/internal/telemetry"
)

// Detector is the external inference collaborator. Implementations run
// whatever model they like; the pipeline only needs hits per frame.
type Detector interface {
	Detect(frame device.VideoFrame) ([]Detection, error)
}

// Pipeline feeds hub video frames to a detector and logs the hits. It is
// a pure hub subscriber: falling behind costs it frames, never the
// session loop.
type Pipeline struct {
	hub      *telemetry.Hub
	detector Detector
	logger   *Logger
	log      *slog.Logger
}

// NewPipeline wires a detector between the hub and the alert logger.
func NewPipeline(hub *telemetry.Hub, detector Detector, logger *Logger, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{hub: hub, detector: detector, logger: logger, log: log}
}

// Run consumes frames until ctx is cancelled. Detector errors are scoped
// to the frame that caused them.
func (p *Pipeline) Run(ctx context.Context) error {
	sub := p.hub.SubscribeVideo()
	defer sub.Close()

	for {
		frame, err := sub.Pull(ctx)
		if err != nil {
			if errors.Is(err, telemetry.ErrSubscriptionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		hits, err := p.detector.Detect(frame)
		if err != nil {
			p.log.Debug("detector failed on frame", "seq", frame.Seq, "error", err)
			continue
		}
		if len(hits) > 0 {
			p.logger.Log(frame, hits)
		}
	}
}
