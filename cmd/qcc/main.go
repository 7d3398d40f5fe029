// Package main implements the Quadruped Control Container entry point:
// one long-lived supervised session to the robot, a serialized command
// dispatcher, and a telemetry/video fan-out hub.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quadruped-control/qcc/internal/command"
	"github.com/quadruped-control/qcc/internal/config"
	"github.com/quadruped-control/qcc/internal/detection"
	"github.com/quadruped-control/qcc/internal/device/webrtc"
	"github.com/quadruped-control/qcc/internal/session"
	"github.com/quadruped-control/qcc/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "robot", cfg.RobotAddr)

	hub := telemetry.NewHub(cfg.VideoBufferDepth)
	dispatcher := command.NewDispatcher(cfg.CommandQueueDepth, logger.With("component", "dispatcher"))

	alertLog, err := detection.NewLogger(cfg.DetectionLogDir, cfg.DetectionCooldown, nil)
	if err != nil {
		logger.Error("failed to initialize alert logger", "error", err)
		os.Exit(1)
	}

	dialer := webrtc.NewDialer(cfg, logger.With("component", "webrtc"))
	supervisor := session.New(cfg, dialer, dispatcher, hub, logger.With("component", "supervisor"))

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := supervisor.Run(ctx); err != nil {
			logger.Error("supervisor exited", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn("supervisor did not drain in time")
	}

	hub.Close()
	if err := alertLog.Close(); err != nil {
		logger.Warn("failed to close alert logger", "error", err)
	}
	logger.Info("shutdown complete", "hub", hub.Stats())
}
