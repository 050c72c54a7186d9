// Package orchestrator wires every agent component together and owns
// their lifecycle, per spec §4.I: a strict startup order culminating
// in a blocking camera registration, and a reverse-order shutdown with
// the logger stopped absolutely last.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/kklasmeier/security-camera-agent/pkg/apiclient"
	"github.com/kklasmeier/security-camera-agent/pkg/buffer"
	"github.com/kklasmeier/security-camera-agent/pkg/camera"
	"github.com/kklasmeier/security-camera-agent/pkg/config"
	"github.com/kklasmeier/security-camera-agent/pkg/detector"
	"github.com/kklasmeier/security-camera-agent/pkg/logger"
	"github.com/kklasmeier/security-camera-agent/pkg/motionevent"
	"github.com/kklasmeier/security-camera-agent/pkg/processor"
	"github.com/kklasmeier/security-camera-agent/pkg/transfer"
)

// memLogInterval mirrors original_source/sec_cam_main.py's run loop:
// a 1s supervisor tick, RSS logged every 200 ticks (~200s).
const memLogInterval = 200

// System owns every long-running component and their shared wiring.
type System struct {
	cfg *config.Config
	log *logger.Logger

	api  *apiclient.Client
	mev  *motionevent.Coordinator
	buf  *buffer.CircularBuffer
	cam  *camera.ProcessCamera
	det  *detector.Detector
	proc *processor.Processor
	xfer *transfer.Manager

	mu      sync.Mutex
	running bool
}

// New validates cfg and constructs every component, blocking on camera
// registration with the central server before returning. Nothing is
// started yet — call Start for that.
func New(ctx context.Context, cfg *config.Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	for _, w := range cfg.Warnings() {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}

	for _, dir := range []string{cfg.Paths.Pending, cfg.Paths.NFSMount, cfg.Paths.Pictures, cfg.Paths.Videos, cfg.Paths.Thumbs, cfg.Paths.Tmp} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	log := logger.New(logger.Config{
		CameraID:      cfg.Camera.ID,
		BatchInterval: time.Duration(cfg.Log.BatchIntervalS) * time.Second,
	})

	api := apiclient.New(cfg.Server.APIBase(), cfg.Camera.ID, log)
	if cfg.Log.Destination == "api" {
		log.SetShipper(api)
	}

	log.Infof("registering camera %s with central server...", cfg.Camera.ID)
	if err := api.RegisterCamera(ctx, cfg.Camera.Name, cfg.Camera.Location); err != nil {
		return nil, fmt.Errorf("camera registration: %w", err)
	}
	log.Info("camera registered successfully")

	shutdownTimeout := time.Duration(cfg.System.ShutdownTimeout) * time.Second

	mev := motionevent.New()

	cam := camera.New(camera.Config{
		Width:           cfg.Video.Width,
		Height:          cfg.Video.Height,
		Framerate:       cfg.Video.Framerate,
		BitrateBPS:      cfg.Video.BitrateBPS,
		DetectionWidth:  cfg.Motion.DetectionWidth,
		DetectionHeight: cfg.Motion.DetectionHeight,
		CaptureInterval: time.Duration(cfg.Motion.CaptureInterval * float64(time.Second)),
	})

	buf := buffer.New(buffer.Config{
		MaxChunks:   targetChunkCount(cfg),
		MaxBytes:    cfg.Buffer.MaxBytes,
		Framerate:   cfg.Video.Framerate,
		BitrateBPS:  cfg.Video.BitrateBPS,
		JPEGQuality: cfg.Media.JPEGQuality,
		Still:       cam,
	})

	det := detector.New(detector.Config{
		Threshold:       cfg.Motion.Threshold,
		Sensitivity:     cfg.Motion.Sensitivity,
		Cooldown:        time.Duration(cfg.Motion.CooldownS) * time.Second,
		CaptureInterval: time.Duration(cfg.Motion.CaptureInterval * float64(time.Second)),
		LogIntervalTick: cfg.Motion.LogIntervalTick,
		LogDetails:      cfg.Motion.LogDetails,
		ShutdownTimeout: shutdownTimeout,
	}, buf, mev, api, log)

	buf.AttachMotionDetector(det)

	proc, err := processor.New(processor.Config{
		PendingDir:      cfg.Paths.Pending,
		ThumbnailWidth:  cfg.Media.ThumbnailWidth,
		ThumbnailHeight: cfg.Media.ThumbnailHeight,
		JPEGQuality:     cfg.Media.JPEGQuality,
		ShutdownTimeout: shutdownTimeout,
	}, buf, mev, processor.ImageThumbnailer{}, log)
	if err != nil {
		return nil, fmt.Errorf("create processor: %w", err)
	}

	xfer, err := transfer.New(transfer.Config{
		PendingDir:      cfg.Paths.Pending,
		NFSMount:        cfg.Paths.NFSMount,
		CameraID:        cfg.Camera.ID,
		CheckInterval:   time.Duration(cfg.Transfer.CheckIntervalS * float64(time.Second)),
		TransferTimeout: time.Duration(cfg.Transfer.TimeoutS) * time.Second,
		ShutdownTimeout: shutdownTimeout,
	}, api, log)
	if err != nil {
		return nil, fmt.Errorf("create transfer manager: %w", err)
	}

	return &System{
		cfg:  cfg,
		log:  log,
		api:  api,
		mev:  mev,
		buf:  buf,
		cam:  cam,
		det:  det,
		proc: proc,
		xfer: xfer,
	}, nil
}

// targetChunkCount returns the configured buffer.max_chunks. Only when
// that is unset does it estimate a cap from the buffer's target
// duration and the video framerate, since the encoder emits roughly
// one chunk per frame.
func targetChunkCount(cfg *config.Config) int {
	if cfg.Buffer.MaxChunks > 0 {
		return cfg.Buffer.MaxChunks
	}
	return cfg.Buffer.TargetSeconds * cfg.Video.Framerate
}

// Start brings every component up in dependency order: buffer (camera
// capture) first, then detector, processor, transfer manager.
func (s *System) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("orchestrator: already running")
	}

	s.log.Info("starting components...")

	if err := s.cam.Start(ctx, s.buf, s.buf); err != nil {
		return fmt.Errorf("start camera: %w", err)
	}
	s.log.Info("camera started")

	s.det.Start(ctx)
	s.proc.Start(ctx)
	s.xfer.Start(ctx)

	s.running = true
	s.log.Info("security camera system running")
	return nil
}

// Stop shuts every component down in reverse order, with the logger
// stopped absolutely last so shutdown messages are not lost.
func (s *System) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	s.log.Info("shutdown initiated...")

	s.xfer.Stop()
	s.proc.Stop()
	s.det.Stop()
	s.cam.Stop()

	s.running = false
	s.log.Info("shutdown complete")
	s.log.Stop()
}

// Run blocks until ctx is cancelled, logging RSS every memLogInterval
// seconds, then stops every component. Mirrors
// original_source/sec_cam_main.py's supervisor loop.
func (s *System) Run(ctx context.Context) {
	ticks := 0
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-ticker.C:
			ticks++
			if ticks%memLogInterval == 0 {
				var stats runtime.MemStats
				runtime.ReadMemStats(&stats)
				s.log.Infof("[MEMDEBUG] RSS=%.1fMB", float64(stats.Sys)/(1024*1024))
			}
		}
	}
}
