// Package detector implements the motion detector of spec §4.F: a
// ticking activity that diffs the green channel of the buffer's latest
// two detection frames, enforces a cooldown, and on trigger blocks on
// event registration before handing the confirmed event off to the
// processor.
package detector

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kklasmeier/security-camera-agent/pkg/logger"
	"github.com/kklasmeier/security-camera-agent/pkg/motionevent"
)

// FrameSource is the subset of the circular buffer the detector reads.
type FrameSource interface {
	GetFramesForDetection() (previous, current image.Image)
}

// EventCreator is the subset of the API client the detector calls.
// CreateEvent is expected to block indefinitely under failure (spec
// §4.C) — the detector relies on ctx cancellation to unblock it during
// shutdown.
type EventCreator interface {
	CreateEvent(ctx context.Context, timestamp time.Time, motionScore float64) (int64, error)
}

// Publisher is the producer side of the motion-event handoff.
type Publisher interface {
	Set(h motionevent.Handle) bool
}

// defaultShutdownTimeout mirrors config.SystemConfig's default of 10s.
const defaultShutdownTimeout = 10 * time.Second

// Config holds the detector's tunables, mirrored from pkg/config.
type Config struct {
	Threshold       int
	Sensitivity     int
	Cooldown        time.Duration
	CaptureInterval time.Duration
	LogIntervalTick int
	LogDetails      bool
	DebugImagePath  string // written only while debug mode is enabled

	// ShutdownTimeout bounds how long Stop waits for the detection
	// loop to exit before abandoning it (spec §4.I/§5, mirroring
	// original_source/motion_detector.py's thread.join(timeout=5.0)).
	ShutdownTimeout time.Duration
}

// Detector is the long-running motion-diff activity.
type Detector struct {
	cfg Config
	log *logger.Logger
	api EventCreator
	pub Publisher

	mu            sync.Mutex
	buf           FrameSource
	paused        bool
	debugMode     bool
	lastDetection time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Detector bound to the given buffer, publisher, and
// API client. The buffer may later be swapped via AttachBuffer (spec
// §4.F "attach_buffer" — used by a watchdog during camera restart).
func New(cfg Config, buf FrameSource, pub Publisher, api EventCreator, log *logger.Logger) *Detector {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Detector{
		cfg: cfg,
		log: log,
		api: api,
		pub: pub,
		buf: buf,
	}
}

// AttachBuffer reattaches the detector to a new circular buffer, used
// by a watchdog after camera restart.
func (d *Detector) AttachBuffer(buf FrameSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = buf
	d.log.Info("detector reattached to new circular buffer")
}

// SetPaused implements buffer.Pauser: the circular buffer's back-
// reference uses this to pause/resume the detector in lockstep during
// preview mode (spec §9).
func (d *Detector) SetPaused(paused bool) {
	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
	d.log.Infof("motion detector %s", map[bool]string{true: "paused", false: "resumed"}[paused])
}

// EnableDebugMode toggles the diagnostic changed-pixel overlay.
func (d *Detector) EnableDebugMode(enabled bool) {
	d.mu.Lock()
	d.debugMode = enabled
	d.mu.Unlock()
}

// Start begins the detection loop in a background goroutine.
func (d *Detector) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop()
	d.log.Info("motion detection started")
}

// Stop signals the loop to exit and waits for it to finish, abandoning
// the wait after ShutdownTimeout (spec §5: "daemon activities are
// abandoned" rather than blocking shutdown forever).
func (d *Detector) Stop() {
	d.log.Info("stopping motion detector...")
	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("motion detector stopped")
	case <-time.After(d.cfg.ShutdownTimeout):
		d.log.Warnf("abandoning motion detector shutdown after %s", d.cfg.ShutdownTimeout)
	}
}

func (d *Detector) loop() {
	defer d.wg.Done()

	interval := d.cfg.CaptureInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var checkCount int
	var lastCooldownLog time.Time

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		checkCount++

		d.mu.Lock()
		paused := d.paused
		d.mu.Unlock()
		if paused {
			continue
		}

		if d.inCooldown() {
			if time.Since(lastCooldownLog) >= 5*time.Second {
				d.log.Infof("cooldown: %.1fs remaining", d.cooldownRemaining().Seconds())
				lastCooldownLog = time.Now()
			}
			continue
		}

		d.mu.Lock()
		buf := d.buf
		d.mu.Unlock()
		if buf == nil {
			continue
		}
		previous, current := buf.GetFramesForDetection()
		if previous == nil || current == nil {
			continue
		}

		d.mu.Lock()
		debugMode := d.debugMode
		d.mu.Unlock()

		changed, err := compareFrames(previous, current, d.cfg.Threshold)
		if err != nil {
			d.log.Warnf("frame comparison skipped: %v", err)
			continue
		}
		motion := changed > d.cfg.Sensitivity

		if debugMode && d.cfg.DebugImagePath != "" {
			if err := writeDebugImage(d.cfg.DebugImagePath, previous, current, d.cfg.Threshold); err != nil {
				d.log.Warnf("failed to write debug image: %v", err)
			}
		}

		if d.cfg.LogIntervalTick > 0 && checkCount%d.cfg.LogIntervalTick == 0 {
			d.log.Infof("motion check #%d: score=%d/%d", checkCount, changed, d.cfg.Sensitivity)
		}

		if motion {
			d.log.Infof("MOTION DETECTED! check #%d, score=%d/%d", checkCount, changed, d.cfg.Sensitivity)
			if d.cfg.LogDetails {
				b := current.Bounds()
				d.log.Infof("  frame bounds: %dx%d, threshold=%d, sensitivity=%d", b.Dx(), b.Dy(), d.cfg.Threshold, d.cfg.Sensitivity)
			}
			d.handleMotion(float64(changed))
		}

		if checkCount%50 == 0 {
			debug.FreeOSMemory()
		}
	}
}

func (d *Detector) inCooldown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastDetection.IsZero() {
		return false
	}
	return time.Since(d.lastDetection) < d.cfg.Cooldown
}

func (d *Detector) cooldownRemaining() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	remaining := d.cfg.Cooldown - time.Since(d.lastDetection)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// handleMotion blocks on event creation (retried forever under
// failure, per §4.C), publishes the handle on success, and starts the
// cooldown regardless of outcome.
func (d *Detector) handleMotion(motionScore float64) {
	timestamp := time.Now()

	d.log.Info("creating event on central server...")
	eventID, err := d.api.CreateEvent(d.ctx, timestamp, motionScore)
	if err != nil {
		// Only reachable via context cancellation (shutdown): the API
		// client itself retries forever otherwise.
		d.log.Warnf("event creation cancelled: %v", err)
	} else {
		ok := d.pub.Set(motionevent.Handle{EventID: eventID, Timestamp: timestamp})
		if !ok {
			d.log.Warn("motion event slot had an unconsumed prior value; overwritten")
		}
		d.log.Infof("event processor signaled: event_id=%d", eventID)
	}

	d.mu.Lock()
	d.lastDetection = time.Now()
	d.mu.Unlock()
	d.log.Infof("entering cooldown period: %s", d.cfg.Cooldown)
}

// compareFrames implements the green-channel pixel-diff algorithm.
// Frames must share bounds; single-channel (grayscale) frames compare
// their luminance plane directly instead of extracting green.
func compareFrames(previous, current image.Image, threshold int) (changedPixels int, err error) {
	pb, cb := previous.Bounds(), current.Bounds()
	if pb.Dx() != cb.Dx() || pb.Dy() != cb.Dy() {
		return 0, fmt.Errorf("frame shape mismatch: %v vs %v", pb, cb)
	}

	prevGray, prevIsGray := previous.(*image.Gray)
	curGray, curIsGray := current.(*image.Gray)
	singleChannel := prevIsGray && curIsGray

	for y := 0; y < pb.Dy(); y++ {
		for x := 0; x < pb.Dx(); x++ {
			var v1, v2 uint8
			if singleChannel {
				v1 = prevGray.GrayAt(pb.Min.X+x, pb.Min.Y+y).Y
				v2 = curGray.GrayAt(cb.Min.X+x, cb.Min.Y+y).Y
			} else {
				v1 = greenAt(previous, pb.Min.X+x, pb.Min.Y+y)
				v2 = greenAt(current, cb.Min.X+x, cb.Min.Y+y)
			}

			diff := int(v1) - int(v2)
			if diff < 0 {
				diff = -diff
			}
			if diff > threshold {
				changedPixels++
			}
		}
	}

	return changedPixels, nil
}

func greenAt(img image.Image, x, y int) uint8 {
	_, g, _, _ := img.At(x, y).RGBA()
	return uint8(g >> 8)
}

// writeDebugImage highlights changed pixels in bright green over the
// current frame, per spec §4.F's debug-mode diagnostic bitmap.
func writeDebugImage(path string, previous, current image.Image, threshold int) error {
	b := current.Bounds()
	out := image.NewRGBA(b)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v1 := greenAt(previous, x, y)
			v2 := greenAt(current, x, y)
			diff := int(v1) - int(v2)
			if diff < 0 {
				diff = -diff
			}

			if diff > threshold {
				out.Set(x, y, color.RGBA{G: 255, A: 255})
			} else {
				out.Set(x, y, current.At(x, y))
			}
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create debug image: %w", err)
	}
	defer f.Close()

	if err := png.Encode(f, out); err != nil {
		return fmt.Errorf("encode debug image: %w", err)
	}
	return nil
}
