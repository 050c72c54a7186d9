// Package processor implements the event processor of spec §4.G: on
// each confirmed motion event it emits a timed sequence of artifacts
// into the pending directory, touching a sentinel file after each one
// is durably written.
package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kklasmeier/security-camera-agent/pkg/filename"
	"github.com/kklasmeier/security-camera-agent/pkg/logger"
	"github.com/kklasmeier/security-camera-agent/pkg/motionevent"
)

// Buffer is the subset of the circular buffer the processor uses.
type Buffer interface {
	CaptureColorStill(destPath string) error
	SaveH264(destPath string) (time.Duration, error)
}

// Waiter is the consumer side of the motion-event handoff.
type Waiter interface {
	WaitAndGet() (motionevent.Handle, bool)
}

// State is the processor's coarse lifecycle state.
type State string

const (
	StateWaiting    State = "waiting"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
)

// DefaultPictureBDelay is the fixed wait between Picture A/thumbnail
// and Picture B used when Config.PictureBDelay is unset, per spec
// §4.G's timed sequence (T+0 then T+4).
const DefaultPictureBDelay = 4 * time.Second

// Processor is the long-running event-processing activity.
type Processor struct {
	buf        Buffer
	mev        Waiter
	thumb      Thumbnailer
	log        *logger.Logger
	pendingDir string

	thumbW, thumbH, jpegQuality int
	pictureBDelay               time.Duration
	shutdownTimeout             time.Duration

	mu     sync.Mutex
	paused bool
	state  State

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the processor's tunables.
type Config struct {
	PendingDir      string
	ThumbnailWidth  int
	ThumbnailHeight int
	JPEGQuality     int
	PictureBDelay   time.Duration

	// ShutdownTimeout bounds how long Stop waits for an in-flight
	// event's artifact sequence to finish before abandoning it (spec
	// §4.I/§5, mirroring original_source/event_processor.py's
	// thread.join(timeout=5.0)).
	ShutdownTimeout time.Duration
}

// defaultShutdownTimeout mirrors config.SystemConfig's default of 10s.
const defaultShutdownTimeout = 10 * time.Second

// New constructs a Processor. pendingDir is created if absent.
func New(cfg Config, buf Buffer, mev Waiter, thumb Thumbnailer, log *logger.Logger) (*Processor, error) {
	if err := os.MkdirAll(cfg.PendingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pending directory: %w", err)
	}
	delay := cfg.PictureBDelay
	if delay <= 0 {
		delay = DefaultPictureBDelay
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &Processor{
		buf:             buf,
		mev:             mev,
		thumb:           thumb,
		log:             log,
		pendingDir:      cfg.PendingDir,
		thumbW:          cfg.ThumbnailWidth,
		thumbH:          cfg.ThumbnailHeight,
		jpegQuality:     cfg.JPEGQuality,
		pictureBDelay:   delay,
		shutdownTimeout: shutdownTimeout,
		state:           StateWaiting,
	}, nil
}

// SetPaused pauses or resumes processing. A consumer that is paused
// while blocked on the rendezvous discards the event it receives if it
// is still paused at that moment (spec §4.G: "paused consumers drop any
// event that arrived while paused").
func (p *Processor) SetPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	if paused {
		p.state = StatePaused
	} else {
		p.state = StateWaiting
	}
	p.mu.Unlock()
	p.log.Infof("event processor %s", map[bool]string{true: "paused", false: "resumed"}[paused])
}

// State returns the processor's current coarse state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start begins the processing loop in a background goroutine.
func (p *Processor) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop()
	p.log.Info("event processor started")
}

// Stop signals the loop to exit and waits for it to finish, abandoning
// the wait after shutdownTimeout (spec §5: "daemon activities are
// abandoned" rather than blocking shutdown forever).
func (p *Processor) Stop() {
	p.log.Info("stopping event processor...")
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("event processor stopped")
	case <-time.After(p.shutdownTimeout):
		p.log.Warnf("abandoning event processor shutdown after %s", p.shutdownTimeout)
	}
}

func (p *Processor) loop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.mu.Lock()
		paused := p.paused
		p.mu.Unlock()
		if paused {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}

		handle, ok := p.waitWithCancel()
		if !ok {
			return
		}

		p.mu.Lock()
		stillPaused := p.paused
		p.mu.Unlock()
		if stillPaused {
			p.log.Warn("event processor paused mid-wait; discarding stale event")
			continue
		}

		p.mu.Lock()
		p.state = StateProcessing
		p.mu.Unlock()

		p.processEvent(handle)

		p.mu.Lock()
		p.state = StateWaiting
		p.mu.Unlock()
	}
}

// waitWithCancel runs WaitAndGet on a goroutine so the processor can
// still react to shutdown while blocked on the rendezvous.
func (p *Processor) waitWithCancel() (motionevent.Handle, bool) {
	type result struct {
		h  motionevent.Handle
		ok bool
	}
	ch := make(chan result, 1)
	go func() {
		h, ok := p.mev.WaitAndGet()
		ch <- result{h, ok}
	}()

	select {
	case <-p.ctx.Done():
		return motionevent.Handle{}, false
	case r := <-ch:
		return r.h, r.ok
	}
}

func (p *Processor) processEvent(h motionevent.Handle) {
	p.log.Infof("processing event %d", h.EventID)
	start := time.Now()

	imageAPath, err := p.artifactPath(h, filename.TagImageA)
	if err != nil {
		p.log.Errorf("event %d: %v", h.EventID, err)
		return
	}

	p.captureArtifact(h.EventID, "Picture A", imageAPath, func() error {
		return p.buf.CaptureColorStill(imageAPath)
	})

	thumbPath, err := p.artifactPath(h, filename.TagThumbnail)
	if err == nil {
		p.captureArtifact(h.EventID, "thumbnail", thumbPath, func() error {
			return p.thumb.Thumbnail(imageAPath, thumbPath, p.thumbW, p.thumbH, p.jpegQuality)
		})
	} else {
		p.log.Errorf("event %d: %v", h.EventID, err)
	}
	debug.FreeOSMemory()

	p.log.Infof("event %d: waiting %s for Picture B", h.EventID, p.pictureBDelay)
	select {
	case <-p.ctx.Done():
		return
	case <-time.After(p.pictureBDelay):
	}

	imageBPath, err := p.artifactPath(h, filename.TagImageB)
	if err == nil {
		p.captureArtifact(h.EventID, "Picture B", imageBPath, func() error {
			return p.buf.CaptureColorStill(imageBPath)
		})
	} else {
		p.log.Errorf("event %d: %v", h.EventID, err)
	}
	debug.FreeOSMemory()

	videoPath, err := p.artifactPath(h, filename.TagVideo)
	if err == nil {
		p.captureArtifact(h.EventID, "video", videoPath, func() error {
			duration, serr := p.buf.SaveH264(videoPath)
			if serr != nil {
				return serr
			}
			p.log.Infof("event %d: video saved (~%.1fs)", h.EventID, duration.Seconds())
			// The duration estimate has nowhere else to travel to the
			// transfer manager, which only ever sees filenames and
			// sentinels: stash it in a sidecar written before the
			// sentinel, so it is guaranteed present whenever the
			// sentinel is.
			return os.WriteFile(videoPath+filename.DurationSidecarSuffix, []byte(fmt.Sprintf("%.3f", duration.Seconds())), 0o644)
		})
	} else {
		p.log.Errorf("event %d: %v", h.EventID, err)
	}

	p.log.Infof("event %d: processing complete in %.1fs", h.EventID, time.Since(start).Seconds())
}

// captureArtifact runs capture, and on success touches the sentinel
// file. Per spec §4.G's per-artifact failure isolation (SPEC_FULL.md
// Open Question resolution): a failure here is logged and the
// processor moves on to the next artifact rather than abandoning the
// whole event.
func (p *Processor) captureArtifact(eventID int64, label, path string, capture func() error) {
	if err := capture(); err != nil {
		p.log.Errorf("event %d: failed to capture %s: %v", eventID, label, err)
		return
	}
	if err := touchSentinel(path); err != nil {
		p.log.Errorf("event %d: failed to create sentinel for %s: %v", eventID, label, err)
		return
	}
	p.log.Infof("event %d: %s ready for transfer", eventID, label)
}

func (p *Processor) artifactPath(h motionevent.Handle, tag filename.Tag) (string, error) {
	name, err := filename.Format(h.EventID, h.Timestamp, tag)
	if err != nil {
		return "", fmt.Errorf("format filename: %w", err)
	}
	return filepath.Join(p.pendingDir, name), nil
}

// touchSentinel creates the {path}.READY marker. The sentinel's
// creation is the durable signal of readiness, so it must only happen
// after the artifact file itself is fully written.
func touchSentinel(path string) error {
	f, err := os.Create(path + ".READY")
	if err != nil {
		return err
	}
	return f.Close()
}
