// Package buffer implements the bounded circular video buffer of spec
// §4.D: a ring of encoded H.264 chunks plus the latest two downscaled
// detection frames, written by the encoder callback and read by the
// detector and the processor.
package buffer

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"sync"
	"time"
)

// Chunk is one opaque encoder output unit. Immutable once pushed;
// ordering is insertion order.
type Chunk []byte

// StillCapturer is the external still-capture collaborator (spec §9:
// "dynamic-dispatch collaborators" — the camera sensor is swappable).
type StillCapturer interface {
	CaptureJPEG(destPath string, quality int) error
}

// Pauser is the narrow interface the buffer uses to propagate pause
// transitions to an attached motion detector, per spec §9's
// weak-link/setter-injected back-reference: neither side owns the
// other, and the orchestrator wires the coupling after both exist.
type Pauser interface {
	SetPaused(bool)
}

// JPEGQuality is the still-capture quality used when Config.JPEGQuality
// is unset.
const JPEGQuality = 80

// CircularBuffer holds the most recent encoded chunks and the latest
// two decoded detection frames under a single mutex: critical sections
// are short and never perform I/O while held, per spec §5.
type CircularBuffer struct {
	mu sync.Mutex

	chunks    []Chunk
	bytesHeld int64

	previous image.Image
	current  image.Image

	paused bool

	maxChunks   int
	maxBytes    int64
	framerate   int
	bitrate     int
	jpegQuality int

	still    StillCapturer
	detector Pauser
}

// Config carries the buffer's capacity and still-capture collaborator.
type Config struct {
	MaxChunks   int
	MaxBytes    int64
	Framerate   int
	BitrateBPS  int
	JPEGQuality int
	Still       StillCapturer
}

// New constructs an empty buffer.
func New(cfg Config) *CircularBuffer {
	quality := cfg.JPEGQuality
	if quality <= 0 {
		quality = JPEGQuality
	}
	return &CircularBuffer{
		maxChunks:   cfg.MaxChunks,
		maxBytes:    cfg.MaxBytes,
		framerate:   cfg.Framerate,
		bitrate:     cfg.BitrateBPS,
		jpegQuality: quality,
		still:       cfg.Still,
	}
}

// AttachMotionDetector wires the weak back-reference used to propagate
// pause/resume during mode transitions (spec §4.D, §9). Called once by
// the orchestrator after both the buffer and the detector exist.
func (b *CircularBuffer) AttachMotionDetector(d Pauser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detector = d
}

// PushChunk appends an encoder chunk, evicting from the front (FIFO)
// until both the count and byte-size limits hold.
func (b *CircularBuffer) PushChunk(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, Chunk(data))
	b.bytesHeld += int64(len(data))

	for (b.maxChunks > 0 && len(b.chunks) > b.maxChunks) || (b.maxBytes > 0 && b.bytesHeld > b.maxBytes) {
		evicted := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.bytesHeld -= int64(len(evicted))
	}
}

// PushDetectionFrame rotates current into previous and installs the
// new frame as current. Suppressed while paused. Idempotent against an
// absent previous (nil previous is a valid state during warmup).
func (b *CircularBuffer) PushDetectionFrame(frame image.Image) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.paused {
		return
	}
	b.previous = b.current
	b.current = frame
}

// GetFramesForDetection returns a torn-free snapshot of the two
// detection-frame slots: the caller observes neither slot mutating
// mid-read, since both are read under the same lock acquisition.
func (b *CircularBuffer) GetFramesForDetection() (previous, current image.Image) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.previous, b.current
}

// SetPaused toggles suppression of detection-frame updates and
// propagates the transition to any attached motion detector.
func (b *CircularBuffer) SetPaused(paused bool) {
	b.mu.Lock()
	b.paused = paused
	detector := b.detector
	b.mu.Unlock()

	if detector != nil {
		detector.SetPaused(paused)
	}
}

// CaptureColorStill invokes the external still-capture collaborator to
// write a full-resolution JPEG at the configured quality.
func (b *CircularBuffer) CaptureColorStill(destPath string) error {
	if b.still == nil {
		return fmt.Errorf("buffer: no still capturer configured")
	}
	if err := b.still.CaptureJPEG(destPath, b.jpegQuality); err != nil {
		return fmt.Errorf("capture still: %w", err)
	}
	return nil
}

// SaveH264 writes every currently held chunk, in order, to destPath,
// then clears the buffer so it can refill with post-motion footage.
// The returned duration is an estimate from chunk count and configured
// framerate — advisory only, per spec §9 Open Question 2: the server
// recomputes duration authoritatively.
func (b *CircularBuffer) SaveH264(destPath string) (estimatedDuration time.Duration, err error) {
	b.mu.Lock()
	chunks := b.chunks
	b.chunks = nil
	b.bytesHeld = 0
	b.mu.Unlock()

	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create h264 output: %w", err)
	}
	defer f.Close()

	for _, c := range chunks {
		if _, err := f.Write(c); err != nil {
			return 0, fmt.Errorf("write h264 chunk: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync h264 output: %w", err)
	}

	if b.framerate <= 0 {
		return 0, nil
	}
	seconds := float64(len(chunks)) / float64(b.framerate)
	return time.Duration(seconds * float64(time.Second)), nil
}

// EncodeJPEG is a convenience helper for collaborators implementing
// StillCapturer against a decoded image rather than raw sensor bytes.
func EncodeJPEG(destPath string, img image.Image, quality int) error {
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create jpeg output: %w", err)
	}
	defer f.Close()

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return f.Sync()
}

// ChunkCount returns the current chunk count, for diagnostics.
func (b *CircularBuffer) ChunkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// BytesHeld returns the current byte total, for diagnostics.
func (b *CircularBuffer) BytesHeld() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesHeld
}
