package detector

import (
	"context"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kklasmeier/security-camera-agent/pkg/logger"
	"github.com/kklasmeier/security-camera-agent/pkg/motionevent"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{CameraID: "test", BatchInterval: time.Hour})
}

func grayFrame(w, h int, value uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: value})
		}
	}
	return img
}

func TestCompareFramesIdenticalFramesNoMotion(t *testing.T) {
	f := grayFrame(10, 10, 100)
	changed, err := compareFrames(f, f, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 0 {
		t.Fatalf("expected 0 changed pixels for identical frames, got %d", changed)
	}
}

func TestCompareFramesDetectsChangedPixels(t *testing.T) {
	prev := grayFrame(10, 10, 0)
	cur := grayFrame(10, 10, 0)
	for x := 0; x < 5; x++ {
		cur.SetGray(x, 0, color.Gray{Y: 255})
	}

	changed, err := compareFrames(prev, cur, 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed != 5 {
		t.Fatalf("expected 5 changed pixels, got %d", changed)
	}
}

func TestCompareFramesShapeMismatch(t *testing.T) {
	prev := grayFrame(10, 10, 0)
	cur := grayFrame(5, 5, 0)
	_, err := compareFrames(prev, cur, 30)
	if err == nil {
		t.Fatalf("expected error for mismatched frame shapes")
	}
}

type fakeFrameSource struct {
	previous, current image.Image
}

func (f *fakeFrameSource) GetFramesForDetection() (image.Image, image.Image) {
	return f.previous, f.current
}

type fakeEventCreator struct {
	calls atomic.Int32
	id    int64
}

func (f *fakeEventCreator) CreateEvent(ctx context.Context, ts time.Time, score float64) (int64, error) {
	f.calls.Add(1)
	return f.id, nil
}

type fakePublisher struct {
	got atomic.Bool
}

func (p *fakePublisher) Set(h motionevent.Handle) bool {
	p.got.Store(true)
	return true
}

func TestDetectorTriggersOnMotionAndEntersCooldown(t *testing.T) {
	prev := grayFrame(4, 4, 0)
	cur := grayFrame(4, 4, 255) // every pixel changed

	src := &fakeFrameSource{previous: prev, current: cur}
	api := &fakeEventCreator{id: 42}
	pub := &fakePublisher{}

	d := New(Config{
		Threshold:       30,
		Sensitivity:     2, // 16 changed pixels > 2
		Cooldown:        time.Hour,
		CaptureInterval: 5 * time.Millisecond,
	}, src, pub, api, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	defer func() {
		cancel()
		d.Stop()
	}()

	deadline := time.After(time.Second)
	for !pub.got.Load() {
		select {
		case <-deadline:
			t.Fatalf("expected motion event to be published")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if api.calls.Load() == 0 {
		t.Fatalf("expected CreateEvent to be called")
	}
	// The cooldown starts just after the handle is published, so allow
	// the detector goroutine to finish handleMotion.
	for !d.inCooldown() {
		select {
		case <-deadline:
			t.Fatalf("expected detector to be in cooldown after trigger")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDetectorNoMotionBelowSensitivity(t *testing.T) {
	prev := grayFrame(4, 4, 100)
	cur := grayFrame(4, 4, 101) // diff of 1, below threshold

	src := &fakeFrameSource{previous: prev, current: cur}
	api := &fakeEventCreator{id: 1}
	pub := &fakePublisher{}

	d := New(Config{
		Threshold:       30,
		Sensitivity:     5,
		Cooldown:        time.Second,
		CaptureInterval: 5 * time.Millisecond,
	}, src, pub, api, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	time.Sleep(40 * time.Millisecond)
	cancel()
	d.Stop()

	if pub.got.Load() {
		t.Fatalf("expected no motion event to be published")
	}
}

func TestSetPausedSuppressesLoop(t *testing.T) {
	src := &fakeFrameSource{previous: grayFrame(2, 2, 0), current: grayFrame(2, 2, 255)}
	api := &fakeEventCreator{id: 1}
	pub := &fakePublisher{}

	d := New(Config{
		Threshold:       1,
		Sensitivity:     0,
		Cooldown:        time.Second,
		CaptureInterval: 5 * time.Millisecond,
	}, src, pub, api, testLogger())
	d.SetPaused(true)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	time.Sleep(40 * time.Millisecond)
	cancel()
	d.Stop()

	if pub.got.Load() {
		t.Fatalf("expected paused detector not to publish")
	}
}
