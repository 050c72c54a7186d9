package processor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kklasmeier/security-camera-agent/pkg/logger"
	"github.com/kklasmeier/security-camera-agent/pkg/motionevent"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{CameraID: "test", BatchInterval: time.Hour})
}

type fakeBuffer struct {
	failStill atomic.Bool
	failVideo atomic.Bool
}

func (b *fakeBuffer) CaptureColorStill(destPath string) error {
	if b.failStill.Load() {
		return os.ErrInvalid
	}
	return os.WriteFile(destPath, []byte("jpeg-bytes"), 0o644)
}

func (b *fakeBuffer) SaveH264(destPath string) (time.Duration, error) {
	if b.failVideo.Load() {
		return 0, os.ErrInvalid
	}
	if err := os.WriteFile(destPath, []byte("h264-bytes"), 0o644); err != nil {
		return 0, err
	}
	return 2 * time.Second, nil
}

type fakeThumbnailer struct {
	fail atomic.Bool
}

func (t *fakeThumbnailer) Thumbnail(srcPath, destPath string, w, h, q int) error {
	if t.fail.Load() {
		return os.ErrInvalid
	}
	return os.WriteFile(destPath, []byte("thumb-bytes"), 0o644)
}

type singleShotWaiter struct {
	handle motionevent.Handle
	once   atomic.Bool
}

func (w *singleShotWaiter) WaitAndGet() (motionevent.Handle, bool) {
	if w.once.CompareAndSwap(false, true) {
		return w.handle, true
	}
	select {} // block forever after the single event, like an idle rendezvous
}

func sentinelExists(path string) bool {
	_, err := os.Stat(path + ".READY")
	return err == nil
}

func TestProcessEventWritesAllArtifactsAndSentinels(t *testing.T) {
	dir := t.TempDir()
	buf := &fakeBuffer{}
	thumb := &fakeThumbnailer{}
	ts := time.Date(2025, 10, 30, 14, 30, 22, 0, time.UTC)
	mev := &singleShotWaiter{handle: motionevent.Handle{EventID: 42, Timestamp: ts}}

	p, err := New(Config{PendingDir: dir, ThumbnailWidth: 240, ThumbnailHeight: 180, JPEGQuality: 80, PictureBDelay: 10 * time.Millisecond}, buf, mev, thumb, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.ctx = ctx
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.processEvent(mev.handle)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("processEvent did not complete in time")
	}

	for _, name := range []string{
		"42_20251030_143022_a.jpg",
		"42_20251030_143022_thumb.jpg",
		"42_20251030_143022_b.jpg",
		"42_20251030_143022_video.h264",
	} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected artifact %s to exist: %v", name, err)
		}
		if !sentinelExists(path) {
			t.Errorf("expected sentinel for %s to exist", name)
		}
	}
}

func TestProcessEventIsolatesPerArtifactFailure(t *testing.T) {
	dir := t.TempDir()
	buf := &fakeBuffer{}
	thumb := &fakeThumbnailer{}
	thumb.fail.Store(true)
	ts := time.Date(2025, 10, 30, 14, 30, 22, 0, time.UTC)
	mev := &singleShotWaiter{handle: motionevent.Handle{EventID: 5, Timestamp: ts}}

	p, err := New(Config{PendingDir: dir, ThumbnailWidth: 240, ThumbnailHeight: 180, JPEGQuality: 80, PictureBDelay: 10 * time.Millisecond}, buf, mev, thumb, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.ctx = ctx
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.processEvent(mev.handle)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("processEvent did not complete in time")
	}

	aPath := filepath.Join(dir, "5_20251030_143022_a.jpg")
	if !sentinelExists(aPath) {
		t.Fatalf("expected Picture A sentinel despite thumbnail failure")
	}
	thumbPath := filepath.Join(dir, "5_20251030_143022_thumb.jpg")
	if sentinelExists(thumbPath) {
		t.Fatalf("expected no thumbnail sentinel after induced failure")
	}
	videoPath := filepath.Join(dir, "5_20251030_143022_video.h264")
	if !sentinelExists(videoPath) {
		t.Fatalf("expected video to still be produced after thumbnail failure")
	}
}
