// Package transfer implements the transfer manager of spec §4.H: it
// watches the pending directory for ".READY" sentinel files and
// drains each artifact onto NFS-mounted storage with an atomic
// copy-then-rename, notifying the central server on success. Transfers
// retry indefinitely — there is no failed-directory and no max-retry
// cap, per original_source/transfer_manager.py's explicit design.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kklasmeier/security-camera-agent/pkg/filename"
	"github.com/kklasmeier/security-camera-agent/pkg/logger"
)

// Notifier is the subset of apiclient.Client the transfer manager uses
// to report a completed transfer.
type Notifier interface {
	UpdateFile(ctx context.Context, eventID int64, fileType, filePath string, videoDuration *float64) error
}

// Config holds the transfer manager's tunables.
type Config struct {
	PendingDir      string
	NFSMount        string
	CameraID        string
	CheckInterval   time.Duration
	TransferTimeout time.Duration
	// ThroughputBPS caps sustained transfer bandwidth, 0 disables limiting.
	ThroughputBPS int
	// ShutdownTimeout bounds how long Stop waits for the scan loop
	// (and any in-flight copy) to exit before abandoning it (spec
	// §4.I/§5).
	ShutdownTimeout time.Duration
}

const statsInterval = 60 * time.Second

// defaultShutdownTimeout mirrors config.SystemConfig's default of 10s.
const defaultShutdownTimeout = 10 * time.Second

// Manager is the long-running transfer activity.
type Manager struct {
	cfg     Config
	api     Notifier
	log     *logger.Logger
	limiter *rate.Limiter

	mu                    sync.Mutex
	filesTransferred      int64
	totalBytesTransferred int64
	lastStats             time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Manager. pendingDir is created if absent.
func New(cfg Config, api Notifier, log *logger.Logger) (*Manager, error) {
	if err := os.MkdirAll(cfg.PendingDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pending directory: %w", err)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 250 * time.Millisecond
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	var limiter *rate.Limiter
	if cfg.ThroughputBPS > 0 {
		// Smooth pacing with a burst equal to one second's worth of
		// bytes, mirroring the teacher's rate.Limiter use in
		// pkg/nest/queue.go.
		limiter = rate.NewLimiter(rate.Limit(cfg.ThroughputBPS), cfg.ThroughputBPS)
	}

	return &Manager{
		cfg:       cfg,
		api:       api,
		log:       log,
		limiter:   limiter,
		lastStats: time.Now(),
	}, nil
}

// Start begins the transfer loop in a background goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if !m.checkNFSMounted() {
		m.log.Warn("NFS not mounted, transfers will wait until mount available")
	}

	m.wg.Add(1)
	go m.loop()
	m.log.Info("transfer manager started")
}

// Stop signals the loop to exit and waits for it to finish, abandoning
// the wait after ShutdownTimeout (spec §5: "daemon activities are
// abandoned" rather than blocking shutdown forever — a stuck NFS copy
// no longer hangs the whole agent's shutdown).
func (m *Manager) Stop() {
	m.log.Info("stopping transfer manager...")
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.log.Warnf("abandoning transfer manager shutdown after %s", m.cfg.ShutdownTimeout)
	}

	m.mu.Lock()
	transferred, bytes := m.filesTransferred, m.totalBytesTransferred
	m.mu.Unlock()
	m.log.Infof("transfer manager stopped. stats: %d transferred, %.1fMB total", transferred, float64(bytes)/(1024*1024))
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runOnce()
		}
	}
}

// runOnce scans the pending directory once and drains whatever
// sentinels it finds, oldest first, then logs periodic stats. Errors
// processing one sentinel don't stop the others.
func (m *Manager) runOnce() {
	sentinels, err := m.listSentinels()
	if err != nil {
		m.log.Errorf("scanning pending directory: %v", err)
		return
	}

	if len(sentinels) > 0 {
		m.log.Debugf("found %d pending transfers", len(sentinels))
	}

	for _, path := range sentinels {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		if ok := m.processSentinel(path); ok {
			m.mu.Lock()
			m.filesTransferred++
			m.mu.Unlock()
		}
		// On failure we simply move on; the file and sentinel remain
		// in place and will be retried on the next tick.
	}

	m.mu.Lock()
	due := time.Since(m.lastStats) >= statsInterval
	transferred, bytes := m.filesTransferred, m.totalBytesTransferred
	if due {
		m.lastStats = time.Now()
	}
	m.mu.Unlock()
	if due {
		m.log.Infof("transfer stats: %d transferred, %.1fMB total", transferred, float64(bytes)/(1024*1024))
	}
}

// listSentinels globs "*.READY" and sorts oldest-first by mtime, per
// spec §4.H's chronological-order processing requirement.
func (m *Manager) listSentinels() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.cfg.PendingDir, "*.READY"))
	if err != nil {
		return nil, err
	}

	type stamped struct {
		path  string
		mtime time.Time
	}
	stampedPaths := make([]stamped, 0, len(matches))
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue // vanished between glob and stat; next tick will skip it
		}
		stampedPaths = append(stampedPaths, stamped{path: p, mtime: info.ModTime()})
	}
	sort.Slice(stampedPaths, func(i, j int) bool { return stampedPaths[i].mtime.Before(stampedPaths[j].mtime) })

	paths := make([]string, len(stampedPaths))
	for i, s := range stampedPaths {
		paths[i] = s.path
	}
	return paths, nil
}

// processSentinel transfers the artifact named by sentinelPath (minus
// its ".READY" suffix), reporting success. A missing artifact (already
// transferred by a prior run) is treated as a success so the orphaned
// sentinel gets cleaned up.
func (m *Manager) processSentinel(sentinelPath string) bool {
	filePath := strings.TrimSuffix(sentinelPath, ".READY")

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		m.log.Debugf("file missing (already transferred?): %s", filepath.Base(filePath))
		_ = os.Remove(sentinelPath)
		return true
	}

	parsed, err := filename.Parse(filepath.Base(filePath))
	if err != nil {
		m.log.Errorf("invalid filename format: %s: %v", filepath.Base(filePath), err)
		return false
	}

	m.log.Infof("processing transfer: event_id=%d, type=%s, file=%s", parsed.EventID, parsed.Kind, filepath.Base(filePath))

	if !m.transferFile(filePath, parsed) {
		m.log.Warnf("transfer failed: %s (will retry)", filepath.Base(filePath))
		return false
	}

	m.log.Infof("transfer successful: %s", filepath.Base(filePath))
	_ = os.Remove(filePath)
	_ = os.Remove(sentinelPath)
	if parsed.Tag == filename.TagVideo {
		_ = os.Remove(filePath + filename.DurationSidecarSuffix)
	}
	return true
}

// transferFile copies filePath onto NFS via copy-to-.tmp then atomic
// rename, then best-effort notifies the central server.
func (m *Manager) transferFile(filePath string, parsed filename.Parsed) bool {
	if !m.checkNFSMounted() {
		m.log.Warnf("NFS not mounted, cannot transfer %s", filepath.Base(filePath))
		return false
	}

	destDir := filepath.Join(m.cfg.NFSMount, string(parsed.DestSubdir))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		m.log.Errorf("create destination directory %s: %v", destDir, err)
		return false
	}

	destPath := filepath.Join(destDir, filepath.Base(filePath))
	tempPath := destPath + ".tmp"

	start := time.Now()
	size, err := m.copyThrottled(filePath, tempPath)
	elapsed := time.Since(start)
	if err != nil {
		m.log.Errorf("copy to NFS failed: %s: %v", filepath.Base(filePath), err)
		_ = os.Remove(tempPath)
		return false
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		m.log.Errorf("atomic rename failed: %s: %v", filepath.Base(filePath), err)
		_ = os.Remove(tempPath)
		return false
	}

	m.mu.Lock()
	m.totalBytesTransferred += size
	m.mu.Unlock()
	m.log.Infof("copied to NFS: %s (%.2fMB in %.2fs)", filepath.Base(filePath), float64(size)/(1024*1024), elapsed.Seconds())

	nfsRelativePath := filepath.Join(m.cfg.CameraID, string(parsed.DestSubdir), filepath.Base(filePath))
	if !m.notifyAPI(filePath, parsed, nfsRelativePath) {
		m.log.Warn("API notification failed (non-critical)")
	}
	return true
}

// copyThrottled copies src to dst, optionally paced by the configured
// byte-throughput limiter, and returns the number of bytes copied.
// io.Copy has no context deadline of its own, so a stuck NFS mount
// would otherwise block indefinitely; the copy runs on its own
// goroutine bounded by TransferTimeout, and on timeout we close both
// files to force the blocked Read/Write to unblock rather than leak
// the goroutine forever.
func (m *Manager) copyThrottled(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create temp destination: %w", err)
	}
	defer out.Close()

	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		var n int64
		var err error
		if m.limiter == nil {
			n, err = io.Copy(out, in)
		} else {
			n, err = m.copyWithLimiter(out, in)
		}
		done <- result{n, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.n, fmt.Errorf("copy: %w", res.err)
		}
		if err := out.Sync(); err != nil {
			return res.n, fmt.Errorf("sync: %w", err)
		}
		return res.n, nil
	case <-time.After(m.cfg.TransferTimeout):
		in.Close()
		out.Close()
		<-done // drain so the copy goroutine doesn't leak
		return 0, fmt.Errorf("copy exceeded transfer timeout (%s)", m.cfg.TransferTimeout)
	}
}

const copyChunkSize = 64 * 1024

// copyWithLimiter copies in chunks, waiting on the limiter before each
// chunk so sustained transfer bandwidth stays under ThroughputBPS.
func (m *Manager) copyWithLimiter(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunkSize)
	var total int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if err := m.limiter.WaitN(m.ctx, nr); err != nil {
				return total, err
			}
			nw, werr := dst.Write(buf[:nr])
			total += int64(nw)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// notifyAPI reports the transferred file to the central server,
// attaching a video_duration when the processor left a duration
// sidecar alongside the video artifact (SPEC_FULL.md Open Question 4
// resolution: diverges from original_source/transfer_manager.py's
// _notify_api, which always sends None).
func (m *Manager) notifyAPI(filePath string, parsed filename.Parsed, nfsRelativePath string) bool {
	var videoDuration *float64
	if parsed.Tag == filename.TagVideo {
		if d, ok := readDurationSidecar(filePath); ok {
			videoDuration = &d
		}
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.TransferTimeout)
	defer cancel()

	if err := m.api.UpdateFile(ctx, parsed.EventID, string(parsed.Kind), nfsRelativePath, videoDuration); err != nil {
		m.log.Warnf("API notification error: event_id=%d, file_type=%s: %v", parsed.EventID, parsed.Kind, err)
		return false
	}
	m.log.Debugf("API notified: event_id=%d, file_type=%s", parsed.EventID, parsed.Kind)
	return true
}

func readDurationSidecar(videoPath string) (float64, bool) {
	raw, err := os.ReadFile(videoPath + filename.DurationSidecarSuffix)
	if err != nil {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

// checkNFSMounted verifies the mount point exists, its pictures/thumbs/
// videos subdirectories exist, and the pictures subdirectory is
// writable, per original_source/transfer_manager.py:_check_nfs_mounted.
func (m *Manager) checkNFSMounted() bool {
	if _, err := os.Stat(m.cfg.NFSMount); err != nil {
		return false
	}

	for _, sub := range []filename.DestSubdir{filename.DestPictures, filename.DestThumbs, filename.DestVideos} {
		if _, err := os.Stat(filepath.Join(m.cfg.NFSMount, string(sub))); err != nil {
			m.log.Errorf("required subdirectory missing on NFS: %s", filepath.Join(m.cfg.NFSMount, string(sub)))
			return false
		}
	}

	probe := filepath.Join(m.cfg.NFSMount, string(filename.DestPictures), ".transfer_health_check")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	_ = os.Remove(probe)
	return true
}

// Stats reports current transfer counters, for diagnostics.
func (m *Manager) Stats() (filesTransferred, bytesTransferred int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filesTransferred, m.totalBytesTransferred
}
