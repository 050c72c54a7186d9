// Package logger provides the non-blocking, batched log shipper used
// throughout the agent: every call echoes synchronously to the console
// and is queued for best-effort batch delivery to the central server.
package logger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level is a normalized log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARNING"
	LevelError Level = "ERROR"
)

// normalize maps an unrecognized level to INFO, per spec §4.B.
func normalize(level Level) Level {
	switch level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return level
	default:
		return LevelInfo
	}
}

// Entry is one shipped log record, matching the central server's
// POST /logs body shape.
type Entry struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Shipper ships a batch of entries to the central server. Implemented
// by pkg/apiclient; kept as a narrow interface here to avoid a
// logger<->apiclient import cycle (apiclient itself logs).
type Shipper interface {
	SendLogs(ctx context.Context, entries []Entry) error
}

// Config controls batching and console behavior.
type Config struct {
	CameraID       string
	BatchInterval  time.Duration
	ConsoleLevel   zerolog.Level
	ConsoleNoColor bool
}

// Logger is the process-wide log sink. Its lifecycle is owned by the
// orchestrator: constructed before any component, Stop()'d after all
// components have stopped (see DESIGN.md — "logger stops absolutely
// last").
type Logger struct {
	cameraID string
	console  zerolog.Logger
	shipper  Shipper

	mu    sync.Mutex
	queue []Entry

	batchInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	stopOnce      sync.Once
}

// New constructs a Logger. The shipper may be attached later via
// SetShipper once the API client exists (the orchestrator creates the
// logger before the API client, per spec §4.I's startup order).
func New(cfg Config) *Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		NoColor:    cfg.ConsoleNoColor,
		TimeFormat: "2006-01-02 15:04:05",
	}
	console := zerolog.New(writer).Level(cfg.ConsoleLevel).With().Timestamp().Logger()

	interval := cfg.BatchInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	l := &Logger{
		cameraID:      cfg.CameraID,
		console:       console,
		batchInterval: interval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go l.batchLoop()
	return l
}

// SetShipper attaches the API client used for batched delivery.
func (l *Logger) SetShipper(s Shipper) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shipper = s
}

// Log is non-blocking and never fails: it echoes synchronously to the
// console, then enqueues for batched shipment.
func (l *Logger) Log(level Level, msg string) {
	level = normalize(level)
	now := time.Now()

	switch level {
	case LevelDebug:
		l.console.Debug().Msg(msg)
	case LevelWarn:
		l.console.Warn().Msg(msg)
	case LevelError:
		l.console.Error().Msg(msg)
	default:
		l.console.Info().Msg(msg)
	}

	l.mu.Lock()
	l.queue = append(l.queue, Entry{
		Source:    l.cameraID,
		Timestamp: now,
		Level:     level,
		Message:   msg,
	})
	l.mu.Unlock()
}

// Logf is a convenience wrapper around fmt.Sprintf.
func (l *Logger) Logf(level Level, format string, args ...any) {
	l.Log(level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(msg string)              { l.Log(LevelDebug, msg) }
func (l *Logger) Info(msg string)                { l.Log(LevelInfo, msg) }
func (l *Logger) Warn(msg string)                { l.Log(LevelWarn, msg) }
func (l *Logger) Error(msg string)               { l.Log(LevelError, msg) }
func (l *Logger) Debugf(f string, a ...any)      { l.Logf(LevelDebug, f, a...) }
func (l *Logger) Infof(f string, a ...any)       { l.Logf(LevelInfo, f, a...) }
func (l *Logger) Warnf(f string, a ...any)       { l.Logf(LevelWarn, f, a...) }
func (l *Logger) Errorf(f string, a ...any)      { l.Logf(LevelError, f, a...) }

func (l *Logger) batchLoop() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.batchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			l.drain()
			return
		case <-ticker.C:
			l.drain()
		}
	}
}

// drain is a no-op on an empty queue and otherwise ships the current
// batch best-effort: on failure the batch is dropped, since the console
// record already made it durable.
func (l *Logger) drain() {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.queue
	l.queue = nil
	shipper := l.shipper
	l.mu.Unlock()

	if shipper == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := shipper.SendLogs(ctx, batch); err != nil {
		l.console.Debug().Err(err).Int("dropped", len(batch)).Msg("log batch ship failed, dropping")
	}
}

// Stop performs one final drain-and-post and waits for the batcher to
// exit.
func (l *Logger) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		<-l.doneCh
	})
}
