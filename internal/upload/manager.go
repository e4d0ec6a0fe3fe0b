// Package upload runs file transfers: chunked reading with incremental
// base64 encoding, progress reporting, retry with backoff on the
// network leg, and cooperative cancellation.
package upload

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xipher-im/xipher/internal/api"
	"github.com/xipher-im/xipher/internal/bus"
	"github.com/xipher-im/xipher/internal/config"
	"github.com/xipher-im/xipher/internal/model"
	"go.uber.org/zap"
)

const (
	chunkSize             = 64 * 1024
	maxAttempts           = 3
	retryBase             = 800 * time.Millisecond
	retryCap              = 5 * time.Second
	retryJitter           = 250
	readLegPercent        = 40
	networkAttemptTimeout = 60 * time.Second
)

// Request describes a transfer to start. TempID correlates all progress
// and terminal events with the optimistic message record.
type Request struct {
	TempID   string
	ChatID   string
	FilePath string
	FileName string
}

// Progress is the payload of upload.progress bus events.
type Progress struct {
	TempID  string
	ChatID  string
	Percent int
}

// Finished is the payload of upload.finished bus events.
type Finished struct {
	TempID string
	ChatID string
	Result api.UploadResult
	Type   model.MessageType
}

// Failed is the payload of upload.failed bus events.
type Failed struct {
	TempID string
	ChatID string
	Err    *api.Error
}

// Cancelled is the payload of upload.cancelled bus events.
type Cancelled struct {
	TempID string
	ChatID string
}

// Uploader is the slice of the request client the manager needs.
type Uploader interface {
	UploadFile(ctx context.Context, fileName, base64Data string) (api.UploadResult, *api.Error)
}

type task struct {
	req       Request
	cancelled atomic.Bool
	cancel    context.CancelFunc
}

// Manager runs each transfer on its own goroutine and reports exactly
// one terminal event (finished, failed, or cancelled) per transfer.
type Manager struct {
	uploader Uploader
	bus      *bus.Bus
	cfg      *config.Config
	logger   *zap.Logger

	// Test seams.
	jitter     func(n int) int
	sleep      func(ctx context.Context, d time.Duration) bool
	afterChunk func(tempID string, read int64)

	mu    sync.Mutex
	tasks map[string]*task
}

// NewManager creates a transfer manager.
func NewManager(uploader Uploader, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		uploader: uploader,
		bus:      b,
		cfg:      cfg,
		logger:   logger,
		jitter:   rand.Intn,
		sleep:    sleepCtx,
		tasks:    make(map[string]*task),
	}
}

// MaxUploadBytes returns the configured size ceiling; 0 means no limit.
func (m *Manager) MaxUploadBytes() int64 {
	return m.cfg.UploadMaxBytes
}

// Start validates the request synchronously and launches the transfer.
// A rejected request produces an error and no bus events.
func (m *Manager) Start(req Request) error {
	if req.TempID == "" || req.FilePath == "" {
		return fmt.Errorf("upload: temp id and file path required")
	}
	info, err := os.Stat(req.FilePath)
	if err != nil {
		return fmt.Errorf("upload: file not found: %s", req.FilePath)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("upload: not a regular file: %s", req.FilePath)
	}
	if info.Size() == 0 {
		return fmt.Errorf("upload: file is empty: %s", req.FilePath)
	}
	if max := m.MaxUploadBytes(); max > 0 && info.Size() > max {
		return fmt.Errorf("upload: file exceeds %d bytes", max)
	}
	if req.FileName == "" {
		req.FileName = filepath.Base(req.FilePath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{req: req, cancel: cancel}

	m.mu.Lock()
	if _, exists := m.tasks[req.TempID]; exists {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("upload: transfer %s already running", req.TempID)
	}
	m.tasks[req.TempID] = t
	m.mu.Unlock()

	go m.run(ctx, t, info.Size())
	return nil
}

// Cancel requests cancellation of a running transfer. The transfer
// reports a cancelled terminal event; a network round trip that
// completes after cancellation is still reported as cancelled.
func (m *Manager) Cancel(tempID string) bool {
	m.mu.Lock()
	t, ok := m.tasks[tempID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	t.cancelled.Store(true)
	t.cancel()
	return true
}

func (m *Manager) run(ctx context.Context, t *task, size int64) {
	defer func() {
		m.mu.Lock()
		delete(m.tasks, t.req.TempID)
		m.mu.Unlock()
		t.cancel()
	}()

	encoded, ok := m.encodeFile(t, size)
	if !ok {
		return
	}

	m.networkLeg(ctx, t, encoded)
}

// encodeFile reads the file in chunks, streaming into a base64 encoder
// and reporting progress over the read leg's share of the bar. The
// cancel flag is checked between chunks so large files abort promptly.
func (m *Manager) encodeFile(t *task, size int64) (string, bool) {
	f, err := os.Open(t.req.FilePath)
	if err != nil {
		m.fail(t, &api.Error{UserMessage: "Failed to read file", DebugMessage: err.Error()})
		return "", false
	}
	defer f.Close()

	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(int(size)))
	enc := base64.NewEncoder(base64.StdEncoding, &sb)

	buf := make([]byte, chunkSize)
	var read int64
	lastPercent := -1
	for {
		if t.cancelled.Load() {
			m.publishCancelled(t)
			return "", false
		}
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := enc.Write(buf[:n]); werr != nil {
				m.fail(t, &api.Error{UserMessage: "Failed to read file", DebugMessage: werr.Error()})
				return "", false
			}
			read += int64(n)
			percent := int(int64(readLegPercent) * read / size)
			if percent != lastPercent {
				lastPercent = percent
				m.publishProgress(t, percent)
			}
			if m.afterChunk != nil {
				m.afterChunk(t.req.TempID, read)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			m.fail(t, &api.Error{UserMessage: "Failed to read file", DebugMessage: err.Error()})
			return "", false
		}
	}
	if err := enc.Close(); err != nil {
		m.fail(t, &api.Error{UserMessage: "Failed to read file", DebugMessage: err.Error()})
		return "", false
	}
	return sb.String(), true
}

func (m *Manager) networkLeg(ctx context.Context, t *task, encoded string) {
	var lastErr *api.Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if t.cancelled.Load() {
			m.publishCancelled(t)
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, networkAttemptTimeout)
		result, apiErr := m.uploader.UploadFile(attemptCtx, t.req.FileName, encoded)
		cancel()

		// A round trip that races a cancel is reported as cancelled,
		// never finished.
		if t.cancelled.Load() {
			m.publishCancelled(t)
			return
		}

		if apiErr == nil {
			m.publishProgress(t, 100)
			m.bus.Publish(bus.Event{
				Kind:      bus.KindUploadFinished,
				Timestamp: time.Now(),
				Payload: Finished{
					TempID: t.req.TempID,
					ChatID: t.req.ChatID,
					Result: result,
					Type:   MessageTypeFor(t.req.FileName),
				},
			})
			m.logger.Info("upload finished",
				zap.String("temp_id", t.req.TempID),
				zap.String("file", t.req.FileName))
			return
		}

		lastErr = apiErr
		m.logger.Warn("upload attempt failed",
			zap.String("temp_id", t.req.TempID),
			zap.Int("attempt", attempt),
			zap.String("error", apiErr.UserMessage))
		if !apiErr.Transient || attempt == maxAttempts {
			break
		}
		if !m.sleep(ctx, RetryDelay(attempt)+time.Duration(m.jitter(retryJitter))*time.Millisecond) {
			m.publishCancelled(t)
			return
		}
	}
	m.fail(t, lastErr)
}

// RetryDelay returns the network-leg backoff before retrying after the
// given attempt: min(5s, 800ms * 2^(attempt-1)).
func RetryDelay(attempt int) time.Duration {
	d := retryBase << (attempt - 1)
	if d > retryCap {
		d = retryCap
	}
	return d
}

// MessageTypeFor classifies an attachment by extension: image, voice
// for audio files, or generic file.
func MessageTypeFor(fileName string) model.MessageType {
	mimeType := MimeTypeFor(fileName)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return model.TypeImage
	case strings.HasPrefix(mimeType, "audio/"):
		return model.TypeVoice
	default:
		return model.TypeFile
	}
}

// MimeTypeFor resolves a file's MIME type from its extension, or "".
func MimeTypeFor(fileName string) string {
	return mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
}

func (m *Manager) publishProgress(t *task, percent int) {
	m.bus.Publish(bus.Event{
		Kind:      bus.KindUploadProgress,
		Timestamp: time.Now(),
		Payload:   Progress{TempID: t.req.TempID, ChatID: t.req.ChatID, Percent: percent},
	})
}

func (m *Manager) publishCancelled(t *task) {
	m.logger.Info("upload cancelled", zap.String("temp_id", t.req.TempID))
	m.bus.Publish(bus.Event{
		Kind:      bus.KindUploadCancelled,
		Timestamp: time.Now(),
		Payload:   Cancelled{TempID: t.req.TempID, ChatID: t.req.ChatID},
	})
}

func (m *Manager) fail(t *task, apiErr *api.Error) {
	if apiErr == nil {
		apiErr = &api.Error{UserMessage: "Upload failed"}
	}
	m.logger.Warn("upload failed",
		zap.String("temp_id", t.req.TempID),
		zap.String("error", apiErr.UserMessage))
	m.bus.Publish(bus.Event{
		Kind:      bus.KindUploadFailed,
		Timestamp: time.Now(),
		Payload:   Failed{TempID: t.req.TempID, ChatID: t.req.ChatID, Err: apiErr},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
