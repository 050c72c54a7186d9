package apiclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kklasmeier/security-camera-agent/pkg/logger"
)

func newTestLogger() *logger.Logger {
	return logger.New(logger.Config{CameraID: "test-camera", BatchInterval: time.Hour})
}

func TestRegisterCameraRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/cameras/register", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "cam1", newTestLogger())
	err := c.RegisterCamera(t.Context(), "Front Door", "Porch")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateEventMissingIDIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n < 2 {
			json.NewEncoder(w).Encode(map[string]any{})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 99})
	}))
	defer srv.Close()

	c := New(srv.URL, "cam1", newTestLogger())
	id, err := c.CreateEvent(t.Context(), time.Now(), 42.5)
	require.NoError(t, err)
	assert.Equal(t, int64(99), id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestUpdateFileExhaustsBoundedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "cam1", newTestLogger())
	c.httpClient.Timeout = 2 * time.Second

	err := c.UpdateFile(t.Context(), 7, "image_a", "/pictures/x.jpg", nil)
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendLogsSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/logs", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"logs_inserted": 3})
	}))
	defer srv.Close()

	c := New(srv.URL, "cam1", newTestLogger())
	entries := []logger.Entry{
		{Source: "cam1", Timestamp: time.Now(), Level: logger.LevelInfo, Message: "a"},
		{Source: "cam1", Timestamp: time.Now(), Level: logger.LevelInfo, Message: "b"},
		{Source: "cam1", Timestamp: time.Now(), Level: logger.LevelInfo, Message: "c"},
	}
	err := c.SendLogs(t.Context(), entries)
	assert.NoError(t, err)
}

func TestSendLogsEmptyIsNoop(t *testing.T) {
	c := New("http://example.invalid", "cam1", newTestLogger())
	err := c.SendLogs(t.Context(), nil)
	assert.NoError(t, err)
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "healthy"})
	}))
	defer srv.Close()

	c := New(srv.URL, "cam1", newTestLogger())
	assert.True(t, c.CheckHealth(t.Context()))
}

func TestCheckHealthUnreachable(t *testing.T) {
	c := New("http://127.0.0.1:1", "cam1", newTestLogger())
	assert.False(t, c.CheckHealth(t.Context()))
}
