// Package apiclient is a typed wrapper over the central server's REST
// API (spec §4.C / §6), with a retry policy per endpoint ranging from
// infinite (critical state) to bounded (best-effort) to single-attempt
// (informational).
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kklasmeier/security-camera-agent/pkg/logger"
	"github.com/kklasmeier/security-camera-agent/pkg/retry"
)

// Client talks to the central server's REST API.
type Client struct {
	baseURL    string
	cameraID   string
	httpClient *http.Client
	healthHTTP *http.Client
	log        *logger.Logger
}

// New constructs a Client. baseURL should already include the API
// prefix (e.g. "http://host:port/api/v1").
func New(baseURL, cameraID string, log *logger.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		cameraID: cameraID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		healthHTTP: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
			},
		},
		log: log,
	}
}

// LocalIP resolves the host's outward-facing local address by opening
// a UDP socket toward a public address and reading the bound local
// address, falling back to loopback on failure. See
// original_source/api_client.py:_get_local_ip.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any, idempotent bool) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "SecurityCamera/"+c.cameraID)
	if idempotent {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// registerRequest is the POST /cameras/register body.
type registerRequest struct {
	CameraID  string `json:"camera_id"`
	Name      string `json:"name"`
	Location  string `json:"location"`
	IPAddress string `json:"ip_address"`
}

// RegisterCamera blocks until the server acknowledges registration
// with a 2xx, retrying forever on the {0, 5s, 10s, 30s, ...} schedule.
// The camera cannot operate without being registered.
func (c *Client) RegisterCamera(ctx context.Context, name, location string) error {
	return retry.Forever(ctx, retry.DefaultInfiniteSchedule, func(attempt int) error {
		req := registerRequest{
			CameraID:  c.cameraID,
			Name:      name,
			Location:  location,
			IPAddress: LocalIP(),
		}

		c.log.Infof("attempting camera registration (attempt %d)...", attempt)
		_, err := c.doJSON(ctx, http.MethodPost, "/cameras/register", req, nil, true)
		if err != nil {
			c.log.Warnf("registration failed (attempt %d): %v", attempt, err)
			return err
		}
		c.log.Infof("camera registered successfully: %s", c.cameraID)
		return nil
	})
}

type createEventRequest struct {
	CameraID    string  `json:"camera_id"`
	Timestamp   string  `json:"timestamp"`
	MotionScore float64 `json:"motion_score"`
}

type createEventResponse struct {
	ID *int64 `json:"id"`
}

// CreateEvent blocks until the server assigns an event id, retrying
// forever on the same schedule as RegisterCamera. A response missing
// "id" is treated as transient and retried (spec §4.C, §8 boundary
// behavior: "create_event returning {} (no id): treated as transient").
func (c *Client) CreateEvent(ctx context.Context, timestamp time.Time, motionScore float64) (int64, error) {
	var eventID int64
	err := retry.Forever(ctx, retry.DefaultInfiniteSchedule, func(attempt int) error {
		req := createEventRequest{
			CameraID:    c.cameraID,
			Timestamp:   timestamp.Format("2006-01-02T15:04:05.000000"),
			MotionScore: motionScore,
		}

		if attempt == 1 {
			c.log.Infof("creating event: motion_score=%.1f", motionScore)
		} else {
			c.log.Infof("creating event (attempt %d): motion_score=%.1f", attempt, motionScore)
		}

		var resp createEventResponse
		_, err := c.doJSON(ctx, http.MethodPost, "/events", req, &resp, true)
		if err != nil {
			c.log.Warnf("event creation failed (attempt %d): %v", attempt, err)
			return err
		}
		if resp.ID == nil {
			c.log.Errorf("event creation response missing 'id' field (attempt %d)", attempt)
			return fmt.Errorf("response missing event id")
		}

		eventID = *resp.ID
		c.log.Infof("event created successfully: event_id=%d", eventID)
		return nil
	})
	return eventID, err
}

type updateFileRequest struct {
	FileType      string   `json:"file_type"`
	FilePath      string   `json:"file_path"`
	Transferred   bool     `json:"transferred"`
	VideoDuration *float64 `json:"video_duration,omitempty"`
}

// UpdateFile reports a transferred artifact to the server. Bounded
// retry: 3 attempts total, delays 1s then 2s (original_source/api_client.py
// update_file — note the module docstring advertises "1s, 2s, 4s" but
// the code only ever sleeps between the first two retries since the
// loop exits after the 3rd attempt; this implementation follows the
// code, not the stale docstring).
func (c *Client) UpdateFile(ctx context.Context, eventID int64, fileType, filePath string, videoDuration *float64) error {
	delays := []time.Duration{1 * time.Second, 2 * time.Second}

	err := retry.Bounded(ctx, delays, func(attempt int) error {
		req := updateFileRequest{
			FileType:      fileType,
			FilePath:      filePath,
			Transferred:   true,
			VideoDuration: videoDuration,
		}

		c.log.Debugf("updating file status: event_id=%d, type=%s (attempt %d)", eventID, fileType, attempt)
		path := fmt.Sprintf("/events/%d/files", eventID)
		_, err := c.doJSON(ctx, http.MethodPatch, path, req, nil, false)
		if err != nil {
			c.log.Warnf("file update failed (attempt %d): %v", attempt, err)
			return err
		}
		c.log.Infof("file status updated: event_id=%d, type=%s", eventID, fileType)
		return nil
	})

	if err != nil {
		c.log.Errorf("file update failed after %d attempts: event_id=%d, type=%s", len(delays)+1, eventID, fileType)
	}
	return err
}

type sendLogsResponse struct {
	LogsInserted int `json:"logs_inserted"`
}

// SendLogs implements logger.Shipper: bounded retry, 2 attempts, 1s
// delay between them.
func (c *Client) SendLogs(ctx context.Context, entries []logger.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	delays := []time.Duration{1 * time.Second}
	err := retry.Bounded(ctx, delays, func(attempt int) error {
		var resp sendLogsResponse
		_, err := c.doJSON(ctx, http.MethodPost, "/logs", entries, &resp, false)
		if err != nil {
			c.log.Warnf("log send failed (attempt %d): %v", attempt, err)
			return err
		}
		c.log.Debugf("sent %d log entries to central server", resp.LogsInserted)
		return nil
	})

	if err != nil {
		c.log.Errorf("failed to send %d log entries after %d attempts", len(entries), len(delays)+1)
	}
	return err
}

type healthResponse struct {
	Status string `json:"status"`
}

// CheckHealth is a single-attempt, informational probe with tighter
// timeouts (2s connect / 3s overall) than the other endpoints.
func (c *Client) CheckHealth(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "SecurityCamera/"+c.cameraID)

	resp, err := c.healthHTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.Status == "healthy"
}
