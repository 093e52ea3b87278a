// Package submit delivers finalized measurements to the measurement
// history backend. A Worker drains the submission outbox kept in the store
// so that network calls never run on the frame loop.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fitform/armeasure/internal/landmark"
	"github.com/fitform/armeasure/internal/store"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 15 * time.Second

// historyPath is the backend endpoint that accepts measurement records.
const historyPath = "/api/measurement-history"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// ErrNoBaseURL is returned by Submit when no backend is configured.
var ErrNoBaseURL = errors.New("backend base URL not configured")

// Record is the measurement payload posted to the backend.
type Record struct {
	MeasurementType string                `json:"measurement_type"`
	Measurements    map[string]float64    `json:"measurements"`
	UnitSystem      string                `json:"unit_system"`
	ConfidenceScore float64               `json:"confidence_score"`
	BodyLandmarks   map[string][4]float64 `json:"body_landmarks,omitempty"`
	Notes           string                `json:"notes,omitempty"`
}

// EncodeLandmarks converts landmarks to the backend layout, joint name to
// [x, y, z, confidence]. Untracked joints are left out.
func EncodeLandmarks(landmarks []landmark.Landmark) map[string][4]float64 {
	out := make(map[string][4]float64, len(landmarks))
	for _, l := range landmarks {
		if !l.Tracked {
			continue
		}
		out[string(l.Joint)] = [4]float64{l.Position.X, l.Position.Y, l.Position.Z, l.Confidence}
	}
	return out
}

// RecordFromMeasurement builds the backend payload for a stored
// measurement. The stored confidence in [0, 1] is reported as 0-100.
func RecordFromMeasurement(m *store.MeasurementRecord) (Record, error) {
	rec := Record{
		MeasurementType: "ar",
		Measurements: map[string]float64{
			"shoulder_width": m.ShoulderWidthCm,
			"height":         m.HeightCm,
		},
		UnitSystem:      "cm",
		ConfidenceScore: m.Confidence * 100,
		Notes:           m.Notes,
	}
	if m.HipWidthCm > 0 {
		rec.Measurements["hip_width"] = m.HipWidthCm
	}

	if len(m.Landmarks) > 0 {
		var lm map[string][4]float64
		if err := json.Unmarshal(m.Landmarks, &lm); err != nil {
			return Record{}, fmt.Errorf("decode landmarks of measurement %s: %w", m.ID, err)
		}
		if len(lm) > 0 {
			rec.BodyLandmarks = lm
		}
	}
	return rec, nil
}

// StatusError is returned for non-2xx backend responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Retryable reports whether a later attempt may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Retryable reports whether err is worth another attempt. Transport errors
// are retryable; 4xx responses other than 429 are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return !errors.Is(err, ErrNoBaseURL)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client posts measurement records to the backend.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Token      string
}

// NewClient creates a backend client. A nil httpClient gets one with the
// configured timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		HTTPClient: httpClient,
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		Token:      cfg.Token,
	}
}

// Submit posts rec and returns the backend's record ID.
func (c *Client) Submit(ctx context.Context, rec Record) (string, error) {
	if c.BaseURL == "" {
		return "", ErrNoBaseURL
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+historyPath, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return "", &StatusError{Code: resp.StatusCode, Body: msg}
	}

	return parseRecordID(body)
}

// parseRecordID accepts {"id": ...} and {"data": {"id": ...}} with string
// or numeric IDs.
func parseRecordID(body []byte) (string, error) {
	var payload struct {
		ID   json.RawMessage `json:"id"`
		Data struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	raw := payload.ID
	if len(raw) == 0 || string(raw) == "null" {
		raw = payload.Data.ID
	}
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("response has no record id")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return string(raw), nil
}
