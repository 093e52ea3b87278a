package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fitform/armeasure/internal/app"
	"github.com/fitform/armeasure/internal/config"
	"github.com/fitform/armeasure/internal/logging"
	"github.com/fitform/armeasure/internal/submit"
)

// backend records measurement-history posts and answers with status.
type backend struct {
	mu     sync.Mutex
	status int
	auth   []string
	bodies []map[string]any
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/api/measurement-history" {
		http.NotFound(w, r)
		return
	}
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.auth = append(b.auth, r.Header.Get("Authorization"))
	b.bodies = append(b.bodies, body)
	status := b.status
	b.mu.Unlock()

	if status != http.StatusCreated {
		http.Error(w, `{"error":"rejected"}`, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, `{"data":{"id":1234}}`)
}

func (b *backend) received() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bodies)
}

func fastConfig() config.ARConfig {
	cfg := config.Default()
	cfg.Performance.DeviceTier = config.TierHigh
	cfg.Performance.FrameProcessingInterval.HighEnd = 16
	return cfg
}

func newApp(t *testing.T, dbPath, backendURL string) (*app.App, *httptest.Server) {
	t.Helper()
	a, err := app.New(app.Config{
		AR:       fastConfig(),
		DBPath:   dbPath,
		Platform: app.PlatformMock,
		Backend:  submit.Config{BaseURL: backendURL, Token: "secret", Timeout: time.Second},
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return a, httptest.NewServer(a.Server())
}

func getJSON(t *testing.T, client *http.Client, url string, v any) int {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func post(t *testing.T, client *http.Client, url, body string, v any) int {
	t.Helper()
	resp, err := client.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type submissionList struct {
	Submissions []struct {
		MeasurementID string `json:"measurementId"`
		Status        string `json:"status"`
		RemoteID      string `json:"remoteId"`
	} `json:"submissions"`
}

func TestE2E_CompleteWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	be := &backend{status: http.StatusCreated}
	remote := httptest.NewServer(be)
	defer remote.Close()

	dbPath := filepath.Join(t.TempDir(), "data.db")
	a, ts := newApp(t, dbPath, remote.URL)
	client := ts.Client()

	var sessionID, measurementID string

	t.Run("StartSession", func(t *testing.T) {
		var resp struct {
			OK     bool `json:"ok"`
			Status struct {
				IsActive  bool   `json:"isActive"`
				SessionID string `json:"sessionId"`
				Source    string `json:"source"`
			} `json:"status"`
		}
		if code := post(t, client, ts.URL+"/api/session/start", "", &resp); code != http.StatusOK {
			t.Fatalf("status = %d, want %d", code, http.StatusOK)
		}
		if !resp.OK || !resp.Status.IsActive {
			t.Fatalf("session not active: %+v", resp)
		}
		if resp.Status.Source != "mock" {
			t.Errorf("source = %q, want mock", resp.Status.Source)
		}
		sessionID = resp.Status.SessionID
	})

	t.Run("ValidMeasurement", func(t *testing.T) {
		eventually(t, "a valid measurement", func() bool {
			var m struct {
				Valid           bool    `json:"valid"`
				ShoulderWidthCm float64 `json:"shoulderWidthCm"`
			}
			return getJSON(t, client, ts.URL+"/api/measurements", &m) == http.StatusOK && m.Valid
		})
	})

	t.Run("CompleteScans", func(t *testing.T) {
		for _, scan := range []string{"front", "side"} {
			if code := post(t, client, ts.URL+"/api/scans/"+scan, "", nil); code != http.StatusOK {
				t.Errorf("mark %s: status = %d", scan, code)
			}
		}
		var status struct {
			ScanStatus string `json:"scanStatus"`
		}
		getJSON(t, client, ts.URL+"/api/session/status", &status)
		if status.ScanStatus != "completed" {
			t.Errorf("scanStatus = %q, want completed", status.ScanStatus)
		}
	})

	t.Run("Submit", func(t *testing.T) {
		var resp struct {
			ID string `json:"id"`
		}
		if code := post(t, client, ts.URL+"/api/measurements/submit", `{"notes":"fitting room 2"}`, &resp); code != http.StatusAccepted {
			t.Fatalf("status = %d, want %d", code, http.StatusAccepted)
		}
		measurementID = resp.ID

		eventually(t, "the submission to be sent", func() bool {
			var list submissionList
			getJSON(t, client, ts.URL+"/api/submissions?status=sent", &list)
			return len(list.Submissions) == 1
		})

		var list submissionList
		getJSON(t, client, ts.URL+"/api/submissions?status=sent", &list)
		got := list.Submissions[0]
		if got.MeasurementID != measurementID || got.RemoteID != "1234" {
			t.Errorf("submission = %+v", got)
		}

		be.mu.Lock()
		defer be.mu.Unlock()
		if be.auth[0] != "Bearer secret" {
			t.Errorf("Authorization = %q", be.auth[0])
		}
		body := be.bodies[0]
		if body["measurement_type"] != "ar" || body["unit_system"] != "cm" {
			t.Errorf("unexpected record header: %v", body)
		}
		if body["notes"] != "fitting room 2" {
			t.Errorf("notes = %v", body["notes"])
		}
		if _, ok := body["body_landmarks"].(map[string]any); !ok {
			t.Errorf("body_landmarks missing: %v", body)
		}
	})

	t.Run("StopSession", func(t *testing.T) {
		if code := post(t, client, ts.URL+"/api/session/stop", "", nil); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if code := getJSON(t, client, ts.URL+"/api/measurements", nil); code != http.StatusConflict {
			t.Errorf("measurements after stop: status = %d, want %d", code, http.StatusConflict)
		}
	})

	ts.Close()
	a.Stop()

	t.Run("HistorySurvivesRestart", func(t *testing.T) {
		a2, ts2 := newApp(t, dbPath, remote.URL)
		defer a2.Stop()
		defer ts2.Close()

		var history struct {
			Measurements []struct {
				ID        string `json:"id"`
				SessionID string `json:"sessionId"`
			} `json:"measurements"`
		}
		if code := getJSON(t, ts2.Client(), ts2.URL+"/api/measurements/history?session_id="+sessionID, &history); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
		if len(history.Measurements) != 1 || history.Measurements[0].ID != measurementID {
			t.Errorf("history = %+v, want %s", history.Measurements, measurementID)
		}
		if be.received() != 1 {
			t.Errorf("backend received %d records, want 1", be.received())
		}
	})
}

func TestE2E_RejectedSubmission(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	be := &backend{status: http.StatusUnprocessableEntity}
	remote := httptest.NewServer(be)
	defer remote.Close()

	a, ts := newApp(t, filepath.Join(t.TempDir(), "data.db"), remote.URL)
	defer a.Stop()
	defer ts.Close()
	client := ts.Client()

	if code := post(t, client, ts.URL+"/api/session/start", "", nil); code != http.StatusOK {
		t.Fatalf("start: status = %d", code)
	}
	eventually(t, "a valid measurement", func() bool {
		var m struct {
			Valid bool `json:"valid"`
		}
		return getJSON(t, client, ts.URL+"/api/measurements", &m) == http.StatusOK && m.Valid
	})

	if code := post(t, client, ts.URL+"/api/measurements/submit", "", nil); code != http.StatusAccepted {
		t.Fatalf("submit: status = %d", code)
	}

	eventually(t, "the submission to fail", func() bool {
		var list submissionList
		getJSON(t, client, ts.URL+"/api/submissions?status=failed", &list)
		return len(list.Submissions) == 1
	})
	if be.received() != 1 {
		t.Errorf("backend received %d records, want 1 for a client error", be.received())
	}
}

func TestE2E_InvalidConfigurationRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	a, ts := newApp(t, filepath.Join(t.TempDir(), "data.db"), "")
	defer a.Stop()
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/config", strings.NewReader(`{"ar":{"minConfidenceThreshold":1.5}}`))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("PUT /api/config error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	resp, err = ts.Client().Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check failed after rejected configuration")
	}
}
