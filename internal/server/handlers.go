package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/fitform/armeasure/internal/facade"
	"github.com/fitform/armeasure/internal/platform"
	"github.com/fitform/armeasure/internal/session"
	"github.com/fitform/armeasure/internal/store"
	"github.com/gorilla/mux"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// measurementHandler exposes the facade over JSON.
type measurementHandler struct {
	facade *facade.Facade
}

// Request and response types

type okResponse struct {
	OK bool `json:"ok"`
}

type startResponse struct {
	OK     bool           `json:"ok"`
	Status session.Status `json:"status"`
}

type submitRequest struct {
	Notes string `json:"notes"`
}

type submitResponse struct {
	ID string `json:"id"`
}

type historyResponse struct {
	Measurements []*store.MeasurementRecord `json:"measurements"`
}

type submissionsResponse struct {
	Submissions []*store.Submission `json:"submissions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorStatus maps facade errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, platform.ErrUnsupported):
		return http.StatusServiceUnavailable
	case errors.Is(err, facade.ErrSessionInactive):
		return http.StatusConflict
	case errors.Is(err, facade.ErrNoMeasurements), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, facade.ErrInvalidMeasurement):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrInvalidScanType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// startSession handles POST /api/session/start.
func (h *measurementHandler) startSession(w http.ResponseWriter, r *http.Request) {
	if _, err := h.facade.StartSession(r.Context()); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, startResponse{OK: true, Status: h.facade.GetSessionStatus()})
}

// stopSession handles POST /api/session/stop.
func (h *measurementHandler) stopSession(w http.ResponseWriter, r *http.Request) {
	ok, err := h.facade.StopSession()
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: ok})
}

// sessionStatus handles GET /api/session/status.
func (h *measurementHandler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.facade.GetSessionStatus())
}

// markScan handles POST /api/scans/{type}.
func (h *measurementHandler) markScan(w http.ResponseWriter, r *http.Request) {
	ok, err := h.facade.MarkScanCompleted(mux.Vars(r)["type"])
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: ok})
}

// loadConfiguration handles PUT /api/config with a partial JSON document.
func (h *measurementHandler) loadConfiguration(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	ok, err := h.facade.LoadConfiguration(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: ok})
}

// measurements handles GET /api/measurements.
func (h *measurementHandler) measurements(w http.ResponseWriter, r *http.Request) {
	m, err := h.facade.GetMeasurements()
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// submit handles POST /api/measurements/submit. The body is optional.
func (h *measurementHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if r.ContentLength != 0 {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid JSON request body")
			return
		}
	}

	id, err := h.facade.SubmitMeasurements(req.Notes)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

// history handles GET /api/measurements/history?session_id=&limit=.
func (h *measurementHandler) history(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := h.facade.History(r.URL.Query().Get("session_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list measurements")
		return
	}
	if records == nil {
		records = []*store.MeasurementRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Measurements: records})
}

// submissions handles GET /api/submissions?status=.
func (h *measurementHandler) submissions(w http.ResponseWriter, r *http.Request) {
	status := store.SubmissionStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = store.SubmissionPending
	case store.SubmissionPending, store.SubmissionSent, store.SubmissionFailed, store.SubmissionDiscarded:
	default:
		writeError(w, http.StatusBadRequest, "Invalid status. Must be 'pending', 'sent', 'failed' or 'discarded'")
		return
	}

	subs, err := h.facade.Submissions(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list submissions")
		return
	}
	if subs == nil {
		subs = []*store.Submission{}
	}
	writeJSON(w, http.StatusOK, submissionsResponse{Submissions: subs})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}
