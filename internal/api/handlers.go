package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/detection-orchestrator/internal/model"
	"github.com/sells-group/detection-orchestrator/internal/orchestrator"
	"github.com/sells-group/detection-orchestrator/internal/resilience"
	"github.com/sells-group/detection-orchestrator/internal/store"
)

const maxBodyBytes = 1 << 20

type handlers struct {
	deps Deps
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func (h *handlers) createDetection(w http.ResponseWriter, r *http.Request) {
	var req model.DetectionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.deps.Runner.Run(r.Context(), req, r.Header.Get(CorrelationHeader))
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		zap.L().Error("api: detection failed", zap.String("photo_id", req.PhotoID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "detection could not be stored")
		return
	}

	w.Header().Set(CorrelationHeader, res.Response.CorrelationID)
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) getDetection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := h.deps.Store.GetDetection(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "detection not found")
		return
	case err != nil:
		zap.L().Error("api: get detection", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load detection")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) listDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	recs, err := h.deps.Store.ListDetections(r.Context(), store.DetectionFilter{
		PhotoID: q.Get("photo_id"),
		Status:  model.DetectionStatus(q.Get("status")),
		Tag:     q.Get("tag"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		zap.L().Error("api: list detections", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list detections")
		return
	}
	if recs == nil {
		recs = []model.DetectionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := h.deps.Monitor.GetHealthStatus(r.Context())
	code := http.StatusOK
	if status.HealthyEndpoints == 0 {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *handlers) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Monitor.GetMetrics())
}

func (h *handlers) breakers(w http.ResponseWriter, _ *http.Request) {
	states := h.deps.Monitor.BreakerStates()
	if states == nil {
		states = []orchestrator.BreakerState{}
	}
	writeJSON(w, http.StatusOK, states)
}

type breakerResetResponse struct {
	Reset  []string          `json:"reset"`
	States map[string]string `json:"states"`
}

// resetBreakers closes the breaker named by the endpoint query parameter,
// or every breaker when it is absent.
func (h *handlers) resetBreakers(w http.ResponseWriter, r *http.Request) {
	var reset []string
	if endpoint := r.URL.Query().Get("endpoint"); endpoint != "" {
		if !h.deps.Breakers.Reset(endpoint) {
			writeError(w, http.StatusNotFound, "unknown endpoint")
			return
		}
		reset = []string{endpoint}
	} else {
		reset = h.deps.Breakers.ResetAll()
	}
	zap.L().Info("api: circuit breakers reset", zap.Strings("endpoints", reset))

	states := make(map[string]string)
	for endpoint, state := range h.deps.Breakers.States() {
		states[endpoint] = state.String()
	}
	writeJSON(w, http.StatusOK, breakerResetResponse{Reset: reset, States: states})
}

type modelsResponse struct {
	Capability model.CapabilityType `json:"capability"`
	Active     *model.ModelVersion  `json:"active"`
	Versions   []model.ModelVersion `json:"versions"`
}

func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	capability := model.CapabilityType(chi.URLParam(r, "capability"))
	if !capability.Valid() {
		writeError(w, http.StatusNotFound, "unknown capability")
		return
	}

	resp := modelsResponse{
		Capability: capability,
		Versions:   h.deps.Models.Models(capability),
	}
	if active, ok := h.deps.Models.GetActiveModel(capability); ok {
		resp.Active = &active
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) experiments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Models.Experiments())
}

func (h *handlers) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	entries, err := h.deps.Store.ListDLQ(r.Context(), resilience.DLQFilter{
		ErrorType: r.URL.Query().Get("error_type"),
		Limit:     limit,
	})
	if err != nil {
		zap.L().Error("api: list dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if entries == nil {
		entries = []resilience.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// intParam parses an optional non-negative query integer.
func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, eris.Errorf("negative value %d", n)
	}
	return n, nil
}
