package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GuruMachanica/KavachG/internal/incident"
	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
)

const maxBodyBytes = 64 << 10

// IncidentHandler serves the incident endpoints.
type IncidentHandler struct {
	store      storage.Store
	dispatcher Submitter
	logger     *zap.Logger
}

// NewIncidentHandler creates a new incident handler
func NewIncidentHandler(store storage.Store, dispatcher Submitter, logger *zap.Logger) *IncidentHandler {
	return &IncidentHandler{store: store, dispatcher: dispatcher, logger: logger}
}

// CreateIncidentRequest is the body of POST /api/incidents.
type CreateIncidentRequest struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	ClipPath    string `json:"clip_path,omitempty"`
	Camera      string `json:"camera,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type feedbackRequest struct {
	Comment string `json:"comment"`
}

// RegisterRoutes registers incident API routes. Only incident creation is
// rate limited.
func (h *IncidentHandler) RegisterRoutes(mux *http.ServeMux, limiter *RateLimiter) {
	mux.HandleFunc("POST /api/incidents", limiter.Middleware(h.Create))
	mux.HandleFunc("GET /api/incidents", h.List)
	mux.HandleFunc("GET /api/incidents/{id}", h.Get)
	mux.HandleFunc("PATCH /api/incidents/{id}/status", h.UpdateStatus)
	mux.HandleFunc("GET /api/incidents/{id}/audit", h.Audit)
	mux.HandleFunc("POST /api/incidents/{id}/feedback", h.AddFeedback)
	mux.HandleFunc("GET /api/incidents/{id}/feedback", h.ListFeedback)
}

// Create files an incident through the dispatcher so API-created incidents
// get the same retry, dead-letter and broadcast path as detected ones.
func (h *IncidentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" || strings.TrimSpace(req.Description) == "" {
		http.Error(w, "type and description are required", http.StatusBadRequest)
		return
	}

	inc, err := h.dispatcher.Submit(r.Context(), incident.Request{
		Type:        req.Type,
		Description: req.Description,
		ClipPath:    req.ClipPath,
		Camera:      req.Camera,
		Severity:    req.Severity,
		OccurredAt:  time.Now(),
	})
	if err != nil {
		var de *incident.DispatchError
		if errors.As(err, &de) {
			msg := "Incident store unavailable; request not saved"
			if de.DeadLettered {
				msg = "Incident store unavailable; request queued for replay"
			}
			http.Error(w, msg, http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("Incident creation failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

// List returns incidents newest first, optionally filtered by status,
// type and camera.
func (h *IncidentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := storage.IncidentQuery{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Camera: q.Get("camera"),
	}
	var err error
	if query.Limit, err = intParam(q.Get("limit")); err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if query.Offset, err = intParam(q.Get("offset")); err != nil {
		http.Error(w, "invalid offset", http.StatusBadRequest)
		return
	}

	incidents, err := h.store.ListIncidents(r.Context(), query)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if incidents == nil {
		incidents = []*storage.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (h *IncidentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inc, err := h.store.GetIncident(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// UpdateStatus accepts any non-empty status string and records it in the
// audit trail.
func (h *IncidentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}

	inc, err := h.store.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *IncidentHandler) Audit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entries, err := h.store.AuditTrail(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *IncidentHandler) AddFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Comment) == "" {
		http.Error(w, "comment is required", http.StatusBadRequest)
		return
	}

	fb, err := h.store.AddFeedback(r.Context(), id, req.Comment)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

func (h *IncidentHandler) ListFeedback(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	items, err := h.store.ListFeedback(r.Context(), id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	if items == nil {
		items = []storage.Feedback{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *IncidentHandler) storeError(w http.ResponseWriter, err error) {
	if storage.IsNotExist(err) {
		http.Error(w, "incident not found", http.StatusNotFound)
		return
	}
	h.logger.Error("Incident store error", zap.Error(err))
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid incident id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
