package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evolvix-software/reportsched/internal/domain"
	"github.com/evolvix-software/reportsched/internal/lifecycle"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Manager applies schedule lifecycle operations.
type Manager interface {
	Create(ctx context.Context, spec lifecycle.Spec) (domain.ScheduleDefinition, error)
	Update(ctx context.Context, id uuid.UUID, spec lifecycle.Spec) (domain.ScheduleDefinition, error)
	Pause(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error)
	Resume(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error)
	RunNow(ctx context.Context, id uuid.UUID) (domain.ManualTrigger, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error)
	List(ctx context.Context, limit, offset int) ([]domain.ScheduleDefinition, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	manager Manager
	db      HealthChecker
}

func NewHandler(manager Manager) *Handler {
	return &Handler{manager: manager}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/schedules" && r.Method == http.MethodPost:
		h.createSchedule(w, r)

	case path == "/schedules" && r.Method == http.MethodGet:
		h.listSchedules(w, r)

	case strings.HasPrefix(path, "/schedules/"):
		h.scheduleSubroute(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// scheduleSubroute handles /schedules/{id} and /schedules/{id}/{action}.
func (h *Handler) scheduleSubroute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] != "schedules" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			h.getSchedule(w, r, id)
		case http.MethodPut:
			h.updateSchedule(w, r, id)
		case http.MethodDelete:
			h.deleteSchedule(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	switch parts[2] {
	case "pause":
		h.lifecycleAction(w, r, id, h.manager.Pause)
	case "resume":
		h.lifecycleAction(w, r, id, h.manager.Resume)
	case "run":
		h.runNow(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	spec, ok := h.decodeSpec(w, r)
	if !ok {
		return
	}

	def, err := h.manager.Create(r.Context(), spec)
	if err != nil {
		h.writeLifecycleError(w, "create", err)
		return
	}

	writeJSON(w, http.StatusCreated, toScheduleResponse(def))
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	defs, err := h.manager.List(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list schedules error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(defs))}
	for i, def := range defs {
		resp.Schedules[i] = toScheduleResponse(def)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	def, err := h.manager.Get(r.Context(), id)
	if err != nil {
		h.writeLifecycleError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(def))
}

func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	spec, ok := h.decodeSpec(w, r)
	if !ok {
		return
	}

	def, err := h.manager.Update(r.Context(), id, spec)
	if err != nil {
		h.writeLifecycleError(w, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(def))
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := h.manager.Delete(r.Context(), id); err != nil {
		h.writeLifecycleError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lifecycleAction(w http.ResponseWriter, r *http.Request, id uuid.UUID, action func(context.Context, uuid.UUID) (domain.ScheduleDefinition, error)) {
	def, err := action(r.Context(), id)
	if err != nil {
		h.writeLifecycleError(w, "action", err)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(def))
}

func (h *Handler) runNow(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	trigger, err := h.manager.RunNow(r.Context(), id)
	if err != nil {
		h.writeLifecycleError(w, "run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{
		ScheduleID:  trigger.ScheduleID.String(),
		ExecutionID: trigger.ExecutionID.String(),
		RequestedAt: formatTime(trigger.RequestedAt),
	})
}

// decodeSpec reads and converts the request body into a lifecycle spec.
// Field-level validation happens in the lifecycle layer; only shape errors
// (bad JSON, unparseable time_of_day) are rejected here.
func (h *Handler) decodeSpec(w http.ResponseWriter, r *http.Request) (lifecycle.Spec, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return lifecycle.Spec{}, false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return lifecycle.Spec{}, false
	}

	tod, err := parseTimeOfDay(req.TimeOfDay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return lifecycle.Spec{}, false
	}

	return lifecycle.Spec{
		Name:       req.Name,
		ReportType: req.ReportType,
		Frequency:  domain.Frequency(req.Frequency),
		Anchor:     req.Anchor,
		TimeOfDay:  tod,
		Timezone:   req.Timezone,
		CronExpr:   req.CronExpr,
		Recipients: req.Recipients,
		Format:     domain.Format(req.Format),
	}, true
}

// writeLifecycleError maps lifecycle and store errors to HTTP responses.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, op string, err error) {
	var verrs lifecycle.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, ve := range verrs {
			fields[ve.Field] = ve.Message
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: fields})
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, domain.ErrStaleWrite):
		writeError(w, http.StatusConflict, "schedule was modified concurrently, retry")
	default:
		log.Printf("api: %s schedule error: %v", op, err)
		writeError(w, http.StatusInternalServerError, "failed to "+op+" schedule")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
