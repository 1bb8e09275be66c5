package appz

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// defaultEventLimit is the number of journal events served when the
// request sets no limit
const defaultEventLimit = 50

// ErrorResponse is the body of a failed status request
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string      `json:"status"`
	Version VersionInfo `json:"version"`
	Workers int         `json:"workers"`
}

type statusHandler struct {
	sup  *Supervisor
	disp *Dispatcher
}

// NewStatusRouter serves a read-only JSON view of the supervisor
func NewStatusRouter(sup *Supervisor, disp *Dispatcher) *mux.Router {
	h := &statusHandler{sup: sup, disp: disp}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/apps", h.apps).Methods(http.MethodGet)
	r.HandleFunc("/apps/{name}", h.app).Methods(http.MethodGet)
	r.HandleFunc("/apps/{name}/events", h.events).Methods(http.MethodGet)
	r.Use(h.logging)

	return r
}

func (h *statusHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.sup.logger.Warn("encoding status response", "error", err)
	}
}

func (h *statusHandler) writeError(w http.ResponseWriter, status int, err error, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   err.Error(),
		Code:    ErrorCode(err),
		Message: message,
	})
}

func (h *statusHandler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.sup.logger.Debug("status request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (h *statusHandler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: GetVersion(),
		Workers: len(h.sup.Workers("")),
	})
}

func (h *statusHandler) apps(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.sup.List(h.disp.Resurrectable()))
}

func (h *statusHandler) app(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	st, err := h.sup.Info(name)
	if err != nil {
		if errors.Is(err, ErrAppNotFound) {
			h.writeError(w, http.StatusNotFound, err, "App not found: "+name)
			return
		}
		h.writeError(w, http.StatusInternalServerError, err, "Failed to read app")
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

func (h *statusHandler) events(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("invalid limit"), "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.sup.Journal().Recent(name, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err, "Failed to read journal")
		return
	}
	if events == nil {
		events = []JournalEvent{}
	}
	h.writeJSON(w, http.StatusOK, events)
}
