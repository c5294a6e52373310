package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gpuschedd/internal/scheduler"
	"gpuschedd/pkg/types"
)

// Service defines the scheduler operations required by the HTTP API
// layer.
type Service interface {
	Submit(scriptPath string, priority int) (string, error)
	TaskStatus(id string) (types.Task, bool)
	AllTasks() types.TaskList
	Cancel(id string) bool
	Start()
	Stop()
	SystemStatus() types.SystemStatus
	Intervals() types.Intervals
	SetIntervals(types.Intervals) error
}

// NewMux builds the router for the scheduler API.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(MetricsMiddleware)

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.SystemStatus())
	})

	r.Get("/api/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.AllTasks())
	})

	r.Post("/api/submit", func(w http.ResponseWriter, r *http.Request) {
		var req types.SubmitRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.ScriptPath) == "" {
			writeJSONError(w, http.StatusBadRequest, "script_path is required")
			return
		}
		taskID, err := svc.Submit(req.ScriptPath, req.Priority)
		if err != nil {
			if scheduler.IsScriptInvalid(err) {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		logRequest(r, "task submitted", "task", taskID)
		writeJSON(w, http.StatusOK, types.SubmitResponse{TaskID: taskID, Message: "task submitted"})
	})

	r.Get("/api/task/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		task, ok := svc.TaskStatus(id)
		if !ok {
			writeJSONError(w, http.StatusNotFound, scheduler.ErrTaskNotFound(id).Error())
			return
		}
		writeJSON(w, http.StatusOK, task)
	})

	r.Post("/api/task/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !svc.Cancel(id) {
			writeJSONError(w, http.StatusNotFound, "task not found or already terminal: "+id)
			return
		}
		logRequest(r, "task cancelled", "task", id)
		writeJSON(w, http.StatusOK, types.MessageResponse{Message: "task cancelled"})
	})

	r.Post("/api/start", func(w http.ResponseWriter, r *http.Request) {
		svc.Start()
		writeJSON(w, http.StatusOK, types.MessageResponse{Message: "scheduler started"})
	})

	r.Post("/api/stop", func(w http.ResponseWriter, r *http.Request) {
		svc.Stop()
		writeJSON(w, http.StatusOK, types.MessageResponse{Message: "scheduler stopped"})
	})

	r.Get("/api/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Intervals())
	})

	r.Post("/api/config", func(w http.ResponseWriter, r *http.Request) {
		var iv types.Intervals
		if !decodeJSONBody(w, r, &iv) {
			return
		}
		if err := svc.SetIntervals(iv); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		logRequest(r, "intervals updated")
		writeJSON(w, http.StatusOK, iv)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// decodeJSONBody enforces the JSON content type and body size cap, then
// decodes into dst. It writes the error response itself and reports
// whether decoding succeeded.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		// If exceeded size, MaxBytesReader may cause an error; still return 400 to avoid size leak details
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logError("failed to encode response", err)
	}
}
