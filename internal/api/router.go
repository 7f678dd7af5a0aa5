// Package api serves the dashboard HTTP surface: engine state, task
// status and control, health, and the WebSocket upgrade.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/config"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/logging"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/refresh"
	"github.com/Strix89/PMI-DashboardEPS-sub000/internal/websocket"
)

// Router handles HTTP routing.
type Router struct {
	mux       *http.ServeMux
	cfg       *config.Config
	registry  *refresh.Registry
	hub       *websocket.Hub
	version   string
	startTime time.Time
}

// NewRouter creates the API router.
func NewRouter(cfg *config.Config, registry *refresh.Registry, hub *websocket.Hub, version string) http.Handler {
	rt := &Router{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		registry:  registry,
		hub:       hub,
		version:   version,
		startTime: time.Now(),
	}
	rt.setupRoutes()
	return rt
}

func (rt *Router) setupRoutes() {
	rt.mux.HandleFunc("/api/health", rt.handleHealth)
	rt.mux.HandleFunc("/api/state", rt.handleState)
	rt.mux.HandleFunc("/api/version", rt.handleVersion)
	rt.mux.HandleFunc("/api/tasks", rt.handleTasks)
	rt.mux.HandleFunc("/api/tasks/", rt.handleTask)
	rt.mux.HandleFunc("/ws", rt.handleWebSocket)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if origin := rt.corsOrigin(req); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	}
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if strings.HasPrefix(req.URL.Path, "/api/") {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	}

	ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-ID"))
	w.Header().Set("X-Request-ID", requestID)

	start := time.Now()
	rt.mux.ServeHTTP(w, req.WithContext(ctx))
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("requestId", requestID).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

// corsOrigin returns the value for Access-Control-Allow-Origin, or ""
// when the request origin is not allowed.
func (rt *Router) corsOrigin(req *http.Request) string {
	origin := req.Header.Get("Origin")
	if origin == "" || len(rt.cfg.Server.AllowedOrigins) == 0 {
		return ""
	}
	for _, allowed := range rt.cfg.Server.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func (rt *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(rt.startTime).Seconds(),
		"clients":   rt.hub.ClientCount(),
		"inFlight":  rt.registry.InFlight(),
		"paused":    rt.registry.GloballyPaused(),
	}
	writeJSON(w, http.StatusOK, health)
}

func (rt *Router) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, rt.registry.State())
}

func (rt *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"version": rt.version,
		"runtime": "go",
	})
}

func (rt *Router) handleTasks(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, rt.registry.Statuses())
}

// handleTask serves GET /api/tasks/{id} and the POST actions
// /api/tasks/{id}/reset, /pause, /resume, /run.
func (rt *Router) handleTask(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/tasks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Task id required", http.StatusBadRequest)
		return
	}

	if action == "" {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		status, ok := rt.registry.TaskStatus(id)
		if !ok {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var err error
	switch action {
	case "reset":
		err = rt.registry.Reset(id)
	case "pause":
		err = rt.registry.Pause(id)
	case "resume":
		err = rt.registry.Resume(id)
	case "run":
		var triggered bool
		triggered, err = rt.registry.ExecuteOnce(id)
		if err == nil {
			log.Info().Str("task", id).Bool("triggered", triggered).Msg("Manual refresh requested")
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"task":      id,
				"triggered": triggered,
			})
			return
		}
	default:
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if err != nil {
		writeTaskError(w, err)
		return
	}

	log.Info().Str("task", id).Str("action", action).Msg("Task action applied")
	status, _ := rt.registry.TaskStatus(id)
	writeJSON(w, http.StatusOK, status)
}

func (rt *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	rt.hub.HandleWebSocket(w, req)
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, refresh.ErrUnknownTask):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, refresh.ErrTaskStopped), errors.Is(err, refresh.ErrTaskNotRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
