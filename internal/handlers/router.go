package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/config"
	"github.com/meschain/meschain-sync/internal/mapping"
	"github.com/meschain/meschain-sync/internal/middleware"
	"github.com/meschain/meschain-sync/internal/report"
	"github.com/meschain/meschain-sync/internal/sync"
	"github.com/meschain/meschain-sync/internal/websocket"
)

// Options are the collaborators of the HTTP surface. Archive is optional.
type Options struct {
	Config  *config.Config
	Engine  *sync.SyncEngine
	Hub     *websocket.Hub
	Archive *report.Archive
	Logger  *zap.Logger
	Version string
}

// Router wraps the mux router and the sync engine
type Router struct {
	*mux.Router
	cfg     *config.Config
	engine  *sync.SyncEngine
	hub     *websocket.Hub
	archive *report.Archive
	logger  *zap.Logger
	version string
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		Router:  mux.NewRouter(),
		cfg:     opts.Config,
		engine:  opts.Engine,
		hub:     opts.Hub,
		archive: opts.Archive,
		logger:  logger.With(zap.String("component", "api")),
		version: opts.Version,
	}
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// Auth routes
	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/login", r.login).Methods("POST")

	// Realtime
	if r.hub != nil {
		r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
			websocket.ServeWs(r.hub, w, req)
		}).Methods("GET")
	}

	// API routes (protected)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(r.cfg.JWTSecret))

	syncAPI := api.PathPrefix("/sync").Subrouter()
	syncAPI.HandleFunc("/status", r.getStatus).Methods("GET")
	syncAPI.HandleFunc("/start", r.startSync).Methods("POST")
	syncAPI.HandleFunc("/sessions", r.listSessions).Methods("GET")
	syncAPI.HandleFunc("/sessions/{id}", r.getSession).Methods("GET")
	syncAPI.HandleFunc("/sessions/{id}/passes", r.listPasses).Methods("GET")
	syncAPI.HandleFunc("/sessions/{id}/report", r.sessionReport).Methods("GET")
	syncAPI.HandleFunc("/sessions/{id}/report/archive", r.archiveReport).Methods("POST")
	syncAPI.HandleFunc("/sessions/{id}/{action:stop|pause|resume}", r.sessionAction).Methods("POST")
	syncAPI.HandleFunc("/conflicts/{id}/resolve", r.resolveConflict).Methods("POST")
	syncAPI.HandleFunc("/conflicts/{marketplace}", r.listConflicts).Methods("GET")
	syncAPI.HandleFunc("/bandwidth", r.getBandwidth).Methods("GET")
	syncAPI.HandleFunc("/connectivity", r.getConnectivity).Methods("GET")

	mappings := api.PathPrefix("/mappings").Subrouter()
	mappings.HandleFunc("/classify", r.classifyMapping).Methods("POST")
	mappings.HandleFunc("/{marketplace}", r.listMappings).Methods("GET")
	mappings.HandleFunc("/{marketplace}/{category_id}/{action:accept|reject}", r.reviewMapping).Methods("POST")

	return r
}

// Handler returns the router behind the CORS policy of the dashboards
func (r *Router) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: r.cfg.CORSOrigins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}).Handler(r)
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": r.version,
	})
}

// getStatus returns the engine summary and realtime counters
func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	status := r.engine.GetSyncStatus()
	if r.hub != nil {
		status["websocket"] = r.hub.Stats()
	}
	respondJSON(w, http.StatusOK, status)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// respondErr maps a domain error onto its HTTP status
func (r *Router) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", zap.Error(err))
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sync.ErrSessionNotFound),
		errors.Is(err, sync.ErrConflictNotFound),
		errors.Is(err, mapping.ErrNotQueued):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrAlreadyActive),
		errors.Is(err, sync.ErrSessionClosed),
		errors.Is(err, sync.ErrConflictSettled),
		errors.Is(err, sync.ErrPassInProgress):
		return http.StatusConflict
	case errors.Is(err, sync.ErrInvalidBatch),
		errors.Is(err, sync.ErrInvalidDecision),
		errors.Is(err, sync.ErrAdapterNotFound):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
