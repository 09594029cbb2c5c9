package rest

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"examsync/internal/realtime"
	"examsync/internal/service"
	"examsync/internal/transport/rest/handler"
	"examsync/internal/transport/rest/middleware"
	"examsync/internal/transport/ws"
)

// Container holds all dependencies for the router
type Container struct {
	AuthService *service.AuthService
	Engine      *realtime.Engine
	WSHub       *ws.Hub
}

// NewRouter creates the API router with all endpoints
func NewRouter(c *Container) http.Handler {
	r := mux.NewRouter()

	// Initialize handlers
	authHandler := handler.NewAuthHandler(c.AuthService)
	monitorHandler := handler.NewMonitorHandler(c.Engine)
	wsHandler := ws.NewHandler(c.WSHub, c.Engine, c.AuthService)

	// Initialize middleware
	authMW := middleware.NewAuthMiddleware(c.AuthService)

	// CORS middleware (apply first)
	r.Use(corsMiddleware)

	// API v1 routes
	v1 := r.PathPrefix("/v1").Subrouter()

	// Public routes
	v1.HandleFunc("/auth/login", authHandler.Login).Methods("POST", "OPTIONS")

	// WebSocket routes (public with token in query param)
	v1.HandleFunc("/ws/sessions/{id}", wsHandler.SessionWS).Methods("GET")
	v1.HandleFunc("/ws/users/{id}", wsHandler.UserSessionsWS).Methods("GET")

	// Health check and prometheus scrape endpoint
	r.HandleFunc("/health", monitorHandler.Health).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(c.Engine.Registry(), promhttp.HandlerOpts{})).Methods("GET")

	// Monitor routes (require monitor auth)
	monitorRoutes := v1.NewRoute().Subrouter()
	monitorRoutes.Use(authMW.RequireMonitor)

	monitorRoutes.HandleFunc("/metrics", monitorHandler.Metrics).Methods("GET", "OPTIONS")
	monitorRoutes.HandleFunc("/sessions/{id}/presence", monitorHandler.SessionPresence).Methods("GET", "OPTIONS")
	monitorRoutes.HandleFunc("/collisions", monitorHandler.Collisions).Methods("GET", "OPTIONS")

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigins := os.Getenv("CORS_ALLOWED_ORIGINS")
		if allowedOrigins == "" {
			allowedOrigins = "*"
		}

		allowedMethods := os.Getenv("CORS_ALLOWED_METHODS")
		if allowedMethods == "" {
			allowedMethods = "GET, POST, OPTIONS"
		}

		allowedHeaders := os.Getenv("CORS_ALLOWED_HEADERS")
		if allowedHeaders == "" {
			allowedHeaders = "Content-Type, Authorization"
		}

		w.Header().Set("Access-Control-Allow-Origin", allowedOrigins)
		w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
