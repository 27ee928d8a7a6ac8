package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserbase-copilot/internal/proxy"
	"github.com/shehryarbajwa/browserbase-copilot/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, requestsPerMinute int, metricsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	// Session lifecycle
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/execute", h.ExecuteTask).Methods("POST")
	api.HandleFunc("/sessions/{id}/events", h.GetEvents).Methods("GET")

	// Screenshot endpoint (not rate limited - frequent polling)
	api.HandleFunc("/sessions/{id}/screenshot", h.GetSessionScreenshot).Methods("GET")

	// Debug endpoints (not rate limited)
	api.HandleFunc("/sessions/{id}/debug", h.GetDebugURL).Methods("GET")
	api.HandleFunc("/sessions/{id}/debug/ws", func(w http.ResponseWriter, r *http.Request) {
		proxyServer.HandleDebugConnection(w, r, mux.Vars(r)["id"])
	}).Methods("GET")

	// Control endpoints (rate limited per session)
	controlAPI := api.PathPrefix("/sessions/{id}").Subrouter()
	controlAPI.Use(RateLimitMiddleware(rateLimiter, requestsPerMinute, h.engine.Live))
	h.engine.OnSessionStopped(rateLimiter.Forget)
	controlAPI.HandleFunc("/control/request", h.RequestControl).Methods("POST")
	controlAPI.HandleFunc("/control/transfer", h.TransferControl).Methods("POST")
	controlAPI.HandleFunc("/control/return", h.ReturnControl).Methods("POST")
	controlAPI.HandleFunc("/control/pause", h.PauseAgent).Methods("POST")
	controlAPI.HandleFunc("/control/resume", h.ResumeAgent).Methods("POST")
	controlAPI.HandleFunc("/control/stop", h.EmergencyStop).Methods("POST")
	controlAPI.HandleFunc("/actions", h.RecordAction).Methods("POST")
	controlAPI.HandleFunc("/navigate", h.NavigateSession).Methods("POST", "OPTIONS")

	// Observer stream
	api.HandleFunc("/ws", proxyServer.HandleObserver).Methods("GET")

	r.Handle("/metrics", metricsHandler).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}
