package api

import (
	"encoding/json"
	"gatekeeper/internal/models"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/v1/health" &&
					r.URL.Path != "/metrics" &&
					r.URL.Path != "/api/v1/openapi.yaml" &&
					r.URL.Path != "/api/v1/docs"
			}),
		))
	}
}

// WithRateLimiter protects the API with the given admission middleware.
// Health probes and the check endpoint itself are never limited.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(r *mux.Router) {
		r.Use(func(next http.Handler) http.Handler {
			limited := middleware(next)
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if rateLimitExempt(r.URL.Path) {
					next.ServeHTTP(w, r)
					return
				}
				limited.ServeHTTP(w, r)
			})
		})
	}
}

func rateLimitExempt(path string) bool {
	switch path {
	case "/health", "/api/v1/health", "/api/v1/check":
		return true
	}
	return false
}

// SetupRoutes configures the HTTP routes for the API
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) *mux.Router {
	router := mux.NewRouter()

	for _, opt := range opts {
		opt(router)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/check", handlers.Check).Methods("POST")
	api.HandleFunc("/check", methodNotAllowedHandler).Methods("GET", "PUT", "DELETE", "PATCH")
	api.HandleFunc("/stats", handlers.Stats).Methods("GET")

	api.HandleFunc("/openapi.yaml", handlers.ServeOpenAPISpec).Methods("GET")
	api.HandleFunc("/docs", handlers.ServeSwaggerUI).Methods("GET")

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.HandleFunc("/api/v1/health", handlers.HealthCheck).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	if config.Security.EnableAuth {
		admin.Use(adminAuthMiddleware(config.Security.AdminToken))
	}
	admin.HandleFunc("/whitelist", handlers.ListWhitelist).Methods("GET")
	admin.HandleFunc("/whitelist", handlers.AddToWhitelist).Methods("POST")
	admin.HandleFunc("/whitelist/{ip}", handlers.RemoveFromWhitelist).Methods("DELETE")
	admin.HandleFunc("/blacklist", handlers.ListBlacklist).Methods("GET")
	admin.HandleFunc("/blacklist", handlers.AddToBlacklist).Methods("POST")
	admin.HandleFunc("/blacklist/{ip}", handlers.RemoveFromBlacklist).Methods("DELETE")
	admin.HandleFunc("/blocks", handlers.ListBlocks).Methods("GET")
	admin.HandleFunc("/blocks", handlers.BlockIP).Methods("POST")
	admin.HandleFunc("/blocks/{ip}", handlers.UnblockIP).Methods("DELETE")
	admin.HandleFunc("/reputation/{ip}", handlers.GetReputation).Methods("GET")
	admin.HandleFunc("/reputation/{ip}/events", handlers.ReportActivity).Methods("POST")

	router.Use(loggingMiddleware)
	router.Use(recoveryMiddleware)

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)

	return router
}

// methodNotAllowedHandler handles requests with invalid HTTP methods
func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	errorResp := models.NewErrorResponse("Method not allowed", models.ErrorCodeInvalidRequest)
	json.NewEncoder(w).Encode(errorResp)
}
