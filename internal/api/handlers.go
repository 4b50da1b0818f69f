package api

import (
	"context"
	"encoding/json"
	"errors"
	"gatekeeper/internal/models"
	"gatekeeper/internal/reputation"
	"gatekeeper/internal/version"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const maxBodyBytes = 1 << 20

// Service is the admission core as seen by the HTTP layer.
// *ratelimit.Limiter implements it.
type Service interface {
	Check(ctx context.Context, req models.Request) models.Decision
	Stats() models.Stats
	HealthCheck(ctx context.Context) models.HealthStatus

	Whitelist() []string
	AddToWhitelist(ip string)
	RemoveFromWhitelist(ip string)

	Blacklist() []models.Ban
	AddToBlacklist(ip, reason string)
	RemoveFromBlacklist(ip string)

	Blocks() []models.Ban
	Block(ip, reason string, d time.Duration)
	Unblock(ip, reason string)

	Reputation(ip string) (reputation.Record, bool)
	ReportActivity(ip, kind string, detail map[string]string) reputation.Record
}

// Handlers contains HTTP handlers for the gatekeeper API
type Handlers struct {
	service Service
	version version.Info
	started time.Time
	logger  *slog.Logger

	openAPIOnce sync.Once
	openAPI     []byte
	openAPIErr  error
}

// NewHandlers creates a new handlers instance
func NewHandlers(service Service, ver version.Info) *Handlers {
	return &Handlers{
		service: service,
		version: ver,
		started: time.Now(),
		logger:  slog.Default().With("component", "api"),
	}
}

// Check runs one admission check on behalf of a caller.
// POST /api/v1/check
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	var req models.Request
	if err := decodeJSON(r, &req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeInvalidRequest, err.Error())
		return
	}

	d := h.service.Check(r.Context(), req)
	if d.Allowed {
		h.writeJSONResponse(w, http.StatusOK, models.NewCheckResponse(d))
		return
	}

	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
	h.writeJSONResponse(w, http.StatusTooManyRequests, models.NewCheckResponse(d))
}

// Stats returns the admission state snapshot.
// GET /api/v1/stats
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.service.Stats())
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := h.service.HealthCheck(r.Context())

	response := models.NewHealthCheckResponse(status.Status)
	response.Version = h.version.Version
	response.Uptime = time.Since(h.started).Round(time.Second).String()
	response.AddComponent("api", models.StatusHealthy, "API is operational")

	if status.Status == models.StatusHealthy {
		response.AddComponent("admission", models.StatusHealthy, "Admission core is operational")
	} else {
		response.AddComponent("admission", models.StatusUnhealthy, status.Error)
	}

	if status.Stats != nil {
		response.AddMetric("total_ips", status.Stats.TotalIPs)
		response.AddMetric("total_users", status.Stats.TotalUsers)
		response.AddMetric("blocked_ips", status.Stats.BlockedIPs)
		response.AddMetric("whitelisted_ips", status.Stats.WhitelistedIPs)
		response.AddMetric("blacklisted_ips", status.Stats.BlacklistedIPs)
		response.AddMetric("suspicious_ips", status.Stats.SuspiciousIPs)
		response.AddMetric("active_rate_limits", status.Stats.ActiveRateLimits)
	}

	code := http.StatusOK
	if status.Status != models.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, code, response)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already out, so only log it
		h.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}

// decodeJSON decodes a size-limited request body into v. An empty body is an error.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}
