// Package models - API response types and error handling.
// This file defines all outgoing API response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Optional fields use omitempty to reduce response size
// - Machine-readable codes so clients can pick a backoff strategy
// - RFC3339 timestamps
package models

import (
	"time"
)

// CheckResponse is the wire form of a Decision.
//
// Client Usage:
// - RATE_LIMIT_EXCEEDED / USER_RATE_LIMIT_EXCEEDED: wait RetryAfterMs, then retry
// - DDOS_DETECTED: back off exponentially, RetryAfterMs is a fixed cooldown
// - ADAPTIVE_RATE_LIMIT: the service is under load, retry later
// - IP_BLACKLISTED: do not retry
type CheckResponse struct {
	Allowed      bool   `json:"allowed"`
	Reason       Reason `json:"reason"`
	RetryAfterMs *int64 `json:"retry_after_ms"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	Detail       string `json:"detail,omitempty"`
	Severity     string `json:"severity,omitempty"`
}

// NewCheckResponse converts a decision into its wire form.
func NewCheckResponse(d Decision) *CheckResponse {
	return &CheckResponse{
		Allowed:      d.Allowed,
		Reason:       d.Reason,
		RetryAfterMs: d.RetryAfterMs(),
		Limit:        d.Limit,
		Remaining:    d.Remaining,
		Detail:       d.Detail,
		Severity:     d.Severity,
	}
}

// TrustListResponse lists the members of the allow or deny list.
type TrustListResponse struct {
	List  string   `json:"list"`
	IPs   []string `json:"ips"`
	Count int      `json:"count"`
}

// BanListResponse lists deny-list entries or active temporary blocks.
type BanListResponse struct {
	List  string `json:"list"`
	Bans  []Ban  `json:"bans"`
	Count int    `json:"count"`
}

// TrustChangeRequest is the body of allow/deny/block admin calls.
type TrustChangeRequest struct {
	IP       string `json:"ip"`
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// ActivityRequest reports a suspicious event for an IP.
type ActivityRequest struct {
	Kind   string            `json:"kind"`
	Detail map[string]string `json:"detail,omitempty"`
}

// ReputationResponse describes the suspicion state of one IP.
type ReputationResponse struct {
	IP         string    `json:"ip"`
	Score      float64   `json:"score"`
	Blocked    bool      `json:"blocked"`
	Activities int       `json:"activities"`
	FirstSeen  time.Time `json:"first_seen,omitempty"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// MessageResponse acknowledges an admin mutation.
type MessageResponse struct {
	IP      string `json:"ip"`
	Message string `json:"message"`
}

// ErrorResponse provides structured error information.
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
)

// Standard HTTP Error Codes
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeUnauthorized       = "UNAUTHORIZED"        // 401: Authentication required
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Service temporarily down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
