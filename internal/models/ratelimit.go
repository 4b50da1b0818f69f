// Package models - Admission control value types.
// This file defines the policies, requests and decisions exchanged between the
// admission pipeline and its callers.
package models

import (
	"errors"
	"time"
)

// RateLimitPolicy is an immutable per-endpoint limit.
type RateLimitPolicy struct {
	MaxRequests    int           `json:"max_requests"`
	Window         time.Duration `json:"window"`
	BurstAllowance int           `json:"burst_allowance"`
}

// Capacity is the most requests a single window can hold, burst included.
func (p RateLimitPolicy) Capacity() int {
	return p.MaxRequests + p.BurstAllowance
}

func (p RateLimitPolicy) Validate() error {
	if p.MaxRequests <= 0 {
		return errors.New("max requests must be positive")
	}
	if p.Window <= 0 {
		return errors.New("window must be positive")
	}
	if p.BurstAllowance < 0 {
		return errors.New("burst allowance cannot be negative")
	}
	return nil
}

// DDoSThresholds are the volumetric limits per source IP. A zero value
// disables that horizon.
type DDoSThresholds struct {
	PerSecond     int `json:"per_second"`
	PerMinute     int `json:"per_minute"`
	PerHour       int `json:"per_hour"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Reason is the machine-readable outcome of an admission check.
type Reason string

// Acceptance reasons
const (
	ReasonWhitelisted Reason = "WHITELISTED"
	ReasonAllowed     Reason = "ALLOWED"
)

// Rejection reasons
const (
	ReasonIPBlacklisted         Reason = "IP_BLACKLISTED"
	ReasonRateLimitExceeded     Reason = "RATE_LIMIT_EXCEEDED"
	ReasonUserRateLimitExceeded Reason = "USER_RATE_LIMIT_EXCEEDED"
	ReasonDDoSDetected          Reason = "DDOS_DETECTED"
	ReasonAdaptiveRateLimit     Reason = "ADAPTIVE_RATE_LIMIT"
)

// Decision is the result of a single admission check.
//
// RetryAfter is zero when no hint can be computed. Limit, Remaining and
// ResetAt describe the resolved endpoint policy and are zero for trust-list
// outcomes.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason"`
	RetryAfter time.Duration `json:"-"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"-"`
	Detail     string        `json:"detail,omitempty"`
	Severity   string        `json:"severity,omitempty"`
}

// RetryAfterMs returns the retry hint in milliseconds, or nil when there is none.
func (d Decision) RetryAfterMs() *int64 {
	if d.RetryAfter <= 0 {
		return nil
	}
	ms := d.RetryAfter.Milliseconds()
	return &ms
}

// Stats is a point-in-time snapshot of the admission state.
type Stats struct {
	TotalIPs         int `json:"total_ips"`
	TotalUsers       int `json:"total_users"`
	BlockedIPs       int `json:"blocked_ips"`
	WhitelistedIPs   int `json:"whitelisted_ips"`
	BlacklistedIPs   int `json:"blacklisted_ips"`
	SuspiciousIPs    int `json:"suspicious_ips"`
	ActiveRateLimits int `json:"active_rate_limits"`
}

// HealthStatus is the admission core's self-report.
type HealthStatus struct {
	Status    string    `json:"status"`
	Stats     *Stats    `json:"stats,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
