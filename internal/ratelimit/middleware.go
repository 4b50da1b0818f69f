package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"gatekeeper/internal/models"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
)

// ReasonMaxConcurrent is the detail attached when an IP has too many
// requests in flight.
const ReasonMaxConcurrent = "DDOS_MAX_CONCURRENT"

// Admitter is the part of a Limiter the middleware needs.
type Admitter interface {
	Check(ctx context.Context, req models.Request) models.Decision
	Acquire(ip string) (release func(), ok bool)
}

type userIDKey struct{}

// WithUserID attaches an authenticated user ID to ctx so the middleware can
// apply the per-user window.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the user ID set by WithUserID.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

type middlewareOptions struct {
	trustedProxies []netip.Prefix
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareOptions)

// WithTrustedProxies lists the peers whose X-Forwarded-For and X-Real-IP
// headers are believed. Without it the client IP is always the direct peer.
func WithTrustedProxies(proxies []netip.Prefix) MiddlewareOption {
	return func(o *middlewareOptions) {
		o.trustedProxies = proxies
	}
}

// Middleware returns HTTP middleware that runs every request through a.
// Rejected requests get a 429 with the reason code; admitted requests hold an
// in-flight slot for their IP until the handler returns. When headers is
// true the X-RateLimit-* headers are set on every response with a policy.
func Middleware(a Admitter, headers bool, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var o middlewareOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := RequestFromHTTP(r, o.trustedProxies)
			d := a.Check(r.Context(), req)

			if headers && d.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				if !d.ResetAt.IsZero() {
					w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
				}
			}

			if !d.Allowed {
				WriteRejection(w, d)
				return
			}

			release, ok := a.Acquire(req.IP)
			if !ok {
				WriteRejection(w, models.Decision{
					Reason:     models.ReasonDDoSDetected,
					RetryAfter: DDoSRetryAfter,
					Detail:     ReasonMaxConcurrent,
				})
				slog.Warn("Too many concurrent requests", "ip", req.IP, "endpoint", req.Endpoint)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

// WriteRejection writes a 429 JSON error carrying the decision's reason code
// and, when known, a Retry-After header.
func WriteRejection(w http.ResponseWriter, d models.Decision) {
	errorResp := models.NewErrorResponse(rejectionMessage(d.Reason), string(d.Reason))
	if d.Detail != "" || d.RetryAfter > 0 {
		errorResp.Details = map[string]string{}
	}
	if d.Detail != "" {
		errorResp.Details["detail"] = d.Detail
	}
	if d.RetryAfter > 0 {
		retryAfterSecs := int(math.Ceil(d.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
		errorResp.Details["retry_after_ms"] = fmt.Sprintf("%d", d.RetryAfter.Milliseconds())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(errorResp)
}

func rejectionMessage(reason models.Reason) string {
	switch reason {
	case models.ReasonIPBlacklisted:
		return "IP address is blocked"
	case models.ReasonRateLimitExceeded:
		return "Rate limit exceeded"
	case models.ReasonUserRateLimitExceeded:
		return "User rate limit exceeded"
	case models.ReasonDDoSDetected:
		return "Request volume looks abusive"
	case models.ReasonAdaptiveRateLimit:
		return "Service under load, rate limit tightened"
	default:
		return "Request rejected"
	}
}

// RequestFromHTTP builds the admission request for r; see ClientIP for how
// trustedProxies is used.
func RequestFromHTTP(r *http.Request, trustedProxies []netip.Prefix) models.Request {
	return models.Request{
		IP:        ClientIP(r, trustedProxies),
		UserID:    UserIDFromContext(r.Context()),
		Endpoint:  r.URL.Path,
		UserAgent: r.UserAgent(),
	}
}

// ClientIP returns the canonical client address of r.
//
// Forwarding headers are only honoured when the direct peer is inside
// trustedProxies. X-Forwarded-For is then walked from the right, skipping
// trusted hops, and the first untrusted hop is the client; X-Real-IP is used
// when there is no X-Forwarded-For. A hop that does not parse as an address
// ends the walk and the direct peer is used instead.
func ClientIP(r *http.Request, trustedProxies []netip.Prefix) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	peer = peer.Unmap().WithZone("")

	if !trusted(peer, trustedProxies) {
		return peer.String()
	}

	if values := r.Header.Values("X-Forwarded-For"); len(values) > 0 {
		var hops []string
		for _, v := range values {
			hops = append(hops, strings.Split(v, ",")...)
		}

		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				return peer.String()
			}
			client = hop.Unmap().WithZone("")
			if !trusted(client, trustedProxies) {
				break
			}
		}
		return client.String()
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.Unmap().WithZone("").String()
		}
	}
	return peer.String()
}

func trusted(addr netip.Addr, proxies []netip.Prefix) bool {
	for _, p := range proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
