// Package ratelimit is the admission pipeline. A Limiter combines the trust
// lists, per-endpoint sliding windows, DDoS detection and adaptive throttling
// into one decision per request, and ships an HTTP middleware that sets the
// standard rate limit response headers.
package ratelimit

import (
	"context"
	"fmt"
	"gatekeeper/internal/ddos"
	"gatekeeper/internal/load"
	"gatekeeper/internal/models"
	"gatekeeper/internal/reputation"
	"gatekeeper/internal/storage"
	"gatekeeper/internal/trust"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// DDoSRetryAfter is the fixed cooldown returned with DDOS_DETECTED.
const DDoSRetryAfter = 5 * time.Minute

// DefaultLoadTimeout bounds each load sample.
const DefaultLoadTimeout = 50 * time.Millisecond

// Recorder receives every decision, normally the metrics layer.
type Recorder interface {
	RecordDecision(ctx context.Context, d models.Decision, elapsed time.Duration)
}

// Limiter is the admission pipeline. It owns every piece of mutable state it
// uses; independent Limiters share nothing.
type Limiter struct {
	policies   *PolicyTable
	windows    *WindowCounter
	trust      *trust.Manager
	reputation *reputation.Tracker
	detector   *ddos.Detector
	throttle   *AdaptiveThrottle

	sampler     load.Sampler
	loadTimeout time.Duration

	recorder   Recorder
	logger     *slog.Logger
	logLimiter *rate.Limiter
	now        func() time.Time
}

type options struct {
	logger       *slog.Logger
	now          func() time.Time
	recorder     Recorder
	sampler      load.Sampler
	store        storage.BanStore
	storeTimeout time.Duration
}

// Option configures a Limiter.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock overrides time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRecorder reports every decision to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithSampler sets the load source used by adaptive throttling.
func WithSampler(s load.Sampler) Option {
	return func(o *options) {
		o.sampler = s
	}
}

// WithBanStore persists denies and temporary blocks.
func WithBanStore(store storage.BanStore, timeout time.Duration) Option {
	return func(o *options) {
		o.store = store
		o.storeTimeout = timeout
	}
}

// New builds a Limiter and all of its components from cfg.
func New(cfg models.RateLimitConfig, opts ...Option) (*Limiter, error) {
	o := options{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	policies, err := NewPolicyTable(cfg.DefaultPolicy.Policy(), cfg.Endpoints)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit policies: %w", err)
	}

	trustOpts := []trust.Option{trust.WithLogger(o.logger), trust.WithClock(o.now)}
	if o.store != nil {
		trustOpts = append(trustOpts, trust.WithStore(o.store, o.storeTimeout))
	}
	trustMgr := trust.NewManager(trustOpts...)

	tracker := reputation.NewTracker(trustMgr,
		reputation.WithThreshold(cfg.Reputation.BlockThreshold),
		reputation.WithWindow(cfg.Reputation.Window),
		reputation.WithLogger(o.logger),
		reputation.WithClock(o.now),
	)

	windows := NewWindowCounter(cfg.MaxAge)
	detector := ddos.NewDetector(cfg.DDoS.Thresholds(), windows, tracker, trustMgr,
		ddos.WithBlockDuration(cfg.DDoS.BlockDuration),
		ddos.WithLogger(o.logger),
	)

	l := &Limiter{
		policies:    policies,
		windows:     windows,
		trust:       trustMgr,
		reputation:  tracker,
		detector:    detector,
		sampler:     o.sampler,
		loadTimeout: cfg.Adaptive.Timeout,
		recorder:    o.recorder,
		logger:      o.logger.With("component", "ratelimit"),
		logLimiter:  rate.NewLimiter(rate.Every(time.Second), 10),
		now:         o.now,
	}
	if l.loadTimeout <= 0 {
		l.loadTimeout = DefaultLoadTimeout
	}
	if cfg.Adaptive.Enabled {
		l.throttle = NewAdaptiveThrottle(cfg.Adaptive.Threshold)
	}

	for _, ip := range cfg.Trust.Allow {
		trustMgr.Allow(ip)
	}
	for _, ip := range cfg.Trust.Deny {
		trustMgr.DenyPermanently(ip, "configured")
	}

	return l, nil
}

// Check runs the admission pipeline for req: deny list, allow list, per-IP
// window, per-user window, DDoS detection, adaptive throttle. The first
// rejecting step wins; later steps do not run.
//
// A fault while reading the deny list rejects the request. Any other fault
// is logged and the request is admitted. req.IP is canonicalized first so
// every spelling of an address shares one set of windows and trust entries.
func (l *Limiter) Check(ctx context.Context, req models.Request) models.Decision {
	start := time.Now()
	now := l.now()
	req.IP = models.CanonicalIP(req.IP)

	var d models.Decision
	if l.deniedOrFault(req.IP) {
		d = models.Decision{Reason: models.ReasonIPBlacklisted}
	} else {
		d = l.evaluate(ctx, req, now)
	}

	if !d.Allowed {
		l.logRejection(req, d)
	}
	if l.recorder != nil {
		l.recorder.RecordDecision(ctx, d, time.Since(start))
	}
	return d
}

func (l *Limiter) deniedOrFault(ip string) (denied bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Deny list check failed, rejecting", "ip", ip, "panic", r)
			denied = true
		}
	}()
	return l.trust.IsDenied(ip)
}

func (l *Limiter) evaluate(ctx context.Context, req models.Request, now time.Time) (d models.Decision) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Admission pipeline failed, admitting", "ip", req.IP, "endpoint", req.Endpoint, "panic", r)
			d = models.Decision{Allowed: true, Reason: models.ReasonAllowed}
		}
	}()

	if l.trust.IsAllowed(req.IP) {
		return models.Decision{Allowed: true, Reason: models.ReasonWhitelisted}
	}

	policy := l.policies.Resolve(req.Endpoint)

	ipAdm := l.windows.Check(IPKey(req.IP, req.Endpoint), policy, now)
	if !ipAdm.Allowed {
		l.reputation.Record(req.IP, reputation.KindRateLimitExceeded, map[string]string{"endpoint": req.Endpoint})
		return models.Decision{
			Reason:     models.ReasonRateLimitExceeded,
			RetryAfter: ipAdm.RetryAfter,
			Limit:      policy.MaxRequests,
			ResetAt:    ipAdm.ResetAt,
		}
	}

	if req.UserID != "" {
		userAdm := l.windows.Check(UserKey(req.UserID, req.Endpoint), policy, now)
		if !userAdm.Allowed {
			l.reputation.Record(req.IP, reputation.KindUserRateLimitExceeded, map[string]string{
				"endpoint": req.Endpoint,
				"user_id":  req.UserID,
			})
			return models.Decision{
				Reason:     models.ReasonUserRateLimitExceeded,
				RetryAfter: userAdm.RetryAfter,
				Limit:      policy.MaxRequests,
				ResetAt:    userAdm.ResetAt,
			}
		}
	}

	if v := l.detector.Evaluate(req.IP, now); !v.Allowed {
		return models.Decision{
			Reason:     models.ReasonDDoSDetected,
			RetryAfter: DDoSRetryAfter,
			Limit:      policy.MaxRequests,
			Detail:     string(v.Reason),
			Severity:   string(v.Severity),
		}
	}

	effective := policy
	if l.throttle != nil {
		loadSample := l.currentLoad(ctx)
		effective = l.throttle.Adjust(policy, loadSample)
		// The tightened policy keeps the burst allowance, so the IP's
		// admission is re-judged against its full capacity.
		if effective.MaxRequests < policy.MaxRequests && ipAdm.Used > effective.Capacity() {
			retry := ipAdm.ResetAt.Sub(now)
			if retry <= 0 {
				retry = time.Millisecond
			}
			return models.Decision{
				Reason:     models.ReasonAdaptiveRateLimit,
				RetryAfter: retry,
				Limit:      effective.MaxRequests,
				ResetAt:    ipAdm.ResetAt,
				Detail:     fmt.Sprintf("load %.2f", loadSample),
			}
		}
	}

	return models.Decision{
		Allowed:   true,
		Reason:    models.ReasonAllowed,
		Limit:     policy.MaxRequests,
		Remaining: max(0, policy.MaxRequests-ipAdm.Used),
		ResetAt:   ipAdm.ResetAt,
	}
}

// currentLoad samples the load source; any failure counts as no load.
func (l *Limiter) currentLoad(ctx context.Context) float64 {
	v, err := load.Bounded(ctx, l.sampler, l.loadTimeout)
	if err != nil && l.logLimiter.Allow() {
		l.logger.Warn("Load sample unavailable, skipping adaptive throttle", "error", err)
	}
	return v
}

func (l *Limiter) logRejection(req models.Request, d models.Decision) {
	if !l.logLimiter.Allow() {
		return
	}
	l.logger.Warn("Request rejected",
		"ip", req.IP,
		"user_id", req.UserID,
		"endpoint", req.Endpoint,
		"reason", d.Reason,
		"detail", d.Detail,
		"retry_after", d.RetryAfter,
	)
}

// Acquire reserves an in-flight slot for ip; see ddos.Detector.Acquire.
func (l *Limiter) Acquire(ip string) (release func(), ok bool) {
	return l.detector.Acquire(models.CanonicalIP(ip))
}

// Restore loads persisted bans.
func (l *Limiter) Restore(ctx context.Context) (int, error) {
	return l.trust.Restore(ctx)
}

// AddToWhitelist lets ip bypass every limit. Idempotent.
func (l *Limiter) AddToWhitelist(ip string) { l.trust.Allow(ip) }

// RemoveFromWhitelist is a no-op for IPs not on the list.
func (l *Limiter) RemoveFromWhitelist(ip string) { l.trust.Unallow(ip) }

// AddToBlacklist permanently denies ip. Idempotent.
func (l *Limiter) AddToBlacklist(ip, reason string) { l.trust.DenyPermanently(ip, reason) }

// RemoveFromBlacklist is a no-op for IPs not on the list.
func (l *Limiter) RemoveFromBlacklist(ip string) { l.trust.Undeny(ip) }

// Block temporarily blocks ip; d == 0 blocks until Unblock.
func (l *Limiter) Block(ip, reason string, d time.Duration) { l.trust.BlockTemporary(ip, reason, d) }

// Unblock lifts a temporary block.
func (l *Limiter) Unblock(ip, reason string) { l.trust.Unblock(ip, reason) }

// ReportActivity records a suspicious event observed outside the pipeline,
// such as a failed login.
func (l *Limiter) ReportActivity(ip, kind string, detail map[string]string) reputation.Record {
	return l.reputation.Record(models.CanonicalIP(ip), kind, detail)
}

// Reputation returns ip's suspicion record.
func (l *Limiter) Reputation(ip string) (reputation.Record, bool) {
	return l.reputation.Get(models.CanonicalIP(ip))
}

// Whitelist returns the allow list.
func (l *Limiter) Whitelist() []string { return l.trust.Allowed() }

// Blacklist returns the permanent deny records.
func (l *Limiter) Blacklist() []models.Ban { return l.trust.Denied() }

// Blocks returns the live temporary blocks.
func (l *Limiter) Blocks() []models.Ban { return l.trust.Blocked() }

// Stats returns a snapshot of the tracked state.
func (l *Limiter) Stats() models.Stats {
	ips, users := l.windows.TrackedSubjects()
	allowed, denied, blocked := l.trust.Counts()
	return models.Stats{
		TotalIPs:         ips,
		TotalUsers:       users,
		BlockedIPs:       blocked,
		WhitelistedIPs:   allowed,
		BlacklistedIPs:   denied,
		SuspiciousIPs:    l.reputation.Len(),
		ActiveRateLimits: l.windows.Len(),
	}
}

// HealthCheck reports unhealthy, with the cause, when the ban store is
// unreachable or collecting stats fails.
func (l *Limiter) HealthCheck(ctx context.Context) (h models.HealthStatus) {
	h.Timestamp = l.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			h.Status = models.StatusUnhealthy
			h.Stats = nil
			h.Error = fmt.Sprintf("health check failed: %v", r)
		}
	}()

	stats := l.Stats()
	h.Stats = &stats

	if err := l.trust.Ping(ctx); err != nil {
		h.Status = models.StatusUnhealthy
		h.Error = fmt.Sprintf("ban store unreachable: %v", err)
		return h
	}

	h.Status = models.StatusHealthy
	return h
}

// Close stops pending block timers.
func (l *Limiter) Close() {
	l.trust.Close()
}
