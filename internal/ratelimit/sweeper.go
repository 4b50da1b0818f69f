package ratelimit

import (
	"context"
	"gatekeeper/internal/models"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default sweep intervals.
const (
	DefaultCleanupInterval    = time.Minute
	DefaultDDoSInterval       = 30 * time.Second
	DefaultReputationInterval = 5 * time.Minute
)

// Sweeper runs the Limiter's periodic maintenance: window and block cleanup,
// the DDoS pattern sweep and reputation decay. Each job can also be invoked
// directly with an explicit time.
type Sweeper struct {
	limiter   *Limiter
	intervals models.SweepConfig
	logger    *slog.Logger
}

// NewSweeper creates a sweeper for l. Zero intervals select the defaults.
func NewSweeper(l *Limiter, intervals models.SweepConfig) *Sweeper {
	if intervals.CleanupInterval <= 0 {
		intervals.CleanupInterval = DefaultCleanupInterval
	}
	if intervals.DDoSInterval <= 0 {
		intervals.DDoSInterval = DefaultDDoSInterval
	}
	if intervals.ReputationInterval <= 0 {
		intervals.ReputationInterval = DefaultReputationInterval
	}
	return &Sweeper{
		limiter:   l,
		intervals: intervals,
		logger:    l.logger.With("task", "sweeper"),
	}
}

// Run starts the three jobs on their own tickers and blocks until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.every(ctx, "cleanup", s.intervals.CleanupInterval, s.Cleanup) })
	g.Go(func() error { return s.every(ctx, "ddos", s.intervals.DDoSInterval, s.DDoS) })
	g.Go(func() error { return s.every(ctx, "reputation", s.intervals.ReputationInterval, s.Reputation) })
	return g.Wait()
}

func (s *Sweeper) every(ctx context.Context, name string, interval time.Duration, job func(time.Time)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.safely(name, job)
		}
	}
}

func (s *Sweeper) safely(name string, job func(time.Time)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Sweep job failed", "job", name, "panic", r)
		}
	}()
	job(s.limiter.now())
}

// SweepOnce runs every job once at now.
func (s *Sweeper) SweepOnce(now time.Time) {
	s.Cleanup(now)
	s.DDoS(now)
	s.Reputation(now)
}

// Cleanup drops idle windows, expires temporary blocks and logs a stats
// snapshot.
func (s *Sweeper) Cleanup(now time.Time) {
	windows := s.limiter.windows.Sweep(now)
	blocks := s.limiter.trust.Sweep(now)
	stats := s.limiter.Stats()

	s.logger.Info("Rate limiter stats",
		"expired_windows", windows,
		"expired_blocks", blocks,
		"total_ips", stats.TotalIPs,
		"total_users", stats.TotalUsers,
		"blocked_ips", stats.BlockedIPs,
		"whitelisted_ips", stats.WhitelistedIPs,
		"blacklisted_ips", stats.BlacklistedIPs,
		"suspicious_ips", stats.SuspiciousIPs,
		"active_rate_limits", stats.ActiveRateLimits,
	)
}

// DDoS evaluates every tracked IP against the DDoS thresholds.
func (s *Sweeper) DDoS(now time.Time) {
	findings := s.limiter.detector.Sweep(now)
	if len(findings) > 0 {
		s.logger.Warn("DDoS sweep found attacking IPs", "count", len(findings))
	}
}

// Reputation decays reputation scores.
func (s *Sweeper) Reputation(now time.Time) {
	res := s.limiter.reputation.Sweep(now)
	if res.Removed+res.Escalated+res.Released > 0 {
		s.logger.Info("Reputation sweep",
			"removed", res.Removed,
			"escalated", res.Escalated,
			"released", res.Released,
		)
	}
}
