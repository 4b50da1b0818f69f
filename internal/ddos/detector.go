// Package ddos flags volumetric abuse by aggregating an IP's request rate
// across every endpoint it has touched, and caps its in-flight requests.
package ddos

import (
	"fmt"
	"gatekeeper/internal/models"
	"gatekeeper/internal/reputation"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// DefaultBlockDuration is how long a critical breach blocks the source IP.
const DefaultBlockDuration = time.Hour

// Reason names the horizon that was breached.
type Reason string

const (
	ReasonOK      Reason = "OK"
	ReasonHighRPS Reason = "DDOS_HIGH_RPS"
	ReasonHighRPM Reason = "DDOS_HIGH_RPM"
	ReasonHighRPH Reason = "DDOS_HIGH_RPH"
)

// Severity grades a breach.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Verdict is the result of evaluating one IP.
type Verdict struct {
	Allowed   bool
	Reason    Reason
	Severity  Severity
	Observed  int
	Threshold int
}

// Finding is a breach found by Sweep.
type Finding struct {
	IP      string
	Verdict Verdict
}

// RateSource exposes per-IP request counts, normally the window counter.
type RateSource interface {
	CountsForIP(ip string, now time.Time, horizons ...time.Duration) []int
	TrackedIPs() []string
}

// Reporter receives ddos_detected activities.
type Reporter interface {
	Record(ip, kind string, detail map[string]string) reputation.Record
}

// Mitigator applies temporary blocks.
type Mitigator interface {
	BlockTemporary(ip, reason string, d time.Duration)
	IsDenied(ip string) bool
}

type horizon struct {
	window   time.Duration
	reason   Reason
	severity Severity
}

// Checked in priority order; the first breach wins.
var horizons = []horizon{
	{time.Second, ReasonHighRPS, SeverityCritical},
	{time.Minute, ReasonHighRPM, SeverityWarning},
	{time.Hour, ReasonHighRPH, SeverityWarning},
}

// Detector evaluates IPs against DDoS thresholds.
type Detector struct {
	thresholds    models.DDoSThresholds
	blockDuration time.Duration
	source        RateSource
	reporter      Reporter
	mitigator     Mitigator
	logger        *slog.Logger

	mu       sync.Mutex
	inflight map[string]int
}

// Option configures a Detector.
type Option func(*Detector)

// WithBlockDuration sets the block applied on a critical breach.
func WithBlockDuration(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.blockDuration = d
		}
	}
}

// WithLogger sets the logger used for breach events.
func WithLogger(logger *slog.Logger) Option {
	return func(det *Detector) {
		det.logger = logger
	}
}

// NewDetector creates a detector. reporter and mitigator may be nil.
func NewDetector(thresholds models.DDoSThresholds, source RateSource, reporter Reporter, mitigator Mitigator, opts ...Option) *Detector {
	det := &Detector{
		thresholds:    thresholds,
		blockDuration: DefaultBlockDuration,
		source:        source,
		reporter:      reporter,
		mitigator:     mitigator,
		logger:        slog.Default(),
		inflight:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(det)
	}
	det.logger = det.logger.With("component", "ddos")
	return det
}

func (det *Detector) threshold(r Reason) int {
	switch r {
	case ReasonHighRPS:
		return det.thresholds.PerSecond
	case ReasonHighRPM:
		return det.thresholds.PerMinute
	case ReasonHighRPH:
		return det.thresholds.PerHour
	}
	return 0
}

// Evaluate aggregates ip's requests over the last second, minute and hour
// and compares them to the thresholds in that order. A breach is reported as
// a ddos_detected activity; a critical breach also blocks the IP.
func (det *Detector) Evaluate(ip string, now time.Time) Verdict {
	windows := make([]time.Duration, len(horizons))
	for i, h := range horizons {
		windows[i] = h.window
	}
	counts := det.source.CountsForIP(ip, now, windows...)

	for i, h := range horizons {
		limit := det.threshold(h.reason)
		if limit <= 0 || counts[i] <= limit {
			continue
		}
		v := Verdict{
			Reason:    h.reason,
			Severity:  h.severity,
			Observed:  counts[i],
			Threshold: limit,
		}
		det.mitigate(ip, v)
		return v
	}

	return Verdict{Allowed: true, Reason: ReasonOK, Severity: SeverityNone}
}

func (det *Detector) mitigate(ip string, v Verdict) {
	det.logger.Warn("DDoS pattern detected",
		"ip", ip,
		"reason", v.Reason,
		"severity", v.Severity,
		"observed", v.Observed,
		"threshold", v.Threshold,
	)

	if det.reporter != nil {
		det.reporter.Record(ip, reputation.KindDDoSDetected, map[string]string{
			"reason":    string(v.Reason),
			"severity":  string(v.Severity),
			"observed":  strconv.Itoa(v.Observed),
			"threshold": strconv.Itoa(v.Threshold),
		})
	}

	if v.Severity == SeverityCritical && det.mitigator != nil {
		reason := fmt.Sprintf("%s: %d > %d", v.Reason, v.Observed, v.Threshold)
		det.mitigator.BlockTemporary(ip, reason, det.blockDuration)
	}
}

// Sweep evaluates every tracked IP that is not already denied and returns
// the breaches found. Mitigation is applied as in Evaluate.
func (det *Detector) Sweep(now time.Time) []Finding {
	var findings []Finding
	for _, ip := range det.source.TrackedIPs() {
		if det.mitigator != nil && det.mitigator.IsDenied(ip) {
			continue
		}
		if v := det.Evaluate(ip, now); !v.Allowed {
			findings = append(findings, Finding{IP: ip, Verdict: v})
		}
	}
	return findings
}

// Acquire reserves an in-flight slot for ip. When ok is false the IP is at
// MaxConcurrent and nothing was reserved. release may be called more than once.
func (det *Detector) Acquire(ip string) (release func(), ok bool) {
	limit := det.thresholds.MaxConcurrent
	if limit <= 0 {
		return func() {}, true
	}

	det.mu.Lock()
	if det.inflight[ip] >= limit {
		det.mu.Unlock()
		return func() {}, false
	}
	det.inflight[ip]++
	det.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			det.mu.Lock()
			defer det.mu.Unlock()
			if det.inflight[ip] <= 1 {
				delete(det.inflight, ip)
			} else {
				det.inflight[ip]--
			}
		})
	}, true
}

// InFlight returns the number of reserved slots for ip.
func (det *Detector) InFlight(ip string) int {
	det.mu.Lock()
	defer det.mu.Unlock()
	return det.inflight[ip]
}
