// Package reputation scores source IPs by their recent suspicious activity
// and escalates high scorers to an indefinite block.
package reputation

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Activity kinds with a dedicated weight.
const (
	KindRateLimitExceeded     = "rate_limit_exceeded"
	KindUserRateLimitExceeded = "user_rate_limit_exceeded"
	KindFailedLogin           = "failed_login"
	KindDDoSDetected          = "ddos_detected"
)

const (
	DefaultBlockThreshold = 80.0
	DefaultWindow         = time.Hour
	MaxScore              = 100.0

	// otherWeight applies to kinds without a dedicated weight.
	otherWeight = 5.0
	// diversityBonus is added once more than diversityKinds distinct kinds
	// appear in the window.
	diversityBonus = 25.0
	diversityKinds = 5
	// maxActivities bounds the per-IP history.
	maxActivities = 1000
)

var weights = map[string]float64{
	KindRateLimitExceeded:     15,
	KindUserRateLimitExceeded: 15,
	KindFailedLogin:           20,
	KindDDoSDetected:          30,
}

// Blocker is the escalation target, normally the trust list manager.
type Blocker interface {
	BlockTemporary(ip, reason string, d time.Duration)
}

// Activity is a single suspicious event.
type Activity struct {
	Kind   string            `json:"kind"`
	Detail map[string]string `json:"detail,omitempty"`
	At     time.Time         `json:"at"`
}

// Record is a snapshot of one IP's suspicion state.
type Record struct {
	IP         string     `json:"ip"`
	Activities []Activity `json:"activities"`
	FirstSeen  time.Time  `json:"first_seen"`
	LastSeen   time.Time  `json:"last_seen"`
	Score      float64    `json:"score"`
	Blocked    bool       `json:"blocked"`
}

type entry struct {
	mu   sync.Mutex
	rec  Record
	dead bool
}

// Tracker accumulates activities per IP. Each record has its own lock.
type Tracker struct {
	threshold float64
	window    time.Duration
	blocker   Blocker
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	records map[string]*entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold sets the score at which an IP is blocked.
func WithThreshold(threshold float64) Option {
	return func(t *Tracker) {
		if threshold > 0 {
			t.threshold = threshold
		}
	}
}

// WithWindow sets how far back activities count toward the score.
func WithWindow(window time.Duration) Option {
	return func(t *Tracker) {
		if window > 0 {
			t.window = window
		}
	}
}

// WithLogger sets the logger used for escalations.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker that escalates to blocker. blocker may be nil,
// in which case records are still marked blocked but nothing is enforced.
func NewTracker(blocker Blocker, opts ...Option) *Tracker {
	t := &Tracker{
		threshold: DefaultBlockThreshold,
		window:    DefaultWindow,
		blocker:   blocker,
		logger:    slog.Default(),
		now:       time.Now,
		records:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "reputation")
	return t
}

func (t *Tracker) getOrCreate(ip string) *entry {
	t.mu.RLock()
	e, ok := t.records[ip]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.records[ip]; ok {
		return e
	}
	e = &entry{rec: Record{IP: ip}}
	t.records[ip] = e
	return e
}

// Record adds an activity for ip, recomputes its score and escalates to the
// blocker the first time the score reaches the threshold.
func (t *Tracker) Record(ip, kind string, detail map[string]string) Record {
	now := t.now()
	for {
		e := t.getOrCreate(ip)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}

		if e.rec.FirstSeen.IsZero() {
			e.rec.FirstSeen = now
		}
		e.rec.LastSeen = now
		e.rec.Activities = append(e.rec.Activities, Activity{Kind: kind, Detail: maps.Clone(detail), At: now})
		if n := len(e.rec.Activities); n > maxActivities {
			e.rec.Activities = append(e.rec.Activities[:0], e.rec.Activities[n-maxActivities:]...)
		}
		e.prune(now, t.window)
		e.rec.Score = score(e.rec.Activities)
		escalate := t.markBlocked(e)
		snapshot := e.snapshot()
		e.mu.Unlock()

		if escalate {
			t.escalate(ip, snapshot.Score, kind)
		}
		return snapshot
	}
}

// markBlocked flips Blocked when the score crossed the threshold and reports
// whether this call did it. Callers hold e.mu.
func (t *Tracker) markBlocked(e *entry) bool {
	if e.rec.Score >= t.threshold && !e.rec.Blocked {
		e.rec.Blocked = true
		return true
	}
	return false
}

func (t *Tracker) escalate(ip string, s float64, trigger string) {
	reason := fmt.Sprintf("reputation score %.0f", s)
	t.logger.Warn("Reputation threshold reached, blocking IP",
		"ip", ip,
		"score", s,
		"threshold", t.threshold,
		"trigger", trigger,
	)
	if t.blocker != nil {
		t.blocker.BlockTemporary(ip, reason, 0)
	}
}

// prune drops activities older than the window. Callers hold e.mu.
func (e *entry) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(e.rec.Activities) && e.rec.Activities[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		e.rec.Activities = append(e.rec.Activities[:0], e.rec.Activities[i:]...)
	}
}

func (e *entry) snapshot() Record {
	rec := e.rec
	rec.Activities = make([]Activity, len(e.rec.Activities))
	copy(rec.Activities, e.rec.Activities)
	return rec
}

// score is the weighted sum of activities, capped at MaxScore.
func score(activities []Activity) float64 {
	var total float64
	kinds := make(map[string]struct{})
	for _, a := range activities {
		kinds[a.Kind] = struct{}{}
		if w, ok := weights[a.Kind]; ok {
			total += w
		} else {
			total += otherWeight
		}
	}
	if len(kinds) > diversityKinds {
		total += diversityBonus
	}
	return min(total, MaxScore)
}

// Score returns the current score for ip, 0 when untracked.
func (t *Tracker) Score(ip string) float64 {
	rec, ok := t.Get(ip)
	if !ok {
		return 0
	}
	return rec.Score
}

// Get returns a copy of ip's record.
func (t *Tracker) Get(ip string) (Record, bool) {
	t.mu.RLock()
	e, ok := t.records[ip]
	t.mu.RUnlock()
	if !ok {
		return Record{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return Record{}, false
	}
	return e.snapshot(), true
}

// Len returns the number of tracked IPs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// SweepResult summarizes one Sweep pass.
type SweepResult struct {
	Removed   int
	Escalated int
	Released  int
}

// Sweep decays every record: activities older than the window are dropped,
// scores are recomputed, empty records idle past the window are removed,
// records over the threshold are escalated and records back under it lose
// their blocked flag so a relapse escalates again.
func (t *Tracker) Sweep(now time.Time) SweepResult {
	t.mu.RLock()
	ips := make([]string, 0, len(t.records))
	for ip := range t.records {
		ips = append(ips, ip)
	}
	t.mu.RUnlock()

	var res SweepResult
	for _, ip := range ips {
		removed, escalated, released, s := t.sweepOne(ip, now)
		switch {
		case removed:
			res.Removed++
		case escalated:
			res.Escalated++
			t.escalate(ip, s, "sweep")
		case released:
			res.Released++
		}
	}
	return res
}

func (t *Tracker) sweepOne(ip string, now time.Time) (removed, escalated, released bool, s float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.records[ip]
	if !ok {
		return false, false, false, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prune(now, t.window)
	e.rec.Score = score(e.rec.Activities)

	if len(e.rec.Activities) == 0 && now.Sub(e.rec.LastSeen) > t.window {
		e.dead = true
		delete(t.records, ip)
		return true, false, false, 0
	}
	if t.markBlocked(e) {
		return false, true, false, e.rec.Score
	}
	if e.rec.Blocked && e.rec.Score < t.threshold {
		e.rec.Blocked = false
		return false, false, true, e.rec.Score
	}
	return false, false, false, e.rec.Score
}
