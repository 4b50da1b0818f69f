package ratelimit

import (
	"gatekeeper/internal/models"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultMaxAge is how long an idle window state survives before Sweep drops it.
const DefaultMaxAge = time.Hour

// ActivityRetention is how far back the per-IP activity log reaches. It
// covers the longest DDoS horizon.
const ActivityRetention = time.Hour

// SubjectKind distinguishes IP windows from user windows.
type SubjectKind string

const (
	SubjectIP   SubjectKind = "ip"
	SubjectUser SubjectKind = "user"
)

// Key identifies one sliding window.
type Key struct {
	Kind     SubjectKind
	Subject  string
	Endpoint string
}

// IPKey is shorthand for the per-(ip, endpoint) window key.
func IPKey(ip, endpoint string) Key {
	return Key{Kind: SubjectIP, Subject: ip, Endpoint: endpoint}
}

// UserKey is shorthand for the per-(user, endpoint) window key.
func UserKey(userID, endpoint string) Key {
	return Key{Kind: SubjectUser, Subject: userID, Endpoint: endpoint}
}

// Admission is the outcome of a single WindowCounter.Check.
type Admission struct {
	Allowed    bool
	Used       int           // requests in the window, this one included when admitted
	RetryAfter time.Duration // set only on rejection
	BurstUsed  bool
	ResetAt    time.Time // when the oldest counted request leaves the window
}

// windowState holds the admission instants of one key. dead is set by Sweep
// after the state was unlinked from the table so late writers retry.
type windowState struct {
	mu         sync.Mutex
	timestamps []time.Time
	window     time.Duration
	lastSeen   time.Time
	dead       bool
}

// prune drops timestamps at or before now-window. Callers hold st.mu.
func (st *windowState) prune(now time.Time, window time.Duration) {
	st.timestamps = dropThrough(st.timestamps, now.Add(-window))
}

// activityLog is every admission of one IP over the retention period,
// whatever endpoint it hit. It feeds the DDoS horizons.
type activityLog struct {
	mu         sync.Mutex
	timestamps []time.Time
	dead       bool
}

// add records an admission at now, keeping the log ascending, and prunes
// entries older than retention. Callers hold lg.mu.
func (lg *activityLog) add(now time.Time, retention time.Duration) {
	n := len(lg.timestamps)
	if n == 0 || !lg.timestamps[n-1].After(now) {
		lg.timestamps = append(lg.timestamps, now)
	} else {
		i := sort.Search(n, func(j int) bool { return lg.timestamps[j].After(now) })
		lg.timestamps = slices.Insert(lg.timestamps, i, now)
	}
	lg.timestamps = dropThrough(lg.timestamps, lg.timestamps[len(lg.timestamps)-1].Add(-retention))
}

// dropThrough removes the prefix of an ascending slice at or before cutoff.
func dropThrough(ts []time.Time, cutoff time.Time) []time.Time {
	i := len(ts) - countSince(ts, cutoff)
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// WindowCounter is a keyed table of sliding-window request logs.
//
// Each key has its own mutex so checks for unrelated subjects never contend;
// the table lock is only held to find or create a state. Alongside the
// per-key windows, every IP admission also lands in that IP's activity log,
// which is pruned to ActivityRetention on its own schedule. CountsForIP reads
// only that log, so DDoS horizons see the IP's traffic regardless of how it
// is spread over endpoints or which endpoint windows were touched last.
type WindowCounter struct {
	maxAge time.Duration

	mu       sync.RWMutex
	states   map[Key]*windowState
	byIP     map[string]map[Key]struct{}
	activity map[string]*activityLog
}

// NewWindowCounter creates an empty counter. maxAge <= 0 selects DefaultMaxAge.
func NewWindowCounter(maxAge time.Duration) *WindowCounter {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &WindowCounter{
		maxAge: maxAge,
		states:   make(map[Key]*windowState),
		byIP:     make(map[string]map[Key]struct{}),
		activity: make(map[string]*activityLog),
	}
}

func (c *WindowCounter) lookup(key Key) *windowState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.states[key]
}

func (c *WindowCounter) getOrCreate(key Key) *windowState {
	if st := c.lookup(key); st != nil {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[key]; ok {
		return st
	}
	st := &windowState{}
	c.states[key] = st
	if key.Kind == SubjectIP {
		keys, ok := c.byIP[key.Subject]
		if !ok {
			keys = make(map[Key]struct{})
			c.byIP[key.Subject] = keys
		}
		keys[key] = struct{}{}
	}
	return st
}

// Check applies policy to key at now. Only admitted requests are recorded.
func (c *WindowCounter) Check(key Key, policy models.RateLimitPolicy, now time.Time) Admission {
	for {
		st := c.getOrCreate(key)
		st.mu.Lock()
		if st.dead {
			st.mu.Unlock()
			continue
		}
		adm := st.check(policy, now)
		st.mu.Unlock()
		if adm.Allowed && key.Kind == SubjectIP {
			c.recordActivity(key.Subject, now)
		}
		return adm
	}
}

func (c *WindowCounter) activityFor(ip string) *activityLog {
	c.mu.RLock()
	lg := c.activity[ip]
	c.mu.RUnlock()
	if lg != nil {
		return lg
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if lg, ok := c.activity[ip]; ok {
		return lg
	}
	lg = &activityLog{}
	c.activity[ip] = lg
	return lg
}

func (c *WindowCounter) recordActivity(ip string, now time.Time) {
	for {
		lg := c.activityFor(ip)
		lg.mu.Lock()
		if lg.dead {
			lg.mu.Unlock()
			continue
		}
		lg.add(now, ActivityRetention)
		lg.mu.Unlock()
		return
	}
}

func (st *windowState) check(policy models.RateLimitPolicy, now time.Time) Admission {
	st.prune(now, policy.Window)
	st.window = policy.Window
	st.lastSeen = now

	n := len(st.timestamps)
	switch {
	case n < policy.MaxRequests:
		st.timestamps = append(st.timestamps, now)
		return Admission{Allowed: true, Used: n + 1, ResetAt: st.timestamps[0].Add(policy.Window)}
	case policy.BurstAllowance > 0 && n < policy.Capacity():
		st.timestamps = append(st.timestamps, now)
		return Admission{Allowed: true, Used: n + 1, BurstUsed: true, ResetAt: st.timestamps[0].Add(policy.Window)}
	}

	resetAt := now.Add(policy.Window)
	if n > 0 {
		resetAt = st.timestamps[0].Add(policy.Window)
	}
	retry := resetAt.Sub(now)
	if retry <= 0 {
		retry = time.Millisecond
	}
	return Admission{Used: n, RetryAfter: retry, ResetAt: resetAt}
}

// Count returns the number of requests currently in key's window.
func (c *WindowCounter) Count(key Key, now time.Time) int {
	st := c.lookup(key)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dead {
		return 0
	}
	st.prune(now, st.window)
	return len(st.timestamps)
}

// CountsForIP returns, for each horizon ending at now, how many of ip's
// admissions on any endpoint fall inside it. The result is parallel to
// horizons; a horizon longer than ActivityRetention is capped to it.
func (c *WindowCounter) CountsForIP(ip string, now time.Time, horizons ...time.Duration) []int {
	counts := make([]int, len(horizons))

	c.mu.RLock()
	lg := c.activity[ip]
	c.mu.RUnlock()
	if lg == nil {
		return counts
	}

	lg.mu.Lock()
	defer lg.mu.Unlock()
	if lg.dead {
		return counts
	}
	for i, h := range horizons {
		counts[i] = countSince(lg.timestamps, now.Add(-min(h, ActivityRetention)))
	}
	return counts
}

// countSince counts timestamps strictly after cutoff in an ascending slice.
func countSince(ts []time.Time, cutoff time.Time) int {
	lo, hi := 0, len(ts)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if ts[mid].After(cutoff) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return len(ts) - lo
}

// TrackedIPs returns the IPs with admissions inside the activity retention.
func (c *WindowCounter) TrackedIPs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ips := make([]string, 0, len(c.activity))
	for ip := range c.activity {
		ips = append(ips, ip)
	}
	return ips
}

// TrackedSubjects returns the number of distinct IPs and users with windows.
func (c *WindowCounter) TrackedSubjects() (ips, users int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	for key := range c.states {
		if key.Kind == SubjectUser {
			seen[key.Subject] = struct{}{}
		}
	}
	return len(c.byIP), len(seen)
}

// Len returns the number of live window states.
func (c *WindowCounter) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states)
}

// Sweep drops states idle for longer than the counter's max age and returns
// how many were removed. Activity logs are pruned to ActivityRetention and
// dropped once empty. The table lock is taken per entry, never for the
// whole pass.
func (c *WindowCounter) Sweep(now time.Time) int {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.states))
	for key := range c.states {
		keys = append(keys, key)
	}
	ips := make([]string, 0, len(c.activity))
	for ip := range c.activity {
		ips = append(ips, ip)
	}
	c.mu.RUnlock()

	removed := 0
	for _, key := range keys {
		if c.sweepKey(key, now) {
			removed++
		}
	}
	for _, ip := range ips {
		c.sweepActivity(ip, now)
	}
	return removed
}

func (c *WindowCounter) sweepActivity(ip string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lg, ok := c.activity[ip]
	if !ok {
		return
	}
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.timestamps = dropThrough(lg.timestamps, now.Add(-ActivityRetention))
	if len(lg.timestamps) == 0 {
		lg.dead = true
		delete(c.activity, ip)
	}
}

func (c *WindowCounter) sweepKey(key Key, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[key]
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if now.Sub(st.lastSeen) <= c.maxAge {
		return false
	}

	st.dead = true
	st.timestamps = nil
	delete(c.states, key)
	if key.Kind == SubjectIP {
		if keys := c.byIP[key.Subject]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byIP, key.Subject)
			}
		}
	}
	return true
}
