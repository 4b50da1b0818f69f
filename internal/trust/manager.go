// Package trust maintains the allow list, the permanent deny list and the set
// of temporary blocks consulted before any rate limit is applied.
//
// A single RWMutex guards all three sets: writes are administrative and rare,
// reads happen on every request and must observe the latest write.
//
// Every entry point canonicalizes its IP argument, so "2001:DB8::1",
// "2001:db8:0:0:0:0:0:1" and "2001:db8::1" name the same entry.
package trust

import (
	"context"
	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultStoreTimeout bounds each persistence call.
const DefaultStoreTimeout = 2 * time.Second

type block struct {
	ban   *models.Ban
	timer *time.Timer
	gen   uint64
}

// Manager holds the trust lists. The zero value is not usable; use NewManager.
type Manager struct {
	mu      sync.RWMutex
	allow   map[string]struct{}
	deny    map[string]*models.Ban
	blocked map[string]*block
	gen     uint64

	// persistMu orders writes to the store so the last write per IP matches
	// the in-memory state.
	persistMu    sync.Mutex
	store        storage.BanStore
	storeTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists permanent denies and temporary blocks to store.
func WithStore(store storage.BanStore, timeout time.Duration) Option {
	return func(m *Manager) {
		m.store = store
		if timeout > 0 {
			m.storeTimeout = timeout
		}
	}
}

// WithLogger sets the logger used for block and expiry events.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		allow:        make(map[string]struct{}),
		deny:         make(map[string]*models.Ban),
		blocked:      make(map[string]*block),
		storeTimeout: DefaultStoreTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "trust")
	return m
}

// IsAllowed reports whether ip is on the allow list.
func (m *Manager) IsAllowed(ip string) bool {
	ip = models.CanonicalIP(ip)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.allow[ip]
	return ok
}

// IsDenied reports whether ip is permanently denied or under a live
// temporary block.
func (m *Manager) IsDenied(ip string) bool {
	ip = models.CanonicalIP(ip)
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.deny[ip]; ok {
		return true
	}
	if b, ok := m.blocked[ip]; ok && !b.ban.Expired(now) {
		return true
	}
	return false
}

// IsBlocked reports whether ip is under a live temporary block.
func (m *Manager) IsBlocked(ip string) bool {
	ip = models.CanonicalIP(ip)
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blocked[ip]
	return ok && !b.ban.Expired(now)
}

// Allow adds ip to the allow list. It is idempotent.
func (m *Manager) Allow(ip string) {
	ip = models.CanonicalIP(ip)
	m.mu.Lock()
	_, existed := m.allow[ip]
	m.allow[ip] = struct{}{}
	m.mu.Unlock()

	if !existed {
		m.logger.Info("IP added to allow list", "ip", ip)
	}
}

// Unallow removes ip from the allow list. Removing a missing IP is a no-op.
func (m *Manager) Unallow(ip string) {
	ip = models.CanonicalIP(ip)
	m.mu.Lock()
	_, existed := m.allow[ip]
	delete(m.allow, ip)
	m.mu.Unlock()

	if existed {
		m.logger.Info("IP removed from allow list", "ip", ip)
	}
}

// DenyPermanently adds ip to the deny list. Denying an already denied IP
// keeps the original record.
func (m *Manager) DenyPermanently(ip, reason string) {
	ip = models.CanonicalIP(ip)
	m.mu.Lock()
	if _, existed := m.deny[ip]; existed {
		m.mu.Unlock()
		return
	}
	m.deny[ip] = models.NewBan(ip, models.BanKindPermanent, reason, m.now(), 0)
	m.mu.Unlock()

	m.logger.Warn("IP denied", "ip", ip, "reason", reason)
	m.persist(ip)
}

// Undeny removes ip from the deny list. Removing a missing IP is a no-op.
func (m *Manager) Undeny(ip string) {
	ip = models.CanonicalIP(ip)
	m.mu.Lock()
	_, existed := m.deny[ip]
	delete(m.deny, ip)
	m.mu.Unlock()

	if existed {
		m.logger.Info("IP removed from deny list", "ip", ip)
		m.persist(ip)
	}
}

// BlockTemporary blocks ip for d. A zero d blocks until Unblock is called.
// Blocking an already blocked IP replaces the previous block and its expiry.
func (m *Manager) BlockTemporary(ip, reason string, d time.Duration) {
	ip = models.CanonicalIP(ip)
	if d < 0 {
		d = 0
	}
	ban := models.NewBan(ip, models.BanKindTemporary, reason, m.now(), d)

	m.mu.Lock()
	m.install(ban, d)
	m.mu.Unlock()

	if d > 0 {
		m.logger.Warn("IP temporarily blocked", "ip", ip, "reason", reason, "duration", d)
	} else {
		m.logger.Warn("IP blocked until released", "ip", ip, "reason", reason)
	}
	m.persist(ip)
}

// install replaces any block on ban.IP and arms an expiry timer when d > 0.
// Callers hold m.mu.
func (m *Manager) install(ban *models.Ban, d time.Duration) {
	if prev, ok := m.blocked[ban.IP]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	m.gen++
	b := &block{ban: ban, gen: m.gen}
	if d > 0 {
		ip, gen := ban.IP, b.gen
		b.timer = time.AfterFunc(d, func() { m.expire(ip, gen) })
	}
	m.blocked[ban.IP] = b
}

// Unblock lifts a temporary block. Unblocking an IP that is not blocked is a no-op.
func (m *Manager) Unblock(ip, reason string) {
	ip = models.CanonicalIP(ip)
	m.mu.Lock()
	b, existed := m.blocked[ip]
	if existed {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(m.blocked, ip)
	}
	m.mu.Unlock()

	if existed {
		m.logger.Info("IP unblocked", "ip", ip, "reason", reason)
		m.persist(ip)
	}
}

func (m *Manager) expire(ip string, gen uint64) {
	m.mu.Lock()
	b, ok := m.blocked[ip]
	if !ok || b.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.blocked, ip)
	m.mu.Unlock()

	m.logger.Info("Temporary block expired", "ip", ip, "reason", b.ban.Reason)
	m.persist(ip)
}

// Sweep removes temporary blocks whose expiry has passed and returns how many
// were removed. Timers normally handle expiry; Sweep catches blocks restored
// with a deadline already in the past and any timer that has not fired yet.
func (m *Manager) Sweep(now time.Time) int {
	type candidate struct {
		ip  string
		gen uint64
	}

	m.mu.RLock()
	var expired []candidate
	for ip, b := range m.blocked {
		if b.ban.Expired(now) {
			expired = append(expired, candidate{ip: ip, gen: b.gen})
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, c := range expired {
		m.mu.Lock()
		b, ok := m.blocked[c.ip]
		hit := ok && b.gen == c.gen
		if hit {
			if b.timer != nil {
				b.timer.Stop()
			}
			delete(m.blocked, c.ip)
		}
		m.mu.Unlock()

		if hit {
			removed++
			m.logger.Info("Temporary block expired", "ip", c.ip, "reason", b.ban.Reason)
			m.persist(c.ip)
		}
	}
	return removed
}

// Restore loads persisted bans into the manager. Bans that expired while the
// process was down are deleted from the store instead.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}

	bans, err := m.store.LoadBans(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now()
	restored := 0
	for _, ban := range bans {
		if ban.Expired(now) {
			if err := m.store.DeleteBan(ctx, ban.IP); err != nil {
				m.logger.Error("Failed to delete expired ban", "ip", ban.IP, "error", err)
			}
			continue
		}
		ban.IP = models.CanonicalIP(ban.IP)

		m.mu.Lock()
		switch ban.Kind {
		case models.BanKindPermanent:
			m.deny[ban.IP] = ban
		case models.BanKindTemporary:
			var d time.Duration
			if ban.ExpiresAt != nil {
				d = ban.ExpiresAt.Sub(now)
			}
			m.install(ban, d)
		}
		m.mu.Unlock()
		restored++
	}

	m.logger.Info("Restored bans from store", "count", restored)
	return restored, nil
}

// persist writes the effective ban for ip to the store, or deletes it when
// ip is neither denied nor blocked. A permanent deny takes precedence over a
// temporary block since the store holds one record per IP.
func (m *Manager) persist(ip string) {
	if m.store == nil {
		return
	}

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	var ban *models.Ban
	if d, ok := m.deny[ip]; ok {
		banCopy := *d
		ban = &banCopy
	} else if b, ok := m.blocked[ip]; ok {
		banCopy := *b.ban
		ban = &banCopy
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()

	var err error
	if ban != nil {
		err = m.store.SaveBan(ctx, ban)
	} else {
		err = m.store.DeleteBan(ctx, ip)
	}
	if err != nil {
		m.logger.Error("Failed to persist ban", "ip", ip, "error", err)
	}
}

// Allowed returns the allow list, sorted.
func (m *Manager) Allowed() []string {
	m.mu.RLock()
	ips := make([]string, 0, len(m.allow))
	for ip := range m.allow {
		ips = append(ips, ip)
	}
	m.mu.RUnlock()
	sort.Strings(ips)
	return ips
}

// Denied returns copies of the permanent deny records, sorted by IP.
func (m *Manager) Denied() []models.Ban {
	m.mu.RLock()
	bans := make([]models.Ban, 0, len(m.deny))
	for _, ban := range m.deny {
		bans = append(bans, *ban)
	}
	m.mu.RUnlock()
	sort.Slice(bans, func(i, j int) bool { return bans[i].IP < bans[j].IP })
	return bans
}

// Blocked returns copies of the live temporary blocks, sorted by IP.
func (m *Manager) Blocked() []models.Ban {
	now := m.now()
	m.mu.RLock()
	bans := make([]models.Ban, 0, len(m.blocked))
	for _, b := range m.blocked {
		if !b.ban.Expired(now) {
			bans = append(bans, *b.ban)
		}
	}
	m.mu.RUnlock()
	sort.Slice(bans, func(i, j int) bool { return bans[i].IP < bans[j].IP })
	return bans
}

// Counts returns the sizes of the allow list, deny list and block set.
func (m *Manager) Counts() (allowed, denied, blocked int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allow), len(m.deny), len(m.blocked)
}

// Close stops all pending expiry timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.blocked {
		if b.timer != nil {
			b.timer.Stop()
		}
	}
}

// Ping checks the ban store, if one is configured.
func (m *Manager) Ping(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Ping(ctx)
}
