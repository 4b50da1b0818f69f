package storage

import (
	"context"
	"gatekeeper/internal/models"
	"sort"
	"sync"
)

// MemoryStore implements BanStore using an in-memory map.
// This provider is ideal for development and testing; bans are lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	bans map[string]*models.Ban
}

// NewMemoryStore creates a new memory-based ban store
func NewMemoryStore(config Config) (*MemoryStore, error) {
	return &MemoryStore{
		bans: make(map[string]*models.Ban),
	}, nil
}

// LoadBans returns copies of all stored bans ordered by IP
func (m *MemoryStore) LoadBans(ctx context.Context) ([]*models.Ban, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bans := make([]*models.Ban, 0, len(m.bans))
	for _, ban := range m.bans {
		banCopy := *ban
		bans = append(bans, &banCopy)
	}
	sort.Slice(bans, func(i, j int) bool { return bans[i].IP < bans[j].IP })

	return bans, nil
}

// SaveBan stores or replaces a ban
func (m *MemoryStore) SaveBan(ctx context.Context, ban *models.Ban) error {
	if err := validateBan(ban); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Store a copy to prevent external modification
	banCopy := *ban
	m.bans[ban.IP] = &banCopy
	return nil
}

// DeleteBan removes the ban for ip
func (m *MemoryStore) DeleteBan(ctx context.Context, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.bans, ip)
	return nil
}

// Ping always succeeds for memory storage
func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for memory storage
func (m *MemoryStore) Close() error {
	return nil
}
