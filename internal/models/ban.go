package models

import (
	"time"

	"github.com/google/uuid"
)

// Ban kinds
const (
	BanKindPermanent = "permanent"
	BanKindTemporary = "temporary"
)

// Ban is a persisted deny-list or temporary-block entry.
// ExpiresAt is nil for permanent bans and for indefinite temporary blocks.
type Ban struct {
	ID        string     `json:"id"`
	IP        string     `json:"ip"`
	Kind      string     `json:"kind"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewBan creates a ban record. A zero duration produces no expiry.
func NewBan(ip, kind, reason string, now time.Time, duration time.Duration) *Ban {
	b := &Ban{
		ID:        uuid.New().String(),
		IP:        ip,
		Kind:      kind,
		Reason:    reason,
		CreatedAt: now.UTC(),
	}
	if duration > 0 {
		exp := now.Add(duration).UTC()
		b.ExpiresAt = &exp
	}
	return b
}

// Expired reports whether the ban has a deadline that has passed.
func (b *Ban) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}
