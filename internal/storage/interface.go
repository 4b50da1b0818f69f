package storage

import (
	"context"
	"gatekeeper/internal/models"
)

// BanStore persists deny-list and temporary-block entries so that bans
// survive a process restart. Implementations must be safe for concurrent use.
type BanStore interface {
	// LoadBans returns every stored ban, expired ones included
	LoadBans(ctx context.Context) ([]*models.Ban, error)

	// SaveBan stores or replaces the ban for ban.IP
	SaveBan(ctx context.Context, ban *models.Ban) error

	// DeleteBan removes the ban for ip. Deleting a missing ban is not an error.
	DeleteBan(ctx context.Context, ip string) error

	// Ping checks connectivity to the backend
	Ping(ctx context.Context) error

	// Close closes the storage connection and cleans up resources
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type
	Type string `json:"type" yaml:"type"`

	// Path is used for file-based storage backends
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// MaxOpenConns caps the connection pool of database backends
	MaxOpenConns int `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`

	// Redis settings for the redis backend
	Redis models.RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`
}
