package storage

import (
	"context"
	"fmt"
	"gatekeeper/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS bans (
	ip         TEXT PRIMARY KEY,
	id         TEXT NOT NULL,
	kind       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
)`

// PostgresStore implements BanStore using PostgreSQL via a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL ban store and applies the schema.
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenConns)
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// LoadBans returns all stored bans ordered by IP.
func (ps *PostgresStore) LoadBans(ctx context.Context) ([]*models.Ban, error) {
	rows, err := ps.pool.Query(ctx,
		`SELECT ip, id, kind, reason, created_at, expires_at FROM bans ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bans: %w", err)
	}

	bans, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Ban, error) {
		var (
			ban       models.Ban
			expiresAt pgtype.Timestamptz
		)
		if err := row.Scan(&ban.IP, &ban.ID, &ban.Kind, &ban.Reason, &ban.CreatedAt, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			exp := expiresAt.Time
			ban.ExpiresAt = &exp
		}
		return &ban, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read bans: %w", err)
	}

	return bans, nil
}

// SaveBan stores or updates a ban (upsert on ip).
func (ps *PostgresStore) SaveBan(ctx context.Context, ban *models.Ban) error {
	if err := validateBan(ban); err != nil {
		return err
	}

	expiresAt := pgtype.Timestamptz{}
	if ban.ExpiresAt != nil {
		expiresAt = pgtype.Timestamptz{Time: *ban.ExpiresAt, Valid: true}
	}

	_, err := ps.pool.Exec(ctx, `
		INSERT INTO bans (ip, id, kind, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ip) DO UPDATE SET
			id = EXCLUDED.id,
			kind = EXCLUDED.kind,
			reason = EXCLUDED.reason,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		ban.IP, ban.ID, ban.Kind, ban.Reason, ban.CreatedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to save ban %s: %w", ban.IP, err)
	}
	return nil
}

// DeleteBan removes the ban for ip.
func (ps *PostgresStore) DeleteBan(ctx context.Context, ip string) error {
	if _, err := ps.pool.Exec(ctx, `DELETE FROM bans WHERE ip = $1`, ip); err != nil {
		return fmt.Errorf("failed to delete ban %s: %w", ip, err)
	}
	return nil
}

// Ping checks the database connection.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}
