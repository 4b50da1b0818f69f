package storage

import (
	"context"
	"database/sql"
	"fmt"
	"gatekeeper/internal/models"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bans (
	ip         TEXT PRIMARY KEY,
	id         TEXT NOT NULL,
	kind       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	expires_at TEXT
)`

// SQLiteStore implements BanStore on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the SQLite database and
// applies the schema.
func NewSQLiteStore(config Config) (*SQLiteStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// LoadBans returns all stored bans ordered by IP
func (s *SQLiteStore) LoadBans(ctx context.Context) ([]*models.Ban, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip, id, kind, reason, created_at, expires_at FROM bans ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bans: %w", err)
	}
	defer rows.Close()

	bans := []*models.Ban{}
	for rows.Next() {
		var (
			ban       models.Ban
			createdAt string
			expiresAt sql.NullString
		)
		if err := rows.Scan(&ban.IP, &ban.ID, &ban.Kind, &ban.Reason, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		if ban.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("invalid created_at for %s: %w", ban.IP, err)
		}
		if expiresAt.Valid {
			exp, err := time.Parse(time.RFC3339Nano, expiresAt.String)
			if err != nil {
				return nil, fmt.Errorf("invalid expires_at for %s: %w", ban.IP, err)
			}
			ban.ExpiresAt = &exp
		}
		bans = append(bans, &ban)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bans: %w", err)
	}
	return bans, nil
}

// SaveBan inserts or replaces the ban for ban.IP
func (s *SQLiteStore) SaveBan(ctx context.Context, ban *models.Ban) error {
	if err := validateBan(ban); err != nil {
		return err
	}

	var expiresAt sql.NullString
	if ban.ExpiresAt != nil {
		expiresAt = sql.NullString{String: ban.ExpiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (ip, id, kind, reason, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			id = excluded.id,
			kind = excluded.kind,
			reason = excluded.reason,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		ban.IP, ban.ID, ban.Kind, ban.Reason, ban.CreatedAt.UTC().Format(time.RFC3339Nano), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to save ban %s: %w", ban.IP, err)
	}
	return nil
}

// DeleteBan removes the ban for ip
func (s *SQLiteStore) DeleteBan(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("failed to delete ban %s: %w", ip, err)
	}
	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the storage connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
