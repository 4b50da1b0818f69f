package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"gatekeeper/internal/models"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "gatekeeper:ban:"

// RedisStore implements BanStore on Redis. Each ban is a JSON value under
// <prefix><ip>; temporary bans carry a TTL matching their expiry so Redis
// drops them on its own.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(config Config) (*RedisStore, error) {
	if config.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedisStore(client, config.Redis.KeyPrefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(ip string) string {
	return r.prefix + ip
}

// LoadBans scans every key under the prefix and decodes the bans found.
func (r *RedisStore) LoadBans(ctx context.Context) ([]*models.Ban, error) {
	bans := []*models.Ban{}

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SCAN and GET
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", iter.Val(), err)
		}

		var ban models.Ban
		if err := json.Unmarshal(raw, &ban); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", iter.Val(), err)
		}
		bans = append(bans, &ban)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan bans: %w", err)
	}

	sort.Slice(bans, func(i, j int) bool { return bans[i].IP < bans[j].IP })
	return bans, nil
}

// SaveBan writes the ban, with a TTL when it expires.
func (r *RedisStore) SaveBan(ctx context.Context, ban *models.Ban) error {
	if err := validateBan(ban); err != nil {
		return err
	}

	var ttl time.Duration
	if ban.ExpiresAt != nil {
		ttl = time.Until(*ban.ExpiresAt)
		if ttl <= 0 {
			return r.DeleteBan(ctx, ban.IP)
		}
	}

	raw, err := json.Marshal(ban)
	if err != nil {
		return fmt.Errorf("failed to encode ban %s: %w", ban.IP, err)
	}

	if err := r.client.Set(ctx, r.key(ban.IP), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save ban %s: %w", ban.IP, err)
	}
	return nil
}

// DeleteBan removes the key for ip.
func (r *RedisStore) DeleteBan(ctx context.Context, ip string) error {
	if err := r.client.Del(ctx, r.key(ip)).Err(); err != nil {
		return fmt.Errorf("failed to delete ban %s: %w", ip, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
