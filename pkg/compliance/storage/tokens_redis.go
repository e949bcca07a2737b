package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"mercator-hq/custodian/pkg/compliance"
)

const (
	// deletionKeyPrefix namespaces pending deletion requests.
	deletionKeyPrefix = "custodian:deletion:"

	fieldTokenHash = "token_hash"
	fieldIssuedAt  = "issued_at"
	fieldExpiresAt = "expires_at"
)

// consumeScript deletes the request only while it still carries the hash the
// caller verified, so a superseding request is never consumed by mistake.
var consumeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisConfig configures the Redis deletion token store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisTokenStore implements compliance.TokenStore on Redis hashes with
// key expiry at the request's expiry time.
type RedisTokenStore struct {
	client *redis.Client
	owned  bool
	logger *slog.Logger
}

var _ compliance.TokenStore = (*RedisTokenStore)(nil)

// NewRedisTokenStore wraps an existing client. The caller owns the client.
func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{
		client: client,
		logger: slog.Default().With("component", "compliance.storage.redis"),
	}
}

// DialRedisTokenStore connects to cfg.URL and verifies the connection.
func DialRedisTokenStore(ctx context.Context, cfg RedisConfig) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, compliance.NewStorageError(BackendRedis, "parse_url", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, compliance.NewStorageError(BackendRedis, "ping", err)
	}

	s := NewRedisTokenStore(client)
	s.owned = true
	return s, nil
}

// Health pings Redis.
func (s *RedisTokenStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// PutDeletionRequest stores r, replacing any live request of the subject.
func (s *RedisTokenStore) PutDeletionRequest(ctx context.Context, r *compliance.DeletionRequest) error {
	key := deletionKeyPrefix + r.SubjectID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldTokenHash, r.TokenHash,
			fieldIssuedAt, r.IssuedAt.UTC().Format(time.RFC3339Nano),
			fieldExpiresAt, r.ExpiresAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.PExpireAt(ctx, key, r.ExpiresAt)
		return nil
	})
	if err != nil {
		return compliance.NewStorageError(BackendRedis, "put_deletion_request", err)
	}
	return nil
}

// GetDeletionRequest returns the subject's request or compliance.ErrNotFound.
func (s *RedisTokenStore) GetDeletionRequest(ctx context.Context, subjectID string) (*compliance.DeletionRequest, error) {
	fields, err := s.client.HGetAll(ctx, deletionKeyPrefix+subjectID).Result()
	if err != nil {
		return nil, compliance.NewStorageError(BackendRedis, "get_deletion_request", err)
	}
	if len(fields) == 0 {
		return nil, compliance.ErrNotFound
	}
	r, err := decodeRequest(subjectID, fields)
	if err != nil {
		return nil, compliance.NewStorageError(BackendRedis, "get_deletion_request", err)
	}
	return r, nil
}

// ConsumeDeletionRequest deletes the request only if its hash still matches.
func (s *RedisTokenStore) ConsumeDeletionRequest(ctx context.Context, subjectID, tokenHash string) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{deletionKeyPrefix + subjectID}, fieldTokenHash, tokenHash).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, compliance.NewStorageError(BackendRedis, "consume_deletion_request", err)
	}
	return n == 1, nil
}

// DeleteExpiredRequests removes requests expired at now. Redis expires keys
// on its own; this sweep covers keys whose expiry has not fired yet and
// reports the count for the run summary.
func (s *RedisTokenStore) DeleteExpiredRequests(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	iter := s.client.Scan(ctx, 0, deletionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.HGet(ctx, key, fieldExpiresAt).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return deleted, compliance.NewStorageError(BackendRedis, "delete_expired_requests", err)
		}
		expiresAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil || now.Before(expiresAt) {
			continue
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return deleted, compliance.NewStorageError(BackendRedis, "delete_expired_requests", err)
		}
		deleted += n
	}
	if err := iter.Err(); err != nil {
		return deleted, compliance.NewStorageError(BackendRedis, "delete_expired_requests", err)
	}
	if deleted > 0 {
		s.logger.Debug("dropped expired deletion requests", "count", deleted)
	}
	return deleted, nil
}

// Close closes the client when the store dialed it.
func (s *RedisTokenStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func decodeRequest(subjectID string, fields map[string]string) (*compliance.DeletionRequest, error) {
	issuedAt, err := time.Parse(time.RFC3339Nano, fields[fieldIssuedAt])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldIssuedAt, err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields[fieldExpiresAt])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldExpiresAt, err)
	}
	return &compliance.DeletionRequest{
		SubjectID: subjectID,
		TokenHash: fields[fieldTokenHash],
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}
