package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"mercator-hq/custodian/pkg/compliance"
)

func newMiniredisStore(t *testing.T) (*RedisTokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(base)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisTokenStore(client), mr
}

func TestRedisTokenStore(t *testing.T) {
	s, _ := newMiniredisStore(t)
	testTokenStore(t, s)
}

func TestRedisTokenStoreKeyExpires(t *testing.T) {
	s, mr := newMiniredisStore(t)
	ctx := context.Background()

	r := &compliance.DeletionRequest{SubjectID: "alice", TokenHash: "h", IssuedAt: base, ExpiresAt: base.Add(compliance.DeletionTokenTTL)}
	if err := s.PutDeletionRequest(ctx, r); err != nil {
		t.Fatalf("PutDeletionRequest() error = %v", err)
	}

	ttl := mr.TTL(deletionKeyPrefix + "alice")
	if ttl <= 0 || ttl > compliance.DeletionTokenTTL {
		t.Fatalf("key TTL = %v, want within token lifetime", ttl)
	}

	mr.FastForward(compliance.DeletionTokenTTL + time.Second)
	if _, err := s.GetDeletionRequest(ctx, "alice"); !errors.Is(err, compliance.ErrNotFound) {
		t.Errorf("GetDeletionRequest() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestDialRedisTokenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := DialRedisTokenStore(ctx, RedisConfig{URL: "redis://" + mr.Addr(), DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("DialRedisTokenStore() error = %v", err)
	}
	defer s.Close()

	if err := s.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}

	if _, err := DialRedisTokenStore(ctx, RedisConfig{URL: "not a url"}); err == nil {
		t.Errorf("DialRedisTokenStore() accepted malformed URL")
	}
}
