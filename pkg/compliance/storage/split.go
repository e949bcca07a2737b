package storage

import (
	"context"
	"errors"
	"time"

	"mercator-hq/custodian/pkg/compliance"
)

// Checker is implemented by backends that can report their health.
type Checker interface {
	Health(ctx context.Context) error
}

// TokenBackend is a deletion token store with its own lifecycle.
type TokenBackend interface {
	compliance.TokenStore
	Close() error
}

// splitStore serves tokens from a separate backend and everything else
// from the primary store.
type splitStore struct {
	compliance.Store
	tokens TokenBackend
}

// WithTokenStore returns a Store whose deletion requests live in tokens.
func WithTokenStore(primary compliance.Store, tokens TokenBackend) compliance.Store {
	return &splitStore{Store: primary, tokens: tokens}
}

func (s *splitStore) PutDeletionRequest(ctx context.Context, r *compliance.DeletionRequest) error {
	return s.tokens.PutDeletionRequest(ctx, r)
}

func (s *splitStore) GetDeletionRequest(ctx context.Context, subjectID string) (*compliance.DeletionRequest, error) {
	return s.tokens.GetDeletionRequest(ctx, subjectID)
}

func (s *splitStore) ConsumeDeletionRequest(ctx context.Context, subjectID, tokenHash string) (bool, error) {
	return s.tokens.ConsumeDeletionRequest(ctx, subjectID, tokenHash)
}

func (s *splitStore) DeleteExpiredRequests(ctx context.Context, now time.Time) (int64, error) {
	return s.tokens.DeleteExpiredRequests(ctx, now)
}

// Health checks both backends.
func (s *splitStore) Health(ctx context.Context) error {
	var errs []error
	for _, b := range []any{s.Store, s.tokens} {
		if c, ok := b.(Checker); ok {
			errs = append(errs, c.Health(ctx))
		}
	}
	return errors.Join(errs...)
}

// Close closes both backends.
func (s *splitStore) Close() error {
	return errors.Join(s.tokens.Close(), s.Store.Close())
}
