// Package history answers behavioral questions about a user's past
// transactions: has this device been seen before, how many transactions
// landed in the recent window. The cache is a shortcut, never the
// source of truth.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// deviceLookback is how far back the device novelty check searches.
const deviceLookback = 90 * 24 * time.Hour

// deviceMemoTTL is how long a positive device sighting stays cached.
const deviceMemoTTL = 24 * time.Hour

// Service provides device novelty and velocity lookups backed by the
// repository, with the cache memoizing positive answers.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a history service. The cache may be nil; every
// lookup then goes to the repository.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{repo: repo, cache: cache}
}

// DeviceSeen reports whether the user has transacted from the device
// within the lookback window. Only positive sightings are memoized so a
// stale cache can never mark a genuinely new device as seen.
func (s *Service) DeviceSeen(ctx context.Context, tenantID, user, device string) (bool, error) {
	if user == "" || device == "" {
		return false, nil
	}

	key := deviceKey(user, device)
	if s.cache != nil {
		if v, err := s.cache.Get(ctx, tenantID, key); err == nil && len(v) > 0 {
			return true, nil
		}
	}

	since := time.Now().Add(-deviceLookback)
	txs, err := s.repo.GetTransactionsByUser(ctx, tenantID, user, since)
	if err != nil {
		return false, fmt.Errorf("loading user history: %w", err)
	}

	for _, tx := range txs {
		if tx.Device == device {
			if s.cache != nil {
				_ = s.cache.Set(ctx, tenantID, key, []byte("1"), deviceMemoTTL)
			}
			return true, nil
		}
	}
	return false, nil
}

// MarkDeviceSeen records a device sighting so the user's next
// transaction from the same device is not flagged as new.
func (s *Service) MarkDeviceSeen(ctx context.Context, tenantID, user, device string) {
	if s.cache == nil || user == "" || device == "" {
		return
	}
	_ = s.cache.Set(ctx, tenantID, deviceKey(user, device), []byte("1"), deviceMemoTTL)
}

// CountRecent atomically bumps and returns the user's transaction count
// in the window. With no cache it falls back to counting repository
// rows, which excludes the transaction being processed.
func (s *Service) CountRecent(ctx context.Context, tenantID, user string, window time.Duration) (int64, error) {
	if user == "" {
		return 0, nil
	}

	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, tenantID, velocityKey(user, window), window)
		if err == nil {
			return count, nil
		}
	}

	since := time.Now().Add(-window)
	txs, err := s.repo.GetTransactionsByUser(ctx, tenantID, user, since)
	if err != nil {
		return 0, fmt.Errorf("counting user transactions: %w", err)
	}
	return int64(len(txs)), nil
}

func deviceKey(user, device string) string {
	return fmt.Sprintf("device:%s:%s", user, device)
}

func velocityKey(user string, window time.Duration) string {
	return fmt.Sprintf("velocity:%s:%d", user, int(window.Seconds()))
}
