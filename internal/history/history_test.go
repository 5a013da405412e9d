package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// historyRepo stubs the repository surface the history service touches.
type historyRepo struct {
	domain.Repository

	transactions []*domain.Transaction
	err          error
	calls        int
}

func (r *historyRepo) GetTransactionsByUser(ctx context.Context, tenantID, user string, since time.Time) ([]*domain.Transaction, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	var out []*domain.Transaction
	for _, tx := range r.transactions {
		if tx.User == user {
			out = append(out, tx)
		}
	}
	return out, nil
}

func TestDeviceSeen(t *testing.T) {
	repo := &historyRepo{
		transactions: []*domain.Transaction{
			{TxID: "tx-1", User: "alice", Device: "phone-1"},
			{TxID: "tx-2", User: "alice", Device: "laptop-1"},
		},
	}
	svc := NewService(repo, cache.NewLRUCache(100))
	ctx := context.Background()

	seen, err := svc.DeviceSeen(ctx, "t1", "alice", "phone-1")
	if err != nil {
		t.Fatalf("DeviceSeen failed: %v", err)
	}
	if !seen {
		t.Error("expected device to be seen")
	}

	seen, _ = svc.DeviceSeen(ctx, "t1", "alice", "brand-new")
	if seen {
		t.Error("expected unseen device")
	}

	seen, _ = svc.DeviceSeen(ctx, "t1", "bob", "phone-1")
	if seen {
		t.Error("another user's device must not count")
	}
}

func TestDeviceSeenMemoized(t *testing.T) {
	repo := &historyRepo{
		transactions: []*domain.Transaction{{User: "alice", Device: "phone-1"}},
	}
	svc := NewService(repo, cache.NewLRUCache(100))
	ctx := context.Background()

	svc.DeviceSeen(ctx, "t1", "alice", "phone-1")
	calls := repo.calls

	// Positive sighting is cached; the repository is not hit again.
	seen, _ := svc.DeviceSeen(ctx, "t1", "alice", "phone-1")
	if !seen {
		t.Error("expected cached sighting")
	}
	if repo.calls != calls {
		t.Errorf("expected no extra repository call, got %d", repo.calls-calls)
	}

	// Negative answers are never cached: each miss re-checks the source
	// of truth.
	svc.DeviceSeen(ctx, "t1", "alice", "unseen")
	before := repo.calls
	svc.DeviceSeen(ctx, "t1", "alice", "unseen")
	if repo.calls != before+1 {
		t.Error("misses must go back to the repository")
	}
}

func TestMarkDeviceSeen(t *testing.T) {
	repo := &historyRepo{}
	svc := NewService(repo, cache.NewLRUCache(100))
	ctx := context.Background()

	svc.MarkDeviceSeen(ctx, "t1", "alice", "phone-1")

	seen, err := svc.DeviceSeen(ctx, "t1", "alice", "phone-1")
	if err != nil {
		t.Fatalf("DeviceSeen failed: %v", err)
	}
	if !seen {
		t.Error("marked device must be seen without repository rows")
	}
	if repo.calls != 0 {
		t.Error("cache hit must not touch the repository")
	}
}

func TestDeviceSeenBlankInputs(t *testing.T) {
	svc := NewService(&historyRepo{}, nil)
	ctx := context.Background()

	if seen, err := svc.DeviceSeen(ctx, "t1", "", "phone-1"); err != nil || seen {
		t.Error("blank user must be unseen with no error")
	}
	if seen, err := svc.DeviceSeen(ctx, "t1", "alice", ""); err != nil || seen {
		t.Error("blank device must be unseen with no error")
	}
}

func TestDeviceSeenRepositoryError(t *testing.T) {
	repo := &historyRepo{err: errors.New("db down")}
	svc := NewService(repo, nil)

	_, err := svc.DeviceSeen(context.Background(), "t1", "alice", "phone-1")
	if err == nil {
		t.Error("expected error when the repository fails")
	}
}

func TestCountRecent(t *testing.T) {
	repo := &historyRepo{}
	svc := NewService(repo, cache.NewLRUCache(100))
	ctx := context.Background()

	// Counter increments per call within the window.
	for want := int64(1); want <= 3; want++ {
		count, err := svc.CountRecent(ctx, "t1", "alice", time.Hour)
		if err != nil {
			t.Fatalf("CountRecent failed: %v", err)
		}
		if count != want {
			t.Errorf("expected count %d, got %d", want, count)
		}
	}

	// Separate users keep separate counters.
	count, _ := svc.CountRecent(ctx, "t1", "bob", time.Hour)
	if count != 1 {
		t.Errorf("expected independent counter for bob, got %d", count)
	}
}

func TestCountRecentFallsBackToRepository(t *testing.T) {
	repo := &historyRepo{
		transactions: []*domain.Transaction{
			{User: "alice", Timestamp: time.Now()},
			{User: "alice", Timestamp: time.Now()},
		},
	}
	svc := NewService(repo, nil)

	count, err := svc.CountRecent(context.Background(), "t1", "alice", time.Hour)
	if err != nil {
		t.Fatalf("CountRecent failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 from repository fallback, got %d", count)
	}
}

func TestCountRecentBlankUser(t *testing.T) {
	svc := NewService(&historyRepo{}, nil)
	count, err := svc.CountRecent(context.Background(), "t1", "", time.Hour)
	if err != nil || count != 0 {
		t.Errorf("blank user must count 0 with no error, got %d, %v", count, err)
	}
}
