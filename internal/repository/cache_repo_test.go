package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/repository"
	"github.com/timmy/skiptrace/internal/repository/repotest"
)

func TestCacheRepository_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewCacheRepository(repotest.Open(t))
	now := time.Now()

	if err := repo.Put(ctx, &domain.CacheEntry{Key: "k1", Payload: []byte("v1"), ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := repo.Put(ctx, &domain.CacheEntry{Key: "k2", Payload: []byte("old"), ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := repo.Get(ctx, "k1", now)
	if err != nil || string(got.Payload) != "v1" {
		t.Fatalf("Get(k1) = (%v, %v)", got, err)
	}
	if _, err := repo.Get(ctx, "k2", now); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Get(expired) error = %v, want ErrNotFound", err)
	}

	if err := repo.Put(ctx, &domain.CacheEntry{Key: "k2", Payload: []byte("new"), ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Put(replace) error = %v", err)
	}
	got, err = repo.Get(ctx, "k2", now)
	if err != nil || string(got.Payload) != "new" {
		t.Errorf("Get(k2) after replace = (%v, %v)", got, err)
	}

	removed, err := repo.DeleteExpired(ctx, now.Add(2*time.Hour))
	if err != nil || removed != 2 {
		t.Errorf("DeleteExpired() = (%d, %v), want (2, nil)", removed, err)
	}
}
