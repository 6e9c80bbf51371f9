package repository

import (
	"context"
	"time"

	"github.com/timmy/skiptrace/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CacheRepository stores fetched page payloads keyed by normalized URL.
type CacheRepository struct {
	db *gorm.DB
}

// NewCacheRepository creates a new CacheRepository.
func NewCacheRepository(db *gorm.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

// Get returns the entry for key if it has not expired at now.
// Expired rows are left in place and reported as ErrNotFound.
func (r *CacheRepository) Get(ctx context.Context, key string, now time.Time) (*domain.CacheEntry, error) {
	var entry domain.CacheEntry
	err := r.db.WithContext(ctx).First(&entry, "key = ? AND expires_at > ?", key, now).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

// Put inserts or replaces the entry for entry.Key.
func (r *CacheRepository) Put(ctx context.Context, entry *domain.CacheEntry) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at", "created_at"}),
	}).Create(entry).Error
}

// DeleteExpired removes entries expired at now and returns how many were removed.
func (r *CacheRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.CacheEntry{})
	return res.RowsAffected, res.Error
}
