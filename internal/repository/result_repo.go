package repository

import (
	"context"

	"github.com/timmy/skiptrace/internal/domain"
	"gorm.io/gorm"
)

// ResultRepository persists the enriched person records of a task.
type ResultRepository struct {
	db *gorm.DB
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(db *gorm.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// CreateBatch inserts results in chunks of 100.
func (r *ResultRepository) CreateBatch(ctx context.Context, results []domain.DetailResult) error {
	if len(results) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(results, 100).Error
}

// ListByTask returns a task's results in persistence order.
func (r *ResultRepository) ListByTask(ctx context.Context, taskID string) ([]domain.DetailResult, error) {
	var results []domain.DetailResult
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("seq ASC").Find(&results).Error
	return results, err
}

// CountByTask counts a task's results.
func (r *ResultRepository) CountByTask(ctx context.Context, taskID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.DetailResult{}).Where("task_id = ?", taskID).Count(&count).Error
	return count, err
}
