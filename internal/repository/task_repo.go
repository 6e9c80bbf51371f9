package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/skiptrace/internal/domain"
	"gorm.io/gorm"
)

// TaskProgress is the counter snapshot written by the progress sink.
// CreditsUsed is deliberately absent: only the ledger transaction moves it.
type TaskProgress struct {
	Progress           int `json:"progress"`
	TotalSubTasks      int `json:"total_subtasks"`
	CompletedSubTasks  int `json:"completed_subtasks"`
	TotalResults       int `json:"total_results"`
	FilteredOut        int `json:"filtered_out"`
	SearchPageRequests int `json:"search_page_requests"`
	DetailPageRequests int `json:"detail_page_requests"`
	CacheHits          int `json:"cache_hits"`
}

// TaskRepository handles task, task log and status transition operations.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *TaskRepository: repository instance bound to db.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create inserts a new task record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - task: task record to persist.
// Returns:
//   - error: non-nil if the insert fails.
func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

// GetByID retrieves a task by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: task ID.
// Returns:
//   - *domain.Task: task record if found.
//   - error: ErrNotFound if no such task exists.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &task, nil
}

// ListByOwner lists an owner's tasks, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ownerID: owner whose tasks are listed.
//   - limit: maximum number of tasks to return.
//   - offset: number of tasks to skip.
// Returns:
//   - []domain.Task: tasks for the page.
//   - error: non-nil if the query fails.
func (r *TaskRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Task, error) {
	var tasks []domain.Task
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&tasks).Error
	return tasks, err
}

// Transition moves a task to status `to` if its current status is a legal
// predecessor. Entering running stamps started_at; entering a terminal state
// stamps completed_at and records errMsg.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: task ID.
//   - to: target status.
//   - errMsg: error message stored with the transition, may be empty.
// Returns:
//   - bool: true if the row moved, false if the current status forbids it.
//   - error: non-nil if the update fails.
func (r *TaskRepository) Transition(ctx context.Context, id string, to domain.TaskStatus, errMsg string) (bool, error) {
	from := to.Predecessors()
	if len(from) == 0 {
		return false, nil
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	if to == domain.TaskStatusRunning {
		updates["started_at"] = now
	}
	if to.IsTerminal() {
		updates["completed_at"] = now
		if errMsg != "" {
			updates["error_message"] = errMsg
		}
		if to == domain.TaskStatusCompleted {
			updates["progress"] = 100
		}
	}

	res := r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition task %s to %s: %w", id, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdateProgress writes the counter snapshot of a running task.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: task ID.
//   - p: counters to write.
// Returns:
//   - error: non-nil if the update fails.
func (r *TaskRepository) UpdateProgress(ctx context.Context, id string, p TaskProgress) error {
	return r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"progress":             p.Progress,
			"total_sub_tasks":      p.TotalSubTasks,
			"completed_sub_tasks":  p.CompletedSubTasks,
			"total_results":        p.TotalResults,
			"filtered_out":         p.FilteredOut,
			"search_page_requests": p.SearchPageRequests,
			"detail_page_requests": p.DetailPageRequests,
			"cache_hits":           p.CacheHits,
			"updated_at":           time.Now(),
		}).Error
}

// AppendLog appends one line to the task log and returns its sequence number.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task ID.
//   - level: log level (info, warn, error).
//   - message: log line.
// Returns:
//   - int: 1-based sequence number of the line.
//   - error: non-nil if the insert fails.
func (r *TaskRepository) AppendLog(ctx context.Context, taskID, level, message string) (int, error) {
	var seq int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Task{}).Where("id = ?", taskID).
			Update("log_seq", gorm.Expr("log_seq + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&domain.Task{}).Select("log_seq").Where("id = ?", taskID).Scan(&seq).Error; err != nil {
			return err
		}
		return tx.Create(&domain.TaskLog{
			TaskID:  taskID,
			Seq:     seq,
			Level:   level,
			Message: message,
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("append log for task %s: %w", taskID, err)
	}
	return seq, nil
}

// Logs returns log lines with seq greater than afterSeq, oldest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task ID.
//   - afterSeq: only lines after this sequence number are returned.
//   - limit: maximum number of lines, 0 for all.
// Returns:
//   - []domain.TaskLog: log lines in sequence order.
//   - error: non-nil if the query fails.
func (r *TaskRepository) Logs(ctx context.Context, taskID string, afterSeq, limit int) ([]domain.TaskLog, error) {
	q := r.db.WithContext(ctx).
		Where("task_id = ? AND seq > ?", taskID, afterSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var logs []domain.TaskLog
	err := q.Find(&logs).Error
	return logs, err
}

// FailInterrupted marks every pending or running task failed. It runs once at
// startup, when no orchestrator can still own those tasks.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - reason: error message recorded on each task.
// Returns:
//   - []string: IDs of the tasks that were failed.
//   - error: non-nil if the update fails.
func (r *TaskRepository) FailInterrupted(ctx context.Context, reason string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusRunning}
		if err := tx.Model(&domain.Task{}).Where("status IN ?", stale).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		now := time.Now()
		return tx.Model(&domain.Task{}).
			Where("id IN ? AND status IN ?", ids, stale).
			Updates(map[string]interface{}{
				"status":        domain.TaskStatusFailed,
				"error_message": reason,
				"completed_at":  now,
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	return ids, nil
}
