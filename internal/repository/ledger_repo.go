package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/timmy/skiptrace/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerRepository owns account balances and the append-only credit ledger.
// ChargeAtomic is the only code path that decreases a balance.
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a new LedgerRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *LedgerRepository: repository instance bound to db.
func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// EnsureAccount returns the owner's account, creating it with a zero balance.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ownerID: account owner.
// Returns:
//   - *domain.Account: existing or newly created account.
//   - error: non-nil if the query fails.
func (r *LedgerRepository) EnsureAccount(ctx context.Context, ownerID string) (*domain.Account, error) {
	acct := domain.Account{OwnerID: ownerID}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&acct).Error
	if err != nil {
		return nil, fmt.Errorf("ensure account %s: %w", ownerID, err)
	}
	if err := r.db.WithContext(ctx).First(&acct, "owner_id = ?", ownerID).Error; err != nil {
		return nil, fmt.Errorf("load account %s: %w", ownerID, err)
	}
	return &acct, nil
}

// Deposit adds amount to the owner's balance, creating the account if needed.
// Recharges are not ledger entries; the ledger only records task charges.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ownerID: account owner.
//   - amount: positive amount to add.
// Returns:
//   - domain.Credits: balance after the deposit.
//   - error: non-nil if amount is not positive or the update fails.
func (r *LedgerRepository) Deposit(ctx context.Context, ownerID string, amount domain.Credits) (domain.Credits, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	if _, err := r.EnsureAccount(ctx, ownerID); err != nil {
		return 0, err
	}
	var balance domain.Credits
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Account{}).Where("owner_id = ?", ownerID).
			Update("balance", gorm.Expr("balance + ?", amount)).Error; err != nil {
			return err
		}
		return tx.Model(&domain.Account{}).Select("balance").Where("owner_id = ?", ownerID).Scan(&balance).Error
	})
	if err != nil {
		return 0, fmt.Errorf("deposit to %s: %w", ownerID, err)
	}
	return balance, nil
}

// Balance returns the owner's live balance; unknown owners have zero.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ownerID: account owner.
// Returns:
//   - domain.Credits: current balance.
//   - error: non-nil if the query fails.
func (r *LedgerRepository) Balance(ctx context.Context, ownerID string) (domain.Credits, error) {
	var acct domain.Account
	err := r.db.WithContext(ctx).First(&acct, "owner_id = ?", ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// ChargeAtomic bills one unit of work in a single transaction: a conditional
// decrement (balance >= amount), a ledger insert, and the matching increment
// of tasks.credits_used. When the balance is short nothing is written.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - req: owner, task, amount and unit being billed.
// Returns:
//   - domain.Credits: balance after the charge, or the unchanged balance on refusal.
//   - bool: true if the charge was applied.
//   - error: non-nil only if the store fails.
func (r *LedgerRepository) ChargeAtomic(ctx context.Context, req domain.ChargeRequest) (domain.Credits, bool, error) {
	if req.Amount <= 0 {
		return 0, false, fmt.Errorf("charge amount must be positive, got %s", req.Amount)
	}

	var (
		balance domain.Credits
		charged bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Account{}).
			Where("owner_id = ? AND balance >= ?", req.OwnerID, req.Amount).
			Update("balance", gorm.Expr("balance - ?", req.Amount))
		if res.Error != nil {
			return res.Error
		}
		if err := tx.Model(&domain.Account{}).Select("balance").
			Where("owner_id = ?", req.OwnerID).Scan(&balance).Error; err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return nil
		}

		res = tx.Model(&domain.Task{}).Where("id = ?", req.TaskID).
			Update("credits_used", gorm.Expr("credits_used + ?", req.Amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("task %s: %w", req.TaskID, ErrNotFound)
		}

		var seq int64
		if err := tx.Model(&domain.LedgerEntry{}).Select("COALESCE(MAX(seq), 0)").
			Where("task_id = ?", req.TaskID).Scan(&seq).Error; err != nil {
			return err
		}
		if err := tx.Create(&domain.LedgerEntry{
			ID:           uuid.New().String(),
			OwnerID:      req.OwnerID,
			TaskID:       req.TaskID,
			Seq:          seq + 1,
			Amount:       req.Amount,
			Unit:         req.Unit,
			Reason:       req.Reason,
			BalanceAfter: balance,
		}).Error; err != nil {
			return err
		}
		charged = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("charge task %s: %w", req.TaskID, err)
	}
	return balance, charged, nil
}

// EntriesByTask returns a task's ledger entries in charge order.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task ID.
// Returns:
//   - []domain.LedgerEntry: entries ordered by seq.
//   - error: non-nil if the query fails.
func (r *LedgerRepository) EntriesByTask(ctx context.Context, taskID string) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("seq ASC").Find(&entries).Error
	return entries, err
}

// EntriesByOwner returns an owner's most recent ledger entries.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - ownerID: account owner.
//   - limit: maximum number of entries.
// Returns:
//   - []domain.LedgerEntry: entries, newest first.
//   - error: non-nil if the query fails.
func (r *LedgerRepository) EntriesByOwner(ctx context.Context, ownerID string, limit int) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).
		Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}

// SumByTask totals the ledger entries of a task.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - taskID: task ID.
// Returns:
//   - domain.Credits: sum of all charges for the task.
//   - error: non-nil if the query fails.
func (r *LedgerRepository) SumByTask(ctx context.Context, taskID string) (domain.Credits, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("task_id = ?", taskID).
		Scan(&total).Error
	return domain.Credits(total), err
}
