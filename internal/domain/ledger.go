package domain

import "time"

// UnitType identifies the kind of billable unit of work.
type UnitType string

const (
	UnitSearchPage UnitType = "search_page"
	UnitDetailPage UnitType = "detail_page"
)

// Account holds a user's spendable credit balance.
type Account struct {
	OwnerID   string    `gorm:"type:text;primaryKey" json:"owner_id"`
	Balance   Credits   `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Account.
func (Account) TableName() string {
	return "accounts"
}

// LedgerEntry is an immutable record of one charge against an account.
type LedgerEntry struct {
	ID           string    `gorm:"type:text;primaryKey" json:"id"`
	OwnerID      string    `gorm:"type:text;not null;index:idx_ledger_owner" json:"owner_id"`
	TaskID       string    `gorm:"type:text;not null;index:idx_ledger_task" json:"task_id"`
	Seq          int64     `gorm:"not null" json:"seq"`
	Amount       Credits   `gorm:"not null" json:"amount"`
	Unit         UnitType  `gorm:"type:text;not null" json:"unit"`
	Reason       string    `gorm:"type:text" json:"reason,omitempty"`
	BalanceAfter Credits   `gorm:"not null" json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for LedgerEntry.
func (LedgerEntry) TableName() string {
	return "credit_ledger"
}

// CacheEntry stores a fetched page payload under a normalized key.
type CacheEntry struct {
	Key       string    `gorm:"type:text;primaryKey" json:"key"`
	Payload   []byte    `json:"-"`
	ExpiresAt time.Time `gorm:"index:idx_cache_expires" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "page_cache"
}

// ChargeRequest asks the store to bill one unit of work to a task.
type ChargeRequest struct {
	OwnerID string
	TaskID  string
	Amount  Credits
	Unit    UnitType
	Reason  string
}
