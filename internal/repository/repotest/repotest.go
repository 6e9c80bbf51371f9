// Package repotest opens throwaway SQLite databases for tests.
package repotest

import (
	"path/filepath"
	"testing"

	"github.com/timmy/skiptrace/internal/config"
	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/repository"
	"gorm.io/gorm"
)

// Open returns a migrated SQLite database in t's temp dir, closed on cleanup.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
	})
	if err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// Task inserts a running task owned by ownerID.
func Task(t testing.TB, db *gorm.DB, id, ownerID string) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:      id,
		OwnerID: ownerID,
		Mode:    "peoplelookup",
		Names:   domain.StringArray{"Jane Doe"},
		Status:  domain.TaskStatusRunning,
	}
	if err := db.Create(task).Error; err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// Fund creates ownerID's account with balance.
func Fund(t testing.TB, db *gorm.DB, ownerID string, balance domain.Credits) {
	t.Helper()
	if err := db.Create(&domain.Account{OwnerID: ownerID, Balance: balance}).Error; err != nil {
		t.Fatalf("create account: %v", err)
	}
}
