package repository_test

import (
	"context"
	"errors"
	"testing"

	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/repository"
	"github.com/timmy/skiptrace/internal/repository/repotest"
)

func TestTransition_ForwardOnly(t *testing.T) {
	ctx := context.Background()
	db := repotest.Open(t)
	repo := repository.NewTaskRepository(db)

	task := &domain.Task{ID: "t1", OwnerID: "alice", Mode: "peoplelookup", Status: domain.TaskStatusPending}
	if err := repo.Create(ctx, task); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	steps := []struct {
		to   domain.TaskStatus
		want bool
	}{
		{domain.TaskStatusCompleted, false},
		{domain.TaskStatusRunning, true},
		{domain.TaskStatusRunning, false},
		{domain.TaskStatusServiceBusy, true},
		{domain.TaskStatusCompleted, false},
		{domain.TaskStatusFailed, false},
	}
	for i, s := range steps {
		moved, err := repo.Transition(ctx, "t1", s.to, "")
		if err != nil {
			t.Fatalf("step %d: Transition(%s) error = %v", i, s.to, err)
		}
		if moved != s.want {
			t.Errorf("step %d: Transition(%s) = %v, want %v", i, s.to, moved, s.want)
		}
	}

	got, err := repo.GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != domain.TaskStatusServiceBusy || got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("task = status %s started %v completed %v", got.Status, got.StartedAt, got.CompletedAt)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo := repository.NewTaskRepository(repotest.Open(t))
	if _, err := repo.GetByID(context.Background(), "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateProgress_LeavesCreditsAlone(t *testing.T) {
	ctx := context.Background()
	db := repotest.Open(t)
	repotest.Fund(t, db, "alice", domain.MustParseCredits("5"))
	repotest.Task(t, db, "t1", "alice")
	repo := repository.NewTaskRepository(db)
	ledger := repository.NewLedgerRepository(db)

	if _, _, err := ledger.ChargeAtomic(ctx, domain.ChargeRequest{
		OwnerID: "alice", TaskID: "t1", Amount: domain.MustParseCredits("1.5"), Unit: domain.UnitSearchPage,
	}); err != nil {
		t.Fatalf("ChargeAtomic() error = %v", err)
	}
	if err := repo.UpdateProgress(ctx, "t1", repository.TaskProgress{
		Progress: 40, TotalSubTasks: 4, CompletedSubTasks: 2, SearchPageRequests: 3, CacheHits: 1,
	}); err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}

	got, _ := repo.GetByID(ctx, "t1")
	if got.Progress != 40 || got.CompletedSubTasks != 2 || got.SearchPageRequests != 3 || got.CacheHits != 1 {
		t.Errorf("progress = %+v", got)
	}
	if got.CreditsUsed != domain.MustParseCredits("1.5") {
		t.Errorf("CreditsUsed = %s, want 1.5", got.CreditsUsed)
	}
}

func TestAppendLog_Sequences(t *testing.T) {
	ctx := context.Background()
	db := repotest.Open(t)
	repotest.Task(t, db, "t1", "alice")
	repo := repository.NewTaskRepository(db)

	for i, msg := range []string{"started", "page 1", "done"} {
		seq, err := repo.AppendLog(ctx, "t1", "info", msg)
		if err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
		if seq != i+1 {
			t.Errorf("seq = %d, want %d", seq, i+1)
		}
	}

	logs, err := repo.Logs(ctx, "t1", 1, 0)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(logs) != 2 || logs[0].Message != "page 1" || logs[1].Seq != 3 {
		t.Errorf("Logs(after 1) = %+v", logs)
	}

	if _, err := repo.AppendLog(ctx, "missing", "info", "x"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("AppendLog(missing) error = %v, want ErrNotFound", err)
	}
}

func TestFailInterrupted(t *testing.T) {
	ctx := context.Background()
	db := repotest.Open(t)
	repo := repository.NewTaskRepository(db)

	for id, status := range map[string]domain.TaskStatus{
		"pending":   domain.TaskStatusPending,
		"running":   domain.TaskStatusRunning,
		"completed": domain.TaskStatusCompleted,
	} {
		if err := repo.Create(ctx, &domain.Task{ID: id, OwnerID: "o", Mode: "peoplelookup", Status: status}); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	ids, err := repo.FailInterrupted(ctx, "interrupted by restart")
	if err != nil {
		t.Fatalf("FailInterrupted() error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("failed ids = %v, want 2", ids)
	}
	for id, want := range map[string]domain.TaskStatus{
		"pending":   domain.TaskStatusFailed,
		"running":   domain.TaskStatusFailed,
		"completed": domain.TaskStatusCompleted,
	} {
		got, _ := repo.GetByID(ctx, id)
		if got.Status != want {
			t.Errorf("%s status = %s, want %s", id, got.Status, want)
		}
	}
}

func TestListByOwner(t *testing.T) {
	ctx := context.Background()
	db := repotest.Open(t)
	repo := repository.NewTaskRepository(db)
	for _, id := range []string{"a", "b", "c"} {
		owner := "alice"
		if id == "c" {
			owner = "bob"
		}
		if err := repo.Create(ctx, &domain.Task{ID: id, OwnerID: owner, Mode: "phonebook"}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	tasks, err := repo.ListByOwner(ctx, "alice", 10, 0)
	if err != nil {
		t.Fatalf("ListByOwner() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(tasks))
	}
}
