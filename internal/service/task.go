package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/timmy/skiptrace/internal/billing"
	"github.com/timmy/skiptrace/internal/config"
	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/export"
	"github.com/timmy/skiptrace/internal/extractor"
	"github.com/timmy/skiptrace/internal/gate"
	"github.com/timmy/skiptrace/internal/logger"
	"github.com/timmy/skiptrace/internal/repository"
)

var (
	ErrTaskNotFound        = errors.New("task not found")
	ErrTaskNotRunning      = errors.New("task is not running")
	ErrTaskNotFinished     = errors.New("task has not finished")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTask         = errors.New("invalid task")
	ErrShuttingDown        = errors.New("service is shutting down")
)

// DefaultLogLimit caps the log lines returned by one status poll.
const DefaultLogLimit = 200

// TaskServiceConfig holds submission limits and filter defaults.
type TaskServiceConfig struct {
	Limits   config.TasksConfig
	Defaults config.FiltersConfig
}

// SubmitRequest is a new task as submitted by a client.
type SubmitRequest struct {
	OwnerID   string              `json:"owner_id"`
	Mode      string              `json:"mode"`
	Names     []string            `json:"names"`
	Locations []string            `json:"locations,omitempty"`
	Filters   domain.FilterConfig `json:"filters"`
}

// TaskSnapshot is the read-only view returned to pollers.
type TaskSnapshot struct {
	*domain.Task
	Logs []domain.TaskLog `json:"logs"`
}

// AccountSummary is an owner's balance with their latest charges.
type AccountSummary struct {
	OwnerID string               `json:"owner_id"`
	Balance domain.Credits       `json:"balance"`
	Recent  []domain.LedgerEntry `json:"recent"`
}

type runHandle struct {
	cancelled atomic.Bool
	done      chan struct{}
}

// TaskService accepts tasks and runs each on its own goroutine.
type TaskService struct {
	tasks    *repository.TaskRepository
	results  *repository.ResultRepository
	ledger   *repository.LedgerRepository
	registry *extractor.Registry
	orch     *Orchestrator
	exporter *export.Exporter
	gate     *gate.Gate
	cfg      TaskServiceConfig

	mu     sync.Mutex
	active map[string]*runHandle
	closed bool
	wg     sync.WaitGroup
}

// NewTaskService creates the task service. g may be nil when the fetcher is
// not gated, exporter may be nil to disable exports.
func NewTaskService(
	tasks *repository.TaskRepository,
	results *repository.ResultRepository,
	ledger *repository.LedgerRepository,
	registry *extractor.Registry,
	orch *Orchestrator,
	exporter *export.Exporter,
	g *gate.Gate,
	cfg TaskServiceConfig,
) *TaskService {
	if exporter == nil {
		exporter = export.NewExporter(nil, "")
	}
	return &TaskService{
		tasks:    tasks,
		results:  results,
		ledger:   ledger,
		registry: registry,
		orch:     orch,
		exporter: exporter,
		gate:     g,
		cfg:      cfg,
		active:   make(map[string]*runHandle),
	}
}

// Submit validates req, persists a pending task and starts it.
// Parameters:
//   - ctx: request context; the task run outlives its cancellation.
//   - req: the task definition.
// Returns:
//   - *domain.Task: the created task.
//   - error: ErrInvalidTask, ErrInsufficientBalance, ErrShuttingDown or a store error.
func (s *TaskService) Submit(ctx context.Context, req SubmitRequest) (*domain.Task, error) {
	if s.isClosed() {
		return nil, ErrShuttingDown
	}

	ext, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	// Admission uses the same read-only check the run applies before every
	// billed unit. An unreadable balance is refused as well.
	if need := ext.Costs().Min(); !billing.NewTracker(s.ledger, req.OwnerID, "").CanAfford(ctx, need) {
		return nil, fmt.Errorf("%w: one %s unit costs %s", ErrInsufficientBalance, ext.Name(), need)
	}

	task := &domain.Task{
		ID:        uuid.New().String(),
		OwnerID:   req.OwnerID,
		Mode:      req.Mode,
		Names:     domain.StringArray(req.Names),
		Locations: domain.StringArray(req.Locations),
		Filters:   req.Filters,
		Status:    domain.TaskStatusPending,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	h := &runHandle{done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if _, err := s.tasks.Transition(ctx, task.ID, domain.TaskStatusFailed, ErrShuttingDown.Error()); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Failed to fail task submitted during shutdown")
		}
		return nil, ErrShuttingDown
	}
	s.active[task.ID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	runTask := *task
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, runTask.ID)
			s.mu.Unlock()
			close(h.done)
		}()
		s.orch.Run(runCtx, &runTask, ext, &h.cancelled)
	}()

	logger.With(logger.Fields{
		logger.FieldTaskID:  task.ID,
		logger.FieldOwnerID: task.OwnerID,
		logger.FieldCount:   len(task.SubTasks()),
	}).Info(ctx, "Task submitted: mode=%s", task.Mode)
	return task, nil
}

// validate normalizes req in place and resolves its extractor.
func (s *TaskService) validate(req *SubmitRequest) (extractor.Extractor, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidTask)
	}
	ext, err := s.registry.Get(req.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	req.Names = compact(req.Names)
	req.Locations = compact(req.Locations)
	if len(req.Names) == 0 {
		return nil, fmt.Errorf("%w: at least one name is required", ErrInvalidTask)
	}
	if limit := s.cfg.Limits.MaxNames; limit > 0 && len(req.Names) > limit {
		return nil, fmt.Errorf("%w: %d names exceeds the limit of %d", ErrInvalidTask, len(req.Names), limit)
	}
	if limit := s.cfg.Limits.MaxLocations; limit > 0 && len(req.Locations) > limit {
		return nil, fmt.Errorf("%w: %d locations exceeds the limit of %d", ErrInvalidTask, len(req.Locations), limit)
	}

	f := &req.Filters
	if f.MinAge < 0 || f.MaxAge < 0 {
		return nil, fmt.Errorf("%w: ages must not be negative", ErrInvalidTask)
	}
	if f.MinAge == 0 && f.MaxAge == 0 {
		f.MinAge, f.MaxAge = s.cfg.Defaults.DefaultMinAge, s.cfg.Defaults.DefaultMaxAge
	}
	if f.MaxAge > 0 && f.MinAge > f.MaxAge {
		return nil, fmt.Errorf("%w: min_age %d exceeds max_age %d", ErrInvalidTask, f.MinAge, f.MaxAge)
	}
	if f.ExcludeDeceased == nil {
		exclude := s.cfg.Defaults.ExcludeDeceased
		f.ExcludeDeceased = &exclude
	}
	f.States = compact(f.States)
	for i, st := range f.States {
		f.States[i] = strings.ToUpper(st)
	}
	f.ExcludeCarriers = compact(f.ExcludeCarriers)
	return ext, nil
}

// Status returns the task with log lines after afterSeq.
func (s *TaskService) Status(ctx context.Context, ownerID, taskID string, afterSeq int) (*TaskSnapshot, error) {
	task, err := s.get(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	logs, err := s.tasks.Logs(ctx, taskID, afterSeq, DefaultLogLimit)
	if err != nil {
		return nil, fmt.Errorf("read task logs: %w", err)
	}
	if logs == nil {
		logs = []domain.TaskLog{}
	}
	return &TaskSnapshot{Task: task, Logs: logs}, nil
}

// List returns an owner's tasks, newest first.
func (s *TaskService) List(ctx context.Context, ownerID string, limit, offset int) ([]domain.Task, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.tasks.ListByOwner(ctx, ownerID, limit, offset)
}

// Cancel asks a running task to stop before its next unit of work.
// Requests already in flight are allowed to finish and are billed.
func (s *TaskService) Cancel(ctx context.Context, ownerID, taskID string) error {
	if _, err := s.get(ctx, ownerID, taskID); err != nil {
		return err
	}
	s.mu.Lock()
	h, ok := s.active[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrTaskNotRunning
	}
	if h.cancelled.Swap(true) {
		return nil
	}
	ctx = logger.SetTaskID(ctx, taskID)
	if _, err := s.tasks.AppendLog(ctx, taskID, "info", "Cancellation requested"); err != nil {
		logger.CtxWarn(ctx, "Failed to append task log: %v", err)
	}
	logger.CtxInfo(ctx, "Task cancellation requested")
	return nil
}

// Wait blocks until taskID is no longer running in this process.
func (s *TaskService) Wait(ctx context.Context, taskID string) error {
	s.mu.Lock()
	h, ok := s.active[taskID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the persisted results of a task in order.
func (s *TaskService) Results(ctx context.Context, ownerID, taskID string) ([]domain.DetailResult, error) {
	if _, err := s.get(ctx, ownerID, taskID); err != nil {
		return nil, err
	}
	return s.results.ListByTask(ctx, taskID)
}

// Export renders a settled task's results as CSV.
func (s *TaskService) Export(ctx context.Context, ownerID, taskID string) (*export.Result, error) {
	task, err := s.get(ctx, ownerID, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrTaskNotFinished, task.Status)
	}
	results, err := s.results.ListByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return s.exporter.Export(ctx, task, results)
}

// Account returns an owner's balance and most recent ledger entries.
func (s *TaskService) Account(ctx context.Context, ownerID string, limit int) (*AccountSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	balance, err := s.ledger.Balance(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	entries, err := s.ledger.EntriesByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	return &AccountSummary{OwnerID: ownerID, Balance: balance, Recent: entries}, nil
}

// Grant adds credits to an owner's balance, creating the account if needed.
func (s *TaskService) Grant(ctx context.Context, ownerID string, amount domain.Credits) (domain.Credits, error) {
	if strings.TrimSpace(ownerID) == "" || amount <= 0 {
		return 0, fmt.Errorf("%w: grant needs an owner and a positive amount", ErrInvalidTask)
	}
	return s.ledger.Deposit(ctx, ownerID, amount)
}

// RecoverInterrupted fails tasks left pending or running by a previous
// process. Their ledger entries and results are kept.
func (s *TaskService) RecoverInterrupted(ctx context.Context) (int, error) {
	ids, err := s.tasks.FailInterrupted(ctx, "interrupted by restart")
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		logger.With(logger.Fields{logger.FieldCount: len(ids)}).Warn(ctx, "Marked interrupted tasks failed")
	}
	return len(ids), nil
}

// Shutdown stops accepting tasks, cancels running ones and waits for them
// to settle or for ctx to expire.
func (s *TaskService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, h := range s.active {
		h.cancelled.Store(true)
	}
	running := len(s.active)
	s.mu.Unlock()

	if s.gate != nil {
		s.gate.Close()
	}
	logger.With(logger.Fields{logger.FieldCount: running}).Info(ctx, "Task service shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tasks: %w", ctx.Err())
	}
}

func (s *TaskService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// get loads a task. A non-empty ownerID hides other owners' tasks.
func (s *TaskService) get(ctx context.Context, ownerID, taskID string) (*domain.Task, error) {
	task, err := s.tasks.GetByID(ctx, taskID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if ownerID != "" && task.OwnerID != ownerID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
