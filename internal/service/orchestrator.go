package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/skiptrace/internal/billing"
	"github.com/timmy/skiptrace/internal/cache"
	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/extractor"
	"github.com/timmy/skiptrace/internal/filter"
	"github.com/timmy/skiptrace/internal/gate"
	"github.com/timmy/skiptrace/internal/logger"
	"github.com/timmy/skiptrace/internal/repository"
	"github.com/timmy/skiptrace/internal/scraper"
)

// Progress is split between the phases: search fills 0-60, detail 60-99.
// 100 is only written when a task completes.
const (
	searchShare = 60
	detailShare = 39
)

// Fetcher fetches one target page through the scraping proxy.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string) (*scraper.Page, error)
}

// ProgressSink persists counter snapshots. Writes are best-effort.
type ProgressSink interface {
	UpdateProgress(ctx context.Context, taskID string, p repository.TaskProgress) error
}

// LogSink records user-visible task log lines.
type LogSink interface {
	AppendLog(ctx context.Context, taskID, level, message string) (int, error)
}

// ProgressObserver is told about every progress snapshot.
type ProgressObserver interface {
	OnProgress(taskID string, p repository.TaskProgress)
}

// CompletionObserver is told once when a task settles.
type CompletionObserver interface {
	OnComplete(taskID string, done DonePayload)
}

// OrchestratorConfig holds the knobs of a task run.
type OrchestratorConfig struct {
	MaxPages    int           // per query slice
	CacheTTL    time.Duration // zero disables cache writes
	DetailBatch int           // detail pages between progress reports
}

// Orchestrator drives tasks through search, filter, detail and persist.
// One Orchestrator is shared by all tasks; each Run owns its task.
type Orchestrator struct {
	fetcher  Fetcher
	cache    cache.Cache
	ledger   billing.Ledger
	tasks    *repository.TaskRepository
	results  *repository.ResultRepository
	progress ProgressSink
	logs     LogSink
	cfg      OrchestratorConfig

	progressObservers   []ProgressObserver
	completionObservers []CompletionObserver
}

// NewOrchestrator wires the run dependencies. Progress and logs go to the
// task repository.
func NewOrchestrator(
	fetcher Fetcher,
	pageCache cache.Cache,
	ledger billing.Ledger,
	tasks *repository.TaskRepository,
	results *repository.ResultRepository,
	cfg OrchestratorConfig,
) *Orchestrator {
	if pageCache == nil {
		pageCache = cache.Nop{}
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.DetailBatch <= 0 {
		cfg.DetailBatch = 5
	}
	return &Orchestrator{
		fetcher:  fetcher,
		cache:    pageCache,
		ledger:   ledger,
		tasks:    tasks,
		results:  results,
		progress: tasks,
		logs:     tasks,
		cfg:      cfg,
	}
}

// AddProgressObserver registers obs for progress snapshots.
func (o *Orchestrator) AddProgressObserver(obs ProgressObserver) {
	o.progressObservers = append(o.progressObservers, obs)
}

// AddCompletionObserver registers obs for task completion.
func (o *Orchestrator) AddCompletionObserver(obs CompletionObserver) {
	o.completionObservers = append(o.completionObservers, obs)
}

type stopReason int

const (
	stopNone stopReason = iota
	stopCancelled
	stopCredits
	stopUpstream
)

var (
	errChargeRefused = errors.New("charge refused")
	errStore         = errors.New("store failure")
)

type listing struct {
	result domain.SearchResult
	query  domain.SubTask
}

type pendingRecord struct {
	listing
	rec domain.DetailResult
}

// run is the state of one task execution. Only the goroutine calling
// Orchestrator.Run touches it.
type run struct {
	o         *Orchestrator
	task      *domain.Task
	ext       extractor.Extractor
	costs     extractor.UnitCosts
	tracker   *billing.Tracker
	pipeline  *filter.Pipeline
	cancelled *atomic.Bool

	counters repository.TaskProgress
	stop     stopReason
	failErr  error

	raw      []listing
	seen     map[string]struct{}
	pending  []pendingRecord
	filtered bool
}

// Run executes task to a terminal state and returns it. cancelled is the
// cooperative cancel flag, checked before every unit of work. Whatever was
// paid for is persisted before the task settles, however it stops.
func (o *Orchestrator) Run(ctx context.Context, task *domain.Task, ext extractor.Extractor, cancelled *atomic.Bool) (status domain.TaskStatus) {
	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldTaskID:  task.ID,
		logger.FieldOwnerID: task.OwnerID,
		logger.FieldSource:  ext.Name(),
	})
	ctx = logger.SetComponent(ctx, "orchestrator")
	if cancelled == nil {
		cancelled = new(atomic.Bool)
	}

	r := &run{
		o:         o,
		task:      task,
		ext:       ext,
		costs:     ext.Costs(),
		tracker:   billing.NewTracker(o.ledger, task.OwnerID, task.ID),
		pipeline:  filter.FromConfig(task.Filters),
		cancelled: cancelled,
		seen:      make(map[string]struct{}),
	}

	moved, err := o.tasks.Transition(ctx, task.ID, domain.TaskStatusRunning, "")
	if err != nil || !moved {
		logger.FromContext(ctx).WithError(err).Error("Task could not enter running state")
		msg := "could not start task"
		if err != nil {
			msg = err.Error()
		}
		if _, ferr := o.tasks.Transition(ctx, task.ID, domain.TaskStatusFailed, msg); ferr != nil {
			logger.FromContext(ctx).WithError(ferr).Error("Failed to mark task failed")
		}
		for _, obs := range o.completionObservers {
			obs.OnComplete(task.ID, DonePayload{Status: domain.TaskStatusFailed, Error: msg})
		}
		return domain.TaskStatusFailed
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.failErr = fmt.Errorf("panic: %v", p)
			logger.FromContext(ctx).WithField("stack", string(debug.Stack())).Errorf("Task run panicked: %v", p)
		}
		status = r.settle(context.WithoutCancel(ctx))
		logger.With(logger.Fields{
			logger.FieldStatus: string(status),
			logger.FieldCount:  r.counters.TotalResults,
		}).WithDuration(time.Since(start).Milliseconds()).Info(ctx, "Task settled: credits_used=%s", r.tracker.Used())
	}()

	r.execute(ctx)
	return status
}

func (r *run) execute(ctx context.Context) {
	r.searchPhase(ctx)
	r.filterPhase(ctx)
	r.detailPhase(ctx)
}

func (r *run) searchPhase(ctx context.Context) {
	subs := r.task.SubTasks()
	slices := r.ext.Slices(r.task.Filters)
	r.counters.TotalSubTasks = len(subs)
	r.logf(ctx, "info", "Search started: %d sub-task(s), %d query slice(s) each", len(subs), len(slices))
	if len(slices) == 0 {
		r.logf(ctx, "warn", "No %s age bucket overlaps the requested age window", r.ext.Name())
	}
	r.report(ctx)

	for _, sub := range subs {
		found := 0
		for _, sl := range slices {
			n, stopped := r.searchSlice(ctx, sub, sl)
			found += n
			if stopped {
				return
			}
		}
		r.counters.CompletedSubTasks++
		r.counters.Progress = searchShare * r.counters.CompletedSubTasks / len(subs)
		r.logf(ctx, "info", "Sub-task %d/%d %q: %d new listing(s)", sub.Index+1, len(subs), sub.Label(), found)
		r.report(ctx)
	}
}

// searchSlice pages through one query slice. stopped reports that the whole
// run must stop.
func (r *run) searchSlice(ctx context.Context, sub domain.SubTask, sl extractor.Slice) (found int, stopped bool) {
	for page := 1; page <= r.o.cfg.MaxPages; page++ {
		if r.shouldStop(ctx) {
			return found, true
		}
		target := r.ext.SearchURL(sub, sl, page)
		body, err := r.fetchUnit(ctx, domain.UnitSearchPage, target, fmt.Sprintf("search %s page %d", sub.Label(), page))
		if err != nil {
			return found, r.absorb(ctx, err, "search page "+target)
		}
		sp, err := r.ext.ParseSearch(body)
		if err != nil {
			r.logf(ctx, "warn", "Unparsable search page %s: %v", target, err)
			return found, false
		}
		found += r.collect(sub, sp.Results)
		if !sp.HasNext {
			return found, false
		}
	}
	return found, false
}

// collect keeps listings not seen before in this run.
func (r *run) collect(sub domain.SubTask, results []domain.SearchResult) int {
	n := 0
	for _, sr := range results {
		key := sr.DetailURL
		if key == "" {
			key = strings.ToLower(sr.Name + "|" + sr.City + "|" + sr.State)
		}
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.seen[key] = struct{}{}
		r.raw = append(r.raw, listing{result: sr, query: sub})
		n++
	}
	return n
}

// filterPhase runs the full pipeline over listings before any detail spend.
func (r *run) filterPhase(ctx context.Context) {
	if r.filtered {
		return
	}
	r.filtered = true

	cands := make([]filter.Candidate, len(r.raw))
	for i, l := range r.raw {
		cands[i] = filter.Candidate{
			Ref:    i,
			Query:  l.query,
			Name:   l.result.Name,
			Age:    l.result.Age,
			State:  l.result.State,
			Phones: l.result.Phones,
		}
	}
	out := r.pipeline.Apply(cands)
	r.counters.FilteredOut += out.FilteredOut
	for _, c := range out.Survivors {
		l := r.raw[c.Ref]
		r.pending = append(r.pending, pendingRecord{listing: l, rec: domain.FromSearch(l.result)})
	}
	r.logf(ctx, "info", "Filtered %d listing(s): %d kept, %d removed%s",
		len(r.raw), len(out.Survivors), out.FilteredOut, formatRemoved(out.Removed))
}

func (r *run) detailPhase(ctx context.Context) {
	total := len(r.pending)
	for i := range r.pending {
		if r.shouldStop(ctx) {
			return
		}
		p := &r.pending[i]
		if target := p.result.DetailURL; target != "" {
			body, err := r.fetchUnit(ctx, domain.UnitDetailPage, target, "detail "+p.result.Name)
			if err != nil {
				if r.absorb(ctx, err, "detail page "+target) {
					return
				}
			} else if rec, err := r.ext.ParseDetail(body, p.result); err != nil {
				r.logf(ctx, "warn", "Unparsable detail page %s: %v", target, err)
			} else {
				p.rec = rec
			}
		}
		if done := i + 1; done%r.o.cfg.DetailBatch == 0 || done == total {
			r.counters.Progress = searchShare + detailShare*done/total
			r.report(ctx)
		}
	}
}

// fetchUnit returns the page for one unit of work. A cache hit is free;
// otherwise the page is fetched and billed only after the fetch succeeded.
func (r *run) fetchUnit(ctx context.Context, unit domain.UnitType, target, reason string) ([]byte, error) {
	key := cache.NormalizeKey(r.ext.Name(), unit, target)
	body, hit, err := r.o.cache.Get(ctx, key)
	if err != nil {
		logger.CtxWarn(ctx, "Cache lookup failed: unit=%s, error=%v", unit, err)
	} else if hit {
		r.counters.CacheHits++
		return body, nil
	}

	// Skip the proxy request when the unit could not be paid for anyway.
	cost := r.costs.Of(unit)
	if !r.tracker.CanAfford(ctx, cost) {
		return nil, errChargeRefused
	}

	page, err := r.o.fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	res, err := r.tracker.Charge(ctx, cost, unit, reason)
	if err != nil {
		r.failErr = err
		return nil, errStore
	}
	if !res.OK {
		return nil, errChargeRefused
	}

	if r.o.cfg.CacheTTL > 0 {
		if err := r.o.cache.Put(ctx, key, page.Body, r.o.cfg.CacheTTL); err != nil {
			logger.CtxWarn(ctx, "Cache write failed: unit=%s, error=%v", unit, err)
		}
	}
	return page.Body, nil
}

// absorb reacts to a failed unit of work and reports whether the run must stop.
func (r *run) absorb(ctx context.Context, err error, what string) bool {
	switch {
	case errors.Is(err, errChargeRefused):
		r.halt(stopCredits)
		r.logf(ctx, "warn", "Credits exhausted: %s needs %s", what, r.costs.Min())
	case errors.Is(err, errStore):
		r.logf(ctx, "error", "Billing store failure: %v", r.failErr)
	case scraper.IsUpstreamExhausted(err):
		r.halt(stopUpstream)
		r.logf(ctx, "warn", "Scraping service exhausted on %s: %v", what, err)
	case errors.Is(err, gate.ErrClosed), ctx.Err() != nil:
		r.halt(stopCancelled)
	default:
		r.logf(ctx, "warn", "Skipped %s: %v", what, err)
		return false
	}
	return true
}

func (r *run) halt(reason stopReason) {
	if r.stop == stopNone {
		r.stop = reason
	}
}

// shouldStop is checked at the top of every unit of work.
func (r *run) shouldStop(ctx context.Context) bool {
	switch {
	case r.stop != stopNone, r.failErr != nil:
		return true
	case r.cancelled.Load(), ctx.Err() != nil:
		r.halt(stopCancelled)
	case !r.tracker.CanContinue():
		r.halt(stopCredits)
	}
	return r.stop != stopNone
}

// settle persists the surviving records and moves the task to its terminal
// state. Records never enriched are kept when the listing already showed a
// phone; the post-detail filter drops the rest.
func (r *run) settle(ctx context.Context) domain.TaskStatus {
	if !r.filtered {
		r.filterPhase(ctx)
	}

	cands := make([]filter.Candidate, len(r.pending))
	for i, p := range r.pending {
		cands[i] = filter.Candidate{
			Ref:      i,
			Query:    p.query,
			Name:     p.rec.Name,
			Age:      p.rec.Age,
			State:    p.rec.State,
			Phones:   p.rec.Phones,
			Deceased: p.rec.Deceased,
			Enriched: p.rec.Enriched,
			Final:    true,
		}
	}
	out := r.pipeline.PostDetail().Apply(cands)
	r.counters.FilteredOut += out.FilteredOut

	results := make([]domain.DetailResult, 0, len(out.Survivors))
	for _, c := range out.Survivors {
		rec := r.pending[c.Ref].rec
		rec.ID = uuid.New().String()
		rec.TaskID = r.task.ID
		rec.Seq = len(results) + 1
		results = append(results, rec)
	}
	if err := r.o.results.CreateBatch(ctx, results); err != nil {
		if r.failErr == nil {
			r.failErr = fmt.Errorf("persist results: %w", err)
		}
		logger.CtxError(ctx, "Failed to persist %d result(s): %v", len(results), err)
	} else {
		r.counters.TotalResults = len(results)
	}
	if out.FilteredOut > 0 {
		r.logf(ctx, "info", "Post-detail filter removed %d record(s)%s", out.FilteredOut, formatRemoved(out.Removed))
	}

	status, msg := r.outcome()
	if status == domain.TaskStatusCompleted {
		r.counters.Progress = 100
	}
	r.report(ctx)

	level := "info"
	if status != domain.TaskStatusCompleted {
		level = "warn"
	}
	r.logf(ctx, level, "Task %s: %d result(s), %s credit(s) used", status, r.counters.TotalResults, r.tracker.Used())

	if _, err := r.o.tasks.Transition(ctx, r.task.ID, status, msg); err != nil {
		logger.FromContext(ctx).WithError(err).Error("Failed to settle task status")
	}

	done := DonePayload{
		Status:       status,
		TotalResults: r.counters.TotalResults,
		CreditsUsed:  r.tracker.Used(),
		Error:        msg,
	}
	for _, obs := range r.o.completionObservers {
		obs.OnComplete(r.task.ID, done)
	}
	return status
}

func (r *run) outcome() (domain.TaskStatus, string) {
	switch {
	case r.failErr != nil:
		return domain.TaskStatusFailed, r.failErr.Error()
	case r.stop == stopCancelled:
		return domain.TaskStatusCancelled, "cancelled"
	case r.stop == stopCredits:
		return domain.TaskStatusInsufficientCredits, "insufficient credits"
	case r.stop == stopUpstream:
		return domain.TaskStatusServiceBusy, "scraping service exhausted, try again later"
	}
	return domain.TaskStatusCompleted, ""
}

func (r *run) report(ctx context.Context) {
	bd := r.tracker.CostBreakdown()
	r.counters.SearchPageRequests = bd.SearchPages
	r.counters.DetailPageRequests = bd.DetailPages
	if err := r.o.progress.UpdateProgress(ctx, r.task.ID, r.counters); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("Failed to write progress")
	}
	for _, obs := range r.o.progressObservers {
		obs.OnProgress(r.task.ID, r.counters)
	}
}

// logf writes a user-visible task log line and mirrors it to the process log.
func (r *run) logf(ctx context.Context, level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l := logger.FromContext(ctx)
	switch level {
	case "error":
		l.Error(msg)
	case "warn":
		l.Warn(msg)
	default:
		l.Info(msg)
	}
	if _, err := r.o.logs.AppendLog(ctx, r.task.ID, level, msg); err != nil {
		l.WithError(err).Warn("Failed to append task log")
	}
}

func formatRemoved(removed map[string]int) string {
	if len(removed) == 0 {
		return ""
	}
	names := make([]string, 0, len(removed))
	for name := range removed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, removed[name])
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
