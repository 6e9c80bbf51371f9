package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/timmy/skiptrace/internal/cache"
	"github.com/timmy/skiptrace/internal/config"
	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/export"
	"github.com/timmy/skiptrace/internal/extractor"
	"github.com/timmy/skiptrace/internal/gate"
	"github.com/timmy/skiptrace/internal/repository"
	"github.com/timmy/skiptrace/internal/repository/repotest"
	"github.com/timmy/skiptrace/internal/scraper"
)

const owner = "owner-1"

// jsonExtractor reads listing and detail pages encoded as JSON.
type jsonExtractor struct{}

func (jsonExtractor) Name() string { return "fake" }

func (jsonExtractor) Costs() extractor.UnitCosts {
	return extractor.UnitCosts{
		SearchPage: domain.MustParseCredits("3"),
		DetailPage: domain.MustParseCredits("2"),
	}
}

func (jsonExtractor) Slices(domain.FilterConfig) []extractor.Slice {
	return []extractor.Slice{{Key: "all"}}
}

func (jsonExtractor) SearchURL(sub domain.SubTask, _ extractor.Slice, page int) string {
	return fmt.Sprintf("https://people.test/search?q=%s&page=%d", url.QueryEscape(sub.Label()), page)
}

func (jsonExtractor) ParseSearch(body []byte) (extractor.SearchPage, error) {
	var sp extractor.SearchPage
	err := json.Unmarshal(body, &sp)
	return sp, err
}

func (jsonExtractor) ParseDetail(body []byte, base domain.SearchResult) (domain.DetailResult, error) {
	var d domain.DetailResult
	if err := json.Unmarshal(body, &d); err != nil {
		return domain.DetailResult{}, err
	}
	rec := domain.FromSearch(base)
	rec.MergeDetail(d)
	return rec, nil
}

func searchURL(name string) string {
	return jsonExtractor{}.SearchURL(domain.SubTask{Name: name}, extractor.Slice{}, 1)
}

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string][]byte
	errs  map[string]error
	calls []string
	hook  func(url string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string][]byte{}, errs: map[string]error{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, target string) (*scraper.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	body, ok := f.pages[target]
	err := f.errs[target]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(target)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &scraper.FetchError{Outcome: scraper.OutcomeOther, StatusCode: 404, Attempts: 1, Err: errors.New("no such page")}
	}
	return &scraper.Page{URL: target, Body: body, StatusCode: 200, Attempts: 1}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// listing registers a one-page search result for name.
func (f *fakeFetcher) listing(t *testing.T, name string, results ...domain.SearchResult) {
	t.Helper()
	body, err := json.Marshal(extractor.SearchPage{Results: results})
	if err != nil {
		t.Fatal(err)
	}
	f.pages[searchURL(name)] = body
}

func (f *fakeFetcher) detail(t *testing.T, target string, d domain.DetailResult) {
	t.Helper()
	body, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	f.pages[target] = body
}

func withPhone(name string) domain.SearchResult {
	return domain.SearchResult{
		Name:   name,
		Age:    40,
		State:  "TX",
		Phones: domain.PhoneList{{Number: "512-555-0101"}},
		Source: "fake",
	}
}

type doneRecorder struct {
	mu   sync.Mutex
	done map[string]DonePayload
}

func (r *doneRecorder) OnComplete(taskID string, d DonePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[taskID] = d
}

func (r *doneRecorder) get(taskID string) (DonePayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.done[taskID]
	return d, ok
}

type testEnv struct {
	svc     *TaskService
	tasks   *repository.TaskRepository
	results *repository.ResultRepository
	ledger  *repository.LedgerRepository
	fetcher *fakeFetcher
	done    *doneRecorder
}

func newTestEnv(t *testing.T, balance string, withCache bool) *testEnv {
	t.Helper()
	db := repotest.Open(t)
	if balance != "" {
		repotest.Fund(t, db, owner, domain.MustParseCredits(balance))
	}

	env := &testEnv{
		tasks:   repository.NewTaskRepository(db),
		results: repository.NewResultRepository(db),
		ledger:  repository.NewLedgerRepository(db),
		fetcher: newFakeFetcher(),
		done:    &doneRecorder{done: map[string]DonePayload{}},
	}

	var pageCache cache.Cache = cache.Nop{}
	cfg := OrchestratorConfig{MaxPages: 3, DetailBatch: 1}
	if withCache {
		pageCache = cache.NewStore(repository.NewCacheRepository(db))
		cfg.CacheTTL = time.Hour
	}
	orch := NewOrchestrator(env.fetcher, pageCache, env.ledger, env.tasks, env.results, cfg)
	orch.AddCompletionObserver(env.done)

	reg := extractor.NewRegistry()
	reg.Register(jsonExtractor{})

	env.svc = NewTaskService(env.tasks, env.results, env.ledger, reg, orch, nil, gate.New(4), TaskServiceConfig{
		Limits:   config.TasksConfig{MaxNames: 10, MaxLocations: 5},
		Defaults: config.FiltersConfig{DefaultMinAge: 18, DefaultMaxAge: 120, ExcludeDeceased: true},
	})
	return env
}

// runTask submits a task and waits for it to settle.
func (e *testEnv) runTask(t *testing.T, names ...string) *domain.Task {
	t.Helper()
	ctx := context.Background()
	task, err := e.svc.Submit(ctx, SubmitRequest{OwnerID: owner, Mode: "fake", Names: names})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return e.settled(t, task.ID)
}

func (e *testEnv) settled(t *testing.T, taskID string) *domain.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.svc.Wait(ctx, taskID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	task, err := e.tasks.GetByID(context.Background(), taskID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	return task
}

// assertLedgerMatches checks sum(ledger entries) == credits_used.
func (e *testEnv) assertLedgerMatches(t *testing.T, task *domain.Task) {
	t.Helper()
	sum, err := e.ledger.SumByTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("SumByTask() error = %v", err)
	}
	if sum != task.CreditsUsed {
		t.Errorf("ledger sum = %s, credits_used = %s", sum, task.CreditsUsed)
	}
}

func (e *testEnv) resultCount(t *testing.T, taskID string) int {
	t.Helper()
	n, err := e.results.CountByTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("CountByTask() error = %v", err)
	}
	return int(n)
}

func TestRun_StopsWhenCreditsRunOut(t *testing.T) {
	env := newTestEnv(t, "10", false)
	names := []string{"Ann Lee", "Bob Ray", "Cy Doe", "Di Fox"}
	for _, n := range names {
		env.fetcher.listing(t, n, withPhone(n))
	}

	task := env.runTask(t, names...)

	if task.Status != domain.TaskStatusInsufficientCredits {
		t.Fatalf("status = %s, want %s (error %q)", task.Status, domain.TaskStatusInsufficientCredits, task.ErrorMessage)
	}
	if want := domain.MustParseCredits("9"); task.CreditsUsed != want {
		t.Errorf("credits_used = %s, want %s", task.CreditsUsed, want)
	}
	if got := env.resultCount(t, task.ID); got != 3 || task.TotalResults != 3 {
		t.Errorf("results = %d (total_results %d), want 3", got, task.TotalResults)
	}
	if task.SearchPageRequests != 3 {
		t.Errorf("search_page_requests = %d, want 3", task.SearchPageRequests)
	}
	if got := env.fetcher.callCount(); got != 3 {
		t.Errorf("fetches = %d, want 3 (no proxy request once a unit is unaffordable)", got)
	}
	env.assertLedgerMatches(t, task)

	bal, _ := env.ledger.Balance(context.Background(), owner)
	if want := domain.MustParseCredits("1"); bal != want {
		t.Errorf("balance = %s, want %s", bal, want)
	}

	entries, _ := env.ledger.EntriesByTask(context.Background(), task.ID)
	wantAfter := []string{"7", "4", "1"}
	if len(entries) != len(wantAfter) {
		t.Fatalf("ledger entries = %d, want %d", len(entries), len(wantAfter))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) || e.BalanceAfter != domain.MustParseCredits(wantAfter[i]) {
			t.Errorf("entry %d = seq %d after %s, want seq %d after %s", i, e.Seq, e.BalanceAfter, i+1, wantAfter[i])
		}
	}

	done, ok := env.done.get(task.ID)
	if !ok || done.Status != domain.TaskStatusInsufficientCredits || done.TotalResults != 3 {
		t.Errorf("completion = %+v (seen %v)", done, ok)
	}
}

func TestRun_UpstreamExhaustionHaltsTask(t *testing.T) {
	env := newTestEnv(t, "100", false)
	names := []string{"Ann Lee", "Bob Ray", "Cy Doe", "Di Fox", "Ed Poe"}
	for _, n := range names {
		env.fetcher.listing(t, n, withPhone(n))
	}
	env.fetcher.errs[searchURL("Bob Ray")] = &scraper.FetchError{
		Outcome:    scraper.OutcomeUpstreamExhausted,
		StatusCode: 429,
		Attempts:   1,
		Err:        scraper.ErrUpstreamExhausted,
	}

	task := env.runTask(t, names...)

	if task.Status != domain.TaskStatusServiceBusy {
		t.Fatalf("status = %s, want %s", task.Status, domain.TaskStatusServiceBusy)
	}
	if got := env.fetcher.callCount(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
	if got := env.resultCount(t, task.ID); got != 1 {
		t.Errorf("results = %d, want 1", got)
	}
	if want := domain.MustParseCredits("3"); task.CreditsUsed != want {
		t.Errorf("credits_used = %s, want %s", task.CreditsUsed, want)
	}
	env.assertLedgerMatches(t, task)
}

func TestRun_OtherErrorsSkipSubTask(t *testing.T) {
	env := newTestEnv(t, "100", false)
	env.fetcher.listing(t, "Ann Lee", withPhone("Ann Lee"))
	// no page registered for "Bob Ray": the fake answers 404
	env.fetcher.listing(t, "Cy Doe", withPhone("Cy Doe"))

	task := env.runTask(t, "Ann Lee", "Bob Ray", "Cy Doe")

	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.Progress != 100 || task.CompletedSubTasks != 3 {
		t.Errorf("progress = %d, completed_subtasks = %d", task.Progress, task.CompletedSubTasks)
	}
	if got := env.resultCount(t, task.ID); got != 2 {
		t.Errorf("results = %d, want 2", got)
	}
	if want := domain.MustParseCredits("6"); task.CreditsUsed != want {
		t.Errorf("credits_used = %s, want %s (failed fetches are never billed)", task.CreditsUsed, want)
	}
	env.assertLedgerMatches(t, task)
}

func TestRun_DetailWithoutPhoneIsFiltered(t *testing.T) {
	env := newTestEnv(t, "100", false)
	env.fetcher.listing(t, "Ann Lee",
		domain.SearchResult{Name: "Ann Lee", Age: 40, State: "TX", DetailURL: "https://people.test/p/1", Source: "fake"},
		domain.SearchResult{Name: "Ann Lee", Age: 52, State: "TX", DetailURL: "https://people.test/p/2", Source: "fake"},
	)
	env.fetcher.detail(t, "https://people.test/p/1", domain.DetailResult{
		Address: "1 Main St",
		Phones:  domain.PhoneList{{Number: "(512) 555-0101", Carrier: "AT&T", Type: domain.PhoneTypeWireless}},
	})
	env.fetcher.detail(t, "https://people.test/p/2", domain.DetailResult{Address: "2 Oak Ave"})

	task := env.runTask(t, "Ann Lee")

	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed (error %q)", task.Status, task.ErrorMessage)
	}
	if task.FilteredOut != 1 {
		t.Errorf("filtered_out = %d, want 1", task.FilteredOut)
	}
	if task.SearchPageRequests != 1 || task.DetailPageRequests != 2 {
		t.Errorf("requests = %d search / %d detail, want 1 / 2", task.SearchPageRequests, task.DetailPageRequests)
	}
	if want := domain.MustParseCredits("7"); task.CreditsUsed != want {
		t.Errorf("credits_used = %s, want %s", task.CreditsUsed, want)
	}
	env.assertLedgerMatches(t, task)

	results, err := env.svc.Results(context.Background(), owner, task.ID)
	if err != nil {
		t.Fatalf("Results() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if r := results[0]; r.Address != "1 Main St" || !r.Enriched || len(r.Phones) != 1 || r.Seq != 1 {
		t.Errorf("result = %+v", r)
	}

	// the export re-parses to the same records
	exp, err := env.svc.Export(context.Background(), owner, task.ID)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	parsed, err := export.ReadCSV(bytes.NewReader(exp.Body))
	if err != nil {
		t.Fatalf("ReadCSV() error = %v", err)
	}
	if len(parsed) != len(results) {
		t.Fatalf("exported %d rows, want %d", len(parsed), len(results))
	}
	for i := range results {
		if got, want := exportView(parsed[i]), exportView(results[i]); got != want {
			t.Errorf("row %d = %s, want %s", i, got, want)
		}
	}
}

func exportView(r domain.DetailResult) string {
	var phones []string
	for _, p := range r.Phones {
		phones = append(phones, p.Number+"/"+p.Carrier+"/"+p.Type)
	}
	return fmt.Sprintf("%d|%s|%d|%s|%s|%s|%s|%s|%v|%v|%s|%s",
		r.Seq, r.Name, r.Age, r.Address, r.City, r.State, r.Zip,
		strings.Join(phones, ","), r.Deceased, r.Enriched, r.Source, r.DetailURL)
}

func TestRun_CacheHitIsFree(t *testing.T) {
	env := newTestEnv(t, "10", true)
	env.fetcher.listing(t, "Ann Lee", withPhone("Ann Lee"))

	first := env.runTask(t, "Ann Lee")
	second := env.runTask(t, "Ann Lee")

	if first.CreditsUsed != domain.MustParseCredits("3") || first.CacheHits != 0 {
		t.Errorf("first run: credits_used = %s, cache_hits = %d", first.CreditsUsed, first.CacheHits)
	}
	if second.CreditsUsed != 0 || second.CacheHits != 1 || second.SearchPageRequests != 0 {
		t.Errorf("second run: credits_used = %s, cache_hits = %d, search requests = %d",
			second.CreditsUsed, second.CacheHits, second.SearchPageRequests)
	}
	if got := env.fetcher.callCount(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	if got := env.resultCount(t, second.ID); got != 1 {
		t.Errorf("second run results = %d, want 1", got)
	}
	entries, _ := env.ledger.EntriesByTask(context.Background(), second.ID)
	if len(entries) != 0 {
		t.Errorf("second run ledger entries = %d, want 0", len(entries))
	}
	env.assertLedgerMatches(t, first)
	env.assertLedgerMatches(t, second)
}

// blockFirstFetch holds the first fetch until release is closed.
func blockFirstFetch(f *fakeFetcher) (started, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	f.hook = func(string) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(started)
			<-release
		}
	}
	return started, release
}

func TestCancel_InFlightFetchIsKept(t *testing.T) {
	env := newTestEnv(t, "100", false)
	env.fetcher.listing(t, "Ann Lee", withPhone("Ann Lee"))
	env.fetcher.listing(t, "Bob Ray", withPhone("Bob Ray"))
	started, release := blockFirstFetch(env.fetcher)

	ctx := context.Background()
	task, err := env.svc.Submit(ctx, SubmitRequest{OwnerID: owner, Mode: "fake", Names: []string{"Ann Lee", "Bob Ray"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started
	if err := env.svc.Cancel(ctx, owner, task.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(release)

	got := env.settled(t, task.ID)
	if got.Status != domain.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if env.fetcher.callCount() != 1 {
		t.Errorf("fetches = %d, want 1", env.fetcher.callCount())
	}
	if n := env.resultCount(t, task.ID); n != 1 {
		t.Errorf("results = %d, want 1", n)
	}
	env.assertLedgerMatches(t, got)

	if err := env.svc.Cancel(ctx, owner, task.ID); !errors.Is(err, ErrTaskNotRunning) {
		t.Errorf("Cancel() on settled task error = %v, want ErrTaskNotRunning", err)
	}
	if err := env.svc.Cancel(ctx, owner, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Cancel() on unknown task error = %v, want ErrTaskNotFound", err)
	}
}

func TestShutdown_CancelsRunningTasks(t *testing.T) {
	env := newTestEnv(t, "100", false)
	env.fetcher.listing(t, "Ann Lee", withPhone("Ann Lee"))
	env.fetcher.listing(t, "Bob Ray", withPhone("Bob Ray"))
	started, release := blockFirstFetch(env.fetcher)

	ctx := context.Background()
	task, err := env.svc.Submit(ctx, SubmitRequest{OwnerID: owner, Mode: "fake", Names: []string{"Ann Lee", "Bob Ray"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-started

	shutdownErr := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr <- env.svc.Shutdown(sctx)
	}()
	for !env.svc.isClosed() {
		time.Sleep(time.Millisecond)
	}
	close(release)

	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	got, _ := env.tasks.GetByID(ctx, task.ID)
	if got.Status != domain.TaskStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if _, err := env.svc.Submit(ctx, SubmitRequest{OwnerID: owner, Mode: "fake", Names: []string{"Cy Doe"}}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit() after shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, "1", false)
	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"missing owner", SubmitRequest{Mode: "fake", Names: []string{"Ann Lee"}}, ErrInvalidTask},
		{"unknown mode", SubmitRequest{OwnerID: owner, Mode: "nope", Names: []string{"Ann Lee"}}, ErrInvalidTask},
		{"blank names", SubmitRequest{OwnerID: owner, Mode: "fake", Names: []string{" ", ""}}, ErrInvalidTask},
		{"too many locations", SubmitRequest{OwnerID: owner, Mode: "fake", Names: []string{"Ann Lee"},
			Locations: []string{"a", "b", "c", "d", "e", "f"}}, ErrInvalidTask},
		{"inverted age window", SubmitRequest{OwnerID: owner, Mode: "fake", Names: []string{"Ann Lee"},
			Filters: domain.FilterConfig{MinAge: 60, MaxAge: 30}}, ErrInvalidTask},
		{"balance below one unit", SubmitRequest{OwnerID: owner, Mode: "fake", Names: []string{"Ann Lee"}}, ErrInsufficientBalance},
		{"unknown owner has no balance", SubmitRequest{OwnerID: "nobody", Mode: "fake", Names: []string{"Ann Lee"}}, ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Submit(context.Background(), tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}
	if env.fetcher.callCount() != 0 {
		t.Errorf("rejected submissions fetched %d pages", env.fetcher.callCount())
	}
}

func TestSubmit_AppliesFilterDefaults(t *testing.T) {
	env := newTestEnv(t, "100", false)
	env.fetcher.listing(t, "Ann Lee", withPhone("Ann Lee"))

	task := env.runTask(t, " Ann Lee ", "")
	if task.Filters.MinAge != 18 || task.Filters.MaxAge != 120 || !task.Filters.DeceasedExcluded() {
		t.Errorf("filters = %+v", task.Filters)
	}
	if len(task.Names) != 1 || task.Names[0] != "Ann Lee" {
		t.Errorf("names = %v", task.Names)
	}
}

func TestStatus_ReturnsLogsAfterSeq(t *testing.T) {
	env := newTestEnv(t, "100", false)
	env.fetcher.listing(t, "Ann Lee", withPhone("Ann Lee"))
	task := env.runTask(t, "Ann Lee")

	snap, err := env.svc.Status(context.Background(), owner, task.ID, 0)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(snap.Logs) == 0 || snap.Logs[0].Seq != 1 {
		t.Fatalf("logs = %+v", snap.Logs)
	}
	last := snap.Logs[len(snap.Logs)-1]
	if !strings.Contains(last.Message, "completed") {
		t.Errorf("last log = %q", last.Message)
	}

	tail, err := env.svc.Status(context.Background(), owner, task.ID, last.Seq)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(tail.Logs) != 0 {
		t.Errorf("logs after last seq = %d, want 0", len(tail.Logs))
	}

	if _, err := env.svc.Status(context.Background(), "someone-else", task.ID, 0); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Status() for other owner error = %v, want ErrTaskNotFound", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	db := repotest.Open(t)
	repotest.Task(t, db, "stale", owner)
	tasks := repository.NewTaskRepository(db)
	svc := NewTaskService(tasks, repository.NewResultRepository(db), repository.NewLedgerRepository(db),
		extractor.NewRegistry(), nil, nil, nil, TaskServiceConfig{})

	n, err := svc.RecoverInterrupted(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted() = %d, %v", n, err)
	}
	got, _ := tasks.GetByID(context.Background(), "stale")
	if got.Status != domain.TaskStatusFailed || got.ErrorMessage != "interrupted by restart" {
		t.Errorf("task = %s %q", got.Status, got.ErrorMessage)
	}
}
