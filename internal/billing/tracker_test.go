package billing

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/timmy/skiptrace/internal/domain"
	"github.com/timmy/skiptrace/internal/repository"
	"github.com/timmy/skiptrace/internal/repository/repotest"
)

// memLedger is an in-memory Ledger for property tests.
type memLedger struct {
	balance domain.Credits
	entries []domain.ChargeRequest
	fail    error
}

func (m *memLedger) Balance(context.Context, string) (domain.Credits, error) {
	return m.balance, m.fail
}

func (m *memLedger) ChargeAtomic(_ context.Context, req domain.ChargeRequest) (domain.Credits, bool, error) {
	if m.fail != nil {
		return 0, false, m.fail
	}
	if m.balance < req.Amount {
		return m.balance, false, nil
	}
	m.balance -= req.Amount
	m.entries = append(m.entries, req)
	return m.balance, true, nil
}

func TestCharge_ScenarioTenByThree(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{balance: domain.MustParseCredits("10")}
	tr := NewTracker(ledger, "alice", "t1")
	cost := domain.MustParseCredits("3")

	want := []struct {
		ok      bool
		balance string
	}{
		{true, "7"}, {true, "4"}, {true, "1"}, {false, "1"},
	}
	for i, w := range want {
		res, err := tr.Charge(ctx, cost, domain.UnitSearchPage, "search page")
		if err != nil {
			t.Fatalf("charge %d error = %v", i+1, err)
		}
		if res.OK != w.ok || res.NewBalance != domain.MustParseCredits(w.balance) {
			t.Errorf("charge %d = %+v, want ok=%v balance=%s", i+1, res, w.ok, w.balance)
		}
	}
	if tr.CanContinue() {
		t.Error("CanContinue() = true after refusal")
	}
	if tr.Used() != domain.MustParseCredits("9") {
		t.Errorf("Used() = %s, want 9", tr.Used())
	}
	if bd := tr.CostBreakdown(); bd.SearchPages != 3 || bd.DetailPages != 0 {
		t.Errorf("CostBreakdown() = %+v", bd)
	}
}

func TestCharge_LatchSurvivesReplenish(t *testing.T) {
	ctx := context.Background()
	ledger := &memLedger{balance: domain.MustParseCredits("0.5")}
	tr := NewTracker(ledger, "alice", "t1")

	if res, _ := tr.Charge(ctx, domain.MustParseCredits("1"), domain.UnitDetailPage, ""); res.OK {
		t.Fatal("first charge succeeded with insufficient balance")
	}
	ledger.balance = domain.MustParseCredits("100")

	if !tr.CanAfford(ctx, domain.MustParseCredits("1")) {
		t.Error("CanAfford() = false after replenish")
	}
	if res, _ := tr.Charge(ctx, domain.MustParseCredits("1"), domain.UnitDetailPage, ""); res.OK {
		t.Error("charge succeeded after latch tripped")
	}
	if tr.CanContinue() {
		t.Error("CanContinue() recovered after replenish")
	}
	if len(ledger.entries) != 0 {
		t.Errorf("ledger entries = %d, want 0", len(ledger.entries))
	}
}

func TestCharge_NeverBelowZero(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 200; run++ {
		start := domain.Credits(rng.Int63n(200000))
		ledger := &memLedger{balance: start}
		tr := NewTracker(ledger, "o", "t")

		for i := 0; i < 50 && tr.CanContinue(); i++ {
			cost := domain.Credits(1 + rng.Int63n(15000))
			unit := domain.UnitSearchPage
			if rng.Intn(2) == 0 {
				unit = domain.UnitDetailPage
			}
			if _, err := tr.Charge(ctx, cost, unit, ""); err != nil {
				t.Fatalf("Charge() error = %v", err)
			}
			if ledger.balance < 0 {
				t.Fatalf("run %d: balance went negative: %s", run, ledger.balance)
			}
		}

		var sum domain.Credits
		for _, e := range ledger.entries {
			sum += e.Amount
		}
		if sum != tr.Used() || start-sum != ledger.balance {
			t.Fatalf("run %d: ledger sum %s, Used %s, start %s, balance %s", run, sum, tr.Used(), start, ledger.balance)
		}
	}
}

func TestCharge_StoreFailureIsError(t *testing.T) {
	boom := errors.New("disk full")
	tr := NewTracker(&memLedger{balance: 100, fail: boom}, "o", "t")

	_, err := tr.Charge(context.Background(), 1, domain.UnitSearchPage, "")
	if !errors.Is(err, boom) {
		t.Errorf("Charge() error = %v, want %v", err, boom)
	}
	if !tr.CanContinue() {
		t.Error("store failure must not trip the credit latch")
	}
	if tr.CanAfford(context.Background(), 1) {
		t.Error("CanAfford() = true on store failure")
	}
}

func TestTracker_AgainstRepository(t *testing.T) {
	ctx := context.Background()
	db := repotest.Open(t)
	repotest.Fund(t, db, "alice", domain.MustParseCredits("2"))
	repotest.Task(t, db, "t1", "alice")
	ledger := repository.NewLedgerRepository(db)
	tr := NewTracker(ledger, "alice", "t1")

	for tr.CanContinue() {
		if _, err := tr.Charge(ctx, domain.MustParseCredits("0.75"), domain.UnitDetailPage, "detail page"); err != nil {
			t.Fatalf("Charge() error = %v", err)
		}
	}

	sum, err := ledger.SumByTask(ctx, "t1")
	if err != nil {
		t.Fatalf("SumByTask() error = %v", err)
	}
	task, err := repository.NewTaskRepository(db).GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	want := domain.MustParseCredits("1.5")
	if sum != want || task.CreditsUsed != want || tr.Used() != want {
		t.Errorf("sum %s, credits_used %s, Used %s, want %s", sum, task.CreditsUsed, tr.Used(), want)
	}
}
