package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ding113/claude-relay-service/internal/account"
	"github.com/ding113/claude-relay-service/internal/crypto"
	"github.com/ding113/claude-relay-service/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *account.AccountStore, store.Store) {
	t.Helper()
	mem := store.NewMem()
	accounts := account.NewStore(mem, crypto.New("test-encryption-key"))
	sched := New(accounts, mem, NewBalancer(), 15*24*time.Hour, 14*24*time.Hour)
	return sched, accounts, mem
}

func seedAccount(t *testing.T, accounts *account.AccountStore, name string, priority int, models map[string]string) *account.Account {
	t.Helper()
	a, err := accounts.Create(context.Background(), account.CreateParams{
		Platform:        account.PlatformConsole,
		Name:            name,
		APIURL:          "https://api.anthropic.com",
		APIKey:          "sk-ant-test-" + name,
		Priority:        priority,
		SupportedModels: models,
	})
	if err != nil {
		t.Fatalf("seed account %s: %v", name, err)
	}
	return a
}

func TestSelectAccountStickyReuse(t *testing.T) {
	sched, accounts, _ := newTestScheduler(t)
	ctx := context.Background()
	seedAccount(t, accounts, "one", 10, nil)
	seedAccount(t, accounts, "two", 10, nil)
	seedAccount(t, accounts, "three", 10, nil)

	req := Request{Platform: account.PlatformConsole, SessionFingerprint: "fp-sticky"}
	first, err := sched.SelectAccount(ctx, req, Options{})
	if err != nil {
		t.Fatalf("first select: %v", err)
	}
	if first.IsSticky {
		t.Fatal("first selection reported sticky")
	}

	for i := 0; i < 5; i++ {
		res, err := sched.SelectAccount(ctx, req, Options{})
		if err != nil {
			t.Fatalf("sticky select %d: %v", i, err)
		}
		if res.Account.ID != first.Account.ID {
			t.Fatalf("sticky select %d landed on %q, want %q", i, res.Account.ID, first.Account.ID)
		}
		if !res.IsSticky {
			t.Fatalf("sticky select %d not reported sticky", i)
		}
	}
}

func TestSelectAccountStickySkipsExcluded(t *testing.T) {
	sched, accounts, st := newTestScheduler(t)
	ctx := context.Background()
	seedAccount(t, accounts, "one", 10, nil)
	seedAccount(t, accounts, "two", 10, nil)

	req := Request{Platform: account.PlatformConsole, SessionFingerprint: "fp-excl"}
	first, err := sched.SelectAccount(ctx, req, Options{})
	if err != nil {
		t.Fatalf("first select: %v", err)
	}

	res, err := sched.SelectAccount(ctx, req, Options{ExcludeIDs: map[string]bool{first.Account.ID: true}})
	if err != nil {
		t.Fatalf("excluded select: %v", err)
	}
	if res.Account.ID == first.Account.ID {
		t.Fatal("excluded account was selected again")
	}
	if res.IsSticky {
		t.Fatal("selection after mapping invalidation reported sticky")
	}

	// The stale mapping must be replaced, not just bypassed.
	mapping, err := st.GetSession(ctx, "fp-excl")
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	if mapping == nil || mapping.AccountID != res.Account.ID {
		t.Fatalf("session mapping = %+v, want account %q", mapping, res.Account.ID)
	}
}

func TestSelectAccountStickyDropsUnavailable(t *testing.T) {
	sched, accounts, _ := newTestScheduler(t)
	ctx := context.Background()
	seedAccount(t, accounts, "one", 10, nil)
	seedAccount(t, accounts, "two", 10, nil)

	req := Request{Platform: account.PlatformConsole, SessionFingerprint: "fp-down"}
	first, err := sched.SelectAccount(ctx, req, Options{})
	if err != nil {
		t.Fatalf("first select: %v", err)
	}

	if err := accounts.MarkStatus(ctx, account.PlatformConsole, first.Account.ID, account.StatusUnauthorized, "auth failed"); err != nil {
		t.Fatalf("mark status: %v", err)
	}

	res, err := sched.SelectAccount(ctx, req, Options{})
	if err != nil {
		t.Fatalf("select after failure: %v", err)
	}
	if res.Account.ID == first.Account.ID {
		t.Fatal("unavailable sticky account was reused")
	}
}

func TestSelectAccountRoundRobinWithinPriority(t *testing.T) {
	sched, accounts, _ := newTestScheduler(t)
	ctx := context.Background()
	a := seedAccount(t, accounts, "p10-a", 10, nil)
	b := seedAccount(t, accounts, "p10-b", 10, nil)
	c := seedAccount(t, accounts, "p10-c", 10, nil)
	low := seedAccount(t, accounts, "p20", 20, nil)

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		res, err := sched.SelectAccount(ctx, Request{Platform: account.PlatformConsole}, Options{})
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		counts[res.Account.ID]++
	}

	for _, id := range []string{a.ID, b.ID, c.ID} {
		if counts[id] != 3 {
			t.Fatalf("account %q picked %d times over 9 requests, want 3 (counts=%v)", id, counts[id], counts)
		}
	}
	if counts[low.ID] != 0 {
		t.Fatalf("priority-20 account picked %d times with priority-10 accounts available", counts[low.ID])
	}
}

func TestSelectAccountModelFiltering(t *testing.T) {
	sched, accounts, _ := newTestScheduler(t)
	ctx := context.Background()
	narrow := seedAccount(t, accounts, "narrow", 10, map[string]string{"claude-sonnet-4-20250514": "claude-sonnet-4-20250514"})
	seedAccount(t, accounts, "other", 10, map[string]string{"claude-3-5-haiku-20241022": "claude-3-5-haiku-20241022"})

	res, err := sched.SelectAccount(ctx, Request{Platform: account.PlatformConsole, Model: "claude-sonnet-4-20250514"}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account.ID != narrow.ID {
		t.Fatalf("selected %q, want the only account supporting the model", res.Account.ID)
	}

	_, err = sched.SelectAccount(ctx, Request{Platform: account.PlatformConsole, Model: "claude-opus-4-20250514"}, Options{})
	var noModel *NoModelSupportError
	if !errors.As(err, &noModel) {
		t.Fatalf("unsupported model error = %v, want NoModelSupportError", err)
	}
}

func TestSelectAccountNoCandidates(t *testing.T) {
	sched, accounts, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.SelectAccount(ctx, Request{Platform: account.PlatformConsole}, Options{})
	var noCand *NoCandidatesError
	if !errors.As(err, &noCand) {
		t.Fatalf("empty pool error = %v, want NoCandidatesError", err)
	}

	a := seedAccount(t, accounts, "down", 10, nil)
	if err := accounts.Update(ctx, account.PlatformConsole, a.ID, map[string]string{"schedulable": "false"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	_, err = sched.SelectAccount(ctx, Request{Platform: account.PlatformConsole}, Options{})
	if !errors.As(err, &noCand) {
		t.Fatalf("unschedulable pool error = %v, want NoCandidatesError", err)
	}
}

func TestSelectAccountRateLimitedWindowExcludes(t *testing.T) {
	sched, accounts, _ := newTestScheduler(t)
	ctx := context.Background()
	limited := seedAccount(t, accounts, "limited", 1, nil)
	open := seedAccount(t, accounts, "open", 10, nil)

	now := time.Now().UTC().Format(time.RFC3339)
	if err := accounts.Update(ctx, account.PlatformConsole, limited.ID, map[string]string{
		"status":        account.StatusRateLimited,
		"rateLimitedAt": now,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := sched.SelectAccount(ctx, Request{Platform: account.PlatformConsole}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account.ID != open.ID {
		t.Fatalf("selected %q while it is inside its rate-limit window", res.Account.ID)
	}
}

func TestSelectAccountBoundAccount(t *testing.T) {
	sched, accounts, _ := newTestScheduler(t)
	ctx := context.Background()
	seedAccount(t, accounts, "pool", 1, nil)
	bound := seedAccount(t, accounts, "bound", 99, nil)

	res, err := sched.SelectAccount(ctx, Request{Platform: account.PlatformConsole, BoundAccountID: bound.ID}, Options{})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Account.ID != bound.ID {
		t.Fatalf("selected %q, want bound account %q", res.Account.ID, bound.ID)
	}

	if err := accounts.MarkStatus(ctx, account.PlatformConsole, bound.ID, account.StatusBlocked, "banned"); err != nil {
		t.Fatalf("mark status: %v", err)
	}
	_, err = sched.SelectAccount(ctx, Request{Platform: account.PlatformConsole, BoundAccountID: bound.ID}, Options{})
	var noCand *NoCandidatesError
	if !errors.As(err, &noCand) {
		t.Fatalf("blocked bound account error = %v, want NoCandidatesError", err)
	}
}

func TestSelectWithRetryStopsOnDeterministicError(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := sched.SelectWithRetry(ctx, Request{Platform: account.PlatformConsole}, Options{MaxRetries: 5})
	var exhausted *RetryExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want RetryExhaustedError", err)
	}
	var noCand *NoCandidatesError
	if !errors.As(err, &noCand) {
		t.Fatalf("wrapped error = %v, want NoCandidatesError", exhausted.Last)
	}
}

func TestSelectWithRetrySucceeds(t *testing.T) {
	sched, accounts, _ := newTestScheduler(t)
	ctx := context.Background()
	seedAccount(t, accounts, "one", 10, nil)

	res, err := sched.SelectWithRetry(ctx, Request{Platform: account.PlatformConsole}, Options{MaxRetries: 3})
	if err != nil {
		t.Fatalf("select with retry: %v", err)
	}
	if res.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", res.AttemptCount)
	}
}
