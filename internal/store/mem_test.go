package store

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

func TestMemSessionLifecycle(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	if m, _ := s.GetSession(ctx, "fp"); m != nil {
		t.Fatal("mapping exists before set")
	}

	if err := s.SetSession(ctx, "fp", "acct-1", "console", time.Hour); err != nil {
		t.Fatal(err)
	}
	m, err := s.GetSession(ctx, "fp")
	if err != nil || m == nil {
		t.Fatalf("get after set: %v, %v", m, err)
	}
	if m.AccountID != "acct-1" || m.Platform != "console" {
		t.Fatalf("mapping = %+v", m)
	}

	if err := s.DeleteSession(ctx, "fp"); err != nil {
		t.Fatal(err)
	}
	if m, _ := s.GetSession(ctx, "fp"); m != nil {
		t.Fatal("mapping survived delete")
	}
}

func TestMemExtendSessionDeadband(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	full := 100 * time.Hour
	deadband := 50 * time.Hour

	if err := s.SetSession(ctx, "fp", "acct-1", "console", full); err != nil {
		t.Fatal(err)
	}

	// Remaining TTL is near full, well above the deadband: no refresh.
	extended, err := s.ExtendSessionIfNeeded(ctx, "fp", deadband, full)
	if err != nil {
		t.Fatal(err)
	}
	if extended {
		t.Fatal("session extended while above the deadband")
	}

	// Shrink the remaining TTL below the deadband, then the extend fires.
	if err := s.SetSession(ctx, "fp", "acct-1", "console", deadband/2); err != nil {
		t.Fatal(err)
	}
	extended, err = s.ExtendSessionIfNeeded(ctx, "fp", deadband, full)
	if err != nil {
		t.Fatal(err)
	}
	if !extended {
		t.Fatal("session not extended below the deadband")
	}
	ttl, err := s.SessionTTL(ctx, "fp")
	if err != nil {
		t.Fatal(err)
	}
	if ttl < full-time.Minute {
		t.Fatalf("ttl after extend = %v, want near %v", ttl, full)
	}

	// Missing sessions extend to nothing.
	extended, err = s.ExtendSessionIfNeeded(ctx, "missing", deadband, full)
	if err != nil || extended {
		t.Fatalf("extend on a missing session = %v, %v", extended, err)
	}
}

func TestMemUsageIncrements(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	incs := []UsageIncrement{{
		Key:         "usage:key-1",
		IntFields:   map[string]int64{"inputTokens": 100, "requests": 1},
		FloatFields: map[string]float64{"cost": 0.25},
	}}
	if err := s.IncrementUsage(ctx, incs); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementUsage(ctx, incs); err != nil {
		t.Fatal(err)
	}

	fields, err := s.GetUsage(ctx, "usage:key-1")
	if err != nil {
		t.Fatal(err)
	}
	if fields["inputTokens"] != "200" || fields["requests"] != "2" {
		t.Fatalf("int fields = %v", fields)
	}
	if fields["cost"] != "0.5" {
		t.Fatalf("cost = %q, want 0.5", fields["cost"])
	}

	if fields, _ := s.GetUsage(ctx, "usage:absent"); len(fields) != 0 {
		t.Fatalf("absent key returned %v", fields)
	}
}

func TestMemUsageIncrementsConcurrently(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	const workers = 16
	const perWorker = 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.IncrementUsage(ctx, []UsageIncrement{{
					Key:         "usage:key-1",
					IntFields:   map[string]int64{"requests": 1},
					FloatFields: map[string]float64{"cost": 0.5},
				}})
				// Concurrent readers must never observe a map being
				// mutated mid-merge.
				s.GetUsage(ctx, "usage:key-1")
			}
		}()
	}
	wg.Wait()

	fields, err := s.GetUsage(ctx, "usage:key-1")
	if err != nil {
		t.Fatal(err)
	}
	want := strconv.FormatInt(workers*perWorker, 10)
	if fields["requests"] != want {
		t.Fatalf("requests = %s, want %s (lost updates)", fields["requests"], want)
	}
	cost, _ := strconv.ParseFloat(fields["cost"], 64)
	if cost != workers*perWorker*0.5 {
		t.Fatalf("cost = %v, want %v", cost, workers*perWorker*0.5)
	}
}

func TestMemAPIKeyHashMap(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	if err := s.SetAPIKeyHash(ctx, "fingerprint-1", "key-1"); err != nil {
		t.Fatal(err)
	}
	id, err := s.GetAPIKeyIDByHash(ctx, "fingerprint-1")
	if err != nil || id != "key-1" {
		t.Fatalf("lookup = %q, %v", id, err)
	}

	if err := s.DeleteAPIKeyHash(ctx, "fingerprint-1"); err != nil {
		t.Fatal(err)
	}
	if id, _ := s.GetAPIKeyIDByHash(ctx, "fingerprint-1"); id != "" {
		t.Fatalf("hash survived delete: %q", id)
	}
}

func TestMemAccountFieldsMerge(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	if err := s.SetAccount(ctx, "console", "a1", map[string]string{"name": "one", "status": "active"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetAccountFields(ctx, "console", "a1", map[string]string{"status": "rate_limited"}); err != nil {
		t.Fatal(err)
	}

	fields, err := s.GetAccount(ctx, "console", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if fields["name"] != "one" || fields["status"] != "rate_limited" {
		t.Fatalf("merged fields = %v", fields)
	}

	ids, _ := s.ListAccountIDs(ctx, "console")
	if len(ids) != 1 || ids[0] != "a1" {
		t.Fatalf("index = %v", ids)
	}
}
