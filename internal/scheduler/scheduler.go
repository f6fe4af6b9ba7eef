package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ding113/claude-relay-service/internal/account"
	"github.com/ding113/claude-relay-service/internal/store"
)

// NoCandidatesError means no account passed filtering for the platform.
type NoCandidatesError struct {
	Platform string
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("no available accounts for platform %q", e.Platform)
}

// NoModelSupportError means accounts were available but none supports the
// requested model.
type NoModelSupportError struct {
	Model string
}

func (e *NoModelSupportError) Error() string {
	return fmt.Sprintf("no account supports model %q", e.Model)
}

// RetryExhaustedError wraps the last selection failure after all retries.
type RetryExhaustedError struct {
	Last error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("account selection retries exhausted: %v", e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// Request describes one selection.
type Request struct {
	Platform           string
	Model              string
	SessionFingerprint string
	// BoundAccountID routes a dedicated key straight to its account.
	BoundAccountID string
}

// Options modify a selection. ExcludeIDs is owned by the caller; the
// scheduler never mutates it.
type Options struct {
	ExcludeIDs map[string]bool
	MaxRetries int
}

// Result is the outcome of a selection, owned by one request lifetime.
type Result struct {
	Account      *account.Account
	IsSticky     bool
	AttemptCount int
}

// Scheduler binds requests to upstream accounts: sticky sessions first,
// then priority-grouped round-robin over the available pool.
type Scheduler struct {
	accounts   *account.AccountStore
	store      store.Store
	balancer   *Balancer
	sessionTTL time.Duration
	deadband   time.Duration
}

func New(as *account.AccountStore, s store.Store, b *Balancer, sessionTTL, renewalDeadband time.Duration) *Scheduler {
	return &Scheduler{
		accounts:   as,
		store:      s,
		balancer:   b,
		sessionTTL: sessionTTL,
		deadband:   renewalDeadband,
	}
}

// SelectAccount picks an account for the request.
func (s *Scheduler) SelectAccount(ctx context.Context, req Request, opts Options) (*Result, error) {
	// Dedicated route: a key bound to a specific account bypasses the pool.
	if req.BoundAccountID != "" {
		acct, err := s.accounts.Get(ctx, req.Platform, req.BoundAccountID)
		if err != nil {
			return nil, fmt.Errorf("load bound account: %w", err)
		}
		if acct == nil || !acct.Available(time.Now()) || !acct.SupportsModel(req.Model) || opts.ExcludeIDs[acct.ID] {
			return nil, &NoCandidatesError{Platform: req.Platform}
		}
		return &Result{Account: acct, AttemptCount: 1}, nil
	}

	// Sticky fast path.
	if req.SessionFingerprint != "" {
		res, err := s.stickyLookup(ctx, req, opts)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	// Filter the pool: exclusion and availability first, model support after,
	// so the two exhaustion cases stay distinguishable.
	all, err := s.accounts.List(ctx, req.Platform)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	now := time.Now()
	available := make([]*account.Account, 0, len(all))
	for _, acct := range all {
		if opts.ExcludeIDs[acct.ID] {
			continue
		}
		if !acct.Available(now) {
			continue
		}
		available = append(available, acct)
	}

	candidates := make([]*account.Account, 0, len(available))
	for _, acct := range available {
		if acct.SupportsModel(req.Model) {
			candidates = append(candidates, acct)
		}
	}

	if len(candidates) == 0 {
		if req.Model != "" && len(available) > 0 {
			return nil, &NoModelSupportError{Model: req.Model}
		}
		return nil, &NoCandidatesError{Platform: req.Platform}
	}

	// Ascending priority, ID as a stable tie-break so the balancer rotation
	// is deterministic regardless of store iteration order.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	selected := s.balancer.Pick(candidates)

	// Attach the session so the next turn lands on the same account.
	if req.SessionFingerprint != "" {
		if err := s.store.SetSession(ctx, req.SessionFingerprint, selected.ID, req.Platform, s.sessionTTL); err != nil {
			slog.Warn("session attach failed", "fingerprint", req.SessionFingerprint, "error", err)
		}
	}

	slog.Debug("account selected", "accountId", selected.ID, "platform", req.Platform, "priority", selected.Priority)
	return &Result{Account: selected, AttemptCount: 1}, nil
}

// stickyLookup resolves an existing session mapping. Returns nil (and no
// error) when the mapping is absent or was invalidated and deleted.
func (s *Scheduler) stickyLookup(ctx context.Context, req Request, opts Options) (*Result, error) {
	mapping, err := s.store.GetSession(ctx, req.SessionFingerprint)
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}
	if mapping == nil {
		return nil, nil
	}

	if opts.ExcludeIDs[mapping.AccountID] {
		s.dropSession(ctx, req.SessionFingerprint, "excluded")
		return nil, nil
	}

	acct, err := s.accounts.Get(ctx, mapping.Platform, mapping.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load sticky account: %w", err)
	}
	if acct == nil || !acct.Available(time.Now()) || !acct.SupportsModel(req.Model) {
		s.dropSession(ctx, req.SessionFingerprint, "account unavailable")
		return nil, nil
	}

	if _, err := s.store.ExtendSessionIfNeeded(ctx, req.SessionFingerprint, s.deadband, s.sessionTTL); err != nil {
		slog.Warn("session renewal failed", "fingerprint", req.SessionFingerprint, "error", err)
	}

	return &Result{Account: acct, IsSticky: true, AttemptCount: 1}, nil
}

func (s *Scheduler) dropSession(ctx context.Context, fingerprint, reason string) {
	if err := s.store.DeleteSession(ctx, fingerprint); err != nil {
		slog.Warn("session delete failed", "fingerprint", fingerprint, "error", err)
		return
	}
	slog.Debug("sticky session dropped", "fingerprint", fingerprint, "reason", reason)
}

// SelectWithRetry re-runs SelectAccount up to MaxRetries times with the
// caller-owned exclusion set. Deterministic filtering failures stop early;
// exhaustion reports the last error.
//
// The HTTP orchestrator does not use this wrapper: it interleaves selection
// with dispatch and grows the exclusion set after each failed upstream
// attempt, which a pure selection retry cannot express. This entry point is
// for programmatic callers that need a selection result without dispatching.
func (s *Scheduler) SelectWithRetry(ctx context.Context, req Request, opts Options) (*Result, error) {
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		res, err := s.SelectAccount(ctx, req, opts)
		if err == nil {
			res.AttemptCount = attempt
			return res, nil
		}
		lastErr = err

		switch err.(type) {
		case *NoCandidatesError, *NoModelSupportError:
			// Filtering is deterministic for a fixed exclusion set; more
			// attempts cannot help.
			return nil, &RetryExhaustedError{Last: lastErr}
		}
	}
	return nil, &RetryExhaustedError{Last: lastErr}
}
