package checker

import (
	"context"
	"sync"
	"time"

	pinapp "github.com/khanhnv2901/seca-pin/internal/application/pinning"
	"github.com/khanhnv2901/seca-pin/internal/evidence"
	"golang.org/x/time/rate"
)

const (
	StatusOK           = "ok"
	StatusError        = "error"
	StatusNotInstalled = "not_installed"
)

// CheckResult represents the result of a single target check
type CheckResult struct {
	Target       string         `json:"target"`
	CheckedAt    time.Time      `json:"checked_at"`
	Status       string         `json:"status"`
	Pinning      *PinningResult `json:"pinning,omitempty"`
	ResponseTime float64        `json:"response_time_ms,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// PinningResult carries the merged record and, when a session ran, its outcome.
type PinningResult struct {
	Record  evidence.Record `json:"record"`
	Session *pinapp.Outcome `json:"session,omitempty"`
}

// Checker is the interface that all check implementations must satisfy
type Checker interface {
	// Check performs the actual check logic for a single target
	Check(ctx context.Context, target string) CheckResult

	// Name returns the name of this checker (e.g., "check pinning")
	Name() string
}

// Exclusive is implemented by checkers whose runs must not overlap, such as checks
// that bind a fixed proxy port.
type Exclusive interface {
	Exclusive() bool
}

// AuditFunc is a callback function to log audit information
type AuditFunc func(target string, result CheckResult, duration float64) error

// Runner orchestrates the execution of checks with concurrency and rate limiting
type Runner struct {
	Concurrency int           // Maximum number of concurrent checks
	RateLimit   int           // Checks started per second (0 = unlimited)
	Timeout     time.Duration // Timeout for each check (0 = none)
}

// RunChecks executes checks against multiple targets using a worker pool. Results
// keep the order of targets.
func (r *Runner) RunChecks(ctx context.Context, targets []string, checker Checker, auditFn AuditFunc) []CheckResult {
	limit := rate.Inf
	burst := 1
	if r.RateLimit > 0 {
		limit = rate.Limit(r.RateLimit)
		burst = r.RateLimit
	}
	limiter := rate.NewLimiter(limit, burst)

	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if ex, ok := checker.(Exclusive); ok && ex.Exclusive() {
		concurrency = 1
	}

	// Worker pool
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]CheckResult, len(targets))

	for i, target := range targets {
		wg.Add(1)
		go func(i int, t string) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			_ = limiter.Wait(ctx)

			start := time.Now()
			checkCtx := ctx
			if r.Timeout > 0 {
				var cancel context.CancelFunc
				checkCtx, cancel = context.WithTimeout(ctx, r.Timeout)
				defer cancel()
			}

			result := checker.Check(checkCtx, t)

			duration := time.Since(start).Seconds()
			if result.ResponseTime == 0 {
				result.ResponseTime = duration * 1000
			}

			if auditFn != nil {
				_ = auditFn(t, result, duration)
			}

			results[i] = result
		}(i, target)
	}

	wg.Wait()
	return results
}
