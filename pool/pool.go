// Package pool implements ELSPETH's pooled retry executor (component F): a
// bounded-concurrency dispatcher for transforms that make external calls,
// with a global dispatch-pacing gate and typed retryable/permanent error
// discrimination.
//
// Grounded on resilience/retry.go's exponential-backoff retry loop (ported
// onto github.com/cenkalti/backoff/v5, the domain dependency the teacher
// already carries for this exact concern) and orchestration/task_worker.go's
// fixed-size worker pool shape. The retryable/permanent split is grounded on
// original_source/src/elspeth/testing/chaosllm/error_injector.py's HTTP
// status taxonomy (429/503/529 retryable, 4xx auth and content-policy
// permanent).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tachyon-beep/elspeth-sub014/errs"
)

// CapacityError is a retryable error that additionally carries the HTTP
// status code the plugin observed (e.g. 429, 503, 529).
type CapacityError struct {
	StatusCode int
	Message    string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity error (status %d): %s", e.StatusCode, e.Message)
}

// PermanentError marks an error that must never be retried regardless of
// its underlying cause (content policy violation, context-length overrun,
// 4xx authentication, or an explicit retryable=false from the plugin).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable is implemented by plugin errors that know their own
// retryability without status-code sniffing (spec §9: discriminate via an
// interface, never string-match on messages).
type Retryable interface {
	error
	IsRetryable() bool
}

// Classify reports whether err should be retried, per spec §4.6's
// discrimination rule: a CapacityError is retryable and a PermanentError is
// not; any other error implementing Retryable decides via IsRetryable, and
// anything else falls back to errs.IsRetryable.
func Classify(err error) bool {
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return true
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return false
	}
	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}
	return errs.IsRetryable(err)
}

// Reason is the structured diagnostic attached to a row's failed Result,
// matching spec §4.6's two reason shapes.
type Reason struct {
	Reason     string `json:"reason"`
	ErrorType  string `json:"error_type"`
	StatusCode *int   `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RowContext is one unit of work submitted to the pool.
type RowContext struct {
	Row      interface{}
	StateID  string
	RowIndex int
}

// Result is one row's outcome, always present in RowIndex order in the
// pool's returned slice regardless of completion order.
type Result struct {
	RowIndex int
	Value    interface{}
	Err      error
	Reason   *Reason
}

// ProcessFunc is the plugin-supplied work function.
type ProcessFunc func(ctx context.Context, rc RowContext) (interface{}, error)

// Config configures the pool's concurrency and pacing.
type Config struct {
	Workers               int
	MinDispatchDelay      time.Duration
	MaxCapacityRetryDelay time.Duration
}

// DefaultConfig mirrors resilience.DefaultRetryConfig's conservative
// defaults, scaled to this package's knobs.
func DefaultConfig() Config {
	return Config{
		Workers:               4,
		MinDispatchDelay:      0,
		MaxCapacityRetryDelay: 60 * time.Second,
	}
}

// gate enforces the global minimum gap between any two consecutive
// dispatches, including post-retry dispatches — the key pacing invariant
// of spec §4.6. It is a monotonic-clock check under a mutex, not a timer
// callback (spec §9).
type gate struct {
	mu       sync.Mutex
	minDelay time.Duration
	last     time.Time
}

func (g *gate) wait(ctx context.Context) error {
	if g.minDelay <= 0 {
		return nil
	}
	g.mu.Lock()
	now := time.Now()
	sleep := g.minDelay - now.Sub(g.last)
	if sleep < 0 {
		sleep = 0
	}
	g.last = now.Add(sleep)
	g.mu.Unlock()

	if sleep <= 0 {
		return nil
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pool is the bounded-concurrency dispatcher.
type Pool struct {
	cfg  Config
	gate *gate
}

// New constructs a Pool.
func New(cfg Config) *Pool {
	return &Pool{cfg: cfg, gate: &gate{minDelay: cfg.MinDispatchDelay}}
}

// Run dispatches every RowContext to fn across the pool's worker budget and
// returns results in input order. Retryable failures are retried with
// exponential backoff, bounded by MaxCapacityRetryDelay; permanent failures
// fail immediately.
func (p *Pool) Run(ctx context.Context, rows []RowContext, fn ProcessFunc) []Result {
	results := make([]Result, len(rows))
	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup

	for i, rc := range rows {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rc RowContext) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.runOne(ctx, rc, fn)
		}(i, rc)
	}

	wg.Wait()
	return results
}

func (p *Pool) runOne(ctx context.Context, rc RowContext, fn ProcessFunc) Result {
	deadline := time.Now().Add(p.cfg.MaxCapacityRetryDelay)

	op := func() (interface{}, error) {
		if err := p.gate.wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		value, err := fn(ctx, rc)
		if err == nil {
			return value, nil
		}

		if !Classify(err) {
			return nil, backoff.Permanent(&taggedError{err: err, reason: permanentReason(err)})
		}
		if time.Now().After(deadline) {
			return nil, backoff.Permanent(&taggedError{err: err, reason: timeoutReason(err)})
		}
		return nil, err
	}

	value, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(p.cfg.MaxCapacityRetryDelay))

	if err == nil {
		return Result{RowIndex: rc.RowIndex, Value: value}
	}

	var tagged *taggedError
	if errors.As(err, &tagged) {
		return Result{RowIndex: rc.RowIndex, Err: tagged.err, Reason: tagged.reason}
	}
	// Elapsed-time exhaustion without a wrapped taggedError: final retry
	// attempt ran out the clock inside backoff.Retry itself.
	return Result{RowIndex: rc.RowIndex, Err: err, Reason: timeoutReason(err)}
}

type taggedError struct {
	err    error
	reason *Reason
}

func (t *taggedError) Error() string { return t.err.Error() }
func (t *taggedError) Unwrap() error { return t.err }

func permanentReason(err error) *Reason {
	return &Reason{Reason: "permanent_error", ErrorType: errorTypeName(err), Error: err.Error()}
}

func timeoutReason(err error) *Reason {
	r := &Reason{Reason: "retry_timeout", ErrorType: errorTypeName(err)}
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		code := capErr.StatusCode
		r.StatusCode = &code
	}
	return r
}

func errorTypeName(err error) string {
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return "CapacityError"
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return errorTypeName(permErr.Err)
	}
	return fmt.Sprintf("%T", err)
}
