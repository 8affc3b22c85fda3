// Package worker is the outer job loop: it claims jobs, scans their
// distributions and reports the outcome, keeping a bounded number of jobs in
// flight.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dragonfly-scan/dragonfly"
	"github.com/dragonfly-scan/dragonfly/client"
	"github.com/dragonfly-scan/dragonfly/internal/log"
	"github.com/dragonfly-scan/dragonfly/rules"
)

//go:generate -command mockgen go run go.uber.org/mock/mockgen
//go:generate mockgen -destination=../test/mock/worker/mocks.go github.com/dragonfly-scan/dragonfly/worker Scanner

// Scanner scans one retrieved distribution.
type Scanner interface {
	Scan(ctx context.Context, rs *rules.Ruleset, dlURL, name, version string, fsys fs.FS) (dragonfly.DistributionScanResult, error)
}

// Worker drives a [client.Client].
type Worker struct {
	client  *client.Client
	scanner Scanner
	threads int
	wait    time.Duration
	limiter *rate.Limiter
	backoff func() backoff.BackOff
	maxWait time.Duration
	// Set when a job couldn't get the ruleset it asked for. No job is polled
	// until a sync succeeds.
	stale atomic.Bool
}

// Option controls the configuration of a Worker.
type Option func(*Worker)

// WithThreads sets the number of jobs processed concurrently.
func WithThreads(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.threads = n
		}
	}
}

// WithWait sets how long to sleep when the server has no work or can't be
// reached.
func WithWait(d time.Duration) Option {
	return func(w *Worker) { w.wait = d }
}

// WithLimiter sets the limiter pacing job polls.
func WithLimiter(l *rate.Limiter) Option {
	return func(w *Worker) { w.limiter = l }
}

// WithBackOff sets the policy used to retry failed reauthorization and rule
// syncs, and the total time spent retrying before giving up.
func WithBackOff(f func() backoff.BackOff, limit time.Duration) Option {
	return func(w *Worker) {
		w.backoff = f
		w.maxWait = limit
	}
}

// New returns a Worker with the defaults: one job per CPU, a minute of
// sleep between empty polls, at most ten polls a second.
func New(c *client.Client, s Scanner, opt ...Option) *Worker {
	w := &Worker{
		client:  c,
		scanner: s,
		threads: runtime.NumCPU(),
		wait:    time.Minute,
		backoff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		maxWait: 15 * time.Minute,
	}
	for _, f := range opt {
		f(w)
	}
	if w.limiter == nil {
		w.limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), w.threads)
	}
	return w
}

// Run processes jobs until the Context is canceled, then waits for in-flight
// jobs to finish. It returns the Context's error.
func (w *Worker) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(w.threads)
	slog.InfoContext(ctx, "worker starting", "threads", w.threads, "wait", w.wait)
	for ctx.Err() == nil {
		if w.stale.Load() {
			if err := w.resync(ctx); err != nil {
				if ctx.Err() == nil {
					slog.ErrorContext(ctx, "unable to sync rules, not polling", "reason", err, "wait", w.wait)
					sleep(ctx, w.wait)
				}
				continue
			}
			w.stale.Store(false)
		}
		if err := w.limiter.Wait(ctx); err != nil {
			break
		}
		job, err := w.next(ctx)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			pollCounter.WithLabelValues("error").Inc()
			slog.ErrorContext(ctx, "unable to poll for a job", "reason", err)
			sleep(ctx, w.wait)
		case job == nil:
			pollCounter.WithLabelValues("empty").Inc()
			slog.DebugContext(ctx, "no work", "wait", w.wait)
			sleep(ctx, w.wait)
		default:
			pollCounter.WithLabelValues("job").Inc()
			// Blocks until a slot is free, so jobs are never claimed ahead of
			// capacity.
			g.Go(func() error {
				w.process(ctx, job)
				return nil
			})
		}
	}
	g.Wait()
	slog.InfoContext(ctx, "worker stopped")
	return ctx.Err()
}

func (w *Worker) next(ctx context.Context) (job *dragonfly.Job, err error) {
	err = w.authorized(ctx, func(ctx context.Context) error {
		job, err = w.client.GetJob(ctx)
		return err
	})
	return job, err
}

// Process runs one job to completion. Every job ends in exactly one report
// unless the Context is canceled, the server can't be reached, or the
// ruleset the job asks for can't be installed.
func (w *Worker) process(ctx context.Context, job *dragonfly.Job) {
	ctx = log.With(ctx,
		"purl", job.PURL(),
		"attempt", uuid.New().String(),
	)
	start := time.Now()
	outcome := w.handle(ctx, job)
	jobCounter.WithLabelValues(outcome).Inc()
	jobDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	slog.InfoContext(ctx, "job done", "outcome", outcome, "elapsed", time.Since(start))
}

const (
	outcomeSubmitted = "submitted"
	outcomeFailed    = "failed"
	outcomeAbandoned = "abandoned"
)

func (w *Worker) handle(ctx context.Context, job *dragonfly.Job) string {
	if job.Hash != w.client.Snapshot().Hash {
		slog.InfoContext(ctx, "job wants a different ruleset", "hash", job.Hash)
		err := w.authorized(ctx, w.client.SyncRules)
		switch {
		case err == nil:
			syncCounter.WithLabelValues("ok").Inc()
		case ctx.Err() != nil:
			return outcomeAbandoned
		default:
			// Not the job's fault, so nothing is reported. The job is left to
			// the server to hand out again.
			syncCounter.WithLabelValues("error").Inc()
			slog.ErrorContext(ctx, "unable to sync rules, job not processed", "reason", err)
			w.stale.Store(true)
			return outcomeAbandoned
		}
	}
	snap := w.client.Snapshot()

	results := make([]dragonfly.DistributionScanResult, 0, len(job.Distributions))
	for _, u := range job.Distributions {
		res, err := w.scan(ctx, snap.Rules, job, u)
		switch {
		case err == nil:
			results = append(results, res)
			continue
		case ctx.Err() != nil:
			return outcomeAbandoned
		}
		r := reason(u, err)
		slog.WarnContext(ctx, "job failed", "url", u, "reason", err)
		err = w.authorized(ctx, func(ctx context.Context) error {
			return w.client.SendError(ctx, job, r)
		})
		if err != nil {
			slog.ErrorContext(ctx, "unable to report failure", "reason", err)
			return outcomeAbandoned
		}
		return outcomeFailed
	}

	err := w.authorized(ctx, func(ctx context.Context) error {
		return w.client.SubmitJobResults(ctx, job, results, snap.Hash)
	})
	if err != nil {
		slog.ErrorContext(ctx, "unable to submit results", "reason", err)
		return outcomeAbandoned
	}
	return outcomeSubmitted
}

func (w *Worker) scan(ctx context.Context, rs *rules.Ruleset, job *dragonfly.Job, u string) (dragonfly.DistributionScanResult, error) {
	ctx = log.With(ctx, "url", u)
	a, err := w.client.Fetch(ctx, u)
	if err != nil {
		return dragonfly.DistributionScanResult{}, err
	}
	start := time.Now()
	res, err := w.scanner.Scan(ctx, rs, u, job.Name, job.Version, a)
	scanDuration.WithLabelValues(a.Format.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return res, err
	}
	slog.DebugContext(ctx, "distribution scanned",
		"score", res.Score,
		"matched", res.Matched,
		"files", len(res.Files))
	return res, nil
}

// Authorized calls "f", and if the server rejected the credential,
// reauthorizes and calls it once more.
func (w *Worker) authorized(ctx context.Context, f func(context.Context) error) error {
	err := f(ctx)
	if !errors.Is(err, dragonfly.ErrAuthorization) {
		return err
	}
	slog.InfoContext(ctx, "credential rejected, reauthorizing")
	if err := w.reauthorize(ctx); err != nil {
		return err
	}
	return f(ctx)
}

func (w *Worker) reauthorize(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := w.client.Reauthorize(ctx)
		switch {
		case err == nil:
		case errors.Is(err, dragonfly.ErrAuthentication):
			reauthCounter.WithLabelValues("retry").Inc()
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
		reauthCounter.WithLabelValues("ok").Inc()
		return struct{}{}, nil
	},
		backoff.WithBackOff(w.backoff()),
		backoff.WithMaxElapsedTime(w.maxWait),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.WarnContext(ctx, "reauthorization failed", "reason", err, "retry_in", d)
		}),
	)
	return err
}

// Resync installs the server's current ruleset, retrying with the
// configured backoff.
func (w *Worker) resync(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := w.authorized(ctx, w.client.SyncRules); err != nil {
			syncCounter.WithLabelValues("error").Inc()
			return struct{}{}, err
		}
		syncCounter.WithLabelValues("ok").Inc()
		return struct{}{}, nil
	},
		backoff.WithBackOff(w.backoff()),
		backoff.WithMaxElapsedTime(w.maxWait),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.WarnContext(ctx, "rule sync failed", "reason", err, "retry_in", d)
		}),
	)
	if err == nil {
		slog.InfoContext(ctx, "rules synced", "hash", w.client.Snapshot().Hash)
	}
	return err
}

// Reason renders "err" for the server's failure report.
func reason(u string, err error) string {
	var de *dragonfly.Error
	if errors.As(err, &de) {
		return fmt.Sprintf("%s: %s", de.Kind, u)
	}
	return fmt.Sprintf("%s: %v", u, err)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
