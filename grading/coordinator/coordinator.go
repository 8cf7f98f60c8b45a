/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package coordinator runs a grading engine over a fixed set of transcripts
// with bounded concurrency, live progress and cooperative cancellation.
package coordinator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"chainguard.dev/rolloutgrader/grading/engine"
	"chainguard.dev/rolloutgrader/grading/grades"
	"chainguard.dev/rolloutgrader/grading/metrics"
	"chainguard.dev/rolloutgrader/grading/progress"
	"chainguard.dev/rolloutgrader/grading/provider"
	"chainguard.dev/rolloutgrader/grading/transcript"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/semaphore"
)

// Concurrency bounds accepted by Run.
const (
	MinConcurrency = 1
	MaxConcurrency = 500

	// DefaultItemTimeout bounds one transcript, retries included.
	DefaultItemTimeout = 15 * time.Minute
)

var (
	// ErrPreflight wraps every rejection made before any work starts.
	ErrPreflight = errors.New("preflight check failed")
	// ErrJobAborted wraps a progress transport failure.
	ErrJobAborted = errors.New("grading job aborted")
	// ErrCredentialsRejected fails items that were never dispatched because
	// the provider rejected the job's credentials.
	ErrCredentialsRejected = errors.New("skipped: provider rejected the credentials for this job")
)

// Grader grades one transcript. *engine.Engine implements it.
type Grader interface {
	Grade(ctx context.Context, id int, t *transcript.Transcript) engine.Outcome
}

// Item is one transcript to grade, identified by its sample ID.
type Item struct {
	ID         int
	Transcript *transcript.Transcript
}

// Job is one batch of transcripts graded under a single rubric and provider.
type Job struct {
	ID          string
	Provider    string
	Metric      string
	Items       []Item
	Concurrency int
	Grader      Grader
}

// Validate performs the preflight checks.
func (j Job) Validate() error {
	if j.Grader == nil {
		return fmt.Errorf("%w: no grader configured", ErrPreflight)
	}
	if len(j.Items) == 0 {
		return fmt.Errorf("%w: no samples selected", ErrPreflight)
	}
	if j.Concurrency < MinConcurrency || j.Concurrency > MaxConcurrency {
		return fmt.Errorf("%w: parallel size %d must be between %d and %d", ErrPreflight, j.Concurrency, MinConcurrency, MaxConcurrency)
	}
	seen := make(map[int]struct{}, len(j.Items))
	for _, it := range j.Items {
		if it.Transcript == nil {
			return fmt.Errorf("%w: sample %d has no transcript", ErrPreflight, it.ID)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("%w: sample %d selected twice", ErrPreflight, it.ID)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}

// Report is the result of a job. Without cancellation,
// len(Succeeded)+len(Failed) == Total.
type Report struct {
	JobID     string
	Total     int
	Succeeded map[int]grades.Entry
	Failed    []progress.ItemError
	Cancelled bool
}

// Event is the terminal progress event describing r.
func (r *Report) Event() progress.Event {
	return progress.Complete(r.Succeeded, r.Failed, r.Cancelled)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithItemTimeout bounds each transcript once dispatched.
func WithItemTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.itemTimeout = d
		}
	}
}

// Coordinator runs jobs. A single Coordinator may run many jobs; each job's
// state is confined to its Run call.
type Coordinator struct {
	itemTimeout time.Duration
	stragglers  sync.WaitGroup
}

// New creates a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{itemTimeout: DefaultItemTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Wait blocks until every item dispatched by any Run has finished, including
// items still in flight when their job was cancelled.
func (c *Coordinator) Wait() {
	c.stragglers.Wait()
}

// Run grades every item of job, emitting progress to sink after each
// completion and a terminal complete event at the end.
//
// Cancelling ctx stops dispatch immediately. Items already in flight run to
// completion on a detached context and their results are discarded; Run
// returns the report so far with Cancelled set. A sink error aborts the job
// and Run returns an error wrapping ErrJobAborted.
//
// Callers attach the job ID to ctx's logger.
func (c *Coordinator) Run(ctx context.Context, job Job, sink progress.Sink) (*Report, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	log := clog.FromContext(ctx).With("metric", job.Metric).With("provider", job.Provider)
	ctx = metrics.WithJob(clog.WithLogger(ctx, log), job.Provider, job.Metric)
	defer metrics.JobStarted(job.Provider)()

	total := len(job.Items)
	report := &Report{
		JobID:     job.ID,
		Total:     total,
		Succeeded: make(map[int]grades.Entry, total),
	}

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	defer stopDispatch()
	// stop releases in-flight items blocked on delivering a result nobody
	// will read.
	stop := make(chan struct{})
	defer close(stop)

	results := make(chan engine.Outcome)
	var (
		authRejected atomic.Bool
		authLogged   bool
	)

	log.With("total", total).With("concurrency", job.Concurrency).Info("Starting grading job")

	c.stragglers.Add(1)
	go c.dispatch(dispatchCtx, job, results, stop, &authRejected)

	for completed := 0; completed < total; {
		select {
		case <-ctx.Done():
			return c.cancelled(ctx, job, sink, report, completed)

		case out := <-results:
			if ctx.Err() != nil {
				return c.cancelled(ctx, job, sink, report, completed)
			}
			completed++
			if c.collect(ctx, job, report, out) && !authLogged {
				authLogged = true
				log.With("sample_id", out.ID).Error("Provider rejected credentials, failing remaining samples")
			}

			if err := sink.Emit(ctx, progress.Progress(completed, total)); err != nil {
				log.With("error", err.Error()).Error("Progress transport failed, aborting job")
				return nil, fmt.Errorf("%w: %w", ErrJobAborted, err)
			}
		}
	}

	sortFailures(report)
	log.With("succeeded", len(report.Succeeded)).With("failed", len(report.Failed)).Info("Grading job complete")
	if err := sink.Emit(ctx, report.Event()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJobAborted, err)
	}
	return report, nil
}

// dispatch starts items in order, holding one semaphore slot per active item.
func (c *Coordinator) dispatch(ctx context.Context, job Job, results chan<- engine.Outcome, stop <-chan struct{}, authRejected *atomic.Bool) {
	defer c.stragglers.Done()

	sem := semaphore.NewWeighted(int64(job.Concurrency))
	// Items run detached from ctx so a cancelled job lets them finish.
	itemParent := context.WithoutCancel(ctx)

	for _, it := range job.Items {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		if ctx.Err() != nil {
			sem.Release(1)
			return
		}

		if authRejected.Load() {
			sem.Release(1)
			select {
			case results <- engine.Outcome{ID: it.ID, Err: ErrCredentialsRejected}:
				continue
			case <-stop:
				return
			}
		}

		c.stragglers.Add(1)
		go func(it Item) {
			defer c.stragglers.Done()
			// The slot is held until the result is delivered or discarded.
			defer sem.Release(1)

			itemCtx, cancel := context.WithTimeout(itemParent, c.itemTimeout)
			defer cancel()
			out := job.Grader.Grade(itemCtx, it.ID, it.Transcript)
			if provider.IsAuth(out.Err) {
				authRejected.Store(true)
			}

			select {
			case results <- out:
			case <-stop:
				clog.FromContext(ctx).With("sample_id", it.ID).Info("Discarding result of cancelled job")
			}
		}(it)
	}
}

// collect records out and reports whether it was a credential rejection.
func (c *Coordinator) collect(ctx context.Context, job Job, report *Report, out engine.Outcome) bool {
	if out.OK() {
		report.Succeeded[out.ID] = out.Entry
		metrics.ObserveItem(job.Provider, job.Metric, metrics.OutcomeGraded)
		return false
	}

	report.Failed = append(report.Failed, progress.ItemError{SampleID: out.ID, Error: out.Reason()})
	metrics.ObserveItem(job.Provider, job.Metric, metrics.OutcomeFailed)
	if provider.IsAuth(out.Err) {
		return true
	}
	if !errors.Is(out.Err, ErrCredentialsRejected) {
		clog.FromContext(ctx).With("sample_id", out.ID).With("error", out.Reason()).Warn("Sample failed")
	}
	return false
}

func (c *Coordinator) cancelled(ctx context.Context, job Job, sink progress.Sink, report *Report, completed int) (*Report, error) {
	report.Cancelled = true
	sortFailures(report)
	metrics.ObserveItems(job.Provider, job.Metric, metrics.OutcomeCancelled, report.Total-completed)
	clog.FromContext(ctx).With("completed", completed).With("total", report.Total).Info("Grading job cancelled")

	// The caller has usually gone away, so a failed delivery is expected.
	_ = sink.Emit(context.WithoutCancel(ctx), report.Event())
	return report, nil
}

func sortFailures(r *Report) {
	slices.SortFunc(r.Failed, func(a, b progress.ItemError) int {
		return cmp.Compare(a.SampleID, b.SampleID)
	})
}
