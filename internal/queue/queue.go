// Package queue accepts poster-generation requests and runs them on a
// bounded worker pool. Jobs live in memory with monotonic status
// transitions and are evicted after a retention window.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/strava-poster-hub/internal/poster"
	"github.com/pysugar/strava-poster-hub/internal/strava"
	"github.com/pysugar/strava-poster-hub/internal/vault"
)

// Status is a job's lifecycle phase. Transitions only ever move
// forward: queued → running → succeeded | failed | cancelled.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Cause classifies a failed job so callers can tell "log in again"
// from "try again later" without parsing error strings.
type Cause string

const (
	CauseNone      Cause = ""
	CauseAuth      Cause = "authentication_failed"
	CauseQuota     Cause = "quota_exceeded"
	CauseUpstream  Cause = "upstream_unavailable"
	CauseNotFound  Cause = "not_found"
	CauseRender    Cause = "render_failed"
	CauseCancelled Cause = "cancelled"
	CauseInternal  Cause = "internal"
)

var (
	// ErrQueueSaturated is the load-shedding signal: the pending queue
	// is full and the caller should retry later.
	ErrQueueSaturated = errors.New("queue: saturated, retry later")

	// ErrNotFound means the job is unknown or already evicted.
	ErrNotFound = errors.New("queue: job not found")
)

// Spec is the input to one poster job.
type Spec struct {
	ActivityIDs []int64         `json:"activity_ids,omitempty"`
	Year        int             `json:"year,omitempty"`
	Template    poster.Template `json:"template"`
	Format      poster.Format   `json:"format"`
	Title       string          `json:"title,omitempty"`
}

// Job is the tracked state of one poster request.
type Job struct {
	ID           string    `json:"id"`
	AthleteID    string    `json:"athlete_id"`
	Spec         Spec      `json:"spec"`
	Status       Status    `json:"status"`
	Cause        Cause     `json:"cause,omitempty"`
	Error        string    `json:"error,omitempty"`
	ResultHandle string    `json:"result_handle,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	cancel context.CancelFunc
}

// Fetcher supplies activity data for a job. Satisfied by
// *strava.Client.
type Fetcher interface {
	PosterActivities(ctx context.Context, athleteID string, ids []int64, after, before time.Time) ([]strava.Activity, error)
}

// Options tunes the queue. Zero values fall back to defaults.
type Options struct {
	Workers         int
	Depth           int
	Retention       time.Duration
	JanitorInterval time.Duration
}

// Queue owns all GenerationJob state. Workers are the only mutators of
// a running job.
type Queue struct {
	fetch  Fetcher
	render poster.Renderer
	store  *poster.Store

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool

	pending   chan string
	retention time.Duration
	interval  time.Duration
	workers   int

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a queue; call Start to launch workers.
func New(fetch Fetcher, render poster.Renderer, store *poster.Store, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Depth <= 0 {
		opts.Depth = 32
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		fetch:      fetch,
		render:     render,
		store:      store,
		jobs:       make(map[string]*Job),
		pending:    make(chan string, opts.Depth),
		retention:  opts.Retention,
		interval:   opts.JanitorInterval,
		workers:    opts.Workers,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Start launches the worker pool and the retention janitor.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.janitor()
	log.Printf("🎨 Generation queue started (%d workers, depth %d)", q.workers, cap(q.pending))
}

// Stop rejects new submissions, cancels running jobs, and waits for
// workers to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.baseCancel()
	close(q.pending)
	q.wg.Wait()
	log.Printf("🎨 Generation queue stopped")
}

// Submit enqueues a job and returns its id immediately. Fails fast
// with ErrQueueSaturated when the pending queue is full.
func (q *Queue) Submit(athleteID string, spec Spec) (string, error) {
	if spec.Template == "" {
		spec.Template = poster.TemplateClassic
	}
	if spec.Format == "" {
		spec.Format = poster.FormatSVG
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.New().String(),
		AthleteID: athleteID,
		Spec:      spec,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueSaturated
	}
	q.jobs[job.ID] = job

	// The send stays under the mutex so it is ordered against Stop's
	// closed flag and cannot hit a closed channel.
	select {
	case q.pending <- job.ID:
		return job.ID, nil
	default:
		delete(q.jobs, job.ID)
		return "", ErrQueueSaturated
	}
}

// Status returns a snapshot of the job.
func (q *Queue) Status(jobID string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	snap := *job
	snap.cancel = nil
	return snap, nil
}

// List returns snapshots of the athlete's jobs, newest first.
func (q *Queue) List(athleteID string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Job
	for _, job := range q.jobs {
		if job.AthleteID != athleteID {
			continue
		}
		snap := *job
		snap.cancel = nil
		out = append(out, snap)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Cancel marks a queued job cancelled, or asks a running job's worker
// to abort at its next checkpoint. Terminal jobs are left untouched.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	switch job.Status {
	case StatusQueued:
		job.Status = StatusCancelled
		job.Cause = CauseCancelled
		job.UpdatedAt = time.Now()
	case StatusRunning:
		if job.cancel != nil {
			job.cancel()
		}
	}
	return nil
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for jobID := range q.pending {
		q.run(id, jobID)
	}
}

func (q *Queue) run(workerID int, jobID string) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusQueued {
		// Cancelled or evicted while waiting in the queue.
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(q.baseCtx)
	job.Status = StatusRunning
	job.UpdatedAt = time.Now()
	job.cancel = cancel
	spec := job.Spec
	athleteID := job.AthleteID
	q.mu.Unlock()
	defer cancel()

	log.Printf("🎨 Worker %d running job %s for athlete %s", workerID, jobID, athleteID)

	after, before := yearRange(spec.Year)
	activities, err := q.fetch.PosterActivities(ctx, athleteID, spec.ActivityIDs, after, before)
	if err != nil {
		q.finish(jobID, err)
		return
	}
	// Checkpoint between fetch and render so cancellation lands before
	// the expensive part.
	if err := ctx.Err(); err != nil {
		q.finish(jobID, err)
		return
	}

	data, err := q.render.Render(activities, spec.Template, spec.Format, poster.Options{Title: spec.Title})
	if err != nil {
		q.finish(jobID, err)
		return
	}

	handle, err := q.store.Save(fmt.Sprintf("poster-%s.%s", jobID, spec.Format), data)
	if err != nil {
		q.finish(jobID, err)
		return
	}
	q.complete(jobID, handle)
}

func (q *Queue) finish(jobID string, err error) {
	cause := classify(err)

	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusRunning {
		return
	}
	if cause == CauseCancelled {
		job.Status = StatusCancelled
	} else {
		job.Status = StatusFailed
	}
	job.Cause = cause
	job.Error = err.Error()
	job.UpdatedAt = time.Now()
	log.Printf("❌ Job %s finished %s (%s): %v", jobID, job.Status, cause, err)
}

func (q *Queue) complete(jobID, handle string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusRunning {
		return
	}
	job.Status = StatusSucceeded
	job.ResultHandle = handle
	job.UpdatedAt = time.Now()
	log.Printf("✅ Job %s succeeded (%s)", jobID, handle)
}

// classify maps an error onto the failure taxonomy.
func classify(err error) Cause {
	switch {
	case errors.Is(err, context.Canceled):
		return CauseCancelled
	case errors.Is(err, strava.ErrAuthenticationFailed),
		errors.Is(err, vault.ErrRevokedCredential),
		errors.Is(err, vault.ErrNotFound),
		errors.Is(err, vault.ErrCorrupted):
		return CauseAuth
	case errors.Is(err, strava.ErrQuotaExceeded):
		return CauseQuota
	case errors.Is(err, strava.ErrUpstreamUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return CauseUpstream
	case errors.Is(err, strava.ErrNotFound):
		return CauseNotFound
	case errors.Is(err, poster.ErrRender):
		return CauseRender
	default:
		return CauseInternal
	}
}

func yearRange(year int) (after, before time.Time) {
	if year <= 0 {
		return time.Time{}, time.Time{}
	}
	after = time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	before = time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC)
	return after, before
}

func (q *Queue) janitor() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.evict()
		case <-q.baseCtx.Done():
			return
		}
	}
}

// evict removes jobs past the retention window regardless of status,
// bounding memory in the absence of persistent storage.
func (q *Queue) evict() {
	cutoff := time.Now().Add(-q.retention)

	q.mu.Lock()
	var evicted []*Job
	for id, job := range q.jobs {
		if job.CreatedAt.Before(cutoff) {
			evicted = append(evicted, job)
			delete(q.jobs, id)
		}
	}
	q.mu.Unlock()

	for _, job := range evicted {
		if job.cancel != nil {
			job.cancel()
		}
		if job.ResultHandle != "" {
			if err := q.store.Remove(job.ResultHandle); err != nil {
				log.Printf("⚠️ Failed to remove artifact %s: %v", job.ResultHandle, err)
			}
		}
	}
	if len(evicted) > 0 {
		log.Printf("🧹 Evicted %d jobs past retention", len(evicted))
	}
}
