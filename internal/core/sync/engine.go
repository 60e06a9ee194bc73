// Package sync pushes dirty records to the DSA server in rate-limited,
// retrying batches.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dsawrangler/internal/core/record"
	"dsawrangler/internal/dsa"
	"dsawrangler/internal/infra/logx"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Engine runs at most one sync job at a time against a record store.
type Engine struct {
	store  *record.Store
	submit Submitter
	clock  Clock

	mu    sync.Mutex
	job   *job
	state atomic.Int32
	last  atomic.Int32
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// NewEngine creates an idle engine.
func NewEngine(store *record.Store, submit Submitter, opts ...EngineOption) *Engine {
	e := &Engine{store: store, submit: submit, clock: realClock{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State is StateSyncing while a job runs and StateIdle otherwise.
func (e *Engine) State() State { return State(e.state.Load()) }

// LastState is the terminal state of the most recent job.
func (e *Engine) LastState() State { return State(e.last.Load()) }

// Cancel asks the running job to stop. It reports whether a job was running.
func (e *Engine) Cancel() bool {
	e.mu.Lock()
	j := e.job
	e.mu.Unlock()
	if j == nil {
		return false
	}
	j.cancel()
	return true
}

type job struct {
	id        string
	cancelled atomic.Bool
	timedOut  atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	finished  chan struct{}

	abortMu  sync.Mutex
	abortErr error
}

func newJob() *job {
	return &job{id: uuid.NewString(), stop: make(chan struct{}), finished: make(chan struct{})}
}

func (j *job) cancel() {
	j.cancelled.Store(true)
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *job) isCancelled() bool { return j.cancelled.Load() }

func (j *job) abort(err error) {
	j.abortMu.Lock()
	if j.abortErr == nil {
		j.abortErr = err
	}
	j.abortMu.Unlock()
	j.cancel()
}

func (j *job) aborted() error {
	j.abortMu.Lock()
	defer j.abortMu.Unlock()
	return j.abortErr
}

// sleep waits d unless the job is cancelled first. It reports whether the
// job may continue.
func (e *Engine) sleep(j *job, d time.Duration) bool {
	if j.isCancelled() {
		return false
	}
	if d <= 0 {
		return true
	}
	select {
	case <-e.clock.After(d):
		return !j.isCancelled()
	case <-j.stop:
		return false
	}
}

// tally holds the running counters; mu also serializes progress callbacks.
type tally struct {
	mu       sync.Mutex
	total    int
	success  int
	errors   int
	skipped  int
	results  []ItemResult
	progress func(Progress)
}

func (t *tally) settle(r ItemResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = append(t.results, r)
	switch r.Status {
	case ItemSuccess:
		t.success++
	case ItemError:
		t.errors++
	case ItemSkipped:
		t.skipped++
	default:
		return
	}
	if t.progress == nil {
		return
	}
	cur := t.success + t.errors + t.skipped
	pct := 100.0
	if t.total > 0 {
		pct = float64(cur) / float64(t.total) * 100
	}
	t.progress(Progress{Current: cur, Total: t.total, Success: t.success, Errors: t.errors, Skipped: t.skipped, Percentage: pct})
}

// Start pushes dirtyRecords and blocks until the job ends. Cancellation, the
// parent context being done and Options.Timeout all stop the job
// cooperatively: no new batch, item or attempt starts, and items already in
// flight settle. A cancelled job returns a Result with Completed=false and a
// nil error.
func (e *Engine) Start(ctx context.Context, dirtyRecords []record.Record, opts Options, progress func(Progress)) (Result, error) {
	e.mu.Lock()
	if e.job != nil {
		id := e.job.id
		e.mu.Unlock()
		return Result{}, &ConcurrentSyncError{JobID: id}
	}
	if err := opts.Credential.validate(); err != nil {
		e.mu.Unlock()
		e.last.Store(int32(StateError))
		return Result{}, err
	}
	j := newJob()
	e.job = j
	e.state.Store(int32(StateSyncing))
	e.mu.Unlock()

	defer func() {
		close(j.finished)
		e.mu.Lock()
		e.job = nil
		e.state.Store(int32(StateIdle))
		e.mu.Unlock()
	}()

	opts = opts.withDefaults()
	started := e.clock.Now()
	res := Result{JobID: j.id, TotalItems: len(dirtyRecords), StartedAt: started}
	t := &tally{total: len(dirtyRecords), progress: progress}

	go func() {
		select {
		case <-ctx.Done():
			j.cancel()
		case <-j.finished:
		}
	}()
	if opts.Timeout > 0 {
		go func() {
			select {
			case <-e.clock.After(opts.Timeout):
				j.timedOut.Store(true)
				j.cancel()
			case <-j.finished:
			}
		}()
	}

	logx.Info("sync job started", logx.F{"job": j.id, "items": len(dirtyRecords), "batch_size": opts.BatchSize})

	// In-flight pushes settle even after cancellation, so they run on a
	// context that ignores the parent's cancellation.
	itemCtx := context.WithoutCancel(ctx)

	dispatched := 0
	for start := 0; start < len(dirtyRecords); start += opts.BatchSize {
		if j.isCancelled() {
			break
		}
		end := min(start+opts.BatchSize, len(dirtyRecords))
		worked := e.runBatch(itemCtx, j, dirtyRecords[start:end], opts, t)
		dispatched = end
		if j.isCancelled() || end == len(dirtyRecords) {
			break
		}
		if worked && !e.sleep(j, opts.BatchDelay) {
			break
		}
	}
	for _, r := range dirtyRecords[dispatched:] {
		t.settle(cancelledResult(r))
	}

	t.mu.Lock()
	res.Success, res.Errors, res.Skipped = t.success, t.errors, t.skipped
	res.Processed = t.success + t.errors + t.skipped
	res.Results = t.results
	t.mu.Unlock()
	res.Duration = e.clock.Now().Sub(started)
	res.TimedOut = j.timedOut.Load()

	var err error
	switch {
	case j.aborted() != nil:
		err = j.aborted()
		res.State = StateError
	case j.isCancelled():
		res.State = StateCancelled
	default:
		res.State = StateSynced
		res.Completed = true
	}
	e.last.Store(int32(res.State))

	fields := logx.F{"job": j.id, "state": res.State.String(), "processed": res.Processed,
		"success": res.Success, "errors": res.Errors, "skipped": res.Skipped, "duration": res.Duration.String()}
	if err != nil {
		fields["error"] = err
		logx.Error("sync job aborted", fields)
	} else {
		logx.Info("sync job finished", fields)
	}
	return res, err
}

// runBatch dispatches every item of batch concurrently and waits for all of
// them to settle. It reports whether any item did server-side work.
func (e *Engine) runBatch(ctx context.Context, j *job, batch []record.Record, opts Options, t *tally) bool {
	var g errgroup.Group
	var worked atomic.Bool
	for _, r := range batch {
		if j.isCancelled() {
			t.settle(cancelledResult(r))
			continue
		}
		g.Go(func() error {
			res := e.syncOne(ctx, j, r, opts)
			if res.Status == ItemSuccess || res.Status == ItemError {
				worked.Store(true)
			}
			t.settle(res)
			return nil
		})
	}
	_ = g.Wait()
	return worked.Load()
}

// cancelledResult records an item that was never attempted.
func cancelledResult(r record.Record) ItemResult {
	return ItemResult{RecordID: r.ID, RemoteID: r.RemoteID, Status: ItemCancelled}
}

func (e *Engine) syncOne(ctx context.Context, j *job, r record.Record, opts Options) ItemResult {
	res := ItemResult{RecordID: r.ID, RemoteID: r.RemoteID}
	if r.RemoteID == "" {
		res.Status = ItemSkipped
		logx.Debug("sync item skipped: no remote id", logx.F{"job": j.id, "record": r.ID})
		return res
	}

	begin := e.clock.Now()
	rc := &dsa.RetryCounters{}
	ictx := dsa.WithRetryCounters(ctx, rc)
	fields := FieldsOf(r)
	policy := RetryPolicy{
		MaxAttempts: opts.MaxAttempts,
		Delay:       opts.RetryDelay,
		Cancelled:   j.isCancelled,
		Sleep:       func(d time.Duration) bool { return e.sleep(j, d) },
	}
	attempts, err := policy.Do(func(attempt int) error {
		err := e.safeSubmit(ictx, opts.Credential, r.RemoteID, fields)
		if err != nil && !errors.Is(err, ErrCancelled) {
			logx.Debug("sync attempt failed", logx.F{"job": j.id, "record": r.ID, "attempt": attempt, "error": err})
		}
		return err
	})
	res.Attempts = attempts
	res.Retries = rc.Stats()
	res.Duration = e.clock.Now().Sub(begin)

	switch {
	case err == nil:
		res.Status = ItemSuccess
		if !opts.LeaveDirty && !e.store.ConfirmSynced(r.ID, r.Version) {
			res.StillDirty = true
			logx.Debug("record changed during sync, left dirty", logx.F{"job": j.id, "record": r.ID})
		}
	case errors.Is(err, ErrCancelled):
		res.Status = ItemCancelled
	default:
		res.Status = ItemError
		res.Err = &ItemSyncError{RecordID: r.ID, RemoteID: r.RemoteID, Attempts: attempts, Err: err}
		if record.IsPrecondition(err) {
			j.abort(err)
		}
		logx.Warn("sync item failed", logx.F{"job": j.id, "record": r.ID, "attempts": attempts, "error": err})
	}
	return res
}

// safeSubmit converts a panicking submitter into an item error.
func (e *Engine) safeSubmit(ctx context.Context, cred Credential, remoteID string, f Fields) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("submitter panic: %v", p)
		}
	}()
	return e.submit.SubmitRecordUpdate(ctx, cred, remoteID, f)
}
