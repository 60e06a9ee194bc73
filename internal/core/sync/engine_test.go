package sync

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"dsawrangler/internal/core/record"
)

// fakeClock fires every After immediately unless the duration is held.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
	hold  map[time.Duration]chan time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	if ch, ok := c.hold[d]; ok {
		return ch
	}
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) count(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waits {
		if w == d {
			n++
		}
	}
	return n
}

// fakeSubmitter records calls and answers through fn.
type fakeSubmitter struct {
	mu    sync.Mutex
	calls []string
	fn    func(remoteID string, call int) error
}

func (f *fakeSubmitter) SubmitRecordUpdate(_ context.Context, _ Credential, remoteID string, _ Fields) error {
	f.mu.Lock()
	f.calls = append(f.calls, remoteID)
	n := 0
	for _, c := range f.calls {
		if c == remoteID {
			n++
		}
	}
	f.mu.Unlock()
	if f.fn == nil {
		return nil
	}
	return f.fn(remoteID, n)
}

func (f *fakeSubmitter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var cred = Credential{BaseURL: "https://dsa.example.org/api/v1", Token: "tok"}

func dirtyStore(t *testing.T, n int) *record.Store {
	t.Helper()
	var recs []record.Record
	for i := 1; i <= n; i++ {
		recs = append(recs, record.Record{ID: fmt.Sprintf("r%d", i), RemoteID: fmt.Sprintf("item%d", i), LocalCaseID: "L"})
	}
	s := record.NewStore()
	if err := s.Load(recs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, r := range recs {
		s.MarkDirty(r.ID)
	}
	return s
}

func jobCancelled(e *Engine) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job != nil && e.job.isCancelled()
}

func TestSyncAllSucceedInBatches(t *testing.T) {
	s := dirtyStore(t, 12)
	clk := newFakeClock()
	sub := &fakeSubmitter{}
	e := NewEngine(s, sub, WithClock(clk))

	var events []Progress
	res, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred}, func(p Progress) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.Completed || res.Success != 12 || res.Errors != 0 || res.Skipped != 0 || res.Processed != 12 {
		t.Fatalf("result = %+v", res)
	}
	if s.DirtyCount() != 0 {
		t.Fatalf("dirty left: %v", s.DirtyIDs())
	}
	if got := clk.count(DefaultBatchDelay); got != 2 {
		t.Fatalf("inter-batch delays = %d, want 2", got)
	}
	calls := sub.Calls()
	for b, want := range [][]string{{"item1", "item2", "item3", "item4", "item5"}, {"item10", "item6", "item7", "item8", "item9"}, {"item11", "item12"}} {
		lo := b * 5
		got := append([]string(nil), calls[lo:min(lo+5, len(calls))]...)
		sort.Strings(got)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("batch %d = %v, want %v", b, got, want)
		}
	}
	if len(events) != 12 || events[11].Current != 12 || events[11].Percentage != 100 {
		t.Fatalf("progress events = %+v", events)
	}
	for i, p := range events {
		if p.Current != i+1 || p.Total != 12 {
			t.Fatalf("event %d = %+v", i, p)
		}
	}
	if e.State() != StateIdle || e.LastState() != StateSynced || res.JobID == "" {
		t.Fatalf("state=%v last=%v job=%q", e.State(), e.LastState(), res.JobID)
	}
}

func TestSyncConfirmsBeforeReportingProgress(t *testing.T) {
	s := dirtyStore(t, 7)
	e := NewEngine(s, &fakeSubmitter{}, WithClock(newFakeClock()))

	calls := 0
	_, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred, BatchSize: 3}, func(p Progress) {
		calls++
		// Records are only ever cleared by a confirmed success.
		if clean := 7 - s.DirtyCount(); clean < p.Success {
			t.Errorf("progress reports %d successes but only %d records are clean", p.Success, clean)
		}
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if calls != 7 {
		t.Fatalf("progress calls = %d", calls)
	}
}

func TestSyncItemFailureKeepsRecordDirty(t *testing.T) {
	s := dirtyStore(t, 6)
	clk := newFakeClock()
	netErr := errors.New("dial tcp: connection refused")
	sub := &fakeSubmitter{fn: func(id string, _ int) error {
		if id == "item3" {
			return netErr
		}
		return nil
	}}
	e := NewEngine(s, sub, WithClock(clk))
	res, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.Completed || res.Success != 5 || res.Errors != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := s.DirtyIDs(); !reflect.DeepEqual(got, []string{"r3"}) {
		t.Fatalf("dirty = %v, want [r3]", got)
	}
	if got := clk.count(DefaultRetryDelay); got != 2 {
		t.Fatalf("retry delays = %d, want 2", got)
	}
	var failed *ItemResult
	for i := range res.Results {
		if res.Results[i].RecordID == "r3" {
			failed = &res.Results[i]
		}
	}
	var ise *ItemSyncError
	if failed == nil || failed.Status != ItemError || failed.Attempts != 3 || !errors.As(failed.Err, &ise) || !errors.Is(failed.Err, netErr) {
		t.Fatalf("failed item = %+v", failed)
	}
}

func TestSyncSkipsRecordsWithoutRemoteID(t *testing.T) {
	s := record.NewStore()
	_ = s.Load([]record.Record{{ID: "a"}, {ID: "b"}, {ID: "c", RemoteID: "item-c"}})
	for _, id := range []string{"a", "b", "c"} {
		s.MarkDirty(id)
	}
	clk := newFakeClock()
	e := NewEngine(s, &fakeSubmitter{}, WithClock(clk))
	res, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred, BatchSize: 2}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Skipped != 2 || res.Success != 1 || !res.Completed {
		t.Fatalf("result = %+v", res)
	}
	if clk.count(DefaultBatchDelay) != 0 {
		t.Fatal("a batch of skips must not be followed by a delay")
	}
	if got := s.DirtyIDs(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("dirty = %v", got)
	}
}

func TestSyncEmptyDirtySet(t *testing.T) {
	s := dirtyStore(t, 0)
	e := NewEngine(s, &fakeSubmitter{}, WithClock(newFakeClock()))
	res, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred}, nil)
	if err != nil || res.Processed != 0 || !res.Completed {
		t.Fatalf("Start = %+v, %v", res, err)
	}
}

func TestSyncCancelLeavesUnconfirmedDirty(t *testing.T) {
	s := dirtyStore(t, 9)
	var e *Engine
	sub := &fakeSubmitter{fn: func(id string, _ int) error {
		if id == "item1" {
			e.Cancel()
		}
		return nil
	}}
	e = NewEngine(s, sub, WithClock(newFakeClock()))
	res, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred, BatchSize: 3}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Completed || e.LastState() != StateCancelled {
		t.Fatalf("result = %+v, state %v", res, e.LastState())
	}
	for _, c := range sub.Calls() {
		if c != "item1" && c != "item2" && c != "item3" {
			t.Fatalf("item %s started after cancellation", c)
		}
	}
	succeeded := map[string]bool{}
	for _, r := range res.Results {
		if r.Status == ItemSuccess {
			succeeded[r.RecordID] = true
		}
	}
	if !succeeded["r1"] {
		t.Fatal("in-flight item must settle")
	}
	for _, r := range s.Records() {
		if succeeded[r.ID] == s.IsDirty(r.ID) {
			t.Fatalf("record %s: success=%v dirty=%v", r.ID, succeeded[r.ID], s.IsDirty(r.ID))
		}
	}
	if res.Errors != 0 {
		t.Fatalf("cancellation counted as error: %+v", res)
	}
	if len(res.Results) != 9 {
		t.Fatalf("results = %d, want one per record", len(res.Results))
	}
	for _, r := range res.Results {
		if r.RecordID > "r3" && r.Status != ItemCancelled {
			t.Fatalf("unlaunched %s has status %v", r.RecordID, r.Status)
		}
	}
}

func TestSyncCancelStopsRetries(t *testing.T) {
	s := dirtyStore(t, 1)
	var e *Engine
	sub := &fakeSubmitter{fn: func(string, int) error {
		e.Cancel()
		return errors.New("503")
	}}
	e = NewEngine(s, sub, WithClock(newFakeClock()))
	res, _ := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred}, nil)
	if len(sub.Calls()) != 1 {
		t.Fatalf("calls = %d, want 1", len(sub.Calls()))
	}
	if res.Errors != 0 || res.Results[0].Status != ItemCancelled || !s.IsDirty("r1") {
		t.Fatalf("result = %+v", res)
	}
}

func TestSyncTimeoutActsLikeCancel(t *testing.T) {
	s := dirtyStore(t, 3)
	clk := newFakeClock()
	fire := make(chan time.Time)
	clk.hold = map[time.Duration]chan time.Time{5 * time.Second: fire}
	var e *Engine
	var once sync.Once
	sub := &fakeSubmitter{fn: func(string, int) error {
		once.Do(func() { close(fire) })
		for !jobCancelled(e) {
			time.Sleep(time.Millisecond)
		}
		return nil
	}}
	e = NewEngine(s, sub, WithClock(clk))
	res, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred, BatchSize: 1, Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !res.TimedOut || res.Completed || res.Success != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := s.DirtyIDs(); !reflect.DeepEqual(got, []string{"r2", "r3"}) {
		t.Fatalf("dirty = %v", got)
	}
}

func TestSyncRejectsConcurrentStart(t *testing.T) {
	s := dirtyStore(t, 1)
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := &fakeSubmitter{fn: func(string, int) error {
		close(entered)
		<-release
		return nil
	}}
	e := NewEngine(s, sub, WithClock(newFakeClock()))
	done := make(chan Result)
	go func() {
		res, _ := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred}, nil)
		done <- res
	}()
	<-entered
	if e.State() != StateSyncing {
		t.Fatalf("state = %v", e.State())
	}
	_, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred}, nil)
	var cse *ConcurrentSyncError
	if !errors.As(err, &cse) || cse.JobID == "" {
		t.Fatalf("expected ConcurrentSyncError, got %v", err)
	}
	close(release)
	if res := <-done; !res.Completed || res.Success != 1 || res.JobID != cse.JobID {
		t.Fatalf("first job = %+v", res)
	}
}

func TestSyncMissingCredential(t *testing.T) {
	s := dirtyStore(t, 2)
	sub := &fakeSubmitter{}
	e := NewEngine(s, sub, WithClock(newFakeClock()))
	for _, c := range []Credential{{Token: "t"}, {BaseURL: "https://x"}} {
		if _, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: c}, nil); !record.IsPrecondition(err) {
			t.Fatalf("expected precondition error, got %v", err)
		}
	}
	if len(sub.Calls()) != 0 || e.State() != StateIdle || e.LastState() != StateError {
		t.Fatalf("calls=%v state=%v last=%v", sub.Calls(), e.State(), e.LastState())
	}
}

func TestSyncPreconditionFromSubmitterAbortsJob(t *testing.T) {
	s := dirtyStore(t, 3)
	sub := &fakeSubmitter{fn: func(string, int) error {
		return record.Precondition("dsa.push", "token expired")
	}}
	e := NewEngine(s, sub, WithClock(newFakeClock()))
	res, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred, BatchSize: 1}, nil)
	if !record.IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if len(sub.Calls()) != 1 || res.Completed || res.State != StateError || s.DirtyCount() != 3 {
		t.Fatalf("calls=%v result=%+v", sub.Calls(), res)
	}
}

func TestSyncPanicAndPermanentErrors(t *testing.T) {
	s := dirtyStore(t, 2)
	sub := &fakeSubmitter{fn: func(id string, _ int) error {
		if id == "item1" {
			panic("boom")
		}
		return Permanent(errors.New("404 not found"))
	}}
	e := NewEngine(s, sub, WithClock(newFakeClock()))
	res, err := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred}, nil)
	if err != nil || res.Errors != 2 || !res.Completed {
		t.Fatalf("Start = %+v, %v", res, err)
	}
	calls := map[string]int{}
	for _, c := range sub.Calls() {
		calls[c]++
	}
	if calls["item1"] != 3 || calls["item2"] != 1 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestSyncMutationDuringPushStaysDirty(t *testing.T) {
	s := dirtyStore(t, 1)
	sub := &fakeSubmitter{fn: func(string, int) error {
		if _, err := s.AddProtocol("r1", record.Stain, "H&E"); err != nil {
			t.Errorf("AddProtocol: %v", err)
		}
		return nil
	}}
	e := NewEngine(s, sub, WithClock(newFakeClock()))
	res, _ := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred}, nil)
	if res.Success != 1 || !res.Results[0].StillDirty || !s.IsDirty("r1") {
		t.Fatalf("result = %+v dirty=%v", res, s.IsDirty("r1"))
	}
}

func TestSyncLeaveDirty(t *testing.T) {
	s := dirtyStore(t, 2)
	e := NewEngine(s, &fakeSubmitter{}, WithClock(newFakeClock()))
	res, _ := e.Start(context.Background(), s.DirtyRecords(), Options{Credential: cred, LeaveDirty: true}, nil)
	if res.Success != 2 || s.DirtyCount() != 2 {
		t.Fatalf("result = %+v dirty=%d", res, s.DirtyCount())
	}
}

func TestRetryPolicy(t *testing.T) {
	var slept []time.Duration
	p := RetryPolicy{MaxAttempts: 3, Delay: time.Second, Sleep: func(d time.Duration) bool {
		slept = append(slept, d)
		return true
	}}
	n, err := p.Do(func(attempt int) error {
		if attempt < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	if n != 2 || err != nil || len(slept) != 1 {
		t.Fatalf("Do = %d, %v, slept %v", n, err, slept)
	}
	cancelled := false
	p.Cancelled = func() bool { return cancelled }
	p.Sleep = func(time.Duration) bool { cancelled = true; return false }
	n, err = p.Do(func(int) error { return errors.New("down") })
	if n != 1 || !errors.Is(err, ErrCancelled) {
		t.Fatalf("cancelled Do = %d, %v", n, err)
	}
}
