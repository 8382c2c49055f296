package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mickaelli/storyctl/internal/api"
	"github.com/mickaelli/storyctl/internal/cache"
	"github.com/mickaelli/storyctl/internal/models"
	"github.com/mickaelli/storyctl/internal/registry"
)

// fakeFetcher serves a scripted sequence of results per operation id,
// repeating the last step once the script runs out.
type fakeFetcher struct {
	mu      sync.Mutex
	scripts map[string][]fetchStep
	calls   map[string][]time.Time
}

type fetchStep struct {
	op  *models.Operation
	err error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		scripts: make(map[string][]fetchStep),
		calls:   make(map[string][]time.Time),
	}
}

func (f *fakeFetcher) script(id string, steps ...fetchStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = steps
}

func (f *fakeFetcher) GetOperation(_ context.Context, id string) (*models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[id] = append(f.calls[id], time.Now())
	steps := f.scripts[id]
	if len(steps) == 0 {
		return nil, fmt.Errorf("no script for %s: %w", id, api.ErrOperationNotFound)
	}
	step := steps[0]
	if len(steps) > 1 {
		f.scripts[id] = steps[1:]
	}
	if step.err != nil {
		return nil, step.err
	}
	op := *step.op
	return &op, nil
}

func (f *fakeFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[id])
}

func (f *fakeFetcher) callTimes(id string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.calls[id]))
	copy(out, f.calls[id])
	return out
}

// fakeInvalidator records every invalidated key.
type fakeInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeInvalidator) Invalidate(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
}

func (f *fakeInvalidator) InvalidatePrefix(prefix string) {
	f.Invalidate(prefix + "*")
}

func (f *fakeInvalidator) invalidations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.keys))
	copy(out, f.keys)
	return out
}

func op(id string, kind models.OperationKind, status models.OperationStatus) *models.Operation {
	return &models.Operation{
		ID:        id,
		Kind:      kind,
		Status:    status,
		StoryID:   "s1",
		ShotID:    models.ZeroUUID,
		CreatedAt: time.Now(),
	}
}

func newPollHarness(t *testing.T, fetcher Fetcher, interval time.Duration) (*PollTracker, *registry.Registry, *fakeInvalidator) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStorage(), zerolog.Nop())
	inv := &fakeInvalidator{}
	tr := NewPollTracker(PollConfig{Interval: interval, MaxAttempts: 2}, fetcher, reg, inv, zerolog.Nop())
	t.Cleanup(tr.Stop)
	return tr, reg, inv
}

// waitUntil polls cond for up to 2s.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPollEndToEnd(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.script("abc123",
		fetchStep{op: op("abc123", models.KindStoryCreate, models.StatusQueued)},
		fetchStep{op: op("abc123", models.KindStoryCreate, models.StatusSucceeded)},
	)

	tr, reg, inv := newPollHarness(t, fetcher, 20*time.Millisecond)

	var succeeded []string
	var mu sync.Mutex
	tr.OnSucceeded(func(o *models.Operation) {
		mu.Lock()
		succeeded = append(succeeded, o.ID)
		mu.Unlock()
	})

	reg.Add("operations/abc123", registry.Meta{Kind: models.KindStoryCreate})
	if got := reg.ListIDs(); len(got) != 1 || got[0] != "abc123" {
		t.Fatalf("registry should hold abc123, got %v", got)
	}

	tr.Start()

	waitUntil(t, func() bool { return fetcher.callCount("abc123") >= 1 })
	agg := tr.Snapshot()
	if agg.PendingCount != 1 {
		t.Errorf("after first poll want pending=1, got %+v", agg)
	}

	waitUntil(t, func() bool {
		a := tr.Snapshot()
		return a.SucceededCount == 1 && a.PendingCount == 0
	})

	keys := inv.invalidations()
	if len(keys) != 1 || keys[0] != cache.StoriesListKey() {
		t.Errorf("expected exactly one stories-list invalidation, got %v", keys)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(succeeded) != 1 || succeeded[0] != "abc123" {
		t.Errorf("success callback: want [abc123], got %v", succeeded)
	}
}

func TestTerminalStopsPolling(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.script("done-op",
		fetchStep{op: op("done-op", models.KindStoryCreate, models.StatusSucceeded)},
	)

	tr, reg, _ := newPollHarness(t, fetcher, 20*time.Millisecond)
	reg.Add("done-op", registry.Meta{})
	tr.Start()

	waitUntil(t, func() bool { return fetcher.callCount("done-op") == 1 })
	time.Sleep(100 * time.Millisecond) // several intervals

	if n := fetcher.callCount("done-op"); n != 1 {
		t.Errorf("polling must stop at terminal status, got %d fetches", n)
	}
}

func TestPollingCadence(t *testing.T) {
	interval := 50 * time.Millisecond
	fetcher := newFakeFetcher()
	fetcher.script("busy",
		fetchStep{op: op("busy", models.KindVideoRender, models.StatusRunning)},
	)

	tr, reg, _ := newPollHarness(t, fetcher, interval)
	reg.Add("busy", registry.Meta{})
	tr.Start()

	waitUntil(t, func() bool { return fetcher.callCount("busy") >= 3 })
	tr.Stop()

	times := fetcher.callTimes("busy")
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < interval-5*time.Millisecond {
			t.Errorf("fetches %d and %d only %v apart, interval is %v", i-1, i, gap, interval)
		}
	}
}

func TestSingleInvalidationAcrossRefetch(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.script("op-1",
		fetchStep{op: op("op-1", models.KindVideoRender, models.StatusRunning)},
		fetchStep{op: op("op-1", models.KindVideoRender, models.StatusSucceeded)},
		fetchStep{op: op("op-1", models.KindVideoRender, models.StatusSucceeded)},
	)

	tr, reg, inv := newPollHarness(t, fetcher, 20*time.Millisecond)
	reg.Add("op-1", registry.Meta{})
	tr.Start()

	waitUntil(t, func() bool { return tr.Snapshot().SucceededCount == 1 })

	// A manual refetch re-observes the terminal status; the dispatch
	// must not fire again.
	before := fetcher.callCount("op-1")
	tr.RefetchAll()
	waitUntil(t, func() bool { return fetcher.callCount("op-1") > before })

	if keys := inv.invalidations(); len(keys) != 1 {
		t.Errorf("invalidation must fire exactly once, got %v", keys)
	}
}

func TestNotFoundEviction(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.script("ghost",
		fetchStep{err: fmt.Errorf("gone: %w", api.ErrOperationNotFound)},
	)

	tr, reg, _ := newPollHarness(t, fetcher, 20*time.Millisecond)
	reg.Add("ghost", registry.Meta{})
	tr.Start()

	waitUntil(t, func() bool { return reg.Len() == 0 })

	agg := tr.Snapshot()
	if len(agg.Operations) != 0 || agg.PendingCount != 0 {
		t.Errorf("evicted id must leave the aggregate, got %+v", agg)
	}

	// Eviction also stops polling.
	n := fetcher.callCount("ghost")
	time.Sleep(80 * time.Millisecond)
	if fetcher.callCount("ghost") != n {
		t.Error("polling continued after not-found eviction")
	}
}

func TestTransientRetryBudget(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.script("flaky",
		fetchStep{err: fmt.Errorf("boom: %w", api.ErrTransient)},
	)

	tr, reg, _ := newPollHarness(t, fetcher, 20*time.Millisecond)
	reg.Add("flaky", registry.Meta{})
	tr.Start()

	// MaxAttempts is 2: the loop parks after two consecutive failures.
	waitUntil(t, func() bool { return fetcher.callCount("flaky") == 2 })
	time.Sleep(100 * time.Millisecond)
	if n := fetcher.callCount("flaky"); n != 2 {
		t.Errorf("expected polling parked after 2 failures, got %d fetches", n)
	}

	agg := tr.Snapshot()
	if agg.Errors["flaky"] == "" {
		t.Error("exhausted id should surface its last error in the aggregate")
	}

	// A manual refetch revives the parked loop.
	tr.RefetchAll()
	waitUntil(t, func() bool { return fetcher.callCount("flaky") > 2 })
}

func TestProtocolViolationDiscarded(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.script("op-x",
		fetchStep{op: op("op-x", models.KindStoryCreate, models.StatusSucceeded)},
		fetchStep{op: op("op-x", models.KindStoryCreate, models.StatusRunning)},
		fetchStep{op: op("op-x", models.KindStoryCreate, models.StatusFailed)},
	)

	tr, reg, inv := newPollHarness(t, fetcher, 20*time.Millisecond)
	reg.Add("op-x", registry.Meta{})
	tr.Start()

	waitUntil(t, func() bool { return tr.Snapshot().SucceededCount == 1 })

	// Force two more observations: running (regression) and failed
	// (terminal flip). Both must be discarded.
	tr.RefetchAll()
	waitUntil(t, func() bool { return fetcher.callCount("op-x") >= 2 })
	tr.RefetchAll()
	waitUntil(t, func() bool { return fetcher.callCount("op-x") >= 3 })

	agg := tr.Snapshot()
	if agg.SucceededCount != 1 || agg.FailedCount != 0 || agg.PendingCount != 0 {
		t.Errorf("terminal status must be immutable, got %+v", agg)
	}
	if len(inv.invalidations()) != 1 {
		t.Errorf("discarded updates must not re-invalidate, got %v", inv.invalidations())
	}
}

func TestFailedOperationInvalidatesAndSkipsSuccessCallback(t *testing.T) {
	failed := op("op-f", models.KindShotRegen, models.StatusFailed)
	failed.ShotID = "sh9"
	failed.ErrorMsg = "render exploded"

	fetcher := newFakeFetcher()
	fetcher.script("op-f", fetchStep{op: failed})

	tr, reg, inv := newPollHarness(t, fetcher, 20*time.Millisecond)
	called := false
	tr.OnSucceeded(func(*models.Operation) { called = true })
	reg.Add("op-f", registry.Meta{})
	tr.Start()

	waitUntil(t, func() bool { return tr.Snapshot().FailedCount == 1 })

	keys := inv.invalidations()
	want := map[string]bool{
		cache.ShotDetailKey("s1", "sh9"): true,
		cache.ShotsListKey("s1"):         true,
	}
	if len(keys) != 2 || !want[keys[0]] || !want[keys[1]] {
		t.Errorf("shot_regen failure must invalidate detail+list, got %v", keys)
	}
	if called {
		t.Error("success callback must not fire for failed operations")
	}

	agg := tr.Snapshot()
	if agg.Operations[0].ErrorMsg != "render exploded" {
		t.Errorf("error message must surface, got %+v", agg.Operations[0])
	}
}

func TestMidSessionAddAndRemove(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.script("late",
		fetchStep{op: op("late", models.KindStoryCreate, models.StatusRunning)},
	)

	tr, reg, _ := newPollHarness(t, fetcher, 20*time.Millisecond)
	tr.Start()

	if agg := tr.Snapshot(); len(agg.Operations) != 0 {
		t.Fatalf("expected empty aggregate, got %+v", agg)
	}

	reg.Add("late", registry.Meta{})
	tr.Sweep()
	waitUntil(t, func() bool { return len(tr.Snapshot().Operations) == 1 })

	reg.Remove("late")
	tr.Sweep()
	if agg := tr.Snapshot(); len(agg.Operations) != 0 {
		t.Errorf("removed id must leave the aggregate, got %+v", agg)
	}
}

func TestAggregateSortedByCreationDesc(t *testing.T) {
	older := op("old", models.KindStoryCreate, models.StatusRunning)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := op("new", models.KindStoryCreate, models.StatusRunning)

	fetcher := newFakeFetcher()
	fetcher.script("old", fetchStep{op: older})
	fetcher.script("new", fetchStep{op: newer})

	tr, reg, _ := newPollHarness(t, fetcher, 20*time.Millisecond)
	reg.Add("old", registry.Meta{})
	reg.Add("new", registry.Meta{})
	tr.Start()

	waitUntil(t, func() bool { return len(tr.Snapshot().Operations) == 2 })

	agg := tr.Snapshot()
	if agg.Operations[0].ID != "new" || agg.Operations[1].ID != "old" {
		t.Errorf("expected newest first, got %s then %s", agg.Operations[0].ID, agg.Operations[1].ID)
	}
}

func TestInvalidationDispatchTable(t *testing.T) {
	cases := []struct {
		kind models.OperationKind
		want []string
	}{
		{models.KindStoryCreate, []string{cache.StoriesListKey()}},
		{models.KindShotRegen, []string{cache.ShotDetailKey("s1", "sh1"), cache.ShotsListKey("s1")}},
		{models.KindVideoRender, []string{cache.StoryDetailKey("s1")}},
		{models.OperationKind("mystery"), nil},
	}

	for _, tc := range cases {
		inv := &fakeInvalidator{}
		invalidateFor(inv, tc.kind, "s1", "sh1", zerolog.Nop())
		got := inv.invalidations()
		if len(got) != len(tc.want) {
			t.Errorf("%s: want %v, got %v", tc.kind, tc.want, got)
			continue
		}
		for i := range tc.want {
			if got[i] != tc.want[i] {
				t.Errorf("%s: want %v, got %v", tc.kind, tc.want, got)
			}
		}
	}
}

func TestSweepAfterStopIsNoOp(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.script("late-op",
		fetchStep{op: op("late-op", models.KindStoryCreate, models.StatusRunning)},
	)

	tr, reg, _ := newPollHarness(t, fetcher, 10*time.Millisecond)
	tr.Start()
	tr.Stop()

	// A handle registered after teardown must not spawn a fetch loop.
	reg.Add("operations/late-op", registry.Meta{Kind: models.KindStoryCreate})
	tr.Sweep()

	time.Sleep(50 * time.Millisecond)
	if n := fetcher.callCount("late-op"); n != 0 {
		t.Fatalf("stopped tracker fetched %d time(s)", n)
	}

	// Stop stays idempotent and Start cannot revive a stopped tracker.
	tr.Stop()
	tr.Start()
	time.Sleep(50 * time.Millisecond)
	if n := fetcher.callCount("late-op"); n != 0 {
		t.Fatalf("restarted tracker fetched %d time(s)", n)
	}
}
