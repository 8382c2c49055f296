package tracker

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mickaelli/storyctl/internal/cache"
	"github.com/mickaelli/storyctl/internal/models"
	"github.com/mickaelli/storyctl/internal/registry"
	"github.com/mickaelli/storyctl/internal/socket"
)

// fakeSubscriber records subscriptions and lets tests push events.
type fakeSubscriber struct {
	mu     sync.Mutex
	cbs    map[string][]socket.Callback
	unsubs map[string]int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		cbs:    make(map[string][]socket.Callback),
		unsubs: make(map[string]int),
	}
}

func (f *fakeSubscriber) Subscribe(topic string, cb socket.Callback) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cbs[topic] = append(f.cbs[topic], cb)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubs[topic]++
	}
}

func (f *fakeSubscriber) push(topic string, e socket.Event) {
	f.mu.Lock()
	cbs := append([]socket.Callback(nil), f.cbs[topic]...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(e)
	}
}

func (f *fakeSubscriber) unsubCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubs[topic]
}

func newPushHarness(t *testing.T) (*PushTracker, *fakeSubscriber, *fakeInvalidator) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStorage(), zerolog.Nop())
	subs := newFakeSubscriber()
	inv := &fakeInvalidator{}
	tr := NewPushTracker(reg, subs, inv, zerolog.Nop())
	t.Cleanup(tr.Stop)
	return tr, subs, inv
}

func TestPushEndToEnd(t *testing.T) {
	tr, subs, inv := newPushHarness(t)
	tr.Start()

	var gotOp, gotResource string
	tr.OnResult(func(id, resource string) {
		gotOp, gotResource = id, resource
	})

	tr.Track("operations/op-77", registry.Meta{StoryID: "s1", Kind: models.KindStoryCreate})

	subs.push("op-77", socket.Event{
		OperationID:     "op-77",
		State:           socket.StateRunning,
		ProgressPercent: 40,
	})

	agg := tr.Snapshot()
	if len(agg.Operations) != 1 {
		t.Fatalf("expected one operation, got %+v", agg)
	}
	if agg.Operations[0].ProgressPercent != 40 || agg.Operations[0].Status != models.StatusRunning {
		t.Errorf("progress not applied: %+v", agg.Operations[0])
	}
	if agg.PendingCount != 1 {
		t.Errorf("want pending=1, got %+v", agg)
	}

	subs.push("op-77", socket.Event{
		OperationID:        "op-77",
		State:              socket.StateSucceeded,
		ProgressPercent:    100,
		Done:               true,
		ResultResourceName: "stories/xyz",
	})

	if gotOp != "op-77" || gotResource != "stories/xyz" {
		t.Errorf("result callback: got (%q, %q)", gotOp, gotResource)
	}
	if res, ok := tr.Result("op-77"); !ok || res != "stories/xyz" {
		t.Errorf("Result() = %q, %v", res, ok)
	}

	agg = tr.Snapshot()
	if agg.SucceededCount != 1 || agg.PendingCount != 0 {
		t.Errorf("want succeeded=1 pending=0, got %+v", agg)
	}

	if keys := inv.invalidations(); len(keys) != 1 || keys[0] != cache.StoriesListKey() {
		t.Errorf("expected one stories-list invalidation, got %v", keys)
	}

	// Terminal operations release their topic.
	if subs.unsubCount("op-77") != 1 {
		t.Errorf("expected unsubscribe after done frame, got %d", subs.unsubCount("op-77"))
	}
}

func TestPushTerminalRegressionDiscarded(t *testing.T) {
	tr, subs, inv := newPushHarness(t)
	tr.Start()
	tr.Track("op-1", registry.Meta{StoryID: "s1", Kind: models.KindVideoRender})

	subs.push("op-1", socket.Event{OperationID: "op-1", State: socket.StateSucceeded, Done: true, ProgressPercent: 100})
	subs.push("op-1", socket.Event{OperationID: "op-1", State: socket.StateRunning, ProgressPercent: 10})
	subs.push("op-1", socket.Event{OperationID: "op-1", State: socket.StateFailed, Done: true, Error: "late failure"})

	agg := tr.Snapshot()
	if agg.SucceededCount != 1 || agg.FailedCount != 0 {
		t.Errorf("terminal state must be immutable, got %+v", agg)
	}
	if agg.Operations[0].ProgressPercent != 100 {
		t.Errorf("discarded frames must not move progress, got %+v", agg.Operations[0])
	}
	if len(inv.invalidations()) != 1 {
		t.Errorf("invalidation must stay exactly-once, got %v", inv.invalidations())
	}
}

func TestPushProgressMonotonic(t *testing.T) {
	tr, subs, _ := newPushHarness(t)
	tr.Start()
	tr.Track("op-2", registry.Meta{})

	subs.push("op-2", socket.Event{OperationID: "op-2", State: socket.StateRunning, ProgressPercent: 60})
	subs.push("op-2", socket.Event{OperationID: "op-2", State: socket.StateRunning, ProgressPercent: 35})

	agg := tr.Snapshot()
	if agg.Operations[0].ProgressPercent != 60 {
		t.Errorf("progress must not regress, got %d", agg.Operations[0].ProgressPercent)
	}
}

func TestPushFailureSurfacesError(t *testing.T) {
	tr, subs, inv := newPushHarness(t)
	tr.Start()

	succeeded := false
	tr.OnSucceeded(func(*models.Operation) { succeeded = true })

	tr.Track("op-3", registry.Meta{StoryID: "s1", ShotID: "sh2", Kind: models.KindShotRegen})

	subs.push("op-3", socket.Event{
		OperationID: "op-3",
		State:       socket.StateFailed,
		Done:        true,
		Error:       "model refused",
	})

	agg := tr.Snapshot()
	if agg.FailedCount != 1 {
		t.Fatalf("want failed=1, got %+v", agg)
	}
	if agg.Operations[0].ErrorMsg != "model refused" {
		t.Errorf("error message must surface, got %+v", agg.Operations[0])
	}
	if succeeded {
		t.Error("success callback must not fire on failure")
	}
	if len(inv.invalidations()) != 2 {
		t.Errorf("failed shot_regen still invalidates detail+list, got %v", inv.invalidations())
	}
}

func TestPushMalformedHandleIgnored(t *testing.T) {
	tr, subs, _ := newPushHarness(t)
	tr.Start()

	tr.Track("", registry.Meta{})
	tr.Track("operations/", registry.Meta{})

	if len(subs.cbs) != 0 {
		t.Errorf("malformed handles must not subscribe, got %v", subs.cbs)
	}
	if agg := tr.Snapshot(); len(agg.Operations) != 0 {
		t.Errorf("expected empty aggregate, got %+v", agg)
	}
}

func TestPushUntrackedTopicIgnored(t *testing.T) {
	tr, subs, _ := newPushHarness(t)
	tr.Start()
	tr.Track("op-known", registry.Meta{})

	// An event for an id we never tracked must be a no-op.
	subs.push("op-known", socket.Event{OperationID: "op-known", State: socket.StateRunning})
	tr.handleEvent("op-unknown", socket.Event{OperationID: "op-unknown", State: socket.StateRunning})

	agg := tr.Snapshot()
	if len(agg.Operations) != 1 {
		t.Errorf("expected only the tracked operation, got %+v", agg)
	}
}

func TestPushSweepAfterStopIsNoOp(t *testing.T) {
	tr, subs, _ := newPushHarness(t)
	tr.Start()
	tr.Stop()

	// A handle tracked after teardown must not open a subscription.
	tr.Track("operations/late-op", registry.Meta{Kind: models.KindStoryCreate})

	subs.mu.Lock()
	n := len(subs.cbs["late-op"])
	subs.mu.Unlock()
	if n != 0 {
		t.Fatalf("stopped tracker opened %d subscription(s)", n)
	}
}
