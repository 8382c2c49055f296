package tracker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mickaelli/storyctl/internal/cache"
	"github.com/mickaelli/storyctl/internal/models"
	"github.com/mickaelli/storyctl/internal/registry"
	"github.com/mickaelli/storyctl/internal/socket"
)

// Subscriber is the slice of the socket manager the push tracker needs.
type Subscriber interface {
	Subscribe(topic string, cb socket.Callback) func()
}

// pushState is the per-subscription local state. Guarded by the
// tracker's mutex.
type pushState struct {
	ref         models.StoredOperationRef
	status      models.OperationStatus
	progress    int
	message     string
	errorMsg    string
	result      string
	seen        bool
	invalidated bool
	unsub       func()
}

// PushTracker reconciles operations from frames pushed over the
// WebSocket channel: one topic subscription per tracked id, no polling.
type PushTracker struct {
	reg  *registry.Registry
	subs Subscriber
	inv  cache.Invalidator
	log  zerolog.Logger

	mu        sync.Mutex
	states    map[string]*pushState
	callbacks []func(op *models.Operation)
	resultCbs []func(operationID, resourceName string)
	started   bool
	stopped   bool
}

// NewPushTracker wires the push strategy over an already-managed socket
// connection.
func NewPushTracker(reg *registry.Registry, subs Subscriber, inv cache.Invalidator, log zerolog.Logger) *PushTracker {
	return &PushTracker{
		reg:    reg,
		subs:   subs,
		inv:    inv,
		log:    log.With().Str("component", "tracker").Str("strategy", "push").Logger(),
		states: make(map[string]*pushState),
	}
}

// OnSucceeded registers a callback fired once per operation on its first
// observed success.
func (t *PushTracker) OnSucceeded(fn func(op *models.Operation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

// OnResult registers a callback receiving the result_resource_name of a
// succeeded operation, e.g. "stories/xyz" to navigate to.
func (t *PushTracker) OnResult(fn func(operationID, resourceName string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resultCbs = append(t.resultCbs, fn)
}

// Start cleans up the registry and subscribes to every tracked id.
func (t *PushTracker) Start() {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.reg.Cleanup(registry.DefaultMaxAge)
	t.Sweep()
	t.log.Debug().Msg("tracker started")
}

// Stop drops every live subscription. Sweeps that lose the race
// against Stop become no-ops.
func (t *PushTracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	unsubs := make([]func(), 0, len(t.states))
	for _, st := range t.states {
		if st.unsub != nil {
			unsubs = append(unsubs, st.unsub)
			st.unsub = nil
		}
	}
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	t.log.Debug().Msg("tracker stopped")
}

// Track records a freshly-returned operation handle and subscribes to
// its topic. Malformed handles are logged and dropped by the registry;
// they produce no subscription.
func (t *PushTracker) Track(operationName string, meta registry.Meta) {
	t.reg.Add(operationName, meta)
	t.Sweep()
}

// Sweep reconciles subscriptions against the registry.
func (t *PushTracker) Sweep() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	refs := t.reg.List()
	tracked := make(map[string]models.StoredOperationRef, len(refs))
	for _, ref := range refs {
		tracked[ref.ID] = ref
	}
	var subscribe []string
	for id, ref := range tracked {
		if _, ok := t.states[id]; ok {
			continue
		}
		t.states[id] = &pushState{ref: ref}
		subscribe = append(subscribe, id)
	}
	var unsubs []func()
	for id, st := range t.states {
		if _, ok := tracked[id]; !ok {
			if st.unsub != nil {
				unsubs = append(unsubs, st.unsub)
			}
			delete(t.states, id)
		}
	}
	t.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, id := range subscribe {
		id := id
		unsub := t.subs.Subscribe(id, func(e socket.Event) {
			t.handleEvent(id, e)
		})
		t.mu.Lock()
		if st, ok := t.states[id]; ok && !t.stopped {
			st.unsub = unsub
			t.mu.Unlock()
		} else {
			// Swept away (or stopped) while subscribing.
			t.mu.Unlock()
			unsub()
		}
	}
}

// handleEvent folds one pushed frame into local state. Terminal
// regressions are protocol violations: logged and discarded.
func (t *PushTracker) handleEvent(id string, e socket.Event) {
	var fire []func(*models.Operation)
	var resultCbs []func(string, string)
	var fireOp *models.Operation
	var result string

	t.mu.Lock()
	st, ok := t.states[id]
	if !ok {
		t.mu.Unlock()
		return
	}

	next := e.State.Status()
	if st.seen && !st.status.ValidTransition(next) {
		t.log.Warn().
			Str("operation_id", id).
			Str("from", string(st.status)).
			Str("to", string(next)).
			Msg("protocol violation: invalid status transition, frame discarded")
		t.mu.Unlock()
		return
	}

	st.seen = true
	st.status = next
	if e.ProgressPercent > st.progress {
		st.progress = e.ProgressPercent
	}
	if e.Message != "" {
		// A progress frame may carry an error message without the
		// operation having failed; surface it, don't act on it.
		st.message = e.Message
	}

	if next.IsTerminal() {
		if e.Error != "" {
			st.errorMsg = e.Error
		}
		if e.ResultResourceName != "" {
			st.result = e.ResultResourceName
		}
		if !st.invalidated {
			st.invalidated = true
			invalidateFor(t.inv, st.ref.Kind, st.ref.StoryID, st.ref.ShotID, t.log)
			if next == models.StatusSucceeded {
				fire = append(fire, t.callbacks...)
				resultCbs = append(resultCbs, t.resultCbs...)
				fireOp = st.operationLocked(id)
				result = st.result
			}
		}
		// The job is over; stop the server fanning out for this topic.
		if st.unsub != nil {
			unsub := st.unsub
			st.unsub = nil
			defer unsub()
		}
	}
	t.mu.Unlock()

	for _, fn := range fire {
		fn(fireOp)
	}
	for _, fn := range resultCbs {
		fn(id, result)
	}
}

// operationLocked synthesizes an Operation snapshot from push state and
// the registry's denormalized meta. Callers hold the mutex.
func (st *pushState) operationLocked(id string) *models.Operation {
	status := st.status
	if !st.seen {
		status = models.StatusQueued
	}
	return &models.Operation{
		ID:              id,
		StoryID:         st.ref.StoryID,
		ShotID:          st.ref.ShotID,
		Kind:            st.ref.Kind,
		Status:          status,
		ErrorMsg:        st.errorMsg,
		CreatedAt:       st.ref.CreatedAt,
		ProgressPercent: st.progress,
	}
}

// Result returns the result_resource_name captured for a succeeded
// operation, if any.
func (t *PushTracker) Result(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok || st.result == "" {
		return "", false
	}
	return st.result, true
}

// RefetchAll is a no-op for the push strategy: state converges from
// server pushes, there is nothing to fetch.
func (t *PushTracker) RefetchAll() {
	t.log.Debug().Msg("refetch ignored: push strategy converges from server frames")
}

// Snapshot merges per-subscription state into the aggregate. Operations
// with no frame observed yet appear as queued; CreatedAt comes from the
// client-local registry capture time (the push payload carries none).
func (t *PushTracker) Snapshot() Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg := Aggregate{Errors: make(map[string]string)}
	for id, st := range t.states {
		agg.Operations = append(agg.Operations, st.operationLocked(id))
		if !st.seen {
			agg.Loading = true
		}
	}
	sortOperations(agg.Operations)
	agg.countStatuses()
	return agg
}
