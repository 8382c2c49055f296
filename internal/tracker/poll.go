package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mickaelli/storyctl/internal/api"
	"github.com/mickaelli/storyctl/internal/cache"
	"github.com/mickaelli/storyctl/internal/models"
	"github.com/mickaelli/storyctl/internal/registry"
)

// Fetcher is the slice of the api client the poll tracker needs.
type Fetcher interface {
	GetOperation(ctx context.Context, id string) (*models.Operation, error)
}

// PollConfig tunes the poll strategy.
type PollConfig struct {
	// Interval spaces successive fetches per operation id.
	Interval time.Duration
	// MaxAttempts bounds consecutive transient failures before a loop
	// parks.
	MaxAttempts int
	// CleanupMaxAge is handed to the registry cleanup pass at Start.
	CleanupMaxAge time.Duration
}

// DefaultPollConfig returns the production configuration.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:      DefaultPollInterval,
		MaxAttempts:   DefaultMaxAttempts,
		CleanupMaxAge: registry.DefaultMaxAge,
	}
}

// pollState is the per-id reconciliation state. All fields are guarded
// by the tracker's mutex.
type pollState struct {
	op          *models.Operation
	lastErr     error
	retry       *retryPolicy
	invalidated bool
	evicted     bool
	refetch     chan struct{}
	stop        chan struct{}
}

// PollTracker reconciles every id in the registry by polling the REST
// surface: one sequential fetch loop per id, stopping once the
// operation is terminal, evicting ids the backend no longer knows.
type PollTracker struct {
	cfg      PollConfig
	fetcher  Fetcher
	registry *registry.Registry
	inv      cache.Invalidator
	log      zerolog.Logger

	mu        sync.Mutex
	states    map[string]*pollState
	callbacks []func(*models.Operation)
	started   bool
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollTracker wires the poll strategy. The registry is owned by the
// caller and shared with submission paths that Add to it.
func NewPollTracker(cfg PollConfig, fetcher Fetcher, reg *registry.Registry, inv cache.Invalidator, log zerolog.Logger) *PollTracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PollTracker{
		cfg:      cfg,
		fetcher:  fetcher,
		registry: reg,
		inv:      inv,
		log:      log.With().Str("component", "tracker").Str("strategy", "poll").Logger(),
		states:   make(map[string]*pollState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnSucceeded registers a callback fired once per operation on its first
// observed success.
func (t *PollTracker) OnSucceeded(fn func(op *models.Operation)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

// Start runs the registry cleanup pass, starts loops for every tracked
// id, and begins the periodic sweep that picks up ids added or removed
// mid-session.
func (t *PollTracker) Start() {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.registry.Cleanup(t.cfg.CleanupMaxAge)
	t.Sweep()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
	t.log.Debug().Msg("tracker started")
}

// Stop tears down every loop and waits for them to exit. Sweeps that
// lose the race against Stop become no-ops.
func (t *PollTracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	t.log.Debug().Msg("tracker stopped")
}

// Sweep reconciles running loops against the registry: new ids get a
// loop, ids no longer tracked are dropped from the aggregate. Safe to
// call at any time; submission paths call it right after Add.
func (t *PollTracker) Sweep() {
	// The registry read happens under the tracker mutex so a concurrent
	// not-found eviction cannot interleave and resurrect a loop for an
	// id that was just removed.
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	tracked := make(map[string]struct{})
	for _, id := range t.registry.ListIDs() {
		tracked[id] = struct{}{}
	}
	var started []string
	for id := range tracked {
		if _, ok := t.states[id]; ok {
			continue
		}
		st := &pollState{
			retry:   newRetryPolicy(t.cfg.MaxAttempts, t.cfg.Interval),
			refetch: make(chan struct{}, 1),
			stop:    make(chan struct{}),
		}
		t.states[id] = st
		started = append(started, id)
	}
	for id, st := range t.states {
		if _, ok := tracked[id]; !ok {
			close(st.stop)
			delete(t.states, id)
		}
	}
	states := make(map[string]*pollState, len(started))
	for _, id := range started {
		states[id] = t.states[id]
	}
	// Counted while the mutex orders this against Stop; a Wait that has
	// already begun can never observe the counter at zero mid-sweep.
	t.wg.Add(len(states))
	t.mu.Unlock()

	for id, st := range states {
		go t.loop(id, st)
	}
}

// loop drives one id: fetch, then wait out the interval (or park once
// terminal / retry-exhausted) until refetched, stopped or evicted.
// Fetches for one id are strictly sequential.
func (t *PollTracker) loop(id string, st *pollState) {
	defer t.wg.Done()
	for {
		if stop := t.fetchOnce(id, st); stop {
			return
		}

		t.mu.Lock()
		parked := (st.op != nil && st.op.Status.IsTerminal()) || st.retry.Exhausted()
		t.mu.Unlock()

		var wait <-chan time.Time
		if !parked {
			wait = time.After(t.cfg.Interval)
		}

		select {
		case <-t.ctx.Done():
			return
		case <-st.stop:
			return
		case <-st.refetch:
		case <-wait:
		}
	}
}

// fetchOnce performs one fetch and folds the result into state. Returns
// true when the loop must stop (eviction or shutdown). Every outcome is
// a state update or a log line; nothing escapes as a panic or an
// unhandled error.
func (t *PollTracker) fetchOnce(id string, st *pollState) bool {
	op, err := t.fetcher.GetOperation(t.ctx, id)

	var fire []func(*models.Operation)
	var fireOp *models.Operation

	t.mu.Lock()
	switch {
	case err == nil:
		st.retry.Success()
		st.lastErr = nil

		if st.op != nil && !st.op.Status.ValidTransition(op.Status) {
			t.log.Warn().
				Str("operation_id", id).
				Str("from", string(st.op.Status)).
				Str("to", string(op.Status)).
				Msg("protocol violation: invalid status transition, update discarded")
			t.mu.Unlock()
			return false
		}
		st.op = op

		if op.Status.IsTerminal() && !st.invalidated {
			st.invalidated = true
			invalidateFor(t.inv, op.Kind, op.StoryID, op.ShotID, t.log)
			if op.Status == models.StatusSucceeded {
				fire = append(fire, t.callbacks...)
				fireOp = op
			}
		}

	case errors.Is(err, api.ErrOperationNotFound):
		t.log.Warn().Str("operation_id", id).Msg("operation not found on server, evicting")
		st.evicted = true
		delete(t.states, id)
		// Removed under the tracker mutex; Sweep reads the registry
		// under the same mutex, so it cannot resurrect this id.
		t.registry.Remove(id)
		t.mu.Unlock()
		return true

	case errors.Is(err, context.Canceled):
		t.mu.Unlock()
		return true

	default:
		st.lastErr = err
		if st.retry.Failure() {
			t.log.Warn().Err(err).Str("operation_id", id).
				Int("attempts", st.retry.MaxAttempts).
				Msg("retry budget exhausted, polling parked")
		}
	}
	t.mu.Unlock()

	for _, fn := range fire {
		fn(fireOp)
	}
	return false
}

// RefetchAll forces an immediate fetch for every tracked id, reviving
// parked loops and refreshing terminal-but-stale entries once.
func (t *PollTracker) RefetchAll() {
	t.mu.Lock()
	for _, st := range t.states {
		st.retry.Reset()
		select {
		case st.refetch <- struct{}{}:
		default:
		}
	}
	t.mu.Unlock()
}

// Snapshot merges per-id state into the consumer-facing aggregate.
func (t *PollTracker) Snapshot() Aggregate {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked := t.registry.ListIDs()

	agg := Aggregate{Errors: make(map[string]string)}
	for _, id := range tracked {
		st, ok := t.states[id]
		if !ok {
			// Added to the registry but not swept yet.
			agg.Loading = true
			continue
		}
		if st.evicted {
			continue
		}
		if st.lastErr != nil {
			agg.Errors[id] = st.lastErr.Error()
		}
		if st.op != nil {
			agg.Operations = append(agg.Operations, st.op)
		} else if !st.retry.Exhausted() {
			agg.Loading = true
		}
	}
	sortOperations(agg.Operations)
	agg.countStatuses()
	return agg
}
